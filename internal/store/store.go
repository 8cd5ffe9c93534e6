// Package store persists judge-gym entities. PostgresStore and SQLiteStore
// share one SQL core; unique indexes on identity columns are the authority
// for deduplication.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/theonetruejesse/judge-gym/internal/model"
)

// ErrDuplicate is returned when an insert hits a unique index.
var ErrDuplicate = errors.New("store: duplicate key")

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	ExperimentID string          `json:"experiment_id,omitempty"`
	Status       model.RunStatus `json:"status,omitempty"`
	Limit        int             `json:"limit,omitempty"`
}

// ModelKey is a provider/model pair with queued work.
type ModelKey struct {
	Provider model.Provider
	Model    string
}

// QueueFilter selects dispatchable queued requests for one provider/model.
// Requests of runs that are not running, or that sit past the run's
// stop_at_stage, are never returned.
type QueueFilter struct {
	Key ModelKey
	Now time.Time
	// ExcludeRuns skips requests of these runs. Run-less requests are
	// excluded with "".
	ExcludeRuns []string
	Limit       int
}

// WorkCounts summarizes outstanding work for scheduler re-arming.
type WorkCounts struct {
	ActiveRuns     int `json:"active_runs"`
	// QueuedRequests counts queued work that may dispatch: run-less requests
	// and those of runs that are running.
	QueuedRequests int `json:"queued_requests"`
	OpenBatches    int `json:"open_batches"`
}

// Pending reports whether anything is left to dispatch or poll.
func (w WorkCounts) Pending() bool {
	return w.QueuedRequests > 0 || w.OpenBatches > 0
}

// Store defines the persistence interface for the evaluation pipeline.
// Single-row getters return (nil, nil) when the row does not exist.
type Store interface {
	// Windows & experiments
	GetOrCreateWindow(ctx context.Context, scope model.WindowScope) (*model.Window, error)
	GetWindow(ctx context.Context, id string) (*model.Window, error)
	CreateExperiment(ctx context.Context, exp *model.Experiment) error
	GetExperiment(ctx context.Context, id string) (*model.Experiment, error)
	GetExperimentByTag(ctx context.Context, tag string) (*model.Experiment, error)
	UpdateExperimentState(ctx context.Context, id string, status model.ExperimentStatus, activeRunID string) error

	// Evidence
	InsertEvidence(ctx context.Context, ev *model.Evidence) error
	GetEvidence(ctx context.Context, id string) (*model.Evidence, error)
	ListEvidence(ctx context.Context, windowID string, limit int) ([]model.Evidence, error)
	SetEvidenceLevel(ctx context.Context, id string, stage model.Stage, content string) (bool, error)

	// Runs
	CreateRun(ctx context.Context, run *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)
	ListActiveRuns(ctx context.Context) ([]model.Run, error)
	UpdateRun(ctx context.Context, run *model.Run) error
	ListRunStages(ctx context.Context, runID string) ([]model.RunStage, error)
	GetRunStage(ctx context.Context, runID string, stage model.Stage) (*model.RunStage, error)
	UpdateRunStage(ctx context.Context, st *model.RunStage) error

	// Rubrics, samples, scores
	InsertRubric(ctx context.Context, r *model.Rubric) error
	GetRubric(ctx context.Context, id string) (*model.Rubric, error)
	ListRubrics(ctx context.Context, runID string) ([]model.Rubric, error)
	UpdateRubric(ctx context.Context, r *model.Rubric) error
	InsertSample(ctx context.Context, s *model.Sample) error
	GetSample(ctx context.Context, id string) (*model.Sample, error)
	ListSamples(ctx context.Context, runID string) ([]model.Sample, error)
	InsertScore(ctx context.Context, sc *model.Score) error
	GetScore(ctx context.Context, id string) (*model.Score, error)
	FindScore(ctx context.Context, sampleID, evidenceID string) (*model.Score, error)
	ListScores(ctx context.Context, runID string) ([]model.Score, error)
	UpdateScore(ctx context.Context, sc *model.Score) error

	// Requests & messages
	InsertRequest(ctx context.Context, req *model.LlmRequest) error
	GetRequest(ctx context.Context, id string) (*model.LlmRequest, error)
	GetRequestByIdentity(ctx context.Context, identityHash string) (*model.LlmRequest, error)
	UpdateRequest(ctx context.Context, req *model.LlmRequest) error
	ListQueuedRequests(ctx context.Context, f QueueFilter) ([]model.LlmRequest, error)
	CancelQueuedRequests(ctx context.Context, runID, reason string) (int, error)
	QueuedModels(ctx context.Context) ([]ModelKey, error)
	CountRequests(ctx context.Context, runID string, stage model.Stage) (map[model.RequestStatus]int, error)
	InsertMessage(ctx context.Context, msg *model.LlmMessage) error
	GetMessage(ctx context.Context, id string) (*model.LlmMessage, error)

	// Batches
	InsertBatch(ctx context.Context, b *model.LlmBatch, items []model.LlmBatchItem) error
	GetBatch(ctx context.Context, id string) (*model.LlmBatch, error)
	ListBatchItems(ctx context.Context, batchID string) ([]model.LlmBatchItem, error)
	UpdateBatch(ctx context.Context, b *model.LlmBatch) error
	AcquireBatchLease(ctx context.Context, id string, now, until time.Time) (bool, error)
	ListDueBatches(ctx context.Context, now time.Time, limit int) ([]model.LlmBatch, error)
	OpenBatchesByRun(ctx context.Context) (map[string]int, error)

	// Scheduler
	ClaimSchedulerWake(ctx context.Context, now, next time.Time) (bool, error)
	SetNextTick(ctx context.Context, next *time.Time) error
	AcquireTickLease(ctx context.Context, now, until time.Time) (bool, error)
	ReleaseTickLease(ctx context.Context) error
	GetSchedulerState(ctx context.Context) (*model.SchedulerState, error)
	CountWork(ctx context.Context) (WorkCounts, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}
