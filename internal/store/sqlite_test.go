package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theonetruejesse/judge-gym/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func seedExperiment(t *testing.T, st Store) (*model.Window, *model.Experiment) {
	t.Helper()
	ctx := context.Background()
	w, err := st.GetOrCreateWindow(ctx, model.WindowScope{
		Concept: "fascism", Country: "USA", StartDate: "2026-01-01", EndDate: "2026-01-31", Model: "claude-haiku-4-5-20251001",
	})
	require.NoError(t, err)
	exp := &model.Experiment{
		Tag:      "exp-" + w.ID[:8],
		WindowID: w.ID,
		Config: model.ExperimentConfig{
			RubricStage:  model.RubricStageConfig{ScaleSize: 4, Model: "claude-sonnet-4-5-20250929"},
			ScoringStage: model.ScoringStageConfig{Model: "claude-sonnet-4-5-20250929", Method: model.ScoringSingle, EvidenceView: model.EvidenceViewRaw},
		},
	}
	require.NoError(t, st.CreateExperiment(ctx, exp))
	return w, exp
}

func seedRun(t *testing.T, st Store, expID string) *model.Run {
	t.Helper()
	run := &model.Run{
		ExperimentID: expID,
		Status:       model.RunStatusRunning,
		DesiredState: model.DesiredRunning,
		Stages:       model.DefaultRunStages,
		CurrentStage: model.StageRubricGen,
		SampleCount:  2,
		Policy:       model.DefaultRunPolicy(),
	}
	require.NoError(t, st.CreateRun(context.Background(), run))
	return run
}

func newRequest(hash string, runID string) *model.LlmRequest {
	return &model.LlmRequest{
		Stage:          model.StageRubricGen,
		Provider:       model.ProviderAnthropic,
		Model:          "claude-sonnet-4-5-20250929",
		RequestVersion: 1,
		IdentityHash:   hash,
		RunID:          runID,
		UserPrompt:     "prompt",
		Status:         model.RequestQueued,
	}
}

// --- Windows & experiments ---

func TestSQLite_GetOrCreateWindow_Reuses(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	scope := model.WindowScope{Concept: "Democracy", Country: "France", StartDate: "2026-02-01", EndDate: "2026-02-28", Model: "m"}
	w1, err := st.GetOrCreateWindow(ctx, scope)
	require.NoError(t, err)

	scope.Concept = "  democracy "
	w2, err := st.GetOrCreateWindow(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, w1.ID, w2.ID)
	assert.Equal(t, "Democracy", w2.Concept)
}

func TestSQLite_Experiment_RoundTrip(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	_, exp := seedExperiment(t, st)

	got, err := st.GetExperimentByTag(ctx, exp.Tag)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, exp.ID, got.ID)
	assert.Equal(t, model.ExperimentStatusPending, got.Status)
	assert.Equal(t, 4, got.Config.RubricStage.ScaleSize)
	assert.Equal(t, model.ScoringSingle, got.Config.ScoringStage.Method)

	require.NoError(t, st.UpdateExperimentState(ctx, exp.ID, model.ExperimentStatusRunning, "run-1"))
	got, err = st.GetExperiment(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ExperimentStatusRunning, got.Status)
	assert.Equal(t, "run-1", got.ActiveRunID)

	missing, err := st.GetExperimentByTag(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSQLite_Experiment_DuplicateTag(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	w, exp := seedExperiment(t, st)

	dup := &model.Experiment{Tag: exp.Tag, WindowID: w.ID, Config: exp.Config}
	assert.ErrorIs(t, st.CreateExperiment(ctx, dup), ErrDuplicate)
}

// --- Evidence ---

func TestSQLite_Evidence_LevelsAreWriteOnce(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	w, _ := seedExperiment(t, st)

	ev := &model.Evidence{WindowID: w.ID, Title: "t", URL: "https://a.com/x", NormalizedURL: "https://a.com/x", RawContent: "raw"}
	require.NoError(t, st.InsertEvidence(ctx, ev))

	ok, err := st.SetEvidenceLevel(ctx, ev.ID, model.StageEvidenceClean, "clean")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.SetEvidenceLevel(ctx, ev.ID, model.StageEvidenceClean, "clean again")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = st.SetEvidenceLevel(ctx, ev.ID, model.StageRubricGen, "x")
	assert.Error(t, err)

	got, err := st.GetEvidence(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, "clean", got.CleanedContent)
	assert.Empty(t, got.NeutralizedContent)
}

func TestSQLite_Evidence_DuplicateURL(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	w, _ := seedExperiment(t, st)

	ev := &model.Evidence{WindowID: w.ID, URL: "https://a.com/x", NormalizedURL: "https://a.com/x", RawContent: "raw"}
	require.NoError(t, st.InsertEvidence(ctx, ev))
	dup := &model.Evidence{WindowID: w.ID, URL: "https://a.com/x/", NormalizedURL: "https://a.com/x", RawContent: "raw"}
	assert.ErrorIs(t, st.InsertEvidence(ctx, dup), ErrDuplicate)
}

func TestSQLite_ListEvidence_Limit(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	w, _ := seedExperiment(t, st)

	base := time.Now().UTC()
	for i, u := range []string{"https://a.com/1", "https://a.com/2", "https://a.com/3"} {
		require.NoError(t, st.InsertEvidence(ctx, &model.Evidence{
			WindowID: w.ID, URL: u, NormalizedURL: u, RawContent: "raw", CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	all, err := st.ListEvidence(ctx, w.ID, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	two, err := st.ListEvidence(ctx, w.ID, 2)
	require.NoError(t, err)
	require.Len(t, two, 2)
	assert.Equal(t, "https://a.com/1", two[0].URL)
}

// --- Runs ---

func TestSQLite_Run_CreateSeedsStages(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	_, exp := seedExperiment(t, st)
	run := seedRun(t, st, exp.ID)

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.DefaultRunStages, got.Stages)
	assert.Equal(t, model.StageRubricGen, got.CurrentStage)
	assert.Equal(t, 500, got.Policy.MaxBatchSize)

	stages, err := st.ListRunStages(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, stages, 4)
	for i, s := range stages {
		assert.Equal(t, model.DefaultRunStages[i], s.Stage)
		assert.Equal(t, model.StageStatusPending, s.Status)
	}

	st1 := stages[0]
	st1.Status = model.StageStatusRunning
	st1.TotalRequests = 3
	require.NoError(t, st.UpdateRunStage(ctx, &st1))
	one, err := st.GetRunStage(ctx, run.ID, model.StageRubricGen)
	require.NoError(t, err)
	assert.Equal(t, 3, one.TotalRequests)
	assert.Equal(t, model.StageStatusRunning, one.Status)
}

func TestSQLite_Run_UpdateAndList(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	_, exp := seedExperiment(t, st)
	run := seedRun(t, st, exp.ID)

	active, err := st.ListActiveRuns(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	run.Status = model.RunStatusComplete
	run.CurrentStage = ""
	require.NoError(t, st.UpdateRun(ctx, run))

	active, err = st.ListActiveRuns(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	runs, err := st.ListRuns(ctx, RunFilter{ExperimentID: exp.ID, Status: model.RunStatusComplete})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)

	err = st.UpdateRun(ctx, &model.Run{ID: "missing"})
	assert.Error(t, err)
}

// --- Rubrics, samples, scores ---

func TestSQLite_RubricSampleScore(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	w, exp := seedExperiment(t, st)
	run := seedRun(t, st, exp.ID)

	rb := &model.Rubric{RunID: run.ID, ExperimentID: exp.ID, Model: "m", Concept: "fascism", ScaleSize: 4}
	require.NoError(t, st.InsertRubric(ctx, rb))
	assert.Equal(t, model.ParsePending, rb.ParseStatus)

	obs := 0.8
	rb.Stages = []model.RubricStage{{StageNumber: 1, Label: "None", Criteria: []string{"a", "b", "c"}}}
	rb.ParseStatus = model.ParseParsed
	rb.QualityObservability = &obs
	require.NoError(t, st.UpdateRubric(ctx, rb))

	got, err := st.GetRubric(ctx, rb.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ParseParsed, got.ParseStatus)
	require.Len(t, got.Stages, 1)
	assert.Equal(t, "None", got.Stages[0].Label)
	require.NotNil(t, got.QualityObservability)
	assert.InDelta(t, 0.8, *got.QualityObservability, 1e-9)
	assert.Nil(t, got.QualityDiscriminability)

	sm := &model.Sample{RunID: run.ID, ExperimentID: exp.ID, RubricID: rb.ID, Model: "m", DisplaySeed: 42,
		LabelMapping: map[string]int{"QX": 1}}
	require.NoError(t, st.InsertSample(ctx, sm))
	gotSm, err := st.GetSample(ctx, sm.ID)
	require.NoError(t, err)
	assert.Equal(t, 42, gotSm.DisplaySeed)
	assert.Equal(t, map[string]int{"QX": 1}, gotSm.LabelMapping)

	ev := &model.Evidence{WindowID: w.ID, URL: "u", NormalizedURL: "u", RawContent: "raw"}
	require.NoError(t, st.InsertEvidence(ctx, ev))

	sc := &model.Score{RunID: run.ID, SampleID: sm.ID, EvidenceID: ev.ID}
	require.NoError(t, st.InsertScore(ctx, sc))
	assert.ErrorIs(t, st.InsertScore(ctx, &model.Score{RunID: run.ID, SampleID: sm.ID, EvidenceID: ev.ID}), ErrDuplicate)

	sc.DecodedScores = []int{2, 3}
	sc.Abstained = false
	sc.ParseStatus = model.ParseParsed
	require.NoError(t, st.UpdateScore(ctx, sc))

	found, err := st.FindScore(ctx, sm.ID, ev.ID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, []int{2, 3}, found.DecodedScores)

	scores, err := st.ListScores(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, scores, 1)
}

// --- Requests ---

func TestSQLite_Request_IdentityUnique(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.InsertRequest(ctx, newRequest("hash-1", "")))
	assert.ErrorIs(t, st.InsertRequest(ctx, newRequest("hash-1", "")), ErrDuplicate)

	got, err := st.GetRequestByIdentity(ctx, "hash-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.RequestQueued, got.Status)
	assert.Nil(t, got.NextRetryAt)
}

func TestSQLite_ListQueuedRequests_RespectsRetryTime(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	ready := newRequest("ready", "")
	require.NoError(t, st.InsertRequest(ctx, ready))

	later := now.Add(time.Hour)
	deferred := newRequest("deferred", "")
	deferred.NextRetryAt = &later
	require.NoError(t, st.InsertRequest(ctx, deferred))

	other := newRequest("other", "")
	other.Model = "claude-haiku-4-5-20251001"
	require.NoError(t, st.InsertRequest(ctx, other))

	key := ModelKey{Provider: model.ProviderAnthropic, Model: "claude-sonnet-4-5-20250929"}
	got, err := st.ListQueuedRequests(ctx, QueueFilter{Key: key, Now: now, Limit: 10})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ready", got[0].IdentityHash)

	got, err = st.ListQueuedRequests(ctx, QueueFilter{Key: key, Now: now.Add(2 * time.Hour), Limit: 10})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	models, err := st.QueuedModels(ctx)
	require.NoError(t, err)
	assert.Len(t, models, 2)
}

func TestSQLite_CountRequests(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	_, exp := seedExperiment(t, st)
	run := seedRun(t, st, exp.ID)

	for i, status := range []model.RequestStatus{model.RequestQueued, model.RequestSuccess, model.RequestSuccess, model.RequestError} {
		req := newRequest(string(rune('a'+i)), run.ID)
		req.Status = status
		require.NoError(t, st.InsertRequest(ctx, req))
	}

	counts, err := st.CountRequests(ctx, run.ID, model.StageRubricGen)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[model.RequestQueued])
	assert.Equal(t, 2, counts[model.RequestSuccess])
	assert.Equal(t, 1, counts[model.RequestError])
	assert.Equal(t, 0, counts[model.RequestRunning])
}

// --- Batches ---

func TestSQLite_Batch_LeaseAndDue(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	req := newRequest("b-1", "run-x")
	require.NoError(t, st.InsertRequest(ctx, req))

	b := &model.LlmBatch{
		Provider: model.ProviderAnthropic, Model: req.Model, ProviderBatchID: "msgbatch_1",
		RunID: "run-x", Status: model.BatchSubmitted, CreatedAt: now.Add(-time.Minute),
	}
	require.NoError(t, st.InsertBatch(ctx, b, []model.LlmBatchItem{{RequestID: req.ID, CustomID: req.ID}}))

	items, err := st.ListBatchItems(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, b.ID, items[0].BatchID)

	due, err := st.ListDueBatches(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	ok, err := st.AcquireBatchLease(ctx, b.ID, now, now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.AcquireBatchLease(ctx, b.ID, now.Add(time.Second), now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "lease held")

	due, err = st.ListDueBatches(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	ok, err = st.AcquireBatchLease(ctx, b.ID, now.Add(2*time.Minute), now.Add(3*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok, "expired lease is reclaimable")

	next := now.Add(10 * time.Second)
	b.Status = model.BatchRunning
	b.LockedUntil = nil
	b.NextPollAt = &next
	require.NoError(t, st.UpdateBatch(ctx, b))

	due, err = st.ListDueBatches(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, due)
	due, err = st.ListDueBatches(ctx, now.Add(11*time.Second), 10)
	require.NoError(t, err)
	assert.Len(t, due, 1)

	open, err := st.OpenBatchesByRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, open["run-x"])
}

// --- Scheduler ---

func TestSQLite_Scheduler_WakeDedup(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	state, err := st.GetSchedulerState(ctx)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Nil(t, state.NextTickAt)

	ok, err := st.ClaimSchedulerWake(ctx, now, now.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.ClaimSchedulerWake(ctx, now, now.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, ok, "wake already pending")

	ok, err = st.ClaimSchedulerWake(ctx, now.Add(2*time.Second), now.Add(3*time.Second))
	require.NoError(t, err)
	assert.True(t, ok, "stale wake is replaced")

	require.NoError(t, st.SetNextTick(ctx, nil))
	state, err = st.GetSchedulerState(ctx)
	require.NoError(t, err)
	assert.Nil(t, state.NextTickAt)
}

func TestSQLite_Scheduler_TickLease(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	ok, err := st.AcquireTickLease(ctx, now, now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.AcquireTickLease(ctx, now, now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, st.ReleaseTickLease(ctx))
	ok, err = st.AcquireTickLease(ctx, now, now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSQLite_CountWork(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	_, exp := seedExperiment(t, st)
	seedRun(t, st, exp.ID)

	counts, err := st.CountWork(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.ActiveRuns)
	assert.False(t, counts.Pending())

	require.NoError(t, st.InsertRequest(ctx, newRequest("w-1", "")))
	counts, err = st.CountWork(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.QueuedRequests)
	assert.True(t, counts.Pending())

	// Queued work of a run that cannot dispatch does not keep the scheduler armed.
	canceled := seedRun(t, st, exp.ID)
	canceled.Status = model.RunStatusCanceled
	canceled.DesiredState = model.DesiredCanceled
	require.NoError(t, st.UpdateRun(ctx, canceled))
	require.NoError(t, st.InsertRequest(ctx, newRequest("w-2", canceled.ID)))
	counts, err = st.CountWork(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.QueuedRequests)
}

func TestSQLite_MigrateIdempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	require.NoError(t, st.Migrate(context.Background()))
	require.NoError(t, st.Ping(context.Background()))
}

func TestWithPragmas(t *testing.T) {
	assert.Contains(t, withPragmas("/tmp/a.db"), "/tmp/a.db?_pragma=journal_mode(WAL)")
	assert.Contains(t, withPragmas("file:a.db?cache=shared"), "cache=shared&_pragma=")
}
