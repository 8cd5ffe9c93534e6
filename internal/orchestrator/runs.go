package orchestrator

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/theonetruejesse/judge-gym/internal/model"
)

// StartOptions configures a new run.
type StartOptions struct {
	SampleCount int              `json:"sample_count"`
	Stages      []model.Stage    `json:"stages,omitempty"`
	EvidenceCap int              `json:"evidence_cap,omitempty"`
	Policy      *model.RunPolicy `json:"policy,omitempty"`
}

// ValidateStages checks a run's stage list and returns it in pipeline order.
// An empty list yields the default stages. Evidence stages are window-level
// and never part of a run.
func ValidateStages(stages []model.Stage) ([]model.Stage, error) {
	if len(stages) == 0 {
		return append([]model.Stage(nil), model.DefaultRunStages...), nil
	}
	last := -1
	has := make(map[model.Stage]bool, len(stages))
	for _, s := range stages {
		if !s.Valid() {
			return nil, eris.Wrapf(ErrInvalid, "unknown stage %q", s)
		}
		if s.IsEvidence() {
			return nil, eris.Wrapf(ErrInvalid, "stage %s is not a run stage", s)
		}
		idx := model.StageIndex(s)
		if idx <= last {
			return nil, eris.Wrapf(ErrInvalid, "stage %s is duplicated or out of order", s)
		}
		last = idx
		has[s] = true
	}
	for _, s := range []model.Stage{model.StageRubricCritic, model.StageScoreGen} {
		if has[s] && !has[model.StageRubricGen] {
			return nil, eris.Wrapf(ErrInvalid, "stage %s requires %s", s, model.StageRubricGen)
		}
	}
	if has[model.StageScoreCritic] && !has[model.StageScoreGen] {
		return nil, eris.Wrapf(ErrInvalid, "stage %s requires %s", model.StageScoreCritic, model.StageScoreGen)
	}
	return append([]model.Stage(nil), stages...), nil
}

// ComputeStageStatus derives a RunStage status from its counters. Any failed
// request blocks completion.
func ComputeStageStatus(total, completed, failed int) model.StageStatus {
	switch {
	case total == 0:
		return model.StageStatusPending
	case completed+failed >= total:
		if failed > 0 {
			return model.StageStatusFailed
		}
		return model.StageStatusComplete
	default:
		return model.StageStatusRunning
	}
}

// StartRun creates a run for an experiment, seeds its first stage and wakes
// the scheduler.
func (o *Orchestrator) StartRun(ctx context.Context, experimentID string, opts StartOptions) (*model.Run, error) {
	exp, err := o.store.GetExperiment(ctx, experimentID)
	if err != nil {
		return nil, eris.Wrap(err, "orchestrator: get experiment")
	}
	if exp == nil {
		return nil, eris.Wrapf(ErrNotFound, "experiment %s", experimentID)
	}
	if exp.ActiveRunID != "" {
		active, err := o.store.GetRun(ctx, exp.ActiveRunID)
		if err != nil {
			return nil, eris.Wrap(err, "orchestrator: get active run")
		}
		if active != nil && !active.Status.Terminal() {
			return nil, eris.Wrapf(ErrConflict, "experiment %s already has active run %s", exp.Tag, active.ID)
		}
	}

	stages, err := ValidateStages(opts.Stages)
	if err != nil {
		return nil, err
	}
	if opts.SampleCount < 1 {
		return nil, eris.Wrapf(ErrInvalid, "sample_count must be >= 1, got %d", opts.SampleCount)
	}
	if opts.EvidenceCap < 0 {
		return nil, eris.Wrapf(ErrInvalid, "evidence_cap must not be negative")
	}
	policy := o.cfg.Policy
	if opts.Policy != nil {
		policy = *opts.Policy
	}
	if err := policy.Validate(); err != nil {
		return nil, eris.Wrap(ErrInvalid, err.Error())
	}

	run := &model.Run{
		ExperimentID: exp.ID,
		Status:       model.RunStatusRunning,
		DesiredState: model.DesiredRunning,
		Stages:       stages,
		CurrentStage: stages[0],
		SampleCount:  opts.SampleCount,
		EvidenceCap:  opts.EvidenceCap,
		Policy:       policy,
		CreatedAt:    o.clock.Now(),
	}
	if err := o.store.CreateRun(ctx, run); err != nil {
		return nil, eris.Wrap(err, "orchestrator: create run")
	}
	if err := o.store.UpdateExperimentState(ctx, exp.ID, model.ExperimentStatusRunning, run.ID); err != nil {
		return nil, eris.Wrap(err, "orchestrator: activate run")
	}

	log := o.log.With(zap.String("run_id", run.ID), zap.String("experiment", exp.Tag))
	log.Info("run started", zap.Any("stages", stages), zap.Int("sample_count", run.SampleCount))

	unlock := o.lockRun(run.ID)
	err = o.seedStage(ctx, run, run.CurrentStage)
	unlock()
	if err != nil {
		return run, err
	}
	if _, err := o.EnsureScheduler(ctx); err != nil {
		log.Warn("ensure scheduler failed", zap.Error(err))
	}
	return run, nil
}

// SetDesiredState records operator intent for a run. Pausing pins
// stop_at_stage to the first incomplete stage; resuming clears it and
// re-arms the scheduler; canceling is terminal.
func (o *Orchestrator) SetDesiredState(ctx context.Context, runID string, desired model.DesiredState) (*model.Run, error) {
	if !desired.Valid() {
		return nil, eris.Wrapf(ErrInvalid, "desired state %q", desired)
	}
	unlock := o.lockRun(runID)
	defer unlock()

	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return nil, eris.Wrap(err, "orchestrator: get run")
	}
	if run == nil {
		return nil, eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	switch run.Status {
	case model.RunStatusCanceled:
		if desired == model.DesiredCanceled {
			return run, nil
		}
		return nil, eris.Wrapf(ErrConflict, "run %s is canceled", runID)
	case model.RunStatusComplete:
		return nil, eris.Wrapf(ErrConflict, "run %s is complete", runID)
	}

	exp, err := o.store.GetExperiment(ctx, run.ExperimentID)
	if err != nil {
		return nil, eris.Wrap(err, "orchestrator: get experiment")
	}
	owned := exp != nil && exp.ActiveRunID == run.ID

	run.DesiredState = desired
	switch desired {
	case model.DesiredPaused:
		stop, err := o.firstIncompleteStage(ctx, run)
		if err != nil {
			return nil, err
		}
		run.StopAtStage = stop
		run.Status = model.RunStatusPaused
	case model.DesiredRunning:
		run.StopAtStage = ""
		run.Status = model.RunStatusRunning
	case model.DesiredCanceled:
		run.Status = model.RunStatusCanceled
	}
	if err := o.store.UpdateRun(ctx, run); err != nil {
		return nil, eris.Wrap(err, "orchestrator: update run")
	}

	if owned {
		status, active := model.ExperimentStatusRunning, run.ID
		switch desired {
		case model.DesiredPaused:
			status = model.ExperimentStatusPaused
		case model.DesiredCanceled:
			status, active = model.ExperimentStatusCanceled, ""
		}
		if err := o.store.UpdateExperimentState(ctx, exp.ID, status, active); err != nil {
			return nil, eris.Wrap(err, "orchestrator: update experiment")
		}
	}

	o.log.Info("run desired state set",
		zap.String("run_id", run.ID),
		zap.String("desired", string(desired)),
		zap.String("stop_at_stage", string(run.StopAtStage)),
	)

	if desired == model.DesiredCanceled {
		if err := o.cancelQueued(ctx, run); err != nil {
			return run, err
		}
	}

	if desired == model.DesiredRunning {
		if err := o.advance(ctx, run); err != nil {
			return run, err
		}
		if _, err := o.EnsureScheduler(ctx); err != nil {
			o.log.Warn("ensure scheduler failed", zap.Error(err))
		}
	}
	return run, nil
}

// cancelQueued fails the run's queued requests so they leave the dispatch
// queue, then refreshes the stage counters. Requests already in a provider
// batch finish there.
func (o *Orchestrator) cancelQueued(ctx context.Context, run *model.Run) error {
	n, err := o.store.CancelQueuedRequests(ctx, run.ID, "run canceled")
	if err != nil {
		return eris.Wrap(err, "orchestrator: cancel queued requests")
	}
	if n == 0 {
		return nil
	}
	for _, stage := range run.Stages {
		if _, err := o.refreshCounts(ctx, run.ID, stage); err != nil {
			return err
		}
	}
	o.log.Info("queued requests canceled", zap.String("run_id", run.ID), zap.Int("count", n))
	return nil
}

func (o *Orchestrator) firstIncompleteStage(ctx context.Context, run *model.Run) (model.Stage, error) {
	stages, err := o.store.ListRunStages(ctx, run.ID)
	if err != nil {
		return "", eris.Wrap(err, "orchestrator: list run stages")
	}
	status := make(map[model.Stage]model.StageStatus, len(stages))
	for _, st := range stages {
		status[st.Stage] = st.Status
	}
	for _, s := range run.Stages {
		if status[s] != model.StageStatusComplete {
			return s, nil
		}
	}
	return run.Stages[len(run.Stages)-1], nil
}

// RunSummary returns the run with its stages in pipeline order.
func (o *Orchestrator) RunSummary(ctx context.Context, runID string) (*model.RunSummary, error) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return nil, eris.Wrap(err, "orchestrator: get run")
	}
	if run == nil {
		return nil, eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	stages, err := o.store.ListRunStages(ctx, runID)
	if err != nil {
		return nil, eris.Wrap(err, "orchestrator: list run stages")
	}
	return &model.RunSummary{Run: run, Stages: stages}, nil
}

// RefreshStageCounts recounts a stage's requests, persists the counters and
// derived status, then advances the run.
func (o *Orchestrator) RefreshStageCounts(ctx context.Context, runID string, stage model.Stage) error {
	unlock := o.lockRun(runID)
	defer unlock()

	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return eris.Wrap(err, "orchestrator: get run")
	}
	if run == nil {
		return eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	if !run.HasStage(stage) {
		return nil
	}
	if _, err := o.refreshCounts(ctx, run.ID, stage); err != nil {
		return err
	}
	return o.advance(ctx, run)
}

func (o *Orchestrator) refreshCounts(ctx context.Context, runID string, stage model.Stage) (*model.RunStage, error) {
	counts, err := o.store.CountRequests(ctx, runID, stage)
	if err != nil {
		return nil, eris.Wrap(err, "orchestrator: count requests")
	}
	st, err := o.store.GetRunStage(ctx, runID, stage)
	if err != nil {
		return nil, eris.Wrap(err, "orchestrator: get run stage")
	}
	if st == nil {
		return nil, eris.Errorf("orchestrator: run %s has no stage %s", runID, stage)
	}

	completed := counts[model.RequestSuccess]
	failed := counts[model.RequestError]
	total := completed + failed + counts[model.RequestQueued] + counts[model.RequestRunning]
	status := ComputeStageStatus(total, completed, failed)
	if st.TotalRequests == total && st.CompletedRequests == completed && st.FailedRequests == failed && st.Status == status {
		return st, nil
	}

	st.TotalRequests, st.CompletedRequests, st.FailedRequests, st.Status = total, completed, failed, status
	if err := o.store.UpdateRunStage(ctx, st); err != nil {
		return nil, eris.Wrap(err, "orchestrator: update run stage")
	}
	return st, nil
}

// advance moves the run forward from its current stage for as long as that
// stage is complete. Callers hold the run lock.
func (o *Orchestrator) advance(ctx context.Context, run *model.Run) error {
	log := o.log.With(zap.String("run_id", run.ID))
	for {
		if run.Status.Terminal() || run.DesiredState == model.DesiredCanceled || run.CurrentStage == "" {
			return nil
		}
		cur := run.CurrentStage
		st, err := o.refreshCounts(ctx, run.ID, cur)
		if err != nil {
			return err
		}
		if st.TotalRequests == 0 {
			if err := o.seedStage(ctx, run, cur); err != nil {
				return err
			}
			if st, err = o.refreshCounts(ctx, run.ID, cur); err != nil {
				return err
			}
		}
		if st.Status != model.StageStatusComplete {
			return nil
		}

		next := run.NextStage(cur)
		if next == "" {
			return o.completeRun(ctx, run)
		}
		if run.DesiredState == model.DesiredPaused && run.StopAtStage != "" &&
			model.StageIndex(next) > model.StageIndex(run.StopAtStage) {
			log.Info("run paused at stage", zap.String("stage", string(cur)))
			return nil
		}

		run.CurrentStage = next
		if err := o.store.UpdateRun(ctx, run); err != nil {
			return eris.Wrap(err, "orchestrator: update run")
		}
		log.Info("stage advanced", zap.String("from", string(cur)), zap.String("to", string(next)))
		if err := o.seedStage(ctx, run, next); err != nil {
			return err
		}
	}
}

func (o *Orchestrator) completeRun(ctx context.Context, run *model.Run) error {
	run.Status = model.RunStatusComplete
	if err := o.store.UpdateRun(ctx, run); err != nil {
		return eris.Wrap(err, "orchestrator: complete run")
	}
	exp, err := o.store.GetExperiment(ctx, run.ExperimentID)
	if err != nil {
		return eris.Wrap(err, "orchestrator: get experiment")
	}
	if exp != nil && exp.ActiveRunID == run.ID {
		if err := o.store.UpdateExperimentState(ctx, exp.ID, model.ExperimentStatusComplete, ""); err != nil {
			return eris.Wrap(err, "orchestrator: complete experiment")
		}
	}
	o.log.Info("run complete", zap.String("run_id", run.ID))
	return nil
}

// seedStage creates the stage's work. Seeding is idempotent.
func (o *Orchestrator) seedStage(ctx context.Context, run *model.Run, stage model.Stage) error {
	exp, err := o.store.GetExperiment(ctx, run.ExperimentID)
	if err != nil {
		return eris.Wrap(err, "orchestrator: get experiment")
	}
	if exp == nil {
		return eris.Wrapf(ErrNotFound, "experiment %s", run.ExperimentID)
	}

	switch stage {
	case model.StageRubricGen:
		err = o.seedRubrics(ctx, run, exp)
	case model.StageRubricCritic:
		err = o.seedRubricCritics(ctx, run, exp)
	case model.StageScoreGen:
		err = o.seedScores(ctx, run, exp)
	case model.StageScoreCritic:
		err = o.seedScoreCritics(ctx, run, exp)
	default:
		err = eris.Wrapf(ErrInvalid, "stage %s cannot be seeded for a run", stage)
	}
	if err != nil {
		return err
	}
	_, err = o.refreshCounts(ctx, run.ID, stage)
	return err
}
