package orchestrator

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/theonetruejesse/judge-gym/internal/identity"
	"github.com/theonetruejesse/judge-gym/internal/model"
	"github.com/theonetruejesse/judge-gym/internal/prompts"
	"github.com/theonetruejesse/judge-gym/internal/randomize"
	"github.com/theonetruejesse/judge-gym/internal/requests"
	"github.com/theonetruejesse/judge-gym/internal/store"
)

// SeedRubricRequests creates the run's rubrics and their rubric_gen requests.
func (o *Orchestrator) SeedRubricRequests(ctx context.Context, runID string) error {
	return o.seedByID(ctx, runID, model.StageRubricGen)
}

// SeedScoreRequests creates samples, scores and score_gen requests for every
// (sample, evidence) pair. It fails until sample_count rubrics have parsed.
func (o *Orchestrator) SeedScoreRequests(ctx context.Context, runID string) error {
	return o.seedByID(ctx, runID, model.StageScoreGen)
}

func (o *Orchestrator) seedByID(ctx context.Context, runID string, stage model.Stage) error {
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
		return eris.Wrapf(ErrInvalid, "run %s has no stage %s", runID, stage)
	}
	return o.seedStage(ctx, run, stage)
}

// attemptsLeft reports whether an entity with attemptCount failed parses may
// still get a fresh request.
func attemptsLeft(p model.RunPolicy, attemptCount int) bool {
	return attemptCount < p.MaxRequestAttempts
}

func (o *Orchestrator) seedRubrics(ctx context.Context, run *model.Run, exp *model.Experiment) error {
	win, err := o.store.GetWindow(ctx, exp.WindowID)
	if err != nil {
		return eris.Wrap(err, "orchestrator: get window")
	}
	if win == nil {
		return eris.Wrapf(ErrNotFound, "window %s", exp.WindowID)
	}

	cfg := exp.Config.RubricStage
	all, err := o.store.ListRubrics(ctx, run.ID)
	if err != nil {
		return eris.Wrap(err, "orchestrator: list rubrics")
	}
	rubrics := make([]model.Rubric, 0, run.SampleCount)
	for _, r := range all {
		if r.Model == cfg.Model && len(rubrics) < run.SampleCount {
			rubrics = append(rubrics, r)
		}
	}
	for len(rubrics) < run.SampleCount {
		r := model.Rubric{
			RunID:        run.ID,
			ExperimentID: exp.ID,
			Model:        cfg.Model,
			Concept:      win.Concept,
			ScaleSize:    cfg.ScaleSize,
			ParseStatus:  model.ParsePending,
		}
		if err := o.store.InsertRubric(ctx, &r); err != nil {
			return eris.Wrap(err, "orchestrator: insert rubric")
		}
		rubrics = append(rubrics, r)
	}

	for i := range rubrics {
		r := &rubrics[i]
		if r.ParseStatus == model.ParseFailed && !attemptsLeft(run.Policy, r.AttemptCount) {
			continue
		}
		if _, _, err := o.queueRubricGen(ctx, run, r); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) queueRubricGen(ctx context.Context, run *model.Run, r *model.Rubric) (*model.LlmRequest, bool, error) {
	prompt := prompts.RubricGen(r.Concept, r.ScaleSize)
	return o.getOrCreate(ctx, run, identity.Key{
		Stage:          model.StageRubricGen,
		Model:          r.Model,
		ExperimentID:   r.ExperimentID,
		RubricID:       r.ID,
		RequestVersion: r.AttemptCount + 1,
	}, prompt)
}

func (o *Orchestrator) seedRubricCritics(ctx context.Context, run *model.Run, exp *model.Experiment) error {
	rubrics, err := o.store.ListRubrics(ctx, run.ID)
	if err != nil {
		return eris.Wrap(err, "orchestrator: list rubrics")
	}
	for i := range rubrics {
		if rubrics[i].ParseStatus != model.ParseParsed {
			continue
		}
		if _, _, err := o.queueRubricCritic(ctx, run, &rubrics[i]); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) queueRubricCritic(ctx context.Context, run *model.Run, r *model.Rubric) (*model.LlmRequest, bool, error) {
	prompt := prompts.RubricCritic(r.Concept, r.Stages)
	return o.getOrCreate(ctx, run, identity.Key{
		Stage:        model.StageRubricCritic,
		Model:        r.Model,
		ExperimentID: r.ExperimentID,
		RubricID:     r.ID,
	}, prompt)
}

func (o *Orchestrator) seedScores(ctx context.Context, run *model.Run, exp *model.Experiment) error {
	all, err := o.store.ListRubrics(ctx, run.ID)
	if err != nil {
		return eris.Wrap(err, "orchestrator: list rubrics")
	}
	var rubrics []model.Rubric
	for _, r := range all {
		if r.ParseStatus == model.ParseParsed {
			rubrics = append(rubrics, r)
		}
	}
	if len(rubrics) < run.SampleCount {
		return eris.Errorf("orchestrator: run %s has %d parsed rubrics, need %d", run.ID, len(rubrics), run.SampleCount)
	}
	rubrics = rubrics[:run.SampleCount]

	evidence, err := o.store.ListEvidence(ctx, exp.WindowID, run.EvidenceCap)
	if err != nil {
		return eris.Wrap(err, "orchestrator: list evidence")
	}
	if len(evidence) == 0 {
		return eris.Errorf("orchestrator: window %s has no evidence", exp.WindowID)
	}

	existing, err := o.store.ListSamples(ctx, run.ID)
	if err != nil {
		return eris.Wrap(err, "orchestrator: list samples")
	}
	byRubric := make(map[string]*model.Sample, len(existing))
	for i := range existing {
		byRubric[existing[i].RubricID] = &existing[i]
	}

	cfg := exp.Config.ScoringStage
	for i := range rubrics {
		r := &rubrics[i]
		sample := byRubric[r.ID]
		if sample == nil {
			if sample, err = o.createSample(ctx, run, exp, r, i+1); err != nil {
				return err
			}
		}
		for j := range evidence {
			ev := &evidence[j]
			score, err := o.findOrCreateScore(ctx, run, sample, ev)
			if err != nil {
				return err
			}
			if score.ParseStatus == model.ParseFailed && !attemptsLeft(run.Policy, score.AttemptCount) {
				continue
			}
			if _, _, err := o.queueScoreGen(ctx, run, exp, cfg, r, sample, ev, score); err != nil {
				return err
			}
		}
	}
	return nil
}

func (o *Orchestrator) createSample(ctx context.Context, run *model.Run, exp *model.Experiment, r *model.Rubric, seed int) (*model.Sample, error) {
	cfg := exp.Config.ScoringStage
	s := &model.Sample{
		RunID:        run.ID,
		ExperimentID: exp.ID,
		RubricID:     r.ID,
		Model:        cfg.Model,
		DisplaySeed:  seed,
	}
	if cfg.Has(model.RandomizeAnonLabels) {
		mapping, err := randomize.GenerateLabelMapping(r.ScaleSize, &seed)
		if err != nil {
			return nil, eris.Wrap(err, "orchestrator: label mapping")
		}
		s.LabelMapping = mapping
	}
	err := o.store.InsertSample(ctx, s)
	if errors.Is(err, store.ErrDuplicate) {
		samples, lerr := o.store.ListSamples(ctx, run.ID)
		if lerr != nil {
			return nil, eris.Wrap(lerr, "orchestrator: list samples")
		}
		for i := range samples {
			if samples[i].RubricID == r.ID {
				return &samples[i], nil
			}
		}
	}
	if err != nil {
		return nil, eris.Wrap(err, "orchestrator: insert sample")
	}
	return s, nil
}

func (o *Orchestrator) findOrCreateScore(ctx context.Context, run *model.Run, sample *model.Sample, ev *model.Evidence) (*model.Score, error) {
	sc, err := o.store.FindScore(ctx, sample.ID, ev.ID)
	if err != nil {
		return nil, eris.Wrap(err, "orchestrator: find score")
	}
	if sc != nil {
		return sc, nil
	}
	sc = &model.Score{
		RunID:       run.ID,
		SampleID:    sample.ID,
		EvidenceID:  ev.ID,
		ParseStatus: model.ParsePending,
	}
	err = o.store.InsertScore(ctx, sc)
	if errors.Is(err, store.ErrDuplicate) {
		sc, err = o.store.FindScore(ctx, sample.ID, ev.ID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "orchestrator: insert score")
	}
	return sc, nil
}

func (o *Orchestrator) queueScoreGen(ctx context.Context, run *model.Run, exp *model.Experiment, cfg model.ScoringStageConfig,
	r *model.Rubric, sample *model.Sample, ev *model.Evidence, score *model.Score) (*model.LlmRequest, bool, error) {
	prompt, _ := prompts.ScoreGen(prompts.ScoreGenInput{
		Config:   cfg,
		Evidence: ev,
		Stages:   r.Stages,
		Sample:   sample,
	})
	return o.getOrCreate(ctx, run, identity.Key{
		Stage:          model.StageScoreGen,
		Model:          cfg.Model,
		ExperimentID:   exp.ID,
		RubricID:       r.ID,
		SampleID:       sample.ID,
		EvidenceID:     ev.ID,
		RequestVersion: score.AttemptCount + 1,
	}, prompt)
}

func (o *Orchestrator) seedScoreCritics(ctx context.Context, run *model.Run, exp *model.Experiment) error {
	scores, err := o.store.ListScores(ctx, run.ID)
	if err != nil {
		return eris.Wrap(err, "orchestrator: list scores")
	}
	for i := range scores {
		if scores[i].ParseStatus != model.ParseParsed {
			continue
		}
		if err := o.queueScoreCritic(ctx, run, exp, &scores[i]); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) queueScoreCritic(ctx context.Context, run *model.Run, exp *model.Experiment, sc *model.Score) error {
	sample, err := o.store.GetSample(ctx, sc.SampleID)
	if err != nil {
		return eris.Wrap(err, "orchestrator: get sample")
	}
	if sample == nil {
		return eris.Errorf("orchestrator: score %s has no sample", sc.ID)
	}
	r, err := o.store.GetRubric(ctx, sample.RubricID)
	if err != nil {
		return eris.Wrap(err, "orchestrator: get rubric")
	}
	ev, err := o.store.GetEvidence(ctx, sc.EvidenceID)
	if err != nil {
		return eris.Wrap(err, "orchestrator: get evidence")
	}
	if r == nil || ev == nil {
		return eris.Errorf("orchestrator: score %s references missing rubric or evidence", sc.ID)
	}

	cfg := exp.Config.ScoringStage
	prompt := prompts.ScoreCritic(ev.Content(cfg.EvidenceView), r.Stages, sc.RawVerdict)
	_, _, err = o.getOrCreate(ctx, run, identity.Key{
		Stage:        model.StageScoreCritic,
		Model:        cfg.Model,
		ExperimentID: exp.ID,
		RubricID:     r.ID,
		SampleID:     sample.ID,
		EvidenceID:   ev.ID,
	}, prompt)
	return err
}

// getOrCreate fills in the provider from the model and binds the request to run.
func (o *Orchestrator) getOrCreate(ctx context.Context, run *model.Run, key identity.Key, prompt prompts.Prompt) (*model.LlmRequest, bool, error) {
	key.Provider = model.ProviderForModel(key.Model)
	if key.Provider == "" {
		return nil, false, eris.Wrapf(ErrInvalid, "no provider for model %q", key.Model)
	}
	req, created, err := o.dedup.GetOrCreate(ctx, key, requests.Payload{
		RunID:        run.ID,
		SystemPrompt: prompt.System,
		UserPrompt:   prompt.User,
	})
	if err != nil {
		return nil, false, eris.Wrapf(err, "orchestrator: queue %s", key.Stage)
	}
	return req, created, nil
}
