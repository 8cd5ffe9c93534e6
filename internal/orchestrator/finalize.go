package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/theonetruejesse/judge-gym/internal/evidence"
	"github.com/theonetruejesse/judge-gym/internal/model"
	"github.com/theonetruejesse/judge-gym/internal/parse"
	"github.com/theonetruejesse/judge-gym/internal/prompts"
	"github.com/theonetruejesse/judge-gym/internal/provider"
	"github.com/theonetruejesse/judge-gym/internal/resilience"
)

type finalizeContext struct {
	batch   *model.LlmBatch
	run     *model.Run
	policy  model.RunPolicy
	now     time.Time
	touched map[stageKey]struct{}
}

// followUp reports whether results may seed or enqueue further work.
func (fc *finalizeContext) followUp() bool {
	return fc.run == nil || fc.run.Status != model.RunStatusCanceled
}

func (fc *finalizeContext) touch(stage model.Stage) {
	if fc.run != nil {
		fc.touched[stageKey{fc.run.ID, stage}] = struct{}{}
	}
}

// outcome is the final state of a request after its output was routed.
type outcome struct {
	status  model.RequestStatus
	lastErr string
}

var succeeded = outcome{status: model.RequestSuccess}

// finalize records one batch result and routes a successful output through
// its stage's gate.
func (o *Orchestrator) finalize(ctx context.Context, fc *finalizeContext, req *model.LlmRequest, res provider.Result) error {
	fc.touch(req.Stage)

	if res.Error != "" {
		resilience.Decide(req.Attempt, fc.policy.MaxRequestAttempts, fc.now, backoff(fc.policy), res.Error).Apply(req)
		return eris.Wrap(o.store.UpdateRequest(ctx, req), "orchestrator: update request")
	}

	msg := &model.LlmMessage{
		RequestID:    req.ID,
		Provider:     req.Provider,
		Model:        req.Model,
		Output:       res.Output,
		InputTokens:  res.InputTokens,
		OutputTokens: res.OutputTokens,
		CostUSD:      o.costs.Batch(req.Provider, req.Model, res.InputTokens, res.OutputTokens),
		CreatedAt:    fc.now,
	}
	if err := o.store.InsertMessage(ctx, msg); err != nil {
		return eris.Wrap(err, "orchestrator: insert message")
	}
	req.MessageID = msg.ID

	out, err := o.route(ctx, fc, req, res.Output)
	if err != nil {
		o.log.Warn("routing result failed",
			zap.String("request_id", req.ID), zap.String("stage", string(req.Stage)), zap.Error(err))
		resilience.Decide(req.Attempt, fc.policy.MaxRequestAttempts, fc.now, backoff(fc.policy), err.Error()).Apply(req)
		return eris.Wrap(o.store.UpdateRequest(ctx, req), "orchestrator: update request")
	}

	req.Status = out.status
	req.LastError = out.lastErr
	req.NextRetryAt = nil
	return eris.Wrap(o.store.UpdateRequest(ctx, req), "orchestrator: update request")
}

func (o *Orchestrator) route(ctx context.Context, fc *finalizeContext, req *model.LlmRequest, output string) (outcome, error) {
	switch req.Stage {
	case model.StageEvidenceClean, model.StageEvidenceNeutralize, model.StageEvidenceAbstract:
		return o.routeEvidence(ctx, req, output)
	case model.StageRubricGen:
		return o.routeRubricGen(ctx, fc, req, output)
	case model.StageRubricCritic:
		return o.routeRubricCritic(ctx, req, output)
	case model.StageScoreGen:
		return o.routeScoreGen(ctx, fc, req, output)
	case model.StageScoreCritic:
		return o.routeScoreCritic(ctx, req, output)
	}
	return outcome{}, eris.Errorf("unroutable stage %q", req.Stage)
}

// parseFailure converts a gate error into a terminal outcome. Other errors
// are returned as is.
func parseFailure(err error) (outcome, error) {
	var perr *parse.Error
	if errors.As(err, &perr) {
		return outcome{status: model.RequestError, lastErr: perr.Error()}, nil
	}
	return outcome{}, err
}

func (o *Orchestrator) routeEvidence(ctx context.Context, req *model.LlmRequest, output string) (outcome, error) {
	content := prompts.StripLevelPrefix(req.Stage, output)
	if content == "" {
		return outcome{status: model.RequestError, lastErr: "empty " + string(req.Stage) + " output"}, nil
	}
	if _, err := o.store.SetEvidenceLevel(ctx, req.EvidenceID, req.Stage, content); err != nil {
		return outcome{}, err
	}

	next := model.NextEvidenceStage(req.Stage)
	if next == "" {
		return succeeded, nil
	}
	ev, err := o.store.GetEvidence(ctx, req.EvidenceID)
	if err != nil {
		return outcome{}, err
	}
	if ev == nil {
		return outcome{}, eris.Errorf("evidence %s not found", req.EvidenceID)
	}
	if ev.LevelContent(next) == "" {
		if _, _, err := evidence.QueueLevel(ctx, o.dedup, ev, next, req.Model); err != nil {
			return outcome{}, err
		}
	}
	return succeeded, nil
}

func (o *Orchestrator) routeRubricGen(ctx context.Context, fc *finalizeContext, req *model.LlmRequest, output string) (outcome, error) {
	r, err := o.store.GetRubric(ctx, req.RubricID)
	if err != nil {
		return outcome{}, err
	}
	if r == nil {
		return outcome{}, eris.Errorf("rubric %s not found", req.RubricID)
	}
	if r.ParseStatus == model.ParseParsed {
		return succeeded, nil
	}

	parsed, perr := parse.Rubric(output, r.ScaleSize)
	if perr != nil {
		out, err := parseFailure(perr)
		if err != nil {
			return outcome{}, err
		}
		r.ParseStatus = model.ParseFailed
		r.ParseError = out.lastErr
		r.AttemptCount++
		if err := o.store.UpdateRubric(ctx, r); err != nil {
			return outcome{}, err
		}
		if !fc.followUp() || fc.run == nil || !attemptsLeft(fc.policy, r.AttemptCount) {
			return out, nil
		}
		if _, _, err := o.queueRubricGen(ctx, fc.run, r); err != nil {
			return outcome{}, err
		}
		return outcome{status: model.RequestSuccess, lastErr: out.lastErr}, nil
	}

	r.Stages = parsed.Stages
	r.Reasoning = parsed.Reasoning
	r.ParseStatus = model.ParseParsed
	r.ParseError = ""
	if err := o.store.UpdateRubric(ctx, r); err != nil {
		return outcome{}, err
	}
	if fc.followUp() && fc.run != nil && fc.run.HasStage(model.StageRubricCritic) {
		if _, _, err := o.queueRubricCritic(ctx, fc.run, r); err != nil {
			return outcome{}, err
		}
		fc.touch(model.StageRubricCritic)
	}
	return succeeded, nil
}

func (o *Orchestrator) routeRubricCritic(ctx context.Context, req *model.LlmRequest, output string) (outcome, error) {
	q, perr := parse.Quality(output)
	if perr != nil {
		return parseFailure(perr)
	}
	r, err := o.store.GetRubric(ctx, req.RubricID)
	if err != nil {
		return outcome{}, err
	}
	if r == nil {
		return outcome{}, eris.Errorf("rubric %s not found", req.RubricID)
	}
	r.QualityObservability = &q.Observability
	r.QualityDiscriminability = &q.Discriminability
	r.CriticReasoning = q.Reasoning
	if err := o.store.UpdateRubric(ctx, r); err != nil {
		return outcome{}, err
	}
	return succeeded, nil
}

func (o *Orchestrator) routeScoreGen(ctx context.Context, fc *finalizeContext, req *model.LlmRequest, output string) (outcome, error) {
	sc, err := o.store.FindScore(ctx, req.SampleID, req.EvidenceID)
	if err != nil {
		return outcome{}, err
	}
	sample, err := o.store.GetSample(ctx, req.SampleID)
	if err != nil {
		return outcome{}, err
	}
	if sc == nil || sample == nil {
		return outcome{}, eris.Errorf("score for sample %s evidence %s not found", req.SampleID, req.EvidenceID)
	}
	if sc.ParseStatus == model.ParseParsed {
		return succeeded, nil
	}
	r, err := o.store.GetRubric(ctx, sample.RubricID)
	if err != nil {
		return outcome{}, err
	}
	exp, err := o.store.GetExperiment(ctx, req.ExperimentID)
	if err != nil {
		return outcome{}, err
	}
	if r == nil || exp == nil {
		return outcome{}, eris.Errorf("score %s references missing rubric or experiment", sc.ID)
	}

	cfg := exp.Config.ScoringStage
	params := parse.ScoreParams{Method: cfg.Method, ScaleSize: r.ScaleSize}
	if cfg.Has(model.RandomizeAnonLabels) {
		params.LabelMapping = sample.LabelMapping
	}
	sc.RawOutput = output

	verdict, perr := parse.Score(output, params)
	if perr == nil && verdict.Abstained && !cfg.AbstainEnabled {
		perr = &parse.Error{Gate: "score", Msg: "abstain is not enabled for this experiment"}
	}
	if perr != nil {
		out, err := parseFailure(perr)
		if err != nil {
			return outcome{}, err
		}
		sc.ParseStatus = model.ParseFailed
		sc.ParseError = out.lastErr
		sc.AttemptCount++
		if err := o.store.UpdateScore(ctx, sc); err != nil {
			return outcome{}, err
		}
		if !fc.followUp() || fc.run == nil || !attemptsLeft(fc.policy, sc.AttemptCount) {
			return out, nil
		}
		ev, err := o.store.GetEvidence(ctx, sc.EvidenceID)
		if err != nil {
			return outcome{}, err
		}
		if ev == nil {
			return outcome{}, eris.Errorf("evidence %s not found", sc.EvidenceID)
		}
		if _, _, err := o.queueScoreGen(ctx, fc.run, exp, cfg, r, sample, ev, sc); err != nil {
			return outcome{}, err
		}
		return outcome{status: model.RequestSuccess, lastErr: out.lastErr}, nil
	}

	sc.RawVerdict = verdict.RawVerdict
	sc.DecodedScores = verdict.DecodedScores
	sc.Abstained = verdict.Abstained
	sc.Reasoning = verdict.Reasoning
	sc.ParseStatus = model.ParseParsed
	sc.ParseError = ""
	if err := o.store.UpdateScore(ctx, sc); err != nil {
		return outcome{}, err
	}
	if fc.followUp() && fc.run != nil && fc.run.HasStage(model.StageScoreCritic) {
		if err := o.queueScoreCritic(ctx, fc.run, exp, sc); err != nil {
			return outcome{}, err
		}
		fc.touch(model.StageScoreCritic)
	}
	return succeeded, nil
}

func (o *Orchestrator) routeScoreCritic(ctx context.Context, req *model.LlmRequest, output string) (outcome, error) {
	a, perr := parse.ExpertAgreement(output)
	if perr != nil {
		return parseFailure(perr)
	}
	sc, err := o.store.FindScore(ctx, req.SampleID, req.EvidenceID)
	if err != nil {
		return outcome{}, err
	}
	if sc == nil {
		return outcome{}, eris.Errorf("score for sample %s evidence %s not found", req.SampleID, req.EvidenceID)
	}
	sc.ExpertAgreement = &a.Probability
	sc.CriticReasoning = a.Reasoning
	if err := o.store.UpdateScore(ctx, sc); err != nil {
		return outcome{}, err
	}
	return succeeded, nil
}
