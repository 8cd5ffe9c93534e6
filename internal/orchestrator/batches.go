package orchestrator

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/theonetruejesse/judge-gym/internal/model"
	"github.com/theonetruejesse/judge-gym/internal/provider"
	"github.com/theonetruejesse/judge-gym/internal/resilience"
	"github.com/theonetruejesse/judge-gym/internal/store"
)

// CandidateContext is the state SelectBatchCandidates filters against.
type CandidateContext struct {
	Provider model.Provider
	Model    string
	Now      time.Time
	// MaxItems caps the batch in addition to the group's MaxBatchSize. 0 = no cap.
	MaxItems int
	// Runs indexes every run referenced by the requests. A request whose run
	// is missing is not dispatched.
	Runs map[string]*model.Run
	// OpenBatches counts submitted or running batches per run ID.
	OpenBatches map[string]int
	// DefaultPolicy applies to requests without a run.
	DefaultPolicy model.RunPolicy
}

// Selection is one batch worth of requests from a single run.
type Selection struct {
	RunID    string
	Policy   model.RunPolicy
	Requests []model.LlmRequest
}

// SelectBatchCandidates picks the requests for the next batch. Eligible
// requests are grouped by run; the largest group wins, ties going to the
// group seen first.
func SelectBatchCandidates(reqs []model.LlmRequest, c CandidateContext) Selection {
	groups := make(map[string][]model.LlmRequest)
	var order []string

	for _, r := range reqs {
		if r.Status != model.RequestQueued || r.Provider != c.Provider || r.Model != c.Model {
			continue
		}
		if r.UserPrompt == "" {
			continue
		}
		if r.NextRetryAt != nil && r.NextRetryAt.After(c.Now) {
			continue
		}
		policy := c.DefaultPolicy
		if r.RunID != "" {
			run := c.Runs[r.RunID]
			if run == nil || run.DesiredState != model.DesiredRunning || run.Status.Terminal() {
				continue
			}
			if run.StopAtStage != "" && model.StageIndex(r.Stage) > model.StageIndex(run.StopAtStage) {
				continue
			}
			policy = run.Policy
		}
		if !policy.Allows(c.Provider, c.Model) {
			continue
		}
		if policy.MaxConcurrentBatches > 0 && c.OpenBatches[r.RunID] >= policy.MaxConcurrentBatches {
			continue
		}
		if _, ok := groups[r.RunID]; !ok {
			order = append(order, r.RunID)
		}
		groups[r.RunID] = append(groups[r.RunID], r)
	}

	if len(order) == 0 {
		return Selection{}
	}
	best := order[0]
	for _, id := range order[1:] {
		if len(groups[id]) > len(groups[best]) {
			best = id
		}
	}
	picked := groups[best]

	policy := c.DefaultPolicy
	if best != "" {
		policy = c.Runs[best].Policy
	}
	limit := policy.MaxBatchSize
	if c.MaxItems > 0 && c.MaxItems < limit {
		limit = c.MaxItems
	}
	if len(picked) > limit {
		picked = picked[:limit]
	}
	return Selection{RunID: best, Policy: policy, Requests: picked}
}

type stageKey struct {
	runID string
	stage model.Stage
}

// CreateBatches submits new provider batches for queued work and returns how
// many were created.
func (o *Orchestrator) CreateBatches(ctx context.Context) (int, error) {
	now := o.clock.Now()

	active, err := o.store.ListActiveRuns(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "orchestrator: list active runs")
	}
	runs := make(map[string]*model.Run, len(active))
	budget := o.cfg.Policy.MaxNewBatchesPerTick
	for i := range active {
		runs[active[i].ID] = &active[i]
		if n := active[i].Policy.MaxNewBatchesPerTick; n > budget {
			budget = n
		}
	}
	open, err := o.store.OpenBatchesByRun(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "orchestrator: open batches")
	}
	keys, err := o.store.QueuedModels(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "orchestrator: queued models")
	}

	created := 0
	touched := make(map[stageKey]struct{})
	for _, key := range keys {
		adapter, err := o.providers.Get(key.Provider)
		if err != nil {
			o.log.Warn("no adapter for queued work", zap.String("provider", string(key.Provider)), zap.String("model", key.Model))
			continue
		}
		for created < budget {
			queued, err := o.store.ListQueuedRequests(ctx, store.QueueFilter{
				Key:         key,
				Now:         now,
				ExcludeRuns: o.blockedRuns(key, runs, open),
				Limit:       queueScanLimit,
			})
			if err != nil {
				return created, eris.Wrap(err, "orchestrator: list queued requests")
			}
			if err := o.loadRuns(ctx, queued, runs); err != nil {
				return created, err
			}
			sel := SelectBatchCandidates(queued, CandidateContext{
				Provider:      key.Provider,
				Model:         key.Model,
				Now:           now,
				MaxItems:      o.cfg.MaxItemsPerBatch,
				Runs:          runs,
				OpenBatches:   open,
				DefaultPolicy: o.cfg.Policy,
			})
			if len(sel.Requests) == 0 {
				break
			}
			ok, err := o.submit(ctx, adapter, key, sel, now, touched)
			if err != nil {
				return created, err
			}
			if !ok {
				break
			}
			created++
			open[sel.RunID]++
		}
	}

	o.refreshTouched(ctx, touched)
	return created, nil
}

// blockedRuns lists known runs that cannot take another batch for key, so
// their queued rows do not fill the scan window.
func (o *Orchestrator) blockedRuns(key store.ModelKey, runs map[string]*model.Run, open map[string]int) []string {
	var out []string
	blocked := func(id string, p model.RunPolicy) bool {
		return !p.Allows(key.Provider, key.Model) ||
			(p.MaxConcurrentBatches > 0 && open[id] >= p.MaxConcurrentBatches)
	}
	if blocked("", o.cfg.Policy) {
		out = append(out, "")
	}
	for id, run := range runs {
		if run != nil && blocked(id, run.Policy) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// loadRuns adds runs referenced by reqs that are not yet in runs. Terminal
// runs are loaded too so their requests are filtered out.
func (o *Orchestrator) loadRuns(ctx context.Context, reqs []model.LlmRequest, runs map[string]*model.Run) error {
	for _, r := range reqs {
		if r.RunID == "" {
			continue
		}
		if _, ok := runs[r.RunID]; ok {
			continue
		}
		run, err := o.store.GetRun(ctx, r.RunID)
		if err != nil {
			return eris.Wrap(err, "orchestrator: get run")
		}
		runs[r.RunID] = run
	}
	return nil
}

// submit sends one selection to the provider. ok is false when the provider
// rejected the submission; the requests then go through the retry policy.
func (o *Orchestrator) submit(ctx context.Context, adapter provider.Adapter, key store.ModelKey, sel Selection,
	now time.Time, touched map[stageKey]struct{}) (ok bool, err error) {
	items := make([]provider.Item, len(sel.Requests))
	for i, r := range sel.Requests {
		items[i] = provider.Item{CustomID: r.ID, System: r.SystemPrompt, User: r.UserPrompt}
	}

	log := o.log.With(
		zap.String("provider", string(key.Provider)),
		zap.String("model", key.Model),
		zap.String("run_id", sel.RunID),
		zap.Int("items", len(items)),
	)

	providerBatchID, subErr := adapter.SubmitBatch(ctx, key.Model, items)
	if subErr != nil {
		log.Warn("batch submission failed", zap.String("class", resilience.Classify(subErr)), zap.Error(subErr))
		for i := range sel.Requests {
			r := &sel.Requests[i]
			d := resilience.Decide(r.Attempt, sel.Policy.MaxRequestAttempts, now, backoff(sel.Policy), subErr.Error())
			d.Apply(r)
			if err := o.store.UpdateRequest(ctx, r); err != nil {
				return false, eris.Wrap(err, "orchestrator: update request")
			}
			if r.RunID != "" {
				touched[stageKey{r.RunID, r.Stage}] = struct{}{}
			}
		}
		return false, nil
	}

	next := now.Add(pollInterval(sel.Policy))
	batch := &model.LlmBatch{
		ID:              uuid.New().String(),
		Provider:        key.Provider,
		Model:           key.Model,
		ProviderBatchID: providerBatchID,
		RunID:           sel.RunID,
		Status:          model.BatchSubmitted,
		NextPollAt:      &next,
		CreatedAt:       now,
	}
	batchItems := make([]model.LlmBatchItem, len(sel.Requests))
	for i, r := range sel.Requests {
		batchItems[i] = model.LlmBatchItem{BatchID: batch.ID, RequestID: r.ID, CustomID: r.ID}
	}
	if err := o.store.InsertBatch(ctx, batch, batchItems); err != nil {
		log.Error("submitted batch could not be recorded", zap.String("provider_batch_id", providerBatchID), zap.Error(err))
		return false, eris.Wrap(err, "orchestrator: insert batch")
	}

	for i := range sel.Requests {
		r := &sel.Requests[i]
		r.Status = model.RequestRunning
		r.BatchID = batch.ID
		r.NextRetryAt = nil
		if err := o.store.UpdateRequest(ctx, r); err != nil {
			return true, eris.Wrap(err, "orchestrator: mark request running")
		}
	}

	log.Info("batch submitted", zap.String("batch_id", batch.ID), zap.String("provider_batch_id", providerBatchID))
	return true, nil
}

// PollBatch polls one batch under its lease. polled is false when the batch
// is closed or another poller holds the lease.
func (o *Orchestrator) PollBatch(ctx context.Context, batchID string, now time.Time) (polled bool, err error) {
	b, err := o.store.GetBatch(ctx, batchID)
	if err != nil {
		return false, eris.Wrap(err, "orchestrator: get batch")
	}
	if b == nil {
		return false, eris.Wrapf(ErrNotFound, "batch %s", batchID)
	}
	if !b.Status.Open() {
		return false, nil
	}
	leased, err := o.store.AcquireBatchLease(ctx, b.ID, now, now.Add(batchLease))
	if err != nil {
		return false, eris.Wrap(err, "orchestrator: acquire batch lease")
	}
	if !leased {
		return false, nil
	}

	var run *model.Run
	if b.RunID != "" {
		if run, err = o.store.GetRun(ctx, b.RunID); err != nil {
			return false, eris.Wrap(err, "orchestrator: get run")
		}
	}
	policy := o.policyFor(run)
	log := o.log.With(zap.String("batch_id", b.ID), zap.String("run_id", b.RunID))

	var poll *provider.Poll
	adapter, err := o.providers.Get(b.Provider)
	if err == nil {
		poll, err = adapter.PollBatch(ctx, b.ProviderBatchID)
	}
	touched := make(map[stageKey]struct{})

	switch {
	case err != nil:
		d := resilience.Decide(b.Attempt, policy.MaxBatchRetries, now, backoff(policy), err.Error())
		b.Attempt = d.Attempt
		b.LastError = d.LastError
		b.LockedUntil = nil
		if d.Retry() {
			b.NextPollAt = d.NextRetryAt
			log.Warn("batch poll failed, will retry", zap.Int("attempt", b.Attempt),
				zap.String("class", resilience.Classify(err)), zap.Error(err))
		} else {
			b.Status = model.BatchError
			b.NextPollAt = nil
			log.Error("batch poll failed permanently", zap.Int("attempt", b.Attempt), zap.Error(err))
		}
		if err := o.store.UpdateBatch(ctx, b); err != nil {
			return true, eris.Wrap(err, "orchestrator: update batch")
		}
		if b.Status == model.BatchError {
			if err := o.failBatchItems(ctx, b, policy, now, b.LastError, nil, touched); err != nil {
				return true, err
			}
		}

	case !poll.Done:
		next := now.Add(pollInterval(policy))
		b.Status = model.BatchRunning
		b.NextPollAt = &next
		b.LockedUntil = nil
		if err := o.store.UpdateBatch(ctx, b); err != nil {
			return true, eris.Wrap(err, "orchestrator: update batch")
		}
		return true, nil

	default:
		if err := o.completeBatch(ctx, b, run, policy, poll.Results, now, touched); err != nil {
			return true, err
		}
	}

	o.refreshTouched(ctx, touched)
	if _, err := o.EnsureScheduler(ctx); err != nil {
		log.Warn("ensure scheduler failed", zap.Error(err))
	}
	return true, nil
}

func (o *Orchestrator) completeBatch(ctx context.Context, b *model.LlmBatch, run *model.Run, policy model.RunPolicy,
	results []provider.Result, now time.Time, touched map[stageKey]struct{}) error {
	items, err := o.store.ListBatchItems(ctx, b.ID)
	if err != nil {
		return eris.Wrap(err, "orchestrator: list batch items")
	}
	byCustomID := make(map[string]string, len(items))
	for _, it := range items {
		byCustomID[it.CustomID] = it.RequestID
	}

	fc := &finalizeContext{batch: b, run: run, policy: policy, now: now, touched: touched}
	seen := make(map[string]bool, len(results))
	for _, res := range results {
		reqID, ok := byCustomID[res.CustomID]
		if !ok {
			o.log.Warn("result for unknown item", zap.String("batch_id", b.ID), zap.String("custom_id", res.CustomID))
			continue
		}
		seen[reqID] = true
		req, err := o.store.GetRequest(ctx, reqID)
		if err != nil {
			return eris.Wrap(err, "orchestrator: get request")
		}
		if req == nil || req.Status != model.RequestRunning || req.BatchID != b.ID {
			continue
		}
		if err := o.finalize(ctx, fc, req, res); err != nil {
			return err
		}
	}
	if err := o.failBatchItems(ctx, b, policy, now, "missing from batch results", seen, touched); err != nil {
		return err
	}

	b.Status = model.BatchComplete
	b.LockedUntil = nil
	b.NextPollAt = nil
	if err := o.store.UpdateBatch(ctx, b); err != nil {
		return eris.Wrap(err, "orchestrator: complete batch")
	}
	o.log.Info("batch complete", zap.String("batch_id", b.ID), zap.Int("results", len(results)))

	if o.archiver != nil {
		if err := o.archiver.PutBatchResults(ctx, b, results); err != nil {
			o.log.Warn("archive batch results failed", zap.String("batch_id", b.ID), zap.Error(err))
		}
	}
	return nil
}

// failBatchItems applies the retry policy to the batch's requests that are
// still running in it, except those in skip.
func (o *Orchestrator) failBatchItems(ctx context.Context, b *model.LlmBatch, policy model.RunPolicy, now time.Time,
	reason string, skip map[string]bool, touched map[stageKey]struct{}) error {
	items, err := o.store.ListBatchItems(ctx, b.ID)
	if err != nil {
		return eris.Wrap(err, "orchestrator: list batch items")
	}
	for _, it := range items {
		if skip[it.RequestID] {
			continue
		}
		req, err := o.store.GetRequest(ctx, it.RequestID)
		if err != nil {
			return eris.Wrap(err, "orchestrator: get request")
		}
		if req == nil || req.Status != model.RequestRunning || req.BatchID != b.ID {
			continue
		}
		resilience.Decide(req.Attempt, policy.MaxRequestAttempts, now, backoff(policy), reason).Apply(req)
		if err := o.store.UpdateRequest(ctx, req); err != nil {
			return eris.Wrap(err, "orchestrator: update request")
		}
		if req.RunID != "" {
			touched[stageKey{req.RunID, req.Stage}] = struct{}{}
		}
	}
	return nil
}

func (o *Orchestrator) refreshTouched(ctx context.Context, touched map[stageKey]struct{}) {
	for k := range touched {
		if err := o.RefreshStageCounts(ctx, k.runID, k.stage); err != nil {
			o.log.Warn("refresh stage counts failed",
				zap.String("run_id", k.runID), zap.String("stage", string(k.stage)), zap.Error(err))
		}
	}
}
