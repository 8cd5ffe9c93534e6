package evidence

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/theonetruejesse/judge-gym/internal/identity"
	"github.com/theonetruejesse/judge-gym/internal/model"
	"github.com/theonetruejesse/judge-gym/internal/prompts"
	"github.com/theonetruejesse/judge-gym/internal/requests"
	"github.com/theonetruejesse/judge-gym/internal/store"
)

// ErrWindowNotFound is returned when Collect targets an unknown window.
var ErrWindowNotFound = errors.New("evidence: window not found")

// Store is the subset of store.Store evidence collection needs.
type Store interface {
	GetWindow(ctx context.Context, id string) (*model.Window, error)
	InsertEvidence(ctx context.Context, ev *model.Evidence) error
	ListEvidence(ctx context.Context, windowID string, limit int) ([]model.Evidence, error)
}

// Scheduler is woken after new work is queued.
type Scheduler interface {
	EnsureScheduler(ctx context.Context) (bool, error)
}

// CollectResult reports what one Collect call did.
type CollectResult struct {
	Inserted int      `json:"inserted"`
	Skipped  int      `json:"skipped"`
	Queued   int      `json:"queued"`
	IDs      []string `json:"ids,omitempty"`
}

// Collector ingests articles into a window and queues their first
// processing level.
type Collector struct {
	store     Store
	dedup     *requests.Deduplicator
	scheduler Scheduler
	source    NewsSource
	log       *zap.Logger
}

// Option configures a Collector.
type Option func(*Collector)

// WithSource sets the news source used by Search.
func WithSource(src NewsSource) Option {
	return func(c *Collector) { c.source = src }
}

// NewCollector creates a Collector. scheduler may be nil.
func NewCollector(st Store, dedup *requests.Deduplicator, scheduler Scheduler, opts ...Option) *Collector {
	c := &Collector{
		store:     st,
		dedup:     dedup,
		scheduler: scheduler,
		log:       zap.L().With(zap.String("component", "evidence.collector")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Collect inserts articles not already present in the window (by normalized
// URL), queues evidence_clean for every window item without cleaned content,
// and wakes the scheduler when anything was queued.
func (c *Collector) Collect(ctx context.Context, windowID string, articles []model.Article) (*CollectResult, error) {
	w, err := c.store.GetWindow(ctx, windowID)
	if err != nil {
		return nil, eris.Wrap(err, "evidence: get window")
	}
	if w == nil {
		return nil, eris.Wrap(ErrWindowNotFound, windowID)
	}

	existing, err := c.store.ListEvidence(ctx, windowID, 0)
	if err != nil {
		return nil, eris.Wrap(err, "evidence: list existing")
	}
	seen := make(map[string]bool, len(existing)+len(articles))
	for _, ev := range existing {
		seen[ev.NormalizedURL] = true
	}

	res := &CollectResult{}
	for _, a := range articles {
		if a.URL == "" || a.RawContent == "" {
			res.Skipped++
			continue
		}
		norm := NormalizeURL(a.URL)
		if seen[norm] {
			res.Skipped++
			continue
		}
		seen[norm] = true

		ev := model.Evidence{
			WindowID:      windowID,
			Title:         a.Title,
			URL:           a.URL,
			NormalizedURL: norm,
			RawContent:    a.RawContent,
		}
		err := c.store.InsertEvidence(ctx, &ev)
		if errors.Is(err, store.ErrDuplicate) {
			res.Skipped++
			continue
		}
		if err != nil {
			return res, eris.Wrap(err, "evidence: insert")
		}
		res.Inserted++
		res.IDs = append(res.IDs, ev.ID)
		existing = append(existing, ev)
	}

	for i := range existing {
		ev := &existing[i]
		if ev.CleanedContent != "" {
			continue
		}
		_, created, err := QueueLevel(ctx, c.dedup, ev, model.StageEvidenceClean, w.Model)
		if err != nil {
			return res, err
		}
		if created {
			res.Queued++
		}
	}

	c.log.Info("evidence collected",
		zap.String("window_id", windowID),
		zap.Int("inserted", res.Inserted),
		zap.Int("skipped", res.Skipped),
		zap.Int("queued", res.Queued),
	)

	if res.Queued > 0 && c.scheduler != nil {
		if _, err := c.scheduler.EnsureScheduler(ctx); err != nil {
			c.log.Warn("ensure scheduler failed", zap.Error(err))
		}
	}
	return res, nil
}

// QueueLevel get-or-creates the request producing stage's content for ev.
// Evidence requests belong to no run.
func QueueLevel(ctx context.Context, dedup *requests.Deduplicator, ev *model.Evidence, stage model.Stage, modelName string) (*model.LlmRequest, bool, error) {
	if !stage.IsEvidence() {
		return nil, false, eris.Errorf("evidence: %s is not an evidence stage", stage)
	}
	p := model.ProviderForModel(modelName)
	if p == "" {
		return nil, false, eris.Errorf("evidence: no provider for model %q", modelName)
	}
	prompt := prompts.EvidenceLevel(stage, ev.InputFor(stage))
	req, created, err := dedup.GetOrCreate(ctx, identity.Key{
		Stage:      stage,
		Provider:   p,
		Model:      modelName,
		EvidenceID: ev.ID,
	}, requests.Payload{SystemPrompt: prompt.System, UserPrompt: prompt.User})
	if err != nil {
		return nil, false, eris.Wrapf(err, "evidence: queue %s", stage)
	}
	return req, created, nil
}
