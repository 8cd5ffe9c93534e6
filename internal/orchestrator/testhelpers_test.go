package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/theonetruejesse/judge-gym/internal/model"
	"github.com/theonetruejesse/judge-gym/internal/provider"
	"github.com/theonetruejesse/judge-gym/internal/store"
)

const (
	testRubricModel = "claude-sonnet-4-5-20250929"
	testWindowModel = "claude-haiku-4-5-20251001"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now().UTC().Truncate(time.Millisecond)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeAdapter completes every batch on its first poll unless told otherwise.
type fakeAdapter struct {
	mu        sync.Mutex
	seq       int
	batches   map[string][]provider.Item
	submitErr error
	pollErr   error
	pending   bool
	respond   func(provider.Item) provider.Result
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{batches: make(map[string][]provider.Item), respond: respondOK}
}

func (a *fakeAdapter) Provider() model.Provider { return model.ProviderAnthropic }

func (a *fakeAdapter) SubmitBatch(_ context.Context, _ string, items []provider.Item) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.submitErr != nil {
		return "", a.submitErr
	}
	a.seq++
	id := fmt.Sprintf("msgbatch_%03d", a.seq)
	a.batches[id] = append([]provider.Item(nil), items...)
	return id, nil
}

func (a *fakeAdapter) PollBatch(_ context.Context, id string) (*provider.Poll, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pollErr != nil {
		return nil, a.pollErr
	}
	if a.pending {
		return &provider.Poll{}, nil
	}
	items, ok := a.batches[id]
	if !ok {
		return nil, fmt.Errorf("unknown batch %s", id)
	}
	results := make([]provider.Result, len(items))
	for i, it := range items {
		results[i] = a.respond(it)
		results[i].CustomID = it.CustomID
	}
	return &provider.Poll{Done: true, Results: results}, nil
}

func (a *fakeAdapter) submitted() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.seq
}

func (a *fakeAdapter) set(fn func(a *fakeAdapter)) {
	a.mu.Lock()
	fn(a)
	a.mu.Unlock()
}

// respondOK returns well-formed output for every prompt kind.
func respondOK(it provider.Item) provider.Result {
	var out string
	switch {
	case strings.Contains(it.System, "rubric designer"):
		out = "Stages escalate with severity.\nRUBRIC:\n" +
			"1) Absent :: no signals; no rhetoric; no actions\n" +
			"2) Emerging :: some rhetoric; isolated acts; weak institutions\n" +
			"3) Entrenched :: pervasive rhetoric; systematic acts; captured institutions"
	case strings.Contains(it.System, "quality auditor"):
		out = "Clear and observable.\nQUALITY: observability=0.8, discriminability=0.6"
	case strings.Contains(it.System, "careful evaluator"):
		out = "The article shows isolated acts.\nVERDICT: B"
	case strings.Contains(it.System, "agreement auditor"):
		out = "Most experts would agree.\nEXPERT_AGREEMENT: 0.7"
	case strings.Contains(it.System, "clinical editor"):
		out = "Neutralized Summary: neutral text"
	case strings.Contains(it.System, "structural abstractor"):
		out = "Abstracted Summary: abstract text"
	default:
		out = "cleaned text"
	}
	return provider.Result{Output: out, InputTokens: 100, OutputTokens: 50}
}

type recordingWaker struct {
	mu    sync.Mutex
	wakes []time.Time
}

func (w *recordingWaker) Wake(_ context.Context, at time.Time) error {
	w.mu.Lock()
	w.wakes = append(w.wakes, at)
	w.mu.Unlock()
	return nil
}

func (w *recordingWaker) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.wakes)
}

type harness struct {
	o       *Orchestrator
	st      *store.SQLiteStore
	clock   *fakeClock
	adapter *fakeAdapter
	waker   *recordingWaker
	window  *model.Window
	exp     *model.Experiment
}

func newHarness(t *testing.T, evidenceCount int) *harness {
	t.Helper()
	ctx := context.Background()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "orchestrator.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(ctx))

	w, err := st.GetOrCreateWindow(ctx, model.WindowScope{
		Concept: "fascism", Country: "USA", StartDate: "2026-01-01", EndDate: "2026-01-31", Model: testWindowModel,
	})
	require.NoError(t, err)
	exp := &model.Experiment{
		Tag:      "exp-" + w.ID[:8],
		WindowID: w.ID,
		Config: model.ExperimentConfig{
			RubricStage: model.RubricStageConfig{ScaleSize: 3, Model: testRubricModel},
			ScoringStage: model.ScoringStageConfig{
				Model: testRubricModel, Method: model.ScoringSingle, EvidenceView: model.EvidenceViewRaw,
			},
		},
		Status: model.ExperimentStatusPending,
	}
	require.NoError(t, st.CreateExperiment(ctx, exp))

	for i := 0; i < evidenceCount; i++ {
		url := fmt.Sprintf("https://news.example.com/%d", i)
		require.NoError(t, st.InsertEvidence(ctx, &model.Evidence{
			WindowID:       w.ID,
			Title:          fmt.Sprintf("article %d", i),
			URL:            url,
			NormalizedURL:  url,
			RawContent:     fmt.Sprintf("raw body %d", i),
			CleanedContent: fmt.Sprintf("clean body %d", i),
		}))
	}

	clock := newFakeClock()
	adapter := newFakeAdapter()
	waker := &recordingWaker{}
	o := New(st, provider.NewRegistry(adapter), Config{Policy: model.DefaultRunPolicy()},
		WithClock(clock), WithWaker(waker))
	return &harness{o: o, st: st, clock: clock, adapter: adapter, waker: waker, window: w, exp: exp}
}

// testPolicy polls fast and retries without backoff.
func testPolicy() *model.RunPolicy {
	p := model.DefaultRunPolicy()
	p.PollIntervalMs = 1000
	p.RetryBackoffMs = 0
	return &p
}

// tickUntil ticks with the clock advancing past the poll interval until done
// reports true.
func (h *harness) tickUntil(t *testing.T, maxTicks int, done func() bool) {
	t.Helper()
	for i := 0; i < maxTicks; i++ {
		_, err := h.o.Tick(context.Background())
		require.NoError(t, err)
		if done() {
			return
		}
		h.clock.Advance(2 * time.Second)
	}
	t.Fatalf("condition not reached after %d ticks", maxTicks)
}

func (h *harness) requests(t *testing.T, runID string, stage model.Stage) map[model.RequestStatus]int {
	t.Helper()
	counts, err := h.st.CountRequests(context.Background(), runID, stage)
	require.NoError(t, err)
	return counts
}

func (h *harness) run(t *testing.T, id string) *model.Run {
	t.Helper()
	run, err := h.st.GetRun(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, run)
	return run
}

func storeKey() store.ModelKey {
	return store.ModelKey{Provider: model.ProviderAnthropic, Model: testRubricModel}
}
