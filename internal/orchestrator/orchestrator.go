// Package orchestrator drives runs through their stages. It seeds LLM work,
// packs queued requests into provider batches, polls those batches under a
// lease, and routes each result through its parse gate.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/theonetruejesse/judge-gym/internal/cost"
	"github.com/theonetruejesse/judge-gym/internal/model"
	"github.com/theonetruejesse/judge-gym/internal/provider"
	"github.com/theonetruejesse/judge-gym/internal/requests"
	"github.com/theonetruejesse/judge-gym/internal/store"
)

var (
	// ErrNotFound is returned when a run or experiment does not exist.
	ErrNotFound = errors.New("orchestrator: not found")
	// ErrConflict is returned when an operation does not fit the current state.
	ErrConflict = errors.New("orchestrator: conflict")
	// ErrInvalid is returned for malformed input.
	ErrInvalid = errors.New("orchestrator: invalid argument")
)

const (
	defaultMinTick = 500 * time.Millisecond
	batchLease     = 60 * time.Second
	tickLease      = 30 * time.Second
	queueScanLimit = 2000
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Waker schedules a scheduler tick at or after at.
type Waker interface {
	Wake(ctx context.Context, at time.Time) error
}

// Archiver stores raw provider results of a finished batch.
type Archiver interface {
	PutBatchResults(ctx context.Context, batch *model.LlmBatch, results []provider.Result) error
}

// Config holds orchestrator-wide settings.
type Config struct {
	// Policy applies to work that belongs to no run (evidence processing).
	Policy model.RunPolicy
	// MinTick is the shortest delay between scheduler ticks.
	MinTick time.Duration
	// MaxItemsPerBatch caps a batch below the policy's MaxBatchSize. 0 = no extra cap.
	MaxItemsPerBatch int
}

// Orchestrator owns the run state machine and the batch scheduler.
type Orchestrator struct {
	store     store.Store
	dedup     *requests.Deduplicator
	providers provider.Registry
	clock     Clock
	waker     Waker
	archiver  Archiver
	costs     *cost.Calculator
	cfg       Config
	log       *zap.Logger

	runLocks sync.Map // run ID -> *sync.Mutex
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock substitutes the time source.
func WithClock(c Clock) Option { return func(o *Orchestrator) { o.clock = c } }

// WithWaker sets the scheduler driver woken by EnsureScheduler.
func WithWaker(w Waker) Option { return func(o *Orchestrator) { o.waker = w } }

// WithArchiver enables archival of raw batch results.
func WithArchiver(a Archiver) Option { return func(o *Orchestrator) { o.archiver = a } }

// WithCosts enables cost attribution on stored messages.
func WithCosts(c *cost.Calculator) Option { return func(o *Orchestrator) { o.costs = c } }

// New creates an Orchestrator.
func New(st store.Store, providers provider.Registry, cfg Config, opts ...Option) *Orchestrator {
	if cfg.MinTick <= 0 {
		cfg.MinTick = defaultMinTick
	}
	if cfg.Policy.Validate() != nil {
		cfg.Policy = model.DefaultRunPolicy()
	}
	o := &Orchestrator{
		store:     st,
		dedup:     requests.New(st),
		providers: providers,
		clock:     systemClock{},
		cfg:       cfg,
		log:       zap.L().With(zap.String("component", "orchestrator")),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SetWaker replaces the scheduler driver. Drivers that wrap the orchestrator
// register themselves after construction.
func (o *Orchestrator) SetWaker(w Waker) { o.waker = w }

// MinTick returns the shortest delay between scheduler ticks.
func (o *Orchestrator) MinTick() time.Duration { return o.cfg.MinTick }

// TickLease returns how long a tick holds the scheduler lease.
func TickLease() time.Duration { return tickLease }

// Store returns the backing store.
func (o *Orchestrator) Store() store.Store { return o.store }

// Deduplicator returns the request deduplicator shared with collectors.
func (o *Orchestrator) Deduplicator() *requests.Deduplicator { return o.dedup }

func (o *Orchestrator) lockRun(runID string) func() {
	v, _ := o.runLocks.LoadOrStore(runID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// policyFor returns the run's policy, or the default one for run-less work.
func (o *Orchestrator) policyFor(run *model.Run) model.RunPolicy {
	if run == nil {
		return o.cfg.Policy
	}
	return run.Policy
}

func backoff(p model.RunPolicy) time.Duration {
	return time.Duration(p.RetryBackoffMs) * time.Millisecond
}

func pollInterval(p model.RunPolicy) time.Duration {
	return time.Duration(p.PollIntervalMs) * time.Millisecond
}
