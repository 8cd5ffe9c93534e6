// Package queue drives the scheduler through Redis-backed asynq tasks so
// several worker processes can share one tick stream.
package queue

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/theonetruejesse/judge-gym/internal/orchestrator"
)

// TaskTick is the asynq task type of a scheduler tick.
const TaskTick = "scheduler:tick"

// Enqueuer is the subset of *asynq.Client used to schedule ticks.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Ticker runs one scheduler pass.
type Ticker interface {
	Tick(ctx context.Context) (*orchestrator.TickResult, error)
	MinTick() time.Duration
}

// Waker schedules tick tasks. A task ID is the due time to the millisecond:
// repeated wakes for one claimed tick collapse, while the re-arm issued from
// a running tick never collides with that tick's own ID.
type Waker struct {
	client Enqueuer
	queue  string
	log    *zap.Logger
}

// NewWaker creates a Waker enqueueing onto the named asynq queue.
func NewWaker(client Enqueuer, queue string) *Waker {
	if queue == "" {
		queue = "default"
	}
	return &Waker{
		client: client,
		queue:  queue,
		log:    zap.L().With(zap.String("component", "queue_waker")),
	}
}

// TaskID returns the deduplication ID of a tick due at at.
func TaskID(at time.Time) string {
	return TaskTick + ":" + strconv.FormatInt(at.UnixMilli(), 10)
}

// Wake enqueues a tick to be processed at at.
func (w *Waker) Wake(ctx context.Context, at time.Time) error {
	task := asynq.NewTask(TaskTick, nil)
	_, err := w.client.EnqueueContext(ctx, task,
		asynq.TaskID(TaskID(at)),
		asynq.ProcessAt(at),
		asynq.Queue(w.queue),
		asynq.MaxRetry(0),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		return nil
	}
	if err != nil {
		return eris.Wrap(err, "queue: enqueue tick")
	}
	w.log.Debug("tick enqueued", zap.Time("at", at))
	return nil
}

// Handler processes tick tasks and schedules the follow-up tick.
type Handler struct {
	ticker Ticker
	waker  *Waker
	now    func() time.Time
	log    *zap.Logger
}

// NewHandler creates a tick handler.
func NewHandler(t Ticker, w *Waker) *Handler {
	return &Handler{
		ticker: t,
		waker:  w,
		now:    time.Now,
		log:    zap.L().With(zap.String("component", "queue_worker")),
	}
}

// Mux returns a ServeMux routing tick tasks to h.
func (h *Handler) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskTick, h.ProcessTask)
	return mux
}

// ProcessTask runs one tick. A failed tick is retried after MinTick rather
// than through asynq's retry queue.
func (h *Handler) ProcessTask(ctx context.Context, _ *asynq.Task) error {
	res, err := h.ticker.Tick(ctx)
	if err != nil {
		h.log.Error("tick failed", zap.Error(err))
		return h.waker.Wake(ctx, h.now().Add(h.ticker.MinTick()))
	}
	switch {
	case res.Skipped:
		return h.waker.Wake(ctx, h.now().Add(orchestrator.TickLease()))
	case res.Rearm:
		return h.waker.Wake(ctx, h.now().Add(res.NextDelay))
	}
	return nil
}

// Worker runs an asynq server processing tick tasks.
type Worker struct {
	srv     *asynq.Server
	handler *Handler
}

// NewWorker creates a Worker. Tick concurrency beyond 1 is safe because the
// tick lease serializes passes.
func NewWorker(redis asynq.RedisClientOpt, concurrency int, queue string, h *Handler) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	if queue == "" {
		queue = "default"
	}
	srv := asynq.NewServer(redis, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{queue: 1},
		Logger:      zapLogger{zap.S().With("component", "asynq")},
	})
	return &Worker{srv: srv, handler: h}
}

// Run processes tasks until ctx is canceled.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.srv.Start(w.handler.Mux()); err != nil {
		return eris.Wrap(err, "queue: start worker")
	}
	<-ctx.Done()
	w.srv.Shutdown()
	return nil
}

// zapLogger adapts a sugared zap logger to asynq.Logger.
type zapLogger struct{ s *zap.SugaredLogger }

func (l zapLogger) Debug(args ...any) { l.s.Debug(args...) }
func (l zapLogger) Info(args ...any)  { l.s.Info(args...) }
func (l zapLogger) Warn(args ...any)  { l.s.Warn(args...) }
func (l zapLogger) Error(args ...any) { l.s.Error(args...) }
func (l zapLogger) Fatal(args ...any) { l.s.Fatal(args...) }
