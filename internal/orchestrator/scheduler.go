package orchestrator

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// TickResult summarizes one scheduler tick.
type TickResult struct {
	// Skipped is set when another tick holds the lease.
	Skipped   bool          `json:"skipped"`
	Polled    int           `json:"polled"`
	Created   int           `json:"created"`
	Active    int           `json:"active"`
	NextDelay time.Duration `json:"next_delay"`
	// Rearm reports whether work remains and the driver should tick again
	// after NextDelay.
	Rearm bool `json:"rearm"`
}

// EnsureScheduler claims the scheduler row when no tick is pending and wakes
// the driver. scheduled is false when a tick is already pending.
func (o *Orchestrator) EnsureScheduler(ctx context.Context) (scheduled bool, err error) {
	now := o.clock.Now()
	next := now.Add(o.cfg.MinTick)
	claimed, err := o.store.ClaimSchedulerWake(ctx, now, next)
	if err != nil {
		return false, eris.Wrap(err, "orchestrator: claim scheduler")
	}
	if !claimed {
		return false, nil
	}
	if o.waker != nil {
		if err := o.waker.Wake(ctx, next); err != nil {
			return true, eris.Wrap(err, "orchestrator: wake scheduler")
		}
	}
	return true, nil
}

// Tick runs one scheduler pass: it refreshes active runs, polls due batches,
// creates new batches, and records when the next tick is due.
func (o *Orchestrator) Tick(ctx context.Context) (*TickResult, error) {
	now := o.clock.Now()
	ok, err := o.store.AcquireTickLease(ctx, now, now.Add(tickLease))
	if err != nil {
		return nil, eris.Wrap(err, "orchestrator: acquire tick lease")
	}
	if !ok {
		return &TickResult{Skipped: true}, nil
	}
	defer func() {
		if err := o.store.ReleaseTickLease(context.WithoutCancel(ctx)); err != nil {
			o.log.Warn("release tick lease failed", zap.Error(err))
		}
	}()

	res := &TickResult{}

	active, err := o.store.ListActiveRuns(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "orchestrator: list active runs")
	}
	maxPoll := o.cfg.Policy.MaxPollPerTick
	minInterval := pollInterval(o.cfg.Policy)
	for _, run := range active {
		if run.Policy.MaxPollPerTick > maxPoll {
			maxPoll = run.Policy.MaxPollPerTick
		}
		if iv := pollInterval(run.Policy); iv < minInterval {
			minInterval = iv
		}
		if run.CurrentStage == "" {
			continue
		}
		if err := o.RefreshStageCounts(ctx, run.ID, run.CurrentStage); err != nil {
			o.log.Warn("refresh run failed", zap.String("run_id", run.ID), zap.Error(err))
		}
	}

	due, err := o.store.ListDueBatches(ctx, now, maxPoll)
	if err != nil {
		return nil, eris.Wrap(err, "orchestrator: list due batches")
	}
	polled := make([]bool, len(due))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxPoll)
	for i := range due {
		id := due[i].ID
		g.Go(func() error {
			ok, err := o.PollBatch(gctx, id, now)
			if err != nil {
				o.log.Warn("poll batch failed", zap.String("batch_id", id), zap.Error(err))
				return nil
			}
			polled[i] = ok
			return nil
		})
	}
	_ = g.Wait()
	for _, ok := range polled {
		if ok {
			res.Polled++
		}
	}

	if res.Created, err = o.CreateBatches(ctx); err != nil {
		return nil, err
	}

	work, err := o.store.CountWork(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "orchestrator: count work")
	}
	res.Active = work.ActiveRuns
	res.NextDelay = max(o.cfg.MinTick, minInterval)
	res.Rearm = work.Pending()

	if res.Rearm {
		next := o.clock.Now().Add(res.NextDelay)
		err = o.store.SetNextTick(ctx, &next)
	} else {
		err = o.store.SetNextTick(ctx, nil)
	}
	if err != nil {
		return nil, eris.Wrap(err, "orchestrator: set next tick")
	}

	if res.Polled > 0 || res.Created > 0 {
		o.log.Info("tick",
			zap.Int("polled", res.Polled),
			zap.Int("created", res.Created),
			zap.Int("active_runs", res.Active),
			zap.Bool("rearm", res.Rearm),
		)
	}
	return res, nil
}
