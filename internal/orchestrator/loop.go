package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const idlePoll = 30 * time.Second

// Loop is the in-process scheduler driver. It ticks whenever it is woken and
// re-arms itself while work remains.
type Loop struct {
	o    *Orchestrator
	wake chan time.Time
	log  *zap.Logger
}

// NewLoop creates a Loop and registers it as o's waker.
func NewLoop(o *Orchestrator) *Loop {
	l := &Loop{
		o:    o,
		wake: make(chan time.Time, 1),
		log:  zap.L().With(zap.String("component", "scheduler_loop")),
	}
	o.SetWaker(l)
	return l
}

// Wake schedules a tick at or after at. It never blocks.
func (l *Loop) Wake(_ context.Context, at time.Time) error {
	select {
	case l.wake <- at:
	default:
	}
	return nil
}

// Run ticks until ctx is canceled. It starts with one tick so work left over
// from a previous process is picked up.
func (l *Loop) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case at := <-l.wake:
			timer.Reset(max(time.Until(at), 0))
			continue
		case <-timer.C:
		}

		res, err := l.o.Tick(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.log.Error("tick failed", zap.Error(err))
			timer.Reset(l.o.cfg.MinTick)
			continue
		}
		switch {
		case res.Skipped:
			timer.Reset(tickLease)
		case res.Rearm:
			timer.Reset(res.NextDelay)
		default:
			// Wakes from other processes never reach this loop.
			timer.Reset(idlePoll)
		}
	}
}
