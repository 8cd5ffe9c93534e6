package workflow

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/theonetruejesse/judge-gym/internal/orchestrator"
)

const (
	// SignalWake carries the time.Time at which the next tick is wanted.
	SignalWake = "scheduler.wake"
	// DefaultWorkflowID is the single scheduler workflow per namespace.
	DefaultWorkflowID = "judge-gym-scheduler"

	defaultMaxTicks = 500
	defaultMinTick  = 500 * time.Millisecond
)

// SchedulerInput configures SchedulerWorkflow.
type SchedulerInput struct {
	MinTick time.Duration `json:"min_tick"`
	// MaxTicks bounds one workflow run before it continues as new.
	MaxTicks int `json:"max_ticks"`
}

func (in SchedulerInput) withDefaults() SchedulerInput {
	if in.MinTick <= 0 {
		in.MinTick = defaultMinTick
	}
	if in.MaxTicks <= 0 {
		in.MaxTicks = defaultMaxTicks
	}
	return in
}

// SchedulerWorkflow ticks until no work remains and no wake is pending.
func SchedulerWorkflow(ctx workflow.Context, in SchedulerInput) error {
	in = in.withDefaults()
	logger := workflow.GetLogger(ctx)

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 1,
		},
	})
	wake := workflow.GetSignalChannel(ctx, SignalWake)

	// The wake that started this run is served by the first tick.
	drain(wake)

	var a *Activities
	for i := 0; i < in.MaxTicks; i++ {
		var res orchestrator.TickResult
		err := workflow.ExecuteActivity(ctx, a.Tick).Get(ctx, &res)

		var delay time.Duration
		switch {
		case err != nil:
			logger.Error("tick failed", "error", err)
			delay = in.MinTick
		case res.Skipped:
			delay = orchestrator.TickLease()
		case res.Rearm:
			delay = max(res.NextDelay, in.MinTick)
		}

		if delay == 0 {
			if !drain(wake) {
				return nil
			}
			continue
		}
		waitForWake(ctx, wake, delay)
	}

	drain(wake)
	return workflow.NewContinueAsNewError(ctx, SchedulerWorkflow, in)
}

// waitForWake blocks for delay or until a wake signal asks for an earlier tick.
func waitForWake(ctx workflow.Context, wake workflow.ReceiveChannel, delay time.Duration) {
	timerCtx, cancel := workflow.WithCancel(ctx)
	defer cancel()

	var at time.Time
	woken := false
	sel := workflow.NewSelector(ctx)
	sel.AddFuture(workflow.NewTimer(timerCtx, delay), func(workflow.Future) {})
	sel.AddReceive(wake, func(c workflow.ReceiveChannel, _ bool) {
		c.Receive(ctx, &at)
		woken = true
	})
	sel.Select(ctx)

	if !woken {
		return
	}
	if d := at.Sub(workflow.Now(ctx)); d > 0 && d < delay {
		_ = workflow.Sleep(ctx, d)
	}
}

// drain consumes buffered wake signals and reports whether there were any.
func drain(wake workflow.ReceiveChannel) bool {
	got := false
	var at time.Time
	for wake.ReceiveAsync(&at) {
		got = true
	}
	return got
}
