package workflow

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/client"
	sdkworker "go.temporal.io/sdk/worker"
	"go.uber.org/zap"
)

// Signaler is the subset of client.Client used to wake the scheduler.
type Signaler interface {
	SignalWithStartWorkflow(ctx context.Context, workflowID string, signalName string, signalArg interface{},
		options client.StartWorkflowOptions, workflow interface{}, workflowArgs ...interface{}) (client.WorkflowRun, error)
}

// Waker signals the scheduler workflow, starting it when it is not running.
type Waker struct {
	c          Signaler
	taskQueue  string
	workflowID string
	input      SchedulerInput
}

// NewWaker creates a Waker for the scheduler workflow on taskQueue.
func NewWaker(c Signaler, taskQueue string, minTick time.Duration) *Waker {
	return &Waker{
		c:          c,
		taskQueue:  taskQueue,
		workflowID: DefaultWorkflowID,
		input:      SchedulerInput{MinTick: minTick},
	}
}

// Wake sends a wake signal carrying at.
func (w *Waker) Wake(ctx context.Context, at time.Time) error {
	_, err := w.c.SignalWithStartWorkflow(ctx, w.workflowID, SignalWake, at,
		client.StartWorkflowOptions{ID: w.workflowID, TaskQueue: w.taskQueue},
		SchedulerWorkflow, w.input)
	if err != nil {
		return eris.Wrapf(err, "workflow: signal %s", w.workflowID)
	}
	return nil
}

// Register registers the scheduler workflow and activities with w.
func Register(w sdkworker.Worker, acts *Activities) {
	w.RegisterWorkflow(SchedulerWorkflow)
	w.RegisterActivity(acts)
}

// Dial connects to the Temporal frontend with a zap-backed logger.
func Dial(hostPort, namespace string) (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  hostPort,
		Namespace: namespace,
		Logger:    zapAdapter{zap.S().With("component", "temporal")},
	})
	if err != nil {
		return nil, eris.Wrapf(err, "workflow: dial temporal %s", hostPort)
	}
	return c, nil
}

// RunWorker runs a Temporal worker on taskQueue until ctx is canceled.
func RunWorker(ctx context.Context, c client.Client, taskQueue string, acts *Activities) error {
	w := sdkworker.New(c, taskQueue, sdkworker.Options{})
	Register(w, acts)
	if err := w.Start(); err != nil {
		return eris.Wrap(err, "workflow: start worker")
	}
	<-ctx.Done()
	w.Stop()
	return nil
}

// zapAdapter satisfies go.temporal.io/sdk/log.Logger.
type zapAdapter struct{ s *zap.SugaredLogger }

func (z zapAdapter) Debug(msg string, keyvals ...interface{}) { z.s.Debugw(msg, keyvals...) }
func (z zapAdapter) Info(msg string, keyvals ...interface{})  { z.s.Infow(msg, keyvals...) }
func (z zapAdapter) Warn(msg string, keyvals ...interface{})  { z.s.Warnw(msg, keyvals...) }
func (z zapAdapter) Error(msg string, keyvals ...interface{}) { z.s.Errorw(msg, keyvals...) }
