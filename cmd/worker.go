package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/theonetruejesse/judge-gym/internal/config"
	"github.com/theonetruejesse/judge-gym/internal/orchestrator"
	"github.com/theonetruejesse/judge-gym/internal/queue"
	"github.com/theonetruejesse/judge-gym/internal/workflow"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the scheduler driver",
	Long:  "Processes scheduler ticks with the configured driver: an in-process loop, asynq tasks, or the Temporal scheduler workflow.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "worker")
		if err != nil {
			return err
		}
		defer env.Close()

		return runDriver(ctx, env)
	},
}

// runDriver blocks running the configured scheduler driver. Work left over
// from a previous process is picked up by an initial EnsureScheduler.
func runDriver(ctx context.Context, env *appEnv) error {
	log := zap.L().With(zap.String("driver", cfg.Scheduler.Driver))

	switch cfg.Scheduler.Driver {
	case config.DriverAsynq:
		h := queue.NewHandler(env.Orch, env.QueueWaker)
		w := queue.NewWorker(redisOpt(), cfg.Scheduler.Concurrency, cfg.Redis.Queue, h)
		kick(ctx, env.Orch)
		log.Info("scheduler worker started")
		return w.Run(ctx)

	case config.DriverTemporal:
		kick(ctx, env.Orch)
		log.Info("scheduler worker started", zap.String("task_queue", cfg.Temporal.TaskQueue))
		return workflow.RunWorker(ctx, env.Temporal, cfg.Temporal.TaskQueue, &workflow.Activities{Ticker: env.Orch})

	case config.DriverInline:
		log.Info("scheduler loop started")
		err := orchestrator.NewLoop(env.Orch).Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	return eris.Errorf("unknown scheduler driver %q", cfg.Scheduler.Driver)
}

func kick(ctx context.Context, o *orchestrator.Orchestrator) {
	if _, err := o.EnsureScheduler(ctx); err != nil {
		zap.L().Warn("initial ensure scheduler failed", zap.Error(err))
	}
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
