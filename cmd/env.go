package main

import (
	"context"

	"github.com/hibiken/asynq"
	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/theonetruejesse/judge-gym/internal/archive"
	"github.com/theonetruejesse/judge-gym/internal/config"
	"github.com/theonetruejesse/judge-gym/internal/cost"
	"github.com/theonetruejesse/judge-gym/internal/evidence"
	"github.com/theonetruejesse/judge-gym/internal/orchestrator"
	"github.com/theonetruejesse/judge-gym/internal/provider"
	"github.com/theonetruejesse/judge-gym/internal/queue"
	"github.com/theonetruejesse/judge-gym/internal/resilience"
	"github.com/theonetruejesse/judge-gym/internal/store"
	"github.com/theonetruejesse/judge-gym/internal/workflow"
	anthropicpkg "github.com/theonetruejesse/judge-gym/pkg/anthropic"
	"github.com/theonetruejesse/judge-gym/pkg/firecrawl"
)

// appEnv holds the store, orchestrator and scheduler driver clients needed
// by the commands.
type appEnv struct {
	Store     store.Store
	Orch      *orchestrator.Orchestrator
	Collector *evidence.Collector

	QueueWaker *queue.Waker  // asynq driver only
	Temporal   client.Client // temporal driver only

	closers []func()
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

// initStore opens the configured store, retrying transient connection
// failures while the database comes up.
func initStore(ctx context.Context) (store.Store, error) {
	retry := resilience.DefaultRetryConfig()
	retry.OnRetry = resilience.RetryLogger("open store")

	return resilience.DoVal(ctx, retry, func(ctx context.Context) (store.Store, error) {
		switch cfg.Store.Driver {
		case "sqlite":
			return store.NewSQLite(cfg.Store.SQLitePath)
		case "postgres":
			return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
				MaxConns: cfg.Store.MaxConns,
				MinConns: cfg.Store.MinConns,
			})
		default:
			return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
		}
	})
}

func redisOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}
}

// initEnv validates config for mode, opens and migrates the store, and
// builds the orchestrator with the configured provider, archive and
// scheduler driver. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &appEnv{Store: st}
	env.closers = append(env.closers, func() { _ = st.Close() })

	if err := st.Migrate(ctx); err != nil {
		env.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	var adapters []provider.Adapter
	if cfg.Anthropic.Key != "" {
		adapters = append(adapters, provider.NewAnthropic(anthropicpkg.NewClient(cfg.Anthropic.Key), provider.AnthropicConfig{
			MaxTokens:         cfg.Anthropic.MaxTokens,
			RequestsPerSecond: cfg.Anthropic.RequestsPerSecond,
		}))
	}

	opts := []orchestrator.Option{orchestrator.WithCosts(cost.NewCalculator(cfg.Pricing))}
	if cfg.Archive.Bucket != "" {
		arch, err := archive.NewS3(ctx, archive.Config{
			Bucket:    cfg.Archive.Bucket,
			Region:    cfg.Archive.Region,
			Endpoint:  cfg.Archive.Endpoint,
			AccessKey: cfg.Archive.AccessKey,
			SecretKey: cfg.Archive.SecretKey,
		})
		if err != nil {
			env.Close()
			return nil, err
		}
		opts = append(opts, orchestrator.WithArchiver(arch))
	}

	env.Orch = orchestrator.New(st, provider.NewRegistry(adapters...), orchestrator.Config{
		Policy:           cfg.Policy,
		MinTick:          cfg.Scheduler.MinTick(),
		MaxItemsPerBatch: cfg.Scheduler.MaxItemsPerBatch,
	}, opts...)
	var collectorOpts []evidence.Option
	if cfg.Firecrawl.Key != "" {
		fc := firecrawl.NewClient(cfg.Firecrawl.Key, firecrawl.WithBaseURL(cfg.Firecrawl.BaseURL))
		collectorOpts = append(collectorOpts, evidence.WithSource(evidence.NewFirecrawlSource(fc)))
	}
	env.Collector = evidence.NewCollector(st, env.Orch.Deduplicator(), env.Orch, collectorOpts...)

	switch cfg.Scheduler.Driver {
	case config.DriverAsynq:
		c := asynq.NewClient(redisOpt())
		env.closers = append(env.closers, func() { _ = c.Close() })
		env.QueueWaker = queue.NewWaker(c, cfg.Redis.Queue)
		env.Orch.SetWaker(env.QueueWaker)
	case config.DriverTemporal:
		c, err := workflow.Dial(cfg.Temporal.HostPort, cfg.Temporal.Namespace)
		if err != nil {
			env.Close()
			return nil, err
		}
		env.closers = append(env.closers, c.Close)
		env.Temporal = c
		env.Orch.SetWaker(workflow.NewWaker(c, cfg.Temporal.TaskQueue, cfg.Scheduler.MinTick()))
	}

	zap.L().Debug("environment ready",
		zap.String("store", cfg.Store.Driver),
		zap.String("scheduler", cfg.Scheduler.Driver),
		zap.Int("providers", len(adapters)),
		zap.Bool("archive", cfg.Archive.Bucket != ""),
	)
	return env, nil
}
