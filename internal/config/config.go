package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/theonetruejesse/judge-gym/internal/cost"
	"github.com/theonetruejesse/judge-gym/internal/model"
)

// Scheduler drivers.
const (
	DriverInline   = "inline"
	DriverAsynq    = "asynq"
	DriverTemporal = "temporal"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Firecrawl FirecrawlConfig `yaml:"firecrawl" mapstructure:"firecrawl"`
	Policy    model.RunPolicy `yaml:"policy" mapstructure:"policy"`
	Scheduler SchedulerConfig `yaml:"scheduler" mapstructure:"scheduler"`
	Redis     RedisConfig     `yaml:"redis" mapstructure:"redis"`
	Temporal  TemporalConfig  `yaml:"temporal" mapstructure:"temporal"`
	Archive   ArchiveConfig   `yaml:"archive" mapstructure:"archive"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Pricing   cost.Rates      `yaml:"pricing" mapstructure:"pricing"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // postgres | sqlite
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key               string  `yaml:"key" mapstructure:"key"`
	MaxTokens         int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
}

// FirecrawlConfig configures news search. An empty key disables it.
type FirecrawlConfig struct {
	Key         string `yaml:"key" mapstructure:"key"`
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	SearchLimit int    `yaml:"search_limit" mapstructure:"search_limit"`
}

// SchedulerConfig selects the scheduler driver.
type SchedulerConfig struct {
	Driver           string `yaml:"driver" mapstructure:"driver"`
	MinTickMs        int    `yaml:"min_tick_ms" mapstructure:"min_tick_ms"`
	MaxItemsPerBatch int    `yaml:"max_items_per_batch" mapstructure:"max_items_per_batch"`
	Concurrency      int    `yaml:"concurrency" mapstructure:"concurrency"`
}

// MinTick returns the minimum tick spacing as a duration.
func (s SchedulerConfig) MinTick() time.Duration {
	return time.Duration(s.MinTickMs) * time.Millisecond
}

// RedisConfig configures the asynq broker.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
	Queue    string `yaml:"queue" mapstructure:"queue"`
}

// TemporalConfig configures the Temporal scheduler driver.
type TemporalConfig struct {
	HostPort  string `yaml:"host_port" mapstructure:"host_port"`
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
	TaskQueue string `yaml:"task_queue" mapstructure:"task_queue"`
}

// ArchiveConfig configures S3 archival of raw batch results. An empty bucket
// disables archiving.
type ArchiveConfig struct {
	Bucket    string `yaml:"bucket" mapstructure:"bucket"`
	Endpoint  string `yaml:"endpoint" mapstructure:"endpoint"`
	Region    string `yaml:"region" mapstructure:"region"`
	AccessKey string `yaml:"access_key" mapstructure:"access_key"`
	SecretKey string `yaml:"secret_key" mapstructure:"secret_key"`
}

// ServerConfig configures the HTTP control surface.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("JUDGE_GYM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	def := model.DefaultRunPolicy()
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.sqlite_path", "judge-gym.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("anthropic.max_tokens", 4096)
	v.SetDefault("anthropic.requests_per_second", 2)
	v.SetDefault("firecrawl.base_url", "https://api.firecrawl.dev/v2")
	v.SetDefault("firecrawl.search_limit", 15)
	v.SetDefault("policy.poll_interval_ms", def.PollIntervalMs)
	v.SetDefault("policy.max_batch_size", def.MaxBatchSize)
	v.SetDefault("policy.max_new_batches_per_tick", def.MaxNewBatchesPerTick)
	v.SetDefault("policy.max_poll_per_tick", def.MaxPollPerTick)
	v.SetDefault("policy.max_concurrent_batches", def.MaxConcurrentBatches)
	v.SetDefault("policy.max_batch_retries", def.MaxBatchRetries)
	v.SetDefault("policy.max_request_attempts", def.MaxRequestAttempts)
	v.SetDefault("policy.retry_backoff_ms", def.RetryBackoffMs)
	v.SetDefault("scheduler.driver", DriverInline)
	v.SetDefault("scheduler.min_tick_ms", 500)
	v.SetDefault("scheduler.concurrency", 2)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.queue", "scheduler")
	v.SetDefault("temporal.host_port", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "judge-gym")
	v.SetDefault("archive.region", "us-east-1")
	v.SetDefault("server.port", 8080)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	// Lists and maps have no useful viper default.
	if len(cfg.Policy.ProviderModels) == 0 {
		cfg.Policy.ProviderModels = def.ProviderModels
	}
	if len(cfg.Pricing.Anthropic) == 0 {
		cfg.Pricing = cost.DefaultRates()
	}

	return &cfg, nil
}

// Validate checks the settings a command mode depends on.
func (c *Config) Validate(mode string) error {
	var errs []string
	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for the postgres driver")
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			errs = append(errs, "store.sqlite_path is required for the sqlite driver")
		}
	default:
		errs = append(errs, "store.driver must be postgres or sqlite")
	}
	if err := c.Policy.Validate(); err != nil {
		errs = append(errs, err.Error())
	}

	switch mode {
	case "cli":
	case "tick", "worker", "serve":
		if c.Anthropic.Key == "" {
			errs = append(errs, "anthropic.key is required")
		}
		switch c.Scheduler.Driver {
		case DriverInline:
		case DriverAsynq:
			if c.Redis.Addr == "" {
				errs = append(errs, "redis.addr is required for the asynq driver")
			}
		case DriverTemporal:
			if c.Temporal.HostPort == "" || c.Temporal.TaskQueue == "" {
				errs = append(errs, "temporal.host_port and temporal.task_queue are required for the temporal driver")
			}
		default:
			errs = append(errs, "scheduler.driver must be inline, asynq or temporal")
		}
		if mode == "serve" && c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
