package model

import "github.com/rotisserie/eris"

// ProviderModels lists the models a run may dispatch to one provider.
type ProviderModels struct {
	Provider Provider `json:"provider" yaml:"provider" mapstructure:"provider"`
	Models   []string `json:"models" yaml:"models" mapstructure:"models"`
}

// RunPolicy holds the scheduling and batching knobs of a run.
type RunPolicy struct {
	PollIntervalMs       int              `json:"poll_interval_ms" yaml:"poll_interval_ms" mapstructure:"poll_interval_ms"`
	MaxBatchSize         int              `json:"max_batch_size" yaml:"max_batch_size" mapstructure:"max_batch_size"`
	MaxNewBatchesPerTick int              `json:"max_new_batches_per_tick" yaml:"max_new_batches_per_tick" mapstructure:"max_new_batches_per_tick"`
	MaxPollPerTick       int              `json:"max_poll_per_tick" yaml:"max_poll_per_tick" mapstructure:"max_poll_per_tick"`
	MaxConcurrentBatches int              `json:"max_concurrent_batches,omitempty" yaml:"max_concurrent_batches" mapstructure:"max_concurrent_batches"` // 0 = unlimited
	MaxBatchRetries      int              `json:"max_batch_retries" yaml:"max_batch_retries" mapstructure:"max_batch_retries"`
	MaxRequestAttempts   int              `json:"max_request_attempts" yaml:"max_request_attempts" mapstructure:"max_request_attempts"`
	RetryBackoffMs       int              `json:"retry_backoff_ms" yaml:"retry_backoff_ms" mapstructure:"retry_backoff_ms"`
	ProviderModels       []ProviderModels `json:"provider_models" yaml:"provider_models" mapstructure:"provider_models"`
}

// DefaultRunPolicy returns the policy applied when none is configured.
func DefaultRunPolicy() RunPolicy {
	return RunPolicy{
		PollIntervalMs:       5000,
		MaxBatchSize:         500,
		MaxNewBatchesPerTick: 4,
		MaxPollPerTick:       10,
		MaxBatchRetries:      2,
		MaxRequestAttempts:   2,
		RetryBackoffMs:       60000,
		ProviderModels: []ProviderModels{
			{Provider: ProviderAnthropic, Models: []string{"claude-sonnet-4-5-20250929", "claude-haiku-4-5-20251001"}},
		},
	}
}

// Validate checks the policy bounds.
func (p RunPolicy) Validate() error {
	switch {
	case p.PollIntervalMs < 500:
		return eris.Errorf("policy: poll_interval_ms must be >= 500, got %d", p.PollIntervalMs)
	case p.MaxBatchSize < 1:
		return eris.New("policy: max_batch_size must be >= 1")
	case p.MaxNewBatchesPerTick < 1:
		return eris.New("policy: max_new_batches_per_tick must be >= 1")
	case p.MaxPollPerTick < 1:
		return eris.New("policy: max_poll_per_tick must be >= 1")
	case p.MaxConcurrentBatches < 0:
		return eris.New("policy: max_concurrent_batches must not be negative")
	case p.MaxBatchRetries < 0:
		return eris.New("policy: max_batch_retries must not be negative")
	case p.MaxRequestAttempts < 1:
		return eris.New("policy: max_request_attempts must be >= 1")
	case p.RetryBackoffMs < 0:
		return eris.New("policy: retry_backoff_ms must not be negative")
	case len(p.ProviderModels) == 0:
		return eris.New("policy: provider_models must not be empty")
	}
	for _, pm := range p.ProviderModels {
		if len(pm.Models) == 0 {
			return eris.Errorf("policy: provider %s has no models", pm.Provider)
		}
	}
	return nil
}

// Allows reports whether the policy permits dispatching to provider/model.
func (p RunPolicy) Allows(provider Provider, model string) bool {
	for _, pm := range p.ProviderModels {
		if pm.Provider != provider {
			continue
		}
		for _, m := range pm.Models {
			if m == model {
				return true
			}
		}
	}
	return false
}
