package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRunPolicyValid(t *testing.T) {
	t.Parallel()
	require.NoError(t, DefaultRunPolicy().Validate())
}

func TestRunPolicyValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(p *RunPolicy)
	}{
		{"poll interval too small", func(p *RunPolicy) { p.PollIntervalMs = 100 }},
		{"zero batch size", func(p *RunPolicy) { p.MaxBatchSize = 0 }},
		{"zero new batches", func(p *RunPolicy) { p.MaxNewBatchesPerTick = 0 }},
		{"zero poll per tick", func(p *RunPolicy) { p.MaxPollPerTick = 0 }},
		{"negative retries", func(p *RunPolicy) { p.MaxBatchRetries = -1 }},
		{"zero attempts", func(p *RunPolicy) { p.MaxRequestAttempts = 0 }},
		{"no providers", func(p *RunPolicy) { p.ProviderModels = nil }},
		{"provider without models", func(p *RunPolicy) {
			p.ProviderModels = []ProviderModels{{Provider: ProviderAnthropic}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := DefaultRunPolicy()
			tt.mutate(&p)
			assert.Error(t, p.Validate())
		})
	}
}

func TestRunPolicyAllows(t *testing.T) {
	t.Parallel()

	p := RunPolicy{ProviderModels: []ProviderModels{
		{Provider: ProviderAnthropic, Models: []string{"claude-a"}},
	}}
	assert.True(t, p.Allows(ProviderAnthropic, "claude-a"))
	assert.False(t, p.Allows(ProviderAnthropic, "claude-b"))
	assert.False(t, p.Allows(ProviderOpenAI, "claude-a"))
}

func TestProviderForModel(t *testing.T) {
	t.Parallel()

	assert.Equal(t, ProviderAnthropic, ProviderForModel("claude-sonnet-4-5-20250929"))
	assert.Equal(t, ProviderOpenAI, ProviderForModel("gpt-4.1-mini"))
	assert.Equal(t, Provider(""), ProviderForModel("mystery"))
}
