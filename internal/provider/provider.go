// Package provider adapts LLM vendor batch APIs to one submit/poll contract.
package provider

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/theonetruejesse/judge-gym/internal/model"
)

// Item is one request inside a provider batch. CustomID is the LlmRequest ID.
type Item struct {
	CustomID string
	System   string
	User     string
}

// Result is the outcome of one batch item.
type Result struct {
	CustomID     string `json:"custom_id"`
	Output       string `json:"output,omitempty"`
	InputTokens  int64  `json:"input_tokens,omitempty"`
	OutputTokens int64  `json:"output_tokens,omitempty"`
	// Error is set when the item did not succeed.
	Error string `json:"error,omitempty"`
}

// Poll is the state of a provider batch.
type Poll struct {
	Done    bool
	Results []Result
}

// Adapter submits and polls provider batches.
type Adapter interface {
	Provider() model.Provider
	SubmitBatch(ctx context.Context, modelName string, items []Item) (providerBatchID string, err error)
	PollBatch(ctx context.Context, providerBatchID string) (*Poll, error)
}

// Registry resolves adapters by provider.
type Registry map[model.Provider]Adapter

// NewRegistry indexes adapters by their provider.
func NewRegistry(adapters ...Adapter) Registry {
	r := make(Registry, len(adapters))
	for _, a := range adapters {
		r[a.Provider()] = a
	}
	return r
}

// Get returns the adapter for p.
func (r Registry) Get(p model.Provider) (Adapter, error) {
	a, ok := r[p]
	if !ok {
		return nil, eris.Errorf("provider: no adapter for %q", p)
	}
	return a, nil
}
