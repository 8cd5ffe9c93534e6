package provider

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/theonetruejesse/judge-gym/internal/model"
	"github.com/theonetruejesse/judge-gym/pkg/anthropic"
)

const defaultMaxTokens = 4096

// AnthropicConfig tunes the Anthropic adapter.
type AnthropicConfig struct {
	MaxTokens         int64
	RequestsPerSecond float64
}

// Anthropic is the Message Batches adapter.
type Anthropic struct {
	client    anthropic.Client
	limiter   *rate.Limiter
	maxTokens int64
	log       *zap.Logger
}

// NewAnthropic wraps client. API calls are throttled to RequestsPerSecond
// when it is positive.
func NewAnthropic(client anthropic.Client, cfg AnthropicConfig) *Anthropic {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Anthropic{
		client:    client,
		limiter:   rate.NewLimiter(limit, 1),
		maxTokens: maxTokens,
		log:       zap.L().With(zap.String("component", "provider.anthropic")),
	}
}

// Provider implements Adapter.
func (a *Anthropic) Provider() model.Provider { return model.ProviderAnthropic }

// SubmitBatch implements Adapter.
func (a *Anthropic) SubmitBatch(ctx context.Context, modelName string, items []Item) (string, error) {
	if len(items) == 0 {
		return "", eris.New("anthropic: empty batch")
	}
	req := anthropic.BatchRequest{Requests: make([]anthropic.BatchRequestItem, len(items))}
	for i, it := range items {
		req.Requests[i] = anthropic.BatchRequestItem{
			CustomID: it.CustomID,
			Params: anthropic.MessageRequest{
				Model:     modelName,
				MaxTokens: a.maxTokens,
				System:    it.System,
				Messages:  []anthropic.Message{{Role: "user", Content: it.User}},
			},
		}
	}

	if err := a.limiter.Wait(ctx); err != nil {
		return "", eris.Wrap(err, "anthropic: rate limit wait")
	}
	resp, err := a.client.CreateBatch(ctx, req)
	if err != nil {
		return "", err
	}
	a.log.Info("batch submitted",
		zap.String("provider_batch_id", resp.ID),
		zap.String("model", modelName),
		zap.Int("items", len(items)),
	)
	return resp.ID, nil
}

// PollBatch implements Adapter. Results are fetched only once the batch ended.
func (a *Anthropic) PollBatch(ctx context.Context, providerBatchID string) (*Poll, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "anthropic: rate limit wait")
	}
	batch, err := a.client.GetBatch(ctx, providerBatchID)
	if err != nil {
		return nil, err
	}
	if !batch.Ended() {
		return &Poll{}, nil
	}

	if err := a.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "anthropic: rate limit wait")
	}
	iter, err := a.client.GetBatchResults(ctx, providerBatchID)
	if err != nil {
		return nil, err
	}
	collected, err := anthropic.CollectBatchResults(iter)
	if err != nil {
		return nil, err
	}

	poll := &Poll{Done: true, Results: make([]Result, 0, len(collected.Succeeded)+len(collected.Failures))}
	for id, msg := range collected.Succeeded {
		poll.Results = append(poll.Results, Result{
			CustomID:     id,
			Output:       msg.Text(),
			InputTokens:  msg.Usage.InputTokens,
			OutputTokens: msg.Usage.OutputTokens,
		})
	}
	for _, f := range collected.Failures {
		poll.Results = append(poll.Results, Result{CustomID: f.CustomID, Error: f.Error})
	}
	return poll, nil
}
