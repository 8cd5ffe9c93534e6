package model

import (
	"strings"
	"time"
)

// Provider names an LLM vendor.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
)

// ProviderForModel infers the provider from a model identifier.
func ProviderForModel(model string) Provider {
	m := strings.ToLower(model)
	switch {
	case strings.HasPrefix(m, "claude"):
		return ProviderAnthropic
	case strings.HasPrefix(m, "gpt"), strings.HasPrefix(m, "o1"), strings.HasPrefix(m, "o3"):
		return ProviderOpenAI
	}
	return ""
}

// RequestStatus is the lifecycle state of an LlmRequest.
type RequestStatus string

const (
	RequestQueued  RequestStatus = "queued"
	RequestRunning RequestStatus = "running"
	RequestSuccess RequestStatus = "success"
	RequestError   RequestStatus = "error"
)

// LlmRequest is the deduplicated unit of LLM work.
type LlmRequest struct {
	ID             string        `json:"id"`
	Stage          Stage         `json:"stage"`
	Provider       Provider      `json:"provider"`
	Model          string        `json:"model"`
	ExperimentID   string        `json:"experiment_id,omitempty"`
	RubricID       string        `json:"rubric_id,omitempty"`
	SampleID       string        `json:"sample_id,omitempty"`
	EvidenceID     string        `json:"evidence_id,omitempty"`
	RequestVersion int           `json:"request_version"`
	IdentityHash   string        `json:"identity_hash"`
	RunID          string        `json:"run_id,omitempty"`
	SystemPrompt   string        `json:"system_prompt,omitempty"`
	UserPrompt     string        `json:"user_prompt,omitempty"`
	Status         RequestStatus `json:"status"`
	Attempt        int           `json:"attempt"`
	LastError      string        `json:"last_error,omitempty"`
	NextRetryAt    *time.Time    `json:"next_retry_at,omitempty"`
	BatchID        string        `json:"batch_id,omitempty"`
	MessageID      string        `json:"message_id,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// LlmMessage is the stored output of a completed request.
type LlmMessage struct {
	ID           string    `json:"id"`
	RequestID    string    `json:"request_id"`
	Provider     Provider  `json:"provider"`
	Model        string    `json:"model"`
	Output       string    `json:"output"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	CreatedAt    time.Time `json:"created_at"`
}

// BatchStatus is the lifecycle state of a provider batch.
type BatchStatus string

const (
	BatchSubmitted BatchStatus = "submitted"
	BatchRunning   BatchStatus = "running"
	BatchComplete  BatchStatus = "complete"
	BatchError     BatchStatus = "error"
)

// Open reports whether the batch still needs polling.
func (s BatchStatus) Open() bool {
	return s == BatchSubmitted || s == BatchRunning
}

// LlmBatch is a provider-side asynchronous batch job.
type LlmBatch struct {
	ID              string      `json:"id"`
	Provider        Provider    `json:"provider"`
	Model           string      `json:"model"`
	ProviderBatchID string      `json:"provider_batch_id"`
	RunID           string      `json:"run_id,omitempty"`
	Status          BatchStatus `json:"status"`
	Attempt         int         `json:"attempt"`
	LastError       string      `json:"last_error,omitempty"`
	LockedUntil     *time.Time  `json:"locked_until,omitempty"`
	NextPollAt      *time.Time  `json:"next_poll_at,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// PollDue reports whether the batch may be polled at now: its lease has
// expired and its next poll time (or creation time) has passed.
func (b *LlmBatch) PollDue(now time.Time) bool {
	if b.LockedUntil != nil && b.LockedUntil.After(now) {
		return false
	}
	due := b.CreatedAt
	if b.NextPollAt != nil {
		due = *b.NextPollAt
	}
	return !due.After(now)
}

// LlmBatchItem links a request to the batch that carries it.
type LlmBatchItem struct {
	BatchID   string `json:"batch_id"`
	RequestID string `json:"request_id"`
	CustomID  string `json:"custom_id"`
}

// SchedulerState is the singleton row gating scheduler wake-ups.
type SchedulerState struct {
	NextTickAt  *time.Time `json:"next_tick_at,omitempty"`
	LockedUntil *time.Time `json:"locked_until,omitempty"`
}
