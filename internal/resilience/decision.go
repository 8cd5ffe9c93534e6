package resilience

import (
	"time"

	"github.com/theonetruejesse/judge-gym/internal/model"
)

// Decision is the outcome of a failed attempt: either re-queue with a retry
// time or give up with a terminal error.
type Decision struct {
	Status      model.RequestStatus
	Attempt     int
	LastError   string
	NextRetryAt *time.Time
}

// Retry reports whether the decision re-queues the work.
func (d Decision) Retry() bool { return d.Status == model.RequestQueued }

// Decide computes the next state after a failure on attempt. Backoff is
// supplied by the caller on every call so it can escalate; Decide itself adds
// no jitter and has no side effects.
func Decide(attempt, maxRetries int, now time.Time, backoff time.Duration, lastErr string) Decision {
	next := attempt + 1
	if next <= maxRetries {
		at := now.Add(backoff)
		return Decision{
			Status:      model.RequestQueued,
			Attempt:     next,
			LastError:   lastErr,
			NextRetryAt: &at,
		}
	}
	return Decision{
		Status:    model.RequestError,
		Attempt:   next,
		LastError: lastErr,
	}
}

// Apply writes the decision onto a request.
func (d Decision) Apply(req *model.LlmRequest) {
	req.Status = d.Status
	req.Attempt = d.Attempt
	req.LastError = d.LastError
	req.NextRetryAt = d.NextRetryAt
	if d.Retry() {
		req.BatchID = ""
	}
}
