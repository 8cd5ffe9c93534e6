package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theonetruejesse/judge-gym/internal/model"
)

func TestDecide_Examples(t *testing.T) {
	t.Parallel()

	now := time.UnixMilli(1_000_000)

	d := Decide(0, 2, now, 5000*time.Millisecond, "x")
	assert.Equal(t, model.RequestQueued, d.Status)
	assert.Equal(t, 1, d.Attempt)
	assert.Equal(t, "x", d.LastError)
	require.NotNil(t, d.NextRetryAt)
	assert.Equal(t, int64(1_005_000), d.NextRetryAt.UnixMilli())
	assert.True(t, d.Retry())

	d = Decide(2, 2, now, 5000*time.Millisecond, "x")
	assert.Equal(t, model.RequestError, d.Status)
	assert.Equal(t, 3, d.Attempt)
	assert.Nil(t, d.NextRetryAt)
	assert.False(t, d.Retry())
}

func TestDecide_Boundary(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for maxRetries := 0; maxRetries <= 5; maxRetries++ {
		for attempt := 0; attempt <= maxRetries+2; attempt++ {
			d := Decide(attempt, maxRetries, now, time.Second, "boom")
			assert.Equal(t, attempt+1, d.Attempt)
			if attempt < maxRetries {
				assert.Equal(t, model.RequestQueued, d.Status, "attempt=%d max=%d", attempt, maxRetries)
				require.NotNil(t, d.NextRetryAt)
				assert.Equal(t, now.Add(time.Second), *d.NextRetryAt)
			} else {
				assert.Equal(t, model.RequestError, d.Status, "attempt=%d max=%d", attempt, maxRetries)
				assert.Nil(t, d.NextRetryAt)
			}
		}
	}
}

func TestDecision_Apply(t *testing.T) {
	t.Parallel()

	now := time.Now()
	req := &model.LlmRequest{Status: model.RequestRunning, BatchID: "b1"}
	Decide(0, 1, now, time.Minute, "timeout").Apply(req)
	assert.Equal(t, model.RequestQueued, req.Status)
	assert.Equal(t, 1, req.Attempt)
	assert.Empty(t, req.BatchID)
	assert.Equal(t, "timeout", req.LastError)

	req = &model.LlmRequest{Status: model.RequestRunning, BatchID: "b1", Attempt: 1}
	Decide(1, 1, now, time.Minute, "timeout").Apply(req)
	assert.Equal(t, model.RequestError, req.Status)
	assert.Equal(t, "b1", req.BatchID)
	assert.Nil(t, req.NextRetryAt)
}
