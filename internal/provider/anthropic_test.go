package provider

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/theonetruejesse/judge-gym/internal/model"
	"github.com/theonetruejesse/judge-gym/pkg/anthropic"
)

type mockClient struct {
	mock.Mock
}

func (m *mockClient) CreateBatch(ctx context.Context, req anthropic.BatchRequest) (*anthropic.BatchResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.BatchResponse), args.Error(1)
}

func (m *mockClient) GetBatch(ctx context.Context, batchID string) (*anthropic.BatchResponse, error) {
	args := m.Called(ctx, batchID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.BatchResponse), args.Error(1)
}

func (m *mockClient) GetBatchResults(ctx context.Context, batchID string) (anthropic.BatchResultIterator, error) {
	args := m.Called(ctx, batchID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(anthropic.BatchResultIterator), args.Error(1)
}

type sliceIter struct {
	items []anthropic.BatchResultItem
	idx   int
}

func (s *sliceIter) Next() bool {
	if s.idx < len(s.items) {
		s.idx++
		return true
	}
	return false
}
func (s *sliceIter) Item() anthropic.BatchResultItem { return s.items[s.idx-1] }
func (s *sliceIter) Err() error                      { return nil }
func (s *sliceIter) Close() error                    { return nil }

func TestAnthropic_SubmitBatch(t *testing.T) {
	mc := new(mockClient)
	a := NewAnthropic(mc, AnthropicConfig{MaxTokens: 1000})
	ctx := context.Background()

	mc.On("CreateBatch", ctx, mock.MatchedBy(func(req anthropic.BatchRequest) bool {
		return len(req.Requests) == 2 &&
			req.Requests[0].CustomID == "r1" &&
			req.Requests[0].Params.System == "sys" &&
			req.Requests[0].Params.MaxTokens == 1000 &&
			req.Requests[1].Params.Messages[0].Content == "u2"
	})).Return(&anthropic.BatchResponse{ID: "msgbatch_1"}, nil)

	id, err := a.SubmitBatch(ctx, "claude-haiku-4-5-20251001", []Item{
		{CustomID: "r1", System: "sys", User: "u1"},
		{CustomID: "r2", System: "sys", User: "u2"},
	})
	require.NoError(t, err)
	assert.Equal(t, "msgbatch_1", id)
	assert.Equal(t, model.ProviderAnthropic, a.Provider())
	mc.AssertExpectations(t)
}

func TestAnthropic_SubmitBatch_Empty(t *testing.T) {
	a := NewAnthropic(new(mockClient), AnthropicConfig{})
	_, err := a.SubmitBatch(context.Background(), "m", nil)
	require.Error(t, err)
}

func TestAnthropic_PollBatch_InProgress(t *testing.T) {
	mc := new(mockClient)
	a := NewAnthropic(mc, AnthropicConfig{RequestsPerSecond: 100})
	ctx := context.Background()

	mc.On("GetBatch", ctx, "b1").Return(&anthropic.BatchResponse{ID: "b1", ProcessingStatus: anthropic.StatusInProgress}, nil)

	poll, err := a.PollBatch(ctx, "b1")
	require.NoError(t, err)
	assert.False(t, poll.Done)
	mc.AssertNotCalled(t, "GetBatchResults", mock.Anything, mock.Anything)
}

func TestAnthropic_PollBatch_Ended(t *testing.T) {
	mc := new(mockClient)
	a := NewAnthropic(mc, AnthropicConfig{})
	ctx := context.Background()

	mc.On("GetBatch", ctx, "b1").Return(&anthropic.BatchResponse{ID: "b1", ProcessingStatus: anthropic.StatusEnded}, nil)
	mc.On("GetBatchResults", ctx, "b1").Return(&sliceIter{items: []anthropic.BatchResultItem{
		{CustomID: "r1", Type: "succeeded", Message: &anthropic.MessageResponse{
			Content: []anthropic.ContentBlock{{Type: "text", Text: "VERDICT: A"}},
			Usage:   anthropic.TokenUsage{InputTokens: 12, OutputTokens: 3},
		}},
		{CustomID: "r2", Type: "expired"},
	}}, nil)

	poll, err := a.PollBatch(ctx, "b1")
	require.NoError(t, err)
	require.True(t, poll.Done)
	require.Len(t, poll.Results, 2)
	sort.Slice(poll.Results, func(i, j int) bool { return poll.Results[i].CustomID < poll.Results[j].CustomID })
	assert.Equal(t, Result{CustomID: "r1", Output: "VERDICT: A", InputTokens: 12, OutputTokens: 3}, poll.Results[0])
	assert.Equal(t, Result{CustomID: "r2", Error: "expired"}, poll.Results[1])
}

func TestAnthropic_PollBatch_TransportError(t *testing.T) {
	mc := new(mockClient)
	a := NewAnthropic(mc, AnthropicConfig{})
	ctx := context.Background()

	mc.On("GetBatch", ctx, "b1").Return(nil, errors.New("connection reset"))

	_, err := a.PollBatch(ctx, "b1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestRegistry(t *testing.T) {
	a := NewAnthropic(new(mockClient), AnthropicConfig{})
	reg := NewRegistry(a)

	got, err := reg.Get(model.ProviderAnthropic)
	require.NoError(t, err)
	assert.Same(t, a, got)

	_, err = reg.Get(model.ProviderOpenAI)
	require.Error(t, err)
}
