package anthropic

import (
	"context"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockClient implements Client for testing.
type MockClient struct {
	mock.Mock
}

func (m *MockClient) CreateBatch(ctx context.Context, req BatchRequest) (*BatchResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*BatchResponse), args.Error(1)
}

func (m *MockClient) GetBatch(ctx context.Context, batchID string) (*BatchResponse, error) {
	args := m.Called(ctx, batchID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*BatchResponse), args.Error(1)
}

func (m *MockClient) GetBatchResults(ctx context.Context, batchID string) (BatchResultIterator, error) {
	args := m.Called(ctx, batchID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(BatchResultIterator), args.Error(1)
}

// MockBatchResultIterator implements BatchResultIterator for testing.
type MockBatchResultIterator struct {
	items []BatchResultItem
	idx   int
	err   error
}

// NewMockBatchResultIterator creates an iterator that yields the given items.
func NewMockBatchResultIterator(items []BatchResultItem) *MockBatchResultIterator {
	return &MockBatchResultIterator{items: items, idx: -1}
}

// NewMockBatchResultIteratorWithError creates an iterator that fails after
// yielding the given items.
func NewMockBatchResultIteratorWithError(items []BatchResultItem, err error) *MockBatchResultIterator {
	return &MockBatchResultIterator{items: items, idx: -1, err: err}
}

func (m *MockBatchResultIterator) Next() bool {
	if m.idx+1 < len(m.items) {
		m.idx++
		return true
	}
	return false
}

func (m *MockBatchResultIterator) Item() BatchResultItem {
	return m.items[m.idx]
}

func (m *MockBatchResultIterator) Err() error {
	if m.idx+1 >= len(m.items) {
		return m.err
	}
	return nil
}

func (m *MockBatchResultIterator) Close() error {
	return nil
}

func TestCreateBatch_MockClient(t *testing.T) {
	mc := new(MockClient)
	ctx := context.Background()

	req := BatchRequest{
		Requests: []BatchRequestItem{
			{CustomID: "r1", Params: MessageRequest{
				Model: "claude-haiku-4-5-20251001", MaxTokens: 512,
				Messages: []Message{{Role: "user", Content: "Score this"}},
			}},
		},
	}
	mc.On("CreateBatch", ctx, req).Return(&BatchResponse{ID: "batch_abc", ProcessingStatus: StatusInProgress}, nil)

	resp, err := mc.CreateBatch(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "batch_abc", resp.ID)
	assert.False(t, resp.Ended())

	mc.AssertExpectations(t)
}

func TestMessageResponse_Text(t *testing.T) {
	resp := &MessageResponse{Content: []ContentBlock{
		{Type: "text", Text: "Reasoning.\n"},
		{Type: "thinking", Text: "hidden"},
		{Type: "text", Text: "VERDICT: B"},
	}}
	assert.Equal(t, "Reasoning.\nVERDICT: B", resp.Text())
}

func TestToSDKMessages(t *testing.T) {
	msgs := toSDKMessages([]Message{
		{Role: "user", Content: "q"},
		{Role: "assistant", Content: "a"},
		{Role: "other", Content: "x"},
	})
	require.Len(t, msgs, 3)
	assert.Equal(t, sdk.MessageParamRoleUser, msgs[0].Role)
	assert.Equal(t, sdk.MessageParamRoleAssistant, msgs[1].Role)
	assert.Equal(t, sdk.MessageParamRoleUser, msgs[2].Role)
}

func TestFromSDKBatch(t *testing.T) {
	resp := fromSDKBatch(&sdk.MessageBatch{
		ID:               "batch_1",
		ProcessingStatus: sdk.MessageBatchProcessingStatusEnded,
		ResultsURL:       "https://example.com/results",
		RequestCounts:    sdk.MessageBatchRequestCounts{Succeeded: 3, Errored: 1},
	})
	assert.Equal(t, "batch_1", resp.ID)
	assert.True(t, resp.Ended())
	assert.Equal(t, int64(3), resp.RequestCounts.Succeeded)
	assert.Equal(t, int64(1), resp.RequestCounts.Errored)
}

func TestFromSDKBatchResult(t *testing.T) {
	ok := fromSDKBatchResult(sdk.MessageBatchIndividualResponse{
		CustomID: "r1",
		Result: sdk.MessageBatchResultUnion{
			Type: "succeeded",
			Message: sdk.Message{
				ID:      "msg_1",
				Content: []sdk.ContentBlockUnion{{Type: "text", Text: "out"}},
				Usage:   sdk.Usage{InputTokens: 200, OutputTokens: 30},
			},
		},
	})
	require.NotNil(t, ok.Message)
	assert.Equal(t, "out", ok.Message.Text())
	assert.Equal(t, int64(200), ok.Message.Usage.InputTokens)
	assert.Empty(t, ok.ErrorText)

	failed := fromSDKBatchResult(sdk.MessageBatchIndividualResponse{
		CustomID: "r2",
		Result:   sdk.MessageBatchResultUnion{Type: "expired"},
	})
	assert.Nil(t, failed.Message)
	assert.Equal(t, "expired", failed.ErrorText)
}
