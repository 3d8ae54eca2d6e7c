package chatmodel

import (
	"context"
	"errors"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/kvtavern/internal/engine"
)

type mockChatModel struct {
	mock.Mock
}

func (m *mockChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	args := m.Called(ctx, input, opts)
	msg, _ := args.Get(0).(*schema.Message)
	return msg, args.Error(1)
}

func (m *mockChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	args := m.Called(ctx, input, opts)
	reader, _ := args.Get(0).(*schema.StreamReader[*schema.Message])
	return reader, args.Error(1)
}

func TestGenerateSendsTranscriptAndOptions(t *testing.T) {
	cm := &mockChatModel{}
	eng := New(cm, 0)
	ctx := context.Background()

	st, err := eng.AllocateState(ctx)
	require.NoError(t, err)
	require.NoError(t, eng.Evaluate(ctx, st, engine.EncodeBytes("sys\nUser: hi\nAssistant:")))

	cm.On("Generate", mock.Anything, mock.MatchedBy(func(msgs []*schema.Message) bool {
		return len(msgs) == 2 &&
			msgs[0].Role == schema.System && msgs[0].Content == ContinuationInstruction &&
			msgs[1].Role == schema.User && msgs[1].Content == "sys\nUser: hi\nAssistant:"
	}), mock.MatchedBy(func(opts []model.Option) bool {
		o := model.GetCommonOptions(nil, opts...)
		return o.MaxTokens != nil && *o.MaxTokens == 64 &&
			o.Temperature != nil && *o.Temperature == float32(0.5) &&
			len(o.Stop) == 1 && o.Stop[0] == "\n"
	})).Return(schema.AssistantMessage(" Welcome!\nUser: hi", nil), nil).Once()

	reply, err := eng.Generate(ctx, st, engine.GenerateParams{MaxTokens: 64, Temperature: 0.5, Stop: []string{"\n"}})
	require.NoError(t, err)
	assert.Equal(t, " Welcome!", reply)

	text, err := eng.transcripts.Text(st)
	require.NoError(t, err)
	assert.Equal(t, "sys\nUser: hi\nAssistant: Welcome!", text)
	cm.AssertExpectations(t)
}

func TestGenerateErrorKeepsTranscript(t *testing.T) {
	cm := &mockChatModel{}
	eng := New(cm, 0)
	ctx := context.Background()

	st, err := eng.AllocateState(ctx)
	require.NoError(t, err)
	require.NoError(t, eng.Evaluate(ctx, st, engine.EncodeBytes("sys")))

	cm.On("Generate", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("quota exceeded")).Once()

	_, err = eng.Generate(ctx, st, engine.GenerateParams{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")

	text, err := eng.transcripts.Text(st)
	require.NoError(t, err)
	assert.Equal(t, "sys", text)
}

func TestCapacity(t *testing.T) {
	eng := New(&mockChatModel{}, 1)
	ctx := context.Background()

	st, err := eng.AllocateState(ctx)
	require.NoError(t, err)
	_, err = eng.AllocateState(ctx)
	assert.ErrorIs(t, err, engine.ErrNoCapacity)
	assert.Equal(t, 1, eng.Live())

	require.NoError(t, eng.Release(st))
	assert.Equal(t, 0, eng.Live())
}
