// Package chatmodel adapts an eino chat model (Ark in production) to the
// engine interface. Chat APIs keep no server-side cache, so the execution
// state is the transcript evaluated so far and every generation replays it
// as a completion-style prompt.
package chatmodel

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/kvtavern/internal/engine"
)

// ContinuationInstruction asks a chat model to behave like a completion model.
const ContinuationInstruction = "Continue the transcript below. Write only the next assistant reply, " +
	"without repeating the transcript and without speaker labels."

// Engine wraps an eino chat model.
type Engine struct {
	chatModel   model.BaseChatModel
	transcripts *engine.Transcripts
}

var _ engine.Engine = (*Engine)(nil)

// New creates an adapter. maxStates caps live transcripts (0 = unlimited).
func New(chatModel model.BaseChatModel, maxStates int) *Engine {
	return &Engine{
		chatModel:   chatModel,
		transcripts: engine.NewTranscripts("chat", maxStates),
	}
}

func (e *Engine) Tokenize(_ context.Context, text string) (engine.Tokens, error) {
	return engine.EncodeBytes(text), nil
}

func (e *Engine) AllocateState(_ context.Context) (engine.State, error) {
	return e.transcripts.Allocate()
}

func (e *Engine) Evaluate(_ context.Context, st engine.State, toks engine.Tokens) error {
	return e.transcripts.Append(st, engine.DecodeBytes(toks))
}

// Generate sends the transcript to the chat model and appends the reply to it.
func (e *Engine) Generate(ctx context.Context, st engine.State, p engine.GenerateParams) (string, error) {
	transcript, err := e.transcripts.Text(st)
	if err != nil {
		return "", err
	}

	messages := []*schema.Message{
		schema.SystemMessage(ContinuationInstruction),
		schema.UserMessage(transcript),
	}

	opts := []model.Option{model.WithTemperature(float32(p.Temperature))}
	if p.MaxTokens > 0 {
		opts = append(opts, model.WithMaxTokens(p.MaxTokens))
	}
	if len(p.Stop) > 0 {
		opts = append(opts, model.WithStop(p.Stop))
	}

	resp, err := e.chatModel.Generate(ctx, messages, opts...)
	if err != nil {
		return "", fmt.Errorf("failed to run chat model: %w", err)
	}
	if resp == nil {
		return "", fmt.Errorf("chat model returned no message")
	}

	text := engine.CutAtStop(resp.Content, p.Stop)
	if err := e.transcripts.Append(st, text); err != nil {
		return "", err
	}
	return text, nil
}

func (e *Engine) Release(st engine.State) error {
	return e.transcripts.Release(st)
}

// Live returns the number of live transcripts.
func (e *Engine) Live() int {
	return e.transcripts.Len()
}
