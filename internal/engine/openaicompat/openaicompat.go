// Package openaicompat drives any server exposing the OpenAI legacy
// completions endpoint (OpenAI itself, llama.cpp's /v1, vLLM). Prompt
// caching, if any, happens server-side on the shared prefix; locally the
// execution state is the transcript evaluated so far.
package openaicompat

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/zhouzirui/kvtavern/internal/engine"
)

// Options configure the adapter.
type Options struct {
	BaseURL   string
	APIKey    string
	Model     string
	MaxStates int
}

// Engine is an OpenAI-compatible completions adapter.
type Engine struct {
	client      *openai.Client
	model       string
	transcripts *engine.Transcripts
}

var _ engine.Engine = (*Engine)(nil)

// New builds a client from opts.
func New(opts Options) *Engine {
	var clientOpts []option.RequestOption
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := openai.NewClient(clientOpts...)
	return NewFromClient(&client, opts)
}

// NewFromClient wraps an existing client.
func NewFromClient(client *openai.Client, opts Options) *Engine {
	return &Engine{
		client:      client,
		model:       opts.Model,
		transcripts: engine.NewTranscripts("oai", opts.MaxStates),
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

func (e *Engine) Generate(ctx context.Context, st engine.State, p engine.GenerateParams) (string, error) {
	transcript, err := e.transcripts.Text(st)
	if err != nil {
		return "", err
	}

	params := openai.CompletionNewParams{
		Model:       openai.CompletionNewParamsModel(e.model),
		Prompt:      openai.CompletionNewParamsPromptUnion{OfString: openai.String(transcript)},
		Temperature: openai.Float(p.Temperature),
	}
	if p.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(p.MaxTokens))
	}
	if len(p.Stop) > 0 {
		params.Stop = openai.CompletionNewParamsStopUnion{OfStringArray: p.Stop}
	}

	resp, err := e.client.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai completions error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices returned")
	}

	text := engine.CutAtStop(resp.Choices[0].Text, p.Stop)
	if err := e.transcripts.Append(st, text); err != nil {
		return "", err
	}
	return text, nil
}

func (e *Engine) Release(st engine.State) error {
	return e.transcripts.Release(st)
}
