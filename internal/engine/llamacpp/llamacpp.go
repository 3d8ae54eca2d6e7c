// Package llamacpp maps execution states onto llama-server slots. Each
// state reserves one slot for its whole lifetime and every request carries
// the slot id with cache_prompt enabled, so the server only evaluates the
// tokens appended since the previous call. The number of slots is the
// server's --parallel value.
package llamacpp

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/go-resty/resty/v2"

	"github.com/zhouzirui/kvtavern/internal/engine"
)

// Config configures the adapter.
type Config struct {
	ClientConfig
	Slots int
}

type slotState struct {
	slot int

	mu     sync.Mutex
	tokens engine.Tokens
}

func (s *slotState) ID() string { return "slot-" + strconv.Itoa(s.slot) }

func (s *slotState) prompt(extra engine.Tokens) []int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int32, 0, len(s.tokens)+len(extra))
	for _, t := range s.tokens {
		out = append(out, int32(t))
	}
	for _, t := range extra {
		out = append(out, int32(t))
	}
	return out
}

func (s *slotState) extend(toks engine.Tokens) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = append(s.tokens, toks...)
}

// Engine talks to a llama-server instance.
type Engine struct {
	client *resty.Client
	free   chan int

	mu   sync.Mutex
	live map[int]*slotState
}

var _ engine.Engine = (*Engine)(nil)

// New creates an adapter with cfg.Slots reservable slots.
func New(cfg Config) *Engine {
	return NewWithClient(newRestyClient(cfg.ClientConfig), cfg.Slots)
}

// NewWithClient uses an existing resty client.
func NewWithClient(client *resty.Client, slots int) *Engine {
	if slots < 1 {
		slots = 1
	}
	free := make(chan int, slots)
	for i := 0; i < slots; i++ {
		free <- i
	}
	return &Engine{
		client: client,
		free:   free,
		live:   make(map[int]*slotState),
	}
}

func (e *Engine) post(ctx context.Context, path string, body, out any) error {
	var apiErr errorResponse
	resp, err := e.client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(out).
		SetError(&apiErr).
		Post(path)
	if err != nil {
		return fmt.Errorf("llama-server %s: %w", path, err)
	}
	if resp.IsError() {
		msg := apiErr.Error.Message
		if msg == "" {
			msg = resp.String()
		}
		return fmt.Errorf("llama-server %s: status %d: %s", path, resp.StatusCode(), msg)
	}
	return nil
}

// Tokenize uses the server's tokenizer so token ids match the loaded model.
func (e *Engine) Tokenize(ctx context.Context, text string) (engine.Tokens, error) {
	var out tokenizeResponse
	if err := e.post(ctx, "/tokenize", tokenizeRequest{Content: text}, &out); err != nil {
		return nil, err
	}
	toks := make(engine.Tokens, len(out.Tokens))
	for i, t := range out.Tokens {
		toks[i] = engine.Token(t)
	}
	return toks, nil
}

// AllocateState reserves a free slot or fails with ErrNoCapacity.
func (e *Engine) AllocateState(_ context.Context) (engine.State, error) {
	select {
	case slot := <-e.free:
		st := &slotState{slot: slot}
		e.mu.Lock()
		e.live[slot] = st
		e.mu.Unlock()
		return st, nil
	default:
		return nil, engine.ErrNoCapacity
	}
}

func (e *Engine) lookup(st engine.State) (*slotState, error) {
	s, ok := st.(*slotState)
	if !ok || s == nil {
		return nil, engine.ErrUnknownState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.live[s.slot] != s {
		return nil, engine.ErrUnknownState
	}
	return s, nil
}

// Evaluate fills the slot cache with the new tokens without sampling.
func (e *Engine) Evaluate(ctx context.Context, st engine.State, toks engine.Tokens) error {
	s, err := e.lookup(st)
	if err != nil {
		return err
	}

	req := completionRequest{
		Prompt:      s.prompt(toks),
		NPredict:    0,
		CachePrompt: true,
		IDSlot:      s.slot,
	}
	var out completionResponse
	if err := e.post(ctx, "/completion", req, &out); err != nil {
		return err
	}
	s.extend(toks)
	return nil
}

// Generate samples from the slot and records the generated tokens as part of the state.
func (e *Engine) Generate(ctx context.Context, st engine.State, p engine.GenerateParams) (string, error) {
	s, err := e.lookup(st)
	if err != nil {
		return "", err
	}

	req := completionRequest{
		Prompt:       s.prompt(nil),
		NPredict:     p.MaxTokens,
		CachePrompt:  true,
		IDSlot:       s.slot,
		Temperature:  p.Temperature,
		Stop:         p.Stop,
		ReturnTokens: true,
	}
	var out completionResponse
	if err := e.post(ctx, "/completion", req, &out); err != nil {
		return "", err
	}

	generated := make(engine.Tokens, len(out.Tokens))
	for i, t := range out.Tokens {
		generated[i] = engine.Token(t)
	}
	if len(generated) == 0 && out.Content != "" {
		generated, err = e.Tokenize(ctx, out.Content)
		if err != nil {
			return "", err
		}
	}
	s.extend(generated)
	return out.Content, nil
}

// Release erases the slot's cache and returns the slot to the pool, even
// when the erase request fails.
func (e *Engine) Release(st engine.State) error {
	s, err := e.lookup(st)
	if err != nil {
		return err
	}

	e.mu.Lock()
	delete(e.live, s.slot)
	e.mu.Unlock()
	defer func() { e.free <- s.slot }()

	resp, err := e.client.R().
		SetQueryParam("action", "erase").
		Post("/slots/" + strconv.Itoa(s.slot))
	if err != nil {
		return fmt.Errorf("llama-server erase slot %d: %w", s.slot, err)
	}
	if resp.IsError() {
		return fmt.Errorf("llama-server erase slot %d: status %d", s.slot, resp.StatusCode())
	}
	return nil
}

// FreeSlots returns the number of unreserved slots.
func (e *Engine) FreeSlots() int {
	return len(e.free)
}
