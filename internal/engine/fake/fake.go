// Package fake provides a deterministic in-process engine. It keeps a
// per-state token log exactly like a KV cache would, uses a byte-level
// tokenizer and produces replies from a pluggable function. It backs the
// "fake" backend for local development and every registry test.
package fake

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zhouzirui/kvtavern/internal/engine"
)

// Replier builds a completion from the text evaluated by the latest Evaluate call.
type Replier func(lastEvaluated string) string

// EchoReplier answers with the last evaluated chunk.
func EchoReplier(lastEvaluated string) string {
	return " echo: " + strings.TrimSpace(lastEvaluated)
}

// Option configures an Engine.
type Option func(*Engine)

// WithReplier overrides the completion function.
func WithReplier(r Replier) Option {
	return func(e *Engine) { e.replier = r }
}

// WithDelay makes Evaluate and Generate take at least d.
func WithDelay(d time.Duration) Option {
	return func(e *Engine) { e.delay = d }
}

// WithMaxStates caps the number of simultaneously allocated states.
func WithMaxStates(n int) Option {
	return func(e *Engine) { e.maxStates = n }
}

type state struct {
	id       string
	inFlight atomic.Int32

	mu     sync.Mutex
	tokens engine.Tokens
	last   string
}

func (s *state) append(toks engine.Tokens, last string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = append(s.tokens, toks...)
	if last != "" {
		s.last = last
	}
}

func (s *state) snapshot() (string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return engine.DecodeBytes(s.tokens), s.last
}

func (s *state) ID() string { return s.id }

// Engine is a fake engine.Engine.
type Engine struct {
	replier   Replier
	delay     time.Duration
	maxStates int

	mu       sync.Mutex
	states   map[string]*state
	seq      int
	released int
	failures map[string]error

	inFlight   atomic.Int32
	peak       atomic.Int32
	violations atomic.Int32
}

var _ engine.Engine = (*Engine)(nil)

// New returns a fake engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		replier:  EchoReplier,
		states:   make(map[string]*state),
		failures: make(map[string]error),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// FailNext makes the next call of op ("tokenize", "allocate", "evaluate",
// "generate" or "release") fail with err.
func (e *Engine) FailNext(op string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures[op] = err
}

func (e *Engine) takeFailure(op string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	err, ok := e.failures[op]
	if !ok {
		return nil
	}
	delete(e.failures, op)
	return err
}

// Tokenize maps every byte to one token.
func (e *Engine) Tokenize(_ context.Context, text string) (engine.Tokens, error) {
	if err := e.takeFailure("tokenize"); err != nil {
		return nil, err
	}
	return engine.EncodeBytes(text), nil
}

// AllocateState creates an empty execution state.
func (e *Engine) AllocateState(_ context.Context) (engine.State, error) {
	if err := e.takeFailure("allocate"); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.maxStates > 0 && len(e.states) >= e.maxStates {
		return nil, engine.ErrNoCapacity
	}
	e.seq++
	st := &state{id: fmt.Sprintf("fake-%d", e.seq)}
	e.states[st.id] = st
	return st, nil
}

func (e *Engine) lookup(st engine.State) (*state, error) {
	if st == nil {
		return nil, engine.ErrUnknownState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.states[st.ID()]
	if !ok {
		return nil, engine.ErrUnknownState
	}
	return s, nil
}

// enter tracks concurrent use; two calls on the same state count as a violation.
func (e *Engine) enter(s *state) func() {
	if s.inFlight.Add(1) > 1 {
		e.violations.Add(1)
	}
	n := e.inFlight.Add(1)
	for {
		p := e.peak.Load()
		if n <= p || e.peak.CompareAndSwap(p, n) {
			break
		}
	}
	return func() {
		e.inFlight.Add(-1)
		s.inFlight.Add(-1)
	}
}

func (e *Engine) wait(ctx context.Context) error {
	if e.delay <= 0 {
		return nil
	}
	timer := time.NewTimer(e.delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Evaluate appends toks to the state's token log.
func (e *Engine) Evaluate(ctx context.Context, st engine.State, toks engine.Tokens) error {
	s, err := e.lookup(st)
	if err != nil {
		return err
	}
	done := e.enter(s)
	defer done()

	if err := e.wait(ctx); err != nil {
		return err
	}
	if err := e.takeFailure("evaluate"); err != nil {
		// a failed evaluation may leave part of the batch in the cache
		s.append(toks[:len(toks)/2], "")
		return err
	}
	s.append(toks, engine.DecodeBytes(toks))
	return nil
}

// Generate produces a completion, honouring MaxTokens and Stop, and appends it to the state.
func (e *Engine) Generate(ctx context.Context, st engine.State, p engine.GenerateParams) (string, error) {
	s, err := e.lookup(st)
	if err != nil {
		return "", err
	}
	done := e.enter(s)
	defer done()

	if err := e.wait(ctx); err != nil {
		return "", err
	}
	if err := e.takeFailure("generate"); err != nil {
		return "", err
	}

	_, last := s.snapshot()
	text := e.replier(last)
	for _, stop := range p.Stop {
		if stop == "" {
			continue
		}
		if idx := strings.Index(text, stop); idx >= 0 {
			text = text[:idx]
		}
	}
	if p.MaxTokens > 0 && len(text) > p.MaxTokens {
		text = text[:p.MaxTokens]
	}
	s.append(engine.EncodeBytes(text), "")
	return text, nil
}

// Release frees the state. Releasing twice is an error.
func (e *Engine) Release(st engine.State) error {
	if err := e.takeFailure("release"); err != nil {
		return err
	}
	if st == nil {
		return engine.ErrUnknownState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.states[st.ID()]; !ok {
		return engine.ErrUnknownState
	}
	delete(e.states, st.ID())
	e.released++
	return nil
}

// Live returns the number of allocated, unreleased states.
func (e *Engine) Live() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.states)
}

// Released returns how many states were released.
func (e *Engine) Released() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.released
}

// Context returns the decoded token log of a live state.
func (e *Engine) Context(st engine.State) (string, error) {
	s, err := e.lookup(st)
	if err != nil {
		return "", err
	}
	text, _ := s.snapshot()
	return text, nil
}

// ContextByID is Context keyed by the state identifier.
func (e *Engine) ContextByID(id string) (string, bool) {
	e.mu.Lock()
	s, ok := e.states[id]
	e.mu.Unlock()
	if !ok {
		return "", false
	}
	text, _ := s.snapshot()
	return text, true
}

// Violations counts calls that overlapped on the same state.
func (e *Engine) Violations() int {
	return int(e.violations.Load())
}

// PeakParallel is the highest number of overlapping Evaluate/Generate calls observed.
func (e *Engine) PeakParallel() int {
	return int(e.peak.Load())
}

// ErrInjected is a convenience error for failure injection.
var ErrInjected = errors.New("injected failure")
