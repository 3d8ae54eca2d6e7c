// Package engine defines the inference engine capability consumed by the
// session registry: tokenize text, allocate an execution state, evaluate
// tokens into it, generate a completion from it and release it.
//
// An Engine is safe for one caller at a time per State. Calls against
// distinct states may run concurrently up to the engine's parallelism width,
// which Gate enforces for engines that do not bound it themselves.
package engine

import (
	"context"
	"errors"
	"fmt"
)

// Token is a single vocabulary entry produced by Tokenize.
type Token int32

// Tokens is an ordered token sequence.
type Tokens []Token

// State is an opaque, engine-owned execution context (the KV cache of one
// conversation). Only the engine that allocated it may interpret it.
type State interface {
	ID() string
}

// GenerateParams bounds a single completion.
type GenerateParams struct {
	MaxTokens   int
	Stop        []string
	Temperature float64
}

// Engine is the external text-generation capability.
type Engine interface {
	Tokenize(ctx context.Context, text string) (Tokens, error)
	AllocateState(ctx context.Context) (State, error)
	Evaluate(ctx context.Context, st State, toks Tokens) error
	Generate(ctx context.Context, st State, p GenerateParams) (string, error)
	Release(st State) error
}

var (
	// ErrEngine classifies every failure raised by an engine adapter.
	ErrEngine = errors.New("engine failure")
	// ErrUnknownState is returned for a handle the engine did not allocate or already released.
	ErrUnknownState = errors.New("unknown execution state")
	// ErrNoCapacity is returned when no further state can be allocated.
	ErrNoCapacity = errors.New("engine has no free state capacity")
)

// Error records the engine operation that failed.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("engine %s: %v", e.Op, e.Err)
}

// Unwrap exposes both the cause and ErrEngine so errors.Is matches either.
func (e *Error) Unwrap() []error {
	return []error{ErrEngine, e.Err}
}

// Wrap tags err as an engine failure of op. Errors already tagged are returned as is.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var ee *Error
	if errors.As(err, &ee) {
		return err
	}
	return &Error{Op: op, Err: err}
}

// IsEngineError reports whether err originates from an engine call.
func IsEngineError(err error) bool {
	return errors.Is(err, ErrEngine)
}
