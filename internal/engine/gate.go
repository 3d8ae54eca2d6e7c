package engine

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Gate bounds how many Evaluate and Generate calls run at once across all
// states. Tokenize, AllocateState and Release pass straight through.
type Gate struct {
	inner Engine
	sem   *semaphore.Weighted
	width int64
}

// NewGate wraps inner with a parallelism width. A width below 1 is treated as 1.
func NewGate(inner Engine, width int) *Gate {
	if width < 1 {
		width = 1
	}
	return &Gate{
		inner: inner,
		sem:   semaphore.NewWeighted(int64(width)),
		width: int64(width),
	}
}

// Width returns the configured parallelism width.
func (g *Gate) Width() int {
	return int(g.width)
}

func (g *Gate) Tokenize(ctx context.Context, text string) (Tokens, error) {
	return g.inner.Tokenize(ctx, text)
}

func (g *Gate) AllocateState(ctx context.Context) (State, error) {
	return g.inner.AllocateState(ctx)
}

func (g *Gate) Evaluate(ctx context.Context, st State, toks Tokens) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return Wrap("evaluate", err)
	}
	defer g.sem.Release(1)
	return g.inner.Evaluate(ctx, st, toks)
}

func (g *Gate) Generate(ctx context.Context, st State, p GenerateParams) (string, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return "", Wrap("generate", err)
	}
	defer g.sem.Release(1)
	return g.inner.Generate(ctx, st, p)
}

func (g *Gate) Release(st State) error {
	return g.inner.Release(st)
}
