package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/kvtavern/internal/monitoring"
)

// Instrumented records latency and outcome of every engine call and tags
// errors with the failing operation.
type Instrumented struct {
	inner   Engine
	metrics *monitoring.Metrics
	logger  *zap.Logger
}

// Instrument wraps inner. metrics may be nil.
func Instrument(inner Engine, metrics *monitoring.Metrics, logger *zap.Logger) *Instrumented {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Instrumented{inner: inner, metrics: metrics, logger: logger.Named("engine")}
}

func (e *Instrumented) observe(op string, start time.Time, err error, fields ...zap.Field) error {
	elapsed := time.Since(start)
	e.metrics.ObserveEngineCall(op, elapsed, err)
	if err != nil {
		e.logger.Warn("engine call failed", append(fields, zap.String("op", op), zap.Duration("elapsed", elapsed), zap.Error(err))...)
		return Wrap(op, err)
	}
	e.logger.Debug("engine call", append(fields, zap.String("op", op), zap.Duration("elapsed", elapsed))...)
	return nil
}

func (e *Instrumented) Tokenize(ctx context.Context, text string) (Tokens, error) {
	start := time.Now()
	toks, err := e.inner.Tokenize(ctx, text)
	return toks, e.observe("tokenize", start, err, zap.Int("bytes", len(text)))
}

func (e *Instrumented) AllocateState(ctx context.Context) (State, error) {
	start := time.Now()
	st, err := e.inner.AllocateState(ctx)
	if err != nil {
		return nil, e.observe("allocate", start, err)
	}
	return st, e.observe("allocate", start, nil, zap.String("state", st.ID()))
}

func (e *Instrumented) Evaluate(ctx context.Context, st State, toks Tokens) error {
	start := time.Now()
	err := e.inner.Evaluate(ctx, st, toks)
	return e.observe("evaluate", start, err, zap.String("state", st.ID()), zap.Int("tokens", len(toks)))
}

func (e *Instrumented) Generate(ctx context.Context, st State, p GenerateParams) (string, error) {
	start := time.Now()
	text, err := e.inner.Generate(ctx, st, p)
	return text, e.observe("generate", start, err, zap.String("state", st.ID()), zap.Int("max_tokens", p.MaxTokens))
}

func (e *Instrumented) Release(st State) error {
	start := time.Now()
	err := e.inner.Release(st)
	return e.observe("release", start, err, zap.String("state", st.ID()))
}
