// Package session owns the live conversational sessions: for each one an
// engine execution state, the ordered history of turns and a guard that
// serialises work on that state. The registry lock only protects the id
// map and is never held across an engine call, so sessions progress in
// parallel up to the engine's own width.
package session

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhouzirui/kvtavern/internal/engine"
	"github.com/zhouzirui/kvtavern/internal/model/chat"
	"github.com/zhouzirui/kvtavern/internal/monitoring"
	"github.com/zhouzirui/kvtavern/internal/service/ai"
)

// Termination reasons reported to metrics and logs.
const (
	ReasonTerminated = "terminated"
	ReasonIdle       = "idle"
	ReasonShutdown   = "shutdown"
)

// Config fixes the per-process conversation parameters.
type Config struct {
	// Template frames the system prompt and user turns. Defaults to the "assistant" preset.
	Template *ai.Template
	// MaxTokens bounds each reply. Defaults to 200.
	MaxTokens int
	// Temperature is passed to the engine as is; zero asks for greedy decoding.
	Temperature float64
	// Stop overrides the template's stop sequences when non-nil.
	Stop []string
	// MaxSessions caps live sessions; 0 means unlimited.
	MaxSessions int
}

// Option customises a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *monitoring.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Registry maps session ids to live sessions.
type Registry struct {
	engine      engine.Engine
	template    *ai.Template
	params      engine.GenerateParams
	maxSessions int

	logger  *zap.Logger
	metrics *monitoring.Metrics
	now     func() time.Time

	mu       sync.RWMutex
	sessions map[string]*record
	pending  int
	closing  bool
}

// NewRegistry creates an empty registry bound to eng.
func NewRegistry(eng engine.Engine, cfg Config, opts ...Option) *Registry {
	tmpl := cfg.Template
	if tmpl == nil {
		tmpl = ai.MustTemplate(ai.TemplateSpec{Name: "assistant"})
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 200
	}
	stop := cfg.Stop
	if stop == nil {
		stop = tmpl.Stop()
	}

	r := &Registry{
		engine:   eng,
		template: tmpl,
		params: engine.GenerateParams{
			MaxTokens:   maxTokens,
			Stop:        stop,
			Temperature: cfg.Temperature,
		},
		maxSessions: cfg.MaxSessions,
		logger:      zap.NewNop(),
		now:         time.Now,
		sessions:    make(map[string]*record),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	r.logger = r.logger.Named("registry")
	return r
}

// reserve claims a slot toward MaxSessions for a create in progress.
func (r *Registry) reserve() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closing {
		return ErrRegistryClosed
	}
	if r.maxSessions > 0 && len(r.sessions)+r.pending >= r.maxSessions {
		return ErrCapacity
	}
	r.pending++
	return nil
}

func (r *Registry) unreserve() {
	r.mu.Lock()
	r.pending--
	r.mu.Unlock()
}

// Create allocates and primes a new session and returns its id. On any
// engine failure the state is released and nothing is registered.
func (r *Registry) Create(ctx context.Context) (string, error) {
	if err := r.reserve(); err != nil {
		return "", err
	}
	defer r.unreserve()

	id := uuid.NewString()
	st, err := r.engine.AllocateState(ctx)
	if err != nil {
		return "", engine.Wrap("allocate", err)
	}

	system := r.template.SystemPrompt()
	if err := r.prime(ctx, st, system); err != nil {
		r.releaseState(id, st)
		return "", err
	}

	rec := newRecord(id, st, system, r.now().UTC())

	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		r.releaseState(id, st)
		return "", ErrRegistryClosed
	}
	if _, exists := r.sessions[id]; exists {
		r.mu.Unlock()
		r.logger.DPanic("generated session id already registered", zap.String("session_id", id))
		r.releaseState(id, st)
		return "", fmt.Errorf("%w: %s", ErrDuplicateSession, id)
	}
	r.sessions[id] = rec
	r.mu.Unlock()

	r.metrics.SessionOpened()
	r.logger.Info("session created", zap.String("session_id", id), zap.String("state", st.ID()))
	return id, nil
}

func (r *Registry) prime(ctx context.Context, st engine.State, system string) error {
	toks, err := r.engine.Tokenize(ctx, system)
	if err != nil {
		return engine.Wrap("tokenize", err)
	}
	if err := r.engine.Evaluate(ctx, st, toks); err != nil {
		return engine.Wrap("evaluate", err)
	}
	return nil
}

func (r *Registry) lookup(id string) (*record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return rec, nil
}

type turnResult struct {
	reply string
	err   error
}

// Converse sends message to the session and returns the trimmed reply.
//
// Calls on the same id are serialised in guard acquisition order. The engine
// work runs detached from ctx: if ctx ends first Converse returns ctx.Err()
// while the turn finishes in the background, still holding the guard.
func (r *Registry) Converse(ctx context.Context, id, message string) (string, error) {
	if strings.TrimSpace(message) == "" {
		return "", fmt.Errorf("%w: message is empty", ErrInvalidArgument)
	}

	start := r.now()
	reply, err := r.converse(ctx, id, message)
	r.metrics.ObserveConverse(r.now().Sub(start), err)
	return reply, err
}

func (r *Registry) converse(ctx context.Context, id, message string) (string, error) {
	rec, err := r.lookup(id)
	if err != nil {
		return "", err
	}
	if err := rec.lock(ctx); err != nil {
		return "", err
	}

	done := make(chan turnResult, 1)
	go func() {
		defer rec.unlock()
		reply, err := r.turn(context.WithoutCancel(ctx), rec, message)
		done <- turnResult{reply: reply, err: err}
	}()

	select {
	case res := <-done:
		return res.reply, res.err
	case <-ctx.Done():
		r.logger.Warn("caller abandoned turn, draining in background", zap.String("session_id", id), zap.Error(ctx.Err()))
		return "", ctx.Err()
	}
}

// turn runs one evaluate+generate cycle. The caller holds rec's guard.
func (r *Registry) turn(ctx context.Context, rec *record, message string) (string, error) {
	if rec.closed {
		return "", ErrSessionNotFound
	}
	if rec.broken.Load() {
		return "", engine.Wrap("converse", ErrSessionBroken)
	}

	rec.busy.Store(true)
	defer rec.busy.Store(false)

	prompt, err := r.template.RenderUserTurn(ctx, message)
	if err != nil {
		return "", err
	}
	toks, err := r.engine.Tokenize(ctx, prompt)
	if err != nil {
		return "", engine.Wrap("tokenize", err)
	}

	// A failed evaluation may have extended the state partially; the user
	// turn is not recorded and the session refuses further turns.
	if err := r.engine.Evaluate(ctx, rec.state, toks); err != nil {
		rec.broken.Store(true)
		r.logger.Error("evaluation failed, session marked broken", zap.String("session_id", rec.id), zap.Error(err))
		return "", engine.Wrap("evaluate", err)
	}
	rec.appendTurns(r.now().UTC(), chat.Turn{Role: chat.RoleUser, Content: message})

	raw, err := r.engine.Generate(ctx, rec.state, r.params)
	if err != nil {
		return "", engine.Wrap("generate", err)
	}
	reply := strings.TrimSpace(raw)
	rec.appendTurns(r.now().UTC(), chat.Turn{Role: chat.RoleAssistant, Content: reply})

	r.logger.Debug("turn completed", zap.String("session_id", rec.id), zap.Int("reply_bytes", len(reply)))
	return reply, nil
}

// Terminate removes the session and releases its state once no turn is in
// flight. It reports whether the id was live. If ctx ends while a turn is
// still draining, Terminate returns true and the release completes in the
// background.
func (r *Registry) Terminate(ctx context.Context, id string) bool {
	found, _ := r.terminate(ctx, id, ReasonTerminated)
	return found
}

// terminate reports whether id was live and whether its state was released before returning.
func (r *Registry) terminate(ctx context.Context, id, reason string) (found, released bool) {
	r.mu.Lock()
	rec, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return false, false
	}

	if rec.tryLock() {
		r.teardown(rec, reason)
		return true, true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		rec.guard <- struct{}{}
		r.teardown(rec, reason)
	}()
	select {
	case <-done:
		return true, true
	case <-ctx.Done():
		r.logger.Warn("terminate waiting on in-flight turn, finishing in background", zap.String("session_id", id))
		return true, false
	}
}

// teardown releases rec's state. The caller holds the guard; teardown drops it.
func (r *Registry) teardown(rec *record, reason string) {
	defer rec.unlock()
	rec.closed = true
	r.releaseState(rec.id, rec.state)
	r.metrics.SessionClosed(reason)
	r.logger.Info("session terminated", zap.String("session_id", rec.id), zap.String("reason", reason))
}

func (r *Registry) releaseState(id string, st engine.State) {
	if err := r.engine.Release(st); err != nil {
		r.logger.Error("failed to release execution state", zap.String("session_id", id), zap.String("state", st.ID()), zap.Error(err))
	}
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// History returns a copy of the session's turns.
func (r *Registry) History(id string) ([]chat.Turn, error) {
	rec, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	return rec.transcript(), nil
}

// Info returns a snapshot of one session.
func (r *Registry) Info(id string) (chat.SessionInfo, error) {
	rec, err := r.lookup(id)
	if err != nil {
		return chat.SessionInfo{}, err
	}
	return rec.info(), nil
}

// List returns snapshots of all live sessions, oldest first.
func (r *Registry) List() []chat.SessionInfo {
	r.mu.RLock()
	recs := make([]*record, 0, len(r.sessions))
	for _, rec := range r.sessions {
		recs = append(recs, rec)
	}
	r.mu.RUnlock()

	infos := make([]chat.SessionInfo, 0, len(recs))
	for _, rec := range recs {
		infos = append(infos, rec.info())
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// Close terminates every live session and rejects later creates. It
// returns ctx.Err() if ctx ended before every state was released.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closing = true
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	pending := 0
	for _, id := range ids {
		if found, released := r.terminate(ctx, id, ReasonShutdown); found && !released {
			pending++
		}
	}
	r.logger.Info("registry closed", zap.Int("sessions", len(ids)), zap.Int("draining", pending))
	if pending > 0 {
		return fmt.Errorf("%d sessions still draining: %w", pending, ctx.Err())
	}
	return nil
}
