package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zhouzirui/kvtavern/internal/engine"
	"github.com/zhouzirui/kvtavern/internal/model/chat"
)

// record is one live session. guard serialises every operation that touches
// state; histMu only protects history and lastActive so readers never wait
// behind a generation.
type record struct {
	id        string
	state     engine.State
	createdAt time.Time
	guard     chan struct{}

	// owned by the guard holder
	closed bool

	busy   atomic.Bool
	broken atomic.Bool

	histMu     sync.RWMutex
	history    []chat.Turn
	lastActive time.Time
}

func newRecord(id string, st engine.State, system string, now time.Time) *record {
	r := &record{
		id:         id,
		state:      st,
		createdAt:  now,
		guard:      make(chan struct{}, 1),
		history:    make([]chat.Turn, 0, 16),
		lastActive: now,
	}
	r.history = append(r.history, chat.Turn{Role: chat.RoleSystem, Content: system, CreatedAt: now})
	return r
}

// lock acquires the guard, giving up only when ctx is done.
func (r *record) lock(ctx context.Context) error {
	select {
	case r.guard <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tryLock acquires the guard only if it is free.
func (r *record) tryLock() bool {
	select {
	case r.guard <- struct{}{}:
		return true
	default:
		return false
	}
}

func (r *record) unlock() {
	<-r.guard
}

func (r *record) appendTurns(now time.Time, turns ...chat.Turn) {
	r.histMu.Lock()
	defer r.histMu.Unlock()
	for _, t := range turns {
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		r.history = append(r.history, t)
	}
	r.lastActive = now
}

func (r *record) transcript() []chat.Turn {
	r.histMu.RLock()
	defer r.histMu.RUnlock()
	copied := make([]chat.Turn, len(r.history))
	copy(copied, r.history)
	return copied
}

func (r *record) idleSince() time.Time {
	r.histMu.RLock()
	defer r.histMu.RUnlock()
	return r.lastActive
}

func (r *record) info() chat.SessionInfo {
	r.histMu.RLock()
	defer r.histMu.RUnlock()
	return chat.SessionInfo{
		ID:           r.id,
		CreatedAt:    r.createdAt,
		LastActiveAt: r.lastActive,
		Turns:        len(r.history),
		Busy:         r.busy.Load(),
		Broken:       r.broken.Load(),
	}
}
