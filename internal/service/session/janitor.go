package session

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// EvictIdle terminates sessions whose last activity is older than idle.
// Sessions with a turn in flight are skipped. It returns the number evicted.
func (r *Registry) EvictIdle(idle time.Duration) int {
	cutoff := r.now().UTC().Add(-idle)

	r.mu.RLock()
	candidates := make([]*record, 0, len(r.sessions))
	for _, rec := range r.sessions {
		candidates = append(candidates, rec)
	}
	r.mu.RUnlock()

	evicted := 0
	for _, rec := range candidates {
		if rec.idleSince().After(cutoff) || !rec.tryLock() {
			continue
		}
		// A turn may have finished between the scan and tryLock.
		if rec.closed || rec.idleSince().After(cutoff) || !r.unregister(rec) {
			rec.unlock()
			continue
		}
		r.teardown(rec, ReasonIdle)
		evicted++
	}
	return evicted
}

// unregister removes rec if the map still points to it.
func (r *Registry) unregister(rec *record) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.sessions[rec.id]; !ok || current != rec {
		return false
	}
	delete(r.sessions, rec.id)
	return true
}

// StartJanitor evicts idle sessions every interval until ctx is done. An
// idle timeout of zero disables eviction.
func (r *Registry) StartJanitor(ctx context.Context, idle, interval time.Duration) {
	if idle <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Minute
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := r.EvictIdle(idle); n > 0 {
					r.logger.Info("evicted idle sessions", zap.Int("count", n), zap.Duration("idle_timeout", idle))
				}
			}
		}
	}()
}
