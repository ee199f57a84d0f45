package session

import (
	"sync"
	"time"

	"github.com/meshcompute/host-node/pkg/errs"
	"github.com/meshcompute/host-node/pkg/ledger"
)

// RateLimiter enforces a fixed window per bucket key
// ("per-session rate limits... enforced per message
// kind"): the count resets once window has elapsed since the window
// opened. It is not a sliding window, so up to 2*limit events can pass
// across a window boundary. Built on the standard library only: no
// example repo or pack library models a windowed counter, and the
// Store persistence is already provided by pkg/ledger.
type RateLimiter struct {
	mu     sync.Mutex
	store  *ledger.Store
	window time.Duration
	limit  int
}

// NewRateLimiter returns a limiter allowing up to limit events per
// window, persisted through store so state survives a session's
// lifetime boundary (e.g. across a reconnect using the same bucket).
func NewRateLimiter(store *ledger.Store, window time.Duration, limit int) *RateLimiter {
	return &RateLimiter{store: store, window: window, limit: limit}
}

// Allow records one event against bucket and reports whether it falls
// within the configured limit. Buckets are namespaced by caller
// (typically "<session_id>:<message_kind>").
func (r *RateLimiter) Allow(bucket string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, err := r.store.LoadRateLimiterState(bucket)
	if err != nil {
		return errs.Wrap(errs.KindTransient, errs.CodeInternal, "rate limiter state read failed", err)
	}

	now := time.Now()
	if now.Sub(state.WindowStart) >= r.window {
		state.WindowStart = now
		state.Count = 0
	}

	if state.Count >= r.limit {
		return errs.ErrRateLimitExceeded
	}

	state.Count++
	if err := r.store.SaveRateLimiterState(bucket, state); err != nil {
		return errs.Wrap(errs.KindTransient, errs.CodeInternal, "rate limiter state write failed", err)
	}
	return nil
}

// Release drops persisted state for bucket, used when a session
// closes and its rate-limiter state should no longer survive it.
func (r *RateLimiter) Release(bucket string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_ = r.store.SaveRateLimiterState(bucket, ledger.RateLimiterState{})
}
