// Package ratelimit implements RateLimiter (§4.2): a per-principal,
// per-window counter over KVStore. Grounded on
// infrastructure/middleware/ratelimit.go's Handler/key-by-identity shape,
// rewritten from an in-memory golang.org/x/time/rate map (which cannot be
// shared across gateway instances) onto internal/kvstore so the counter is
// consistent across a multi-instance deployment.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Decision is the result of an Allow call.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// incrementer is the subset of kvstore.KVStore the limiter needs; kept
// narrow so tests can fake it directly if needed.
type incrementer interface {
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// Limiter is a fixed-window counter: each (principal, window) pair gets an
// atomically-incremented counter with TTL equal to the window length, per
// spec.md §4.2.
type Limiter struct {
	store  incrementer
	window time.Duration
}

// New builds a Limiter with the given window length (default 60s per
// spec.md §3's RateCounter).
func New(store incrementer, window time.Duration) *Limiter {
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{store: store, window: window}
}

// Allow increments principalID's counter for the current window and
// reports whether it is still within limit. bypass, when true, always
// allows (api.rate_limit_bypass permission) without incrementing the
// counter, so bypassed principals never exhaust a shared quota.
func (l *Limiter) Allow(ctx context.Context, principalID string, limit int, bypass bool) (Decision, error) {
	now := time.Now().UTC()
	windowStart := now.Truncate(l.window)
	resetAt := windowStart.Add(l.window)

	if bypass {
		return Decision{Allowed: true, Limit: limit, Remaining: limit, ResetAt: resetAt}, nil
	}

	key := windowKey(principalID, windowStart)
	count, err := l.store.Incr(ctx, key, l.window)
	if err != nil {
		// Fail-closed: the AdmissionPipeline turns an error here into a
		// server_error on every rate-limited route; /health never calls
		// Allow.
		return Decision{}, fmt.Errorf("ratelimit: increment counter: %w", err)
	}

	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}

	return Decision{
		Allowed:   count <= int64(limit),
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}

func windowKey(principalID string, windowStart time.Time) string {
	return fmt.Sprintf("ratelimit:%s:%d", principalID, windowStart.Unix())
}
