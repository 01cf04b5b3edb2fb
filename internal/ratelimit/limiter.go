// Package ratelimit implements fixed-window request counters over the
// shared key-value store. Fixed windows tolerate boundary bursts, which
// is acceptable for the login and generation endpoints they gate.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Scopes identify what a counter is keyed by.
const (
	// ScopeEmail keys a window by account email.
	ScopeEmail = "email"
	// ScopeIP keys a window by client IP.
	ScopeIP = "ip"
	// ScopeUser keys a window by authenticated user ID.
	ScopeUser = "user"
)

// kvStore is the subset of the key-value store the limiter needs.
type kvStore interface {
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
	Del(ctx context.Context, key string) error
}

// Result reports a rate-limit decision.
type Result struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

// Limiter is a fixed-window counter keyed by (scope, identity).
type Limiter struct {
	kv kvStore
}

// NewLimiter constructs a Limiter.
func NewLimiter(store kvStore) *Limiter {
	return &Limiter{kv: store}
}

func counterKey(scope, identity string) string {
	return fmt.Sprintf("ratelimit:%s:%s", scope, strings.ToLower(strings.TrimSpace(identity)))
}

// Check consumes one unit for (scope, identity) and reports whether the
// call is within the window's limit. The first hit of a window sets the
// window TTL; the counter is never decremented.
func (l *Limiter) Check(ctx context.Context, scope, identity string, max int64, window time.Duration) (Result, error) {
	if max <= 0 {
		return Result{}, fmt.Errorf("ratelimit: non-positive max %d", max)
	}
	if window <= 0 {
		return Result{}, fmt.Errorf("ratelimit: non-positive window %s", window)
	}

	key := counterKey(scope, identity)
	count, errIncr := l.kv.Incr(ctx, key)
	if errIncr != nil {
		return Result{}, fmt.Errorf("ratelimit: increment: %w", errIncr)
	}
	if count == 1 {
		if _, errExpire := l.kv.Expire(ctx, key, window); errExpire != nil {
			return Result{}, fmt.Errorf("ratelimit: set window: %w", errExpire)
		}
	}

	if count > max {
		retryAfter := window
		if remain, errTTL := l.kv.TTL(ctx, key); errTTL == nil && remain > 0 {
			retryAfter = remain
		}
		return Result{Allowed: false, Remaining: 0, RetryAfter: retryAfter}, nil
	}
	return Result{Allowed: true, Remaining: max - count}, nil
}

// Reset deletes the counter for (scope, identity). Operator tooling
// only; never called from end-user flows.
func (l *Limiter) Reset(ctx context.Context, scope, identity string) error {
	if errDel := l.kv.Del(ctx, counterKey(scope, identity)); errDel != nil {
		return fmt.Errorf("ratelimit: reset: %w", errDel)
	}
	return nil
}
