// Package kv defines the shared atomic key-value store used for locks,
// counters, and consumption markers.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates a key does not exist or has expired.
var ErrNotFound = errors.New("kv: key not found")

// Store is the atomic key-value port backing locks and counters.
// Implementations must be safe for concurrent use.
type Store interface {
	// SetNX sets key to value with a TTL only if the key is absent.
	// It reports whether the key was set.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Set unconditionally sets key to value with a TTL. A zero TTL keeps
	// the key until deleted.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
	// Incr atomically increments the integer value at key and returns the
	// new count. A missing key counts from zero.
	Incr(ctx context.Context, key string) (int64, error)
	// Decr atomically decrements the integer value at key and returns the
	// new count. A missing key counts from zero.
	Decr(ctx context.Context, key string) (int64, error)
	// Expire sets the TTL for an existing key. It reports whether the key
	// exists.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// TTL returns the remaining TTL for key, or ErrNotFound. A negative
	// duration means the key has no expiry.
	TTL(ctx context.Context, key string) (time.Duration, error)
	// Del removes key. Deleting a missing key is not an error.
	Del(ctx context.Context, key string) error
}
