// Package lockout implements brute-force protection for authentication:
// a failure counter per email that escalates to a TTL-bound lock flag.
package lockout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/messsiii/behindmemo-sub001/internal/kv"
	log "github.com/sirupsen/logrus"
)

// Defaults applied when a Guard is built with zero options.
const (
	// DefaultThreshold is the number of failures before lockout.
	DefaultThreshold = 5
	// DefaultLockTTL is how long a lockout lasts before auto-unlock.
	DefaultLockTTL = 30 * time.Minute
	// failureCounterTTL bounds how long stale failure counts persist.
	failureCounterTTL = time.Hour
)

// Guard tracks authentication failures and locks accounts past a
// threshold. Callers must consult IsLocked before verifying
// credentials so the lock check cannot be bypassed through the
// verification path.
type Guard struct {
	kv        kv.Store
	threshold int64
	lockTTL   time.Duration
}

// NewGuard constructs a Guard. Non-positive threshold or TTL fall back
// to the defaults.
func NewGuard(store kv.Store, threshold int64, lockTTL time.Duration) *Guard {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if lockTTL <= 0 {
		lockTTL = DefaultLockTTL
	}
	return &Guard{kv: store, threshold: threshold, lockTTL: lockTTL}
}

func failureKey(email string) string {
	return "lockout:failures:" + normalizeEmail(email)
}

func lockKey(email string) string {
	return "lockout:locked:" + normalizeEmail(email)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// RecordFailure increments the failure counter and locks the account
// when the threshold is reached. It returns the number of attempts left
// before lockout (zero when locked).
func (g *Guard) RecordFailure(ctx context.Context, email string) (int64, error) {
	count, errIncr := g.kv.Incr(ctx, failureKey(email))
	if errIncr != nil {
		return 0, fmt.Errorf("lockout: record failure: %w", errIncr)
	}
	if count == 1 {
		if _, errExpire := g.kv.Expire(ctx, failureKey(email), failureCounterTTL); errExpire != nil {
			return 0, fmt.Errorf("lockout: set counter ttl: %w", errExpire)
		}
	}

	if count >= g.threshold {
		if errLock := g.kv.Set(ctx, lockKey(email), "1", g.lockTTL); errLock != nil {
			return 0, fmt.Errorf("lockout: set lock: %w", errLock)
		}
		log.WithField("email", normalizeEmail(email)).Warn("lockout: account locked after repeated failures")
		return 0, nil
	}
	return g.threshold - count, nil
}

// RecordSuccess clears the failure counter and any lock. A successful
// authentication is the strongest signal and wins races against a
// near-simultaneous failure record.
func (g *Guard) RecordSuccess(ctx context.Context, email string) error {
	if errDel := g.kv.Del(ctx, failureKey(email)); errDel != nil {
		return fmt.Errorf("lockout: clear failures: %w", errDel)
	}
	if errDel := g.kv.Del(ctx, lockKey(email)); errDel != nil {
		return fmt.Errorf("lockout: clear lock: %w", errDel)
	}
	return nil
}

// IsLocked reports whether the account is locked and how long until the
// lock expires on its own.
func (g *Guard) IsLocked(ctx context.Context, email string) (bool, time.Duration, error) {
	if _, errGet := g.kv.Get(ctx, lockKey(email)); errGet != nil {
		if errors.Is(errGet, kv.ErrNotFound) {
			return false, 0, nil
		}
		return false, 0, fmt.Errorf("lockout: check lock: %w", errGet)
	}

	retryAfter := g.lockTTL
	if remain, errTTL := g.kv.TTL(ctx, lockKey(email)); errTTL == nil && remain > 0 {
		retryAfter = remain
	}
	return true, retryAfter, nil
}

// Unlock removes the lock and the failure counter. Operator tooling.
func (g *Guard) Unlock(ctx context.Context, email string) error {
	return g.RecordSuccess(ctx, email)
}
