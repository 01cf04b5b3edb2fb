// Package quota implements the credit ledger coordination protocol:
// per-user locking, idempotent reservation markers, and compensating
// refunds over the shared key-value store and the relational ledger.
package quota

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/messsiii/behindmemo-sub001/internal/kv"
	"github.com/messsiii/behindmemo-sub001/internal/models"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Marker and lock TTLs. The lock TTL bounds liveness against crashed
// holders; the consumed-marker TTL keeps an audit window for late
// duplicate requests before the key expires naturally.
const (
	lockTTL           = 30 * time.Second
	markerReservedTTL = 5 * time.Minute
	markerConsumedTTL = time.Hour
)

// Marker states. A (user, request) pair transitions at most once from
// absent -> reserved -> consumed, or back to absent on release.
const (
	stateReserved = "reserved"
	stateConsumed = "consumed"
)

// markerFree tags a reservation that is free of charge because the
// account had an active VIP subscription at reserve time.
const markerFree = "free"

// Outcome classifies the result of a reservation attempt.
type Outcome int

const (
	// Granted means a unit was reserved (or the same request already
	// holds a reservation).
	Granted Outcome = iota
	// LockBusy means the per-user lock was held by a concurrent request.
	// Transient: the caller should retry shortly, not fail.
	LockBusy
	// InsufficientBalance means the account has no unit left to reserve.
	InsufficientBalance
)

// Reservation reports the outcome of Reserve.
type Reservation struct {
	Outcome Outcome
	// Free is true when the reservation will not debit a balance.
	Free bool
}

// Coordinator errors.
var (
	// ErrNotReserved indicates Consume was called without a prior reservation.
	ErrNotReserved = errors.New("quota: request not reserved")
	// ErrBalanceDesync indicates the ledger rejected a decrement that a
	// reserved marker promised. The marker is left in place and the
	// consumption fails closed.
	ErrBalanceDesync = errors.New("quota: ledger decrement failed for reserved marker")
)

// Coordinator serializes balance reservations per user and guarantees
// each (user, request) pair debits the ledger at most once.
type Coordinator struct {
	db  *gorm.DB
	kv  kv.Store
	now func() time.Time
}

// NewCoordinator constructs a Coordinator.
func NewCoordinator(db *gorm.DB, store kv.Store) *Coordinator {
	return &Coordinator{db: db, kv: store, now: time.Now}
}

func lockKey(userID uint64) string {
	return fmt.Sprintf("quota:lock:%d", userID)
}

func markerKey(userID uint64, requestID string) string {
	return fmt.Sprintf("quota:marker:%d:%s", userID, requestID)
}

func outstandingKey(userID uint64, kind string) string {
	return fmt.Sprintf("quota:outstanding:%d:%s", userID, kind)
}

// encodeMarker packs a marker state and balance kind into the stored value.
func encodeMarker(state, kind string) string {
	return state + ":" + kind
}

// decodeMarker splits a stored marker value into state and balance kind.
func decodeMarker(value string) (state, kind string) {
	state, kind, _ = strings.Cut(value, ":")
	return state, kind
}

// Reserve attempts to reserve one unit of the given balance for
// (userID, requestID). The per-user lock closes the check-then-act race
// between concurrent reservations reading the same balance snapshot; it
// is held only for the duration of this call, never across Consume.
func (c *Coordinator) Reserve(ctx context.Context, userID uint64, requestID string, kind models.BalanceKind) (Reservation, error) {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return Reservation{}, errors.New("quota: empty request id")
	}

	acquired, errLock := c.kv.SetNX(ctx, lockKey(userID), "1", lockTTL)
	if errLock != nil {
		return Reservation{}, fmt.Errorf("quota: acquire lock: %w", errLock)
	}
	if !acquired {
		return Reservation{Outcome: LockBusy}, nil
	}
	defer func() {
		if errUnlock := c.kv.Del(context.WithoutCancel(ctx), lockKey(userID)); errUnlock != nil {
			log.WithError(errUnlock).WithField("user_id", userID).Warn("quota: release lock failed")
		}
	}()

	// Same request retried with the same idempotency key: short-circuit
	// to the existing reservation instead of debiting twice.
	if value, errGet := c.kv.Get(ctx, markerKey(userID, requestID)); errGet == nil {
		_, markerKind := decodeMarker(value)
		return Reservation{Outcome: Granted, Free: markerKind == markerFree}, nil
	} else if !errors.Is(errGet, kv.ErrNotFound) {
		return Reservation{}, fmt.Errorf("quota: read marker: %w", errGet)
	}

	var user models.User
	if errFind := c.db.WithContext(ctx).
		Select("id", "credits", "quota", "is_vip", "vip_expires_at").
		Where("id = ?", userID).
		First(&user).Error; errFind != nil {
		return Reservation{}, fmt.Errorf("quota: load user: %w", errFind)
	}

	markerKind := string(kind)
	free := user.VIPActive(c.now())
	if free {
		markerKind = markerFree
	} else {
		// The ledger is debited at Consume, so the balance check must
		// subtract reservations that are granted but not yet consumed.
		outstanding, errOutstanding := c.outstanding(ctx, userID, markerKind)
		if errOutstanding != nil {
			return Reservation{}, errOutstanding
		}
		if balanceFor(&user, kind)-outstanding <= 0 {
			return Reservation{Outcome: InsufficientBalance}, nil
		}
	}

	if errSet := c.kv.Set(ctx, markerKey(userID, requestID), encodeMarker(stateReserved, markerKind), markerReservedTTL); errSet != nil {
		return Reservation{}, fmt.Errorf("quota: write marker: %w", errSet)
	}
	if markerKind != markerFree {
		if _, errIncr := c.kv.Incr(ctx, outstandingKey(userID, markerKind)); errIncr != nil {
			return Reservation{}, fmt.Errorf("quota: track reservation: %w", errIncr)
		}
		// The counter lives no longer than the newest reserved marker, so
		// a crashed holder cannot pin the balance past the marker TTL.
		if _, errExpire := c.kv.Expire(ctx, outstandingKey(userID, markerKind), markerReservedTTL); errExpire != nil {
			return Reservation{}, fmt.Errorf("quota: track reservation: %w", errExpire)
		}
	}
	return Reservation{Outcome: Granted, Free: free}, nil
}

// outstanding returns the count of granted-but-unconsumed reservations.
func (c *Coordinator) outstanding(ctx context.Context, userID uint64, markerKind string) (int64, error) {
	value, errGet := c.kv.Get(ctx, outstandingKey(userID, markerKind))
	if errGet != nil {
		if errors.Is(errGet, kv.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("quota: read outstanding: %w", errGet)
	}
	count, errParse := strconv.ParseInt(value, 10, 64)
	if errParse != nil {
		return 0, fmt.Errorf("quota: parse outstanding: %w", errParse)
	}
	if count < 0 {
		return 0, nil
	}
	return count, nil
}

// settleOutstanding decrements the reservation counter once a
// reservation leaves the reserved state. Clamped at zero so a counter
// that expired mid-flight cannot go negative and inflate the balance.
func (c *Coordinator) settleOutstanding(ctx context.Context, userID uint64, markerKind string) {
	if markerKind == markerFree {
		return
	}
	count, errDecr := c.kv.Decr(ctx, outstandingKey(userID, markerKind))
	if errDecr != nil {
		log.WithError(errDecr).WithField("user_id", userID).Warn("quota: settle reservation counter failed")
		return
	}
	if count < 0 {
		if errReset := c.kv.Set(ctx, outstandingKey(userID, markerKind), "0", markerReservedTTL); errReset != nil {
			log.WithError(errReset).WithField("user_id", userID).Warn("quota: reset reservation counter failed")
		}
	}
}

// Consume debits the ledger for a previously reserved request and flips
// the marker to consumed. The ledger decrement runs before the marker
// flip: a crash in between leaves the marker reserved, and the unit is
// recovered by marker TTL expiry instead of being silently lost.
//
// The reserved -> consumed transition is read-then-write, not
// compare-and-set. Callers must serialize Consume per request; the
// generation store's conditional claim guarantees a single consumer.
func (c *Coordinator) Consume(ctx context.Context, userID uint64, requestID string) error {
	value, errGet := c.kv.Get(ctx, markerKey(userID, requestID))
	if errGet != nil {
		if errors.Is(errGet, kv.ErrNotFound) {
			return ErrNotReserved
		}
		return fmt.Errorf("quota: read marker: %w", errGet)
	}

	state, markerKind := decodeMarker(value)
	if state == stateConsumed {
		return nil
	}
	if state != stateReserved {
		return ErrNotReserved
	}

	if errTx := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if markerKind != markerFree {
			res := tx.Model(&models.User{}).
				Where(fmt.Sprintf("id = ? AND %s > 0", columnFor(markerKind)), userID).
				UpdateColumn(columnFor(markerKind), gorm.Expr(columnFor(markerKind)+" - 1"))
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return ErrBalanceDesync
			}
			if errAudit := tx.Create(&models.CreditTransaction{
				UserID:    userID,
				Kind:      models.BalanceKind(markerKind),
				Delta:     -1,
				Reason:    models.ReasonConsume,
				RequestID: requestID,
			}).Error; errAudit != nil {
				return errAudit
			}
		}
		// VIP usage still counts toward lifetime totals.
		return tx.Model(&models.User{}).
			Where("id = ?", userID).
			UpdateColumn("total_usage", gorm.Expr("total_usage + 1")).Error
	}); errTx != nil {
		if errors.Is(errTx, ErrBalanceDesync) {
			log.WithFields(log.Fields{"user_id": userID, "request_id": requestID}).
				Error("quota: reserved marker without ledger balance")
		}
		return errTx
	}

	if errSet := c.kv.Set(ctx, markerKey(userID, requestID), encodeMarker(stateConsumed, markerKind), markerConsumedTTL); errSet != nil {
		// The debit is durable; the marker stays reserved until its TTL.
		// A retried Consume is a no-op decrement only via the marker, so
		// log and surface the error.
		log.WithError(errSet).WithFields(log.Fields{"user_id": userID, "request_id": requestID}).
			Warn("quota: flip marker to consumed failed")
		return fmt.Errorf("quota: write marker: %w", errSet)
	}
	c.settleOutstanding(ctx, userID, markerKind)
	return nil
}

// Release compensates a request whose downstream work failed. A marker
// still in reserved is simply discarded; a consumed marker triggers a
// true refund of the debited unit. Releasing an absent marker is a no-op.
func (c *Coordinator) Release(ctx context.Context, userID uint64, requestID string) error {
	value, errGet := c.kv.Get(ctx, markerKey(userID, requestID))
	if errGet != nil {
		if errors.Is(errGet, kv.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("quota: read marker: %w", errGet)
	}

	state, markerKind := decodeMarker(value)
	if state == stateConsumed {
		if errTx := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if markerKind != markerFree {
				if errRefund := tx.Model(&models.User{}).
					Where("id = ?", userID).
					UpdateColumn(columnFor(markerKind), gorm.Expr(columnFor(markerKind)+" + 1")).Error; errRefund != nil {
					return errRefund
				}
				if errAudit := tx.Create(&models.CreditTransaction{
					UserID:    userID,
					Kind:      models.BalanceKind(markerKind),
					Delta:     1,
					Reason:    models.ReasonRefund,
					RequestID: requestID,
				}).Error; errAudit != nil {
					return errAudit
				}
			}
			return tx.Model(&models.User{}).
				Where("id = ? AND total_usage > 0", userID).
				UpdateColumn("total_usage", gorm.Expr("total_usage - 1")).Error
		}); errTx != nil {
			return fmt.Errorf("quota: refund: %w", errTx)
		}
	}

	if errDel := c.kv.Del(ctx, markerKey(userID, requestID)); errDel != nil {
		return fmt.Errorf("quota: delete marker: %w", errDel)
	}
	if state == stateReserved {
		c.settleOutstanding(ctx, userID, markerKind)
	}
	return nil
}

// Discard drops a reservation that never progressed to consume. Unlike
// Release it leaves a consumed marker untouched, so replaying a request
// that already paid for its work cannot trigger a refund. Discarding an
// absent marker is a no-op.
func (c *Coordinator) Discard(ctx context.Context, userID uint64, requestID string) error {
	value, errGet := c.kv.Get(ctx, markerKey(userID, requestID))
	if errGet != nil {
		if errors.Is(errGet, kv.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("quota: read marker: %w", errGet)
	}

	state, markerKind := decodeMarker(value)
	if state != stateReserved {
		return nil
	}
	if errDel := c.kv.Del(ctx, markerKey(userID, requestID)); errDel != nil {
		return fmt.Errorf("quota: delete marker: %w", errDel)
	}
	c.settleOutstanding(ctx, userID, markerKind)
	return nil
}

// balanceFor returns the balance value for a kind.
func balanceFor(user *models.User, kind models.BalanceKind) int64 {
	if kind == models.KindQuota {
		return user.Quota
	}
	return user.Credits
}

// columnFor maps a marker kind to its ledger column.
func columnFor(markerKind string) string {
	if markerKind == string(models.KindQuota) {
		return "quota"
	}
	return "credits"
}
