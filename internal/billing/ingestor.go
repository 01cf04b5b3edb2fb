// Package billing processes payment vendor webhook events idempotently
// and applies their effects to user balances and subscriptions.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/messsiii/behindmemo-sub001/internal/models"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// EventType is the closed set of vendor event types the ingestor
// handles. Adding a type means adding a case to dispatch.
type EventType string

const (
	// EventCheckoutCompleted reports a finished one-time credit purchase.
	EventCheckoutCompleted EventType = "checkout.session.completed"
	// EventSubscriptionCreated reports a new subscription.
	EventSubscriptionCreated EventType = "customer.subscription.created"
	// EventSubscriptionUpdated reports a subscription state change.
	EventSubscriptionUpdated EventType = "customer.subscription.updated"
	// EventSubscriptionDeleted reports a terminated subscription.
	EventSubscriptionDeleted EventType = "customer.subscription.deleted"
)

// Outcome classifies the result of ingesting one event.
type Outcome string

const (
	// OutcomeSkipped means the event was already fully applied.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeProcessed means the event's effects were applied now.
	OutcomeProcessed Outcome = "processed"
	// OutcomeFailed means the handler failed; the event stays
	// reprocessable and the caller should still acknowledge delivery.
	OutcomeFailed Outcome = "failed"
)

// Ingestor errors.
var (
	// ErrUnknownPrice indicates a checkout referenced an unmapped price ID.
	ErrUnknownPrice = errors.New("billing: unknown price id")
	// ErrEventNotFound indicates a reprocess target does not exist.
	ErrEventNotFound = errors.New("billing: event not found")
)

// Ingestor applies webhook events to the ledger exactly once. The
// unique constraint on the event record's EventID, not a lock, is the
// serialization point against concurrent duplicate deliveries.
type Ingestor struct {
	db *gorm.DB
	// prices maps vendor price IDs to granted credit amounts, keeping
	// handler logic independent of vendor currency shapes.
	prices map[string]int64
}

// NewIngestor constructs an Ingestor with a price-to-credits mapping.
func NewIngestor(db *gorm.DB, prices map[string]int64) *Ingestor {
	return &Ingestor{db: db, prices: prices}
}

// Ingest processes one delivered event. Duplicate deliveries of a
// completed event return OutcomeSkipped without touching the ledger.
func (i *Ingestor) Ingest(ctx context.Context, eventID string, eventType EventType, payload []byte) (Outcome, error) {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return OutcomeFailed, errors.New("billing: empty event id")
	}

	var existing models.WebhookEvent
	errFind := i.db.WithContext(ctx).Where("event_id = ?", eventID).First(&existing).Error
	if errFind == nil {
		if existing.Status == models.WebhookEventCompleted {
			return OutcomeSkipped, nil
		}
		// processing or failed: never reached completed, safe to re-run.
		return i.process(ctx, &existing)
	}
	if !errors.Is(errFind, gorm.ErrRecordNotFound) {
		return OutcomeFailed, fmt.Errorf("billing: lookup event: %w", errFind)
	}

	record := models.WebhookEvent{
		EventID:   eventID,
		EventType: string(eventType),
		Payload:   payload,
		Status:    models.WebhookEventProcessing,
	}
	if errCreate := i.db.WithContext(ctx).Create(&record).Error; errCreate != nil {
		if errors.Is(errCreate, gorm.ErrDuplicatedKey) || isUniqueViolation(errCreate) {
			// Lost the insert race; the concurrent delivery owns the event.
			return OutcomeSkipped, nil
		}
		return OutcomeFailed, fmt.Errorf("billing: insert event: %w", errCreate)
	}

	return i.process(ctx, &record)
}

// Reprocess re-runs a failed or stuck event by vendor event ID.
// Completed events are refused.
func (i *Ingestor) Reprocess(ctx context.Context, eventID string) (Outcome, error) {
	var record models.WebhookEvent
	if errFind := i.db.WithContext(ctx).Where("event_id = ?", eventID).First(&record).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return OutcomeFailed, ErrEventNotFound
		}
		return OutcomeFailed, fmt.Errorf("billing: lookup event: %w", errFind)
	}
	if record.Status == models.WebhookEventCompleted {
		return OutcomeSkipped, nil
	}
	return i.process(ctx, &record)
}

// process dispatches the event to its handler inside one ledger
// transaction, then records the outcome on the dedup row. The status
// flip is best-effort: its only job is to block reprocessing of fully
// completed events, and anything short of completed stays reprocessable.
func (i *Ingestor) process(ctx context.Context, record *models.WebhookEvent) (Outcome, error) {
	errHandle := i.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return i.dispatch(ctx, tx, record)
	})

	status := models.WebhookEventCompleted
	handlerError := ""
	if errHandle != nil {
		status = models.WebhookEventFailed
		handlerError = errHandle.Error()
	}
	if errUpdate := i.db.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("id = ?", record.ID).
		Updates(map[string]any{"status": status, "error": handlerError}).Error; errUpdate != nil {
		log.WithError(errUpdate).WithField("event_id", record.EventID).
			Warn("billing: update event status failed")
	}

	if errHandle != nil {
		log.WithError(errHandle).WithFields(log.Fields{
			"event_id":   record.EventID,
			"event_type": record.EventType,
		}).Error("billing: event handler failed")
		return OutcomeFailed, errHandle
	}
	return OutcomeProcessed, nil
}

// dispatch routes an event to its handler by type.
func (i *Ingestor) dispatch(ctx context.Context, tx *gorm.DB, record *models.WebhookEvent) error {
	switch EventType(record.EventType) {
	case EventCheckoutCompleted:
		return i.handleCheckoutCompleted(tx, record)
	case EventSubscriptionCreated, EventSubscriptionUpdated:
		return i.handleSubscriptionChange(tx, record)
	case EventSubscriptionDeleted:
		return i.handleSubscriptionDeleted(tx, record)
	default:
		// Unknown types are acknowledged as no-ops so the vendor does
		// not retry forever on event kinds this backend ignores.
		log.WithFields(log.Fields{
			"event_id":   record.EventID,
			"event_type": record.EventType,
		}).Info("billing: ignoring unhandled event type")
		return nil
	}
}

// checkoutPayload is the subset of a checkout event this backend reads.
type checkoutPayload struct {
	UserID  uint64 `json:"user_id"`
	PriceID string `json:"price_id"`
}

func (i *Ingestor) handleCheckoutCompleted(tx *gorm.DB, record *models.WebhookEvent) error {
	var payload checkoutPayload
	if errDecode := json.Unmarshal(record.Payload, &payload); errDecode != nil {
		return fmt.Errorf("billing: decode checkout payload: %w", errDecode)
	}
	if payload.UserID == 0 {
		return errors.New("billing: checkout missing user id")
	}
	amount, ok := i.prices[payload.PriceID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPrice, payload.PriceID)
	}

	res := tx.Model(&models.User{}).
		Where("id = ?", payload.UserID).
		UpdateColumn("credits", gorm.Expr("credits + ?", amount))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("billing: user %d not found", payload.UserID)
	}

	return tx.Create(&models.CreditTransaction{
		UserID:  payload.UserID,
		Kind:    models.KindCredits,
		Delta:   amount,
		Reason:  models.ReasonPurchase,
		EventID: record.EventID,
	}).Error
}

// subscriptionPayload is the subset of a subscription event this
// backend reads.
type subscriptionPayload struct {
	UserID           uint64 `json:"user_id"`
	SubscriptionID   string `json:"subscription_id"`
	PriceID          string `json:"price_id"`
	Status           string `json:"status"`
	CurrentPeriodEnd int64  `json:"current_period_end"`
}

func (i *Ingestor) handleSubscriptionChange(tx *gorm.DB, record *models.WebhookEvent) error {
	var payload subscriptionPayload
	if errDecode := json.Unmarshal(record.Payload, &payload); errDecode != nil {
		return fmt.Errorf("billing: decode subscription payload: %w", errDecode)
	}
	if payload.UserID == 0 || strings.TrimSpace(payload.SubscriptionID) == "" {
		return errors.New("billing: subscription missing user or subscription id")
	}

	var periodEnd *time.Time
	if payload.CurrentPeriodEnd > 0 {
		ts := time.Unix(payload.CurrentPeriodEnd, 0).UTC()
		periodEnd = &ts
	}

	sub := models.Subscription{
		UserID:               payload.UserID,
		VendorSubscriptionID: payload.SubscriptionID,
		PriceID:              payload.PriceID,
		Status:               payload.Status,
		CurrentPeriodEnd:     periodEnd,
	}
	if errUpsert := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "vendor_subscription_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"price_id", "status", "current_period_end", "updated_at"}),
	}).Create(&sub).Error; errUpsert != nil {
		return errUpsert
	}

	isVIP := payload.Status == models.SubscriptionActive
	return tx.Model(&models.User{}).
		Where("id = ?", payload.UserID).
		Updates(map[string]any{"is_vip": isVIP, "vip_expires_at": periodEnd}).Error
}

func (i *Ingestor) handleSubscriptionDeleted(tx *gorm.DB, record *models.WebhookEvent) error {
	var payload subscriptionPayload
	if errDecode := json.Unmarshal(record.Payload, &payload); errDecode != nil {
		return fmt.Errorf("billing: decode subscription payload: %w", errDecode)
	}
	if payload.UserID == 0 || strings.TrimSpace(payload.SubscriptionID) == "" {
		return errors.New("billing: subscription missing user or subscription id")
	}

	if errUpdate := tx.Model(&models.Subscription{}).
		Where("vendor_subscription_id = ?", payload.SubscriptionID).
		Update("status", models.SubscriptionCanceled).Error; errUpdate != nil {
		return errUpdate
	}

	return tx.Model(&models.User{}).
		Where("id = ?", payload.UserID).
		Updates(map[string]any{"is_vip": false, "vip_expires_at": nil}).Error
}

// isUniqueViolation reports whether an insert failed on a unique
// constraint, covering drivers that do not map to gorm.ErrDuplicatedKey.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "unique") || strings.Contains(message, "duplicate")
}
