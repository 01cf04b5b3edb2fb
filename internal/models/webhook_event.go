package models

import (
	"time"

	"gorm.io/datatypes"
)

// Webhook event processing states.
const (
	// WebhookEventProcessing marks an event whose handler has not finished.
	WebhookEventProcessing = "processing"
	// WebhookEventCompleted marks an event whose effects were fully applied.
	WebhookEventCompleted = "completed"
	// WebhookEventFailed marks an event whose handler returned an error.
	WebhookEventFailed = "failed"
)

// WebhookEvent stores a payment vendor event with deduplication metadata.
// The unique index on EventID is the serialization point for duplicate
// deliveries: the second insert fails instead of racing the first handler.
type WebhookEvent struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	EventID   string `gorm:"type:text;not null;uniqueIndex"` // Vendor-assigned event ID.
	EventType string `gorm:"type:text;not null;index"`       // Vendor event type tag.

	Payload datatypes.JSON `gorm:"type:jsonb;not null;default:'{}'"` // Raw event payload.

	Status string `gorm:"type:text;not null;index;default:processing"` // Processing state.
	Error  string `gorm:"type:text"`                                   // Handler error, when failed.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
