package models

import (
	"time"

	"gorm.io/datatypes"
)

// GenerationStatus tracks a generation record through its lifecycle.
type GenerationStatus string

// Generation lifecycle states. Status only moves forward:
// pending -> generating -> completed, or pending/generating -> failed.
const (
	// GenerationPending is the initial state set by the request handler.
	GenerationPending GenerationStatus = "pending"
	// GenerationGenerating marks a record claimed by a background attempt.
	GenerationGenerating GenerationStatus = "generating"
	// GenerationCompleted is terminal with content present.
	GenerationCompleted GenerationStatus = "completed"
	// GenerationFailed is terminal with content absent.
	GenerationFailed GenerationStatus = "failed"
)

// Generation tracks one unit of asynchronous letter generation.
type Generation struct {
	ID string `gorm:"type:text;primaryKey"` // UUID assigned at creation.

	UserID    uint64 `gorm:"not null;uniqueIndex:idx_generations_user_request,priority:1"`    // Owning user ID.
	RequestID string `gorm:"type:text;not null;uniqueIndex:idx_generations_user_request,priority:2"` // Client idempotency key, scoped per user.

	Prompt string         `gorm:"type:text;not null"`               // Generation prompt.
	Params datatypes.JSON `gorm:"type:jsonb;not null;default:'{}'"` // Extra generation parameters.

	Status      GenerationStatus `gorm:"type:text;not null;index;default:pending"` // Lifecycle state.
	Content     string           `gorm:"type:text"`                                // Generated letter, when completed.
	ErrorReason string           `gorm:"type:text"`                                // Failure reason, when failed.

	CreatedAt time.Time `gorm:"not null;index;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"`       // Last update timestamp.
}

// Terminal reports whether the record reached a final state.
func (g *Generation) Terminal() bool {
	if g == nil {
		return false
	}
	return g.Status == GenerationCompleted || g.Status == GenerationFailed
}
