package models

import "time"

// Subscription statuses mirrored from the payment vendor.
const (
	// SubscriptionActive grants VIP while the current period is open.
	SubscriptionActive = "active"
	// SubscriptionPastDue marks a subscription with a failed renewal charge.
	SubscriptionPastDue = "past_due"
	// SubscriptionCanceled marks a terminated subscription.
	SubscriptionCanceled = "canceled"
)

// Subscription mirrors a payment vendor subscription for one user.
type Subscription struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	UserID uint64 `gorm:"not null;index"`    // Subscribing user ID.
	User   *User  `gorm:"foreignKey:UserID"` // Subscribing user record.

	VendorSubscriptionID string `gorm:"type:text;not null;uniqueIndex"` // Vendor subscription ID.
	PriceID              string `gorm:"type:text"`                      // Vendor price ID.

	Status           string     `gorm:"type:text;not null;index"` // Vendor subscription status.
	CurrentPeriodEnd *time.Time // End of the paid period, when known.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
