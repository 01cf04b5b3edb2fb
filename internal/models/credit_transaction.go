package models

import "time"

// BalanceKind selects which fungible balance a movement touches.
type BalanceKind string

// Balance kinds. Credits and quota are parallel balances consumed by
// different product paths and are never reconciled against each other.
const (
	// KindCredits is the purchasable letter-credit balance.
	KindCredits BalanceKind = "credits"
	// KindQuota is the legacy unlock quota balance.
	KindQuota BalanceKind = "quota"
)

// Transaction reasons recorded for audit.
const (
	// ReasonConsume marks a debit for a successful generation.
	ReasonConsume = "consume"
	// ReasonRefund marks a compensating credit after a failed generation.
	ReasonRefund = "refund"
	// ReasonPurchase marks a credit grant from a checkout payment.
	ReasonPurchase = "purchase"
	// ReasonGrant marks a manual credit grant by an operator.
	ReasonGrant = "grant"
)

// CreditTransaction records a single balance movement for a user.
type CreditTransaction struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	UserID uint64 `gorm:"not null;index"` // Affected user ID.

	Kind   BalanceKind `gorm:"type:text;not null"` // Which balance moved.
	Delta  int64       `gorm:"not null"`           // Signed movement amount.
	Reason string      `gorm:"type:text;not null"` // Movement reason tag.

	RequestID string `gorm:"type:text;index"` // Originating request ID, when any.
	EventID   string `gorm:"type:text;index"` // Originating webhook event ID, when any.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}
