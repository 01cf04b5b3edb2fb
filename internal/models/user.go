package models

import "time"

// User represents an end-user account stored in the database.
type User struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Email    string `gorm:"type:text;not null;uniqueIndex"` // Unique login email.
	Name     string `gorm:"type:text"`                      // Display name.
	Password string `gorm:"type:text;not null"`             // Hashed password.

	Credits int64 `gorm:"not null;default:0"` // Purchasable letter credits.
	Quota   int64 `gorm:"not null;default:0"` // Legacy unlock quota.

	IsVIP        bool       `gorm:"column:is_vip;not null;default:false"` // VIP subscription flag.
	VIPExpiresAt *time.Time `gorm:"column:vip_expires_at"`                // VIP expiry; nil means no scheduled expiry.

	TotalUsage int64 `gorm:"not null;default:0"` // Lifetime successful consumptions.

	StripeCustomerID string `gorm:"type:text;index"` // Payment vendor customer ID.

	TOTPSecret string `gorm:"type:text"` // TOTP secret for MFA.

	Active   bool `gorm:"not null;default:true"`  // Whether the user can sign in.
	Disabled bool `gorm:"not null;default:false"` // Explicit disable flag.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// VIPActive reports whether the VIP consumption bypass applies at the given time.
func (u *User) VIPActive(now time.Time) bool {
	if u == nil || !u.IsVIP {
		return false
	}
	return u.VIPExpiresAt == nil || u.VIPExpiresAt.After(now)
}
