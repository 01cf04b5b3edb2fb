package settings

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Settings keys and their fallbacks. A key absent from the settings
// table resolves to its default.
const (
	// SiteNameKey is the settings key for the UI site name.
	SiteNameKey = "SITE_NAME"
	// DefaultSiteName is the fallback UI site name.
	DefaultSiteName = "BehindMemo"
	// GeneratePerHourKey overrides the per-user generation rate limit.
	GeneratePerHourKey = "GENERATE_PER_HOUR"
	// LoginPerHourKey overrides the per-email login rate limit.
	LoginPerHourKey = "LOGIN_PER_HOUR"
	// LockoutThresholdKey overrides the failed-login lock threshold.
	LockoutThresholdKey = "LOCKOUT_THRESHOLD"
	// SweepIntervalSecondsKey controls the stale generation sweep interval in seconds.
	SweepIntervalSecondsKey = "SWEEP_INTERVAL_SECONDS"
	// MaintenanceModeKey pauses new generation requests when true.
	MaintenanceModeKey = "MAINTENANCE_MODE"
	// WebhookRetentionDaysKey controls how long completed webhook events are kept.
	WebhookRetentionDaysKey = "WEBHOOK_RETENTION_DAYS"
	// DefaultSweepIntervalSeconds is the fallback sweep interval (seconds).
	DefaultSweepIntervalSeconds = 60
	// DefaultWebhookRetentionDays is the fallback webhook event retention.
	DefaultWebhookRetentionDays = 90
	// DefaultMaintenanceMode keeps generation open by default.
	DefaultMaintenanceMode = false
)

// IntValue decodes an integer setting, returning fallback when absent or invalid.
func IntValue(key string, fallback int) int {
	raw, ok := SnapshotValue(key)
	if !ok || raw == nil {
		return fallback
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if n, errParse := strconv.Atoi(strings.TrimSpace(s)); errParse == nil {
			return n
		}
	}
	return fallback
}

// BoolValue decodes a boolean setting, returning fallback when absent or invalid.
func BoolValue(key string, fallback bool) bool {
	raw, ok := SnapshotValue(key)
	if !ok || raw == nil {
		return fallback
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if b, errParse := strconv.ParseBool(strings.TrimSpace(s)); errParse == nil {
			return b
		}
	}
	return fallback
}

// StringValue decodes a string setting, returning fallback when absent or invalid.
func StringValue(key string, fallback string) string {
	raw, ok := SnapshotValue(key)
	if !ok || raw == nil {
		return fallback
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && strings.TrimSpace(s) != "" {
		return s
	}
	return fallback
}
