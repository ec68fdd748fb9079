package models

import "time"

// LimitType identifies an independent rate-limit keyspace.
type LimitType string

const (
	// LimitRecoveryPerIP throttles recovery attempts from a single address.
	LimitRecoveryPerIP LimitType = "recovery_per_ip"
	// LimitRecoveryPerEmail throttles recovery attempts against one account.
	LimitRecoveryPerEmail LimitType = "recovery_per_email"
	// LimitRecoveryPerCombo throttles one address targeting one account.
	LimitRecoveryPerCombo LimitType = "recovery_per_combo"
)

// LimitWindow identifies which window a bucket row counts.
type LimitWindow string

const (
	// WindowHourly is the one-hour counting window.
	WindowHourly LimitWindow = "hour"
	// WindowDaily is the twenty-four-hour counting window.
	WindowDaily LimitWindow = "day"
)

// Duration returns the wall-clock length of the window.
func (w LimitWindow) Duration() time.Duration {
	if w == WindowDaily {
		return 24 * time.Hour
	}
	return time.Hour
}

// RateLimitBucket is the throttling counter for one (identifier, limit type,
// window) key. The count resets when the window elapses; a blocked_until in
// the future rejects all attempts regardless of count.
type RateLimitBucket struct {
	Identifier   string      `json:"identifier"`
	LimitType    LimitType   `json:"limit_type"`
	Window       LimitWindow `json:"window"`
	AttemptCount int         `json:"attempt_count"`
	WindowStart  time.Time   `json:"window_start"`
	BlockedUntil *time.Time  `json:"blocked_until,omitempty"`
}

// IsBlocked reports whether the bucket carries an unexpired block.
func (b *RateLimitBucket) IsBlocked(now time.Time) bool {
	return b.BlockedUntil != nil && now.Before(*b.BlockedUntil)
}

// WindowElapsed reports whether the counting window has passed.
func (b *RateLimitBucket) WindowElapsed(now time.Time) bool {
	return now.Sub(b.WindowStart) >= b.Window.Duration()
}
