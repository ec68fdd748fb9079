package validation

import "time"

// Cache strategy modes advise a well-behaved client how eagerly to re-ask.
// The server always computes a fresh answer; this is advisory metadata, not
// an enforced TTL.
const (
	CacheModeLocal    = "cache_locally"
	CacheModePeriodic = "periodic_check"
	CacheModeFrequent = "frequent_validation"
)

// Recommended cache durations per mode.
const (
	CacheDurationLong      = time.Hour
	CacheDurationMedium    = 30 * time.Minute
	CacheDurationShort     = 15 * time.Minute
	CacheDurationEmergency = 5 * time.Minute
)

// CacheStrategy is the advisory block returned with every verdict.
type CacheStrategy struct {
	Mode     string        `json:"mode"`
	Duration time.Duration `json:"-"`
	// DurationSeconds mirrors Duration for the wire.
	DurationSeconds int `json:"duration_seconds"`
}

func newCacheStrategy(mode string, d time.Duration) CacheStrategy {
	return CacheStrategy{Mode: mode, Duration: d, DurationSeconds: int(d.Seconds())}
}

// RecommendCacheStrategy derives the advisory cache duration from the
// subscription's activity and how recently it was last validated. Healthy,
// recently-checked subscriptions cache long; anything riskier re-checks
// aggressively. Pure and deterministic for identical inputs.
func RecommendCacheStrategy(active bool, sinceLastValidation time.Duration) CacheStrategy {
	if !active {
		return newCacheStrategy(CacheModeFrequent, CacheDurationEmergency)
	}
	switch {
	case sinceLastValidation < time.Hour:
		return newCacheStrategy(CacheModeLocal, CacheDurationLong)
	case sinceLastValidation < 24*time.Hour:
		return newCacheStrategy(CacheModePeriodic, CacheDurationMedium)
	default:
		return newCacheStrategy(CacheModeFrequent, CacheDurationShort)
	}
}

// EmergencyCacheStrategy is returned with fallback verdicts served while the
// breaker is open.
func EmergencyCacheStrategy() CacheStrategy {
	return newCacheStrategy(CacheModeFrequent, CacheDurationEmergency)
}
