// Package validation is the request-facing façade of the license server. It
// combines credential checks, subscription activity rules, device binding,
// and the cache-strategy recommendation into a single verdict.
package validation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tillware/license-server/internal/db"
	"github.com/tillware/license-server/internal/metrics"
	"github.com/tillware/license-server/internal/models"
	"github.com/tillware/license-server/internal/sessions"
)

// Engine errors. Authentication failures are deliberately generic: the
// response never reveals whether the email exists.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrServiceUnavailable = errors.New("service temporarily unavailable")
)

// dummyCredentialHash burns a comparison on unknown emails so the
// invalid-credential path costs the same either way.
var dummyCredentialHash = models.HashCredential("dummy-credential-timing-equalizer")

// Store is the persistence surface the engine needs.
type Store interface {
	GetCustomerByEmail(ctx context.Context, email string) (*models.Customer, error)
	RecordValidation(ctx context.Context, id uuid.UUID, at time.Time, seen bool) error
	CreateAuditEvent(ctx context.Context, ev *models.AuditEvent) error
}

// SessionManager is the slice of the session coordinator the engine uses.
type SessionManager interface {
	Start(ctx context.Context, customer *models.Customer, sessionID, fingerprint string, device models.DeviceInfo) (*sessions.StartResult, error)
}

// Config holds the engine's policy knobs.
type Config struct {
	// PaymentFailureThreshold vetoes validation at this many consecutive failures.
	PaymentFailureThreshold int
	// ActivityCeiling invalidates licenses not seen for this long.
	ActivityCeiling time.Duration
	// BillingPortalURL is returned as guidance on inactive subscriptions.
	BillingPortalURL string
	// BreakerThreshold / BreakerCooldown configure the store circuit breaker.
	BreakerThreshold int
	BreakerCooldown  time.Duration
	// FallbackTTL bounds how long a cached verdict may serve while the
	// breaker is open.
	FallbackTTL time.Duration
}

// DefaultConfig returns the production policy defaults.
func DefaultConfig() Config {
	return Config{
		PaymentFailureThreshold: 3,
		ActivityCeiling:         60 * 24 * time.Hour,
		BreakerThreshold:        5,
		BreakerCooldown:         30 * time.Second,
		FallbackTTL:             5 * time.Minute,
	}
}

// Options selects per-request validation behavior.
type Options struct {
	// ManageSession binds the device to the license slot during validation.
	ManageSession bool
	// SessionID is the caller-supplied session id when ManageSession is set.
	SessionID string
	// Device describes the calling device for conflict rendering.
	Device models.DeviceInfo
}

// SubscriptionSummary is the customer-facing slice of subscription state.
type SubscriptionSummary struct {
	Status        models.SubscriptionStatus `json:"status"`
	DaysRemaining int                       `json:"days_remaining"`
}

// SessionOutcome reports device binding results inside a verdict.
type SessionOutcome struct {
	Allowed bool `json:"allowed"`
	// Conflict carries the other device's metadata when Allowed is false.
	Conflict *ConflictInfo `json:"conflict,omitempty"`
}

// ConflictInfo is what the client renders for "another device is using this
// license - take over?".
type ConflictInfo struct {
	SessionID string            `json:"session_id"`
	Device    models.DeviceInfo `json:"device"`
	LastSeen  time.Time         `json:"last_seen"`
}

// Verdict is the full validation response.
type Verdict struct {
	Valid        bool                `json:"valid"`
	Reason       string              `json:"reason,omitempty"`
	Subscription SubscriptionSummary `json:"subscription"`
	Session      *SessionOutcome     `json:"session,omitempty"`
	Cache        CacheStrategy       `json:"cache_strategy"`
	// Guidance carries actionable next steps once the customer is identified.
	Guidance string `json:"guidance,omitempty"`
	// Fallback marks a verdict served from the emergency cache while the
	// store was unreachable.
	Fallback bool `json:"fallback,omitempty"`
}

type cachedVerdict struct {
	verdict        Verdict
	credentialHash string
	storedAt       time.Time
}

// Engine validates licenses. Breaker counters and the fallback cache are
// process-local; other instances arbitrate through the store alone.
type Engine struct {
	store    Store
	sessions SessionManager
	breaker  *CircuitBreaker
	cfg      Config
	logger   zerolog.Logger

	mu       sync.Mutex
	fallback map[string]cachedVerdict
}

// NewEngine creates an Engine.
func NewEngine(store Store, sessionMgr SessionManager, cfg Config, logger zerolog.Logger) *Engine {
	if cfg.PaymentFailureThreshold <= 0 {
		cfg.PaymentFailureThreshold = 3
	}
	if cfg.ActivityCeiling <= 0 {
		cfg.ActivityCeiling = 60 * 24 * time.Hour
	}
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}
	if cfg.FallbackTTL <= 0 {
		cfg.FallbackTTL = 5 * time.Minute
	}
	return &Engine{
		store:    store,
		sessions: sessionMgr,
		breaker:  NewCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown),
		cfg:      cfg,
		logger:   logger.With().Str("component", "validation_engine").Logger(),
		fallback: make(map[string]cachedVerdict),
	}
}

// BreakerState exposes the breaker state for health reporting.
func (e *Engine) BreakerState() BreakerState {
	return e.breaker.State()
}

// Authenticate resolves credentials to a customer without validating the
// subscription. Session endpoints use it to identify the caller. The error
// is identical whether the email is unknown or the credential wrong.
func (e *Engine) Authenticate(ctx context.Context, email, credential string) (*models.Customer, error) {
	customer, err := e.lookupCustomer(ctx, models.NormalizeEmail(email))
	if err != nil {
		return nil, err
	}
	if customer == nil {
		models.CompareCredentialHash(credential, dummyCredentialHash)
		return nil, ErrInvalidCredentials
	}
	if !models.CompareCredentialHash(credential, customer.CredentialHash) {
		return nil, ErrInvalidCredentials
	}
	return customer, nil
}

// Validate computes a full verdict for a device. ErrServiceUnavailable is
// retryable and only surfaces when the store is unreachable and no usable
// fallback verdict exists.
func (e *Engine) Validate(ctx context.Context, email, credential, fingerprint string, opts Options) (*Verdict, error) {
	now := time.Now()
	email = models.NormalizeEmail(email)

	customer, err := e.lookupCustomer(ctx, email)
	if err != nil {
		if verdict := e.fallbackVerdict(email, credential, now); verdict != nil {
			metrics.FallbackVerdictsTotal.Inc()
			metrics.ValidationsTotal.WithLabelValues("fallback").Inc()
			return verdict, nil
		}
		metrics.ValidationsTotal.WithLabelValues("unavailable").Inc()
		return nil, ErrServiceUnavailable
	}
	if customer == nil {
		models.CompareCredentialHash(credential, dummyCredentialHash)
		metrics.ValidationsTotal.WithLabelValues("invalid_credentials").Inc()
		return nil, ErrInvalidCredentials
	}
	if !models.CompareCredentialHash(credential, customer.CredentialHash) {
		metrics.ValidationsTotal.WithLabelValues("invalid_credentials").Inc()
		return nil, ErrInvalidCredentials
	}

	verdict := &Verdict{
		Subscription: SubscriptionSummary{
			Status:        customer.Status,
			DaysRemaining: customer.DaysRemaining(now),
		},
	}

	active, reason := e.subscriptionActive(customer, now)
	verdict.Valid = active
	if !active {
		verdict.Reason = reason
		verdict.Guidance = e.cfg.BillingPortalURL
	}

	verdict.Cache = RecommendCacheStrategy(active, sinceLastValidation(customer, now))

	if active && opts.ManageSession && e.sessions != nil {
		result, err := e.sessions.Start(ctx, customer, opts.SessionID, fingerprint, opts.Device)
		if err != nil {
			return nil, err
		}
		if result.Conflict != nil {
			verdict.Session = &SessionOutcome{
				Allowed: false,
				Conflict: &ConflictInfo{
					SessionID: result.Conflict.SessionID,
					Device:    result.Conflict.Device,
					LastSeen:  result.Conflict.LastHeartbeatAt,
				},
			}
		} else {
			verdict.Session = &SessionOutcome{Allowed: true}
		}
	}

	e.recordOutcome(ctx, customer, verdict, now)
	e.storeFallback(email, customer.CredentialHash, verdict, now)

	if verdict.Valid {
		metrics.ValidationsTotal.WithLabelValues("valid").Inc()
	} else {
		metrics.ValidationsTotal.WithLabelValues("inactive").Inc()
	}
	return verdict, nil
}

// lookupCustomer fetches a customer through the breaker. A missing row is a
// healthy store answer, not a breaker failure; (nil, nil) means not found.
func (e *Engine) lookupCustomer(ctx context.Context, email string) (*models.Customer, error) {
	var customer *models.Customer
	err := e.breaker.Do(ctx, func(ctx context.Context) error {
		c, err := e.store.GetCustomerByEmail(ctx, email)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				return nil
			}
			return err
		}
		customer = c
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrBreakerOpen) {
			e.logger.Error().Err(err).Msg("customer lookup failed")
		}
		return nil, err
	}
	return customer, nil
}

// subscriptionActive applies the activity rules: status active, consecutive
// payment failures under the threshold, and seen within the activity
// ceiling. A customer never seen passes the ceiling (first validation).
func (e *Engine) subscriptionActive(c *models.Customer, now time.Time) (bool, string) {
	if c.Status != models.SubscriptionActive {
		return false, "subscription_" + string(c.Status)
	}
	if c.PaymentFailures >= e.cfg.PaymentFailureThreshold {
		return false, "payment_failures"
	}
	if c.LastSeenAt != nil && now.Sub(*c.LastSeenAt) > e.cfg.ActivityCeiling {
		return false, "activity_expired"
	}
	return true, ""
}

func sinceLastValidation(c *models.Customer, now time.Time) time.Duration {
	if c.LastValidatedAt == nil {
		// Never validated: treat as colder than every policy tier.
		return 48 * time.Hour
	}
	return now.Sub(*c.LastValidatedAt)
}

// recordOutcome stamps the customer row and writes the audit event. Both go
// through the breaker so store trouble here is counted, but a verdict
// already computed is still returned to the caller. Only a valid verdict
// counts as the customer being seen; a denial cannot reset the activity
// ceiling clock.
func (e *Engine) recordOutcome(ctx context.Context, customer *models.Customer, verdict *Verdict, now time.Time) {
	err := e.breaker.Do(ctx, func(ctx context.Context) error {
		if err := e.store.RecordValidation(ctx, customer.ID, now, verdict.Valid); err != nil {
			return err
		}
		return e.store.CreateAuditEvent(ctx, models.NewAuditEvent(&customer.ID, models.AuditActionValidation, map[string]any{
			"valid":  verdict.Valid,
			"reason": verdict.Reason,
		}))
	})
	if err != nil && !errors.Is(err, ErrBreakerOpen) {
		e.logger.Error().Err(err).Str("customer_id", customer.ID.String()).Msg("failed to record validation outcome")
	}
}

// storeFallback caches the verdict for emergency service while the breaker
// is open. Session outcomes are per-request and stripped.
func (e *Engine) storeFallback(email, credentialHash string, verdict *Verdict, now time.Time) {
	cached := *verdict
	cached.Session = nil
	cached.Fallback = true
	cached.Cache = EmergencyCacheStrategy()

	e.mu.Lock()
	e.fallback[email] = cachedVerdict{verdict: cached, credentialHash: credentialHash, storedAt: now}
	e.mu.Unlock()
}

// fallbackVerdict serves the last known verdict while the store is
// unreachable, but only to a caller presenting the same credential the
// verdict was earned with.
func (e *Engine) fallbackVerdict(email, credential string, now time.Time) *Verdict {
	e.mu.Lock()
	entry, ok := e.fallback[email]
	e.mu.Unlock()

	if !ok || now.Sub(entry.storedAt) > e.cfg.FallbackTTL {
		return nil
	}
	if !models.CompareCredentialHash(credential, entry.credentialHash) {
		return nil
	}
	verdict := entry.verdict
	return &verdict
}
