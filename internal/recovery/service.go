// Package recovery implements credential recovery behind a layered rate
// limiter. Every response looks the same from the outside: attackers learn
// nothing about which emails hold licenses, and only the throttle state is
// ever visible (as a 429).
package recovery

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tillware/license-server/internal/db"
	"github.com/tillware/license-server/internal/metrics"
	"github.com/tillware/license-server/internal/models"
)

// Caps configures one keyspace's hourly and daily attempt ceilings.
type Caps struct {
	Hourly int
	Daily  int
}

// Config holds the limiter policy for the three recovery keyspaces.
type Config struct {
	PerIP    Caps
	PerEmail Caps
	PerCombo Caps
	// BlockPenalty is how long a key stays blocked after exceeding a cap.
	BlockPenalty time.Duration
}

// DefaultConfig returns the production limiter policy.
func DefaultConfig() Config {
	return Config{
		PerIP:        Caps{Hourly: 5, Daily: 20},
		PerEmail:     Caps{Hourly: 3, Daily: 10},
		PerCombo:     Caps{Hourly: 3, Daily: 6},
		BlockPenalty: time.Hour,
	}
}

// Store is the persistence surface the recovery flow needs.
type Store interface {
	CheckAndIncrementRateLimit(ctx context.Context, identifier string, limitType models.LimitType, hourlyCap, dailyCap int, penalty time.Duration) (*db.RateLimitDecision, error)
	GetCustomerByEmail(ctx context.Context, email string) (*models.Customer, error)
	CreateAuditEvent(ctx context.Context, ev *models.AuditEvent) error
}

// Mailer redelivers the issued credential. Fire-and-forget.
type Mailer interface {
	SendRecoveryCredential(to, credential string) error
}

// Result is the outcome of a recovery request. Blocked is the only state a
// caller may distinguish; everything else collapses to the generic success.
type Result struct {
	Blocked    bool
	RetryAfter time.Duration
}

// Service runs the recovery flow.
type Service struct {
	store  Store
	mailer Mailer
	cfg    Config
	logger zerolog.Logger
}

// NewService creates a Service.
func NewService(store Store, mailer Mailer, cfg Config, logger zerolog.Logger) *Service {
	if cfg.BlockPenalty <= 0 {
		cfg.BlockPenalty = time.Hour
	}
	return &Service{
		store:  store,
		mailer: mailer,
		cfg:    cfg,
		logger: logger.With().Str("component", "recovery").Logger(),
	}
}

// Request processes one recovery attempt from clientIP for email. All three
// keyspaces are counted on every attempt and the strictest verdict wins, so
// rotating source addresses cannot stretch the per-email budget and a single
// address cannot burn through many emails.
func (s *Service) Request(ctx context.Context, clientIP, email string) (*Result, error) {
	email = models.NormalizeEmail(email)

	checks := []struct {
		identifier string
		limitType  models.LimitType
		caps       Caps
	}{
		{clientIP, models.LimitRecoveryPerIP, s.cfg.PerIP},
		{email, models.LimitRecoveryPerEmail, s.cfg.PerEmail},
		{clientIP + "|" + email, models.LimitRecoveryPerCombo, s.cfg.PerCombo},
	}

	now := time.Now()
	var blockedUntil time.Time
	for _, check := range checks {
		decision, err := s.store.CheckAndIncrementRateLimit(ctx, check.identifier, check.limitType,
			check.caps.Hourly, check.caps.Daily, s.cfg.BlockPenalty)
		if err != nil {
			return nil, err
		}
		if !decision.Allowed && decision.BlockedUntil.After(blockedUntil) {
			blockedUntil = decision.BlockedUntil
		}
	}

	if !blockedUntil.IsZero() {
		metrics.RecoveryRequests.WithLabelValues("blocked").Inc()
		s.audit(ctx, nil, models.AuditActionRecoveryBlocked, map[string]any{
			"ip": clientIP,
		})
		retryAfter := blockedUntil.Sub(now)
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		return &Result{Blocked: true, RetryAfter: retryAfter}, nil
	}

	customer, err := s.store.GetCustomerByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			// Same externally visible outcome as a hit.
			metrics.RecoveryRequests.WithLabelValues("unknown_email").Inc()
			return &Result{}, nil
		}
		return nil, err
	}

	metrics.RecoveryRequests.WithLabelValues("sent").Inc()
	s.audit(ctx, &customer.ID, models.AuditActionRecoveryRequested, map[string]any{
		"ip": clientIP,
	})

	// The credential is immutable once issued; recovery resends the one on
	// file rather than minting a replacement, so devices already unlocked
	// with it keep working.
	if s.mailer != nil {
		to, credential := customer.Email, customer.Credential
		go func() {
			if err := s.mailer.SendRecoveryCredential(to, credential); err != nil {
				s.logger.Error().Err(err).Msg("failed to send recovery credential")
			}
		}()
	}
	return &Result{}, nil
}

func (s *Service) audit(ctx context.Context, customerID *uuid.UUID, action models.AuditAction, details map[string]any) {
	if err := s.store.CreateAuditEvent(ctx, models.NewAuditEvent(customerID, action, details)); err != nil {
		s.logger.Error().Err(err).Str("action", string(action)).Msg("failed to write audit event")
	}
}
