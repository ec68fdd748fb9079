// Package sessions enforces the single-active-device invariant per license.
package sessions

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

// DefaultLiveness is the heartbeat gap after which a session stops binding
// the license slot.
const DefaultLiveness = 5 * time.Minute

// ErrSessionNotFound is returned by Heartbeat and End when no session row
// matches; the client should restart its session.
var ErrSessionNotFound = errors.New("session not found")

// Store is the persistence surface the coordinator needs. All arbitration
// between concurrent devices happens inside these methods, on the store's
// transactions, because multiple server instances run at once.
type Store interface {
	StartSessionExclusive(ctx context.Context, s *models.Session, liveness time.Duration) (*models.Session, error)
	TakeoverSession(ctx context.Context, s *models.Session) ([]*models.Session, error)
	HeartbeatSession(ctx context.Context, sessionID string, at time.Time) error
	EndSession(ctx context.Context, sessionID string) error
	GetSessionByID(ctx context.Context, sessionID string) (*models.Session, error)
	UpdateCustomerFingerprint(ctx context.Context, id uuid.UUID, fingerprintHash string) (string, error)
	CreateAuditEvent(ctx context.Context, ev *models.AuditEvent) error
}

// Notifier dispatches device-change security alerts. Fire-and-forget.
type Notifier interface {
	SendNewDeviceAlert(to string, device models.DeviceInfo) error
}

// StartResult is the outcome of a Start or Takeover call. Conflict is data,
// not an error: it is a frequent, user-facing decision point.
type StartResult struct {
	Session *models.Session
	// Conflict holds the live session on another device when the start was
	// refused. Nil means the caller now holds the slot.
	Conflict *models.Session
	// Kicked lists sessions displaced by a takeover.
	Kicked []*models.Session
}

// HeartbeatResult reports what happened to a session since its last beat.
type HeartbeatResult struct {
	// Kicked is true when the session was displaced by a takeover; the
	// client should inform the user rather than silently retry.
	Kicked bool
}

// Coordinator tracks at most one active device session per customer.
type Coordinator struct {
	store    Store
	notifier Notifier
	liveness time.Duration
	logger   zerolog.Logger
}

// NewCoordinator creates a Coordinator. A zero liveness selects DefaultLiveness.
func NewCoordinator(store Store, notifier Notifier, liveness time.Duration, logger zerolog.Logger) *Coordinator {
	if liveness <= 0 {
		liveness = DefaultLiveness
	}
	return &Coordinator{
		store:    store,
		notifier: notifier,
		liveness: liveness,
		logger:   logger.With().Str("component", "session_coordinator").Logger(),
	}
}

// Start claims the license slot for a device. If another session is live for
// the customer the result carries its device metadata and no state changes.
// Restarting one's own session id refreshes it idempotently; a stale holder
// (no heartbeat inside the liveness window) never blocks a new start.
func (c *Coordinator) Start(ctx context.Context, customer *models.Customer, sessionID, fingerprint string, device models.DeviceInfo) (*StartResult, error) {
	session := models.NewSession(customer.ID, sessionID, models.HashFingerprint(fingerprint), device)

	conflict, err := c.store.StartSessionExclusive(ctx, session, c.liveness)
	if err != nil {
		return nil, err
	}
	if conflict != nil {
		metrics.SessionConflicts.Inc()
		c.audit(ctx, customer.ID, models.AuditActionSessionStarted, map[string]any{
			"session_id": sessionID,
			"conflict":   conflict.SessionID,
		})
		return &StartResult{Conflict: conflict}, nil
	}

	c.afterActivate(ctx, customer, session)
	return &StartResult{Session: session}, nil
}

// Takeover forcibly transfers the license slot to this device. Every other
// active session flips to kicked before the new one activates; the call
// always succeeds for a validated license holder.
func (c *Coordinator) Takeover(ctx context.Context, customer *models.Customer, sessionID, fingerprint string, device models.DeviceInfo) (*StartResult, error) {
	session := models.NewSession(customer.ID, sessionID, models.HashFingerprint(fingerprint), device)

	kicked, err := c.store.TakeoverSession(ctx, session)
	if err != nil {
		return nil, err
	}

	for _, k := range kicked {
		metrics.SessionsKicked.Inc()
		c.audit(ctx, customer.ID, models.AuditActionSessionKicked, map[string]any{
			"session_id": k.SessionID,
			"taken_by":   sessionID,
		})
	}

	c.afterActivate(ctx, customer, session)
	return &StartResult{Session: session, Kicked: kicked}, nil
}

// Heartbeat extends a session's liveness. ErrSessionNotFound tells the
// client to restart; a kicked session is reported so the dispossessed device
// can tell its user what happened.
func (c *Coordinator) Heartbeat(ctx context.Context, sessionID string) (*HeartbeatResult, error) {
	err := c.store.HeartbeatSession(ctx, sessionID, time.Now())
	if err == nil {
		return &HeartbeatResult{}, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}

	session, getErr := c.store.GetSessionByID(ctx, sessionID)
	if getErr == nil && session.Status == models.SessionKicked {
		return &HeartbeatResult{Kicked: true}, nil
	}
	return nil, ErrSessionNotFound
}

// End voluntarily releases the license slot. Ending an already-ended or
// unknown session is a no-op.
func (c *Coordinator) End(ctx context.Context, sessionID string) error {
	session, err := c.store.GetSessionByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil
		}
		return err
	}

	if err := c.store.EndSession(ctx, sessionID); err != nil {
		return err
	}
	if session.Status == models.SessionActive {
		c.audit(ctx, session.CustomerID, models.AuditActionSessionEnded, map[string]any{
			"session_id": sessionID,
		})
	}
	return nil
}

// afterActivate records the session start, rebinds the customer's
// fingerprint, and alerts on a device change. The alert must not block or
// fail the coordinator call.
func (c *Coordinator) afterActivate(ctx context.Context, customer *models.Customer, session *models.Session) {
	c.audit(ctx, customer.ID, models.AuditActionSessionStarted, map[string]any{
		"session_id": session.SessionID,
		"hostname":   session.Device.Hostname,
	})

	previous, err := c.store.UpdateCustomerFingerprint(ctx, customer.ID, session.FingerprintHash)
	if err != nil {
		c.logger.Error().Err(err).Str("customer_id", customer.ID.String()).Msg("failed to update customer fingerprint")
		return
	}

	if previous != "" && previous != session.FingerprintHash && c.notifier != nil {
		email := customer.Email
		device := session.Device
		go func() {
			if err := c.notifier.SendNewDeviceAlert(email, device); err != nil {
				c.logger.Error().Err(err).Msg("failed to send new device alert")
			}
		}()
	}
}

func (c *Coordinator) audit(ctx context.Context, customerID uuid.UUID, action models.AuditAction, details map[string]any) {
	if err := c.store.CreateAuditEvent(ctx, models.NewAuditEvent(&customerID, action, details)); err != nil {
		c.logger.Error().Err(err).Str("action", string(action)).Msg("failed to write audit event")
	}
}
