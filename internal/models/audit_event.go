package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AuditAction tags the kind of state transition an audit event records.
type AuditAction string

const (
	// AuditActionWebhookApplied records a payment lifecycle event being applied.
	AuditActionWebhookApplied AuditAction = "webhook_applied"
	// AuditActionWebhookFailed records a failed application attempt.
	AuditActionWebhookFailed AuditAction = "webhook_failed"
	// AuditActionValidation records a validation verdict.
	AuditActionValidation AuditAction = "validation"
	// AuditActionSessionStarted records a device acquiring the license slot.
	AuditActionSessionStarted AuditAction = "session_started"
	// AuditActionSessionEnded records a voluntary session end.
	AuditActionSessionEnded AuditAction = "session_ended"
	// AuditActionSessionKicked records a session displaced by takeover.
	AuditActionSessionKicked AuditAction = "session_kicked"
	// AuditActionRecoveryRequested records a credential recovery attempt.
	AuditActionRecoveryRequested AuditAction = "recovery_requested"
	// AuditActionRecoveryBlocked records a rate-limited recovery attempt.
	AuditActionRecoveryBlocked AuditAction = "recovery_blocked"
)

// AuditEvent is an immutable fact record. Audit events are written by every
// component and read by none of them; they exist for forensic replay.
type AuditEvent struct {
	ID         uuid.UUID       `json:"id"`
	CustomerID *uuid.UUID      `json:"customer_id,omitempty"`
	Action     AuditAction     `json:"action"`
	Details    json.RawMessage `json:"details,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// NewAuditEvent creates an audit event with a marshaled details payload.
// Marshal failures degrade to an event without details rather than dropping
// the fact entirely.
func NewAuditEvent(customerID *uuid.UUID, action AuditAction, details any) *AuditEvent {
	ev := &AuditEvent{
		ID:         uuid.New(),
		CustomerID: customerID,
		Action:     action,
		CreatedAt:  time.Now(),
	}
	if details != nil {
		if raw, err := json.Marshal(details); err == nil {
			ev.Details = raw
		}
	}
	return ev
}
