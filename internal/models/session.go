package models

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus defines the lifecycle state of a device session.
type SessionStatus string

const (
	// SessionActive is a session currently holding the license slot.
	SessionActive SessionStatus = "active"
	// SessionEnded is a session the device closed voluntarily.
	SessionEnded SessionStatus = "ended"
	// SessionKicked is a session displaced by a takeover from another device.
	SessionKicked SessionStatus = "kicked"
)

// DeviceInfo is free-form metadata describing the device holding a session.
// It is surfaced to other devices during conflicts so a human can decide.
type DeviceInfo struct {
	Hostname   string `json:"hostname,omitempty"`
	OS         string `json:"os,omitempty"`
	AppVersion string `json:"app_version,omitempty"`
}

// Session represents one device's claim on a license. The session id is
// supplied by the caller and opaque to the server.
type Session struct {
	ID              uuid.UUID     `json:"id"`
	SessionID       string        `json:"session_id"`
	CustomerID      uuid.UUID     `json:"customer_id"`
	FingerprintHash string        `json:"-"`
	Device          DeviceInfo    `json:"device"`
	Status          SessionStatus `json:"status"`
	CreatedAt       time.Time     `json:"created_at"`
	LastHeartbeatAt time.Time     `json:"last_heartbeat_at"`
}

// NewSession creates an active session for a customer.
func NewSession(customerID uuid.UUID, sessionID, fingerprintHash string, device DeviceInfo) *Session {
	now := time.Now()
	return &Session{
		ID:              uuid.New(),
		SessionID:       sessionID,
		CustomerID:      customerID,
		FingerprintHash: fingerprintHash,
		Device:          device,
		Status:          SessionActive,
		CreatedAt:       now,
		LastHeartbeatAt: now,
	}
}

// IsLive reports whether the session's heartbeat is inside the liveness
// window at the given instant. A session that stopped heartbeating is stale
// and non-binding even if still marked active.
func (s *Session) IsLive(now time.Time, liveness time.Duration) bool {
	return s.Status == SessionActive && now.Sub(s.LastHeartbeatAt) <= liveness
}
