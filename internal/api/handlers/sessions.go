package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/tillware/license-server/internal/db"
	"github.com/tillware/license-server/internal/models"
	"github.com/tillware/license-server/internal/sessions"
	"github.com/tillware/license-server/internal/validation"
)

// Authenticator resolves credentials to a customer.
type Authenticator interface {
	Authenticate(ctx context.Context, email, credential string) (*models.Customer, error)
}

// SessionCoordinator defines the coordinator interface the handler needs.
type SessionCoordinator interface {
	Start(ctx context.Context, customer *models.Customer, sessionID, fingerprint string, device models.DeviceInfo) (*sessions.StartResult, error)
	Takeover(ctx context.Context, customer *models.Customer, sessionID, fingerprint string, device models.DeviceInfo) (*sessions.StartResult, error)
	Heartbeat(ctx context.Context, sessionID string) (*sessions.HeartbeatResult, error)
	End(ctx context.Context, sessionID string) error
}

// StartSessionRequest is the body of start and takeover calls.
type StartSessionRequest struct {
	Email       string            `json:"email" binding:"required"`
	Credential  string            `json:"credential" binding:"required"`
	SessionID   string            `json:"session_id" binding:"required"`
	Fingerprint string            `json:"fingerprint"`
	Device      models.DeviceInfo `json:"device"`
}

// SessionRefRequest is the body of heartbeat and end calls.
type SessionRefRequest struct {
	SessionID string `json:"session_id" binding:"required"`
}

// SessionConflict is the 409 payload for a refused start.
type SessionConflict struct {
	SessionID string            `json:"session_id"`
	Device    models.DeviceInfo `json:"device"`
	LastSeen  time.Time         `json:"last_seen"`
}

// SessionsHandler serves device session coordination.
type SessionsHandler struct {
	auth        Authenticator
	coordinator SessionCoordinator
	logger      zerolog.Logger
}

// NewSessionsHandler creates a new SessionsHandler.
func NewSessionsHandler(auth Authenticator, coordinator SessionCoordinator, logger zerolog.Logger) *SessionsHandler {
	return &SessionsHandler{
		auth:        auth,
		coordinator: coordinator,
		logger:      logger.With().Str("component", "sessions_handler").Logger(),
	}
}

// RegisterRoutes registers session endpoints under the given group.
func (h *SessionsHandler) RegisterRoutes(r *gin.RouterGroup) {
	group := r.Group("/sessions")
	{
		group.POST("/start", h.Start)
		group.POST("/takeover", h.Takeover)
		group.POST("/heartbeat", h.Heartbeat)
		group.POST("/end", h.End)
	}
}

// Start claims the license slot for a device. A live session on another
// device yields 409 with that device's metadata so the client can offer a
// takeover.
// POST /v1/sessions/start
func (h *SessionsHandler) Start(c *gin.Context) {
	req, customer, ok := h.authenticate(c)
	if !ok {
		return
	}

	result, err := h.coordinator.Start(c.Request.Context(), customer, req.SessionID, req.Fingerprint, req.Device)
	if err != nil {
		if errors.Is(err, db.ErrSessionIDInUse) {
			c.JSON(http.StatusConflict, gin.H{"error": "session id is not available"})
			return
		}
		h.logger.Error().Err(err).Msg("session start failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	if result.Conflict != nil {
		c.JSON(http.StatusConflict, gin.H{
			"error": "another device holds an active session",
			"conflict": SessionConflict{
				SessionID: result.Conflict.SessionID,
				Device:    result.Conflict.Device,
				LastSeen:  result.Conflict.LastHeartbeatAt,
			},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id": result.Session.SessionID,
		"status":     result.Session.Status,
	})
}

// Takeover transfers the license slot to this device, displacing any other
// active session. Always succeeds for a valid license holder.
// POST /v1/sessions/takeover
func (h *SessionsHandler) Takeover(c *gin.Context) {
	req, customer, ok := h.authenticate(c)
	if !ok {
		return
	}

	result, err := h.coordinator.Takeover(c.Request.Context(), customer, req.SessionID, req.Fingerprint, req.Device)
	if err != nil {
		if errors.Is(err, db.ErrSessionIDInUse) {
			c.JSON(http.StatusConflict, gin.H{"error": "session id is not available"})
			return
		}
		h.logger.Error().Err(err).Msg("session takeover failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id": result.Session.SessionID,
		"status":     result.Session.Status,
		"kicked":     len(result.Kicked),
	})
}

// Heartbeat extends a session's liveness window. 404 means the session is
// unknown and the client should start a new one; a kicked session is
// reported in-band so the client can tell its user.
// POST /v1/sessions/heartbeat
func (h *SessionsHandler) Heartbeat(c *gin.Context) {
	var req SessionRefRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id is required"})
		return
	}

	result, err := h.coordinator.Heartbeat(c.Request.Context(), req.SessionID)
	if err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		h.logger.Error().Err(err).Msg("session heartbeat failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true, "kicked": result.Kicked})
}

// End releases the license slot. Idempotent; ending an unknown session is
// still a success.
// POST /v1/sessions/end
func (h *SessionsHandler) End(c *gin.Context) {
	var req SessionRefRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id is required"})
		return
	}

	if err := h.coordinator.End(c.Request.Context(), req.SessionID); err != nil {
		h.logger.Error().Err(err).Msg("session end failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// authenticate binds the request body and resolves the caller's customer.
// Writes the response itself on failure.
func (h *SessionsHandler) authenticate(c *gin.Context) (*StartSessionRequest, *models.Customer, bool) {
	var req StartSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email, credential and session_id are required"})
		return nil, nil, false
	}

	customer, err := h.auth.Authenticate(c.Request.Context(), req.Email, req.Credential)
	if err != nil {
		switch {
		case errors.Is(err, validation.ErrInvalidCredentials):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		case errors.Is(err, validation.ErrBreakerOpen) || errors.Is(err, validation.ErrServiceUnavailable):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "service temporarily unavailable", "retryable": true})
		default:
			h.logger.Error().Err(err).Msg("session authentication failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return nil, nil, false
	}
	return &req, customer, true
}
