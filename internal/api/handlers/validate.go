package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/tillware/license-server/internal/db"
	"github.com/tillware/license-server/internal/models"
	"github.com/tillware/license-server/internal/validation"
)

// Validator defines the validation engine interface.
type Validator interface {
	Validate(ctx context.Context, email, credential, fingerprint string, opts validation.Options) (*validation.Verdict, error)
}

// ValidateRequest is the body of a validation call.
type ValidateRequest struct {
	Email       string `json:"email" binding:"required"`
	Credential  string `json:"credential" binding:"required"`
	Fingerprint string `json:"fingerprint"`

	// ManageSession binds the device to the license slot in the same call.
	ManageSession bool              `json:"manage_session"`
	SessionID     string            `json:"session_id"`
	Device        models.DeviceInfo `json:"device"`
}

// ValidateHandler serves license validation.
type ValidateHandler struct {
	engine Validator
	logger zerolog.Logger
}

// NewValidateHandler creates a new ValidateHandler.
func NewValidateHandler(engine Validator, logger zerolog.Logger) *ValidateHandler {
	return &ValidateHandler{
		engine: engine,
		logger: logger.With().Str("component", "validate_handler").Logger(),
	}
}

// RegisterRoutes registers the validation endpoint.
func (h *ValidateHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/validate", h.Validate)
}

// Validate checks a license and returns the verdict with cache guidance.
// The 401 body is identical for unknown emails and wrong credentials.
// POST /v1/validate
func (h *ValidateHandler) Validate(c *gin.Context) {
	var req ValidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email and credential are required"})
		return
	}
	if req.ManageSession && req.SessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id is required with manage_session"})
		return
	}

	verdict, err := h.engine.Validate(c.Request.Context(), req.Email, req.Credential, req.Fingerprint, validation.Options{
		ManageSession: req.ManageSession,
		SessionID:     req.SessionID,
		Device:        req.Device,
	})
	if err != nil {
		switch {
		case errors.Is(err, validation.ErrInvalidCredentials):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		case errors.Is(err, validation.ErrServiceUnavailable):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "service temporarily unavailable", "retryable": true})
		case errors.Is(err, db.ErrSessionIDInUse):
			c.JSON(http.StatusConflict, gin.H{"error": "session id is not available"})
		default:
			h.logger.Error().Err(err).Msg("validation failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return
	}

	c.JSON(http.StatusOK, verdict)
}
