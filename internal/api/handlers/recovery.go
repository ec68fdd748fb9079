package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/tillware/license-server/internal/recovery"
)

// RecoveryService defines the credential recovery interface.
type RecoveryService interface {
	Request(ctx context.Context, clientIP, email string) (*recovery.Result, error)
}

// RecoverRequest is the body of a recovery call.
type RecoverRequest struct {
	Email string `json:"email" binding:"required"`
}

// recoveryMessage is returned for every non-throttled outcome, hit or miss.
const recoveryMessage = "If that email has a license, a recovery message is on its way."

// RecoveryHandler serves credential recovery.
type RecoveryHandler struct {
	service RecoveryService
	logger  zerolog.Logger
}

// NewRecoveryHandler creates a new RecoveryHandler.
func NewRecoveryHandler(service RecoveryService, logger zerolog.Logger) *RecoveryHandler {
	return &RecoveryHandler{
		service: service,
		logger:  logger.With().Str("component", "recovery_handler").Logger(),
	}
}

// RegisterRoutes registers the recovery endpoint under the given group.
func (h *RecoveryHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/recover", h.Recover)
}

// Recover handles a credential recovery request. The only externally
// distinguishable outcomes are 400 (no email), 429 (throttled), and the
// generic success.
// POST /v1/recover
func (h *RecoveryHandler) Recover(c *gin.Context) {
	var req RecoverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email is required"})
		return
	}

	result, err := h.service.Request(c.Request.Context(), c.ClientIP(), req.Email)
	if err != nil {
		h.logger.Error().Err(err).Msg("recovery request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	if result.Blocked {
		retryAfter := int(result.RetryAfter.Seconds())
		c.Header("Retry-After", strconv.Itoa(retryAfter))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":       "too many recovery attempts",
			"retry_after": retryAfter,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": recoveryMessage})
}
