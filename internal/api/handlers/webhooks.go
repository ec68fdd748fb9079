package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/tillware/license-server/internal/webhooks"
)

// PaymentProcessor defines the webhook processing interface.
type PaymentProcessor interface {
	Process(ctx context.Context, body []byte, signatureHeader string) error
}

// WebhooksHandler receives payment provider webhook deliveries.
type WebhooksHandler struct {
	processor PaymentProcessor
	logger    zerolog.Logger
}

// NewWebhooksHandler creates a new WebhooksHandler.
func NewWebhooksHandler(processor PaymentProcessor, logger zerolog.Logger) *WebhooksHandler {
	return &WebhooksHandler{
		processor: processor,
		logger:    logger.With().Str("component", "webhooks_handler").Logger(),
	}
}

// RegisterRoutes registers the webhook endpoint.
func (h *WebhooksHandler) RegisterRoutes(r *gin.Engine) {
	r.POST("/webhooks/payment", h.Receive)
}

// Receive handles one webhook delivery. Duplicates get the same 200 as first
// deliveries; a 4xx tells the provider the delivery itself is broken and a
// retry cannot help, a 5xx invites one.
// POST /webhooks/payment
func (h *WebhooksHandler) Receive(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	err = h.processor.Process(c.Request.Context(), body, c.GetHeader(webhooks.SignatureHeader))
	if err != nil {
		switch {
		case errors.Is(err, webhooks.ErrBadSignature):
			h.logger.Warn().Str("client_ip", c.ClientIP()).Msg("webhook signature rejected")
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signature"})
		case errors.Is(err, webhooks.ErrMalformedPayload), errors.Is(err, webhooks.ErrUnknownEventType):
			h.logger.Warn().Err(err).Msg("webhook payload rejected")
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		default:
			h.logger.Error().Err(err).Msg("webhook processing failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "processing failed"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}
