package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/tillware/license-server/internal/validation"
)

// HealthStatus represents the health status of a component.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthResponse is the response for the health endpoint.
type HealthResponse struct {
	Status   HealthStatus   `json:"status"`
	Database map[string]any `json:"database,omitempty"`
	Breaker  string         `json:"breaker"`
	Error    string         `json:"error,omitempty"`
}

// DatabaseHealthChecker defines the interface for database health checking.
type DatabaseHealthChecker interface {
	Ping(ctx context.Context) error
	Health() map[string]any
}

// BreakerReporter exposes the validation engine's breaker state.
type BreakerReporter interface {
	BreakerState() validation.BreakerState
}

// HealthHandler handles the health endpoint.
type HealthHandler struct {
	db      DatabaseHealthChecker
	breaker BreakerReporter
	logger  zerolog.Logger
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(db DatabaseHealthChecker, breaker BreakerReporter, logger zerolog.Logger) *HealthHandler {
	return &HealthHandler{
		db:      db,
		breaker: breaker,
		logger:  logger.With().Str("component", "health_handler").Logger(),
	}
}

// RegisterPublicRoutes registers the health endpoint.
func (h *HealthHandler) RegisterPublicRoutes(r *gin.Engine) {
	r.GET("/healthz", h.Healthz)
}

// Healthz reports server health. An open breaker degrades the status without
// failing it: fallback verdicts still serve.
// GET /healthz
func (h *HealthHandler) Healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	response := &HealthResponse{
		Status:  HealthStatusHealthy,
		Breaker: breakerStateString(h.breaker.BreakerState()),
	}

	if err := h.db.Ping(ctx); err != nil {
		h.logger.Warn().Err(err).Msg("database health check failed")
		response.Status = HealthStatusUnhealthy
		response.Error = "database ping failed"
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}
	response.Database = h.db.Health()

	if h.breaker.BreakerState() != validation.BreakerClosed {
		response.Status = HealthStatusDegraded
	}

	c.JSON(http.StatusOK, response)
}

func breakerStateString(s validation.BreakerState) string {
	switch s {
	case validation.BreakerOpen:
		return "open"
	case validation.BreakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}
