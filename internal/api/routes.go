// Package api provides the HTTP API for the license server.
package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/tillware/license-server/internal/api/handlers"
	"github.com/tillware/license-server/internal/api/middleware"
	"github.com/tillware/license-server/internal/db"
	"github.com/tillware/license-server/internal/recovery"
	"github.com/tillware/license-server/internal/sessions"
	"github.com/tillware/license-server/internal/validation"
	"github.com/tillware/license-server/internal/webhooks"
)

// Config holds configuration for the API router.
type Config struct {
	// RateLimitRequests is the number of requests allowed per period for the
	// global flood guard.
	RateLimitRequests int64
	// RateLimitPeriod is the duration string for rate limiting (e.g. "1m", "1h").
	RateLimitPeriod string
	// MaxBodyBytes caps request body sizes.
	MaxBodyBytes int64
}

// DefaultConfig returns a Config with sensible defaults for development.
func DefaultConfig() Config {
	return Config{
		RateLimitRequests: 300,
		RateLimitPeriod:   "1m",
		MaxBodyBytes:      1 << 20,
	}
}

// Router wraps a Gin engine with configured middleware and routes.
type Router struct {
	Engine *gin.Engine
	logger zerolog.Logger
}

// NewRouter creates a new Router with the given dependencies.
func NewRouter(
	cfg Config,
	database *db.DB,
	processor *webhooks.Processor,
	engine *validation.Engine,
	coordinator *sessions.Coordinator,
	recoverySvc *recovery.Service,
	logger zerolog.Logger,
) (*Router, error) {
	r := &Router{
		Engine: gin.New(),
		logger: logger.With().Str("component", "router").Logger(),
	}

	// Global middleware
	r.Engine.Use(gin.Recovery())
	r.Engine.Use(middleware.RequestLogger(logger))
	r.Engine.Use(middleware.SecurityHeaders())
	r.Engine.Use(middleware.BodyLimitMiddleware(cfg.MaxBodyBytes))

	rateLimiter, err := middleware.NewRateLimiter(cfg.RateLimitRequests, cfg.RateLimitPeriod)
	if err != nil {
		return nil, err
	}
	r.Engine.Use(rateLimiter)

	// Health and metrics (no auth)
	healthHandler := handlers.NewHealthHandler(database, engine, logger)
	healthHandler.RegisterPublicRoutes(r.Engine)
	r.Engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Payment provider webhook; authenticated by HMAC signature, not session
	webhooksHandler := handlers.NewWebhooksHandler(processor, logger)
	webhooksHandler.RegisterRoutes(r.Engine)

	// Client API; authenticated per request by license credentials
	apiV1 := r.Engine.Group("/v1")

	validateHandler := handlers.NewValidateHandler(engine, logger)
	validateHandler.RegisterRoutes(apiV1)

	sessionsHandler := handlers.NewSessionsHandler(engine, coordinator, logger)
	sessionsHandler.RegisterRoutes(apiV1)

	recoveryHandler := handlers.NewRecoveryHandler(recoverySvc, logger)
	recoveryHandler.RegisterRoutes(apiV1)

	r.logger.Info().Msg("API router initialized")
	return r, nil
}
