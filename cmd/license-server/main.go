// Package main is the entrypoint for the license coordination server.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/tillware/license-server/internal/api"
	"github.com/tillware/license-server/internal/archive"
	"github.com/tillware/license-server/internal/config"
	"github.com/tillware/license-server/internal/db"
	"github.com/tillware/license-server/internal/maintenance"
	"github.com/tillware/license-server/internal/models"
	"github.com/tillware/license-server/internal/notifications"
	"github.com/tillware/license-server/internal/recovery"
	"github.com/tillware/license-server/internal/sessions"
	"github.com/tillware/license-server/internal/validation"
	"github.com/tillware/license-server/internal/webhooks"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// mailer is the union of every outbound email surface the server uses.
type mailer interface {
	SendUnlockCredential(to, credential string) error
	SendRecoveryCredential(to, credential string) error
	SendPaymentFailedNotice(to string, failures int, portalURL string) error
	SendNewDeviceAlert(to string, device models.DeviceInfo) error
}

func main() {
	os.Exit(run())
}

func run() int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("version", Version).Logger()
	if os.Getenv("ENV") != string(config.EnvProduction) {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	logger.Info().
		Str("version", Version).
		Str("commit", Commit).
		Str("build_date", BuildDate).
		Msg("Starting license server")

	// Load configuration
	cfg := config.LoadServerConfig()

	if cfg.WebhookSigningSecret == "" {
		logger.Fatal().Msg("WEBHOOK_SIGNING_SECRET environment variable is required")
		return 1
	}

	// Connect to database
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		logger.Fatal().Msg("DATABASE_URL environment variable is required")
		return 1
	}

	database, err := db.New(ctx, db.DefaultConfig(databaseURL), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to database")
		return 1
	}
	defer database.Close()

	// Run migrations
	if err := database.MigrateUp(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to run database migrations")
		return 1
	}

	// Outbound email; log-only when SMTP is not configured
	var mail mailer
	if cfg.SMTP.Enabled() {
		emailService, err := notifications.NewEmailService(cfg.SMTP, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to initialize email service")
			return 1
		}
		mail = emailService
	} else {
		logger.Warn().Msg("SMTP not configured - customer emails will be logged and dropped")
		mail = notifications.NewLogMailer(logger)
	}

	// Webhook intake: idempotency guard + lifecycle processor
	guard := webhooks.NewGuard(database, logger)
	processor := webhooks.NewProcessor(database, guard, mail,
		cfg.WebhookSigningSecret, cfg.PaymentFailureThreshold, cfg.BillingPortalURL, logger)

	// Session coordination
	coordinator := sessions.NewCoordinator(database, mail, cfg.SessionLiveness, logger)

	// Validation engine
	engineCfg := validation.DefaultConfig()
	engineCfg.PaymentFailureThreshold = cfg.PaymentFailureThreshold
	engineCfg.ActivityCeiling = time.Duration(cfg.ActivityCeilingDays) * 24 * time.Hour
	engineCfg.BillingPortalURL = cfg.BillingPortalURL
	engine := validation.NewEngine(database, coordinator, engineCfg, logger)

	// Credential recovery
	recoverySvc := recovery.NewService(database, mail, recovery.Config{
		PerIP:        recovery.Caps{Hourly: cfg.RecoveryIPHourly, Daily: cfg.RecoveryIPDaily},
		PerEmail:     recovery.Caps{Hourly: cfg.RecoveryEmailHourly, Daily: cfg.RecoveryEmailDaily},
		PerCombo:     recovery.Caps{Hourly: cfg.RecoveryComboHourly, Daily: cfg.RecoveryComboDaily},
		BlockPenalty: cfg.RecoveryBlockPenalty,
	}, logger)

	// Optional S3 archival of aged rows
	var archiver maintenance.Archiver
	if cfg.Archive.Enabled() {
		exporter, err := archive.NewExporter(ctx, cfg.Archive, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to initialize archive exporter")
			return 1
		}
		if err := exporter.TestConnection(ctx); err != nil {
			logger.Fatal().Err(err).Msg("Archive bucket unreachable")
			return 1
		}
		archiver = exporter
	}

	// Build API router
	router, err := api.NewRouter(api.Config{
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitPeriod:   cfg.RateLimitPeriod,
		MaxBodyBytes:      cfg.MaxBodyBytes,
	}, database, processor, engine, coordinator, recoverySvc, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize router")
		return 1
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router.Engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	// Start server in background
	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	// Start maintenance sweeps
	maint := maintenance.NewService(database, archiver, maintenance.Config{
		ReceiptTimeout:  cfg.ReceiptProcessingTimeout,
		SessionLiveness: cfg.SessionLiveness,
		RetentionDays:   cfg.RetentionDays,
	}, logger)
	if err := maint.Start(); err != nil {
		logger.Error().Err(err).Msg("Failed to start maintenance service")
	}
	defer maint.Stop()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	logger.Info().Str("signal", sig.String()).Msg("Shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server shutdown error")
		return 1
	}

	logger.Info().Msg("Server stopped gracefully")
	return 0
}
