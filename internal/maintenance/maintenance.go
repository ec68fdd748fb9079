// Package maintenance runs the background sweeps that keep the license
// server's tables bounded: abandoned webhook receipts, stale sessions,
// expired rate-limit buckets, and retention of audit history.
package maintenance

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/tillware/license-server/internal/models"
)

// Store defines the data access the maintenance sweeps need.
type Store interface {
	ReclaimAbandonedReceipts(ctx context.Context, timeout time.Duration, reason string) (int64, error)
	ExpireStaleSessions(ctx context.Context, cutoff time.Time) (int64, error)
	PruneRateLimitBuckets(ctx context.Context, cutoff time.Time) (int64, error)
	GetWebhookReceiptsBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.WebhookReceipt, error)
	DeleteWebhookReceiptsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	GetAuditEventsBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.AuditEvent, error)
	DeleteAuditEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Archiver exports rows before they are pruned. Nil disables archival and
// retention deletes without a copy.
type Archiver interface {
	Export(ctx context.Context, kind string, rows []any) (string, error)
}

// Config holds the sweep policy.
type Config struct {
	// ReceiptTimeout is how long a processing receipt may sit before it is
	// presumed abandoned by a crashed worker and flipped to failed.
	ReceiptTimeout time.Duration
	// SessionLiveness mirrors the coordinator's heartbeat window.
	SessionLiveness time.Duration
	// RetentionDays bounds webhook receipt and audit event history.
	RetentionDays int
}

// archiveBatchLimit caps rows fetched per retention export.
const archiveBatchLimit = 10000

// Service owns the cron schedule for all sweeps.
type Service struct {
	store    Store
	archiver Archiver
	cfg      Config
	cron     *cron.Cron
	logger   zerolog.Logger
	mu       sync.Mutex
	running  bool
}

// NewService creates a maintenance service.
func NewService(store Store, archiver Archiver, cfg Config, logger zerolog.Logger) *Service {
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = 10 * time.Minute
	}
	if cfg.SessionLiveness <= 0 {
		cfg.SessionLiveness = 5 * time.Minute
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 90
	}
	return &Service{
		store:    store,
		archiver: archiver,
		cfg:      cfg,
		cron:     cron.New(),
		logger:   logger.With().Str("component", "maintenance").Logger(),
	}
}

// Start registers and begins all sweeps.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("maintenance service already running")
	}

	jobs := []struct {
		spec string
		fn   func()
	}{
		{"* * * * *", s.runReclaimReceipts},
		{"*/5 * * * *", s.runExpireSessions},
		{"0 * * * *", s.runPruneRateLimits},
		{"0 3 * * *", s.runRetention},
	}
	for _, job := range jobs {
		if _, err := s.cron.AddFunc(job.spec, job.fn); err != nil {
			return err
		}
	}

	s.cron.Start()
	s.running = true

	s.logger.Info().
		Dur("receipt_timeout", s.cfg.ReceiptTimeout).
		Dur("session_liveness", s.cfg.SessionLiveness).
		Int("retention_days", s.cfg.RetentionDays).
		Msg("maintenance service started")
	return nil
}

// Stop stops the scheduler gracefully.
func (s *Service) Stop() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}

	s.running = false
	s.logger.Info().Msg("stopping maintenance service")
	return s.cron.Stop()
}

// runReclaimReceipts flips processing receipts past the timeout to failed so
// the provider's next redelivery can reclaim them. Never touches completed
// rows.
func (s *Service) runReclaimReceipts() {
	ctx := context.Background()
	reclaimed, err := s.store.ReclaimAbandonedReceipts(ctx, s.cfg.ReceiptTimeout, "processing timeout exceeded")
	if err != nil {
		s.logger.Error().Err(err).Msg("receipt reclaim sweep failed")
		return
	}
	if reclaimed > 0 {
		s.logger.Warn().Int64("receipts", reclaimed).Msg("marked abandoned webhook receipts failed")
	}
}

// runExpireSessions demotes active sessions whose heartbeat lapsed. The
// coordinator already treats them as stale; this keeps the table honest.
func (s *Service) runExpireSessions() {
	ctx := context.Background()
	expired, err := s.store.ExpireStaleSessions(ctx, time.Now().Add(-s.cfg.SessionLiveness))
	if err != nil {
		s.logger.Error().Err(err).Msg("session expiry sweep failed")
		return
	}
	if expired > 0 {
		s.logger.Info().Int64("sessions", expired).Msg("expired stale sessions")
	}
}

// runPruneRateLimits drops buckets whose window and block both lapsed. A day
// of slack keeps daily windows intact across the sweep.
func (s *Service) runPruneRateLimits() {
	ctx := context.Background()
	pruned, err := s.store.PruneRateLimitBuckets(ctx, time.Now().Add(-48*time.Hour))
	if err != nil {
		s.logger.Error().Err(err).Msg("rate limit prune sweep failed")
		return
	}
	if pruned > 0 {
		s.logger.Info().Int64("buckets", pruned).Msg("pruned rate limit buckets")
	}
}

// runRetention archives then deletes webhook receipts and audit events older
// than the retention window. Deletion is skipped when the export fails so
// nothing is lost.
func (s *Service) runRetention() {
	ctx := context.Background()
	cutoff := time.Now().AddDate(0, 0, -s.cfg.RetentionDays)

	s.retainReceipts(ctx, cutoff)
	s.retainAuditEvents(ctx, cutoff)
}

func (s *Service) retainReceipts(ctx context.Context, cutoff time.Time) {
	if s.archiver != nil {
		receipts, err := s.store.GetWebhookReceiptsBefore(ctx, cutoff, archiveBatchLimit)
		if err != nil {
			s.logger.Error().Err(err).Msg("failed to load receipts for archival")
			return
		}
		rows := make([]any, len(receipts))
		for i, r := range receipts {
			rows[i] = r
		}
		if _, err := s.archiver.Export(ctx, "webhook_receipts", rows); err != nil {
			s.logger.Error().Err(err).Msg("receipt archival failed, skipping prune")
			return
		}
	}

	deleted, err := s.store.DeleteWebhookReceiptsBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error().Err(err).Msg("receipt retention prune failed")
		return
	}
	if deleted > 0 {
		s.logger.Info().Int64("receipts", deleted).Msg("pruned aged webhook receipts")
	}
}

func (s *Service) retainAuditEvents(ctx context.Context, cutoff time.Time) {
	if s.archiver != nil {
		events, err := s.store.GetAuditEventsBefore(ctx, cutoff, archiveBatchLimit)
		if err != nil {
			s.logger.Error().Err(err).Msg("failed to load audit events for archival")
			return
		}
		rows := make([]any, len(events))
		for i, ev := range events {
			rows[i] = ev
		}
		if _, err := s.archiver.Export(ctx, "audit_events", rows); err != nil {
			s.logger.Error().Err(err).Msg("audit archival failed, skipping prune")
			return
		}
	}

	deleted, err := s.store.DeleteAuditEventsBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error().Err(err).Msg("audit retention prune failed")
		return
	}
	if deleted > 0 {
		s.logger.Info().Int64("events", deleted).Msg("pruned aged audit events")
	}
}

// RunRetentionNow triggers an immediate retention pass (license-admin).
func (s *Service) RunRetentionNow() {
	s.runRetention()
}
