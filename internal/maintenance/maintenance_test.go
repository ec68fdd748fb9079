package maintenance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/tillware/license-server/internal/models"
)

type mockMaintenanceStore struct {
	reclaimTimeout time.Duration
	expireCutoff   time.Time
	pruneCutoff    time.Time

	receipts []*models.WebhookReceipt
	events   []*models.AuditEvent

	receiptsDeleted bool
	eventsDeleted   bool
}

func (m *mockMaintenanceStore) ReclaimAbandonedReceipts(ctx context.Context, timeout time.Duration, reason string) (int64, error) {
	m.reclaimTimeout = timeout
	return 2, nil
}

func (m *mockMaintenanceStore) ExpireStaleSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	m.expireCutoff = cutoff
	return 1, nil
}

func (m *mockMaintenanceStore) PruneRateLimitBuckets(ctx context.Context, cutoff time.Time) (int64, error) {
	m.pruneCutoff = cutoff
	return 3, nil
}

func (m *mockMaintenanceStore) GetWebhookReceiptsBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.WebhookReceipt, error) {
	return m.receipts, nil
}

func (m *mockMaintenanceStore) DeleteWebhookReceiptsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.receiptsDeleted = true
	return int64(len(m.receipts)), nil
}

func (m *mockMaintenanceStore) GetAuditEventsBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.AuditEvent, error) {
	return m.events, nil
}

func (m *mockMaintenanceStore) DeleteAuditEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.eventsDeleted = true
	return int64(len(m.events)), nil
}

type mockArchiver struct {
	err     error
	exports map[string]int
}

func (m *mockArchiver) Export(ctx context.Context, kind string, rows []any) (string, error) {
	if m.exports == nil {
		m.exports = make(map[string]int)
	}
	m.exports[kind] = len(rows)
	if m.err != nil {
		return "", m.err
	}
	return "s3://bucket/" + kind, nil
}

func newTestService(store Store, archiver Archiver) *Service {
	return NewService(store, archiver, Config{}, zerolog.Nop())
}

func TestConfigDefaults(t *testing.T) {
	s := newTestService(&mockMaintenanceStore{}, nil)
	if s.cfg.ReceiptTimeout != 10*time.Minute {
		t.Errorf("receipt timeout default = %v", s.cfg.ReceiptTimeout)
	}
	if s.cfg.SessionLiveness != 5*time.Minute {
		t.Errorf("session liveness default = %v", s.cfg.SessionLiveness)
	}
	if s.cfg.RetentionDays != 90 {
		t.Errorf("retention days default = %d", s.cfg.RetentionDays)
	}
}

func TestStartStop(t *testing.T) {
	s := newTestService(&mockMaintenanceStore{}, nil)

	if err := s.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := s.Start(); err == nil {
		t.Fatal("second start must fail")
	}

	<-s.Stop().Done()

	// Stop on a stopped service is a no-op.
	<-s.Stop().Done()
}

func TestReclaimSweepUsesConfiguredTimeout(t *testing.T) {
	store := &mockMaintenanceStore{}
	s := NewService(store, nil, Config{ReceiptTimeout: 20 * time.Minute}, zerolog.Nop())

	s.runReclaimReceipts()

	if store.reclaimTimeout != 20*time.Minute {
		t.Fatalf("reclaim used %v, want 20m", store.reclaimTimeout)
	}
}

func TestExpireSweepCutoff(t *testing.T) {
	store := &mockMaintenanceStore{}
	s := NewService(store, nil, Config{SessionLiveness: 5 * time.Minute}, zerolog.Nop())

	before := time.Now().Add(-5 * time.Minute)
	s.runExpireSessions()
	after := time.Now().Add(-5 * time.Minute)

	if store.expireCutoff.Before(before) || store.expireCutoff.After(after) {
		t.Fatalf("expire cutoff %v outside [%v, %v]", store.expireCutoff, before, after)
	}
}

func TestRetentionArchivesThenDeletes(t *testing.T) {
	store := &mockMaintenanceStore{
		receipts: []*models.WebhookReceipt{{EventID: "evt_old"}},
		events:   []*models.AuditEvent{{}, {}},
	}
	archiver := &mockArchiver{}
	s := newTestService(store, archiver)

	s.RunRetentionNow()

	if archiver.exports["webhook_receipts"] != 1 || archiver.exports["audit_events"] != 2 {
		t.Fatalf("unexpected export counts: %v", archiver.exports)
	}
	if !store.receiptsDeleted || !store.eventsDeleted {
		t.Fatal("expected both tables pruned after a successful export")
	}
}

func TestRetentionSkipsDeleteWhenExportFails(t *testing.T) {
	store := &mockMaintenanceStore{
		receipts: []*models.WebhookReceipt{{EventID: "evt_old"}},
		events:   []*models.AuditEvent{{}},
	}
	archiver := &mockArchiver{err: errors.New("bucket gone")}
	s := newTestService(store, archiver)

	s.RunRetentionNow()

	if store.receiptsDeleted || store.eventsDeleted {
		t.Fatal("rows must survive a failed export")
	}
}

func TestRetentionWithoutArchiverDeletes(t *testing.T) {
	store := &mockMaintenanceStore{
		receipts: []*models.WebhookReceipt{{EventID: "evt_old"}},
	}
	s := newTestService(store, nil)

	s.RunRetentionNow()

	if !store.receiptsDeleted {
		t.Fatal("nil archiver means retention deletes without a copy")
	}
}
