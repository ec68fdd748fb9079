package db

import (
	"context"
	"fmt"
	"time"

	"github.com/tillware/license-server/internal/models"
)

// CreateAuditEvent appends an audit event. Audit rows are never mutated.
func (db *DB) CreateAuditEvent(ctx context.Context, ev *models.AuditEvent) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO audit_events (id, customer_id, action, details, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, ev.ID, ev.CustomerID, string(ev.Action), ev.Details, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("create audit event: %w", err)
	}
	return nil
}

// GetAuditEventsBefore returns audit events older than the cutoff, oldest
// first, for archival.
func (db *DB) GetAuditEventsBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.AuditEvent, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, customer_id, action, details, created_at
		FROM audit_events
		WHERE created_at < $1
		ORDER BY created_at
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("get audit events before cutoff: %w", err)
	}
	defer rows.Close()

	var events []*models.AuditEvent
	for rows.Next() {
		var ev models.AuditEvent
		if err := rows.Scan(&ev.ID, &ev.CustomerID, &ev.Action, &ev.Details, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return events, nil
}

// DeleteAuditEventsBefore prunes audit events older than the cutoff. Only the
// retention sweep calls this, after archival.
func (db *DB) DeleteAuditEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := db.Pool.Exec(ctx, `
		DELETE FROM audit_events
		WHERE created_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete audit events: %w", err)
	}
	return tag.RowsAffected(), nil
}
