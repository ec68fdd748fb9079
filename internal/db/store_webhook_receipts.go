package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/tillware/license-server/internal/models"
)

const receiptColumns = `id, event_id, event_type, state, customer_id, payload,
	       retry_count, error_detail, created_at, updated_at`

func scanReceipt(row pgx.Row) (*models.WebhookReceipt, error) {
	var r models.WebhookReceipt
	err := row.Scan(&r.ID, &r.EventID, &r.EventType, &r.State, &r.CustomerID, &r.Payload,
		&r.RetryCount, &r.ErrorDetail, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan webhook receipt: %w", err)
	}
	return &r, nil
}

// ClaimWebhookEvent atomically claims an event id for processing. The insert
// races on the event_id uniqueness constraint: exactly one of N concurrent
// deliveries wins the claim. When the row already exists in the failed state,
// the redelivery reclaims it with a guarded update, so again only one
// concurrent redelivery wins.
//
// Returns (receipt, true) when the caller owns the claim and must apply the
// event then finalize; (receipt, false) when another delivery already holds
// or completed it.
func (db *DB) ClaimWebhookEvent(ctx context.Context, receipt *models.WebhookReceipt) (*models.WebhookReceipt, bool, error) {
	tag, err := db.Pool.Exec(ctx, `
		INSERT INTO webhook_receipts (id, event_id, event_type, state, payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (event_id) DO NOTHING
	`, receipt.ID, receipt.EventID, receipt.EventType, string(receipt.State),
		receipt.Payload, receipt.CreatedAt, receipt.UpdatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("claim webhook event: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return receipt, true, nil
	}

	// Someone saw this event id before us. A failed receipt is eligible for
	// retry on redelivery; the state guard in the WHERE clause makes the
	// reclaim race-safe.
	row := db.Pool.QueryRow(ctx, `
		UPDATE webhook_receipts
		SET state = 'processing', retry_count = retry_count + 1,
		    error_detail = '', updated_at = now()
		WHERE event_id = $1 AND state = 'failed'
		RETURNING `+receiptColumns+`
	`, receipt.EventID)
	reclaimed, err := scanReceipt(row)
	if err == nil {
		return reclaimed, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, fmt.Errorf("reclaim webhook event: %w", err)
	}

	existing, err := db.GetWebhookReceiptByEventID(ctx, receipt.EventID)
	if err != nil {
		return nil, false, fmt.Errorf("load existing webhook receipt: %w", err)
	}
	return existing, false, nil
}

// FinalizeWebhookEvent advances a processing receipt to completed or failed.
// The state guard means a receipt already reclaimed by the maintenance sweep
// is left alone.
func (db *DB) FinalizeWebhookEvent(ctx context.Context, eventID string, state models.ReceiptState, customerID *uuid.UUID, errDetail string) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE webhook_receipts
		SET state = $2, customer_id = COALESCE($3, customer_id), error_detail = $4, updated_at = now()
		WHERE event_id = $1 AND state = 'processing'
	`, eventID, string(state), customerID, errDetail)
	if err != nil {
		return fmt.Errorf("finalize webhook event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("finalize webhook event %s: %w", eventID, ErrNotFound)
	}
	return nil
}

// GetWebhookReceiptByEventID returns the receipt for an external event id.
func (db *DB) GetWebhookReceiptByEventID(ctx context.Context, eventID string) (*models.WebhookReceipt, error) {
	row := db.Pool.QueryRow(ctx, `
		SELECT `+receiptColumns+`
		FROM webhook_receipts
		WHERE event_id = $1
	`, eventID)
	return scanReceipt(row)
}

// ListWebhookReceipts returns receipts filtered by state, newest first.
// An empty state returns all.
func (db *DB) ListWebhookReceipts(ctx context.Context, state models.ReceiptState, limit int) ([]*models.WebhookReceipt, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Pool.Query(ctx, `
		SELECT `+receiptColumns+`
		FROM webhook_receipts
		WHERE ($1 = '' OR state = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`, string(state), limit)
	if err != nil {
		return nil, fmt.Errorf("list webhook receipts: %w", err)
	}
	defer rows.Close()

	var receipts []*models.WebhookReceipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		receipts = append(receipts, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate webhook receipts: %w", err)
	}
	return receipts, nil
}

// ReclaimAbandonedReceipts flips receipts stuck in processing beyond the
// timeout to failed so a redelivery can retry them. Returns the number reclaimed.
func (db *DB) ReclaimAbandonedReceipts(ctx context.Context, timeout time.Duration, reason string) (int64, error) {
	cutoff := time.Now().Add(-timeout)
	tag, err := db.Pool.Exec(ctx, `
		UPDATE webhook_receipts
		SET state = 'failed', error_detail = $2, updated_at = now()
		WHERE state = 'processing' AND updated_at < $1
	`, cutoff, reason)
	if err != nil {
		return 0, fmt.Errorf("reclaim abandoned receipts: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetWebhookReceiptsBefore returns finalized receipts older than the cutoff,
// oldest first, for archival.
func (db *DB) GetWebhookReceiptsBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.WebhookReceipt, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+receiptColumns+`
		FROM webhook_receipts
		WHERE state IN ('completed', 'failed') AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("get webhook receipts before cutoff: %w", err)
	}
	defer rows.Close()

	var receipts []*models.WebhookReceipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		receipts = append(receipts, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate webhook receipts: %w", err)
	}
	return receipts, nil
}

// DeleteWebhookReceiptsBefore prunes finalized receipts older than the cutoff.
func (db *DB) DeleteWebhookReceiptsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := db.Pool.Exec(ctx, `
		DELETE FROM webhook_receipts
		WHERE state IN ('completed', 'failed') AND updated_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete webhook receipts: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RequeueWebhookReceipt flips a failed receipt back to processing. This is
// the explicit operator action behind `license-admin receipts retry`; it is
// never taken automatically.
func (db *DB) RequeueWebhookReceipt(ctx context.Context, eventID string) (*models.WebhookReceipt, error) {
	row := db.Pool.QueryRow(ctx, `
		UPDATE webhook_receipts
		SET state = 'processing', retry_count = retry_count + 1,
		    error_detail = '', updated_at = now()
		WHERE event_id = $1 AND state = 'failed'
		RETURNING `+receiptColumns+`
	`, eventID)
	r, err := scanReceipt(row)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("requeue webhook receipt %s: not failed or %w", eventID, ErrNotFound)
		}
		return nil, fmt.Errorf("requeue webhook receipt: %w", err)
	}
	return r, nil
}
