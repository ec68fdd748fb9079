package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/tillware/license-server/internal/models"
)

// RateLimitDecision is the outcome of a counter check.
type RateLimitDecision struct {
	Allowed      bool
	BlockedUntil time.Time
}

// CheckAndIncrementRateLimit counts one attempt against both the hourly and
// daily bucket for a key and blocks the key for the penalty duration when
// either cap is exceeded. An unexpired block rejects immediately without
// counting. Both buckets are locked in one transaction so concurrent
// attempts serialize on the row.
func (db *DB) CheckAndIncrementRateLimit(ctx context.Context, identifier string, limitType models.LimitType, hourlyCap, dailyCap int, penalty time.Duration) (*RateLimitDecision, error) {
	decision := &RateLimitDecision{Allowed: true}
	caps := map[models.LimitWindow]int{
		models.WindowHourly: hourlyCap,
		models.WindowDaily:  dailyCap,
	}

	err := db.ExecTx(ctx, func(tx pgx.Tx) error {
		now := time.Now()
		for _, window := range []models.LimitWindow{models.WindowHourly, models.WindowDaily} {
			bucket, err := lockBucket(ctx, tx, identifier, limitType, window)
			if err != nil {
				return err
			}

			if bucket == nil {
				bucket = &models.RateLimitBucket{
					Identifier:  identifier,
					LimitType:   limitType,
					Window:      window,
					WindowStart: now,
				}
			}

			if bucket.IsBlocked(now) {
				decision.Allowed = false
				if bucket.BlockedUntil.After(decision.BlockedUntil) {
					decision.BlockedUntil = *bucket.BlockedUntil
				}
				continue
			}

			if bucket.WindowElapsed(now) {
				bucket.AttemptCount = 0
				bucket.WindowStart = now
				bucket.BlockedUntil = nil
			}

			bucket.AttemptCount++
			if bucket.AttemptCount > caps[window] {
				until := now.Add(penalty)
				bucket.BlockedUntil = &until
				decision.Allowed = false
				if until.After(decision.BlockedUntil) {
					decision.BlockedUntil = until
				}
			}

			if err := saveBucket(ctx, tx, bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return decision, nil
}

func lockBucket(ctx context.Context, tx pgx.Tx, identifier string, limitType models.LimitType, window models.LimitWindow) (*models.RateLimitBucket, error) {
	var b models.RateLimitBucket
	err := tx.QueryRow(ctx, `
		SELECT identifier, limit_type, window_kind, attempt_count, window_start, blocked_until
		FROM rate_limit_buckets
		WHERE identifier = $1 AND limit_type = $2 AND window_kind = $3
		FOR UPDATE
	`, identifier, string(limitType), string(window)).Scan(
		&b.Identifier, &b.LimitType, &b.Window, &b.AttemptCount, &b.WindowStart, &b.BlockedUntil)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("lock rate limit bucket: %w", err)
	}
	return &b, nil
}

func saveBucket(ctx context.Context, tx pgx.Tx, b *models.RateLimitBucket) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO rate_limit_buckets (identifier, limit_type, window_kind, attempt_count, window_start, blocked_until)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (identifier, limit_type, window_kind)
		DO UPDATE SET attempt_count = EXCLUDED.attempt_count,
		              window_start = EXCLUDED.window_start,
		              blocked_until = EXCLUDED.blocked_until
	`, b.Identifier, string(b.LimitType), string(b.Window), b.AttemptCount, b.WindowStart, b.BlockedUntil)
	if err != nil {
		return fmt.Errorf("save rate limit bucket: %w", err)
	}
	return nil
}

// PruneRateLimitBuckets deletes buckets whose window and block both expired.
func (db *DB) PruneRateLimitBuckets(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := db.Pool.Exec(ctx, `
		DELETE FROM rate_limit_buckets
		WHERE window_start < $1 AND (blocked_until IS NULL OR blocked_until < now())
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune rate limit buckets: %w", err)
	}
	return tag.RowsAffected(), nil
}

// UnblockRateLimit clears blocks and counters for an identifier across all
// keyspaces. Operator action via license-admin.
func (db *DB) UnblockRateLimit(ctx context.Context, identifier string) (int64, error) {
	tag, err := db.Pool.Exec(ctx, `
		DELETE FROM rate_limit_buckets
		WHERE identifier = $1 OR identifier LIKE $1 || '|%'
	`, identifier)
	if err != nil {
		return 0, fmt.Errorf("unblock rate limit: %w", err)
	}
	return tag.RowsAffected(), nil
}
