package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/tillware/license-server/internal/models"
)

// ErrSessionIDInUse is returned when a session id already belongs to a
// different customer. Session ids are client-chosen, so a collision across
// customers is refused rather than silently rebound.
var ErrSessionIDInUse = errors.New("session id in use by another customer")

const sessionColumns = `id, session_id, customer_id, fingerprint_hash,
	       device_hostname, device_os, device_app_version, status,
	       created_at, last_heartbeat_at`

func scanSession(row pgx.Row) (*models.Session, error) {
	var s models.Session
	err := row.Scan(&s.ID, &s.SessionID, &s.CustomerID, &s.FingerprintHash,
		&s.Device.Hostname, &s.Device.OS, &s.Device.AppVersion, &s.Status,
		&s.CreatedAt, &s.LastHeartbeatAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	return &s, nil
}

// GetSessionByID returns a session by its caller-supplied session id.
func (db *DB) GetSessionByID(ctx context.Context, sessionID string) (*models.Session, error) {
	row := db.Pool.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE session_id = $1
	`, sessionID)
	return scanSession(row)
}

// upsertActiveSession activates a session row, refreshing it when the same
// session id already exists for the same customer. A session id held by a
// different customer is never rebound; the update is guarded on ownership
// and a zero-row result means the id is taken. Runs inside the caller's
// transaction so the partial unique index on (customer_id) WHERE
// status='active' arbitrates concurrent starts.
func upsertActiveSession(ctx context.Context, tx pgx.Tx, s *models.Session) error {
	tag, err := tx.Exec(ctx, `
		INSERT INTO sessions (id, session_id, customer_id, fingerprint_hash,
		                      device_hostname, device_os, device_app_version,
		                      status, created_at, last_heartbeat_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'active', $8, $9)
		ON CONFLICT (session_id)
		DO UPDATE SET status = 'active',
		              fingerprint_hash = EXCLUDED.fingerprint_hash,
		              device_hostname = EXCLUDED.device_hostname,
		              device_os = EXCLUDED.device_os,
		              device_app_version = EXCLUDED.device_app_version,
		              last_heartbeat_at = EXCLUDED.last_heartbeat_at
		WHERE sessions.customer_id = EXCLUDED.customer_id
	`, s.ID, s.SessionID, s.CustomerID, s.FingerprintHash,
		s.Device.Hostname, s.Device.OS, s.Device.AppVersion,
		s.CreatedAt, s.LastHeartbeatAt)
	if err != nil {
		return fmt.Errorf("upsert active session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionIDInUse
	}
	return nil
}

// StartSessionExclusive attempts to activate a session while honoring the
// single-active-device invariant. The active row for the customer is locked
// for the duration of the transaction, so concurrent starts serialize here.
//
// Returns (nil, nil) on success, or the conflicting live session when a
// different device currently holds the slot. A stale active session (heartbeat
// outside the liveness window) is demoted to ended and does not conflict.
func (db *DB) StartSessionExclusive(ctx context.Context, s *models.Session, liveness time.Duration) (*models.Session, error) {
	var conflict *models.Session
	err := db.ExecTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			SELECT `+sessionColumns+`
			FROM sessions
			WHERE customer_id = $1 AND status = 'active'
			FOR UPDATE
		`, s.CustomerID)
		current, err := scanSession(row)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}

		now := time.Now()
		if current != nil && current.SessionID != s.SessionID {
			if current.IsLive(now, liveness) {
				conflict = current
				return nil
			}
			// Stale holder: a crashed client must not lock the license forever.
			if _, err := tx.Exec(ctx, `
				UPDATE sessions SET status = 'ended' WHERE id = $1
			`, current.ID); err != nil {
				return fmt.Errorf("demote stale session: %w", err)
			}
		}

		return upsertActiveSession(ctx, tx, s)
	})
	if err != nil {
		// Two first-ever starts can race past the empty FOR UPDATE select;
		// the partial unique index rejects the loser. Report the winner as
		// an ordinary conflict instead of surfacing the constraint error.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "sessions_one_active_per_customer" {
			winner, readErr := db.getActiveSession(ctx, s)
			if readErr == nil && winner != nil {
				return winner, nil
			}
		}
		return nil, err
	}
	return conflict, nil
}

// getActiveSession returns the customer's live active session, or nil when
// none exists or it is the caller's own.
func (db *DB) getActiveSession(ctx context.Context, s *models.Session) (*models.Session, error) {
	row := db.Pool.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE customer_id = $1 AND status = 'active'
	`, s.CustomerID)
	current, err := scanSession(row)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if current.SessionID == s.SessionID {
		return nil, nil
	}
	return current, nil
}

// TakeoverSession kicks every other active session for the customer and
// activates the new one, atomically. Returns the sessions that were kicked.
func (db *DB) TakeoverSession(ctx context.Context, s *models.Session) ([]*models.Session, error) {
	var kicked []*models.Session
	err := db.ExecTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			UPDATE sessions
			SET status = 'kicked'
			WHERE customer_id = $1 AND status = 'active' AND session_id <> $2
			RETURNING `+sessionColumns+`
		`, s.CustomerID, s.SessionID)
		if err != nil {
			return fmt.Errorf("kick active sessions: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			k, err := scanSession(rows)
			if err != nil {
				return err
			}
			kicked = append(kicked, k)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate kicked sessions: %w", err)
		}
		rows.Close()

		return upsertActiveSession(ctx, tx, s)
	})
	if err != nil {
		return nil, err
	}
	return kicked, nil
}

// HeartbeatSession refreshes the heartbeat of an active session. Returns
// ErrNotFound when no active row matches; callers inspect the row separately
// to distinguish kicked from unknown.
func (db *DB) HeartbeatSession(ctx context.Context, sessionID string, at time.Time) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE sessions
		SET last_heartbeat_at = $2
		WHERE session_id = $1 AND status = 'active'
	`, sessionID, at)
	if err != nil {
		return fmt.Errorf("heartbeat session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// EndSession marks a session ended. Ending a non-active session is a no-op.
func (db *DB) EndSession(ctx context.Context, sessionID string) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE sessions
		SET status = 'ended'
		WHERE session_id = $1 AND status = 'active'
	`, sessionID)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

// ExpireStaleSessions demotes active sessions whose heartbeat is older than
// the cutoff. The coordinator already treats them as absent; this sweep just
// keeps the table tidy.
func (db *DB) ExpireStaleSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE sessions
		SET status = 'ended'
		WHERE status = 'active' AND last_heartbeat_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("expire stale sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}
