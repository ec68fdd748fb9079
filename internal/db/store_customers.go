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

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

const customerColumns = `id, email, credential, credential_hash, status, subscription_id, payment_failures,
	       billing_period_end, last_fingerprint_hash, last_seen_at, last_validated_at,
	       created_at, updated_at`

func scanCustomer(row pgx.Row) (*models.Customer, error) {
	var c models.Customer
	err := row.Scan(&c.ID, &c.Email, &c.Credential, &c.CredentialHash, &c.Status, &c.SubscriptionID,
		&c.PaymentFailures, &c.BillingPeriodEnd, &c.LastFingerprintHash,
		&c.LastSeenAt, &c.LastValidatedAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan customer: %w", err)
	}
	return &c, nil
}

// GetCustomerByEmail returns the customer with the given (normalized) email.
func (db *DB) GetCustomerByEmail(ctx context.Context, email string) (*models.Customer, error) {
	row := db.Pool.QueryRow(ctx, `
		SELECT `+customerColumns+`
		FROM customers
		WHERE email = $1
	`, models.NormalizeEmail(email))
	return scanCustomer(row)
}

// GetCustomerByID returns a customer by ID.
func (db *DB) GetCustomerByID(ctx context.Context, id uuid.UUID) (*models.Customer, error) {
	row := db.Pool.QueryRow(ctx, `
		SELECT `+customerColumns+`
		FROM customers
		WHERE id = $1
	`, id)
	return scanCustomer(row)
}

// GetCustomerBySubscriptionID returns the customer owning an external subscription.
func (db *DB) GetCustomerBySubscriptionID(ctx context.Context, subscriptionID string) (*models.Customer, error) {
	row := db.Pool.QueryRow(ctx, `
		SELECT `+customerColumns+`
		FROM customers
		WHERE subscription_id = $1
	`, subscriptionID)
	return scanCustomer(row)
}

// CreateCustomerIfAbsent inserts a customer from a checkout. If a customer
// with the same email already exists, subscription data is refreshed but the
// issued credential is never replaced. Returns the persisted row.
func (db *DB) CreateCustomerIfAbsent(ctx context.Context, c *models.Customer) (*models.Customer, error) {
	row := db.Pool.QueryRow(ctx, `
		INSERT INTO customers (id, email, credential, credential_hash, status, subscription_id,
		                       payment_failures, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8)
		ON CONFLICT (email)
		DO UPDATE SET status = EXCLUDED.status,
		              subscription_id = EXCLUDED.subscription_id,
		              payment_failures = 0,
		              updated_at = EXCLUDED.updated_at
		RETURNING `+customerColumns+`
	`, c.ID, c.Email, c.Credential, c.CredentialHash, c.Status, c.SubscriptionID, c.CreatedAt, c.UpdatedAt)

	created, err := scanCustomer(row)
	if err != nil {
		return nil, fmt.Errorf("create customer: %w", err)
	}
	return created, nil
}

// SetSubscriptionStatus sets the subscription status absolutely. Absolute
// writes keep webhook side effects idempotent under a theoretical double-apply.
func (db *DB) SetSubscriptionStatus(ctx context.Context, id uuid.UUID, status models.SubscriptionStatus) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE customers
		SET status = $2, updated_at = now()
		WHERE id = $1
	`, id, string(status))
	if err != nil {
		return fmt.Errorf("set subscription status: %w", err)
	}
	return nil
}

// RecordPaymentSuccess marks the subscription active, clears the failure
// counter, and stores the renewed billing period.
func (db *DB) RecordPaymentSuccess(ctx context.Context, id uuid.UUID, periodEnd *time.Time) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE customers
		SET status = $2, payment_failures = 0, billing_period_end = $3, updated_at = now()
		WHERE id = $1
	`, id, string(models.SubscriptionActive), periodEnd)
	if err != nil {
		return fmt.Errorf("record payment success: %w", err)
	}
	return nil
}

// RecordPaymentFailure increments the consecutive failure counter and flips
// the subscription to past_due at the threshold. Returns the new counter.
func (db *DB) RecordPaymentFailure(ctx context.Context, id uuid.UUID, threshold int) (int, error) {
	var failures int
	err := db.Pool.QueryRow(ctx, `
		UPDATE customers
		SET payment_failures = payment_failures + 1,
		    status = CASE WHEN payment_failures + 1 >= $2 THEN 'past_due' ELSE status END,
		    updated_at = now()
		WHERE id = $1
		RETURNING payment_failures
	`, id, threshold).Scan(&failures)
	if err != nil {
		return 0, fmt.Errorf("record payment failure: %w", err)
	}
	return failures, nil
}

// RecordValidation stamps a validation on the customer row. Every attempt
// moves last_validated_at; last_seen_at only advances when seen is true, so
// a customer past the activity ceiling cannot revive the license by retrying.
func (db *DB) RecordValidation(ctx context.Context, id uuid.UUID, at time.Time, seen bool) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE customers
		SET last_validated_at = $2,
		    last_seen_at = CASE WHEN $3 THEN $2 ELSE last_seen_at END,
		    updated_at = now()
		WHERE id = $1
	`, id, at, seen)
	if err != nil {
		return fmt.Errorf("record validation: %w", err)
	}
	return nil
}

// UpdateCustomerFingerprint records the device fingerprint last bound to the
// license. Returns the previously stored fingerprint hash.
func (db *DB) UpdateCustomerFingerprint(ctx context.Context, id uuid.UUID, fingerprintHash string) (string, error) {
	var previous string
	err := db.Pool.QueryRow(ctx, `
		UPDATE customers c
		SET last_fingerprint_hash = $2, updated_at = now()
		FROM (SELECT last_fingerprint_hash FROM customers WHERE id = $1 FOR UPDATE) prev
		WHERE c.id = $1
		RETURNING prev.last_fingerprint_hash
	`, id, fingerprintHash).Scan(&previous)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("update customer fingerprint: %w", err)
	}
	return previous, nil
}
