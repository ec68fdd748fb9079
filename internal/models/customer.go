package models

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SubscriptionStatus defines the billing state of a customer's subscription.
type SubscriptionStatus string

const (
	// SubscriptionActive is a subscription in good standing.
	SubscriptionActive SubscriptionStatus = "active"
	// SubscriptionInactive is a subscription that never completed checkout or was deactivated.
	SubscriptionInactive SubscriptionStatus = "inactive"
	// SubscriptionPastDue is a subscription with recent payment failures.
	SubscriptionPastDue SubscriptionStatus = "past_due"
	// SubscriptionCancelled is a subscription the customer or provider cancelled.
	SubscriptionCancelled SubscriptionStatus = "cancelled"
)

// UnlockCredentialBytes is the entropy of a generated unlock credential before encoding.
const UnlockCredentialBytes = 24

// Customer represents a license holder. Customers are never hard-deleted;
// lifecycle is expressed through SubscriptionStatus only.
type Customer struct {
	ID                  uuid.UUID          `json:"id"`
	Email               string             `json:"email"`
	Credential          string             `json:"-"` // unlock credential as issued at checkout; only ever sent to the owner's email
	CredentialHash      string             `json:"-"` // SHA-256 of the unlock credential, used for request auth
	Status              SubscriptionStatus `json:"status"`
	SubscriptionID      string             `json:"subscription_id,omitempty"`
	PaymentFailures     int                `json:"payment_failures"`
	BillingPeriodEnd    *time.Time         `json:"billing_period_end,omitempty"`
	LastFingerprintHash string             `json:"-"`
	LastSeenAt          *time.Time         `json:"last_seen_at,omitempty"`
	LastValidatedAt     *time.Time         `json:"last_validated_at,omitempty"`
	CreatedAt           time.Time          `json:"created_at"`
	UpdatedAt           time.Time          `json:"updated_at"`
}

// NewCustomer creates a Customer from a checkout. The unlock credential is
// issued exactly once and kept verbatim so recovery can resend it; requests
// are authenticated against the hash.
func NewCustomer(email, credential, credentialHash, subscriptionID string) *Customer {
	now := time.Now()
	return &Customer{
		ID:             uuid.New(),
		Email:          NormalizeEmail(email),
		Credential:     credential,
		CredentialHash: credentialHash,
		Status:         SubscriptionActive,
		SubscriptionID: subscriptionID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// NormalizeEmail lower-cases and trims an email address for storage and lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// DaysRemaining returns the whole days until the billing period ends, or 0
// if no period is recorded or it already elapsed.
func (c *Customer) DaysRemaining(now time.Time) int {
	if c.BillingPeriodEnd == nil || !c.BillingPeriodEnd.After(now) {
		return 0
	}
	return int(c.BillingPeriodEnd.Sub(now).Hours() / 24)
}

// GenerateUnlockCredential returns a new high-entropy unlock credential and
// its storage hash.
func GenerateUnlockCredential() (credential, credentialHash string, err error) {
	buf := make([]byte, UnlockCredentialBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", err
	}
	credential = hex.EncodeToString(buf)
	return credential, HashCredential(credential), nil
}

// HashCredential creates a SHA-256 hash of an unlock credential for storage.
func HashCredential(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:])
}

// CompareCredentialHash compares a presented credential with a stored hash
// using constant-time comparison.
func CompareCredentialHash(credential, storedHash string) bool {
	computed := HashCredential(credential)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(storedHash)) == 1
}

// HashFingerprint hashes a raw device fingerprint for storage. The raw value
// never leaves the request path.
func HashFingerprint(fingerprint string) string {
	sum := sha256.Sum256([]byte(fingerprint))
	return hex.EncodeToString(sum[:])
}
