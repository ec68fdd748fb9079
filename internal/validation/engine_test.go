package validation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tillware/license-server/internal/db"
	"github.com/tillware/license-server/internal/models"
	"github.com/tillware/license-server/internal/sessions"
)

type mockEngineStore struct {
	customers map[string]*models.Customer
	getErr    error

	validations []uuid.UUID
	audits      []*models.AuditEvent
}

func (m *mockEngineStore) GetCustomerByEmail(ctx context.Context, email string) (*models.Customer, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	c, ok := m.customers[email]
	if !ok {
		return nil, db.ErrNotFound
	}
	return c, nil
}

// RecordValidation mirrors the store: every attempt stamps last_validated_at,
// only a seen customer gets last_seen_at refreshed.
func (m *mockEngineStore) RecordValidation(ctx context.Context, id uuid.UUID, at time.Time, seen bool) error {
	m.validations = append(m.validations, id)
	for _, c := range m.customers {
		if c.ID == id {
			stamped := at
			c.LastValidatedAt = &stamped
			if seen {
				c.LastSeenAt = &stamped
			}
		}
	}
	return nil
}

func (m *mockEngineStore) CreateAuditEvent(ctx context.Context, ev *models.AuditEvent) error {
	m.audits = append(m.audits, ev)
	return nil
}

type mockSessionManager struct {
	result *sessions.StartResult
	calls  int
}

func (m *mockSessionManager) Start(ctx context.Context, customer *models.Customer, sessionID, fingerprint string, device models.DeviceInfo) (*sessions.StartResult, error) {
	m.calls++
	return m.result, nil
}

const testCredential = "7f3a91c4d2e85b60a1f47c9e2d03b6584efa1d27c90b35a8"

func activeCustomer(email string) *models.Customer {
	now := time.Now()
	recentlySeen := now.Add(-30 * time.Minute)
	periodEnd := now.Add(14 * 24 * time.Hour)
	return &models.Customer{
		ID:               uuid.New(),
		Email:            email,
		CredentialHash:   models.HashCredential(testCredential),
		Status:           models.SubscriptionActive,
		SubscriptionID:   "sub_123",
		BillingPeriodEnd: &periodEnd,
		LastSeenAt:       &recentlySeen,
		LastValidatedAt:  &recentlySeen,
	}
}

func newTestEngine(store Store, mgr SessionManager) *Engine {
	cfg := DefaultConfig()
	cfg.BillingPortalURL = "https://billing.example.com"
	return NewEngine(store, mgr, cfg, zerolog.Nop())
}

func TestValidateUnknownAndWrongCredentialLookAlike(t *testing.T) {
	store := &mockEngineStore{customers: map[string]*models.Customer{
		"known@example.com": activeCustomer("known@example.com"),
	}}
	engine := newTestEngine(store, nil)
	ctx := context.Background()

	_, errUnknown := engine.Validate(ctx, "nobody@example.com", testCredential, "", Options{})
	_, errWrong := engine.Validate(ctx, "known@example.com", "wrong-credential", "", Options{})

	if !errors.Is(errUnknown, ErrInvalidCredentials) {
		t.Fatalf("unknown email: expected ErrInvalidCredentials, got %v", errUnknown)
	}
	if !errors.Is(errWrong, ErrInvalidCredentials) {
		t.Fatalf("wrong credential: expected ErrInvalidCredentials, got %v", errWrong)
	}
	if errUnknown.Error() != errWrong.Error() {
		t.Fatal("unknown-email and wrong-credential errors must be indistinguishable")
	}
}

func TestValidateActiveSubscription(t *testing.T) {
	customer := activeCustomer("alice@example.com")
	store := &mockEngineStore{customers: map[string]*models.Customer{customer.Email: customer}}
	engine := newTestEngine(store, nil)

	verdict, err := engine.Validate(context.Background(), "Alice@Example.com ", testCredential, "fp", Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !verdict.Valid {
		t.Fatalf("expected valid verdict, got reason %q", verdict.Reason)
	}
	if verdict.Subscription.Status != models.SubscriptionActive {
		t.Fatalf("unexpected status %q", verdict.Subscription.Status)
	}
	if verdict.Subscription.DaysRemaining < 13 || verdict.Subscription.DaysRemaining > 14 {
		t.Fatalf("unexpected days remaining %d", verdict.Subscription.DaysRemaining)
	}
	if verdict.Cache.Mode != CacheModeLocal {
		t.Fatalf("recently validated customer should cache locally, got %q", verdict.Cache.Mode)
	}
	if len(store.validations) != 1 || store.validations[0] != customer.ID {
		t.Fatal("expected validation recorded on the customer row")
	}
	if len(store.audits) != 1 {
		t.Fatalf("expected one audit event, got %d", len(store.audits))
	}
}

func TestValidatePaymentFailureVeto(t *testing.T) {
	// Status is still active; the failure counter alone vetoes validation.
	customer := activeCustomer("bob@example.com")
	customer.PaymentFailures = 3
	store := &mockEngineStore{customers: map[string]*models.Customer{customer.Email: customer}}
	engine := newTestEngine(store, nil)

	verdict, err := engine.Validate(context.Background(), customer.Email, testCredential, "", Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if verdict.Valid {
		t.Fatal("expected invalid verdict at three consecutive payment failures")
	}
	if verdict.Reason != "payment_failures" {
		t.Fatalf("unexpected reason %q", verdict.Reason)
	}
	if verdict.Guidance == "" {
		t.Fatal("expected billing guidance on an identified customer")
	}
	if verdict.Cache.Mode != CacheModeFrequent {
		t.Fatalf("inactive verdict should force frequent validation, got %q", verdict.Cache.Mode)
	}
}

func TestValidateInactiveStatus(t *testing.T) {
	customer := activeCustomer("carol@example.com")
	customer.Status = models.SubscriptionPastDue
	store := &mockEngineStore{customers: map[string]*models.Customer{customer.Email: customer}}
	engine := newTestEngine(store, nil)

	verdict, err := engine.Validate(context.Background(), customer.Email, testCredential, "", Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if verdict.Valid {
		t.Fatal("expected invalid verdict for past_due subscription")
	}
	if verdict.Reason != "subscription_past_due" {
		t.Fatalf("unexpected reason %q", verdict.Reason)
	}
}

func TestValidateActivityCeiling(t *testing.T) {
	customer := activeCustomer("dave@example.com")
	staleSeen := time.Now().Add(-61 * 24 * time.Hour)
	customer.LastSeenAt = &staleSeen
	store := &mockEngineStore{customers: map[string]*models.Customer{customer.Email: customer}}
	engine := newTestEngine(store, nil)

	verdict, err := engine.Validate(context.Background(), customer.Email, testCredential, "", Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if verdict.Valid {
		t.Fatal("expected invalid verdict past the activity ceiling")
	}
	if verdict.Reason != "activity_expired" {
		t.Fatalf("unexpected reason %q", verdict.Reason)
	}

	// The denial must not count as activity: an immediate retry is still
	// expired, not revived by the first attempt's stamp.
	verdict, err = engine.Validate(context.Background(), customer.Email, testCredential, "", Options{})
	if err != nil {
		t.Fatalf("unexpected error on retry: %v", err)
	}
	if verdict.Valid {
		t.Fatal("retry after an expired denial must stay invalid")
	}
	if verdict.Reason != "activity_expired" {
		t.Fatalf("unexpected retry reason %q", verdict.Reason)
	}
}

func TestValidateNeverSeenCustomerPassesCeiling(t *testing.T) {
	customer := activeCustomer("erin@example.com")
	customer.LastSeenAt = nil
	customer.LastValidatedAt = nil
	store := &mockEngineStore{customers: map[string]*models.Customer{customer.Email: customer}}
	engine := newTestEngine(store, nil)

	verdict, err := engine.Validate(context.Background(), customer.Email, testCredential, "", Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !verdict.Valid {
		t.Fatalf("first validation should pass, got reason %q", verdict.Reason)
	}
	if verdict.Cache.Mode != CacheModeFrequent {
		t.Fatalf("never-validated customer should re-check frequently, got %q", verdict.Cache.Mode)
	}
}

func TestValidateFallbackWhileStoreDown(t *testing.T) {
	customer := activeCustomer("frank@example.com")
	store := &mockEngineStore{customers: map[string]*models.Customer{customer.Email: customer}}
	engine := newTestEngine(store, nil)
	ctx := context.Background()

	// Populate the fallback cache with a healthy verdict.
	if _, err := engine.Validate(ctx, customer.Email, testCredential, "", Options{}); err != nil {
		t.Fatalf("priming validation failed: %v", err)
	}

	store.getErr = errors.New("connection refused")

	verdict, err := engine.Validate(ctx, customer.Email, testCredential, "", Options{})
	if err != nil {
		t.Fatalf("expected fallback verdict, got error %v", err)
	}
	if !verdict.Fallback {
		t.Fatal("expected verdict flagged as fallback")
	}
	if !verdict.Valid {
		t.Fatal("fallback should preserve the last known verdict")
	}
	if verdict.Cache.Duration != CacheDurationEmergency {
		t.Fatalf("fallback verdict must carry the emergency cache duration, got %v", verdict.Cache.Duration)
	}

	t.Run("wrong credential gets no fallback", func(t *testing.T) {
		_, err := engine.Validate(ctx, customer.Email, "wrong-credential", "", Options{})
		if !errors.Is(err, ErrServiceUnavailable) {
			t.Fatalf("expected ErrServiceUnavailable, got %v", err)
		}
	})

	t.Run("uncached email is unavailable", func(t *testing.T) {
		_, err := engine.Validate(ctx, "stranger@example.com", testCredential, "", Options{})
		if !errors.Is(err, ErrServiceUnavailable) {
			t.Fatalf("expected ErrServiceUnavailable, got %v", err)
		}
	})
}

func TestValidateSessionDelegation(t *testing.T) {
	customer := activeCustomer("gina@example.com")
	store := &mockEngineStore{customers: map[string]*models.Customer{customer.Email: customer}}

	t.Run("slot granted", func(t *testing.T) {
		mgr := &mockSessionManager{result: &sessions.StartResult{
			Session: models.NewSession(customer.ID, "sess-1", "fp-hash", models.DeviceInfo{}),
		}}
		engine := newTestEngine(store, mgr)

		verdict, err := engine.Validate(context.Background(), customer.Email, testCredential, "fp",
			Options{ManageSession: true, SessionID: "sess-1"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if mgr.calls != 1 {
			t.Fatalf("expected one coordinator call, got %d", mgr.calls)
		}
		if verdict.Session == nil || !verdict.Session.Allowed {
			t.Fatal("expected session allowed")
		}
	})

	t.Run("conflict reported as data", func(t *testing.T) {
		other := models.NewSession(customer.ID, "sess-other", "fp-other", models.DeviceInfo{Hostname: "desktop"})
		mgr := &mockSessionManager{result: &sessions.StartResult{Conflict: other}}
		engine := newTestEngine(store, mgr)

		verdict, err := engine.Validate(context.Background(), customer.Email, testCredential, "fp",
			Options{ManageSession: true, SessionID: "sess-2"})
		if err != nil {
			t.Fatalf("conflict must not be an error: %v", err)
		}
		if !verdict.Valid {
			t.Fatal("license remains valid during a session conflict")
		}
		if verdict.Session == nil || verdict.Session.Allowed {
			t.Fatal("expected session refused")
		}
		if verdict.Session.Conflict == nil || verdict.Session.Conflict.Device.Hostname != "desktop" {
			t.Fatal("expected conflicting device metadata in the verdict")
		}
	})

	t.Run("inactive subscription skips session handling", func(t *testing.T) {
		lapsed := activeCustomer("lapsed@example.com")
		lapsed.Status = models.SubscriptionCancelled
		store := &mockEngineStore{customers: map[string]*models.Customer{lapsed.Email: lapsed}}
		mgr := &mockSessionManager{}
		engine := newTestEngine(store, mgr)

		verdict, err := engine.Validate(context.Background(), lapsed.Email, testCredential, "fp",
			Options{ManageSession: true, SessionID: "sess-3"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if verdict.Valid {
			t.Fatal("expected invalid verdict")
		}
		if mgr.calls != 0 {
			t.Fatal("invalid licenses must not claim session slots")
		}
	})
}

func TestAuthenticate(t *testing.T) {
	customer := activeCustomer("henry@example.com")
	store := &mockEngineStore{customers: map[string]*models.Customer{customer.Email: customer}}
	engine := newTestEngine(store, nil)
	ctx := context.Background()

	got, err := engine.Authenticate(ctx, customer.Email, testCredential)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != customer.ID {
		t.Fatal("expected the matching customer")
	}

	if _, err := engine.Authenticate(ctx, customer.Email, "bad"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := engine.Authenticate(ctx, "ghost@example.com", testCredential); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}
