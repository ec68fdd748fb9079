package webhooks

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tillware/license-server/internal/models"
)

// mockGuardStore mirrors the store's claim semantics: insert-if-absent wins,
// a failed receipt may be reclaimed, everything else returns the existing row.
type mockGuardStore struct {
	receipts map[string]*models.WebhookReceipt
}

func newMockGuardStore() *mockGuardStore {
	return &mockGuardStore{receipts: make(map[string]*models.WebhookReceipt)}
}

func (m *mockGuardStore) ClaimWebhookEvent(ctx context.Context, receipt *models.WebhookReceipt) (*models.WebhookReceipt, bool, error) {
	existing, ok := m.receipts[receipt.EventID]
	if !ok {
		m.receipts[receipt.EventID] = receipt
		return receipt, true, nil
	}
	if existing.State == models.ReceiptFailed {
		existing.State = models.ReceiptProcessing
		existing.RetryCount++
		return existing, true, nil
	}
	return existing, false, nil
}

func (m *mockGuardStore) FinalizeWebhookEvent(ctx context.Context, eventID string, state models.ReceiptState, customerID *uuid.UUID, errDetail string) error {
	r, ok := m.receipts[eventID]
	if !ok || r.State != models.ReceiptProcessing {
		return nil
	}
	r.State = state
	r.CustomerID = customerID
	r.ErrorDetail = errDetail
	return nil
}

func TestGuardClaim(t *testing.T) {
	ctx := context.Background()
	payload := []byte(`{"id":"evt_1"}`)

	t.Run("first delivery wins the claim", func(t *testing.T) {
		g := NewGuard(newMockGuardStore(), zerolog.Nop())
		outcome, receipt, err := g.Claim(ctx, "evt_1", EventPaymentSucceeded, payload)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if outcome != FirstClaim {
			t.Fatalf("expected FirstClaim, got %v", outcome)
		}
		if receipt.State != models.ReceiptProcessing {
			t.Fatalf("claimed receipt must be processing, got %q", receipt.State)
		}
	})

	t.Run("duplicate of completed event", func(t *testing.T) {
		store := newMockGuardStore()
		g := NewGuard(store, zerolog.Nop())

		_, _, _ = g.Claim(ctx, "evt_1", EventPaymentSucceeded, payload)
		if err := g.Finalize(ctx, "evt_1", nil, nil); err != nil {
			t.Fatalf("finalize failed: %v", err)
		}

		outcome, _, err := g.Claim(ctx, "evt_1", EventPaymentSucceeded, payload)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if outcome != AlreadyCompleted {
			t.Fatalf("expected AlreadyCompleted, got %v", outcome)
		}
	})

	t.Run("concurrent delivery sees processing", func(t *testing.T) {
		store := newMockGuardStore()
		g := NewGuard(store, zerolog.Nop())

		_, _, _ = g.Claim(ctx, "evt_1", EventPaymentSucceeded, payload)

		outcome, _, err := g.Claim(ctx, "evt_1", EventPaymentSucceeded, payload)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if outcome != AlreadyProcessing {
			t.Fatalf("expected AlreadyProcessing, got %v", outcome)
		}
	})

	t.Run("redelivery reclaims a failed event", func(t *testing.T) {
		store := newMockGuardStore()
		g := NewGuard(store, zerolog.Nop())

		_, _, _ = g.Claim(ctx, "evt_1", EventPaymentSucceeded, payload)
		if err := g.Finalize(ctx, "evt_1", contextErr{}, nil); err != nil {
			t.Fatalf("finalize failed: %v", err)
		}
		if store.receipts["evt_1"].State != models.ReceiptFailed {
			t.Fatal("expected failed state recorded")
		}

		outcome, receipt, err := g.Claim(ctx, "evt_1", EventPaymentSucceeded, payload)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if outcome != FirstClaim {
			t.Fatalf("redelivery of a failed event must reclaim, got %v", outcome)
		}
		if receipt.RetryCount != 1 {
			t.Fatalf("expected retry count 1, got %d", receipt.RetryCount)
		}
	})
}

type contextErr struct{}

func (contextErr) Error() string { return "apply blew up" }
