package webhooks

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tillware/license-server/internal/models"
)

// ClaimOutcome describes who owns an event after a claim attempt.
type ClaimOutcome int

const (
	// FirstClaim means the caller owns the event and must apply then finalize it.
	FirstClaim ClaimOutcome = iota
	// AlreadyProcessing means another delivery currently holds the claim.
	AlreadyProcessing
	// AlreadyCompleted means the event was already applied exactly once.
	AlreadyCompleted
)

// GuardStore is the persistence surface the idempotency guard needs.
type GuardStore interface {
	ClaimWebhookEvent(ctx context.Context, receipt *models.WebhookReceipt) (*models.WebhookReceipt, bool, error)
	FinalizeWebhookEvent(ctx context.Context, eventID string, state models.ReceiptState, customerID *uuid.UUID, errDetail string) error
}

// Guard makes at-least-once webhook delivery safe to apply at most once. The
// claim is an insert against the event id's uniqueness constraint, so the
// guarantee holds across process instances without any in-process locking.
type Guard struct {
	store  GuardStore
	logger zerolog.Logger
}

// NewGuard creates a Guard.
func NewGuard(store GuardStore, logger zerolog.Logger) *Guard {
	return &Guard{
		store:  store,
		logger: logger.With().Str("component", "webhook_guard").Logger(),
	}
}

// Claim attempts to take ownership of an event id. On FirstClaim the caller
// must apply the business transition and then call Finalize; on any other
// outcome the caller must not reapply side effects.
func (g *Guard) Claim(ctx context.Context, eventID string, eventType EventType, payload []byte) (ClaimOutcome, *models.WebhookReceipt, error) {
	receipt := models.NewWebhookReceipt(eventID, string(eventType), payload)
	existing, claimed, err := g.store.ClaimWebhookEvent(ctx, receipt)
	if err != nil {
		return AlreadyProcessing, nil, err
	}

	if claimed {
		if existing.RetryCount > 0 {
			g.logger.Info().
				Str("event_id", eventID).
				Int("retry_count", existing.RetryCount).
				Msg("reclaimed failed webhook event for retry")
		}
		return FirstClaim, existing, nil
	}

	switch existing.State {
	case models.ReceiptCompleted:
		g.logger.Debug().Str("event_id", eventID).Msg("duplicate delivery of completed event")
		return AlreadyCompleted, existing, nil
	default:
		g.logger.Debug().Str("event_id", eventID).Msg("concurrent delivery, event already claimed")
		return AlreadyProcessing, existing, nil
	}
}

// Finalize records the outcome of an application attempt. A failed attempt
// finalizes as failed, never completed, so a legitimate redelivery can retry
// cleanly.
func (g *Guard) Finalize(ctx context.Context, eventID string, applyErr error, customerID *uuid.UUID) error {
	if applyErr != nil {
		return g.store.FinalizeWebhookEvent(ctx, eventID, models.ReceiptFailed, customerID, applyErr.Error())
	}
	return g.store.FinalizeWebhookEvent(ctx, eventID, models.ReceiptCompleted, customerID, "")
}
