package webhooks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tillware/license-server/internal/metrics"
	"github.com/tillware/license-server/internal/models"
)

// ProcessorStore is the persistence surface event application needs.
type ProcessorStore interface {
	GetCustomerBySubscriptionID(ctx context.Context, subscriptionID string) (*models.Customer, error)
	CreateCustomerIfAbsent(ctx context.Context, c *models.Customer) (*models.Customer, error)
	SetSubscriptionStatus(ctx context.Context, id uuid.UUID, status models.SubscriptionStatus) error
	RecordPaymentSuccess(ctx context.Context, id uuid.UUID, periodEnd *time.Time) error
	RecordPaymentFailure(ctx context.Context, id uuid.UUID, threshold int) (int, error)
	CreateAuditEvent(ctx context.Context, ev *models.AuditEvent) error
}

// Mailer is the outbound email collaborator. Dispatch is fire-and-forget;
// the processor never waits on it to decide its own outcome.
type Mailer interface {
	SendUnlockCredential(to, credential string) error
	SendPaymentFailedNotice(to string, failures int, portalURL string) error
}

// Processor verifies, claims, and applies payment lifecycle events.
type Processor struct {
	store            ProcessorStore
	guard            *Guard
	mailer           Mailer
	signingSecret    string
	failureThreshold int
	billingPortalURL string
	logger           zerolog.Logger
}

// NewProcessor creates a Processor.
func NewProcessor(store ProcessorStore, guard *Guard, mailer Mailer, signingSecret string, failureThreshold int, billingPortalURL string, logger zerolog.Logger) *Processor {
	return &Processor{
		store:            store,
		guard:            guard,
		mailer:           mailer,
		signingSecret:    signingSecret,
		failureThreshold: failureThreshold,
		billingPortalURL: billingPortalURL,
		logger:           logger.With().Str("component", "webhook_processor").Logger(),
	}
}

// Process handles one raw webhook delivery end to end: signature, parse,
// claim, apply, finalize. Duplicate deliveries return nil without side
// effects so the provider sees the same success it saw the first time.
func (p *Processor) Process(ctx context.Context, body []byte, signatureHeader string) error {
	if err := VerifySignature(p.signingSecret, body, signatureHeader); err != nil {
		metrics.WebhookEvents.WithLabelValues("unknown", "bad_signature").Inc()
		return err
	}

	event, err := ParseEvent(body)
	if err != nil {
		metrics.WebhookEvents.WithLabelValues("unknown", "malformed").Inc()
		return err
	}

	outcome, _, err := p.guard.Claim(ctx, event.ID, event.Type, body)
	if err != nil {
		return fmt.Errorf("claim event %s: %w", event.ID, err)
	}
	if outcome != FirstClaim {
		metrics.WebhookEvents.WithLabelValues(string(event.Type), "duplicate").Inc()
		return nil
	}

	return p.ApplyClaimed(ctx, event)
}

// ApplyClaimed applies an event the caller already owns the claim for, then
// finalizes the receipt. Exposed separately so the admin CLI can replay a
// requeued receipt from its stored payload.
func (p *Processor) ApplyClaimed(ctx context.Context, event *Event) error {
	customerID, applyErr := p.apply(ctx, event)

	if err := p.guard.Finalize(ctx, event.ID, applyErr, customerID); err != nil {
		p.logger.Error().Err(err).Str("event_id", event.ID).Msg("failed to finalize webhook receipt")
	}

	if applyErr != nil {
		metrics.WebhookEvents.WithLabelValues(string(event.Type), "failed").Inc()
		p.audit(ctx, customerID, models.AuditActionWebhookFailed, map[string]any{
			"event_id":   event.ID,
			"event_type": event.Type,
			"error":      applyErr.Error(),
		})
		return fmt.Errorf("apply event %s: %w", event.ID, applyErr)
	}

	metrics.WebhookEvents.WithLabelValues(string(event.Type), "applied").Inc()
	p.audit(ctx, customerID, models.AuditActionWebhookApplied, map[string]any{
		"event_id":   event.ID,
		"event_type": event.Type,
	})
	return nil
}

func (p *Processor) apply(ctx context.Context, event *Event) (*uuid.UUID, error) {
	switch event.Type {
	case EventCheckoutCompleted:
		return p.applyCheckoutCompleted(ctx, event.CheckoutCompleted)
	case EventPaymentSucceeded:
		return p.applyPaymentSucceeded(ctx, event.PaymentSucceeded)
	case EventPaymentFailed:
		return p.applyPaymentFailed(ctx, event.PaymentFailed)
	case EventSubscriptionCancelled:
		return p.applySubscriptionCancelled(ctx, event.SubscriptionCancelled)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, event.Type)
	}
}

func (p *Processor) applyCheckoutCompleted(ctx context.Context, data *CheckoutCompletedData) (*uuid.UUID, error) {
	credential, credentialHash, err := models.GenerateUnlockCredential()
	if err != nil {
		return nil, fmt.Errorf("generate unlock credential: %w", err)
	}

	customer, err := p.store.CreateCustomerIfAbsent(ctx, models.NewCustomer(data.CustomerEmail, credential, credentialHash, data.SubscriptionID))
	if err != nil {
		return nil, err
	}

	// Only a brand-new customer received the credential we just generated;
	// an existing one keeps the credential issued at first checkout.
	if customer.CredentialHash == credentialHash {
		p.dispatch(func() error { return p.mailer.SendUnlockCredential(customer.Email, credential) })
	}

	p.logger.Info().
		Str("customer_id", customer.ID.String()).
		Str("subscription_id", data.SubscriptionID).
		Msg("checkout completed")
	return &customer.ID, nil
}

func (p *Processor) applyPaymentSucceeded(ctx context.Context, data *PaymentSucceededData) (*uuid.UUID, error) {
	customer, err := p.store.GetCustomerBySubscriptionID(ctx, data.SubscriptionID)
	if err != nil {
		return nil, fmt.Errorf("subscription %s: %w", data.SubscriptionID, err)
	}

	var periodEnd *time.Time
	if data.PeriodEnd > 0 {
		t := data.PeriodEndTime()
		periodEnd = &t
	}
	if err := p.store.RecordPaymentSuccess(ctx, customer.ID, periodEnd); err != nil {
		return &customer.ID, err
	}
	return &customer.ID, nil
}

func (p *Processor) applyPaymentFailed(ctx context.Context, data *PaymentFailedData) (*uuid.UUID, error) {
	customer, err := p.store.GetCustomerBySubscriptionID(ctx, data.SubscriptionID)
	if err != nil {
		return nil, fmt.Errorf("subscription %s: %w", data.SubscriptionID, err)
	}

	failures, err := p.store.RecordPaymentFailure(ctx, customer.ID, p.failureThreshold)
	if err != nil {
		return &customer.ID, err
	}

	email := customer.Email
	p.dispatch(func() error { return p.mailer.SendPaymentFailedNotice(email, failures, p.billingPortalURL) })

	p.logger.Warn().
		Str("customer_id", customer.ID.String()).
		Int("consecutive_failures", failures).
		Msg("payment failed")
	return &customer.ID, nil
}

func (p *Processor) applySubscriptionCancelled(ctx context.Context, data *SubscriptionCancelledData) (*uuid.UUID, error) {
	customer, err := p.store.GetCustomerBySubscriptionID(ctx, data.SubscriptionID)
	if err != nil {
		return nil, fmt.Errorf("subscription %s: %w", data.SubscriptionID, err)
	}
	if err := p.store.SetSubscriptionStatus(ctx, customer.ID, models.SubscriptionCancelled); err != nil {
		return &customer.ID, err
	}
	return &customer.ID, nil
}

// dispatch runs an email send without blocking or failing the caller.
func (p *Processor) dispatch(send func() error) {
	if p.mailer == nil {
		return
	}
	go func() {
		if err := send(); err != nil {
			p.logger.Error().Err(err).Msg("failed to send notification email")
		}
	}()
}

func (p *Processor) audit(ctx context.Context, customerID *uuid.UUID, action models.AuditAction, details map[string]any) {
	if err := p.store.CreateAuditEvent(ctx, models.NewAuditEvent(customerID, action, details)); err != nil {
		p.logger.Error().Err(err).Str("action", string(action)).Msg("failed to write audit event")
	}
}
