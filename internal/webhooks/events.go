// Package webhooks ingests payment provider lifecycle events. Delivery is
// at-least-once; the idempotency guard makes application exactly-once.
package webhooks

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EventType identifies a payment lifecycle event kind. Unrecognized types
// are rejected at the boundary before any business logic runs.
type EventType string

const (
	// EventCheckoutCompleted fires when a customer finishes checkout.
	EventCheckoutCompleted EventType = "checkout.completed"
	// EventPaymentSucceeded fires on a successful renewal charge.
	EventPaymentSucceeded EventType = "payment.succeeded"
	// EventPaymentFailed fires on a failed charge attempt.
	EventPaymentFailed EventType = "payment.failed"
	// EventSubscriptionCancelled fires when the subscription is cancelled.
	EventSubscriptionCancelled EventType = "subscription.cancelled"
)

// Parse and validation errors surfaced to the HTTP boundary as 400s.
var (
	ErrMalformedPayload = errors.New("malformed webhook payload")
	ErrUnknownEventType = errors.New("unknown webhook event type")
)

// envelope is the wire shape shared by every event kind.
type envelope struct {
	ID   string          `json:"id"`
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

// CheckoutCompletedData carries the initial purchase details.
type CheckoutCompletedData struct {
	CustomerEmail  string `json:"customer_email"`
	SubscriptionID string `json:"subscription_id"`
}

// PaymentSucceededData carries a renewal with its billing period in epoch seconds.
type PaymentSucceededData struct {
	SubscriptionID string `json:"subscription_id"`
	PeriodStart    int64  `json:"period_start"`
	PeriodEnd      int64  `json:"period_end"`
}

// PaymentFailedData carries a failed charge attempt.
type PaymentFailedData struct {
	SubscriptionID string `json:"subscription_id"`
}

// SubscriptionCancelledData carries a cancellation.
type SubscriptionCancelledData struct {
	SubscriptionID string `json:"subscription_id"`
}

// Event is a validated, typed lifecycle event. Exactly one of the Data
// fields is populated, matching Type.
type Event struct {
	ID   string
	Type EventType

	CheckoutCompleted     *CheckoutCompletedData
	PaymentSucceeded      *PaymentSucceededData
	PaymentFailed         *PaymentFailedData
	SubscriptionCancelled *SubscriptionCancelledData
}

// PeriodEndTime converts the renewal's epoch period end to a time.
func (d *PaymentSucceededData) PeriodEndTime() time.Time {
	return time.Unix(d.PeriodEnd, 0).UTC()
}

// ParseEvent validates a raw webhook body into a typed Event.
func ParseEvent(body []byte) (*Event, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if env.ID == "" {
		return nil, fmt.Errorf("%w: missing event id", ErrMalformedPayload)
	}
	if len(env.Data) == 0 {
		return nil, fmt.Errorf("%w: missing data", ErrMalformedPayload)
	}

	ev := &Event{ID: env.ID, Type: env.Type}

	switch env.Type {
	case EventCheckoutCompleted:
		var data CheckoutCompletedData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		if data.CustomerEmail == "" || data.SubscriptionID == "" {
			return nil, fmt.Errorf("%w: checkout requires customer_email and subscription_id", ErrMalformedPayload)
		}
		ev.CheckoutCompleted = &data

	case EventPaymentSucceeded:
		var data PaymentSucceededData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		if data.SubscriptionID == "" {
			return nil, fmt.Errorf("%w: payment requires subscription_id", ErrMalformedPayload)
		}
		ev.PaymentSucceeded = &data

	case EventPaymentFailed:
		var data PaymentFailedData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		if data.SubscriptionID == "" {
			return nil, fmt.Errorf("%w: payment requires subscription_id", ErrMalformedPayload)
		}
		ev.PaymentFailed = &data

	case EventSubscriptionCancelled:
		var data SubscriptionCancelledData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		if data.SubscriptionID == "" {
			return nil, fmt.Errorf("%w: cancellation requires subscription_id", ErrMalformedPayload)
		}
		ev.SubscriptionCancelled = &data

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, env.Type)
	}

	return ev, nil
}
