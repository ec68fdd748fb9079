package models

import (
	"time"

	"github.com/google/uuid"
)

// ReceiptState defines the processing state of a webhook receipt.
// State only advances forward: processing moves to completed or failed.
// A failed receipt may be reclaimed by a redelivery of the same event id, or
// requeued by an operator; it never moves back automatically.
type ReceiptState string

const (
	// ReceiptProcessing is a receipt whose event is being applied.
	ReceiptProcessing ReceiptState = "processing"
	// ReceiptCompleted is a receipt whose event was applied exactly once.
	ReceiptCompleted ReceiptState = "completed"
	// ReceiptFailed is a receipt whose application attempt failed.
	ReceiptFailed ReceiptState = "failed"
)

// WebhookReceipt is the idempotency record for one externally delivered
// payment lifecycle event. The external event id carries a uniqueness
// constraint; inserting it is the claim.
type WebhookReceipt struct {
	ID          uuid.UUID    `json:"id"`
	EventID     string       `json:"event_id"`
	EventType   string       `json:"event_type"`
	State       ReceiptState `json:"state"`
	CustomerID  *uuid.UUID   `json:"customer_id,omitempty"`
	Payload     []byte       `json:"payload,omitempty"` // raw event body, kept for operator-driven replay
	RetryCount  int          `json:"retry_count"`
	ErrorDetail string       `json:"error_detail,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// NewWebhookReceipt creates a receipt in the processing state for a first claim.
func NewWebhookReceipt(eventID, eventType string, payload []byte) *WebhookReceipt {
	now := time.Now()
	return &WebhookReceipt{
		ID:        uuid.New(),
		EventID:   eventID,
		EventType: eventType,
		State:     ReceiptProcessing,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
