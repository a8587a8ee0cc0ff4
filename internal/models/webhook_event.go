package models

import (
	"time"

	"github.com/google/uuid"
)

// WebhookEvent is the idempotency ledger row for one inbound billing-provider
// event. A row is recorded before the event's handler runs and marked
// processed only after the handler succeeds, so a redelivery of an event
// whose handler failed runs the handler again while a redelivery of a
// processed event is a no-op.
type WebhookEvent struct {
	ID          uuid.UUID  `json:"id"`
	ExternalID  string     `json:"external_id"`
	EventType   string     `json:"event_type"`
	Processed   bool       `json:"processed"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// NewWebhookEvent creates an unprocessed ledger row for an external event
// identifier.
func NewWebhookEvent(externalID, eventType string) *WebhookEvent {
	return &WebhookEvent{
		ID:         uuid.New(),
		ExternalID: externalID,
		EventType:  eventType,
		CreatedAt:  time.Now(),
	}
}
