package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventRetention is how long subscription events are kept for replay.
const EventRetention = 24 * time.Hour

// SubscriptionEventType discriminates the payload shape of an outbound event.
type SubscriptionEventType string

const (
	EventSubscriptionUpdated     SubscriptionEventType = "subscription_updated"
	EventSubscriptionCancelled   SubscriptionEventType = "subscription_cancelled"
	EventSubscriptionPastDue     SubscriptionEventType = "subscription_past_due"
	EventSubscriptionReactivated SubscriptionEventType = "subscription_reactivated"
	EventPlanChanged             SubscriptionEventType = "plan_changed"
	EventLicenseRevoked          SubscriptionEventType = "license_revoked"
	EventLicenseReactivated      SubscriptionEventType = "license_reactivated"
	EventPaymentSucceeded        SubscriptionEventType = "payment_succeeded"
	EventTerminalAdded           SubscriptionEventType = "terminal_added"
	EventTerminalRemoved         SubscriptionEventType = "terminal_removed"
	EventTerminalReconnected     SubscriptionEventType = "terminal_reconnected"
	EventPrimaryChanged          SubscriptionEventType = "primary_changed"
	EventDeactivationBroadcast   SubscriptionEventType = "deactivation_broadcast"
	EventStateSync               SubscriptionEventType = "state_sync"
)

// SubscriptionEvent is one immutable state change recorded for a license.
// Events are retained for EventRetention and then garbage-collected; a
// reconnecting terminal older than the window must re-validate instead.
type SubscriptionEvent struct {
	ID         uuid.UUID             `json:"id"`
	LicenseKey string                `json:"license_key"`
	Type       SubscriptionEventType `json:"type"`
	Payload    json.RawMessage       `json:"payload"`
	CreatedAt  time.Time             `json:"created_at"`
	ExpiresAt  time.Time             `json:"expires_at"`
}

// NewSubscriptionEvent creates an event with a fresh identifier. The identity
// is random rather than content-derived: repeated state changes with the same
// payload are still distinct events.
func NewSubscriptionEvent(licenseKey string, eventType SubscriptionEventType, payload any) (*SubscriptionEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal event payload: %w", err)
	}
	now := time.Now()
	return &SubscriptionEvent{
		ID:         uuid.New(),
		LicenseKey: licenseKey,
		Type:       eventType,
		Payload:    raw,
		CreatedAt:  now,
		ExpiresAt:  now.Add(EventRetention),
	}, nil
}

// Envelope is the wire shape pushed to terminals and returned from replay.
type Envelope struct {
	EventID   uuid.UUID             `json:"event_id"`
	EventType SubscriptionEventType `json:"event_type"`
	Payload   json.RawMessage       `json:"payload"`
	CreatedAt time.Time             `json:"created_at"`
}

// Envelope returns the wire representation of the event.
func (e *SubscriptionEvent) Envelope() Envelope {
	return Envelope{
		EventID:   e.ID,
		EventType: e.Type,
		Payload:   e.Payload,
		CreatedAt: e.CreatedAt,
	}
}

// Typed payloads, one per event type. The envelope's EventType field is the
// discriminator; DecodePayload maps it back to the concrete shape.

// SubscriptionUpdatedPayload accompanies subscription_updated.
type SubscriptionUpdatedPayload struct {
	PlanID            string    `json:"plan_id"`
	BillingCycle      string    `json:"billing_cycle"`
	Status            string    `json:"status"`
	CurrentPeriodEnd  time.Time `json:"current_period_end"`
	CancelAtPeriodEnd bool      `json:"cancel_at_period_end"`
}

// SubscriptionCancelledPayload accompanies subscription_cancelled.
type SubscriptionCancelledPayload struct {
	Reason     string     `json:"reason"`
	GraceUntil *time.Time `json:"grace_until,omitempty"`
}

// SubscriptionPastDuePayload accompanies subscription_past_due.
type SubscriptionPastDuePayload struct {
	GraceUntil time.Time `json:"grace_until"`
}

// SubscriptionReactivatedPayload accompanies subscription_reactivated.
type SubscriptionReactivatedPayload struct {
	PlanID string `json:"plan_id"`
}

// PlanChangedPayload accompanies plan_changed. NewLicenseKey is set only when
// the tier changed and the key was reissued.
type PlanChangedPayload struct {
	PreviousPlan  string `json:"previous_plan"`
	NewPlan       string `json:"new_plan"`
	PreviousTier  string `json:"previous_tier"`
	NewTier       string `json:"new_tier"`
	NewLicenseKey string `json:"new_license_key,omitempty"`
	MaxTerminals  int    `json:"max_terminals"`
}

// LicenseRevokedPayload accompanies license_revoked.
type LicenseRevokedPayload struct {
	Reason string `json:"reason"`
}

// LicenseReactivatedPayload accompanies license_reactivated.
type LicenseReactivatedPayload struct {
	LicenseKey string `json:"license_key"`
}

// PaymentSucceededPayload accompanies payment_succeeded.
type PaymentSucceededPayload struct {
	InvoiceID   string `json:"invoice_id"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
}

// TerminalPayload accompanies terminal_added, terminal_removed and
// terminal_reconnected.
type TerminalPayload struct {
	MachineHash string `json:"machine_hash"`
	DisplayName string `json:"display_name,omitempty"`
}

// PrimaryChangedPayload accompanies primary_changed.
type PrimaryChangedPayload struct {
	NewPrimaryMachineHash string `json:"new_primary_machine_hash"`
}

// DeactivationBroadcastPayload accompanies deactivation_broadcast.
type DeactivationBroadcastPayload struct {
	Reason string `json:"reason"`
}

// StateSyncPayload accompanies state_sync.
type StateSyncPayload struct {
	SyncID     uuid.UUID       `json:"sync_id"`
	SyncType   string          `json:"sync_type"`
	SourceHash string          `json:"source_machine_hash,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// DecodePayload decodes raw payload bytes into the typed shape for the given
// event type. An unknown event type or undecodable payload is a structural
// error; callers route such events to the dead-letter queue without retry.
func DecodePayload(eventType SubscriptionEventType, raw json.RawMessage) (any, error) {
	var target any
	switch eventType {
	case EventSubscriptionUpdated:
		target = &SubscriptionUpdatedPayload{}
	case EventSubscriptionCancelled:
		target = &SubscriptionCancelledPayload{}
	case EventSubscriptionPastDue:
		target = &SubscriptionPastDuePayload{}
	case EventSubscriptionReactivated:
		target = &SubscriptionReactivatedPayload{}
	case EventPlanChanged:
		target = &PlanChangedPayload{}
	case EventLicenseRevoked:
		target = &LicenseRevokedPayload{}
	case EventLicenseReactivated:
		target = &LicenseReactivatedPayload{}
	case EventPaymentSucceeded:
		target = &PaymentSucceededPayload{}
	case EventTerminalAdded, EventTerminalRemoved, EventTerminalReconnected:
		target = &TerminalPayload{}
	case EventPrimaryChanged:
		target = &PrimaryChangedPayload{}
	case EventDeactivationBroadcast:
		target = &DeactivationBroadcastPayload{}
	case EventStateSync:
		target = &StateSyncPayload{}
	default:
		return nil, fmt.Errorf("unknown event type %q", eventType)
	}

	if err := json.Unmarshal(raw, target); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", eventType, err)
	}
	return target, nil
}
