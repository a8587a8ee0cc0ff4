package models

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// DeliveryStatus tracks one event's progress toward one terminal.
type DeliveryStatus string

const (
	// DeliveryStatusPending means no push attempt has been made yet.
	DeliveryStatusPending DeliveryStatus = "pending"
	// DeliveryStatusRetrying means at least one attempt failed and a retry is scheduled.
	DeliveryStatusRetrying DeliveryStatus = "retrying"
	// DeliveryStatusDelivered means the terminal acknowledged the event.
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	// DeliveryStatusDeadLetter means the retry budget was exhausted.
	DeliveryStatusDeadLetter DeliveryStatus = "dead_letter"
)

// RetryPolicy holds the tunable backoff parameters for event delivery.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy returns the default delivery retry tuning.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   30 * time.Second,
		MaxDelay:    5 * time.Minute,
	}
}

// Backoff returns the delay before the given attempt number (1-based):
// base * 2^(n-1), capped at MaxDelay.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(p.BaseDelay) * math.Pow(2, float64(attempt-1)))
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// EventDelivery tracks delivery of one event to one terminal. Deliveries to
// terminals under the same license are independent: one terminal exhausting
// its budget never blocks the others.
type EventDelivery struct {
	ID           uuid.UUID      `json:"id"`
	EventID      uuid.UUID      `json:"event_id"`
	LicenseKey   string         `json:"license_key"`
	MachineHash  string         `json:"machine_hash"`
	Status       DeliveryStatus `json:"status"`
	AttemptCount int            `json:"attempt_count"`
	MaxAttempts  int            `json:"max_attempts"`
	NextRetryAt  *time.Time     `json:"next_retry_at,omitempty"`
	LastError    string         `json:"last_error,omitempty"`
	DeliveredAt  *time.Time     `json:"delivered_at,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// NewEventDelivery creates a pending delivery record for one target terminal.
func NewEventDelivery(event *SubscriptionEvent, machineHash string, maxAttempts int) *EventDelivery {
	now := time.Now()
	return &EventDelivery{
		ID:          uuid.New(),
		EventID:     event.ID,
		LicenseKey:  event.LicenseKey,
		MachineHash: machineHash,
		Status:      DeliveryStatusPending,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// MarkDelivered records a successful acknowledgment.
func (d *EventDelivery) MarkDelivered(at time.Time) {
	d.Status = DeliveryStatusDelivered
	d.DeliveredAt = &at
	d.NextRetryAt = nil
	d.UpdatedAt = at
}

// Fail records a failed attempt. It returns true when a retry was scheduled
// and false when the budget is exhausted and the delivery moved to dead_letter.
func (d *EventDelivery) Fail(errMsg string, policy RetryPolicy, now time.Time) bool {
	d.AttemptCount++
	d.LastError = errMsg
	d.UpdatedAt = now

	if d.AttemptCount >= d.MaxAttempts {
		d.Status = DeliveryStatusDeadLetter
		d.NextRetryAt = nil
		return false
	}

	next := now.Add(policy.Backoff(d.AttemptCount))
	d.Status = DeliveryStatusRetrying
	d.NextRetryAt = &next
	return true
}

// ResetForRequeue returns the delivery to pending with a fresh attempt budget,
// used when a dead-letter entry is manually requeued.
func (d *EventDelivery) ResetForRequeue(now time.Time) {
	d.Status = DeliveryStatusPending
	d.AttemptCount = 0
	d.NextRetryAt = &now
	d.LastError = ""
	d.UpdatedAt = now
}

// RetryResult is the outcome recorded for one delivery attempt.
type RetryResult string

const (
	RetryResultFailed    RetryResult = "failed"
	RetryResultSucceeded RetryResult = "succeeded"
)

// EventRetryRecord is one row of the append-only per-attempt audit trail.
type EventRetryRecord struct {
	ID            uuid.UUID   `json:"id"`
	EventID       uuid.UUID   `json:"event_id"`
	MachineHash   string      `json:"machine_hash"`
	AttemptNumber int         `json:"attempt_number"`
	Result        RetryResult `json:"result"`
	ErrorMessage  string      `json:"error_message,omitempty"`
	NextRetryAt   *time.Time  `json:"next_retry_at,omitempty"`
	BackoffMs     int64       `json:"backoff_ms"`
	CreatedAt     time.Time   `json:"created_at"`
}

// AckStatus is the terminal-reported processing outcome for an event.
type AckStatus string

const (
	AckStatusSuccess AckStatus = "success"
	AckStatusFailed  AckStatus = "failed"
	AckStatusSkipped AckStatus = "skipped"
)

// EventAck records that one terminal processed one event. The (event,
// terminal) pair is unique: reprocessing the same event never produces a
// second row, which is the consumer half of at-least-once delivery.
type EventAck struct {
	EventID      uuid.UUID `json:"event_id"`
	MachineHash  string    `json:"machine_hash"`
	Status       AckStatus `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`
	ProcessingMs int64     `json:"processing_time_ms,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
