package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DeadLetterClassification distinguishes why an event ended up dead-lettered:
// an exhausted retry budget can be remediated and requeued, a malformed event
// can never succeed.
type DeadLetterClassification string

const (
	DeadLetterRetryExhausted DeadLetterClassification = "retry_exhausted"
	DeadLetterMalformed      DeadLetterClassification = "malformed"
)

// DeadLetterReviewStatus is the operator-facing review state of an entry.
type DeadLetterReviewStatus string

const (
	DeadLetterPendingReview DeadLetterReviewStatus = "pending_review"
	DeadLetterRetrying      DeadLetterReviewStatus = "retrying"
	DeadLetterResolved      DeadLetterReviewStatus = "resolved"
	DeadLetterAbandoned     DeadLetterReviewStatus = "abandoned"
)

// DeadLetterEntry is a delivery that left the normal retry flow. Entries are
// created only by the delivery coordinator and end as resolved or abandoned.
type DeadLetterEntry struct {
	ID              uuid.UUID                `json:"id"`
	EventID         uuid.UUID                `json:"event_id"`
	LicenseKey      string                   `json:"license_key"`
	MachineHash     string                   `json:"machine_hash"`
	EventType       SubscriptionEventType    `json:"event_type"`
	Payload         json.RawMessage          `json:"payload"`
	RetryCount      int                      `json:"retry_count"`
	LastError       string                   `json:"last_error,omitempty"`
	Classification  DeadLetterClassification `json:"classification"`
	ReviewStatus    DeadLetterReviewStatus   `json:"review_status"`
	ResolvedBy      string                   `json:"resolved_by,omitempty"`
	ResolutionNotes string                   `json:"resolution_notes,omitempty"`
	CreatedAt       time.Time                `json:"created_at"`
	UpdatedAt       time.Time                `json:"updated_at"`
	ResolvedAt      *time.Time               `json:"resolved_at,omitempty"`
}

// NewDeadLetterEntry creates an entry in pending_review for the given delivery.
func NewDeadLetterEntry(event *SubscriptionEvent, machineHash string, retryCount int, lastError string, class DeadLetterClassification) *DeadLetterEntry {
	now := time.Now()
	return &DeadLetterEntry{
		ID:             uuid.New(),
		EventID:        event.ID,
		LicenseKey:     event.LicenseKey,
		MachineHash:    machineHash,
		EventType:      event.Type,
		Payload:        event.Payload,
		RetryCount:     retryCount,
		LastError:      lastError,
		Classification: class,
		ReviewStatus:   DeadLetterPendingReview,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// IsClosed reports whether the entry reached a terminal review state.
func (e *DeadLetterEntry) IsClosed() bool {
	return e.ReviewStatus == DeadLetterResolved || e.ReviewStatus == DeadLetterAbandoned
}

// Resolve closes the entry as delivered or deemed unnecessary.
func (e *DeadLetterEntry) Resolve(resolverID, notes string) {
	now := time.Now()
	e.ReviewStatus = DeadLetterResolved
	e.ResolvedBy = resolverID
	e.ResolutionNotes = notes
	e.ResolvedAt = &now
	e.UpdatedAt = now
}

// Abandon closes the entry as permanently undeliverable.
func (e *DeadLetterEntry) Abandon(resolverID, notes string) {
	now := time.Now()
	e.ReviewStatus = DeadLetterAbandoned
	e.ResolvedBy = resolverID
	e.ResolutionNotes = notes
	e.ResolvedAt = &now
	e.UpdatedAt = now
}

// MarkRetrying flags the entry while a requeued delivery is in flight.
func (e *DeadLetterEntry) MarkRetrying() {
	e.ReviewStatus = DeadLetterRetrying
	e.UpdatedAt = time.Now()
}
