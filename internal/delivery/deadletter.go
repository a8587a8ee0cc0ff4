package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aurorapos/aurora-server/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrEntryNotFound is returned for unknown dead-letter entry IDs.
	ErrEntryNotFound = errors.New("dead letter entry not found")
	// ErrEntryClosed is returned when operating on a resolved or abandoned entry.
	ErrEntryClosed = errors.New("dead letter entry already closed")
)

// DeadLetterStore is the persistence surface for dead-letter review.
type DeadLetterStore interface {
	GetDeadLetterEntry(ctx context.Context, id uuid.UUID) (*models.DeadLetterEntry, error)
	ListDeadLetterEntries(ctx context.Context, status models.DeadLetterReviewStatus, limit int) ([]*models.DeadLetterEntry, error)
	UpdateDeadLetterEntry(ctx context.Context, e *models.DeadLetterEntry) error
	GetEventDelivery(ctx context.Context, eventID uuid.UUID, machineHash string) (*models.EventDelivery, error)
	UpdateEventDelivery(ctx context.Context, d *models.EventDelivery) error
	GetRetryHistory(ctx context.Context, eventID uuid.UUID, machineHash string) ([]*models.EventRetryRecord, error)
}

// DeadLetterHandler reviews dead-lettered deliveries: resolve, abandon, or
// requeue after manual remediation.
type DeadLetterHandler struct {
	store  DeadLetterStore
	logger zerolog.Logger

	nowFunc func() time.Time
}

// NewDeadLetterHandler creates a dead-letter review handler.
func NewDeadLetterHandler(store DeadLetterStore, logger zerolog.Logger) *DeadLetterHandler {
	return &DeadLetterHandler{
		store:   store,
		logger:  logger.With().Str("component", "dead_letter").Logger(),
		nowFunc: time.Now,
	}
}

// List returns entries filtered by review status ("" for all).
func (h *DeadLetterHandler) List(ctx context.Context, status models.DeadLetterReviewStatus, limit int) ([]*models.DeadLetterEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return h.store.ListDeadLetterEntries(ctx, status, limit)
}

// Get returns one entry with its retry history.
func (h *DeadLetterHandler) Get(ctx context.Context, id uuid.UUID) (*models.DeadLetterEntry, []*models.EventRetryRecord, error) {
	entry, err := h.store.GetDeadLetterEntry(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if entry == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	history, err := h.store.GetRetryHistory(ctx, entry.EventID, entry.MachineHash)
	if err != nil {
		return nil, nil, fmt.Errorf("load retry history: %w", err)
	}
	return entry, history, nil
}

// Resolve closes an entry as delivered or deemed unnecessary.
func (h *DeadLetterHandler) Resolve(ctx context.Context, id uuid.UUID, resolverID, notes string) (*models.DeadLetterEntry, error) {
	entry, err := h.loadOpen(ctx, id)
	if err != nil {
		return nil, err
	}
	entry.Resolve(resolverID, notes)
	if err := h.store.UpdateDeadLetterEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("resolve dead letter: %w", err)
	}
	h.logger.Info().Str("entry_id", id.String()).Str("resolver", resolverID).Msg("dead letter resolved")
	return entry, nil
}

// Abandon closes an entry as permanently undeliverable, e.g. a terminal that
// was decommissioned.
func (h *DeadLetterHandler) Abandon(ctx context.Context, id uuid.UUID, resolverID, notes string) (*models.DeadLetterEntry, error) {
	entry, err := h.loadOpen(ctx, id)
	if err != nil {
		return nil, err
	}
	entry.Abandon(resolverID, notes)
	if err := h.store.UpdateDeadLetterEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("abandon dead letter: %w", err)
	}
	h.logger.Info().Str("entry_id", id.String()).Str("resolver", resolverID).Msg("dead letter abandoned")
	return entry, nil
}

// Requeue re-injects the delivery into the retry flow with a reset attempt
// budget, used after manual remediation. Malformed entries cannot be
// requeued: the payload will never validate.
func (h *DeadLetterHandler) Requeue(ctx context.Context, id uuid.UUID) (*models.DeadLetterEntry, error) {
	entry, err := h.loadOpen(ctx, id)
	if err != nil {
		return nil, err
	}
	if entry.Classification == models.DeadLetterMalformed {
		return nil, fmt.Errorf("cannot requeue malformed event %s", entry.EventID)
	}

	d, err := h.store.GetEventDelivery(ctx, entry.EventID, entry.MachineHash)
	if err != nil {
		return nil, fmt.Errorf("load delivery: %w", err)
	}
	if d == nil {
		return nil, fmt.Errorf("delivery record missing for event %s", entry.EventID)
	}

	now := h.nowFunc()
	d.ResetForRequeue(now)
	if err := h.store.UpdateEventDelivery(ctx, d); err != nil {
		return nil, fmt.Errorf("requeue delivery: %w", err)
	}

	entry.MarkRetrying()
	if err := h.store.UpdateDeadLetterEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("update dead letter: %w", err)
	}

	h.logger.Info().
		Str("entry_id", id.String()).
		Str("event_id", entry.EventID.String()).
		Str("machine_hash", entry.MachineHash).
		Msg("dead letter requeued")
	return entry, nil
}

func (h *DeadLetterHandler) loadOpen(ctx context.Context, id uuid.UUID) (*models.DeadLetterEntry, error) {
	entry, err := h.store.GetDeadLetterEntry(ctx, id)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	if entry.IsClosed() {
		return nil, fmt.Errorf("%w: %s", ErrEntryClosed, id)
	}
	return entry, nil
}
