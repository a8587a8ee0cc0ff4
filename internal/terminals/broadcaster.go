package terminals

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aurorapos/aurora-server/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrInvalidBroadcast is returned when a broadcast payload does not decode
	// for its event type. Rejecting it here keeps undeliverable junk out of
	// the event log.
	ErrInvalidBroadcast = errors.New("broadcast payload does not match event type")
	// ErrSyncNotFound is returned when no state sync exists for the given id.
	ErrSyncNotFound = errors.New("state sync not found")
)

// BroadcastStore defines the persistence operations the broadcaster needs.
type BroadcastStore interface {
	GetConnectedSessions(ctx context.Context, licenseKey string) ([]*models.TerminalSession, error)
	CreateStateSync(ctx context.Context, s *models.TerminalStateSync) error
	AcknowledgeStateSync(ctx context.Context, id uuid.UUID, machineHash string) (*models.TerminalStateSync, bool, error)
	ListStateSyncsByLicense(ctx context.Context, licenseKey string, limit int) ([]*models.TerminalStateSync, error)
	CreateCoordinationEvent(ctx context.Context, e *models.CoordinationEvent) error
	ListCoordinationEvents(ctx context.Context, licenseKey string, limit int) ([]*models.CoordinationEvent, error)
}

// TargetedPublisher pushes events to an explicit subset of a license's
// terminals; nil targets means all of them.
type TargetedPublisher interface {
	PublishTo(ctx context.Context, event *models.SubscriptionEvent, targets []string) error
}

// Broadcaster fans coordination messages and state-synchronization operations
// out across the terminals of a license.
type Broadcaster struct {
	store     BroadcastStore
	publisher TargetedPublisher
	logger    zerolog.Logger
}

// NewBroadcaster creates a coordination broadcaster.
func NewBroadcaster(store BroadcastStore, publisher TargetedPublisher, logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		store:     store,
		publisher: publisher,
		logger:    logger.With().Str("component", "broadcaster").Logger(),
	}
}

// Broadcast records a coordination event and pushes it to the target
// terminals. Nil targets means every terminal connected at send time.
func (b *Broadcaster) Broadcast(ctx context.Context, licenseKey string, eventType models.SubscriptionEventType, payload json.RawMessage, targets []string) (*models.CoordinationEvent, error) {
	if _, err := models.DecodePayload(eventType, payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBroadcast, err)
	}

	if targets == nil {
		resolved, err := b.resolveConnected(ctx, licenseKey, "")
		if err != nil {
			return nil, err
		}
		targets = resolved
	}

	record := &models.CoordinationEvent{
		ID:         uuid.New(),
		LicenseKey: licenseKey,
		EventType:  eventType,
		Payload:    payload,
		Targets:    targets,
		CreatedAt:  time.Now(),
	}
	if err := b.store.CreateCoordinationEvent(ctx, record); err != nil {
		return nil, fmt.Errorf("record coordination event: %w", err)
	}

	event, err := models.NewSubscriptionEvent(licenseKey, eventType, payload)
	if err != nil {
		return nil, err
	}
	if err := b.publisher.PublishTo(ctx, event, targets); err != nil {
		return nil, fmt.Errorf("publish broadcast: %w", err)
	}

	b.logger.Info().
		Str("license_key", licenseKey).
		Str("event_type", string(eventType)).
		Int("targets", len(targets)).
		Msg("coordination event broadcast")

	return record, nil
}

// SynchronizeState starts a state sync across the license's terminals and
// pushes the payload to each target. Nil targets resolves to every terminal
// connected at creation time except the source; the sync completes when every
// resolved target has acknowledged.
func (b *Broadcaster) SynchronizeState(ctx context.Context, licenseKey, syncType, sourceHash string, data json.RawMessage, targets []string) (*models.TerminalStateSync, error) {
	if targets == nil {
		resolved, err := b.resolveConnected(ctx, licenseKey, sourceHash)
		if err != nil {
			return nil, err
		}
		targets = resolved
	}

	sync := models.NewTerminalStateSync(licenseKey, syncType, sourceHash, targets, data)
	if err := b.store.CreateStateSync(ctx, sync); err != nil {
		return nil, fmt.Errorf("create state sync: %w", err)
	}

	event, err := models.NewSubscriptionEvent(licenseKey, models.EventStateSync, models.StateSyncPayload{
		SyncID:     sync.ID,
		SyncType:   syncType,
		SourceHash: sourceHash,
		Data:       data,
	})
	if err != nil {
		return nil, err
	}
	if err := b.publisher.PublishTo(ctx, event, targets); err != nil {
		return nil, fmt.Errorf("publish state sync: %w", err)
	}

	b.logger.Info().
		Str("license_key", licenseKey).
		Str("sync_type", syncType).
		Str("sync_id", sync.ID.String()).
		Int("targets", len(targets)).
		Msg("state sync started")

	return sync, nil
}

// AcknowledgeSync records one terminal's acknowledgment of a state sync.
// Duplicate acks are harmless; concurrent acks from different terminals are
// serialized by the store so none is lost. The returned flag reports whether
// this ack completed the sync.
func (b *Broadcaster) AcknowledgeSync(ctx context.Context, syncID uuid.UUID, machineHash string) (*models.TerminalStateSync, bool, error) {
	sync, completed, err := b.store.AcknowledgeStateSync(ctx, syncID, machineHash)
	if err != nil {
		return nil, false, fmt.Errorf("acknowledge state sync: %w", err)
	}
	if sync == nil {
		return nil, false, ErrSyncNotFound
	}

	if completed {
		b.logger.Info().
			Str("sync_id", syncID.String()).
			Str("license_key", sync.LicenseKey).
			Msg("state sync completed")
	}

	return sync, completed, nil
}

// ListSyncs lists recent state syncs for a license, newest first.
func (b *Broadcaster) ListSyncs(ctx context.Context, licenseKey string, limit int) ([]*models.TerminalStateSync, error) {
	return b.store.ListStateSyncsByLicense(ctx, licenseKey, limit)
}

// ListBroadcasts lists recent coordination events for a license, newest first.
func (b *Broadcaster) ListBroadcasts(ctx context.Context, licenseKey string, limit int) ([]*models.CoordinationEvent, error) {
	return b.store.ListCoordinationEvents(ctx, licenseKey, limit)
}

func (b *Broadcaster) resolveConnected(ctx context.Context, licenseKey, exclude string) ([]string, error) {
	sessions, err := b.store.GetConnectedSessions(ctx, licenseKey)
	if err != nil {
		return nil, fmt.Errorf("resolve connected terminals: %w", err)
	}
	targets := make([]string, 0, len(sessions))
	for _, s := range sessions {
		if exclude != "" && s.MachineHash == exclude {
			continue
		}
		targets = append(targets, s.MachineHash)
	}
	return targets, nil
}
