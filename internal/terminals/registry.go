package terminals

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
	// ErrLicenseNotFound is returned when no license exists for the given key.
	ErrLicenseNotFound = errors.New("license not found")
	// ErrLicenseInactive is returned when the license no longer permits
	// terminal activations.
	ErrLicenseInactive = errors.New("license is not active")
	// ErrQuotaExceeded is returned when the license's terminal limit is reached.
	ErrQuotaExceeded = errors.New("terminal limit reached for license")
	// ErrSessionNotFound is returned when no session exists for the terminal.
	ErrSessionNotFound = errors.New("terminal session not found")
)

// RegistryStore defines the persistence operations the registry needs.
type RegistryStore interface {
	GetLicenseByKey(ctx context.Context, key string) (*models.License, error)
	GetTerminalSession(ctx context.Context, licenseKey, machineHash string) (*models.TerminalSession, error)
	RegisterTerminalSession(ctx context.Context, s *models.TerminalSession, maxTerminals int) (*models.TerminalSession, bool, error)
	GetSessionsByLicense(ctx context.Context, licenseKey string) ([]*models.TerminalSession, error)
	GetOldestConnectedSession(ctx context.Context, licenseKey string) (*models.TerminalSession, error)
	SetPrimarySession(ctx context.Context, licenseKey string, sessionID uuid.UUID) error
	TouchHeartbeat(ctx context.Context, licenseKey, machineHash string) (bool, error)
	MarkSessionDisconnected(ctx context.Context, licenseKey, machineHash string) error
	GetStaleSessions(ctx context.Context, window string) ([]*models.TerminalSession, error)
}

// Publisher appends coordination events to the durable log and fans them out
// to the license's terminals.
type Publisher interface {
	Publish(ctx context.Context, event *models.SubscriptionEvent) error
}

// Registry tracks terminal sessions under their licenses: registration and
// reconnects, heartbeats, disconnects, stale eviction and primary election.
type Registry struct {
	store     RegistryStore
	publisher Publisher
	logger    zerolog.Logger
}

// NewRegistry creates a terminal session registry.
func NewRegistry(store RegistryStore, publisher Publisher, logger zerolog.Logger) *Registry {
	return &Registry{
		store:     store,
		publisher: publisher,
		logger:    logger.With().Str("component", "terminal_registry").Logger(),
	}
}

// Register activates a terminal under a license, or refreshes its session on
// reconnect. The first terminal ever registered for a license becomes the
// primary; reconnects preserve the original first-connected time and primary
// flag. Registrations beyond the plan's terminal limit are rejected.
func (r *Registry) Register(ctx context.Context, licenseKey string, info models.TerminalInfo) (*models.TerminalSession, error) {
	license, err := r.store.GetLicenseByKey(ctx, licenseKey)
	if err != nil {
		return nil, fmt.Errorf("load license: %w", err)
	}
	if license == nil {
		return nil, ErrLicenseNotFound
	}
	if !license.Active || !license.Status.IsUsable() {
		return nil, ErrLicenseInactive
	}

	// The quota check and the upsert happen as one atomic unit in the store,
	// so concurrent registrations racing for the last slot cannot all win.
	session := models.NewTerminalSession(licenseKey, info, false)
	saved, reconnect, err := r.store.RegisterTerminalSession(ctx, session, license.MaxTerminals)
	if err != nil {
		return nil, fmt.Errorf("register terminal session: %w", err)
	}
	if saved == nil {
		return nil, ErrQuotaExceeded
	}

	eventType := models.EventTerminalAdded
	if reconnect {
		eventType = models.EventTerminalReconnected
	}
	r.publishTerminalEvent(ctx, licenseKey, eventType, saved)

	r.logger.Info().
		Str("license_key", licenseKey).
		Str("machine_hash", info.MachineHash).
		Bool("is_primary", saved.IsPrimary).
		Bool("reconnect", reconnect).
		Msg("terminal registered")

	return saved, nil
}

// Heartbeat refreshes a connected session's liveness timestamp. It returns
// ErrSessionNotFound when the terminal has no connected session and must
// re-register.
func (r *Registry) Heartbeat(ctx context.Context, licenseKey, machineHash string) error {
	touched, err := r.store.TouchHeartbeat(ctx, licenseKey, machineHash)
	if err != nil {
		return fmt.Errorf("touch heartbeat: %w", err)
	}
	if !touched {
		return ErrSessionNotFound
	}
	return nil
}

// Disconnect marks a terminal's session disconnected and, when it held the
// primary role, promotes the oldest remaining connected terminal. Unknown or
// already-disconnected sessions are a no-op.
func (r *Registry) Disconnect(ctx context.Context, licenseKey, machineHash string) error {
	session, err := r.store.GetTerminalSession(ctx, licenseKey, machineHash)
	if err != nil {
		return fmt.Errorf("load terminal session: %w", err)
	}
	if session == nil || session.Status != models.SessionConnected {
		return nil
	}

	if err := r.store.MarkSessionDisconnected(ctx, licenseKey, machineHash); err != nil {
		return fmt.Errorf("mark session disconnected: %w", err)
	}

	r.publishTerminalEvent(ctx, licenseKey, models.EventTerminalRemoved, session)

	if session.IsPrimary {
		if err := r.promotePrimary(ctx, licenseKey); err != nil {
			r.logger.Error().Err(err).
				Str("license_key", licenseKey).
				Msg("primary promotion failed")
		}
	}

	r.logger.Info().
		Str("license_key", licenseKey).
		Str("machine_hash", machineHash).
		Msg("terminal disconnected")

	return nil
}

// OnChannelDrop is the push-channel disconnect hook. It runs outside any
// request context.
func (r *Registry) OnChannelDrop(licenseKey, machineHash string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := r.Disconnect(ctx, licenseKey, machineHash); err != nil {
		r.logger.Error().Err(err).
			Str("license_key", licenseKey).
			Str("machine_hash", machineHash).
			Msg("failed to handle channel drop")
	}
}

// DetectStale force-disconnects connected sessions whose heartbeats stopped
// longer than the staleness window ago, promoting a new primary where needed.
// It returns the number of sessions evicted.
func (r *Registry) DetectStale(ctx context.Context) (int, error) {
	window := fmt.Sprintf("%d seconds", int(models.StaleSessionWindow.Seconds()))
	stale, err := r.store.GetStaleSessions(ctx, window)
	if err != nil {
		return 0, fmt.Errorf("list stale sessions: %w", err)
	}

	evicted := 0
	for _, session := range stale {
		if err := r.store.MarkSessionDisconnected(ctx, session.LicenseKey, session.MachineHash); err != nil {
			r.logger.Error().Err(err).
				Str("license_key", session.LicenseKey).
				Str("machine_hash", session.MachineHash).
				Msg("failed to evict stale session")
			continue
		}
		evicted++

		r.publishTerminalEvent(ctx, session.LicenseKey, models.EventTerminalRemoved, session)

		if session.IsPrimary {
			if err := r.promotePrimary(ctx, session.LicenseKey); err != nil {
				r.logger.Error().Err(err).
					Str("license_key", session.LicenseKey).
					Msg("primary promotion failed")
			}
		}

		r.logger.Warn().
			Str("license_key", session.LicenseKey).
			Str("machine_hash", session.MachineHash).
			Time("last_heartbeat_at", session.LastHeartbeatAt).
			Msg("stale terminal session evicted")
	}

	return evicted, nil
}

// Sessions lists all sessions registered under a license.
func (r *Registry) Sessions(ctx context.Context, licenseKey string) ([]*models.TerminalSession, error) {
	return r.store.GetSessionsByLicense(ctx, licenseKey)
}

// promotePrimary hands the primary role to the oldest connected terminal.
// When no terminal remains connected the departing session keeps its flag, so
// it resumes the role if it reconnects first.
func (r *Registry) promotePrimary(ctx context.Context, licenseKey string) error {
	oldest, err := r.store.GetOldestConnectedSession(ctx, licenseKey)
	if err != nil {
		return fmt.Errorf("find oldest connected session: %w", err)
	}
	if oldest == nil {
		return nil
	}

	if err := r.store.SetPrimarySession(ctx, licenseKey, oldest.ID); err != nil {
		return fmt.Errorf("set primary session: %w", err)
	}

	event, err := models.NewSubscriptionEvent(licenseKey, models.EventPrimaryChanged, models.PrimaryChangedPayload{
		NewPrimaryMachineHash: oldest.MachineHash,
	})
	if err != nil {
		return err
	}
	if err := r.publisher.Publish(ctx, event); err != nil {
		r.logger.Warn().Err(err).
			Str("license_key", licenseKey).
			Msg("failed to publish primary change")
	}

	r.logger.Info().
		Str("license_key", licenseKey).
		Str("machine_hash", oldest.MachineHash).
		Msg("primary terminal promoted")

	return nil
}

func (r *Registry) publishTerminalEvent(ctx context.Context, licenseKey string, eventType models.SubscriptionEventType, session *models.TerminalSession) {
	event, err := models.NewSubscriptionEvent(licenseKey, eventType, models.TerminalPayload{
		MachineHash: session.MachineHash,
		DisplayName: session.DisplayName,
	})
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to build terminal event")
		return
	}
	if err := r.publisher.Publish(ctx, event); err != nil {
		r.logger.Warn().Err(err).
			Str("license_key", licenseKey).
			Str("event_type", string(eventType)).
			Msg("failed to publish terminal event")
	}
}
