// Package delivery implements at-least-once event delivery to terminals:
// per-terminal delivery tracking, acknowledgment, exponential-backoff retry,
// and dead-lettering when the retry budget is exhausted.
package delivery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aurorapos/aurora-server/internal/metrics"
	"github.com/aurorapos/aurora-server/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Store is the persistence surface the coordinator needs.
type Store interface {
	CreateSubscriptionEvent(ctx context.Context, event *models.SubscriptionEvent) error
	GetSubscriptionEventByID(ctx context.Context, id uuid.UUID) (*models.SubscriptionEvent, error)
	GetSessionsByLicense(ctx context.Context, licenseKey string) ([]*models.TerminalSession, error)
	CreateEventDelivery(ctx context.Context, d *models.EventDelivery) error
	UpdateEventDelivery(ctx context.Context, d *models.EventDelivery) error
	GetEventDelivery(ctx context.Context, eventID uuid.UUID, machineHash string) (*models.EventDelivery, error)
	GetDueDeliveries(ctx context.Context, limit int) ([]*models.EventDelivery, error)
	CreateRetryRecord(ctx context.Context, r *models.EventRetryRecord) error
	RecordEventAck(ctx context.Context, ack *models.EventAck) (bool, error)
	CreateDeadLetterEntry(ctx context.Context, e *models.DeadLetterEntry) error
}

// Channel is the live push surface to connected terminals.
type Channel interface {
	IsConnected(licenseKey, machineHash string) bool
	Send(licenseKey, machineHash string, env models.Envelope) error
}

// Config holds coordinator tuning.
type Config struct {
	Policy        models.RetryPolicy
	SweepInterval time.Duration
	SweepBatch    int
	// DispatchTimeout bounds the background fan-out triggered by a committed
	// transition; the triggering request has already returned by then.
	DispatchTimeout time.Duration
}

// DefaultConfig returns the default coordinator tuning.
func DefaultConfig() Config {
	return Config{
		Policy:          models.DefaultRetryPolicy(),
		SweepInterval:   10 * time.Second,
		SweepBatch:      100,
		DispatchTimeout: 30 * time.Second,
	}
}

// Coordinator drives event fan-out, acknowledgment, and retry.
type Coordinator struct {
	store   Store
	channel Channel
	cfg     Config
	metrics *metrics.Metrics
	logger  zerolog.Logger

	// nowFunc allows tests to advance a simulated clock.
	nowFunc func() time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewCoordinator creates a delivery coordinator.
func NewCoordinator(store Store, channel Channel, cfg Config, m *metrics.Metrics, logger zerolog.Logger) *Coordinator {
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 100
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 10 * time.Second
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 30 * time.Second
	}
	return &Coordinator{
		store:   store,
		channel: channel,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With().Str("component", "delivery").Logger(),
		nowFunc: time.Now,
		stopCh:  make(chan struct{}),
	}
}

// Start begins the periodic retry sweep.
func (c *Coordinator) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.cfg.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := c.Sweep(ctx); err != nil {
					c.logger.Error().Err(err).Msg("retry sweep failed")
				}
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	c.logger.Info().Dur("interval", c.cfg.SweepInterval).Msg("delivery retry sweep started")
}

// Stop halts the sweep and waits for in-flight dispatches to finish.
func (c *Coordinator) Stop() {
	close(c.stopCh)
	c.wg.Wait()
	c.logger.Info().Msg("delivery coordinator stopped")
}

// Publish appends a new event to the log and fans it out to every terminal
// under the license. Used for events born outside a license transition
// (terminal lifecycle, state sync).
func (c *Coordinator) Publish(ctx context.Context, event *models.SubscriptionEvent) error {
	return c.PublishTo(ctx, event, nil)
}

// PublishTo is Publish restricted to an explicit target set; nil targets
// means every non-deactivated session under the license.
func (c *Coordinator) PublishTo(ctx context.Context, event *models.SubscriptionEvent, targets []string) error {
	if err := c.store.CreateSubscriptionEvent(ctx, event); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	c.metrics.EventsPublished.WithLabelValues(string(event.Type)).Inc()
	c.fanOut(ctx, event, targets)
	return nil
}

// Dispatch fans out events that were already appended inside a committed
// transition. It runs in the background: the caller's state change has
// durably succeeded and delivery failures are handled by retry, never
// surfaced to the original request.
func (c *Coordinator) Dispatch(events []*models.SubscriptionEvent) {
	if len(events) == 0 {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DispatchTimeout)
		defer cancel()

		for _, event := range events {
			c.metrics.EventsPublished.WithLabelValues(string(event.Type)).Inc()
			c.fanOut(ctx, event, nil)
		}
	}()
}

// fanOut creates per-terminal delivery records for an event and attempts an
// immediate push to each connected target. Deliveries are independent: one
// terminal exhausting its budget never blocks the others.
func (c *Coordinator) fanOut(ctx context.Context, event *models.SubscriptionEvent, targets []string) {
	sessions, err := c.store.GetSessionsByLicense(ctx, event.LicenseKey)
	if err != nil {
		c.logger.Error().Err(err).Str("event_id", event.ID.String()).Msg("failed to resolve delivery targets")
		return
	}
	if len(targets) > 0 {
		wanted := make(map[string]bool, len(targets))
		for _, t := range targets {
			wanted[t] = true
		}
		filtered := sessions[:0]
		for _, s := range sessions {
			if wanted[s.MachineHash] {
				filtered = append(filtered, s)
			}
		}
		sessions = filtered
	}

	// A structurally invalid payload can never be processed; it goes straight
	// to dead-letter for every target, distinctly classified so operators can
	// tell "will never succeed" from "exhausted attempts".
	if _, err := models.DecodePayload(event.Type, event.Payload); err != nil {
		for _, s := range sessions {
			if s.Status == models.SessionDeactivated {
				continue
			}
			c.deadLetterMalformed(ctx, event, s.MachineHash, err)
		}
		return
	}

	for _, s := range sessions {
		if s.Status == models.SessionDeactivated {
			continue
		}
		d := models.NewEventDelivery(event, s.MachineHash, c.cfg.Policy.MaxAttempts)
		if err := c.store.CreateEventDelivery(ctx, d); err != nil {
			c.logger.Error().Err(err).
				Str("event_id", event.ID.String()).
				Str("machine_hash", s.MachineHash).
				Msg("failed to create delivery record")
			continue
		}
		if c.channel.IsConnected(event.LicenseKey, s.MachineHash) {
			c.attempt(ctx, event, d)
		}
	}
}

// Sweep processes due deliveries: pending ones and retrying ones whose
// backoff has elapsed. Safe to invoke concurrently with itself since every
// step is an idempotent set-update.
func (c *Coordinator) Sweep(ctx context.Context) error {
	due, err := c.store.GetDueDeliveries(ctx, c.cfg.SweepBatch)
	if err != nil {
		return fmt.Errorf("load due deliveries: %w", err)
	}

	for _, d := range due {
		event, err := c.store.GetSubscriptionEventByID(ctx, d.EventID)
		if err != nil {
			c.logger.Error().Err(err).Str("event_id", d.EventID.String()).Msg("failed to load event for retry")
			continue
		}
		if event == nil {
			continue
		}
		if d.AttemptCount > 0 {
			c.metrics.RetryAttempts.Inc()
		}
		c.attempt(ctx, event, d)
	}
	return nil
}

// attempt pushes one event to one terminal. A push failure or an offline
// terminal counts against the retry budget; a successful push leaves the
// delivery awaiting acknowledgment and schedules a re-attempt in case the
// ack never arrives.
func (c *Coordinator) attempt(ctx context.Context, event *models.SubscriptionEvent, d *models.EventDelivery) {
	now := c.nowFunc()

	var pushErr error
	if !c.channel.IsConnected(event.LicenseKey, d.MachineHash) {
		pushErr = fmt.Errorf("terminal offline")
	} else {
		pushErr = c.channel.Send(event.LicenseKey, d.MachineHash, event.Envelope())
	}

	errMsg := "no acknowledgment before retry deadline"
	if pushErr != nil {
		errMsg = pushErr.Error()
	}

	shouldRetry := d.Fail(errMsg, c.cfg.Policy, now)
	c.recordAttempt(ctx, d, models.RetryResultFailed, errMsg)

	if err := c.store.UpdateEventDelivery(ctx, d); err != nil {
		c.logger.Error().Err(err).Str("event_id", d.EventID.String()).Msg("failed to update delivery")
		return
	}

	if !shouldRetry {
		c.moveToDeadLetter(ctx, event, d, models.DeadLetterRetryExhausted)
		return
	}
	c.metrics.DeliveryOutcomes.WithLabelValues("retried").Inc()
}

// Ack records a terminal's acknowledgment of an event. The (event, terminal)
// pair is unique, so reprocessing returns isNew=false with no further effect;
// a late ack for an already-retried or dead-lettered delivery still marks the
// delivery done.
func (c *Coordinator) Ack(ctx context.Context, eventID uuid.UUID, machineHash string, status models.AckStatus, errMsg string, processingMs int64) (bool, error) {
	now := c.nowFunc()
	ack := &models.EventAck{
		EventID:      eventID,
		MachineHash:  machineHash,
		Status:       status,
		ErrorMessage: errMsg,
		ProcessingMs: processingMs,
		CreatedAt:    now,
	}

	isNew, err := c.store.RecordEventAck(ctx, ack)
	if err != nil {
		return false, fmt.Errorf("record ack: %w", err)
	}
	if !isNew {
		return false, nil
	}
	if processingMs > 0 {
		c.metrics.AckProcessingMs.Observe(float64(processingMs))
	}

	d, err := c.store.GetEventDelivery(ctx, eventID, machineHash)
	if err != nil {
		return true, fmt.Errorf("load delivery for ack: %w", err)
	}
	if d == nil || d.Status == models.DeliveryStatusDelivered {
		return true, nil
	}

	if status == models.AckStatusFailed {
		// The terminal received the event but could not apply it; that is a
		// failed attempt, not a completed delivery.
		shouldRetry := d.Fail("terminal reported failure: "+errMsg, c.cfg.Policy, now)
		c.recordAttempt(ctx, d, models.RetryResultFailed, errMsg)
		if err := c.store.UpdateEventDelivery(ctx, d); err != nil {
			return true, fmt.Errorf("update delivery: %w", err)
		}
		if !shouldRetry {
			event, evErr := c.store.GetSubscriptionEventByID(ctx, eventID)
			if evErr == nil && event != nil {
				c.moveToDeadLetter(ctx, event, d, models.DeadLetterRetryExhausted)
			}
		}
		return true, nil
	}

	d.MarkDelivered(now)
	c.recordAttempt(ctx, d, models.RetryResultSucceeded, "")
	if err := c.store.UpdateEventDelivery(ctx, d); err != nil {
		return true, fmt.Errorf("update delivery: %w", err)
	}
	c.metrics.DeliveryOutcomes.WithLabelValues("delivered").Inc()
	return true, nil
}

func (c *Coordinator) recordAttempt(ctx context.Context, d *models.EventDelivery, result models.RetryResult, errMsg string) {
	var backoffMs int64
	if d.NextRetryAt != nil {
		backoffMs = c.cfg.Policy.Backoff(d.AttemptCount).Milliseconds()
	}
	r := &models.EventRetryRecord{
		ID:            uuid.New(),
		EventID:       d.EventID,
		MachineHash:   d.MachineHash,
		AttemptNumber: d.AttemptCount,
		Result:        result,
		ErrorMessage:  errMsg,
		NextRetryAt:   d.NextRetryAt,
		BackoffMs:     backoffMs,
		CreatedAt:     c.nowFunc(),
	}
	if err := c.store.CreateRetryRecord(ctx, r); err != nil {
		c.logger.Error().Err(err).Str("event_id", d.EventID.String()).Msg("failed to record retry attempt")
	}
}

func (c *Coordinator) moveToDeadLetter(ctx context.Context, event *models.SubscriptionEvent, d *models.EventDelivery, class models.DeadLetterClassification) {
	entry := models.NewDeadLetterEntry(event, d.MachineHash, d.AttemptCount, d.LastError, class)
	if err := c.store.CreateDeadLetterEntry(ctx, entry); err != nil {
		c.logger.Error().Err(err).Str("event_id", event.ID.String()).Msg("failed to create dead letter entry")
		return
	}
	c.metrics.DeliveryOutcomes.WithLabelValues("dead_lettered").Inc()
	c.logger.Warn().
		Str("event_id", event.ID.String()).
		Str("machine_hash", d.MachineHash).
		Str("classification", string(class)).
		Int("attempts", d.AttemptCount).
		Msg("delivery dead-lettered")
}

// deadLetterMalformed records a malformed event straight to dead-letter
// without a delivery attempt, since retrying it can never succeed.
func (c *Coordinator) deadLetterMalformed(ctx context.Context, event *models.SubscriptionEvent, machineHash string, cause error) {
	d := models.NewEventDelivery(event, machineHash, c.cfg.Policy.MaxAttempts)
	d.Status = models.DeliveryStatusDeadLetter
	d.LastError = cause.Error()
	if err := c.store.CreateEventDelivery(ctx, d); err != nil {
		c.logger.Error().Err(err).Str("event_id", event.ID.String()).Msg("failed to create malformed delivery record")
		return
	}
	entry := models.NewDeadLetterEntry(event, machineHash, 0, cause.Error(), models.DeadLetterMalformed)
	if err := c.store.CreateDeadLetterEntry(ctx, entry); err != nil {
		c.logger.Error().Err(err).Str("event_id", event.ID.String()).Msg("failed to create dead letter entry")
		return
	}
	c.metrics.DeliveryOutcomes.WithLabelValues("dead_lettered").Inc()
}
