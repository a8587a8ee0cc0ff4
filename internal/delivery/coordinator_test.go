package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aurorapos/aurora-server/internal/metrics"
	"github.com/aurorapos/aurora-server/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type deliveryKey struct {
	eventID     uuid.UUID
	machineHash string
}

type fakeDeliveryStore struct {
	mu         sync.Mutex
	events     map[uuid.UUID]*models.SubscriptionEvent
	deliveries map[deliveryKey]*models.EventDelivery
	acks       map[deliveryKey]*models.EventAck
	retries    []*models.EventRetryRecord
	deadLetter []*models.DeadLetterEntry
	sessions   []*models.TerminalSession

	now func() time.Time
}

func newFakeDeliveryStore(now func() time.Time) *fakeDeliveryStore {
	return &fakeDeliveryStore{
		events:     make(map[uuid.UUID]*models.SubscriptionEvent),
		deliveries: make(map[deliveryKey]*models.EventDelivery),
		acks:       make(map[deliveryKey]*models.EventAck),
		now:        now,
	}
}

func (f *fakeDeliveryStore) CreateSubscriptionEvent(_ context.Context, e *models.SubscriptionEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[e.ID] = e
	return nil
}

func (f *fakeDeliveryStore) GetSubscriptionEventByID(_ context.Context, id uuid.UUID) (*models.SubscriptionEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events[id], nil
}

func (f *fakeDeliveryStore) GetSessionsByLicense(_ context.Context, _ string) ([]*models.TerminalSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions, nil
}

func (f *fakeDeliveryStore) CreateEventDelivery(_ context.Context, d *models.EventDelivery) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := deliveryKey{d.EventID, d.MachineHash}
	if _, exists := f.deliveries[k]; exists {
		return nil
	}
	cp := *d
	f.deliveries[k] = &cp
	return nil
}

func (f *fakeDeliveryStore) UpdateEventDelivery(_ context.Context, d *models.EventDelivery) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *d
	f.deliveries[deliveryKey{d.EventID, d.MachineHash}] = &cp
	return nil
}

func (f *fakeDeliveryStore) GetEventDelivery(_ context.Context, eventID uuid.UUID, machineHash string) (*models.EventDelivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.deliveries[deliveryKey{eventID, machineHash}]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

func (f *fakeDeliveryStore) GetDueDeliveries(_ context.Context, limit int) ([]*models.EventDelivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.now()
	var due []*models.EventDelivery
	for _, d := range f.deliveries {
		switch d.Status {
		case models.DeliveryStatusPending:
		case models.DeliveryStatusRetrying:
			if d.NextRetryAt == nil || d.NextRetryAt.After(now) {
				continue
			}
		default:
			continue
		}
		cp := *d
		due = append(due, &cp)
		if len(due) >= limit {
			break
		}
	}
	return due, nil
}

func (f *fakeDeliveryStore) CreateRetryRecord(_ context.Context, r *models.EventRetryRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retries = append(f.retries, r)
	return nil
}

func (f *fakeDeliveryStore) RecordEventAck(_ context.Context, ack *models.EventAck) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := deliveryKey{ack.EventID, ack.MachineHash}
	if _, exists := f.acks[k]; exists {
		return false, nil
	}
	f.acks[k] = ack
	return true, nil
}

func (f *fakeDeliveryStore) CreateDeadLetterEntry(_ context.Context, e *models.DeadLetterEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deadLetter = append(f.deadLetter, e)
	return nil
}

func (f *fakeDeliveryStore) delivery(eventID uuid.UUID, machineHash string) *models.EventDelivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deliveries[deliveryKey{eventID, machineHash}]
}

type sentEnvelope struct {
	machineHash string
	env         models.Envelope
}

type fakeChannel struct {
	mu        sync.Mutex
	connected map[string]bool
	sent      []sentEnvelope
	sendErr   error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{connected: make(map[string]bool)}
}

func (f *fakeChannel) IsConnected(_, machineHash string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected[machineHash]
}

func (f *fakeChannel) Send(_, machineHash string, env models.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentEnvelope{machineHash, env})
	return nil
}

// simClock is a manually advanced clock for retry timing tests.
type simClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *simClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *simClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func session(licenseKey, machineHash string, status models.SessionStatus) *models.TerminalSession {
	s := models.NewTerminalSession(licenseKey, models.TerminalInfo{MachineHash: machineHash}, false)
	s.Status = status
	return s
}

func newTestCoordinator(t *testing.T, policy models.RetryPolicy) (*Coordinator, *fakeDeliveryStore, *fakeChannel, *simClock) {
	t.Helper()
	clock := &simClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	store := newFakeDeliveryStore(clock.Now)
	channel := newFakeChannel()

	cfg := DefaultConfig()
	cfg.Policy = policy
	c := NewCoordinator(store, channel, cfg, metrics.New(), zerolog.Nop())
	c.nowFunc = clock.Now
	return c, store, channel, clock
}

func testEvent(t *testing.T, licenseKey string) *models.SubscriptionEvent {
	t.Helper()
	ev, err := models.NewSubscriptionEvent(licenseKey, models.EventSubscriptionCancelled,
		models.SubscriptionCancelledPayload{Reason: "cancelled"})
	require.NoError(t, err)
	return ev
}

func TestPublish_FansOutToConnectedTerminals(t *testing.T) {
	c, store, channel, _ := newTestCoordinator(t, models.DefaultRetryPolicy())
	store.sessions = []*models.TerminalSession{
		session("LIC-1", "m1", models.SessionConnected),
		session("LIC-1", "m2", models.SessionDisconnected),
	}
	channel.connected["m1"] = true

	ev := testEvent(t, "LIC-1")
	require.NoError(t, c.Publish(context.Background(), ev))

	// One push to the connected terminal, delivery records for both.
	require.Len(t, channel.sent, 1)
	assert.Equal(t, "m1", channel.sent[0].machineHash)
	assert.Equal(t, ev.ID, channel.sent[0].env.EventID)

	require.NotNil(t, store.delivery(ev.ID, "m1"))
	d2 := store.delivery(ev.ID, "m2")
	require.NotNil(t, d2)
	assert.Equal(t, models.DeliveryStatusPending, d2.Status)
	assert.Equal(t, 0, d2.AttemptCount)
}

func TestPublish_SkipsDeactivatedSessions(t *testing.T) {
	c, store, _, _ := newTestCoordinator(t, models.DefaultRetryPolicy())
	store.sessions = []*models.TerminalSession{
		session("LIC-1", "m1", models.SessionDeactivated),
	}

	ev := testEvent(t, "LIC-1")
	require.NoError(t, c.Publish(context.Background(), ev))
	assert.Nil(t, store.delivery(ev.ID, "m1"))
}

func TestSweep_RetriesWithExponentialBackoff(t *testing.T) {
	policy := models.RetryPolicy{MaxAttempts: 5, BaseDelay: 30 * time.Second, MaxDelay: 5 * time.Minute}
	c, store, _, clock := newTestCoordinator(t, policy)
	store.sessions = []*models.TerminalSession{session("LIC-1", "m1", models.SessionConnected)}

	ev := testEvent(t, "LIC-1")
	require.NoError(t, c.Publish(context.Background(), ev))

	// Terminal offline: first sweep attempt fails and schedules attempt 2 at
	// base delay.
	require.NoError(t, c.Sweep(context.Background()))
	d := store.delivery(ev.ID, "m1")
	assert.Equal(t, models.DeliveryStatusRetrying, d.Status)
	assert.Equal(t, 1, d.AttemptCount)
	require.NotNil(t, d.NextRetryAt)
	assert.Equal(t, clock.Now().Add(30*time.Second), *d.NextRetryAt)

	// Not due yet: sweeping again is a no-op.
	require.NoError(t, c.Sweep(context.Background()))
	assert.Equal(t, 1, store.delivery(ev.ID, "m1").AttemptCount)

	// Due: second attempt, backoff doubles.
	clock.Advance(31 * time.Second)
	require.NoError(t, c.Sweep(context.Background()))
	d = store.delivery(ev.ID, "m1")
	assert.Equal(t, 2, d.AttemptCount)
	assert.Equal(t, clock.Now().Add(60*time.Second), *d.NextRetryAt)
}

func TestBackoffCappedAtMaxDelay(t *testing.T) {
	policy := models.RetryPolicy{MaxAttempts: 10, BaseDelay: 30 * time.Second, MaxDelay: 5 * time.Minute}
	c, store, _, clock := newTestCoordinator(t, policy)
	store.sessions = []*models.TerminalSession{session("LIC-1", "m1", models.SessionConnected)}

	ev := testEvent(t, "LIC-1")
	require.NoError(t, c.Publish(context.Background(), ev))

	for i := 0; i < 6; i++ {
		clock.Advance(6 * time.Minute)
		require.NoError(t, c.Sweep(context.Background()))
	}

	d := store.delivery(ev.ID, "m1")
	require.NotNil(t, d.NextRetryAt)
	// 30s * 2^5 would be 16m; the cap holds it at 5m.
	assert.Equal(t, clock.Now().Add(5*time.Minute), *d.NextRetryAt)
}

func TestRetryExhaustionDeadLettersExactlyOnce(t *testing.T) {
	policy := models.RetryPolicy{MaxAttempts: 3, BaseDelay: 30 * time.Second, MaxDelay: 5 * time.Minute}
	c, store, _, clock := newTestCoordinator(t, policy)
	store.sessions = []*models.TerminalSession{session("LIC-1", "m1", models.SessionConnected)}

	ev := testEvent(t, "LIC-1")
	require.NoError(t, c.Publish(context.Background(), ev))

	for i := 0; i < 6; i++ {
		clock.Advance(6 * time.Minute)
		require.NoError(t, c.Sweep(context.Background()))
	}

	d := store.delivery(ev.ID, "m1")
	assert.Equal(t, models.DeliveryStatusDeadLetter, d.Status)
	assert.Equal(t, 3, d.AttemptCount)

	require.Len(t, store.deadLetter, 1)
	entry := store.deadLetter[0]
	assert.Equal(t, models.DeadLetterRetryExhausted, entry.Classification)
	assert.Equal(t, 3, entry.RetryCount)
	assert.Equal(t, models.DeadLetterPendingReview, entry.ReviewStatus)
}

func TestExhaustionDoesNotBlockOtherTerminals(t *testing.T) {
	policy := models.RetryPolicy{MaxAttempts: 2, BaseDelay: 30 * time.Second, MaxDelay: 5 * time.Minute}
	c, store, channel, clock := newTestCoordinator(t, policy)
	store.sessions = []*models.TerminalSession{
		session("LIC-1", "dead", models.SessionConnected),
		session("LIC-1", "alive", models.SessionConnected),
	}
	channel.connected["alive"] = true

	ev := testEvent(t, "LIC-1")
	require.NoError(t, c.Publish(context.Background(), ev))

	// The live terminal acks right away and completes.
	isNew, err := c.Ack(context.Background(), ev.ID, "alive", models.AckStatusSuccess, "", 12)
	require.NoError(t, err)
	assert.True(t, isNew)

	for i := 0; i < 4; i++ {
		clock.Advance(6 * time.Minute)
		require.NoError(t, c.Sweep(context.Background()))
	}

	// The dead terminal exhausts its budget without touching the live one.
	assert.Equal(t, models.DeliveryStatusDeadLetter, store.delivery(ev.ID, "dead").Status)
	assert.Equal(t, models.DeliveryStatusDelivered, store.delivery(ev.ID, "alive").Status)
	assert.Len(t, store.deadLetter, 1)
}

func TestAck_Idempotent(t *testing.T) {
	c, store, channel, _ := newTestCoordinator(t, models.DefaultRetryPolicy())
	store.sessions = []*models.TerminalSession{session("LIC-1", "m1", models.SessionConnected)}
	channel.connected["m1"] = true

	ev := testEvent(t, "LIC-1")
	require.NoError(t, c.Publish(context.Background(), ev))

	isNew, err := c.Ack(context.Background(), ev.ID, "m1", models.AckStatusSuccess, "", 40)
	require.NoError(t, err)
	assert.True(t, isNew)

	// Reprocessing the same event yields no second acknowledgment row.
	isNew, err = c.Ack(context.Background(), ev.ID, "m1", models.AckStatusSuccess, "", 40)
	require.NoError(t, err)
	assert.False(t, isNew)

	assert.Len(t, store.acks, 1)
	assert.Equal(t, models.DeliveryStatusDelivered, store.delivery(ev.ID, "m1").Status)
}

func TestAck_LateAfterRetriesIsHarmless(t *testing.T) {
	policy := models.RetryPolicy{MaxAttempts: 5, BaseDelay: 30 * time.Second, MaxDelay: 5 * time.Minute}
	c, store, _, clock := newTestCoordinator(t, policy)
	store.sessions = []*models.TerminalSession{session("LIC-1", "m1", models.SessionConnected)}

	ev := testEvent(t, "LIC-1")
	require.NoError(t, c.Publish(context.Background(), ev))

	clock.Advance(time.Minute)
	require.NoError(t, c.Sweep(context.Background()))
	clock.Advance(time.Minute)
	require.NoError(t, c.Sweep(context.Background()))
	assert.Equal(t, 2, store.delivery(ev.ID, "m1").AttemptCount)

	isNew, err := c.Ack(context.Background(), ev.ID, "m1", models.AckStatusSuccess, "", 0)
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Equal(t, models.DeliveryStatusDelivered, store.delivery(ev.ID, "m1").Status)

	// Delivered means no longer due; later sweeps leave it alone.
	clock.Advance(time.Hour)
	require.NoError(t, c.Sweep(context.Background()))
	assert.Equal(t, 2, store.delivery(ev.ID, "m1").AttemptCount)
}

func TestAck_TerminalReportedFailureCountsAgainstBudget(t *testing.T) {
	policy := models.RetryPolicy{MaxAttempts: 2, BaseDelay: 30 * time.Second, MaxDelay: 5 * time.Minute}
	c, store, channel, clock := newTestCoordinator(t, policy)
	store.sessions = []*models.TerminalSession{session("LIC-1", "m1", models.SessionConnected)}
	channel.connected["m1"] = true

	ev := testEvent(t, "LIC-1")
	require.NoError(t, c.Publish(context.Background(), ev))
	// Publish already attempted once (terminal connected).
	assert.Equal(t, 1, store.delivery(ev.ID, "m1").AttemptCount)

	clock.Advance(time.Minute)
	isNew, err := c.Ack(context.Background(), ev.ID, "m1", models.AckStatusFailed, "schema mismatch", 0)
	require.NoError(t, err)
	assert.True(t, isNew)

	d := store.delivery(ev.ID, "m1")
	assert.Equal(t, models.DeliveryStatusDeadLetter, d.Status)
	require.Len(t, store.deadLetter, 1)
}

func TestMalformedEventGoesStraightToDeadLetter(t *testing.T) {
	c, store, channel, _ := newTestCoordinator(t, models.DefaultRetryPolicy())
	store.sessions = []*models.TerminalSession{session("LIC-1", "m1", models.SessionConnected)}
	channel.connected["m1"] = true

	ev := &models.SubscriptionEvent{
		ID:         uuid.New(),
		LicenseKey: "LIC-1",
		Type:       models.EventPlanChanged,
		Payload:    []byte(`{"previous_plan": 42`),
		CreatedAt:  time.Now(),
		ExpiresAt:  time.Now().Add(models.EventRetention),
	}
	require.NoError(t, c.Publish(context.Background(), ev))

	// No push, no retry: the payload can never validate.
	assert.Empty(t, channel.sent)
	d := store.delivery(ev.ID, "m1")
	require.NotNil(t, d)
	assert.Equal(t, models.DeliveryStatusDeadLetter, d.Status)

	require.Len(t, store.deadLetter, 1)
	assert.Equal(t, models.DeadLetterMalformed, store.deadLetter[0].Classification)

	require.NoError(t, c.Sweep(context.Background()))
	assert.Empty(t, channel.sent, "malformed deliveries are never retried")
}

func TestAttemptRecordsRetryHistory(t *testing.T) {
	policy := models.RetryPolicy{MaxAttempts: 3, BaseDelay: 30 * time.Second, MaxDelay: 5 * time.Minute}
	c, store, channel, clock := newTestCoordinator(t, policy)
	store.sessions = []*models.TerminalSession{session("LIC-1", "m1", models.SessionConnected)}
	channel.connected["m1"] = true
	channel.sendErr = errors.New("write: broken pipe")

	ev := testEvent(t, "LIC-1")
	require.NoError(t, c.Publish(context.Background(), ev))

	clock.Advance(time.Minute)
	require.NoError(t, c.Sweep(context.Background()))

	require.Len(t, store.retries, 2)
	first := store.retries[0]
	assert.Equal(t, 1, first.AttemptNumber)
	assert.Equal(t, models.RetryResultFailed, first.Result)
	assert.Contains(t, first.ErrorMessage, "broken pipe")
	assert.Equal(t, int64(30_000), first.BackoffMs)

	second := store.retries[1]
	assert.Equal(t, 2, second.AttemptNumber)
	assert.Equal(t, int64(60_000), second.BackoffMs)
}

func TestDispatchFansOutInBackground(t *testing.T) {
	c, store, channel, _ := newTestCoordinator(t, models.DefaultRetryPolicy())
	store.sessions = []*models.TerminalSession{session("LIC-1", "m1", models.SessionConnected)}
	channel.connected["m1"] = true

	// Events here are already in the log (appended inside a transaction).
	ev := testEvent(t, "LIC-1")
	require.NoError(t, store.CreateSubscriptionEvent(context.Background(), ev))

	c.Dispatch([]*models.SubscriptionEvent{ev})
	c.Stop() // waits for the background dispatch

	require.Len(t, channel.sent, 1)
	require.NotNil(t, store.delivery(ev.ID, "m1"))
}

func TestSweepBatchLimit(t *testing.T) {
	policy := models.DefaultRetryPolicy()
	c, store, _, _ := newTestCoordinator(t, policy)
	c.cfg.SweepBatch = 3
	store.sessions = []*models.TerminalSession{session("LIC-1", "m1", models.SessionConnected)}

	for i := 0; i < 5; i++ {
		require.NoError(t, c.Publish(context.Background(), testEvent(t, "LIC-1")))
	}

	require.NoError(t, c.Sweep(context.Background()))

	attempted := 0
	for k := range store.deliveries {
		if store.delivery(k.eventID, k.machineHash).AttemptCount > 0 {
			attempted++
		}
	}
	assert.Equal(t, 3, attempted)
}

func TestPublishUnknownEventTypeDeadLetters(t *testing.T) {
	c, store, _, _ := newTestCoordinator(t, models.DefaultRetryPolicy())
	store.sessions = []*models.TerminalSession{session("LIC-1", "m1", models.SessionConnected)}

	ev := &models.SubscriptionEvent{
		ID:         uuid.New(),
		LicenseKey: "LIC-1",
		Type:       models.SubscriptionEventType("mystery_event"),
		Payload:    []byte(`{}`),
		CreatedAt:  time.Now(),
		ExpiresAt:  time.Now().Add(models.EventRetention),
	}
	require.NoError(t, c.Publish(context.Background(), ev))

	require.Len(t, store.deadLetter, 1)
	assert.Equal(t, models.DeadLetterMalformed, store.deadLetter[0].Classification)
}
