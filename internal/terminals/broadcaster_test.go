package terminals

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/aurorapos/aurora-server/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBroadcastStore struct {
	mu        sync.Mutex
	connected []*models.TerminalSession
	syncs     map[uuid.UUID]*models.TerminalStateSync
	coordLog  []*models.CoordinationEvent
}

func newFakeBroadcastStore(hashes ...string) *fakeBroadcastStore {
	f := &fakeBroadcastStore{syncs: make(map[uuid.UUID]*models.TerminalStateSync)}
	for _, h := range hashes {
		f.connected = append(f.connected, &models.TerminalSession{
			ID:          uuid.New(),
			LicenseKey:  testLicenseKey,
			MachineHash: h,
			Status:      models.SessionConnected,
		})
	}
	return f
}

func (f *fakeBroadcastStore) GetConnectedSessions(_ context.Context, _ string) ([]*models.TerminalSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*models.TerminalSession(nil), f.connected...), nil
}

func (f *fakeBroadcastStore) CreateStateSync(_ context.Context, s *models.TerminalStateSync) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *s
	f.syncs[s.ID] = &copied
	return nil
}

// AcknowledgeStateSync appends the ack and checks completion in one critical
// section, mirroring the row lock the real store takes.
func (f *fakeBroadcastStore) AcknowledgeStateSync(_ context.Context, id uuid.UUID, machineHash string) (*models.TerminalStateSync, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.syncs[id]
	if !ok {
		return nil, false, nil
	}
	completed := s.Acknowledge(machineHash)
	copied := *s
	copied.AckedBy = append([]string(nil), s.AckedBy...)
	return &copied, completed, nil
}

func (f *fakeBroadcastStore) ListStateSyncsByLicense(_ context.Context, _ string, _ int) ([]*models.TerminalStateSync, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.TerminalStateSync
	for _, s := range f.syncs {
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeBroadcastStore) CreateCoordinationEvent(_ context.Context, e *models.CoordinationEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.coordLog = append(f.coordLog, e)
	return nil
}

func (f *fakeBroadcastStore) ListCoordinationEvents(_ context.Context, _ string, _ int) ([]*models.CoordinationEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*models.CoordinationEvent(nil), f.coordLog...), nil
}

type targetedPush struct {
	event   *models.SubscriptionEvent
	targets []string
}

type fakeTargetedPublisher struct {
	mu     sync.Mutex
	pushes []targetedPush
}

func (f *fakeTargetedPublisher) PublishTo(_ context.Context, event *models.SubscriptionEvent, targets []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes = append(f.pushes, targetedPush{event: event, targets: targets})
	return nil
}

func newTestBroadcaster(store *fakeBroadcastStore, pub *fakeTargetedPublisher) *Broadcaster {
	return NewBroadcaster(store, pub, zerolog.Nop())
}

func TestBroadcastToAllConnected(t *testing.T) {
	store := newFakeBroadcastStore("m1", "m2", "m3")
	pub := &fakeTargetedPublisher{}
	b := newTestBroadcaster(store, pub)

	payload, err := json.Marshal(models.DeactivationBroadcastPayload{Reason: "maintenance"})
	require.NoError(t, err)

	record, err := b.Broadcast(context.Background(), testLicenseKey, models.EventDeactivationBroadcast, payload, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"m1", "m2", "m3"}, record.Targets)

	require.Len(t, store.coordLog, 1)
	require.Len(t, pub.pushes, 1)
	assert.Equal(t, models.EventDeactivationBroadcast, pub.pushes[0].event.Type)
	assert.ElementsMatch(t, []string{"m1", "m2", "m3"}, pub.pushes[0].targets)
}

func TestBroadcastExplicitTargets(t *testing.T) {
	store := newFakeBroadcastStore("m1", "m2", "m3")
	pub := &fakeTargetedPublisher{}
	b := newTestBroadcaster(store, pub)

	payload, err := json.Marshal(models.TerminalPayload{MachineHash: "m1"})
	require.NoError(t, err)

	record, err := b.Broadcast(context.Background(), testLicenseKey, models.EventTerminalRemoved, payload, []string{"m2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"m2"}, record.Targets)
	require.Len(t, pub.pushes, 1)
	assert.Equal(t, []string{"m2"}, pub.pushes[0].targets)
}

func TestBroadcastRejectsMalformedPayload(t *testing.T) {
	store := newFakeBroadcastStore("m1")
	pub := &fakeTargetedPublisher{}
	b := newTestBroadcaster(store, pub)

	_, err := b.Broadcast(context.Background(), testLicenseKey, models.EventDeactivationBroadcast, json.RawMessage(`{not json`), nil)
	assert.ErrorIs(t, err, ErrInvalidBroadcast)
	assert.Empty(t, store.coordLog)
	assert.Empty(t, pub.pushes)
}

func TestBroadcastRejectsUnknownEventType(t *testing.T) {
	b := newTestBroadcaster(newFakeBroadcastStore("m1"), &fakeTargetedPublisher{})

	_, err := b.Broadcast(context.Background(), testLicenseKey, "mystery_event", json.RawMessage(`{}`), nil)
	assert.ErrorIs(t, err, ErrInvalidBroadcast)
}

func TestSynchronizeStateExcludesSource(t *testing.T) {
	store := newFakeBroadcastStore("m1", "m2", "m3")
	pub := &fakeTargetedPublisher{}
	b := newTestBroadcaster(store, pub)

	data := json.RawMessage(`{"menu_version":42}`)
	sync, err := b.SynchronizeState(context.Background(), testLicenseKey, "menu_update", "m1", data, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"m2", "m3"}, sync.Targets)
	assert.Equal(t, models.SyncStatusPending, sync.Status)

	require.Len(t, pub.pushes, 1)
	assert.Equal(t, models.EventStateSync, pub.pushes[0].event.Type)
	decoded, err := models.DecodePayload(models.EventStateSync, pub.pushes[0].event.Payload)
	require.NoError(t, err)
	p := decoded.(*models.StateSyncPayload)
	assert.Equal(t, sync.ID, p.SyncID)
	assert.Equal(t, "menu_update", p.SyncType)
	assert.Equal(t, "m1", p.SourceHash)
	assert.JSONEq(t, string(data), string(p.Data))
}

func TestAcknowledgeSyncProgressesAndCompletes(t *testing.T) {
	store := newFakeBroadcastStore("m1", "m2", "m3")
	pub := &fakeTargetedPublisher{}
	b := newTestBroadcaster(store, pub)

	sync, err := b.SynchronizeState(context.Background(), testLicenseKey, "config_update", "m1", json.RawMessage(`{}`), nil)
	require.NoError(t, err)

	updated, completed, err := b.AcknowledgeSync(context.Background(), sync.ID, "m2")
	require.NoError(t, err)
	assert.False(t, completed)
	assert.Equal(t, models.SyncStatusInProgress, updated.Status)

	updated, completed, err = b.AcknowledgeSync(context.Background(), sync.ID, "m3")
	require.NoError(t, err)
	assert.True(t, completed)
	assert.Equal(t, models.SyncStatusCompleted, updated.Status)
	require.NotNil(t, updated.CompletedAt)
	assert.WithinDuration(t, time.Now(), *updated.CompletedAt, time.Minute)
}

func TestAcknowledgeSyncIdempotent(t *testing.T) {
	store := newFakeBroadcastStore("m1", "m2")
	b := newTestBroadcaster(store, &fakeTargetedPublisher{})

	sync, err := b.SynchronizeState(context.Background(), testLicenseKey, "config_update", "", json.RawMessage(`{}`), nil)
	require.NoError(t, err)

	_, completed, err := b.AcknowledgeSync(context.Background(), sync.ID, "m1")
	require.NoError(t, err)
	assert.False(t, completed)

	// A duplicate ack neither completes the sync nor double-counts.
	updated, completed, err := b.AcknowledgeSync(context.Background(), sync.ID, "m1")
	require.NoError(t, err)
	assert.False(t, completed)
	assert.Equal(t, []string{"m1"}, updated.AckedBy)
}

func TestAcknowledgeSyncConcurrentAcksAllRecorded(t *testing.T) {
	store := newFakeBroadcastStore("m1", "m2", "m3")
	b := newTestBroadcaster(store, &fakeTargetedPublisher{})

	syncState, err := b.SynchronizeState(context.Background(), testLicenseKey, "menu_update", "m1", json.RawMessage(`{}`), nil)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"m2", "m3"}, syncState.Targets)

	// Both remaining terminals ack at the same time; neither ack may be
	// lost to the other's write.
	var wg sync.WaitGroup
	for _, hash := range []string{"m2", "m3"} {
		wg.Add(1)
		go func(h string) {
			defer wg.Done()
			_, _, err := b.AcknowledgeSync(context.Background(), syncState.ID, h)
			assert.NoError(t, err)
		}(hash)
	}
	wg.Wait()

	final, _, err := b.AcknowledgeSync(context.Background(), syncState.ID, "m2")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"m2", "m3"}, final.AckedBy)
	assert.Equal(t, models.SyncStatusCompleted, final.Status)
}

func TestSynchronizeStateNoTargetsCompletesImmediately(t *testing.T) {
	// Only the source terminal is connected, so there is nothing to wait for.
	store := newFakeBroadcastStore("m1")
	b := newTestBroadcaster(store, &fakeTargetedPublisher{})

	sync, err := b.SynchronizeState(context.Background(), testLicenseKey, "menu_update", "m1", json.RawMessage(`{}`), nil)
	require.NoError(t, err)
	assert.Empty(t, sync.Targets)
	assert.Equal(t, models.SyncStatusCompleted, sync.Status)
	require.NotNil(t, sync.CompletedAt)
}

func TestAcknowledgeSyncUnknown(t *testing.T) {
	b := newTestBroadcaster(newFakeBroadcastStore(), &fakeTargetedPublisher{})

	_, _, err := b.AcknowledgeSync(context.Background(), uuid.New(), "m1")
	assert.ErrorIs(t, err, ErrSyncNotFound)
}
