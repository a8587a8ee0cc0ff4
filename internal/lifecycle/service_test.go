package lifecycle

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aurorapos/aurora-server/internal/config"
	"github.com/aurorapos/aurora-server/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPlans = `
plans:
  - id: starter-monthly
    tier: STARTER
    billing_cycle: monthly
    price_cents: 4900
    max_terminals: 2
    stripe_price_id: price_starter_m
  - id: starter-annual
    tier: STARTER
    billing_cycle: annual
    price_cents: 49900
    max_terminals: 2
    stripe_price_id: price_starter_y
  - id: pro-monthly
    tier: PRO
    billing_cycle: monthly
    price_cents: 9900
    max_terminals: 8
    stripe_price_id: price_pro_m
`

type fakeStore struct {
	license      *models.License
	subscription *models.Subscription
	liveSubIDs   []uuid.UUID
	connected    int

	applied  []*models.LicenseTransition
	applyErr error
}

func (f *fakeStore) GetLicenseByKey(_ context.Context, key string) (*models.License, error) {
	if f.license != nil && f.license.Key == key {
		return f.license, nil
	}
	return nil, nil
}

func (f *fakeStore) GetSubscriptionByID(_ context.Context, id uuid.UUID) (*models.Subscription, error) {
	if f.subscription != nil && f.subscription.ID == id {
		return f.subscription, nil
	}
	return nil, nil
}

func (f *fakeStore) GetLiveSubscriptionIDs(_ context.Context, _ uuid.UUID) ([]uuid.UUID, error) {
	return f.liveSubIDs, nil
}

func (f *fakeStore) CountConnectedSessions(_ context.Context, _ string) (int, error) {
	return f.connected, nil
}

func (f *fakeStore) ApplyLicenseTransition(_ context.Context, t *models.LicenseTransition) error {
	if f.applyErr != nil {
		return f.applyErr
	}
	f.applied = append(f.applied, t)
	return nil
}

type fakeDispatcher struct {
	dispatched []*models.SubscriptionEvent
}

func (f *fakeDispatcher) Dispatch(events []*models.SubscriptionEvent) {
	f.dispatched = append(f.dispatched, events...)
}

func newTestService(t *testing.T, store *fakeStore) (*Service, *fakeDispatcher) {
	t.Helper()
	catalog, err := config.ParsePlanCatalog([]byte(testPlans))
	require.NoError(t, err)
	d := &fakeDispatcher{}
	return NewService(store, catalog, d, zerolog.Nop()), d
}

func seedLicense(store *fakeStore, planID, tier string, status models.LicenseStatus) *models.License {
	sub := models.NewSubscription(uuid.New(), "sub_123", planID,
		models.BillingCycleMonthly, models.SubscriptionStatusActive,
		time.Now(), time.Now().Add(30*24*time.Hour))
	lic := models.NewLicense("AUR-"+tier+"-V2-AAAAAAAA-BBBBBBBB", sub.CustomerID, &sub.ID, planID, tier, 2, status)
	lic.Active = status.IsUsable()
	store.license = lic
	store.subscription = sub
	return lic
}

func TestActivateFromCheckout(t *testing.T) {
	prior := uuid.New()
	store := &fakeStore{liveSubIDs: []uuid.UUID{prior}}
	svc, d := newTestService(t, store)

	lic, err := svc.ActivateFromCheckout(context.Background(), CheckoutParams{
		CustomerID:    uuid.New(),
		ProviderSubID: "sub_new",
		PlanID:        "pro-monthly",
		Status:        models.SubscriptionStatusActive,
		PeriodStart:   time.Now(),
		PeriodEnd:     time.Now().Add(30 * 24 * time.Hour),
	})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(lic.Key, "AUR-PRO-V2-"))
	assert.Equal(t, models.LicenseStatusActive, lic.Status)
	assert.Equal(t, 8, lic.MaxTerminals)

	require.Len(t, store.applied, 1)
	applied := store.applied[0]
	assert.True(t, applied.CreateLicense)
	assert.True(t, applied.CreateSubscription)
	assert.Equal(t, []uuid.UUID{prior}, applied.CancelSubscriptionIDs)
	assert.Equal(t, "checkout_completed", applied.Change.ChangeType)

	require.Len(t, d.dispatched, 1)
	assert.Equal(t, models.EventSubscriptionUpdated, d.dispatched[0].Type)
}

func TestActivateFromCheckout_TrialingSubscription(t *testing.T) {
	store := &fakeStore{}
	svc, _ := newTestService(t, store)

	lic, err := svc.ActivateFromCheckout(context.Background(), CheckoutParams{
		CustomerID:    uuid.New(),
		ProviderSubID: "sub_trial",
		PlanID:        "starter-monthly",
		Status:        models.SubscriptionStatusTrialing,
		PeriodStart:   time.Now(),
		PeriodEnd:     time.Now().Add(14 * 24 * time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, models.LicenseStatusTrialing, lic.Status)
	assert.True(t, lic.Active)
}

func TestActivateFromCheckout_UnknownPlan(t *testing.T) {
	svc, _ := newTestService(t, &fakeStore{})

	_, err := svc.ActivateFromCheckout(context.Background(), CheckoutParams{
		CustomerID: uuid.New(),
		PlanID:     "nonexistent",
	})
	assert.ErrorIs(t, err, ErrUnknownPlan)
}

func TestDeactivate(t *testing.T) {
	store := &fakeStore{}
	lic := seedLicense(store, "starter-monthly", "STARTER", models.LicenseStatusActive)
	svc, d := newTestService(t, store)

	out, err := svc.Deactivate(context.Background(), lic.Key, "subscription cancelled", nil)
	require.NoError(t, err)

	assert.Equal(t, models.LicenseStatusCancelled, out.Status)
	assert.False(t, out.Active)

	require.Len(t, store.applied, 1)
	assert.True(t, store.applied[0].DeactivateSessions)

	require.Len(t, d.dispatched, 2)
	assert.Equal(t, models.EventSubscriptionCancelled, d.dispatched[0].Type)
	assert.Equal(t, models.EventDeactivationBroadcast, d.dispatched[1].Type)
}

func TestDeactivate_FromRevokedRejected(t *testing.T) {
	store := &fakeStore{}
	lic := seedLicense(store, "starter-monthly", "STARTER", models.LicenseStatusRevoked)
	svc, d := newTestService(t, store)

	_, err := svc.Deactivate(context.Background(), lic.Key, "late cancel", nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Empty(t, store.applied)
	assert.Empty(t, d.dispatched)
}

func TestDeactivate_LicenseNotFound(t *testing.T) {
	svc, _ := newTestService(t, &fakeStore{})

	_, err := svc.Deactivate(context.Background(), "AUR-PRO-V2-XXXXXXXX-YYYYYYYY", "gone", nil)
	assert.ErrorIs(t, err, ErrLicenseNotFound)
}

func TestRevoke(t *testing.T) {
	store := &fakeStore{}
	lic := seedLicense(store, "starter-monthly", "STARTER", models.LicenseStatusPastDue)
	svc, d := newTestService(t, store)

	out, err := svc.Revoke(context.Background(), lic.Key, "chargeback")
	require.NoError(t, err)

	assert.Equal(t, models.LicenseStatusRevoked, out.Status)
	assert.Equal(t, "chargeback", out.RevocationReason)
	require.NotNil(t, out.RevokedAt)

	require.Len(t, d.dispatched, 2)
	assert.Equal(t, models.EventLicenseRevoked, d.dispatched[0].Type)
}

func TestRevoke_AlreadyRevoked(t *testing.T) {
	store := &fakeStore{}
	lic := seedLicense(store, "starter-monthly", "STARTER", models.LicenseStatusRevoked)
	svc, _ := newTestService(t, store)

	_, err := svc.Revoke(context.Background(), lic.Key, "again")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestReactivate(t *testing.T) {
	store := &fakeStore{}
	lic := seedLicense(store, "starter-monthly", "STARTER", models.LicenseStatusCancelled)
	svc, d := newTestService(t, store)

	out, err := svc.Reactivate(context.Background(), lic.Key)
	require.NoError(t, err)

	assert.Equal(t, models.LicenseStatusActive, out.Status)
	assert.True(t, out.Active)
	assert.False(t, store.subscription.CancelAtPeriodEnd)

	require.Len(t, d.dispatched, 2)
	assert.Equal(t, models.EventSubscriptionReactivated, d.dispatched[0].Type)
	assert.Equal(t, models.EventLicenseReactivated, d.dispatched[1].Type)
}

func TestMarkPastDue_LicenseStaysUsable(t *testing.T) {
	store := &fakeStore{}
	lic := seedLicense(store, "starter-monthly", "STARTER", models.LicenseStatusActive)
	svc, d := newTestService(t, store)

	grace := time.Now().Add(7 * 24 * time.Hour)
	out, err := svc.MarkPastDue(context.Background(), lic.Key, grace)
	require.NoError(t, err)

	// Past due keeps the license usable through the grace period.
	assert.Equal(t, models.LicenseStatusPastDue, out.Status)
	assert.True(t, out.Active)
	assert.True(t, out.Status.IsUsable())

	require.Len(t, d.dispatched, 1)
	assert.Equal(t, models.EventSubscriptionPastDue, d.dispatched[0].Type)
}

func TestRestoreOnPaymentRecovery(t *testing.T) {
	store := &fakeStore{}
	lic := seedLicense(store, "starter-monthly", "STARTER", models.LicenseStatusPastDue)
	svc, d := newTestService(t, store)

	out, err := svc.RestoreOnPaymentRecovery(context.Background(), lic.Key, "in_42", 4900, "usd")
	require.NoError(t, err)

	assert.Equal(t, models.LicenseStatusActive, out.Status)
	assert.True(t, out.Active)

	require.Len(t, d.dispatched, 2)
	assert.Equal(t, models.EventPaymentSucceeded, d.dispatched[0].Type)
	assert.Equal(t, models.EventSubscriptionReactivated, d.dispatched[1].Type)
}

func TestChangePlan_BillingCycleKeepsKey(t *testing.T) {
	store := &fakeStore{}
	lic := seedLicense(store, "starter-monthly", "STARTER", models.LicenseStatusActive)
	originalKey := lic.Key
	svc, d := newTestService(t, store)

	out, err := svc.ChangePlan(context.Background(), lic.Key, "starter-annual", 0, "switch to annual")
	require.NoError(t, err)

	// Same tier across billing cycles: the key survives.
	assert.Equal(t, originalKey, out.Key)
	assert.Equal(t, "starter-annual", out.PlanID)
	assert.Equal(t, models.BillingCycleAnnual, store.subscription.BillingCycle)

	require.Len(t, store.applied, 1)
	assert.Equal(t, "billing_cycle_changed", store.applied[0].Change.ChangeType)

	require.Len(t, d.dispatched, 1)
	var payload models.PlanChangedPayload
	decoded, err := models.DecodePayload(models.EventPlanChanged, d.dispatched[0].Payload)
	require.NoError(t, err)
	payload = *decoded.(*models.PlanChangedPayload)
	assert.Empty(t, payload.NewLicenseKey)
}

func TestChangePlan_TierChangeReissuesKey(t *testing.T) {
	store := &fakeStore{}
	lic := seedLicense(store, "starter-monthly", "STARTER", models.LicenseStatusActive)
	originalKey := lic.Key
	svc, d := newTestService(t, store)

	out, err := svc.ChangePlan(context.Background(), originalKey, "pro-monthly", 2500, "upgrade")
	require.NoError(t, err)

	assert.NotEqual(t, originalKey, out.Key)
	assert.True(t, strings.HasPrefix(out.Key, "AUR-PRO-V2-"))
	assert.Equal(t, "PRO", out.Tier)
	assert.Equal(t, 8, out.MaxTerminals)

	require.Len(t, store.applied, 1)
	change := store.applied[0].Change
	assert.Equal(t, "plan_tier_changed", change.ChangeType)
	assert.Equal(t, int64(4900), change.PreviousPrice)
	assert.Equal(t, int64(9900), change.NewPrice)
	assert.Equal(t, int64(2500), change.ProrationAmount)

	require.Len(t, d.dispatched, 1)
	// Event targets the key terminals activated with, carrying the new one.
	assert.Equal(t, originalKey, d.dispatched[0].LicenseKey)
	decoded, err := models.DecodePayload(models.EventPlanChanged, d.dispatched[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, out.Key, decoded.(*models.PlanChangedPayload).NewLicenseKey)
}

func TestChangePlan_QuotaBelowUsageRejected(t *testing.T) {
	store := &fakeStore{connected: 5}
	lic := seedLicense(store, "pro-monthly", "PRO", models.LicenseStatusActive)
	lic.MaxTerminals = 8
	svc, _ := newTestService(t, store)

	// Downgrading to a 2-terminal plan with 5 connected must be rejected.
	_, err := svc.ChangePlan(context.Background(), lic.Key, "starter-monthly", 0, "downgrade")
	assert.ErrorIs(t, err, ErrQuotaBelowUsage)
	assert.Empty(t, store.applied)
}

func TestChangePlan_RevokedLicenseRejected(t *testing.T) {
	store := &fakeStore{}
	lic := seedLicense(store, "starter-monthly", "STARTER", models.LicenseStatusRevoked)
	svc, _ := newTestService(t, store)

	_, err := svc.ChangePlan(context.Background(), lic.Key, "pro-monthly", 0, "upgrade")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestTransitionFailureDoesNotDispatch(t *testing.T) {
	store := &fakeStore{applyErr: errors.New("connection reset")}
	lic := seedLicense(store, "starter-monthly", "STARTER", models.LicenseStatusActive)
	svc, d := newTestService(t, store)

	_, err := svc.Deactivate(context.Background(), lic.Key, "cancel", nil)
	require.Error(t, err)
	assert.Empty(t, d.dispatched, "events must not fan out when the transition rolled back")
}
