package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aurorapos/aurora-server/internal/config"
	"github.com/aurorapos/aurora-server/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrLicenseNotFound is returned when no license matches the given key.
	ErrLicenseNotFound = errors.New("license not found")
	// ErrInvalidTransition is returned when the license status machine forbids the move.
	ErrInvalidTransition = errors.New("invalid license transition")
	// ErrUnknownPlan is returned for plan IDs missing from the catalog.
	ErrUnknownPlan = errors.New("unknown plan")
	// ErrQuotaBelowUsage is returned when a plan change would reduce the
	// terminal quota below the number of currently connected terminals.
	ErrQuotaBelowUsage = errors.New("terminal quota below current usage")
)

// Store is the persistence surface the lifecycle service needs.
type Store interface {
	GetLicenseByKey(ctx context.Context, key string) (*models.License, error)
	GetSubscriptionByID(ctx context.Context, id uuid.UUID) (*models.Subscription, error)
	GetLiveSubscriptionIDs(ctx context.Context, customerID uuid.UUID) ([]uuid.UUID, error)
	CountConnectedSessions(ctx context.Context, licenseKey string) (int, error)
	ApplyLicenseTransition(ctx context.Context, t *models.LicenseTransition) error
}

// Dispatcher fans out events appended by a committed transition. Dispatch is
// asynchronous: the transition has already succeeded by the time it runs, and
// delivery failures are retried downstream, never surfaced to the caller.
type Dispatcher interface {
	Dispatch(events []*models.SubscriptionEvent)
}

// Service applies license state transitions.
type Service struct {
	store      Store
	catalog    *config.PlanCatalog
	dispatcher Dispatcher
	logger     zerolog.Logger
}

// NewService creates a lifecycle service.
func NewService(store Store, catalog *config.PlanCatalog, dispatcher Dispatcher, logger zerolog.Logger) *Service {
	return &Service{
		store:      store,
		catalog:    catalog,
		dispatcher: dispatcher,
		logger:     logger.With().Str("component", "lifecycle").Logger(),
	}
}

// CheckoutParams carries the subscription data from a completed checkout.
type CheckoutParams struct {
	CustomerID    uuid.UUID
	ProviderSubID string
	PlanID        string
	Status        models.SubscriptionStatus
	PeriodStart   time.Time
	PeriodEnd     time.Time
	TrialStart    *time.Time
	TrialEnd      *time.Time
}

// ActivateFromCheckout creates the subscription and license for a completed
// checkout. Prior live subscriptions for the customer are cancelled in the
// same transaction, enforcing one active subscription per customer.
func (s *Service) ActivateFromCheckout(ctx context.Context, p CheckoutParams) (*models.License, error) {
	plan, ok := s.catalog.Get(p.PlanID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlan, p.PlanID)
	}

	priorSubs, err := s.store.GetLiveSubscriptionIDs(ctx, p.CustomerID)
	if err != nil {
		return nil, fmt.Errorf("find prior subscriptions: %w", err)
	}

	key, err := GenerateKey(plan.Tier)
	if err != nil {
		return nil, err
	}

	sub := models.NewSubscription(p.CustomerID, p.ProviderSubID, p.PlanID,
		models.BillingCycle(plan.BillingCycle), p.Status, p.PeriodStart, p.PeriodEnd)
	sub.TrialStart = p.TrialStart
	sub.TrialEnd = p.TrialEnd

	licStatus := models.LicenseStatusActive
	if p.Status == models.SubscriptionStatusTrialing {
		licStatus = models.LicenseStatusTrialing
	}
	lic := models.NewLicense(key, p.CustomerID, &sub.ID, plan.ID, plan.Tier, plan.MaxTerminals, licStatus)
	lic.ExpiresAt = &p.PeriodEnd

	change := models.NewSubscriptionChange(lic.ID, &sub.ID, "checkout_completed", "")
	change.NewPlan = plan.ID
	change.NewPrice = plan.PriceCents

	event, err := models.NewSubscriptionEvent(key, models.EventSubscriptionUpdated, models.SubscriptionUpdatedPayload{
		PlanID:           plan.ID,
		BillingCycle:     plan.BillingCycle,
		Status:           string(sub.Status),
		CurrentPeriodEnd: sub.CurrentPeriodEnd,
	})
	if err != nil {
		return nil, err
	}

	t := &models.LicenseTransition{
		License:               lic,
		CreateLicense:         true,
		Subscription:          sub,
		CreateSubscription:    true,
		CancelSubscriptionIDs: priorSubs,
		Change:                change,
		Events:                []*models.SubscriptionEvent{event},
	}
	if err := s.store.ApplyLicenseTransition(ctx, t); err != nil {
		return nil, fmt.Errorf("activate from checkout: %w", err)
	}

	s.logger.Info().
		Str("license_key", key).
		Str("plan", plan.ID).
		Str("subscription", p.ProviderSubID).
		Msg("license activated from checkout")

	s.dispatcher.Dispatch(t.Events)
	return lic, nil
}

// Deactivate cancels the license. Every terminal session is marked
// deactivated, connected or not, so an offline terminal observes the
// deactivation on its next reconnect.
func (s *Service) Deactivate(ctx context.Context, licenseKey, reason string, graceUntil *time.Time) (*models.License, error) {
	lic, sub, err := s.loadForTransition(ctx, licenseKey, models.LicenseStatusCancelled)
	if err != nil {
		return nil, err
	}

	lic.Deactivate(models.LicenseStatusCancelled, reason)
	if sub != nil {
		sub.Status = models.SubscriptionStatusCancelled
		sub.UpdatedAt = time.Now()
	}

	change := models.NewSubscriptionChange(lic.ID, lic.SubscriptionID, "subscription_cancelled", reason)

	events, err := buildEvents(licenseKey,
		eventSpec{models.EventSubscriptionCancelled, models.SubscriptionCancelledPayload{Reason: reason, GraceUntil: graceUntil}},
		eventSpec{models.EventDeactivationBroadcast, models.DeactivationBroadcastPayload{Reason: reason}},
	)
	if err != nil {
		return nil, err
	}

	t := &models.LicenseTransition{
		License:            lic,
		Subscription:       sub,
		Change:             change,
		Events:             events,
		DeactivateSessions: true,
	}
	if err := s.store.ApplyLicenseTransition(ctx, t); err != nil {
		return nil, fmt.Errorf("deactivate license: %w", err)
	}

	s.logger.Info().Str("license_key", licenseKey).Str("reason", reason).Msg("license deactivated")
	s.dispatcher.Dispatch(t.Events)
	return lic, nil
}

// Revoke moves the license to the terminal revoked state. Restoring a revoked
// license requires the manual support path, never the normal flow.
func (s *Service) Revoke(ctx context.Context, licenseKey, reason string) (*models.License, error) {
	lic, sub, err := s.loadForTransition(ctx, licenseKey, models.LicenseStatusRevoked)
	if err != nil {
		return nil, err
	}

	lic.Deactivate(models.LicenseStatusRevoked, reason)
	if sub != nil && sub.Status.IsLive() {
		sub.Status = models.SubscriptionStatusCancelled
		sub.UpdatedAt = time.Now()
	}

	change := models.NewSubscriptionChange(lic.ID, lic.SubscriptionID, "license_revoked", reason)

	events, err := buildEvents(licenseKey,
		eventSpec{models.EventLicenseRevoked, models.LicenseRevokedPayload{Reason: reason}},
		eventSpec{models.EventDeactivationBroadcast, models.DeactivationBroadcastPayload{Reason: reason}},
	)
	if err != nil {
		return nil, err
	}

	t := &models.LicenseTransition{
		License:            lic,
		Subscription:       sub,
		Change:             change,
		Events:             events,
		DeactivateSessions: true,
	}
	if err := s.store.ApplyLicenseTransition(ctx, t); err != nil {
		return nil, fmt.Errorf("revoke license: %w", err)
	}

	s.logger.Warn().Str("license_key", licenseKey).Str("reason", reason).Msg("license revoked")
	s.dispatcher.Dispatch(t.Events)
	return lic, nil
}

// Reactivate restores a cancelled license to active, the explicit user path.
func (s *Service) Reactivate(ctx context.Context, licenseKey string) (*models.License, error) {
	lic, sub, err := s.loadForTransition(ctx, licenseKey, models.LicenseStatusActive)
	if err != nil {
		return nil, err
	}

	lic.Reactivate()
	if sub != nil {
		sub.Status = models.SubscriptionStatusActive
		sub.CancelAtPeriodEnd = false
		sub.UpdatedAt = time.Now()
	}

	change := models.NewSubscriptionChange(lic.ID, lic.SubscriptionID, "subscription_reactivated", "")

	events, err := buildEvents(licenseKey,
		eventSpec{models.EventSubscriptionReactivated, models.SubscriptionReactivatedPayload{PlanID: lic.PlanID}},
		eventSpec{models.EventLicenseReactivated, models.LicenseReactivatedPayload{LicenseKey: licenseKey}},
	)
	if err != nil {
		return nil, err
	}

	t := &models.LicenseTransition{License: lic, Subscription: sub, Change: change, Events: events}
	if err := s.store.ApplyLicenseTransition(ctx, t); err != nil {
		return nil, fmt.Errorf("reactivate license: %w", err)
	}

	s.logger.Info().Str("license_key", licenseKey).Msg("license reactivated")
	s.dispatcher.Dispatch(t.Events)
	return lic, nil
}

// MarkPastDue records a payment failure. The license stays usable through the
// grace period; only the status changes until the grace window lapses.
func (s *Service) MarkPastDue(ctx context.Context, licenseKey string, graceUntil time.Time) (*models.License, error) {
	lic, sub, err := s.loadForTransition(ctx, licenseKey, models.LicenseStatusPastDue)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	lic.Status = models.LicenseStatusPastDue
	lic.UpdatedAt = now
	if sub != nil {
		sub.Status = models.SubscriptionStatusPastDue
		sub.UpdatedAt = now
	}

	change := models.NewSubscriptionChange(lic.ID, lic.SubscriptionID, "payment_failed", "")

	events, err := buildEvents(licenseKey,
		eventSpec{models.EventSubscriptionPastDue, models.SubscriptionPastDuePayload{GraceUntil: graceUntil}},
	)
	if err != nil {
		return nil, err
	}

	t := &models.LicenseTransition{License: lic, Subscription: sub, Change: change, Events: events}
	if err := s.store.ApplyLicenseTransition(ctx, t); err != nil {
		return nil, fmt.Errorf("mark past due: %w", err)
	}

	s.logger.Warn().Str("license_key", licenseKey).Time("grace_until", graceUntil).Msg("license past due")
	s.dispatcher.Dispatch(t.Events)
	return lic, nil
}

// RestoreOnPaymentRecovery returns a past-due license to active after a
// successful payment.
func (s *Service) RestoreOnPaymentRecovery(ctx context.Context, licenseKey, invoiceID string, amountCents int64, currency string) (*models.License, error) {
	lic, sub, err := s.loadForTransition(ctx, licenseKey, models.LicenseStatusActive)
	if err != nil {
		return nil, err
	}

	lic.Reactivate()
	if sub != nil {
		sub.Status = models.SubscriptionStatusActive
		sub.UpdatedAt = time.Now()
	}

	change := models.NewSubscriptionChange(lic.ID, lic.SubscriptionID, "payment_recovered", "")

	events, err := buildEvents(licenseKey,
		eventSpec{models.EventPaymentSucceeded, models.PaymentSucceededPayload{InvoiceID: invoiceID, AmountCents: amountCents, Currency: currency}},
		eventSpec{models.EventSubscriptionReactivated, models.SubscriptionReactivatedPayload{PlanID: lic.PlanID}},
	)
	if err != nil {
		return nil, err
	}

	t := &models.LicenseTransition{License: lic, Subscription: sub, Change: change, Events: events}
	if err := s.store.ApplyLicenseTransition(ctx, t); err != nil {
		return nil, fmt.Errorf("restore on payment recovery: %w", err)
	}

	s.logger.Info().Str("license_key", licenseKey).Str("invoice", invoiceID).Msg("license restored after payment recovery")
	s.dispatcher.Dispatch(t.Events)
	return lic, nil
}

// ChangePlan moves the license to a different plan. A billing-cycle switch
// within the same tier reuses the key; a tier change reissues it, because the
// tier segment of the key encodes the terminal quota and feature entitlements
// a downgraded terminal must not retain.
func (s *Service) ChangePlan(ctx context.Context, licenseKey, newPlanID string, prorationCents int64, reason string) (*models.License, error) {
	lic, sub, err := s.load(ctx, licenseKey)
	if err != nil {
		return nil, err
	}
	if !lic.Status.IsUsable() {
		return nil, fmt.Errorf("%w: cannot change plan from %s", ErrInvalidTransition, lic.Status)
	}

	newPlan, ok := s.catalog.Get(newPlanID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlan, newPlanID)
	}
	prevPlan, _ := s.catalog.Get(lic.PlanID)

	tierChanged := !s.catalog.SameTier(lic.PlanID, newPlanID)
	if tierChanged {
		connected, err := s.store.CountConnectedSessions(ctx, licenseKey)
		if err != nil {
			return nil, fmt.Errorf("count connected sessions: %w", err)
		}
		if newPlan.MaxTerminals < connected {
			return nil, fmt.Errorf("%w: %d connected, new quota %d",
				ErrQuotaBelowUsage, connected, newPlan.MaxTerminals)
		}
	}

	now := time.Now()
	previousTier := lic.Tier
	payload := models.PlanChangedPayload{
		PreviousPlan: lic.PlanID,
		NewPlan:      newPlan.ID,
		PreviousTier: previousTier,
		NewTier:      newPlan.Tier,
		MaxTerminals: newPlan.MaxTerminals,
	}

	changeType := "billing_cycle_changed"
	if tierChanged {
		changeType = "plan_tier_changed"
		newKey, err := GenerateKey(newPlan.Tier)
		if err != nil {
			return nil, err
		}
		lic.Key = newKey
		lic.Tier = newPlan.Tier
		lic.IssuedAt = now
		payload.NewLicenseKey = newKey
	}
	lic.PlanID = newPlan.ID
	lic.MaxTerminals = newPlan.MaxTerminals
	lic.UpdatedAt = now

	if sub != nil {
		sub.PlanID = newPlan.ID
		sub.BillingCycle = models.BillingCycle(newPlan.BillingCycle)
		sub.UpdatedAt = now
	}

	change := models.NewSubscriptionChange(lic.ID, lic.SubscriptionID, changeType, reason)
	change.PreviousPlan = payload.PreviousPlan
	change.NewPlan = newPlan.ID
	change.PreviousPrice = prevPlan.PriceCents
	change.NewPrice = newPlan.PriceCents
	change.ProrationAmount = prorationCents

	// The event targets the old key: connected terminals know the license by
	// the key they activated with, and pick the new key out of the payload.
	events, err := buildEvents(licenseKey,
		eventSpec{models.EventPlanChanged, payload},
	)
	if err != nil {
		return nil, err
	}

	t := &models.LicenseTransition{License: lic, Subscription: sub, Change: change, Events: events}
	if err := s.store.ApplyLicenseTransition(ctx, t); err != nil {
		return nil, fmt.Errorf("change plan: %w", err)
	}

	s.logger.Info().
		Str("license_key", licenseKey).
		Str("previous_plan", payload.PreviousPlan).
		Str("new_plan", newPlan.ID).
		Bool("key_reissued", tierChanged).
		Msg("plan changed")

	s.dispatcher.Dispatch(t.Events)
	return lic, nil
}

// RefreshBillingPeriod updates period bounds and the cancel-at-period-end
// flag from a provider subscription update that carries no status change.
func (s *Service) RefreshBillingPeriod(ctx context.Context, licenseKey string, periodStart, periodEnd time.Time, cancelAtPeriodEnd bool) (*models.License, error) {
	lic, sub, err := s.load(ctx, licenseKey)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	lic.ExpiresAt = &periodEnd
	lic.UpdatedAt = now
	if sub != nil {
		sub.CurrentPeriodStart = periodStart
		sub.CurrentPeriodEnd = periodEnd
		sub.CancelAtPeriodEnd = cancelAtPeriodEnd
		sub.UpdatedAt = now
	}

	events, err := buildEvents(licenseKey,
		eventSpec{models.EventSubscriptionUpdated, models.SubscriptionUpdatedPayload{
			PlanID:            lic.PlanID,
			BillingCycle:      billingCycle(sub),
			Status:            subscriptionStatus(sub),
			CurrentPeriodEnd:  periodEnd,
			CancelAtPeriodEnd: cancelAtPeriodEnd,
		}},
	)
	if err != nil {
		return nil, err
	}

	t := &models.LicenseTransition{License: lic, Subscription: sub, Events: events}
	if err := s.store.ApplyLicenseTransition(ctx, t); err != nil {
		return nil, fmt.Errorf("refresh billing period: %w", err)
	}

	s.dispatcher.Dispatch(t.Events)
	return lic, nil
}

// load fetches the license and its subscription, if any.
func (s *Service) load(ctx context.Context, licenseKey string) (*models.License, *models.Subscription, error) {
	lic, err := s.store.GetLicenseByKey(ctx, licenseKey)
	if err != nil {
		return nil, nil, fmt.Errorf("load license: %w", err)
	}
	if lic == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrLicenseNotFound, licenseKey)
	}

	var sub *models.Subscription
	if lic.SubscriptionID != nil {
		sub, err = s.store.GetSubscriptionByID(ctx, *lic.SubscriptionID)
		if err != nil {
			return nil, nil, fmt.Errorf("load subscription: %w", err)
		}
	}
	return lic, sub, nil
}

// loadForTransition loads the license and validates the status machine.
func (s *Service) loadForTransition(ctx context.Context, licenseKey string, target models.LicenseStatus) (*models.License, *models.Subscription, error) {
	lic, sub, err := s.load(ctx, licenseKey)
	if err != nil {
		return nil, nil, err
	}
	if !lic.Status.CanTransitionTo(target) {
		return nil, nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, lic.Status, target)
	}
	return lic, sub, nil
}

type eventSpec struct {
	eventType models.SubscriptionEventType
	payload   any
}

func buildEvents(licenseKey string, specs ...eventSpec) ([]*models.SubscriptionEvent, error) {
	events := make([]*models.SubscriptionEvent, 0, len(specs))
	for _, sp := range specs {
		ev, err := models.NewSubscriptionEvent(licenseKey, sp.eventType, sp.payload)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func billingCycle(sub *models.Subscription) string {
	if sub == nil {
		return ""
	}
	return string(sub.BillingCycle)
}

func subscriptionStatus(sub *models.Subscription) string {
	if sub == nil {
		return ""
	}
	return string(sub.Status)
}
