// Package billing ingests payment-provider webhooks and translates them into
// license lifecycle transitions.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aurorapos/aurora-server/internal/config"
	"github.com/aurorapos/aurora-server/internal/lifecycle"
	"github.com/aurorapos/aurora-server/internal/metrics"
	"github.com/aurorapos/aurora-server/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// DefaultGracePeriod is how long a past-due license stays usable when the
// provider does not announce a next payment attempt.
const DefaultGracePeriod = 7 * 24 * time.Hour

var (
	// ErrInvalidSignature is returned when the webhook signature does not verify.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrMalformedEvent is returned when an event's data cannot be decoded.
	ErrMalformedEvent = errors.New("malformed webhook event")
)

// ProcessorStore defines the persistence operations the processor needs.
type ProcessorStore interface {
	RecordWebhookEventIfNew(ctx context.Context, event *models.WebhookEvent) (bool, error)
	GetWebhookEventByExternalID(ctx context.Context, externalID string) (*models.WebhookEvent, error)
	MarkWebhookEventProcessed(ctx context.Context, externalID string) error
	GetSubscriptionByProviderID(ctx context.Context, providerSubID string) (*models.Subscription, error)
	GetLicenseBySubscriptionID(ctx context.Context, subscriptionID uuid.UUID) (*models.License, error)
}

// LifecycleService is the subset of license lifecycle operations driven by
// provider webhooks.
type LifecycleService interface {
	ActivateFromCheckout(ctx context.Context, p lifecycle.CheckoutParams) (*models.License, error)
	Deactivate(ctx context.Context, licenseKey, reason string, graceUntil *time.Time) (*models.License, error)
	MarkPastDue(ctx context.Context, licenseKey string, graceUntil time.Time) (*models.License, error)
	RestoreOnPaymentRecovery(ctx context.Context, licenseKey, invoiceID string, amountCents int64, currency string) (*models.License, error)
	ChangePlan(ctx context.Context, licenseKey, newPlanID string, prorationCents int64, reason string) (*models.License, error)
	RefreshBillingPeriod(ctx context.Context, licenseKey string, periodStart, periodEnd time.Time, cancelAtPeriodEnd bool) (*models.License, error)
}

// Processor verifies, deduplicates and applies billing-provider webhooks.
// Redeliveries of an already-processed external event id are no-ops; a
// redelivery of an event whose handler failed runs the handler again.
type Processor struct {
	store     ProcessorStore
	lifecycle LifecycleService
	catalog   *config.PlanCatalog
	metrics   *metrics.Metrics
	secret    string
	logger    zerolog.Logger
}

// NewProcessor creates a webhook processor.
func NewProcessor(store ProcessorStore, svc LifecycleService, catalog *config.PlanCatalog, m *metrics.Metrics, secret string, logger zerolog.Logger) *Processor {
	return &Processor{
		store:     store,
		lifecycle: svc,
		catalog:   catalog,
		metrics:   m,
		secret:    secret,
		logger:    logger.With().Str("component", "billing_processor").Logger(),
	}
}

// HandleWebhook verifies the payload signature and processes the event.
func (p *Processor) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	event, err := webhook.ConstructEvent(payload, signature, p.secret)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return p.Process(ctx, event)
}

// Process deduplicates and applies one provider event. It is exported
// separately from HandleWebhook so tests can drive it without signatures.
func (p *Processor) Process(ctx context.Context, event stripe.Event) error {
	fresh, err := p.store.RecordWebhookEventIfNew(ctx, models.NewWebhookEvent(event.ID, string(event.Type)))
	if err != nil {
		return fmt.Errorf("record webhook event: %w", err)
	}
	if !fresh {
		prior, err := p.store.GetWebhookEventByExternalID(ctx, event.ID)
		if err != nil {
			return fmt.Errorf("load webhook event: %w", err)
		}
		if prior == nil || prior.Processed {
			p.metrics.WebhookDuplicates.Inc()
			p.logger.Info().
				Str("event_id", event.ID).
				Str("event_type", string(event.Type)).
				Msg("duplicate webhook delivery skipped")
			return nil
		}
		// Recorded but never processed: a prior attempt failed, so this
		// redelivery drives the transition again.
	}

	logger := p.logger.With().
		Str("event_id", event.ID).
		Str("event_type", string(event.Type)).
		Logger()

	switch event.Type {
	case "checkout.session.completed":
		err = p.handleCheckoutCompleted(ctx, event)
	case "customer.subscription.updated":
		err = p.handleSubscriptionUpdated(ctx, event)
	case "customer.subscription.deleted":
		err = p.handleSubscriptionDeleted(ctx, event)
	case "invoice.paid":
		err = p.handleInvoicePaid(ctx, event)
	case "invoice.payment_failed":
		err = p.handlePaymentFailed(ctx, event)
	default:
		logger.Debug().Msg("unhandled webhook event type")
	}

	if err != nil {
		logger.Error().Err(err).Msg("webhook processing failed")
		return err
	}
	if err := p.store.MarkWebhookEventProcessed(ctx, event.ID); err != nil {
		return err
	}
	logger.Info().Msg("webhook processed")
	return nil
}

func (p *Processor) handleCheckoutCompleted(ctx context.Context, event stripe.Event) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return fmt.Errorf("%w: decode checkout session: %v", ErrMalformedEvent, err)
	}

	customerID, err := uuid.Parse(session.ClientReferenceID)
	if err != nil {
		return fmt.Errorf("%w: client reference is not a customer id", ErrMalformedEvent)
	}

	planID := session.Metadata["plan_id"]
	plan, ok := p.catalog.Get(planID)
	if !ok {
		return fmt.Errorf("%s: %w", planID, lifecycle.ErrUnknownPlan)
	}

	var providerSubID string
	if session.Subscription != nil {
		providerSubID = session.Subscription.ID
	}

	// The session does not carry billing period boundaries; they are set from
	// the plan's cycle here and corrected by the subscription.updated event
	// that follows checkout.
	now := time.Now()
	periodEnd := now.AddDate(0, 1, 0)
	if plan.BillingCycle == string(models.BillingCycleAnnual) {
		periodEnd = now.AddDate(1, 0, 0)
	}

	license, err := p.lifecycle.ActivateFromCheckout(ctx, lifecycle.CheckoutParams{
		CustomerID:    customerID,
		ProviderSubID: providerSubID,
		PlanID:        plan.ID,
		Status:        models.SubscriptionStatusActive,
		PeriodStart:   now,
		PeriodEnd:     periodEnd,
	})
	if err != nil {
		return err
	}

	p.logger.Info().
		Str("license_key", license.Key).
		Str("plan_id", plan.ID).
		Str("provider_sub_id", providerSubID).
		Msg("license activated from checkout")
	return nil
}

// subscriptionData is the slice of the provider's subscription object the
// processor reads. Decoding into a narrow local shape keeps the handler
// stable across provider API versions.
type subscriptionData struct {
	ID                 string `json:"id"`
	Status             string `json:"status"`
	CancelAtPeriodEnd  bool   `json:"cancel_at_period_end"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
	Items              struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

// invoiceData is the slice of the provider's invoice object the processor reads.
type invoiceData struct {
	ID                 string `json:"id"`
	Subscription       string `json:"subscription"`
	AmountPaid         int64  `json:"amount_paid"`
	Currency           string `json:"currency"`
	NextPaymentAttempt int64  `json:"next_payment_attempt"`
	Parent             *struct {
		SubscriptionDetails *struct {
			Subscription string `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

func (d invoiceData) subscriptionID() string {
	if d.Subscription != "" {
		return d.Subscription
	}
	if d.Parent != nil && d.Parent.SubscriptionDetails != nil {
		return d.Parent.SubscriptionDetails.Subscription
	}
	return ""
}

func (p *Processor) handleSubscriptionUpdated(ctx context.Context, event stripe.Event) error {
	var sub subscriptionData
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("%w: decode subscription: %v", ErrMalformedEvent, err)
	}

	license, err := p.licenseForProviderSub(ctx, sub.ID)
	if err != nil || license == nil {
		return err
	}

	switch sub.Status {
	case "past_due", "unpaid":
		grace := time.Now().Add(DefaultGracePeriod)
		if license.Status == models.LicenseStatusPastDue {
			return nil
		}
		_, err := p.lifecycle.MarkPastDue(ctx, license.Key, grace)
		return err
	case "canceled":
		// Applied by the subscription.deleted event.
		return nil
	}

	// A price change on the subscription means the customer moved plans.
	if len(sub.Items.Data) > 0 {
		if plan, ok := p.catalog.ByStripePrice(sub.Items.Data[0].Price.ID); ok && plan.ID != license.PlanID {
			if _, err := p.lifecycle.ChangePlan(ctx, license.Key, plan.ID, 0, "provider plan update"); err != nil {
				return err
			}
			// The key may have been reissued; period refresh follows on the
			// next update event for the same subscription.
			return nil
		}
	}

	_, err = p.lifecycle.RefreshBillingPeriod(ctx, license.Key,
		time.Unix(sub.CurrentPeriodStart, 0),
		time.Unix(sub.CurrentPeriodEnd, 0),
		sub.CancelAtPeriodEnd)
	return err
}

func (p *Processor) handleSubscriptionDeleted(ctx context.Context, event stripe.Event) error {
	var sub subscriptionData
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("%w: decode subscription: %v", ErrMalformedEvent, err)
	}

	license, err := p.licenseForProviderSub(ctx, sub.ID)
	if err != nil || license == nil {
		return err
	}
	if license.Status == models.LicenseStatusCancelled {
		return nil
	}

	_, err = p.lifecycle.Deactivate(ctx, license.Key, "subscription cancelled", nil)
	return err
}

func (p *Processor) handleInvoicePaid(ctx context.Context, event stripe.Event) error {
	var inv invoiceData
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		return fmt.Errorf("%w: decode invoice: %v", ErrMalformedEvent, err)
	}
	subID := inv.subscriptionID()
	if subID == "" {
		return nil
	}

	license, err := p.licenseForProviderSub(ctx, subID)
	if err != nil || license == nil {
		return err
	}

	// Only a past-due license needs restoring; the regular renewal invoice on
	// a healthy license is a no-op here.
	if license.Status != models.LicenseStatusPastDue {
		return nil
	}

	_, err = p.lifecycle.RestoreOnPaymentRecovery(ctx, license.Key, inv.ID, inv.AmountPaid, inv.Currency)
	return err
}

func (p *Processor) handlePaymentFailed(ctx context.Context, event stripe.Event) error {
	var inv invoiceData
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		return fmt.Errorf("%w: decode invoice: %v", ErrMalformedEvent, err)
	}
	subID := inv.subscriptionID()
	if subID == "" {
		return nil
	}

	license, err := p.licenseForProviderSub(ctx, subID)
	if err != nil || license == nil {
		return err
	}
	if license.Status == models.LicenseStatusPastDue {
		return nil
	}

	grace := time.Now().Add(DefaultGracePeriod)
	if inv.NextPaymentAttempt > 0 {
		grace = time.Unix(inv.NextPaymentAttempt, 0)
	}

	_, err = p.lifecycle.MarkPastDue(ctx, license.Key, grace)
	return err
}

// licenseForProviderSub resolves the license behind a provider subscription
// id. Events for subscriptions this server never issued a license for are
// logged and dropped rather than retried forever by the provider.
func (p *Processor) licenseForProviderSub(ctx context.Context, providerSubID string) (*models.License, error) {
	sub, err := p.store.GetSubscriptionByProviderID(ctx, providerSubID)
	if err != nil {
		return nil, fmt.Errorf("load subscription: %w", err)
	}
	if sub == nil {
		p.logger.Warn().Str("provider_sub_id", providerSubID).Msg("event for unknown subscription dropped")
		return nil, nil
	}

	license, err := p.store.GetLicenseBySubscriptionID(ctx, sub.ID)
	if err != nil {
		return nil, fmt.Errorf("load license: %w", err)
	}
	if license == nil {
		p.logger.Warn().Str("provider_sub_id", providerSubID).Msg("subscription has no license, event dropped")
		return nil, nil
	}
	return license, nil
}
