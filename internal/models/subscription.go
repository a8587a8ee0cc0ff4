package models

import (
	"time"

	"github.com/google/uuid"
)

// SubscriptionStatus represents the billing state reported by the payment provider.
type SubscriptionStatus string

const (
	SubscriptionStatusActive    SubscriptionStatus = "active"
	SubscriptionStatusTrialing  SubscriptionStatus = "trialing"
	SubscriptionStatusPastDue   SubscriptionStatus = "past_due"
	SubscriptionStatusCancelled SubscriptionStatus = "cancelled"
	SubscriptionStatusPaused    SubscriptionStatus = "paused"
)

// BillingCycle is the subscription billing interval.
type BillingCycle string

const (
	BillingCycleMonthly BillingCycle = "monthly"
	BillingCycleAnnual  BillingCycle = "annual"
)

// Subscription is the local record of one provider subscription.
// A customer holds at most one active or trialing subscription; new checkouts
// cancel prior ones.
type Subscription struct {
	ID                 uuid.UUID          `json:"id"`
	CustomerID         uuid.UUID          `json:"customer_id"`
	ProviderSubID      string             `json:"provider_sub_id"`
	PlanID             string             `json:"plan_id"`
	BillingCycle       BillingCycle       `json:"billing_cycle"`
	Status             SubscriptionStatus `json:"status"`
	CurrentPeriodStart time.Time          `json:"current_period_start"`
	CurrentPeriodEnd   time.Time          `json:"current_period_end"`
	TrialStart         *time.Time         `json:"trial_start,omitempty"`
	TrialEnd           *time.Time         `json:"trial_end,omitempty"`
	CancelAtPeriodEnd  bool               `json:"cancel_at_period_end"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// IsLive reports whether the subscription counts against the
// one-active-subscription-per-customer rule.
func (s SubscriptionStatus) IsLive() bool {
	return s == SubscriptionStatusActive || s == SubscriptionStatusTrialing
}

// NewSubscription creates a subscription record from checkout data.
func NewSubscription(customerID uuid.UUID, providerSubID, planID string, cycle BillingCycle, status SubscriptionStatus, periodStart, periodEnd time.Time) *Subscription {
	now := time.Now()
	return &Subscription{
		ID:                 uuid.New(),
		CustomerID:         customerID,
		ProviderSubID:      providerSubID,
		PlanID:             planID,
		BillingCycle:       cycle,
		Status:             status,
		CurrentPeriodStart: periodStart,
		CurrentPeriodEnd:   periodEnd,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// SubscriptionChange is the audit row written alongside every composite
// license/subscription transition.
type SubscriptionChange struct {
	ID              uuid.UUID  `json:"id"`
	SubscriptionID  *uuid.UUID `json:"subscription_id,omitempty"`
	LicenseID       uuid.UUID  `json:"license_id"`
	ChangeType      string     `json:"change_type"`
	PreviousPlan    string     `json:"previous_plan,omitempty"`
	NewPlan         string     `json:"new_plan,omitempty"`
	PreviousPrice   int64      `json:"previous_price_cents"`
	NewPrice        int64      `json:"new_price_cents"`
	ProrationAmount int64      `json:"proration_amount_cents"`
	Reason          string     `json:"reason,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// NewSubscriptionChange creates an audit entry for a transition.
func NewSubscriptionChange(licenseID uuid.UUID, subscriptionID *uuid.UUID, changeType, reason string) *SubscriptionChange {
	return &SubscriptionChange{
		ID:             uuid.New(),
		SubscriptionID: subscriptionID,
		LicenseID:      licenseID,
		ChangeType:     changeType,
		Reason:         reason,
		CreatedAt:      time.Now(),
	}
}
