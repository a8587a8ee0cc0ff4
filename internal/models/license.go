package models

import (
	"time"

	"github.com/google/uuid"
)

// LicenseStatus represents the lifecycle state of a license.
type LicenseStatus string

const (
	// LicenseStatusTrialing indicates the license is backed by a trialing subscription.
	LicenseStatusTrialing LicenseStatus = "trialing"
	// LicenseStatusActive indicates the license is fully active.
	LicenseStatusActive LicenseStatus = "active"
	// LicenseStatusPastDue indicates payment failed but the grace period has not elapsed.
	LicenseStatusPastDue LicenseStatus = "past_due"
	// LicenseStatusCancelled indicates the backing subscription was cancelled.
	LicenseStatusCancelled LicenseStatus = "cancelled"
	// LicenseStatusRevoked is terminal; restoring requires a manual path.
	LicenseStatusRevoked LicenseStatus = "revoked"
)

// License binds a customer's entitlement to desktop terminal activations.
// The key encodes the plan tier, so tier changes reissue the key while
// billing-cycle changes reuse it.
type License struct {
	ID               uuid.UUID     `json:"id"`
	Key              string        `json:"key"`
	CustomerID       uuid.UUID     `json:"customer_id"`
	SubscriptionID   *uuid.UUID    `json:"subscription_id,omitempty"`
	PlanID           string        `json:"plan_id"`
	Tier             string        `json:"tier"`
	MaxTerminals     int           `json:"max_terminals"`
	Status           LicenseStatus `json:"status"`
	Active           bool          `json:"active"`
	IssuedAt         time.Time     `json:"issued_at"`
	ExpiresAt        *time.Time    `json:"expires_at,omitempty"`
	RevokedAt        *time.Time    `json:"revoked_at,omitempty"`
	RevocationReason string        `json:"revocation_reason,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// licenseTransitions maps each status to the statuses reachable from it.
// Revoked is reachable from anywhere and is handled separately.
var licenseTransitions = map[LicenseStatus][]LicenseStatus{
	LicenseStatusTrialing:  {LicenseStatusActive, LicenseStatusCancelled},
	LicenseStatusActive:    {LicenseStatusPastDue, LicenseStatusCancelled},
	LicenseStatusPastDue:   {LicenseStatusActive, LicenseStatusCancelled},
	LicenseStatusCancelled: {LicenseStatusActive},
	LicenseStatusRevoked:   {},
}

// CanTransitionTo reports whether the license status machine permits moving to target.
func (s LicenseStatus) CanTransitionTo(target LicenseStatus) bool {
	if target == LicenseStatusRevoked {
		return s != LicenseStatusRevoked
	}
	for _, next := range licenseTransitions[s] {
		if next == target {
			return true
		}
	}
	return false
}

// IsUsable reports whether terminals may operate under this status.
// Past-due licenses remain usable during the grace period; the Active flag
// on the license row is the durable cutoff.
func (s LicenseStatus) IsUsable() bool {
	switch s {
	case LicenseStatusTrialing, LicenseStatusActive, LicenseStatusPastDue:
		return true
	default:
		return false
	}
}

// NewLicense creates an active license for a customer on the given plan.
func NewLicense(key string, customerID uuid.UUID, subscriptionID *uuid.UUID, planID, tier string, maxTerminals int, status LicenseStatus) *License {
	now := time.Now()
	return &License{
		ID:             uuid.New(),
		Key:            key,
		CustomerID:     customerID,
		SubscriptionID: subscriptionID,
		PlanID:         planID,
		Tier:           tier,
		MaxTerminals:   maxTerminals,
		Status:         status,
		Active:         status.IsUsable(),
		IssuedAt:       now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Deactivate moves the license to the given status and clears the active flag.
func (l *License) Deactivate(status LicenseStatus, reason string) {
	now := time.Now()
	l.Status = status
	l.Active = false
	l.UpdatedAt = now
	if status == LicenseStatusRevoked {
		l.RevokedAt = &now
		l.RevocationReason = reason
	}
}

// Reactivate restores the license to active after payment recovery or plan restoration.
func (l *License) Reactivate() {
	l.Status = LicenseStatusActive
	l.Active = true
	l.RevokedAt = nil
	l.RevocationReason = ""
	l.UpdatedAt = time.Now()
}
