package models

import "github.com/google/uuid"

// LicenseTransition is one composite state transition: the license and
// subscription rows to write, the audit entry, and the outbound events to
// append, all applied in a single database transaction. Partial application
// must never be observable; if any part fails the whole transition rolls back.
type LicenseTransition struct {
	// License holds the post-transition license state. CreateLicense controls
	// insert vs update.
	License       *License
	CreateLicense bool

	// Subscription holds the post-transition subscription state, nil when the
	// transition does not touch a subscription row.
	Subscription       *Subscription
	CreateSubscription bool

	// CancelSubscriptionIDs are prior live subscriptions to mark cancelled,
	// enforcing one active subscription per customer on new checkout.
	CancelSubscriptionIDs []uuid.UUID

	// Change is the audit row describing the transition.
	Change *SubscriptionChange

	// Events are appended to the event log inside the same transaction so a
	// committed transition always has its outbound events durably recorded.
	Events []*SubscriptionEvent

	// DeactivateSessions marks every terminal session under the license as
	// deactivated, connected or not.
	DeactivateSessions bool
}
