package db

import (
	"context"
	"fmt"
	"time"

	"github.com/aurorapos/aurora-server/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const licenseColumns = `id, license_key, customer_id, subscription_id, plan_id, tier, max_terminals,
	status, active, issued_at, expires_at, revoked_at, revocation_reason, created_at, updated_at`

func scanLicense(row pgx.Row) (*models.License, error) {
	var lic models.License
	var statusStr string
	var revocationReason *string
	err := row.Scan(
		&lic.ID, &lic.Key, &lic.CustomerID, &lic.SubscriptionID, &lic.PlanID, &lic.Tier, &lic.MaxTerminals,
		&statusStr, &lic.Active, &lic.IssuedAt, &lic.ExpiresAt, &lic.RevokedAt, &revocationReason,
		&lic.CreatedAt, &lic.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	lic.Status = models.LicenseStatus(statusStr)
	if revocationReason != nil {
		lic.RevocationReason = *revocationReason
	}
	return &lic, nil
}

// GetLicenseByKey returns the license with the given key, or nil if none exists.
func (db *DB) GetLicenseByKey(ctx context.Context, key string) (*models.License, error) {
	lic, err := scanLicense(db.Pool.QueryRow(ctx, `
		SELECT `+licenseColumns+` FROM licenses WHERE license_key = $1
	`, key))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get license by key: %w", err)
	}
	return lic, nil
}

// GetLicenseBySubscriptionID returns the license linked to a subscription, or nil.
func (db *DB) GetLicenseBySubscriptionID(ctx context.Context, subscriptionID uuid.UUID) (*models.License, error) {
	lic, err := scanLicense(db.Pool.QueryRow(ctx, `
		SELECT `+licenseColumns+` FROM licenses WHERE subscription_id = $1
	`, subscriptionID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get license by subscription: %w", err)
	}
	return lic, nil
}

// GetSubscriptionByProviderID returns the subscription for a provider
// subscription identifier, or nil if none exists.
func (db *DB) GetSubscriptionByProviderID(ctx context.Context, providerSubID string) (*models.Subscription, error) {
	var sub models.Subscription
	var cycleStr, statusStr string
	err := db.Pool.QueryRow(ctx, `
		SELECT id, customer_id, provider_sub_id, plan_id, billing_cycle, status,
			current_period_start, current_period_end, trial_start, trial_end,
			cancel_at_period_end, created_at, updated_at
		FROM subscriptions
		WHERE provider_sub_id = $1
	`, providerSubID).Scan(
		&sub.ID, &sub.CustomerID, &sub.ProviderSubID, &sub.PlanID, &cycleStr, &statusStr,
		&sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.TrialStart, &sub.TrialEnd,
		&sub.CancelAtPeriodEnd, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get subscription by provider id: %w", err)
	}
	sub.BillingCycle = models.BillingCycle(cycleStr)
	sub.Status = models.SubscriptionStatus(statusStr)
	return &sub, nil
}

// GetSubscriptionByID returns a subscription by its internal ID, or nil.
func (db *DB) GetSubscriptionByID(ctx context.Context, id uuid.UUID) (*models.Subscription, error) {
	var sub models.Subscription
	var cycleStr, statusStr string
	err := db.Pool.QueryRow(ctx, `
		SELECT id, customer_id, provider_sub_id, plan_id, billing_cycle, status,
			current_period_start, current_period_end, trial_start, trial_end,
			cancel_at_period_end, created_at, updated_at
		FROM subscriptions
		WHERE id = $1
	`, id).Scan(
		&sub.ID, &sub.CustomerID, &sub.ProviderSubID, &sub.PlanID, &cycleStr, &statusStr,
		&sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.TrialStart, &sub.TrialEnd,
		&sub.CancelAtPeriodEnd, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get subscription by id: %w", err)
	}
	sub.BillingCycle = models.BillingCycle(cycleStr)
	sub.Status = models.SubscriptionStatus(statusStr)
	return &sub, nil
}

// GetLiveSubscriptionIDs returns the IDs of active/trialing subscriptions for
// a customer, used to cancel prior subscriptions on a new checkout.
func (db *DB) GetLiveSubscriptionIDs(ctx context.Context, customerID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id FROM subscriptions
		WHERE customer_id = $1 AND status IN ('active', 'trialing')
	`, customerID)
	if err != nil {
		return nil, fmt.Errorf("get live subscriptions: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan subscription id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ApplyLicenseTransition applies a composite license transition as a single
// transaction: subscription write, license write, audit row, event log
// appends, and optional session deactivation. Any failure rolls back the
// whole transition.
func (db *DB) ApplyLicenseTransition(ctx context.Context, t *models.LicenseTransition) error {
	return db.ExecTx(ctx, func(tx pgx.Tx) error {
		now := time.Now()

		for _, id := range t.CancelSubscriptionIDs {
			if _, err := tx.Exec(ctx, `
				UPDATE subscriptions SET status = 'cancelled', updated_at = $2 WHERE id = $1
			`, id, now); err != nil {
				return fmt.Errorf("cancel prior subscription: %w", err)
			}
		}

		if t.Subscription != nil {
			if t.CreateSubscription {
				if _, err := tx.Exec(ctx, `
					INSERT INTO subscriptions (id, customer_id, provider_sub_id, plan_id, billing_cycle, status,
						current_period_start, current_period_end, trial_start, trial_end, cancel_at_period_end,
						created_at, updated_at)
					VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
				`, t.Subscription.ID, t.Subscription.CustomerID, t.Subscription.ProviderSubID,
					t.Subscription.PlanID, string(t.Subscription.BillingCycle), string(t.Subscription.Status),
					t.Subscription.CurrentPeriodStart, t.Subscription.CurrentPeriodEnd,
					t.Subscription.TrialStart, t.Subscription.TrialEnd, t.Subscription.CancelAtPeriodEnd,
					t.Subscription.CreatedAt, t.Subscription.UpdatedAt); err != nil {
					return fmt.Errorf("insert subscription: %w", err)
				}
			} else {
				if _, err := tx.Exec(ctx, `
					UPDATE subscriptions
					SET plan_id = $2, billing_cycle = $3, status = $4, current_period_start = $5,
						current_period_end = $6, trial_start = $7, trial_end = $8,
						cancel_at_period_end = $9, updated_at = $10
					WHERE id = $1
				`, t.Subscription.ID, t.Subscription.PlanID, string(t.Subscription.BillingCycle),
					string(t.Subscription.Status), t.Subscription.CurrentPeriodStart,
					t.Subscription.CurrentPeriodEnd, t.Subscription.TrialStart, t.Subscription.TrialEnd,
					t.Subscription.CancelAtPeriodEnd, now); err != nil {
					return fmt.Errorf("update subscription: %w", err)
				}
			}
		}

		if t.License != nil {
			if t.CreateLicense {
				if _, err := tx.Exec(ctx, `
					INSERT INTO licenses (id, license_key, customer_id, subscription_id, plan_id, tier,
						max_terminals, status, active, issued_at, expires_at, revoked_at, revocation_reason,
						created_at, updated_at)
					VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
				`, t.License.ID, t.License.Key, t.License.CustomerID, t.License.SubscriptionID,
					t.License.PlanID, t.License.Tier, t.License.MaxTerminals, string(t.License.Status),
					t.License.Active, t.License.IssuedAt, t.License.ExpiresAt, t.License.RevokedAt,
					nullableString(t.License.RevocationReason), t.License.CreatedAt, t.License.UpdatedAt); err != nil {
					return fmt.Errorf("insert license: %w", err)
				}
			} else {
				if _, err := tx.Exec(ctx, `
					UPDATE licenses
					SET license_key = $2, subscription_id = $3, plan_id = $4, tier = $5, max_terminals = $6,
						status = $7, active = $8, expires_at = $9, revoked_at = $10, revocation_reason = $11,
						updated_at = $12
					WHERE id = $1
				`, t.License.ID, t.License.Key, t.License.SubscriptionID, t.License.PlanID, t.License.Tier,
					t.License.MaxTerminals, string(t.License.Status), t.License.Active, t.License.ExpiresAt,
					t.License.RevokedAt, nullableString(t.License.RevocationReason), now); err != nil {
					return fmt.Errorf("update license: %w", err)
				}
			}
		}

		if t.Change != nil {
			if _, err := tx.Exec(ctx, `
				INSERT INTO subscription_changes (id, subscription_id, license_id, change_type,
					previous_plan, new_plan, previous_price_cents, new_price_cents,
					proration_amount_cents, reason, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			`, t.Change.ID, t.Change.SubscriptionID, t.Change.LicenseID, t.Change.ChangeType,
				nullableString(t.Change.PreviousPlan), nullableString(t.Change.NewPlan),
				t.Change.PreviousPrice, t.Change.NewPrice, t.Change.ProrationAmount,
				nullableString(t.Change.Reason), t.Change.CreatedAt); err != nil {
				return fmt.Errorf("insert subscription change: %w", err)
			}
		}

		for _, ev := range t.Events {
			if _, err := tx.Exec(ctx, `
				INSERT INTO subscription_events (id, license_key, event_type, payload, created_at, expires_at)
				VALUES ($1, $2, $3, $4, $5, $6)
			`, ev.ID, ev.LicenseKey, string(ev.Type), ev.Payload, ev.CreatedAt, ev.ExpiresAt); err != nil {
				return fmt.Errorf("append subscription event: %w", err)
			}
		}

		if t.DeactivateSessions && t.License != nil {
			if _, err := tx.Exec(ctx, `
				UPDATE terminal_sessions
				SET status = 'deactivated', deactivated_at = $2
				WHERE license_key = $1 AND status != 'deactivated'
			`, t.License.Key, now); err != nil {
				return fmt.Errorf("deactivate terminal sessions: %w", err)
			}
		}

		return nil
	})
}

// GetSubscriptionChangesByLicense returns the audit trail for a license,
// newest first.
func (db *DB) GetSubscriptionChangesByLicense(ctx context.Context, licenseID uuid.UUID, limit int) ([]*models.SubscriptionChange, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, subscription_id, license_id, change_type, previous_plan, new_plan,
			previous_price_cents, new_price_cents, proration_amount_cents, reason, created_at
		FROM subscription_changes
		WHERE license_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, licenseID, limit)
	if err != nil {
		return nil, fmt.Errorf("get subscription changes: %w", err)
	}
	defer rows.Close()

	var changes []*models.SubscriptionChange
	for rows.Next() {
		var c models.SubscriptionChange
		var prevPlan, newPlan, reason *string
		err := rows.Scan(
			&c.ID, &c.SubscriptionID, &c.LicenseID, &c.ChangeType, &prevPlan, &newPlan,
			&c.PreviousPrice, &c.NewPrice, &c.ProrationAmount, &reason, &c.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan subscription change: %w", err)
		}
		if prevPlan != nil {
			c.PreviousPlan = *prevPlan
		}
		if newPlan != nil {
			c.NewPlan = *newPlan
		}
		if reason != nil {
			c.Reason = *reason
		}
		changes = append(changes, &c)
	}
	return changes, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
