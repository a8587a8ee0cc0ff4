package db

import (
	"context"
	"fmt"
	"time"

	"github.com/aurorapos/aurora-server/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// CreateSubscriptionEvent appends one event to the event log.
func (db *DB) CreateSubscriptionEvent(ctx context.Context, ev *models.SubscriptionEvent) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO subscription_events (id, license_key, event_type, payload, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, ev.ID, ev.LicenseKey, string(ev.Type), ev.Payload, ev.CreatedAt, ev.ExpiresAt)
	if err != nil {
		return fmt.Errorf("create subscription event: %w", err)
	}
	return nil
}

// GetSubscriptionEventByID returns one event, or nil if it does not exist or
// has been garbage-collected.
func (db *DB) GetSubscriptionEventByID(ctx context.Context, id uuid.UUID) (*models.SubscriptionEvent, error) {
	var ev models.SubscriptionEvent
	var typeStr string
	err := db.Pool.QueryRow(ctx, `
		SELECT id, license_key, event_type, payload, created_at, expires_at
		FROM subscription_events
		WHERE id = $1
	`, id).Scan(&ev.ID, &ev.LicenseKey, &typeStr, &ev.Payload, &ev.CreatedAt, &ev.ExpiresAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get subscription event: %w", err)
	}
	ev.Type = models.SubscriptionEventType(typeStr)
	return &ev, nil
}

// GetEventsSince returns all unexpired events for a license created strictly
// after the given timestamp, in creation order. This backs terminal replay.
func (db *DB) GetEventsSince(ctx context.Context, licenseKey string, since time.Time) ([]*models.SubscriptionEvent, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, license_key, event_type, payload, created_at, expires_at
		FROM subscription_events
		WHERE license_key = $1 AND created_at > $2 AND expires_at > NOW()
		ORDER BY created_at ASC
	`, licenseKey, since)
	if err != nil {
		return nil, fmt.Errorf("get events since: %w", err)
	}
	defer rows.Close()

	var events []*models.SubscriptionEvent
	for rows.Next() {
		var ev models.SubscriptionEvent
		var typeStr string
		if err := rows.Scan(&ev.ID, &ev.LicenseKey, &typeStr, &ev.Payload, &ev.CreatedAt, &ev.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan subscription event: %w", err)
		}
		ev.Type = models.SubscriptionEventType(typeStr)
		events = append(events, &ev)
	}
	return events, nil
}

// CleanupExpiredEvents removes events past the replay retention window along
// with their retry history. Delivery and acknowledgment rows cascade.
func (db *DB) CleanupExpiredEvents(ctx context.Context) (int64, error) {
	_, err := db.Pool.Exec(ctx, `
		DELETE FROM event_retry_history
		WHERE event_id IN (SELECT id FROM subscription_events WHERE expires_at < NOW())
	`)
	if err != nil {
		return 0, fmt.Errorf("cleanup retry history: %w", err)
	}

	tag, err := db.Pool.Exec(ctx, `
		DELETE FROM subscription_events WHERE expires_at < NOW()
	`)
	if err != nil {
		return 0, fmt.Errorf("cleanup expired events: %w", err)
	}
	return tag.RowsAffected(), nil
}
