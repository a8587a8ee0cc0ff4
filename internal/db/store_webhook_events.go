package db

import (
	"context"
	"fmt"

	"github.com/aurorapos/aurora-server/internal/models"
	"github.com/jackc/pgx/v5"
)

// RecordWebhookEventIfNew atomically records an external event identifier in
// the idempotency ledger, initially unprocessed. It returns true when the
// identifier was new, false when it was already recorded. The insert relies
// on the unique constraint so concurrent redeliveries of the same event race
// safely: exactly one caller observes true.
func (db *DB) RecordWebhookEventIfNew(ctx context.Context, event *models.WebhookEvent) (bool, error) {
	tag, err := db.Pool.Exec(ctx, `
		INSERT INTO webhook_events (id, external_id, event_type, processed, processed_at, created_at)
		VALUES ($1, $2, $3, FALSE, NULL, $4)
		ON CONFLICT (external_id) DO NOTHING
	`, event.ID, event.ExternalID, event.EventType, event.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("record webhook event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkWebhookEventProcessed flags a ledger row once its handler has applied
// the event. Until then a redelivery of the same identifier re-runs the
// handler instead of being skipped.
func (db *DB) MarkWebhookEventProcessed(ctx context.Context, externalID string) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE webhook_events SET processed = TRUE, processed_at = NOW()
		WHERE external_id = $1
	`, externalID)
	if err != nil {
		return fmt.Errorf("mark webhook event processed: %w", err)
	}
	return nil
}

// GetWebhookEventByExternalID returns the ledger row for an external
// identifier, or nil if the event has not been seen.
func (db *DB) GetWebhookEventByExternalID(ctx context.Context, externalID string) (*models.WebhookEvent, error) {
	var ev models.WebhookEvent
	err := db.Pool.QueryRow(ctx, `
		SELECT id, external_id, event_type, processed, processed_at, created_at
		FROM webhook_events
		WHERE external_id = $1
	`, externalID).Scan(&ev.ID, &ev.ExternalID, &ev.EventType, &ev.Processed, &ev.ProcessedAt, &ev.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get webhook event: %w", err)
	}
	return &ev, nil
}

// CleanupWebhookEvents deletes ledger rows older than the retention period.
// The ledger only needs to cover the provider's redelivery horizon.
func (db *DB) CleanupWebhookEvents(ctx context.Context, retentionDays int) (int64, error) {
	tag, err := db.Pool.Exec(ctx, `
		DELETE FROM webhook_events
		WHERE created_at < NOW() - ($1 * INTERVAL '1 day')
	`, retentionDays)
	if err != nil {
		return 0, fmt.Errorf("cleanup webhook events: %w", err)
	}
	return tag.RowsAffected(), nil
}
