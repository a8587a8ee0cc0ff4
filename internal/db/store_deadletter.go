package db

import (
	"context"
	"fmt"

	"github.com/aurorapos/aurora-server/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const deadLetterColumns = `id, event_id, license_key, machine_hash, event_type, payload, retry_count,
	last_error, classification, review_status, resolved_by, resolution_notes,
	created_at, updated_at, resolved_at`

func scanDeadLetter(row pgx.Row) (*models.DeadLetterEntry, error) {
	var e models.DeadLetterEntry
	var eventType, classification, reviewStatus string
	var lastError, resolvedBy, notes *string
	err := row.Scan(
		&e.ID, &e.EventID, &e.LicenseKey, &e.MachineHash, &eventType, &e.Payload, &e.RetryCount,
		&lastError, &classification, &reviewStatus, &resolvedBy, &notes,
		&e.CreatedAt, &e.UpdatedAt, &e.ResolvedAt,
	)
	if err != nil {
		return nil, err
	}
	e.EventType = models.SubscriptionEventType(eventType)
	e.Classification = models.DeadLetterClassification(classification)
	e.ReviewStatus = models.DeadLetterReviewStatus(reviewStatus)
	if lastError != nil {
		e.LastError = *lastError
	}
	if resolvedBy != nil {
		e.ResolvedBy = *resolvedBy
	}
	if notes != nil {
		e.ResolutionNotes = *notes
	}
	return &e, nil
}

// CreateDeadLetterEntry persists a new dead-letter entry.
func (db *DB) CreateDeadLetterEntry(ctx context.Context, e *models.DeadLetterEntry) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO dead_letter_queue (id, event_id, license_key, machine_hash, event_type, payload,
			retry_count, last_error, classification, review_status, resolved_by, resolution_notes,
			created_at, updated_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, e.ID, e.EventID, e.LicenseKey, e.MachineHash, string(e.EventType), e.Payload,
		e.RetryCount, nullableString(e.LastError), string(e.Classification), string(e.ReviewStatus),
		nullableString(e.ResolvedBy), nullableString(e.ResolutionNotes),
		e.CreatedAt, e.UpdatedAt, e.ResolvedAt)
	if err != nil {
		return fmt.Errorf("create dead letter entry: %w", err)
	}
	return nil
}

// GetDeadLetterEntry returns one entry by ID, or nil if not found.
func (db *DB) GetDeadLetterEntry(ctx context.Context, id uuid.UUID) (*models.DeadLetterEntry, error) {
	e, err := scanDeadLetter(db.Pool.QueryRow(ctx, `
		SELECT `+deadLetterColumns+` FROM dead_letter_queue WHERE id = $1
	`, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get dead letter entry: %w", err)
	}
	return e, nil
}

// ListDeadLetterEntries returns entries newest first, optionally filtered by
// review status ("" means all).
func (db *DB) ListDeadLetterEntries(ctx context.Context, status models.DeadLetterReviewStatus, limit int) ([]*models.DeadLetterEntry, error) {
	query := `SELECT ` + deadLetterColumns + ` FROM dead_letter_queue`
	args := []any{limit}
	if status != "" {
		query += ` WHERE review_status = $2`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC LIMIT $1`

	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list dead letter entries: %w", err)
	}
	defer rows.Close()

	var entries []*models.DeadLetterEntry
	for rows.Next() {
		e, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dead letter entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// UpdateDeadLetterEntry persists review-state changes.
func (db *DB) UpdateDeadLetterEntry(ctx context.Context, e *models.DeadLetterEntry) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE dead_letter_queue
		SET review_status = $2, resolved_by = $3, resolution_notes = $4,
			updated_at = $5, resolved_at = $6
		WHERE id = $1
	`, e.ID, string(e.ReviewStatus), nullableString(e.ResolvedBy), nullableString(e.ResolutionNotes),
		e.UpdatedAt, e.ResolvedAt)
	if err != nil {
		return fmt.Errorf("update dead letter entry: %w", err)
	}
	return nil
}

// CountOpenDeadLetters counts entries still awaiting review or retry.
func (db *DB) CountOpenDeadLetters(ctx context.Context) (int64, error) {
	var count int64
	err := db.Pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM dead_letter_queue
		WHERE review_status IN ('pending_review', 'retrying')
	`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count open dead letters: %w", err)
	}
	return count, nil
}

// GetPurgeableDeadLetters returns closed entries past the retention window,
// oldest first, so they can be archived before PurgeClosedDeadLetters removes
// them.
func (db *DB) GetPurgeableDeadLetters(ctx context.Context, retentionDays, limit int) ([]*models.DeadLetterEntry, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+deadLetterColumns+` FROM dead_letter_queue
		WHERE review_status IN ('resolved', 'abandoned')
		  AND resolved_at < NOW() - make_interval(days => $1)
		ORDER BY resolved_at ASC LIMIT $2
	`, retentionDays, limit)
	if err != nil {
		return nil, fmt.Errorf("list purgeable dead letters: %w", err)
	}
	defer rows.Close()

	var entries []*models.DeadLetterEntry
	for rows.Next() {
		e, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dead letter entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// DeleteDeadLetterEntries removes the given entries, used after a batch has
// been archived.
func (db *DB) DeleteDeadLetterEntries(ctx context.Context, ids []uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := db.Pool.Exec(ctx, `
		DELETE FROM dead_letter_queue WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return 0, fmt.Errorf("delete dead letter entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PurgeClosedDeadLetters deletes resolved and abandoned entries older than the
// retention window and returns how many were removed.
func (db *DB) PurgeClosedDeadLetters(ctx context.Context, retentionDays int) (int64, error) {
	tag, err := db.Pool.Exec(ctx, `
		DELETE FROM dead_letter_queue
		WHERE review_status IN ('resolved', 'abandoned')
		  AND resolved_at < NOW() - make_interval(days => $1)
	`, retentionDays)
	if err != nil {
		return 0, fmt.Errorf("purge closed dead letters: %w", err)
	}
	return tag.RowsAffected(), nil
}
