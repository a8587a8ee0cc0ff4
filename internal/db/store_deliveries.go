package db

import (
	"context"
	"fmt"

	"github.com/aurorapos/aurora-server/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const deliveryColumns = `id, event_id, license_key, machine_hash, status, attempt_count, max_attempts,
	next_retry_at, last_error, delivered_at, created_at, updated_at`

func scanDelivery(row pgx.Row) (*models.EventDelivery, error) {
	var d models.EventDelivery
	var statusStr string
	var lastError *string
	err := row.Scan(
		&d.ID, &d.EventID, &d.LicenseKey, &d.MachineHash, &statusStr, &d.AttemptCount, &d.MaxAttempts,
		&d.NextRetryAt, &lastError, &d.DeliveredAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.Status = models.DeliveryStatus(statusStr)
	if lastError != nil {
		d.LastError = *lastError
	}
	return &d, nil
}

// CreateEventDelivery creates one per-terminal delivery record. The
// (event, terminal) pair is unique; re-creating an existing pair is a no-op
// so broadcasting is safe to repeat.
func (db *DB) CreateEventDelivery(ctx context.Context, d *models.EventDelivery) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO event_deliveries (id, event_id, license_key, machine_hash, status, attempt_count,
			max_attempts, next_retry_at, last_error, delivered_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (event_id, machine_hash) DO NOTHING
	`, d.ID, d.EventID, d.LicenseKey, d.MachineHash, string(d.Status), d.AttemptCount,
		d.MaxAttempts, d.NextRetryAt, nullableString(d.LastError), d.DeliveredAt, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create event delivery: %w", err)
	}
	return nil
}

// UpdateEventDelivery persists delivery state after an attempt or ack.
func (db *DB) UpdateEventDelivery(ctx context.Context, d *models.EventDelivery) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE event_deliveries
		SET status = $2, attempt_count = $3, next_retry_at = $4, last_error = $5,
			delivered_at = $6, updated_at = $7
		WHERE id = $1
	`, d.ID, string(d.Status), d.AttemptCount, d.NextRetryAt, nullableString(d.LastError),
		d.DeliveredAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update event delivery: %w", err)
	}
	return nil
}

// GetEventDelivery returns the delivery record for one (event, terminal)
// pair, or nil if none exists.
func (db *DB) GetEventDelivery(ctx context.Context, eventID uuid.UUID, machineHash string) (*models.EventDelivery, error) {
	d, err := scanDelivery(db.Pool.QueryRow(ctx, `
		SELECT `+deliveryColumns+` FROM event_deliveries
		WHERE event_id = $1 AND machine_hash = $2
	`, eventID, machineHash))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get event delivery: %w", err)
	}
	return d, nil
}

// GetDueDeliveries returns pending deliveries plus retrying deliveries whose
// next_retry_at has passed, oldest first, for the retry sweep.
func (db *DB) GetDueDeliveries(ctx context.Context, limit int) ([]*models.EventDelivery, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+deliveryColumns+` FROM event_deliveries
		WHERE status = 'pending'
		   OR (status = 'retrying' AND next_retry_at <= NOW())
		ORDER BY created_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("get due deliveries: %w", err)
	}
	defer rows.Close()

	var deliveries []*models.EventDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event delivery: %w", err)
		}
		deliveries = append(deliveries, d)
	}
	return deliveries, nil
}

// CreateRetryRecord appends one attempt to the retry audit trail.
func (db *DB) CreateRetryRecord(ctx context.Context, r *models.EventRetryRecord) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO event_retry_history (id, event_id, machine_hash, attempt_number, result,
			error_message, next_retry_at, backoff_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, r.ID, r.EventID, r.MachineHash, r.AttemptNumber, string(r.Result),
		nullableString(r.ErrorMessage), r.NextRetryAt, r.BackoffMs, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("create retry record: %w", err)
	}
	return nil
}

// GetRetryHistory returns the attempt trail for one (event, terminal) pair in
// attempt order.
func (db *DB) GetRetryHistory(ctx context.Context, eventID uuid.UUID, machineHash string) ([]*models.EventRetryRecord, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, event_id, machine_hash, attempt_number, result, error_message,
			next_retry_at, backoff_ms, created_at
		FROM event_retry_history
		WHERE event_id = $1 AND machine_hash = $2
		ORDER BY attempt_number ASC
	`, eventID, machineHash)
	if err != nil {
		return nil, fmt.Errorf("get retry history: %w", err)
	}
	defer rows.Close()

	var records []*models.EventRetryRecord
	for rows.Next() {
		var r models.EventRetryRecord
		var resultStr string
		var errMsg *string
		if err := rows.Scan(&r.ID, &r.EventID, &r.MachineHash, &r.AttemptNumber, &resultStr,
			&errMsg, &r.NextRetryAt, &r.BackoffMs, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan retry record: %w", err)
		}
		r.Result = models.RetryResult(resultStr)
		if errMsg != nil {
			r.ErrorMessage = *errMsg
		}
		records = append(records, &r)
	}
	return records, nil
}

// RecordEventAck inserts an acknowledgment for one (event, terminal) pair.
// It returns true when the ack was new; reprocessing the same event at the
// terminal never produces a second row.
func (db *DB) RecordEventAck(ctx context.Context, ack *models.EventAck) (bool, error) {
	tag, err := db.Pool.Exec(ctx, `
		INSERT INTO event_acknowledgments (event_id, machine_hash, status, error_message, processing_time_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (event_id, machine_hash) DO NOTHING
	`, ack.EventID, ack.MachineHash, string(ack.Status), nullableString(ack.ErrorMessage),
		ack.ProcessingMs, ack.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("record event ack: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetEventAck returns the acknowledgment for one (event, terminal) pair, or nil.
func (db *DB) GetEventAck(ctx context.Context, eventID uuid.UUID, machineHash string) (*models.EventAck, error) {
	var ack models.EventAck
	var statusStr string
	var errMsg *string
	var processingMs *int64
	err := db.Pool.QueryRow(ctx, `
		SELECT event_id, machine_hash, status, error_message, processing_time_ms, created_at
		FROM event_acknowledgments
		WHERE event_id = $1 AND machine_hash = $2
	`, eventID, machineHash).Scan(&ack.EventID, &ack.MachineHash, &statusStr, &errMsg, &processingMs, &ack.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get event ack: %w", err)
	}
	ack.Status = models.AckStatus(statusStr)
	if errMsg != nil {
		ack.ErrorMessage = *errMsg
	}
	if processingMs != nil {
		ack.ProcessingMs = *processingMs
	}
	return &ack, nil
}
