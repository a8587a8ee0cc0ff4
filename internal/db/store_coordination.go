package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aurorapos/aurora-server/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const stateSyncColumns = `id, license_key, sync_type, source_machine_hash, targets, payload,
	status, acked_by, created_at, completed_at`

func scanStateSync(row pgx.Row) (*models.TerminalStateSync, error) {
	var s models.TerminalStateSync
	var statusStr string
	var sourceHash *string
	var targetsJSON, ackedJSON []byte
	err := row.Scan(
		&s.ID, &s.LicenseKey, &s.SyncType, &sourceHash, &targetsJSON, &s.Payload,
		&statusStr, &ackedJSON, &s.CreatedAt, &s.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	s.Status = models.SyncStatus(statusStr)
	if sourceHash != nil {
		s.SourceHash = *sourceHash
	}
	if targetsJSON != nil {
		if err := json.Unmarshal(targetsJSON, &s.Targets); err != nil {
			return nil, fmt.Errorf("decode sync targets: %w", err)
		}
	}
	if err := json.Unmarshal(ackedJSON, &s.AckedBy); err != nil {
		return nil, fmt.Errorf("decode sync acks: %w", err)
	}
	return &s, nil
}

// CreateStateSync persists a new sync with its resolved target set.
func (db *DB) CreateStateSync(ctx context.Context, s *models.TerminalStateSync) error {
	targetsJSON, err := json.Marshal(s.Targets)
	if err != nil {
		return fmt.Errorf("encode sync targets: %w", err)
	}
	ackedJSON, err := json.Marshal(s.AckedBy)
	if err != nil {
		return fmt.Errorf("encode sync acks: %w", err)
	}
	_, err = db.Pool.Exec(ctx, `
		INSERT INTO terminal_state_sync (id, license_key, sync_type, source_machine_hash,
			targets, payload, status, acked_by, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, s.ID, s.LicenseKey, s.SyncType, nullableString(s.SourceHash),
		targetsJSON, s.Payload, string(s.Status), ackedJSON, s.CreatedAt, s.CompletedAt)
	if err != nil {
		return fmt.Errorf("create state sync: %w", err)
	}
	return nil
}

// GetStateSync returns one sync by ID, or nil if not found.
func (db *DB) GetStateSync(ctx context.Context, id uuid.UUID) (*models.TerminalStateSync, error) {
	s, err := scanStateSync(db.Pool.QueryRow(ctx, `
		SELECT `+stateSyncColumns+` FROM terminal_state_sync WHERE id = $1
	`, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get state sync: %w", err)
	}
	return s, nil
}

// AcknowledgeStateSync appends one terminal's ack to a sync and completes it
// when every target has acknowledged. The row is locked for the duration so
// concurrent acks from different terminals serialize instead of overwriting
// each other's progress. Returns the updated sync (nil when the id is
// unknown) and whether this ack completed it.
func (db *DB) AcknowledgeStateSync(ctx context.Context, id uuid.UUID, machineHash string) (*models.TerminalStateSync, bool, error) {
	var sync *models.TerminalStateSync
	var completed bool
	err := db.ExecTx(ctx, func(tx pgx.Tx) error {
		s, err := scanStateSync(tx.QueryRow(ctx, `
			SELECT `+stateSyncColumns+` FROM terminal_state_sync WHERE id = $1 FOR UPDATE
		`, id))
		if err != nil {
			if err == pgx.ErrNoRows {
				return nil
			}
			return fmt.Errorf("lock state sync: %w", err)
		}

		completed = s.Acknowledge(machineHash)
		ackedJSON, err := json.Marshal(s.AckedBy)
		if err != nil {
			return fmt.Errorf("encode sync acks: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE terminal_state_sync
			SET status = $2, acked_by = $3, completed_at = $4
			WHERE id = $1
		`, s.ID, string(s.Status), ackedJSON, s.CompletedAt); err != nil {
			return fmt.Errorf("record sync ack: %w", err)
		}
		sync = s
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return sync, completed, nil
}

// ListStateSyncsByLicense returns a license's syncs newest first.
func (db *DB) ListStateSyncsByLicense(ctx context.Context, licenseKey string, limit int) ([]*models.TerminalStateSync, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+stateSyncColumns+` FROM terminal_state_sync
		WHERE license_key = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, licenseKey, limit)
	if err != nil {
		return nil, fmt.Errorf("list state syncs: %w", err)
	}
	defer rows.Close()

	var syncs []*models.TerminalStateSync
	for rows.Next() {
		s, err := scanStateSync(rows)
		if err != nil {
			return nil, fmt.Errorf("scan state sync: %w", err)
		}
		syncs = append(syncs, s)
	}
	return syncs, nil
}

// CreateCoordinationEvent records one broadcast pushed to a license's terminals.
func (db *DB) CreateCoordinationEvent(ctx context.Context, e *models.CoordinationEvent) error {
	targetsJSON, err := json.Marshal(e.Targets)
	if err != nil {
		return fmt.Errorf("encode coordination targets: %w", err)
	}
	_, err = db.Pool.Exec(ctx, `
		INSERT INTO terminal_coordination_events (id, license_key, event_type, payload, targets, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, e.ID, e.LicenseKey, string(e.EventType), e.Payload, targetsJSON, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("create coordination event: %w", err)
	}
	return nil
}

// ListCoordinationEvents returns a license's broadcast records newest first.
func (db *DB) ListCoordinationEvents(ctx context.Context, licenseKey string, limit int) ([]*models.CoordinationEvent, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, license_key, event_type, payload, targets, created_at
		FROM terminal_coordination_events
		WHERE license_key = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, licenseKey, limit)
	if err != nil {
		return nil, fmt.Errorf("list coordination events: %w", err)
	}
	defer rows.Close()

	var events []*models.CoordinationEvent
	for rows.Next() {
		var e models.CoordinationEvent
		var eventType string
		var targetsJSON []byte
		if err := rows.Scan(&e.ID, &e.LicenseKey, &eventType, &e.Payload, &targetsJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan coordination event: %w", err)
		}
		e.EventType = models.SubscriptionEventType(eventType)
		if targetsJSON != nil {
			if err := json.Unmarshal(targetsJSON, &e.Targets); err != nil {
				return nil, fmt.Errorf("decode coordination targets: %w", err)
			}
		}
		events = append(events, &e)
	}
	return events, nil
}
