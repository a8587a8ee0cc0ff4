package db

import (
	"context"
	"fmt"

	"github.com/aurorapos/aurora-server/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const sessionColumns = `id, license_key, machine_hash, display_name, hostname, ip_address, app_version,
	status, is_primary, first_connected_at, last_connected_at, last_heartbeat_at,
	disconnected_at, deactivated_at`

func scanSession(row pgx.Row) (*models.TerminalSession, error) {
	var s models.TerminalSession
	var statusStr string
	var displayName, hostname, ipAddress, appVersion *string
	err := row.Scan(
		&s.ID, &s.LicenseKey, &s.MachineHash, &displayName, &hostname, &ipAddress, &appVersion,
		&statusStr, &s.IsPrimary, &s.FirstConnectedAt, &s.LastConnectedAt, &s.LastHeartbeatAt,
		&s.DisconnectedAt, &s.DeactivatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.Status = models.SessionStatus(statusStr)
	if displayName != nil {
		s.DisplayName = *displayName
	}
	if hostname != nil {
		s.Hostname = *hostname
	}
	if ipAddress != nil {
		s.IPAddress = *ipAddress
	}
	if appVersion != nil {
		s.AppVersion = *appVersion
	}
	return &s, nil
}

// rowQuerier lets the session upsert run on the pool or inside a transaction.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// UpsertTerminalSession registers or reconnects a terminal. A returning
// terminal keeps its row: first_connected_at and is_primary are preserved,
// everything self-reported is refreshed, and the session comes back connected.
func (db *DB) UpsertTerminalSession(ctx context.Context, s *models.TerminalSession) (*models.TerminalSession, error) {
	return upsertTerminalSession(ctx, db.Pool, s)
}

func upsertTerminalSession(ctx context.Context, q rowQuerier, s *models.TerminalSession) (*models.TerminalSession, error) {
	saved, err := scanSession(q.QueryRow(ctx, `
		INSERT INTO terminal_sessions (id, license_key, machine_hash, display_name, hostname,
			ip_address, app_version, status, is_primary, first_connected_at, last_connected_at,
			last_heartbeat_at, disconnected_at, deactivated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NULL, NULL)
		ON CONFLICT (machine_hash, license_key) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			hostname = EXCLUDED.hostname,
			ip_address = EXCLUDED.ip_address,
			app_version = EXCLUDED.app_version,
			status = EXCLUDED.status,
			last_connected_at = EXCLUDED.last_connected_at,
			last_heartbeat_at = EXCLUDED.last_heartbeat_at,
			disconnected_at = NULL,
			deactivated_at = NULL
		RETURNING `+sessionColumns+`
	`, s.ID, s.LicenseKey, s.MachineHash, nullableString(s.DisplayName), nullableString(s.Hostname),
		nullableString(s.IPAddress), nullableString(s.AppVersion), string(s.Status), s.IsPrimary,
		s.FirstConnectedAt, s.LastConnectedAt, s.LastHeartbeatAt))
	if err != nil {
		return nil, fmt.Errorf("upsert terminal session: %w", err)
	}
	return saved, nil
}

// RegisterTerminalSession enforces the license terminal quota and upserts the
// session as one atomic unit. The license row is locked for the duration, so
// concurrent registrations against the same license serialize and cannot
// overshoot maxTerminals between the count and the insert. Returns a nil
// session when the quota is already filled, and whether the terminal had a
// prior session (a reconnect). The first session ever registered for the
// license becomes the primary.
func (db *DB) RegisterTerminalSession(ctx context.Context, s *models.TerminalSession, maxTerminals int) (*models.TerminalSession, bool, error) {
	var saved *models.TerminalSession
	var reconnect bool
	err := db.ExecTx(ctx, func(tx pgx.Tx) error {
		var key string
		if err := tx.QueryRow(ctx, `
			SELECT license_key FROM licenses WHERE license_key = $1 FOR UPDATE
		`, s.LicenseKey).Scan(&key); err != nil {
			return fmt.Errorf("lock license row: %w", err)
		}

		existing, err := scanSession(tx.QueryRow(ctx, `
			SELECT `+sessionColumns+` FROM terminal_sessions
			WHERE license_key = $1 AND machine_hash = $2
		`, s.LicenseKey, s.MachineHash))
		if err != nil && err != pgx.ErrNoRows {
			return fmt.Errorf("get terminal session: %w", err)
		}
		reconnect = existing != nil

		// A terminal not currently counted among the connected sessions
		// consumes a quota slot on (re)connection.
		if existing == nil || existing.Status != models.SessionConnected {
			var connected int
			if err := tx.QueryRow(ctx, `
				SELECT COUNT(*) FROM terminal_sessions
				WHERE license_key = $1 AND status = 'connected'
			`, s.LicenseKey).Scan(&connected); err != nil {
				return fmt.Errorf("count connected sessions: %w", err)
			}
			if connected >= maxTerminals {
				return nil
			}
		}

		if existing == nil {
			var total int
			if err := tx.QueryRow(ctx, `
				SELECT COUNT(*) FROM terminal_sessions WHERE license_key = $1
			`, s.LicenseKey).Scan(&total); err != nil {
				return fmt.Errorf("count sessions: %w", err)
			}
			s.IsPrimary = total == 0
		}

		saved, err = upsertTerminalSession(ctx, tx, s)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return saved, reconnect, nil
}

// GetTerminalSession returns the session for one (machine, license) pair, or nil.
func (db *DB) GetTerminalSession(ctx context.Context, licenseKey, machineHash string) (*models.TerminalSession, error) {
	s, err := scanSession(db.Pool.QueryRow(ctx, `
		SELECT `+sessionColumns+` FROM terminal_sessions
		WHERE license_key = $1 AND machine_hash = $2
	`, licenseKey, machineHash))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get terminal session: %w", err)
	}
	return s, nil
}

// GetSessionsByLicense returns all sessions under a license, primary first,
// then by first connection time.
func (db *DB) GetSessionsByLicense(ctx context.Context, licenseKey string) ([]*models.TerminalSession, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+sessionColumns+` FROM terminal_sessions
		WHERE license_key = $1
		ORDER BY is_primary DESC, first_connected_at ASC
	`, licenseKey)
	if err != nil {
		return nil, fmt.Errorf("get sessions by license: %w", err)
	}
	defer rows.Close()

	var sessions []*models.TerminalSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan terminal session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

// GetConnectedSessions returns the connected sessions under a license.
func (db *DB) GetConnectedSessions(ctx context.Context, licenseKey string) ([]*models.TerminalSession, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+sessionColumns+` FROM terminal_sessions
		WHERE license_key = $1 AND status = 'connected'
		ORDER BY first_connected_at ASC
	`, licenseKey)
	if err != nil {
		return nil, fmt.Errorf("get connected sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.TerminalSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan terminal session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

// CountConnectedSessions counts live sessions under a license, for the
// max-terminal check on activation.
func (db *DB) CountConnectedSessions(ctx context.Context, licenseKey string) (int, error) {
	var count int
	err := db.Pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM terminal_sessions
		WHERE license_key = $1 AND status = 'connected'
	`, licenseKey).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count connected sessions: %w", err)
	}
	return count, nil
}

// CountAllConnectedSessions counts connected sessions across every license.
func (db *DB) CountAllConnectedSessions(ctx context.Context) (int64, error) {
	var count int64
	err := db.Pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM terminal_sessions WHERE status = 'connected'
	`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count all connected sessions: %w", err)
	}
	return count, nil
}

// GetOldestConnectedSession returns the connected session with the earliest
// first connection, the election rule for a new primary. Nil when the license
// has no connected terminals.
func (db *DB) GetOldestConnectedSession(ctx context.Context, licenseKey string) (*models.TerminalSession, error) {
	s, err := scanSession(db.Pool.QueryRow(ctx, `
		SELECT `+sessionColumns+` FROM terminal_sessions
		WHERE license_key = $1 AND status = 'connected'
		ORDER BY first_connected_at ASC
		LIMIT 1
	`, licenseKey))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get oldest connected session: %w", err)
	}
	return s, nil
}

// SetPrimarySession moves the primary flag to one session, clearing it on all
// other sessions under the license in the same transaction.
func (db *DB) SetPrimarySession(ctx context.Context, licenseKey string, sessionID uuid.UUID) error {
	return db.ExecTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			UPDATE terminal_sessions SET is_primary = FALSE
			WHERE license_key = $1 AND is_primary = TRUE
		`, licenseKey); err != nil {
			return fmt.Errorf("clear primary flag: %w", err)
		}
		tag, err := tx.Exec(ctx, `
			UPDATE terminal_sessions SET is_primary = TRUE
			WHERE id = $1 AND license_key = $2
		`, sessionID, licenseKey)
		if err != nil {
			return fmt.Errorf("set primary flag: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("set primary flag: session %s not found", sessionID)
		}
		return nil
	})
}

// TouchHeartbeat refreshes a connected session's heartbeat timestamp. It
// returns false when the session is unknown or no longer connected.
func (db *DB) TouchHeartbeat(ctx context.Context, licenseKey, machineHash string) (bool, error) {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE terminal_sessions SET last_heartbeat_at = NOW()
		WHERE license_key = $1 AND machine_hash = $2 AND status = 'connected'
	`, licenseKey, machineHash)
	if err != nil {
		return false, fmt.Errorf("touch heartbeat: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkSessionDisconnected records a clean disconnect or a stale sweep.
func (db *DB) MarkSessionDisconnected(ctx context.Context, licenseKey, machineHash string) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE terminal_sessions
		SET status = 'disconnected', disconnected_at = NOW()
		WHERE license_key = $1 AND machine_hash = $2 AND status = 'connected'
	`, licenseKey, machineHash)
	if err != nil {
		return fmt.Errorf("mark session disconnected: %w", err)
	}
	return nil
}

// GetStaleSessions returns connected sessions whose last heartbeat is older
// than the staleness window.
func (db *DB) GetStaleSessions(ctx context.Context, window string) ([]*models.TerminalSession, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+sessionColumns+` FROM terminal_sessions
		WHERE status = 'connected' AND last_heartbeat_at < NOW() - $1::interval
	`, window)
	if err != nil {
		return nil, fmt.Errorf("get stale sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.TerminalSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan terminal session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}
