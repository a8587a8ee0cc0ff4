package models

import (
	"time"

	"github.com/google/uuid"
)

// StaleSessionWindow is how long a connected session may miss heartbeats
// before the periodic sweep force-disconnects it.
const StaleSessionWindow = 5 * time.Minute

// SessionStatus is the connection state of a terminal session.
type SessionStatus string

const (
	// SessionConnected means the terminal holds a live push channel.
	SessionConnected SessionStatus = "connected"
	// SessionDisconnected means the terminal dropped or was swept as stale.
	SessionDisconnected SessionStatus = "disconnected"
	// SessionDeactivated means the license was deactivated; the terminal must
	// observe this on its next reconnect.
	SessionDeactivated SessionStatus = "deactivated"
)

// TerminalInfo is the self-reported identity a terminal presents on activation.
type TerminalInfo struct {
	MachineHash string `json:"machine_hash"`
	DisplayName string `json:"display_name"`
	Hostname    string `json:"hostname"`
	IPAddress   string `json:"ip_address"`
	AppVersion  string `json:"app_version"`
}

// TerminalSession is one desktop installation's registration under a license,
// keyed by (machine hash, license key). Reconnects update the existing row.
type TerminalSession struct {
	ID               uuid.UUID     `json:"id"`
	LicenseKey       string        `json:"license_key"`
	MachineHash      string        `json:"machine_hash"`
	DisplayName      string        `json:"display_name"`
	Hostname         string        `json:"hostname"`
	IPAddress        string        `json:"ip_address"`
	AppVersion       string        `json:"app_version"`
	Status           SessionStatus `json:"status"`
	IsPrimary        bool          `json:"is_primary"`
	FirstConnectedAt time.Time     `json:"first_connected_at"`
	LastConnectedAt  time.Time     `json:"last_connected_at"`
	LastHeartbeatAt  time.Time     `json:"last_heartbeat_at"`
	DisconnectedAt   *time.Time    `json:"disconnected_at,omitempty"`
	DeactivatedAt    *time.Time    `json:"deactivated_at,omitempty"`
}

// NewTerminalSession creates a connected session for a newly seen terminal.
func NewTerminalSession(licenseKey string, info TerminalInfo, isPrimary bool) *TerminalSession {
	now := time.Now()
	return &TerminalSession{
		ID:               uuid.New(),
		LicenseKey:       licenseKey,
		MachineHash:      info.MachineHash,
		DisplayName:      info.DisplayName,
		Hostname:         info.Hostname,
		IPAddress:        info.IPAddress,
		AppVersion:       info.AppVersion,
		Status:           SessionConnected,
		IsPrimary:        isPrimary,
		FirstConnectedAt: now,
		LastConnectedAt:  now,
		LastHeartbeatAt:  now,
	}
}

// IsStale reports whether a connected session has missed heartbeats past the
// staleness window.
func (s *TerminalSession) IsStale(now time.Time) bool {
	return s.Status == SessionConnected && now.Sub(s.LastHeartbeatAt) > StaleSessionWindow
}
