package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SyncStatus is the lifecycle state of a coordination sync.
type SyncStatus string

const (
	SyncStatusPending    SyncStatus = "pending"
	SyncStatusInProgress SyncStatus = "in_progress"
	SyncStatusCompleted  SyncStatus = "completed"
	SyncStatusFailed     SyncStatus = "failed"
)

// TerminalStateSync is a broadcast state-synchronization operation across the
// terminals of a license. Targets nil means every terminal connected at
// creation time; the sync completes when each intended target acknowledged.
type TerminalStateSync struct {
	ID          uuid.UUID       `json:"id"`
	LicenseKey  string          `json:"license_key"`
	SyncType    string          `json:"sync_type"`
	SourceHash  string          `json:"source_machine_hash,omitempty"`
	Targets     []string        `json:"targets,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Status      SyncStatus      `json:"status"`
	AckedBy     []string        `json:"acked_by"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// NewTerminalStateSync creates a pending sync against the resolved target
// set. A sync with no targets has no one to wait for and completes at
// creation.
func NewTerminalStateSync(licenseKey, syncType, sourceHash string, targets []string, payload json.RawMessage) *TerminalStateSync {
	s := &TerminalStateSync{
		ID:         uuid.New(),
		LicenseKey: licenseKey,
		SyncType:   syncType,
		SourceHash: sourceHash,
		Targets:    targets,
		Payload:    payload,
		Status:     SyncStatusPending,
		AckedBy:    []string{},
		CreatedAt:  time.Now(),
	}
	if len(targets) == 0 {
		done := s.CreatedAt
		s.Status = SyncStatusCompleted
		s.CompletedAt = &done
	}
	return s
}

// Acknowledge records one terminal's ack. It is idempotent per terminal and
// returns true when the sync just completed.
func (s *TerminalStateSync) Acknowledge(machineHash string) bool {
	for _, h := range s.AckedBy {
		if h == machineHash {
			return s.Status == SyncStatusCompleted
		}
	}
	// A late ack from a terminal outside the target set never reopens a
	// completed sync.
	if s.Status == SyncStatusCompleted {
		return false
	}
	s.AckedBy = append(s.AckedBy, machineHash)
	s.Status = SyncStatusInProgress

	if s.coveredAllTargets() {
		now := time.Now()
		s.Status = SyncStatusCompleted
		s.CompletedAt = &now
		return true
	}
	return false
}

func (s *TerminalStateSync) coveredAllTargets() bool {
	acked := make(map[string]bool, len(s.AckedBy))
	for _, h := range s.AckedBy {
		acked[h] = true
	}
	for _, t := range s.Targets {
		if !acked[t] {
			return false
		}
	}
	return true
}

// CoordinationEvent is the durable record of one broadcast pushed to the
// terminals of a license.
type CoordinationEvent struct {
	ID         uuid.UUID             `json:"id"`
	LicenseKey string                `json:"license_key"`
	EventType  SubscriptionEventType `json:"event_type"`
	Payload    json.RawMessage       `json:"payload,omitempty"`
	Targets    []string              `json:"targets,omitempty"`
	CreatedAt  time.Time             `json:"created_at"`
}
