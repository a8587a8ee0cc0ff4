package models

import (
	"time"

	"github.com/google/uuid"
)

// LicenseHealthMetric is the derived per-license delivery health aggregate.
// Rebuildable at any time from the delivery and retry tables.
type LicenseHealthMetric struct {
	LicenseKey   string    `json:"license_key"`
	WindowStart  time.Time `json:"window_start"`
	WindowEnd    time.Time `json:"window_end"`
	Delivered    int64     `json:"delivered"`
	Failed       int64     `json:"failed"`
	DeadLettered int64     `json:"dead_lettered"`
	AvgAckMs     float64   `json:"avg_ack_ms"`
	HealthScore  float64   `json:"health_score"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Score computes the 0-100 health score: the delivery success ratio, with
// dead-lettered deliveries weighted double since they required operator
// intervention.
func (m *LicenseHealthMetric) Score() float64 {
	total := m.Delivered + m.Failed + 2*m.DeadLettered
	if total == 0 {
		return 100
	}
	return 100 * float64(m.Delivered) / float64(total)
}

// FailurePatternType classifies a recurring delivery failure shape.
type FailurePatternType string

const (
	// PatternRepeatedTimeout is the same terminal timing out on consecutive events.
	PatternRepeatedTimeout FailurePatternType = "repeated_timeout"
	// PatternRepeatedError is the same error message recurring for a terminal.
	PatternRepeatedError FailurePatternType = "repeated_error"
	// PatternChronicOffline is a terminal dead-lettering across multiple events.
	PatternChronicOffline FailurePatternType = "chronic_offline"
)

// FailurePattern is a detected recurring failure for (license, terminal).
type FailurePattern struct {
	ID          uuid.UUID          `json:"id"`
	LicenseKey  string             `json:"license_key"`
	MachineHash string             `json:"machine_hash"`
	PatternType FailurePatternType `json:"pattern_type"`
	Occurrences int                `json:"occurrences"`
	FirstSeenAt time.Time          `json:"first_seen_at"`
	LastSeenAt  time.Time          `json:"last_seen_at"`
	Details     string             `json:"details,omitempty"`
}

// PerformanceMetric is a point-in-time observation of a named delivery
// performance figure, kept for trend analysis.
type PerformanceMetric struct {
	ID         uuid.UUID `json:"id"`
	MetricName string    `json:"metric_name"`
	LicenseKey string    `json:"license_key,omitempty"`
	Value      float64   `json:"value"`
	RecordedAt time.Time `json:"recorded_at"`
}
