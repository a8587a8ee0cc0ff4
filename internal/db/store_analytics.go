package db

import (
	"context"
	"fmt"
	"time"

	"github.com/aurorapos/aurora-server/internal/models"
	"github.com/jackc/pgx/v5"
)

// DeliveryStats is the raw aggregate the health recompute reads per license.
type DeliveryStats struct {
	LicenseKey   string
	Delivered    int64
	Failed       int64
	DeadLettered int64
	AvgAckMs     float64
}

// GetDeliveryStats aggregates delivery outcomes per license over a window.
// Failed counts failed attempts from the retry trail so a delivery that
// eventually succeeded still shows its earlier failures.
func (db *DB) GetDeliveryStats(ctx context.Context, since time.Time) ([]DeliveryStats, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT d.license_key,
			COUNT(*) FILTER (WHERE d.status = 'delivered'),
			COALESCE(SUM(h.failed_attempts), 0),
			COUNT(*) FILTER (WHERE d.status = 'dead_letter'),
			COALESCE(AVG(a.processing_time_ms), 0)
		FROM event_deliveries d
		LEFT JOIN event_acknowledgments a
			ON a.event_id = d.event_id AND a.machine_hash = d.machine_hash
		LEFT JOIN LATERAL (
			SELECT COUNT(*) AS failed_attempts FROM event_retry_history h
			WHERE h.event_id = d.event_id AND h.machine_hash = d.machine_hash
			  AND h.result = 'failed' AND h.created_at >= $1
		) h ON TRUE
		WHERE d.updated_at >= $1
		GROUP BY d.license_key
	`, since)
	if err != nil {
		return nil, fmt.Errorf("get delivery stats: %w", err)
	}
	defer rows.Close()

	var stats []DeliveryStats
	for rows.Next() {
		var s DeliveryStats
		if err := rows.Scan(&s.LicenseKey, &s.Delivered, &s.Failed, &s.DeadLettered, &s.AvgAckMs); err != nil {
			return nil, fmt.Errorf("scan delivery stats: %w", err)
		}
		stats = append(stats, s)
	}
	return stats, nil
}

// FailureSample aggregates one terminal's recent failed delivery attempts,
// the input to failure pattern detection.
type FailureSample struct {
	LicenseKey  string
	MachineHash string
	Failures    int64
	Timeouts    int64
	DeadLetters int64
	TopError    string
}

// GetFailureSamples groups failed attempts since a point in time by terminal.
// Timeouts are failures whose message names a missed ack deadline; TopError is
// the most frequent error message in the window.
func (db *DB) GetFailureSamples(ctx context.Context, since time.Time) ([]FailureSample, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT d.license_key, h.machine_hash,
			COUNT(*),
			COUNT(*) FILTER (WHERE h.error_message ILIKE '%deadline%' OR h.error_message ILIKE '%timeout%'),
			COALESCE(MODE() WITHIN GROUP (ORDER BY h.error_message), ''),
			(SELECT COUNT(*) FROM event_deliveries dd
				WHERE dd.license_key = d.license_key AND dd.machine_hash = h.machine_hash
				  AND dd.status = 'dead_letter' AND dd.updated_at >= $1)
		FROM event_retry_history h
		JOIN event_deliveries d ON d.event_id = h.event_id AND d.machine_hash = h.machine_hash
		WHERE h.result = 'failed' AND h.created_at >= $1
		GROUP BY d.license_key, h.machine_hash
	`, since)
	if err != nil {
		return nil, fmt.Errorf("get failure samples: %w", err)
	}
	defer rows.Close()

	var samples []FailureSample
	for rows.Next() {
		var s FailureSample
		if err := rows.Scan(&s.LicenseKey, &s.MachineHash, &s.Failures, &s.Timeouts, &s.TopError, &s.DeadLetters); err != nil {
			return nil, fmt.Errorf("scan failure sample: %w", err)
		}
		samples = append(samples, s)
	}
	return samples, nil
}

// UpsertLicenseHealth replaces the derived health row for a license.
func (db *DB) UpsertLicenseHealth(ctx context.Context, m *models.LicenseHealthMetric) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO license_health_metrics (license_key, window_start, window_end, delivered,
			failed, dead_lettered, avg_ack_ms, health_score, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (license_key) DO UPDATE SET
			window_start = EXCLUDED.window_start,
			window_end = EXCLUDED.window_end,
			delivered = EXCLUDED.delivered,
			failed = EXCLUDED.failed,
			dead_lettered = EXCLUDED.dead_lettered,
			avg_ack_ms = EXCLUDED.avg_ack_ms,
			health_score = EXCLUDED.health_score,
			updated_at = EXCLUDED.updated_at
	`, m.LicenseKey, m.WindowStart, m.WindowEnd, m.Delivered, m.Failed, m.DeadLettered,
		m.AvgAckMs, m.HealthScore, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert license health: %w", err)
	}
	return nil
}

// GetLicenseHealth returns the derived health row for a license, or nil.
func (db *DB) GetLicenseHealth(ctx context.Context, licenseKey string) (*models.LicenseHealthMetric, error) {
	var m models.LicenseHealthMetric
	err := db.Pool.QueryRow(ctx, `
		SELECT license_key, window_start, window_end, delivered, failed, dead_lettered,
			avg_ack_ms, health_score, updated_at
		FROM license_health_metrics
		WHERE license_key = $1
	`, licenseKey).Scan(&m.LicenseKey, &m.WindowStart, &m.WindowEnd, &m.Delivered, &m.Failed,
		&m.DeadLettered, &m.AvgAckMs, &m.HealthScore, &m.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get license health: %w", err)
	}
	return &m, nil
}

// UpsertFailurePattern records or bumps a detected failure pattern for one
// (license, terminal, pattern) triple.
func (db *DB) UpsertFailurePattern(ctx context.Context, p *models.FailurePattern) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO failure_patterns (id, license_key, machine_hash, pattern_type, occurrences,
			first_seen_at, last_seen_at, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (license_key, machine_hash, pattern_type) DO UPDATE SET
			occurrences = failure_patterns.occurrences + EXCLUDED.occurrences,
			last_seen_at = EXCLUDED.last_seen_at,
			details = EXCLUDED.details
	`, p.ID, p.LicenseKey, p.MachineHash, string(p.PatternType), p.Occurrences,
		p.FirstSeenAt, p.LastSeenAt, nullableString(p.Details))
	if err != nil {
		return fmt.Errorf("upsert failure pattern: %w", err)
	}
	return nil
}

// GetFailurePatterns returns the detected patterns for a license, most recent first.
func (db *DB) GetFailurePatterns(ctx context.Context, licenseKey string) ([]*models.FailurePattern, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, license_key, machine_hash, pattern_type, occurrences, first_seen_at, last_seen_at, details
		FROM failure_patterns
		WHERE license_key = $1
		ORDER BY last_seen_at DESC
	`, licenseKey)
	if err != nil {
		return nil, fmt.Errorf("get failure patterns: %w", err)
	}
	defer rows.Close()

	var patterns []*models.FailurePattern
	for rows.Next() {
		var p models.FailurePattern
		var patternType string
		var details *string
		if err := rows.Scan(&p.ID, &p.LicenseKey, &p.MachineHash, &patternType, &p.Occurrences,
			&p.FirstSeenAt, &p.LastSeenAt, &details); err != nil {
			return nil, fmt.Errorf("scan failure pattern: %w", err)
		}
		p.PatternType = models.FailurePatternType(patternType)
		if details != nil {
			p.Details = *details
		}
		patterns = append(patterns, &p)
	}
	return patterns, nil
}

// RecordPerformanceMetric appends one observation for trend analysis.
func (db *DB) RecordPerformanceMetric(ctx context.Context, m *models.PerformanceMetric) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO performance_metrics (id, metric_name, license_key, value, recorded_at)
		VALUES ($1, $2, $3, $4, $5)
	`, m.ID, m.MetricName, nullableString(m.LicenseKey), m.Value, m.RecordedAt)
	if err != nil {
		return fmt.Errorf("record performance metric: %w", err)
	}
	return nil
}

// GetPerformanceTrend returns observations for one metric since a point in
// time, oldest first.
func (db *DB) GetPerformanceTrend(ctx context.Context, metricName string, since time.Time) ([]*models.PerformanceMetric, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, metric_name, license_key, value, recorded_at
		FROM performance_metrics
		WHERE metric_name = $1 AND recorded_at >= $2
		ORDER BY recorded_at ASC
	`, metricName, since)
	if err != nil {
		return nil, fmt.Errorf("get performance trend: %w", err)
	}
	defer rows.Close()

	var metrics []*models.PerformanceMetric
	for rows.Next() {
		var m models.PerformanceMetric
		var licenseKey *string
		if err := rows.Scan(&m.ID, &m.MetricName, &licenseKey, &m.Value, &m.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan performance metric: %w", err)
		}
		if licenseKey != nil {
			m.LicenseKey = *licenseKey
		}
		metrics = append(metrics, &m)
	}
	return metrics, nil
}

// CleanupPerformanceMetrics deletes observations older than the retention window.
func (db *DB) CleanupPerformanceMetrics(ctx context.Context, retentionDays int) (int64, error) {
	tag, err := db.Pool.Exec(ctx, `
		DELETE FROM performance_metrics
		WHERE recorded_at < NOW() - make_interval(days => $1)
	`, retentionDays)
	if err != nil {
		return 0, fmt.Errorf("cleanup performance metrics: %w", err)
	}
	return tag.RowsAffected(), nil
}
