// Package analytics derives per-license delivery health and recurring failure
// patterns from the delivery audit trail.
package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/aurorapos/aurora-server/internal/db"
	"github.com/aurorapos/aurora-server/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Store defines the persistence operations the analytics service needs.
type Store interface {
	GetDeliveryStats(ctx context.Context, since time.Time) ([]db.DeliveryStats, error)
	GetFailureSamples(ctx context.Context, since time.Time) ([]db.FailureSample, error)
	UpsertLicenseHealth(ctx context.Context, m *models.LicenseHealthMetric) error
	GetLicenseHealth(ctx context.Context, licenseKey string) (*models.LicenseHealthMetric, error)
	UpsertFailurePattern(ctx context.Context, p *models.FailurePattern) error
	GetFailurePatterns(ctx context.Context, licenseKey string) ([]*models.FailurePattern, error)
	RecordPerformanceMetric(ctx context.Context, m *models.PerformanceMetric) error
	GetPerformanceTrend(ctx context.Context, metricName string, since time.Time) ([]*models.PerformanceMetric, error)
}

// Config holds the tunable windows and thresholds for the derived analytics.
type Config struct {
	// StatsWindow is how far back the health recompute aggregates.
	StatsWindow time.Duration
	// PatternWindow is how far back pattern detection looks. It should match
	// the detection cadence so occurrences are not double counted.
	PatternWindow time.Duration
	// TimeoutThreshold is the failed-timeout count that flags repeated_timeout.
	TimeoutThreshold int64
	// ErrorThreshold is the failure count that flags repeated_error.
	ErrorThreshold int64
	// DeadLetterThreshold is the dead-letter count that flags chronic_offline.
	DeadLetterThreshold int64
}

// DefaultConfig returns the default analytics tuning.
func DefaultConfig() Config {
	return Config{
		StatsWindow:         24 * time.Hour,
		PatternWindow:       time.Hour,
		TimeoutThreshold:    3,
		ErrorThreshold:      3,
		DeadLetterThreshold: 2,
	}
}

// Service recomputes derived delivery analytics. Every figure it writes can
// be rebuilt from the delivery and retry tables.
type Service struct {
	store  Store
	cfg    Config
	logger zerolog.Logger
}

// NewService creates an analytics service.
func NewService(store Store, cfg Config, logger zerolog.Logger) *Service {
	return &Service{
		store:  store,
		cfg:    cfg,
		logger: logger.With().Str("component", "analytics").Logger(),
	}
}

// RecomputeHealth rebuilds the per-license health aggregates over the stats
// window and records trend observations. It returns the number of licenses
// updated.
func (s *Service) RecomputeHealth(ctx context.Context) (int, error) {
	now := time.Now()
	since := now.Add(-s.cfg.StatsWindow)

	stats, err := s.store.GetDeliveryStats(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("aggregate delivery stats: %w", err)
	}

	updated := 0
	for _, st := range stats {
		metric := &models.LicenseHealthMetric{
			LicenseKey:   st.LicenseKey,
			WindowStart:  since,
			WindowEnd:    now,
			Delivered:    st.Delivered,
			Failed:       st.Failed,
			DeadLettered: st.DeadLettered,
			AvgAckMs:     st.AvgAckMs,
			UpdatedAt:    now,
		}
		metric.HealthScore = metric.Score()

		if err := s.store.UpsertLicenseHealth(ctx, metric); err != nil {
			s.logger.Error().Err(err).Str("license_key", st.LicenseKey).Msg("failed to upsert license health")
			continue
		}
		updated++

		s.recordObservation(ctx, "health_score", st.LicenseKey, metric.HealthScore, now)
		if st.AvgAckMs > 0 {
			s.recordObservation(ctx, "avg_ack_ms", st.LicenseKey, st.AvgAckMs, now)
		}
	}

	s.logger.Info().Int("licenses", updated).Msg("license health recomputed")
	return updated, nil
}

// DetectFailurePatterns scans recent failed attempts for recurring shapes and
// records them. It returns the number of patterns flagged.
func (s *Service) DetectFailurePatterns(ctx context.Context) (int, error) {
	now := time.Now()
	since := now.Add(-s.cfg.PatternWindow)

	samples, err := s.store.GetFailureSamples(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("sample recent failures: %w", err)
	}

	flagged := 0
	for _, sample := range samples {
		for _, p := range s.classify(sample, since, now) {
			if err := s.store.UpsertFailurePattern(ctx, p); err != nil {
				s.logger.Error().Err(err).
					Str("license_key", p.LicenseKey).
					Str("machine_hash", p.MachineHash).
					Str("pattern", string(p.PatternType)).
					Msg("failed to record failure pattern")
				continue
			}
			flagged++

			s.logger.Warn().
				Str("license_key", p.LicenseKey).
				Str("machine_hash", p.MachineHash).
				Str("pattern", string(p.PatternType)).
				Int("occurrences", p.Occurrences).
				Msg("failure pattern detected")
		}
	}
	return flagged, nil
}

// classify maps one terminal's failure sample to zero or more patterns.
func (s *Service) classify(sample db.FailureSample, since, now time.Time) []*models.FailurePattern {
	var patterns []*models.FailurePattern

	add := func(t models.FailurePatternType, occurrences int64, details string) {
		patterns = append(patterns, &models.FailurePattern{
			ID:          uuid.New(),
			LicenseKey:  sample.LicenseKey,
			MachineHash: sample.MachineHash,
			PatternType: t,
			Occurrences: int(occurrences),
			FirstSeenAt: since,
			LastSeenAt:  now,
			Details:     details,
		})
	}

	if sample.DeadLetters >= s.cfg.DeadLetterThreshold {
		add(models.PatternChronicOffline, sample.DeadLetters,
			fmt.Sprintf("%d deliveries dead-lettered", sample.DeadLetters))
	}
	if sample.Timeouts >= s.cfg.TimeoutThreshold {
		add(models.PatternRepeatedTimeout, sample.Timeouts,
			fmt.Sprintf("%d attempts missed the ack deadline", sample.Timeouts))
	} else if sample.Failures >= s.cfg.ErrorThreshold {
		add(models.PatternRepeatedError, sample.Failures, sample.TopError)
	}

	return patterns
}

// Health returns the derived health aggregate for a license, or nil when no
// deliveries fell inside the window.
func (s *Service) Health(ctx context.Context, licenseKey string) (*models.LicenseHealthMetric, error) {
	return s.store.GetLicenseHealth(ctx, licenseKey)
}

// Patterns returns the detected failure patterns for a license.
func (s *Service) Patterns(ctx context.Context, licenseKey string) ([]*models.FailurePattern, error) {
	return s.store.GetFailurePatterns(ctx, licenseKey)
}

// Trend returns observations of one named metric since a point in time.
func (s *Service) Trend(ctx context.Context, metricName string, since time.Time) ([]*models.PerformanceMetric, error) {
	return s.store.GetPerformanceTrend(ctx, metricName, since)
}

func (s *Service) recordObservation(ctx context.Context, name, licenseKey string, value float64, at time.Time) {
	err := s.store.RecordPerformanceMetric(ctx, &models.PerformanceMetric{
		ID:         uuid.New(),
		MetricName: name,
		LicenseKey: licenseKey,
		Value:      value,
		RecordedAt: at,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("metric", name).Msg("failed to record observation")
	}
}
