// Package maintenance runs the periodic housekeeping jobs: stale session
// eviction, event log garbage collection, ledger cleanup, dead-letter
// archival and analytics recomputes.
package maintenance

import (
	"context"
	"errors"
	"sync"

	"github.com/aurorapos/aurora-server/internal/models"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Store defines the cleanup operations the scheduler drives.
type Store interface {
	CleanupExpiredEvents(ctx context.Context) (int64, error)
	CleanupWebhookEvents(ctx context.Context, retentionDays int) (int64, error)
	GetPurgeableDeadLetters(ctx context.Context, retentionDays, limit int) ([]*models.DeadLetterEntry, error)
	DeleteDeadLetterEntries(ctx context.Context, ids []uuid.UUID) (int64, error)
	PurgeClosedDeadLetters(ctx context.Context, retentionDays int) (int64, error)
	CleanupPerformanceMetrics(ctx context.Context, retentionDays int) (int64, error)
}

// StaleDetector evicts connected sessions whose heartbeats stopped.
type StaleDetector interface {
	DetectStale(ctx context.Context) (int, error)
}

// Analytics recomputes the derived delivery analytics.
type Analytics interface {
	RecomputeHealth(ctx context.Context) (int, error)
	DetectFailurePatterns(ctx context.Context) (int, error)
}

// DeadLetterArchiver copies closed dead-letter entries to long-term storage
// before they are purged.
type DeadLetterArchiver interface {
	Archive(ctx context.Context, entries []*models.DeadLetterEntry) error
}

// Config holds the job schedules and retention windows.
type Config struct {
	StaleSweepSchedule      string
	EventGCSchedule         string
	WebhookCleanupSchedule  string
	DeadLetterPurgeSchedule string
	MetricsCleanupSchedule  string
	HealthRecomputeSchedule string
	PatternDetectSchedule   string

	WebhookRetentionDays    int
	DeadLetterRetentionDays int
	MetricsRetentionDays    int
	ArchiveBatch            int
}

// DefaultConfig returns the default maintenance schedule.
func DefaultConfig() Config {
	return Config{
		StaleSweepSchedule:      "* * * * *",
		EventGCSchedule:         "@hourly",
		WebhookCleanupSchedule:  "0 3 * * *",
		DeadLetterPurgeSchedule: "0 4 * * *",
		MetricsCleanupSchedule:  "30 4 * * *",
		HealthRecomputeSchedule: "*/15 * * * *",
		PatternDetectSchedule:   "@hourly",
		WebhookRetentionDays:    30,
		DeadLetterRetentionDays: 30,
		MetricsRetentionDays:    90,
		ArchiveBatch:            500,
	}
}

// Scheduler owns the cron runner for all housekeeping jobs.
type Scheduler struct {
	store     Store
	sessions  StaleDetector
	analytics Analytics
	archiver  DeadLetterArchiver // nil disables archival before purge
	cfg       Config
	cron      *cron.Cron
	logger    zerolog.Logger
	mu        sync.Mutex
	running   bool
}

// NewScheduler creates the maintenance scheduler. archiver may be nil, in
// which case closed dead-letter entries are purged without archival.
func NewScheduler(store Store, sessions StaleDetector, analytics Analytics, archiver DeadLetterArchiver, cfg Config, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		store:     store,
		sessions:  sessions,
		analytics: analytics,
		archiver:  archiver,
		cfg:       cfg,
		cron:      cron.New(),
		logger:    logger.With().Str("component", "maintenance").Logger(),
	}
}

// Start registers and begins all scheduled jobs.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("maintenance scheduler already running")
	}

	jobs := []struct {
		schedule string
		run      func()
	}{
		{s.cfg.StaleSweepSchedule, s.RunStaleSweep},
		{s.cfg.EventGCSchedule, s.RunEventGC},
		{s.cfg.WebhookCleanupSchedule, s.RunWebhookCleanup},
		{s.cfg.DeadLetterPurgeSchedule, s.RunDeadLetterPurge},
		{s.cfg.MetricsCleanupSchedule, s.RunMetricsCleanup},
		{s.cfg.HealthRecomputeSchedule, s.RunHealthRecompute},
		{s.cfg.PatternDetectSchedule, s.RunPatternDetection},
	}
	for _, job := range jobs {
		if _, err := s.cron.AddFunc(job.schedule, job.run); err != nil {
			return err
		}
	}

	s.cron.Start()
	s.running = true
	s.logger.Info().Msg("maintenance scheduler started")
	return nil
}

// Stop stops the scheduler gracefully and returns a context that is done when
// running jobs have finished.
func (s *Scheduler) Stop() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}

	s.running = false
	s.logger.Info().Msg("stopping maintenance scheduler")
	return s.cron.Stop()
}

// RunStaleSweep force-disconnects sessions whose heartbeats stopped.
func (s *Scheduler) RunStaleSweep() {
	evicted, err := s.sessions.DetectStale(context.Background())
	if err != nil {
		s.logger.Error().Err(err).Msg("stale session sweep failed")
		return
	}
	if evicted > 0 {
		s.logger.Info().Int("evicted", evicted).Msg("stale sessions evicted")
	}
}

// RunEventGC deletes subscription events past the replay retention window.
func (s *Scheduler) RunEventGC() {
	deleted, err := s.store.CleanupExpiredEvents(context.Background())
	if err != nil {
		s.logger.Error().Err(err).Msg("event garbage collection failed")
		return
	}
	if deleted > 0 {
		s.logger.Info().Int64("deleted", deleted).Msg("expired events removed")
	}
}

// RunWebhookCleanup trims the webhook idempotency ledger.
func (s *Scheduler) RunWebhookCleanup() {
	deleted, err := s.store.CleanupWebhookEvents(context.Background(), s.cfg.WebhookRetentionDays)
	if err != nil {
		s.logger.Error().Err(err).Msg("webhook ledger cleanup failed")
		return
	}
	s.logger.Info().
		Int64("deleted", deleted).
		Int("retention_days", s.cfg.WebhookRetentionDays).
		Msg("webhook ledger cleaned")
}

// RunDeadLetterPurge archives closed dead-letter entries past retention and
// deletes them batch by batch. When archival fails the batch stays in the
// queue for the next run; without an archiver the purge is a plain delete.
func (s *Scheduler) RunDeadLetterPurge() {
	ctx := context.Background()

	if s.archiver == nil {
		purged, err := s.store.PurgeClosedDeadLetters(ctx, s.cfg.DeadLetterRetentionDays)
		if err != nil {
			s.logger.Error().Err(err).Msg("dead letter purge failed")
			return
		}
		if purged > 0 {
			s.logger.Info().Int64("purged", purged).Msg("closed dead letters purged")
		}
		return
	}

	for {
		entries, err := s.store.GetPurgeableDeadLetters(ctx, s.cfg.DeadLetterRetentionDays, s.cfg.ArchiveBatch)
		if err != nil {
			s.logger.Error().Err(err).Msg("listing purgeable dead letters failed")
			return
		}
		if len(entries) == 0 {
			return
		}
		if err := s.archiver.Archive(ctx, entries); err != nil {
			s.logger.Error().Err(err).Msg("dead letter archival failed, purge skipped")
			return
		}

		ids := make([]uuid.UUID, len(entries))
		for i, e := range entries {
			ids[i] = e.ID
		}
		purged, err := s.store.DeleteDeadLetterEntries(ctx, ids)
		if err != nil {
			s.logger.Error().Err(err).Msg("dead letter purge failed")
			return
		}
		s.logger.Info().Int64("purged", purged).Msg("dead letters archived and purged")
		if len(entries) < s.cfg.ArchiveBatch {
			return
		}
	}
}

// RunMetricsCleanup trims old performance observations.
func (s *Scheduler) RunMetricsCleanup() {
	deleted, err := s.store.CleanupPerformanceMetrics(context.Background(), s.cfg.MetricsRetentionDays)
	if err != nil {
		s.logger.Error().Err(err).Msg("performance metrics cleanup failed")
		return
	}
	s.logger.Info().Int64("deleted", deleted).Msg("old performance metrics removed")
}

// RunHealthRecompute rebuilds the per-license health aggregates.
func (s *Scheduler) RunHealthRecompute() {
	if _, err := s.analytics.RecomputeHealth(context.Background()); err != nil {
		s.logger.Error().Err(err).Msg("health recompute failed")
	}
}

// RunPatternDetection scans recent failures for recurring patterns.
func (s *Scheduler) RunPatternDetection() {
	if _, err := s.analytics.DetectFailurePatterns(context.Background()); err != nil {
		s.logger.Error().Err(err).Msg("failure pattern detection failed")
	}
}
