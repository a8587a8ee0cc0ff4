// Package main is the entrypoint for the Aurora subscription event server.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aurorapos/aurora-server/internal/analytics"
	"github.com/aurorapos/aurora-server/internal/api"
	"github.com/aurorapos/aurora-server/internal/billing"
	"github.com/aurorapos/aurora-server/internal/config"
	"github.com/aurorapos/aurora-server/internal/db"
	"github.com/aurorapos/aurora-server/internal/delivery"
	"github.com/aurorapos/aurora-server/internal/lifecycle"
	"github.com/aurorapos/aurora-server/internal/maintenance"
	"github.com/aurorapos/aurora-server/internal/metrics"
	"github.com/aurorapos/aurora-server/internal/terminals"
	"github.com/rs/zerolog"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("version", Version).Logger()
	if os.Getenv("ENV") != string(config.EnvProduction) {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	logger.Info().
		Str("version", Version).
		Str("commit", Commit).
		Str("build_date", BuildDate).
		Msg("Starting Aurora server")

	// Load configuration
	cfg := config.LoadServerConfig()
	if cfg.DatabaseURL == "" {
		logger.Fatal().Msg("DATABASE_URL environment variable is required")
		return 1
	}
	if cfg.StripeWebhookSecret == "" {
		logger.Fatal().Msg("STRIPE_WEBHOOK_SECRET environment variable is required")
		return 1
	}

	// Load the plan catalog
	catalog, err := config.LoadPlanCatalog(cfg.PlanCatalogPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.PlanCatalogPath).Msg("Failed to load plan catalog")
		return 1
	}

	// Connect to database
	database, err := db.New(ctx, db.DefaultConfig(cfg.DatabaseURL), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to database")
		return 1
	}
	defer database.Close()

	// Run migrations
	if err := database.Migrate(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to run database migrations")
		return 1
	}

	// Prometheus metrics and the gauge collector
	m := metrics.New()
	collector := metrics.NewCollector(database, m, 30*time.Second, logger)
	collector.Start(ctx)
	defer collector.Stop()

	// Websocket feed for connected terminals
	feed := terminals.NewFeed(terminals.DefaultConfig(), logger)

	// Delivery coordinator pushes events over the feed
	deliveryCfg := delivery.DefaultConfig()
	deliveryCfg.Policy.MaxAttempts = cfg.RetryMaxAttempts
	deliveryCfg.Policy.BaseDelay = cfg.RetryBaseDelay
	deliveryCfg.Policy.MaxDelay = cfg.RetryMaxDelay
	deliveryCfg.DispatchTimeout = cfg.RetryAckTimeout
	coordinator := delivery.NewCoordinator(database, feed, deliveryCfg, m, logger)

	// Terminal registry; channel drops count as disconnects
	registry := terminals.NewRegistry(database, coordinator, logger)
	feed.SetDisconnectHandler(registry.OnChannelDrop)
	feed.Start()
	defer feed.Stop()

	coordinator.Start(ctx)
	defer coordinator.Stop()

	// License lifecycle and billing webhook processing
	lifecycleSvc := lifecycle.NewService(database, catalog, coordinator, logger)
	processor := billing.NewProcessor(database, lifecycleSvc, catalog, m, cfg.StripeWebhookSecret, logger)

	// Cross-terminal broadcasts and state sync
	broadcaster := terminals.NewBroadcaster(database, coordinator, logger)

	// Delivery analytics
	analyticsSvc := analytics.NewService(database, analytics.DefaultConfig(), logger)

	// Dead-letter review
	deadLetters := delivery.NewDeadLetterHandler(database, logger)

	// Background maintenance jobs, with optional S3 dead-letter archival
	var archiver maintenance.DeadLetterArchiver
	if cfg.ArchiveBucket != "" {
		s3Archiver, err := maintenance.NewS3Archiver(ctx, cfg.ArchiveBucket, cfg.ArchiveRegion, logger)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to initialize dead-letter archiver (continuing without archival)")
		} else {
			archiver = s3Archiver
		}
	}
	scheduler := maintenance.NewScheduler(database, registry, analyticsSvc, archiver, maintenance.DefaultConfig(), logger)
	if err := scheduler.Start(); err != nil {
		logger.Error().Err(err).Msg("Failed to start maintenance scheduler")
	}
	defer scheduler.Stop()

	// Build API router
	routerCfg := api.DefaultConfig()
	routerCfg.Environment = cfg.Environment
	routerCfg.AllowedOrigins = cfg.CORSOrigins
	routerCfg.RedisURL = cfg.RedisURL

	router, err := api.NewRouter(routerCfg, api.Deps{
		Database:     database,
		Registry:     registry,
		Feed:         feed,
		Coordinator:  coordinator,
		Events:       database,
		Coordination: broadcaster,
		DeadLetters:  deadLetters,
		Webhooks:     processor,
		Analytics:    analyticsSvc,
		Metrics:      m,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize router")
		return 1
	}

	// Start HTTP server
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router.Engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	logger.Info().Str("signal", sig.String()).Msg("Shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server shutdown error")
		return 1
	}

	logger.Info().Msg("Server stopped gracefully")
	return 0
}
