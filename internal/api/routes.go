// Package api provides the HTTP API for the Aurora server.
package api

import (
	"github.com/aurorapos/aurora-server/internal/api/handlers"
	"github.com/aurorapos/aurora-server/internal/api/middleware"
	"github.com/aurorapos/aurora-server/internal/config"
	"github.com/aurorapos/aurora-server/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Config holds configuration for the API router.
type Config struct {
	// Environment controls CORS strictness.
	Environment config.Environment
	// AllowedOrigins for CORS. Empty means all origins allowed in dev mode.
	AllowedOrigins []string
	// RateLimitRequests is the number of requests allowed per period.
	RateLimitRequests int64
	// RateLimitPeriod is the duration string for rate limiting (e.g. "1m", "1h").
	RateLimitPeriod string
	// RedisURL, when set, shares rate limit state across replicas.
	RedisURL string
	// MaxBodyBytes limits request body size on API routes.
	MaxBodyBytes int64
}

// DefaultConfig returns a Config with sensible defaults for development.
func DefaultConfig() Config {
	return Config{
		Environment:       config.EnvDevelopment,
		AllowedOrigins:    []string{},
		RateLimitRequests: 300,
		RateLimitPeriod:   "1m",
		MaxBodyBytes:      1 << 20,
	}
}

// Deps bundles the services the router exposes over HTTP.
type Deps struct {
	Database     handlers.DatabaseHealthChecker
	Registry     handlers.TerminalRegistry
	Feed         handlers.TerminalFeed
	Coordinator  handlers.AckCoordinator
	Events       handlers.EventStore
	Coordination handlers.CoordinationService
	DeadLetters  handlers.DeadLetterService
	Webhooks     handlers.WebhookProcessor
	Analytics    handlers.AnalyticsService
	Metrics      *metrics.Metrics
}

// Router wraps a Gin engine with configured middleware and routes.
type Router struct {
	Engine *gin.Engine
	logger zerolog.Logger
}

// NewRouter creates a new Router with the given dependencies.
func NewRouter(cfg Config, deps Deps, logger zerolog.Logger) (*Router, error) {
	r := &Router{
		Engine: gin.New(),
		logger: logger.With().Str("component", "router").Logger(),
	}

	// Global middleware
	r.Engine.Use(gin.Recovery())
	r.Engine.Use(middleware.RequestLogger(logger))
	r.Engine.Use(middleware.CORS(cfg.AllowedOrigins, cfg.Environment))

	// Health check endpoints (no rate limit)
	healthHandler := handlers.NewHealthHandler(deps.Database, logger)
	healthHandler.RegisterPublicRoutes(r.Engine)

	// Prometheus metrics endpoint
	if deps.Metrics != nil {
		r.Engine.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	// Stripe webhook endpoint. Signature-authenticated, body capped by the
	// handler itself.
	webhooksHandler := handlers.NewWebhooksHandler(deps.Webhooks, logger)
	webhooksHandler.RegisterPublicRoutes(r.Engine)

	terminalsHandler := handlers.NewTerminalsHandler(deps.Registry, deps.Feed, logger)

	// Websocket feed endpoint, outside the rate-limited group so long-lived
	// connections are not throttled.
	terminalsHandler.RegisterFeedRoutes(r.Engine)

	// API v1 routes
	rateLimiter, err := middleware.NewRateLimiter(cfg.RateLimitRequests, cfg.RateLimitPeriod, cfg.RedisURL)
	if err != nil {
		return nil, err
	}

	apiV1 := r.Engine.Group("/api/v1")
	apiV1.Use(rateLimiter)
	apiV1.Use(middleware.BodyLimit(cfg.MaxBodyBytes))

	terminalsHandler.RegisterRoutes(apiV1)

	eventsHandler := handlers.NewEventsHandler(deps.Coordinator, deps.Events, logger)
	eventsHandler.RegisterRoutes(apiV1)

	coordinationHandler := handlers.NewCoordinationHandler(deps.Coordination, logger)
	coordinationHandler.RegisterRoutes(apiV1)

	deadLettersHandler := handlers.NewDeadLettersHandler(deps.DeadLetters, logger)
	deadLettersHandler.RegisterRoutes(apiV1)

	analyticsHandler := handlers.NewAnalyticsHandler(deps.Analytics, logger)
	analyticsHandler.RegisterRoutes(apiV1)

	r.logger.Info().Msg("API router initialized")
	return r, nil
}
