package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/aurorapos/aurora-server/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// AnalyticsService reads delivery health and failure pattern data.
type AnalyticsService interface {
	Health(ctx context.Context, licenseKey string) (*models.LicenseHealthMetric, error)
	Patterns(ctx context.Context, licenseKey string) ([]*models.FailurePattern, error)
	Trend(ctx context.Context, metricName string, since time.Time) ([]*models.PerformanceMetric, error)
}

// AnalyticsHandler handles delivery analytics HTTP endpoints.
type AnalyticsHandler struct {
	service AnalyticsService
	logger  zerolog.Logger
}

// NewAnalyticsHandler creates a new AnalyticsHandler.
func NewAnalyticsHandler(service AnalyticsService, logger zerolog.Logger) *AnalyticsHandler {
	return &AnalyticsHandler{
		service: service,
		logger:  logger.With().Str("component", "analytics_handler").Logger(),
	}
}

// RegisterRoutes registers analytics routes on the given router group.
func (h *AnalyticsHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/licenses/:key/health", h.Health)
	r.GET("/licenses/:key/patterns", h.Patterns)
	r.GET("/analytics/trends/:metric", h.Trend)
}

// Health returns the delivery health score for a license.
// GET /api/v1/licenses/:key/health
func (h *AnalyticsHandler) Health(c *gin.Context) {
	metric, err := h.service.Health(c.Request.Context(), c.Param("key"))
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to load license health")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load license health"})
		return
	}
	if metric == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no health data for license"})
		return
	}

	c.JSON(http.StatusOK, metric)
}

// Patterns returns detected failure patterns for a license.
// GET /api/v1/licenses/:key/patterns
func (h *AnalyticsHandler) Patterns(c *gin.Context) {
	patterns, err := h.service.Patterns(c.Request.Context(), c.Param("key"))
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to load failure patterns")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load failure patterns"})
		return
	}
	if patterns == nil {
		patterns = []*models.FailurePattern{}
	}

	c.JSON(http.StatusOK, gin.H{"patterns": patterns})
}

// Trend returns observations of one performance metric over time.
// GET /api/v1/analytics/trends/:metric?since=RFC3339
func (h *AnalyticsHandler) Trend(c *gin.Context) {
	since := time.Now().Add(-7 * 24 * time.Hour)
	if raw := c.Query("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC3339"})
			return
		}
		since = parsed
	}

	points, err := h.service.Trend(c.Request.Context(), c.Param("metric"), since)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to load metric trend")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load metric trend"})
		return
	}
	if points == nil {
		points = []*models.PerformanceMetric{}
	}

	c.JSON(http.StatusOK, gin.H{"metric": c.Param("metric"), "points": points})
}
