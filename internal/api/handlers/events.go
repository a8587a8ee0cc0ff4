package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/aurorapos/aurora-server/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// replayWindow bounds how far back a reconnecting terminal can request
// missed events. Older events have expired and are no longer replayable.
const replayWindow = 24 * time.Hour

// AckCoordinator records terminal acknowledgements for delivered events.
type AckCoordinator interface {
	Ack(ctx context.Context, eventID uuid.UUID, machineHash string, status models.AckStatus, errMsg string, processingMs int64) (bool, error)
}

// EventStore reads persisted subscription events for replay.
type EventStore interface {
	GetEventsSince(ctx context.Context, licenseKey string, since time.Time) ([]*models.SubscriptionEvent, error)
}

// EventsHandler handles event acknowledgement and replay endpoints.
type EventsHandler struct {
	coordinator AckCoordinator
	store       EventStore
	logger      zerolog.Logger
}

// NewEventsHandler creates a new EventsHandler.
func NewEventsHandler(coordinator AckCoordinator, store EventStore, logger zerolog.Logger) *EventsHandler {
	return &EventsHandler{
		coordinator: coordinator,
		store:       store,
		logger:      logger.With().Str("component", "events_handler").Logger(),
	}
}

// RegisterRoutes registers event routes on the given router group.
func (h *EventsHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/events/:id/ack", h.Ack)
	r.GET("/licenses/:key/events", h.Replay)
}

// ackRequest is the body for acknowledging a delivered event.
type ackRequest struct {
	MachineHash  string `json:"machine_hash" binding:"required"`
	Status       string `json:"status" binding:"required"`
	ErrorMessage string `json:"error_message"`
	ProcessingMs int64  `json:"processing_ms"`
}

// Ack records a terminal's processing outcome for an event.
// POST /api/v1/events/:id/ack
func (h *EventsHandler) Ack(c *gin.Context) {
	eventID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event ID"})
		return
	}

	var req ackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	status := models.AckStatus(req.Status)
	switch status {
	case models.AckStatusSuccess, models.AckStatusFailed, models.AckStatusSkipped:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "status must be success, failed, or skipped"})
		return
	}

	recorded, err := h.coordinator.Ack(c.Request.Context(), eventID, req.MachineHash, status, req.ErrorMessage, req.ProcessingMs)
	if err != nil {
		h.logger.Error().Err(err).Str("event_id", eventID.String()).Msg("failed to record ack")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record acknowledgement"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"recorded": recorded})
}

// Replay returns events published for a license since the given time, for
// terminals catching up after a disconnect.
// GET /api/v1/licenses/:key/events?since=RFC3339
func (h *EventsHandler) Replay(c *gin.Context) {
	licenseKey := c.Param("key")

	since := time.Now().Add(-replayWindow)
	clamped := false
	if raw := c.Query("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC3339"})
			return
		}
		// Clamp to the replay window; anything older has expired. The
		// terminal may have missed events that no longer exist, so tell
		// it to fall back to a full license validation.
		if parsed.After(since) {
			since = parsed
		} else {
			clamped = true
		}
	}

	events, err := h.store.GetEventsSince(c.Request.Context(), licenseKey, since)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to load events for replay")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load events"})
		return
	}

	envelopes := make([]models.Envelope, 0, len(events))
	for _, ev := range events {
		envelopes = append(envelopes, ev.Envelope())
	}

	resp := gin.H{
		"events": envelopes,
		"count":  len(envelopes),
		"since":  since,
	}
	if clamped {
		resp["requires_full_validation"] = true
	}
	c.JSON(http.StatusOK, resp)
}
