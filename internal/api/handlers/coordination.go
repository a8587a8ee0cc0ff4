package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/aurorapos/aurora-server/internal/models"
	"github.com/aurorapos/aurora-server/internal/terminals"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// CoordinationService fans operator broadcasts and terminal state syncs out
// to connected terminals.
type CoordinationService interface {
	Broadcast(ctx context.Context, licenseKey string, eventType models.SubscriptionEventType, payload json.RawMessage, targets []string) (*models.CoordinationEvent, error)
	SynchronizeState(ctx context.Context, licenseKey, syncType, sourceHash string, data json.RawMessage, targets []string) (*models.TerminalStateSync, error)
	AcknowledgeSync(ctx context.Context, syncID uuid.UUID, machineHash string) (*models.TerminalStateSync, bool, error)
	ListSyncs(ctx context.Context, licenseKey string, limit int) ([]*models.TerminalStateSync, error)
	ListBroadcasts(ctx context.Context, licenseKey string, limit int) ([]*models.CoordinationEvent, error)
}

// CoordinationHandler handles broadcast and state sync HTTP endpoints.
type CoordinationHandler struct {
	service CoordinationService
	logger  zerolog.Logger
}

// NewCoordinationHandler creates a new CoordinationHandler.
func NewCoordinationHandler(service CoordinationService, logger zerolog.Logger) *CoordinationHandler {
	return &CoordinationHandler{
		service: service,
		logger:  logger.With().Str("component", "coordination_handler").Logger(),
	}
}

// RegisterRoutes registers coordination routes on the given router group.
func (h *CoordinationHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/licenses/:key/broadcasts", h.ListBroadcasts)
	r.POST("/licenses/:key/broadcasts", h.Broadcast)
	r.GET("/licenses/:key/syncs", h.ListSyncs)
	r.POST("/licenses/:key/syncs", h.StartSync)
	r.POST("/syncs/:id/ack", h.AckSync)
}

// broadcastRequest is the body for publishing a coordination broadcast.
type broadcastRequest struct {
	EventType string          `json:"event_type" binding:"required"`
	Payload   json.RawMessage `json:"payload" binding:"required"`
	Targets   []string        `json:"targets"`
}

// syncRequest is the body for starting a terminal state sync.
type syncRequest struct {
	SyncType   string          `json:"sync_type" binding:"required"`
	SourceHash string          `json:"source_hash" binding:"required"`
	Data       json.RawMessage `json:"data" binding:"required"`
	Targets    []string        `json:"targets"`
}

// syncAckRequest is the body for acknowledging a state sync.
type syncAckRequest struct {
	MachineHash string `json:"machine_hash" binding:"required"`
}

// Broadcast publishes an event to some or all terminals under a license.
// POST /api/v1/licenses/:key/broadcasts
func (h *CoordinationHandler) Broadcast(c *gin.Context) {
	licenseKey := c.Param("key")

	var req broadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	event, err := h.service.Broadcast(c.Request.Context(), licenseKey, models.SubscriptionEventType(req.EventType), req.Payload, req.Targets)
	if err != nil {
		if errors.Is(err, terminals.ErrInvalidBroadcast) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "payload does not match event type"})
			return
		}
		h.logger.Error().Err(err).Str("event_type", req.EventType).Msg("failed to broadcast")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to broadcast"})
		return
	}

	c.JSON(http.StatusCreated, event)
}

// ListBroadcasts returns recent coordination broadcasts for a license.
// GET /api/v1/licenses/:key/broadcasts
func (h *CoordinationHandler) ListBroadcasts(c *gin.Context) {
	events, err := h.service.ListBroadcasts(c.Request.Context(), c.Param("key"), queryLimit(c))
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to list broadcasts")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list broadcasts"})
		return
	}
	if events == nil {
		events = []*models.CoordinationEvent{}
	}

	c.JSON(http.StatusOK, gin.H{"broadcasts": events})
}

// StartSync begins a state sync from one terminal to its peers.
// POST /api/v1/licenses/:key/syncs
func (h *CoordinationHandler) StartSync(c *gin.Context) {
	licenseKey := c.Param("key")

	var req syncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sync, err := h.service.SynchronizeState(c.Request.Context(), licenseKey, req.SyncType, req.SourceHash, req.Data, req.Targets)
	if err != nil {
		h.logger.Error().Err(err).Str("sync_type", req.SyncType).Msg("failed to start state sync")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start state sync"})
		return
	}

	c.JSON(http.StatusCreated, sync)
}

// ListSyncs returns recent state syncs for a license.
// GET /api/v1/licenses/:key/syncs
func (h *CoordinationHandler) ListSyncs(c *gin.Context) {
	syncs, err := h.service.ListSyncs(c.Request.Context(), c.Param("key"), queryLimit(c))
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to list state syncs")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list state syncs"})
		return
	}
	if syncs == nil {
		syncs = []*models.TerminalStateSync{}
	}

	c.JSON(http.StatusOK, gin.H{"syncs": syncs})
}

// AckSync records one terminal's acknowledgement of a state sync.
// POST /api/v1/syncs/:id/ack
func (h *CoordinationHandler) AckSync(c *gin.Context) {
	syncID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid sync ID"})
		return
	}

	var req syncAckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sync, completed, err := h.service.AcknowledgeSync(c.Request.Context(), syncID, req.MachineHash)
	if err != nil {
		if errors.Is(err, terminals.ErrSyncNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "state sync not found"})
			return
		}
		h.logger.Error().Err(err).Str("sync_id", syncID.String()).Msg("failed to acknowledge sync")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to acknowledge sync"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"sync": sync, "completed": completed})
}

// queryLimit parses the limit query parameter, defaulting to 50.
func queryLimit(c *gin.Context) int {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	return limit
}
