package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/aurorapos/aurora-server/internal/delivery"
	"github.com/aurorapos/aurora-server/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DeadLetterService reviews dead-lettered event deliveries.
type DeadLetterService interface {
	List(ctx context.Context, status models.DeadLetterReviewStatus, limit int) ([]*models.DeadLetterEntry, error)
	Get(ctx context.Context, id uuid.UUID) (*models.DeadLetterEntry, []*models.EventRetryRecord, error)
	Resolve(ctx context.Context, id uuid.UUID, resolverID, notes string) (*models.DeadLetterEntry, error)
	Abandon(ctx context.Context, id uuid.UUID, resolverID, notes string) (*models.DeadLetterEntry, error)
	Requeue(ctx context.Context, id uuid.UUID) (*models.DeadLetterEntry, error)
}

// DeadLettersHandler handles dead-letter review HTTP endpoints.
type DeadLettersHandler struct {
	service DeadLetterService
	logger  zerolog.Logger
}

// NewDeadLettersHandler creates a new DeadLettersHandler.
func NewDeadLettersHandler(service DeadLetterService, logger zerolog.Logger) *DeadLettersHandler {
	return &DeadLettersHandler{
		service: service,
		logger:  logger.With().Str("component", "dead_letters_handler").Logger(),
	}
}

// RegisterRoutes registers dead-letter routes on the given router group.
func (h *DeadLettersHandler) RegisterRoutes(r *gin.RouterGroup) {
	grp := r.Group("/dead-letters")
	{
		grp.GET("", h.List)
		grp.GET("/:id", h.Get)
		grp.POST("/:id/resolve", h.Resolve)
		grp.POST("/:id/abandon", h.Abandon)
		grp.POST("/:id/requeue", h.Requeue)
	}
}

// reviewRequest is the body for resolving or abandoning an entry.
type reviewRequest struct {
	ResolverID string `json:"resolver_id" binding:"required"`
	Notes      string `json:"notes"`
}

// List returns dead-letter entries, optionally filtered by review status.
// GET /api/v1/dead-letters?status=pending_review&limit=50
func (h *DeadLettersHandler) List(c *gin.Context) {
	status := models.DeadLetterReviewStatus(c.Query("status"))
	switch status {
	case "", models.DeadLetterPendingReview, models.DeadLetterRetrying, models.DeadLetterResolved, models.DeadLetterAbandoned:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid review status"})
		return
	}

	entries, err := h.service.List(c.Request.Context(), status, queryLimit(c))
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to list dead letters")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list dead letters"})
		return
	}
	if entries == nil {
		entries = []*models.DeadLetterEntry{}
	}

	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// Get returns one dead-letter entry with its retry history.
// GET /api/v1/dead-letters/:id
func (h *DeadLettersHandler) Get(c *gin.Context) {
	id, ok := h.entryID(c)
	if !ok {
		return
	}

	entry, history, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err, id)
		return
	}
	if history == nil {
		history = []*models.EventRetryRecord{}
	}

	c.JSON(http.StatusOK, gin.H{"entry": entry, "retry_history": history})
}

// Resolve marks an entry as manually handled.
// POST /api/v1/dead-letters/:id/resolve
func (h *DeadLettersHandler) Resolve(c *gin.Context) {
	h.review(c, h.service.Resolve)
}

// Abandon marks an entry as not worth pursuing.
// POST /api/v1/dead-letters/:id/abandon
func (h *DeadLettersHandler) Abandon(c *gin.Context) {
	h.review(c, h.service.Abandon)
}

// Requeue puts the failed delivery back into the retry pipeline.
// POST /api/v1/dead-letters/:id/requeue
func (h *DeadLettersHandler) Requeue(c *gin.Context) {
	id, ok := h.entryID(c)
	if !ok {
		return
	}

	entry, err := h.service.Requeue(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err, id)
		return
	}

	c.JSON(http.StatusOK, entry)
}

func (h *DeadLettersHandler) review(c *gin.Context, op func(context.Context, uuid.UUID, string, string) (*models.DeadLetterEntry, error)) {
	id, ok := h.entryID(c)
	if !ok {
		return
	}

	var req reviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	entry, err := op(c.Request.Context(), id, req.ResolverID, req.Notes)
	if err != nil {
		h.respondError(c, err, id)
		return
	}

	c.JSON(http.StatusOK, entry)
}

func (h *DeadLettersHandler) entryID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid dead letter ID"})
		return uuid.Nil, false
	}
	return id, true
}

func (h *DeadLettersHandler) respondError(c *gin.Context, err error, id uuid.UUID) {
	switch {
	case errors.Is(err, delivery.ErrEntryNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "dead letter entry not found"})
	case errors.Is(err, delivery.ErrEntryClosed):
		c.JSON(http.StatusConflict, gin.H{"error": "dead letter entry already closed"})
	default:
		h.logger.Error().Err(err).Str("entry_id", id.String()).Msg("dead letter operation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "dead letter operation failed"})
	}
}
