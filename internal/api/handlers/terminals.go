package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/aurorapos/aurora-server/internal/models"
	"github.com/aurorapos/aurora-server/internal/terminals"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// TerminalRegistry defines the session lifecycle operations used by the handler.
type TerminalRegistry interface {
	Register(ctx context.Context, licenseKey string, info models.TerminalInfo) (*models.TerminalSession, error)
	Heartbeat(ctx context.Context, licenseKey, machineHash string) error
	Disconnect(ctx context.Context, licenseKey, machineHash string) error
	Sessions(ctx context.Context, licenseKey string) ([]*models.TerminalSession, error)
}

// TerminalFeed accepts websocket connections for registered terminals.
type TerminalFeed interface {
	HandleWebSocket(w http.ResponseWriter, r *http.Request, licenseKey, machineHash string)
	IsConnected(licenseKey, machineHash string) bool
}

// TerminalsHandler handles terminal session HTTP endpoints.
type TerminalsHandler struct {
	registry TerminalRegistry
	feed     TerminalFeed
	logger   zerolog.Logger
}

// NewTerminalsHandler creates a new TerminalsHandler.
func NewTerminalsHandler(registry TerminalRegistry, feed TerminalFeed, logger zerolog.Logger) *TerminalsHandler {
	return &TerminalsHandler{
		registry: registry,
		feed:     feed,
		logger:   logger.With().Str("component", "terminals_handler").Logger(),
	}
}

// RegisterRoutes registers terminal routes on the given router group.
func (h *TerminalsHandler) RegisterRoutes(r *gin.RouterGroup) {
	grp := r.Group("/terminals")
	{
		grp.POST("/register", h.Register)
		grp.POST("/heartbeat", h.Heartbeat)
		grp.POST("/disconnect", h.Disconnect)
	}

	r.GET("/licenses/:key/terminals", h.List)
}

// RegisterFeedRoutes registers the websocket endpoint on the engine. The feed
// endpoint sits outside the API group so rate limiting does not throttle
// long-lived connections.
func (h *TerminalsHandler) RegisterFeedRoutes(r *gin.Engine) {
	r.GET("/ws", h.Connect)
}

// registerRequest is the body for terminal registration.
type registerRequest struct {
	LicenseKey  string `json:"license_key" binding:"required"`
	MachineHash string `json:"machine_hash" binding:"required"`
	DisplayName string `json:"display_name"`
	Hostname    string `json:"hostname"`
	AppVersion  string `json:"app_version"`
}

// sessionRequest identifies an existing terminal session.
type sessionRequest struct {
	LicenseKey  string `json:"license_key" binding:"required"`
	MachineHash string `json:"machine_hash" binding:"required"`
}

// Register activates a terminal under a license, or re-activates a known one.
// POST /api/v1/terminals/register
func (h *TerminalsHandler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	info := models.TerminalInfo{
		MachineHash: req.MachineHash,
		DisplayName: req.DisplayName,
		Hostname:    req.Hostname,
		IPAddress:   c.ClientIP(),
		AppVersion:  req.AppVersion,
	}

	session, err := h.registry.Register(c.Request.Context(), req.LicenseKey, info)
	if err != nil {
		h.respondRegistryError(c, err, req.MachineHash)
		return
	}

	c.JSON(http.StatusOK, session)
}

// Heartbeat records terminal liveness.
// POST /api/v1/terminals/heartbeat
func (h *TerminalsHandler) Heartbeat(c *gin.Context) {
	var req sessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.registry.Heartbeat(c.Request.Context(), req.LicenseKey, req.MachineHash); err != nil {
		h.respondRegistryError(c, err, req.MachineHash)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "heartbeat recorded"})
}

// Disconnect cleanly closes a terminal session.
// POST /api/v1/terminals/disconnect
func (h *TerminalsHandler) Disconnect(c *gin.Context) {
	var req sessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.registry.Disconnect(c.Request.Context(), req.LicenseKey, req.MachineHash); err != nil {
		h.respondRegistryError(c, err, req.MachineHash)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "terminal disconnected"})
}

// List returns all terminal sessions for a license.
// GET /api/v1/licenses/:key/terminals
func (h *TerminalsHandler) List(c *gin.Context) {
	licenseKey := c.Param("key")

	sessions, err := h.registry.Sessions(c.Request.Context(), licenseKey)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to list terminal sessions")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list terminals"})
		return
	}
	if sessions == nil {
		sessions = []*models.TerminalSession{}
	}

	connected := 0
	for _, s := range sessions {
		if h.feed.IsConnected(licenseKey, s.MachineHash) {
			connected++
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"terminals": sessions,
		"connected": connected,
	})
}

// Connect upgrades the request to a websocket event feed for a registered
// terminal. The terminal must have registered over HTTP first.
// GET /ws?license_key=...&machine_hash=...
func (h *TerminalsHandler) Connect(c *gin.Context) {
	licenseKey := c.Query("license_key")
	machineHash := c.Query("machine_hash")
	if licenseKey == "" || machineHash == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "license_key and machine_hash are required"})
		return
	}

	sessions, err := h.registry.Sessions(c.Request.Context(), licenseKey)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to verify terminal session")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to verify session"})
		return
	}

	known := false
	for _, s := range sessions {
		if s.MachineHash == machineHash && s.Status != models.SessionDeactivated {
			known = true
			break
		}
	}
	if !known {
		c.JSON(http.StatusForbidden, gin.H{"error": "terminal is not registered under this license"})
		return
	}

	h.feed.HandleWebSocket(c.Writer, c.Request, licenseKey, machineHash)
}

// respondRegistryError maps registry errors to HTTP status codes.
func (h *TerminalsHandler) respondRegistryError(c *gin.Context, err error, machineHash string) {
	switch {
	case errors.Is(err, terminals.ErrLicenseNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "license not found"})
	case errors.Is(err, terminals.ErrLicenseInactive):
		c.JSON(http.StatusForbidden, gin.H{"error": "license is not active"})
	case errors.Is(err, terminals.ErrQuotaExceeded):
		c.JSON(http.StatusConflict, gin.H{"error": "terminal limit reached for license"})
	case errors.Is(err, terminals.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "terminal session not found"})
	default:
		h.logger.Error().Err(err).Str("machine_hash", machineHash).Msg("terminal operation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "terminal operation failed"})
	}
}
