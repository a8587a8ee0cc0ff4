package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/aurorapos/aurora-server/internal/billing"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// maxWebhookBody bounds webhook payload size. Stripe events are small; this
// guards against junk posted to the public endpoint.
const maxWebhookBody = 1 << 16

// WebhookProcessor verifies and applies billing provider webhook events.
type WebhookProcessor interface {
	HandleWebhook(ctx context.Context, payload []byte, signature string) error
}

// WebhooksHandler handles incoming billing provider webhooks.
type WebhooksHandler struct {
	processor WebhookProcessor
	logger    zerolog.Logger
}

// NewWebhooksHandler creates a new WebhooksHandler.
func NewWebhooksHandler(processor WebhookProcessor, logger zerolog.Logger) *WebhooksHandler {
	return &WebhooksHandler{
		processor: processor,
		logger:    logger.With().Str("component", "webhooks_handler").Logger(),
	}
}

// RegisterPublicRoutes registers the webhook endpoint on the engine. Stripe
// authenticates with the signature header, not a session.
func (h *WebhooksHandler) RegisterPublicRoutes(r *gin.Engine) {
	r.POST("/webhooks/stripe", h.Stripe)
}

// Stripe receives a Stripe webhook event.
// POST /webhooks/stripe
func (h *WebhooksHandler) Stripe(c *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload too large"})
		return
	}

	signature := c.GetHeader("Stripe-Signature")
	if signature == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing Stripe-Signature header"})
		return
	}

	if err := h.processor.HandleWebhook(c.Request.Context(), payload, signature); err != nil {
		switch {
		case errors.Is(err, billing.ErrInvalidSignature):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signature"})
		case errors.Is(err, billing.ErrMalformedEvent):
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed event"})
		default:
			// Non-2xx makes Stripe retry the event. The ledger row stays
			// unprocessed after a failure, so the retry runs the handler
			// again once the underlying fault clears.
			h.logger.Error().Err(err).Msg("webhook processing failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "processing failed"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}
