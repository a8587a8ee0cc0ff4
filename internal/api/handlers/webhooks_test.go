package handlers

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/aurorapos/aurora-server/internal/billing"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

type mockWebhookProcessor struct {
	err          error
	gotPayload   []byte
	gotSignature string
}

func (m *mockWebhookProcessor) HandleWebhook(_ context.Context, payload []byte, signature string) error {
	m.gotPayload = payload
	m.gotSignature = signature
	return m.err
}

func setupWebhooksRouter(processor WebhookProcessor) *gin.Engine {
	r := gin.New()
	handler := NewWebhooksHandler(processor, zerolog.Nop())
	handler.RegisterPublicRoutes(r)
	return r
}

func webhookRequest(body, signature string) *http.Request {
	req, _ := http.NewRequest("POST", "/webhooks/stripe", bytes.NewBufferString(body))
	if signature != "" {
		req.Header.Set("Stripe-Signature", signature)
	}
	return req
}

func TestWebhooksStripe(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		processor := &mockWebhookProcessor{}
		r := setupWebhooksRouter(processor)

		resp := doRequest(r, webhookRequest(`{"id":"evt_1"}`, "t=1,v1=sig"))

		if resp.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.Code)
		}
		if string(processor.gotPayload) != `{"id":"evt_1"}` {
			t.Errorf("unexpected payload %q", processor.gotPayload)
		}
		if processor.gotSignature != "t=1,v1=sig" {
			t.Errorf("unexpected signature %q", processor.gotSignature)
		}
	})

	t.Run("missing signature header", func(t *testing.T) {
		processor := &mockWebhookProcessor{}
		r := setupWebhooksRouter(processor)

		resp := doRequest(r, webhookRequest(`{"id":"evt_1"}`, ""))

		if resp.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", resp.Code)
		}
		if processor.gotPayload != nil {
			t.Error("processor should not be called without a signature")
		}
	})

	t.Run("invalid signature", func(t *testing.T) {
		processor := &mockWebhookProcessor{err: billing.ErrInvalidSignature}
		r := setupWebhooksRouter(processor)

		resp := doRequest(r, webhookRequest(`{"id":"evt_1"}`, "t=1,v1=bad"))

		if resp.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", resp.Code)
		}
	})

	t.Run("malformed event", func(t *testing.T) {
		processor := &mockWebhookProcessor{err: billing.ErrMalformedEvent}
		r := setupWebhooksRouter(processor)

		resp := doRequest(r, webhookRequest(`{"id":"evt_1"}`, "t=1,v1=sig"))

		if resp.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", resp.Code)
		}
	})

	t.Run("processing failure returns 500 for retry", func(t *testing.T) {
		processor := &mockWebhookProcessor{err: errors.New("db down")}
		r := setupWebhooksRouter(processor)

		resp := doRequest(r, webhookRequest(`{"id":"evt_1"}`, "t=1,v1=sig"))

		if resp.Code != http.StatusInternalServerError {
			t.Fatalf("expected 500, got %d", resp.Code)
		}
	})
}
