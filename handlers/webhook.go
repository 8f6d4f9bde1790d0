package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/SunwellVictor/ces-site-sub001/webhook"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const webhookBodyLimit = 1 << 20 // 1MiB

// SignatureHeader carries the provider's `t=...,v1=...` payload signature.
const SignatureHeader = "Webhook-Signature"

// WebhookHandler is the inbound boundary of the fulfillment pipeline.
// Signature verification is the authentication mechanism for this endpoint.
type WebhookHandler struct {
	verifier   *webhook.Verifier
	dispatcher *webhook.Dispatcher
	logger     *zap.Logger
}

func NewWebhookHandler(verifier *webhook.Verifier, dispatcher *webhook.Dispatcher, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		verifier:   verifier,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

func (h *WebhookHandler) HandleWebhook(c *gin.Context) {
	ctx, span := otel.Tracer("fulfillment-service").Start(c.Request.Context(), "HandleWebhook")
	defer span.End()

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, webhookBodyLimit)
	rawBody, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read request body"})
		return
	}

	evt, err := h.verifier.Verify(rawBody, c.GetHeader(SignatureHeader))
	if err != nil {
		span.RecordError(err)
		// Security relevant: a forged or stale payload was rejected before
		// any state was touched.
		h.logger.Warn("Webhook verification failed",
			zap.String("ip", c.ClientIP()),
			zap.Error(err),
		)
		switch {
		case errors.Is(err, webhook.ErrMalformedPayload):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Malformed payload"})
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid signature"})
		}
		return
	}

	span.SetAttributes(
		attribute.String("event.id", evt.ID),
		attribute.String("event.kind", evt.Kind),
	)

	outcome, err := h.dispatcher.Dispatch(ctx, evt)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Webhook processing failed",
			zap.String("event_id", evt.ID),
			zap.String("kind", evt.Kind),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to process event"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"received": true,
		"status":   string(outcome),
	})
}
