package handlers

import (
	"net/http"
	"strconv"

	"github.com/SunwellVictor/ces-site-sub001/ledger"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const maxEventListLimit = 200

// EventHandler exposes the processed-event ledger for operators chasing a
// provider delivery: was the event received, and under which kind.
type EventHandler struct {
	ledger *ledger.Ledger
	logger *zap.Logger
}

func NewEventHandler(l *ledger.Ledger, logger *zap.Logger) *EventHandler {
	return &EventHandler{
		ledger: l,
		logger: logger,
	}
}

func (h *EventHandler) ListEvents(c *gin.Context) {
	ctx, span := otel.Tracer("fulfillment-service").Start(c.Request.Context(), "ListEvents")
	defer span.End()

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
			return
		}
		limit = n
	}
	if limit > maxEventListLimit {
		limit = maxEventListLimit
	}

	events, err := h.ledger.Recent(ctx, limit)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to list events", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	span.SetAttributes(attribute.Int("events.count", len(events)))
	c.JSON(http.StatusOK, events)
}
