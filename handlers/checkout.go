package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/SunwellVictor/ces-site-sub001/kafka"
	"github.com/SunwellVictor/ces-site-sub001/middleware"
	"github.com/SunwellVictor/ces-site-sub001/models"
	"github.com/SunwellVictor/ces-site-sub001/orders"

	"github.com/IBM/sarama"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type CheckoutHandler struct {
	store    *orders.CheckoutStore
	producer sarama.SyncProducer
	topic    string
	logger   *zap.Logger
}

func NewCheckoutHandler(store *orders.CheckoutStore, producer sarama.SyncProducer, topic string, logger *zap.Logger) *CheckoutHandler {
	return &CheckoutHandler{
		store:    store,
		producer: producer,
		topic:    topic,
		logger:   logger,
	}
}

// CreateCheckout prices the cart and creates a pending order. The returned
// session ref is what the payment provider's webhook events reference later.
func (h *CheckoutHandler) CreateCheckout(c *gin.Context) {
	ctx, span := otel.Tracer("fulfillment-service").Start(c.Request.Context(), "CreateCheckout")
	defer span.End()

	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	var req models.CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	span.SetAttributes(
		attribute.Int("user_id", userID),
		attribute.Int("items.count", len(req.Items)),
	)

	order, items, err := h.store.CreateOrder(ctx, userID, req)
	if err != nil {
		if errors.Is(err, orders.ErrProductUnavailable) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Product not available"})
			return
		}
		if errors.Is(err, orders.ErrMixedCurrency) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Cart mixes currencies"})
			return
		}
		span.RecordError(err)
		h.logger.Error("Failed to create order", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	span.SetAttributes(attribute.Int("order.id", order.ID))

	event := models.FulfillmentEvent{
		OrderID:    order.ID,
		UserID:     order.UserID,
		TotalCents: order.TotalCents,
		Currency:   order.Currency,
		EventType:  "order_created",
	}
	if err := kafka.PublishFulfillmentEvent(ctx, h.producer, h.topic, event, h.logger); err != nil {
		h.logger.Error("Failed to publish order_created event", zap.Error(err))
		// Don't fail the request, but log the error
	}

	c.JSON(http.StatusCreated, models.CheckoutResponse{Order: *order, Items: items})
}

func (h *CheckoutHandler) GetOrder(c *gin.Context) {
	ctx, span := otel.Tracer("fulfillment-service").Start(c.Request.Context(), "GetOrder")
	defer span.End()

	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	orderID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid order ID"})
		return
	}

	span.SetAttributes(attribute.Int("order.id", orderID))

	order, err := h.store.GetOrder(ctx, orderID, userID)
	if err != nil {
		if errors.Is(err, orders.ErrOrderNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
			return
		}
		span.RecordError(err)
		h.logger.Error("Failed to get order", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	c.JSON(http.StatusOK, order)
}
