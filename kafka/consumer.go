package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/SunwellVictor/ces-site-sub001/middleware"
	"github.com/SunwellVictor/ces-site-sub001/models"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

func InitConsumer(logger *zap.Logger) (sarama.Consumer, error) {
	config := sarama.NewConfig()
	config.Consumer.Return.Errors = true
	config.Consumer.Retry.Backoff = 1 * time.Second

	brokers := []string{getEnv("KAFKA_BROKER", "localhost:9092")}

	consumer, err := sarama.NewConsumer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka consumer: %w", err)
	}

	logger.Info("Kafka consumer initialized")
	return consumer, nil
}

// StartNotificationConsumer drains the fulfillment topic and dispatches the
// customer-facing notifications. Delivery here is best effort; the pipeline's
// correctness never depends on it.
func StartNotificationConsumer(consumer sarama.Consumer, logger *zap.Logger) error {
	topic := getEnv("KAFKA_TOPIC", DefaultTopic)
	partitionConsumer, err := consumer.ConsumePartition(topic, 0, sarama.OffsetNewest)
	if err != nil {
		return fmt.Errorf("failed to consume partition: %w", err)
	}
	defer partitionConsumer.Close()

	logger.Info("Kafka consumer started", zap.String("topic", topic))

	for {
		select {
		case message := <-partitionConsumer.Messages():
			if err := handleMessageWithRetry(message, logger, 3); err != nil {
				logger.Error("Failed to handle message after retries", zap.Error(err))
			}
		case err := <-partitionConsumer.Errors():
			logger.Error("Kafka consumer error", zap.Error(err))
		}
	}
}

func handleMessageWithRetry(message *sarama.ConsumerMessage, logger *zap.Logger, maxRetries int) error {
	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		err := handleMessage(message, logger)
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt < maxRetries {
			backoff := time.Duration(attempt) * time.Second
			logger.Warn("Retrying message handling",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.Error(err),
			)
			time.Sleep(backoff)
		}
	}
	return fmt.Errorf("failed after %d attempts: %w", maxRetries, lastErr)
}

func handleMessage(message *sarama.ConsumerMessage, logger *zap.Logger) error {
	// Extract trace context from Kafka message headers
	var propagator propagation.TextMapPropagator = otel.GetTextMapPropagator()
	carrier := saramaHeaderCarrierConsumer(message.Headers)
	ctx := propagator.Extract(context.Background(), carrier)

	tracer := otel.Tracer("fulfillment-service")
	ctx, span := tracer.Start(ctx, "ProcessNotification")
	defer span.End()

	var event models.FulfillmentEvent
	if err := json.Unmarshal(message.Value, &event); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to unmarshal event: %w", err)
	}
	if event.EventType == "" {
		return fmt.Errorf("missing event_type in event")
	}

	span.SetAttributes(attribute.String("event.type", event.EventType))

	switch event.EventType {
	case "order_paid":
		notifyOrderPaid(ctx, event, logger, span)
	case "order_payment_failed":
		notifyPaymentFailed(ctx, event, logger, span)
	case "grant_created":
		notifyGrantCreated(ctx, event, logger, span)
	default:
		logger.Debug("Unknown event type", zap.String("event_type", event.EventType))
	}

	return nil
}

func notifyOrderPaid(ctx context.Context, event models.FulfillmentEvent, logger *zap.Logger, span trace.Span) {
	middleware.RecordNotificationSent("order_paid")
	span.SetAttributes(
		attribute.Int("order.id", event.OrderID),
		attribute.Int("user.id", event.UserID),
	)

	message := fmt.Sprintf("Payment for order #%d received. Your downloads are ready in your account.", event.OrderID)
	logger.Info("Order paid notification sent",
		zap.String("trace_id", middleware.GetTraceID(ctx)),
		zap.Int("order_id", event.OrderID),
		zap.Int("user_id", event.UserID),
		zap.String("message", message),
	)

	// Simulate email sending
	fmt.Printf("[EMAIL] To: user_%d@example.com\n", event.UserID)
	fmt.Printf("[EMAIL] Subject: Order Confirmation\n")
	fmt.Printf("[EMAIL] Body: %s\n\n", message)
}

func notifyPaymentFailed(ctx context.Context, event models.FulfillmentEvent, logger *zap.Logger, span trace.Span) {
	middleware.RecordNotificationSent("order_payment_failed")
	span.SetAttributes(
		attribute.Int("order.id", event.OrderID),
		attribute.Int("user.id", event.UserID),
	)

	message := fmt.Sprintf("Payment for order #%d failed (%s). Please try again or contact support.", event.OrderID, event.Reason)
	logger.Info("Payment failure notification sent",
		zap.String("trace_id", middleware.GetTraceID(ctx)),
		zap.Int("order_id", event.OrderID),
		zap.Int("user_id", event.UserID),
		zap.String("message", message),
	)

	fmt.Printf("[EMAIL] To: user_%d@example.com\n", event.UserID)
	fmt.Printf("[EMAIL] Subject: Payment Failed\n")
	fmt.Printf("[EMAIL] Body: %s\n\n", message)
}

func notifyGrantCreated(ctx context.Context, event models.FulfillmentEvent, logger *zap.Logger, span trace.Span) {
	middleware.RecordNotificationSent("grant_created")
	span.SetAttributes(
		attribute.Int("grant.id", event.GrantID),
		attribute.Int("user.id", event.UserID),
		attribute.Int("file.id", event.FileID),
	)

	logger.Info("Grant audit notification sent",
		zap.String("trace_id", middleware.GetTraceID(ctx)),
		zap.Int("grant_id", event.GrantID),
		zap.Int("user_id", event.UserID),
		zap.Int("order_id", event.OrderID),
		zap.Int("file_id", event.FileID),
	)
}

// saramaHeaderCarrierConsumer implements the TextMapCarrier interface for Kafka headers (for consumer)
type saramaHeaderCarrierConsumer []*sarama.RecordHeader

func (c saramaHeaderCarrierConsumer) Get(key string) string {
	for _, h := range c {
		if string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c saramaHeaderCarrierConsumer) Set(key, value string) {
	// Not needed for extraction
}

func (c saramaHeaderCarrierConsumer) Keys() []string {
	keys := make([]string, len(c))
	for i, h := range c {
		keys[i] = string(h.Key)
	}
	return keys
}
