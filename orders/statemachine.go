package orders

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/SunwellVictor/ces-site-sub001/kafka"
	"github.com/SunwellVictor/ces-site-sub001/middleware"
	"github.com/SunwellVictor/ces-site-sub001/models"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

// ErrOrderNotFound means no order matches the event's references. This is a
// data inconsistency, not a transient fault; callers acknowledge and flag it.
var ErrOrderNotFound = errors.New("order not found")

// Provisioner creates download grants for a paid order. Implemented by the
// grants package; invoked synchronously inside the success transition.
type Provisioner interface {
	ProvisionForOrder(ctx context.Context, order *models.Order) ([]models.DownloadGrant, error)
}

// Ref locates an order from a provider event. The session ref is checked
// first (assigned at checkout), then the payment ref (later intent events
// may carry only that).
type Ref struct {
	SessionRef string
	PaymentRef string
}

// StateMachine applies webhook-driven transitions to orders:
// pending→paid, pending→failed, paid→refunded. Paid is sticky: a late
// failure event never downgrades it. Refunded is terminal the same way.
type StateMachine struct {
	db          *sql.DB
	provisioner Provisioner
	producer    sarama.SyncProducer
	topic       string
	logger      *zap.Logger
}

func NewStateMachine(db *sql.DB, provisioner Provisioner, producer sarama.SyncProducer, topic string, logger *zap.Logger) *StateMachine {
	return &StateMachine{
		db:          db,
		provisioner: provisioner,
		producer:    producer,
		topic:       topic,
		logger:      logger,
	}
}

const orderColumns = "id, user_id, total_cents, currency, status, session_ref, COALESCE(payment_ref, ''), paid_at, COALESCE(failure_reason, ''), created_at, updated_at"

func scanOrder(row *sql.Row) (*models.Order, error) {
	var order models.Order
	err := row.Scan(&order.ID, &order.UserID, &order.TotalCents, &order.Currency, &order.Status,
		&order.SessionRef, &order.PaymentRef, &order.PaidAt, &order.FailureReason,
		&order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (sm *StateMachine) findByRef(ctx context.Context, ref Ref) (*models.Order, error) {
	if ref.SessionRef != "" {
		order, err := scanOrder(sm.db.QueryRowContext(ctx,
			"SELECT "+orderColumns+" FROM orders WHERE session_ref = $1", ref.SessionRef))
		if err == nil {
			return order, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("failed to query order by session ref: %w", err)
		}
	}
	if ref.PaymentRef != "" {
		order, err := scanOrder(sm.db.QueryRowContext(ctx,
			"SELECT "+orderColumns+" FROM orders WHERE payment_ref = $1", ref.PaymentRef))
		if err == nil {
			return order, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("failed to query order by payment ref: %w", err)
		}
	}
	return nil, ErrOrderNotFound
}

// ApplyPaymentSucceeded marks the order paid and provisions its grants. A
// second success event for an already-paid order is a no-op: duplicate
// deliveries and overlapping session/intent events must not double-apply.
func (sm *StateMachine) ApplyPaymentSucceeded(ctx context.Context, ref Ref, paidAt time.Time, paymentRef string) error {
	traceID := middleware.GetTraceID(ctx)

	order, err := sm.findByRef(ctx, ref)
	if err != nil {
		return err
	}

	if order.Status == models.OrderStatusPaid {
		// Overlapping session/intent deliveries carry distinct event ids, so
		// they pass the ledger. Provisioning is re-run on each of them: it is
		// idempotent, and a crash between the paid update and provisioning
		// heals on the next success delivery.
		sm.logger.Info("Order already paid, re-running provisioning",
			zap.String("trace_id", traceID), zap.Int("order_id", order.ID))
		if _, err := sm.provisioner.ProvisionForOrder(ctx, order); err != nil {
			return fmt.Errorf("failed to provision grants for order %d: %w", order.ID, err)
		}
		return nil
	}
	if order.Status.Terminal() {
		sm.logger.Warn("Success event for terminal order discarded",
			zap.String("trace_id", traceID),
			zap.Int("order_id", order.ID),
			zap.String("status", string(order.Status)))
		return nil
	}

	res, err := sm.db.ExecContext(ctx,
		"UPDATE orders SET status = $2, paid_at = $3, payment_ref = $4, updated_at = NOW() WHERE id = $1 AND status = $5",
		order.ID, models.OrderStatusPaid, paidAt, paymentRef, models.OrderStatusPending,
	)
	if err != nil {
		return fmt.Errorf("failed to mark order paid: %w", err)
	}
	if rows, err := res.RowsAffected(); err == nil && rows == 0 {
		// Lost the race to a concurrent delivery. Re-read the order: if the
		// winner marked it paid, provisioning runs here as well in case the
		// winner crashed before it could. A concurrent failure transition
		// must not provision anything.
		current, err := sm.findByRef(ctx, ref)
		if err != nil {
			return err
		}
		if current.Status != models.OrderStatusPaid {
			sm.logger.Warn("Order transitioned concurrently, success event discarded",
				zap.String("trace_id", traceID),
				zap.Int("order_id", current.ID),
				zap.String("status", string(current.Status)))
			return nil
		}
		sm.logger.Info("Order paid concurrently, re-running provisioning",
			zap.String("trace_id", traceID), zap.Int("order_id", current.ID))
		if _, err := sm.provisioner.ProvisionForOrder(ctx, current); err != nil {
			return fmt.Errorf("failed to provision grants for order %d: %w", current.ID, err)
		}
		return nil
	}

	order.Status = models.OrderStatusPaid
	order.PaidAt = &paidAt
	order.PaymentRef = paymentRef

	if _, err := sm.provisioner.ProvisionForOrder(ctx, order); err != nil {
		return fmt.Errorf("failed to provision grants for order %d: %w", order.ID, err)
	}

	event := models.FulfillmentEvent{
		OrderID:    order.ID,
		UserID:     order.UserID,
		TotalCents: order.TotalCents,
		Currency:   order.Currency,
		EventType:  "order_paid",
	}
	if err := kafka.PublishFulfillmentEvent(ctx, sm.producer, sm.topic, event, sm.logger); err != nil {
		sm.logger.Error("Failed to publish order_paid event",
			zap.String("trace_id", traceID), zap.Error(err))
	}

	sm.logger.Info("Order paid", zap.String("trace_id", traceID), zap.Int("order_id", order.ID))
	return nil
}

// ApplyPaymentFailed marks a pending order failed. Paid and refunded orders
// are never downgraded; an out-of-order failure event is logged and dropped.
func (sm *StateMachine) ApplyPaymentFailed(ctx context.Context, ref Ref, reason string) error {
	traceID := middleware.GetTraceID(ctx)

	order, err := sm.findByRef(ctx, ref)
	if err != nil {
		return err
	}

	switch order.Status {
	case models.OrderStatusFailed:
		return nil
	case models.OrderStatusPaid, models.OrderStatusRefunded:
		sm.logger.Info("Failure event after settled order discarded",
			zap.String("trace_id", traceID),
			zap.Int("order_id", order.ID),
			zap.String("status", string(order.Status)))
		return nil
	}

	res, err := sm.db.ExecContext(ctx,
		"UPDATE orders SET status = $2, failure_reason = $3, updated_at = NOW() WHERE id = $1 AND status = $4",
		order.ID, models.OrderStatusFailed, reason, models.OrderStatusPending,
	)
	if err != nil {
		return fmt.Errorf("failed to mark order failed: %w", err)
	}
	if rows, err := res.RowsAffected(); err == nil && rows == 0 {
		// A concurrent success transition won; the order is not failed, so
		// no failure notification may go out.
		sm.logger.Info("Order transitioned concurrently, failure event discarded",
			zap.String("trace_id", traceID), zap.Int("order_id", order.ID))
		return nil
	}

	event := models.FulfillmentEvent{
		OrderID:   order.ID,
		UserID:    order.UserID,
		Reason:    reason,
		EventType: "order_payment_failed",
	}
	if err := kafka.PublishFulfillmentEvent(ctx, sm.producer, sm.topic, event, sm.logger); err != nil {
		sm.logger.Error("Failed to publish order_payment_failed event",
			zap.String("trace_id", traceID), zap.Error(err))
	}

	sm.logger.Info("Order failed",
		zap.String("trace_id", traceID), zap.Int("order_id", order.ID), zap.String("reason", reason))
	return nil
}

// ApplyRefund transitions paid→refunded. Already-issued grants are not
// revoked; revocation policy lives outside this pipeline.
func (sm *StateMachine) ApplyRefund(ctx context.Context, ref Ref) error {
	traceID := middleware.GetTraceID(ctx)

	order, err := sm.findByRef(ctx, ref)
	if err != nil {
		return err
	}

	switch order.Status {
	case models.OrderStatusRefunded:
		return nil
	case models.OrderStatusPending, models.OrderStatusFailed:
		sm.logger.Warn("Refund event for unpaid order discarded",
			zap.String("trace_id", traceID),
			zap.Int("order_id", order.ID),
			zap.String("status", string(order.Status)))
		return nil
	}

	res, err := sm.db.ExecContext(ctx,
		"UPDATE orders SET status = $2, updated_at = NOW() WHERE id = $1 AND status = $3",
		order.ID, models.OrderStatusRefunded, models.OrderStatusPaid,
	)
	if err != nil {
		return fmt.Errorf("failed to mark order refunded: %w", err)
	}
	if rows, err := res.RowsAffected(); err == nil && rows == 0 {
		sm.logger.Info("Order transitioned concurrently, refund event discarded",
			zap.String("trace_id", traceID), zap.Int("order_id", order.ID))
		return nil
	}

	sm.logger.Info("Order refunded", zap.String("trace_id", traceID), zap.Int("order_id", order.ID))
	return nil
}
