package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/SunwellVictor/ces-site-sub001/ledger"
	"github.com/SunwellVictor/ces-site-sub001/middleware"
	"github.com/SunwellVictor/ces-site-sub001/orders"

	"go.uber.org/zap"
)

// Event kinds the pipeline consumes. checkout.completed and payment.succeeded
// both map to the success transition; a single purchase can deliver either or
// both, referencing the session or the payment intent.
const (
	KindCheckoutCompleted = "checkout.completed"
	KindPaymentSucceeded  = "payment.succeeded"
	KindPaymentFailed     = "payment.failed"
	KindPaymentRefunded   = "payment.refunded"
)

type Outcome string

const (
	OutcomeHandled   Outcome = "handled"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
)

// Dispatcher records verified events in the ledger and routes them to the
// order state machine. The ledger insert happens before handling, so handlers
// stay idempotent as the second line of defense against redelivery.
type Dispatcher struct {
	ledger *ledger.Ledger
	sm     *orders.StateMachine
	logger *zap.Logger
}

func NewDispatcher(l *ledger.Ledger, sm *orders.StateMachine, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{ledger: l, sm: sm, logger: logger}
}

func (d *Dispatcher) Dispatch(ctx context.Context, evt *VerifiedEvent) (Outcome, error) {
	traceID := middleware.GetTraceID(ctx)

	if err := d.ledger.MarkProcessed(ctx, evt.ID, evt.Kind, evt.RawBody); err != nil {
		if errors.Is(err, ledger.ErrAlreadyProcessed) {
			d.logger.Info("Duplicate event acknowledged",
				zap.String("trace_id", traceID),
				zap.String("event_id", evt.ID),
				zap.String("kind", evt.Kind),
			)
			middleware.RecordWebhookEvent(evt.Kind, string(OutcomeDuplicate))
			return OutcomeDuplicate, nil
		}
		return "", fmt.Errorf("ledger mark failed: %w", err)
	}

	outcome, err := d.route(ctx, evt)
	if err != nil {
		middleware.RecordWebhookEvent(evt.Kind, "error")
		return "", err
	}
	middleware.RecordWebhookEvent(evt.Kind, string(outcome))
	return outcome, nil
}

func (d *Dispatcher) route(ctx context.Context, evt *VerifiedEvent) (Outcome, error) {
	traceID := middleware.GetTraceID(ctx)

	switch evt.Kind {
	case KindCheckoutCompleted, KindPaymentSucceeded:
		paidAt := time.Unix(evt.Data.PaidAt, 0)
		if evt.Data.PaidAt == 0 {
			paidAt = time.Unix(evt.Created, 0)
		}
		err := d.sm.ApplyPaymentSucceeded(ctx, orderRef(evt), paidAt, evt.Data.PaymentRef)
		return d.ackReferential(err, evt, traceID)

	case KindPaymentFailed:
		err := d.sm.ApplyPaymentFailed(ctx, orderRef(evt), evt.Data.Reason)
		return d.ackReferential(err, evt, traceID)

	case KindPaymentRefunded:
		err := d.sm.ApplyRefund(ctx, orderRef(evt))
		return d.ackReferential(err, evt, traceID)

	default:
		// Refund sub-kinds and subscription events are extension points;
		// recorded in the ledger, nothing else to do.
		d.logger.Info("Unhandled event kind logged",
			zap.String("trace_id", traceID),
			zap.String("event_id", evt.ID),
			zap.String("kind", evt.Kind),
		)
		return OutcomeIgnored, nil
	}
}

// ackReferential converts order-not-found into an acknowledged outcome: a
// missing order is a data inconsistency that retries will not fix, so the
// provider must stop redelivering. It is logged for operator attention.
func (d *Dispatcher) ackReferential(err error, evt *VerifiedEvent, traceID string) (Outcome, error) {
	if err == nil {
		return OutcomeHandled, nil
	}
	if errors.Is(err, orders.ErrOrderNotFound) {
		d.logger.Warn("Order not found for payment reference",
			zap.String("trace_id", traceID),
			zap.String("event_id", evt.ID),
			zap.String("kind", evt.Kind),
			zap.String("session_ref", evt.Data.SessionRef),
			zap.String("payment_ref", evt.Data.PaymentRef),
		)
		return OutcomeIgnored, nil
	}
	return "", err
}

func orderRef(evt *VerifiedEvent) orders.Ref {
	return orders.Ref{SessionRef: evt.Data.SessionRef, PaymentRef: evt.Data.PaymentRef}
}
