package orders

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/SunwellVictor/ces-site-sub001/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/IBM/sarama"
	"go.uber.org/zap/zaptest"
)

// Mock Kafka producer for testing.
type mockProducer struct {
	sarama.SyncProducer
	messages []*sarama.ProducerMessage
}

func (m *mockProducer) SendMessage(msg *sarama.ProducerMessage) (partition int32, offset int64, err error) {
	m.messages = append(m.messages, msg)
	return 0, 0, nil
}

func (m *mockProducer) Close() error { return nil }

// Fake provisioner recording invocations.
type fakeProvisioner struct {
	calls  int
	lastID int
	err    error
}

func (f *fakeProvisioner) ProvisionForOrder(ctx context.Context, order *models.Order) ([]models.DownloadGrant, error) {
	f.calls++
	f.lastID = order.ID
	return nil, f.err
}

var orderRows = []string{"id", "user_id", "total_cents", "currency", "status", "session_ref", "payment_ref", "paid_at", "failure_reason", "created_at", "updated_at"}

func orderRow(id int, status models.OrderStatus) *sqlmock.Rows {
	return sqlmock.NewRows(orderRows).
		AddRow(id, 7, int64(1999), "usd", status, "cs_abc", "", nil, "", time.Now(), time.Now())
}

func setupStateMachineTest(t *testing.T) (*StateMachine, sqlmock.Sqlmock, *fakeProvisioner, *mockProducer, func()) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock database: %v", err)
	}
	provisioner := &fakeProvisioner{}
	producer := &mockProducer{}
	sm := NewStateMachine(db, provisioner, producer, "fulfillment_events", zaptest.NewLogger(t))
	return sm, mock, provisioner, producer, func() { db.Close() }
}

func TestStateMachine_ApplyPaymentSucceeded_Pending(t *testing.T) {
	sm, mock, provisioner, producer, cleanup := setupStateMachineTest(t)
	defer cleanup()

	mock.ExpectQuery("FROM orders WHERE session_ref").
		WithArgs("cs_abc").
		WillReturnRows(orderRow(1, models.OrderStatusPending))
	mock.ExpectExec("UPDATE orders SET status").
		WithArgs(1, models.OrderStatusPaid, sqlmock.AnyArg(), "pi_1", models.OrderStatusPending).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := sm.ApplyPaymentSucceeded(context.Background(), Ref{SessionRef: "cs_abc"}, time.Now(), "pi_1")
	if err != nil {
		t.Fatalf("Expected transition to succeed, got %v", err)
	}

	if provisioner.calls != 1 {
		t.Errorf("Expected provisioner to be invoked once, got %d", provisioner.calls)
	}
	if provisioner.lastID != 1 {
		t.Errorf("Expected provisioning for order 1, got %d", provisioner.lastID)
	}
	if len(producer.messages) != 1 {
		t.Errorf("Expected one order_paid event, got %d", len(producer.messages))
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestStateMachine_ApplyPaymentSucceeded_AlreadyPaid(t *testing.T) {
	sm, mock, provisioner, producer, cleanup := setupStateMachineTest(t)
	defer cleanup()

	// Duplicate success delivery: no update, no event, but provisioning
	// re-runs so a crash after the paid update heals on redelivery.
	mock.ExpectQuery("FROM orders WHERE session_ref").
		WithArgs("cs_abc").
		WillReturnRows(orderRow(1, models.OrderStatusPaid))

	err := sm.ApplyPaymentSucceeded(context.Background(), Ref{SessionRef: "cs_abc"}, time.Now(), "pi_1")
	if err != nil {
		t.Fatalf("Expected duplicate success to be absorbed, got %v", err)
	}

	if provisioner.calls != 1 {
		t.Errorf("Expected provisioning to re-run on duplicate success, got %d calls", provisioner.calls)
	}
	if len(producer.messages) != 0 {
		t.Errorf("Expected no events, got %d", len(producer.messages))
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestStateMachine_ApplyPaymentSucceeded_FallsBackToPaymentRef(t *testing.T) {
	sm, mock, _, _, cleanup := setupStateMachineTest(t)
	defer cleanup()

	mock.ExpectQuery("FROM orders WHERE session_ref").
		WithArgs("cs_missing").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("FROM orders WHERE payment_ref").
		WithArgs("pi_1").
		WillReturnRows(orderRow(2, models.OrderStatusPending))
	mock.ExpectExec("UPDATE orders SET status").
		WithArgs(2, models.OrderStatusPaid, sqlmock.AnyArg(), "pi_1", models.OrderStatusPending).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := sm.ApplyPaymentSucceeded(context.Background(), Ref{SessionRef: "cs_missing", PaymentRef: "pi_1"}, time.Now(), "pi_1")
	if err != nil {
		t.Fatalf("Expected transition to succeed, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestStateMachine_ApplyPaymentSucceeded_NotFound(t *testing.T) {
	sm, mock, provisioner, _, cleanup := setupStateMachineTest(t)
	defer cleanup()

	mock.ExpectQuery("FROM orders WHERE session_ref").
		WithArgs("cs_missing").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("FROM orders WHERE payment_ref").
		WithArgs("pi_missing").
		WillReturnError(sql.ErrNoRows)

	err := sm.ApplyPaymentSucceeded(context.Background(), Ref{SessionRef: "cs_missing", PaymentRef: "pi_missing"}, time.Now(), "pi_missing")
	if !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("Expected ErrOrderNotFound, got %v", err)
	}

	if provisioner.calls != 0 {
		t.Errorf("Expected no provisioning, got %d calls", provisioner.calls)
	}
}

func TestStateMachine_ApplyPaymentSucceeded_LostRaceToSuccess(t *testing.T) {
	sm, mock, provisioner, producer, cleanup := setupStateMachineTest(t)
	defer cleanup()

	// A concurrent success delivery won between the read and the guarded
	// update. The loser re-reads, sees paid, and still provisions.
	mock.ExpectQuery("FROM orders WHERE session_ref").
		WithArgs("cs_abc").
		WillReturnRows(orderRow(1, models.OrderStatusPending))
	mock.ExpectExec("UPDATE orders SET status").
		WithArgs(1, models.OrderStatusPaid, sqlmock.AnyArg(), "pi_1", models.OrderStatusPending).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM orders WHERE session_ref").
		WithArgs("cs_abc").
		WillReturnRows(orderRow(1, models.OrderStatusPaid))

	err := sm.ApplyPaymentSucceeded(context.Background(), Ref{SessionRef: "cs_abc"}, time.Now(), "pi_1")
	if err != nil {
		t.Fatalf("Expected lost race to be absorbed, got %v", err)
	}

	if provisioner.calls != 1 {
		t.Errorf("Expected provisioning after losing to a success transition, got %d calls", provisioner.calls)
	}
	if len(producer.messages) != 0 {
		t.Errorf("Expected no events from the loser, got %d", len(producer.messages))
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestStateMachine_ApplyPaymentSucceeded_LostRaceToFailure(t *testing.T) {
	sm, mock, provisioner, _, cleanup := setupStateMachineTest(t)
	defer cleanup()

	// A concurrent failure transition consumed pending; the order is not
	// paid, so nothing may be provisioned.
	mock.ExpectQuery("FROM orders WHERE session_ref").
		WithArgs("cs_abc").
		WillReturnRows(orderRow(1, models.OrderStatusPending))
	mock.ExpectExec("UPDATE orders SET status").
		WithArgs(1, models.OrderStatusPaid, sqlmock.AnyArg(), "pi_1", models.OrderStatusPending).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM orders WHERE session_ref").
		WithArgs("cs_abc").
		WillReturnRows(orderRow(1, models.OrderStatusFailed))

	err := sm.ApplyPaymentSucceeded(context.Background(), Ref{SessionRef: "cs_abc"}, time.Now(), "pi_1")
	if err != nil {
		t.Fatalf("Expected lost race to be absorbed, got %v", err)
	}

	if provisioner.calls != 0 {
		t.Errorf("Expected no provisioning after losing to a failure transition, got %d calls", provisioner.calls)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestStateMachine_ApplyPaymentFailed_Pending(t *testing.T) {
	sm, mock, _, producer, cleanup := setupStateMachineTest(t)
	defer cleanup()

	mock.ExpectQuery("FROM orders WHERE session_ref").
		WithArgs("cs_abc").
		WillReturnRows(orderRow(1, models.OrderStatusPending))
	mock.ExpectExec("UPDATE orders SET status").
		WithArgs(1, models.OrderStatusFailed, "card_declined", models.OrderStatusPending).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := sm.ApplyPaymentFailed(context.Background(), Ref{SessionRef: "cs_abc"}, "card_declined")
	if err != nil {
		t.Fatalf("Expected transition to succeed, got %v", err)
	}

	if len(producer.messages) != 1 {
		t.Errorf("Expected one order_payment_failed event, got %d", len(producer.messages))
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestStateMachine_ApplyPaymentFailed_LostRace(t *testing.T) {
	sm, mock, _, producer, cleanup := setupStateMachineTest(t)
	defer cleanup()

	// A concurrent success transition won between the read and the guarded
	// update; no failure notification may go out for a paid order.
	mock.ExpectQuery("FROM orders WHERE session_ref").
		WithArgs("cs_abc").
		WillReturnRows(orderRow(1, models.OrderStatusPending))
	mock.ExpectExec("UPDATE orders SET status").
		WithArgs(1, models.OrderStatusFailed, "card_declined", models.OrderStatusPending).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := sm.ApplyPaymentFailed(context.Background(), Ref{SessionRef: "cs_abc"}, "card_declined")
	if err != nil {
		t.Fatalf("Expected lost race to be absorbed, got %v", err)
	}

	if len(producer.messages) != 0 {
		t.Errorf("Expected no events after lost race, got %d", len(producer.messages))
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestStateMachine_ApplyPaymentFailed_PaidIsSticky(t *testing.T) {
	sm, mock, _, producer, cleanup := setupStateMachineTest(t)
	defer cleanup()

	// A late failure event must not downgrade a paid order.
	mock.ExpectQuery("FROM orders WHERE session_ref").
		WithArgs("cs_abc").
		WillReturnRows(orderRow(1, models.OrderStatusPaid))

	err := sm.ApplyPaymentFailed(context.Background(), Ref{SessionRef: "cs_abc"}, "card_declined")
	if err != nil {
		t.Fatalf("Expected discard to succeed, got %v", err)
	}

	if len(producer.messages) != 0 {
		t.Errorf("Expected no events, got %d", len(producer.messages))
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestStateMachine_ApplyPaymentFailed_RefundedIsProtected(t *testing.T) {
	sm, mock, _, _, cleanup := setupStateMachineTest(t)
	defer cleanup()

	mock.ExpectQuery("FROM orders WHERE session_ref").
		WithArgs("cs_abc").
		WillReturnRows(orderRow(1, models.OrderStatusRefunded))

	if err := sm.ApplyPaymentFailed(context.Background(), Ref{SessionRef: "cs_abc"}, "card_declined"); err != nil {
		t.Fatalf("Expected discard to succeed, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestStateMachine_ApplyRefund_Paid(t *testing.T) {
	sm, mock, _, _, cleanup := setupStateMachineTest(t)
	defer cleanup()

	mock.ExpectQuery("FROM orders WHERE session_ref").
		WithArgs("cs_abc").
		WillReturnRows(orderRow(1, models.OrderStatusPaid))
	mock.ExpectExec("UPDATE orders SET status").
		WithArgs(1, models.OrderStatusRefunded, models.OrderStatusPaid).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := sm.ApplyRefund(context.Background(), Ref{SessionRef: "cs_abc"}); err != nil {
		t.Fatalf("Expected refund to succeed, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestStateMachine_ApplyRefund_LostRace(t *testing.T) {
	sm, mock, _, _, cleanup := setupStateMachineTest(t)
	defer cleanup()

	mock.ExpectQuery("FROM orders WHERE session_ref").
		WithArgs("cs_abc").
		WillReturnRows(orderRow(1, models.OrderStatusPaid))
	mock.ExpectExec("UPDATE orders SET status").
		WithArgs(1, models.OrderStatusRefunded, models.OrderStatusPaid).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := sm.ApplyRefund(context.Background(), Ref{SessionRef: "cs_abc"}); err != nil {
		t.Fatalf("Expected lost race to be absorbed, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestStateMachine_ApplyRefund_UnpaidDiscarded(t *testing.T) {
	sm, mock, _, _, cleanup := setupStateMachineTest(t)
	defer cleanup()

	mock.ExpectQuery("FROM orders WHERE session_ref").
		WithArgs("cs_abc").
		WillReturnRows(orderRow(1, models.OrderStatusPending))

	if err := sm.ApplyRefund(context.Background(), Ref{SessionRef: "cs_abc"}); err != nil {
		t.Fatalf("Expected discard to succeed, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}
