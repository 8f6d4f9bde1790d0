package orders

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/SunwellVictor/ces-site-sub001/models"

	"go.uber.org/zap"
)

var (
	ErrProductUnavailable = errors.New("product unavailable")
	ErrMixedCurrency      = errors.New("cart mixes currencies")
)

// CheckoutStore creates pending orders from a cart. Line items are priced
// from the catalog at creation time and never mutated afterward; only the
// state machine touches the order after this.
type CheckoutStore struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewCheckoutStore(db *sql.DB, logger *zap.Logger) *CheckoutStore {
	return &CheckoutStore{db: db, logger: logger}
}

func (s *CheckoutStore) CreateOrder(ctx context.Context, userID int, req models.CheckoutRequest) (*models.Order, []models.OrderItem, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var total int64
	var currency string
	items := make([]models.OrderItem, 0, len(req.Items))

	for _, item := range req.Items {
		var priceCents int64
		var productCurrency string
		var active bool
		err := tx.QueryRowContext(ctx,
			"SELECT price_cents, currency, active FROM products WHERE id = $1",
			item.ProductID,
		).Scan(&priceCents, &productCurrency, &active)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, nil, fmt.Errorf("%w: product %d", ErrProductUnavailable, item.ProductID)
			}
			return nil, nil, fmt.Errorf("failed to price product %d: %w", item.ProductID, err)
		}
		if !active {
			return nil, nil, fmt.Errorf("%w: product %d", ErrProductUnavailable, item.ProductID)
		}
		// An order carries one currency; cent totals across currencies are
		// meaningless.
		if currency != "" && currency != productCurrency {
			return nil, nil, fmt.Errorf("%w: %s and %s", ErrMixedCurrency, currency, productCurrency)
		}

		lineTotal := priceCents * int64(item.Quantity)
		total += lineTotal
		currency = productCurrency
		items = append(items, models.OrderItem{
			ProductID:      item.ProductID,
			Quantity:       item.Quantity,
			UnitCents:      priceCents,
			LineTotalCents: lineTotal,
		})
	}

	sessionRef, err := newSessionRef()
	if err != nil {
		return nil, nil, err
	}

	var order models.Order
	err = tx.QueryRowContext(ctx,
		"INSERT INTO orders (user_id, total_cents, currency, status, session_ref) VALUES ($1, $2, $3, $4, $5) RETURNING id, user_id, total_cents, currency, status, session_ref, created_at, updated_at",
		userID, total, currency, models.OrderStatusPending, sessionRef,
	).Scan(&order.ID, &order.UserID, &order.TotalCents, &order.Currency, &order.Status,
		&order.SessionRef, &order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create order: %w", err)
	}

	for i := range items {
		items[i].OrderID = order.ID
		err := tx.QueryRowContext(ctx,
			"INSERT INTO order_items (order_id, product_id, quantity, unit_cents, line_total_cents) VALUES ($1, $2, $3, $4, $5) RETURNING id",
			order.ID, items[i].ProductID, items[i].Quantity, items[i].UnitCents, items[i].LineTotalCents,
		).Scan(&items[i].ID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create order item: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("failed to commit order: %w", err)
	}

	s.logger.Info("Order created",
		zap.Int("order_id", order.ID),
		zap.Int("user_id", userID),
		zap.Int64("total_cents", total),
		zap.String("session_ref", sessionRef))
	return &order, items, nil
}

// GetOrder returns an order by id, scoped to its owner.
func (s *CheckoutStore) GetOrder(ctx context.Context, orderID, userID int) (*models.Order, error) {
	order, err := scanOrder(s.db.QueryRowContext(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE id = $1 AND user_id = $2", orderID, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return order, nil
}

func newSessionRef() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate session ref: %w", err)
	}
	return "cs_" + hex.EncodeToString(buf), nil
}
