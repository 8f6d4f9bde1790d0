package models

import "time"

type OrderStatus string

const (
	OrderStatusPending  OrderStatus = "pending"
	OrderStatusPaid     OrderStatus = "paid"
	OrderStatusFailed   OrderStatus = "failed"
	OrderStatusRefunded OrderStatus = "refunded"
)

// Terminal reports whether no webhook-driven transition can leave the status.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusFailed || s == OrderStatusRefunded
}

type Order struct {
	ID            int         `json:"id"`
	UserID        int         `json:"user_id"`
	TotalCents    int64       `json:"total_cents"`
	Currency      string      `json:"currency"`
	Status        OrderStatus `json:"status"`
	SessionRef    string      `json:"session_ref"`
	PaymentRef    string      `json:"payment_ref,omitempty"`
	PaidAt        *time.Time  `json:"paid_at,omitempty"`
	FailureReason string      `json:"failure_reason,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

type OrderItem struct {
	ID             int   `json:"id"`
	OrderID        int   `json:"order_id"`
	ProductID      int   `json:"product_id"`
	Quantity       int   `json:"quantity"`
	UnitCents      int64 `json:"unit_cents"`
	LineTotalCents int64 `json:"line_total_cents"`
}

type CheckoutItem struct {
	ProductID int `json:"product_id" binding:"required"`
	Quantity  int `json:"quantity" binding:"required,gt=0"`
}

// CheckoutRequest is the cart value object priced into a pending order.
type CheckoutRequest struct {
	Items []CheckoutItem `json:"items" binding:"required,min=1,dive"`
}

type CheckoutResponse struct {
	Order Order       `json:"order"`
	Items []OrderItem `json:"items"`
}
