package models

import "time"

// ProcessedEvent is an append-only ledger row recording a handled provider
// event. Rows are never mutated or deleted; the raw payload is kept for audit.
type ProcessedEvent struct {
	ID          int       `json:"id"`
	EventID     string    `json:"event_id"`
	Kind        string    `json:"kind"`
	Payload     []byte    `json:"-"`
	ProcessedAt time.Time `json:"processed_at"`
}

// FulfillmentEvent is published to Kafka for the notification consumer.
type FulfillmentEvent struct {
	OrderID    int    `json:"order_id,omitempty"`
	UserID     int    `json:"user_id"`
	GrantID    int    `json:"grant_id,omitempty"`
	ProductID  int    `json:"product_id,omitempty"`
	FileID     int    `json:"file_id,omitempty"`
	TotalCents int64  `json:"total_cents,omitempty"`
	Currency   string `json:"currency,omitempty"`
	Reason     string `json:"reason,omitempty"`
	EventType  string `json:"event_type"` // order_created, order_paid, order_payment_failed, grant_created
}
