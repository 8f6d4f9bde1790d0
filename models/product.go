package models

import "time"

type Product struct {
	ID         int       `json:"id"`
	Name       string    `json:"name"`
	Slug       string    `json:"slug"`
	PriceCents int64     `json:"price_cents"`
	Currency   string    `json:"currency"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
}

// ProductFile is a downloadable asset attached to a product. FileKey is the
// asset store's object key.
type ProductFile struct {
	ID        int    `json:"id"`
	ProductID int    `json:"product_id"`
	Name      string `json:"name"`
	FileKey   string `json:"file_key"`
	SizeBytes int64  `json:"size_bytes"`
}

type ProductDetail struct {
	Product Product       `json:"product"`
	Files   []ProductFile `json:"files"`
}
