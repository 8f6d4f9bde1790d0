package models

import "time"

// DownloadGrant entitles a user to download one file of one product.
// OrderID is nil for grants issued outside a purchase (promotions).
type DownloadGrant struct {
	ID            int        `json:"id"`
	UserID        int        `json:"user_id"`
	ProductID     int        `json:"product_id"`
	FileID        int        `json:"file_id"`
	OrderID       *int       `json:"order_id,omitempty"`
	MaxDownloads  *int       `json:"max_downloads,omitempty"`
	DownloadsUsed int        `json:"downloads_used"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Expired reports whether the grant's expiry has passed at the given time.
func (g *DownloadGrant) Expired(now time.Time) bool {
	return g.ExpiresAt != nil && g.ExpiresAt.Before(now)
}

// Remaining returns the number of downloads left on the grant at the given
// time. An expired grant has zero remaining; a grant without a download cap
// returns nil (unlimited).
func (g *DownloadGrant) Remaining(now time.Time) *int {
	if g.Expired(now) {
		zero := 0
		return &zero
	}
	if g.MaxDownloads == nil {
		return nil
	}
	left := *g.MaxDownloads - g.DownloadsUsed
	if left < 0 {
		left = 0
	}
	return &left
}
