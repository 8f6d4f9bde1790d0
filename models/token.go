package models

import "time"

// DownloadToken is a short-lived, single-use credential issued against a
// grant. UsedAt moves from nil to a timestamp exactly once.
type DownloadToken struct {
	ID        int        `json:"id"`
	GrantID   int        `json:"grant_id"`
	Token     string     `json:"token"`
	ExpiresAt time.Time  `json:"expires_at"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// FileRef points the caller at the file backing a consumed token. Streaming
// is delegated to the asset store.
type FileRef struct {
	FileID  int    `json:"file_id"`
	FileKey string `json:"file_key"`
	Name    string `json:"name"`
}
