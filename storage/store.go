// Package storage is the asset store collaborator: it turns a file key into
// a short-lived signed URL. The fulfillment service never streams file bytes
// itself.
package storage

import "context"

type Store interface {
	SignURL(ctx context.Context, fileKey string) (string, error)
}
