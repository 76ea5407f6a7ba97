package storage

import (
	"context"
	"time"
)

// ObjectStore is the asset persistence surface. Reconciliation treats
// Exists as the source of truth for whether work actually finished, so
// implementations must answer it from durable state only.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte) (string, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	SignedURL(key string, ttl time.Duration) (string, error)
}
