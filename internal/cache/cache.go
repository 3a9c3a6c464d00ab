// Package cache provides the TTL caches shared by the sync orchestrator
// and the correlation engine. Values are stored as JSON.
package cache

import (
	"context"
	"time"
)

// Cache is a key/value store with per-entry expiry. Get reports false for
// missing or expired entries.
type Cache interface {
	Get(ctx context.Context, key string, dest any) (bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
