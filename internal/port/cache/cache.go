// Package cache defines the port interface for caching. DeployOps caches
// plan lookups and retrieval shortlists; entries are always reconstructable
// from the stores, so every implementation may evict freely.
package cache

import (
	"context"
	"time"
)

// Cache is the port interface for key-value caching. A miss is reported via
// the bool, not an error; errors are reserved for backend failures.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
