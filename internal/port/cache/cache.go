// Package cache defines the port for the frozen-document cache. Maestro
// caches immutable, content-addressed blobs (committed spec versions keyed
// by their hash), so entries never go stale; TTL only bounds residency.
// The store of record stays authoritative: callers must treat every miss
// or error as "load from the store".
package cache

import (
	"context"
	"time"
)

// Cache is the document cache contract implemented by the in-process,
// remote, and tiered adapters.
type Cache interface {
	// Get returns the cached document. A miss is (nil, false, nil).
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores a document. Implementations may evict before ttl expires
	// and may apply it best-effort.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes a document. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}
