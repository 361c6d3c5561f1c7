// Package ristretto is the in-process tier of the spec document cache,
// backed by dgraph-io/ristretto with value size as admission cost.
package ristretto

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// assumedDocBytes sizes the admission counters: committed spec documents
// canonically encode to a few KB each.
const assumedDocBytes = 4 << 10

// Cache holds hot spec documents in process memory.
type Cache struct {
	c *ristretto.Cache[string, []byte]
}

// New creates the in-process cache bounded to maxBytes of document data.
// Admission is sized for roughly maxBytes/assumedDocBytes resident docs.
func New(maxBytes int64) (*Cache, error) {
	counters := maxBytes / assumedDocBytes * 10
	if counters < 1024 {
		counters = 1024
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: counters,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{c: c}, nil
}

// Get returns the cached document, if resident.
func (c *Cache) Get(_ context.Context, key string) (data []byte, ok bool, err error) {
	val, found := c.c.Get(key)
	if !found {
		return nil, false, nil
	}
	return val, true, nil
}

// Set stores a document costed by its size. Admission is asynchronous and
// best-effort; a dropped write is just a future miss against the store.
func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.c.SetWithTTL(key, value, int64(len(value)), ttl)
	return nil
}

// Delete evicts a document.
func (c *Cache) Delete(_ context.Context, key string) error {
	c.c.Del(key)
	return nil
}

// Close releases the cache's internal goroutines.
func (c *Cache) Close() {
	c.c.Close()
}
