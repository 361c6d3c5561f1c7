// Package tiered composes the in-process and remote spec document caches.
// The journal and postgres store stay authoritative, so the composite
// degrades remote failures to misses instead of surfacing them.
package tiered

import (
	"context"
	"errors"
	"time"

	"github.com/Strob0t/Maestro/internal/port/cache"
)

// Cache reads through an in-process L1 into a shared remote L2.
type Cache struct {
	l1       cache.Cache
	l2       cache.Cache
	l1Expire time.Duration
}

// New builds the composite. l1Expire bounds how long documents backfilled
// from L2 stay resident in L1.
func New(l1, l2 cache.Cache, l1Expire time.Duration) *Cache {
	return &Cache{l1: l1, l2: l2, l1Expire: l1Expire}
}

// Get checks L1, then L2, backfilling L1 on a remote hit. A failing tier
// reads as a miss: the caller falls back to the store of record.
func (c *Cache) Get(ctx context.Context, key string) (data []byte, ok bool, err error) {
	if val, found, lerr := c.l1.Get(ctx, key); lerr == nil && found {
		return val, true, nil
	}

	val, found, rerr := c.l2.Get(ctx, key)
	if rerr != nil || !found {
		return nil, false, nil
	}
	_ = c.l1.Set(ctx, key, val, c.l1Expire)
	return val, true, nil
}

// Set writes both tiers. The L1 write is best-effort; only a remote
// failure is reported.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_ = c.l1.Set(ctx, key, value, ttl)
	return c.l2.Set(ctx, key, value, ttl)
}

// Delete removes the document from both tiers, attempting each even when
// the other fails.
func (c *Cache) Delete(ctx context.Context, key string) error {
	return errors.Join(c.l1.Delete(ctx, key), c.l2.Delete(ctx, key))
}
