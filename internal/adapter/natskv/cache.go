// Package natskv is the remote tier of the spec document cache, backed by
// a NATS JetStream KeyValue bucket shared across engine instances.
package natskv

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Cache stores spec documents in a JetStream KV bucket.
type Cache struct {
	kv jetstream.KeyValue
}

// New wraps an existing KV bucket. Entry expiry is governed by the
// bucket's TTL, configured where the bucket is provisioned.
func New(kv jetstream.KeyValue) *Cache {
	return &Cache{kv: kv}
}

// encodeKey maps cache keys onto the KV key alphabet. Spec cache keys
// carry "sha256:" hash prefixes, and KV rejects the colon.
func encodeKey(key string) string {
	return strings.ReplaceAll(key, ":", "_")
}

// Get returns the stored document, if present in the bucket.
func (c *Cache) Get(ctx context.Context, key string) (data []byte, ok bool, err error) {
	entry, err := c.kv.Get(ctx, encodeKey(key))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return entry.Value(), true, nil
}

// Set stores a document. The per-entry ttl is ignored: the bucket TTL
// bounds residency for every entry.
func (c *Cache) Set(ctx context.Context, key string, value []byte, _ time.Duration) error {
	_, err := c.kv.Put(ctx, encodeKey(key), value)
	return err
}

// Delete removes a document; an absent key is not an error.
func (c *Cache) Delete(ctx context.Context, key string) error {
	err := c.kv.Delete(ctx, encodeKey(key))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	return err
}
