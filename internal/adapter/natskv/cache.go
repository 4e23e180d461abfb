// Package natskv backs the shared price-cache tier with a NATS
// JetStream KeyValue bucket, so price invalidations and refreshes are
// visible to every instance of the service.
package natskv

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Cache adapts a JetStream KeyValue bucket to the cache port.
type Cache struct {
	kv jetstream.KeyValue
}

// New wraps the given bucket. Expiry is the bucket's TTL; the
// per-entry freshness window is enforced by the tiered cache above.
func New(kv jetstream.KeyValue) *Cache {
	return &Cache{kv: kv}
}

// Get returns the cached value, reporting a missing key as an ordinary
// miss.
func (c *Cache) Get(ctx context.Context, key string) (data []byte, ok bool, err error) {
	entry, err := c.kv.Get(ctx, kvKey(key))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return entry.Value(), true, nil
}

// Set stores the value. The ttl argument is ignored; expiry is
// configured on the bucket.
func (c *Cache) Set(ctx context.Context, key string, value []byte, _ time.Duration) error {
	_, err := c.kv.Put(ctx, kvKey(key), value)
	return err
}

// Delete removes the key, treating an already-absent key as success.
func (c *Cache) Delete(ctx context.Context, key string) error {
	err := c.kv.Delete(ctx, kvKey(key))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	return err
}

// kvKey maps a cache key onto the KV key charset. The domain keys use
// ':' separators ("price:openai:gpt-4o"), which JetStream KV rejects;
// dots are valid and keep the segments readable.
func kvKey(key string) string {
	return strings.ReplaceAll(key, ":", ".")
}
