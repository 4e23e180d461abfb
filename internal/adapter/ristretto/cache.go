// Package ristretto backs the in-process cache tier. The service runs
// three instances: the price L1 in front of the NATS KV tier, and the
// ledger's limit and spend caches, which are L1-only because their
// single-key invalidation must be immediate.
package ristretto

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// Cache adapts a ristretto cache to the cache port.
type Cache struct {
	c *ristretto.Cache[string, []byte]
}

// New creates a cache bounded to maxCostBytes of stored values. Cached
// entries are small JSON blobs (a price entry, a limit, a spend figure),
// so counters are sized for ~10x the expected entry count at an average
// of 100 bytes each.
func New(maxCostBytes int64) (*Cache, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: maxCostBytes / 100 * 10,
		MaxCost:     maxCostBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{c: c}, nil
}

// Get returns the cached value for key, reporting a miss as (nil, false, nil).
func (c *Cache) Get(_ context.Context, key string) (data []byte, ok bool, err error) {
	val, found := c.c.Get(key)
	if !found {
		return nil, false, nil
	}
	return val, true, nil
}

// Set stores value under key for ttl. Ristretto admits asynchronously;
// a just-set key may miss until the write buffer drains, which the
// callers tolerate as an ordinary cache miss.
func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.c.SetWithTTL(key, value, int64(len(value)), ttl)
	return nil
}

// Delete drops key. This is the invalidation path for price upserts,
// limit upserts and spend write-through.
func (c *Cache) Delete(_ context.Context, key string) error {
	c.c.Del(key)
	return nil
}

// Close releases the cache's internal goroutines.
func (c *Cache) Close() {
	c.c.Close()
}
