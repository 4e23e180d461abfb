package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Strob0t/SpendGate/internal/catalog"
	"github.com/Strob0t/SpendGate/internal/domain/pricing"
	"github.com/Strob0t/SpendGate/internal/port/cache"
	"github.com/Strob0t/SpendGate/internal/port/database"
	"github.com/Strob0t/SpendGate/internal/resilience"
)

// Resolver resolves a price entry for a (provider, model) pair through an
// ordered fallback chain: cached store row, driver-default catalog entry,
// universal fallback. It never fails; every lookup returns a usable entry
// whose Source records which tier answered.
type Resolver struct {
	store    database.Store
	cache    cache.Cache
	cat      *catalog.Catalog
	breaker  *resilience.Breaker
	ttl      time.Duration
	storeTO  time.Duration
	group    singleflight.Group
	now      func() time.Time // for testing
}

// ResolverOptions tunes the resolver's caching and store-access behavior.
type ResolverOptions struct {
	TTL          time.Duration // price cache freshness window (default 1h)
	StoreTimeout time.Duration // per-lookup budget for the persistent store
}

// cachedPrice is the cache value envelope; FetchedAt drives staleness.
type cachedPrice struct {
	Entry     pricing.Entry `json:"entry"`
	FetchedAt time.Time     `json:"fetched_at"`
}

// NewResolver creates a Resolver over the given store, cache and catalog.
// breaker guards store reads and may be nil to disable circuit breaking.
func NewResolver(store database.Store, c cache.Cache, cat *catalog.Catalog, breaker *resilience.Breaker, opts ResolverOptions) *Resolver {
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 2 * time.Second
	}
	return &Resolver{
		store:   store,
		cache:   c,
		cat:     cat,
		breaker: breaker,
		ttl:     opts.TTL,
		storeTO: opts.StoreTimeout,
		now:     time.Now,
	}
}

// Resolve returns the price entry for (provider, model).
//
// A fresh cache hit is returned directly. A stale hit is returned as-is and a
// background refresh is kicked off; resolution never blocks on a refresh.
// On a miss the store is consulted within a short timeout; store failures and
// malformed rows are treated as absent and fall through to the catalog, then
// to the universal fallback.
func (r *Resolver) Resolve(ctx context.Context, provider, model string) pricing.Entry {
	key := pricing.Key(provider, model)

	if data, ok, err := r.cache.Get(ctx, key); err == nil && ok {
		var cp cachedPrice
		if err := json.Unmarshal(data, &cp); err == nil {
			if r.now().Sub(cp.FetchedAt) > r.ttl {
				r.refreshAsync(provider, model)
			}
			return cp.Entry
		}
		slog.Warn("price cache: corrupt entry", "key", key)
	}

	if entry, ok := r.lookupStore(ctx, provider, model); ok {
		r.cacheEntry(ctx, key, entry)
		return entry
	}

	if entry, ok := r.cat.Lookup(provider, model); ok {
		entry.Provider = provider
		entry.Model = model
		r.cacheEntry(ctx, key, entry)
		return entry
	}

	slog.Info("pricing: universal fallback", "provider", provider, "model", model)
	return catalog.Fallback(provider, model)
}

// Invalidate drops the cached entry for (provider, model). Called by the
// price upsert path so a new row takes effect before the TTL would expire.
func (r *Resolver) Invalidate(ctx context.Context, provider, model string) error {
	return r.cache.Delete(ctx, pricing.Key(provider, model))
}

// lookupStore reads the persistent price row within the store timeout.
// Any failure (timeout, connection error, open breaker) is "absent", not an
// error: enforcement must degrade to the static tiers, not break.
func (r *Resolver) lookupStore(ctx context.Context, provider, model string) (pricing.Entry, bool) {
	ctx, cancel := context.WithTimeout(ctx, r.storeTO)
	defer cancel()

	var entry *pricing.Entry
	op := func() error {
		var err error
		entry, err = r.store.GetPrice(ctx, provider, model)
		return err
	}

	var err error
	if r.breaker != nil {
		err = r.breaker.Execute(op)
	} else {
		err = op()
	}
	if err != nil || entry == nil {
		if err != nil {
			attrs := []any{"provider", provider, "model", model, "error", err}
			if r.breaker != nil {
				attrs = append(attrs, "breaker", r.breaker.State())
			}
			slog.Warn("pricing: store lookup failed, falling through", attrs...)
		}
		return pricing.Entry{}, false
	}

	if err := entry.Validate(); err != nil {
		slog.Warn("pricing: rejecting inconsistent store row", "error", err)
		return pricing.Entry{}, false
	}
	entry.Source = pricing.SourceDatabase
	return *entry, true
}

// cacheEntry stores an entry with the FetchedAt stamp. The cache TTL is twice
// the freshness window so a stale entry survives long enough to be served
// while its refresh runs.
func (r *Resolver) cacheEntry(ctx context.Context, key string, entry pricing.Entry) {
	data, err := json.Marshal(cachedPrice{Entry: entry, FetchedAt: r.now()})
	if err != nil {
		return
	}
	if err := r.cache.Set(ctx, key, data, 2*r.ttl); err != nil {
		slog.Warn("price cache: set failed", "key", key, "error", err)
	}
}

// refreshAsync re-resolves (provider, model) from the store in the
// background. singleflight collapses concurrent refreshes of the same key.
func (r *Resolver) refreshAsync(provider, model string) {
	key := pricing.Key(provider, model)
	go func() {
		_, _, _ = r.group.Do(key, func() (any, error) {
			ctx, cancel := context.WithTimeout(context.Background(), r.storeTO)
			defer cancel()

			if entry, ok := r.lookupStore(ctx, provider, model); ok {
				r.cacheEntry(ctx, key, entry)
			} else if entry, ok := r.cat.Lookup(provider, model); ok {
				entry.Provider = provider
				entry.Model = model
				r.cacheEntry(ctx, key, entry)
			}
			return nil, nil
		})
	}()
}
