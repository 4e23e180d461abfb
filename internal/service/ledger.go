package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Strob0t/SpendGate/internal/domain"
	"github.com/Strob0t/SpendGate/internal/domain/budget"
	"github.com/Strob0t/SpendGate/internal/domain/money"
	"github.com/Strob0t/SpendGate/internal/domain/usage"
	"github.com/Strob0t/SpendGate/internal/port/cache"
	"github.com/Strob0t/SpendGate/internal/port/database"
)

// Ledger holds per-scope, per-period limits and accumulated spend behind two
// independently cached views. Limits change rarely and cache for minutes;
// spend changes on every request and caches for a shorter window. Both are
// additionally invalidated explicitly on writes, because within a tight limit
// a burst inside the spend TTL alone could collectively overrun it.
type Ledger struct {
	store      database.Store
	limitCache cache.Cache
	spendCache cache.Cache
	limitTTL   time.Duration
	spendTTL   time.Duration
	storeTO    time.Duration
	now        func() time.Time // for testing
}

// LedgerOptions tunes the ledger's cache TTLs and store-access budget.
type LedgerOptions struct {
	LimitTTL     time.Duration // default 5m
	SpendTTL     time.Duration // default 1m
	StoreTimeout time.Duration // per-read budget on the check path
}

// cachedLimit is the limit-cache envelope. A nil Limit is a cached negative:
// the scope has no limit configured for that period.
type cachedLimit struct {
	Limit *budget.Limit `json:"limit"`
}

// cachedSpend is the spend-cache envelope.
type cachedSpend struct {
	Accumulated money.Amount `json:"accumulated"`
	PeriodStart time.Time    `json:"period_start"`
}

// NewLedger creates a Ledger. limitCache and spendCache must be distinct
// cache instances so eviction pressure on one never evicts the other.
func NewLedger(store database.Store, limitCache, spendCache cache.Cache, opts LedgerOptions) *Ledger {
	if opts.LimitTTL <= 0 {
		opts.LimitTTL = 5 * time.Minute
	}
	if opts.SpendTTL <= 0 {
		opts.SpendTTL = time.Minute
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 2 * time.Second
	}
	return &Ledger{
		store:      store,
		limitCache: limitCache,
		spendCache: spendCache,
		limitTTL:   opts.LimitTTL,
		spendTTL:   opts.SpendTTL,
		storeTO:    opts.StoreTimeout,
		now:        time.Now,
	}
}

// Check walks the scope stack against every configured period type and denies
// on the first violation found. Nothing is partially applied: the check reads,
// it never reserves. Internal failures propagate to the caller, which decides
// the fail-open policy; a legitimate denial is not an error.
func (l *Ledger) Check(ctx context.Context, scopes []budget.Scope, estimated money.Amount) (*budget.Decision, error) {
	now := l.now()

	for _, scope := range scopes {
		for _, period := range budget.PeriodTypes {
			limit, err := l.limitFor(ctx, scope, period)
			if err != nil {
				return nil, fmt.Errorf("limit lookup %s/%s: %w", scope.Type, period, err)
			}
			if limit == nil || !limit.IsActive {
				continue
			}

			var current money.Amount
			if period != budget.PeriodPerRequest {
				current, err = l.spendFor(ctx, scope, period, now)
				if err != nil {
					return nil, fmt.Errorf("spend lookup %s/%s: %w", scope.Type, period, err)
				}
			}

			if current.Add(estimated) > limit.LimitAmount {
				return &budget.Decision{
					Allowed:       false,
					EstimatedCost: estimated,
					Denial: &budget.Denial{
						Scope:        scope,
						PeriodType:   period,
						CurrentSpend: current,
						LimitAmount:  limit.LimitAmount,
					},
				}, nil
			}
		}
	}

	return &budget.Decision{Allowed: true, EstimatedCost: estimated}, nil
}

// RecordSpend persists the cost record and increments every applicable
// (scope, period) aggregate in one idempotent transaction, then refreshes the
// spend cache entries it touched. Replays of the same request ID apply
// nothing and return ErrDuplicateRecord.
func (l *Ledger) RecordSpend(ctx context.Context, rec usage.CostRecord, scopes []budget.Scope, occurredAt time.Time) ([]budget.SpendAggregate, error) {
	incs := make([]database.SpendIncrement, 0, len(scopes)*2)
	for _, scope := range scopes {
		for _, period := range []budget.PeriodType{budget.PeriodDaily, budget.PeriodMonthly} {
			start, end := period.Window(occurredAt)
			incs = append(incs, database.SpendIncrement{
				Scope:       scope,
				PeriodType:  period,
				PeriodStart: start,
				PeriodEnd:   end,
				Amount:      rec.Breakdown.TotalCost,
			})
		}
	}

	aggs, applied, err := l.store.ApplySpend(ctx, rec, incs)
	if err != nil {
		return nil, fmt.Errorf("apply spend: %w", err)
	}
	if !applied {
		slog.Debug("ledger: duplicate cost record ignored", "request_id", rec.RequestID)
		return nil, fmt.Errorf("request %s: %w", rec.RequestID, domain.ErrDuplicateRecord)
	}

	// Explicit per-key invalidation, then write-through of the fresh totals.
	for _, agg := range aggs {
		key := budget.SpendKey(agg.Scope, agg.PeriodType)
		if err := l.spendCache.Delete(ctx, key); err != nil {
			slog.Warn("ledger: spend cache invalidation failed", "key", key, "error", err)
			continue
		}
		l.cacheSpend(ctx, key, agg.Accumulated, agg.PeriodStart)
	}

	return aggs, nil
}

// UpsertLimit validates and persists a limit, then invalidates exactly the
// (scope, period type) limit cache entry it touched.
func (l *Ledger) UpsertLimit(ctx context.Context, limit budget.Limit) error {
	if err := limit.Validate(); err != nil {
		return fmt.Errorf("%w: %s", domain.ErrValidation, err)
	}
	if err := l.store.UpsertLimit(ctx, limit); err != nil {
		return fmt.Errorf("upsert limit: %w", err)
	}
	if err := l.limitCache.Delete(ctx, budget.LimitKey(limit.Scope, limit.PeriodType)); err != nil {
		slog.Warn("ledger: limit cache invalidation failed",
			"scope", limit.Scope.ID, "period", limit.PeriodType, "error", err)
	}
	return nil
}

// Limit returns the active limit for one (scope, period type), nil when none
// is configured.
func (l *Ledger) Limit(ctx context.Context, scope budget.Scope, period budget.PeriodType) (*budget.Limit, error) {
	return l.limitFor(ctx, scope, period)
}

// Status reports spend versus limit for every configured period of a scope.
func (l *Ledger) Status(ctx context.Context, scope budget.Scope) ([]PeriodStatus, error) {
	limits, err := l.store.ListLimits(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("list limits: %w", err)
	}

	now := l.now()
	statuses := make([]PeriodStatus, 0, len(limits))
	for _, limit := range limits {
		st := PeriodStatus{Limit: limit}
		if limit.PeriodType != budget.PeriodPerRequest {
			spend, err := l.spendFor(ctx, scope, limit.PeriodType, now)
			if err != nil {
				return nil, fmt.Errorf("spend lookup %s/%s: %w", scope.Type, limit.PeriodType, err)
			}
			st.CurrentSpend = spend
			if limit.LimitAmount > 0 {
				st.UtilizationPct = float64(spend.Nanos()) / float64(limit.LimitAmount.Nanos()) * 100
			}
		}
		statuses = append(statuses, st)
	}
	return statuses, nil
}

// PeriodStatus pairs a configured limit with the current period's spend.
type PeriodStatus struct {
	Limit          budget.Limit `json:"limit"`
	CurrentSpend   money.Amount `json:"current_spend"`
	UtilizationPct float64      `json:"utilization_pct"`
}

// limitFor reads the limit through the cache. Negative results (no limit
// configured) are cached too; without that every uncapped scope would hit the
// store on the hot path.
func (l *Ledger) limitFor(ctx context.Context, scope budget.Scope, period budget.PeriodType) (*budget.Limit, error) {
	key := budget.LimitKey(scope, period)

	if data, ok, err := l.cacheGet(ctx, l.limitCache, key); err == nil && ok {
		var cl cachedLimit
		if err := json.Unmarshal(data, &cl); err == nil {
			return cl.Limit, nil
		}
		slog.Warn("ledger: corrupt limit cache entry", "key", key)
	}

	sctx, cancel := context.WithTimeout(ctx, l.storeTO)
	defer cancel()

	limit, err := l.store.GetLimit(sctx, scope, period)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		limit = nil
	case err != nil:
		return nil, err
	}

	if data, err := json.Marshal(cachedLimit{Limit: limit}); err == nil {
		if err := l.limitCache.Set(ctx, key, data, l.limitTTL); err != nil {
			slog.Warn("ledger: limit cache set failed", "key", key, "error", err)
		}
	}
	return limit, nil
}

// spendFor reads the current period's accumulated spend through the cache.
// A cached entry from a previous period window is ignored, so a period
// rollover starts from zero without waiting for the TTL.
func (l *Ledger) spendFor(ctx context.Context, scope budget.Scope, period budget.PeriodType, now time.Time) (money.Amount, error) {
	key := budget.SpendKey(scope, period)
	start, _ := period.Window(now)

	if data, ok, err := l.cacheGet(ctx, l.spendCache, key); err == nil && ok {
		var cs cachedSpend
		if err := json.Unmarshal(data, &cs); err == nil && cs.PeriodStart.Equal(start) {
			return cs.Accumulated, nil
		}
	}

	sctx, cancel := context.WithTimeout(ctx, l.storeTO)
	defer cancel()

	agg, err := l.store.GetSpend(sctx, scope, period, start)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		l.cacheSpend(ctx, key, 0, start)
		return 0, nil
	case err != nil:
		return 0, err
	}

	l.cacheSpend(ctx, key, agg.Accumulated, agg.PeriodStart)
	return agg.Accumulated, nil
}

func (l *Ledger) cacheSpend(ctx context.Context, key string, amount money.Amount, periodStart time.Time) {
	data, err := json.Marshal(cachedSpend{Accumulated: amount, PeriodStart: periodStart})
	if err != nil {
		return
	}
	if err := l.spendCache.Set(ctx, key, data, l.spendTTL); err != nil {
		slog.Warn("ledger: spend cache set failed", "key", key, "error", err)
	}
}

func (l *Ledger) cacheGet(ctx context.Context, c cache.Cache, key string) ([]byte, bool, error) {
	data, ok, err := c.Get(ctx, key)
	if err != nil {
		slog.Warn("ledger: cache get failed", "key", key, "error", err)
		return nil, false, err
	}
	return data, ok, nil
}
