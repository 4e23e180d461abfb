package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/SpendGate/internal/domain"
	"github.com/Strob0t/SpendGate/internal/domain/alert"
	"github.com/Strob0t/SpendGate/internal/domain/budget"
	"github.com/Strob0t/SpendGate/internal/domain/money"
	"github.com/Strob0t/SpendGate/internal/domain/pricing"
	"github.com/Strob0t/SpendGate/internal/domain/usage"
	"github.com/Strob0t/SpendGate/internal/port/database"
)

// Store implements database.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// --- Prices ---

// GetPrice returns the newest price row for (provider, model) whose
// effective date is not in the future.
func (s *Store) GetPrice(ctx context.Context, provider, model string) (*pricing.Entry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT provider, model, unit, input_rate_nanos, output_rate_nanos, flat_rate_nanos,
		        currency, billing_model, effective_date
		 FROM price_entries
		 WHERE provider = $1 AND model = $2 AND effective_date <= now()
		 ORDER BY effective_date DESC
		 LIMIT 1`, provider, model)

	e, err := scanPrice(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("price %s/%s: %w", provider, model, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get price %s/%s: %w", provider, model, err)
	}
	return &e, nil
}

// UpsertPrice inserts or replaces the price row keyed by
// (provider, model, effective_date).
func (s *Store) UpsertPrice(ctx context.Context, e pricing.Entry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO price_entries
		   (provider, model, unit, input_rate_nanos, output_rate_nanos, flat_rate_nanos,
		    currency, billing_model, effective_date)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (provider, model, effective_date) DO UPDATE SET
		   unit = EXCLUDED.unit,
		   input_rate_nanos = EXCLUDED.input_rate_nanos,
		   output_rate_nanos = EXCLUDED.output_rate_nanos,
		   flat_rate_nanos = EXCLUDED.flat_rate_nanos,
		   currency = EXCLUDED.currency,
		   billing_model = EXCLUDED.billing_model`,
		e.Provider, e.Model, string(e.Unit),
		e.InputRate.Nanos(), e.OutputRate.Nanos(), e.FlatRate.Nanos(),
		e.Currency, string(e.BillingModel), e.EffectiveDate)
	if err != nil {
		return fmt.Errorf("upsert price %s/%s: %w", e.Provider, e.Model, err)
	}
	return nil
}

// --- Budget limits ---

func (s *Store) GetLimit(ctx context.Context, scope budget.Scope, period budget.PeriodType) (*budget.Limit, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT scope_type, scope_id, period_type, limit_nanos, currency, alert_thresholds, is_active
		 FROM budget_limits
		 WHERE scope_type = $1 AND scope_id = $2 AND period_type = $3`,
		string(scope.Type), scope.ID, string(period))

	l, err := scanLimit(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("limit %s/%s/%s: %w", scope.Type, scope.ID, period, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get limit %s/%s/%s: %w", scope.Type, scope.ID, period, err)
	}
	return &l, nil
}

func (s *Store) ListLimits(ctx context.Context, scope budget.Scope) ([]budget.Limit, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT scope_type, scope_id, period_type, limit_nanos, currency, alert_thresholds, is_active
		 FROM budget_limits
		 WHERE scope_type = $1 AND scope_id = $2
		 ORDER BY period_type`,
		string(scope.Type), scope.ID)
	if err != nil {
		return nil, fmt.Errorf("list limits %s/%s: %w", scope.Type, scope.ID, err)
	}
	defer rows.Close()

	var limits []budget.Limit
	for rows.Next() {
		l, err := scanLimit(rows)
		if err != nil {
			return nil, err
		}
		limits = append(limits, l)
	}
	return limits, rows.Err()
}

// UpsertLimit enforces the one-active-limit-per-(scope, period) invariant via
// the primary key.
func (s *Store) UpsertLimit(ctx context.Context, l budget.Limit) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO budget_limits
		   (scope_type, scope_id, period_type, limit_nanos, currency, alert_thresholds, is_active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (scope_type, scope_id, period_type) DO UPDATE SET
		   limit_nanos = EXCLUDED.limit_nanos,
		   currency = EXCLUDED.currency,
		   alert_thresholds = EXCLUDED.alert_thresholds,
		   is_active = EXCLUDED.is_active,
		   updated_at = now()`,
		string(l.Scope.Type), l.Scope.ID, string(l.PeriodType),
		l.LimitAmount.Nanos(), l.Currency, intArray(l.AlertThresholds), l.IsActive)
	if err != nil {
		return fmt.Errorf("upsert limit %s/%s/%s: %w", l.Scope.Type, l.Scope.ID, l.PeriodType, err)
	}
	return nil
}

// --- Spend aggregates ---

func (s *Store) GetSpend(ctx context.Context, scope budget.Scope, period budget.PeriodType, periodStart time.Time) (*budget.SpendAggregate, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT scope_type, scope_id, period_type, period_start, period_end, accumulated_nanos
		 FROM spend_aggregates
		 WHERE scope_type = $1 AND scope_id = $2 AND period_type = $3 AND period_start = $4`,
		string(scope.Type), scope.ID, string(period), periodStart)

	agg, err := scanAggregate(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("spend %s/%s/%s: %w", scope.Type, scope.ID, period, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get spend %s/%s/%s: %w", scope.Type, scope.ID, period, err)
	}
	return &agg, nil
}

// ApplySpend inserts the cost record and applies the increments in one
// transaction. The record insert is the idempotency gate: a conflicting
// request ID rolls the whole transaction back to a no-op. Each increment is
// an atomic upsert-add, so concurrent transactions for the same scope
// commute to the same total regardless of interleaving.
func (s *Store) ApplySpend(ctx context.Context, rec usage.CostRecord, incs []database.SpendIncrement) ([]budget.SpendAggregate, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("apply spend: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`INSERT INTO cost_records
		   (id, request_id, provider, model, input_units, output_units,
		    input_cost_nanos, output_cost_nanos, total_cost_nanos,
		    currency, unit, price_source, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (request_id) DO NOTHING`,
		rec.ID, rec.RequestID, rec.Provider, rec.Model, rec.InputUnits, rec.OutputUnits,
		rec.Breakdown.InputCost.Nanos(), rec.Breakdown.OutputCost.Nanos(), rec.Breakdown.TotalCost.Nanos(),
		rec.Breakdown.Currency, string(rec.Breakdown.Unit), string(rec.Breakdown.Source), rec.RecordedAt)
	if err != nil {
		return nil, false, fmt.Errorf("apply spend: insert record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Replay of an already-recorded request.
		return nil, false, nil
	}

	aggs := make([]budget.SpendAggregate, 0, len(incs))
	for _, inc := range incs {
		row := tx.QueryRow(ctx,
			`INSERT INTO spend_aggregates
			   (scope_type, scope_id, period_type, period_start, period_end, accumulated_nanos)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (scope_type, scope_id, period_type, period_start) DO UPDATE SET
			   accumulated_nanos = spend_aggregates.accumulated_nanos + EXCLUDED.accumulated_nanos,
			   updated_at = now()
			 RETURNING scope_type, scope_id, period_type, period_start, period_end, accumulated_nanos`,
			string(inc.Scope.Type), inc.Scope.ID, string(inc.PeriodType),
			inc.PeriodStart, inc.PeriodEnd, inc.Amount.Nanos())

		agg, err := scanAggregate(row)
		if err != nil {
			return nil, false, fmt.Errorf("apply spend: increment %s/%s/%s: %w",
				inc.Scope.Type, inc.Scope.ID, inc.PeriodType, err)
		}
		aggs = append(aggs, agg)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("apply spend: commit: %w", err)
	}
	return aggs, true, nil
}

// --- Alerts ---

// MarkAlertFired claims the (scope, period type, period, threshold) slot.
// The unique constraint makes the claim race-free across concurrent
// recorders; losing the race reports fired=false.
func (s *Store) MarkAlertFired(ctx context.Context, ev alert.Event) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO budget_alerts
		   (id, scope_type, scope_id, period_type, period_start, threshold_pct,
		    spend_nanos, limit_nanos, fired_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (scope_type, scope_id, period_type, period_start, threshold_pct) DO NOTHING`,
		ev.ID, string(ev.Scope.Type), ev.Scope.ID, string(ev.PeriodType), ev.PeriodStart,
		ev.ThresholdPct, ev.SpendAtTrigger.Nanos(), ev.LimitAtTrigger.Nanos(), ev.Timestamp)
	if err != nil {
		return false, fmt.Errorf("mark alert fired: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// --- Scan helpers ---

// scannable abstracts pgx.Row and pgx.Rows for shared scan helpers.
type scannable interface {
	Scan(dest ...any) error
}

func scanPrice(row scannable) (pricing.Entry, error) {
	var (
		e                      pricing.Entry
		unit, billing          string
		inNanos, outNanos      int64
		flatNanos              int64
	)
	err := row.Scan(&e.Provider, &e.Model, &unit, &inNanos, &outNanos, &flatNanos,
		&e.Currency, &billing, &e.EffectiveDate)
	if err != nil {
		return pricing.Entry{}, err
	}
	e.Unit = pricing.Unit(unit)
	e.BillingModel = pricing.BillingModel(billing)
	e.InputRate = money.FromNanos(inNanos)
	e.OutputRate = money.FromNanos(outNanos)
	e.FlatRate = money.FromNanos(flatNanos)
	e.Source = pricing.SourceDatabase
	return e, nil
}

func scanLimit(row scannable) (budget.Limit, error) {
	var (
		l                      budget.Limit
		scopeType, periodType  string
		limitNanos             int64
		thresholds             []int32
	)
	err := row.Scan(&scopeType, &l.Scope.ID, &periodType, &limitNanos,
		&l.Currency, &thresholds, &l.IsActive)
	if err != nil {
		return budget.Limit{}, err
	}
	l.Scope.Type = budget.ScopeType(scopeType)
	l.PeriodType = budget.PeriodType(periodType)
	l.LimitAmount = money.FromNanos(limitNanos)
	l.AlertThresholds = make([]int, len(thresholds))
	for i, t := range thresholds {
		l.AlertThresholds[i] = int(t)
	}
	return l, nil
}

func scanAggregate(row scannable) (budget.SpendAggregate, error) {
	var (
		agg                   budget.SpendAggregate
		scopeType, periodType string
		accNanos              int64
	)
	err := row.Scan(&scopeType, &agg.Scope.ID, &periodType,
		&agg.PeriodStart, &agg.PeriodEnd, &accNanos)
	if err != nil {
		return budget.SpendAggregate{}, err
	}
	agg.Scope.Type = budget.ScopeType(scopeType)
	agg.PeriodType = budget.PeriodType(periodType)
	agg.Accumulated = money.FromNanos(accNanos)
	return agg, nil
}

// intArray converts []int to a pgx-compatible int32 array.
// nil slices become empty arrays to avoid SQL NULL.
func intArray(s []int) []int32 {
	out := make([]int32, len(s))
	for i, v := range s {
		out[i] = int32(v)
	}
	return out
}
