// Package database defines the persistent store port (interface).
package database

import (
	"context"
	"time"

	"github.com/Strob0t/SpendGate/internal/domain/alert"
	"github.com/Strob0t/SpendGate/internal/domain/budget"
	"github.com/Strob0t/SpendGate/internal/domain/money"
	"github.com/Strob0t/SpendGate/internal/domain/pricing"
	"github.com/Strob0t/SpendGate/internal/domain/usage"
)

// Store is the port interface for persistent pricing, budget and cost data.
type Store interface {
	// Prices. GetPrice returns the current-dated row for (provider, model),
	// domain.ErrNotFound when no row is effective yet.
	GetPrice(ctx context.Context, provider, model string) (*pricing.Entry, error)
	UpsertPrice(ctx context.Context, e pricing.Entry) error

	// Budget limits. At most one active limit per (scope, period type).
	GetLimit(ctx context.Context, scope budget.Scope, period budget.PeriodType) (*budget.Limit, error)
	ListLimits(ctx context.Context, scope budget.Scope) ([]budget.Limit, error)
	UpsertLimit(ctx context.Context, l budget.Limit) error

	// Spend aggregates. GetSpend returns domain.ErrNotFound when no spend has
	// been recorded in the period yet.
	GetSpend(ctx context.Context, scope budget.Scope, period budget.PeriodType, periodStart time.Time) (*budget.SpendAggregate, error)

	// ApplySpend persists the cost record and applies every increment in one
	// transaction. The cost-record insert is keyed by request ID, so a replay
	// returns applied=false with no increments (idempotent no-op). Each
	// increment is commutative SQL addition, never read-modify-write in
	// application code; the returned aggregates are the post-increment rows.
	ApplySpend(ctx context.Context, rec usage.CostRecord, incs []SpendIncrement) (aggs []budget.SpendAggregate, applied bool, err error)

	// Alert marks. MarkAlertFired returns fired=false when the same
	// (scope, period type, period, threshold) has already fired.
	MarkAlertFired(ctx context.Context, ev alert.Event) (fired bool, err error)
}

// SpendIncrement is one aggregate addition within an ApplySpend transaction.
type SpendIncrement struct {
	Scope       budget.Scope
	PeriodType  budget.PeriodType
	PeriodStart time.Time
	PeriodEnd   time.Time
	Amount      money.Amount
}
