package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/Strob0t/SpendGate/internal/adapter/otel"
	"github.com/Strob0t/SpendGate/internal/adapter/ws"
	"github.com/Strob0t/SpendGate/internal/domain"
	"github.com/Strob0t/SpendGate/internal/domain/budget"
	"github.com/Strob0t/SpendGate/internal/domain/money"
)

// Request is the typed pre-call context for one provider request. All
// recognized options are named fields; there is no loosely-typed option bag.
type Request struct {
	RequestID       string
	Provider        string
	Model           string
	UserID          string
	ProjectID       string
	OrgID           string
	EstInputTokens  int64
	MaxOutputTokens int64 // 0 = unknown; estimated as EstInputTokens
}

// Scopes returns the enforcement scope stack for the request.
func (r *Request) Scopes() []budget.Scope {
	return budget.Stack(r.UserID, r.ProjectID, r.OrgID)
}

// Next is the downstream stage of the pipeline — in production, the actual
// provider call. The gate invokes it exactly once on the allow path and not
// at all on a denial.
type Next func(ctx context.Context, req *Request) (any, error)

// GateState names the per-request states of the admission check.
type GateState string

const (
	StateReceived   GateState = "received"
	StateEstimating GateState = "estimating"
	StateChecking   GateState = "checking"
	StateAllowed    GateState = "allowed"
	StateDenied     GateState = "denied"
)

// Gate is the synchronous admission stage: estimate the request's cost,
// consult the ledger, and either forward to the next stage unchanged or
// short-circuit with a structured denial.
//
// Failure policy is fail-open: any internal error during estimation or
// checking is logged and the request proceeds. Availability of the guarded
// service outweighs budget control; only a legitimate denial blocks. This is
// deliberately asymmetric with the recording path, which retries and never
// silently drops.
type Gate struct {
	resolver *Resolver
	calc     *Calculator
	ledger   *Ledger
	hub      Broadcaster
	metrics  *otel.Metrics
}

// NewGate creates a Gate. hub and metrics may be nil.
func NewGate(resolver *Resolver, calc *Calculator, ledger *Ledger, hub Broadcaster, metrics *otel.Metrics) *Gate {
	return &Gate{resolver: resolver, calc: calc, ledger: ledger, hub: hub, metrics: metrics}
}

// Check runs the admission state machine without forwarding anywhere.
// Exposed for the HTTP check endpoint and for callers that embed the gate in
// their own pipelines.
func (g *Gate) Check(ctx context.Context, req *Request) *budget.Decision {
	started := time.Now()
	state := StateReceived

	defer func() {
		if g.metrics != nil {
			g.metrics.ObserveCheck(ctx, string(state), time.Since(started))
		}
	}()

	state = StateEstimating
	entry := g.resolver.Resolve(ctx, req.Provider, req.Model)
	if g.metrics != nil {
		g.metrics.ObservePricing(ctx, string(entry.Source))
	}
	estimated := g.calc.Estimate(entry, req.EstInputTokens, req.MaxOutputTokens)

	state = StateChecking
	decision, err := g.ledger.Check(ctx, req.Scopes(), estimated)
	if err != nil {
		// Fail-open: the check could not complete, the call goes through.
		state = StateAllowed
		slog.Error("gate: check failed, allowing request",
			"request_id", req.RequestID, "provider", req.Provider, "model", req.Model, "error", err)
		return &budget.Decision{Allowed: true, EstimatedCost: estimated}
	}

	if decision.Allowed {
		state = StateAllowed
	} else {
		state = StateDenied
		slog.Info("gate: request denied",
			"request_id", req.RequestID,
			"scope_type", decision.Denial.Scope.Type,
			"scope_id", decision.Denial.Scope.ID,
			"period", decision.Denial.PeriodType,
			"spend", decision.Denial.CurrentSpend.String(),
			"limit", decision.Denial.LimitAmount.String())
		if g.hub != nil {
			g.hub.BroadcastEvent(ctx, ws.EventBudgetDenied, decision.Denial)
		}
	}
	return decision
}

// Handle composes the gate as a pipeline stage: on Allowed it invokes next
// and returns its result unchanged; on Denied it returns ErrBudgetExceeded
// alongside the denial, never touching the provider.
func (g *Gate) Handle(ctx context.Context, req *Request, next Next) (any, *budget.Denial, error) {
	decision := g.Check(ctx, req)
	if !decision.Allowed {
		return nil, decision.Denial, domain.ErrBudgetExceeded
	}
	res, err := next(ctx, req)
	return res, nil, err
}

// EstimateOnly resolves pricing and returns the estimated cost without
// consulting the ledger. Used by dry-run tooling.
func (g *Gate) EstimateOnly(ctx context.Context, req *Request) money.Amount {
	entry := g.resolver.Resolve(ctx, req.Provider, req.Model)
	return g.calc.Estimate(entry, req.EstInputTokens, req.MaxOutputTokens)
}
