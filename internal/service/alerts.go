package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/SpendGate/internal/adapter/otel"
	"github.com/Strob0t/SpendGate/internal/adapter/ws"
	"github.com/Strob0t/SpendGate/internal/domain/alert"
	"github.com/Strob0t/SpendGate/internal/domain/budget"
	"github.com/Strob0t/SpendGate/internal/port/database"
	"github.com/Strob0t/SpendGate/internal/port/messagequeue"
)

// Broadcaster pushes events to connected observers (the WebSocket hub).
type Broadcaster interface {
	BroadcastEvent(ctx context.Context, eventType string, payload any)
}

// Alerts evaluates spend-versus-limit ratios after each aggregate update and
// fires threshold-crossing events. Each threshold fires at most once per
// (scope, period type, period); the fires-once guarantee is a unique
// constraint at the store, so concurrent recorders cannot double-fire.
type Alerts struct {
	store    database.Store
	ledger   *Ledger
	queue    messagequeue.Queue
	hub      Broadcaster
	metrics  *otel.Metrics
	defaults []int            // thresholds for limits that define none
	now      func() time.Time // for testing
}

// NewAlerts creates an alert dispatcher. queue, hub and metrics may be nil;
// empty defaults fall back to 80/95/100.
func NewAlerts(store database.Store, ledger *Ledger, queue messagequeue.Queue, hub Broadcaster, metrics *otel.Metrics, defaults []int) *Alerts {
	if len(defaults) == 0 {
		defaults = []int{80, 95, 100}
	}
	return &Alerts{store: store, ledger: ledger, queue: queue, hub: hub, metrics: metrics, defaults: defaults, now: time.Now}
}

// Evaluate walks the configured thresholds for one updated aggregate in
// ascending order and fires every crossed, not-yet-fired threshold. A spend
// jump that lands past several thresholds at once fires all of them, lowest
// first.
func (a *Alerts) Evaluate(ctx context.Context, agg budget.SpendAggregate) error {
	limit, err := a.ledger.Limit(ctx, agg.Scope, agg.PeriodType)
	if err != nil {
		return fmt.Errorf("alerts: limit lookup: %w", err)
	}
	if limit == nil || !limit.IsActive || limit.LimitAmount <= 0 {
		return nil
	}

	thresholds := limit.AlertThresholds
	if len(thresholds) == 0 {
		thresholds = a.defaults
	}

	pct := float64(agg.Accumulated.Nanos()) / float64(limit.LimitAmount.Nanos()) * 100

	for _, threshold := range thresholds {
		if pct < float64(threshold) {
			break // ascending order: nothing further is crossed either
		}

		ev := alert.Event{
			ID:             uuid.NewString(),
			Scope:          agg.Scope,
			PeriodType:     agg.PeriodType,
			PeriodStart:    agg.PeriodStart,
			ThresholdPct:   threshold,
			SpendAtTrigger: agg.Accumulated,
			LimitAtTrigger: limit.LimitAmount,
			Timestamp:      a.now(),
		}

		fired, err := a.store.MarkAlertFired(ctx, ev)
		if err != nil {
			return fmt.Errorf("alerts: mark fired: %w", err)
		}
		if !fired {
			continue // already fired earlier in this period
		}

		a.dispatch(ctx, ev)
	}
	return nil
}

// dispatch publishes a fired event to the alert subject and the hub.
// Delivery failures are logged, not propagated: the fires-once mark is
// already persisted and re-evaluating would not re-fire.
func (a *Alerts) dispatch(ctx context.Context, ev alert.Event) {
	slog.Warn("budget threshold crossed",
		"scope_type", ev.Scope.Type,
		"scope_id", ev.Scope.ID,
		"period", ev.PeriodType,
		"threshold_pct", ev.ThresholdPct,
		"spend", ev.SpendAtTrigger.String(),
		"limit", ev.LimitAtTrigger.String())

	if a.metrics != nil {
		a.metrics.ObserveAlert(ctx, ev.ThresholdPct)
	}

	if a.queue != nil {
		data, err := json.Marshal(messagequeue.AlertPayload{Event: ev})
		if err == nil {
			if err := a.queue.Publish(ctx, messagequeue.SubjectBudgetAlert, data); err != nil {
				slog.Error("alerts: publish failed", "alert_id", ev.ID, "error", err)
			}
		}
	}

	if a.hub != nil {
		a.hub.BroadcastEvent(ctx, ws.EventBudgetAlert, ev)
	}
}
