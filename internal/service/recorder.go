package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/SpendGate/internal/adapter/otel"
	"github.com/Strob0t/SpendGate/internal/adapter/ws"
	"github.com/Strob0t/SpendGate/internal/domain"
	"github.com/Strob0t/SpendGate/internal/domain/budget"
	"github.com/Strob0t/SpendGate/internal/domain/usage"
	"github.com/Strob0t/SpendGate/internal/port/errorsink"
	"github.com/Strob0t/SpendGate/internal/port/messagequeue"
	"github.com/Strob0t/SpendGate/internal/resilience"
)

// Recorder is the asynchronous post-call consumer: it turns usage.recorded
// messages into persisted cost records, spend-aggregate increments and alert
// evaluations, entirely off the caller's critical path.
//
// Failure policy is the inverse of the gate's: storage errors are retried
// with bounded exponential backoff, and exhaustion hands the payload to the
// error sink — a lost cost record is silent under-billing, not an
// availability trade-off.
type Recorder struct {
	resolver *Resolver
	calc     *Calculator
	ledger   *Ledger
	alerts   *Alerts
	queue    messagequeue.Queue
	sink     errorsink.Sink
	hub      Broadcaster
	metrics  *otel.Metrics
	retry    resilience.RetryPolicy
}

// NewRecorder creates a Recorder. sink must be non-nil; hub and metrics may
// be nil.
func NewRecorder(resolver *Resolver, calc *Calculator, ledger *Ledger, alerts *Alerts,
	queue messagequeue.Queue, sink errorsink.Sink, hub Broadcaster, metrics *otel.Metrics,
	retry resilience.RetryPolicy) *Recorder {
	if retry.MaxAttempts <= 0 {
		retry = resilience.DefaultRetryPolicy()
	}
	return &Recorder{
		resolver: resolver,
		calc:     calc,
		ledger:   ledger,
		alerts:   alerts,
		queue:    queue,
		sink:     sink,
		hub:      hub,
		metrics:  metrics,
		retry:    retry,
	}
}

// Start subscribes to the usage subject. The returned cancel function stops
// consumption.
func (r *Recorder) Start(ctx context.Context) (func(), error) {
	cancel, err := r.queue.Subscribe(ctx, messagequeue.SubjectUsageRecorded, r.handle)
	if err != nil {
		return nil, fmt.Errorf("recorder: subscribe: %w", err)
	}
	slog.Info("recorder: consuming", "subject", messagequeue.SubjectUsageRecorded)
	return cancel, nil
}

// handle processes one usage message. Returning nil acks the message;
// every failure path either succeeds after retry or lands in the error sink,
// so a message is never redelivered indefinitely.
func (r *Recorder) handle(ctx context.Context, subject string, data []byte) error {
	if err := messagequeue.Validate(subject, data); err != nil {
		// Malformed input cannot succeed on redelivery.
		r.report(ctx, err, 1, data)
		return nil
	}

	var payload messagequeue.UsagePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		r.report(ctx, fmt.Errorf("recorder: decode payload: %w", err), 1, data)
		return nil
	}
	if payload.RequestID == "" {
		r.report(ctx, fmt.Errorf("recorder: payload missing request_id"), 1, data)
		return nil
	}
	if payload.OccurredAt.IsZero() {
		payload.OccurredAt = time.Now().UTC()
	}

	aggs, err := r.Record(ctx, payload)
	if err != nil {
		return nil // already retried and sunk inside Record
	}

	for _, agg := range aggs {
		if err := r.alerts.Evaluate(ctx, agg); err != nil {
			slog.Error("recorder: alert evaluation failed",
				"request_id", payload.RequestID,
				"scope_type", agg.Scope.Type, "scope_id", agg.Scope.ID,
				"error", err)
		}
	}
	return nil
}

// Record resolves the real price, computes the actual cost (which may differ
// from the gate's estimate), and applies it to the ledger with retry. The
// returned aggregates are the ones the spend update touched; a duplicate
// request ID returns none.
func (r *Recorder) Record(ctx context.Context, payload messagequeue.UsagePayload) ([]budget.SpendAggregate, error) {
	// Likely a cache hit: the pre-check resolved the same pair moments ago.
	entry := r.resolver.Resolve(ctx, payload.Usage.Provider, payload.Usage.Model)
	breakdown := r.calc.Calculate(entry, payload.Usage)

	rec := usage.CostRecord{
		ID:          uuid.NewString(),
		RequestID:   payload.RequestID,
		Provider:    payload.Usage.Provider,
		Model:       payload.Usage.Model,
		InputUnits:  payload.Usage.InputUnits,
		OutputUnits: payload.Usage.OutputUnits,
		Breakdown:   breakdown,
		RecordedAt:  payload.OccurredAt,
	}

	scopes := budget.Stack(payload.UserID, payload.ProjectID, payload.OrgID)

	var aggs []budget.SpendAggregate
	attempts, err := r.retry.Retry(ctx, func() error {
		var recErr error
		aggs, recErr = r.ledger.RecordSpend(ctx, rec, scopes, payload.OccurredAt)
		if errors.Is(recErr, domain.ErrDuplicateRecord) {
			return resilience.Permanent(recErr)
		}
		return recErr
	})
	if errors.Is(err, domain.ErrDuplicateRecord) {
		// A redelivered message: the first delivery already billed it.
		slog.Debug("recorder: duplicate usage message acked", "request_id", rec.RequestID)
		return nil, nil
	}
	if err != nil {
		data, _ := json.Marshal(payload)
		r.report(ctx, fmt.Errorf("recorder: record spend: %w", err), attempts, data)
		return nil, err
	}

	if r.metrics != nil {
		r.metrics.ObserveRecord(ctx, rec.Provider, breakdown.TotalCost.Float64())
	}
	slog.Info("cost recorded",
		"request_id", rec.RequestID,
		"provider", rec.Provider,
		"model", rec.Model,
		"total_cost", breakdown.TotalCost.String(),
		"source", breakdown.Source)

	r.announce(ctx, rec, payload.UserID)
	return aggs, nil
}

// announce publishes the persisted record for analytics consumers and the hub.
func (r *Recorder) announce(ctx context.Context, rec usage.CostRecord, userID string) {
	if r.queue != nil {
		data, err := json.Marshal(messagequeue.CostRecordedPayload{Record: rec, UserID: userID})
		if err == nil {
			if err := r.queue.Publish(ctx, messagequeue.SubjectCostRecorded, data); err != nil {
				slog.Error("recorder: publish cost.recorded failed", "request_id", rec.RequestID, "error", err)
			}
		}
	}
	if r.hub != nil {
		r.hub.BroadcastEvent(ctx, ws.EventCostRecorded, rec)
	}
}

func (r *Recorder) report(ctx context.Context, err error, attempts int, payload []byte) {
	slog.Error("recorder: giving up", "attempts", attempts, "error", err)
	if r.metrics != nil {
		r.metrics.ObserveRecordFailed(ctx)
	}
	r.sink.Report(ctx, err, attempts, payload)
}
