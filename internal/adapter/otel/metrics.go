package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "spendgate"

// Metrics holds all SpendGate metric instruments.
type Metrics struct {
	ChecksTotal     metric.Int64Counter
	CheckLatency    metric.Float64Histogram
	RecordsWritten  metric.Int64Counter
	RecordsFailed   metric.Int64Counter
	RecordedCost    metric.Float64Histogram
	AlertsFired     metric.Int64Counter
	PricingResolved metric.Int64Counter
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.ChecksTotal, err = meter.Int64Counter("spendgate.checks",
		metric.WithDescription("Admission checks by outcome"))
	if err != nil {
		return nil, err
	}

	m.CheckLatency, err = meter.Float64Histogram("spendgate.check.duration_seconds",
		metric.WithDescription("Admission check latency in seconds"))
	if err != nil {
		return nil, err
	}

	m.RecordsWritten, err = meter.Int64Counter("spendgate.records.written",
		metric.WithDescription("Cost records persisted"))
	if err != nil {
		return nil, err
	}

	m.RecordsFailed, err = meter.Int64Counter("spendgate.records.failed",
		metric.WithDescription("Cost records that exhausted their retry budget"))
	if err != nil {
		return nil, err
	}

	m.RecordedCost, err = meter.Float64Histogram("spendgate.recorded.cost_usd",
		metric.WithDescription("Recorded cost per request in USD"))
	if err != nil {
		return nil, err
	}

	m.AlertsFired, err = meter.Int64Counter("spendgate.alerts.fired",
		metric.WithDescription("Budget threshold alerts fired"))
	if err != nil {
		return nil, err
	}

	m.PricingResolved, err = meter.Int64Counter("spendgate.pricing.resolved",
		metric.WithDescription("Price resolutions by source tier"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// ObserveCheck records one admission check outcome and its latency.
func (m *Metrics) ObserveCheck(ctx context.Context, outcome string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.ChecksTotal.Add(ctx, 1, attrs)
	m.CheckLatency.Record(ctx, d.Seconds(), attrs)
}

// ObserveRecord records one persisted cost record.
func (m *Metrics) ObserveRecord(ctx context.Context, provider string, costUSD float64) {
	attrs := metric.WithAttributes(attribute.String("provider", provider))
	m.RecordsWritten.Add(ctx, 1, attrs)
	m.RecordedCost.Record(ctx, costUSD, attrs)
}

// ObserveRecordFailed counts a record handed to the error sink.
func (m *Metrics) ObserveRecordFailed(ctx context.Context) {
	m.RecordsFailed.Add(ctx, 1)
}

// ObserveAlert counts a fired threshold alert.
func (m *Metrics) ObserveAlert(ctx context.Context, thresholdPct int) {
	m.AlertsFired.Add(ctx, 1, metric.WithAttributes(attribute.Int("threshold", thresholdPct)))
}

// ObservePricing counts a price resolution by answering tier.
func (m *Metrics) ObservePricing(ctx context.Context, source string) {
	m.PricingResolved.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}
