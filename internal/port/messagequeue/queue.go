// Package messagequeue defines the message queue port (interface).
package messagequeue

import "context"

// Handler processes a message received from the queue.
// The context carries request-scoped values such as the request ID.
type Handler func(ctx context.Context, subject string, data []byte) error

// Queue is the port interface for publishing and subscribing to messages.
// Delivery is at-least-once; consumers must be idempotent.
type Queue interface {
	// Publish sends a message to the given subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject.
	// The returned function cancels the subscription.
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)

	// Drain gracefully drains all subscriptions before closing.
	// Pending messages are processed; no new messages are accepted.
	Drain() error

	// Close shuts down the queue connection immediately.
	Close() error

	// IsConnected reports whether the queue is currently connected.
	IsConnected() bool
}

// Subject constants for the SpendGate pipeline.
const (
	// SubjectUsageRecorded carries a UsagePayload from the provider-call
	// collaborator once a response's usage figures are known. Consumed by
	// the cost recorder off the caller's critical path.
	SubjectUsageRecorded = "usage.recorded"

	// SubjectCostRecorded announces a persisted cost record to analytics
	// consumers.
	SubjectCostRecorded = "costs.recorded"

	// SubjectCostFailed is the dead-letter subject for cost records that
	// exhausted their retry budget.
	SubjectCostFailed = "costs.failed"

	// SubjectBudgetAlert announces a threshold crossing to notification
	// consumers.
	SubjectBudgetAlert = "budget.alerts"
)
