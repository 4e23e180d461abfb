// Package deadletter implements the error sink port by publishing failed
// usage payloads to the costs.failed subject, where they wait for manual
// replay. Publishing failures fall back to logging the full payload so the
// record is never lost silently.
package deadletter

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/Strob0t/SpendGate/internal/port/messagequeue"
)

// Publisher is the subset of the queue used by the sink.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Sink dead-letters permanently failed cost recordings.
type Sink struct {
	queue Publisher
	now   func() time.Time
}

// New creates a dead-letter sink backed by the given publisher.
func New(queue Publisher) *Sink {
	return &Sink{queue: queue, now: time.Now}
}

// Report wraps the failed payload in a costs.failed envelope and publishes it.
func (s *Sink) Report(ctx context.Context, opErr error, attempts int, payload []byte) {
	var original messagequeue.UsagePayload
	if err := json.Unmarshal(payload, &original); err != nil {
		slog.Error("dead-letter: payload does not decode, logging raw",
			"error", err, "payload", string(payload))
	}

	out := messagequeue.CostFailedPayload{
		Original: original,
		Error:    opErr.Error(),
		Attempts: attempts,
		FailedAt: s.now().UTC(),
	}
	data, err := json.Marshal(out)
	if err != nil {
		slog.Error("dead-letter: marshal failed", "error", err, "payload", string(payload))
		return
	}

	if s.queue == nil {
		slog.Error("dead-letter: no queue configured, dropping to log",
			"attempts", attempts, "op_error", opErr, "payload", string(payload))
		return
	}
	if err := s.queue.Publish(ctx, messagequeue.SubjectCostFailed, data); err != nil {
		slog.Error("dead-letter: publish failed, dropping to log",
			"error", err, "op_error", opErr, "payload", string(payload))
	}
}
