package ws

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Event types pushed to dashboards. Denials and alerts matter to
// operators in real time; recorded costs feed live spend graphs.
const (
	EventCostRecorded = "cost.recorded"
	EventBudgetAlert  = "budget.alert"
	EventBudgetDenied = "budget.denied"
)

// BroadcastEvent wraps a domain payload in the event envelope and fans
// it out. Marshal failures are logged and swallowed: an unmarshalable
// payload must never stall cost recording or enforcement.
func (h *Hub) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal event payload", "type", eventType, "error", err)
		return
	}
	data, err := json.Marshal(Event{Type: eventType, Payload: body})
	if err != nil {
		slog.Error("marshal event envelope", "type", eventType, "error", err)
		return
	}
	h.broadcast(ctx, data)
}
