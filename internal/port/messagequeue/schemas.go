package messagequeue

import (
	"time"

	"github.com/Strob0t/SpendGate/internal/domain/alert"
	"github.com/Strob0t/SpendGate/internal/domain/usage"
)

// UsagePayload is the schema for usage.recorded messages.
type UsagePayload struct {
	RequestID string       `json:"request_id"`
	UserID    string       `json:"user_id"`
	ProjectID string       `json:"project_id,omitempty"`
	OrgID     string       `json:"org_id,omitempty"`
	Usage     usage.Record `json:"usage"`
	// OccurredAt is when the provider response arrived, not when the
	// message was consumed; period windows are computed from it.
	OccurredAt time.Time `json:"occurred_at"`
}

// CostRecordedPayload is the schema for costs.recorded messages.
type CostRecordedPayload struct {
	Record usage.CostRecord `json:"record"`
	UserID string           `json:"user_id"`
}

// CostFailedPayload is the schema for costs.failed dead-letter messages.
type CostFailedPayload struct {
	Original UsagePayload `json:"original"`
	Error    string       `json:"error"`
	Attempts int          `json:"attempts"`
	FailedAt time.Time    `json:"failed_at"`
}

// AlertPayload is the schema for budget.alerts messages.
type AlertPayload struct {
	Event alert.Event `json:"event"`
}
