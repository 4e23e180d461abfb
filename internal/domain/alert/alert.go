// Package alert defines budget threshold-crossing events.
package alert

import (
	"time"

	"github.com/Strob0t/SpendGate/internal/domain/budget"
	"github.com/Strob0t/SpendGate/internal/domain/money"
)

// Event records a single threshold crossing. Write-once: for a given
// (scope, period type, period), each threshold fires at most once.
type Event struct {
	ID             string            `json:"id"`
	Scope          budget.Scope      `json:"scope"`
	PeriodType     budget.PeriodType `json:"period_type"`
	PeriodStart    time.Time         `json:"period_start"`
	ThresholdPct   int               `json:"threshold_percentage"`
	SpendAtTrigger money.Amount      `json:"spend_at_trigger"`
	LimitAtTrigger money.Amount      `json:"limit_at_trigger"`
	Timestamp      time.Time         `json:"timestamp"`
}
