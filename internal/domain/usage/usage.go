// Package usage defines usage records and derived cost breakdowns.
package usage

import (
	"time"

	"github.com/Strob0t/SpendGate/internal/domain/money"
	"github.com/Strob0t/SpendGate/internal/domain/pricing"
)

// Record is the raw usage reported by the provider-call collaborator after a
// response arrives. Immutable; consumed exactly once by the calculator.
type Record struct {
	Provider    string `json:"provider"`
	Model       string `json:"model"`
	InputUnits  int64  `json:"input_units"`
	OutputUnits int64  `json:"output_units"`
}

// Breakdown is the cost derived from one Record against one price entry.
// Never mutated after creation; exactly one per request.
type Breakdown struct {
	InputCost  money.Amount   `json:"input_cost"`
	OutputCost money.Amount   `json:"output_cost"`
	TotalCost  money.Amount   `json:"total_cost"`
	Currency   string         `json:"currency"`
	Unit       pricing.Unit   `json:"unit"`
	Source     pricing.Source `json:"source"`
}

// CostRecord is the persisted cost of one completed request.
type CostRecord struct {
	ID          string    `json:"id"`
	RequestID   string    `json:"request_id"`
	Provider    string    `json:"provider"`
	Model       string    `json:"model"`
	InputUnits  int64     `json:"input_units"`
	OutputUnits int64     `json:"output_units"`
	Breakdown   Breakdown `json:"breakdown"`
	RecordedAt  time.Time `json:"recorded_at"`
}
