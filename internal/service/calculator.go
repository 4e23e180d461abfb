package service

import (
	"github.com/Strob0t/SpendGate/internal/domain/money"
	"github.com/Strob0t/SpendGate/internal/domain/pricing"
	"github.com/Strob0t/SpendGate/internal/domain/usage"
)

// Calculator converts a price entry and usage quantities into a cost
// breakdown. Pure and deterministic; no I/O, no clock.
type Calculator struct{}

// NewCalculator creates a Calculator.
func NewCalculator() *Calculator { return &Calculator{} }

// Calculate computes the cost of one usage record against one price entry.
// Split (token/character) units normalize the rate by the unit multiplier:
// cost = rate * quantity / multiplier, in integer nano-dollar arithmetic.
// Flat units charge rate * input quantity directly.
func (c *Calculator) Calculate(entry pricing.Entry, rec usage.Record) usage.Breakdown {
	b := usage.Breakdown{
		Currency: entry.Currency,
		Unit:     entry.Unit,
		Source:   entry.Source,
	}

	if entry.Unit.Split() {
		mult := entry.Unit.Multiplier()
		b.InputCost = entry.InputRate.MulDiv(rec.InputUnits, mult)
		b.OutputCost = entry.OutputRate.MulDiv(rec.OutputUnits, mult)
		b.TotalCost = b.InputCost.Add(b.OutputCost)
		return b
	}

	// Flat units (per-request, per-image, per-second...): the quantity
	// travels in InputUnits; OutputUnits is ignored.
	b.InputCost = entry.FlatRate.MulDiv(rec.InputUnits, 1)
	b.TotalCost = b.InputCost
	return b
}

// Estimate computes the worst-case cost for a request before the provider is
// called. estOutput <= 0 falls back to estInput, which over-estimates for
// short completions and errs toward blocking. Flat units estimate one billed
// unit: the token counts describe the prompt, not the billable quantity.
// Time-based units under-estimate here until the caller can supply a
// duration estimate.
func (c *Calculator) Estimate(entry pricing.Entry, estInput, estOutput int64) money.Amount {
	if !entry.Unit.Split() {
		b := c.Calculate(entry, usage.Record{
			Provider:   entry.Provider,
			Model:      entry.Model,
			InputUnits: 1,
		})
		return b.TotalCost
	}
	if estOutput <= 0 {
		estOutput = estInput
	}
	b := c.Calculate(entry, usage.Record{
		Provider:    entry.Provider,
		Model:       entry.Model,
		InputUnits:  estInput,
		OutputUnits: estOutput,
	})
	return b.TotalCost
}
