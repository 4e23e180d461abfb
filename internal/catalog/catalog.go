// Package catalog ships the static per-provider default price tables and the
// universal fallback rate. The catalog is an immutable snapshot injected into
// the pricing resolver at construction; reloading means building a new
// Catalog and constructing a new resolver, never mutating a live one.
package catalog

import (
	"strings"

	"github.com/Strob0t/SpendGate/internal/domain/money"
	"github.com/Strob0t/SpendGate/internal/domain/pricing"
)

// Catalog is an immutable set of driver-default price entries keyed by
// "provider/model". Safe for concurrent use.
type Catalog struct {
	version string
	entries map[string]pricing.Entry
}

// Version identifies the snapshot the catalog was built from.
func (c *Catalog) Version() string { return c.version }

// Lookup returns the driver-default entry for (provider, model).
// Model names are matched case-insensitively, first exact then by prefix so
// dated snapshots ("gpt-4o-2024-11-20") find their base model row.
func (c *Catalog) Lookup(provider, model string) (pricing.Entry, bool) {
	provider = strings.ToLower(provider)
	model = strings.ToLower(model)

	if e, ok := c.entries[provider+"/"+model]; ok {
		return e, true
	}
	for key, e := range c.entries {
		p, m, found := strings.Cut(key, "/")
		if found && p == provider && strings.HasPrefix(model, m) {
			return e, true
		}
	}
	return pricing.Entry{}, false
}

// Fallback returns the universal fallback entry for (provider, model).
// The rate is intentionally conservative (high) so an unknown model
// over-estimates and errs toward blocking rather than under-billing.
func Fallback(provider, model string) pricing.Entry {
	return pricing.Entry{
		Provider:     provider,
		Model:        model,
		Unit:         pricing.UnitPer1KTokens,
		InputRate:    money.FromFloat(0.01), // $0.01 / 1K input tokens
		OutputRate:   money.FromFloat(0.03), // $0.03 / 1K output tokens
		Currency:     "USD",
		BillingModel: pricing.BillingPayPerUse,
		Source:       pricing.SourceFallback,
	}
}

// Default returns the compiled-in catalog snapshot.
func Default() *Catalog {
	c := &Catalog{
		version: defaultVersion,
		entries: make(map[string]pricing.Entry, len(defaultRates)),
	}
	for _, r := range defaultRates {
		c.entries[r.provider+"/"+r.model] = pricing.Entry{
			Provider:     r.provider,
			Model:        r.model,
			Unit:         pricing.UnitPer1MTokens,
			InputRate:    money.FromFloat(r.inPerM),
			OutputRate:   money.FromFloat(r.outPerM),
			Currency:     "USD",
			BillingModel: pricing.BillingPayPerUse,
			Source:       pricing.SourceDriverDefault,
		}
	}
	return c
}

const defaultVersion = "2026-08"

// defaultRates are USD per 1M tokens, taken from published provider price
// pages at the snapshot date above. Rows are matched by base-model prefix.
var defaultRates = []struct {
	provider string
	model    string
	inPerM   float64
	outPerM  float64
}{
	{"openai", "gpt-4o", 2.50, 10.00},
	{"openai", "gpt-4o-mini", 0.15, 0.60},
	{"openai", "gpt-4.1", 2.00, 8.00},
	{"openai", "gpt-4.1-mini", 0.40, 1.60},
	{"openai", "o3", 2.00, 8.00},
	{"openai", "o4-mini", 1.10, 4.40},
	{"anthropic", "claude-opus-4", 15.00, 75.00},
	{"anthropic", "claude-sonnet-4", 3.00, 15.00},
	{"anthropic", "claude-3-5-haiku", 0.80, 4.00},
	{"google", "gemini-2.5-pro", 1.25, 10.00},
	{"google", "gemini-2.5-flash", 0.30, 2.50},
	{"google", "gemini-2.0-flash", 0.10, 0.40},
	{"mistral", "mistral-large", 2.00, 6.00},
	{"mistral", "mistral-small", 0.10, 0.30},
	{"deepseek", "deepseek-chat", 0.27, 1.10},
	{"deepseek", "deepseek-reasoner", 0.55, 2.19},
	{"xai", "grok-3", 3.00, 15.00},
	{"xai", "grok-3-mini", 0.30, 0.50},
}
