// Package pricing defines the price-table domain entities.
package pricing

import (
	"fmt"
	"time"

	"github.com/Strob0t/SpendGate/internal/domain/money"
)

// Unit identifies what a rate is charged per.
type Unit string

const (
	UnitPerToken       Unit = "per_token"
	UnitPer1KTokens    Unit = "per_1k_tokens"
	UnitPer1MTokens    Unit = "per_1m_tokens"
	UnitPerCharacter   Unit = "per_character"
	UnitPer1KChars     Unit = "per_1k_characters"
	UnitPerSecond      Unit = "per_second"
	UnitPerMinute      Unit = "per_minute"
	UnitPerHour        Unit = "per_hour"
	UnitPerRequest     Unit = "per_request"
	UnitPerImage       Unit = "per_image"
	UnitPerAudioFile   Unit = "per_audio_file"
	UnitPerMB          Unit = "per_mb"
	UnitPerGB          Unit = "per_gb"
)

// Multiplier returns how many raw usage units one rate unit covers
// (1000 for per-1K-tokens, and so on). Non-token/character units are
// charged per single unit and return 1.
func (u Unit) Multiplier() int64 {
	switch u {
	case UnitPer1KTokens, UnitPer1KChars:
		return 1000
	case UnitPer1MTokens:
		return 1_000_000
	default:
		return 1
	}
}

// Split reports whether the unit bills input and output separately.
// Token and character units are split; count and time units carry a
// single flat rate.
func (u Unit) Split() bool {
	switch u {
	case UnitPerToken, UnitPer1KTokens, UnitPer1MTokens, UnitPerCharacter, UnitPer1KChars:
		return true
	default:
		return false
	}
}

// Valid reports whether u is a known unit.
func (u Unit) Valid() bool {
	switch u {
	case UnitPerToken, UnitPer1KTokens, UnitPer1MTokens, UnitPerCharacter,
		UnitPer1KChars, UnitPerSecond, UnitPerMinute, UnitPerHour,
		UnitPerRequest, UnitPerImage, UnitPerAudioFile, UnitPerMB, UnitPerGB:
		return true
	}
	return false
}

// BillingModel identifies how a provider charges for a model.
type BillingModel string

const (
	BillingPayPerUse    BillingModel = "pay_per_use"
	BillingTiered       BillingModel = "tiered"
	BillingSubscription BillingModel = "subscription"
	BillingCredits      BillingModel = "credits"
	BillingFreeTier     BillingModel = "free_tier"
	BillingEnterprise   BillingModel = "enterprise"
)

// Source identifies which fallback tier answered a pricing lookup.
type Source string

const (
	SourceDatabase      Source = "database"
	SourceDriverDefault Source = "driver_default"
	SourceFallback      Source = "universal_fallback"
)

// Entry is a resolved price-table entry for one (provider, model) pair.
// Immutable once resolved for a request; a newer entry only takes effect
// on the next resolution.
type Entry struct {
	Provider      string       `json:"provider"`
	Model         string       `json:"model"`
	Unit          Unit         `json:"unit"`
	InputRate     money.Amount `json:"input_rate"`  // per Unit, split units only
	OutputRate    money.Amount `json:"output_rate"` // per Unit, split units only
	FlatRate      money.Amount `json:"flat_rate"`   // per Unit, non-split units only
	Currency      string       `json:"currency"`
	BillingModel  BillingModel `json:"billing_model"`
	EffectiveDate time.Time    `json:"effective_date"`
	Source        Source       `json:"source"`
}

// Validate rejects entries whose unit and rate shape are inconsistent:
// split units must carry input and output rates, non-split units a flat rate.
// A malformed store row fails here and the resolver falls through to the
// next tier instead of propagating it.
func (e Entry) Validate() error {
	if !e.Unit.Valid() {
		return fmt.Errorf("price entry %s/%s: unknown unit %q", e.Provider, e.Model, e.Unit)
	}
	if e.Unit.Split() {
		if e.InputRate < 0 || e.OutputRate < 0 {
			return fmt.Errorf("price entry %s/%s: negative rate", e.Provider, e.Model)
		}
		if e.InputRate.IsZero() && e.OutputRate.IsZero() && e.BillingModel != BillingFreeTier {
			return fmt.Errorf("price entry %s/%s: split unit %s requires input/output rates", e.Provider, e.Model, e.Unit)
		}
		if !e.FlatRate.IsZero() {
			return fmt.Errorf("price entry %s/%s: flat rate set on split unit %s", e.Provider, e.Model, e.Unit)
		}
		return nil
	}
	if !e.InputRate.IsZero() || !e.OutputRate.IsZero() {
		return fmt.Errorf("price entry %s/%s: input/output rates set on flat unit %s", e.Provider, e.Model, e.Unit)
	}
	if e.FlatRate < 0 {
		return fmt.Errorf("price entry %s/%s: negative flat rate", e.Provider, e.Model)
	}
	if e.FlatRate.IsZero() && e.BillingModel != BillingFreeTier {
		return fmt.Errorf("price entry %s/%s: flat unit %s requires a flat rate", e.Provider, e.Model, e.Unit)
	}
	return nil
}

// Key returns the cache key for a (provider, model) pair.
func Key(provider, model string) string {
	return "price:" + provider + ":" + model
}
