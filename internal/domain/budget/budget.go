// Package budget defines budget scopes, limits, spend aggregates and the
// admission decision returned by the pre-call check.
package budget

import (
	"fmt"
	"time"

	"github.com/Strob0t/SpendGate/internal/domain/money"
)

// ScopeType identifies what kind of subject a limit applies to.
type ScopeType string

const (
	ScopeUser         ScopeType = "user"
	ScopeProject      ScopeType = "project"
	ScopeOrganization ScopeType = "organization"
)

// Valid reports whether t is a known scope type.
func (t ScopeType) Valid() bool {
	switch t {
	case ScopeUser, ScopeProject, ScopeOrganization:
		return true
	}
	return false
}

// Scope is one subject of enforcement.
type Scope struct {
	Type ScopeType `json:"type"`
	ID   string    `json:"id"`
}

// Stack builds the applicable scope stack for a request. Empty project and
// organization IDs are skipped; each remaining scope is enforced
// independently.
func Stack(userID, projectID, orgID string) []Scope {
	scopes := make([]Scope, 0, 3)
	if userID != "" {
		scopes = append(scopes, Scope{Type: ScopeUser, ID: userID})
	}
	if projectID != "" {
		scopes = append(scopes, Scope{Type: ScopeProject, ID: projectID})
	}
	if orgID != "" {
		scopes = append(scopes, Scope{Type: ScopeOrganization, ID: orgID})
	}
	return scopes
}

// PeriodType is the time window a limit resets on.
type PeriodType string

const (
	PeriodPerRequest PeriodType = "per_request"
	PeriodDaily      PeriodType = "daily"
	PeriodMonthly    PeriodType = "monthly"
)

// PeriodTypes lists all period types in checking order.
var PeriodTypes = []PeriodType{PeriodPerRequest, PeriodDaily, PeriodMonthly}

// Valid reports whether p is a known period type.
func (p PeriodType) Valid() bool {
	switch p {
	case PeriodPerRequest, PeriodDaily, PeriodMonthly:
		return true
	}
	return false
}

// Window returns the period boundaries containing now, in UTC. Per-request
// periods have no window; both bounds equal now.
func (p PeriodType) Window(now time.Time) (start, end time.Time) {
	now = now.UTC()
	switch p {
	case PeriodDaily:
		start = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 0, 1)
	case PeriodMonthly:
		start = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 1, 0)
	default:
		return now, now
	}
}

// Limit is a configured spending limit for one (scope, period type).
// At most one active limit exists per pair.
type Limit struct {
	Scope           Scope        `json:"scope"`
	PeriodType      PeriodType   `json:"period_type"`
	LimitAmount     money.Amount `json:"limit_amount"`
	Currency        string       `json:"currency"`
	AlertThresholds []int        `json:"alert_thresholds"` // ascending percentages
	IsActive        bool         `json:"is_active"`
}

// Validate rejects malformed limits at the configuration boundary.
func (l Limit) Validate() error {
	if !l.Scope.Type.Valid() {
		return fmt.Errorf("limit: unknown scope type %q", l.Scope.Type)
	}
	if l.Scope.ID == "" {
		return fmt.Errorf("limit: scope id is required")
	}
	if !l.PeriodType.Valid() {
		return fmt.Errorf("limit: unknown period type %q", l.PeriodType)
	}
	if l.LimitAmount <= 0 {
		return fmt.Errorf("limit: amount must be positive")
	}
	prev := 0
	for _, t := range l.AlertThresholds {
		if t <= 0 || t > 100 {
			return fmt.Errorf("limit: alert threshold %d out of range (1-100)", t)
		}
		if t <= prev {
			return fmt.Errorf("limit: alert thresholds must be strictly ascending")
		}
		prev = t
	}
	return nil
}

// SpendAggregate is the accumulated spend for one (scope, period type) within
// one period window. Created lazily on first spend; superseded, never
// deleted, when the period rolls over.
type SpendAggregate struct {
	Scope       Scope        `json:"scope"`
	PeriodType  PeriodType   `json:"period_type"`
	PeriodStart time.Time    `json:"period_start"`
	PeriodEnd   time.Time    `json:"period_end"`
	Accumulated money.Amount `json:"accumulated"`
}

// Decision is the outcome of a pre-call admission check.
type Decision struct {
	Allowed       bool         `json:"allowed"`
	EstimatedCost money.Amount `json:"estimated_cost"`
	Denial        *Denial      `json:"denial,omitempty"`
}

// Denial carries the structured payload of a budget rejection; it is the
// only failure kind meant to reach an end user.
type Denial struct {
	Scope        Scope        `json:"scope"`
	PeriodType   PeriodType   `json:"period_type"`
	CurrentSpend money.Amount `json:"current_spend"`
	LimitAmount  money.Amount `json:"limit"`
}

func (d Denial) String() string {
	return fmt.Sprintf("%s %s budget exceeded for %s period: spent %s of %s",
		d.Scope.Type, d.Scope.ID, d.PeriodType, d.CurrentSpend, d.LimitAmount)
}

// LimitKey returns the limit-cache key for one (scope, period type).
func LimitKey(s Scope, p PeriodType) string {
	return fmt.Sprintf("limit:%s:%s:%s", s.Type, s.ID, p)
}

// SpendKey returns the spend-cache key for one (scope, period type).
func SpendKey(s Scope, p PeriodType) string {
	return fmt.Sprintf("spend:%s:%s:%s", s.Type, s.ID, p)
}
