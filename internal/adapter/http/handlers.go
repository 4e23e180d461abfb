package http

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/SpendGate/internal/domain/budget"
	"github.com/Strob0t/SpendGate/internal/domain/pricing"
	"github.com/Strob0t/SpendGate/internal/domain/usage"
	"github.com/Strob0t/SpendGate/internal/port/database"
	"github.com/Strob0t/SpendGate/internal/port/messagequeue"
	"github.com/Strob0t/SpendGate/internal/service"
)

const defaultBodyLimit = 1 << 20 // 1 MB

// Handlers bundles the HTTP handler dependencies.
type Handlers struct {
	gate     *service.Gate
	ledger   *service.Ledger
	resolver *service.Resolver
	store    database.Store
	queue    messagequeue.Queue
	now      func() time.Time
}

// NewHandlers creates the handler set.
func NewHandlers(gate *service.Gate, ledger *service.Ledger, resolver *service.Resolver,
	store database.Store, queue messagequeue.Queue) *Handlers {
	return &Handlers{
		gate:     gate,
		ledger:   ledger,
		resolver: resolver,
		store:    store,
		queue:    queue,
		now:      time.Now,
	}
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

type healthResponse struct {
	Status string `json:"status"`
	NATS   bool   `json:"nats"`
}

// Health reports service liveness and queue connectivity.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok"}
	if h.queue != nil {
		resp.NATS = h.queue.IsConnected()
	}
	writeJSON(w, http.StatusOK, resp)
}

// ---------------------------------------------------------------------------
// Pricing
// ---------------------------------------------------------------------------

// UpsertPrice stores a price entry and invalidates its cache key. The new
// price is authoritative for requests from this point on.
func (h *Handlers) UpsertPrice(w http.ResponseWriter, r *http.Request) {
	entry, ok := readJSON[pricing.Entry](w, r, defaultBodyLimit)
	if !ok {
		return
	}
	if !requireField(w, entry.Provider, "provider") || !requireField(w, entry.Model, "model") {
		return
	}
	if entry.EffectiveDate.IsZero() {
		entry.EffectiveDate = h.now().UTC()
	}
	entry.Source = pricing.SourceDatabase
	if err := entry.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.store.UpsertPrice(r.Context(), entry); err != nil {
		writeDomainError(w, err, "price entry not found")
		return
	}
	if err := h.resolver.Invalidate(r.Context(), entry.Provider, entry.Model); err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// GetPrice returns the effective price for a (provider, model), resolving
// through the same fallback chain the gate uses.
func (h *Handlers) GetPrice(w http.ResponseWriter, r *http.Request) {
	provider := urlParam(r, "provider")
	model := urlParam(r, "model")
	if !requireField(w, provider, "provider") || !requireField(w, model, "model") {
		return
	}
	entry := h.resolver.Resolve(r.Context(), provider, model)
	writeJSON(w, http.StatusOK, entry)
}

// ---------------------------------------------------------------------------
// Limits
// ---------------------------------------------------------------------------

// UpsertLimit creates or replaces a budget limit for one (scope, period).
func (h *Handlers) UpsertLimit(w http.ResponseWriter, r *http.Request) {
	limit, ok := readJSON[budget.Limit](w, r, defaultBodyLimit)
	if !ok {
		return
	}
	if limit.Currency == "" {
		limit.Currency = "USD"
	}
	if err := h.ledger.UpsertLimit(r.Context(), limit); err != nil {
		writeDomainError(w, err, "limit not found")
		return
	}
	writeJSON(w, http.StatusOK, limit)
}

// GetLimit returns the configured limit for one (scope, period type).
func (h *Handlers) GetLimit(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeFromURL(w, r)
	if !ok {
		return
	}
	period := budget.PeriodType(urlParam(r, "periodType"))
	if !period.Valid() {
		writeError(w, http.StatusBadRequest, "unknown period type")
		return
	}

	limit, err := h.ledger.Limit(r.Context(), scope, period)
	if err != nil {
		writeDomainError(w, err, "limit not found")
		return
	}
	if limit == nil {
		writeError(w, http.StatusNotFound, "no limit configured")
		return
	}
	writeJSON(w, http.StatusOK, limit)
}

// ---------------------------------------------------------------------------
// Check (pre-call admission)
// ---------------------------------------------------------------------------

type checkRequest struct {
	RequestID       string `json:"request_id"`
	Provider        string `json:"provider"`
	Model           string `json:"model"`
	UserID          string `json:"user_id"`
	ProjectID       string `json:"project_id,omitempty"`
	OrgID           string `json:"org_id,omitempty"`
	EstInputTokens  int64  `json:"est_input_tokens"`
	MaxOutputTokens int64  `json:"max_output_tokens,omitempty"`
}

func (c checkRequest) gateRequest() *service.Request {
	return &service.Request{
		RequestID:       c.RequestID,
		Provider:        c.Provider,
		Model:           c.Model,
		UserID:          c.UserID,
		ProjectID:       c.ProjectID,
		OrgID:           c.OrgID,
		EstInputTokens:  c.EstInputTokens,
		MaxOutputTokens: c.MaxOutputTokens,
	}
}

// Check runs the admission gate. An allowed request returns 200 with the
// estimate; a denial returns 429 with the denial details.
func (h *Handlers) Check(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[checkRequest](w, r, defaultBodyLimit)
	if !ok {
		return
	}
	if !requireField(w, req.Provider, "provider") ||
		!requireField(w, req.Model, "model") ||
		!requireField(w, req.UserID, "user_id") {
		return
	}

	decision := h.gate.Check(r.Context(), req.gateRequest())
	if !decision.Allowed {
		writeJSON(w, http.StatusTooManyRequests, decision)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

// Estimate resolves pricing and returns the estimated cost without touching
// the ledger.
func (h *Handlers) Estimate(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[checkRequest](w, r, defaultBodyLimit)
	if !ok {
		return
	}
	if !requireField(w, req.Provider, "provider") || !requireField(w, req.Model, "model") {
		return
	}
	est := h.gate.EstimateOnly(r.Context(), req.gateRequest())
	writeJSON(w, http.StatusOK, map[string]any{"estimated_cost": est})
}

// ---------------------------------------------------------------------------
// Usage ingestion
// ---------------------------------------------------------------------------

type usageRequest struct {
	RequestID   string `json:"request_id"`
	Provider    string `json:"provider"`
	Model       string `json:"model"`
	UserID      string `json:"user_id"`
	ProjectID   string `json:"project_id,omitempty"`
	OrgID       string `json:"org_id,omitempty"`
	InputUnits  int64  `json:"input_units"`
	OutputUnits int64  `json:"output_units"`
	OccurredAt  string `json:"occurred_at,omitempty"` // RFC 3339; defaults to now
}

// RecordUsage accepts post-call usage and enqueues it for asynchronous cost
// recording. Returns 202 as soon as the message is durably published.
func (h *Handlers) RecordUsage(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[usageRequest](w, r, defaultBodyLimit)
	if !ok {
		return
	}
	if !requireField(w, req.Provider, "provider") ||
		!requireField(w, req.Model, "model") ||
		!requireField(w, req.UserID, "user_id") {
		return
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	occurredAt := h.now().UTC()
	if req.OccurredAt != "" {
		t, err := time.Parse(time.RFC3339, req.OccurredAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "occurred_at must be RFC 3339")
			return
		}
		occurredAt = t.UTC()
	}

	payload := messagequeue.UsagePayload{
		RequestID: req.RequestID,
		UserID:    req.UserID,
		ProjectID: req.ProjectID,
		OrgID:     req.OrgID,
		Usage: usage.Record{
			Provider:    req.Provider,
			Model:       req.Model,
			InputUnits:  req.InputUnits,
			OutputUnits: req.OutputUnits,
		},
		OccurredAt: occurredAt,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if err := h.queue.Publish(r.Context(), messagequeue.SubjectUsageRecorded, data); err != nil {
		writeInternalError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"request_id": req.RequestID,
		"status":     "accepted",
	})
}

// ---------------------------------------------------------------------------
// Budget status
// ---------------------------------------------------------------------------

// BudgetStatus reports spend versus limit for every configured period of a
// scope.
func (h *Handlers) BudgetStatus(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeFromURL(w, r)
	if !ok {
		return
	}
	statuses, err := h.ledger.Status(r.Context(), scope)
	if err != nil {
		writeDomainError(w, err, "scope not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"scope":   scope,
		"periods": statuses,
	})
}

// scopeFromURL extracts and validates the {scopeType}/{scopeID} URL pair.
func scopeFromURL(w http.ResponseWriter, r *http.Request) (budget.Scope, bool) {
	scope := budget.Scope{
		Type: budget.ScopeType(urlParam(r, "scopeType")),
		ID:   urlParam(r, "scopeID"),
	}
	if !scope.Type.Valid() {
		writeError(w, http.StatusBadRequest, "unknown scope type")
		return budget.Scope{}, false
	}
	if !requireField(w, scope.ID, "scope id") {
		return budget.Scope{}, false
	}
	return scope, true
}
