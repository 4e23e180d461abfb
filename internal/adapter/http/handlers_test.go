package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Strob0t/SpendGate/internal/catalog"
	"github.com/Strob0t/SpendGate/internal/domain"
	"github.com/Strob0t/SpendGate/internal/domain/alert"
	"github.com/Strob0t/SpendGate/internal/domain/budget"
	"github.com/Strob0t/SpendGate/internal/domain/money"
	"github.com/Strob0t/SpendGate/internal/domain/pricing"
	"github.com/Strob0t/SpendGate/internal/domain/usage"
	"github.com/Strob0t/SpendGate/internal/port/database"
	"github.com/Strob0t/SpendGate/internal/port/messagequeue"
	"github.com/Strob0t/SpendGate/internal/service"
)

// stubStore is a minimal in-memory database.Store for handler tests.
type stubStore struct {
	mu     sync.Mutex
	prices map[string]pricing.Entry
	limits map[string]budget.Limit
	spend  map[string]budget.SpendAggregate
}

func newStubStore() *stubStore {
	return &stubStore{
		prices: make(map[string]pricing.Entry),
		limits: make(map[string]budget.Limit),
		spend:  make(map[string]budget.SpendAggregate),
	}
}

func scopeKey(s budget.Scope, p budget.PeriodType) string {
	return string(s.Type) + ":" + s.ID + ":" + string(p)
}

func (s *stubStore) GetPrice(_ context.Context, provider, model string) (*pricing.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.prices[provider+"/"+model]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &e, nil
}

func (s *stubStore) UpsertPrice(_ context.Context, e pricing.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[e.Provider+"/"+e.Model] = e
	return nil
}

func (s *stubStore) GetLimit(_ context.Context, scope budget.Scope, period budget.PeriodType) (*budget.Limit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limits[scopeKey(scope, period)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &l, nil
}

func (s *stubStore) ListLimits(_ context.Context, scope budget.Scope) ([]budget.Limit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []budget.Limit
	for _, l := range s.limits {
		if l.Scope == scope {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *stubStore) UpsertLimit(_ context.Context, l budget.Limit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limits[scopeKey(l.Scope, l.PeriodType)] = l
	return nil
}

func (s *stubStore) GetSpend(_ context.Context, scope budget.Scope, period budget.PeriodType, periodStart time.Time) (*budget.SpendAggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	agg, ok := s.spend[scopeKey(scope, period)]
	if !ok || !agg.PeriodStart.Equal(periodStart) {
		return nil, domain.ErrNotFound
	}
	return &agg, nil
}

func (s *stubStore) ApplySpend(_ context.Context, _ usage.CostRecord, _ []database.SpendIncrement) ([]budget.SpendAggregate, bool, error) {
	return nil, true, nil
}

func (s *stubStore) MarkAlertFired(_ context.Context, _ alert.Event) (bool, error) {
	return true, nil
}

// stubCache is an in-memory cache.Cache.
type stubCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newStubCache() *stubCache { return &stubCache{data: make(map[string][]byte)} }

func (c *stubCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *stubCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *stubCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

// stubQueue captures published messages.
type stubQueue struct {
	mu        sync.Mutex
	published []struct {
		subject string
		data    []byte
	}
	pubErr    error
	connected bool
}

func (q *stubQueue) Publish(_ context.Context, subject string, data []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pubErr != nil {
		return q.pubErr
	}
	q.published = append(q.published, struct {
		subject string
		data    []byte
	}{subject, data})
	return nil
}

func (q *stubQueue) Subscribe(_ context.Context, _ string, _ messagequeue.Handler) (func(), error) {
	return func() {}, nil
}

func (q *stubQueue) Drain() error      { return nil }
func (q *stubQueue) Close() error      { return nil }
func (q *stubQueue) IsConnected() bool { return q.connected }

func newTestRouter(store *stubStore, queue *stubQueue) chi.Router {
	resolver := service.NewResolver(store, newStubCache(), catalog.Default(), nil, service.ResolverOptions{})
	ledger := service.NewLedger(store, newStubCache(), newStubCache(), service.LedgerOptions{})
	gate := service.NewGate(resolver, service.NewCalculator(), ledger, nil, nil)
	h := NewHandlers(gate, ledger, resolver, store, queue)

	r := chi.NewRouter()
	MountRoutes(r, h, nil)
	return r
}

func doJSON(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	router := newTestRouter(newStubStore(), &stubQueue{connected: true})

	rec := doJSON(t, router, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" || !resp.NATS {
		t.Errorf("resp = %+v, want ok with nats=true", resp)
	}
}

func TestUpsertPrice_RoundTrip(t *testing.T) {
	store := newStubStore()
	router := newTestRouter(store, &stubQueue{})

	body := map[string]any{
		"provider":      "openai",
		"model":         "gpt-4o",
		"unit":          "per_1m_tokens",
		"input_rate":    "2.50",
		"output_rate":   "10.00",
		"currency":      "USD",
		"billing_model": "pay_per_use",
	}
	rec := doJSON(t, router, http.MethodPut, "/api/v1/prices", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	get := doJSON(t, router, http.MethodGet, "/api/v1/prices/openai/gpt-4o", nil)
	if get.Code != http.StatusOK {
		t.Fatalf("get status = %d, want 200", get.Code)
	}
	var entry pricing.Entry
	if err := json.Unmarshal(get.Body.Bytes(), &entry); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if entry.InputRate != money.FromFloat(2.50) {
		t.Errorf("InputRate = %s, want 2.50", entry.InputRate)
	}
	if entry.Source != pricing.SourceDatabase {
		t.Errorf("Source = %s, want database", entry.Source)
	}
}

func TestUpsertPrice_RejectsMissingProvider(t *testing.T) {
	router := newTestRouter(newStubStore(), &stubQueue{})

	rec := doJSON(t, router, http.MethodPut, "/api/v1/prices", map[string]any{"model": "gpt-4o"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestGetPrice_FallsBackToCatalog(t *testing.T) {
	router := newTestRouter(newStubStore(), &stubQueue{})

	rec := doJSON(t, router, http.MethodGet, "/api/v1/prices/anthropic/claude-sonnet-4", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var entry pricing.Entry
	if err := json.Unmarshal(rec.Body.Bytes(), &entry); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if entry.Source != pricing.SourceDriverDefault {
		t.Errorf("Source = %s, want driver_default", entry.Source)
	}
}

func TestUpsertLimit_ThenGet(t *testing.T) {
	router := newTestRouter(newStubStore(), &stubQueue{})

	body := map[string]any{
		"scope":        map[string]string{"type": "user", "id": "u1"},
		"period_type":  "daily",
		"limit_amount": "25.00",
		"is_active":    true,
	}
	rec := doJSON(t, router, http.MethodPut, "/api/v1/limits", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	get := doJSON(t, router, http.MethodGet, "/api/v1/limits/user/u1/daily", nil)
	if get.Code != http.StatusOK {
		t.Fatalf("get status = %d, want 200: %s", get.Code, get.Body.String())
	}
	var limit budget.Limit
	if err := json.Unmarshal(get.Body.Bytes(), &limit); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if limit.LimitAmount != money.FromFloat(25) {
		t.Errorf("LimitAmount = %s, want 25.00", limit.LimitAmount)
	}
	if limit.Currency != "USD" {
		t.Errorf("Currency = %s, want defaulted USD", limit.Currency)
	}
}

func TestUpsertLimit_InvalidThresholds(t *testing.T) {
	router := newTestRouter(newStubStore(), &stubQueue{})

	body := map[string]any{
		"scope":            map[string]string{"type": "user", "id": "u1"},
		"period_type":      "daily",
		"limit_amount":     "25.00",
		"is_active":        true,
		"alert_thresholds": []int{95, 80},
	}
	rec := doJSON(t, router, http.MethodPut, "/api/v1/limits", body)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400: %s", rec.Code, rec.Body.String())
	}
}

func TestGetLimit_NotConfigured(t *testing.T) {
	router := newTestRouter(newStubStore(), &stubQueue{})

	rec := doJSON(t, router, http.MethodGet, "/api/v1/limits/user/u1/daily", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestGetLimit_BadScopeType(t *testing.T) {
	router := newTestRouter(newStubStore(), &stubQueue{})

	rec := doJSON(t, router, http.MethodGet, "/api/v1/limits/plan/u1/daily", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestCheck_AllowedAndDenied(t *testing.T) {
	store := newStubStore()
	router := newTestRouter(store, &stubQueue{})

	// Price the model, then cap the user well under the estimate.
	in, _ := money.Parse("3.00")
	out, _ := money.Parse("15.00")
	_ = store.UpsertPrice(context.Background(), pricing.Entry{
		Provider: "openai", Model: "gpt-4o",
		Unit: pricing.UnitPer1MTokens, InputRate: in, OutputRate: out,
		Currency: "USD", BillingModel: pricing.BillingPayPerUse,
		Source: pricing.SourceDatabase,
	})

	checkBody := map[string]any{
		"request_id":        "req-1",
		"provider":          "openai",
		"model":             "gpt-4o",
		"user_id":           "u1",
		"est_input_tokens":  1_000_000,
		"max_output_tokens": 1_000_000,
	}
	rec := doJSON(t, router, http.MethodPost, "/api/v1/check", checkBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("uncapped check status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var decision budget.Decision
	if err := json.Unmarshal(rec.Body.Bytes(), &decision); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !decision.Allowed || decision.EstimatedCost != money.FromFloat(18) {
		t.Errorf("decision = %+v, want allowed at 18.00", decision)
	}

	// Configure the cap through the API so the ledger's limit cache is
	// invalidated; the first check cached the absence of a limit.
	limitRec := doJSON(t, router, http.MethodPut, "/api/v1/limits", map[string]any{
		"scope":        map[string]string{"type": "user", "id": "u1"},
		"period_type":  "daily",
		"limit_amount": "10.00",
		"is_active":    true,
	})
	if limitRec.Code != http.StatusOK {
		t.Fatalf("limit upsert status = %d: %s", limitRec.Code, limitRec.Body.String())
	}

	rec = doJSON(t, router, http.MethodPost, "/api/v1/check", checkBody)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("capped check status = %d, want 429: %s", rec.Code, rec.Body.String())
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &decision); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decision.Allowed || decision.Denial == nil {
		t.Fatalf("decision = %+v, want denial", decision)
	}
	if decision.Denial.LimitAmount != money.FromFloat(10) {
		t.Errorf("denial limit = %s, want 10.00", decision.Denial.LimitAmount)
	}
}

func TestCheck_MissingUserID(t *testing.T) {
	router := newTestRouter(newStubStore(), &stubQueue{})

	rec := doJSON(t, router, http.MethodPost, "/api/v1/check", map[string]any{
		"provider": "openai",
		"model":    "gpt-4o",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestEstimate(t *testing.T) {
	router := newTestRouter(newStubStore(), &stubQueue{})

	rec := doJSON(t, router, http.MethodPost, "/api/v1/estimate", map[string]any{
		"provider":          "anthropic",
		"model":             "claude-sonnet-4",
		"est_input_tokens":  1_000_000,
		"max_output_tokens": 1_000_000,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		EstimatedCost money.Amount `json:"estimated_cost"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.EstimatedCost != money.FromFloat(18) {
		t.Errorf("estimated_cost = %s, want 18.00 (3.00 in + 15.00 out)", resp.EstimatedCost)
	}
}

func TestRecordUsage_Publishes(t *testing.T) {
	queue := &stubQueue{}
	router := newTestRouter(newStubStore(), queue)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/usage", map[string]any{
		"request_id":   "req-1",
		"provider":     "openai",
		"model":        "gpt-4o",
		"user_id":      "u1",
		"input_units":  1200,
		"output_units": 400,
		"occurred_at":  "2026-03-15T10:30:00Z",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}

	queue.mu.Lock()
	defer queue.mu.Unlock()
	if len(queue.published) != 1 {
		t.Fatalf("published %d messages, want 1", len(queue.published))
	}
	if queue.published[0].subject != messagequeue.SubjectUsageRecorded {
		t.Errorf("subject = %s, want %s", queue.published[0].subject, messagequeue.SubjectUsageRecorded)
	}
	var payload messagequeue.UsagePayload
	if err := json.Unmarshal(queue.published[0].data, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.RequestID != "req-1" || payload.Usage.InputUnits != 1200 {
		t.Errorf("payload = %+v", payload)
	}
	if !payload.OccurredAt.Equal(time.Date(2026, 3, 15, 10, 30, 0, 0, time.UTC)) {
		t.Errorf("OccurredAt = %s", payload.OccurredAt)
	}
}

func TestRecordUsage_GeneratesRequestID(t *testing.T) {
	queue := &stubQueue{}
	router := newTestRouter(newStubStore(), queue)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/usage", map[string]any{
		"provider": "openai",
		"model":    "gpt-4o",
		"user_id":  "u1",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["request_id"] == "" {
		t.Error("expected a generated request_id")
	}
}

func TestRecordUsage_BadTimestamp(t *testing.T) {
	router := newTestRouter(newStubStore(), &stubQueue{})

	rec := doJSON(t, router, http.MethodPost, "/api/v1/usage", map[string]any{
		"provider":    "openai",
		"model":       "gpt-4o",
		"user_id":     "u1",
		"occurred_at": "yesterday",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestBudgetStatus(t *testing.T) {
	store := newStubStore()
	router := newTestRouter(store, &stubQueue{})

	limitAmt, _ := money.Parse("10.00")
	scope := budget.Scope{Type: budget.ScopeUser, ID: "u1"}
	_ = store.UpsertLimit(context.Background(), budget.Limit{
		Scope: scope, PeriodType: budget.PeriodDaily,
		LimitAmount: limitAmt, Currency: "USD", IsActive: true,
	})
	start, end := budget.PeriodDaily.Window(time.Now())
	store.spend[scopeKey(scope, budget.PeriodDaily)] = budget.SpendAggregate{
		Scope: scope, PeriodType: budget.PeriodDaily,
		PeriodStart: start, PeriodEnd: end,
		Accumulated: money.FromFloat(2.50),
	}

	rec := doJSON(t, router, http.MethodGet, "/api/v1/budgets/user/u1/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Periods []service.PeriodStatus `json:"periods"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Periods) != 1 {
		t.Fatalf("got %d periods, want 1", len(resp.Periods))
	}
	if resp.Periods[0].UtilizationPct != 25 {
		t.Errorf("UtilizationPct = %v, want 25", resp.Periods[0].UtilizationPct)
	}
}

func TestMalformedJSONRejected(t *testing.T) {
	router := newTestRouter(newStubStore(), &stubQueue{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/check", strings.NewReader("{broken"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}
