//go:build integration

package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/Strob0t/SpendGate/internal/domain"
	"github.com/Strob0t/SpendGate/internal/domain/budget"
	"github.com/Strob0t/SpendGate/internal/domain/money"
	"github.com/Strob0t/SpendGate/internal/domain/usage"
)

func putJSON(t *testing.T, path string, body map[string]any) *http.Response {
	t.Helper()
	data, _ := json.Marshal(body)
	req, err := http.NewRequest(http.MethodPut, testServer.URL+path, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT %s: %v", path, err)
	}
	return resp
}

func postJSON(t *testing.T, path string, body map[string]any) *http.Response {
	t.Helper()
	data, _ := json.Marshal(body)
	resp, err := http.Post(testServer.URL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func TestBudgetEnforcementLifecycle(t *testing.T) {
	cleanDB(testPool)

	// 1. Store a price entry
	resp := putJSON(t, "/api/v1/prices", map[string]any{
		"provider":      "openai",
		"model":         "gpt-4o",
		"unit":          "per_1m_tokens",
		"input_rate":    "3.00",
		"output_rate":   "15.00",
		"currency":      "USD",
		"billing_model": "pay_per_use",
	})
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upsert price: expected 200, got %d", resp.StatusCode)
	}

	// 2. Price resolves from the database tier
	resp2, err := http.Get(testServer.URL + "/api/v1/prices/openai/gpt-4o")
	if err != nil {
		t.Fatalf("get price: %v", err)
	}
	defer func() { _ = resp2.Body.Close() }()

	var entry struct {
		Source    string       `json:"source"`
		InputRate money.Amount `json:"input_rate"`
	}
	if err := json.NewDecoder(resp2.Body).Decode(&entry); err != nil {
		t.Fatalf("decode price: %v", err)
	}
	if entry.Source != "database" {
		t.Fatalf("expected source 'database', got %q", entry.Source)
	}
	if entry.InputRate != money.FromFloat(3) {
		t.Fatalf("expected input rate 3.00, got %s", entry.InputRate)
	}

	// 3. Configure a 10.00 daily cap for the user
	resp3 := putJSON(t, "/api/v1/limits", map[string]any{
		"scope":        map[string]string{"type": "user", "id": "u-int"},
		"period_type":  "daily",
		"limit_amount": "10.00",
		"is_active":    true,
	})
	defer func() { _ = resp3.Body.Close() }()
	if resp3.StatusCode != http.StatusOK {
		t.Fatalf("upsert limit: expected 200, got %d", resp3.StatusCode)
	}

	// 4. An 18.00 estimate is denied up front
	resp4 := postJSON(t, "/api/v1/check", map[string]any{
		"request_id":        "int-req-1",
		"provider":          "openai",
		"model":             "gpt-4o",
		"user_id":           "u-int",
		"est_input_tokens":  1_000_000,
		"max_output_tokens": 1_000_000,
	})
	defer func() { _ = resp4.Body.Close() }()
	if resp4.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("oversized check: expected 429, got %d", resp4.StatusCode)
	}
	var denied budget.Decision
	if err := json.NewDecoder(resp4.Body).Decode(&denied); err != nil {
		t.Fatalf("decode denial: %v", err)
	}
	if denied.Allowed || denied.Denial == nil {
		t.Fatalf("expected structured denial, got %+v", denied)
	}

	// 5. A small request passes
	resp5 := postJSON(t, "/api/v1/check", map[string]any{
		"request_id":        "int-req-2",
		"provider":          "openai",
		"model":             "gpt-4o",
		"user_id":           "u-int",
		"est_input_tokens":  100_000,
		"max_output_tokens": 100_000,
	})
	defer func() { _ = resp5.Body.Close() }()
	if resp5.StatusCode != http.StatusOK {
		t.Fatalf("small check: expected 200, got %d", resp5.StatusCode)
	}

	// 6. Record 9.50 of real spend through the ledger
	scope := budget.Scope{Type: budget.ScopeUser, ID: "u-int"}
	rec := usage.CostRecord{
		ID:        "int-cost-1",
		RequestID: "int-req-2",
		Provider:  "openai",
		Model:     "gpt-4o",
		Breakdown: usage.Breakdown{TotalCost: money.FromFloat(9.50), Currency: "USD"},
	}
	aggs, err := testLedger.RecordSpend(context.Background(), rec, []budget.Scope{scope}, time.Now().UTC())
	if err != nil {
		t.Fatalf("record spend: %v", err)
	}
	if len(aggs) != 2 {
		t.Fatalf("expected daily and monthly aggregates, got %d", len(aggs))
	}

	// 7. The same small request now blows the cap
	resp6 := postJSON(t, "/api/v1/check", map[string]any{
		"request_id":        "int-req-3",
		"provider":          "openai",
		"model":             "gpt-4o",
		"user_id":           "u-int",
		"est_input_tokens":  100_000,
		"max_output_tokens": 100_000,
	})
	defer func() { _ = resp6.Body.Close() }()
	if resp6.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("post-spend check: expected 429, got %d", resp6.StatusCode)
	}

	// 8. Budget status reports the utilization
	resp7, err := http.Get(testServer.URL + "/api/v1/budgets/user/u-int/status")
	if err != nil {
		t.Fatalf("budget status: %v", err)
	}
	defer func() { _ = resp7.Body.Close() }()
	if resp7.StatusCode != http.StatusOK {
		t.Fatalf("status: expected 200, got %d", resp7.StatusCode)
	}
	var status struct {
		Periods []struct {
			CurrentSpend   money.Amount `json:"current_spend"`
			UtilizationPct float64      `json:"utilization_pct"`
		} `json:"periods"`
	}
	if err := json.NewDecoder(resp7.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if len(status.Periods) != 1 {
		t.Fatalf("expected 1 period, got %d", len(status.Periods))
	}
	if status.Periods[0].CurrentSpend != money.FromFloat(9.50) {
		t.Fatalf("expected current spend 9.50, got %s", status.Periods[0].CurrentSpend)
	}

	// 9. Replaying the same request ID changes nothing
	replay, err := testLedger.RecordSpend(context.Background(), rec, []budget.Scope{scope}, time.Now().UTC())
	if !errors.Is(err, domain.ErrDuplicateRecord) {
		t.Fatalf("replay err = %v, want ErrDuplicateRecord", err)
	}
	if len(replay) != 0 {
		t.Fatalf("replay applied %d aggregates, want 0", len(replay))
	}
}

func TestUsageIngestionAccepted(t *testing.T) {
	resp := postJSON(t, "/api/v1/usage", map[string]any{
		"request_id":   "int-usage-1",
		"provider":     "openai",
		"model":        "gpt-4o",
		"user_id":      "u-int",
		"input_units":  1200,
		"output_units": 400,
	})
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var body struct {
		RequestID string `json:"request_id"`
		Status    string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "accepted" || body.RequestID != "int-usage-1" {
		t.Fatalf("unexpected body: %+v", body)
	}
}
