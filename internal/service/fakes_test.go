package service

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/Strob0t/SpendGate/internal/domain"
	"github.com/Strob0t/SpendGate/internal/domain/alert"
	"github.com/Strob0t/SpendGate/internal/domain/budget"
	"github.com/Strob0t/SpendGate/internal/domain/pricing"
	"github.com/Strob0t/SpendGate/internal/domain/usage"
	"github.com/Strob0t/SpendGate/internal/port/database"
	"github.com/Strob0t/SpendGate/internal/port/messagequeue"
)

// fakeStore is an in-memory database.Store with injectable failures and call
// counters.
type fakeStore struct {
	mu sync.Mutex

	prices map[string]pricing.Entry // keyed provider/model
	limits map[string]budget.Limit  // keyed scope-period
	spend  map[string]budget.SpendAggregate
	seen   map[string]bool // request IDs already applied
	fired  map[string]bool // alert keys already fired

	getPriceErr  error
	getLimitErr  error
	getSpendErr  error
	applyErr     error
	markErr      error
	getPriceN    int
	getLimitN    int
	getSpendN    int
	applyN       int
	markN        int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		prices: make(map[string]pricing.Entry),
		limits: make(map[string]budget.Limit),
		spend:  make(map[string]budget.SpendAggregate),
		seen:   make(map[string]bool),
		fired:  make(map[string]bool),
	}
}

func priceKey(provider, model string) string { return provider + "/" + model }

func limitKey(s budget.Scope, p budget.PeriodType) string {
	return string(s.Type) + ":" + s.ID + ":" + string(p)
}

func (f *fakeStore) GetPrice(_ context.Context, provider, model string) (*pricing.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getPriceN++
	if f.getPriceErr != nil {
		return nil, f.getPriceErr
	}
	e, ok := f.prices[priceKey(provider, model)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &e, nil
}

func (f *fakeStore) UpsertPrice(_ context.Context, e pricing.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[priceKey(e.Provider, e.Model)] = e
	return nil
}

func (f *fakeStore) GetLimit(_ context.Context, scope budget.Scope, period budget.PeriodType) (*budget.Limit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getLimitN++
	if f.getLimitErr != nil {
		return nil, f.getLimitErr
	}
	l, ok := f.limits[limitKey(scope, period)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &l, nil
}

func (f *fakeStore) ListLimits(_ context.Context, scope budget.Scope) ([]budget.Limit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []budget.Limit
	for _, l := range f.limits {
		if l.Scope == scope {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeStore) UpsertLimit(_ context.Context, l budget.Limit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limits[limitKey(l.Scope, l.PeriodType)] = l
	return nil
}

func (f *fakeStore) GetSpend(_ context.Context, scope budget.Scope, period budget.PeriodType, periodStart time.Time) (*budget.SpendAggregate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getSpendN++
	if f.getSpendErr != nil {
		return nil, f.getSpendErr
	}
	agg, ok := f.spend[limitKey(scope, period)]
	if !ok || !agg.PeriodStart.Equal(periodStart) {
		return nil, domain.ErrNotFound
	}
	return &agg, nil
}

func (f *fakeStore) ApplySpend(_ context.Context, rec usage.CostRecord, incs []database.SpendIncrement) ([]budget.SpendAggregate, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applyN++
	if f.applyErr != nil {
		return nil, false, f.applyErr
	}
	if f.seen[rec.RequestID] {
		return nil, false, nil
	}
	f.seen[rec.RequestID] = true

	aggs := make([]budget.SpendAggregate, 0, len(incs))
	for _, inc := range incs {
		key := limitKey(inc.Scope, inc.PeriodType)
		agg, ok := f.spend[key]
		if !ok || !agg.PeriodStart.Equal(inc.PeriodStart) {
			agg = budget.SpendAggregate{
				Scope:       inc.Scope,
				PeriodType:  inc.PeriodType,
				PeriodStart: inc.PeriodStart,
				PeriodEnd:   inc.PeriodEnd,
			}
		}
		agg.Accumulated = agg.Accumulated.Add(inc.Amount)
		f.spend[key] = agg
		aggs = append(aggs, agg)
	}
	return aggs, true, nil
}

func (f *fakeStore) MarkAlertFired(_ context.Context, ev alert.Event) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markN++
	if f.markErr != nil {
		return false, f.markErr
	}
	key := string(ev.Scope.Type) + ":" + ev.Scope.ID + ":" + string(ev.PeriodType) +
		":" + ev.PeriodStart.Format(time.RFC3339) + ":" + strconv.Itoa(ev.ThresholdPct)
	if f.fired[key] {
		return false, nil
	}
	f.fired[key] = true
	return true, nil
}

// memCache is an in-memory cache.Cache. TTLs are ignored; staleness is
// exercised through the envelope timestamps instead.
type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
	sets int
	dels int
}

func newMemCache() *memCache { return &memCache{data: make(map[string][]byte)} }

func (m *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	m.sets++
	return nil
}

func (m *memCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	m.dels++
	return nil
}

// fakeQueue records published messages.
type fakeQueue struct {
	mu        sync.Mutex
	published []fakeMessage
	pubErr    error
	handler   messagequeue.Handler
}

type fakeMessage struct {
	subject string
	data    []byte
}

func (q *fakeQueue) Publish(_ context.Context, subject string, data []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pubErr != nil {
		return q.pubErr
	}
	q.published = append(q.published, fakeMessage{subject: subject, data: data})
	return nil
}

func (q *fakeQueue) Subscribe(_ context.Context, _ string, handler messagequeue.Handler) (func(), error) {
	q.handler = handler
	return func() {}, nil
}

func (q *fakeQueue) Drain() error      { return nil }
func (q *fakeQueue) Close() error      { return nil }
func (q *fakeQueue) IsConnected() bool { return true }

func (q *fakeQueue) messages(subject string) []fakeMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []fakeMessage
	for _, m := range q.published {
		if m.subject == subject {
			out = append(out, m)
		}
	}
	return out
}

// fakeSink captures dead-lettered payloads.
type fakeSink struct {
	mu      sync.Mutex
	reports []sinkReport
}

type sinkReport struct {
	err      error
	attempts int
	payload  []byte
}

func (s *fakeSink) Report(_ context.Context, opErr error, attempts int, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, sinkReport{err: opErr, attempts: attempts, payload: payload})
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reports)
}

// fakeHub captures broadcast events.
type fakeHub struct {
	mu     sync.Mutex
	events []fakeEvent
}

type fakeEvent struct {
	eventType string
	payload   any
}

func (h *fakeHub) BroadcastEvent(_ context.Context, eventType string, payload any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, fakeEvent{eventType: eventType, payload: payload})
}
