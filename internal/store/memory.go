package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/fractal-lba/orion/internal/api"
	"github.com/google/uuid"
)

// MemoryStore is an in-process Store with an optional JSON file snapshot.
type MemoryStore struct {
	mu        sync.RWMutex
	sales     []api.SalesRecord
	forecasts map[forecastKey]*api.Forecast
	insights  map[uuid.UUID]*api.Insight
	snapshot  string
}

type forecastKey struct {
	kind    api.EntityKind
	key     string
	date    time.Time
	horizon string
}

func keyOf(f *api.Forecast) forecastKey {
	return forecastKey{kind: f.EntityKind, key: f.EntityKey, date: api.Day(f.ForecastDate), horizon: f.Horizon}
}

type memorySnapshot struct {
	Sales     []api.SalesRecord `json:"sales"`
	Forecasts []*api.Forecast   `json:"forecasts"`
	Insights  []*api.Insight    `json:"insights"`
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store. A non-empty snapshotPath is loaded
// if it exists and rewritten on Close.
func NewMemoryStore(snapshotPath string) (*MemoryStore, error) {
	m := &MemoryStore{
		forecasts: make(map[forecastKey]*api.Forecast),
		insights:  make(map[uuid.UUID]*api.Insight),
		snapshot:  snapshotPath,
	}
	if snapshotPath != "" {
		if err := m.loadSnapshot(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// AddSales appends sales rows.
func (m *MemoryStore) AddSales(rows ...api.SalesRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rows {
		if r.ID == uuid.Nil {
			r.ID = uuid.New()
		}
		r.SaleDate = api.Day(r.SaleDate)
		m.sales = append(m.sales, r)
	}
}

func inRange(d, from, to time.Time) bool {
	if !from.IsZero() && d.Before(api.Day(from)) {
		return false
	}
	if !to.IsZero() && d.After(api.Day(to)) {
		return false
	}
	return true
}

func (m *MemoryStore) Sales(ctx context.Context, filter api.Filter, from, to time.Time) ([]api.SalesRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []api.SalesRecord
	for _, r := range m.sales {
		if r.Matches(filter) && inRange(r.SaleDate, from, to) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SaleDate.Before(out[j].SaleDate) })
	return out, nil
}

func (m *MemoryStore) DailyQuantity(ctx context.Context, filter api.Filter, date time.Time) (float64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d := api.Day(date)
	var qty int64
	found := false
	for _, r := range m.sales {
		if r.Matches(filter) && r.SaleDate.Equal(d) {
			qty += r.QuantitySold
			found = true
		}
	}
	return float64(qty), found, nil
}

func (m *MemoryStore) ActiveProducts(ctx context.Context, since time.Time) ([]api.Filter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := map[string]bool{}
	var out []api.Filter
	for _, r := range m.sales {
		if r.ProductID == "" || r.SaleDate.Before(api.Day(since)) || seen[r.ProductID] {
			continue
		}
		seen[r.ProductID] = true
		out = append(out, api.Filter{ProductID: r.ProductID})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}

func (m *MemoryStore) UpsertForecast(ctx context.Context, f *api.Forecast) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f.ForecastDate = api.Day(f.ForecastDate)
	k := keyOf(f)
	existing, ok := m.forecasts[k]
	if !ok {
		if f.ID == uuid.Nil {
			f.ID = uuid.New()
		}
		c := *f
		m.forecasts[k] = &c
		return true, nil
	}

	f.ID = existing.ID
	actual := existing.ActualQuantity
	c := *f
	c.ActualQuantity, c.PredictionError = nil, nil
	if actual != nil {
		c.RecordActual(*actual)
	}
	m.forecasts[k] = &c
	return false, nil
}

func (q ForecastQuery) matches(f *api.Forecast) bool {
	if !q.Filter.Empty() && (f.EntityKind != q.Filter.Kind() || f.EntityKey != q.Filter.Key()) {
		return false
	}
	if !inRange(f.ForecastDate, q.From, q.To) {
		return false
	}
	if q.Horizon != "" && f.Horizon != q.Horizon {
		return false
	}
	if q.WithActual && !f.HasActual() {
		return false
	}
	if q.MissingActual && f.HasActual() {
		return false
	}
	if !q.GeneratedSince.IsZero() && f.GeneratedAt.Before(q.GeneratedSince) {
		return false
	}
	return true
}

func (m *MemoryStore) Forecasts(ctx context.Context, q ForecastQuery) ([]api.Forecast, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []api.Forecast
	for _, f := range m.forecasts {
		if q.matches(f) {
			out = append(out, *f)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ForecastDate.Equal(out[j].ForecastDate) {
			return out[i].ForecastDate.Before(out[j].ForecastDate)
		}
		return out[i].EntityKey < out[j].EntityKey
	})
	return out, nil
}

func (m *MemoryStore) RecordActual(ctx context.Context, id uuid.UUID, actual float64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, f := range m.forecasts {
		if f.ID != id {
			continue
		}
		if f.HasActual() {
			return false, nil
		}
		f.RecordActual(actual)
		return true, nil
	}
	return false, ErrNotFound
}

func (m *MemoryStore) ForecastEntities(ctx context.Context, from, generatedSince time.Time) ([]api.Filter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := map[string]bool{}
	var out []api.Filter
	for _, f := range m.forecasts {
		if f.ForecastDate.Before(api.Day(from)) || f.GeneratedAt.Before(generatedSince) {
			continue
		}
		filter := api.FilterFor(f.EntityKind, f.EntityKey)
		if seen[filter.String()] {
			continue
		}
		seen[filter.String()] = true
		out = append(out, filter)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

func (m *MemoryStore) DeleteForecastsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for k, f := range m.forecasts {
		if f.ForecastDate.Before(api.Day(cutoff)) {
			delete(m.forecasts, k)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) InsertInsight(ctx context.Context, in *api.Insight) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now().UTC()
	}
	c := *in
	m.insights[in.ID] = &c
	return nil
}

func (f ActiveFilter) matches(in *api.Insight, today time.Time) bool {
	if !in.IsValid(today) {
		return false
	}
	if f.ProductID != "" && in.ProductID != f.ProductID {
		return false
	}
	if f.Severity != "" && in.Severity != f.Severity {
		return false
	}
	return !f.UnreadOnly || !in.IsRead
}

func (m *MemoryStore) ActiveInsights(ctx context.Context, f ActiveFilter, today time.Time) ([]api.Insight, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []api.Insight
	for _, in := range m.insights {
		if f.matches(in, today) {
			out = append(out, *in)
		}
	}
	SortInsights(out)
	return out, nil
}

// SortInsights orders by severity rank descending, then created_at descending.
func SortInsights(in []api.Insight) {
	sort.SliceStable(in, func(i, j int) bool {
		ri, rj := in[i].Severity.Rank(), in[j].Severity.Rank()
		if ri != rj {
			return ri > rj
		}
		return in[i].CreatedAt.After(in[j].CreatedAt)
	})
}

func (m *MemoryStore) MarkRead(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	in, ok := m.insights[id]
	if !ok {
		return ErrNotFound
	}
	in.IsRead = true
	return nil
}

func (m *MemoryStore) MarkActioned(ctx context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	in, ok := m.insights[id]
	if !ok {
		return ErrNotFound
	}
	in.IsActioned = true
	in.ActionedAt = &at
	return nil
}

func (m *MemoryStore) DeleteInsightsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, in := range m.insights {
		if api.Day(in.ValidUntil).Before(api.Day(cutoff)) {
			delete(m.insights, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Close() error {
	if m.snapshot != "" {
		return m.saveSnapshot()
	}
	return nil
}

func (m *MemoryStore) loadSnapshot() error {
	data, err := os.ReadFile(m.snapshot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var snap memorySnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sales = snap.Sales
	for _, f := range snap.Forecasts {
		m.forecasts[keyOf(f)] = f
	}
	for _, in := range snap.Insights {
		m.insights[in.ID] = in
	}
	return nil
}

func (m *MemoryStore) saveSnapshot() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := memorySnapshot{Sales: m.sales}
	for _, f := range m.forecasts {
		snap.Forecasts = append(snap.Forecasts, f)
	}
	for _, in := range m.insights {
		snap.Insights = append(snap.Insights, in)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.snapshot, data, 0600)
}
