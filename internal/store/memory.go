package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/oi-bucket-tracker/internal/state"
)

type rowKey struct {
	bucket int64
	symbol string
}

type setupKey struct {
	bucket int64
	index  string
}

// MemoryRepository keeps rows in process memory. It is used when no database
// is configured and in tests.
type MemoryRepository struct {
	mu     sync.RWMutex
	rows   map[rowKey]state.HistoricalRow
	setups map[setupKey]state.TradeSetup
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		rows:   make(map[rowKey]state.HistoricalRow),
		setups: make(map[setupKey]state.TradeSetup),
	}
}

func (m *MemoryRepository) UpsertRows(_ context.Context, rows []state.HistoricalRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rows {
		m.rows[rowKey{r.BucketTS.UnixNano(), r.Symbol}] = r
	}
	return nil
}

func (m *MemoryRepository) ExistingBuckets(_ context.Context, index string, from, to time.Time) ([]time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[int64]time.Time)
	for _, r := range m.rows {
		if r.IndexName == index && inRange(r.BucketTS, from, to) {
			seen[r.BucketTS.UnixNano()] = r.BucketTS
		}
	}
	out := make([]time.Time, 0, len(seen))
	for _, t := range seen {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func (m *MemoryRepository) RowsBetween(_ context.Context, index string, from, to time.Time) ([]state.HistoricalRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []state.HistoricalRow
	for _, r := range m.rows {
		if r.IndexName == index && inRange(r.BucketTS, from, to) {
			out = append(out, r)
		}
	}
	sortRows(out)
	return out, nil
}

func (m *MemoryRepository) PreviousRows(_ context.Context, index string, b time.Time) ([]state.HistoricalRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest time.Time
	for _, r := range m.rows {
		if r.IndexName == index && r.BucketTS.Before(b) && r.BucketTS.After(latest) {
			latest = r.BucketTS
		}
	}
	if latest.IsZero() {
		return nil, nil
	}
	var out []state.HistoricalRow
	for _, r := range m.rows {
		if r.IndexName == index && r.BucketTS.Equal(latest) {
			out = append(out, r)
		}
	}
	sortRows(out)
	return out, nil
}

func (m *MemoryRepository) UpsertTradeSetup(_ context.Context, s state.TradeSetup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setups[setupKey{s.BucketTS.UnixNano(), s.IndexName}] = s
	return nil
}

func (m *MemoryRepository) TradeSetups(_ context.Context, index string, limit int) ([]state.TradeSetup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []state.TradeSetup
	for _, s := range m.setups {
		if s.IndexName == index {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BucketTS.After(out[j].BucketTS) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len returns the number of stored rows.
func (m *MemoryRepository) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rows)
}

func (m *MemoryRepository) Close() error { return nil }

func inRange(t, from, to time.Time) bool {
	return !t.Before(from) && !t.After(to)
}

func sortRows(rows []state.HistoricalRow) {
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if !a.BucketTS.Equal(b.BucketTS) {
			return a.BucketTS.Before(b.BucketTS)
		}
		if a.Strike != b.Strike {
			return a.Strike < b.Strike
		}
		return a.Side < b.Side
	})
}
