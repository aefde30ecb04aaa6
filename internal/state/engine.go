package state

import (
	"sort"
	"sync"
	"time"
)

// SpotQuote is the last known price of an index.
type SpotQuote struct {
	LTP float64   `json:"ltp"`
	At  time.Time `json:"at"`
}

// Engine is the in-memory state shared by the poll loop, the analysis cycle
// and the read API.
type Engine struct {
	mu        sync.RWMutex
	spots     map[string]SpotQuote
	snapshots map[string]map[string]Snapshot // index -> symbol -> snapshot
	Detector  *ChangeDetector
	Ticks     *TickCache
	Activity  *ActivitySeries
}

func NewEngine(sig Significance) *Engine {
	return &Engine{
		spots:     make(map[string]SpotQuote),
		snapshots: make(map[string]map[string]Snapshot),
		Detector:  NewChangeDetector(sig),
		Ticks:     NewTickCache(),
		Activity:  NewActivitySeries(2000),
	}
}

func (e *Engine) UpdateSpot(index string, ltp float64, at time.Time) {
	if ltp <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.spots[index] = SpotQuote{LTP: ltp, At: at}
}

func (e *Engine) GetSpot(index string) (SpotQuote, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	q, ok := e.spots[index]
	return q, ok
}

// UpdateSnapshots records the latest observed snapshots of an index.
func (e *Engine) UpdateSnapshots(index string, snaps []Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()

	m, ok := e.snapshots[index]
	if !ok {
		m = make(map[string]Snapshot, len(snaps))
		e.snapshots[index] = m
	}
	for _, s := range snaps {
		m[s.Key()] = s
	}
}

// GetSnapshots returns a copy of the latest snapshots of index ordered by
// strike then side.
func (e *Engine) GetSnapshots(index string) []Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	m := e.snapshots[index]
	out := make([]Snapshot, 0, len(m))
	for _, s := range m {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Contract.Strike != out[j].Contract.Strike {
			return out[i].Contract.Strike < out[j].Contract.Strike
		}
		return out[i].Contract.Side < out[j].Contract.Side
	})
	return out
}

func (e *Engine) Indices() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]string, 0, len(e.snapshots))
	for k := range e.snapshots {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ResetSession clears per-session caches.
func (e *Engine) ResetSession() {
	e.mu.Lock()
	e.snapshots = make(map[string]map[string]Snapshot)
	e.mu.Unlock()
	e.Detector.Forget()
}
