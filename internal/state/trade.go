package state

import (
	"sync"
	"time"
)

// Tick is a streamed last-traded price for one token.
type Tick struct {
	Token string
	LTP   float64
	At    time.Time
}

// TickCache holds the latest streamed tick per token.
type TickCache struct {
	mu    sync.RWMutex
	ticks map[string]Tick
}

func NewTickCache() *TickCache {
	return &TickCache{ticks: make(map[string]Tick)}
}

func (tc *TickCache) Put(t Tick) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if prev, ok := tc.ticks[t.Token]; ok && prev.At.After(t.At) {
		return
	}
	tc.ticks[t.Token] = t
}

// Fresh returns the tick for token if it is no older than maxAge at now.
func (tc *TickCache) Fresh(token string, now time.Time, maxAge time.Duration) (Tick, bool) {
	tc.mu.RLock()
	defer tc.mu.RUnlock()

	t, ok := tc.ticks[token]
	if !ok || now.Sub(t.At) > maxAge {
		return Tick{}, false
	}
	return t, true
}

func (tc *TickCache) Len() int {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return len(tc.ticks)
}
