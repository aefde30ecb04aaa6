package signals

import (
	"sort"
	"sync"
)

// Board keeps the latest analysis per index for readers outside the
// analysis cycle.
type Board struct {
	mu       sync.RWMutex
	analyses map[string]Analysis
}

func NewBoard() *Board {
	return &Board{analyses: make(map[string]Analysis)}
}

func (b *Board) Put(a Analysis) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.analyses[a.Index] = a
}

func (b *Board) Get(index string) (Analysis, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	a, ok := b.analyses[index]
	return a, ok
}

// All returns the latest analyses ordered by index name.
func (b *Board) All() []Analysis {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Analysis, 0, len(b.analyses))
	for _, a := range b.analyses {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}
