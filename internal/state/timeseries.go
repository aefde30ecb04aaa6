package state

import (
	"sync"
	"time"
)

// ActivityPoint summarises one poll tick for one index.
type ActivityPoint struct {
	At          time.Time `json:"at"`
	BucketTS    time.Time `json:"bucket_ts"`
	Fetched     int       `json:"fetched"`
	Stored      int       `json:"stored"`
	Significant int       `json:"significant"`
}

// ActivitySeries keeps a bounded per-index history of poll activity. The
// analysis cycle reads it to decide whether anything worth analysing moved.
type ActivitySeries struct {
	mu        sync.RWMutex
	points    map[string][]ActivityPoint
	maxPoints int
}

func NewActivitySeries(maxPoints int) *ActivitySeries {
	if maxPoints <= 0 {
		maxPoints = 1000
	}
	return &ActivitySeries{
		points:    make(map[string][]ActivityPoint),
		maxPoints: maxPoints,
	}
}

func (a *ActivitySeries) Record(index string, p ActivityPoint) {
	a.mu.Lock()
	defer a.mu.Unlock()

	points := append(a.points[index], p)
	if len(points) > a.maxPoints {
		points = points[len(points)-a.maxPoints:]
	}
	a.points[index] = points
}

// Since returns points for index recorded at or after since.
func (a *ActivitySeries) Since(index string, since time.Time) []ActivityPoint {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var out []ActivityPoint
	for _, p := range a.points[index] {
		if !p.At.Before(since) {
			out = append(out, p)
		}
	}
	return out
}

// SignificantSince sums significant changes for index since the given time.
func (a *ActivitySeries) SignificantSince(index string, since time.Time) int {
	total := 0
	for _, p := range a.Since(index, since) {
		total += p.Significant
	}
	return total
}

// Latest returns the most recent n points for index.
func (a *ActivitySeries) Latest(index string, n int) []ActivityPoint {
	a.mu.RLock()
	defer a.mu.RUnlock()

	points := a.points[index]
	if len(points) <= n {
		out := make([]ActivityPoint, len(points))
		copy(out, points)
		return out
	}
	out := make([]ActivityPoint, n)
	copy(out, points[len(points)-n:])
	return out
}
