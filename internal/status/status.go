// Package status tracks the orchestrator's lifecycle and poll-loop health
// for the read API, optionally mirroring it to a shared cache.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/oi-bucket-tracker/internal/cache"
)

type Phase string

const (
	PhaseInit        Phase = "INIT"
	PhaseLoggedIn    Phase = "LOGGED_IN"
	PhasePolling     Phase = "POLLING"
	PhaseBackfilling Phase = "BACKFILLING"
	PhaseStopped     Phase = "STOPPED"
)

var transitions = map[Phase][]Phase{
	PhaseInit:        {PhaseLoggedIn},
	PhaseLoggedIn:    {PhasePolling, PhaseBackfilling},
	PhasePolling:     {PhaseBackfilling},
	PhaseBackfilling: {PhasePolling},
}

// CanTransition reports whether from -> to is a legal move. Stopping is
// always allowed.
func CanTransition(from, to Phase) bool {
	if to == PhaseStopped {
		return from != PhaseStopped
	}
	for _, p := range transitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// IndexStatus is the outcome of the latest tick for one index.
type IndexStatus struct {
	LastBucket time.Time `json:"last_bucket"`
	LastTick   time.Time `json:"last_tick"`
	Spot       float64   `json:"spot"`
	Fetched    int       `json:"fetched"`
	Stored     int       `json:"stored"`
	LastError  string    `json:"last_error,omitempty"`
}

type Snapshot struct {
	Phase               Phase                  `json:"phase"`
	StartedAt           time.Time              `json:"started_at"`
	LastTick            time.Time              `json:"last_tick"`
	LastBucket          time.Time              `json:"last_bucket"`
	Ticks               int64                  `json:"ticks"`
	SkippedTicks        int64                  `json:"skipped_ticks"`
	ConsecutiveFailures int                    `json:"consecutive_failures"`
	MarketOpen          bool                   `json:"market_open"`
	LastError           string                 `json:"last_error,omitempty"`
	Indices             map[string]IndexStatus `json:"indices"`
}

// Tracker holds the live status. Publish mirrors it to the cache.
type Tracker struct {
	mu     sync.RWMutex
	s      Snapshot
	cache  cache.Cache
	key    string
	ttl    time.Duration
	logger zerolog.Logger
	now    func() time.Time
}

// NewTracker creates a tracker in INIT. c may be nil.
func NewTracker(c cache.Cache, key string, logger zerolog.Logger) *Tracker {
	t := &Tracker{
		cache:  c,
		key:    key,
		ttl:    10 * time.Minute,
		logger: logger.With().Str("component", "status").Logger(),
		now:    time.Now,
	}
	t.s = Snapshot{Phase: PhaseInit, StartedAt: t.now(), Indices: make(map[string]IndexStatus)}
	return t
}

// Transition moves to phase p. Illegal moves are rejected and leave the
// phase unchanged.
func (t *Tracker) Transition(p Phase) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.s.Phase == p {
		return nil
	}
	if !CanTransition(t.s.Phase, p) {
		return fmt.Errorf("illegal status transition %s -> %s", t.s.Phase, p)
	}
	t.logger.Info().Str("from", string(t.s.Phase)).Str("to", string(p)).Msg("Orchestrator phase changed")
	t.s.Phase = p
	return nil
}

func (t *Tracker) Phase() Phase {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.s.Phase
}

// RecordTick notes the end of one poll tick. A nil err resets the failure
// streak.
func (t *Tracker) RecordTick(at time.Time, marketOpen bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.s.Ticks++
	t.s.LastTick = at
	t.s.MarketOpen = marketOpen
	if err != nil {
		t.s.ConsecutiveFailures++
		t.s.LastError = err.Error()
		return
	}
	t.s.ConsecutiveFailures = 0
	t.s.LastError = ""
}

func (t *Tracker) RecordSkip() {
	t.mu.Lock()
	t.s.SkippedTicks++
	t.mu.Unlock()
}

func (t *Tracker) RecordIndex(index string, is IndexStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.s.Indices[index] = is
	if is.LastBucket.After(t.s.LastBucket) {
		t.s.LastBucket = is.LastBucket
	}
}

// Snapshot returns a copy of the current status.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := t.s
	s.Indices = make(map[string]IndexStatus, len(t.s.Indices))
	for k, v := range t.s.Indices {
		s.Indices[k] = v
	}
	return s
}

// Healthy reports whether the poll loop is alive: it is polling or
// backfilling, has ticked within maxAge, and is not in a failure streak.
func (t *Tracker) Healthy(maxAge time.Duration, maxFailures int) bool {
	s := t.Snapshot()
	if s.Phase != PhasePolling && s.Phase != PhaseBackfilling {
		return false
	}
	if s.LastTick.IsZero() || t.now().Sub(s.LastTick) > maxAge {
		return false
	}
	return s.ConsecutiveFailures < maxFailures
}

// Publish writes the snapshot to the cache under the status key.
func (t *Tracker) Publish(ctx context.Context) error {
	if t.cache == nil || t.key == "" {
		return nil
	}
	b, err := json.Marshal(t.Snapshot())
	if err != nil {
		return fmt.Errorf("failed to encode status: %w", err)
	}
	if err := t.cache.Set(ctx, t.key, b, t.ttl); err != nil {
		return fmt.Errorf("failed to publish status: %w", err)
	}
	return nil
}

// Load reads a snapshot published by another process.
func Load(ctx context.Context, c cache.Cache, key string) (Snapshot, bool, error) {
	b, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		return Snapshot{}, false, err
	}
	var s Snapshot
	if err := json.Unmarshal(b, &s); err != nil {
		return Snapshot{}, false, fmt.Errorf("invalid status snapshot: %w", err)
	}
	return s, true, nil
}
