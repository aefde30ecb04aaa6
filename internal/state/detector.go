package state

import (
	"fmt"
	"math"
	"sync"
	"time"
)

type DecisionReason string

const (
	ReasonFirstContact DecisionReason = "first_contact"
	ReasonRollover     DecisionReason = "bucket_rollover"
	ReasonValueChange  DecisionReason = "value_change"
	ReasonUnchanged    DecisionReason = "unchanged"
	ReasonInvalid      DecisionReason = "invalid_snapshot"
)

// Decision is the outcome of one ShouldStore call. The percentage fields are
// relative to the last stored snapshot and are zero on first contact.
type Decision struct {
	Store          bool
	Reason         DecisionReason
	OIChangePct    float64
	PriceChangePct float64
	Significant    bool
}

// Significance gates escalation to the analysis cycle. It never affects the
// store decision itself.
type Significance struct {
	OIPct    float64
	PricePct float64
}

type tracked struct {
	snap   Snapshot
	bucket time.Time
}

// ChangeDetector keeps the last stored snapshot per contract and decides
// whether a new observation must be written.
type ChangeDetector struct {
	mu          sync.Mutex
	last        map[string]tracked
	significant Significance
}

func NewChangeDetector(sig Significance) *ChangeDetector {
	return &ChangeDetector{
		last:        make(map[string]tracked),
		significant: sig,
	}
}

// ShouldStore reports whether s, observed in bucket b, must be persisted.
// On a positive decision the cache and last-stored bucket are updated.
// Malformed input always yields a positive decision.
func (d *ChangeDetector) ShouldStore(s Snapshot, b time.Time) (dec Decision) {
	defer func() {
		if r := recover(); r != nil {
			dec = Decision{Store: true, Reason: ReasonInvalid}
		}
	}()

	if err := validate(s); err != nil {
		return Decision{Store: true, Reason: ReasonInvalid}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	prev, ok := d.last[s.Key()]
	if !ok {
		d.last[s.Key()] = tracked{snap: s, bucket: b}
		return Decision{Store: true, Reason: ReasonFirstContact}
	}

	dec = Decision{
		OIChangePct:    PercentChange(float64(prev.snap.OI), float64(s.OI)),
		PriceChangePct: PercentChange(prev.snap.LTP, s.LTP),
	}
	dec.Significant = math.Abs(dec.OIChangePct) >= d.significant.OIPct ||
		math.Abs(dec.PriceChangePct) >= d.significant.PricePct

	switch {
	case !prev.bucket.Equal(b):
		dec.Store, dec.Reason = true, ReasonRollover
	case prev.snap.OI != s.OI || prev.snap.LTP != s.LTP:
		dec.Store, dec.Reason = true, ReasonValueChange
	default:
		dec.Reason = ReasonUnchanged
		dec.Significant = false
	}

	if dec.Store {
		d.last[s.Key()] = tracked{snap: s, bucket: b}
	}
	return dec
}

// Last returns the cached snapshot and its stored bucket for symbol.
func (d *ChangeDetector) Last(symbol string) (Snapshot, time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.last[symbol]
	return t.snap, t.bucket, ok
}

// Forget drops all cached state, used when a new session starts.
func (d *ChangeDetector) Forget() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.last = make(map[string]tracked)
}

func (d *ChangeDetector) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.last)
}

func validate(s Snapshot) error {
	switch {
	case s.Contract.Symbol == "":
		return fmt.Errorf("snapshot without symbol")
	case math.IsNaN(s.LTP) || math.IsInf(s.LTP, 0) || s.LTP < 0:
		return fmt.Errorf("snapshot %s has invalid ltp %v", s.Contract.Symbol, s.LTP)
	case s.OI < 0:
		return fmt.Errorf("snapshot %s has negative oi %d", s.Contract.Symbol, s.OI)
	}
	return nil
}

// MaxPercentChange bounds PercentChange in both directions.
const MaxPercentChange = 1000.0

// PercentChange is (cur-prev)/(prev+1e-5)*100 clamped to +/-MaxPercentChange.
func PercentChange(prev, cur float64) float64 {
	pct := (cur - prev) / (prev + 1e-5) * 100
	if math.IsNaN(pct) {
		return 0
	}
	return math.Max(-MaxPercentChange, math.Min(MaxPercentChange, pct))
}
