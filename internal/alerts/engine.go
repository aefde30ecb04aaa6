package alerts

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/oi-bucket-tracker/internal/scanner"
	"github.com/oi-bucket-tracker/internal/signals"
)

// AlertType represents the type of alert
type AlertType string

const (
	AlertTypeVerdictChange   AlertType = "verdict_change"
	AlertTypeSupportShift    AlertType = "support_shift"
	AlertTypeResistanceShift AlertType = "resistance_shift"
	AlertTypePCRTrend        AlertType = "pcr_trend"
	AlertTypePCRExtreme      AlertType = "pcr_extreme"
	AlertTypeTradeSetup      AlertType = "trade_setup"
	AlertTypeOIWall          AlertType = "oi_wall"
)

// Alert is a rule firing on analysis output or on the live chain.
type Alert struct {
	ID        string    `json:"id"`
	Type      AlertType `json:"type"`
	Index     string    `json:"index"`
	Title     string    `json:"title"`
	BucketTS  time.Time `json:"bucket_ts"`
	Timestamp time.Time `json:"timestamp"`

	// Why it fired
	Reason       string                 `json:"reason"`
	Inputs       map[string]interface{} `json:"inputs"`
	Threshold    float64                `json:"threshold"`
	CurrentValue float64                `json:"current_value"`

	// What it suggests
	Suggestion string  `json:"suggestion"`
	Action     string  `json:"action"`     // "buy", "sell", "watch"
	Confidence float64 `json:"confidence"` // 0-1
}

type Rules struct {
	PCRExtremeHigh float64
	PCRExtremeLow  float64
	PCRTrendDelta  float64
	OIWallShare    float64 // share of the chain's OI at one strike
	MaxHistory     int     // per index
}

// Engine turns signals and live chain concentration into alerts and keeps
// a bounded history per index.
type Engine struct {
	scanner *scanner.Scanner
	rules   Rules
	logger  zerolog.Logger
	now     func() time.Time

	mu       sync.RWMutex
	history  map[string][]Alert // index -> alerts, oldest first
	lastWall map[string]int
}

func NewEngine(scan *scanner.Scanner, rules Rules, logger zerolog.Logger) *Engine {
	if rules.OIWallShare <= 0 {
		rules.OIWallShare = 0.25
	}
	if rules.MaxHistory <= 0 {
		rules.MaxHistory = 200
	}
	return &Engine{
		scanner:  scan,
		rules:    rules,
		logger:   logger.With().Str("component", "alerts").Logger(),
		now:      time.Now,
		history:  make(map[string][]Alert),
		lastWall: make(map[string]int),
	}
}

// Run consumes analysis signals until ctx is cancelled. Every verdict also
// triggers a check of the live chain of its index.
func (e *Engine) Run(ctx context.Context, in <-chan signals.Signal) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig, ok := <-in:
			if !ok {
				return nil
			}
			fired := e.Process(sig)
			for _, a := range fired {
				e.logger.Info().
					Str("index", a.Index).
					Str("type", string(a.Type)).
					Str("action", a.Action).
					Msg(a.Reason)
			}
		}
	}
}

// Process evaluates one signal and records whatever fires.
func (e *Engine) Process(sig signals.Signal) []Alert {
	var fired []Alert
	if a, ok := e.FromSignal(sig); ok {
		fired = append(fired, a)
	}
	if sig.Type == signals.SignalTypeVerdict && e.scanner != nil {
		fired = append(fired, e.CheckChain(sig.Index)...)
	}
	e.record(fired...)
	return fired
}

// FromSignal maps an analysis signal onto an alert. Verdicts only alert
// when the direction changed.
func (e *Engine) FromSignal(sig signals.Signal) (Alert, bool) {
	a := Alert{
		Index:        sig.Index,
		BucketTS:     sig.BucketTS,
		Timestamp:    e.now(),
		Title:        sig.Message,
		Reason:       sig.Message,
		CurrentValue: sig.Value,
		Confidence:   sig.Metadata.Confidence,
		Action:       "watch",
		Inputs:       map[string]interface{}{"value": sig.Value},
	}

	switch sig.Type {
	case signals.SignalTypeVerdict:
		if !sig.Metadata.ThresholdCrossed || sig.Verdict == nil {
			return Alert{}, false
		}
		v := sig.Verdict
		a.Type = AlertTypeVerdictChange
		a.Title = fmt.Sprintf("%s turned %s", sig.Index, v.Direction)
		a.Reason = fmt.Sprintf("Verdict changed to %s (bullish %.1f%% / bearish %.1f%%)", v.Direction, v.BullishPct, v.BearishPct)
		a.Inputs = map[string]interface{}{
			"score_diff":        v.ScoreDiff,
			"confidence_factor": v.ConfidenceFactor,
			"signals":           v.Signals,
		}
		a.Action = directionAction(v.Direction)
		a.Suggestion = "Re-check open positions against the new bias"

	case signals.SignalTypeLevelShift:
		a.Type = AlertTypeSupportShift
		if strings.HasPrefix(sig.Message, "Resistance") {
			a.Type = AlertTypeResistanceShift
		}
		a.Inputs = map[string]interface{}{"strike": int(sig.Value)}
		a.Suggestion = "OI wall moved: adjust stops around the new level"

	case signals.SignalTypePCRTrend:
		a.Type = AlertTypePCRTrend
		a.Threshold = e.rules.PCRTrendDelta
		a.Inputs = map[string]interface{}{"pcr_change": sig.Value}
		if sig.Value > 0 {
			a.Action = "buy"
		} else {
			a.Action = "sell"
		}
		a.Suggestion = "Momentum building in the PCR direction"

	case signals.SignalTypePCRExtreme:
		a.Type = AlertTypePCRExtreme
		a.Inputs = map[string]interface{}{"pcr": sig.Value}
		a.Threshold = e.rules.PCRExtremeLow
		if sig.Value > 1 {
			a.Threshold = e.rules.PCRExtremeHigh
		}
		a.Suggestion = "Positioning is crowded: watch for a reversal"

	case signals.SignalTypeTradeSetup:
		if sig.Setup == nil {
			return Alert{}, false
		}
		s := sig.Setup
		a.Type = AlertTypeTradeSetup
		a.Title = fmt.Sprintf("%s %s setup", sig.Index, s.Bias)
		a.Inputs = map[string]interface{}{
			"strategy":     s.Strategy,
			"entry_strike": s.EntryStrike,
			"entry_type":   string(s.EntryType),
			"entry_price":  s.EntryPrice.String(),
			"stop_loss":    s.StopLoss.String(),
			"target":       s.Target.String(),
			"risk_reward":  s.RiskReward().String(),
		}
		a.Suggestion = s.Rationale
		switch s.Bias {
		case "BULLISH":
			a.Action = "buy"
		case "BEARISH":
			a.Action = "sell"
		}

	default:
		return Alert{}, false
	}

	a.ID = generateAlertID(a.Index, a.Type, a.Timestamp)
	return a, true
}

// CheckChain alerts when the strike holding the largest share of live OI
// crosses the wall threshold and differs from the last reported wall.
func (e *Engine) CheckChain(index string) []Alert {
	ranked := e.scanner.ScanIndex(index)

	var wall *scanner.StrikeOpportunity
	for i := range ranked {
		if ranked[i].Stale {
			continue
		}
		if wall == nil || ranked[i].OIShare > wall.OIShare {
			wall = &ranked[i]
		}
	}
	if wall == nil || wall.OIShare < e.rules.OIWallShare {
		return nil
	}

	e.mu.Lock()
	prev, seen := e.lastWall[index]
	e.lastWall[index] = wall.Strike
	e.mu.Unlock()
	if seen && prev == wall.Strike {
		return nil
	}

	kind, suggestion := "Call", "Heavy call writing caps the upside here"
	if wall.StrikePCR > 1 {
		kind, suggestion = "Put", "Heavy put writing supports the downside here"
	}
	now := e.now()
	return []Alert{{
		ID:        generateAlertID(index, AlertTypeOIWall, now),
		Type:      AlertTypeOIWall,
		Index:     index,
		Title:     fmt.Sprintf("%s %s wall at %d", index, kind, wall.Strike),
		Timestamp: now,
		Reason:    fmt.Sprintf("%.0f%% of live OI sits at %d", wall.OIShare*100, wall.Strike),
		Inputs: map[string]interface{}{
			"call_oi":    wall.CallOI,
			"put_oi":     wall.PutOI,
			"strike_pcr": wall.StrikePCR,
			"distance":   wall.Distance,
		},
		Threshold:    e.rules.OIWallShare,
		CurrentValue: wall.OIShare,
		Suggestion:   suggestion,
		Action:       "watch",
		Confidence:   wall.Score,
	}}
}

func (e *Engine) record(alerts ...Alert) {
	if len(alerts) == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, a := range alerts {
		h := append(e.history[a.Index], a)
		if len(h) > e.rules.MaxHistory {
			h = h[len(h)-e.rules.MaxHistory:]
		}
		e.history[a.Index] = h
	}
}

// Recent returns up to limit alerts, newest first. An empty index means all
// indices.
func (e *Engine) Recent(index string, limit int) []Alert {
	e.mu.RLock()
	var all []Alert
	if index != "" {
		all = append(all, e.history[index]...)
	} else {
		for _, h := range e.history {
			all = append(all, h...)
		}
	}
	e.mu.RUnlock()

	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Timestamp.After(all[j].Timestamp)
	})
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all
}

func directionAction(d signals.Direction) string {
	switch d {
	case signals.StronglyBullish, signals.Bullish, signals.MildlyBullish:
		return "buy"
	case signals.StronglyBearish, signals.Bearish, signals.MildlyBearish:
		return "sell"
	default:
		return "watch"
	}
}

func generateAlertID(index string, alertType AlertType, at time.Time) string {
	return index + "_" + string(alertType) + "_" + at.Format("20060102150405")
}
