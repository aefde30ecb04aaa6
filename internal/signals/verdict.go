package signals

import (
	"math"
	"sort"

	"github.com/oi-bucket-tracker/internal/state"
)

type Direction string

const (
	StronglyBullish  Direction = "Strongly Bullish"
	Bullish          Direction = "Bullish"
	MildlyBullish    Direction = "Mildly Bullish"
	Neutral          Direction = "Neutral"
	MildlyBearish    Direction = "Mildly Bearish"
	Bearish          Direction = "Bearish"
	StronglyBearish  Direction = "Strongly Bearish"
	InsufficientData Direction = "Insufficient Data"
)

// StrikeSignal is a classified contract at one strike.
type StrikeSignal struct {
	Strike         int        `json:"strike"`
	Side           state.Side `json:"side"`
	OIChangePct    float64    `json:"oi_change_pct"`
	PriceChangePct float64    `json:"price_change_pct"`
	AbsOIChange    int64      `json:"abs_oi_change"`
	Classification
}

// Verdict is the directional aggregate over one bucket of one index.
type Verdict struct {
	Direction        Direction `json:"direction"`
	ConfidenceFactor float64   `json:"confidence_factor"`
	BullishScore     float64   `json:"bullish_score"`
	BearishScore     float64   `json:"bearish_score"`
	BullishPct       float64   `json:"bullish_pct"`
	BearishPct       float64   `json:"bearish_pct"`
	ScoreDiff        float64   `json:"score_diff"`
	BullishVolume    int64     `json:"bullish_volume"`
	BearishVolume    int64     `json:"bearish_volume"`
	Signals          int       `json:"signals"`
	HighConfidence   int       `json:"high_confidence"`
}

// ClassifyChain classifies every leg of c using the row's stored changes.
func (t Thresholds) ClassifyChain(c *state.Chain) []StrikeSignal {
	out := make([]StrikeSignal, 0, 2*len(c.Legs))
	for _, r := range c.Rows() {
		abs := r.OIChange
		if abs < 0 {
			abs = -abs
		}
		out = append(out, StrikeSignal{
			Strike:         r.Strike,
			Side:           r.Side,
			OIChangePct:    r.OIChangePct,
			PriceChangePct: r.PriceChangePct,
			AbsOIChange:    abs,
			Classification: t.Classify(r.OIChangePct, r.PriceChangePct, r.Side, float64(abs)),
		})
	}
	return out
}

// Aggregate folds strike signals into a directional verdict. Only signals
// above MinConfidence count; fewer than MinSignals of them yields
// InsufficientData.
func (t Thresholds) Aggregate(sigs []StrikeSignal) Verdict {
	var v Verdict
	for _, s := range sigs {
		if s.Confidence <= t.MinConfidence {
			continue
		}
		v.Signals++
		if s.Confidence > t.HighConfidence {
			v.HighConfidence++
		}
		w := s.Impact * s.Confidence / 100
		if w > 0 {
			v.BullishScore += w
			v.BullishVolume += s.AbsOIChange
		} else {
			v.BearishScore += math.Abs(w)
			v.BearishVolume += s.AbsOIChange
		}
	}

	total := v.BullishScore + v.BearishScore
	if total > 0 {
		v.BullishPct = v.BullishScore / total * 100
		v.BearishPct = v.BearishScore / total * 100
	} else {
		v.BullishPct, v.BearishPct = 50, 50
	}
	v.ScoreDiff = v.BullishPct - v.BearishPct
	v.ConfidenceFactor = float64(v.HighConfidence) / math.Max(float64(v.Signals), 1) * 100

	v.Direction = t.direction(v)
	return v
}

func (t Thresholds) direction(v Verdict) Direction {
	if v.Signals < t.MinSignals {
		return InsufficientData
	}
	d, cf := v.ScoreDiff, v.ConfidenceFactor
	switch {
	case d > t.StrongScoreDiff && cf > t.StrongFactor:
		return StronglyBullish
	case d > t.NormalScoreDiff && cf > t.NormalFactor:
		return Bullish
	case d > t.MildScoreDiff:
		return MildlyBullish
	case d < -t.StrongScoreDiff && cf > t.StrongFactor:
		return StronglyBearish
	case d < -t.NormalScoreDiff && cf > t.NormalFactor:
		return Bearish
	case d < -t.MildScoreDiff:
		return MildlyBearish
	}
	return Neutral
}

// Rank splits signals into bullish and bearish lists ordered by confidence,
// each capped at n.
func Rank(sigs []StrikeSignal, n int) (bullish, bearish []StrikeSignal) {
	for _, s := range sigs {
		switch {
		case s.Impact > 0:
			bullish = append(bullish, s)
		case s.Impact < 0:
			bearish = append(bearish, s)
		}
	}
	byConf := func(list []StrikeSignal) {
		sort.SliceStable(list, func(i, j int) bool { return list[i].Confidence > list[j].Confidence })
	}
	byConf(bullish)
	byConf(bearish)
	if n > 0 {
		if len(bullish) > n {
			bullish = bullish[:n]
		}
		if len(bearish) > n {
			bearish = bearish[:n]
		}
	}
	return bullish, bearish
}
