package signals

import (
	"math"

	"github.com/oi-bucket-tracker/internal/config"
	"github.com/oi-bucket-tracker/internal/state"
)

const (
	LabelNeutral = "Neutral"

	LabelCallLongBuildup   = "Call Long Buildup"
	LabelCallShortBuildup  = "Call Short Buildup"
	LabelCallShortCovering = "Call Short Covering"
	LabelCallLongUnwinding = "Call Long Unwinding"
	LabelPutLongBuildup    = "Put Long Buildup"
	LabelPutShortBuildup   = "Put Short Buildup"
	LabelPutShortCovering  = "Put Short Covering"
	LabelPutLongUnwinding  = "Put Long Unwinding"
)

// Classification is the buildup/unwind reading of one contract.
type Classification struct {
	Label      string  `json:"label"`
	Impact     float64 `json:"impact"`
	Strength   float64 `json:"strength"`
	Confidence float64 `json:"confidence"`
}

// Thresholds holds every tunable constant of the classifier and verdict.
type Thresholds struct {
	OITiers        [4]float64
	PriceTiers     [4]float64
	MinAbsOIChange float64

	// Contract-count change that adds 10 points of confidence.
	ConfidenceOIScale float64

	// Impact multipliers by absolute OI change.
	HeavyOIChange    float64
	HeavyImpactMult  float64
	ActiveOIChange   float64
	ActiveImpactMult float64

	MinConfidence   float64
	HighConfidence  float64
	MinSignals      int
	StrongScoreDiff float64
	StrongFactor    float64
	NormalScoreDiff float64
	NormalFactor    float64
	MildScoreDiff   float64

	PCRBullish      float64
	PCRBearish      float64
	PCRExtremeHigh  float64
	PCRExtremeLow   float64
	PCRTrendDelta   float64
	PCRTrendBuckets int
	TopStrikes      int
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		OITiers:         [4]float64{2, 5, 10, 20},
		PriceTiers:      [4]float64{1, 2.5, 5, 10},
		MinAbsOIChange:  50,

		ConfidenceOIScale: 50,
		HeavyOIChange:     500,
		HeavyImpactMult:   2,
		ActiveOIChange:    100,
		ActiveImpactMult:  1.5,

		MinConfidence:   30,
		HighConfidence:  60,
		MinSignals:      3,
		StrongScoreDiff: 40,
		StrongFactor:    60,
		NormalScoreDiff: 25,
		NormalFactor:    50,
		MildScoreDiff:   10,
		PCRBullish:      1.2,
		PCRBearish:      0.8,
		PCRExtremeHigh:  1.5,
		PCRExtremeLow:   0.5,
		PCRTrendDelta:   0.1,
		PCRTrendBuckets: 3,
		TopStrikes:      5,
	}
}

// ThresholdsFrom overlays configured values on the defaults.
func ThresholdsFrom(cfg config.ClassifierConfig) Thresholds {
	t := DefaultThresholds()
	if len(cfg.OITiers) == 4 {
		copy(t.OITiers[:], cfg.OITiers)
	}
	if len(cfg.PriceTiers) == 4 {
		copy(t.PriceTiers[:], cfg.PriceTiers)
	}
	t.MinAbsOIChange = cfg.MinAbsOIChange
	if cfg.ConfidenceOIScale > 0 {
		t.ConfidenceOIScale = cfg.ConfidenceOIScale
	}
	t.HeavyOIChange = cfg.HeavyOIChange
	t.HeavyImpactMult = cfg.HeavyImpactMult
	t.ActiveOIChange = cfg.ActiveOIChange
	t.ActiveImpactMult = cfg.ActiveImpactMult
	t.MinConfidence = cfg.MinConfidence
	t.HighConfidence = cfg.HighConfidence
	t.MinSignals = cfg.MinSignals
	t.StrongScoreDiff = cfg.StrongScoreDiff
	t.StrongFactor = cfg.StrongFactor
	t.NormalScoreDiff = cfg.NormalScoreDiff
	t.NormalFactor = cfg.NormalFactor
	t.MildScoreDiff = cfg.MildScoreDiff
	t.PCRBullish = cfg.PCRBullish
	t.PCRBearish = cfg.PCRBearish
	t.PCRExtremeHigh = cfg.PCRExtremeHigh
	t.PCRExtremeLow = cfg.PCRExtremeLow
	t.PCRTrendDelta = cfg.PCRTrendDelta
	t.PCRTrendBuckets = cfg.PCRTrendBuckets
	t.TopStrikes = cfg.MaxStrikesDisplay
	return t
}

// Classify applies the default thresholds.
func Classify(oiChangePct, priceChangePct float64, side state.Side, absOIChange float64) Classification {
	return DefaultThresholds().Classify(oiChangePct, priceChangePct, side, absOIChange)
}

// Classify labels one contract from its OI and price percentage changes.
// Moves inside the dead zone are Neutral with zero weight.
func (t Thresholds) Classify(oiChangePct, priceChangePct float64, side state.Side, absOIChange float64) Classification {
	absOI, absPx := math.Abs(oiChangePct), math.Abs(priceChangePct)
	if absOI < t.OITiers[0] || absPx < t.PriceTiers[0] || absOIChange < t.MinAbsOIChange {
		return Classification{Label: LabelNeutral}
	}

	strength := (tier(absOI, t.OITiers) + tier(absPx, t.PriceTiers)) / 2
	confidence := math.Min(strength*20+(absOIChange/t.ConfidenceOIScale)*10, 100)

	mult := 1.0
	switch {
	case absOIChange >= t.HeavyOIChange:
		mult = t.HeavyImpactMult
	case absOIChange >= t.ActiveOIChange:
		mult = t.ActiveImpactMult
	}

	oiUp, pxUp := oiChangePct > 0, priceChangePct > 0
	var label string
	var impact float64
	switch {
	case oiUp && pxUp:
		label, impact = LabelCallLongBuildup, 1.5
	case oiUp && !pxUp:
		label, impact = LabelCallShortBuildup, -2.0
	case !oiUp && pxUp:
		label, impact = LabelCallShortCovering, 2.5
	default:
		label, impact = LabelCallLongUnwinding, -1.0
	}
	if side == state.Put {
		label, impact = putLabel(label), -impact
	}

	return Classification{
		Label:      label,
		Impact:     impact * mult,
		Strength:   strength,
		Confidence: math.Max(0, confidence),
	}
}

func tier(v float64, tiers [4]float64) float64 {
	switch {
	case v >= tiers[3]:
		return 4
	case v >= tiers[2]:
		return 3
	case v >= tiers[1]:
		return 2
	case v >= tiers[0]:
		return 1
	}
	return 0
}

func putLabel(callLabel string) string {
	switch callLabel {
	case LabelCallLongBuildup:
		return LabelPutLongBuildup
	case LabelCallShortBuildup:
		return LabelPutShortBuildup
	case LabelCallShortCovering:
		return LabelPutShortCovering
	default:
		return LabelPutLongUnwinding
	}
}
