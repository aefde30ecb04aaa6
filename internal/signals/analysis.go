package signals

import (
	"fmt"
	"time"

	"github.com/oi-bucket-tracker/internal/state"
)

type FindingKind string

const (
	FindingSupportShift    FindingKind = "support_shift"
	FindingResistanceShift FindingKind = "resistance_shift"
	FindingPCRTrend        FindingKind = "pcr_trend"
	FindingPCRExtreme      FindingKind = "pcr_extreme"
)

// Finding is one noteworthy change detected by Analyze.
type Finding struct {
	Kind    FindingKind `json:"kind"`
	Message string      `json:"message"`
	Value   float64     `json:"value"`
}

// Analysis is the full read of an index over its recent buckets.
type Analysis struct {
	Index           string         `json:"index"`
	BucketTS        time.Time      `json:"bucket_ts"`
	Spot            float64        `json:"spot"`
	Buckets         int            `json:"buckets"`
	Verdict         Verdict        `json:"verdict"`
	Metrics         ChainMetrics   `json:"metrics"`
	SupportShift    Shift          `json:"support_shift"`
	ResistanceShift Shift          `json:"resistance_shift"`
	PCRTrend        float64        `json:"pcr_trend"`
	Bullish         []StrikeSignal `json:"bullish"`
	Bearish         []StrikeSignal `json:"bearish"`
	Findings        []Finding      `json:"findings"`
}

// Analyze reads chains (oldest first, one per bucket) and describes the
// latest one against its history. ok is false when there is nothing to read.
func (t Thresholds) Analyze(chains []*state.Chain) (a Analysis, ok bool) {
	var filled []*state.Chain
	for _, c := range chains {
		if c != nil && !c.Empty() {
			filled = append(filled, c)
		}
	}
	if len(filled) == 0 {
		return Analysis{}, false
	}

	cur := filled[len(filled)-1]
	sigs := t.ClassifyChain(cur)

	a = Analysis{
		Index:           cur.Index,
		BucketTS:        cur.BucketTS,
		Spot:            cur.Spot,
		Buckets:         len(filled),
		Verdict:         t.Aggregate(sigs),
		Metrics:         t.ComputeChainMetrics(cur),
		SupportShift:    ShiftNeutral,
		ResistanceShift: ShiftNeutral,
	}
	a.Bullish, a.Bearish = Rank(sigs, t.TopStrikes)

	if len(filled) >= 2 {
		a.SupportShift, a.ResistanceShift = LevelShift(filled[len(filled)-2], cur)
	}
	trendOK := false
	if len(filled) >= t.PCRTrendBuckets {
		a.PCRTrend, trendOK = PCRTrend(filled, t.PCRTrendBuckets)
	}
	a.Findings = t.findings(a, trendOK)
	return a, true
}

func (t Thresholds) findings(a Analysis, trendOK bool) []Finding {
	var out []Finding

	if a.SupportShift != ShiftNeutral && len(a.Metrics.Support) > 0 {
		out = append(out, Finding{
			Kind:    FindingSupportShift,
			Message: fmt.Sprintf("Support shifted %s to %d", a.SupportShift, a.Metrics.Support[0]),
			Value:   float64(a.Metrics.Support[0]),
		})
	}
	if a.ResistanceShift != ShiftNeutral && len(a.Metrics.Resistance) > 0 {
		out = append(out, Finding{
			Kind:    FindingResistanceShift,
			Message: fmt.Sprintf("Resistance shifted %s to %d", a.ResistanceShift, a.Metrics.Resistance[0]),
			Value:   float64(a.Metrics.Resistance[0]),
		})
	}

	if trendOK {
		switch {
		case a.PCRTrend > t.PCRTrendDelta:
			out = append(out, Finding{Kind: FindingPCRTrend, Message: "PCR trending UP - Bullish momentum", Value: a.PCRTrend})
		case a.PCRTrend < -t.PCRTrendDelta:
			out = append(out, Finding{Kind: FindingPCRTrend, Message: "PCR trending DOWN - Bearish momentum", Value: a.PCRTrend})
		}
	}

	switch pcr := a.Metrics.PCR; {
	case pcr > t.PCRExtremeHigh:
		out = append(out, Finding{Kind: FindingPCRExtreme, Message: fmt.Sprintf("Extreme PCR %.2f - Strong bullish sentiment", pcr), Value: pcr})
	case pcr > 0 && pcr < t.PCRExtremeLow:
		out = append(out, Finding{Kind: FindingPCRExtreme, Message: fmt.Sprintf("Extreme PCR %.2f - Strong bearish sentiment", pcr), Value: pcr})
	}
	return out
}
