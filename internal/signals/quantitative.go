package signals

import (
	"math"
	"sort"

	"github.com/oi-bucket-tracker/internal/state"
)

type Shift string

const (
	ShiftUp      Shift = "UP"
	ShiftDown    Shift = "DOWN"
	ShiftNeutral Shift = "NEUTRAL"
)

type Bias string

const (
	BiasBullish Bias = "BULLISH"
	BiasBearish Bias = "BEARISH"
	BiasNeutral Bias = "NEUTRAL"
)

// ChainMetrics are the OI-derived levels of one bucket.
type ChainMetrics struct {
	PCR        float64 `json:"pcr"`
	VolumePCR  float64 `json:"volume_pcr"`
	CallOI     int64   `json:"call_oi"`
	PutOI      int64   `json:"put_oi"`
	MaxPain    int     `json:"max_pain"`
	Support    []int   `json:"support"`
	Resistance []int   `json:"resistance"`
	Bias       Bias    `json:"bias"`
}

func (t Thresholds) ComputeChainMetrics(c *state.Chain) ChainMetrics {
	m := ChainMetrics{
		CallOI:     c.TotalOI(state.Call),
		PutOI:      c.TotalOI(state.Put),
		MaxPain:    MaxPain(c),
		Support:    TopStrikes(c, state.Put, 3),
		Resistance: TopStrikes(c, state.Call, 3),
	}
	m.PCR = PCR(c)
	if cv := c.TotalVolume(state.Call); cv > 0 {
		m.VolumePCR = round4(float64(c.TotalVolume(state.Put)) / float64(cv))
	}
	m.Bias = t.PCRBias(m.PCR)
	return m
}

// PCR is total put OI over total call OI, zero when there is no call OI.
func PCR(c *state.Chain) float64 {
	callOI := c.TotalOI(state.Call)
	if callOI == 0 {
		return 0
	}
	return round4(float64(c.TotalOI(state.Put)) / float64(callOI))
}

func (t Thresholds) PCRBias(pcr float64) Bias {
	switch {
	case pcr > t.PCRBullish:
		return BiasBullish
	case pcr < t.PCRBearish:
		return BiasBearish
	}
	return BiasNeutral
}

// MaxPain returns the strike minimising total writer payout. Ties resolve to
// the lower strike. Zero for an empty chain.
func MaxPain(c *state.Chain) int {
	strikes := c.Strikes()
	if len(strikes) == 0 {
		return 0
	}

	best, bestPain := strikes[0], math.Inf(1)
	for _, s := range strikes {
		var pain float64
		for _, l := range c.Legs {
			switch {
			case l.Strike < s:
				pain += float64(l.OI(state.Call)) * float64(s-l.Strike)
			case l.Strike > s:
				pain += float64(l.OI(state.Put)) * float64(l.Strike-s)
			}
		}
		if pain < bestPain {
			best, bestPain = s, pain
		}
	}
	return best
}

// TopStrikes returns up to n strikes with the highest OI on side, highest
// first. Strikes with no OI are skipped.
func TopStrikes(c *state.Chain, side state.Side, n int) []int {
	type kv struct {
		strike int
		oi     int64
	}
	var list []kv
	for _, l := range c.Legs {
		if oi := l.OI(side); oi > 0 {
			list = append(list, kv{l.Strike, oi})
		}
	}
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].oi != list[j].oi {
			return list[i].oi > list[j].oi
		}
		return list[i].strike < list[j].strike
	})
	if len(list) > n {
		list = list[:n]
	}
	out := make([]int, len(list))
	for i, e := range list {
		out[i] = e.strike
	}
	return out
}

// LevelShift compares the strongest support and resistance strikes of two
// consecutive buckets.
func LevelShift(prev, cur *state.Chain) (support, resistance Shift) {
	return shiftOf(TopStrikes(prev, state.Put, 1), TopStrikes(cur, state.Put, 1)),
		shiftOf(TopStrikes(prev, state.Call, 1), TopStrikes(cur, state.Call, 1))
}

func shiftOf(prev, cur []int) Shift {
	if len(prev) == 0 || len(cur) == 0 {
		return ShiftNeutral
	}
	switch {
	case cur[0] > prev[0]:
		return ShiftUp
	case cur[0] < prev[0]:
		return ShiftDown
	}
	return ShiftNeutral
}

// PCRTrend is the PCR change across the last n chains, oldest to newest.
// ok is false when fewer than two of them have call OI.
func PCRTrend(chains []*state.Chain, n int) (delta float64, ok bool) {
	if len(chains) > n {
		chains = chains[len(chains)-n:]
	}
	var pcrs []float64
	for _, c := range chains {
		if c.TotalOI(state.Call) > 0 {
			pcrs = append(pcrs, PCR(c))
		}
	}
	if len(pcrs) < 2 {
		return 0, false
	}
	return pcrs[len(pcrs)-1] - pcrs[0], true
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
