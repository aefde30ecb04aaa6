// Package scanner ranks the strikes of the live in-memory chain between
// persisted buckets.
package scanner

import (
	"math"
	"sort"
	"time"

	"github.com/oi-bucket-tracker/internal/state"
)

// StrikeOpportunity is one strike of the live chain with its OI
// concentration and activity score.
type StrikeOpportunity struct {
	Index  string `json:"index"`
	Strike int    `json:"strike"`

	// Both legs
	CallOI     int64   `json:"call_oi"`
	PutOI      int64   `json:"put_oi"`
	CallLTP    float64 `json:"call_ltp"`
	PutLTP     float64 `json:"put_ltp"`
	CallVolume int64   `json:"call_volume"`
	PutVolume  int64   `json:"put_volume"`

	// Derived
	StrikePCR float64 `json:"strike_pcr"`
	Straddle  float64 `json:"straddle"`
	Distance  float64 `json:"distance"` // strike - spot
	OIShare   float64 `json:"oi_share"` // share of the chain's total OI
	Score     float64 `json:"score"`    // 0-1

	// Staleness
	LastUpdate time.Time `json:"last_update"`
	Stale      bool      `json:"stale"`
}

// Scanner analyzes the latest snapshots held by the state engine.
type Scanner struct {
	state  *state.Engine
	maxAge time.Duration
	now    func() time.Time
}

func NewScanner(stateEngine *state.Engine, maxAge time.Duration) *Scanner {
	if maxAge <= 0 {
		maxAge = 2 * time.Minute
	}
	return &Scanner{
		state:  stateEngine,
		maxAge: maxAge,
		now:    time.Now,
	}
}

// ScanIndex returns the strikes of index, best score first.
func (s *Scanner) ScanIndex(index string) []StrikeOpportunity {
	opps := s.Chain(index)
	sort.SliceStable(opps, func(i, j int) bool {
		return opps[i].Score > opps[j].Score
	})
	return opps
}

// Chain returns the strikes of index in ascending strike order.
func (s *Scanner) Chain(index string) []StrikeOpportunity {
	snaps := s.state.GetSnapshots(index)
	if len(snaps) == 0 {
		return nil
	}
	var spot float64
	if q, ok := s.state.GetSpot(index); ok {
		spot = q.LTP
	}

	byStrike := make(map[int]*StrikeOpportunity)
	var strikes []int
	for _, snap := range snaps {
		k := snap.Contract.Strike
		opp, ok := byStrike[k]
		if !ok {
			opp = &StrikeOpportunity{Index: index, Strike: k}
			byStrike[k] = opp
			strikes = append(strikes, k)
		}
		if snap.Contract.Side == state.Call {
			opp.CallOI, opp.CallLTP, opp.CallVolume = snap.OI, snap.LTP, snap.Volume
		} else {
			opp.PutOI, opp.PutLTP, opp.PutVolume = snap.OI, snap.LTP, snap.Volume
		}
		if snap.ObservedAt.After(opp.LastUpdate) {
			opp.LastUpdate = snap.ObservedAt
		}
	}
	sort.Ints(strikes)

	var totalOI, maxOI, maxVolume int64
	for _, k := range strikes {
		opp := byStrike[k]
		oi := opp.CallOI + opp.PutOI
		totalOI += oi
		if oi > maxOI {
			maxOI = oi
		}
		if v := opp.CallVolume + opp.PutVolume; v > maxVolume {
			maxVolume = v
		}
	}

	now := s.now()
	out := make([]StrikeOpportunity, 0, len(strikes))
	for _, k := range strikes {
		opp := byStrike[k]
		s.analyzeStrike(opp, spot, totalOI, maxOI, maxVolume, now)
		out = append(out, *opp)
	}
	return out
}

func (s *Scanner) analyzeStrike(opp *StrikeOpportunity, spot float64, totalOI, maxOI, maxVolume int64, now time.Time) {
	if opp.CallOI > 0 {
		opp.StrikePCR = math.Round(float64(opp.PutOI)/float64(opp.CallOI)*100) / 100
	}
	opp.Straddle = opp.CallLTP + opp.PutLTP
	if spot > 0 {
		opp.Distance = float64(opp.Strike) - spot
	}

	oi := opp.CallOI + opp.PutOI
	if totalOI > 0 {
		opp.OIShare = float64(oi) / float64(totalOI)
	}

	// Score (0-1): OI concentration weighs more than traded volume
	var oiScore, volumeScore float64
	if maxOI > 0 {
		oiScore = float64(oi) / float64(maxOI)
	}
	if maxVolume > 0 {
		volumeScore = float64(opp.CallVolume+opp.PutVolume) / float64(maxVolume)
	}
	opp.Score = oiScore*0.6 + volumeScore*0.4

	opp.Stale = now.Sub(opp.LastUpdate) > s.maxAge
}
