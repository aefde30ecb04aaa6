package store

import (
	"math"
	"time"

	"github.com/oi-bucket-tracker/internal/signals"
	"github.com/oi-bucket-tracker/internal/state"
	"github.com/oi-bucket-tracker/internal/strikes"
)

// Deriver computes persisted rows from fetched snapshots and the rows of the
// prior bucket.
type Deriver struct {
	Thresholds signals.Thresholds
}

type DeriveInput struct {
	Index          string
	Bucket         time.Time
	Spot           float64
	StrikeInterval int
	Candle         state.Candle
	Snapshots      []state.Snapshot
	// Previous holds the prior bucket's rows keyed by symbol.
	Previous  map[string]state.HistoricalRow
	Synthetic bool
	Now       time.Time
}

// BySymbol indexes rows by symbol.
func BySymbol(rows []state.HistoricalRow) map[string]state.HistoricalRow {
	out := make(map[string]state.HistoricalRow, len(rows))
	for _, r := range rows {
		out[r.Symbol] = r
	}
	return out
}

// Derive returns one row per snapshot, in snapshot order. PCR is computed
// over every snapshot in the input, so callers pass the whole fetched chain
// and pick the rows they store afterwards.
func (d Deriver) Derive(in DeriveInput) []state.HistoricalRow {
	var callOI, putOI int64
	for _, s := range in.Snapshots {
		if s.Contract.Side == state.Call {
			callOI += s.OI
		} else {
			putOI += s.OI
		}
	}
	var pcr float64
	if callOI > 0 {
		pcr = math.Round(float64(putOI)/float64(callOI)*10000) / 10000
	}

	atm := 0
	if in.Spot > 0 && in.StrikeInterval > 0 {
		atm = strikes.ATM(in.Spot, in.StrikeInterval)
	}

	out := make([]state.HistoricalRow, 0, len(in.Snapshots))
	for _, s := range in.Snapshots {
		c := s.Contract
		row := state.HistoricalRow{
			BucketTS:    in.Bucket,
			IndexName:   in.Index,
			Expiry:      c.Expiry,
			Strike:      c.Strike,
			Side:        c.Side,
			Symbol:      c.Symbol,
			Token:       c.Token,
			OI:          s.OI,
			LTP:         s.LTP,
			Volume:      s.Volume,
			PCR:         pcr,
			Label:       signals.LabelNeutral,
			IndexOpen:   in.Candle.Open,
			IndexHigh:   in.Candle.High,
			IndexLow:    in.Candle.Low,
			IndexClose:  in.Candle.Close,
			IndexVolume: in.Candle.Volume,
			Delta:       s.Greeks.Delta,
			Gamma:       s.Greeks.Gamma,
			Theta:       s.Greeks.Theta,
			Vega:        s.Greeks.Vega,
			IV:          s.Greeks.IV,
			Synthetic:   in.Synthetic,
			UpdatedAt:   in.Now,
		}
		if atm > 0 {
			row.StrikeRank = strikes.Rank(c.Strike, atm, in.StrikeInterval)
		}

		if prev, ok := in.Previous[c.Symbol]; ok {
			row.OIChange = s.OI - prev.OI
			row.OIChangePct = state.PercentChange(float64(prev.OI), float64(s.OI))
			row.PriceChange = s.LTP - prev.LTP
			row.PriceChangePct = state.PercentChange(prev.LTP, s.LTP)
			row.VolumeChange = s.Volume - prev.Volume

			abs := row.OIChange
			if abs < 0 {
				abs = -abs
			}
			cl := d.Thresholds.Classify(row.OIChangePct, row.PriceChangePct, c.Side, float64(abs))
			row.Label, row.Impact, row.Confidence = cl.Label, cl.Impact, cl.Confidence
		}
		out = append(out, row)
	}
	return out
}
