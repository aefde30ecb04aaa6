package state

import (
	"sort"
	"time"
)

// StrikeLegs holds the call and put rows recorded at one strike.
type StrikeLegs struct {
	Strike int            `json:"strike"`
	Call   *HistoricalRow `json:"call,omitempty"`
	Put    *HistoricalRow `json:"put,omitempty"`
}

func (l StrikeLegs) OI(side Side) int64 {
	if r := l.leg(side); r != nil {
		return r.OI
	}
	return 0
}

func (l StrikeLegs) leg(side Side) *HistoricalRow {
	if side == Call {
		return l.Call
	}
	return l.Put
}

// Chain is the option chain of one index in one bucket, strikes ascending.
type Chain struct {
	Index    string       `json:"index"`
	BucketTS time.Time    `json:"bucket_ts"`
	Spot     float64      `json:"spot"`
	Legs     []StrikeLegs `json:"legs"`
}

// NewChain groups rows of a single bucket by strike. Rows from other
// indices or buckets than the first row are ignored.
func NewChain(rows []HistoricalRow) *Chain {
	if len(rows) == 0 {
		return &Chain{}
	}
	c := &Chain{Index: rows[0].IndexName, BucketTS: rows[0].BucketTS, Spot: rows[0].IndexClose}

	byStrike := make(map[int]*StrikeLegs)
	for i := range rows {
		r := rows[i]
		if r.IndexName != c.Index || !r.BucketTS.Equal(c.BucketTS) {
			continue
		}
		legs, ok := byStrike[r.Strike]
		if !ok {
			legs = &StrikeLegs{Strike: r.Strike}
			byStrike[r.Strike] = legs
		}
		if r.Side == Call {
			legs.Call = &r
		} else {
			legs.Put = &r
		}
	}

	c.Legs = make([]StrikeLegs, 0, len(byStrike))
	for _, legs := range byStrike {
		c.Legs = append(c.Legs, *legs)
	}
	sort.Slice(c.Legs, func(i, j int) bool { return c.Legs[i].Strike < c.Legs[j].Strike })
	return c
}

// SplitByBucket groups rows into per-bucket chains, oldest first.
func SplitByBucket(rows []HistoricalRow) []*Chain {
	groups := make(map[int64][]HistoricalRow)
	var keys []int64
	for _, r := range rows {
		k := r.BucketTS.UnixNano()
		if _, ok := groups[k]; !ok {
			keys = append(keys, k)
		}
		groups[k] = append(groups[k], r)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	out := make([]*Chain, 0, len(keys))
	for _, k := range keys {
		out = append(out, NewChain(groups[k]))
	}
	return out
}

func (c *Chain) Strikes() []int {
	out := make([]int, len(c.Legs))
	for i, l := range c.Legs {
		out[i] = l.Strike
	}
	return out
}

func (c *Chain) TotalOI(side Side) int64 {
	var total int64
	for _, l := range c.Legs {
		total += l.OI(side)
	}
	return total
}

func (c *Chain) TotalVolume(side Side) int64 {
	var total int64
	for _, l := range c.Legs {
		if r := l.leg(side); r != nil {
			total += r.Volume
		}
	}
	return total
}

// Rows flattens the chain back into rows, calls before puts per strike.
func (c *Chain) Rows() []HistoricalRow {
	out := make([]HistoricalRow, 0, 2*len(c.Legs))
	for _, l := range c.Legs {
		if l.Call != nil {
			out = append(out, *l.Call)
		}
		if l.Put != nil {
			out = append(out, *l.Put)
		}
	}
	return out
}

func (c *Chain) Empty() bool {
	return len(c.Legs) == 0
}
