package signals

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oi-bucket-tracker/internal/state"
)

var session = time.Date(2025, time.October, 20, 9, 0, 0, 0, time.UTC)

func at(minute int) time.Time {
	return session.Add(time.Duration(minute) * time.Minute)
}

// legs builds a chain from strike -> {callOI, putOI}.
func legs(b time.Time, spot float64, oi map[int][2]int64) *state.Chain {
	var rows []state.HistoricalRow
	for strike, v := range oi {
		rows = append(rows,
			state.HistoricalRow{BucketTS: b, IndexName: "NIFTY", Strike: strike, Side: state.Call, OI: v[0], IndexClose: spot},
			state.HistoricalRow{BucketTS: b, IndexName: "NIFTY", Strike: strike, Side: state.Put, OI: v[1], IndexClose: spot},
		)
	}
	return state.NewChain(rows)
}

func TestPCR(t *testing.T) {
	assert.Equal(t, 1.5, PCR(legs(at(18), 0, map[int][2]int64{100: {200, 300}})))
	assert.Equal(t, 0.3333, PCR(legs(at(18), 0, map[int][2]int64{100: {300, 100}})))
	assert.Zero(t, PCR(legs(at(18), 0, map[int][2]int64{100: {0, 100}})))
}

func TestMaxPain(t *testing.T) {
	c := legs(at(18), 0, map[int][2]int64{
		100: {10, 0},
		200: {0, 0},
		300: {0, 100},
	})
	assert.Equal(t, 300, MaxPain(c))

	tied := legs(at(18), 0, map[int][2]int64{
		100: {10, 0},
		200: {0, 0},
		300: {0, 10},
	})
	assert.Equal(t, 100, MaxPain(tied), "ties resolve to the lower strike")

	assert.Zero(t, MaxPain(&state.Chain{}))
}

func TestTopStrikes(t *testing.T) {
	c := legs(at(18), 0, map[int][2]int64{
		24000: {500, 900},
		24050: {800, 100},
		24100: {800, 0},
		24150: {100, 400},
	})

	assert.Equal(t, []int{24050, 24100, 24000}, TopStrikes(c, state.Call, 3))
	assert.Equal(t, []int{24000, 24150, 24050}, TopStrikes(c, state.Put, 3))
	assert.Equal(t, []int{24000}, TopStrikes(c, state.Put, 1))
}

func TestComputeChainMetrics(t *testing.T) {
	c := legs(at(18), 24020, map[int][2]int64{
		24000: {100, 300},
		24050: {200, 100},
	})
	m := DefaultThresholds().ComputeChainMetrics(c)

	assert.Equal(t, int64(300), m.CallOI)
	assert.Equal(t, int64(400), m.PutOI)
	assert.Equal(t, 1.3333, m.PCR)
	assert.Equal(t, BiasBullish, m.Bias)
	assert.Equal(t, []int{24000, 24050}, m.Support)
	assert.Equal(t, []int{24050, 24000}, m.Resistance)
}

func TestPCRBias(t *testing.T) {
	th := DefaultThresholds()
	assert.Equal(t, BiasBullish, th.PCRBias(1.21))
	assert.Equal(t, BiasNeutral, th.PCRBias(1.2))
	assert.Equal(t, BiasNeutral, th.PCRBias(0.8))
	assert.Equal(t, BiasBearish, th.PCRBias(0.79))
}

func TestLevelShift(t *testing.T) {
	prev := legs(at(18), 0, map[int][2]int64{24000: {100, 500}, 24100: {300, 100}})
	cur := legs(at(21), 0, map[int][2]int64{24000: {400, 100}, 24100: {300, 600}})

	support, resistance := LevelShift(prev, cur)
	assert.Equal(t, ShiftUp, support)
	assert.Equal(t, ShiftDown, resistance)

	support, resistance = LevelShift(cur, cur)
	assert.Equal(t, ShiftNeutral, support)
	assert.Equal(t, ShiftNeutral, resistance)
}

func TestPCRTrend(t *testing.T) {
	chains := []*state.Chain{
		legs(at(15), 0, map[int][2]int64{100: {100, 300}}),
		legs(at(18), 0, map[int][2]int64{100: {100, 100}}),
		legs(at(21), 0, map[int][2]int64{100: {100, 110}}),
		legs(at(24), 0, map[int][2]int64{100: {100, 130}}),
	}

	delta, ok := PCRTrend(chains, 3)
	require.True(t, ok)
	assert.InDelta(t, 0.3, delta, 1e-9)

	_, ok = PCRTrend(chains[:1], 3)
	assert.False(t, ok)
}
