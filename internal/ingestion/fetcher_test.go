package ingestion

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oi-bucket-tracker/internal/bucket"
	"github.com/oi-bucket-tracker/internal/config"
	"github.com/oi-bucket-tracker/internal/instruments"
	"github.com/oi-bucket-tracker/internal/metrics"
	"github.com/oi-bucket-tracker/internal/state"
)

type fakeSession struct {
	spot      float64
	quotes    map[string]Quote
	quoteErr  error
	candles   []state.Candle
	candleErr error
	greeks    []OptionGreek
	ltpCalls  int
	requested []string
}

func (f *fakeSession) Login(context.Context) error { return nil }
func (f *fakeSession) Logout(context.Context) error { return nil }

func (f *fakeSession) BatchQuote(_ context.Context, _ string, tokens []string) (map[string]Quote, error) {
	f.requested = append(f.requested, tokens...)
	out := make(map[string]Quote)
	for _, tok := range tokens {
		if q, ok := f.quotes[tok]; ok {
			out[tok] = q
		}
	}
	return out, f.quoteErr
}

func (f *fakeSession) Candles(context.Context, string, string, time.Time, time.Time) ([]state.Candle, error) {
	return f.candles, f.candleErr
}

func (f *fakeSession) IndexLTP(context.Context, string, string, string) (float64, error) {
	f.ltpCalls++
	return f.spot, nil
}

func (f *fakeSession) OptionGreeks(context.Context, string, time.Time) ([]OptionGreek, error) {
	return f.greeks, nil
}

func (f *fakeSession) InstrumentCatalog(context.Context) ([]instruments.Instrument, error) {
	return nil, nil
}

var (
	testExpiry = time.Date(2025, 10, 28, 0, 0, 0, 0, bucket.Exchange)
	testBucket = time.Date(2025, 10, 20, 10, 30, 0, 0, bucket.Exchange)
	nifty      = config.IndexConfig{
		Name:           "NIFTY",
		SpotToken:      "99926000",
		SpotExchange:   "NSE",
		OptionExchange: "NFO",
		StrikeInterval: 50,
		WindowMode:     "symmetric",
		WindowSize:     2,
	}
)

// testResolver lists every strike of the window except 24100 PE.
func testResolver() *instruments.Resolver {
	var rows []instruments.Instrument
	for _, strike := range []int{23900, 23950, 24000, 24050, 24100} {
		for _, side := range []state.Side{state.Call, state.Put} {
			if strike == 24100 && side == state.Put {
				continue
			}
			sym := instruments.Symbol("NIFTY", testExpiry, strike, side)
			rows = append(rows, instruments.Instrument{
				Token: "t" + sym, Symbol: sym, Name: "NIFTY", Expiry: testExpiry,
				Strike: float64(strike), LotSize: 75, InstrumentType: "OPTIDX", Exchange: "NFO",
			})
		}
	}
	r := instruments.NewResolver(nil, nil, 0, []string{"NIFTY"}, zerolog.Nop())
	r.Swap(instruments.NewCatalog(rows, testBucket))
	return r
}

func newTestFetcher(s Session, ticks *state.TickCache) *Fetcher {
	f := NewFetcher(s, testResolver(), ticks, FetcherConfig{FetchGreeks: true}, metrics.New(), zerolog.Nop())
	f.now = func() time.Time { return testBucket.Add(20 * time.Second) }
	return f
}

func quoteAll(contracts []state.Contract) map[string]Quote {
	out := make(map[string]Quote)
	for i, c := range contracts {
		out[c.Token] = Quote{Token: c.Token, LTP: 100 + float64(i), OI: int64(1000 * (i + 1))}
	}
	return out
}

func TestSpotPrefersFreshTick(t *testing.T) {
	s := &fakeSession{spot: 24010}
	ticks := state.NewTickCache()
	f := newTestFetcher(s, ticks)

	ticks.Put(state.Tick{Token: "99926000", LTP: 24037, At: f.now().Add(-5 * time.Second)})
	spot, err := f.Spot(context.Background(), nifty)
	require.NoError(t, err)
	assert.Equal(t, 24037.0, spot)
	assert.Zero(t, s.ltpCalls)

	f.now = func() time.Time { return testBucket.Add(5 * time.Minute) }
	spot, err = f.Spot(context.Background(), nifty)
	require.NoError(t, err)
	assert.Equal(t, 24010.0, spot)
	assert.Equal(t, 1, s.ltpCalls)
}

func TestContractsSkipsMissingStrikes(t *testing.T) {
	f := newTestFetcher(&fakeSession{}, nil)

	atm, expiry, contracts, err := f.Contracts(nifty, 24012, f.now())
	require.NoError(t, err)
	assert.Equal(t, 24000, atm)
	assert.Equal(t, testExpiry, expiry)
	assert.Len(t, contracts, 9)
	assert.Equal(t, "NIFTY28OCT2523900CE", contracts[0].Symbol)
	assert.Equal(t, 75, contracts[0].LotSize)
}

func TestContractsUnknownIndex(t *testing.T) {
	f := newTestFetcher(&fakeSession{}, nil)

	_, _, _, err := f.Contracts(config.IndexConfig{Name: "FINNIFTY", StrikeInterval: 50}, 24000, f.now())
	assert.ErrorIs(t, err, instruments.ErrNoExpiries)
}

func TestFetchBatchPartial(t *testing.T) {
	s := &fakeSession{}
	f := newTestFetcher(s, nil)
	_, _, contracts, err := f.Contracts(nifty, 24000, f.now())
	require.NoError(t, err)

	s.quotes = quoteAll(contracts[:4])
	snaps, err := f.FetchBatch(context.Background(), "NFO", contracts)
	require.NoError(t, err)
	assert.Len(t, s.requested, len(contracts), "one batched request for the whole set")
	require.Len(t, snaps, 4)
	assert.Equal(t, contracts[0], snaps[0].Contract)
	assert.Equal(t, int64(1000), snaps[0].OI)
	assert.Equal(t, f.now(), snaps[0].ObservedAt)
}

func TestFetchBatchKeepsPartialOnError(t *testing.T) {
	s := &fakeSession{quoteErr: errors.New("second chunk timed out")}
	f := newTestFetcher(s, nil)
	_, _, contracts, err := f.Contracts(nifty, 24000, f.now())
	require.NoError(t, err)

	s.quotes = quoteAll(contracts[:2])
	snaps, err := f.FetchBatch(context.Background(), "NFO", contracts)
	require.NoError(t, err)
	assert.Len(t, snaps, 2)

	s.quotes = nil
	_, err = f.FetchBatch(context.Background(), "NFO", contracts)
	assert.Error(t, err)
}

func TestIndexCandleFallback(t *testing.T) {
	s := &fakeSession{candleErr: ErrNoData}
	f := newTestFetcher(s, nil)

	c, fallback := f.IndexCandle(context.Background(), nifty, testBucket, 24037)
	assert.True(t, fallback)
	assert.Equal(t, state.FlatCandle(testBucket, 24037), c)

	s.candleErr = nil
	s.candles = []state.Candle{
		{Start: testBucket.Add(-bucket.Width), Close: 23990},
		{Start: testBucket, Open: 24000, High: 24050, Low: 23995, Close: 24040},
	}
	c, fallback = f.IndexCandle(context.Background(), nifty, testBucket, 24037)
	assert.False(t, fallback)
	assert.Equal(t, 24040.0, c.Close)
}

func TestFetchIndex(t *testing.T) {
	s := &fakeSession{spot: 24012}
	f := newTestFetcher(s, nil)
	_, _, contracts, err := f.Contracts(nifty, 24012, f.now())
	require.NoError(t, err)
	s.quotes = quoteAll(contracts)
	s.greeks = []OptionGreek{{Strike: 24000, Side: state.Call, Greeks: state.Greeks{Delta: 0.5, IV: 12}}}
	s.candles = []state.Candle{{Start: testBucket, Open: 24000, High: 24020, Low: 23990, Close: 24012}}

	obs, err := f.FetchIndex(context.Background(), nifty, testBucket)
	require.NoError(t, err)
	assert.Equal(t, "NIFTY", obs.Index)
	assert.Equal(t, 24000, obs.ATM)
	assert.Equal(t, testBucket, obs.Bucket)
	assert.Len(t, obs.Snapshots, 9)
	assert.False(t, obs.CandleFallback)
	assert.Equal(t, 24012.0, obs.Candle.Close)

	for _, snap := range obs.Snapshots {
		if snap.Contract.Strike == 24000 && snap.Contract.Side == state.Call {
			assert.Equal(t, 0.5, snap.Greeks.Delta)
		} else {
			assert.Zero(t, snap.Greeks.Delta)
		}
	}
}

func TestPauseHonoursContext(t *testing.T) {
	f := newTestFetcher(&fakeSession{}, nil)
	f.config.InterIndexDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, f.Pause(ctx), context.Canceled)
}
