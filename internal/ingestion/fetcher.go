package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/oi-bucket-tracker/internal/bucket"
	"github.com/oi-bucket-tracker/internal/config"
	"github.com/oi-bucket-tracker/internal/instruments"
	"github.com/oi-bucket-tracker/internal/metrics"
	"github.com/oi-bucket-tracker/internal/state"
	"github.com/oi-bucket-tracker/internal/strikes"
)

// spotMaxAge bounds how old a streamed tick may be to replace a REST lookup.
const spotMaxAge = 30 * time.Second

// ContractResolver is the subset of the instrument resolver the fetcher uses.
type ContractResolver interface {
	Resolve(index string, expiry time.Time, strike int, side state.Side) (state.Contract, error)
	CurrentExpiry(index string, asOf time.Time) (expiry time.Time, stale bool, err error)
}

// Observation is everything fetched for one index in one poll tick.
type Observation struct {
	Index     string
	Bucket    time.Time
	Spot      float64
	ATM       int
	Expiry    time.Time
	Contracts []state.Contract
	Snapshots []state.Snapshot
	Candle    state.Candle
	// CandleFallback is set when Candle was synthesized from the spot price.
	CandleFallback bool
}

type FetcherConfig struct {
	InterIndexDelay time.Duration
	FetchGreeks     bool
}

// Fetcher turns an index configuration into one batched snapshot of its
// strike window.
type Fetcher struct {
	session  Session
	resolver ContractResolver
	ticks    *state.TickCache
	config   FetcherConfig
	metrics  *metrics.Registry
	logger   zerolog.Logger
	now      func() time.Time
}

func NewFetcher(session Session, resolver ContractResolver, ticks *state.TickCache, cfg FetcherConfig, m *metrics.Registry, logger zerolog.Logger) *Fetcher {
	return &Fetcher{
		session:  session,
		resolver: resolver,
		ticks:    ticks,
		config:   cfg,
		metrics:  m,
		logger:   logger.With().Str("component", "fetcher").Logger(),
		now:      time.Now,
	}
}

// FetcherConfigFrom maps the broker and polling settings.
func FetcherConfigFrom(broker config.BrokerConfig, polling config.PollingConfig) FetcherConfig {
	return FetcherConfig{
		InterIndexDelay: time.Duration(polling.IndexFetchDelayMillis) * time.Millisecond,
		FetchGreeks:     broker.FetchGreeks,
	}
}

// Spot returns the index price, preferring a fresh streamed tick.
func (f *Fetcher) Spot(ctx context.Context, ix config.IndexConfig) (float64, error) {
	if f.ticks != nil {
		if t, ok := f.ticks.Fresh(ix.SpotToken, f.now(), spotMaxAge); ok && t.LTP > 0 {
			return t.LTP, nil
		}
	}
	return f.session.IndexLTP(ctx, ix.SpotExchange, ix.Name, ix.SpotToken)
}

// Contracts resolves both sides of every strike in the window around spot.
// Strikes missing from the catalog are skipped.
func (f *Fetcher) Contracts(ix config.IndexConfig, spot float64, asOf time.Time) (int, time.Time, []state.Contract, error) {
	expiry, stale, err := f.resolver.CurrentExpiry(ix.Name, asOf)
	if err != nil {
		return 0, time.Time{}, nil, err
	}
	if stale {
		f.logger.Warn().Str("index", ix.Name).Time("expiry", expiry).Msg("Using stale expiry")
	}

	w := strikes.Window{Mode: strikes.Mode(ix.WindowMode), Size: ix.WindowSize, Top: ix.WindowTop, Bottom: ix.WindowBottom}
	atm, window, err := w.Select(spot, ix.StrikeInterval)
	if err != nil {
		return 0, time.Time{}, nil, fmt.Errorf("index %s: %w", ix.Name, err)
	}

	contracts := make([]state.Contract, 0, 2*len(window))
	skipped := 0
	for _, strike := range window {
		for _, side := range []state.Side{state.Call, state.Put} {
			c, err := f.resolver.Resolve(ix.Name, expiry, strike, side)
			if errors.Is(err, instruments.ErrNotFound) {
				skipped++
				continue
			}
			if err != nil {
				return 0, time.Time{}, nil, err
			}
			contracts = append(contracts, c)
		}
	}
	if skipped > 0 {
		f.logger.Debug().Str("index", ix.Name).Int("skipped", skipped).Msg("Strikes missing from catalog")
	}
	return atm, expiry, contracts, nil
}

// FetchBatch quotes contracts in one batched call. Contracts absent from
// the response produce no snapshot.
func (f *Fetcher) FetchBatch(ctx context.Context, exchange string, contracts []state.Contract) ([]state.Snapshot, error) {
	if len(contracts) == 0 {
		return nil, nil
	}
	tokens := make([]string, 0, len(contracts))
	for _, c := range contracts {
		tokens = append(tokens, c.Token)
	}

	quotes, err := f.session.BatchQuote(ctx, exchange, tokens)
	if err != nil && len(quotes) == 0 {
		return nil, err
	}
	if err != nil {
		f.logger.Warn().Err(err).Int("received", len(quotes)).Int("requested", len(tokens)).Msg("Partial quote response")
	}

	at := f.now()
	snaps := make([]state.Snapshot, 0, len(quotes))
	for _, c := range contracts {
		q, ok := quotes[c.Token]
		if !ok {
			continue
		}
		snaps = append(snaps, state.Snapshot{
			Contract:      c,
			LTP:           q.LTP,
			OI:            q.OI,
			Volume:        q.Volume,
			NetChange:     q.NetChange,
			PercentChange: q.PercentChange,
			ObservedAt:    at,
		})
	}
	return snaps, nil
}

// FetchIndexCandle returns the index bar of bucket b, if the broker has one.
func (f *Fetcher) FetchIndexCandle(ctx context.Context, ix config.IndexConfig, b time.Time) (state.Candle, bool) {
	candles, err := f.session.Candles(ctx, ix.SpotExchange, ix.SpotToken, b, b.Add(bucket.Width))
	if err != nil {
		f.logger.Debug().Err(err).Str("index", ix.Name).Time("bucket", b).Msg("Index candle unavailable")
		return state.Candle{}, false
	}
	for _, c := range candles {
		if bucket.Of(c.Start).Equal(b) && c.Close > 0 {
			return c, true
		}
	}
	return state.Candle{}, false
}

// IndexCandle returns the bar of bucket b or a flat bar at fallback.
func (f *Fetcher) IndexCandle(ctx context.Context, ix config.IndexConfig, b time.Time, fallback float64) (state.Candle, bool) {
	if c, ok := f.FetchIndexCandle(ctx, ix, b); ok {
		return c, false
	}
	f.metrics.CandleFallbacks.WithLabelValues(ix.Name).Inc()
	f.logger.Info().Str("index", ix.Name).Time("bucket", b).Float64("close", fallback).Msg("Using last LTP as index close")
	return state.FlatCandle(b, fallback), true
}

// mergeGreeks copies broker greeks onto matching snapshots. Failures only
// cost the greeks columns.
func (f *Fetcher) mergeGreeks(ctx context.Context, index string, expiry time.Time, snaps []state.Snapshot) {
	greeks, err := f.session.OptionGreeks(ctx, index, expiry)
	if err != nil {
		f.logger.Debug().Err(err).Str("index", index).Msg("Greeks unavailable")
		return
	}
	type key struct {
		strike int
		side   state.Side
	}
	byKey := make(map[key]state.Greeks, len(greeks))
	for _, g := range greeks {
		byKey[key{g.Strike, g.Side}] = g.Greeks
	}
	for i := range snaps {
		if g, ok := byKey[key{snaps[i].Contract.Strike, snaps[i].Contract.Side}]; ok {
			snaps[i].Greeks = g
		}
	}
}

// FetchIndex runs spot, window, quote, greeks and candle for one index and
// labels the result with bucket b.
func (f *Fetcher) FetchIndex(ctx context.Context, ix config.IndexConfig, b time.Time) (Observation, error) {
	start := time.Now()
	defer func() {
		f.metrics.FetchDuration.WithLabelValues(ix.Name).Observe(time.Since(start).Seconds())
	}()

	spot, err := f.Spot(ctx, ix)
	if err != nil {
		return Observation{}, fmt.Errorf("spot for %s: %w", ix.Name, err)
	}
	atm, expiry, contracts, err := f.Contracts(ix, spot, f.now())
	if err != nil {
		return Observation{}, err
	}
	snaps, err := f.FetchBatch(ctx, ix.OptionExchange, contracts)
	if err != nil {
		return Observation{}, fmt.Errorf("quotes for %s: %w", ix.Name, err)
	}
	f.metrics.ContractsFetched.WithLabelValues(ix.Name).Add(float64(len(snaps)))

	if f.config.FetchGreeks && len(snaps) > 0 {
		f.mergeGreeks(ctx, ix.Name, expiry, snaps)
	}
	candle, fallback := f.IndexCandle(ctx, ix, b, spot)

	return Observation{
		Index:          ix.Name,
		Bucket:         b,
		Spot:           spot,
		ATM:            atm,
		Expiry:         expiry,
		Contracts:      contracts,
		Snapshots:      snaps,
		Candle:         candle,
		CandleFallback: fallback,
	}, nil
}

// Pause waits the inter-index delay unless ctx ends first.
func (f *Fetcher) Pause(ctx context.Context) error {
	if f.config.InterIndexDelay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(f.config.InterIndexDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
