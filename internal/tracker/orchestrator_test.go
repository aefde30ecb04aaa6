package tracker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oi-bucket-tracker/internal/bucket"
	"github.com/oi-bucket-tracker/internal/calendar"
	"github.com/oi-bucket-tracker/internal/config"
	"github.com/oi-bucket-tracker/internal/ingestion"
	"github.com/oi-bucket-tracker/internal/instruments"
	"github.com/oi-bucket-tracker/internal/metrics"
	"github.com/oi-bucket-tracker/internal/signals"
	"github.com/oi-bucket-tracker/internal/state"
	"github.com/oi-bucket-tracker/internal/status"
	"github.com/oi-bucket-tracker/internal/store"
)

var (
	expiry = time.Date(2025, 10, 28, 0, 0, 0, 0, bucket.Exchange)
	nifty  = config.IndexConfig{
		Name:           "NIFTY",
		SpotToken:      "99926000",
		SpotExchange:   "NSE",
		OptionExchange: "NFO",
		StrikeInterval: 50,
		WindowMode:     "symmetric",
		WindowSize:     2,
	}
)

func symbol(strike int, side state.Side) string {
	return instruments.Symbol("NIFTY", expiry, strike, side)
}

// fakeSession quotes a fixed chain around 24000.
type fakeSession struct {
	mu         sync.Mutex
	spot       float64
	spotErr    error
	oi         map[string]int64
	ltp        map[string]float64
	quoteCalls int

	// When gate is set, BatchQuote signals entered and blocks until gate closes.
	gate    chan struct{}
	entered chan struct{}
}

func newFakeSession() *fakeSession {
	s := &fakeSession{spot: 24000, oi: make(map[string]int64), ltp: make(map[string]float64)}
	for _, strike := range []int{23900, 23950, 24000, 24050, 24100} {
		for _, side := range []state.Side{state.Call, state.Put} {
			s.oi[symbol(strike, side)] = 10000
			s.ltp[symbol(strike, side)] = 100
		}
	}
	return s
}

func (s *fakeSession) Login(context.Context) error { return nil }

func (s *fakeSession) Logout(context.Context) error { return nil }

func (s *fakeSession) BatchQuote(_ context.Context, _ string, tokens []string) (map[string]ingestion.Quote, error) {
	if s.gate != nil {
		s.entered <- struct{}{}
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quoteCalls++
	out := make(map[string]ingestion.Quote, len(tokens))
	for _, tok := range tokens {
		sym := tok[1:]
		out[tok] = ingestion.Quote{Token: tok, Symbol: sym, LTP: s.ltp[sym], OI: s.oi[sym]}
	}
	return out, nil
}

func (s *fakeSession) Candles(context.Context, string, string, time.Time, time.Time) ([]state.Candle, error) {
	return nil, ingestion.ErrNoData
}

func (s *fakeSession) IndexLTP(context.Context, string, string, string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spot, s.spotErr
}

func (s *fakeSession) OptionGreeks(context.Context, string, time.Time) ([]ingestion.OptionGreek, error) {
	return nil, nil
}

func (s *fakeSession) InstrumentCatalog(context.Context) ([]instruments.Instrument, error) {
	var rows []instruments.Instrument
	for sym := range s.oi {
		rows = append(rows, instruments.Instrument{
			Token: "t" + sym, Symbol: sym, Name: "NIFTY", Expiry: expiry,
			LotSize: 75, InstrumentType: "OPTIDX", Exchange: "NFO",
		})
	}
	return rows, nil
}

func (s *fakeSession) setOI(sym string, oi int64) {
	s.mu.Lock()
	s.oi[sym] = oi
	s.mu.Unlock()
}

type starterFunc func(ctx context.Context) error

func (f starterFunc) Start(ctx context.Context) error { return f(ctx) }

type fixture struct {
	session *fakeSession
	repo    *store.MemoryRepository
	gateway *store.Gateway
	engine  *state.Engine
	status  *status.Tracker
	orch    *Orchestrator
	clock   time.Time
}

func ist(day, hour, minute, sec int) time.Time {
	return time.Date(2025, 10, day, hour, minute, sec, 0, bucket.Exchange)
}

func newFixture(t *testing.T, backfill config.BackfillConfig) *fixture {
	t.Helper()
	nop := zerolog.Nop()
	f := &fixture{session: newFakeSession(), clock: ist(20, 10, 30, 20)}

	resolver := instruments.NewResolver(f.session, nil, 0, []string{"NIFTY"}, nop)
	m := metrics.New()
	f.engine = state.NewEngine(state.Significance{OIPct: 2, PricePct: 1})
	fetcher := ingestion.NewFetcher(f.session, resolver, f.engine.Ticks, ingestion.FetcherConfig{}, m, nop)
	f.repo = store.NewMemoryRepository()
	f.gateway = store.NewGateway(f.repo, m, nop)
	f.status = status.NewTracker(nil, "", nop)
	cal := calendar.New(config.Clock{Hour: 9, Minute: 18}, config.Clock{Hour: 15, Minute: 30}, bucket.Exchange)

	starter := starterFunc(func(ctx context.Context) error { return resolver.Refresh(ctx) })
	cfg := Config{Indices: []config.IndexConfig{nifty}, PollInterval: time.Second, Backfill: backfill}
	f.orch = New(starter, fetcher, f.gateway, store.Deriver{Thresholds: signals.DefaultThresholds()},
		f.engine, cal, f.status, cfg, m, nop)
	f.orch.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) tick(t *testing.T) {
	t.Helper()
	f.orch.Tick(context.Background())
	f.orch.Flush()
}

func (f *fixture) rows(t *testing.T, b time.Time) map[string]state.HistoricalRow {
	t.Helper()
	rows, err := f.gateway.History(context.Background(), "NIFTY", b, b)
	require.NoError(t, err)
	return store.BySymbol(rows)
}

func TestPollStoresOnlyChanges(t *testing.T) {
	f := newFixture(t, config.BackfillConfig{})
	require.NoError(t, f.orch.Start(context.Background()))
	assert.Equal(t, status.PhasePolling, f.status.Phase())

	f.tick(t)
	b := bucket.Of(f.clock)
	assert.Equal(t, 10, f.repo.Len())
	assert.Len(t, f.rows(t, b), 10)

	f.session.setOI(symbol(24000, state.Call), 10500)
	f.clock = f.clock.Add(20 * time.Second)
	f.tick(t)

	assert.Equal(t, 10, f.repo.Len(), "same bucket is updated in place")
	rows := f.rows(t, b)
	assert.Equal(t, int64(10500), rows[symbol(24000, state.Call)].OI)
	assert.Equal(t, int64(10000), rows[symbol(24000, state.Put)].OI)

	latest := f.engine.Activity.Latest("NIFTY", 1)
	require.Len(t, latest, 1)
	assert.Equal(t, 10, latest[0].Fetched)
	assert.Equal(t, 1, latest[0].Stored)
	assert.Equal(t, 1, latest[0].Significant)

	spot, ok := f.engine.GetSpot("NIFTY")
	require.True(t, ok)
	assert.Equal(t, 24000.0, spot.LTP)

	s := f.status.Snapshot()
	assert.Equal(t, b, s.LastBucket)
	assert.Equal(t, 1, s.Indices["NIFTY"].Stored)
	assert.Zero(t, s.ConsecutiveFailures)
}

func TestPollRolloverComparesWithPreviousBucket(t *testing.T) {
	f := newFixture(t, config.BackfillConfig{})
	require.NoError(t, f.orch.Start(context.Background()))
	f.tick(t)

	sym := symbol(24050, state.Put)
	f.session.setOI(sym, 10600)
	f.clock = f.clock.Add(bucket.Width)
	f.tick(t)

	b := bucket.Of(f.clock)
	rows := f.rows(t, b)
	assert.Len(t, rows, 10, "every contract is stored once per bucket")
	assert.Equal(t, int64(600), rows[sym].OIChange)
	assert.InDelta(t, 6.0, rows[sym].OIChangePct, 0.001)
	assert.Zero(t, rows[symbol(24000, state.Call)].OIChange)
	assert.Equal(t, 20, f.repo.Len())
}

func TestClosedMarketDoesNotPoll(t *testing.T) {
	f := newFixture(t, config.BackfillConfig{})
	require.NoError(t, f.orch.Start(context.Background()))

	f.clock = ist(25, 11, 0, 0) // Saturday
	f.tick(t)

	assert.Zero(t, f.session.quoteCalls)
	assert.Zero(t, f.repo.Len())
	assert.False(t, f.status.Snapshot().MarketOpen)
}

func TestTickFailureIsContained(t *testing.T) {
	f := newFixture(t, config.BackfillConfig{})
	require.NoError(t, f.orch.Start(context.Background()))

	f.session.spotErr = errors.New("gateway timeout")
	f.tick(t)

	s := f.status.Snapshot()
	assert.Equal(t, 1, s.ConsecutiveFailures)
	assert.Contains(t, s.LastError, "gateway timeout")
	assert.Contains(t, s.Indices["NIFTY"].LastError, "gateway timeout")
	assert.Zero(t, f.repo.Len())

	f.session.spotErr = nil
	f.tick(t)
	assert.Zero(t, f.status.Snapshot().ConsecutiveFailures)
	assert.Equal(t, 10, f.repo.Len())
}

func TestOverlappingTickIsSkipped(t *testing.T) {
	f := newFixture(t, config.BackfillConfig{})
	f.orch.running.Store(true)

	f.orch.tryTick(context.Background())
	assert.Equal(t, int64(1), f.status.Snapshot().SkippedTicks)
	assert.Zero(t, f.session.quoteCalls)
}

func TestStartFailsOnLogin(t *testing.T) {
	f := newFixture(t, config.BackfillConfig{})
	f.orch.starter = starterFunc(func(context.Context) error {
		return ingestion.ErrAuth
	})

	err := f.orch.Start(context.Background())
	assert.ErrorIs(t, err, ingestion.ErrAuth)
	assert.Equal(t, status.PhaseInit, f.status.Phase())
}

func TestStartBackfillsToday(t *testing.T) {
	f := newFixture(t, config.BackfillConfig{Enabled: true, MaxBuckets: 50})
	f.clock = ist(20, 9, 30, 10)

	require.NoError(t, f.orch.Start(context.Background()))
	assert.Equal(t, status.PhasePolling, f.status.Phase())
	assert.Equal(t, 50, f.repo.Len(), "five buckets of ten contracts")

	rows := f.rows(t, ist(20, 9, 21, 0))
	require.Len(t, rows, 10)
	for _, r := range rows {
		assert.True(t, r.Synthetic)
		assert.Equal(t, 24000.0, r.IndexClose, "flat candle from spot")
	}

	f.tick(t)
	live := f.rows(t, ist(20, 9, 30, 0))
	assert.False(t, live[symbol(24000, state.Call)].Synthetic)
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t, config.BackfillConfig{})
	require.NoError(t, f.orch.Start(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.orch.Run(ctx) }()

	assert.Eventually(t, func() bool { return f.status.Snapshot().Ticks > 0 }, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("orchestrator did not stop")
	}
	assert.Equal(t, status.PhaseStopped, f.status.Phase())
}

func TestRunWaitsForInFlightTick(t *testing.T) {
	f := newFixture(t, config.BackfillConfig{})
	require.NoError(t, f.orch.Start(context.Background()))
	f.session.gate = make(chan struct{})
	f.session.entered = make(chan struct{}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.orch.Run(ctx) }()

	select {
	case <-f.session.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("tick never reached the broker")
	}
	cancel()

	assert.Never(t, func() bool { return len(done) > 0 }, 200*time.Millisecond, 10*time.Millisecond,
		"Run must not return while a tick is in flight")
	assert.Equal(t, status.PhasePolling, f.status.Phase())

	close(f.session.gate)
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("orchestrator did not stop")
	}

	assert.Equal(t, status.PhaseStopped, f.status.Phase())
	assert.Equal(t, 10, f.repo.Len(), "rows of the in-flight tick are written before Run returns")
	assert.False(t, f.orch.running.Load())
}
