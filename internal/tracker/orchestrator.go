// Package tracker runs the poll loop: session gate, fetch, change detection
// and fire-and-forget persistence, plus backfill of missing buckets.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/oi-bucket-tracker/internal/bucket"
	"github.com/oi-bucket-tracker/internal/calendar"
	"github.com/oi-bucket-tracker/internal/config"
	"github.com/oi-bucket-tracker/internal/ingestion"
	"github.com/oi-bucket-tracker/internal/metrics"
	"github.com/oi-bucket-tracker/internal/state"
	"github.com/oi-bucket-tracker/internal/status"
	"github.com/oi-bucket-tracker/internal/store"
)

// Starter acquires the broker session and the instrument catalog.
type Starter interface {
	Start(ctx context.Context) error
}

// IndexFetcher fetches one index for one bucket.
type IndexFetcher interface {
	FetchIndex(ctx context.Context, ix config.IndexConfig, b time.Time) (ingestion.Observation, error)
	Pause(ctx context.Context) error
}

type Config struct {
	Indices        []config.IndexConfig
	PollInterval   time.Duration
	RequestTimeout time.Duration
	Backfill       config.BackfillConfig
}

// ConfigFrom maps the loaded configuration.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Indices:        cfg.Indices,
		PollInterval:   config.Seconds(cfg.Polling.PollIntervalSecs),
		RequestTimeout: config.Seconds(cfg.Polling.RequestTimeoutSecs),
		Backfill:       cfg.Backfill,
	}
}

// previous caches, for the bucket being written, the latest earlier row per
// symbol and the rows written so far.
type previous struct {
	bucket  time.Time
	rows    map[string]state.HistoricalRow
	current map[string]state.HistoricalRow
}

type Orchestrator struct {
	starter  Starter
	fetcher  IndexFetcher
	gateway  *store.Gateway
	deriver  store.Deriver
	engine   *state.Engine
	calendar *calendar.Calendar
	status   *status.Tracker
	config   Config
	metrics  *metrics.Registry
	logger   zerolog.Logger
	now      func() time.Time

	running    atomic.Bool
	ticks      sync.WaitGroup
	writes     sync.WaitGroup
	mu         sync.Mutex
	prev       map[string]*previous
	lastBucket time.Time
}

func New(starter Starter, fetcher IndexFetcher, gateway *store.Gateway, deriver store.Deriver, engine *state.Engine,
	cal *calendar.Calendar, st *status.Tracker, cfg Config, m *metrics.Registry, logger zerolog.Logger) *Orchestrator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 20 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 20 * time.Second
	}
	return &Orchestrator{
		starter:  starter,
		fetcher:  fetcher,
		gateway:  gateway,
		deriver:  deriver,
		engine:   engine,
		calendar: cal,
		status:   st,
		config:   cfg,
		metrics:  m,
		logger:   logger.With().Str("component", "orchestrator").Logger(),
		now:      time.Now,
		prev:     make(map[string]*previous),
	}
}

// Start logs in, loads instruments and backfills today's gaps. Any error is
// fatal to the process.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.starter.Start(ctx); err != nil {
		return err
	}
	if err := o.status.Transition(status.PhaseLoggedIn); err != nil {
		return err
	}
	if o.config.Backfill.Enabled {
		o.backfillSession(ctx)
	}
	o.lastBucket = bucket.Of(o.now())
	return o.status.Transition(status.PhasePolling)
}

// Run ticks until ctx ends. Ticks never overlap: a tick that fires while the
// previous one is still running is skipped. On cancel, Run returns only after
// the in-flight tick and its writes have finished.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.config.PollInterval)
	defer ticker.Stop()

	o.tryTick(ctx)
	for {
		select {
		case <-ctx.Done():
			o.ticks.Wait()
			o.Flush()
			if err := o.status.Transition(status.PhaseStopped); err != nil {
				o.logger.Warn().Err(err).Msg("Status transition failed")
			}
			return ctx.Err()
		case <-ticker.C:
			o.tryTick(ctx)
		}
	}
}

func (o *Orchestrator) tryTick(ctx context.Context) {
	if !o.running.CompareAndSwap(false, true) {
		o.metrics.SkippedTicks.Inc()
		o.status.RecordSkip()
		o.logger.Debug().Msg("Previous tick still running, skipping")
		return
	}
	o.ticks.Add(1)
	go func() {
		defer o.ticks.Done()
		defer o.running.Store(false)
		o.Tick(ctx)
	}()
}

// Flush waits for in-flight row writes.
func (o *Orchestrator) Flush() {
	o.writes.Wait()
}

// Tick runs one poll pass over every index. Failures are logged and never
// escape the tick.
func (o *Orchestrator) Tick(ctx context.Context) {
	now := o.now()
	if !o.calendar.IsOpen(now) {
		o.metrics.PollTicks.WithLabelValues("closed").Inc()
		o.status.RecordTick(now, false, nil)
		o.logger.Debug().Dur("opens_in", o.calendar.UntilOpen(now)).Msg("Market closed")
		return
	}

	if o.calendar.IsNewSessionDay(o.lastBucket, now) {
		o.logger.Info().Time("last_bucket", o.lastBucket).Msg("New session day")
		o.engine.ResetSession()
		o.resetPrevious()
		if o.config.Backfill.Enabled {
			o.backfillSession(ctx)
		}
	}

	b := bucket.Of(now)
	o.lastBucket = b

	var failed []error
	for i, ix := range o.config.Indices {
		if ctx.Err() != nil {
			return
		}
		if i > 0 {
			if err := o.fetcher.Pause(ctx); err != nil {
				return
			}
		}
		if err := o.pollIndex(ctx, ix, b, now); err != nil {
			failed = append(failed, err)
			o.status.RecordIndex(ix.Name, status.IndexStatus{LastBucket: b, LastTick: now, LastError: err.Error()})
			o.logger.Error().Err(err).Str("index", ix.Name).Time("bucket", b).Msg("Poll failed")
		}
	}

	err := errors.Join(failed...)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	o.metrics.PollTicks.WithLabelValues(outcome).Inc()
	o.status.RecordTick(now, true, err)
	if pubErr := o.status.Publish(ctx); pubErr != nil {
		o.logger.Debug().Err(pubErr).Msg("Status publish failed")
	}
}

// pollIndex runs fetch, detect and store for one index.
func (o *Orchestrator) pollIndex(ctx context.Context, ix config.IndexConfig, b, now time.Time) error {
	fetchCtx, cancel := context.WithTimeout(ctx, o.config.RequestTimeout)
	obs, err := o.fetcher.FetchIndex(fetchCtx, ix, b)
	cancel()
	if err != nil {
		return err
	}

	o.engine.UpdateSpot(ix.Name, obs.Spot, now)
	o.engine.UpdateSnapshots(ix.Name, obs.Snapshots)

	toStore := make(map[string]bool, len(obs.Snapshots))
	significant := 0
	for _, snap := range obs.Snapshots {
		dec := o.engine.Detector.ShouldStore(snap, b)
		o.metrics.StoreDecisions.WithLabelValues(string(dec.Reason)).Inc()
		if !dec.Store {
			continue
		}
		toStore[snap.Key()] = true
		if dec.Significant {
			significant++
		}
	}

	var rows []state.HistoricalRow
	if len(toStore) > 0 {
		prev, err := o.previousRows(ctx, ix.Name, b)
		if err != nil {
			// OI changes are left at zero for this bucket.
			o.logger.Warn().Err(err).Str("index", ix.Name).Time("bucket", b).Msg("Previous bucket unavailable")
		}
		all := o.deriver.Derive(deriveInput(ix, obs, prev, now))
		for _, r := range all {
			if toStore[r.Symbol] {
				rows = append(rows, r)
			}
		}
		o.remember(ix.Name, b, rows)
		o.write(ctx, ix.Name, b, rows)
	}

	o.engine.Activity.Record(ix.Name, state.ActivityPoint{
		At:          now,
		BucketTS:    b,
		Fetched:     len(obs.Snapshots),
		Stored:      len(rows),
		Significant: significant,
	})
	o.metrics.LastBucket.WithLabelValues(ix.Name).Set(float64(b.Unix()))
	o.status.RecordIndex(ix.Name, status.IndexStatus{
		LastBucket: b,
		LastTick:   now,
		Spot:       obs.Spot,
		Fetched:    len(obs.Snapshots),
		Stored:     len(rows),
	})

	o.logger.Debug().
		Str("index", ix.Name).
		Time("bucket", b).
		Float64("spot", obs.Spot).
		Int("fetched", len(obs.Snapshots)).
		Int("stored", len(rows)).
		Int("significant", significant).
		Msg("Poll complete")
	return nil
}

func deriveInput(ix config.IndexConfig, obs ingestion.Observation, prev map[string]state.HistoricalRow, now time.Time) store.DeriveInput {
	return store.DeriveInput{
		Index:          ix.Name,
		Bucket:         obs.Bucket,
		Spot:           obs.Spot,
		StrikeInterval: ix.StrikeInterval,
		Candle:         obs.Candle,
		Snapshots:      obs.Snapshots,
		Previous:       prev,
		Now:            now,
	}
}

// write persists rows without blocking the tick. Failures are logged.
func (o *Orchestrator) write(ctx context.Context, index string, b time.Time, rows []state.HistoricalRow) {
	o.writes.Add(1)
	go func() {
		defer o.writes.Done()
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.config.RequestTimeout)
		defer cancel()
		if err := o.gateway.Upsert(writeCtx, rows); err != nil {
			o.logger.Error().Err(err).Str("index", index).Time("bucket", b).Int("rows", len(rows)).Msg("Failed to store rows")
		}
	}()
}

// previousRows returns the rows of the latest bucket before b. Rows written
// by this process are kept in memory so a pending write is never missed.
func (o *Orchestrator) previousRows(ctx context.Context, index string, b time.Time) (map[string]state.HistoricalRow, error) {
	o.mu.Lock()
	p, ok := o.prev[index]
	if ok && p.bucket.Equal(b) {
		rows := p.rows
		o.mu.Unlock()
		return rows, nil
	}
	var carried map[string]state.HistoricalRow
	if ok && len(p.current) > 0 {
		carried = make(map[string]state.HistoricalRow, len(p.rows)+len(p.current))
		for k, r := range p.rows {
			carried[k] = r
		}
		for k, r := range p.current {
			carried[k] = r
		}
	}
	o.mu.Unlock()

	rows := carried
	if rows == nil {
		readCtx, cancel := context.WithTimeout(ctx, o.config.RequestTimeout)
		loaded, err := o.gateway.PreviousRows(readCtx, index, b)
		cancel()
		if err != nil {
			return nil, err
		}
		rows = store.BySymbol(loaded)
	}

	o.mu.Lock()
	o.prev[index] = &previous{bucket: b, rows: rows, current: make(map[string]state.HistoricalRow)}
	o.mu.Unlock()
	return rows, nil
}

func (o *Orchestrator) remember(index string, b time.Time, rows []state.HistoricalRow) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.prev[index]
	if !ok || !p.bucket.Equal(b) {
		return
	}
	for _, r := range rows {
		p.current[r.Symbol] = r
	}
}

func (o *Orchestrator) resetPrevious() {
	o.mu.Lock()
	o.prev = make(map[string]*previous)
	o.mu.Unlock()
}

func (o *Orchestrator) backfillSession(ctx context.Context) {
	if err := o.status.Transition(status.PhaseBackfilling); err != nil {
		o.logger.Warn().Err(err).Msg("Status transition failed")
		return
	}
	defer func() {
		if o.status.Phase() == status.PhaseBackfilling {
			if err := o.status.Transition(status.PhasePolling); err != nil {
				o.logger.Warn().Err(err).Msg("Status transition failed")
			}
		}
	}()

	for _, r := range o.calendar.BackfillWindow(o.now(), o.config.Backfill.IncludePrevious) {
		for _, ix := range o.config.Indices {
			if ctx.Err() != nil {
				return
			}
			if _, err := o.Backfill(ctx, ix, r.From, r.To); err != nil {
				o.logger.Error().Err(err).Str("index", ix.Name).Time("from", r.From).Time("to", r.To).Msg("Backfill failed")
			}
		}
	}
}

// Backfill fills missing buckets of ix in [from, to]. Rows are fetched from
// the live session and stored as synthetic.
func (o *Orchestrator) Backfill(ctx context.Context, ix config.IndexConfig, from, to time.Time) (store.BackfillResult, error) {
	fetch := func(ctx context.Context, b time.Time) ([]state.HistoricalRow, error) {
		fetchCtx, cancel := context.WithTimeout(ctx, o.config.RequestTimeout)
		defer cancel()

		obs, err := o.fetcher.FetchIndex(fetchCtx, ix, b)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", ix.Name, err)
		}
		loaded, err := o.gateway.PreviousRows(fetchCtx, ix.Name, b)
		if err != nil {
			return nil, fmt.Errorf("previous rows of %s: %w", ix.Name, err)
		}
		in := deriveInput(ix, obs, store.BySymbol(loaded), o.now())
		in.Synthetic = true
		return o.deriver.Derive(in), nil
	}

	return o.gateway.Backfill(ctx, ix.Name, from, to, fetch, store.BackfillOptions{
		Delay:      time.Duration(o.config.Backfill.DelayMillis) * time.Millisecond,
		MaxBuckets: o.config.Backfill.MaxBuckets,
	})
}
