package instruments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/oi-bucket-tracker/internal/cache"
	"github.com/oi-bucket-tracker/internal/state"
)

const cacheKey = "oitracker:catalog"

var ErrNoExpiries = errors.New("no expiries known for index")

// Source loads the raw instrument master from the broker.
type Source interface {
	InstrumentCatalog(ctx context.Context) ([]Instrument, error)
}

// Resolver serves lookups from the current catalog snapshot. Refresh builds
// a new snapshot and swaps it in atomically.
type Resolver struct {
	current  atomic.Pointer[Catalog]
	source   Source
	cache    cache.Cache
	cacheTTL time.Duration
	indices  map[string]bool
	logger   zerolog.Logger
	now      func() time.Time
}

func NewResolver(source Source, c cache.Cache, cacheTTL time.Duration, indices []string, logger zerolog.Logger) *Resolver {
	want := make(map[string]bool, len(indices))
	for _, ix := range indices {
		want[ix] = true
	}
	r := &Resolver{
		source:   source,
		cache:    c,
		cacheTTL: cacheTTL,
		indices:  want,
		logger:   logger.With().Str("component", "instruments").Logger(),
		now:      time.Now,
	}
	r.current.Store(NewCatalog(nil, time.Time{}))
	return r
}

// Catalog returns the snapshot currently in use.
func (r *Resolver) Catalog() *Catalog {
	return r.current.Load()
}

// Swap replaces the current snapshot.
func (r *Resolver) Swap(c *Catalog) {
	r.current.Store(c)
}

// Refresh loads the catalog, preferring a cached copy when one exists, and
// swaps it in. The previous snapshot stays active on failure.
func (r *Resolver) Refresh(ctx context.Context) error {
	rows, fromCache := r.loadCached(ctx)
	if !fromCache {
		raw, err := r.source.InstrumentCatalog(ctx)
		if err != nil {
			return fmt.Errorf("failed to load instrument catalog: %w", err)
		}
		rows = r.filter(raw)
		r.storeCached(ctx, rows)
	}
	if len(rows) == 0 {
		return fmt.Errorf("instrument catalog has no options for %d configured indices", len(r.indices))
	}

	r.Swap(NewCatalog(rows, r.now()))
	r.logger.Info().Int("instruments", len(rows)).Bool("cached", fromCache).Msg("Instrument catalog refreshed")
	return nil
}

func (r *Resolver) filter(raw []Instrument) []Instrument {
	out := make([]Instrument, 0, len(raw)/10)
	for _, in := range raw {
		if in.InstrumentType != "OPTIDX" || !r.indices[in.Name] {
			continue
		}
		out = append(out, in)
	}
	return out
}

func (r *Resolver) loadCached(ctx context.Context) ([]Instrument, bool) {
	if r.cache == nil {
		return nil, false
	}
	b, ok, err := r.cache.Get(ctx, cacheKey)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Catalog cache read failed")
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var rows []Instrument
	if err := json.Unmarshal(b, &rows); err != nil {
		r.logger.Warn().Err(err).Msg("Discarding unreadable cached catalog")
		return nil, false
	}
	return rows, len(rows) > 0
}

func (r *Resolver) storeCached(ctx context.Context, rows []Instrument) {
	if r.cache == nil || len(rows) == 0 {
		return
	}
	b, err := json.Marshal(rows)
	if err != nil {
		return
	}
	if err := r.cache.Set(ctx, cacheKey, b, r.cacheTTL); err != nil {
		r.logger.Warn().Err(err).Msg("Catalog cache write failed")
	}
}

// Resolve maps (index, expiry, strike, side) to a contract. It returns a
// *NotFoundError when the catalog has no such instrument.
func (r *Resolver) Resolve(index string, expiry time.Time, strike int, side state.Side) (state.Contract, error) {
	symbol := Symbol(index, expiry, strike, side)
	in, ok := r.current.Load().Lookup(symbol)
	if !ok {
		return state.Contract{}, &NotFoundError{Symbol: symbol}
	}
	return state.Contract{
		Index:    index,
		Expiry:   expiry,
		Strike:   strike,
		Side:     side,
		Symbol:   in.Symbol,
		Token:    in.Token,
		Exchange: in.Exchange,
		LotSize:  in.LotSize,
	}, nil
}

// CurrentExpiry picks the nearest expiry on or after asOf's date. When all
// known expiries are past it returns the latest one with stale set.
func (r *Resolver) CurrentExpiry(index string, asOf time.Time) (expiry time.Time, stale bool, err error) {
	expiries := r.current.Load().Expiries(index)
	if len(expiries) == 0 {
		return time.Time{}, false, fmt.Errorf("%w: %s", ErrNoExpiries, index)
	}

	today := dayOf(asOf.In(expiries[0].Location()))
	for _, e := range expiries {
		if !e.Before(today) {
			return e, false, nil
		}
	}

	latest := expiries[len(expiries)-1]
	r.logger.Warn().Str("index", index).Time("expiry", latest).Msg("All known expiries are past; catalog needs a refresh")
	return latest, true, nil
}
