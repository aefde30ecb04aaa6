package store

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/oi-bucket-tracker/internal/bucket"
	"github.com/oi-bucket-tracker/internal/metrics"
	"github.com/oi-bucket-tracker/internal/state"
)

// BucketFetcher reconstructs the rows of one bucket during backfill.
type BucketFetcher func(ctx context.Context, b time.Time) ([]state.HistoricalRow, error)

type BackfillOptions struct {
	Delay      time.Duration
	MaxBuckets int
}

type BackfillResult struct {
	Expected int `json:"expected"`
	Missing  int `json:"missing"`
	Filled   int `json:"filled"`
	Failed   int `json:"failed"`
	Empty    int `json:"empty"`
}

// Gateway is the only writer of persisted rows.
type Gateway struct {
	repo    Repository
	metrics *metrics.Registry
	logger  zerolog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewGateway(repo Repository, m *metrics.Registry, logger zerolog.Logger) *Gateway {
	return &Gateway{
		repo:    repo,
		metrics: m,
		logger:  logger.With().Str("component", "store").Logger(),
		sleep:   sleepCtx,
	}
}

func (g *Gateway) Upsert(ctx context.Context, rows []state.HistoricalRow) error {
	if len(rows) == 0 {
		return nil
	}
	if err := g.repo.UpsertRows(ctx, rows); err != nil {
		g.metrics.StoreFailures.WithLabelValues("upsert").Inc()
		return err
	}
	g.metrics.RowsUpserted.WithLabelValues(rows[0].IndexName).Add(float64(len(rows)))
	return nil
}

func (g *Gateway) ExistingBuckets(ctx context.Context, index string, from, to time.Time) ([]time.Time, error) {
	return g.repo.ExistingBuckets(ctx, index, from, to)
}

// Missing returns the buckets in [from, to] that have no rows for index,
// oldest first.
func (g *Gateway) Missing(ctx context.Context, index string, from, to time.Time) (expected, missing []time.Time, err error) {
	expected = bucket.Range(from, to, bucket.Width, bucket.Exchange)
	if len(expected) == 0 {
		return nil, nil, nil
	}
	existing, err := g.repo.ExistingBuckets(ctx, index, expected[0], expected[len(expected)-1])
	if err != nil {
		return expected, nil, fmt.Errorf("failed to load existing buckets for %s: %w", index, err)
	}
	return expected, bucket.Missing(expected, existing), nil
}

// Backfill fills missing buckets of index in [from, to] using fetch. Only the
// latest MaxBuckets gaps are attempted. Rows written here are marked
// synthetic: the fetcher may only be able to observe present-day values.
// A failed bucket is logged and skipped. Cancelling ctx stops between buckets.
func (g *Gateway) Backfill(ctx context.Context, index string, from, to time.Time, fetch BucketFetcher, opts BackfillOptions) (BackfillResult, error) {
	var res BackfillResult

	expected, missing, err := g.Missing(ctx, index, from, to)
	res.Expected = len(expected)
	if err != nil {
		return res, err
	}
	res.Missing = len(missing)
	if len(missing) == 0 {
		g.logger.Info().Str("index", index).Int("expected", res.Expected).Msg("No missing buckets")
		return res, nil
	}

	if opts.MaxBuckets > 0 && len(missing) > opts.MaxBuckets {
		g.logger.Warn().
			Str("index", index).
			Int("missing", len(missing)).
			Int("limit", opts.MaxBuckets).
			Msg("Limiting backfill to the latest buckets")
		missing = missing[len(missing)-opts.MaxBuckets:]
	}

	for i, b := range missing {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if i > 0 && opts.Delay > 0 {
			if err := g.sleep(ctx, opts.Delay); err != nil {
				return res, err
			}
		}

		rows, err := fetch(ctx, b)
		if err != nil {
			res.Failed++
			g.metrics.BackfillBuckets.WithLabelValues("failed").Inc()
			g.logger.Error().Err(err).Str("index", index).Time("bucket", b).Msg("Backfill fetch failed")
			continue
		}
		if len(rows) == 0 {
			res.Empty++
			g.metrics.BackfillBuckets.WithLabelValues("empty").Inc()
			g.logger.Warn().Str("index", index).Time("bucket", b).Msg("No data fetched for bucket")
			continue
		}

		for j := range rows {
			rows[j].BucketTS = b
			rows[j].Synthetic = true
		}
		if err := g.Upsert(ctx, rows); err != nil {
			res.Failed++
			g.metrics.BackfillBuckets.WithLabelValues("failed").Inc()
			g.logger.Error().Err(err).Str("index", index).Time("bucket", b).Msg("Backfill store failed")
			continue
		}
		res.Filled++
		g.metrics.BackfillBuckets.WithLabelValues("filled").Inc()
		g.logger.Debug().Str("index", index).Time("bucket", b).Int("rows", len(rows)).Msg("Bucket backfilled")
	}

	g.logger.Info().
		Str("index", index).
		Int("filled", res.Filled).
		Int("failed", res.Failed).
		Int("missing", res.Missing).
		Msg("Backfill completed")
	return res, nil
}

// RecentRows returns rows of index from since up to now.
func (g *Gateway) RecentRows(ctx context.Context, index string, since time.Time) ([]state.HistoricalRow, error) {
	return g.repo.RowsBetween(ctx, index, since, time.Now().Add(bucket.Width))
}

func (g *Gateway) History(ctx context.Context, index string, from, to time.Time) ([]state.HistoricalRow, error) {
	return g.repo.RowsBetween(ctx, index, from, to)
}

func (g *Gateway) PreviousRows(ctx context.Context, index string, b time.Time) ([]state.HistoricalRow, error) {
	return g.repo.PreviousRows(ctx, index, b)
}

func (g *Gateway) UpsertTradeSetup(ctx context.Context, s state.TradeSetup) error {
	return g.repo.UpsertTradeSetup(ctx, s)
}

func (g *Gateway) TradeSetups(ctx context.Context, index string, limit int) ([]state.TradeSetup, error) {
	return g.repo.TradeSetups(ctx, index, limit)
}

func (g *Gateway) Close() error {
	return g.repo.Close()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
