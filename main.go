package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/oi-bucket-tracker/internal/alerting"
	"github.com/oi-bucket-tracker/internal/alerts"
	"github.com/oi-bucket-tracker/internal/api"
	"github.com/oi-bucket-tracker/internal/cache"
	"github.com/oi-bucket-tracker/internal/calendar"
	"github.com/oi-bucket-tracker/internal/config"
	"github.com/oi-bucket-tracker/internal/ingestion"
	"github.com/oi-bucket-tracker/internal/insight"
	"github.com/oi-bucket-tracker/internal/instruments"
	"github.com/oi-bucket-tracker/internal/metrics"
	"github.com/oi-bucket-tracker/internal/scanner"
	"github.com/oi-bucket-tracker/internal/signals"
	"github.com/oi-bucket-tracker/internal/state"
	"github.com/oi-bucket-tracker/internal/status"
	"github.com/oi-bucket-tracker/internal/store"
	"github.com/oi-bucket-tracker/internal/tracker"
)

var (
	configPath    string
	backfillIndex string
	backfillFrom  string
	backfillTo    string
)

var rootCmd = &cobra.Command{
	Use:   "oi-tracker",
	Short: "Options open-interest tracker",
	Long: `oi-tracker polls option chains of the configured indices, stores one
row per contract per 3-minute bucket, and classifies OI and price changes
into a directional verdict per index.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Poll, store and analyse until interrupted",
	RunE:  runTracker,
}

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Fill missing buckets of one index",
	Long: `Fill missing buckets of one index between --from and --to (RFC3339).
Without a range, today's session up to now is used.

Example usage:
  oi-tracker backfill --index NIFTY
  oi-tracker backfill --index BANKNIFTY --from 2025-10-20T09:18:00+05:30 --to 2025-10-20T12:00:00+05:30`,
	RunE: runBackfill,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the status published by a running tracker",
	RunE:  runStatus,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath, "Path to the TOML configuration file")

	backfillCmd.Flags().StringVar(&backfillIndex, "index", "", "Index to backfill")
	backfillCmd.Flags().StringVar(&backfillFrom, "from", "", "Range start (RFC3339)")
	backfillCmd.Flags().StringVar(&backfillTo, "to", "", "Range end (RFC3339)")
	backfillCmd.MarkFlagRequired("index")

	rootCmd.AddCommand(runCmd, backfillCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app holds the components shared by the commands.
type app struct {
	cfg          *config.Config
	metrics      *metrics.Registry
	cache        cache.Cache
	redis        *redis.Client
	gateway      *store.Gateway
	engine       *state.Engine
	thresholds   signals.Thresholds
	layer        *ingestion.Layer
	status       *status.Tracker
	orchestrator *tracker.Orchestrator
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	setupLogging(cfg.Log)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func setupLogging(cfg config.LogConfig) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339
	if cfg.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, metrics: metrics.New()}

	// Cache
	a.cache = cache.NewMemory()
	if cfg.Cache.RedisAddr != "" {
		client, err := cache.Dial(ctx, cfg.Cache.RedisAddr, cfg.Cache.RedisPassword, cfg.Cache.RedisDB)
		if err != nil {
			log.Warn().Err(err).Msg("Redis unavailable, using in-process cache")
		} else {
			a.redis = client
			a.cache = cache.NewRedis(client)
			log.Info().Str("addr", cfg.Cache.RedisAddr).Msg("Redis cache connected")
		}
	}

	// Storage
	var repo store.Repository
	pg, err := store.OpenPostgres(ctx, cfg.Store)
	switch {
	case errors.Is(err, store.ErrDisabled):
		log.Warn().Msg("Store disabled, rows are kept in memory only")
		repo = store.NewMemoryRepository()
	case err != nil:
		a.Close()
		return nil, fmt.Errorf("storage unavailable: %w", err)
	default:
		repo = pg
	}
	a.gateway = store.NewGateway(repo, a.metrics, log.Logger)

	a.engine = state.NewEngine(state.Significance{
		OIPct:    cfg.Classifier.SignificantOIPct,
		PricePct: cfg.Classifier.SignificantPxPct,
	})
	a.thresholds = signals.ThresholdsFrom(cfg.Classifier)

	// Broker
	names := indexNames(cfg.Indices)
	client := ingestion.NewRESTClient(cfg.Broker, cfg.Polling, a.metrics, log.Logger)
	resolver := instruments.NewResolver(client, a.cache, time.Duration(cfg.Cache.CatalogTTLMins)*time.Minute, names, log.Logger)
	fetcher := ingestion.NewFetcher(client, resolver, a.engine.Ticks, ingestion.FetcherConfigFrom(cfg.Broker, cfg.Polling), a.metrics, log.Logger)
	var stream *ingestion.TickStream
	if cfg.Broker.StreamTicks {
		stream = ingestion.NewTickStream(cfg.Broker, cfg.Polling, ingestion.SpotTokens(cfg.Indices), client.Tokens, a.engine.Ticks, log.Logger)
	}
	a.layer = ingestion.NewLayer(client, resolver, fetcher, stream, cfg.Polling, log.Logger)

	cal, err := calendar.FromConfig(cfg.Polling)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.status = status.NewTracker(a.cache, cfg.Cache.StatusKey, log.Logger)
	a.orchestrator = tracker.New(a.layer, fetcher, a.gateway, store.Deriver{Thresholds: a.thresholds}, a.engine,
		cal, a.status, tracker.ConfigFrom(cfg), a.metrics, log.Logger)
	return a, nil
}

func (a *app) Close() {
	if a.gateway != nil {
		if err := a.gateway.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close store")
		}
	}
	if a.redis != nil {
		a.redis.Close()
	}
}

func runTracker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log.Info().Int("indices", len(cfg.Indices)).Msg("Starting OI tracker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	// Login, catalog and backfill. Failures here stop the process.
	if err := a.orchestrator.Start(ctx); err != nil {
		return fmt.Errorf("startup failed: %w", err)
	}
	defer func() {
		logoutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		a.layer.Stop(logoutCtx)
	}()

	// Create signal channels
	apiSignals := make(chan signals.Signal, 100)
	alertSignals := make(chan signals.Signal, 100)
	notifySignals := make(chan signals.Signal, 100)

	var generator insight.Generator
	if cfg.Insight.Enabled {
		g, err := insight.NewOpenAIGenerator(cfg.Insight.APIKey, cfg.Insight.BaseURL, cfg.Insight.Models,
			cfg.Insight.MinConfidence, config.Seconds(cfg.Insight.TimeoutSecs), log.Logger)
		if err != nil {
			log.Warn().Err(err).Msg("Insight generator disabled")
		} else {
			generator = g
		}
	}

	names := indexNames(cfg.Indices)
	pollInterval := config.Seconds(cfg.Polling.PollIntervalSecs)
	board := signals.NewBoard()
	processor := signals.NewProcessor(a.engine, a.gateway, a.gateway, generator, a.thresholds, board, signals.ProcessorConfig{
		Indices:        names,
		Interval:       config.Seconds(cfg.Polling.AnalysisIntervalSecs),
		MinSpacing:     config.Seconds(cfg.Polling.MinAnalysisSpacingSecs),
		HistoryBuckets: cfg.Insight.HistoryBuckets,
		MinActivity:    cfg.Insight.MinActivity,
		RequestTimeout: config.Seconds(cfg.Polling.RequestTimeoutSecs),
	}, a.metrics, log.Logger, apiSignals, alertSignals, notifySignals)

	scan := scanner.NewScanner(a.engine, 3*pollInterval)
	alertEngine := alerts.NewEngine(scan, alerts.Rules{
		PCRExtremeHigh: cfg.Classifier.PCRExtremeHigh,
		PCRExtremeLow:  cfg.Classifier.PCRExtremeLow,
		PCRTrendDelta:  cfg.Classifier.PCRTrendDelta,
	}, log.Logger)
	alertManager := alerting.NewManager(cfg.Alerting, notifySignals, log.Logger)

	apiServer := api.NewServer(cfg.API, api.Deps{
		State:        a.engine,
		Board:        board,
		Store:        a.gateway,
		Status:       a.status,
		Alerts:       alertEngine,
		Scanner:      scan,
		Metrics:      a.metrics,
		Indices:      names,
		HealthMaxAge: 3 * pollInterval,
		QueryTimeout: config.Seconds(cfg.Store.QueryTimeoutSecs),
	}, apiSignals, log.Logger)

	// Start all components
	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Str("component", name).Msg("Component stopped")
			}
		}()
	}
	run("ingestion", a.layer.Run)
	run("poller", a.orchestrator.Run)
	run("analysis", processor.Run)
	run("alerts", func(ctx context.Context) error { return alertEngine.Run(ctx, alertSignals) })
	run("alerting", alertManager.Run)
	run("api", apiServer.Run)

	log.Info().Strs("indices", names).Msg("All components started")

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	wg.Wait()
	log.Info().Msg("Shutdown complete")
	return nil
}

func runBackfill(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var ix *config.IndexConfig
	for i := range cfg.Indices {
		if strings.EqualFold(cfg.Indices[i].Name, backfillIndex) {
			ix = &cfg.Indices[i]
		}
	}
	if ix == nil {
		return fmt.Errorf("index %q is not configured", backfillIndex)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	cal, err := calendar.FromConfig(cfg.Polling)
	if err != nil {
		return err
	}
	from, to, err := backfillRange(cal, time.Now())
	if err != nil {
		return err
	}

	if err := a.layer.Start(ctx); err != nil {
		return err
	}
	defer a.layer.Stop(context.Background())

	res, err := a.orchestrator.Backfill(ctx, *ix, from, to)
	if err != nil {
		return err
	}
	log.Info().
		Str("index", ix.Name).
		Time("from", from).
		Time("to", to).
		Int("expected", res.Expected).
		Int("missing", res.Missing).
		Int("filled", res.Filled).
		Int("failed", res.Failed).
		Int("empty", res.Empty).
		Msg("Backfill finished")
	return nil
}

// backfillRange parses --from/--to, defaulting to today's session so far.
func backfillRange(cal *calendar.Calendar, now time.Time) (time.Time, time.Time, error) {
	if backfillFrom == "" && backfillTo == "" {
		windows := cal.BackfillWindow(now, false)
		if len(windows) == 0 {
			return time.Time{}, time.Time{}, errors.New("no session to backfill today, pass --from and --to")
		}
		w := windows[len(windows)-1]
		return w.From, w.To, nil
	}
	from, err := time.Parse(time.RFC3339, backfillFrom)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid --from: %w", err)
	}
	to, err := time.Parse(time.RFC3339, backfillTo)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid --to: %w", err)
	}
	if !from.Before(to) {
		return time.Time{}, time.Time{}, errors.New("--from must be before --to")
	}
	return from, to, nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	setupLogging(cfg.Log)
	if cfg.Cache.RedisAddr == "" {
		return errors.New("status is only published when a Redis address is configured")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := cache.Dial(ctx, cfg.Cache.RedisAddr, cfg.Cache.RedisPassword, cfg.Cache.RedisDB)
	if err != nil {
		return err
	}
	defer client.Close()

	snap, ok, err := status.Load(ctx, cache.NewRedis(client), cfg.Cache.StatusKey)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("no tracker has published a status yet")
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "phase:        %s\n", snap.Phase)
	fmt.Fprintf(out, "started:      %s\n", snap.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(out, "last tick:    %s\n", snap.LastTick.Format(time.RFC3339))
	fmt.Fprintf(out, "last bucket:  %s\n", snap.LastBucket.Format(time.RFC3339))
	fmt.Fprintf(out, "market open:  %t\n", snap.MarketOpen)
	fmt.Fprintf(out, "failures:     %d\n", snap.ConsecutiveFailures)
	for name, is := range snap.Indices {
		fmt.Fprintf(out, "%-12s  bucket %s  spot %.2f  fetched %d  stored %d\n",
			name, is.LastBucket.Format("15:04"), is.Spot, is.Fetched, is.Stored)
	}
	return nil
}

func indexNames(indices []config.IndexConfig) []string {
	out := make([]string, 0, len(indices))
	for _, ix := range indices {
		out = append(out, ix.Name)
	}
	return out
}
