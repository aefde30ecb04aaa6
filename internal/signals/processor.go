package signals

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/oi-bucket-tracker/internal/bucket"
	"github.com/oi-bucket-tracker/internal/insight"
	"github.com/oi-bucket-tracker/internal/metrics"
	"github.com/oi-bucket-tracker/internal/state"
)

// HistoryReader returns persisted rows of an index at or after since.
type HistoryReader interface {
	RecentRows(ctx context.Context, index string, since time.Time) ([]state.HistoricalRow, error)
}

// SetupWriter persists generated trade setups.
type SetupWriter interface {
	UpsertTradeSetup(ctx context.Context, s state.TradeSetup) error
}

type ProcessorConfig struct {
	Indices        []string
	Interval       time.Duration
	MinSpacing     time.Duration
	HistoryBuckets int
	MinActivity    int
	RequestTimeout time.Duration
}

// Processor runs the analysis cycle. It wakes on a ticker but only analyses
// an index when new rows were stored since its last run and the minimum
// spacing has elapsed.
type Processor struct {
	engine     *state.Engine
	history    HistoryReader
	setups     SetupWriter
	generator  insight.Generator
	thresholds Thresholds
	board      *Board
	outputs    []chan<- Signal
	config     ProcessorConfig
	metrics    *metrics.Registry
	logger     zerolog.Logger
	now        func() time.Time

	mu            sync.Mutex
	lastRun       map[string]time.Time
	lastDirection map[string]Direction
	lastSetup     map[string]time.Time
}

func NewProcessor(engine *state.Engine, history HistoryReader, setups SetupWriter, generator insight.Generator,
	thresholds Thresholds, board *Board, cfg ProcessorConfig, m *metrics.Registry, logger zerolog.Logger,
	outputs ...chan<- Signal) *Processor {
	if cfg.HistoryBuckets <= 0 {
		cfg.HistoryBuckets = 20
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 20 * time.Second
	}
	return &Processor{
		engine:        engine,
		history:       history,
		setups:        setups,
		generator:     generator,
		thresholds:    thresholds,
		board:         board,
		outputs:       outputs,
		config:        cfg,
		metrics:       m,
		logger:        logger.With().Str("component", "analysis").Logger(),
		now:           time.Now,
		lastRun:       make(map[string]time.Time),
		lastDirection: make(map[string]Direction),
		lastSetup:     make(map[string]time.Time),
	}
}

func (p *Processor) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, index := range p.config.Indices {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if !p.due(index) {
					continue
				}
				if _, err := p.Analyze(ctx, index); err != nil {
					p.logger.Warn().Err(err).Str("index", index).Msg("Analysis cycle failed")
				}
			}
		}
	}
}

// due reports whether index has stored activity since its last run and the
// minimum spacing has elapsed.
func (p *Processor) due(index string) bool {
	p.mu.Lock()
	last, ran := p.lastRun[index]
	p.mu.Unlock()
	now := p.now()
	if ran && now.Sub(last) < p.config.MinSpacing {
		return false
	}
	for _, pt := range p.engine.Activity.Since(index, last) {
		if pt.Stored > 0 {
			return true
		}
	}
	return false
}

// Analyze recomputes the analysis of index from persisted history, publishes
// it, and asks for a trade setup when recent activity qualifies. The store
// read and the generator call run without p.mu held.
func (p *Processor) Analyze(ctx context.Context, index string) (*Analysis, error) {
	now := p.now()
	p.mu.Lock()
	p.lastRun[index] = now
	p.mu.Unlock()

	since := bucket.Of(now).Add(-time.Duration(p.config.HistoryBuckets) * bucket.Width)
	readCtx, cancel := context.WithTimeout(ctx, p.config.RequestTimeout)
	rows, err := p.history.RecentRows(readCtx, index, since)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("failed to read history for %s: %w", index, err)
	}

	a, ok := p.thresholds.Analyze(state.SplitByBucket(rows))
	if !ok {
		return nil, nil
	}
	p.metrics.AnalysisRuns.WithLabelValues(index).Inc()
	p.board.Put(a)
	p.publish(a)

	p.logger.Info().
		Str("index", index).
		Time("bucket", a.BucketTS).
		Str("direction", string(a.Verdict.Direction)).
		Float64("pcr", a.Metrics.PCR).
		Int("max_pain", a.Metrics.MaxPain).
		Int("signals", a.Verdict.Signals).
		Msg("Analysis updated")

	if p.shouldGenerate(index, a) {
		p.generate(ctx, a, rows)
	}
	return &a, nil
}

func (p *Processor) shouldGenerate(index string, a Analysis) bool {
	if p.generator == nil || a.Verdict.Direction == InsufficientData {
		return false
	}
	p.mu.Lock()
	last, ok := p.lastSetup[index]
	p.mu.Unlock()
	if ok && !a.BucketTS.After(last) {
		return false
	}
	window := p.now().Add(-time.Duration(p.config.HistoryBuckets) * bucket.Width)
	return p.engine.Activity.SignificantSince(index, window) >= p.config.MinActivity
}

func (p *Processor) generate(ctx context.Context, a Analysis, rows []state.HistoricalRow) {
	mc := BuildMarketContext(a, rows)
	in, err := p.generator.Generate(ctx, mc)
	switch {
	case errors.Is(err, insight.ErrLowConfidence):
		p.metrics.InsightCalls.WithLabelValues("low_confidence").Inc()
		p.logger.Info().Str("index", a.Index).Time("bucket", a.BucketTS).Msg("No trade setup above confidence threshold")
		return
	case err != nil:
		p.metrics.InsightCalls.WithLabelValues("error").Inc()
		p.logger.Warn().Err(err).Str("index", a.Index).Time("bucket", a.BucketTS).Msg("Insight generation failed")
		return
	}
	p.metrics.InsightCalls.WithLabelValues("accepted").Inc()
	p.mu.Lock()
	p.lastSetup[a.Index] = a.BucketTS
	p.mu.Unlock()

	setup := state.TradeSetup{
		ID:          uuid.New(),
		BucketTS:    a.BucketTS,
		IndexName:   a.Index,
		Bias:        in.Bias,
		Strategy:    in.Strategy,
		EntryStrike: in.EntryStrike,
		EntryType:   state.Side(in.EntryType),
		EntryPrice:  in.EntryPrice,
		StopLoss:    in.StopLoss,
		Target:      in.Target,
		Confidence:  in.Confidence,
		Rationale:   in.Rationale,
		Model:       in.Model,
		RawResponse: in.Raw,
		CreatedAt:   p.now(),
	}

	writeCtx, cancel := context.WithTimeout(ctx, p.config.RequestTimeout)
	defer cancel()
	if err := p.setups.UpsertTradeSetup(writeCtx, setup); err != nil {
		p.metrics.StoreFailures.WithLabelValues("trade_setup").Inc()
		p.logger.Error().Err(err).Str("index", a.Index).Time("bucket", a.BucketTS).Msg("Failed to store trade setup")
	}

	p.emit(Signal{
		Index:     a.Index,
		Type:      SignalTypeTradeSetup,
		Value:     float64(setup.Confidence),
		BucketTS:  a.BucketTS,
		Timestamp: p.now(),
		Message:   fmt.Sprintf("%s %d%s @ %s SL %s TGT %s", setup.Bias, setup.EntryStrike, setup.EntryType, setup.EntryPrice, setup.StopLoss, setup.Target),
		Metadata:  SignalMetadata{ThresholdCrossed: true, Confidence: float64(setup.Confidence) / 100},
		Setup:     &setup,
	})
}

func (p *Processor) publish(a Analysis) {
	p.mu.Lock()
	prev, seen := p.lastDirection[a.Index]
	p.lastDirection[a.Index] = a.Verdict.Direction
	p.mu.Unlock()

	v := a.Verdict
	p.emit(Signal{
		Index:     a.Index,
		Type:      SignalTypeVerdict,
		Value:     v.ScoreDiff,
		BucketTS:  a.BucketTS,
		Timestamp: p.now(),
		Message:   string(v.Direction),
		Metadata: SignalMetadata{
			ThresholdCrossed: seen && prev != v.Direction,
			Confidence:       v.ConfidenceFactor / 100,
		},
		Verdict: &v,
	})

	for _, f := range a.Findings {
		p.emit(Signal{
			Index:     a.Index,
			Type:      findingSignalType(f.Kind),
			Value:     f.Value,
			BucketTS:  a.BucketTS,
			Timestamp: p.now(),
			Message:   f.Message,
			Metadata:  SignalMetadata{ThresholdCrossed: true, Confidence: v.ConfidenceFactor / 100},
		})
	}
}

func (p *Processor) emit(sig Signal) {
	for _, out := range p.outputs {
		select {
		case out <- sig:
		default:
			// Channel full, skip
		}
	}
}

// BuildMarketContext flattens an analysis and the rows of its bucket into the
// generator's input.
func BuildMarketContext(a Analysis, rows []state.HistoricalRow) insight.MarketContext {
	mc := insight.MarketContext{
		Index:            a.Index,
		BucketTS:         a.BucketTS,
		Spot:             a.Spot,
		PCR:              a.Metrics.PCR,
		VolumePCR:        a.Metrics.VolumePCR,
		MaxPain:          a.Metrics.MaxPain,
		Support:          a.Metrics.Support,
		Resistance:       a.Metrics.Resistance,
		Direction:        string(a.Verdict.Direction),
		ConfidenceFactor: a.Verdict.ConfidenceFactor,
		SupportShift:     string(a.SupportShift),
		ResistanceShift:  string(a.ResistanceShift),
	}
	for _, f := range a.Findings {
		mc.Findings = append(mc.Findings, f.Message)
	}

	for _, r := range rows {
		if !r.BucketTS.Equal(a.BucketTS) {
			continue
		}
		mc.Chain = append(mc.Chain, insight.Leg{
			Strike:      r.Strike,
			Side:        string(r.Side),
			LTP:         r.LTP,
			OI:          r.OI,
			OIChange:    r.OIChange,
			OIChangePct: r.OIChangePct,
			IV:          r.IV,
			Delta:       r.Delta,
			Label:       r.Label,
		})
	}
	sortLegsByDistance(mc.Chain, a.Spot)
	return mc
}

func sortLegsByDistance(legs []insight.Leg, spot float64) {
	sort.SliceStable(legs, func(i, j int) bool {
		return math.Abs(float64(legs[i].Strike)-spot) < math.Abs(float64(legs[j].Strike)-spot)
	})
}
