// Package metrics holds the Prometheus collectors of the tracker.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds all tracker metrics on a private Prometheus registry.
type Registry struct {
	registry *prometheus.Registry

	PollTicks        *prometheus.CounterVec
	SkippedTicks     prometheus.Counter
	FetchDuration    *prometheus.HistogramVec
	ContractsFetched *prometheus.CounterVec
	StoreDecisions   *prometheus.CounterVec
	RowsUpserted     *prometheus.CounterVec
	StoreFailures    *prometheus.CounterVec
	CandleFallbacks  *prometheus.CounterVec
	BackfillBuckets  *prometheus.CounterVec
	AnalysisRuns     *prometheus.CounterVec
	InsightCalls     *prometheus.CounterVec
	BreakerState     *prometheus.GaugeVec
	LastBucket       *prometheus.GaugeVec
}

func New() *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),

		PollTicks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oitracker_poll_ticks_total",
				Help: "Poll ticks by outcome",
			},
			[]string{"outcome"},
		),
		SkippedTicks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "oitracker_poll_ticks_skipped_total",
				Help: "Poll ticks skipped because the previous tick was still running",
			},
		),
		FetchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "oitracker_fetch_duration_seconds",
				Help:    "Duration of one index fetch including the batched quote call",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
			},
			[]string{"index"},
		),
		ContractsFetched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oitracker_contracts_fetched_total",
				Help: "Contracts returned by batched quote calls",
			},
			[]string{"index"},
		),
		StoreDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oitracker_store_decisions_total",
				Help: "Change detector decisions by reason",
			},
			[]string{"reason"},
		),
		RowsUpserted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oitracker_rows_upserted_total",
				Help: "Historical rows written",
			},
			[]string{"index"},
		),
		StoreFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oitracker_store_failures_total",
				Help: "Failed row store operations",
			},
			[]string{"op"},
		),
		CandleFallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oitracker_candle_fallbacks_total",
				Help: "Buckets whose index close fell back to the last known LTP",
			},
			[]string{"index"},
		),
		BackfillBuckets: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oitracker_backfill_buckets_total",
				Help: "Backfilled buckets by outcome",
			},
			[]string{"outcome"},
		),
		AnalysisRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oitracker_analysis_runs_total",
				Help: "Analysis cycle runs by index",
			},
			[]string{"index"},
		),
		InsightCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oitracker_insight_calls_total",
				Help: "Insight generator calls by outcome",
			},
			[]string{"outcome"},
		),
		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "oitracker_broker_breaker_state",
				Help: "Broker circuit breaker state (0 closed, 1 half-open, 2 open)",
			},
			[]string{"name"},
		),
		LastBucket: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "oitracker_last_bucket_timestamp_seconds",
				Help: "Unix time of the last bucket stored per index",
			},
			[]string{"index"},
		),
	}

	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.PollTicks,
		r.SkippedTicks,
		r.FetchDuration,
		r.ContractsFetched,
		r.StoreDecisions,
		r.RowsUpserted,
		r.StoreFailures,
		r.CandleFallbacks,
		r.BackfillBuckets,
		r.AnalysisRuns,
		r.InsightCalls,
		r.BreakerState,
		r.LastBucket,
	)
	return r
}

// Handler serves the registry in the Prometheus text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}
