package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/oi-bucket-tracker/internal/alerts"
	"github.com/oi-bucket-tracker/internal/bucket"
	"github.com/oi-bucket-tracker/internal/config"
	"github.com/oi-bucket-tracker/internal/metrics"
	"github.com/oi-bucket-tracker/internal/scanner"
	"github.com/oi-bucket-tracker/internal/signals"
	"github.com/oi-bucket-tracker/internal/state"
	"github.com/oi-bucket-tracker/internal/status"
)

const (
	maxSignals      = 1000
	maxHistoryRange = 7 * 24 * time.Hour
)

// HistoryReader is the read side of the historical store.
type HistoryReader interface {
	History(ctx context.Context, index string, from, to time.Time) ([]state.HistoricalRow, error)
	TradeSetups(ctx context.Context, index string, limit int) ([]state.TradeSetup, error)
}

// Deps are the components the read API serves from.
type Deps struct {
	State        *state.Engine
	Board        *signals.Board
	Store        HistoryReader
	Status       *status.Tracker
	Alerts       *alerts.Engine
	Scanner      *scanner.Scanner
	Metrics      *metrics.Registry
	Indices      []string
	HealthMaxAge time.Duration
	QueryTimeout time.Duration
}

type Server struct {
	config     config.APIConfig
	deps       Deps
	signalChan <-chan signals.Signal
	server     *http.Server
	logger     zerolog.Logger
	now        func() time.Time

	mu      sync.RWMutex
	signals []signals.Signal
	total   int // signals collected since start
}

func NewServer(cfg config.APIConfig, deps Deps, signalChan <-chan signals.Signal, logger zerolog.Logger) *Server {
	if deps.HealthMaxAge <= 0 {
		deps.HealthMaxAge = 2 * time.Minute
	}
	if deps.QueryTimeout <= 0 {
		deps.QueryTimeout = 10 * time.Second
	}
	return &Server{
		config:     cfg,
		deps:       deps,
		signalChan: signalChan,
		logger:     logger.With().Str("component", "api").Logger(),
		now:        time.Now,
		signals:    make([]signals.Signal, 0, maxSignals),
	}
}

// Handler returns the routed, CORS-wrapped API.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()

	// Setup CORS
	c := cors.New(cors.Options{
		AllowedOrigins:   s.config.CORSOrigins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           3600,
	})

	// API routes
	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/health", s.getHealth).Methods("GET")
	api.HandleFunc("/status", s.getStatus).Methods("GET")
	api.HandleFunc("/history/{index}", s.getHistory).Methods("GET")
	api.HandleFunc("/verdict", s.getVerdicts).Methods("GET")
	api.HandleFunc("/verdict/{index}", s.getVerdict).Methods("GET")
	api.HandleFunc("/setups/{index}", s.getSetups).Methods("GET")
	api.HandleFunc("/chain/{index}", s.getChain).Methods("GET")
	api.HandleFunc("/activity/{index}", s.getActivity).Methods("GET")
	api.HandleFunc("/signals", s.getSignals).Methods("GET")
	api.HandleFunc("/stream/signals", s.streamSignals).Methods("GET")
	api.HandleFunc("/alerts", s.getAlerts).Methods("GET")
	if s.deps.Metrics != nil {
		api.Handle("/metrics", s.deps.Metrics.Handler()).Methods("GET")
	}

	return c.Handler(router)
}

// Run serves until ctx is cancelled, then shuts the listener down.
func (s *Server) Run(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.config.BindAddress,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start signal collector
	go s.collectSignals(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn().Err(err).Msg("API server shutdown failed")
		}
	}()

	s.logger.Info().Str("addr", s.config.BindAddress).Msg("API server starting")

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) collectSignals(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case signal, ok := <-s.signalChan:
			if !ok {
				return
			}
			s.addSignal(signal)
		}
	}
}

func (s *Server) addSignal(signal signals.Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals = append(s.signals, signal)
	s.total++
	// Keep only last 1000 signals
	if len(s.signals) > maxSignals {
		s.signals = s.signals[len(s.signals)-maxSignals:]
	}
}

func (s *Server) getHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.deps.Status.Snapshot()
	healthy := s.deps.Status.Healthy(s.deps.HealthMaxAge, 5)

	response := struct {
		Status    string       `json:"status"`
		Phase     status.Phase `json:"phase"`
		LastTick  time.Time    `json:"last_tick"`
		Timestamp time.Time    `json:"timestamp"`
		Indices   []string     `json:"indices"`
	}{
		Status:    "healthy",
		Phase:     snap.Phase,
		LastTick:  snap.LastTick,
		Timestamp: s.now(),
		Indices:   s.deps.Indices,
	}

	code := http.StatusOK
	if !healthy {
		response.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, response)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Status.Snapshot())
}

func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	index, ok := s.index(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	to := s.now()
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid to: expected RFC3339")
			return
		}
		to = t
	}
	now := to.In(bucket.Exchange)
	from := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, bucket.Exchange)
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid from: expected RFC3339")
			return
		}
		from = t
	}
	if !from.Before(to) {
		writeError(w, http.StatusBadRequest, "from must be before to")
		return
	}
	if to.Sub(from) > maxHistoryRange {
		writeError(w, http.StatusBadRequest, "range exceeds 7 days")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.deps.QueryTimeout)
	defer cancel()
	rows, err := s.deps.Store.History(ctx, index, from, to)
	if err != nil {
		s.logger.Error().Err(err).Str("index", index).Msg("History query failed")
		writeError(w, http.StatusInternalServerError, "history query failed")
		return
	}

	response := struct {
		Index string                `json:"index"`
		From  time.Time             `json:"from"`
		To    time.Time             `json:"to"`
		Rows  []state.HistoricalRow `json:"rows"`
		Count int                   `json:"count"`
	}{
		Index: index,
		From:  from,
		To:    to,
		Rows:  rows,
		Count: len(rows),
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) getVerdicts(w http.ResponseWriter, r *http.Request) {
	all := s.deps.Board.All()
	writeJSON(w, http.StatusOK, struct {
		Analyses []signals.Analysis `json:"analyses"`
		Count    int                `json:"count"`
	}{all, len(all)})
}

func (s *Server) getVerdict(w http.ResponseWriter, r *http.Request) {
	index, ok := s.index(w, r)
	if !ok {
		return
	}
	a, found := s.deps.Board.Get(index)
	if !found {
		writeError(w, http.StatusNotFound, "no analysis yet for "+index)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) getSetups(w http.ResponseWriter, r *http.Request) {
	index, ok := s.index(w, r)
	if !ok {
		return
	}
	limit := parseLimit(r.URL.Query().Get("limit"), 20)

	ctx, cancel := context.WithTimeout(r.Context(), s.deps.QueryTimeout)
	defer cancel()
	setups, err := s.deps.Store.TradeSetups(ctx, index, limit)
	if err != nil {
		s.logger.Error().Err(err).Str("index", index).Msg("Trade setup query failed")
		writeError(w, http.StatusInternalServerError, "trade setup query failed")
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Setups []state.TradeSetup `json:"setups"`
		Count  int                `json:"count"`
	}{setups, len(setups)})
}

func (s *Server) getChain(w http.ResponseWriter, r *http.Request) {
	index, ok := s.index(w, r)
	if !ok {
		return
	}
	var strikes []scanner.StrikeOpportunity
	if r.URL.Query().Get("sort") == "score" {
		strikes = s.deps.Scanner.ScanIndex(index)
	} else {
		strikes = s.deps.Scanner.Chain(index)
	}
	spot, _ := s.deps.State.GetSpot(index)

	writeJSON(w, http.StatusOK, struct {
		Index     string                      `json:"index"`
		Spot      state.SpotQuote             `json:"spot"`
		Strikes   []scanner.StrikeOpportunity `json:"strikes"`
		Count     int                         `json:"count"`
		Timestamp time.Time                   `json:"timestamp"`
	}{index, spot, strikes, len(strikes), s.now()})
}

func (s *Server) getActivity(w http.ResponseWriter, r *http.Request) {
	index, ok := s.index(w, r)
	if !ok {
		return
	}
	points := s.deps.State.Activity.Latest(index, parseLimit(r.URL.Query().Get("limit"), 100))
	writeJSON(w, http.StatusOK, struct {
		Index  string                `json:"index"`
		Points []state.ActivityPoint `json:"points"`
		Count  int                   `json:"count"`
	}{index, points, len(points)})
}

func (s *Server) getSignals(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	signalsCopy := make([]signals.Signal, len(s.signals))
	copy(signalsCopy, s.signals)
	s.mu.RUnlock()

	// Get query parameters
	index := strings.ToUpper(r.URL.Query().Get("index"))
	signalType := r.URL.Query().Get("type")

	// Filter signals
	filtered := make([]signals.Signal, 0)
	for _, sig := range signalsCopy {
		if index != "" && sig.Index != index {
			continue
		}
		if signalType != "" && string(sig.Type) != signalType {
			continue
		}
		filtered = append(filtered, sig)
	}

	// Apply limit, keeping the newest
	if limit := parseLimit(r.URL.Query().Get("limit"), len(filtered)); limit < len(filtered) {
		filtered = filtered[len(filtered)-limit:]
	}

	writeJSON(w, http.StatusOK, struct {
		Signals []signals.Signal `json:"signals"`
		Count   int              `json:"count"`
	}{filtered, len(filtered)})
}

func (s *Server) streamSignals(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Send initial connection message
	fmt.Fprintf(w, "data: {\"type\":\"connected\"}\n\n")
	flusher.Flush()

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	s.mu.RLock()
	sent := s.total
	s.mu.RUnlock()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			s.mu.RLock()
			n := s.total - sent
			if n > len(s.signals) {
				n = len(s.signals)
			}
			pending := append([]signals.Signal(nil), s.signals[len(s.signals)-n:]...)
			sent = s.total
			s.mu.RUnlock()

			for _, sig := range pending {
				data, err := json.Marshal(sig)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "data: %s\n\n", data)
			}
			if len(pending) > 0 {
				flusher.Flush()
			}
		}
	}
}

func (s *Server) getAlerts(w http.ResponseWriter, r *http.Request) {
	index := strings.ToUpper(r.URL.Query().Get("index"))
	alertType := r.URL.Query().Get("type")

	filtered := make([]alerts.Alert, 0)
	for _, alert := range s.deps.Alerts.Recent(index, 0) {
		if alertType != "" && string(alert.Type) != alertType {
			continue
		}
		filtered = append(filtered, alert)
	}
	if limit := parseLimit(r.URL.Query().Get("limit"), len(filtered)); limit < len(filtered) {
		filtered = filtered[:limit]
	}

	writeJSON(w, http.StatusOK, struct {
		Alerts    []alerts.Alert `json:"alerts"`
		Count     int            `json:"count"`
		Timestamp time.Time      `json:"timestamp"`
	}{filtered, len(filtered), s.now()})
}

// index resolves the {index} path variable against the configured indices.
func (s *Server) index(w http.ResponseWriter, r *http.Request) (string, bool) {
	index := strings.ToUpper(mux.Vars(r)["index"])
	for _, ix := range s.deps.Indices {
		if ix == index {
			return index, true
		}
	}
	writeError(w, http.StatusNotFound, "unknown index "+index)
	return "", false
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// parseLimit returns def for a missing or non-positive limit.
func parseLimit(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
