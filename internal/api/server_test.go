package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oi-bucket-tracker/internal/alerts"
	"github.com/oi-bucket-tracker/internal/bucket"
	"github.com/oi-bucket-tracker/internal/config"
	"github.com/oi-bucket-tracker/internal/metrics"
	"github.com/oi-bucket-tracker/internal/scanner"
	"github.com/oi-bucket-tracker/internal/signals"
	"github.com/oi-bucket-tracker/internal/state"
	"github.com/oi-bucket-tracker/internal/status"
	"github.com/oi-bucket-tracker/internal/store"
)

var b0 = time.Date(2025, 10, 20, 10, 30, 0, 0, bucket.Exchange)

type failingStore struct{}

func (failingStore) History(context.Context, string, time.Time, time.Time) ([]state.HistoricalRow, error) {
	return nil, errors.New("connection refused")
}

func (failingStore) TradeSetups(context.Context, string, int) ([]state.TradeSetup, error) {
	return nil, errors.New("connection refused")
}

type fixture struct {
	server  *Server
	handler http.Handler
	repo    *store.MemoryRepository
	status  *status.Tracker
	board   *signals.Board
	alerts  *alerts.Engine
	engine  *state.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	m := metrics.New()
	repo := store.NewMemoryRepository()
	engine := state.NewEngine(state.Significance{OIPct: 2, PricePct: 1})
	scan := scanner.NewScanner(engine, time.Minute)
	f := &fixture{
		repo:   repo,
		status: status.NewTracker(nil, "", zerolog.Nop()),
		board:  signals.NewBoard(),
		alerts: alerts.NewEngine(scan, alerts.Rules{}, zerolog.Nop()),
		engine: engine,
	}
	f.server = NewServer(config.APIConfig{CORSOrigins: []string{"http://localhost:3000"}}, Deps{
		State:   engine,
		Board:   f.board,
		Store:   store.NewGateway(repo, m, zerolog.Nop()),
		Status:  f.status,
		Alerts:  f.alerts,
		Scanner: scan,
		Metrics: m,
		Indices: []string{"NIFTY", "BANKNIFTY"},
	}, nil, zerolog.Nop())
	f.server.now = func() time.Time { return b0.Add(20 * time.Second) }
	f.handler = f.server.Handler()
	return f
}

func (f *fixture) get(t *testing.T, path string) (int, map[string]interface{}) {
	t.Helper()
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return rec.Code, body
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	code, body := f.get(t, "/api/v1/health")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "degraded", body["status"])

	require.NoError(t, f.status.Transition(status.PhaseLoggedIn))
	require.NoError(t, f.status.Transition(status.PhasePolling))
	f.status.RecordTick(time.Now(), true, nil)

	code, body = f.get(t, "/api/v1/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "POLLING", body["phase"])
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	f.status.RecordIndex("NIFTY", status.IndexStatus{LastBucket: b0, Fetched: 22, Stored: 4})

	code, body := f.get(t, "/api/v1/status")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "INIT", body["phase"])
	nifty := body["indices"].(map[string]interface{})["NIFTY"].(map[string]interface{})
	assert.Equal(t, 22.0, nifty["fetched"])
}

func TestHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, f.repo.UpsertRows(ctx, []state.HistoricalRow{{
			BucketTS:  b0.Add(time.Duration(i) * bucket.Width),
			IndexName: "NIFTY",
			Strike:    24000,
			Side:      state.Call,
			Symbol:    "NIFTY28OCT2524000CE",
			OI:        int64(1000 + i),
		}}))
	}

	from := b0.Add(bucket.Width).UTC().Format(time.RFC3339)
	to := b0.Add(2 * bucket.Width).UTC().Format(time.RFC3339)
	code, body := f.get(t, fmt.Sprintf("/api/v1/history/nifty?from=%s&to=%s", from, to))
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "NIFTY", body["index"])
	assert.Equal(t, 2.0, body["count"])

	// Defaults to the exchange day up to now
	code, body = f.get(t, "/api/v1/history/NIFTY")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1.0, body["count"])
}

func TestHistoryRejectsBadInput(t *testing.T) {
	f := newFixture(t)

	code, _ := f.get(t, "/api/v1/history/NIFTY?from=yesterday")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.get(t, "/api/v1/history/NIFTY?from=2025-10-20T10:00:00Z&to=2025-10-20T09:00:00Z")
	assert.Equal(t, http.StatusBadRequest, code)

	code, body := f.get(t, "/api/v1/history/NIFTY?from=2025-10-01T00:00:00Z&to=2025-10-20T00:00:00Z")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "range exceeds 7 days", body["error"])

	code, _ = f.get(t, "/api/v1/history/SENSEX")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestHistoryStoreFailure(t *testing.T) {
	f := newFixture(t)
	f.server.deps.Store = failingStore{}

	code, body := f.get(t, "/api/v1/history/NIFTY")
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "history query failed", body["error"])

	code, _ = f.get(t, "/api/v1/setups/NIFTY")
	assert.Equal(t, http.StatusInternalServerError, code)
}

func TestVerdict(t *testing.T) {
	f := newFixture(t)

	code, _ := f.get(t, "/api/v1/verdict/NIFTY")
	assert.Equal(t, http.StatusNotFound, code)

	f.board.Put(signals.Analysis{Index: "NIFTY", BucketTS: b0, Spot: 24010, Verdict: signals.Verdict{Direction: signals.Bullish}})

	code, body := f.get(t, "/api/v1/verdict/NIFTY")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Bullish", body["verdict"].(map[string]interface{})["direction"])

	code, body = f.get(t, "/api/v1/verdict")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1.0, body["count"])
}

func TestSetups(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, f.repo.UpsertTradeSetup(ctx, state.TradeSetup{IndexName: "NIFTY", BucketTS: b0.Add(time.Duration(i) * bucket.Width), Bias: "BULLISH"}))
	}

	code, body := f.get(t, "/api/v1/setups/NIFTY?limit=2")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 2.0, body["count"])
}

func TestChainAndActivity(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	f.engine.UpdateSpot("NIFTY", 24010, now)
	f.engine.UpdateSnapshots("NIFTY", []state.Snapshot{
		{Contract: state.Contract{Strike: 24000, Side: state.Call, Symbol: "C1"}, OI: 100, ObservedAt: now},
		{Contract: state.Contract{Strike: 24000, Side: state.Put, Symbol: "P1"}, OI: 300, ObservedAt: now},
		{Contract: state.Contract{Strike: 24050, Side: state.Call, Symbol: "C2"}, OI: 500, ObservedAt: now},
	})
	f.engine.Activity.Record("NIFTY", state.ActivityPoint{At: now, BucketTS: b0, Fetched: 3, Stored: 3})

	code, body := f.get(t, "/api/v1/chain/NIFTY")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 2.0, body["count"])
	first := body["strikes"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, 24000.0, first["strike"])

	_, body = f.get(t, "/api/v1/chain/NIFTY?sort=score")
	first = body["strikes"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, 24050.0, first["strike"])

	code, body = f.get(t, "/api/v1/activity/NIFTY")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1.0, body["count"])
}

func TestSignalsFilterAndLimit(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		f.server.addSignal(signals.Signal{Index: "NIFTY", Type: signals.SignalTypeVerdict, Value: float64(i)})
	}
	f.server.addSignal(signals.Signal{Index: "BANKNIFTY", Type: signals.SignalTypePCRTrend})

	_, body := f.get(t, "/api/v1/signals")
	assert.Equal(t, 6.0, body["count"])

	_, body = f.get(t, "/api/v1/signals?index=nifty&type=verdict&limit=2")
	require.Equal(t, 2.0, body["count"])
	last := body["signals"].([]interface{})[1].(map[string]interface{})
	assert.Equal(t, 4.0, last["value"])
}

func TestSignalBufferIsBounded(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < maxSignals+10; i++ {
		f.server.addSignal(signals.Signal{Index: "NIFTY", Value: float64(i)})
	}
	assert.Len(t, f.server.signals, maxSignals)
	assert.Equal(t, 10.0, f.server.signals[0].Value)
}

func TestAlerts(t *testing.T) {
	f := newFixture(t)
	f.alerts.Process(signals.Signal{Index: "NIFTY", Type: signals.SignalTypePCRExtreme, Value: 1.7, Message: "Extreme PCR 1.70"})
	f.alerts.Process(signals.Signal{Index: "BANKNIFTY", Type: signals.SignalTypePCRTrend, Value: 0.2})

	_, body := f.get(t, "/api/v1/alerts")
	assert.Equal(t, 2.0, body["count"])

	_, body = f.get(t, "/api/v1/alerts?index=NIFTY&type=pcr_extreme")
	require.Equal(t, 1.0, body["count"])
	a := body["alerts"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "Extreme PCR 1.70", a["title"])
}

func TestMetricsAndCORS(t *testing.T) {
	f := newFixture(t)

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestStreamSignals(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/stream/signals", nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	buf := make([]byte, 256)
	n, err := resp.Body.Read(buf)
	require.NoError(t, err)
	assert.Contains(t, string(buf[:n]), `"connected"`)

	f.server.addSignal(signals.Signal{Index: "NIFTY", Type: signals.SignalTypeVerdict, Message: "Bullish"})

	var got strings.Builder
	for !strings.Contains(got.String(), "Bullish") {
		n, err := resp.Body.Read(buf)
		got.Write(buf[:n])
		if err != nil {
			break
		}
	}
	assert.Contains(t, got.String(), `"index":"NIFTY"`)
}
