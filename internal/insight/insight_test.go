package insight

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validBody = `{"bias":"bullish","strategy":"Buy ATM call on support hold","entry_strike":24000,"entry_type":"ce","entry_price":108.5,"stop_loss":92,"target":135,"confidence":87,"rationale":"Put writing at 23900"}`

func TestParse(t *testing.T) {
	in, err := Parse("```json\n" + validBody + "\n```")
	require.NoError(t, err)
	assert.Equal(t, "BULLISH", in.Bias)
	assert.Equal(t, "CE", in.EntryType)
	assert.Equal(t, 24000, in.EntryStrike)
	assert.Equal(t, 87, in.Confidence)
	assert.Equal(t, "108.5", in.EntryPrice.String())
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", "no idea today"},
		{"missing target", strings.Replace(validBody, `"target":135,`, "", 1)},
		{"confidence above 100", strings.Replace(validBody, `"confidence":87`, `"confidence":120`, 1)},
		{"bad entry type", strings.Replace(validBody, `"entry_type":"ce"`, `"entry_type":"FUT"`, 1)},
		{"bad bias", strings.Replace(validBody, `"bias":"bullish"`, `"bias":"sideways"`, 1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.body)
			assert.ErrorIs(t, err, ErrInvalidResponse)
		})
	}
}

func TestParseAcceptsQuotedNumbers(t *testing.T) {
	body := strings.Replace(validBody, `"confidence":87`, `"confidence":"75"`, 1)
	in, err := Parse(body)
	require.NoError(t, err)
	assert.Equal(t, 75, in.Confidence)
}

func TestBuildPrompt(t *testing.T) {
	p := buildPrompt(MarketContext{
		Index:      "NIFTY",
		BucketTS:   time.Date(2025, 10, 20, 10, 3, 0, 0, time.UTC),
		Spot:       24012.5,
		Support:    []int{23900, 23800},
		Resistance: nil,
		Chain:      []Leg{{Strike: 24000, Side: "CE", LTP: 110, OI: 5000}},
	}, 70)

	assert.Contains(t, p, "NIFTY")
	assert.Contains(t, p, "Support: 23900, 23800")
	assert.Contains(t, p, "Resistance: n/a")
	assert.Contains(t, p, "24000 CE: LTP=110.00")
	assert.Contains(t, p, "confidence above 70")
}

func completion(content string) []byte {
	b, _ := json.Marshal(map[string]interface{}{
		"id":      "cmpl-1",
		"object":  "chat.completion",
		"created": 1,
		"model":   "m",
		"choices": []map[string]interface{}{{
			"index":         0,
			"finish_reason": "stop",
			"message":       map[string]interface{}{"role": "assistant", "content": content},
		}},
	})
	return b
}

type modelServer struct {
	mu      sync.Mutex
	models  []string
	replies map[string]string
}

func (m *modelServer) handler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Model string `json:"model"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	m.mu.Lock()
	m.models = append(m.models, req.Model)
	reply, ok := m.replies[req.Model]
	m.mu.Unlock()

	if !ok {
		http.Error(w, `{"error":{"message":"model unavailable"}}`, http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(completion(reply))
}

func newGenerator(t *testing.T, ms *modelServer, models ...string) *OpenAIGenerator {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(ms.handler))
	t.Cleanup(srv.Close)

	g, err := NewOpenAIGenerator("key", srv.URL+"/", models, 70, 5*time.Second, zerolog.Nop())
	require.NoError(t, err)
	return g
}

func TestGenerateFirstModelAccepted(t *testing.T) {
	ms := &modelServer{replies: map[string]string{"a": validBody}}
	g := newGenerator(t, ms, "a", "b")

	in, err := g.Generate(context.Background(), MarketContext{Index: "NIFTY"})
	require.NoError(t, err)
	assert.Equal(t, "a", in.Model)
	assert.Equal(t, []string{"a"}, ms.models)
}

func TestGenerateRotatesOnLowConfidenceAndFailure(t *testing.T) {
	low := strings.Replace(validBody, `"confidence":87`, `"confidence":55`, 1)
	ms := &modelServer{replies: map[string]string{"a": low, "c": validBody}}
	g := newGenerator(t, ms, "a", "b", "c")

	in, err := g.Generate(context.Background(), MarketContext{Index: "NIFTY"})
	require.NoError(t, err)
	assert.Equal(t, "c", in.Model)
	assert.Equal(t, []string{"a", "b", "c"}, ms.models)
}

func TestGenerateAllLow(t *testing.T) {
	low := strings.Replace(validBody, `"confidence":87`, `"confidence":55`, 1)
	ms := &modelServer{replies: map[string]string{"a": low}}
	g := newGenerator(t, ms, "a")

	in, err := g.Generate(context.Background(), MarketContext{Index: "NIFTY"})
	assert.True(t, errors.Is(err, ErrLowConfidence))
	require.NotNil(t, in)
	assert.Equal(t, 55, in.Confidence)
}

func TestNewOpenAIGeneratorValidates(t *testing.T) {
	_, err := NewOpenAIGenerator("", "", []string{"a"}, 70, time.Second, zerolog.Nop())
	assert.Error(t, err)
	_, err = NewOpenAIGenerator("k", "", nil, 70, time.Second, zerolog.Nop())
	assert.Error(t, err)
}

func TestNewOpenAIGeneratorDefaultsTimeout(t *testing.T) {
	ms := &modelServer{replies: map[string]string{"a": validBody}}
	srv := httptest.NewServer(http.HandlerFunc(ms.handler))
	t.Cleanup(srv.Close)

	g, err := NewOpenAIGenerator("key", srv.URL+"/", []string{"a"}, 70, 0, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, defaultTimeout, g.timeout)

	in, err := g.Generate(context.Background(), MarketContext{Index: "NIFTY"})
	require.NoError(t, err)
	assert.Equal(t, "a", in.Model)
}
