// Package insight turns an aggregated option-chain read into one trade idea
// using an OpenAI-compatible chat completion endpoint.
package insight

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrLowConfidence   = errors.New("insight confidence below threshold")
	ErrInvalidResponse = errors.New("invalid insight response")
)

// Leg is one contract row shown to the model.
type Leg struct {
	Strike      int     `json:"strike"`
	Side        string  `json:"side"`
	LTP         float64 `json:"ltp"`
	OI          int64   `json:"oi"`
	OIChange    int64   `json:"oi_change"`
	OIChangePct float64 `json:"oi_change_pct"`
	IV          float64 `json:"iv"`
	Delta       float64 `json:"delta"`
	Label       string  `json:"label"`
}

// MarketContext is the structured market read handed to the generator.
type MarketContext struct {
	Index            string    `json:"index"`
	BucketTS         time.Time `json:"bucket_ts"`
	Spot             float64   `json:"spot"`
	PCR              float64   `json:"pcr"`
	VolumePCR        float64   `json:"volume_pcr"`
	MaxPain          int       `json:"max_pain"`
	Support          []int     `json:"support"`
	Resistance       []int     `json:"resistance"`
	Direction        string    `json:"direction"`
	ConfidenceFactor float64   `json:"confidence_factor"`
	SupportShift     string    `json:"support_shift"`
	ResistanceShift  string    `json:"resistance_shift"`
	Findings         []string  `json:"findings"`
	Chain            []Leg     `json:"chain"`
}

// Insight is a validated trade idea.
type Insight struct {
	Bias        string          `json:"bias"`
	Strategy    string          `json:"strategy"`
	EntryStrike int             `json:"entry_strike"`
	EntryType   string          `json:"entry_type"`
	EntryPrice  decimal.Decimal `json:"entry_price"`
	StopLoss    decimal.Decimal `json:"stop_loss"`
	Target      decimal.Decimal `json:"target"`
	Confidence  int             `json:"confidence"`
	Rationale   string          `json:"rationale"`
	Model       string          `json:"model"`
	Raw         string          `json:"-"`
}

// Generator produces an insight or an error. ErrLowConfidence means every
// attempt returned a valid idea below the configured threshold.
type Generator interface {
	Generate(ctx context.Context, mc MarketContext) (*Insight, error)
}

type wireInsight struct {
	Bias        *string          `json:"bias"`
	Strategy    *string          `json:"strategy"`
	EntryStrike *json.Number     `json:"entry_strike"`
	EntryType   *string          `json:"entry_type"`
	EntryPrice  *decimal.Decimal `json:"entry_price"`
	StopLoss    *decimal.Decimal `json:"stop_loss"`
	Target      *decimal.Decimal `json:"target"`
	Confidence  *json.Number     `json:"confidence"`
	Rationale   *string          `json:"rationale"`
}

// Parse decodes and validates a model response. Markdown code fences around
// the JSON object are tolerated.
func Parse(content string) (*Insight, error) {
	body := extractJSON(content)
	var w wireInsight
	if err := json.Unmarshal([]byte(body), &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}

	var missing []string
	check := func(name string, present bool) {
		if !present {
			missing = append(missing, name)
		}
	}
	check("bias", w.Bias != nil)
	check("strategy", w.Strategy != nil)
	check("entry_strike", w.EntryStrike != nil)
	check("entry_type", w.EntryType != nil)
	check("entry_price", w.EntryPrice != nil)
	check("stop_loss", w.StopLoss != nil)
	check("target", w.Target != nil)
	check("confidence", w.Confidence != nil)
	check("rationale", w.Rationale != nil)
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing %s", ErrInvalidResponse, strings.Join(missing, ", "))
	}

	conf, err := w.Confidence.Float64()
	if err != nil || conf < 0 || conf > 100 {
		return nil, fmt.Errorf("%w: confidence %q out of range", ErrInvalidResponse, w.Confidence.String())
	}
	strike, err := w.EntryStrike.Float64()
	if err != nil || strike <= 0 {
		return nil, fmt.Errorf("%w: entry strike %q", ErrInvalidResponse, w.EntryStrike.String())
	}

	entryType := strings.ToUpper(strings.TrimSpace(*w.EntryType))
	if entryType != "CE" && entryType != "PE" {
		return nil, fmt.Errorf("%w: entry type %q", ErrInvalidResponse, *w.EntryType)
	}
	bias := strings.ToUpper(strings.TrimSpace(*w.Bias))
	switch bias {
	case "BULLISH", "BEARISH", "NEUTRAL":
	default:
		return nil, fmt.Errorf("%w: bias %q", ErrInvalidResponse, *w.Bias)
	}

	return &Insight{
		Bias:        bias,
		Strategy:    *w.Strategy,
		EntryStrike: int(strike),
		EntryType:   entryType,
		EntryPrice:  *w.EntryPrice,
		StopLoss:    *w.StopLoss,
		Target:      *w.Target,
		Confidence:  int(conf),
		Rationale:   *w.Rationale,
		Raw:         content,
	}, nil
}

func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return s
	}
	return s[start : end+1]
}
