package state

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Side string

const (
	Call Side = "CE"
	Put  Side = "PE"
)

func ParseSide(s string) (Side, error) {
	switch s {
	case "CE", "ce", "CALL", "call":
		return Call, nil
	case "PE", "pe", "PUT", "put":
		return Put, nil
	default:
		return "", fmt.Errorf("unknown option side %q", s)
	}
}

// Contract is one resolved option instrument.
type Contract struct {
	Index    string    `json:"index"`
	Expiry   time.Time `json:"expiry"`
	Strike   int       `json:"strike"`
	Side     Side      `json:"side"`
	Symbol   string    `json:"symbol"`
	Token    string    `json:"token"`
	Exchange string    `json:"exchange"`
	LotSize  int       `json:"lot_size"`
}

type Greeks struct {
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Theta float64 `json:"theta"`
	Vega  float64 `json:"vega"`
	IV    float64 `json:"iv"`
}

// Snapshot is the observed state of one contract at one instant.
type Snapshot struct {
	Contract      Contract  `json:"contract"`
	LTP           float64   `json:"ltp"`
	OI            int64     `json:"oi"`
	Volume        int64     `json:"volume"`
	NetChange     float64   `json:"net_change"`
	PercentChange float64   `json:"percent_change"`
	Greeks        Greeks    `json:"greeks"`
	ObservedAt    time.Time `json:"observed_at"`
}

func (s Snapshot) Key() string {
	return s.Contract.Symbol
}

// Candle is one OHLCV bar of the underlying index.
type Candle struct {
	Start  time.Time `json:"start"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume int64     `json:"volume"`
}

// FlatCandle is used when no bar is available and only a price is known.
func FlatCandle(start time.Time, price float64) Candle {
	return Candle{Start: start, Open: price, High: price, Low: price, Close: price}
}

// HistoricalRow is the persisted unit, unique on (BucketTS, Symbol).
type HistoricalRow struct {
	BucketTS       time.Time `db:"bucket_ts" json:"bucket_ts"`
	IndexName      string    `db:"index_name" json:"index_name"`
	Expiry         time.Time `db:"expiry" json:"expiry"`
	Strike         int       `db:"strike" json:"strike"`
	Side           Side      `db:"side" json:"side"`
	Symbol         string    `db:"symbol" json:"symbol"`
	Token          string    `db:"token" json:"token"`
	OI             int64     `db:"oi" json:"oi"`
	OIChange       int64     `db:"oi_change" json:"oi_change"`
	OIChangePct    float64   `db:"oi_change_pct" json:"oi_change_pct"`
	LTP            float64   `db:"ltp" json:"ltp"`
	PriceChange    float64   `db:"price_change" json:"price_change"`
	PriceChangePct float64   `db:"price_change_pct" json:"price_change_pct"`
	Volume         int64     `db:"volume" json:"volume"`
	VolumeChange   int64     `db:"volume_change" json:"volume_change"`
	PCR            float64   `db:"pcr" json:"pcr"`
	Label          string    `db:"oi_label" json:"oi_label"`
	Impact         float64   `db:"impact" json:"impact"`
	Confidence     float64   `db:"confidence" json:"confidence"`
	StrikeRank     int       `db:"strike_rank" json:"strike_rank"`
	IndexOpen      float64   `db:"index_open" json:"index_open"`
	IndexHigh      float64   `db:"index_high" json:"index_high"`
	IndexLow       float64   `db:"index_low" json:"index_low"`
	IndexClose     float64   `db:"index_close" json:"index_close"`
	IndexVolume    int64     `db:"index_volume" json:"index_volume"`
	Delta          float64   `db:"delta" json:"delta"`
	Gamma          float64   `db:"gamma" json:"gamma"`
	Theta          float64   `db:"theta" json:"theta"`
	Vega           float64   `db:"vega" json:"vega"`
	IV             float64   `db:"iv" json:"iv"`
	Synthetic      bool      `db:"backfill_is_synthetic" json:"backfill_is_synthetic"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// TradeSetup is one generated directional idea, unique on (BucketTS, IndexName).
type TradeSetup struct {
	ID          uuid.UUID       `db:"id" json:"id"`
	BucketTS    time.Time       `db:"bucket_ts" json:"bucket_ts"`
	IndexName   string          `db:"index_name" json:"index_name"`
	Bias        string          `db:"bias" json:"bias"`
	Strategy    string          `db:"strategy" json:"strategy"`
	EntryStrike int             `db:"entry_strike" json:"entry_strike"`
	EntryType   Side            `db:"entry_type" json:"entry_type"`
	EntryPrice  decimal.Decimal `db:"entry_price" json:"entry_price"`
	StopLoss    decimal.Decimal `db:"stop_loss" json:"stop_loss"`
	Target      decimal.Decimal `db:"target" json:"target"`
	Confidence  int             `db:"confidence" json:"confidence"`
	Rationale   string          `db:"rationale" json:"rationale"`
	Model       string          `db:"model" json:"model"`
	RawResponse string          `db:"raw_response" json:"raw_response"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
}

// RiskReward is reward over risk measured from the entry price.
func (t TradeSetup) RiskReward() decimal.Decimal {
	risk := t.EntryPrice.Sub(t.StopLoss).Abs()
	if risk.IsZero() {
		return decimal.Zero
	}
	return t.Target.Sub(t.EntryPrice).Abs().Div(risk).Round(2)
}
