package ingestion

import (
	"context"
	"errors"
	"time"

	"github.com/oi-bucket-tracker/internal/instruments"
	"github.com/oi-bucket-tracker/internal/state"
)

var (
	// ErrAuth means the broker rejected the credentials or the session token.
	ErrAuth = errors.New("broker authentication failed")
	// ErrNoData is returned by best-effort reads that came back empty.
	ErrNoData = errors.New("no data returned")
)

// Quote is one instrument in a batched quote response.
type Quote struct {
	Token         string
	Symbol        string
	LTP           float64
	OI            int64
	Volume        int64
	NetChange     float64
	PercentChange float64
}

// OptionGreek is the broker's greeks row for one strike and side.
type OptionGreek struct {
	Strike int
	Side   state.Side
	state.Greeks
}

// Session is the market-data capability the tracker consumes.
type Session interface {
	Login(ctx context.Context) error
	Logout(ctx context.Context) error
	// BatchQuote returns quotes keyed by token. Tokens missing from the
	// response are absent from the map.
	BatchQuote(ctx context.Context, exchange string, tokens []string) (map[string]Quote, error)
	Candles(ctx context.Context, exchange, token string, from, to time.Time) ([]state.Candle, error)
	IndexLTP(ctx context.Context, exchange, name, token string) (float64, error)
	OptionGreeks(ctx context.Context, name string, expiry time.Time) ([]OptionGreek, error)
	InstrumentCatalog(ctx context.Context) ([]instruments.Instrument, error)
}
