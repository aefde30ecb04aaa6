// Package instruments resolves logical option contracts to exchange symbols
// and tokens using an immutable snapshot of the broker's instrument master.
package instruments

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/oi-bucket-tracker/internal/state"
)

// Instrument is one row of the instrument master.
type Instrument struct {
	Token          string    `json:"token"`
	Symbol         string    `json:"symbol"`
	Name           string    `json:"name"`
	Expiry         time.Time `json:"expiry"`
	Strike         float64   `json:"strike"`
	LotSize        int       `json:"lot_size"`
	InstrumentType string    `json:"instrument_type"`
	Exchange       string    `json:"exchange"`
}

var ErrNotFound = errors.New("instrument not found")

// NotFoundError means no instrument matches the synthesized symbol. Callers
// skip the strike rather than failing.
type NotFoundError struct {
	Symbol string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("instrument %s not found in catalog", e.Symbol)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// Catalog is an immutable snapshot of the option instruments of interest.
type Catalog struct {
	bySymbol map[string]Instrument
	expiries map[string][]time.Time // index -> ascending distinct expiries
	LoadedAt time.Time
}

func NewCatalog(rows []Instrument, loadedAt time.Time) *Catalog {
	c := &Catalog{
		bySymbol: make(map[string]Instrument, len(rows)),
		expiries: make(map[string][]time.Time),
		LoadedAt: loadedAt,
	}

	seen := make(map[string]map[int64]bool)
	for _, r := range rows {
		c.bySymbol[r.Symbol] = r
		if r.Expiry.IsZero() {
			continue
		}
		if seen[r.Name] == nil {
			seen[r.Name] = make(map[int64]bool)
		}
		day := dayOf(r.Expiry)
		if !seen[r.Name][day.Unix()] {
			seen[r.Name][day.Unix()] = true
			c.expiries[r.Name] = append(c.expiries[r.Name], day)
		}
	}
	for name := range c.expiries {
		ex := c.expiries[name]
		sort.Slice(ex, func(i, j int) bool { return ex[i].Before(ex[j]) })
	}
	return c
}

func (c *Catalog) Len() int { return len(c.bySymbol) }

func (c *Catalog) Lookup(symbol string) (Instrument, bool) {
	in, ok := c.bySymbol[symbol]
	return in, ok
}

func (c *Catalog) Expiries(index string) []time.Time {
	return append([]time.Time(nil), c.expiries[index]...)
}

// Rows returns every instrument in the snapshot, ordered by symbol.
func (c *Catalog) Rows() []Instrument {
	out := make([]Instrument, 0, len(c.bySymbol))
	for _, in := range c.bySymbol {
		out = append(out, in)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Symbol builds the exchange trading symbol, e.g. NIFTY28OCT2524000CE.
func Symbol(index string, expiry time.Time, strike int, side state.Side) string {
	return fmt.Sprintf("%s%s%d%s", index, strings.ToUpper(expiry.Format("02Jan06")), strike, side)
}

func dayOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
