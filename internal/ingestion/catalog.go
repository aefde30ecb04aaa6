package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/oi-bucket-tracker/internal/bucket"
	"github.com/oi-bucket-tracker/internal/instruments"
)

type scripRow struct {
	Token          string `json:"token"`
	Symbol         string `json:"symbol"`
	Name           string `json:"name"`
	Expiry         string `json:"expiry"`
	Strike         string `json:"strike"`
	LotSize        string `json:"lotsize"`
	InstrumentType string `json:"instrumenttype"`
	Exchange       string `json:"exch_seg"`
}

// InstrumentCatalog downloads the instrument master and keeps index option
// rows. The master is large, so rows are decoded one at a time.
func (c *RESTClient) InstrumentCatalog(ctx context.Context) ([]instruments.Instrument, error) {
	if c.catalogURL == "" {
		return nil, fmt.Errorf("catalog url is not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.catalogURL, nil)
	if err != nil {
		return nil, err
	}

	// The master can take longer than a quote; the caller's context bounds it.
	client := &http.Client{Transport: c.client.Transport}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download instrument master: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("instrument master status %d, body: %s", resp.StatusCode, string(b))
	}

	rows, err := decodeCatalog(resp.Body)
	if err != nil {
		return nil, err
	}
	c.logger.Info().Int("instruments", len(rows)).Msg("Instrument master downloaded")
	return rows, nil
}

func decodeCatalog(r io.Reader) ([]instruments.Instrument, error) {
	dec := json.NewDecoder(r)
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("invalid instrument master: %w", err)
	}

	var out []instruments.Instrument
	for dec.More() {
		var row scripRow
		if err := dec.Decode(&row); err != nil {
			return nil, fmt.Errorf("invalid instrument master row: %w", err)
		}
		if row.InstrumentType != "OPTIDX" {
			continue
		}
		in, err := row.instrument()
		if err != nil {
			continue
		}
		out = append(out, in)
	}
	return out, nil
}

// instrument converts a master row. Strikes are published in paise.
func (r scripRow) instrument() (instruments.Instrument, error) {
	expiry, err := time.ParseInLocation("02Jan2006", r.Expiry, bucket.Exchange)
	if err != nil {
		return instruments.Instrument{}, fmt.Errorf("invalid expiry %q: %w", r.Expiry, err)
	}
	strike, err := strconv.ParseFloat(strings.TrimSpace(r.Strike), 64)
	if err != nil {
		return instruments.Instrument{}, fmt.Errorf("invalid strike %q: %w", r.Strike, err)
	}
	lot, _ := strconv.Atoi(strings.TrimSpace(r.LotSize))

	return instruments.Instrument{
		Token:          r.Token,
		Symbol:         r.Symbol,
		Name:           r.Name,
		Expiry:         expiry,
		Strike:         strike / 100,
		LotSize:        lot,
		InstrumentType: r.InstrumentType,
		Exchange:       r.Exchange,
	}, nil
}
