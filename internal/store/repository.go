// Package store persists bucketed option rows and trade setups.
//
// Rows are keyed by (bucket, symbol) and trade setups by (bucket, index).
// Writes are always insert-or-update on the natural key so that a row written
// twice for the same bucket holds the values of the second write.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/oi-bucket-tracker/internal/state"
)

var ErrDisabled = errors.New("store disabled")

// Repository is the row-store capability behind the Gateway.
type Repository interface {
	UpsertRows(ctx context.Context, rows []state.HistoricalRow) error
	// ExistingBuckets returns the distinct bucket timestamps stored for index
	// within [from, to], ascending.
	ExistingBuckets(ctx context.Context, index string, from, to time.Time) ([]time.Time, error)
	RowsBetween(ctx context.Context, index string, from, to time.Time) ([]state.HistoricalRow, error)
	// PreviousRows returns the rows of the latest bucket strictly before b.
	PreviousRows(ctx context.Context, index string, b time.Time) ([]state.HistoricalRow, error)
	UpsertTradeSetup(ctx context.Context, s state.TradeSetup) error
	TradeSetups(ctx context.Context, index string, limit int) ([]state.TradeSetup, error)
	Close() error
}
