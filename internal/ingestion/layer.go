package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/oi-bucket-tracker/internal/config"
	"github.com/oi-bucket-tracker/internal/instruments"
)

// Layer owns the broker session, the optional tick stream and the
// instrument catalog refresh.
type Layer struct {
	Client   *RESTClient
	Resolver *instruments.Resolver
	Fetcher  *Fetcher

	stream        *TickStream
	refreshPeriod time.Duration
	logger        zerolog.Logger
}

func NewLayer(client *RESTClient, resolver *instruments.Resolver, fetcher *Fetcher, stream *TickStream, polling config.PollingConfig, logger zerolog.Logger) *Layer {
	period := time.Duration(polling.CatalogRefreshMins) * time.Minute
	if period <= 0 {
		period = 6 * time.Hour
	}
	return &Layer{
		Client:        client,
		Resolver:      resolver,
		Fetcher:       fetcher,
		stream:        stream,
		refreshPeriod: period,
		logger:        logger.With().Str("component", "ingestion").Logger(),
	}
}

// SpotTokens lists the spot tokens the tick stream subscribes to.
func SpotTokens(indices []config.IndexConfig) []string {
	out := make([]string, 0, len(indices))
	for _, ix := range indices {
		out = append(out, ix.SpotToken)
	}
	return out
}

// Start logs in and loads the catalog. Any failure here is fatal.
func (l *Layer) Start(ctx context.Context) error {
	if err := l.Client.Login(ctx); err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	if err := l.Resolver.Refresh(ctx); err != nil {
		return fmt.Errorf("instrument catalog unavailable: %w", err)
	}
	return nil
}

// Run keeps the tick stream and the catalog refresh going until ctx ends.
func (l *Layer) Run(ctx context.Context) error {
	if l.stream != nil {
		go func() {
			if err := l.stream.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				l.logger.Error().Err(err).Msg("Tick stream stopped")
			}
		}()
	}

	ticker := time.NewTicker(l.refreshPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			l.refresh(ctx)
		}
	}
}

func (l *Layer) refresh(ctx context.Context) {
	refreshCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	if err := l.Resolver.Refresh(refreshCtx); err != nil {
		l.logger.Warn().Err(err).Msg("Catalog refresh failed, keeping previous snapshot")
	}
}

// Stop ends the broker session.
func (l *Layer) Stop(ctx context.Context) {
	if err := l.Client.Logout(ctx); err != nil {
		l.logger.Warn().Err(err).Msg("Logout failed")
	}
}
