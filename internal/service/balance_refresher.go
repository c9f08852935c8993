package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/neutralmarkets/spreadbot/internal/domain"
	"github.com/neutralmarkets/spreadbot/internal/risk"
)

// VenueBalanceSource reports a venue's free capital from an
// authoritative source: the Kalshi balance endpoint, or on-chain USDC
// balanceOf for Polymarket.
type VenueBalanceSource interface {
	AvailableBalance(ctx context.Context) (domain.Micros, error)
}

// BalanceFunc adapts a plain function to a VenueBalanceSource.
type BalanceFunc func(ctx context.Context) (domain.Micros, error)

// AvailableBalance calls f.
func (f BalanceFunc) AvailableBalance(ctx context.Context) (domain.Micros, error) {
	return f(ctx)
}

// BalanceRefresher reconciles the risk ledger against venue-reported
// balances on an interval, so sizing always works from real capital.
// Each refresh is also mirrored to the balance cache for the control
// plane, which must report capital without holding venue credentials.
type BalanceRefresher struct {
	ledger   *risk.Ledger
	cache    domain.BalanceCache // optional
	interval time.Duration
	logger   *slog.Logger

	sources map[domain.Venue]VenueBalanceSource
}

const defaultBalanceRefresh = 30 * time.Second

// NewBalanceRefresher creates a refresher. Sources are attached with
// AddSource before Run.
func NewBalanceRefresher(ledger *risk.Ledger, interval time.Duration, logger *slog.Logger) *BalanceRefresher {
	if interval <= 0 {
		interval = defaultBalanceRefresh
	}
	return &BalanceRefresher{
		ledger:   ledger,
		interval: interval,
		logger:   logger.With(slog.String("component", "balance_refresher")),
		sources:  make(map[domain.Venue]VenueBalanceSource),
	}
}

// AddSource attaches the balance source for one venue. Must be called
// before Run.
func (b *BalanceRefresher) AddSource(venue domain.Venue, src VenueBalanceSource) {
	b.sources[venue] = src
}

// SetCache attaches the control-plane balance mirror.
func (b *BalanceRefresher) SetCache(cache domain.BalanceCache) {
	b.cache = cache
}

// RefreshOnce polls every venue once. All venues are attempted; the
// returned error joins the failures. At startup a failure here is
// treated as fatal by the caller, since trading without a balance
// means sizing against zero.
func (b *BalanceRefresher) RefreshOnce(ctx context.Context) error {
	var errs []error
	for venue, src := range b.sources {
		free, err := src.AvailableBalance(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("balance: %s: %w", venue, err))
			continue
		}
		b.ledger.SetBalance(venue, free)
		b.logger.DebugContext(ctx, "balance refreshed",
			slog.String("venue", string(venue)),
			slog.String("free", free.String()),
		)
		if b.cache != nil {
			if err := b.cache.SetBalance(ctx, venue, free, time.Now()); err != nil {
				b.logger.WarnContext(ctx, "balance cache write failed",
					slog.String("venue", string(venue)),
					slog.String("error", err.Error()),
				)
			}
		}
	}
	return errors.Join(errs...)
}

// Run refreshes on the configured interval until the context ends.
// Mid-session failures are logged and retried next tick; the ledger
// keeps its last known figures.
func (b *BalanceRefresher) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := b.RefreshOnce(ctx); err != nil {
				b.logger.WarnContext(ctx, "balance refresh failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
