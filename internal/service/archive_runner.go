package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/neutralmarkets/spreadbot/internal/domain"
)

// ArchiveRunner sweeps settled history to cold storage on an interval.
// Each run exports and deletes everything older than the retention
// window; a failed run leaves the rows in place for the next one.
type ArchiveRunner struct {
	archiver  domain.Archiver
	interval  time.Duration
	retention time.Duration
	logger    *slog.Logger
}

const (
	defaultArchiveInterval  = time.Hour
	defaultArchiveRetention = 30 * 24 * time.Hour
)

// NewArchiveRunner creates a runner. Interval is how often to sweep,
// retention how much history stays hot in Postgres.
func NewArchiveRunner(archiver domain.Archiver, interval, retention time.Duration, logger *slog.Logger) *ArchiveRunner {
	if interval <= 0 {
		interval = defaultArchiveInterval
	}
	if retention <= 0 {
		retention = defaultArchiveRetention
	}
	return &ArchiveRunner{
		archiver:  archiver,
		interval:  interval,
		retention: retention,
		logger:    logger.With(slog.String("component", "archive_runner")),
	}
}

// RunOnce performs one sweep with the cutoff at now minus retention.
func (a *ArchiveRunner) RunOnce(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-a.retention)

	trades, err := a.archiver.ArchiveTradeLog(ctx, cutoff)
	if err != nil {
		return err
	}
	arbs, err := a.archiver.ArchiveArbs(ctx, cutoff)
	if err != nil {
		return err
	}

	if trades > 0 || arbs > 0 {
		a.logger.InfoContext(ctx, "archive sweep complete",
			slog.Int64("trades", trades),
			slog.Int64("arbs", arbs),
			slog.Time("cutoff", cutoff),
		)
	}
	return nil
}

// Run sweeps on the configured interval until the context ends.
// Failures are logged and retried next tick; nothing downstream waits
// on the archive.
func (a *ArchiveRunner) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := a.RunOnce(ctx); err != nil {
				a.logger.WarnContext(ctx, "archive sweep failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
