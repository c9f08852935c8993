// Package app owns the application lifecycle: it wires the
// infrastructure, assembles the detection and execution pipeline for
// the configured mode, and runs everything under one errgroup until
// the context ends.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/neutralmarkets/spreadbot/internal/config"
)

// App is the root application object. It owns the configuration, the
// logger, and a list of cleanup functions run in reverse order on
// shutdown.
type App struct {
	cfg       *config.Config
	logger    *slog.Logger
	startedAt time.Time
	closers   []func()
}

// New creates an App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "app")),
		startedAt: time.Now(),
	}
}

// Run wires dependencies, starts the configured mode, and blocks until
// the context is cancelled or a fatal component error surfaces.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting",
		slog.String("mode", a.cfg.Mode),
		slog.Bool("live_trading", a.cfg.Executor.EnableLiveTrading),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	switch strings.ToLower(a.cfg.Mode) {
	case "watch":
		return a.runWatch(ctx, deps)
	case "trade":
		return a.runTrade(ctx, deps)
	case "server":
		return a.runServer(ctx, deps)
	case "all":
		return a.runAll(ctx, deps)
	default:
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
}

// Close tears down all resources in reverse registration order. Safe
// to call more than once.
func (a *App) Close() {
	a.logger.Info("shutting down")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
