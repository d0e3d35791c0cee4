// Package app provides the top-level application lifecycle for the arbitrage
// engine. It wires the optional infrastructure (stores, Redis, blob storage,
// messaging and notifications) and starts the engine in the configured mode.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/pairarb/internal/config"
)

// App runs one engine process: it owns the validated configuration and the
// cleanup of whatever infrastructure Wire connected.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
	endsAt  map[string]time.Time // market resolution times found by verifyMarkets
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run wires the enabled backends and runs the configured mode until ctx is
// cancelled and open positions have drained. Call Close afterwards.
func (a *App) Run(ctx context.Context) error {
	run, ok := map[string]func(context.Context, *Dependencies) error{
		"trade":   a.TradeMode,
		"paper":   a.PaperMode,
		"monitor": a.MonitorMode,
	}[strings.ToLower(a.cfg.Mode)]
	if !ok {
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}

	a.logger.InfoContext(ctx, "starting application",
		slog.String("mode", a.cfg.Mode),
		slog.String("log_level", a.cfg.LogLevel),
		slog.Int("markets", len(a.cfg.Markets)),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	return run(ctx, deps)
}

// Close releases infrastructure in reverse order of acquisition. Calling it
// again is a no-op.
func (a *App) Close() {
	if len(a.closers) == 0 {
		return
	}
	a.logger.Info("releasing infrastructure", slog.Int("closers", len(a.closers)))
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
