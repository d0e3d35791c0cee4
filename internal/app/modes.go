package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/pairarb/internal/arbitrage"
	"github.com/alanyoungcy/pairarb/internal/domain"
	"github.com/alanyoungcy/pairarb/internal/executor"
	"github.com/alanyoungcy/pairarb/internal/feed"
	"github.com/alanyoungcy/pairarb/internal/orderbook"
	"github.com/alanyoungcy/pairarb/internal/platform/polymarket"
	"github.com/alanyoungcy/pairarb/internal/risk"
	"github.com/alanyoungcy/pairarb/internal/server"
	"github.com/alanyoungcy/pairarb/internal/server/handler"
	"github.com/alanyoungcy/pairarb/internal/server/ws"
	"github.com/alanyoungcy/pairarb/internal/service"
	"github.com/alanyoungcy/pairarb/internal/strategy"
)

// execution selects how, if at all, orders leave the process.
type execution int

const (
	executeNone execution = iota
	executePaper
	executeLive
)

// runner is one long-lived goroutine of the engine.
type runner struct {
	name string
	run  func(ctx context.Context) error
}

// engine is the assembled decision pipeline for one run.
type engine struct {
	runners []runner
	loop    *strategy.Loop
}

// TradeMode trades with real orders on the exchange.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting trade mode", slog.String("account", a.cfg.Account.ChecksumAddress()))
	return a.runEngine(ctx, deps, executeLive)
}

// PaperMode trades against simulated fills on the live book.
func (a *App) PaperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting paper mode")
	return a.runEngine(ctx, deps, executePaper)
}

// MonitorMode detects and reports opportunities without executing.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")
	return a.runEngine(ctx, deps, executeNone)
}

// runEngine starts every component and blocks until ctx is cancelled. On
// cancellation new submissions stop at once while feed, marks and fills keep
// running until positions are flat or the shutdown grace expires.
func (a *App) runEngine(ctx context.Context, deps *Dependencies, mode execution) error {
	if a.cfg.Polymarket.VerifyMarkets {
		gamma := polymarket.NewGammaClient(a.cfg.Polymarket.GammaHost, a.cfg.Polymarket.RequestTimeout.Duration)
		if err := a.verifyMarkets(ctx, gamma); err != nil {
			return err
		}
	}

	eng, err := a.buildEngine(deps, mode)
	if err != nil {
		return err
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	g, gctx := errgroup.WithContext(runCtx)

	for _, r := range eng.runners {
		r := r
		g.Go(func() error {
			err := r.run(gctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("component stopped", slog.String("component", r.name), slog.String("error", err.Error()))
				return fmt.Errorf("%s: %w", r.name, err)
			}
			return err
		})
	}

	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-ctx.Done():
		}
		a.logger.Info("shutdown requested, draining")
		if err := eng.loop.Drain(gctx); err != nil {
			a.logger.Warn("drain incomplete", slog.String("error", err.Error()))
		}
		cancelRun()
		return nil
	})

	err = g.Wait()
	if ctx.Err() != nil && (err == nil || errors.Is(err, context.Canceled)) {
		return context.Canceled
	}
	return err
}

// buildEngine wires the decision pipeline on top of deps.
func (a *App) buildEngine(deps *Dependencies, mode execution) (*engine, error) {
	cfg := a.cfg
	logger := a.logger
	markets := cfg.LinkedMarkets()

	books := orderbook.NewStore()
	var assetIDs []string
	for _, m := range markets {
		for _, leg := range m.Legs {
			books.Register(leg)
			assetIDs = append(assetIDs, leg.ID)
		}
	}

	var auth *polymarket.HMACAuth
	if mode == executeLive {
		auth = &polymarket.HMACAuth{
			Key:        cfg.Account.APIKey,
			Secret:     cfg.Account.APISecret,
			Passphrase: cfg.Account.APIPassphrase,
		}
	}
	clob := polymarket.NewClobClient(cfg.Polymarket.ClobHost, cfg.Account.ChecksumAddress(), auth, cfg.Polymarket.RequestTimeout.Duration)

	// Feed path: transport -> synchronizer -> store.
	transport := feed.NewPolymarketTransport(feed.TransportConfig{
		WSURL:            cfg.Polymarket.WsHost,
		HandshakeTimeout: cfg.Polymarket.RequestTimeout.Duration,
		ReconnectBackoff: cfg.Feed.ReconnectBackoff.Duration,
		ReconnectMax:     cfg.Feed.ReconnectMax.Duration,
	}, assetIDs, logger)
	syncer := feed.NewSynchronizer(books, clob, feed.SyncConfig{
		ResyncBackoff:    cfg.Feed.ResyncBackoff.Duration,
		ResyncMaxBackoff: cfg.Feed.ResyncMax.Duration,
	}, assetIDs, logger)

	rec := deps.Recorder
	eng := &engine{}
	eng.add("recorder", rec.Run)
	eng.add("feed_transport", transport.Run)
	eng.add("synchronizer", func(ctx context.Context) error { return syncer.Run(ctx, transport.Events()) })

	if deps.BookMirror != nil {
		mirror := feed.NewMirror(deps.BookMirror, logger)
		syncer.WithMirror(mirror)
		eng.add("book_mirror", mirror.Run)
	}

	detector := arbitrage.NewDetector(arbitrage.DetectorConfig{
		MinEdge:   cfg.Strategy.MinEdge,
		OrderSize: cfg.Strategy.OrderSize,
		MinSize:   cfg.Strategy.MinSize,
		FeeBps:    cfg.Strategy.FeeBps,
	})

	stats := strategy.NewStats(marketIDs(markets))
	loop := strategy.NewLoop(markets, books, syncer, detector, rec, stats, strategy.Config{
		ShutdownGrace: cfg.Strategy.ShutdownGrace.Duration,
		StatsInterval: cfg.Strategy.StatsInterval.Duration,
		LockTTL:       cfg.Strategy.LockTTL.Duration,
	}, logger)
	eng.loop = loop

	var (
		gate  *risk.Gate
		coord *executor.Coordinator
	)
	if mode != executeNone {
		gate = risk.NewGate(risk.Limits{
			MinEdge:          cfg.Strategy.MinEdge,
			MaxTradeSize:     cfg.Risk.MaxTradeSize,
			MaxOpenPositions: cfg.Risk.MaxOpenPositions,
			MaxExposure:      cfg.Risk.MaxExposure,
			Cooldown:         cfg.Risk.Cooldown.Duration,
		}, logger)
		arbiter := risk.NewArbiter(gate)
		eng.add("arbiter", arbiter.Run)

		var gw executor.OrderGateway
		switch mode {
		case executeLive:
			live := polymarket.NewGateway(clob, auth, polymarket.GatewayConfig{
				UserWSURL:        cfg.Polymarket.UserWsHost,
				Markets:          marketIDs(markets),
				SubmitRateLimit:  cfg.Execution.SubmitRateLimit,
				SubmitRateWindow: time.Second,
				ReconnectBackoff: cfg.Feed.ReconnectBackoff.Duration,
				ReconnectMax:     cfg.Feed.ReconnectMax.Duration,
			}, deps.RateLimiter, logger)
			eng.add("order_gateway", live.Run)
			gw = live
		default:
			paper := executor.NewPaperGateway(books, logger)
			interval := cfg.Execution.PaperSweepInterval.Duration
			eng.add("paper_gateway", func(ctx context.Context) error { return paper.Run(ctx, interval) })
			gw = paper
		}

		coord = executor.NewCoordinator(gw, books, gate, rec, executor.Config{
			SubmitTimeout:   cfg.Execution.SubmitTimeout.Duration,
			TakeProfit:      cfg.Execution.TakeProfit,
			StopLoss:        cfg.Execution.StopLoss,
			MaxExitAttempts: cfg.Execution.MaxExitAttempts,
			ExitRetryDelay:  cfg.Execution.ExitRetryDelay.Duration,
			ExitOrderTTL:    cfg.Execution.ExitOrderTTL.Duration,
			MarkInterval:    cfg.Execution.MarkInterval.Duration,
		}, logger)
		var archive executor.Archiver
		if deps.Archiver != nil {
			archive = deps.Archiver
		}
		coord.SetPersistence(deps.PositionStore, archive)
		coord.SetCloseHook(stats.PositionClosed)
		eng.add("coordinator", coord.Run)

		loop.EnableExecution(arbiter, coord, gate)
		if deps.LockManager != nil {
			loop.SetLockManager(deps.LockManager)
		}
	}

	eng.add("strategy_loop", func(ctx context.Context) error { return loop.Run(ctx, syncer.Updates()) })

	if cfg.Server.Enabled {
		a.addServer(eng, deps, serverParts{
			markets:  markets,
			books:    books,
			health:   syncer,
			detector: detector,
			stats:    stats,
			gate:     gate,
			coord:    coord,
			recorder: rec,
		})
	}

	logger.Info("engine assembled",
		slog.Int("markets", len(markets)),
		slog.Int("instruments", len(assetIDs)),
		slog.Bool("execution", mode != executeNone),
		slog.Bool("postgres", deps.PositionStore != nil),
		slog.Bool("redis", deps.SignalBus != nil),
		slog.Bool("s3", deps.Archiver != nil),
		slog.Bool("nats", deps.Publisher != nil),
	)
	return eng, nil
}

func (e *engine) add(name string, run func(ctx context.Context) error) {
	e.runners = append(e.runners, runner{name: name, run: run})
}

type serverParts struct {
	markets  []domain.LinkedMarket
	books    domain.BookReader
	health   *feed.Synchronizer
	detector *arbitrage.Detector
	stats    *strategy.Stats
	gate     *risk.Gate
	coord    *executor.Coordinator
	recorder *service.Recorder
}

// addServer registers the status API and, with a bus, the WebSocket hub.
func (a *App) addServer(eng *engine, deps *Dependencies, p serverParts) {
	started := time.Now().UTC()

	// Typed nils must not leak into the handler interfaces.
	var live handler.PositionSource
	if p.coord != nil {
		live = p.coord
	}
	var gate handler.GateSource
	if p.gate != nil {
		gate = p.gate
	}

	positions := handler.NewPositionHandler(live, deps.PositionStore, a.logger)
	if deps.AuditStore != nil {
		positions.WithAudit(deps.AuditStore)
	}

	markets := handler.NewMarketHandler(p.markets, p.books, p.health, p.detector)
	if len(a.endsAt) > 0 {
		markets.WithExpiry(a.endsAt)
	}

	handlers := server.Handlers{
		Health:    handler.NewHealthHandler(p.health, a.cfg.Mode, started),
		Markets:   markets,
		Positions: positions,
		Status:    handler.NewStatusHandler(p.stats, gate, p.recorder),
	}

	var hub *ws.Hub
	if deps.SignalBus != nil {
		hub = ws.NewHub(deps.SignalBus, ws.Config{
			Channels:  []string{service.EventChannel, service.RiskChannel},
			Mode:      a.cfg.Mode,
			StartedAt: started,
		}, a.logger)
		eng.add("ws_hub", hub.Run)
	}

	srv := server.NewServer(server.Config{
		Addr:        fmt.Sprintf(":%d", a.cfg.Server.Port),
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  time.Minute,
	}, handlers, hub, deps.RateLimiter, a.logger)
	eng.add("http_server", srv.Run)
}

func marketIDs(markets []domain.LinkedMarket) []string {
	ids := make([]string, len(markets))
	for i, m := range markets {
		ids[i] = m.ID
	}
	return ids
}
