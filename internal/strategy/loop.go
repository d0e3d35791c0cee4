// Package strategy runs one decision pipeline per linked market on top of the
// synchronised feed and owns the start/stop lifecycle.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/pairarb/internal/arbitrage"
	"github.com/alanyoungcy/pairarb/internal/domain"
)

// ErrGraceExpired is returned by Drain when positions were still open at
// the end of the shutdown grace period.
var ErrGraceExpired = errors.New("strategy: shutdown grace expired with open positions")

// Config tunes the loop.
type Config struct {
	ShutdownGrace time.Duration
	StatsInterval time.Duration
	LockTTL       time.Duration // market lock lease; 0 disables locking
}

// Loop fans book updates out to per-market pipelines. Pipelines of different
// markets run concurrently; the steps of one pipeline never overlap.
type Loop struct {
	markets  []domain.LinkedMarket
	books    domain.BookReader
	health   domain.HealthView
	detector *arbitrage.Detector
	sink     domain.EventSink
	stats    *Stats
	cfg      Config
	logger   *slog.Logger

	// Execution collaborators; all nil in monitor mode.
	admitter Admitter
	exec     Executor
	gate     Closer
	locks    domain.LockManager

	pipelines    []*pipeline
	byInstrument map[string][]*pipeline
	stopping     atomic.Bool
}

// NewLoop creates a loop in monitor mode. Call EnableExecution to trade.
func NewLoop(
	markets []domain.LinkedMarket,
	books domain.BookReader,
	health domain.HealthView,
	detector *arbitrage.Detector,
	sink domain.EventSink,
	stats *Stats,
	cfg Config,
	logger *slog.Logger,
) *Loop {
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 30 * time.Second
	}
	l := &Loop{
		markets:      markets,
		books:        books,
		health:       health,
		detector:     detector,
		sink:         sink,
		stats:        stats,
		cfg:          cfg,
		logger:       logger.With(slog.String("component", "strategy_loop")),
		byInstrument: make(map[string][]*pipeline),
	}
	for _, m := range markets {
		p := newPipeline(l, m)
		l.pipelines = append(l.pipelines, p)
		for _, id := range m.InstrumentIDs() {
			l.byInstrument[id] = append(l.byInstrument[id], p)
		}
	}
	return l
}

// EnableExecution wires the risk gate and coordinator so pipelines submit.
func (l *Loop) EnableExecution(admitter Admitter, exec Executor, gate Closer) {
	l.admitter = admitter
	l.exec = exec
	l.gate = gate
}

// SetLockManager makes each pipeline hold a market lock before trading so
// two engine processes never trade the same market.
func (l *Loop) SetLockManager(lm domain.LockManager) {
	l.locks = lm
}

// Stats returns the session stats.
func (l *Loop) Stats() *Stats { return l.stats }

// Stopping reports whether Stop was called.
func (l *Loop) Stopping() bool { return l.stopping.Load() }

// Stop refuses new submissions. Marks, exits and fills keep running.
func (l *Loop) Stop() {
	if l.stopping.Swap(true) {
		return
	}
	if l.gate != nil {
		l.gate.Close()
	}
	l.logger.Info("stop requested, refusing new submissions")
}

// Drain stops the loop and waits until no position holds risk or the grace
// period ends.
func (l *Loop) Drain(ctx context.Context) error {
	l.Stop()
	if l.exec == nil {
		return nil
	}

	deadline := time.NewTimer(l.cfg.ShutdownGrace)
	defer deadline.Stop()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		active := l.exec.Active()
		if len(active) == 0 {
			l.logger.Info("all positions flat")
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			for _, pos := range active {
				l.logger.Warn("position still open at shutdown",
					slog.String("position_id", pos.ID),
					slog.String("market_id", pos.MarketID),
					slog.String("state", string(pos.State)),
					slog.Bool("one_sided", pos.OneSided),
				)
			}
			return fmt.Errorf("%w: %d", ErrGraceExpired, len(active))
		case <-ticker.C:
		}
	}
}

// Run dispatches updates until the channel closes or ctx ends.
func (l *Loop) Run(ctx context.Context, updates <-chan domain.BookUpdate) error {
	if l.locks != nil && l.exec != nil && l.cfg.LockTTL > 0 {
		for _, p := range l.pipelines {
			release, err := p.lock(ctx, l.locks, l.cfg.LockTTL)
			if err != nil {
				return err
			}
			defer release()
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, p := range l.pipelines {
		p := p
		g.Go(func() error { return p.run(ctx) })
	}

	if l.cfg.StatsInterval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(l.cfg.StatsInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					l.stats.Log(l.logger)
					return ctx.Err()
				case <-ticker.C:
					l.stats.Log(l.logger)
				}
			}
		})
	}

	g.Go(func() error {
		l.logger.Info("strategy loop started", slog.Int("markets", len(l.pipelines)))
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case u, ok := <-updates:
				if !ok {
					return errors.New("strategy: update stream closed")
				}
				if !u.Changed {
					continue
				}
				for _, p := range l.byInstrument[u.InstrumentID] {
					p.notify()
				}
			}
		}
	})

	return g.Wait()
}
