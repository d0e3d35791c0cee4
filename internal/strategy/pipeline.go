package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/pairarb/internal/domain"
)

// pipeline is the sequential decision path of one linked market.
type pipeline struct {
	loop   *Loop
	market domain.LinkedMarket
	wake   chan struct{}
	logger *slog.Logger

	tradeable atomic.Bool
	lastEdge  decimal.Decimal
	now       func() time.Time
}

func newPipeline(l *Loop, m domain.LinkedMarket) *pipeline {
	p := &pipeline{
		loop:   l,
		market: m,
		wake:   make(chan struct{}, 1),
		logger: l.logger.With(slog.String("market_id", m.ID)),
		now:    time.Now,
	}
	p.tradeable.Store(true)
	return p
}

// notify wakes the pipeline without blocking. Bursts collapse into one step
// because the step reads the latest book state anyway.
func (p *pipeline) notify() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *pipeline) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.wake:
			p.step(ctx)
		}
	}
}

// lock takes the market lease. When another process holds it the market is
// only monitored.
func (p *pipeline) lock(ctx context.Context, lm domain.LockManager, ttl time.Duration) (func(), error) {
	release, lost, err := lm.Hold(ctx, "market:"+p.market.ID, ttl)
	switch {
	case errors.Is(err, domain.ErrLockHeld):
		p.tradeable.Store(false)
		p.logger.Warn("market locked by another process, monitoring only")
		return func() {}, nil
	case err != nil:
		return nil, fmt.Errorf("strategy: lock market %s: %w", p.market.ID, err)
	}
	go func() {
		select {
		case <-lost:
			p.tradeable.Store(false)
			p.logger.Error("market lock lost, monitoring only")
		case <-ctx.Done():
		}
	}()
	return release, nil
}

func (p *pipeline) step(ctx context.Context) {
	l := p.loop
	if l.exec != nil {
		l.exec.OnMark(ctx, p.market.ID)
	}

	now := p.now()
	opp, ok := l.detector.Evaluate(p.market, l.books, l.health, now)
	if !ok {
		p.lastEdge = decimal.Zero
		return
	}
	l.stats.opportunity(p.market.ID)
	if !opp.Edge.Equal(p.lastEdge) {
		p.lastEdge = opp.Edge
		l.sink.Emit(ctx, domain.Event{
			Kind:     domain.EventOpportunityDetected,
			MarketID: p.market.ID,
			Detail: map[string]any{
				"opportunity_id": opp.ID,
				"edge":           opp.Edge.String(),
				"size":           opp.Size.String(),
				"cost":           opp.Cost.String(),
				"legs":           legDetail(opp.Legs),
			},
			At: now,
		})
	}

	if l.exec == nil || l.stopping.Load() || !p.tradeable.Load() {
		return
	}

	res, err := l.admitter.Admit(ctx, opp)
	if err != nil {
		l.stats.rejected(p.market.ID)
		p.logger.Debug("opportunity rejected", slog.String("opportunity_id", opp.ID), slog.String("error", err.Error()))
		return
	}

	pos, err := l.exec.Open(ctx, opp, res.ID)
	if err != nil {
		l.stats.failed(p.market.ID)
		p.logger.Warn("open position failed",
			slog.String("position_id", pos.ID),
			slog.String("risk_kind", domain.RiskKind(err)),
			slog.String("error", err.Error()),
		)
		return
	}
	l.stats.opened(p.market.ID)
	p.logger.Info("position submitted",
		slog.String("position_id", pos.ID),
		slog.String("edge", opp.Edge.String()),
		slog.String("size", opp.Size.String()),
	)
}

func legDetail(legs []domain.OpportunityLeg) []map[string]any {
	out := make([]map[string]any, 0, len(legs))
	for _, leg := range legs {
		out = append(out, map[string]any{
			"instrument_id": leg.InstrumentID,
			"price":         leg.Price.String(),
			"size":          leg.Size.String(),
		})
	}
	return out
}
