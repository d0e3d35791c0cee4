package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/pairarb/internal/domain"
)

// OnMark re-marks every open position of marketID against the live best
// bids and starts the exit of any position whose unrealized PnL crossed
// take-profit or stop-loss. It is called on every top-of-book change.
func (c *Coordinator) OnMark(ctx context.Context, marketID string) {
	var fx effects
	c.mu.Lock()
	for _, pos := range c.positions {
		if pos.MarketID != marketID || pos.State != domain.PositionFilled {
			continue
		}
		mark, ok := c.markValue(pos)
		if !ok {
			continue
		}
		unrealized := mark.Sub(pos.EntryCost)

		var trigger string
		switch {
		case pos.TakeProfit.IsPositive() && unrealized.GreaterThanOrEqual(pos.TakeProfit):
			trigger = "take_profit"
		case pos.StopLoss.IsPositive() && unrealized.Neg().GreaterThanOrEqual(pos.StopLoss):
			trigger = "stop_loss"
		default:
			continue
		}

		c.logger.InfoContext(ctx, "exit triggered",
			slog.String("position_id", pos.ID),
			slog.String("market_id", pos.MarketID),
			slog.String("trigger", trigger),
			slog.String("entry_cost", pos.EntryCost.String()),
			slog.String("mark", mark.String()),
		)
		c.transition(pos, domain.PositionExiting, &fx)
		fx.save(pos)
		fx.exits = append(fx.exits, pos.ID)
	}
	c.mu.Unlock()
	c.apply(ctx, &fx)
}

// markValue is the sum over legs of filled size times best bid. Caller
// holds mu.
func (c *Coordinator) markValue(pos *domain.Position) (decimal.Decimal, bool) {
	mark := decimal.Zero
	for _, leg := range pos.Legs {
		if !leg.FilledSize.IsPositive() {
			continue
		}
		top, ok := c.books.TopOfBook(leg.InstrumentID)
		if !ok || !top.HasBid {
			return decimal.Zero, false
		}
		mark = mark.Add(leg.FilledSize.Mul(top.BestBid.Price))
	}
	return mark, true
}

// MarkAll re-marks every market holding an open position.
func (c *Coordinator) MarkAll(ctx context.Context) {
	c.mu.Lock()
	markets := make(map[string]struct{})
	for _, pos := range c.positions {
		if pos.State == domain.PositionFilled {
			markets[pos.MarketID] = struct{}{}
		}
	}
	c.mu.Unlock()

	for id := range markets {
		c.OnMark(ctx, id)
	}
}

// RetryExits runs every exit retry that is due and reprices exit sells that
// rested longer than ExitOrderTTL. A stale round counts as an attempt; once
// MaxExitAttempts is spent the position escalates ExitFailure instead.
func (c *Coordinator) RetryExits(ctx context.Context) {
	now := c.now()
	var fx effects
	c.mu.Lock()
	var due []string
	for id, at := range c.exitRetryAt {
		if !now.Before(at) {
			due = append(due, id)
			delete(c.exitRetryAt, id)
		}
	}

	stale := make(map[string][]string)
	for id, sent := range c.exitSentAt {
		pos := c.positions[id]
		if pos == nil || pos.State != domain.PositionExiting || c.exitEscalated[id] {
			delete(c.exitSentAt, id)
			continue
		}
		if now.Sub(sent) < c.cfg.ExitOrderTTL {
			continue
		}
		var working []string
		for _, leg := range pos.Legs {
			if leg.ExitClientID != "" && !leg.Flat() {
				working = append(working, leg.ExitClientID)
			}
		}
		delete(c.exitSentAt, id)
		switch {
		case len(working) == 0:
		case pos.ExitAttempts >= c.cfg.MaxExitAttempts:
			c.exitEscalated[id] = true
			fx.risks = append(fx.risks, c.exitFailure(pos, pos.ExitAttempts,
				[]string{fmt.Sprintf("%d exit orders unfilled after %s", len(working), c.cfg.ExitOrderTTL)}))
		default:
			stale[id] = working
		}
	}
	c.mu.Unlock()
	c.apply(ctx, &fx)

	for id, working := range stale {
		c.repriceExit(ctx, id, working)
	}
	for _, id := range due {
		c.exitRound(ctx, id)
	}
}

// repriceExit cancels resting exit sells and starts a new round at the
// current best bids. A sell whose cancel fails stays working and is looked
// at again after another ExitOrderTTL.
func (c *Coordinator) repriceExit(ctx context.Context, positionID string, clientIDs []string) {
	errs := c.cancelAll(ctx, clientIDs)

	c.mu.Lock()
	pos, ok := c.positions[positionID]
	if !ok {
		c.mu.Unlock()
		return
	}
	for k, id := range clientIDs {
		if errs[k] != nil {
			c.logger.WarnContext(ctx, "exit cancel failed",
				slog.String("position_id", positionID),
				slog.String("client_id", id),
				slog.String("error", errs[k].Error()),
			)
			c.exitSentAt[positionID] = c.now()
			continue
		}
		leg := &pos.Legs[c.orders[id].leg]
		if leg.ExitClientID == id {
			leg.ExitClientID = ""
		}
	}
	c.mu.Unlock()

	c.logger.InfoContext(ctx, "repricing stale exit",
		slog.String("position_id", positionID),
		slog.Int("orders", len(clientIDs)),
	)
	c.exitRound(ctx, positionID)
}

type exitOrder struct {
	leg int
	req domain.OrderRequest
}

// exitRound submits sell orders at the best bid for every leg that is not
// flat and has no working exit order. Failed legs are retried after
// ExitRetryDelay until MaxExitAttempts rounds were spent, then one
// ExitFailure risk event is escalated and the position waits for the
// operator.
func (c *Coordinator) exitRound(ctx context.Context, positionID string) {
	c.mu.Lock()
	pos, ok := c.positions[positionID]
	if !ok || pos.State != domain.PositionExiting {
		c.mu.Unlock()
		return
	}

	var (
		orders   []exitOrder
		failures []string
	)
	for i := range pos.Legs {
		leg := &pos.Legs[i]
		if leg.Flat() || leg.ExitClientID != "" {
			continue
		}
		top, ok := c.books.TopOfBook(leg.InstrumentID)
		if !ok || !top.HasBid {
			failures = append(failures, fmt.Sprintf("%s: no bid", leg.InstrumentID))
			continue
		}
		clientID := uuid.NewString()
		leg.ExitClientID = clientID
		c.orders[clientID] = orderRef{positionID: pos.ID, leg: i, exit: true}
		orders = append(orders, exitOrder{leg: i, req: domain.OrderRequest{
			ClientID:     clientID,
			InstrumentID: leg.InstrumentID,
			Side:         domain.OrderSideSell,
			Price:        top.BestBid.Price,
			Size:         leg.FilledSize.Sub(leg.ExitFilledSize),
		}})
	}
	if len(orders) == 0 && len(failures) == 0 {
		c.mu.Unlock()
		return
	}
	pos.ExitAttempts++
	attempt := pos.ExitAttempts
	c.mu.Unlock()

	reqs := make([]domain.OrderRequest, len(orders))
	for k, o := range orders {
		reqs[k] = o.req
	}
	results := c.submitAll(ctx, reqs)

	var fx effects
	c.mu.Lock()
	for k, r := range results {
		if r.err == nil {
			c.exitSentAt[pos.ID] = c.now()
			fx.emit(c.legEvent(domain.EventOrderSubmitted, pos, &pos.Legs[orders[k].leg], map[string]any{
				"client_id":   orders[k].req.ClientID,
				"exchange_id": r.ack.ExchangeID,
				"side":        string(domain.OrderSideSell),
				"price":       orders[k].req.Price.String(),
				"size":        orders[k].req.Size.String(),
				"attempt":     attempt,
			}))
			continue
		}
		leg := &pos.Legs[orders[k].leg]
		if leg.ExitClientID == orders[k].req.ClientID {
			leg.ExitClientID = ""
		}
		failures = append(failures, r.err.Error())
	}

	if len(failures) > 0 && pos.State == domain.PositionExiting {
		c.logger.WarnContext(ctx, "exit submission failed",
			slog.String("position_id", pos.ID),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", c.cfg.MaxExitAttempts),
			slog.String("error", strings.Join(failures, "; ")),
		)
		switch {
		case attempt < c.cfg.MaxExitAttempts:
			c.exitRetryAt[pos.ID] = c.now().Add(c.cfg.ExitRetryDelay)
		case !c.exitEscalated[pos.ID]:
			c.exitEscalated[pos.ID] = true
			fx.risks = append(fx.risks, c.exitFailure(pos, attempt, failures))
		}
	}
	pos.UpdatedAt = c.now()
	fx.save(pos)
	c.mu.Unlock()
	c.apply(ctx, &fx)
}

func (c *Coordinator) exitFailure(pos *domain.Position, attempts int, failures []string) domain.RiskEvent {
	return domain.RiskEvent{
		ID:         uuid.NewString(),
		Kind:       domain.RiskKind(domain.ErrExitFailure),
		MarketID:   pos.MarketID,
		PositionID: pos.ID,
		Detail: map[string]any{
			"attempts": attempts,
			"errors":   failures,
		},
		At: c.now(),
	}
}

func (c *Coordinator) exitFilled(pos *domain.Position, leg *domain.PositionLeg, f domain.FillEvent, fx *effects) {
	leg.ExitFilledSize = leg.ExitFilledSize.Add(f.Size)
	leg.ExitProceeds = leg.ExitProceeds.Add(f.Price.Mul(f.Size))
	fx.emit(c.legEvent(domain.EventLegFilled, pos, leg, map[string]any{
		"client_id":   leg.ExitClientID,
		"side":        string(domain.OrderSideSell),
		"price":       f.Price.String(),
		"size":        f.Size.String(),
		"exit_filled": leg.ExitFilledSize.String(),
		"trade_id":    f.TradeID,
	}))

	if pos.State == domain.PositionExiting && pos.AllFlat() {
		c.closePosition(pos, fx)
	}
}

func (c *Coordinator) exitCancelled(pos *domain.Position, leg *domain.PositionLeg, clientID string) {
	if leg.ExitClientID == clientID {
		leg.ExitClientID = ""
	}
	if pos.State == domain.PositionExiting && !leg.Flat() && !c.exitEscalated[pos.ID] {
		c.exitRetryAt[pos.ID] = c.now().Add(c.cfg.ExitRetryDelay)
	}
}

// closePosition realizes PnL and gives the reservation back. Caller holds mu.
func (c *Coordinator) closePosition(pos *domain.Position, fx *effects) {
	proceeds := decimal.Zero
	for _, l := range pos.Legs {
		proceeds = proceeds.Add(l.ExitProceeds)
	}
	pos.RealizedPnL = proceeds.Sub(pos.EntryCost)
	c.transition(pos, domain.PositionClosed, fx)
	delete(c.exitRetryAt, pos.ID)
	delete(c.exitSentAt, pos.ID)
	delete(c.exitEscalated, pos.ID)

	fx.release = append(fx.release, pos.ReservationID)
	fx.emit(domain.Event{
		Kind:       domain.EventPositionClosed,
		MarketID:   pos.MarketID,
		PositionID: pos.ID,
		Detail: map[string]any{
			"entry_cost":    pos.EntryCost.String(),
			"exit_proceeds": proceeds.String(),
			"realized_pnl":  pos.RealizedPnL.String(),
			"exit_attempts": pos.ExitAttempts,
		},
		At: c.now(),
	})
	fx.archive = append(fx.archive, pos.Clone())
}
