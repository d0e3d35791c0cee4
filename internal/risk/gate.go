// Package risk owns the shared exposure budget. Every position lifecycle
// reserves from it before submitting and releases when the position ends.
package risk

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/pairarb/internal/domain"
)

// Rejection reasons returned by Reserve.
var (
	ErrEdgeTooSmall  = errors.New("risk: edge below minimum")
	ErrTradeTooLarge = errors.New("risk: trade size above maximum")
	ErrMaxPositions  = errors.New("risk: max open positions reached")
	ErrExposureCap   = errors.New("risk: exposure cap reached")
	ErrCooldown      = errors.New("risk: market in cooldown")
	ErrGateClosed    = errors.New("risk: gate closed")
)

// Limits are the caps enforced by the gate.
type Limits struct {
	MinEdge          decimal.Decimal
	MaxTradeSize     decimal.Decimal // zero disables the check
	MaxOpenPositions int
	MaxExposure      decimal.Decimal
	Cooldown         time.Duration
}

// Reservation is a slot plus exposure taken from the gate for one position.
type Reservation struct {
	ID       string          `json:"id"`
	MarketID string          `json:"market_id"`
	Exposure decimal.Decimal `json:"exposure"`
	At       time.Time       `json:"at"`
}

// Snapshot is a point-in-time view of the gate.
type Snapshot struct {
	Exposure      decimal.Decimal `json:"exposure"`
	MaxExposure   decimal.Decimal `json:"max_exposure"`
	OpenPositions int             `json:"open_positions"`
	MaxPositions  int             `json:"max_positions"`
	Closed        bool            `json:"closed"`
}

// Gate enforces the limits. All state changes happen under one mutex so
// reserved exposure never exceeds MaxExposure, whatever the caller count.
type Gate struct {
	limits Limits
	logger *slog.Logger

	mu        sync.Mutex
	exposure  decimal.Decimal
	open      int
	lastTrade map[string]time.Time
	active    map[string]Reservation
	closed    bool
}

// NewGate creates a gate.
func NewGate(limits Limits, logger *slog.Logger) *Gate {
	return &Gate{
		limits:    limits,
		logger:    logger.With(slog.String("component", "risk_gate")),
		lastTrade: make(map[string]time.Time),
		active:    make(map[string]Reservation),
	}
}

// Reserve checks opp against every limit and, if all pass, takes its cost
// from the exposure budget, takes one position slot and stamps the market's
// cooldown.
func (g *Gate) Reserve(opp domain.Opportunity, now time.Time) (Reservation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.check(opp, now); err != nil {
		return Reservation{}, err
	}

	r := Reservation{
		ID:       uuid.NewString(),
		MarketID: opp.MarketID,
		Exposure: opp.Cost,
		At:       now,
	}
	g.exposure = g.exposure.Add(opp.Cost)
	g.open++
	g.lastTrade[opp.MarketID] = now
	g.active[r.ID] = r

	g.logger.Debug("reserved",
		slog.String("reservation_id", r.ID),
		slog.String("market_id", r.MarketID),
		slog.String("exposure", r.Exposure.String()),
		slog.String("total_exposure", g.exposure.String()),
		slog.Int("open", g.open),
	)
	return r, nil
}

func (g *Gate) check(opp domain.Opportunity, now time.Time) error {
	switch {
	case g.closed:
		return ErrGateClosed
	case opp.Edge.LessThan(g.limits.MinEdge):
		return fmt.Errorf("%w: %s < %s", ErrEdgeTooSmall, opp.Edge, g.limits.MinEdge)
	case g.limits.MaxTradeSize.IsPositive() && opp.Size.GreaterThan(g.limits.MaxTradeSize):
		return fmt.Errorf("%w: %s > %s", ErrTradeTooLarge, opp.Size, g.limits.MaxTradeSize)
	case g.open >= g.limits.MaxOpenPositions:
		return fmt.Errorf("%w (%d/%d)", ErrMaxPositions, g.open, g.limits.MaxOpenPositions)
	case g.exposure.Add(opp.Cost).GreaterThan(g.limits.MaxExposure):
		return fmt.Errorf("%w: %s + %s > %s", ErrExposureCap, g.exposure, opp.Cost, g.limits.MaxExposure)
	}
	if last, ok := g.lastTrade[opp.MarketID]; ok && now.Sub(last) < g.limits.Cooldown {
		return fmt.Errorf("%w: %s left", ErrCooldown, g.limits.Cooldown-now.Sub(last))
	}
	return nil
}

// Release returns a reservation's exposure and slot. Releasing an unknown or
// already released reservation is a no-op.
func (g *Gate) Release(reservationID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.active[reservationID]
	if !ok {
		return
	}
	delete(g.active, reservationID)
	g.exposure = g.exposure.Sub(r.Exposure)
	g.open--

	g.logger.Debug("released",
		slog.String("reservation_id", r.ID),
		slog.String("market_id", r.MarketID),
		slog.String("total_exposure", g.exposure.String()),
		slog.Int("open", g.open),
	)
}

// Close makes every further Reserve fail with ErrGateClosed. Existing
// reservations can still be released.
func (g *Gate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.closed {
		g.closed = true
		g.logger.Info("risk gate closed to new reservations")
	}
}

// Snapshot reports the current usage.
func (g *Gate) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Snapshot{
		Exposure:      g.exposure,
		MaxExposure:   g.limits.MaxExposure,
		OpenPositions: g.open,
		MaxPositions:  g.limits.MaxOpenPositions,
		Closed:        g.closed,
	}
}
