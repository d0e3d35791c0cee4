package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PositionState is the lifecycle state of a multi-leg position.
type PositionState string

const (
	PositionPendingSubmit   PositionState = "pending_submit"
	PositionSubmitted       PositionState = "submitted"
	PositionPartiallyFilled PositionState = "partially_filled"
	PositionFilled          PositionState = "filled"
	PositionExiting         PositionState = "exiting"
	PositionClosed          PositionState = "closed"
	PositionFailed          PositionState = "failed"
	PositionCancelled       PositionState = "cancelled"
)

var positionTransitions = map[PositionState][]PositionState{
	PositionPendingSubmit:   {PositionSubmitted, PositionFailed, PositionCancelled},
	PositionSubmitted:       {PositionPartiallyFilled, PositionFilled, PositionFailed, PositionCancelled},
	PositionPartiallyFilled: {PositionFilled, PositionFailed, PositionCancelled},
	PositionFilled:          {PositionExiting},
	PositionExiting:         {PositionClosed},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to PositionState) bool {
	for _, s := range positionTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s PositionState) Terminal() bool {
	return s == PositionClosed || s == PositionFailed || s == PositionCancelled
}

// LegStatus is the fill status of one leg's entry order.
type LegStatus string

const (
	LegUnfilled        LegStatus = "unfilled"
	LegPartiallyFilled LegStatus = "partially_filled"
	LegFilled          LegStatus = "filled"
	LegCancelled       LegStatus = "cancelled"
)

// PositionLeg tracks the entry and exit orders of one instrument.
type PositionLeg struct {
	InstrumentID   string          `json:"instrument_id"`
	ClientID       string          `json:"client_id"`
	ExchangeID     string          `json:"exchange_id,omitempty"`
	TargetPrice    decimal.Decimal `json:"target_price"`
	TargetSize     decimal.Decimal `json:"target_size"`
	Status         LegStatus       `json:"status"`
	FilledSize     decimal.Decimal `json:"filled_size"`
	FilledCost     decimal.Decimal `json:"filled_cost"`
	ExitClientID   string          `json:"exit_client_id,omitempty"`
	ExitFilledSize decimal.Decimal `json:"exit_filled_size"`
	ExitProceeds   decimal.Decimal `json:"exit_proceeds"`
}

// Flat reports whether everything bought on this leg has been sold back.
func (l PositionLeg) Flat() bool {
	return l.ExitFilledSize.GreaterThanOrEqual(l.FilledSize)
}

// Position is the coordinator's record of one multi-leg trade.
type Position struct {
	ID            string          `json:"id"`
	MarketID      string          `json:"market_id"`
	ReservationID string          `json:"reservation_id"`
	State         PositionState   `json:"state"`
	Legs          []PositionLeg   `json:"legs"`
	Edge          decimal.Decimal `json:"edge"`
	EntryCost     decimal.Decimal `json:"entry_cost"`
	TakeProfit    decimal.Decimal `json:"take_profit"`
	StopLoss      decimal.Decimal `json:"stop_loss"`
	ExitAttempts  int             `json:"exit_attempts"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	OneSided      bool            `json:"one_sided"`
	OpenedAt      time.Time       `json:"opened_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	ClosedAt      *time.Time      `json:"closed_at,omitempty"`
}

// Transition moves the position to the next state or returns an error if the
// state machine forbids it.
func (p *Position) Transition(to PositionState, at time.Time) error {
	if p.State == to {
		return nil
	}
	if !CanTransition(p.State, to) {
		return fmt.Errorf("position %s: illegal transition %s -> %s", p.ID, p.State, to)
	}
	p.State = to
	p.UpdatedAt = at
	if to.Terminal() {
		t := at
		p.ClosedAt = &t
	}
	return nil
}

// Leg returns the leg whose entry or exit order carries clientID.
func (p *Position) Leg(clientID string) (*PositionLeg, bool) {
	for i := range p.Legs {
		if p.Legs[i].ClientID == clientID || (p.Legs[i].ExitClientID != "" && p.Legs[i].ExitClientID == clientID) {
			return &p.Legs[i], true
		}
	}
	return nil, false
}

// AnyFilled reports whether any leg has received fills.
func (p *Position) AnyFilled() bool {
	for _, l := range p.Legs {
		if l.FilledSize.IsPositive() {
			return true
		}
	}
	return false
}

// AllFilled reports whether every leg reached its target size.
func (p *Position) AllFilled() bool {
	for _, l := range p.Legs {
		if l.Status != LegFilled {
			return false
		}
	}
	return len(p.Legs) > 0
}

// AllFlat reports whether every leg has been fully exited.
func (p *Position) AllFlat() bool {
	for _, l := range p.Legs {
		if !l.Flat() {
			return false
		}
	}
	return true
}

// Clone returns a deep copy safe to hand to other goroutines.
func (p *Position) Clone() Position {
	out := *p
	out.Legs = append([]PositionLeg(nil), p.Legs...)
	if p.ClosedAt != nil {
		t := *p.ClosedAt
		out.ClosedAt = &t
	}
	return out
}
