package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// OutcomeRole tags the complementary role an instrument plays inside its
// linked market.
type OutcomeRole string

const (
	RoleUp   OutcomeRole = "UP"
	RoleDown OutcomeRole = "DOWN"
	RoleYes  OutcomeRole = "YES"
	RoleNo   OutcomeRole = "NO"
)

// Instrument is a single tradable outcome token. It is created at
// subscription time and never mutated afterwards.
type Instrument struct {
	ID       string          `json:"id"`
	Role     OutcomeRole     `json:"role"`
	TickSize decimal.Decimal `json:"tick_size"`
}

// LinkedMarket pairs instruments whose best asks should sum to at least one
// in a no-arbitrage state.
type LinkedMarket struct {
	ID   string       `json:"id"`
	Name string       `json:"name"`
	Legs []Instrument `json:"legs"`
}

// InstrumentIDs returns the leg ids in declaration order.
func (m LinkedMarket) InstrumentIDs() []string {
	ids := make([]string, len(m.Legs))
	for i, leg := range m.Legs {
		ids[i] = leg.ID
	}
	return ids
}

// Has reports whether instrumentID is one of the market's legs.
func (m LinkedMarket) Has(instrumentID string) bool {
	for _, leg := range m.Legs {
		if leg.ID == instrumentID {
			return true
		}
	}
	return false
}

// Validate checks the structural invariants of a linked market.
func (m LinkedMarket) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("linked market: id must not be empty")
	}
	if len(m.Legs) < 2 {
		return fmt.Errorf("linked market %s: needs at least two legs, got %d", m.ID, len(m.Legs))
	}
	seen := make(map[string]struct{}, len(m.Legs))
	for _, leg := range m.Legs {
		if leg.ID == "" {
			return fmt.Errorf("linked market %s: leg with empty instrument id", m.ID)
		}
		if _, dup := seen[leg.ID]; dup {
			return fmt.Errorf("linked market %s: duplicate instrument %s", m.ID, leg.ID)
		}
		seen[leg.ID] = struct{}{}
		if leg.TickSize.IsNegative() {
			return fmt.Errorf("linked market %s: negative tick size on %s", m.ID, leg.ID)
		}
	}
	return nil
}
