package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OpportunityLeg is the buy recommended for one instrument.
type OpportunityLeg struct {
	InstrumentID string          `json:"instrument_id"`
	Price        decimal.Decimal `json:"price"`
	Size         decimal.Decimal `json:"size"`
}

// Opportunity is a detected violation of the complementary-sum invariant. It
// is consumed by the risk gate and the coordinator and never persisted.
type Opportunity struct {
	ID         string           `json:"id"`
	MarketID   string           `json:"market_id"`
	Edge       decimal.Decimal  `json:"edge"`
	Size       decimal.Decimal  `json:"size"`
	Cost       decimal.Decimal  `json:"cost"`
	Legs       []OpportunityLeg `json:"legs"`
	DetectedAt time.Time        `json:"detected_at"`
}
