package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// BookSide selects one side of an order book.
type BookSide string

const (
	SideBid BookSide = "bid"
	SideAsk BookSide = "ask"
)

// PriceLevel is a single aggregated price level.
type PriceLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// BookView is an immutable copy of one instrument's book. Bids are sorted
// descending, asks ascending.
type BookView struct {
	InstrumentID string       `json:"instrument_id"`
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
	Seq          uint64       `json:"seq"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// TopOfBook is the best bid and ask of an instrument at a given sequence.
type TopOfBook struct {
	InstrumentID string     `json:"instrument_id"`
	BestBid      PriceLevel `json:"best_bid"`
	BestAsk      PriceLevel `json:"best_ask"`
	HasBid       bool       `json:"has_bid"`
	HasAsk       bool       `json:"has_ask"`
	Seq          uint64     `json:"seq"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Top derives the top of book from a view.
func (v BookView) Top() TopOfBook {
	t := TopOfBook{
		InstrumentID: v.InstrumentID,
		Seq:          v.Seq,
		UpdatedAt:    v.UpdatedAt,
	}
	if len(v.Bids) > 0 {
		t.BestBid, t.HasBid = v.Bids[0], true
	}
	if len(v.Asks) > 0 {
		t.BestAsk, t.HasAsk = v.Asks[0], true
	}
	return t
}

// SamePrices reports whether two tops quote identical best levels. Sequence
// and timestamps are ignored.
func (t TopOfBook) SamePrices(o TopOfBook) bool {
	if t.HasBid != o.HasBid || t.HasAsk != o.HasAsk {
		return false
	}
	if t.HasBid && !(t.BestBid.Price.Equal(o.BestBid.Price) && t.BestBid.Size.Equal(o.BestBid.Size)) {
		return false
	}
	if t.HasAsk && !(t.BestAsk.Price.Equal(o.BestAsk.Price) && t.BestAsk.Size.Equal(o.BestAsk.Size)) {
		return false
	}
	return true
}

// Mid returns the midpoint between best bid and best ask, or false when
// either side is empty.
func (t TopOfBook) Mid() (decimal.Decimal, bool) {
	if !t.HasBid || !t.HasAsk {
		return decimal.Zero, false
	}
	return t.BestBid.Price.Add(t.BestAsk.Price).Div(decimal.NewFromInt(2)), true
}

// Spread returns best ask minus best bid, or false when either side is empty.
func (t TopOfBook) Spread() (decimal.Decimal, bool) {
	if !t.HasBid || !t.HasAsk {
		return decimal.Zero, false
	}
	return t.BestAsk.Price.Sub(t.BestBid.Price), true
}

// BookReader gives read access to the current state of tracked books.
type BookReader interface {
	TopOfBook(instrumentID string) (TopOfBook, bool)
	DepthAt(instrumentID string, side BookSide, n int) []PriceLevel
}

// HealthView reports whether an instrument's book can be trusted.
type HealthView interface {
	Degraded(instrumentID string) bool
}
