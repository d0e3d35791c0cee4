package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// FeedEventKind enumerates the events delivered by the market-data transport.
type FeedEventKind string

const (
	FeedSnapshot     FeedEventKind = "snapshot"
	FeedDelta        FeedEventKind = "delta"
	FeedDisconnected FeedEventKind = "disconnected"
	FeedReconnected  FeedEventKind = "reconnected"
)

// FeedEvent is one typed message from the transport. Snapshot uses Bids and
// Asks; Delta uses Side, Price and Size (zero size removes the level).
// Connection events carry no instrument.
type FeedEvent struct {
	Kind         FeedEventKind   `json:"kind"`
	InstrumentID string          `json:"instrument_id,omitempty"`
	Bids         []PriceLevel    `json:"bids,omitempty"`
	Asks         []PriceLevel    `json:"asks,omitempty"`
	Side         BookSide        `json:"side,omitempty"`
	Price        decimal.Decimal `json:"price"`
	Size         decimal.Decimal `json:"size"`
	Seq          uint64          `json:"seq"`
	ReceivedAt   time.Time       `json:"received_at"`
}

// BookUpdate is published by the synchronizer after an event was applied.
// Changed is false when the event did not move the best levels.
type BookUpdate struct {
	InstrumentID string
	Top          TopOfBook
	Changed      bool
}
