package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide represents the direction of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderRequest is what the coordinator hands to the execution collaborator.
type OrderRequest struct {
	ClientID     string          `json:"client_id"`
	InstrumentID string          `json:"instrument_id"`
	Side         OrderSide       `json:"side"`
	Price        decimal.Decimal `json:"price"`
	Size         decimal.Decimal `json:"size"`
}

// OrderAck is the synchronous answer to a submission.
type OrderAck struct {
	ClientID   string `json:"client_id"`
	ExchangeID string `json:"exchange_id,omitempty"`
	Accepted   bool   `json:"accepted"`
	Reason     string `json:"reason,omitempty"`
}

// FillKind distinguishes fills from cancellations on the async stream.
type FillKind string

const (
	FillKindFill   FillKind = "fill"
	FillKindCancel FillKind = "cancel"
)

// FillEvent is an asynchronous execution report correlated by client id.
type FillEvent struct {
	ClientID string          `json:"client_id"`
	Kind     FillKind        `json:"kind"`
	TradeID  string          `json:"trade_id,omitempty"`
	Price    decimal.Decimal `json:"price"`
	Size     decimal.Decimal `json:"size"`
	At       time.Time       `json:"at"`
}
