package domain

import (
	"context"
	"time"
)

// EventKind names an observability event.
type EventKind string

const (
	EventOpportunityDetected EventKind = "opportunity_detected"
	EventOrderSubmitted      EventKind = "order_submitted"
	EventLegFilled           EventKind = "leg_filled"
	EventPositionOpened      EventKind = "position_opened"
	EventPositionClosed      EventKind = "position_closed"
	EventRiskEscalated       EventKind = "risk_event"
)

// Event is a structured observability record.
type Event struct {
	Kind         EventKind      `json:"kind"`
	MarketID     string         `json:"market_id,omitempty"`
	PositionID   string         `json:"position_id,omitempty"`
	InstrumentID string         `json:"instrument_id,omitempty"`
	Detail       map[string]any `json:"detail,omitempty"`
	At           time.Time      `json:"at"`
}

// RiskEvent is an escalation that needs operator attention.
type RiskEvent struct {
	ID         string         `json:"id"`
	Kind       string         `json:"kind"`
	MarketID   string         `json:"market_id"`
	PositionID string         `json:"position_id,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
	At         time.Time      `json:"at"`
}

// EventSink receives observability output.
type EventSink interface {
	Emit(ctx context.Context, evt Event)
	Escalate(ctx context.Context, evt RiskEvent)
}
