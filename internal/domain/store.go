package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PositionStore persists positions and their legs.
type PositionStore interface {
	Upsert(ctx context.Context, pos Position) error
	GetByID(ctx context.Context, id string) (Position, error)
	ListActive(ctx context.Context) ([]Position, error)
	ListClosed(ctx context.Context, opts ListOpts) ([]Position, error)
}

// RiskEventStore persists escalated risk events.
type RiskEventStore interface {
	Insert(ctx context.Context, evt RiskEvent) error
	ListRecent(ctx context.Context, limit int) ([]RiskEvent, error)
}

// AuditEntry is a single audit log row. MarketID and PositionID are lifted
// from the detail's market_id and position_id keys when present.
type AuditEntry struct {
	ID         int64          `json:"id"`
	Event      string         `json:"event"`
	MarketID   string         `json:"market_id,omitempty"`
	PositionID string         `json:"position_id,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
	// Trail returns the entries for one position, oldest first.
	Trail(ctx context.Context, positionID string) ([]AuditEntry, error)
}
