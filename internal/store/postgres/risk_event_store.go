package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/pairarb/internal/domain"
)

// RiskEventStore implements domain.RiskEventStore using PostgreSQL.
type RiskEventStore struct {
	pool *pgxpool.Pool
}

// NewRiskEventStore creates a RiskEventStore backed by the given pool.
func NewRiskEventStore(pool *pgxpool.Pool) *RiskEventStore {
	return &RiskEventStore{pool: pool}
}

// Insert records an escalated risk event. Re-inserting the same id is a no-op.
func (s *RiskEventStore) Insert(ctx context.Context, evt domain.RiskEvent) error {
	detail, err := json.Marshal(evt.Detail)
	if err != nil {
		return fmt.Errorf("postgres: marshal risk event detail: %w", err)
	}

	const query = `
		INSERT INTO risk_events (id, kind, market_id, position_id, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`
	if _, err := s.pool.Exec(ctx, query,
		evt.ID, evt.Kind, evt.MarketID, evt.PositionID, detail, evt.At,
	); err != nil {
		return fmt.Errorf("postgres: insert risk event %s: %w", evt.ID, err)
	}
	return nil
}

// ListRecent returns up to limit risk events, newest first.
func (s *RiskEventStore) ListRecent(ctx context.Context, limit int) ([]domain.RiskEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, kind, market_id, position_id, detail, created_at
		 FROM risk_events ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list risk events: %w", err)
	}
	defer rows.Close()

	var out []domain.RiskEvent
	for rows.Next() {
		var e domain.RiskEvent
		var detail []byte
		if err := rows.Scan(&e.ID, &e.Kind, &e.MarketID, &e.PositionID, &detail, &e.At); err != nil {
			return nil, fmt.Errorf("postgres: scan risk event: %w", err)
		}
		if detail != nil {
			if err := json.Unmarshal(detail, &e.Detail); err != nil {
				return nil, fmt.Errorf("postgres: unmarshal risk event detail: %w", err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list risk events rows: %w", err)
	}
	return out, nil
}

// Compile-time interface check.
var _ domain.RiskEventStore = (*RiskEventStore)(nil)
