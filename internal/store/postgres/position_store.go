package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/pairarb/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL. Legs are
// stored as a JSONB array on the position row.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, market_id, reservation_id, state, legs,
	edge, entry_cost, take_profit, stop_loss, exit_attempts, realized_pnl,
	one_sided, opened_at, updated_at, closed_at`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var state string
	var legs []byte

	if err := row.Scan(
		&p.ID, &p.MarketID, &p.ReservationID, &state, &legs,
		&p.Edge, &p.EntryCost, &p.TakeProfit, &p.StopLoss, &p.ExitAttempts, &p.RealizedPnL,
		&p.OneSided, &p.OpenedAt, &p.UpdatedAt, &p.ClosedAt,
	); err != nil {
		return domain.Position{}, err
	}
	p.State = domain.PositionState(state)
	if len(legs) > 0 {
		if err := json.Unmarshal(legs, &p.Legs); err != nil {
			return domain.Position{}, fmt.Errorf("unmarshal legs: %w", err)
		}
	}
	return p, nil
}

func collectPositions(rows pgx.Rows) ([]domain.Position, error) {
	defer rows.Close()
	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Upsert inserts the position or replaces every mutable column.
func (s *PositionStore) Upsert(ctx context.Context, p domain.Position) error {
	legs, err := json.Marshal(p.Legs)
	if err != nil {
		return fmt.Errorf("postgres: marshal legs %s: %w", p.ID, err)
	}

	const query = `
		INSERT INTO positions (
			id, market_id, reservation_id, state, legs,
			edge, entry_cost, take_profit, stop_loss, exit_attempts, realized_pnl,
			one_sided, opened_at, updated_at, closed_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10, $11,
			$12, $13, $14, $15
		)
		ON CONFLICT (id) DO UPDATE SET
			state         = EXCLUDED.state,
			legs          = EXCLUDED.legs,
			exit_attempts = EXCLUDED.exit_attempts,
			realized_pnl  = EXCLUDED.realized_pnl,
			one_sided     = EXCLUDED.one_sided,
			updated_at    = EXCLUDED.updated_at,
			closed_at     = EXCLUDED.closed_at`

	_, err = s.pool.Exec(ctx, query,
		p.ID, p.MarketID, p.ReservationID, string(p.State), legs,
		p.Edge, p.EntryCost, p.TakeProfit, p.StopLoss, p.ExitAttempts, p.RealizedPnL,
		p.OneSided, p.OpenedAt, p.UpdatedAt, p.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert position %s: %w", p.ID, err)
	}
	return nil
}

// GetByID retrieves a single position by its ID.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// ListActive returns positions that still hold risk: every non-terminal
// state plus one-sided positions awaiting operator resolution.
func (s *PositionStore) ListActive(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE state NOT IN ('closed', 'failed', 'cancelled') OR one_sided
		 ORDER BY opened_at`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active positions: %w", err)
	}
	positions, err := collectPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan active positions: %w", err)
	}
	return positions, nil
}

// ListClosed returns closed positions, newest first.
func (s *PositionStore) ListClosed(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error) {
	query, args := buildListQuery(
		`SELECT `+positionSelectCols+` FROM positions WHERE state = 'closed'`,
		"closed_at", opts, nil,
	)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed positions: %w", err)
	}
	positions, err := collectPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan closed positions: %w", err)
	}
	return positions, nil
}

// Compile-time interface check.
var _ domain.PositionStore = (*PositionStore)(nil)
