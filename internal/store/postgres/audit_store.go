package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/pairarb/internal/domain"
)

const auditColumns = `id, event, market_id, position_id, detail, created_at`

// AuditStore is the append-only audit log of engine events and archive
// uploads.
type AuditStore struct {
	pool *pgxpool.Pool
}

func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool}
}

// Log appends an entry. market_id and position_id in detail are also stored
// in their own columns so a position's trail can be queried.
func (s *AuditStore) Log(ctx context.Context, event string, detail map[string]any) error {
	raw, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("postgres: marshal audit %s: %w", event, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO audit_log (event, market_id, position_id, detail) VALUES ($1, $2, $3, $4)`,
		event, detailString(detail, "market_id"), detailString(detail, "position_id"), raw)
	if err != nil {
		return fmt.Errorf("postgres: log audit %s: %w", event, err)
	}
	return nil
}

// List returns entries newest first.
func (s *AuditStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	query, args := buildListQuery(`SELECT `+auditColumns+` FROM audit_log WHERE 1=1`, "created_at", opts, nil)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list audit: %w", err)
	}
	return collectAudit(rows)
}

func (s *AuditStore) Trail(ctx context.Context, positionID string) ([]domain.AuditEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+auditColumns+` FROM audit_log WHERE position_id = $1 ORDER BY id ASC`, positionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: audit trail %s: %w", positionID, err)
	}
	return collectAudit(rows)
}

func collectAudit(rows pgx.Rows) ([]domain.AuditEntry, error) {
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.AuditEntry, error) {
		var (
			e   domain.AuditEntry
			raw []byte
		)
		if err := row.Scan(&e.ID, &e.Event, &e.MarketID, &e.PositionID, &raw, &e.CreatedAt); err != nil {
			return e, err
		}
		if raw != nil {
			if err := json.Unmarshal(raw, &e.Detail); err != nil {
				return e, fmt.Errorf("audit %d detail: %w", e.ID, err)
			}
		}
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: scan audit: %w", err)
	}
	return entries, nil
}

func detailString(detail map[string]any, key string) string {
	if s, ok := detail[key].(string); ok {
		return s
	}
	return ""
}

var _ domain.AuditStore = (*AuditStore)(nil)
