package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/alanyoungcy/pairarb/internal/domain"
)

// PositionArchiver writes closed positions to blob storage as JSON documents
// partitioned by close date:
//
//	positions/2026/10/15/<position-id>.json
//
// Each upload is recorded in the audit log when one is configured. Rows are
// never deleted from the primary store here.
type PositionArchiver struct {
	writer domain.BlobWriter
	audit  domain.AuditStore
	prefix string
}

// NewPositionArchiver creates an archiver. audit may be nil.
func NewPositionArchiver(writer domain.BlobWriter, audit domain.AuditStore, prefix string) *PositionArchiver {
	if prefix == "" {
		prefix = "positions"
	}
	return &PositionArchiver{writer: writer, audit: audit, prefix: prefix}
}

// Archive uploads one position.
func (a *PositionArchiver) Archive(ctx context.Context, pos domain.Position) error {
	buf, err := marshalJSON(pos)
	if err != nil {
		return fmt.Errorf("s3blob: archive position %s marshal: %w", pos.ID, err)
	}

	path := positionPath(a.prefix, pos)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/json"); err != nil {
		return fmt.Errorf("s3blob: archive position %s upload: %w", pos.ID, err)
	}

	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.position", map[string]any{
			"path":        path,
			"position_id": pos.ID,
			"market_id":   pos.MarketID,
		}); err != nil {
			return fmt.Errorf("s3blob: archive position %s audit log: %w", pos.ID, err)
		}
	}
	return nil
}

// positionPath partitions by ClosedAt, falling back to UpdatedAt.
func positionPath(prefix string, pos domain.Position) string {
	at := pos.UpdatedAt
	if pos.ClosedAt != nil {
		at = *pos.ClosedAt
	}
	return fmt.Sprintf("%s/%s/%s.json", prefix, at.UTC().Format("2006/01/02"), pos.ID)
}

func marshalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

