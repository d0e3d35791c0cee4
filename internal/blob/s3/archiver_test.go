package s3blob

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/pairarb/internal/domain"
)

type memWriter struct {
	objects map[string][]byte
	types   map[string]string
	err     error
}

func (m *memWriter) Put(_ context.Context, path string, data io.Reader, contentType string) error {
	if m.err != nil {
		return m.err
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.objects[path] = b
	m.types[path] = contentType
	return nil
}

type memAudit struct {
	events []string
}

func (a *memAudit) Log(_ context.Context, event string, _ map[string]any) error {
	a.events = append(a.events, event)
	return nil
}

func (a *memAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func (a *memAudit) Trail(context.Context, string) ([]domain.AuditEntry, error) {
	return nil, nil
}

func closedPosition() domain.Position {
	closed := time.Date(2026, 10, 15, 23, 59, 0, 0, time.UTC)
	return domain.Position{
		ID:          "pos-1",
		MarketID:    "m1",
		State:       domain.PositionClosed,
		EntryCost:   decimal.RequireFromString("4.80"),
		RealizedPnL: decimal.RequireFromString("0.10"),
		UpdatedAt:   closed,
		ClosedAt:    &closed,
	}
}

func TestArchiveWritesPartitionedJSON(t *testing.T) {
	w := &memWriter{objects: map[string][]byte{}, types: map[string]string{}}
	audit := &memAudit{}
	a := NewPositionArchiver(w, audit, "")

	require.NoError(t, a.Archive(context.Background(), closedPosition()))

	const path = "positions/2026/10/15/pos-1.json"
	require.Contains(t, w.objects, path)
	assert.Equal(t, "application/json", w.types[path])

	var got domain.Position
	require.NoError(t, json.Unmarshal(w.objects[path], &got))
	assert.Equal(t, "pos-1", got.ID)
	assert.True(t, got.RealizedPnL.Equal(decimal.RequireFromString("0.10")))
	assert.Equal(t, []string{"archive.position"}, audit.events)
}

func TestArchiveUploadError(t *testing.T) {
	w := &memWriter{err: errors.New("boom")}
	a := NewPositionArchiver(w, nil, "arch")
	err := a.Archive(context.Background(), closedPosition())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pos-1")
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "https://e2.example.com", normaliseEndpoint("e2.example.com", true))
	assert.Equal(t, "http://e2.example.com", normaliseEndpoint("e2.example.com", false))
	assert.Equal(t, "https://s3.example.com", normaliseEndpoint("https://s3.example.com", false))
}

func TestNormaliseEndpointHostPort(t *testing.T) {
	assert.Equal(t, "http://localhost:9000", normaliseEndpoint("localhost:9000", false))
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(context.Background(), ClientConfig{AccessKey: "k"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket is required")
	assert.Contains(t, err.Error(), "region is required")
	assert.Contains(t, err.Error(), "set together")
}
