package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/pairarb/internal/domain"
	"github.com/alanyoungcy/pairarb/internal/executor"
)

// PositionSource is the live position book.
type PositionSource interface {
	Active() []domain.Position
	Position(id string) (domain.Position, bool)
	ResolveExposure(ctx context.Context, positionID string) error
}

// PositionHandler serves live and historical positions.
type PositionHandler struct {
	live    PositionSource
	history domain.PositionStore
	audit   domain.AuditStore
	logger  *slog.Logger
}

// NewPositionHandler creates a PositionHandler. live is nil in monitor mode
// and history is nil without a database.
func NewPositionHandler(live PositionSource, history domain.PositionStore, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{live: live, history: history, logger: logger.With(slog.String("handler", "positions"))}
}

// WithAudit enables the per-position audit trail.
func (h *PositionHandler) WithAudit(audit domain.AuditStore) *PositionHandler {
	h.audit = audit
	return h
}

// ListActive returns positions still holding risk.
// GET /api/positions
func (h *PositionHandler) ListActive(w http.ResponseWriter, r *http.Request) {
	positions := []domain.Position{}
	if h.live != nil {
		positions = append(positions, h.live.Active()...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": positions})
}

// GetPosition returns one live position, falling back to the store.
// GET /api/positions/{id}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if h.live != nil {
		if pos, ok := h.live.Position(id); ok {
			writeJSON(w, http.StatusOK, pos)
			return
		}
	}
	if h.history == nil {
		writeError(w, http.StatusNotFound, "position not found")
		return
	}
	pos, err := h.history.GetByID(r.Context(), id)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "position not found")
	case err != nil:
		h.logger.ErrorContext(r.Context(), "get position failed", slog.String("position_id", id), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to load position")
	default:
		writeJSON(w, http.StatusOK, pos)
	}
}

// ListClosed returns closed positions from the store, newest first.
// GET /api/positions/closed?limit=&offset=
func (h *PositionHandler) ListClosed(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusNotImplemented, "position history not configured")
		return
	}
	positions, err := h.history.ListClosed(r.Context(), parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list closed positions failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list positions")
		return
	}
	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": positions})
}

// GetAudit returns the audit trail of one position, oldest first.
// GET /api/positions/{id}/audit
func (h *PositionHandler) GetAudit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		writeError(w, http.StatusNotImplemented, "audit log not configured")
		return
	}
	id := r.PathValue("id")
	entries, err := h.audit.Trail(r.Context(), id)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "audit trail failed", slog.String("position_id", id), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to load audit trail")
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"position_id": id, "entries": entries})
}

// Resolve acknowledges an escalated position after the operator has
// flattened it by hand, releasing its reserved exposure.
// POST /api/positions/{id}/resolve
func (h *PositionHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	if h.live == nil {
		writeError(w, http.StatusNotImplemented, "execution disabled")
		return
	}
	id := r.PathValue("id")
	err := h.live.ResolveExposure(r.Context(), id)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "position not found")
	case errors.Is(err, executor.ErrNoExposure):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		h.logger.ErrorContext(r.Context(), "resolve failed", slog.String("position_id", id), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to resolve position")
	default:
		h.logger.InfoContext(r.Context(), "exposure resolved", slog.String("position_id", id))
		writeJSON(w, http.StatusOK, map[string]string{"status": "resolved", "position_id": id})
	}
}
