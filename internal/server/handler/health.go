package handler

import (
	"net/http"
	"time"
)

// FeedHealth reports feed state for the health check.
type FeedHealth interface {
	DegradedInstruments() []string
}

// HealthHandler serves the health-check endpoint.
type HealthHandler struct {
	feed      FeedHealth
	mode      string
	startedAt time.Time
}

// NewHealthHandler creates a HealthHandler. feed may be nil.
func NewHealthHandler(feed FeedHealth, mode string, startedAt time.Time) *HealthHandler {
	return &HealthHandler{feed: feed, mode: mode, startedAt: startedAt}
}

// HealthCheck reports liveness plus degraded instruments. The status is
// "degraded" while any instrument awaits a resync; the code stays 200.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	degraded := []string{}
	if h.feed != nil {
		if d := h.feed.DegradedInstruments(); len(d) > 0 {
			status, degraded = "degraded", d
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         status,
		"mode":           h.mode,
		"degraded":       degraded,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	})
}
