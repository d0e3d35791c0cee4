package handler

import (
	"net/http"

	"github.com/alanyoungcy/pairarb/internal/domain"
	"github.com/alanyoungcy/pairarb/internal/risk"
	"github.com/alanyoungcy/pairarb/internal/strategy"
)

// StatsSource exposes session statistics.
type StatsSource interface {
	Snapshot() strategy.SessionStats
}

// GateSource exposes risk gate usage.
type GateSource interface {
	Snapshot() risk.Snapshot
}

// RiskSource exposes recent escalations.
type RiskSource interface {
	RecentRisk() []domain.RiskEvent
}

// StatusHandler serves session stats and the risk picture.
type StatusHandler struct {
	stats StatsSource
	gate  GateSource
	risk  RiskSource
}

// NewStatusHandler creates a StatusHandler. gate is nil in monitor mode.
func NewStatusHandler(stats StatsSource, gate GateSource, risk RiskSource) *StatusHandler {
	return &StatusHandler{stats: stats, gate: gate, risk: risk}
}

// GetStats returns per-market and total counters.
// GET /api/stats
func (h *StatusHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.stats.Snapshot())
}

// GetRisk returns gate usage and the latest escalations.
// GET /api/risk
func (h *StatusHandler) GetRisk(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"events": []domain.RiskEvent{}}
	if h.gate != nil {
		resp["gate"] = h.gate.Snapshot()
	}
	if h.risk != nil {
		if evts := h.risk.RecentRisk(); len(evts) > 0 {
			resp["events"] = evts
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
