package strategy

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/pairarb/internal/domain"
)

// MarketStats counts what happened on one linked market this session.
type MarketStats struct {
	MarketID      string          `json:"market_id"`
	Opportunities int64           `json:"opportunities"`
	Rejected      int64           `json:"rejected"`
	Opened        int64           `json:"opened"`
	Failed        int64           `json:"failed"`
	Closed        int64           `json:"closed"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
}

func (m *MarketStats) add(o MarketStats) {
	m.Opportunities += o.Opportunities
	m.Rejected += o.Rejected
	m.Opened += o.Opened
	m.Failed += o.Failed
	m.Closed += o.Closed
	m.RealizedPnL = m.RealizedPnL.Add(o.RealizedPnL)
}

// SessionStats is a snapshot of the whole session.
type SessionStats struct {
	StartedAt time.Time     `json:"started_at"`
	Uptime    string        `json:"uptime"`
	Markets   []MarketStats `json:"markets"`
	Total     MarketStats   `json:"total"`
}

// Stats aggregates per-market session counters. Safe for concurrent use.
type Stats struct {
	mu      sync.Mutex
	started time.Time
	markets map[string]*MarketStats
}

// NewStats creates session stats for the given markets.
func NewStats(marketIDs []string) *Stats {
	s := &Stats{started: time.Now(), markets: make(map[string]*MarketStats, len(marketIDs))}
	for _, id := range marketIDs {
		s.markets[id] = &MarketStats{MarketID: id}
	}
	return s
}

func (s *Stats) update(marketID string, fn func(*MarketStats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markets[marketID]
	if !ok {
		m = &MarketStats{MarketID: marketID}
		s.markets[marketID] = m
	}
	fn(m)
}

func (s *Stats) opportunity(marketID string) { s.update(marketID, func(m *MarketStats) { m.Opportunities++ }) }
func (s *Stats) rejected(marketID string)    { s.update(marketID, func(m *MarketStats) { m.Rejected++ }) }
func (s *Stats) opened(marketID string)      { s.update(marketID, func(m *MarketStats) { m.Opened++ }) }
func (s *Stats) failed(marketID string)      { s.update(marketID, func(m *MarketStats) { m.Failed++ }) }

// PositionClosed records a closed position's realized PnL.
func (s *Stats) PositionClosed(pos domain.Position) {
	s.update(pos.MarketID, func(m *MarketStats) {
		m.Closed++
		m.RealizedPnL = m.RealizedPnL.Add(pos.RealizedPnL)
	})
}

// Snapshot returns the current counters sorted by market id.
func (s *Stats) Snapshot() SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := SessionStats{
		StartedAt: s.started,
		Uptime:    time.Since(s.started).Round(time.Second).String(),
		Markets:   make([]MarketStats, 0, len(s.markets)),
		Total:     MarketStats{MarketID: "total"},
	}
	for _, m := range s.markets {
		out.Markets = append(out.Markets, *m)
		out.Total.add(*m)
	}
	sort.Slice(out.Markets, func(i, j int) bool { return out.Markets[i].MarketID < out.Markets[j].MarketID })
	return out
}

// Log writes one line per market plus the session total.
func (s *Stats) Log(logger *slog.Logger) {
	snap := s.Snapshot()
	for _, m := range snap.Markets {
		logger.Info("market stats", marketAttrs(m)...)
	}
	logger.Info("session stats", append(marketAttrs(snap.Total), slog.String("uptime", snap.Uptime))...)
}

func marketAttrs(m MarketStats) []any {
	return []any{
		slog.String("market_id", m.MarketID),
		slog.Int64("opportunities", m.Opportunities),
		slog.Int64("rejected", m.Rejected),
		slog.Int64("opened", m.Opened),
		slog.Int64("failed", m.Failed),
		slog.Int64("closed", m.Closed),
		slog.String("realized_pnl", m.RealizedPnL.String()),
	}
}
