package handler

import (
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/pairarb/internal/arbitrage"
	"github.com/alanyoungcy/pairarb/internal/domain"
)

// Quoter computes the live invariant of a linked market.
type Quoter interface {
	Quote(market domain.LinkedMarket, books domain.BookReader, health domain.HealthView) arbitrage.Quote
}

// MarketHandler serves the live view of every configured market.
type MarketHandler struct {
	markets []domain.LinkedMarket
	books   domain.BookReader
	health  domain.HealthView
	quoter  Quoter
	endsAt  map[string]time.Time
	now     func() time.Time
}

// NewMarketHandler creates a MarketHandler.
func NewMarketHandler(markets []domain.LinkedMarket, books domain.BookReader, health domain.HealthView, quoter Quoter) *MarketHandler {
	return &MarketHandler{markets: markets, books: books, health: health, quoter: quoter, now: time.Now}
}

// WithExpiry adds the resolution time of each market, keyed by market id,
// and a countdown to it. The map must not change after the server starts.
func (h *MarketHandler) WithExpiry(endsAt map[string]time.Time) *MarketHandler {
	h.endsAt = endsAt
	return h
}

type legView struct {
	InstrumentID string             `json:"instrument_id"`
	Role         domain.OutcomeRole `json:"role"`
	Degraded     bool               `json:"degraded"`
	BestBid      *domain.PriceLevel `json:"best_bid,omitempty"`
	BestAsk      *domain.PriceLevel `json:"best_ask,omitempty"`
	Seq          uint64             `json:"seq"`
}

type marketView struct {
	ID       string          `json:"id"`
	Complete bool            `json:"complete"`
	Sum      decimal.Decimal `json:"sum"`
	Edge     decimal.Decimal `json:"edge"`
	Depth    decimal.Decimal `json:"depth"`
	EndsAt   *time.Time      `json:"ends_at,omitempty"`
	EndsIn   string          `json:"ends_in,omitempty"`
	Expired  bool            `json:"expired,omitempty"`
	Legs     []legView       `json:"legs"`
}

// ListMarkets returns the books and current edge of every market.
// GET /api/markets
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	out := make([]marketView, 0, len(h.markets))
	for _, m := range h.markets {
		out = append(out, h.view(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"markets": out})
}

// GetMarket returns one market.
// GET /api/markets/{id}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	for _, m := range h.markets {
		if m.ID == id {
			writeJSON(w, http.StatusOK, h.view(m))
			return
		}
	}
	writeError(w, http.StatusNotFound, "market not found")
}

func (h *MarketHandler) view(m domain.LinkedMarket) marketView {
	q := h.quoter.Quote(m, h.books, h.health)
	v := marketView{ID: m.ID, Complete: q.Complete, Sum: q.Sum, Edge: q.Edge, Depth: q.Depth}
	if end, ok := h.endsAt[m.ID]; ok {
		end = end.UTC()
		v.EndsAt = &end
		if left := end.Sub(h.now()); left > 0 {
			v.EndsIn = left.Round(time.Second).String()
		} else {
			v.Expired = true
		}
	}
	for _, leg := range m.Legs {
		lv := legView{InstrumentID: leg.ID, Role: leg.Role, Degraded: h.health.Degraded(leg.ID)}
		if top, ok := h.books.TopOfBook(leg.ID); ok {
			lv.Seq = top.Seq
			if top.HasBid {
				bid := top.BestBid
				lv.BestBid = &bid
			}
			if top.HasAsk {
				ask := top.BestAsk
				lv.BestAsk = &ask
			}
		}
		v.Legs = append(v.Legs, lv)
	}
	return v
}
