// Package arbitrage evaluates the complementary-sum invariant of linked
// markets. Everything here is a pure function of book state and
// configuration.
package arbitrage

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/pairarb/internal/domain"
)

var (
	one      = decimal.NewFromInt(1)
	bpsScale = decimal.NewFromInt(10_000)
)

// DetectorConfig configures the detector.
type DetectorConfig struct {
	MinEdge   decimal.Decimal // minimum edge in price units, inclusive
	OrderSize decimal.Decimal // requested size per leg
	MinSize   decimal.Decimal // smallest size worth trading
	FeeBps    decimal.Decimal // taker fee applied to every leg price
}

// Detector finds opportunities in linked markets.
type Detector struct {
	cfg     DetectorConfig
	feeMult decimal.Decimal
}

// NewDetector creates a detector.
func NewDetector(cfg DetectorConfig) *Detector {
	return &Detector{
		cfg:     cfg,
		feeMult: one.Add(cfg.FeeBps.Div(bpsScale)),
	}
}

// Config returns the detector configuration.
func (d *Detector) Config() DetectorConfig { return d.cfg }

// Quote is the current invariant reading of a linked market regardless of
// thresholds.
type Quote struct {
	MarketID string          `json:"market_id"`
	Complete bool            `json:"complete"` // every leg has a best ask and is healthy
	Sum      decimal.Decimal `json:"sum"`      // fee-adjusted sum of best asks
	Edge     decimal.Decimal `json:"edge"`
	Depth    decimal.Decimal `json:"depth"` // smallest best-ask size across legs
}

// Quote computes the invariant for market. Legs without a best ask or marked
// degraded make the quote incomplete.
func (d *Detector) Quote(market domain.LinkedMarket, books domain.BookReader, health domain.HealthView) Quote {
	q := Quote{MarketID: market.ID, Complete: true}
	first := true
	for _, leg := range market.Legs {
		if health != nil && health.Degraded(leg.ID) {
			q.Complete = false
			continue
		}
		top, ok := books.TopOfBook(leg.ID)
		if !ok || !top.HasAsk || !top.BestAsk.Size.IsPositive() {
			q.Complete = false
			continue
		}
		q.Sum = q.Sum.Add(top.BestAsk.Price.Mul(d.feeMult))
		if first || top.BestAsk.Size.LessThan(q.Depth) {
			q.Depth = top.BestAsk.Size
			first = false
		}
	}
	q.Edge = one.Sub(q.Sum)
	return q
}

// Evaluate returns an opportunity when every leg is healthy and quoted, the
// edge is at least MinEdge and the depth at the best asks supports at least
// MinSize. A nil health view treats every leg as healthy.
func (d *Detector) Evaluate(market domain.LinkedMarket, books domain.BookReader, health domain.HealthView, now time.Time) (domain.Opportunity, bool) {
	if len(market.Legs) < 2 {
		return domain.Opportunity{}, false
	}

	legs := make([]domain.OpportunityLeg, 0, len(market.Legs))
	sum := decimal.Zero
	size := d.cfg.OrderSize
	for _, leg := range market.Legs {
		if health != nil && health.Degraded(leg.ID) {
			return domain.Opportunity{}, false
		}
		top, ok := books.TopOfBook(leg.ID)
		if !ok || !top.HasAsk || !top.BestAsk.Size.IsPositive() {
			return domain.Opportunity{}, false
		}
		sum = sum.Add(top.BestAsk.Price.Mul(d.feeMult))
		size = decimal.Min(size, top.BestAsk.Size)
		legs = append(legs, domain.OpportunityLeg{InstrumentID: leg.ID, Price: top.BestAsk.Price})
	}

	edge := one.Sub(sum)
	if edge.LessThan(d.cfg.MinEdge) {
		return domain.Opportunity{}, false
	}
	if !size.IsPositive() || size.LessThan(d.cfg.MinSize) {
		return domain.Opportunity{}, false
	}

	for i := range legs {
		legs[i].Size = size
	}
	return domain.Opportunity{
		ID:         fmt.Sprintf("%s-%d", market.ID, now.UnixNano()),
		MarketID:   market.ID,
		Edge:       edge,
		Size:       size,
		Cost:       sum.Mul(size),
		Legs:       legs,
		DetectedAt: now,
	}, true
}
