package orderbook

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/pairarb/internal/domain"
)

// normalizeSide copies levels, drops zero sizes, collapses duplicate prices
// (last one wins) and sorts them for the given side.
func normalizeSide(levels []domain.PriceLevel, side domain.BookSide) ([]domain.PriceLevel, error) {
	byPrice := make(map[string]int, len(levels))
	out := make([]domain.PriceLevel, 0, len(levels))
	for _, lvl := range levels {
		if err := checkLevel(lvl.Price, lvl.Size); err != nil {
			return nil, err
		}
		key := lvl.Price.String()
		if i, ok := byPrice[key]; ok {
			out[i].Size = lvl.Size
			continue
		}
		byPrice[key] = len(out)
		out = append(out, lvl)
	}

	kept := out[:0]
	for _, lvl := range out {
		if lvl.Size.IsPositive() {
			kept = append(kept, lvl)
		}
	}
	sortSide(kept, side)
	return kept, nil
}

func sortSide(levels []domain.PriceLevel, side domain.BookSide) {
	if side == domain.SideBid {
		sort.Slice(levels, func(i, j int) bool { return levels[i].Price.GreaterThan(levels[j].Price) })
		return
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i].Price.LessThan(levels[j].Price) })
}

// upsertLevel returns a new slice with the level at price set to size, or
// removed when size is zero. The input slice is never modified.
func upsertLevel(levels []domain.PriceLevel, side domain.BookSide, price, size decimal.Decimal) []domain.PriceLevel {
	idx := sort.Search(len(levels), func(i int) bool {
		if side == domain.SideBid {
			return levels[i].Price.LessThanOrEqual(price)
		}
		return levels[i].Price.GreaterThanOrEqual(price)
	})
	found := idx < len(levels) && levels[idx].Price.Equal(price)

	switch {
	case size.IsZero() && !found:
		return levels
	case size.IsZero():
		out := make([]domain.PriceLevel, 0, len(levels)-1)
		out = append(out, levels[:idx]...)
		return append(out, levels[idx+1:]...)
	case found:
		out := append([]domain.PriceLevel(nil), levels...)
		out[idx].Size = size
		return out
	default:
		out := make([]domain.PriceLevel, 0, len(levels)+1)
		out = append(out, levels[:idx]...)
		out = append(out, domain.PriceLevel{Price: price, Size: size})
		return append(out, levels[idx:]...)
	}
}

func checkLevel(price, size decimal.Decimal) error {
	if !price.IsPositive() {
		return ErrInvalidLevel
	}
	if size.IsNegative() {
		return ErrInvalidLevel
	}
	return nil
}
