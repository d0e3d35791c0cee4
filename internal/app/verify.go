package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/pairarb/internal/platform/polymarket"
)

// marketLookup resolves exchange metadata for a market id.
type marketLookup interface {
	MarketByCondition(ctx context.Context, conditionID string) (polymarket.MarketInfo, error)
}

// verifyMarkets checks every configured market against the exchange and
// records each market's resolution time for the status API. A market that
// already ended counts as a mismatch. In trade mode a mismatch aborts
// startup; otherwise it is only logged.
func (a *App) verifyMarkets(ctx context.Context, lookup marketLookup) error {
	var errs []error
	now := time.Now()
	for _, m := range a.cfg.LinkedMarkets() {
		info, err := lookup.MarketByCondition(ctx, m.ID)
		if err == nil {
			err = polymarket.VerifyMarket(info, m)
		}
		if err == nil && !info.EndsAt.IsZero() {
			if a.endsAt == nil {
				a.endsAt = make(map[string]time.Time)
			}
			a.endsAt[m.ID] = info.EndsAt
			if !info.EndsAt.After(now) {
				err = fmt.Errorf("market %s ended at %s", m.ID, info.EndsAt.UTC().Format(time.RFC3339))
			}
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		attrs := []any{
			slog.String("market_id", m.ID),
			slog.String("question", info.Question),
			slog.Bool("active", info.Active),
		}
		if !info.EndsAt.IsZero() {
			attrs = append(attrs, slog.Duration("ends_in", info.EndsAt.Sub(now).Round(time.Second)))
		}
		a.logger.InfoContext(ctx, "market verified", attrs...)
	}

	err := errors.Join(errs...)
	if err == nil {
		return nil
	}
	if a.cfg.Mode == "trade" {
		return fmt.Errorf("app: verify markets: %w", err)
	}
	a.logger.WarnContext(ctx, "market verification failed", slog.String("error", err.Error()))
	return nil
}
