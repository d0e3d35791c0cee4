package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/alanyoungcy/pairarb/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// BookMirror implements domain.BookMirror by storing each instrument's top of
// book in a Redis hash.
//
// Key schema:
//
//	book:{instrumentID}:top - hash with bid, bid_size, ask, ask_size, seq,
//	                          degraded and ts (unix millis)
//
// Prices are written as decimal strings. A missing side is written as an
// empty string.
type BookMirror struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewBookMirror creates a BookMirror. Keys expire after ttl without writes;
// zero keeps them forever.
func NewBookMirror(c *Client, ttl time.Duration) *BookMirror {
	return &BookMirror{rdb: c.Underlying(), ttl: ttl}
}

func bookTopKey(instrumentID string) string { return "book:" + instrumentID + ":top" }

// SetTop atomically replaces the mirrored top of book.
func (bm *BookMirror) SetTop(ctx context.Context, top domain.TopOfBook, degraded bool) error {
	key := bookTopKey(top.InstrumentID)
	fields := topFields(top, degraded)

	pipe := bm.rdb.TxPipeline()
	pipe.HSet(ctx, key, fields)
	if bm.ttl > 0 {
		pipe.Expire(ctx, key, bm.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set top %s: %w", top.InstrumentID, err)
	}
	return nil
}

// GetTop reads the mirrored top of book. ok is false when nothing is stored.
func (bm *BookMirror) GetTop(ctx context.Context, instrumentID string) (domain.TopOfBook, bool, error) {
	vals, err := bm.rdb.HGetAll(ctx, bookTopKey(instrumentID)).Result()
	if err != nil {
		return domain.TopOfBook{}, false, fmt.Errorf("redis: get top %s: %w", instrumentID, err)
	}
	if len(vals) == 0 {
		return domain.TopOfBook{}, false, nil
	}
	top, _, err := parseTopFields(instrumentID, vals)
	if err != nil {
		return domain.TopOfBook{}, false, fmt.Errorf("redis: get top %s: %w", instrumentID, err)
	}
	return top, true, nil
}

func topFields(top domain.TopOfBook, degraded bool) map[string]any {
	f := map[string]any{
		"bid":      "",
		"bid_size": "",
		"ask":      "",
		"ask_size": "",
		"seq":      strconv.FormatUint(top.Seq, 10),
		"degraded": strconv.FormatBool(degraded),
		"ts":       strconv.FormatInt(top.UpdatedAt.UnixMilli(), 10),
	}
	if top.HasBid {
		f["bid"] = top.BestBid.Price.String()
		f["bid_size"] = top.BestBid.Size.String()
	}
	if top.HasAsk {
		f["ask"] = top.BestAsk.Price.String()
		f["ask_size"] = top.BestAsk.Size.String()
	}
	return f
}

func parseTopFields(instrumentID string, vals map[string]string) (domain.TopOfBook, bool, error) {
	top := domain.TopOfBook{InstrumentID: instrumentID}

	var err error
	if top.BestBid, top.HasBid, err = parseLevel(vals["bid"], vals["bid_size"]); err != nil {
		return top, false, fmt.Errorf("bid: %w", err)
	}
	if top.BestAsk, top.HasAsk, err = parseLevel(vals["ask"], vals["ask_size"]); err != nil {
		return top, false, fmt.Errorf("ask: %w", err)
	}
	if s := vals["seq"]; s != "" {
		if top.Seq, err = strconv.ParseUint(s, 10, 64); err != nil {
			return top, false, fmt.Errorf("seq: %w", err)
		}
	}
	if s := vals["ts"]; s != "" {
		ms, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return top, false, fmt.Errorf("ts: %w", err)
		}
		top.UpdatedAt = time.UnixMilli(ms).UTC()
	}
	degraded, _ := strconv.ParseBool(vals["degraded"])
	return top, degraded, nil
}

func parseLevel(price, size string) (domain.PriceLevel, bool, error) {
	if price == "" {
		return domain.PriceLevel{}, false, nil
	}
	p, err := decimal.NewFromString(price)
	if err != nil {
		return domain.PriceLevel{}, false, err
	}
	s, err := decimal.NewFromString(size)
	if err != nil {
		return domain.PriceLevel{}, false, err
	}
	return domain.PriceLevel{Price: p, Size: s}, true, nil
}

// Compile-time interface check.
var _ domain.BookMirror = (*BookMirror)(nil)
