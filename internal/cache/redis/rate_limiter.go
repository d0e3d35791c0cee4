package redis

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/pairarb/internal/domain"
)

//go:embed scripts/sliding_window.lua
var slidingWindowLua string

const (
	minWaitStep = 10 * time.Millisecond
	maxWaitStep = time.Second
)

// RateLimiter is a sliding-window limiter shared by every engine process:
// order submission in the live gateway and per-client limits on the status
// API.
type RateLimiter struct {
	rdb    *redis.Client
	window *redis.Script
}

func NewRateLimiter(c *Client) *RateLimiter {
	return &RateLimiter{rdb: c.Underlying(), window: redis.NewScript(slidingWindowLua)}
}

func rateLimitKey(key string) string { return "ratelimit:" + key }

// windowResult is one evaluation of the sliding window script.
type windowResult struct {
	allowed    bool
	count      int64
	retryAfter time.Duration
}

func parseWindowResult(vals []int64) (windowResult, error) {
	if len(vals) != 3 {
		return windowResult{}, fmt.Errorf("unexpected script result %v", vals)
	}
	return windowResult{
		allowed:    vals[0] == 1,
		count:      vals[1],
		retryAfter: time.Duration(vals[2]) * time.Microsecond,
	}, nil
}

func (rl *RateLimiter) take(ctx context.Context, key string, limit int, window time.Duration) (windowResult, error) {
	vals, err := rl.window.Run(ctx, rl.rdb, []string{rateLimitKey(key)},
		time.Now().UnixMicro(), window.Microseconds(), limit).Int64Slice()
	if err != nil {
		return windowResult{}, fmt.Errorf("redis: rate limit %s: %w", key, err)
	}
	res, err := parseWindowResult(vals)
	if err != nil {
		return windowResult{}, fmt.Errorf("redis: rate limit %s: %w", key, err)
	}
	return res, nil
}

// Allow counts one request against key and reports whether it fits in
// limit per window.
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	res, err := rl.take(ctx, key, limit, window)
	if err != nil {
		return false, err
	}
	return res.allowed, nil
}

// Wait blocks until key has room, sleeping until the oldest entry in the
// window expires.
func (rl *RateLimiter) Wait(ctx context.Context, key string, limit int, window time.Duration) error {
	for {
		res, err := rl.take(ctx, key, limit, window)
		if err != nil {
			return err
		}
		if res.allowed {
			return nil
		}

		timer := time.NewTimer(waitStep(res.retryAfter))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("redis: rate limit wait %s: %w", key, ctx.Err())
		case <-timer.C:
		}
	}
}

func waitStep(hint time.Duration) time.Duration {
	return min(max(hint, minWaitStep), maxWaitStep)
}

var _ domain.RateLimiter = (*RateLimiter)(nil)
