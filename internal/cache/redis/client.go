// Package redis backs the engine's shared state with go-redis/v9: the
// top-of-book mirror, the event bus, per-market trading locks and the
// order submission rate limiter.
package redis

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultClientName = "pairarb"

// ClientConfig holds connection parameters for the Redis client.
type ClientConfig struct {
	Addr        string
	Password    string
	DB          int
	PoolSize    int
	MaxRetries  int
	TLSEnabled  bool
	ClientName  string
	DialTimeout time.Duration
}

// Client owns the go-redis connection pool shared by every adapter in this
// package.
type Client struct {
	rdb *redis.Client
}

func options(cfg ClientConfig) *redis.Options {
	name := cfg.ClientName
	if name == "" {
		name = defaultClientName
	}
	opts := &redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		MaxRetries:  cfg.MaxRetries,
		ClientName:  name,
		DialTimeout: cfg.DialTimeout,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opts
}

// New connects and pings. A failed ping closes the pool and is returned.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	rdb := redis.NewClient(options(cfg))
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: connect %s: %w", cfg.Addr, err)
	}
	return &Client{rdb: rdb}, nil
}

// Ping checks the connection.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	return nil
}

func (c *Client) Close() error { return c.rdb.Close() }

// Underlying returns the raw driver for the adapters in this package.
func (c *Client) Underlying() *redis.Client { return c.rdb }
