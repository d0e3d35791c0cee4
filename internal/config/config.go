// Package config defines the top-level configuration for the arbitrage engine
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/pairarb/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a TOML
// or YAML file and then optionally overridden by PAIRARB_* environment
// variables. It is never mutated after startup.
type Config struct {
	Mode       string           `toml:"mode" yaml:"mode"`
	LogLevel   string           `toml:"log_level" yaml:"log_level"`
	Log        LogConfig        `toml:"log" yaml:"log"`
	Account    AccountConfig    `toml:"account" yaml:"account"`
	Polymarket PolymarketConfig `toml:"polymarket" yaml:"polymarket"`
	Markets    []MarketConfig   `toml:"markets" yaml:"markets"`
	Strategy   StrategyConfig   `toml:"strategy" yaml:"strategy"`
	Risk       RiskConfig       `toml:"risk" yaml:"risk"`
	Execution  ExecutionConfig  `toml:"execution" yaml:"execution"`
	Feed       FeedConfig       `toml:"feed" yaml:"feed"`
	Redis      RedisConfig      `toml:"redis" yaml:"redis"`
	Postgres   PostgresConfig   `toml:"postgres" yaml:"postgres"`
	S3         S3Config         `toml:"s3" yaml:"s3"`
	NATS       NATSConfig       `toml:"nats" yaml:"nats"`
	Server     ServerConfig     `toml:"server" yaml:"server"`
	Notify     NotifyConfig     `toml:"notify" yaml:"notify"`
}

// LogConfig controls the optional rotating log file. Stdout logging is
// always on.
type LogConfig struct {
	Format     string `toml:"format" yaml:"format"` // json or text
	File       string `toml:"file" yaml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `toml:"compress" yaml:"compress"`
}

// AccountConfig identifies the trading account. Order signing and key
// custody happen outside the engine; only the L2 API credentials are read.
type AccountConfig struct {
	Address       string `toml:"address" yaml:"address"`
	APIKey        string `toml:"api_key" yaml:"api_key"`
	APISecret     string `toml:"api_secret" yaml:"api_secret"`
	APIPassphrase string `toml:"api_passphrase" yaml:"api_passphrase"`
}

// ChecksumAddress returns the EIP-55 form of the account address, or the
// raw value when it is not a hex address.
func (a AccountConfig) ChecksumAddress() string {
	if !common.IsHexAddress(a.Address) {
		return a.Address
	}
	return common.HexToAddress(a.Address).Hex()
}

// PolymarketConfig holds the CLOB endpoints.
type PolymarketConfig struct {
	ClobHost       string   `toml:"clob_host" yaml:"clob_host"`
	WsHost         string   `toml:"ws_host" yaml:"ws_host"`
	UserWsHost     string   `toml:"user_ws_host" yaml:"user_ws_host"`
	GammaHost      string   `toml:"gamma_host" yaml:"gamma_host"`
	VerifyMarkets  bool     `toml:"verify_markets" yaml:"verify_markets"` // check markets against Gamma at startup
	RequestTimeout duration `toml:"request_timeout" yaml:"request_timeout"`
}

// MarketConfig declares one linked market.
type MarketConfig struct {
	ID   string      `toml:"id" yaml:"id"`
	Name string      `toml:"name" yaml:"name"`
	Legs []LegConfig `toml:"legs" yaml:"legs"`
}

// LegConfig declares one outcome instrument of a linked market.
type LegConfig struct {
	ID       string          `toml:"id" yaml:"id"`
	Role     string          `toml:"role" yaml:"role"`
	TickSize decimal.Decimal `toml:"tick_size" yaml:"tick_size"`
}

// StrategyConfig tunes detection and the per-market loop.
type StrategyConfig struct {
	MinEdge       decimal.Decimal `toml:"min_edge" yaml:"min_edge"`
	OrderSize     decimal.Decimal `toml:"order_size" yaml:"order_size"`
	MinSize       decimal.Decimal `toml:"min_size" yaml:"min_size"`
	FeeBps        decimal.Decimal `toml:"fee_bps" yaml:"fee_bps"`
	ShutdownGrace duration        `toml:"shutdown_grace" yaml:"shutdown_grace"`
	StatsInterval duration        `toml:"stats_interval" yaml:"stats_interval"`
	LockTTL       duration        `toml:"lock_ttl" yaml:"lock_ttl"` // 0 disables the market lock
}

// RiskConfig holds the risk gate limits.
type RiskConfig struct {
	MaxTradeSize     decimal.Decimal `toml:"max_trade_size" yaml:"max_trade_size"`
	MaxOpenPositions int             `toml:"max_open_positions" yaml:"max_open_positions"`
	MaxExposure      decimal.Decimal `toml:"max_exposure" yaml:"max_exposure"`
	Cooldown         duration        `toml:"cooldown" yaml:"cooldown"`
}

// ExecutionConfig tunes order submission and exits.
type ExecutionConfig struct {
	TakeProfit         decimal.Decimal `toml:"take_profit" yaml:"take_profit"`
	StopLoss           decimal.Decimal `toml:"stop_loss" yaml:"stop_loss"`
	SubmitTimeout      duration        `toml:"submit_timeout" yaml:"submit_timeout"`
	MaxExitAttempts    int             `toml:"max_exit_attempts" yaml:"max_exit_attempts"`
	ExitRetryDelay     duration        `toml:"exit_retry_delay" yaml:"exit_retry_delay"`
	ExitOrderTTL       duration        `toml:"exit_order_ttl" yaml:"exit_order_ttl"` // resting exit sells older than this are repriced
	MarkInterval       duration        `toml:"mark_interval" yaml:"mark_interval"`
	SubmitRateLimit    int             `toml:"submit_rate_limit" yaml:"submit_rate_limit"` // orders per second, 0 disables
	PaperSweepInterval duration        `toml:"paper_sweep_interval" yaml:"paper_sweep_interval"`
}

// FeedConfig tunes the market data transport and resynchronisation.
type FeedConfig struct {
	ReconnectBackoff duration `toml:"reconnect_backoff" yaml:"reconnect_backoff"`
	ReconnectMax     duration `toml:"reconnect_max" yaml:"reconnect_max"`
	ResyncBackoff    duration `toml:"resync_backoff" yaml:"resync_backoff"`
	ResyncMax        duration `toml:"resync_max" yaml:"resync_max"`
	MirrorTTL        duration `toml:"mirror_ttl" yaml:"mirror_ttl"`
	MirrorBooks      bool     `toml:"mirror_books" yaml:"mirror_books"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled" yaml:"enabled"`
	Addr       string `toml:"addr" yaml:"addr"`
	Password   string `toml:"password" yaml:"password"`
	DB         int    `toml:"db" yaml:"db"`
	PoolSize   int    `toml:"pool_size" yaml:"pool_size"`
	MaxRetries int    `toml:"max_retries" yaml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled" yaml:"tls_enabled"`

	DialTimeout duration `toml:"dial_timeout" yaml:"dial_timeout"`
	// StreamMaxLen caps each event stream; 0 uses the bus default.
	StreamMaxLen int64 `toml:"stream_max_len" yaml:"stream_max_len"`
}

// PostgresConfig holds PostgreSQL connection parameters. DSN wins over the
// individual fields when set.
type PostgresConfig struct {
	Enabled        bool     `toml:"enabled" yaml:"enabled"`
	DSN            string   `toml:"dsn" yaml:"dsn"`
	Host           string   `toml:"host" yaml:"host"`
	Port           int      `toml:"port" yaml:"port"`
	Database       string   `toml:"database" yaml:"database"`
	User           string   `toml:"user" yaml:"user"`
	Password       string   `toml:"password" yaml:"password"`
	SSLMode        string   `toml:"sslmode" yaml:"sslmode"`
	PoolMaxConns   int      `toml:"pool_max_conns" yaml:"pool_max_conns"`
	PoolMinConns   int      `toml:"pool_min_conns" yaml:"pool_min_conns"`
	ConnectTimeout duration `toml:"connect_timeout" yaml:"connect_timeout"`
	RunMigrations  bool     `toml:"run_migrations" yaml:"run_migrations"`
}

// S3Config holds object storage parameters for the position archive.
type S3Config struct {
	Enabled        bool   `toml:"enabled" yaml:"enabled"`
	Endpoint       string `toml:"endpoint" yaml:"endpoint"`
	Region         string `toml:"region" yaml:"region"`
	Bucket         string `toml:"bucket" yaml:"bucket"`
	AccessKey      string `toml:"access_key" yaml:"access_key"`
	SecretKey      string `toml:"secret_key" yaml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl" yaml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style" yaml:"force_path_style"`
	Prefix         string `toml:"prefix" yaml:"prefix"`
	PartSizeMB     int64  `toml:"part_size_mb" yaml:"part_size_mb"`
}

// NATSConfig holds the event publisher parameters.
type NATSConfig struct {
	Enabled       bool     `toml:"enabled" yaml:"enabled"`
	URL           string   `toml:"url" yaml:"url"`
	ClientName    string   `toml:"client_name" yaml:"client_name"`
	SubjectPrefix string   `toml:"subject_prefix" yaml:"subject_prefix"`
	ReconnectWait duration `toml:"reconnect_wait" yaml:"reconnect_wait"`
	MaxReconnects int      `toml:"max_reconnects" yaml:"max_reconnects"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled" yaml:"enabled"`
	Port        int      `toml:"port" yaml:"port"`
	CORSOrigins []string `toml:"cors_origins" yaml:"cors_origins"`
	APIKey      string   `toml:"api_key" yaml:"api_key"`
	RateLimit   int      `toml:"rate_limit" yaml:"rate_limit"` // requests per minute per client
}

// NotifyConfig holds operator alert parameters.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token" yaml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id" yaml:"telegram_chat_id"`
	TelegramBaseURL   string   `toml:"telegram_base_url" yaml:"telegram_base_url"`
	DiscordWebhookURL string   `toml:"discord_webhook_url" yaml:"discord_webhook_url"`
	Kinds             []string `toml:"kinds" yaml:"kinds"` // risk kinds to alert on; empty means all
}

// duration is a wrapper around time.Duration that decodes strings such as
// "5m" or "250ms".
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for both decoders.
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with safe default values. A config
// file only needs to set what differs.
func Defaults() Config {
	return Config{
		Mode:     "paper",
		LogLevel: "info",
		Log: LogConfig{
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 14,
		},
		Polymarket: PolymarketConfig{
			ClobHost:       "https://clob.polymarket.com",
			WsHost:         "wss://ws-subscriptions-clob.polymarket.com/ws/market",
			UserWsHost:     "wss://ws-subscriptions-clob.polymarket.com/ws/user",
			GammaHost:      "https://gamma-api.polymarket.com",
			VerifyMarkets:  true,
			RequestTimeout: duration{10 * time.Second},
		},
		Strategy: StrategyConfig{
			MinEdge:       decimal.RequireFromString("0.02"),
			OrderSize:     decimal.NewFromInt(10),
			MinSize:       decimal.NewFromInt(5),
			FeeBps:        decimal.Zero,
			ShutdownGrace: duration{30 * time.Second},
			StatsInterval: duration{time.Minute},
		},
		Risk: RiskConfig{
			MaxTradeSize:     decimal.NewFromInt(50),
			MaxOpenPositions: 3,
			MaxExposure:      decimal.NewFromInt(100),
			Cooldown:         duration{5 * time.Second},
		},
		Execution: ExecutionConfig{
			TakeProfit:         decimal.RequireFromString("0.10"),
			StopLoss:           decimal.RequireFromString("0.20"),
			SubmitTimeout:      duration{5 * time.Second},
			MaxExitAttempts:    3,
			ExitRetryDelay:     duration{2 * time.Second},
			ExitOrderTTL:       duration{15 * time.Second},
			MarkInterval:       duration{time.Second},
			SubmitRateLimit:    10,
			PaperSweepInterval: duration{250 * time.Millisecond},
		},
		Feed: FeedConfig{
			ReconnectBackoff: duration{500 * time.Millisecond},
			ReconnectMax:     duration{30 * time.Second},
			ResyncBackoff:    duration{250 * time.Millisecond},
			ResyncMax:        duration{10 * time.Second},
			MirrorTTL:        duration{5 * time.Minute},
		},
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			PoolSize:    10,
			MaxRetries:  3,
			DialTimeout: duration{5 * time.Second},
		},
		Postgres: PostgresConfig{
			Host:           "localhost",
			Port:           5432,
			Database:       "pairarb",
			User:           "postgres",
			SSLMode:        "disable",
			PoolMaxConns:   10,
			PoolMinConns:   1,
			ConnectTimeout: duration{10 * time.Second},
			RunMigrations:  true,
		},
		S3: S3Config{
			Region:         "us-east-1",
			Prefix:         "positions",
			ForcePathStyle: true,
			UseSSL:         true,
			PartSizeMB:     5,
		},
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			ClientName:    "pairarb",
			SubjectPrefix: "pairarb.events",
			ReconnectWait: duration{2 * time.Second},
			MaxReconnects: -1,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Notify: NotifyConfig{
			Kinds: []string{"OneSidedExposure", "ExitFailure"},
		},
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"trade":   true,
	"paper":   true,
	"monitor": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// LinkedMarkets converts the market declarations into domain values.
func (c *Config) LinkedMarkets() []domain.LinkedMarket {
	out := make([]domain.LinkedMarket, 0, len(c.Markets))
	for _, m := range c.Markets {
		lm := domain.LinkedMarket{ID: m.ID, Name: m.Name}
		for _, leg := range m.Legs {
			lm.Legs = append(lm.Legs, domain.Instrument{
				ID:       leg.ID,
				Role:     domain.OutcomeRole(strings.ToUpper(leg.Role)),
				TickSize: leg.TickSize,
			})
		}
		out = append(out, lm)
	}
	return out
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: trade, paper, monitor)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, fmt.Sprintf("log: format must be json or text, got %q", c.Log.Format))
	}

	// Account credentials are needed only when orders reach the exchange.
	if strings.ToLower(c.Mode) == "trade" {
		if !common.IsHexAddress(c.Account.Address) {
			errs = append(errs, fmt.Sprintf("account: address %q is not a hex address", c.Account.Address))
		}
		if c.Account.APIKey == "" || c.Account.APISecret == "" || c.Account.APIPassphrase == "" {
			errs = append(errs, "account: api_key, api_secret, and api_passphrase must all be set for mode trade")
		}
	}

	if c.Polymarket.ClobHost == "" {
		errs = append(errs, "polymarket: clob_host must not be empty")
	}
	if c.Polymarket.WsHost == "" {
		errs = append(errs, "polymarket: ws_host must not be empty")
	}
	if c.Polymarket.VerifyMarkets && c.Polymarket.GammaHost == "" {
		errs = append(errs, "polymarket: gamma_host must not be empty when verify_markets is set")
	}
	if strings.ToLower(c.Mode) == "trade" && c.Polymarket.UserWsHost == "" {
		errs = append(errs, "polymarket: user_ws_host must not be empty for mode trade")
	}

	// Markets
	if len(c.Markets) == 0 {
		errs = append(errs, "markets: at least one linked market is required")
	}
	seenMarket := make(map[string]bool, len(c.Markets))
	for _, m := range c.LinkedMarkets() {
		if err := m.Validate(); err != nil {
			errs = append(errs, "markets: "+err.Error())
		}
		if seenMarket[m.ID] {
			errs = append(errs, fmt.Sprintf("markets: duplicate market id %q", m.ID))
		}
		seenMarket[m.ID] = true
	}

	// Strategy
	if c.Strategy.MinEdge.IsNegative() {
		errs = append(errs, "strategy: min_edge must be >= 0")
	}
	if !c.Strategy.OrderSize.IsPositive() {
		errs = append(errs, "strategy: order_size must be > 0")
	}
	if c.Strategy.MinSize.IsNegative() || c.Strategy.MinSize.GreaterThan(c.Strategy.OrderSize) {
		errs = append(errs, "strategy: min_size must be between 0 and order_size")
	}
	if c.Strategy.FeeBps.IsNegative() {
		errs = append(errs, "strategy: fee_bps must be >= 0")
	}
	if c.Strategy.LockTTL.Duration > 0 && !c.Redis.Enabled {
		errs = append(errs, "strategy: lock_ttl requires redis.enabled")
	}

	// Risk
	if c.Risk.MaxOpenPositions < 1 {
		errs = append(errs, "risk: max_open_positions must be >= 1")
	}
	if !c.Risk.MaxExposure.IsPositive() {
		errs = append(errs, "risk: max_exposure must be > 0")
	}
	if c.Risk.MaxTradeSize.IsNegative() {
		errs = append(errs, "risk: max_trade_size must be >= 0")
	}
	if c.Risk.Cooldown.Duration < 0 {
		errs = append(errs, "risk: cooldown must be >= 0")
	}

	// Execution
	if c.Execution.TakeProfit.IsNegative() || c.Execution.StopLoss.IsNegative() {
		errs = append(errs, "execution: take_profit and stop_loss must be >= 0")
	}
	if c.Execution.SubmitTimeout.Duration <= 0 {
		errs = append(errs, "execution: submit_timeout must be > 0")
	}
	if c.Execution.MaxExitAttempts < 1 {
		errs = append(errs, "execution: max_exit_attempts must be >= 1")
	}
	if c.Execution.ExitOrderTTL.Duration <= 0 {
		errs = append(errs, "execution: exit_order_ttl must be > 0")
	}

	// Feed
	if c.Feed.ReconnectMax.Duration < c.Feed.ReconnectBackoff.Duration {
		errs = append(errs, "feed: reconnect_max must be >= reconnect_backoff")
	}
	if c.Feed.ResyncMax.Duration < c.Feed.ResyncBackoff.Duration {
		errs = append(errs, "feed: resync_max must be >= resync_backoff")
	}
	if c.Feed.MirrorBooks && !c.Redis.Enabled {
		errs = append(errs, "feed: mirror_books requires redis.enabled")
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
	}

	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
	}

	if c.NATS.Enabled && c.NATS.URL == "" {
		errs = append(errs, "nats: url must not be empty")
	}

	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit > 0 && !c.Redis.Enabled {
			errs = append(errs, "server: rate_limit requires redis.enabled (set rate_limit = 0 to disable)")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
