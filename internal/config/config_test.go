package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/pairarb/internal/domain"
)

const tomlConfig = `
mode = "paper"
log_level = "debug"

[strategy]
min_edge = "0.03"
order_size = 20
min_size = "2"

[risk]
max_open_positions = 2
max_exposure = "250.5"
cooldown = "10s"

[execution]
take_profit = "0.10"
submit_timeout = "3s"

[[markets]]
id = "btc-15m"
name = "BTC up or down"

  [[markets.legs]]
  id = "111"
  role = "up"
  tick_size = "0.01"

  [[markets.legs]]
  id = "222"
  role = "down"
  tick_size = "0.01"
`

const yamlConfig = `
mode: monitor
strategy:
  min_edge: 0.025
  fee_bps: 10
markets:
  - id: eth-15m
    legs:
      - {id: "a", role: YES, tick_size: "0.001"}
      - {id: "b", role: NO, tick_size: "0.001"}
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadTOML(t *testing.T) {
	cfg, err := Load(writeFile(t, "pairarb.toml", tomlConfig))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.Strategy.MinEdge.Equal(decimal.RequireFromString("0.03")))
	assert.True(t, cfg.Strategy.OrderSize.Equal(decimal.NewFromInt(20)))
	assert.True(t, cfg.Risk.MaxExposure.Equal(decimal.RequireFromString("250.5")))
	assert.Equal(t, 10*time.Second, cfg.Risk.Cooldown.Duration)
	assert.Equal(t, 3*time.Second, cfg.Execution.SubmitTimeout.Duration)
	// Untouched values keep their defaults.
	assert.Equal(t, 3, cfg.Execution.MaxExitAttempts)

	markets := cfg.LinkedMarkets()
	require.Len(t, markets, 1)
	assert.Equal(t, []string{"111", "222"}, markets[0].InstrumentIDs())
	assert.Equal(t, domain.RoleUp, markets[0].Legs[0].Role)
	require.NoError(t, cfg.Validate())
}

func TestLoadYAML(t *testing.T) {
	cfg, err := Load(writeFile(t, "pairarb.yaml", yamlConfig))
	require.NoError(t, err)

	assert.Equal(t, "monitor", cfg.Mode)
	assert.True(t, cfg.Strategy.MinEdge.Equal(decimal.RequireFromString("0.025")))
	assert.True(t, cfg.Strategy.FeeBps.Equal(decimal.NewFromInt(10)))
	require.Len(t, cfg.Markets, 1)
	assert.Equal(t, domain.RoleNo, cfg.LinkedMarkets()[0].Legs[1].Role)
	require.NoError(t, cfg.Validate())
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeFile(t, "bad.toml", "mode = \"paper\"\nmin_edgee = 1\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "min_edgee")

	_, err = Load(writeFile(t, "bad.yaml", "mode: paper\nbogus: 1\n"))
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PAIRARB_MODE", "monitor")
	t.Setenv("PAIRARB_STRATEGY_MIN_EDGE", "0.05")
	t.Setenv("PAIRARB_RISK_COOLDOWN", "1m")
	t.Setenv("PAIRARB_SERVER_CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("PAIRARB_RISK_MAX_OPEN_POSITIONS", "not-a-number")

	cfg, err := Load(writeFile(t, "pairarb.toml", tomlConfig))
	require.NoError(t, err)

	assert.Equal(t, "monitor", cfg.Mode)
	assert.True(t, cfg.Strategy.MinEdge.Equal(decimal.RequireFromString("0.05")))
	assert.Equal(t, time.Minute, cfg.Risk.Cooldown.Duration)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 2, cfg.Risk.MaxOpenPositions, "malformed values are ignored")
}

func validConfig() Config {
	cfg := Defaults()
	cfg.Markets = []MarketConfig{{
		ID: "m1",
		Legs: []LegConfig{
			{ID: "A", Role: "UP", TickSize: decimal.RequireFromString("0.01")},
			{ID: "B", Role: "DOWN", TickSize: decimal.RequireFromString("0.01")},
		},
	}}
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown mode", func(c *Config) { c.Mode = "backtest" }, "unknown mode"},
		{"no markets", func(c *Config) { c.Markets = nil }, "at least one linked market"},
		{"single leg", func(c *Config) { c.Markets[0].Legs = c.Markets[0].Legs[:1] }, "at least two legs"},
		{"duplicate market", func(c *Config) { c.Markets = append(c.Markets, c.Markets[0]) }, "duplicate market id"},
		{"negative edge", func(c *Config) { c.Strategy.MinEdge = decimal.NewFromInt(-1) }, "min_edge"},
		{"zero exposure", func(c *Config) { c.Risk.MaxExposure = decimal.Zero }, "max_exposure"},
		{"trade without account", func(c *Config) { c.Mode = "trade" }, "account: address"},
		{"lock without redis", func(c *Config) { c.Strategy.LockTTL = duration{time.Second} }, "lock_ttl requires redis"},
		{"zero exit order ttl", func(c *Config) { c.Execution.ExitOrderTTL = duration{} }, "exit_order_ttl"},
		{"rate limit without redis", func(c *Config) { c.Server.RateLimit = 60 }, "rate_limit requires redis"},
		{"postgres without host", func(c *Config) {
			c.Postgres.Enabled = true
			c.Postgres.Host = ""
		}, "postgres: host"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			require.NoError(t, cfg.Validate())
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateTradeMode(t *testing.T) {
	cfg := validConfig()
	cfg.Mode = "trade"
	cfg.Account = AccountConfig{
		Address:       "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed",
		APIKey:        "key",
		APISecret:     "c2VjcmV0",
		APIPassphrase: "pass",
	}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", cfg.Account.ChecksumAddress())
}

func TestRedactedConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Account.APISecret = "s3cr3t"
	cfg.Postgres.DSN = "postgres://u:p@h/db"
	cfg.Notify.TelegramToken = "tok"

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Account.APISecret)
	assert.Equal(t, "***", out.Postgres.DSN)
	assert.Equal(t, "***", out.Notify.TelegramToken)
	assert.Empty(t, out.Account.APIKey)

	out.Markets[0].Legs[0].ID = "mutated"
	assert.Equal(t, "A", cfg.Markets[0].Legs[0].ID)
	assert.Equal(t, "s3cr3t", cfg.Account.APISecret)
}
