package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Load reads a TOML or YAML configuration file at path (chosen by
// extension), merges it on top of the built-in defaults, applies PAIRARB_*
// environment variable overrides, and returns the final Config. The
// returned Config has NOT been validated; the caller should invoke
// Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if err := decodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("config: open %s: %w", path, err)
		}
		defer f.Close()
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return fmt.Errorf("config: decode %s: %w", path, err)
		}
	default:
		md, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return fmt.Errorf("config: decode %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
		}
	}
	return nil
}

// applyEnvOverrides reads well-known PAIRARB_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the config file.
func applyEnvOverrides(cfg *Config) {
	// ── Top-level ──
	setStr(&cfg.Mode, "PAIRARB_MODE")
	setStr(&cfg.LogLevel, "PAIRARB_LOG_LEVEL")
	setStr(&cfg.Log.Format, "PAIRARB_LOG_FORMAT")
	setStr(&cfg.Log.File, "PAIRARB_LOG_FILE")

	// ── Account ──
	setStr(&cfg.Account.Address, "PAIRARB_ACCOUNT_ADDRESS")
	setStr(&cfg.Account.APIKey, "PAIRARB_ACCOUNT_API_KEY")
	setStr(&cfg.Account.APISecret, "PAIRARB_ACCOUNT_API_SECRET")
	setStr(&cfg.Account.APIPassphrase, "PAIRARB_ACCOUNT_API_PASSPHRASE")

	// ── Polymarket ──
	setStr(&cfg.Polymarket.ClobHost, "PAIRARB_POLYMARKET_CLOB_HOST")
	setStr(&cfg.Polymarket.WsHost, "PAIRARB_POLYMARKET_WS_HOST")
	setStr(&cfg.Polymarket.UserWsHost, "PAIRARB_POLYMARKET_USER_WS_HOST")
	setStr(&cfg.Polymarket.GammaHost, "PAIRARB_POLYMARKET_GAMMA_HOST")
	setBool(&cfg.Polymarket.VerifyMarkets, "PAIRARB_POLYMARKET_VERIFY_MARKETS")

	// ── Strategy ──
	setDecimal(&cfg.Strategy.MinEdge, "PAIRARB_STRATEGY_MIN_EDGE")
	setDecimal(&cfg.Strategy.OrderSize, "PAIRARB_STRATEGY_ORDER_SIZE")
	setDecimal(&cfg.Strategy.MinSize, "PAIRARB_STRATEGY_MIN_SIZE")
	setDecimal(&cfg.Strategy.FeeBps, "PAIRARB_STRATEGY_FEE_BPS")
	setDuration(&cfg.Strategy.ShutdownGrace, "PAIRARB_STRATEGY_SHUTDOWN_GRACE")
	setDuration(&cfg.Strategy.StatsInterval, "PAIRARB_STRATEGY_STATS_INTERVAL")
	setDuration(&cfg.Strategy.LockTTL, "PAIRARB_STRATEGY_LOCK_TTL")

	// ── Risk ──
	setDecimal(&cfg.Risk.MaxTradeSize, "PAIRARB_RISK_MAX_TRADE_SIZE")
	setInt(&cfg.Risk.MaxOpenPositions, "PAIRARB_RISK_MAX_OPEN_POSITIONS")
	setDecimal(&cfg.Risk.MaxExposure, "PAIRARB_RISK_MAX_EXPOSURE")
	setDuration(&cfg.Risk.Cooldown, "PAIRARB_RISK_COOLDOWN")

	// ── Execution ──
	setDecimal(&cfg.Execution.TakeProfit, "PAIRARB_EXECUTION_TAKE_PROFIT")
	setDecimal(&cfg.Execution.StopLoss, "PAIRARB_EXECUTION_STOP_LOSS")
	setDuration(&cfg.Execution.SubmitTimeout, "PAIRARB_EXECUTION_SUBMIT_TIMEOUT")
	setInt(&cfg.Execution.MaxExitAttempts, "PAIRARB_EXECUTION_MAX_EXIT_ATTEMPTS")
	setDuration(&cfg.Execution.ExitRetryDelay, "PAIRARB_EXECUTION_EXIT_RETRY_DELAY")
	setDuration(&cfg.Execution.ExitOrderTTL, "PAIRARB_EXECUTION_EXIT_ORDER_TTL")
	setInt(&cfg.Execution.SubmitRateLimit, "PAIRARB_EXECUTION_SUBMIT_RATE_LIMIT")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "PAIRARB_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "PAIRARB_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "PAIRARB_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "PAIRARB_REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "PAIRARB_REDIS_TLS_ENABLED")
	setDuration(&cfg.Redis.DialTimeout, "PAIRARB_REDIS_DIAL_TIMEOUT")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "PAIRARB_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "PAIRARB_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "PAIRARB_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "PAIRARB_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "PAIRARB_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "PAIRARB_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "PAIRARB_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "PAIRARB_POSTGRES_SSLMODE")
	setBool(&cfg.Postgres.RunMigrations, "PAIRARB_POSTGRES_RUN_MIGRATIONS")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "PAIRARB_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "PAIRARB_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "PAIRARB_S3_REGION")
	setStr(&cfg.S3.Bucket, "PAIRARB_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "PAIRARB_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "PAIRARB_S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "PAIRARB_S3_FORCE_PATH_STYLE")

	// ── NATS ──
	setBool(&cfg.NATS.Enabled, "PAIRARB_NATS_ENABLED")
	setStr(&cfg.NATS.URL, "PAIRARB_NATS_URL")
	setStr(&cfg.NATS.SubjectPrefix, "PAIRARB_NATS_SUBJECT_PREFIX")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "PAIRARB_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "PAIRARB_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "PAIRARB_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "PAIRARB_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "PAIRARB_SERVER_RATE_LIMIT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "PAIRARB_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "PAIRARB_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "PAIRARB_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Kinds, "PAIRARB_NOTIFY_KINDS")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDecimal(dst *decimal.Decimal, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			*dst = d
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
