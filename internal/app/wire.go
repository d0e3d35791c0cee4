package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/pairarb/internal/blob/s3"
	natsbroker "github.com/alanyoungcy/pairarb/internal/broker/nats"
	"github.com/alanyoungcy/pairarb/internal/cache/redis"
	"github.com/alanyoungcy/pairarb/internal/config"
	"github.com/alanyoungcy/pairarb/internal/domain"
	"github.com/alanyoungcy/pairarb/internal/notify"
	"github.com/alanyoungcy/pairarb/internal/service"
	"github.com/alanyoungcy/pairarb/internal/store/postgres"
)

// Dependencies bundles the infrastructure the run modes build on. Optional
// backends that are disabled in the configuration are left nil.
type Dependencies struct {
	// Stores
	PositionStore domain.PositionStore
	RiskStore     domain.RiskEventStore
	AuditStore    domain.AuditStore

	// Redis
	SignalBus   domain.SignalBus
	BookMirror  domain.BookMirror
	LockManager domain.LockManager
	RateLimiter domain.RateLimiter

	// Blob storage
	Archiver *s3blob.PositionArchiver

	// Messaging
	Publisher *natsbroker.Publisher
	Notifier  *notify.Notifier

	// Recorder is the event sink shared by every component.
	Recorder *service.Recorder
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources. A backend that is enabled but
// unreachable is a startup error.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	if cfg.Postgres.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:            cfg.Postgres.DSN,
			Host:           cfg.Postgres.Host,
			Port:           cfg.Postgres.Port,
			Database:       cfg.Postgres.Database,
			User:           cfg.Postgres.User,
			Password:       cfg.Postgres.Password,
			SSLMode:        cfg.Postgres.SSLMode,
			MaxConns:       cfg.Postgres.PoolMaxConns,
			MinConns:       cfg.Postgres.PoolMinConns,
			ConnectTimeout: cfg.Postgres.ConnectTimeout.Duration,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}

		pool := pgClient.Pool()
		deps.PositionStore = postgres.NewPositionStore(pool)
		deps.RiskStore = postgres.NewRiskEventStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			PoolSize:    cfg.Redis.PoolSize,
			MaxRetries:  cfg.Redis.MaxRetries,
			TLSEnabled:  cfg.Redis.TLSEnabled,
			DialTimeout: cfg.Redis.DialTimeout.Duration,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.SignalBus = redis.NewSignalBus(redisClient, cfg.Redis.StreamMaxLen)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		if cfg.Feed.MirrorBooks {
			deps.BookMirror = redis.NewBookMirror(redisClient, cfg.Feed.MirrorTTL.Duration)
		}
	}

	// --- S3 position archive ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		if err := s3Client.Health(ctx); err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		writer := s3blob.NewWriter(s3Client, cfg.S3.PartSizeMB<<20)
		deps.Archiver = s3blob.NewPositionArchiver(writer, deps.AuditStore, cfg.S3.Prefix)
	}

	// --- NATS ---
	if cfg.NATS.Enabled {
		pub, err := natsbroker.Connect(natsbroker.Config{
			URL:           cfg.NATS.URL,
			ClientName:    cfg.NATS.ClientName,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			ReconnectWait: cfg.NATS.ReconnectWait.Duration,
			MaxReconnects: cfg.NATS.MaxReconnects,
		}, logger)
		if err != nil {
			return fail(fmt.Errorf("wire: nats: %w", err))
		}
		closers = append(closers, pub.Close)
		deps.Publisher = pub
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
			cfg.Notify.TelegramBaseURL,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Kinds, logger)

	// --- Recorder ---
	rec := service.NewRecorder(service.RecorderConfig{}, logger)
	if deps.SignalBus != nil {
		rec.WithBus(deps.SignalBus)
	}
	if deps.Publisher != nil {
		rec.WithPublisher(deps.Publisher)
	}
	if deps.AuditStore != nil {
		rec.WithAudit(deps.AuditStore)
	}
	if deps.RiskStore != nil {
		rec.WithRiskStore(deps.RiskStore)
	}
	if deps.Notifier.Enabled() {
		rec.WithNotifier(deps.Notifier)
	}
	deps.Recorder = rec

	return deps, cleanup, nil
}
