package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/tradeloop/intrabot/internal/blob/s3"
	"github.com/tradeloop/intrabot/internal/broker"
	"github.com/tradeloop/intrabot/internal/cache/redis"
	"github.com/tradeloop/intrabot/internal/config"
	"github.com/tradeloop/intrabot/internal/domain"
	"github.com/tradeloop/intrabot/internal/notify"
	"github.com/tradeloop/intrabot/internal/store/postgres"
)

// Dependencies bundles every infrastructure dependency the admission
// components need. It is constructed by Wire and torn down by the returned
// cleanup function.
type Dependencies struct {
	SignalStore   domain.SignalStore
	PositionStore domain.PositionStore
	Audit         domain.AuditHook
	Bus           domain.EventBus
	Notifier      *notify.Notifier
	Feed          domain.BrokerFeed // nil when no broker is configured
	Archiver      *s3blob.Archiver  // nil when archival is disabled
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that
// should be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Database.DSN,
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		Database: cfg.Database.Database,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: cfg.Database.PoolMaxConns,
		MinConns: cfg.Database.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Database.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	signalStore := postgres.NewSignalStore(pool)
	audit := postgres.NewAuditTrail(pool, cfg.Registry.PersistTimeout.Duration, logger)
	deps.SignalStore = signalStore
	deps.PositionStore = postgres.NewPositionStore(pool)
	deps.Audit = audit

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.Bus = redis.NewEventBus(redisClient)

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// --- Broker position feed ---
	if cfg.Broker.BaseURL != "" {
		deps.Feed = broker.NewClient(broker.ClientConfig{
			BaseURL: cfg.Broker.BaseURL,
			APIKey:  cfg.Broker.APIKey,
			Account: cfg.Broker.Account,
			Timeout: cfg.Broker.Timeout.Duration,
		})
	}

	// --- Cold-storage archival ---
	if cfg.Archive.Enabled {
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
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.Archiver = s3blob.NewArchiver(
			s3blob.NewWriter(s3Client),
			signalStore,
			audit,
			s3blob.ArchiverConfig{
				Interval:  cfg.Archive.Interval.Duration,
				Retention: cfg.Archive.Retention.Duration,
			},
			logger,
		)
	}

	return deps, cleanup, nil
}
