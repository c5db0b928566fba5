package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/openarb/tribot/internal/blob/s3"
	"github.com/openarb/tribot/internal/cache/redis"
	"github.com/openarb/tribot/internal/config"
	"github.com/openarb/tribot/internal/domain"
	"github.com/openarb/tribot/internal/notify"
	"github.com/openarb/tribot/internal/store/postgres"
)

// Dependencies bundles the backing services every operating mode draws
// from. It is constructed by Wire and torn down by the returned cleanup
// function.
type Dependencies struct {
	// Stores
	Ledger        domain.TradeLogStore
	Opportunities domain.OpportunityStore
	Audit         domain.AuditStore

	// Redis coordination
	RateLimiter domain.RateLimiter
	Locks       domain.LockManager
	Bus         domain.SignalBus

	// Cold storage; nil unless the mode archives.
	Archiver domain.Archiver

	// Notifications
	Notifier *notify.Notifier

	// Raw clients kept for the health endpoint probes.
	PG    *postgres.Client
	Redis *redis.Client
	S3    *s3blob.Client
}

// needsArchive reports whether the mode runs the ledger archival loop.
// Only full deployments carry the S3 dependency.
func needsArchive(cfg *config.Config) bool {
	return strings.ToLower(cfg.Mode) == "full" && cfg.Archive.Enabled
}

// Wire constructs the concrete backing services from the configuration and
// returns them with a cleanup function to be called on shutdown.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// PostgreSQL: the trade ledger, requested opportunities, and the audit
	// trail. Every mode reads it; trading modes write it.
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.PG = pgClient
	deps.Ledger = postgres.NewTradeLogStore(pool)
	deps.Opportunities = postgres.NewOpportunityStore(pool)
	deps.Audit = postgres.NewAuditStore(pool)

	// Redis: venue rate limiting, per-account execution locks, and the
	// event fan-out the dashboard rides.
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

	deps.Redis = redisClient
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.Locks = redis.NewLockManager(redisClient)
	deps.Bus = redis.NewSignalBus(redisClient)

	// S3: ledger cold storage, only where the archival loop runs.
	if needsArchive(cfg) {
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

		deps.S3 = s3Client
		deps.Archiver = s3blob.NewArchiver(
			s3blob.NewWriter(s3Client),
			s3blob.NewReader(s3Client),
			deps.Ledger,
			deps.Audit,
			logger,
		)
	}

	// Notifications. With no channel configured the notifier is a no-op.
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
