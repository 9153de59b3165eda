package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/mmbot/internal/cache/redis"
	"github.com/alanyoungcy/mmbot/internal/config"
	"github.com/alanyoungcy/mmbot/internal/domain"
	"github.com/alanyoungcy/mmbot/internal/notify"
	"github.com/alanyoungcy/mmbot/internal/store/postgres"
)

// Dependencies bundles every dependency that the application modes need to
// operate. It is constructed by Wire and torn down by the returned cleanup
// function. Any field may be nil when the backing service is not configured;
// the modes degrade accordingly.
type Dependencies struct {
	// TrackingStore persists in-flight orders across restarts. Nil without
	// Postgres; orders are then tracked in memory only.
	TrackingStore domain.TrackingStateStore

	// Redis-backed components. All nil without Redis.
	BookCache   domain.BookCache
	RateLimiter domain.RateLimiter
	EventBus    domain.EventBus
	Locks       *redis.LockManager

	// Notifier is always non-nil; with no channels configured it is a no-op.
	Notifier *notify.Notifier
}

// needsPostgres returns true for modes that persist tracking state.
func needsPostgres(mode string) bool {
	return mode == "trade"
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}
	mode := strings.ToLower(cfg.Mode)

	// --- PostgreSQL (only for modes that persist tracking state) ---
	if needsPostgres(mode) && cfg.Postgres.Enabled() {
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

		deps.TrackingStore = postgres.NewTrackingStateStore(pgClient.Pool())
	} else if needsPostgres(mode) {
		logger.InfoContext(ctx, "postgres not configured, tracking state is in-memory only")
	}

	// --- Redis ---
	if cfg.Redis.Enabled() {
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

		deps.BookCache = redis.NewBookCache(redisClient, cfg.Redis.CacheTTL.Duration)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.EventBus = redis.NewEventBus(redisClient)
		deps.Locks = redis.NewLockManager(redisClient)
	} else {
		logger.InfoContext(ctx, "redis not configured, running without cache, rate limiter, and event bus")
	}

	// --- Notifications ---
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
