package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	s3blob "perpbot/internal/blob/s3"
	"perpbot/internal/botlog"
	"perpbot/internal/cache"
	"perpbot/internal/cache/redis"
	"perpbot/internal/config"
	"perpbot/internal/dispatch"
	"perpbot/internal/domain"
	"perpbot/internal/monitor"
	"perpbot/internal/notify"
	"perpbot/internal/platform/bitget"
	"perpbot/internal/policy"
	"perpbot/internal/server/handler"
	"perpbot/internal/store/postgres"
	"perpbot/internal/trader"
	"perpbot/internal/vault"
)

// Dependencies bundles everything the application modes need. It is built by
// Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	Alerts    domain.AlertStore
	Positions domain.PositionStore
	Settings  domain.SettingsStore
	APIKeys   domain.APIKeyStore
	Locks     domain.LockStore
	MLogs     domain.MonitoringLogStore
	Banned    domain.BannedSymbolStore
	Metrics   domain.MetricsStore

	// Caches. Dedup is nil when Redis is disabled.
	Contracts domain.ContractCache
	Tickers   domain.TickerCache
	Dedup     domain.DedupGuard

	// Services
	Vault      *vault.Vault
	Factory    domain.ExchangeFactory
	Notifier   *notify.Notifier
	Resolver   *policy.Resolver
	Dispatcher *dispatch.Dispatcher
	Emergency  *trader.Emergency
	Monitor    *monitor.Monitor
	BotLog     *botlog.Writer
	Archiver   *s3blob.Archiver

	// Health probes for the ops endpoint.
	HealthChecks []handler.HealthCheck
}

// Wire constructs every concrete dependency from the configuration. The
// returned cleanup releases resources in reverse construction order.
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
	deps.Alerts = postgres.NewAlertStore(pool)
	deps.Positions = postgres.NewPositionStore(pool)
	deps.Settings = postgres.NewSettingsStore(pool)
	deps.APIKeys = postgres.NewAPIKeyStore(pool)
	deps.Locks = postgres.NewLockStore(pool)
	deps.MLogs = postgres.NewMonitoringLogStore(pool)
	deps.Banned = postgres.NewBannedSymbolStore(pool)
	deps.Metrics = postgres.NewMetricsStore(pool)
	deps.HealthChecks = append(deps.HealthChecks, handler.HealthCheck{
		Name: "postgres",
		Ping: pool.Ping,
	})

	// --- Redis (cache-aside; losing it only costs exchange round-trips) ---
	deps.Contracts = cache.NoContractCache{}
	deps.Tickers = cache.NoTickerCache{}
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Contracts = redis.NewContractCache(redisClient)
		deps.Tickers = redis.NewTickerCache(redisClient)
		deps.Dedup = redis.NewDedupGuard(redisClient)
		deps.HealthChecks = append(deps.HealthChecks, handler.HealthCheck{
			Name: "redis",
			Ping: redisClient.Ping,
		})
	}

	// --- S3 archiver ---
	if cfg.Archive.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		retention := time.Duration(cfg.Archive.RetentionDays) * 24 * time.Hour
		deps.Archiver = s3blob.NewArchiver(s3Client, deps.Positions, deps.MLogs, retention, logger)
		deps.HealthChecks = append(deps.HealthChecks, handler.HealthCheck{
			Name: "s3",
			Ping: s3Client.Health,
		})
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// --- Credential vault and exchange gateway ---
	deps.Vault, err = vault.New(cfg.Vault.MasterPassword, deps.APIKeys)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: vault: %w", err)
	}
	deps.Factory = bitget.NewFactory(bitget.Config{
		BaseURL:     cfg.Exchange.BaseURL,
		ProductType: cfg.Exchange.ProductType,
		MarginCoin:  cfg.Exchange.MarginCoin,
		Demo:        cfg.Exchange.Demo,
		Timeout:     cfg.Exchange.RequestTimeout.Duration,
	}, deps.Vault)

	// --- Trading services ---
	deps.BotLog = botlog.NewWriter(postgres.NewBotLogStore(pool), logger)
	closers = append(closers, deps.BotLog.Close)

	deps.Resolver = policy.NewResolver(deps.Settings, logger)
	closer := trader.NewCloser(logger)
	opener := trader.NewOpener(
		deps.Factory, deps.Positions, deps.Banned,
		deps.Contracts, deps.Tickers,
		closer, deps.Notifier, logger,
	)
	deps.Emergency = trader.NewEmergency(
		deps.Factory, deps.Positions, deps.Settings, deps.Metrics,
		closer, deps.Notifier, logger,
	)
	deps.Dispatcher = dispatch.New(
		deps.Settings, deps.Alerts, deps.Positions, deps.Banned, deps.Metrics,
		deps.Resolver, opener, dispatch.ExchangeEquity{Factory: deps.Factory},
		cfg.Dispatch.MaxConcurrentUsers, logger,
	)
	deps.Monitor = monitor.New(monitor.Config{
		InstanceID: uuid.NewString(),
		LeaseTTL:   cfg.Monitor.LeaseTTL.Duration,
		Locks:      deps.Locks,
		Settings:   deps.Settings,
		Positions:  deps.Positions,
		Logs:       deps.MLogs,
		Metrics:    deps.Metrics,
		Factory:    deps.Factory,
		Resolver:   deps.Resolver,
		Contracts:  deps.Contracts,
		Closer:     closer,
		Notifier:   deps.Notifier,
		Logger:     logger,
	})

	return deps, cleanup, nil
}
