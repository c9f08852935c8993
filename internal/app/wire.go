package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"

	s3blob "github.com/neutralmarkets/spreadbot/internal/blob/s3"
	"github.com/neutralmarkets/spreadbot/internal/cache/redis"
	"github.com/neutralmarkets/spreadbot/internal/config"
	"github.com/neutralmarkets/spreadbot/internal/domain"
	"github.com/neutralmarkets/spreadbot/internal/notify"
	"github.com/neutralmarkets/spreadbot/internal/store/clickhouse"
	"github.com/neutralmarkets/spreadbot/internal/store/postgres"
	"github.com/neutralmarkets/spreadbot/internal/stream"
)

// Dependencies bundles the infrastructure every mode composes from:
// Postgres stores, Redis caches, cold storage, research sinks, and the
// notification fan-out. Wire constructs it; the returned cleanup
// function tears it down in reverse order.
type Dependencies struct {
	// Stores
	MarketStore   domain.MarketStore
	SignalStore   domain.SignalStore
	ArbStore      domain.ArbStore
	PositionStore domain.PositionStore
	TradeStore    domain.TradeLogStore
	AuditStore    domain.AuditStore

	// Caches
	BookCache    domain.BookCache
	MarketCache  domain.MarketCache
	BalanceCache domain.BalanceCache
	RateLimiter  domain.RateLimiter
	LockManager  domain.LockManager
	SignalBus    domain.SignalBus
	CursorStore  *redis.CursorStore

	// Cold storage. Nil unless s3 is enabled.
	Archiver domain.Archiver

	// Research and export sinks. Nil unless the backend is enabled.
	Recorder    *clickhouse.Recorder
	KafkaWriter *kafka.Writer

	// Notifications. Always present; with no channels configured the
	// notifier drops everything.
	Notifier *notify.Notifier
	Alerts   *notify.AlertRouter
}

// Wire constructs the concrete infrastructure from configuration. Any
// backend that is enabled but unreachable fails the whole call:
// starting degraded and discovering it mid-trade is worse than not
// starting.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	pg, err := postgres.New(ctx, postgres.ClientConfig{
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
	closers = append(closers, pg.Close)

	if cfg.Postgres.RunMigrations {
		if err := pg.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pg.Pool()
	marketStore := postgres.NewMarketStore(pool)
	signalStore := postgres.NewSignalStore(pool)
	arbStore := postgres.NewArbStore(pool)
	positionStore := postgres.NewPositionStore(pool)
	tradeStore := postgres.NewTradeStore(pool)
	auditStore := postgres.NewAuditStore(pool)

	deps.MarketStore = marketStore
	deps.SignalStore = signalStore
	deps.ArbStore = arbStore
	deps.PositionStore = positionStore
	deps.TradeStore = tradeStore
	deps.AuditStore = auditStore

	// --- Redis ---
	rdb, err := redis.New(ctx, redis.ClientConfig{
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
	closers = append(closers, func() { _ = rdb.Close() })

	deps.BookCache = redis.NewBookCache(rdb)
	deps.MarketCache = redis.NewMarketCache(rdb)
	deps.BalanceCache = redis.NewBalanceCache(rdb)
	deps.RateLimiter = redis.NewRateLimiter(rdb)
	deps.LockManager = redis.NewLockManager(rdb)
	deps.SignalBus = redis.NewSignalBus(rdb)
	deps.CursorStore = redis.NewCursorStore(rdb)

	// --- S3 archive (optional) ---
	if cfg.S3.Enabled {
		blob, err := s3blob.New(ctx, s3blob.ClientConfig{
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
		if err := blob.Health(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.Archiver = s3blob.NewArchiver(
			s3blob.NewWriter(blob),
			s3blob.NewReader(blob),
			tradeStore,
			arbStore,
			auditStore,
			cfg.S3.Prefix,
			logger,
		)
	}

	// --- ClickHouse research recorder (optional) ---
	if cfg.ClickHouse.Enabled {
		conn, err := clickhouse.NewConn(ctx, clickhouse.Config{
			Addr:     cfg.ClickHouse.Addr,
			Database: cfg.ClickHouse.Database,
			User:     cfg.ClickHouse.User,
			Password: cfg.ClickHouse.Password,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: clickhouse: %w", err)
		}
		closers = append(closers, func() { _ = conn.Close() })
		if err := conn.Migrate(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: clickhouse migrations: %w", err)
		}
		deps.Recorder = clickhouse.NewRecorder(conn, cfg.ClickHouse.BatchSize, cfg.ClickHouse.FlushInterval.Duration, logger)
	}

	// --- Kafka trade-event export (optional) ---
	if cfg.Kafka.Enabled {
		if err := stream.EnsureTopic(ctx, cfg.Kafka.Brokers, cfg.Kafka.Topic); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: kafka: %w", err)
		}
		w := stream.NewWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		closers = append(closers, func() { _ = w.Close() })
		deps.KafkaWriter = w
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
	deps.Alerts = notify.NewAlertRouter(deps.Notifier)

	return deps, cleanup, nil
}
