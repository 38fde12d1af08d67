package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/whiplashfi/whiplash/internal/blob/s3"
	"github.com/whiplashfi/whiplash/internal/cache/redis"
	"github.com/whiplashfi/whiplash/internal/config"
	"github.com/whiplashfi/whiplash/internal/domain"
	"github.com/whiplashfi/whiplash/internal/metrics"
	"github.com/whiplashfi/whiplash/internal/notify"
	"github.com/whiplashfi/whiplash/internal/platform/chain"
	"github.com/whiplashfi/whiplash/internal/platform/coingecko"
	"github.com/whiplashfi/whiplash/internal/platform/metadata"
	"github.com/whiplashfi/whiplash/internal/server/handler"
	"github.com/whiplashfi/whiplash/internal/store/postgres"
)

// Dependencies bundles every concrete dependency the modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	Ledger      *postgres.Ledger
	Pools       domain.PoolStore
	Positions   domain.PositionStore
	Settlements domain.SettlementStore
	Audit       domain.AuditStore

	// Caches
	PriceCache    domain.PriceCache
	MetadataCache domain.MetadataCache
	RateLimiter   domain.RateLimiter
	LockManager   domain.LockManager
	SignalBus     domain.SignalBus

	// Blob storage, nil unless s3 is enabled
	BlobReader domain.BlobReader
	Archiver   domain.Archiver

	// Upstreams
	Chain    *chain.Client
	Prices   *coingecko.Client
	Metadata *metadata.Client

	Notifier *notify.Notifier
	Metrics  *metrics.Metrics

	// Probes feed the health endpoint.
	Probes map[string]handler.Probe
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(what string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %s: %w", what, err)
	}

	deps := &Dependencies{Probes: make(map[string]handler.Probe)}

	m, err := metrics.New()
	if err != nil {
		return fail("metrics", err)
	}
	deps.Metrics = m

	// --- PostgreSQL ---
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
		return fail("postgres", err)
	}
	closers = append(closers, pgClient.Close)
	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			return fail("postgres migrations", err)
		}
	}
	pool := pgClient.Pool()
	deps.Ledger = postgres.NewLedger(pool)
	deps.Pools = postgres.NewPoolStore(pool)
	deps.Positions = postgres.NewPositionStore(pool)
	deps.Settlements = postgres.NewSettlementStore(pool)
	deps.Audit = postgres.NewAuditStore(pool)
	deps.Probes["postgres"] = pgClient.Ping

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
		return fail("redis", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })
	deps.PriceCache = redis.NewPriceCache(redisClient)
	deps.MetadataCache = redis.NewMetadataCache(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)
	deps.Probes["redis"] = redisClient.Ping

	// --- S3 archive ---
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
			return fail("s3", err)
		}
		reader := s3blob.NewReader(s3Client)
		deps.BlobReader = reader
		deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(s3Client), reader, deps.Settlements, deps.Audit, logger)
		deps.Probes["s3"] = s3Client.Health
	}

	// --- Upstreams ---
	deps.Chain = chain.New(cfg.Solana.RPCURL, cfg.ProgramKey(), cfg.Solana.Commitment, cfg.Solana.Timeout.Duration, logger)
	if strings.EqualFold(cfg.Mode, "mirror") {
		deps.Probes["solana"] = deps.Chain.Health
	}
	deps.Prices = coingecko.New(cfg.Oracle.CoinGeckoURL, cfg.Oracle.APIKey, cfg.Oracle.Timeout.Duration)
	deps.Metadata = metadata.New(cfg.Metadata.Timeout.Duration)

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
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger,
		notify.WithCooldown(cfg.Notify.Cooldown.Duration),
	)

	return deps, cleanup, nil
}
