package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies WHIPLASH_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known WHIPLASH_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Program & chain ──
	setStr(&cfg.Program.ID, "WHIPLASH_PROGRAM_ID")
	setStr(&cfg.Solana.RPCURL, "WHIPLASH_SOLANA_RPC_URL")
	setStr(&cfg.Solana.Commitment, "WHIPLASH_SOLANA_COMMITMENT")
	setDuration(&cfg.Solana.Timeout, "WHIPLASH_SOLANA_TIMEOUT")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "WHIPLASH_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "WHIPLASH_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "WHIPLASH_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "WHIPLASH_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "WHIPLASH_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "WHIPLASH_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "WHIPLASH_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "WHIPLASH_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "WHIPLASH_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "WHIPLASH_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "WHIPLASH_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "WHIPLASH_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "WHIPLASH_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "WHIPLASH_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "WHIPLASH_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "WHIPLASH_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "WHIPLASH_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "WHIPLASH_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "WHIPLASH_S3_REGION")
	setStr(&cfg.S3.Bucket, "WHIPLASH_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "WHIPLASH_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "WHIPLASH_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "WHIPLASH_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "WHIPLASH_S3_FORCE_PATH_STYLE")

	// ── Server ──
	setInt(&cfg.Server.Port, "WHIPLASH_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "WHIPLASH_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "WHIPLASH_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "WHIPLASH_SERVER_RATE_LIMIT")
	setInt(&cfg.Server.WriteRateLimit, "WHIPLASH_SERVER_WRITE_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "WHIPLASH_SERVER_RATE_WINDOW")

	// ── Oracle & metadata ──
	setStr(&cfg.Oracle.CoinGeckoURL, "WHIPLASH_ORACLE_COINGECKO_URL")
	setStr(&cfg.Oracle.APIKey, "WHIPLASH_ORACLE_API_KEY")
	setDuration(&cfg.Oracle.CacheTTL, "WHIPLASH_ORACLE_CACHE_TTL")
	setDuration(&cfg.Oracle.Timeout, "WHIPLASH_ORACLE_TIMEOUT")
	setDuration(&cfg.Metadata.CacheTTL, "WHIPLASH_METADATA_CACHE_TTL")
	setDuration(&cfg.Metadata.Timeout, "WHIPLASH_METADATA_TIMEOUT")

	// ── Engine ──
	setDuration(&cfg.Engine.LockTTL, "WHIPLASH_ENGINE_LOCK_TTL")
	setDuration(&cfg.Engine.DedupWindow, "WHIPLASH_ENGINE_DEDUP_WINDOW")
	setInt(&cfg.Engine.ArchiveRetentionDays, "WHIPLASH_ENGINE_ARCHIVE_RETENTION_DAYS")
	setDuration(&cfg.Engine.ArchiveInterval, "WHIPLASH_ENGINE_ARCHIVE_INTERVAL")
	setBool(&cfg.Monitor.Enabled, "WHIPLASH_MONITOR_ENABLED")
	setDuration(&cfg.Monitor.Interval, "WHIPLASH_MONITOR_INTERVAL")
	setDuration(&cfg.Indexer.Interval, "WHIPLASH_INDEXER_INTERVAL")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "WHIPLASH_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "WHIPLASH_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "WHIPLASH_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "WHIPLASH_NOTIFY_EVENTS")
	setDuration(&cfg.Notify.Cooldown, "WHIPLASH_NOTIFY_COOLDOWN")

	// ── Top-level ──
	setStr(&cfg.Mode, "WHIPLASH_MODE")
	setStr(&cfg.LogLevel, "WHIPLASH_LOG_LEVEL")
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
