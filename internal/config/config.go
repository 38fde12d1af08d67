// Package config defines the top-level configuration for the whiplash
// settlement service and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
)

// DefaultProgramID is the deployed whiplash program.
const DefaultProgramID = "GHjAHPHGZocJKtxUhe3Eom5B73AF4XGXYukV4QMMDNhZ"

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by WHIPLASH_* environment variables.
type Config struct {
	Program  ProgramConfig  `toml:"program"`
	Solana   SolanaConfig   `toml:"solana"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Server   ServerConfig   `toml:"server"`
	Oracle   OracleConfig   `toml:"oracle"`
	Metadata MetadataConfig `toml:"metadata"`
	Engine   EngineConfig   `toml:"engine"`
	Monitor  MonitorConfig  `toml:"monitor"`
	Indexer  IndexerConfig  `toml:"indexer"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// ProgramConfig identifies the on-chain program whose addresses the engine
// derives.
type ProgramConfig struct {
	ID string `toml:"id"`
}

// SolanaConfig holds the RPC endpoint used by the chain mirror.
type SolanaConfig struct {
	RPCURL     string   `toml:"rpc_url"`
	Commitment string   `toml:"commitment"`
	Timeout    duration `toml:"timeout"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for the settlement
// archive.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// APIKey holds one or more comma-separated keys guarding write routes.
	// Empty leaves them open.
	APIKey string `toml:"api_key"`
	// RateLimit is requests per RateWindow per client IP. Zero disables it.
	// WriteRateLimit gives settlement routes a separate, usually tighter,
	// budget; zero makes them share RateLimit.
	RateLimit      int      `toml:"rate_limit"`
	WriteRateLimit int      `toml:"write_rate_limit"`
	RateWindow     duration `toml:"rate_window"`
}

// OracleConfig holds the SOL/USD price source.
type OracleConfig struct {
	CoinGeckoURL string   `toml:"coingecko_url"`
	APIKey       string   `toml:"api_key"`
	CacheTTL     duration `toml:"cache_ttl"`
	Timeout      duration `toml:"timeout"`
}

// MetadataConfig controls token metadata resolution.
type MetadataConfig struct {
	CacheTTL duration `toml:"cache_ttl"`
	Timeout  duration `toml:"timeout"`
}

// EngineConfig tunes the settlement engine.
type EngineConfig struct {
	// LockTTL bounds how long the distributed pool lock is held.
	LockTTL duration `toml:"lock_ttl"`
	// DedupWindow is how long an Idempotency-Key is remembered.
	DedupWindow duration `toml:"dedup_window"`
	// ArchiveRetentionDays moves older settlements to S3. Zero keeps them.
	ArchiveRetentionDays int      `toml:"archive_retention_days"`
	ArchiveInterval      duration `toml:"archive_interval"`
}

// MonitorConfig controls the limbo monitor.
type MonitorConfig struct {
	Enabled  bool     `toml:"enabled"`
	Interval duration `toml:"interval"`
}

// IndexerConfig controls the chain mirror used in mirror mode.
type IndexerConfig struct {
	Interval duration `toml:"interval"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	// Cooldown suppresses repeats of the same event for the same position.
	Cooldown duration `toml:"cooldown"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Program: ProgramConfig{ID: DefaultProgramID},
		Solana: SolanaConfig{
			RPCURL:     "https://api.devnet.solana.com",
			Commitment: "confirmed",
			Timeout:    duration{15 * time.Second},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "whiplash",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "whiplash-settlements",
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000"},
			RateLimit:      120,
			WriteRateLimit: 30,
			RateWindow:     duration{time.Minute},
		},
		Oracle: OracleConfig{
			CoinGeckoURL: "https://api.coingecko.com/api/v3",
			CacheTTL:     duration{60 * time.Second},
			Timeout:      duration{5 * time.Second},
		},
		Metadata: MetadataConfig{
			CacheTTL: duration{24 * time.Hour},
			Timeout:  duration{5 * time.Second},
		},
		Engine: EngineConfig{
			LockTTL:              duration{5 * time.Second},
			DedupWindow:          duration{10 * time.Minute},
			ArchiveRetentionDays: 90,
			ArchiveInterval:      duration{24 * time.Hour},
		},
		Monitor: MonitorConfig{
			Enabled:  true,
			Interval: duration{5 * time.Second},
		},
		Indexer: IndexerConfig{
			Interval: duration{10 * time.Second},
		},
		Notify: NotifyConfig{
			Events:   []string{"liquidation", "limbo"},
			Cooldown: duration{5 * time.Minute},
		},
		Mode:     "engine",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"engine": true,
	"mirror": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validCommitments = map[string]bool{
	"processed": true,
	"confirmed": true,
	"finalized": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: engine, mirror)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Program
	if _, err := solana.PublicKeyFromBase58(c.Program.ID); err != nil {
		errs = append(errs, fmt.Sprintf("program: id %q is not a valid address", c.Program.ID))
	}

	// Solana. Only the mirror talks to the chain.
	if strings.ToLower(c.Mode) == "mirror" {
		if c.Solana.RPCURL == "" {
			errs = append(errs, "solana: rpc_url must not be empty in mirror mode")
		}
		if c.Indexer.Interval.Duration <= 0 {
			errs = append(errs, "indexer: interval must be positive")
		}
	}
	if !validCommitments[c.Solana.Commitment] {
		errs = append(errs, fmt.Sprintf("solana: unknown commitment %q", c.Solana.Commitment))
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.Engine.ArchiveInterval.Duration <= 0 {
			errs = append(errs, "engine: archive_interval must be positive when s3 is enabled")
		}
	}

	// Server
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.RateLimit < 0 || c.Server.WriteRateLimit < 0 {
		errs = append(errs, "server: rate_limit and write_rate_limit must be >= 0")
	}
	if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
		errs = append(errs, "server: rate_window must be positive when rate_limit is set")
	}

	// Oracle & metadata
	if c.Oracle.CoinGeckoURL == "" {
		errs = append(errs, "oracle: coingecko_url must not be empty")
	}
	if c.Oracle.CacheTTL.Duration <= 0 {
		errs = append(errs, "oracle: cache_ttl must be positive")
	}
	if c.Metadata.CacheTTL.Duration <= 0 {
		errs = append(errs, "metadata: cache_ttl must be positive")
	}

	// Engine
	if c.Engine.LockTTL.Duration <= 0 {
		errs = append(errs, "engine: lock_ttl must be positive")
	}
	if c.Engine.ArchiveRetentionDays < 0 {
		errs = append(errs, "engine: archive_retention_days must be >= 0")
	}
	if c.Monitor.Enabled && c.Monitor.Interval.Duration <= 0 {
		errs = append(errs, "monitor: interval must be positive when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ProgramKey returns the parsed program ID. Call Validate first.
func (c *Config) ProgramKey() solana.PublicKey {
	return solana.MustPublicKeyFromBase58(c.Program.ID)
}
