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
// built-in defaults, applies NEON_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known NEON_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Protocol ──
	setStr(&cfg.Protocol.ResolverAddress, "NEON_PROTOCOL_RESOLVER_ADDRESS")
	setStr(&cfg.Protocol.VaultAddress, "NEON_PROTOCOL_VAULT_ADDRESS")
	setUint64(&cfg.Protocol.HomeChainID, "NEON_PROTOCOL_HOME_CHAIN_ID")
	setInt64(&cfg.Protocol.DefaultApproval, "NEON_PROTOCOL_DEFAULT_APPROVAL")
	setDuration(&cfg.Protocol.TimeBase, "NEON_PROTOCOL_TIME_BASE")
	setUint64(&cfg.Protocol.MinTau, "NEON_PROTOCOL_MIN_TAU")
	setUint64(&cfg.Protocol.MaxTau, "NEON_PROTOCOL_MAX_TAU")

	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "NEON_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "NEON_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "NEON_WALLET_KEY_PASSWORD")

	// ── Chain ──
	setStr(&cfg.Chain.RPCURL, "NEON_CHAIN_RPC_URL")
	setUint64(&cfg.Chain.ChainID, "NEON_CHAIN_CHAIN_ID")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "NEON_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "NEON_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "NEON_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "NEON_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "NEON_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "NEON_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "NEON_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "NEON_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "NEON_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "NEON_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "NEON_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "NEON_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "NEON_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "NEON_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "NEON_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "NEON_REDIS_TLS_ENABLED")
	setInt64(&cfg.Redis.StreamMaxLen, "NEON_REDIS_STREAM_MAX_LEN")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "NEON_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "NEON_S3_REGION")
	setStr(&cfg.S3.Bucket, "NEON_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "NEON_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "NEON_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "NEON_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "NEON_S3_FORCE_PATH_STYLE")

	// ── Pipeline ──
	setBool(&cfg.Pipeline.Enabled, "NEON_PIPELINE_ENABLED")
	setDuration(&cfg.Pipeline.ScanInterval, "NEON_PIPELINE_SCAN_INTERVAL")
	setDuration(&cfg.Pipeline.RoundWarnAfter, "NEON_PIPELINE_ROUND_WARN_AFTER")
	setDuration(&cfg.Pipeline.ArchiveInterval, "NEON_PIPELINE_ARCHIVE_INTERVAL")
	setInt(&cfg.Pipeline.ArchiveRetentionDays, "NEON_PIPELINE_ARCHIVE_RETENTION_DAYS")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "NEON_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "NEON_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "NEON_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.ResolverToken, "NEON_SERVER_RESOLVER_TOKEN")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "NEON_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "NEON_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "NEON_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "NEON_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "NEON_MODE")
	setStr(&cfg.LogLevel, "NEON_LOG_LEVEL")
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

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
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
