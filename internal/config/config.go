// Package config defines the top-level configuration for neond and provides
// validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by NEON_* environment variables.
type Config struct {
	Protocol ProtocolConfig `toml:"protocol"`
	Wallet   WalletConfig   `toml:"wallet"`
	Chain    ChainConfig    `toml:"chain"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Pipeline PipelineConfig `toml:"pipeline"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// ProtocolConfig holds the immutable DCA protocol parameters and the initial
// pair/strategy whitelist.
type ProtocolConfig struct {
	ResolverAddress string `toml:"resolver_address"`
	VaultAddress    string `toml:"vault_address"`
	HomeChainID     uint64 `toml:"home_chain_id"`
	// DefaultApproval, in whole tokens, is the allowance requirement charged
	// for positions with unlimited executions.
	DefaultApproval int64    `toml:"default_approval"`
	TimeBase        duration `toml:"time_base"`
	MinTau          uint64   `toml:"min_tau"`
	MaxTau          uint64   `toml:"max_tau"`

	Pairs      []PairEntry     `toml:"pairs"`
	Strategies []StrategyEntry `toml:"strategies"`
}

// PairEntry whitelists one tradeable (src → dest on chain) route.
type PairEntry struct {
	SrcToken  string `toml:"src_token"`
	ChainID   uint64 `toml:"chain_id"`
	DestToken string `toml:"dest_token"`
}

// StrategyEntry whitelists one yield-strategy adapter for a dest token.
type StrategyEntry struct {
	Address   string `toml:"address"`
	DestToken string `toml:"dest_token"`
}

// WalletConfig holds the operator key used to sign token transfers on chain.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// ChainConfig holds the home-chain RPC endpoint. An empty RPCURL selects the
// in-memory token bridge (sim mode).
type ChainConfig struct {
	RPCURL  string `toml:"rpc_url"`
	ChainID uint64 `toml:"chain_id"`
}

// PostgresConfig holds PostgreSQL connection parameters for the archive.
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

// RedisConfig holds Redis connection parameters for the signal bus and the
// round lock.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	// StreamMaxLen caps the durable event streams (approximate trim).
	StreamMaxLen int64 `toml:"stream_max_len"`
}

// S3Config holds S3-compatible object storage parameters for cold archives.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// PipelineConfig holds the readiness scanner and archive exporter parameters.
type PipelineConfig struct {
	Enabled bool `toml:"enabled"`
	// ScanInterval is how often due positions are re-evaluated and announced.
	ScanInterval duration `toml:"scan_interval"`
	// RoundWarnAfter is how long a round may stay open before the scanner
	// starts logging warnings about it.
	RoundWarnAfter       duration `toml:"round_warn_after"`
	ArchiveInterval      duration `toml:"archive_interval"`
	ArchiveRetentionDays int      `toml:"archive_retention_days"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
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

// ServerConfig holds HTTP server parameters. ResolverToken authenticates the
// settlement agent on the /resolver endpoints.
type ServerConfig struct {
	Enabled       bool     `toml:"enabled"`
	Port          int      `toml:"port"`
	CORSOrigins   []string `toml:"cors_origins"`
	ResolverToken string   `toml:"resolver_token"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Protocol: ProtocolConfig{
			HomeChainID:     137,
			DefaultApproval: 15_000_000,
			TimeBase:        duration{24 * time.Hour},
			MinTau:          1,
			MaxTau:          30,
		},
		Chain: ChainConfig{
			ChainID: 137,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "neon",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			DB:           0,
			PoolSize:     20,
			MaxRetries:   3,
			TLSEnabled:   false,
			StreamMaxLen: 10_000,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "neon-data",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Pipeline: PipelineConfig{
			Enabled:              true,
			ScanInterval:         duration{time.Minute},
			RoundWarnAfter:       duration{15 * time.Minute},
			ArchiveInterval:      duration{24 * time.Hour},
			ArchiveRetentionDays: 90,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Notify: NotifyConfig{
			Events: []string{"position_execution_failed", "position_closed", "error"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server": true,
	"full":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

func validAddress(s string) bool {
	return common.IsHexAddress(s) && common.HexToAddress(s) != (common.Address{})
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, full)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Protocol
	if !validAddress(c.Protocol.ResolverAddress) {
		errs = append(errs, "protocol: resolver_address must be a non-zero hex address")
	}
	if !validAddress(c.Protocol.VaultAddress) {
		errs = append(errs, "protocol: vault_address must be a non-zero hex address")
	}
	if c.Protocol.HomeChainID == 0 {
		errs = append(errs, "protocol: home_chain_id must be positive")
	}
	if c.Protocol.DefaultApproval <= 0 {
		errs = append(errs, "protocol: default_approval must be > 0")
	}
	if c.Protocol.TimeBase.Duration <= 0 {
		errs = append(errs, "protocol: time_base must be a positive duration")
	}
	if c.Protocol.MinTau < 1 {
		errs = append(errs, "protocol: min_tau must be >= 1")
	}
	if c.Protocol.MaxTau < c.Protocol.MinTau {
		errs = append(errs, "protocol: max_tau must be >= min_tau")
	}
	for i, p := range c.Protocol.Pairs {
		if !common.IsHexAddress(p.SrcToken) || !common.IsHexAddress(p.DestToken) || p.ChainID == 0 {
			errs = append(errs, fmt.Sprintf("protocol: pairs[%d] is malformed", i))
		}
	}
	for i, s := range c.Protocol.Strategies {
		if !validAddress(s.Address) || !common.IsHexAddress(s.DestToken) {
			errs = append(errs, fmt.Sprintf("protocol: strategies[%d] is malformed", i))
		}
	}

	// Wallet — required whenever a live chain is configured.
	if c.Chain.RPCURL != "" {
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
			errs = append(errs, "wallet: either private_key or encrypted_key_path must be set when chain.rpc_url is configured")
		}
		if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
			errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
		}
		if c.Chain.ChainID == 0 {
			errs = append(errs, "chain: chain_id must be positive")
		}
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
	if c.Redis.StreamMaxLen < 1 {
		errs = append(errs, "redis: stream_max_len must be >= 1")
	}

	// S3
	if c.S3.Endpoint == "" {
		errs = append(errs, "s3: endpoint must not be empty")
	}
	if c.S3.Bucket == "" {
		errs = append(errs, "s3: bucket must not be empty")
	}

	// Pipeline
	if c.Pipeline.Enabled {
		if c.Pipeline.ScanInterval.Duration <= 0 {
			errs = append(errs, "pipeline: scan_interval must be a positive duration")
		}
		if c.Pipeline.RoundWarnAfter.Duration <= 0 {
			errs = append(errs, "pipeline: round_warn_after must be a positive duration")
		}
		if c.Pipeline.ArchiveInterval.Duration <= 0 {
			errs = append(errs, "pipeline: archive_interval must be a positive duration")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.ResolverToken == "" {
			errs = append(errs, "server: resolver_token must be set so the settlement agent can authenticate")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
