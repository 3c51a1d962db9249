package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	resolverAddr = "0x1111111111111111111111111111111111111111"
	vaultAddr    = "0x2222222222222222222222222222222222222222"
)

func validConfig() Config {
	cfg := Defaults()
	cfg.Protocol.ResolverAddress = resolverAddr
	cfg.Protocol.VaultAddress = vaultAddr
	cfg.Server.ResolverToken = "secret"
	return cfg
}

func TestDefaultsValidateWithAddresses(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsZeroAddresses(t *testing.T) {
	cfg := validConfig()
	cfg.Protocol.ResolverAddress = "0x0000000000000000000000000000000000000000"
	cfg.Protocol.VaultAddress = "not-an-address"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "resolver_address")
	assert.Contains(t, err.Error(), "vault_address")
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Mode = "bogus"
	cfg.Redis.Addr = ""
	cfg.Protocol.MaxTau = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
	assert.Contains(t, err.Error(), "redis: addr")
	assert.Contains(t, err.Error(), "max_tau")
}

func TestValidateWalletRequiredForLiveChain(t *testing.T) {
	cfg := validConfig()
	cfg.Chain.RPCURL = "https://polygon-rpc.example"
	cfg.Wallet = WalletConfig{}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wallet")

	cfg.Wallet.PrivateKey = "abc123"
	require.NoError(t, cfg.Validate())
}

func TestValidateResolverTokenRequiredWhenServerEnabled(t *testing.T) {
	cfg := validConfig()
	cfg.Server.ResolverToken = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "resolver_token")

	cfg.Server.Enabled = false
	require.NoError(t, cfg.Validate())
}

func TestValidateMalformedPairEntry(t *testing.T) {
	cfg := validConfig()
	cfg.Protocol.Pairs = []PairEntry{{SrcToken: "nope", ChainID: 137, DestToken: vaultAddr}}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pairs[0]")
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := `
mode = "server"

[protocol]
resolver_address = "` + resolverAddr + `"
vault_address = "` + vaultAddr + `"
time_base = "1h"

[server]
resolver_token = "secret"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "server", cfg.Mode)
	assert.Equal(t, time.Hour, cfg.Protocol.TimeBase.Duration)
	// Untouched sections keep their defaults.
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, uint64(137), cfg.Protocol.HomeChainID)
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := `
[protocol]
resolver_address = "` + resolverAddr + `"
vault_address = "` + vaultAddr + `"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	t.Setenv("NEON_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("NEON_PROTOCOL_MAX_TAU", "60")
	t.Setenv("NEON_SERVER_CORS_ORIGINS", "https://app.example, https://staging.example")
	t.Setenv("NEON_PIPELINE_SCAN_INTERVAL", "30s")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	assert.Equal(t, uint64(60), cfg.Protocol.MaxTau)
	assert.Equal(t, []string{"https://app.example", "https://staging.example"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 30*time.Second, cfg.Pipeline.ScanInterval.Duration)
}

func TestRedactedConfigMasksSecrets(t *testing.T) {
	cfg := validConfig()
	cfg.Wallet.PrivateKey = "deadbeef"
	cfg.Postgres.Password = "pg-secret"
	cfg.Redis.Password = "redis-secret"
	cfg.S3.SecretKey = "s3-secret"
	cfg.Notify.TelegramToken = "tg-token"

	redacted := RedactedConfig(&cfg)

	assert.NotContains(t, redacted.Wallet.PrivateKey, "deadbeef")
	assert.NotContains(t, redacted.Postgres.Password, "pg-secret")
	assert.NotContains(t, redacted.Redis.Password, "redis-secret")
	assert.NotContains(t, redacted.S3.SecretKey, "s3-secret")
	assert.NotContains(t, redacted.Notify.TelegramToken, "tg-token")
	assert.NotContains(t, redacted.Server.ResolverToken, "secret")

	// The original is untouched.
	assert.Equal(t, "deadbeef", cfg.Wallet.PrivateKey)
}
