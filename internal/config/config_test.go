package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "watch", cfg.Mode)
	assert.False(t, cfg.Executor.EnableLiveTrading)
	assert.True(t, cfg.Kalshi.UseDemo)
	assert.Equal(t, int64(2), cfg.Strategy.MinSpreadCents)
	assert.Equal(t, int64(4), cfg.Strategy.CryptoShortMinSpreadCents)
	assert.Equal(t, 2*time.Second, cfg.Strategy.SignalTTL.Duration)
	assert.Equal(t, int64(137), cfg.Chain.ChainID)
	assert.InDelta(t, 0.02, cfg.Risk.BalanceFraction, 1e-9)
}

func TestLoadLayersFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "spreadbot.toml")
	body := `
mode = "trade"
log_level = "debug"

[strategy]
min_spread_cents = 3
signal_ttl = "4s"

[redis]
addr = "redis.internal:6379"

[[whitelist.pairs]]
kalshi = "KXBTC-25AUG-T64000"
polymarket = "0xabc123"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	t.Setenv("SPREADBOT_REDIS_ADDR", "redis.prod:6380")
	t.Setenv("SPREADBOT_STRATEGY_CAPACITY_CAP", "250")

	cfg, err := Load(path)
	require.NoError(t, err)

	// File overrides defaults.
	assert.Equal(t, "trade", cfg.Mode)
	assert.Equal(t, int64(3), cfg.Strategy.MinSpreadCents)
	assert.Equal(t, 4*time.Second, cfg.Strategy.SignalTTL.Duration)
	require.Len(t, cfg.Whitelist.Pairs, 1)
	assert.Equal(t, "KXBTC-25AUG-T64000", cfg.Whitelist.Pairs[0].Kalshi)

	// Env overrides the file.
	assert.Equal(t, "redis.prod:6380", cfg.Redis.Addr)
	assert.Equal(t, int64(250), cfg.Strategy.CapacityCap)

	// Untouched fields keep their defaults.
	assert.Equal(t, "https://clob.polymarket.com", cfg.Polymarket.ClobURL)
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Defaults().Server.Port, cfg.Server.Port)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: decoding")
}

func TestEnvOverridesParseTypes(t *testing.T) {
	t.Setenv("SPREADBOT_EXECUTOR_ENABLE_LIVE_TRADING", "true")
	t.Setenv("SPREADBOT_RISK_BALANCE_FRACTION", "0.05")
	t.Setenv("SPREADBOT_CHAIN_MERGE_GAS_UNITS", "120000")
	t.Setenv("SPREADBOT_KAFKA_BROKERS", "b1:9092, b2:9092")

	cfg := Defaults()
	applyEnvOverrides(&cfg)

	assert.True(t, cfg.Executor.EnableLiveTrading)
	assert.InDelta(t, 0.05, cfg.Risk.BalanceFraction, 1e-9)
	assert.Equal(t, uint64(120000), cfg.Chain.MergeGasUnits)
	assert.Equal(t, []string{"b1:9092", "b2:9092"}, cfg.Kafka.Brokers)
}

func TestEnvOverrideIgnoresUnparsableValues(t *testing.T) {
	t.Setenv("SPREADBOT_SERVER_PORT", "not-a-port")

	cfg := Defaults()
	applyEnvOverrides(&cfg)

	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "yolo"
	cfg.LogLevel = "loud"
	cfg.Strategy.MinSpreadCents = 0
	cfg.Risk.BalanceFraction = 1.5
	cfg.Hedger.Style = "panic"
	cfg.Server.Port = 0

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, `unknown mode "yolo"`)
	assert.Contains(t, msg, `unknown log_level "loud"`)
	assert.Contains(t, msg, "min_spread_cents must be > 0")
	assert.Contains(t, msg, "balance_fraction must be in (0, 1]")
	assert.Contains(t, msg, "style must be chase or fade")
	assert.Contains(t, msg, "port must be 1-65535")
}

func TestValidateGatesCredentialsOnLiveTrading(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "trade"
	cfg.Executor.EnableLiveTrading = true

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "private_key or encrypted_key_path")
	assert.Contains(t, msg, "access_key is required")
	assert.Contains(t, msg, "rsa_private_key_path is required")
	assert.Contains(t, msg, "demo exchange is refused")

	// The same gaps are fine in watch mode.
	cfg.Mode = "watch"
	assert.NoError(t, cfg.Validate())
}

func TestValidateWalletShape(t *testing.T) {
	cfg := Defaults()
	cfg.Wallet.EncryptedKeyPath = "/secrets/key.enc"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "key_password is required")

	cfg = Defaults()
	cfg.Wallet.SignatureType = 2
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "funder_address is required")
}

func TestValidateCrossThresholdFloor(t *testing.T) {
	cfg := Defaults()
	cfg.Strategy.MinSpreadCents = 5
	cfg.Strategy.CryptoShortMinSpreadCents = 4
	cfg.Strategy.CrossMinSpreadCents = 4

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "crypto_short_duration_min_spread_cents must not undercut")
	assert.Contains(t, err.Error(), "cross_min_spread_cents must not undercut")
}

func TestValidateWhitelistPairs(t *testing.T) {
	cfg := Defaults()
	cfg.Whitelist.Pairs = []WhitelistPair{{Kalshi: "KXBTC", Polymarket: ""}}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pair 0 must set both")
}

func TestRedactedConfigMasksSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Wallet.PrivateKey = "0xdeadbeef"
	cfg.Kalshi.AccessKey = "key-id"
	cfg.Postgres.Password = "hunter2"
	cfg.Redis.Password = "redis-pass"
	cfg.OpenAI.APIKey = "sk-123"
	cfg.Server.APIKey = "control-key"
	cfg.Notify.TelegramToken = "tg-token"

	red := RedactedConfig(&cfg)

	assert.Equal(t, "***", red.Wallet.PrivateKey)
	assert.Equal(t, "***", red.Kalshi.AccessKey)
	assert.Equal(t, "***", red.Postgres.Password)
	assert.Equal(t, "***", red.Redis.Password)
	assert.Equal(t, "***", red.OpenAI.APIKey)
	assert.Equal(t, "***", red.Server.APIKey)
	assert.Equal(t, "***", red.Notify.TelegramToken)

	// Originals are untouched.
	assert.Equal(t, "0xdeadbeef", cfg.Wallet.PrivateKey)

	// Non-secrets survive.
	assert.Equal(t, cfg.Redis.Addr, red.Redis.Addr)

	// Slice mutations on the copy do not leak back.
	red.Server.CORSOrigins[0] = "mutated"
	assert.NotEqual(t, "mutated", cfg.Server.CORSOrigins[0])
}

func TestDurationTextRoundTrip(t *testing.T) {
	var d duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, 90*time.Second, d.Duration)

	out, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(out))

	require.Error(t, d.UnmarshalText([]byte("soon")))
}
