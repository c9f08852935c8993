package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load builds the effective configuration: defaults, then the TOML
// file at path (if non-empty), then a .env file in the working
// directory (if present), then SPREADBOT_* environment variables.
// Later layers win. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decoding %s: %w", path, err)
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known SPREADBOT_* environment variables
// and overwrites the corresponding Config fields when a variable is
// set. This lets operators inject secrets at deploy time without
// touching the TOML file.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Mode, "SPREADBOT_MODE")
	setStr(&cfg.LogLevel, "SPREADBOT_LOG_LEVEL")

	setStr(&cfg.Wallet.PrivateKey, "SPREADBOT_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "SPREADBOT_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "SPREADBOT_WALLET_KEY_PASSWORD")
	setStr(&cfg.Wallet.FunderAddress, "SPREADBOT_WALLET_FUNDER_ADDRESS")
	setInt(&cfg.Wallet.SignatureType, "SPREADBOT_WALLET_SIGNATURE_TYPE")

	setStr(&cfg.Kalshi.AccessKey, "SPREADBOT_KALSHI_ACCESS_KEY")
	setStr(&cfg.Kalshi.RSAPrivateKeyPath, "SPREADBOT_KALSHI_RSA_PRIVATE_KEY_PATH")
	setBool(&cfg.Kalshi.UseDemo, "SPREADBOT_KALSHI_USE_DEMO")
	setStr(&cfg.Kalshi.BaseURL, "SPREADBOT_KALSHI_BASE_URL")
	setStr(&cfg.Kalshi.WSURL, "SPREADBOT_KALSHI_WS_URL")

	setStr(&cfg.Polymarket.ClobURL, "SPREADBOT_POLYMARKET_CLOB_URL")
	setStr(&cfg.Polymarket.GammaURL, "SPREADBOT_POLYMARKET_GAMMA_URL")
	setStr(&cfg.Polymarket.WSURL, "SPREADBOT_POLYMARKET_WS_URL")

	setStr(&cfg.Chain.RPCURL, "SPREADBOT_CHAIN_RPC_URL")
	setInt64(&cfg.Chain.ChainID, "SPREADBOT_CHAIN_ID")
	setFloat64(&cfg.Chain.POLUSDRate, "SPREADBOT_CHAIN_POL_USD_RATE")
	setUint64(&cfg.Chain.MergeGasUnits, "SPREADBOT_CHAIN_MERGE_GAS_UNITS")

	setInt64(&cfg.Strategy.MinSpreadCents, "SPREADBOT_STRATEGY_MIN_SPREAD_CENTS")
	setInt64(&cfg.Strategy.CryptoShortMinSpreadCents, "SPREADBOT_STRATEGY_CRYPTO_MIN_SPREAD_CENTS")
	setInt64(&cfg.Strategy.CrossMinSpreadCents, "SPREADBOT_STRATEGY_CROSS_MIN_SPREAD_CENTS")
	setInt64(&cfg.Strategy.CapacityCap, "SPREADBOT_STRATEGY_CAPACITY_CAP")
	setDuration(&cfg.Strategy.SignalTTL, "SPREADBOT_STRATEGY_SIGNAL_TTL")

	setStringSlice(&cfg.Markets.Kalshi, "SPREADBOT_MARKETS_KALSHI")
	setStringSlice(&cfg.Markets.Polymarket, "SPREADBOT_MARKETS_POLYMARKET")

	setFloat64(&cfg.Risk.MaxPositionSizeUSD, "SPREADBOT_RISK_MAX_POSITION_SIZE_USD")
	setFloat64(&cfg.Risk.BalanceFraction, "SPREADBOT_RISK_BALANCE_FRACTION")
	setInt(&cfg.Risk.MaxConcurrentArbs, "SPREADBOT_RISK_MAX_CONCURRENT_ARBS")

	setBool(&cfg.Executor.EnableLiveTrading, "SPREADBOT_EXECUTOR_ENABLE_LIVE_TRADING")

	setStr(&cfg.Hedger.Style, "SPREADBOT_HEDGER_STYLE")

	setStr(&cfg.Redis.Addr, "SPREADBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "SPREADBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "SPREADBOT_REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "SPREADBOT_REDIS_TLS")

	setStr(&cfg.Postgres.DSN, "SPREADBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "SPREADBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "SPREADBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "SPREADBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "SPREADBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "SPREADBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "SPREADBOT_POSTGRES_SSL_MODE")

	setBool(&cfg.S3.Enabled, "SPREADBOT_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "SPREADBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "SPREADBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "SPREADBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "SPREADBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "SPREADBOT_S3_SECRET_KEY")

	setBool(&cfg.ClickHouse.Enabled, "SPREADBOT_CLICKHOUSE_ENABLED")
	setStr(&cfg.ClickHouse.Addr, "SPREADBOT_CLICKHOUSE_ADDR")
	setStr(&cfg.ClickHouse.Database, "SPREADBOT_CLICKHOUSE_DATABASE")
	setStr(&cfg.ClickHouse.User, "SPREADBOT_CLICKHOUSE_USER")
	setStr(&cfg.ClickHouse.Password, "SPREADBOT_CLICKHOUSE_PASSWORD")

	setBool(&cfg.Kafka.Enabled, "SPREADBOT_KAFKA_ENABLED")
	setStringSlice(&cfg.Kafka.Brokers, "SPREADBOT_KAFKA_BROKERS")
	setStr(&cfg.Kafka.Topic, "SPREADBOT_KAFKA_TOPIC")

	setStr(&cfg.OpenAI.APIKey, "SPREADBOT_OPENAI_API_KEY")
	setStr(&cfg.OpenAI.Model, "SPREADBOT_OPENAI_MODEL")

	setStr(&cfg.Notify.TelegramToken, "SPREADBOT_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "SPREADBOT_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "SPREADBOT_DISCORD_WEBHOOK_URL")

	setBool(&cfg.Server.Enabled, "SPREADBOT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "SPREADBOT_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "SPREADBOT_SERVER_API_KEY")
}

func setStr(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				out = append(out, s)
			}
		}
		if len(out) > 0 {
			*dst = out
		}
	}
}
