// Package config defines the top-level configuration for the spread
// engine and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated
// from a TOML file and then optionally overridden by SPREADBOT_*
// environment variables.
type Config struct {
	Wallet     WalletConfig     `toml:"wallet"`
	Kalshi     KalshiConfig     `toml:"kalshi"`
	Polymarket PolymarketConfig `toml:"polymarket"`
	Chain      ChainConfig      `toml:"chain"`
	Strategy   StrategyConfig   `toml:"strategy"`
	Risk       RiskConfig       `toml:"risk"`
	Executor   ExecutorConfig   `toml:"executor"`
	Hedger     HedgerConfig     `toml:"hedger"`
	Merge      MergeConfig      `toml:"merge"`
	Markets    MarketsConfig    `toml:"markets"`
	Whitelist  WhitelistConfig  `toml:"whitelist"`
	Feed       FeedConfig       `toml:"feed"`
	Redis      RedisConfig      `toml:"redis"`
	Postgres   PostgresConfig   `toml:"postgres"`
	S3         S3Config         `toml:"s3"`
	ClickHouse ClickHouseConfig `toml:"clickhouse"`
	Kafka      KafkaConfig      `toml:"kafka"`
	OpenAI     OpenAIConfig     `toml:"openai"`
	Notify     NotifyConfig     `toml:"notify"`
	Server     ServerConfig     `toml:"server"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// WalletConfig holds the Polygon wallet that signs Polymarket orders
// and merge transactions. Exactly one of private_key or
// encrypted_key_path must be set for live trading.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
	// FunderAddress is the proxy or safe that holds funds when orders
	// are not placed from the EOA itself.
	FunderAddress string `toml:"funder_address"`
	// SignatureType: 0 = EOA, 1 = email/Magic proxy, 2 = browser safe.
	SignatureType int `toml:"signature_type"`
}

// KalshiConfig holds Kalshi exchange API credentials and endpoints.
type KalshiConfig struct {
	AccessKey         string `toml:"access_key"`
	RSAPrivateKeyPath string `toml:"rsa_private_key_path"`
	// UseDemo selects the demo exchange when no explicit base_url is
	// given. Live trading refuses to start against demo.
	UseDemo bool   `toml:"use_demo"`
	BaseURL string `toml:"base_url"`
	WSURL   string `toml:"ws_url"`
}

// PolymarketConfig holds Polymarket CLOB endpoints.
type PolymarketConfig struct {
	ClobURL  string `toml:"clob_url"`
	GammaURL string `toml:"gamma_url"`
	WSURL    string `toml:"ws_url"`
}

// ChainConfig holds the Polygon RPC connection and gas-pricing knobs
// for the merge path.
type ChainConfig struct {
	RPCURL  string `toml:"rpc_url"`
	ChainID int64  `toml:"chain_id"`
	// POLUSDRate converts gas costs into USDC. A deliberate
	// overestimate shrinks edges instead of inflating them.
	POLUSDRate float64 `toml:"pol_usd_rate"`
	// MergeGasUnits is the calibrated gas cost of one mergePositions
	// call; zero takes the built-in default.
	MergeGasUnits uint64 `toml:"merge_gas_units"`
	// Contract overrides for testnets; empty values take the Polygon
	// mainnet deployments.
	USDCAddress           string `toml:"usdc_address"`
	CTFAddress            string `toml:"ctf_address"`
	NegRiskAdapterAddress string `toml:"neg_risk_adapter_address"`
}

// StrategyConfig sets the spread thresholds and signal bounds.
type StrategyConfig struct {
	// MinSpreadCents is the baseline net edge per contract required
	// to emit a signal.
	MinSpreadCents int64 `toml:"min_spread_cents"`
	// CryptoShortMinSpreadCents is the elevated threshold for markets
	// tagged crypto with 15m or 1h duration.
	CryptoShortMinSpreadCents int64 `toml:"crypto_short_duration_min_spread_cents"`
	// CrossMinSpreadCents is the elevated threshold for whitelisted
	// cross-venue pairs.
	CrossMinSpreadCents int64 `toml:"cross_min_spread_cents"`
	// CapacityCap is the hard per-signal contract ceiling.
	CapacityCap int64 `toml:"capacity_cap"`
	// DynamicFeeBps is the Polymarket taker-fee rate assumed for
	// crypto short-duration markets when the venue does not report
	// one. Hard-capped at 300.
	DynamicFeeBps int64    `toml:"dynamic_fee_bps"`
	SignalTTL     duration `toml:"signal_ttl"`
	// GasRefresh is how often the engine re-snapshots the merge gas
	// estimate.
	GasRefresh duration `toml:"gas_refresh"`
}

// RiskConfig bounds capital commitment.
type RiskConfig struct {
	// MaxPositionSizeUSD caps the total pair cost of one arb.
	MaxPositionSizeUSD float64 `toml:"max_position_size_usd"`
	// BalanceFraction caps pair cost at this fraction of the
	// constraining venue's free balance.
	BalanceFraction float64 `toml:"balance_fraction"`
	// CrossSizeFactor scales cross-venue quantities down; 1.0 means
	// no reduction.
	CrossSizeFactor   float64  `toml:"cross_size_factor"`
	MaxConcurrentArbs int      `toml:"max_concurrent_arbs"`
	BalanceRefresh    duration `toml:"balance_refresh"`
}

// ExecutorConfig bounds the execution coordinator.
type ExecutorConfig struct {
	// EnableLiveTrading gates order submission. When false, approved
	// signals are recorded and published but nothing reaches a venue.
	EnableLiveTrading bool     `toml:"enable_live_trading"`
	MinViableQty      int64    `toml:"min_viable_qty"`
	IntraPolyTimeout  duration `toml:"intra_poly_timeout"`
	KalshiTimeout     duration `toml:"kalshi_timeout"`
	CrossTimeout      duration `toml:"cross_timeout"`
	ArbBudget         duration `toml:"arb_budget"`
	DedupTTL          duration `toml:"dedup_ttl"`
	ShutdownDeadline  duration `toml:"shutdown_deadline"`
}

// HedgerConfig bounds the hedge loop for half-filled arbs.
type HedgerConfig struct {
	// Style is "chase" (successive IOC orders stepping through the
	// book) or "fade" (passive limit, escalate on timeout).
	Style string `toml:"style"`
	// MaxLossPerContractCents tightens the chase ceiling below
	// break-even. Zero chases to break-even.
	MaxLossPerContractCents int64    `toml:"max_loss_per_contract_cents"`
	StepTickCents           int64    `toml:"step_tick_cents"`
	MaxAttempts             int      `toml:"max_attempts"`
	FadeTimeout             duration `toml:"fade_timeout"`
	PollInterval            duration `toml:"poll_interval"`
	AttemptTimeout          duration `toml:"attempt_timeout"`
}

// MergeConfig bounds on-chain merge retries.
type MergeConfig struct {
	MaxRetries     int      `toml:"merge_max_retries"`
	RetryBackoff   duration `toml:"retry_backoff"`
	Confirmations  uint64   `toml:"confirmations"`
	AttemptTimeout duration `toml:"attempt_timeout"`
}

// MarketsConfig is the tracked market universe. Kalshi holds market
// tickers; an empty list subscribes to every open market at startup.
// Polymarket holds condition IDs and must be explicit, since the CLOB
// has no cheap "all open" enumeration worth streaming.
type MarketsConfig struct {
	Kalshi     []string `toml:"kalshi"`
	Polymarket []string `toml:"polymarket"`
}

// WhitelistConfig lists the cross-venue pairs eligible for
// cross-platform arbitrage. Everything not listed is intra-venue only.
type WhitelistConfig struct {
	Pairs []WhitelistPair `toml:"pairs"`
}

// WhitelistPair binds a Kalshi ticker to a Polymarket condition ID
// that resolves on the same real-world event.
type WhitelistPair struct {
	Kalshi     string `toml:"kalshi"`
	Polymarket string `toml:"polymarket"`
}

// FeedConfig tunes feed supervision.
type FeedConfig struct {
	// StalenessAfter is how long a venue may deliver nothing before
	// it is marked dead for risk purposes.
	StalenessAfter duration `toml:"staleness_after"`
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

// S3Config holds the object store the trade archiver exports to.
// Retention is how long rows stay in Postgres before they are swept to
// cold storage; each archive run exports everything older than that.
type S3Config struct {
	Enabled         bool     `toml:"enabled"`
	Endpoint        string   `toml:"endpoint"`
	Region          string   `toml:"region"`
	Bucket          string   `toml:"bucket"`
	Prefix          string   `toml:"prefix"`
	AccessKey       string   `toml:"access_key"`
	SecretKey       string   `toml:"secret_key"`
	UseSSL          bool     `toml:"use_ssl"`
	ForcePathStyle  bool     `toml:"force_path_style"`
	ArchiveInterval duration `toml:"archive_interval"`
	Retention       duration `toml:"retention"`
}

// ClickHouseConfig holds the research recorder sink.
type ClickHouseConfig struct {
	Enabled       bool     `toml:"enabled"`
	Addr          string   `toml:"addr"`
	Database      string   `toml:"database"`
	User          string   `toml:"user"`
	Password      string   `toml:"password"`
	BatchSize     int      `toml:"batch_size"`
	FlushInterval duration `toml:"flush_interval"`
}

// KafkaConfig holds the trade-event exporter sink.
type KafkaConfig struct {
	Enabled bool     `toml:"enabled"`
	Brokers []string `toml:"brokers"`
	Topic   string   `toml:"topic"`
}

// OpenAIConfig holds credentials for the offline pair suggester. An
// empty api_key disables it.
type OpenAIConfig struct {
	APIKey string `toml:"api_key"`
	Model  string `toml:"model"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// ServerConfig holds control-plane HTTP parameters.
type ServerConfig struct {
	Enabled bool `toml:"enabled"`
	Port    int  `toml:"port"`
	// APIKey guards every /api route (Bearer or X-API-Key). Empty
	// leaves the API open; only do that behind a private network.
	APIKey       string   `toml:"api_key"`
	CORSOrigins  []string `toml:"cors_origins"`
	RateLimitRPS int      `toml:"rate_limit_rps"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML
// decoder can parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip
// encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with the production default
// values. Live trading is off; thresholds sit at the documented
// baselines.
func Defaults() Config {
	return Config{
		Kalshi: KalshiConfig{
			UseDemo: true,
		},
		Polymarket: PolymarketConfig{
			ClobURL:  "https://clob.polymarket.com",
			GammaURL: "https://gamma-api.polymarket.com",
			WSURL:    "wss://ws-subscriptions-clob.polymarket.com/ws/market",
		},
		Chain: ChainConfig{
			RPCURL:        "https://polygon-rpc.com",
			ChainID:       137,
			POLUSDRate:    0.50,
			MergeGasUnits: 0, // calibrated default
		},
		Strategy: StrategyConfig{
			MinSpreadCents:            2,
			CryptoShortMinSpreadCents: 4,
			CrossMinSpreadCents:       4,
			CapacityCap:               1_000,
			DynamicFeeBps:             250,
			SignalTTL:                 duration{2 * time.Second},
			GasRefresh:                duration{15 * time.Second},
		},
		Risk: RiskConfig{
			MaxPositionSizeUSD: 1_000,
			BalanceFraction:    0.02,
			CrossSizeFactor:    0.5,
			MaxConcurrentArbs:  10,
			BalanceRefresh:     duration{30 * time.Second},
		},
		Executor: ExecutorConfig{
			EnableLiveTrading: false,
			MinViableQty:      1,
			IntraPolyTimeout:  duration{500 * time.Millisecond},
			KalshiTimeout:     duration{2 * time.Second},
			CrossTimeout:      duration{5 * time.Second},
			ArbBudget:         duration{2 * time.Minute},
			DedupTTL:          duration{2 * time.Minute},
			ShutdownDeadline:  duration{30 * time.Second},
		},
		Hedger: HedgerConfig{
			Style:          "chase",
			StepTickCents:  1,
			MaxAttempts:    10,
			FadeTimeout:    duration{1500 * time.Millisecond},
			PollInterval:   duration{250 * time.Millisecond},
			AttemptTimeout: duration{2 * time.Second},
		},
		Merge: MergeConfig{
			MaxRetries:     4,
			RetryBackoff:   duration{2 * time.Second},
			Confirmations:  3,
			AttemptTimeout: duration{90 * time.Second},
		},
		Feed: FeedConfig{
			StalenessAfter: duration{10 * time.Second},
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "spreadbot",
			User:          "spreadbot",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		S3: S3Config{
			Enabled:         false,
			Endpoint:        "http://localhost:9000",
			Region:          "us-east-1",
			Bucket:          "spreadbot-archive",
			Prefix:          "trades",
			UseSSL:          false,
			ForcePathStyle:  true,
			ArchiveInterval: duration{time.Hour},
			Retention:       duration{30 * 24 * time.Hour},
		},
		ClickHouse: ClickHouseConfig{
			Enabled:       false,
			Addr:          "localhost:9000",
			Database:      "default",
			User:          "default",
			BatchSize:     1_000,
			FlushInterval: duration{5 * time.Second},
		},
		Kafka: KafkaConfig{
			Enabled: false,
			Brokers: []string{"localhost:9092"},
			Topic:   "spreadbot.trades",
		},
		OpenAI: OpenAIConfig{
			Model: "gpt-4o-mini",
		},
		Notify: NotifyConfig{
			Events: []string{"merge_failure", "hedge_loss", "venue_auth", "drain", "live_fill"},
		},
		Server: ServerConfig{
			Enabled:      true,
			Port:         8080,
			CORSOrigins:  []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimitRPS: 20,
		},
		Mode:     "watch",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"trade":  true,
	"watch":  true,
	"server": true,
	"all":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// tradesLive reports whether this configuration can reach a venue
// with real orders.
func (c *Config) tradesLive() bool {
	return c.Executor.EnableLiveTrading && (c.Mode == "trade" || c.Mode == "all")
}

// Validate checks Config for obviously invalid or missing values and
// returns a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: trade, watch, server, all)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Wallet and venue credentials are only mandatory when orders can
	// actually be sent.
	if c.tradesLive() {
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
			errs = append(errs, "wallet: either private_key or encrypted_key_path must be set for live trading")
		}
		if c.Kalshi.AccessKey == "" {
			errs = append(errs, "kalshi: access_key is required for live trading")
		}
		if c.Kalshi.RSAPrivateKeyPath == "" {
			errs = append(errs, "kalshi: rsa_private_key_path is required for live trading")
		}
		if c.Kalshi.UseDemo && c.Kalshi.BaseURL == "" {
			errs = append(errs, "kalshi: live trading against the demo exchange is refused; set use_demo=false or an explicit base_url")
		}
	}
	if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
		errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
	}
	if c.Wallet.SignatureType < 0 || c.Wallet.SignatureType > 2 {
		errs = append(errs, fmt.Sprintf("wallet: signature_type must be 0 (EOA), 1 (proxy) or 2 (safe), got %d", c.Wallet.SignatureType))
	}
	if c.Wallet.SignatureType != 0 && c.Wallet.FunderAddress == "" {
		errs = append(errs, "wallet: funder_address is required when signature_type is not 0")
	}

	if c.Polymarket.ClobURL == "" {
		errs = append(errs, "polymarket: clob_url must not be empty")
	}
	if c.Polymarket.WSURL == "" {
		errs = append(errs, "polymarket: ws_url must not be empty")
	}

	if c.Chain.ChainID <= 0 {
		errs = append(errs, "chain: chain_id must be positive")
	}
	if c.Chain.RPCURL == "" {
		errs = append(errs, "chain: rpc_url must not be empty")
	}
	if c.Chain.POLUSDRate <= 0 {
		errs = append(errs, "chain: pol_usd_rate must be > 0")
	}

	if c.Strategy.MinSpreadCents <= 0 {
		errs = append(errs, "strategy: min_spread_cents must be > 0")
	}
	if c.Strategy.CryptoShortMinSpreadCents < c.Strategy.MinSpreadCents {
		errs = append(errs, "strategy: crypto_short_duration_min_spread_cents must not undercut min_spread_cents")
	}
	if c.Strategy.CrossMinSpreadCents < c.Strategy.MinSpreadCents {
		errs = append(errs, "strategy: cross_min_spread_cents must not undercut min_spread_cents")
	}
	if c.Strategy.CapacityCap < 1 {
		errs = append(errs, "strategy: capacity_cap must be >= 1")
	}
	if c.Strategy.DynamicFeeBps < 0 || c.Strategy.DynamicFeeBps > 300 {
		errs = append(errs, fmt.Sprintf("strategy: dynamic_fee_bps must be 0-300, got %d", c.Strategy.DynamicFeeBps))
	}

	if c.Risk.MaxPositionSizeUSD <= 0 {
		errs = append(errs, "risk: max_position_size_usd must be > 0")
	}
	if c.Risk.BalanceFraction <= 0 || c.Risk.BalanceFraction > 1 {
		errs = append(errs, fmt.Sprintf("risk: balance_fraction must be in (0, 1], got %g", c.Risk.BalanceFraction))
	}
	if c.Risk.CrossSizeFactor <= 0 || c.Risk.CrossSizeFactor > 1 {
		errs = append(errs, fmt.Sprintf("risk: cross_size_factor must be in (0, 1], got %g", c.Risk.CrossSizeFactor))
	}

	if c.Executor.MinViableQty < 1 {
		errs = append(errs, "executor: min_viable_qty must be >= 1")
	}

	switch c.Hedger.Style {
	case "chase", "fade":
	default:
		errs = append(errs, fmt.Sprintf("hedger: style must be chase or fade, got %q", c.Hedger.Style))
	}
	if c.Hedger.StepTickCents < 1 {
		errs = append(errs, "hedger: step_tick_cents must be >= 1")
	}
	if c.Hedger.MaxAttempts < 1 {
		errs = append(errs, "hedger: max_attempts must be >= 1")
	}

	if c.Merge.MaxRetries < 0 {
		errs = append(errs, "merge: merge_max_retries must be >= 0")
	}

	for i, t := range c.Markets.Kalshi {
		if strings.TrimSpace(t) == "" {
			errs = append(errs, fmt.Sprintf("markets: kalshi entry %d is empty", i))
		}
	}
	for i, id := range c.Markets.Polymarket {
		if strings.TrimSpace(id) == "" {
			errs = append(errs, fmt.Sprintf("markets: polymarket entry %d is empty", i))
		}
	}

	for i, p := range c.Whitelist.Pairs {
		if p.Kalshi == "" || p.Polymarket == "" {
			errs = append(errs, fmt.Sprintf("whitelist: pair %d must set both kalshi and polymarket", i))
		}
	}

	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

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

	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when enabled")
		}
		if c.S3.ArchiveInterval.Duration <= 0 {
			errs = append(errs, "s3: archive_interval must be positive")
		}
		if c.S3.Retention.Duration <= 0 {
			errs = append(errs, "s3: retention must be positive")
		}
	}

	if c.ClickHouse.Enabled {
		if c.ClickHouse.Addr == "" {
			errs = append(errs, "clickhouse: addr must not be empty when enabled")
		}
		if c.ClickHouse.BatchSize < 1 {
			errs = append(errs, "clickhouse: batch_size must be >= 1")
		}
	}

	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			errs = append(errs, "kafka: brokers must not be empty when enabled")
		}
		if c.Kafka.Topic == "" {
			errs = append(errs, "kafka: topic must not be empty when enabled")
		}
	}

	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimitRPS < 1 {
			errs = append(errs, "server: rate_limit_rps must be >= 1")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
