// Package config defines all configuration for the arbitrage engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via POLY_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun      bool              `mapstructure:"dry_run"`
	StartPaused bool              `mapstructure:"start_paused"`
	Wallet      WalletConfig      `mapstructure:"wallet"`
	API         APIConfig         `mapstructure:"api"`
	Markets     MarketsConfig     `mapstructure:"markets"`
	Strategy    StrategyConfig    `mapstructure:"strategy"`
	Risk        RiskConfig        `mapstructure:"risk"`
	Orders      OrdersConfig      `mapstructure:"orders"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	Engine      EngineConfig      `mapstructure:"engine"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Dashboard   DashboardConfig   `mapstructure:"dashboard"`
}

// WalletConfig holds the Ethereum wallet used for signing orders.
// PrivateKey signs L1 (EIP-712) auth and derives L2 API keys.
// FunderAddress is the on-chain address that funds orders (may differ from signer if using a proxy).
type WalletConfig struct {
	PrivateKey    string `mapstructure:"private_key"`
	SignatureType int    `mapstructure:"signature_type"`
	FunderAddress string `mapstructure:"funder_address"`
	ChainID       int    `mapstructure:"chain_id"`

	// ExchangeContractAddress and NegRiskExchangeContractAddress are the
	// CTF Exchange verifying contracts used as the EIP-712 domain when
	// signing orders; NegRisk markets sign against the second contract.
	ExchangeContractAddress       string `mapstructure:"exchange_contract_address"`
	NegRiskExchangeContractAddress string `mapstructure:"neg_risk_exchange_contract_address"`
}

// APIConfig holds venue API endpoints and optional pre-derived L2 credentials.
// If ApiKey/Secret/Passphrase are empty, the engine derives them via L1 auth
// on startup.
type APIConfig struct {
	CLOBBaseURL  string `mapstructure:"clob_base_url"`
	GammaBaseURL string `mapstructure:"gamma_base_url"`
	WSMarketURL  string `mapstructure:"ws_market_url"`
	WSUserURL    string `mapstructure:"ws_user_url"`
	ApiKey       string `mapstructure:"api_key"`
	Secret       string `mapstructure:"secret"`
	Passphrase   string `mapstructure:"passphrase"`
}

// MarketsConfig lists the markets the engine trades and the yes/no label
// policy used by the registry to validate them.
type MarketsConfig struct {
	Enabled       []string      `mapstructure:"enabled"` // condition IDs or slugs
	LabelPolicy   string        `mapstructure:"label_policy"` // "strict" or "permissive"
	RefreshPeriod time.Duration `mapstructure:"refresh_period"`
}

// StrategyConfig tunes the deterministic YES+NO arbitrage strategy.
//
//   - MinEdgeThreshold: minimum edge (after fees/slippage/buffer) required to fire.
//   - FailureBuffer: static floor subtracted from edge as a safety margin.
//   - DefaultTTLMs: time-to-live for arbitrage orders.
//   - SlippageWindow: rolling sample count for the adaptive slippage buffer.
//   - SlippageMultiplier: multiplier applied to the rolling P95 slippage sample.
type StrategyConfig struct {
	MinEdgeThreshold   float64       `mapstructure:"min_edge_threshold"`
	FailureBuffer      float64       `mapstructure:"failure_buffer"`
	DefaultTTLMs       int64         `mapstructure:"default_ttl_ms"`
	SlippageWindow     int           `mapstructure:"slippage_window"`
	SlippageMultiplier float64       `mapstructure:"slippage_multiplier"`
	MaxSlippageBps     float64       `mapstructure:"max_slippage_bps"` // flatten/unwind guard
	FlattenMode        string        `mapstructure:"flatten_mode"`     // "cancel_only" or "cancel_and_unwind"
	RefreshInterval    time.Duration `mapstructure:"refresh_interval"`
}

// RiskConfig sets hard limits and circuit-breaker thresholds (§4.5).
type RiskConfig struct {
	MaxOpenOrdersPerMarket  int           `mapstructure:"max_open_orders_per_market"`
	MaxPositionPerMarket    float64       `mapstructure:"max_position_per_market"`
	MaxTotalExposure        float64       `mapstructure:"max_total_exposure"`
	MaxHourlyLoss           float64       `mapstructure:"max_hourly_loss"`
	MaxDailyLoss            float64       `mapstructure:"max_daily_loss"`
	RejectRateLimit         float64       `mapstructure:"reject_rate_limit"` // fraction in [0,1]
	P95LatencyMsLimit       float64       `mapstructure:"p95_latency_ms_limit"`
	DrawdownLimit           float64       `mapstructure:"drawdown_limit"`
	PickedOffAdverseMoveBps float64       `mapstructure:"picked_off_adverse_move_bps"`
	PickedOffWindowSec      int           `mapstructure:"picked_off_window_sec"`
	PickedOffSpikeCount     int           `mapstructure:"picked_off_spike_count"`
	WSHealthTimeoutSec      int           `mapstructure:"ws_health_timeout_sec"`
	LatencyRingSize         int           `mapstructure:"latency_ring_size"`
}

// OrdersConfig tunes the order state machine (§4.3).
type OrdersConfig struct {
	IntentDedupTTL         time.Duration `mapstructure:"intent_dedup_ttl"`
	IntentDedupMaxEntries  int           `mapstructure:"intent_dedup_max_entries"`
	MinOrderLifetime       time.Duration `mapstructure:"min_order_lifetime"`
	MaxCancelsPerSecPerMkt int           `mapstructure:"max_cancels_per_sec_per_market"`
	TTLReaperPeriod        time.Duration `mapstructure:"ttl_reaper_period"`
}

// RateLimitConfig configures the multi-bucket token-bucket limiter and
// adaptive backoff (§4.4).
type RateLimitConfig struct {
	PostGlobal     BucketConfig  `mapstructure:"post_global"`
	PostBurst      BucketConfig  `mapstructure:"post_burst"`
	PostSustained  BucketConfig  `mapstructure:"post_sustained"`
	DeleteGlobal   BucketConfig  `mapstructure:"delete_global"`
	DeleteBurst    BucketConfig  `mapstructure:"delete_burst"`
	DeleteSustained BucketConfig `mapstructure:"delete_sustained"`
	BackoffBaseMs  int64         `mapstructure:"backoff_base_ms"`
	BackoffMaxMs   int64         `mapstructure:"backoff_max_ms"`
}

// BucketConfig is one token bucket's (capacity, refill-window) pair.
type BucketConfig struct {
	Tokens int           `mapstructure:"tokens"`
	Window time.Duration `mapstructure:"window"`
}

// PersistenceConfig configures the buffered async writer (§4.9).
type PersistenceConfig struct {
	DBPath           string        `mapstructure:"db_path"`
	Driver           string        `mapstructure:"driver"` // "sqlite" or "postgres"
	QueueCapacity    int           `mapstructure:"queue_capacity"`
	HighWatermark    int           `mapstructure:"high_watermark"`
	FlushInterval    time.Duration `mapstructure:"flush_interval"`
	FlushTimeout     time.Duration `mapstructure:"flush_timeout"`
	BatchSize        int           `mapstructure:"batch_size"`
}

// EngineConfig tunes the orchestrator's cooperative loops (§4.10).
type EngineConfig struct {
	EventQueueCapacity      int           `mapstructure:"event_queue_capacity"`
	EventQueueHighWatermark int           `mapstructure:"event_queue_high_watermark"`
	HealthLoopPeriod        time.Duration `mapstructure:"health_loop_period"`
	SnapshotLoopPeriod      time.Duration `mapstructure:"snapshot_loop_period"`
	FlushTimeout            time.Duration `mapstructure:"flush_timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DashboardConfig controls the read-only status HTTP server.
type DashboardConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: POLY_PRIVATE_KEY, POLY_API_KEY, POLY_API_SECRET, POLY_PASSPHRASE.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("POLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// WatchReload re-reads the config file on change and invokes onChange with
// the newly parsed value. cmd/bot only logs the change; the running engine
// keeps the config it was built with. Errors while re-reading are swallowed (the old config keeps
// running); this mirrors the engine's "never let a background loop die"
// error policy.
func WatchReload(path string, onChange func(*Config)) error {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("POLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	v.OnConfigChange(func(_ fsnotify.Event) {
		var cfg Config
		if err := v.Unmarshal(&cfg); err != nil {
			return
		}
		applyEnvOverrides(&cfg)
		onChange(&cfg)
	})
	v.WatchConfig()

	return nil
}

func applyEnvOverrides(cfg *Config) {
	if key := os.Getenv("POLY_PRIVATE_KEY"); key != "" {
		cfg.Wallet.PrivateKey = key
	}
	if key := os.Getenv("POLY_API_KEY"); key != "" {
		cfg.API.ApiKey = key
	}
	if secret := os.Getenv("POLY_API_SECRET"); secret != "" {
		cfg.API.Secret = secret
	}
	if pass := os.Getenv("POLY_PASSPHRASE"); pass != "" {
		cfg.API.Passphrase = pass
	}
	if os.Getenv("POLY_DRY_RUN") == "true" || os.Getenv("POLY_DRY_RUN") == "1" {
		cfg.DryRun = true
	}
	if os.Getenv("POLY_START_PAUSED") == "true" || os.Getenv("POLY_START_PAUSED") == "1" {
		cfg.StartPaused = true
	}
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Wallet.PrivateKey == "" {
		return fmt.Errorf("wallet.private_key is required (set POLY_PRIVATE_KEY)")
	}
	if c.Wallet.ChainID == 0 {
		return fmt.Errorf("wallet.chain_id is required (137 for mainnet)")
	}
	switch c.Wallet.SignatureType {
	case 0, 1, 2:
	default:
		return fmt.Errorf("wallet.signature_type must be one of: 0 (EOA), 1 (POLY_PROXY), 2 (GNOSIS_SAFE)")
	}
	if c.Wallet.SignatureType != 0 && c.Wallet.FunderAddress == "" {
		return fmt.Errorf("wallet.funder_address is required when wallet.signature_type is 1 or 2")
	}
	if c.API.CLOBBaseURL == "" {
		return fmt.Errorf("api.clob_base_url is required")
	}
	if len(c.Markets.Enabled) == 0 {
		return fmt.Errorf("markets.enabled must list at least one market")
	}
	switch c.Markets.LabelPolicy {
	case "strict", "permissive":
	default:
		return fmt.Errorf("markets.label_policy must be 'strict' or 'permissive'")
	}
	if c.Strategy.MinEdgeThreshold <= 0 {
		return fmt.Errorf("strategy.min_edge_threshold must be > 0")
	}
	if c.Risk.MaxPositionPerMarket <= 0 {
		return fmt.Errorf("risk.max_position_per_market must be > 0")
	}
	if c.Risk.MaxTotalExposure <= 0 {
		return fmt.Errorf("risk.max_total_exposure must be > 0")
	}
	if c.Persistence.DBPath == "" {
		return fmt.Errorf("persistence.db_path is required")
	}
	return nil
}
