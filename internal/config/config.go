// Package config defines the top-level configuration for the opportunity
// evaluation engine and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by ARBEVAL_* environment variables.
type Config struct {
	Venue     VenueConfig     `toml:"venue"`
	Feed      FeedConfig      `toml:"feed"`
	Inference InferenceConfig `toml:"inference"`
	Goldsky   GoldskyConfig   `toml:"goldsky"`
	Chain     ChainConfig     `toml:"chain"`
	Fees      FeesConfig      `toml:"fees"`
	Model     ModelConfig     `toml:"model"`
	Watchdog  WatchdogConfig  `toml:"watchdog"`
	Cache     CacheConfig     `toml:"cache"`
	Redis     RedisConfig     `toml:"redis"`
	Supabase  SupabaseConfig  `toml:"supabase"`
	S3        S3Config        `toml:"s3"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// VenueConfig holds the quote aggregator REST endpoint.
type VenueConfig struct {
	BaseURL   string   `toml:"base_url"`
	APIKey    string   `toml:"api_key"`
	Timeout   duration `toml:"timeout"`
	RetryUnit duration `toml:"retry_unit"`
}

// FeedConfig holds the streaming quote connection parameters.
type FeedConfig struct {
	Enabled              bool     `toml:"enabled"`
	URL                  string   `toml:"url"`
	Pairs                []string `toml:"pairs"`
	HeartbeatInterval    duration `toml:"heartbeat_interval"`
	ReconnectBase        duration `toml:"reconnect_base"`
	MaxReconnectAttempts int      `toml:"max_reconnect_attempts"`
}

// InferenceConfig holds the regime-classification model endpoint. An empty
// BaseURL or APIKey disables the primary path.
type InferenceConfig struct {
	BaseURL   string   `toml:"base_url"`
	APIKey    string   `toml:"api_key"`
	Model     string   `toml:"model"`
	Timeout   duration `toml:"timeout"`
	RetryStep duration `toml:"retry_step"`
}

// GoldskyConfig holds the PRJX subgraph endpoint used for 24h volume.
type GoldskyConfig struct {
	URL    string `toml:"url"`
	APIKey string `toml:"api_key"`
}

// ChainConfig holds gas-oracle parameters.
type ChainConfig struct {
	RPCURL           string   `toml:"rpc_url"`
	GasPriceWei      string   `toml:"gas_price_wei"`
	SafetyMultiplier float64  `toml:"safety_multiplier"`
	FallbackGwei     float64  `toml:"fallback_gwei"`
	GasLimit         int      `toml:"gas_limit"`
	NativeUSD        float64  `toml:"native_usd"`
	MaxGasUSD        float64  `toml:"max_gas_usd"`
	CacheFor         duration `toml:"cache_for"`
}

// FeesConfig holds default fees applied when a request omits them.
type FeesConfig struct {
	TotalFeesBps   float64 `toml:"total_fees_bps"`
	FlashFeeBps    float64 `toml:"flash_fee_bps"`
	FlashFixedUSD  float64 `toml:"flash_fixed_usd"`
	ReferralBps    float64 `toml:"referral_bps"`
	ExecutorFeeUSD float64 `toml:"executor_fee_usd"`
}

// ModelConfig holds the quantitative model constants.
type ModelConfig struct {
	SlippageK            float64  `toml:"slippage_k"`
	SlippageAlpha        float64  `toml:"slippage_alpha"`
	BaseFillProb         float64  `toml:"base_fill_prob"`
	FillTheta            float64  `toml:"fill_theta"`
	DecayRatePerSec      float64  `toml:"decay_rate_per_sec"`
	RiskAversionLambda   float64  `toml:"risk_aversion_lambda"`
	PriceVolatility      float64  `toml:"price_volatility"`
	ExecutionUncertainty float64  `toml:"execution_uncertainty"`
	GasStdUSD            float64  `toml:"gas_std_usd"`
	AdverseStdUSD        float64  `toml:"adverse_std_usd"`
	AdverseKVol          float64  `toml:"adverse_k_vol"`
	InclusionSeconds     float64  `toml:"inclusion_seconds"`
	RiskFreeRate         float64  `toml:"risk_free_rate"`
	MinProfitUSD         float64  `toml:"min_profit_usd"`
	MaxSlippageBps       float64  `toml:"max_slippage_bps"`
	ApplySensitivity     bool     `toml:"apply_sensitivity"`
	StaleAfter           duration `toml:"stale_after"`
	HighLatencyMs        float64  `toml:"high_latency_ms"`
}

// WatchdogConfig holds the thresholds that pause trade decisions. A zero
// threshold disables its check.
type WatchdogConfig struct {
	Enabled      bool     `toml:"enabled"`
	StaleAfter   duration `toml:"stale_after"`
	MaxErrorRate float64  `toml:"max_error_rate"`
	MinSamples   int      `toml:"min_samples"`
	MaxGasUSD    float64  `toml:"max_gas_usd"`
	Window       duration `toml:"window"`
}

// CacheConfig selects the quote cache backend.
type CacheConfig struct {
	Backend string   `toml:"backend"`
	TTL     duration `toml:"ttl"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"`
}

// SupabaseConfig holds PostgreSQL / Supabase connection parameters for the
// opportunity journal.
type SupabaseConfig struct {
	Enabled       bool   `toml:"enabled"`
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

// S3Config holds S3-compatible object storage parameters for the decision
// archive.
type S3Config struct {
	Enabled          bool     `toml:"enabled"`
	Endpoint         string   `toml:"endpoint"`
	Region           string   `toml:"region"`
	Bucket           string   `toml:"bucket"`
	AccessKey        string   `toml:"access_key"`
	SecretKey        string   `toml:"secret_key"`
	UseSSL           bool     `toml:"use_ssl"`
	ForcePathStyle   bool     `toml:"force_path_style"`
	ObjectPrefix     string   `toml:"object_prefix"`
	MaxAttempts      int      `toml:"max_attempts"`
	ArchiveInterval  duration `toml:"archive_interval"`
	ArchiveAfterDays int      `toml:"archive_after_days"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "300ms", "5s").
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

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	APIKey      string   `toml:"api_key"`
	CORSOrigins []string `toml:"cors_origins"`

	// RateLimitPerMinute caps evaluate requests per client IP. It applies
	// only when Redis is enabled; zero disables it.
	RateLimitPerMinute int `toml:"rate_limit_per_minute"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Venue: VenueConfig{
			BaseURL:   "http://localhost:8080",
			Timeout:   duration{5 * time.Second},
			RetryUnit: duration{time.Second},
		},
		Feed: FeedConfig{
			Enabled:              true,
			URL:                  "ws://localhost:8080/ws",
			Pairs:                []string{"ETH/USDC"},
			HeartbeatInterval:    duration{5 * time.Second},
			ReconnectBase:        duration{time.Second},
			MaxReconnectAttempts: 5,
		},
		Inference: InferenceConfig{
			BaseURL:   "https://api.deepseek.com",
			Model:     "deepseek-chat",
			Timeout:   duration{5 * time.Second},
			RetryStep: duration{time.Second},
		},
		Chain: ChainConfig{
			SafetyMultiplier: 1.2,
			FallbackGwei:     30,
			GasLimit:         250_000,
			NativeUSD:        0,
			MaxGasUSD:        50,
			CacheFor:         duration{3 * time.Second},
		},
		Fees: FeesConfig{
			TotalFeesBps:   30,
			FlashFeeBps:    9,
			FlashFixedUSD:  0,
			ReferralBps:    0,
			ExecutorFeeUSD: 0,
		},
		Model: ModelConfig{
			SlippageK:            10,
			SlippageAlpha:        1,
			BaseFillProb:         0.95,
			FillTheta:            0.1,
			DecayRatePerSec:      2,
			RiskAversionLambda:   0.001,
			PriceVolatility:      0.02,
			ExecutionUncertainty: 0.05,
			GasStdUSD:            0.5,
			AdverseStdUSD:        1,
			AdverseKVol:          0,
			InclusionSeconds:     1.25,
			RiskFreeRate:         0,
			MinProfitUSD:         1,
			MaxSlippageBps:       0,
			ApplySensitivity:     false,
			StaleAfter:           duration{3 * time.Second},
			HighLatencyMs:        100,
		},
		Watchdog: WatchdogConfig{
			Enabled:      true,
			StaleAfter:   duration{3 * time.Second},
			MaxErrorRate: 0.2,
			MinSamples:   10,
			MaxGasUSD:    20,
			Window:       duration{time.Minute},
		},
		Cache: CacheConfig{
			Backend: "memory",
			TTL:     duration{300 * time.Millisecond},
		},
		Redis: RedisConfig{
			Enabled:    false,
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
			KeyPrefix:  "arbeval:",
		},
		Supabase: SupabaseConfig{
			Enabled:       false,
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		S3: S3Config{
			Enabled:          false,
			Endpoint:         "http://localhost:9000",
			Region:           "us-east-1",
			Bucket:           "arbeval-data",
			UseSSL:           false,
			ForcePathStyle:   true,
			ObjectPrefix:     "arbeval/",
			MaxAttempts:      3,
			ArchiveInterval:  duration{24 * time.Hour},
			ArchiveAfterDays: 30,
		},
		Server: ServerConfig{
			Enabled:            true,
			Port:               8000,
			CORSOrigins:        []string{"http://localhost:3000"},
			RateLimitPerMinute: 120,
		},
		Notify: NotifyConfig{
			Events: []string{"feed_given_up", "would_trade"},
		},
		Mode:     "serve",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"serve":    true,
	"evaluate": true,
	"monitor":  true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// InferenceEnabled reports whether the primary regime path is configured.
func (c *Config) InferenceEnabled() bool {
	return c.Inference.BaseURL != "" && c.Inference.APIKey != ""
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: serve, evaluate, monitor)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Venue
	if c.Venue.BaseURL == "" {
		errs = append(errs, "venue: base_url must not be empty")
	}
	if c.Venue.Timeout.Duration <= 0 {
		errs = append(errs, "venue: timeout must be > 0")
	}

	// Feed
	if c.Feed.Enabled || c.Mode == "monitor" {
		if c.Feed.URL == "" {
			errs = append(errs, "feed: url must not be empty when enabled")
		}
		if c.Feed.HeartbeatInterval.Duration <= 0 {
			errs = append(errs, "feed: heartbeat_interval must be > 0")
		}
		if c.Feed.MaxReconnectAttempts < 1 {
			errs = append(errs, "feed: max_reconnect_attempts must be >= 1")
		}
	}

	// Inference
	if c.Inference.APIKey != "" && c.Inference.Timeout.Duration <= 0 {
		errs = append(errs, "inference: timeout must be > 0")
	}

	// Chain
	if c.Chain.SafetyMultiplier < 1 {
		errs = append(errs, "chain: safety_multiplier must be >= 1")
	}
	if c.Chain.GasLimit < 0 {
		errs = append(errs, "chain: gas_limit must be >= 0")
	}

	// Fees
	for name, v := range map[string]float64{
		"total_fees_bps":   c.Fees.TotalFeesBps,
		"flash_fee_bps":    c.Fees.FlashFeeBps,
		"flash_fixed_usd":  c.Fees.FlashFixedUSD,
		"referral_bps":     c.Fees.ReferralBps,
		"executor_fee_usd": c.Fees.ExecutorFeeUSD,
	} {
		if v < 0 {
			errs = append(errs, fmt.Sprintf("fees: %s must be >= 0", name))
		}
	}

	// Model
	if c.Model.BaseFillProb < 0 || c.Model.BaseFillProb > 1 {
		errs = append(errs, "model: base_fill_prob must be within [0, 1]")
	}
	if c.Model.FillTheta < 0 {
		errs = append(errs, "model: fill_theta must be >= 0")
	}
	if c.Model.DecayRatePerSec < 0 {
		errs = append(errs, "model: decay_rate_per_sec must be >= 0")
	}
	if c.Model.SlippageAlpha <= 0 {
		errs = append(errs, "model: slippage_alpha must be > 0")
	}
	if c.Model.RiskAversionLambda < 0 {
		errs = append(errs, "model: risk_aversion_lambda must be >= 0")
	}
	if c.Model.MaxSlippageBps < 0 {
		errs = append(errs, "model: max_slippage_bps must be >= 0")
	}

	// Watchdog
	if c.Watchdog.Enabled {
		if c.Watchdog.MaxErrorRate < 0 || c.Watchdog.MaxErrorRate > 1 {
			errs = append(errs, "watchdog: max_error_rate must be within [0, 1]")
		}
		if c.Watchdog.MaxGasUSD < 0 {
			errs = append(errs, "watchdog: max_gas_usd must be >= 0")
		}
		if c.Watchdog.MinSamples < 0 {
			errs = append(errs, "watchdog: min_samples must be >= 0")
		}
	}

	// Cache
	switch c.Cache.Backend {
	case "memory":
	case "redis":
		if !c.Redis.Enabled {
			errs = append(errs, "cache: backend redis requires redis.enabled")
		}
	default:
		errs = append(errs, fmt.Sprintf("cache: unknown backend %q (valid: memory, redis)", c.Cache.Backend))
	}
	if c.Cache.TTL.Duration <= 0 {
		errs = append(errs, "cache: ttl must be > 0")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// Supabase
	if c.Supabase.Enabled {
		if strings.TrimSpace(c.Supabase.DSN) == "" {
			if c.Supabase.Host == "" {
				errs = append(errs, "supabase: host must not be empty (or set supabase.dsn)")
			}
			if c.Supabase.Port <= 0 || c.Supabase.Port > 65535 {
				errs = append(errs, fmt.Sprintf("supabase: port must be 1-65535, got %d", c.Supabase.Port))
			}
			if c.Supabase.Database == "" {
				errs = append(errs, "supabase: database must not be empty")
			}
		}
		if c.Supabase.PoolMaxConns < 1 {
			errs = append(errs, "supabase: pool_max_conns must be >= 1")
		}
		if c.Supabase.PoolMinConns > c.Supabase.PoolMaxConns {
			errs = append(errs, "supabase: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if !c.Supabase.Enabled {
			errs = append(errs, "s3: archiving requires supabase.enabled")
		}
		if c.S3.MaxAttempts < 0 {
			errs = append(errs, "s3: max_attempts must not be negative")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
