package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies ARBEVAL_* environment variable overrides, and
// returns the final Config. A missing file is not an error: defaults plus
// environment are enough to run. The returned Config has NOT been validated;
// the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known ARBEVAL_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Venue ──
	setStr(&cfg.Venue.BaseURL, "ARBEVAL_VENUE_BASE_URL")
	setStr(&cfg.Venue.APIKey, "ARBEVAL_VENUE_API_KEY")
	setDuration(&cfg.Venue.Timeout, "ARBEVAL_VENUE_TIMEOUT")

	// ── Feed ──
	setBool(&cfg.Feed.Enabled, "ARBEVAL_FEED_ENABLED")
	setStr(&cfg.Feed.URL, "ARBEVAL_FEED_URL")
	setStringSlice(&cfg.Feed.Pairs, "ARBEVAL_FEED_PAIRS")
	setDuration(&cfg.Feed.HeartbeatInterval, "ARBEVAL_FEED_HEARTBEAT_INTERVAL")
	setInt(&cfg.Feed.MaxReconnectAttempts, "ARBEVAL_FEED_MAX_RECONNECT_ATTEMPTS")

	// ── Inference ──
	setStr(&cfg.Inference.BaseURL, "ARBEVAL_INFERENCE_BASE_URL")
	setStr(&cfg.Inference.BaseURL, "DEEPSEEK_BASE_URL") // compatibility alias
	setStr(&cfg.Inference.APIKey, "ARBEVAL_INFERENCE_API_KEY")
	setStr(&cfg.Inference.APIKey, "DEEPSEEK_API_KEY") // compatibility alias
	setStr(&cfg.Inference.Model, "ARBEVAL_INFERENCE_MODEL")
	setDuration(&cfg.Inference.Timeout, "ARBEVAL_INFERENCE_TIMEOUT")

	// ── Goldsky ──
	setStr(&cfg.Goldsky.URL, "ARBEVAL_GOLDSKY_URL")
	setStr(&cfg.Goldsky.APIKey, "ARBEVAL_GOLDSKY_API_KEY")

	// ── Chain ──
	setStr(&cfg.Chain.RPCURL, "ARBEVAL_CHAIN_RPC_URL")
	setStr(&cfg.Chain.GasPriceWei, "ARBEVAL_GAS_PRICE_WEI")
	setStr(&cfg.Chain.GasPriceWei, "ETH_GAS_WEI") // compatibility alias
	setFloat64(&cfg.Chain.SafetyMultiplier, "ARBEVAL_CHAIN_SAFETY_MULTIPLIER")
	setInt(&cfg.Chain.GasLimit, "ARBEVAL_CHAIN_GAS_LIMIT")
	setFloat64(&cfg.Chain.NativeUSD, "ARBEVAL_CHAIN_NATIVE_USD")
	setFloat64(&cfg.Chain.MaxGasUSD, "ARBEVAL_CHAIN_MAX_GAS_USD")

	// ── Fees ──
	setFloat64(&cfg.Fees.TotalFeesBps, "ARBEVAL_FEES_TOTAL_FEES_BPS")
	setFloat64(&cfg.Fees.FlashFeeBps, "ARBEVAL_FEES_FLASH_FEE_BPS")
	setFloat64(&cfg.Fees.FlashFixedUSD, "ARBEVAL_FEES_FLASH_FIXED_USD")
	setFloat64(&cfg.Fees.ReferralBps, "ARBEVAL_FEES_REFERRAL_BPS")
	setFloat64(&cfg.Fees.ExecutorFeeUSD, "ARBEVAL_FEES_EXECUTOR_FEE_USD")

	// ── Model ──
	setFloat64(&cfg.Model.SlippageK, "ARBEVAL_MODEL_SLIPPAGE_K")
	setFloat64(&cfg.Model.SlippageAlpha, "ARBEVAL_MODEL_SLIPPAGE_ALPHA")
	setFloat64(&cfg.Model.BaseFillProb, "ARBEVAL_MODEL_BASE_FILL_PROB")
	setFloat64(&cfg.Model.FillTheta, "ARBEVAL_MODEL_FILL_THETA")
	setFloat64(&cfg.Model.DecayRatePerSec, "ARBEVAL_MODEL_DECAY_RATE_PER_SEC")
	setFloat64(&cfg.Model.RiskAversionLambda, "ARBEVAL_MODEL_RISK_AVERSION_LAMBDA")
	setFloat64(&cfg.Model.GasStdUSD, "ARBEVAL_MODEL_GAS_STD_USD")
	setFloat64(&cfg.Model.AdverseStdUSD, "ARBEVAL_MODEL_ADVERSE_STD_USD")
	setFloat64(&cfg.Model.MinProfitUSD, "ARBEVAL_MODEL_MIN_PROFIT_USD")
	setFloat64(&cfg.Model.MaxSlippageBps, "ARBEVAL_MODEL_MAX_SLIPPAGE_BPS")
	setBool(&cfg.Model.ApplySensitivity, "ARBEVAL_MODEL_APPLY_SENSITIVITY")

	// ── Watchdog ──
	setBool(&cfg.Watchdog.Enabled, "ARBEVAL_WATCHDOG_ENABLED")
	setDuration(&cfg.Watchdog.StaleAfter, "ARBEVAL_WATCHDOG_STALE_AFTER")
	setFloat64(&cfg.Watchdog.MaxErrorRate, "ARBEVAL_WATCHDOG_MAX_ERROR_RATE")
	setInt(&cfg.Watchdog.MinSamples, "ARBEVAL_WATCHDOG_MIN_SAMPLES")
	setFloat64(&cfg.Watchdog.MaxGasUSD, "ARBEVAL_WATCHDOG_MAX_GAS_USD")
	setDuration(&cfg.Watchdog.Window, "ARBEVAL_WATCHDOG_WINDOW")

	// ── Cache ──
	setStr(&cfg.Cache.Backend, "ARBEVAL_CACHE_BACKEND")
	setDuration(&cfg.Cache.TTL, "ARBEVAL_CACHE_TTL")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "ARBEVAL_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "ARBEVAL_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ARBEVAL_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ARBEVAL_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "ARBEVAL_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "ARBEVAL_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "ARBEVAL_REDIS_KEY_PREFIX")

	// ── Supabase ──
	setBool(&cfg.Supabase.Enabled, "ARBEVAL_SUPABASE_ENABLED")
	setStr(&cfg.Supabase.DSN, "ARBEVAL_SUPABASE_DSN")
	setStr(&cfg.Supabase.Host, "ARBEVAL_SUPABASE_HOST")
	setInt(&cfg.Supabase.Port, "ARBEVAL_SUPABASE_PORT")
	setStr(&cfg.Supabase.Database, "ARBEVAL_SUPABASE_DATABASE")
	setStr(&cfg.Supabase.User, "ARBEVAL_SUPABASE_USER")
	setStr(&cfg.Supabase.Password, "ARBEVAL_SUPABASE_PASSWORD")
	setStr(&cfg.Supabase.SSLMode, "ARBEVAL_SUPABASE_SSL_MODE")
	setBool(&cfg.Supabase.RunMigrations, "ARBEVAL_SUPABASE_RUN_MIGRATIONS")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "ARBEVAL_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "ARBEVAL_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "ARBEVAL_S3_REGION")
	setStr(&cfg.S3.Bucket, "ARBEVAL_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "ARBEVAL_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "ARBEVAL_S3_SECRET_KEY")
	setStr(&cfg.S3.ObjectPrefix, "ARBEVAL_S3_OBJECT_PREFIX")
	setInt(&cfg.S3.MaxAttempts, "ARBEVAL_S3_MAX_ATTEMPTS")
	setDuration(&cfg.S3.ArchiveInterval, "ARBEVAL_S3_ARCHIVE_INTERVAL")
	setInt(&cfg.S3.ArchiveAfterDays, "ARBEVAL_S3_ARCHIVE_AFTER_DAYS")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "ARBEVAL_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "ARBEVAL_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "ARBEVAL_SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "ARBEVAL_SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.RateLimitPerMinute, "ARBEVAL_SERVER_RATE_LIMIT_PER_MINUTE")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "ARBEVAL_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "ARBEVAL_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "ARBEVAL_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "ARBEVAL_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "ARBEVAL_MODE")
	setStr(&cfg.LogLevel, "ARBEVAL_LOG_LEVEL")
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

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
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
