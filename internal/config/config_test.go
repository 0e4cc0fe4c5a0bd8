package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 300*time.Millisecond, cfg.Cache.TTL.Duration)
	assert.Equal(t, 5*time.Second, cfg.Feed.HeartbeatInterval.Duration)
	assert.Equal(t, 5, cfg.Feed.MaxReconnectAttempts)
	assert.False(t, cfg.InferenceEnabled())
}

func TestLoadMergesFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "evaluate"

[cache]
ttl = "750ms"

[fees]
total_fees_bps = 12.5

[feed]
pairs = ["PRJX/USDC", "HYPE/USDC"]

[model]
max_slippage_bps = 25

[watchdog]
stale_after = "5s"
`), 0o600))

	t.Setenv("ARBEVAL_INFERENCE_API_KEY", "sk-test")
	t.Setenv("ARBEVAL_MODEL_DECAY_RATE_PER_SEC", "4.5")
	t.Setenv("ARBEVAL_WATCHDOG_MAX_GAS_USD", "12.5")
	t.Setenv("ARBEVAL_S3_OBJECT_PREFIX", "staging/")
	t.Setenv("ARBEVAL_SERVER_CORS_ORIGINS", " https://a.example , ,https://b.example")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "evaluate", cfg.Mode)
	assert.Equal(t, 750*time.Millisecond, cfg.Cache.TTL.Duration)
	assert.Equal(t, 12.5, cfg.Fees.TotalFeesBps)
	assert.Equal(t, 9.0, cfg.Fees.FlashFeeBps)
	assert.Equal(t, []string{"PRJX/USDC", "HYPE/USDC"}, cfg.Feed.Pairs)
	assert.Equal(t, "sk-test", cfg.Inference.APIKey)
	assert.True(t, cfg.InferenceEnabled())
	assert.Equal(t, 4.5, cfg.Model.DecayRatePerSec)
	assert.Equal(t, 25.0, cfg.Model.MaxSlippageBps)
	assert.Equal(t, 5*time.Second, cfg.Watchdog.StaleAfter.Duration)
	assert.Equal(t, 12.5, cfg.Watchdog.MaxGasUSD)
	assert.Equal(t, 0.2, cfg.Watchdog.MaxErrorRate)
	assert.Equal(t, "staging/", cfg.S3.ObjectPrefix)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, Defaults().Venue.BaseURL, cfg.Venue.BaseURL)
}

func TestLoadRejectsBadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("mode = \n"), 0o600))
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidateCollectsProblems(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "trade"
	cfg.Cache.Backend = "redis"
	cfg.Model.BaseFillProb = 1.5
	cfg.Fees.FlashFeeBps = -1
	cfg.S3.Enabled = true
	cfg.Model.MaxSlippageBps = -1
	cfg.Watchdog.MaxErrorRate = 2

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, `unknown mode "trade"`)
	assert.Contains(t, msg, "cache: backend redis requires redis.enabled")
	assert.Contains(t, msg, "model: base_fill_prob")
	assert.Contains(t, msg, "fees: flash_fee_bps must be >= 0")
	assert.Contains(t, msg, "s3: archiving requires supabase.enabled")
	assert.Contains(t, msg, "model: max_slippage_bps must be >= 0")
	assert.Contains(t, msg, "watchdog: max_error_rate must be within [0, 1]")
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Inference.APIKey = "sk-live"
	cfg.Supabase.Password = "hunter2"
	cfg.Server.CORSOrigins = []string{"https://a.example"}

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Inference.APIKey)
	assert.Equal(t, "***", out.Supabase.Password)
	assert.Equal(t, "", out.Redis.Password)
	assert.Equal(t, "sk-live", cfg.Inference.APIKey)

	out.Server.CORSOrigins[0] = "mutated"
	assert.Equal(t, "https://a.example", cfg.Server.CORSOrigins[0])
}
