package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 2, cfg.Engine.MaxRetries)
	assert.Equal(t, 3, cfg.Engine.MaxWorkersPerPlan)
	assert.Equal(t, 3, cfg.Engine.MaxConcurrent)
	assert.Equal(t, 60*time.Second, cfg.Engine.TotalRunTimeout)
	assert.Equal(t, 15*time.Second, cfg.Engine.PerStepDefaultTimeout)
	assert.Equal(t, 1000, cfg.Engine.MaxQueryLength)
	assert.Equal(t, "ko", cfg.Engine.Language)
	assert.True(t, cfg.Engine.CheckpointEnabled)
	assert.True(t, cfg.Engine.StrictSequential)

	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, "lru", cfg.Cache.Strategy)
	assert.Equal(t, "exponential", cfg.Retry.BackoffKind)
	assert.Equal(t, "inmemory", cfg.State.Provider)
	assert.Empty(t, cfg.LLM.Provider)
	assert.Equal(t, "llm_api_key", cfg.LLM.APIKeyName)

	require.NoError(t, cfg.Validate())
}

func TestNewConfigWithOptions(t *testing.T) {
	cfg, err := NewConfig(
		WithMaxRetries(1),
		WithMaxConcurrent(8),
		WithTotalRunTimeout(30*time.Second),
		WithLanguage("EN"),
		WithCacheStrategy("lfu"),
		WithCacheDisabled(),
	)
	require.NoError(t, err)

	assert.Equal(t, 1, cfg.Engine.MaxRetries)
	assert.Equal(t, 8, cfg.Engine.MaxConcurrent)
	assert.Equal(t, 30*time.Second, cfg.Engine.TotalRunTimeout)
	assert.Equal(t, "en", cfg.Engine.Language)
	assert.Equal(t, "lfu", cfg.Cache.Strategy)
	assert.False(t, cfg.Cache.Enabled)
}

func TestNewConfigFromEnvironment(t *testing.T) {
	t.Setenv("ZIPSA_MAX_RETRIES", "5")
	t.Setenv("ZIPSA_TOTAL_RUN_TIMEOUT", "90s")
	t.Setenv("ZIPSA_LANGUAGE", "en")
	t.Setenv("ZIPSA_LLM_PROVIDER", "openai")
	t.Setenv("ZIPSA_LOG_FORMAT", "text")

	cfg, err := NewConfig()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Engine.MaxRetries)
	assert.Equal(t, 90*time.Second, cfg.Engine.TotalRunTimeout)
	assert.Equal(t, "en", cfg.Engine.Language)
	assert.Equal(t, "openai", cfg.LLM.Provider)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestOptionsOverrideEnvironment(t *testing.T) {
	t.Setenv("ZIPSA_MAX_RETRIES", "5")
	t.Setenv("ZIPSA_LANGUAGE", "en")

	cfg, err := NewConfig(WithMaxRetries(1))
	require.NoError(t, err)

	// Explicit options win over the environment
	assert.Equal(t, 1, cfg.Engine.MaxRetries)
	// Env values not touched by an option still apply
	assert.Equal(t, "en", cfg.Engine.Language)
}

func TestRedisURLFallback(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://fallback:6379")

	cfg, err := NewConfig()
	require.NoError(t, err)
	assert.Equal(t, "redis://fallback:6379", cfg.State.RedisURL)

	t.Setenv("ZIPSA_REDIS_URL", "redis://primary:6379")
	cfg, err = NewConfig()
	require.NoError(t, err)
	assert.Equal(t, "redis://primary:6379", cfg.State.RedisURL)
}

func TestWithConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zipsa.yaml")
	content := `
engine:
  max_retries: 4
  language: en
cache:
  strategy: fifo
state:
  provider: inmemory
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := NewConfig(WithConfigFile(path))
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Engine.MaxRetries)
	assert.Equal(t, "en", cfg.Engine.Language)
	assert.Equal(t, "fifo", cfg.Cache.Strategy)
}

func TestWithConfigFileMissing(t *testing.T) {
	_, err := NewConfig(WithConfigFile("/nonexistent/zipsa.yaml"))
	assert.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative retries", func(c *Config) { c.Engine.MaxRetries = -1 }},
		{"zero workers per plan", func(c *Config) { c.Engine.MaxWorkersPerPlan = 0 }},
		{"zero concurrency", func(c *Config) { c.Engine.MaxConcurrent = 0 }},
		{"zero run timeout", func(c *Config) { c.Engine.TotalRunTimeout = 0 }},
		{"zero query length", func(c *Config) { c.Engine.MaxQueryLength = 0 }},
		{"unknown cache strategy", func(c *Config) { c.Cache.Strategy = "arc" }},
		{"unknown backoff", func(c *Config) { c.Retry.BackoffKind = "fibonacci" }},
		{"unknown state provider", func(c *Config) { c.State.Provider = "dynamo" }},
		{"quality threshold out of range", func(c *Config) { c.Evaluator.MinQualityThreshold = 1.5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, IsConfigurationError(err), "expected configuration error, got %v", err)
		})
	}
}

func TestValidateRedisRequiresURL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.State.Provider = "redis"

	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingConfiguration)

	cfg.State.RedisURL = "redis://localhost:6379"
	assert.NoError(t, cfg.Validate())
}

func TestWithRedisState(t *testing.T) {
	cfg, err := NewConfig(WithRedisState("redis://localhost:6379"))
	require.NoError(t, err)
	assert.Equal(t, "redis", cfg.State.Provider)
	assert.Equal(t, "redis://localhost:6379", cfg.State.RedisURL)
}
