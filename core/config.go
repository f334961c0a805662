package core

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration options for the zipsa engine.
// It supports three-layer configuration priority:
//  1. Default values (lowest priority)
//  2. Environment variables (medium priority)
//  3. Functional options (highest priority)
//
// A YAML file loaded with WithConfigFile participates as a functional
// option, applied in the order it is passed.
//
// Example usage:
//
//	cfg, err := NewConfig(
//	    WithMaxRetries(1),
//	    WithLanguage("en"),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
type Config struct {
	// Engine limits
	Engine EngineConfig `yaml:"engine" json:"engine"`

	// Result cache
	Cache CacheConfig `yaml:"cache" json:"cache"`

	// Retry backoff between evaluator-driven re-schedules
	Retry RetryConfig `yaml:"retry" json:"retry"`

	// LLM client configuration (optional - deterministic fallbacks apply)
	LLM LLMConfig `yaml:"llm" json:"llm"`

	// Analyzer thresholds
	Intent IntentConfig `yaml:"intent" json:"intent"`

	// Evaluator thresholds
	Evaluator EvaluatorConfig `yaml:"evaluator" json:"evaluator"`

	// State store backend
	State StateConfig `yaml:"state" json:"state"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// Telemetry configuration
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry"`
}

// EngineConfig contains run-level limits and flags.
type EngineConfig struct {
	MaxRetries            int           `yaml:"max_retries" json:"max_retries"`                           // ZIPSA_MAX_RETRIES, default 2
	MaxWorkersPerPlan     int           `yaml:"max_workers_per_plan" json:"max_workers_per_plan"`         // ZIPSA_MAX_WORKERS_PER_PLAN, default 3
	MaxConcurrent         int           `yaml:"max_concurrent" json:"max_concurrent"`                     // ZIPSA_MAX_CONCURRENT, default 3
	MaxGlobalInFlight     int           `yaml:"max_global_in_flight" json:"max_global_in_flight"`         // process-wide worker cap, default 32
	TotalRunTimeout       time.Duration `yaml:"total_run_timeout" json:"total_run_timeout"`               // ZIPSA_TOTAL_RUN_TIMEOUT, default 60s
	PerStepDefaultTimeout time.Duration `yaml:"per_step_default_timeout" json:"per_step_default_timeout"` // ZIPSA_PER_STEP_TIMEOUT, default 15s
	SequentialBudget      time.Duration `yaml:"sequential_budget" json:"sequential_budget"`               // ceiling for summed sequential step timeouts
	MaxQueryLength        int           `yaml:"max_query_length" json:"max_query_length"`                 // ZIPSA_MAX_QUERY_LENGTH, default 1000
	Language              string        `yaml:"language" json:"language"`                                 // ZIPSA_LANGUAGE, default "ko"
	DebugMode             bool          `yaml:"debug_mode" json:"debug_mode"`                             // ZIPSA_DEBUG
	CheckpointEnabled     bool          `yaml:"checkpoint_enabled" json:"checkpoint_enabled"`             // default true
	StrictSequential      bool          `yaml:"strict_sequential" json:"strict_sequential"`               // abort sequential tail on failure, default true
}

// CacheConfig controls the fingerprint-keyed result cache.
type CacheConfig struct {
	Enabled        bool          `yaml:"enabled" json:"enabled"`
	TTL            time.Duration `yaml:"ttl" json:"ttl"`
	MaxEntries     int           `yaml:"max_entries" json:"max_entries"`
	MaxMemoryBytes int64         `yaml:"max_memory_bytes" json:"max_memory_bytes"`
	Strategy       string        `yaml:"strategy" json:"strategy"` // lru, lfu, fifo, ttl
}

// RetryConfig defines the backoff applied before a retry re-schedule.
// Formula per kind:
//
//	constant:    delay = initial_delay
//	linear:      delay = initial_delay * attempt
//	exponential: delay = initial_delay * 2^(attempt-1)
//
// All capped at max_delay.
type RetryConfig struct {
	BackoffKind  string        `yaml:"backoff_kind" json:"backoff_kind"` // constant, linear, exponential
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay" json:"max_delay"`
}

// LLMConfig contains the model routing for each engine purpose.
// The engine treats the LLM path as an optimization: every consumer has a
// deterministic fallback, so an empty provider disables LLM calls entirely.
type LLMConfig struct {
	Provider    string            `yaml:"provider" json:"provider"` // ZIPSA_LLM_PROVIDER
	Models      map[string]string `yaml:"models" json:"models"`     // purpose (analyzer|planner|synthesizer) -> model
	Temperature float32           `yaml:"temperature" json:"temperature"`
	MaxTokens   int               `yaml:"max_tokens" json:"max_tokens"`
	Timeout     time.Duration     `yaml:"timeout" json:"timeout"`
	APIKeyName  string            `yaml:"api_key_name" json:"api_key_name"` // credential referenced by name
}

// IntentConfig contains analyzer thresholds.
type IntentConfig struct {
	MinConfidenceThreshold float64 `yaml:"min_confidence_threshold" json:"min_confidence_threshold"`
}

// EvaluatorConfig contains result-quality thresholds.
type EvaluatorConfig struct {
	MinQualityThreshold    float64 `yaml:"min_quality_threshold" json:"min_quality_threshold"`
	LowConfidenceThreshold float64 `yaml:"low_confidence_threshold" json:"low_confidence_threshold"`
}

// StateConfig selects and configures the checkpoint backend.
type StateConfig struct {
	Provider  string        `yaml:"provider" json:"provider"`     // inmemory (default) or redis
	RedisURL  string        `yaml:"redis_url" json:"redis_url"`   // ZIPSA_REDIS_URL, REDIS_URL
	KeyPrefix string        `yaml:"key_prefix" json:"key_prefix"` // default "zipsa:state"
	TTL       time.Duration `yaml:"ttl" json:"ttl"`               // 0 = retain until explicit delete
}

// LoggingConfig contains logging configuration.
// Supports structured (JSON) and human-readable (text) formats.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`   // ZIPSA_LOG_LEVEL, default "info"
	Format string `yaml:"format" json:"format"` // ZIPSA_LOG_FORMAT, default "json"
}

// TelemetryConfig contains observability configuration.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	ServiceName string `yaml:"service_name" json:"service_name"`
}

// Option is a functional configuration option.
type Option func(*Config) error

// NewConfig builds a Config by layering defaults, an optional YAML file,
// environment variables and functional options, then validating the result.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()
	cfg.applyEnv()

	// Options apply last so explicit code wins over the environment
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			MaxRetries:            2,
			MaxWorkersPerPlan:     3,
			MaxConcurrent:         3,
			MaxGlobalInFlight:     32,
			TotalRunTimeout:       60 * time.Second,
			PerStepDefaultTimeout: 15 * time.Second,
			SequentialBudget:      45 * time.Second,
			MaxQueryLength:        1000,
			Language:              "ko",
			CheckpointEnabled:     true,
			StrictSequential:      true,
		},
		Cache: CacheConfig{
			Enabled:        true,
			TTL:            30 * time.Minute,
			MaxEntries:     1000,
			MaxMemoryBytes: 64 << 20,
			Strategy:       "lru",
		},
		Retry: RetryConfig{
			BackoffKind:  "exponential",
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     10 * time.Second,
		},
		LLM: LLMConfig{
			Models: map[string]string{
				"analyzer":    "gpt-4o-mini",
				"planner":     "gpt-4o-mini",
				"synthesizer": "gpt-4o",
			},
			Temperature: 0.2,
			MaxTokens:   2000,
			Timeout:     20 * time.Second,
			APIKeyName:  "llm_api_key",
		},
		Intent: IntentConfig{
			MinConfidenceThreshold: 0.3,
		},
		Evaluator: EvaluatorConfig{
			MinQualityThreshold:    0.6,
			LowConfidenceThreshold: 0.4,
		},
		State: StateConfig{
			Provider:  "inmemory",
			KeyPrefix: "zipsa:state",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "zipsa-engine",
		},
	}
}

// applyEnv overlays recognized environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("ZIPSA_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Engine.MaxRetries = n
		}
	}
	if v := os.Getenv("ZIPSA_MAX_WORKERS_PER_PLAN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Engine.MaxWorkersPerPlan = n
		}
	}
	if v := os.Getenv("ZIPSA_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Engine.MaxConcurrent = n
		}
	}
	if v := os.Getenv("ZIPSA_TOTAL_RUN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Engine.TotalRunTimeout = d
		}
	}
	if v := os.Getenv("ZIPSA_PER_STEP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Engine.PerStepDefaultTimeout = d
		}
	}
	if v := os.Getenv("ZIPSA_MAX_QUERY_LENGTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Engine.MaxQueryLength = n
		}
	}
	if v := os.Getenv("ZIPSA_LANGUAGE"); v != "" {
		c.Engine.Language = v
	}
	if v := os.Getenv("ZIPSA_DEBUG"); v == "true" {
		c.Engine.DebugMode = true
	}
	if v := os.Getenv("ZIPSA_LLM_PROVIDER"); v != "" {
		c.LLM.Provider = v
	}
	if v := os.Getenv("ZIPSA_REDIS_URL"); v != "" {
		c.State.RedisURL = v
	} else if v := os.Getenv("REDIS_URL"); v != "" {
		c.State.RedisURL = v
	}
	if v := os.Getenv("ZIPSA_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("ZIPSA_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Engine.MaxRetries < 0 {
		return fmt.Errorf("engine.max_retries must be >= 0: %w", ErrInvalidConfiguration)
	}
	if c.Engine.MaxWorkersPerPlan < 1 {
		return fmt.Errorf("engine.max_workers_per_plan must be >= 1: %w", ErrInvalidConfiguration)
	}
	if c.Engine.MaxConcurrent < 1 {
		return fmt.Errorf("engine.max_concurrent must be >= 1: %w", ErrInvalidConfiguration)
	}
	if c.Engine.TotalRunTimeout <= 0 {
		return fmt.Errorf("engine.total_run_timeout must be > 0: %w", ErrInvalidConfiguration)
	}
	if c.Engine.MaxQueryLength < 1 {
		return fmt.Errorf("engine.max_query_length must be >= 1: %w", ErrInvalidConfiguration)
	}
	switch c.Cache.Strategy {
	case "lru", "lfu", "fifo", "ttl":
	default:
		return fmt.Errorf("cache.strategy %q not one of lru|lfu|fifo|ttl: %w", c.Cache.Strategy, ErrInvalidConfiguration)
	}
	switch c.Retry.BackoffKind {
	case "constant", "linear", "exponential":
	default:
		return fmt.Errorf("retry.backoff_kind %q not one of constant|linear|exponential: %w", c.Retry.BackoffKind, ErrInvalidConfiguration)
	}
	switch c.State.Provider {
	case "inmemory", "redis":
	default:
		return fmt.Errorf("state.provider %q not one of inmemory|redis: %w", c.State.Provider, ErrInvalidConfiguration)
	}
	if c.State.Provider == "redis" && c.State.RedisURL == "" {
		return fmt.Errorf("state.redis_url required for redis provider: %w", ErrMissingConfiguration)
	}
	if c.Evaluator.MinQualityThreshold < 0 || c.Evaluator.MinQualityThreshold > 1 {
		return fmt.Errorf("evaluator.min_quality_threshold must be in [0,1]: %w", ErrInvalidConfiguration)
	}
	return nil
}

// WithConfigFile loads a YAML configuration file over the defaults.
func WithConfigFile(path string) Option {
	return func(c *Config) error {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parsing config file %s: %w", path, err)
		}
		return nil
	}
}

// WithMaxRetries sets the retry-loop cap.
func WithMaxRetries(n int) Option {
	return func(c *Config) error {
		c.Engine.MaxRetries = n
		return nil
	}
}

// WithMaxConcurrent sets the per-run concurrency bound.
func WithMaxConcurrent(n int) Option {
	return func(c *Config) error {
		c.Engine.MaxConcurrent = n
		return nil
	}
}

// WithTotalRunTimeout sets the root deadline for one run.
func WithTotalRunTimeout(d time.Duration) Option {
	return func(c *Config) error {
		c.Engine.TotalRunTimeout = d
		return nil
	}
}

// WithLanguage sets the response language tag.
func WithLanguage(lang string) Option {
	return func(c *Config) error {
		c.Engine.Language = strings.ToLower(lang)
		return nil
	}
}

// WithCacheStrategy selects the eviction strategy for the result cache.
func WithCacheStrategy(strategy string) Option {
	return func(c *Config) error {
		c.Cache.Strategy = strategy
		return nil
	}
}

// WithCacheDisabled turns off the result cache.
func WithCacheDisabled() Option {
	return func(c *Config) error {
		c.Cache.Enabled = false
		return nil
	}
}

// WithRedisState selects the Redis checkpoint backend.
func WithRedisState(redisURL string) Option {
	return func(c *Config) error {
		c.State.Provider = "redis"
		c.State.RedisURL = redisURL
		return nil
	}
}
