// Package config loads and validates the YAML configuration for the
// routing daemon and its library components.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"agent-router/internal/domain"
)

// Config is the top-level application configuration.
type Config struct {
	Logger    LoggerConfig    `yaml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer"`
	Router    RouterConfig    `yaml:"router"`
	Semantic  SemanticConfig  `yaml:"semantic"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Snapshot  SnapshotConfig  `yaml:"snapshot"`
	Health    HealthConfig    `yaml:"health"`
	// Agents are intents registered at startup.
	Agents []domain.AgentIntent `yaml:"agents,omitempty"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
	Output string `yaml:"output"` // stdout, stderr, or a file path
}

// TracerConfig holds OpenTelemetry tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // stdout, noop
}

// RouterConfig holds circuit breaker and orchestrator settings.
type RouterConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"` // default 5
	SuccessThreshold int           `yaml:"success_threshold"` // default 3
	ResetTimeout     time.Duration `yaml:"reset_timeout"`     // default 30s
	RequestTimeout   time.Duration `yaml:"request_timeout"`   // default 5s
	// EnableUncertainty toggles uncertainty estimation. Nil = enabled.
	EnableUncertainty *bool             `yaml:"enable_uncertainty,omitempty"`
	Uncertainty       UncertaintyConfig `yaml:"uncertainty"`
}

// UncertaintyConfig tunes uncertainty estimation weights.
type UncertaintyConfig struct {
	RecencyHalfLife time.Duration `yaml:"recency_half_life"`
	RecencyWeight   float64       `yaml:"recency_weight"`
	StateWeight     float64       `yaml:"state_weight"`
	RatioWeight     float64       `yaml:"ratio_weight"`
}

// SemanticConfig holds semantic matcher settings.
type SemanticConfig struct {
	TopK                 int     `yaml:"top_k"`                  // default 3
	MultiIntentThreshold float64 `yaml:"multi_intent_threshold"` // default 0.6
	RouteCacheSize       int     `yaml:"route_cache_size"`       // default 256, 0 disables
}

// EmbeddingConfig holds embedding provider settings.
type EmbeddingConfig struct {
	Provider  string `yaml:"provider"` // openai, ollama
	Model     string `yaml:"model"`
	BaseURL   string `yaml:"base_url"`
	APIKeyEnv string `yaml:"api_key_env"` // env var holding the API key
	Dims      int    `yaml:"dims"`
	CacheSize int    `yaml:"cache_size"` // LRU entries; 0 disables
	// RateLimit is requests per second against the provider; 0 disables.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
	Breaker   EmbeddingBreakerConfig `yaml:"breaker"`
}

// EmbeddingBreakerConfig configures the circuit breaker protecting the
// embedding provider itself.
type EmbeddingBreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"` // default 5
	Timeout     time.Duration `yaml:"timeout"`      // default 30s
	Interval    time.Duration `yaml:"interval"`     // default 60s
}

// SnapshotConfig holds intent snapshot store settings (host-level).
type SnapshotConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // SQLite file path
}

// HealthConfig holds the periodic health-report settings.
type HealthConfig struct {
	// ReportSchedule is a cron expression or @every duration; empty
	// disables periodic reporting.
	ReportSchedule string `yaml:"report_schedule"`
}

// Load reads and validates a YAML config file, applying defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", domain.ErrConfigLoad, path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", domain.ErrConfigLoad, path, err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-valued fields with their documented defaults.
func (c *Config) ApplyDefaults() {
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Logger.Format == "" {
		c.Logger.Format = "text"
	}
	if c.Logger.Output == "" {
		c.Logger.Output = "stderr"
	}

	if c.Router.FailureThreshold == 0 {
		c.Router.FailureThreshold = 5
	}
	if c.Router.SuccessThreshold == 0 {
		c.Router.SuccessThreshold = 3
	}
	if c.Router.ResetTimeout == 0 {
		c.Router.ResetTimeout = 30 * time.Second
	}
	if c.Router.RequestTimeout == 0 {
		c.Router.RequestTimeout = 5 * time.Second
	}
	if c.Router.EnableUncertainty == nil {
		enabled := true
		c.Router.EnableUncertainty = &enabled
	}

	if c.Semantic.TopK == 0 {
		c.Semantic.TopK = 3
	}
	if c.Semantic.MultiIntentThreshold == 0 {
		c.Semantic.MultiIntentThreshold = 0.6
	}
	if c.Semantic.RouteCacheSize == 0 {
		c.Semantic.RouteCacheSize = 256
	}

	if c.Embedding.Provider == "" {
		c.Embedding.Provider = "ollama"
	}
	if c.Embedding.Breaker.MaxFailures == 0 {
		c.Embedding.Breaker.MaxFailures = 5
	}
	if c.Embedding.Breaker.Timeout == 0 {
		c.Embedding.Breaker.Timeout = 30 * time.Second
	}
	if c.Embedding.Breaker.Interval == 0 {
		c.Embedding.Breaker.Interval = 60 * time.Second
	}
	if c.Embedding.RateBurst == 0 {
		c.Embedding.RateBurst = 1
	}
}
