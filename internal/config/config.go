// Package config loads agora settings from an optional YAML file and the
// environment. Environment variables win over the file, and the file wins
// over the defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all agora settings.
type Config struct {
	Port    string `yaml:"port" json:"port"`
	DataDir string `yaml:"data_dir" json:"data_dir"`
	// Secret guards the admin endpoints. Empty disables them.
	Secret string `yaml:"secret" json:"-"`

	Log        LogConfig        `yaml:"log" json:"log"`
	Governance GovernanceConfig `yaml:"governance" json:"governance"`
	Sequences  SequenceConfig   `yaml:"sequences" json:"sequences"`
	Workers    WorkerConfig     `yaml:"workers" json:"workers"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit" json:"rate_limit"`
	Attest     AttestConfig     `yaml:"attest" json:"attest"`
	Identity   IdentityConfig   `yaml:"identity" json:"identity"`

	// CORSOrigins lists allowed browser origins; empty allows all.
	CORSOrigins []string `yaml:"cors_origins" json:"cors_origins"`
}

// LogConfig selects the log level and encoding ("json" or "console").
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// GovernanceConfig holds voting thresholds and proposal lifetimes.
type GovernanceConfig struct {
	CompoundThreshold int           `yaml:"compound_threshold" json:"compound_threshold"`
	BaseThreshold     int           `yaml:"base_threshold" json:"base_threshold"`
	RejectThreshold   int           `yaml:"reject_threshold" json:"reject_threshold"`
	CompoundExpiry    time.Duration `yaml:"compound_expiry" json:"compound_expiry"`
	BaseExpiry        time.Duration `yaml:"base_expiry" json:"base_expiry"`
}

// SequenceConfig tunes the sequence detector and its suggestions.
type SequenceConfig struct {
	BufferSize int           `yaml:"buffer_size" json:"buffer_size"`
	Window     time.Duration `yaml:"window" json:"window"`
	MinCount   int           `yaml:"min_count" json:"min_count"`
	MinAgents  int           `yaml:"min_agents" json:"min_agents"`
}

// WorkerConfig sets background worker intervals.
type WorkerConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
	EvictInterval time.Duration `yaml:"evict_interval" json:"evict_interval"`
}

// RateLimitConfig is a fixed window per agent.
type RateLimitConfig struct {
	Requests int           `yaml:"requests" json:"requests"`
	Window   time.Duration `yaml:"window" json:"window"`
}

// AttestConfig points at the attestation service. Empty URL disables it.
type AttestConfig struct {
	URL     string        `yaml:"url" json:"url"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// IdentityConfig sizes the tier cache.
type IdentityConfig struct {
	CacheSize int `yaml:"cache_size" json:"cache_size"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Port:    "8080",
		DataDir: "data",
		Log:     LogConfig{Level: "info", Format: "json"},
		Governance: GovernanceConfig{
			CompoundThreshold: 3,
			BaseThreshold:     5,
			RejectThreshold:   3,
			CompoundExpiry:    168 * time.Hour,
			BaseExpiry:        336 * time.Hour,
		},
		Sequences: SequenceConfig{
			BufferSize: 5,
			Window:     30 * time.Second,
			MinCount:   3,
			MinAgents:  2,
		},
		Workers: WorkerConfig{
			SweepInterval: time.Minute,
			EvictInterval: time.Minute,
		},
		RateLimit: RateLimitConfig{Requests: 120, Window: time.Minute},
		Attest:    AttestConfig{Timeout: 10 * time.Second},
		Identity:  IdentityConfig{CacheSize: 1024},
	}
}

// Load reads path (if non-empty, else $AGORA_CONFIG if set) over the
// defaults, then applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = strings.TrimSpace(os.Getenv("AGORA_CONFIG"))
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv applies environment variable overrides.
func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("AGORA_PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("AGORA_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("AGORA_SECRET"); v != "" {
		cfg.Secret = v
	}
	if v := os.Getenv("AGORA_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("AGORA_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("AGORA_ATTEST_URL"); v != "" {
		cfg.Attest.URL = v
	}
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	check(c.Port != "", "port is required")
	check(c.DataDir != "", "data_dir is required")
	check(c.Governance.CompoundThreshold > 0, "governance.compound_threshold must be positive")
	check(c.Governance.BaseThreshold > 0, "governance.base_threshold must be positive")
	check(c.Governance.RejectThreshold > 0, "governance.reject_threshold must be positive")
	check(c.Governance.CompoundExpiry > 0, "governance.compound_expiry must be positive")
	check(c.Governance.BaseExpiry > 0, "governance.base_expiry must be positive")
	check(c.Sequences.BufferSize > 0, "sequences.buffer_size must be positive")
	check(c.Sequences.Window > 0, "sequences.window must be positive")
	check(c.Workers.SweepInterval > 0, "workers.sweep_interval must be positive")
	check(c.Workers.EvictInterval > 0, "workers.evict_interval must be positive")
	check(c.RateLimit.Requests > 0, "rate_limit.requests must be positive")
	check(c.RateLimit.Window > 0, "rate_limit.window must be positive")
	check(c.Identity.CacheSize > 0, "identity.cache_size must be positive")
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or console, got %q", c.Log.Format))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
