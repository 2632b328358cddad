// Package config loads proxy configuration from the environment, with an
// optional YAML file for analysis tunables.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the full runtime configuration.
type Config struct {
	Port         string
	APIPort      string
	DatabasePath string
	OpenAIKey    string
	AnthropicKey string
	RedisURL     string
	UpgradeURL   string

	Analysis AnalysisConfig
}

// AnalysisConfig tunes the security pipeline. Defaults mirror the shipped
// engine constants; a YAML file pointed at by CONFIG_PATH may override them.
type AnalysisConfig struct {
	AnomalyWeight   float64
	InjectionWeight float64
	PolicyWeight    float64

	WindowRetention  time.Duration
	EvictionInterval time.Duration
	RuleCacheTTL     time.Duration
	RuleEvalTimeout  time.Duration
}

// yamlTunables is the file shape. Durations are strings ("30s", "5m")
// because yaml.v2 has no native time.Duration decoding.
type yamlTunables struct {
	AnomalyWeight   float64 `yaml:"anomaly_weight"`
	InjectionWeight float64 `yaml:"injection_weight"`
	PolicyWeight    float64 `yaml:"policy_weight"`

	WindowRetention  string `yaml:"window_retention"`
	EvictionInterval string `yaml:"eviction_interval"`
	RuleCacheTTL     string `yaml:"rule_cache_ttl"`
	RuleEvalTimeout  string `yaml:"rule_eval_timeout"`
}

// DefaultAnalysis returns the built-in pipeline tunables.
func DefaultAnalysis() AnalysisConfig {
	return AnalysisConfig{
		AnomalyWeight:    0.35,
		InjectionWeight:  0.45,
		PolicyWeight:     0.20,
		WindowRetention:  10 * time.Minute,
		EvictionInterval: 60 * time.Second,
		RuleCacheTTL:     5 * time.Minute,
		RuleEvalTimeout:  10 * time.Millisecond,
	}
}

// Load reads configuration from the environment. CONFIG_PATH, when set,
// names a YAML file whose non-zero fields override the analysis defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Port:         envOr("PORT", "8080"),
		APIPort:      envOr("API_PORT", "8081"),
		DatabasePath: envOr("DATABASE_PATH", "redteamingai.db"),
		OpenAIKey:    os.Getenv("OPENAI_API_KEY"),
		AnthropicKey: os.Getenv("ANTHROPIC_API_KEY"),
		RedisURL:     os.Getenv("REDIS_URL"),
		UpgradeURL:   envOr("UPGRADE_URL", "https://redteaming.ai/upgrade"),
		Analysis:     DefaultAnalysis(),
	}

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		if err := cfg.loadTunables(path); err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	return cfg, nil
}

func (c *Config) loadTunables(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var overrides yamlTunables
	if err := yaml.NewDecoder(f).Decode(&overrides); err != nil {
		return err
	}

	if overrides.AnomalyWeight > 0 {
		c.Analysis.AnomalyWeight = overrides.AnomalyWeight
	}
	if overrides.InjectionWeight > 0 {
		c.Analysis.InjectionWeight = overrides.InjectionWeight
	}
	if overrides.PolicyWeight > 0 {
		c.Analysis.PolicyWeight = overrides.PolicyWeight
	}
	if err := overrideDuration(&c.Analysis.WindowRetention, overrides.WindowRetention); err != nil {
		return err
	}
	if err := overrideDuration(&c.Analysis.EvictionInterval, overrides.EvictionInterval); err != nil {
		return err
	}
	if err := overrideDuration(&c.Analysis.RuleCacheTTL, overrides.RuleCacheTTL); err != nil {
		return err
	}
	return overrideDuration(&c.Analysis.RuleEvalTimeout, overrides.RuleEvalTimeout)
}

func overrideDuration(dst *time.Duration, raw string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	if d > 0 {
		*dst = d
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
