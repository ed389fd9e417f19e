// Package config holds the PulZ engine configuration. Values come from
// defaults, then an optional pulz.yaml, then environment variables, in
// increasing precedence.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all engine configuration.
type Config struct {
	// DataDir roots the database, artifact tree and debug logs.
	DataDir string `yaml:"data_dir"`

	// Addr is the HTTP listen address.
	Addr string `yaml:"addr"`

	// Auth gates every /api/pulz route behind verified-user checks.
	Auth bool `yaml:"auth"`

	// Debug enables category file logging.
	Debug bool `yaml:"debug"`

	// Ollama configures the optional LLM classification backend.
	Ollama OllamaConfig `yaml:"ollama"`

	// CostPer1MTokensUSD maps provider -> USD cost per million tokens.
	// The "default" key applies to unknown providers.
	CostPer1MTokensUSD map[string]float64 `yaml:"cost_per_1m_tokens_usd"`
}

// OllamaConfig configures the LLM refinement endpoint.
type OllamaConfig struct {
	URL   string `yaml:"url"`
	Model string `yaml:"model"`
}

// DefaultCostPerMillion is the fallback token rate in USD.
const DefaultCostPerMillion = 2.0

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir: defaultDataDir(),
		Addr:    ":8787",
		Ollama: OllamaConfig{
			URL:   "http://localhost:11434/api/generate",
			Model: "llama3.1",
		},
		CostPer1MTokensUSD: map[string]float64{"default": DefaultCostPerMillion},
	}
}

// Load builds the configuration from defaults, an optional pulz.yaml in
// the working directory, and environment overrides.
func Load() (*Config, error) {
	cfg := Default()

	if data, err := os.ReadFile("pulz.yaml"); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse pulz.yaml: %w", err)
		}
	}

	cfg.applyEnv()

	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data dir could not be resolved")
	}
	return cfg, nil
}

// applyEnv overrides config fields from the environment.
func (c *Config) applyEnv() {
	if v := os.Getenv("PULZ_DATA_DIR"); v != "" {
		c.DataDir = v
	} else if v := os.Getenv("DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("PULZ_ADDR"); v != "" {
		c.Addr = v
	}
	if v := os.Getenv("AUTH"); v != "" {
		c.Auth = parseBool(v)
	}
	if v := os.Getenv("PULZ_DEBUG"); v != "" {
		c.Debug = parseBool(v)
	}
	if v := os.Getenv("OLLAMA_URL"); v != "" {
		c.Ollama.URL = v
	}
	if v := os.Getenv("OLLAMA_MODEL"); v != "" {
		c.Ollama.Model = v
	}
	if v := os.Getenv("COST_PER_1M_TOKENS_USD"); v != "" {
		if rates, err := ParseCostMap(v); err == nil {
			c.CostPer1MTokensUSD = rates
		}
	}
}

// ParseCostMap accepts either a JSON object of provider -> rate or a bare
// number applied as the default rate.
func ParseCostMap(raw string) (map[string]float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("empty cost map")
	}
	if strings.HasPrefix(raw, "{") {
		rates := map[string]float64{}
		if err := json.Unmarshal([]byte(raw), &rates); err != nil {
			return nil, fmt.Errorf("failed to parse cost map: %w", err)
		}
		if _, ok := rates["default"]; !ok {
			rates["default"] = DefaultCostPerMillion
		}
		return rates, nil
	}
	rate, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse cost rate: %w", err)
	}
	return map[string]float64{"default": rate}, nil
}

// Rate returns the USD cost per million tokens for a provider.
func (c *Config) Rate(provider string) float64 {
	if rate, ok := c.CostPer1MTokensUSD[provider]; ok {
		return rate
	}
	if rate, ok := c.CostPer1MTokensUSD["default"]; ok {
		return rate
	}
	return DefaultCostPerMillion
}

// DBPath returns the SQLite database path.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "pulz.sqlite3")
}

// ArtifactsDir returns the root of the execution artifact tree.
func (c *Config) ArtifactsDir() string {
	return filepath.Join(c.DataDir, "artifacts", "executions")
}

// SourcesPath returns the optional source-catalogue override file.
func (c *Config) SourcesPath() string {
	return filepath.Join(c.DataDir, "sources.yaml")
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "pulz")
	}
	return "pulz-data"
}

func parseBool(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
