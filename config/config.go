package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// NetworkConfig holds network-level configuration for HTTP clients,
// including optional latency simulation used in experiments and tests.
type NetworkConfig struct {
	DelayEnabled bool `json:"delay_enabled"`
	MinDelayMs   int  `json:"min_delay_ms"`
	MaxDelayMs   int  `json:"max_delay_ms"`
}

// Config holds all configurable parameters for a settlement node.
type Config struct {
	// Resource is the chain contract/account family this node settles for.
	Resource string `json:"resource"`

	// ChainURL is the authoritative chain node endpoint. Empty means the
	// built-in dev chain.
	ChainURL string `json:"chain_url"`

	// AcceleratorURL is an optional off-chain accelerator endpoint tried
	// before the chain on reads.
	AcceleratorURL string `json:"accelerator_url"`

	// StorageDir is where the pending queue is persisted. Empty means
	// in-memory only.
	StorageDir string `json:"storage_dir"`

	CacheTTLSeconds       int `json:"cache_ttl_seconds"`
	CacheMaxEntries       int `json:"cache_max_entries"`
	MaxBatchSize          int `json:"max_batch_size"`
	SettleIntervalSeconds int `json:"settle_interval_seconds"`

	Network NetworkConfig `json:"network"`
}

// Defaults returns a config with the documented default values filled in.
func Defaults() *Config {
	return &Config{
		Resource:              "token",
		CacheTTLSeconds:       30,
		CacheMaxEntries:       4096,
		MaxBatchSize:          200,
		SettleIntervalSeconds: 10,
	}
}

// CacheTTL returns the cache TTL as a duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// SettleInterval returns the background settlement period.
func (c *Config) SettleInterval() time.Duration {
	return time.Duration(c.SettleIntervalSeconds) * time.Second
}

// Load reads and parses a JSON config file, applying defaults for any
// omitted numeric fields.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if cfg.Resource == "" {
		return nil, fmt.Errorf("config: resource must not be empty")
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = Defaults().MaxBatchSize
	}
	return cfg, nil
}

// LoadDefault loads the default config from config.json in the current
// directory.
func LoadDefault() (*Config, error) {
	return Load("config/config.json")
}
