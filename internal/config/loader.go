package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// Load reads, unmarshals, defaults, and validates the JSON configuration
// file at path. It is the sole entry point cmd/aviary-proxy uses.
func Load(path string) (*ProxyConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var cfg ProxyConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if err := markExplicitShutdownGrace(path, &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid: %w", err)
	}

	return &cfg, nil
}

// markExplicitShutdownGrace re-reads the raw file to distinguish a
// server entry that explicitly set shutdown_grace to 0 from one that
// omitted the key entirely; viper's Unmarshal collapses both to the Go
// zero value, but the documented "default 2s" only applies to the latter.
func markExplicitShutdownGrace(path string, cfg *ProxyConfig) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("re-reading %s: %w", path, err)
	}

	var doc struct {
		Servers []map[string]json.RawMessage `json:"servers"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("re-parsing %s: %w", path, err)
	}

	for i, entry := range doc.Servers {
		if i >= len(cfg.Servers) {
			break
		}
		if _, present := entry["shutdown_grace"]; present {
			cfg.Servers[i].MarkShutdownGracePresent()
		}
	}
	return nil
}
