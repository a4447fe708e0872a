package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.zapcoach/config.toml.
type Config struct {
	// GatewayURL is the base URL of the WhatsApp gateway, without a
	// trailing slash.
	GatewayURL string `toml:"gateway_url"`
	// APIKey is sent on every gateway request in the apikey header.
	APIKey string `toml:"api_key"`
	// CountryCode is prepended to bare subscriber numbers when formatting
	// destinations.
	CountryCode string `toml:"country_code"`
	// Listen is the console API bind address.
	Listen string `toml:"listen"`
	// DefaultInstance is adopted as the active instance on startup when no
	// persisted pointer exists.
	DefaultInstance string `toml:"default_instance"`
}

// Default returns a config with default values filled in.
func Default() *Config {
	return &Config{
		CountryCode: "55",
		Listen:      "127.0.0.1:8876",
	}
}

// Load reads config from the given path and applies defaults for fields
// left empty. Returns nil and an error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if cfg.CountryCode == "" {
		cfg.CountryCode = "55"
	}
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:8876"
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
