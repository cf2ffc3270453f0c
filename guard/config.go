package guard

import (
	"github.com/hazyhaar/shortsguard/guard/internal/config"
)

// Config is the top-level shortsguard configuration. Re-exported from internal.
type Config = config.Config

// BrowserConfig controls Chrome lifecycle.
type BrowserConfig = config.BrowserConfig

// PageConfig defines a page to open and filter.
type PageConfig = config.PageConfig

// EngineConfig tunes every page engine.
type EngineConfig = config.EngineConfig

// SettingsConfig locates the flag store.
type SettingsConfig = config.SettingsConfig

// HTTPConfig exposes the bus over HTTP.
type HTTPConfig = config.HTTPConfig

// SinkConfig defines an output backend.
type SinkConfig = config.SinkConfig

// LoadConfigFile reads a YAML configuration file.
func LoadConfigFile(path string) (*Config, error) {
	return config.LoadFile(path)
}

// DefaultConfig returns the configuration used without a file.
func DefaultConfig() *Config {
	return config.Default()
}
