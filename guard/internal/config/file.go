// Package config handles shortsguard configuration from YAML files.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the top-level shortsguard configuration.
type Config struct {
	Browser  BrowserConfig  `yaml:"browser"`
	Pages    []PageConfig   `yaml:"pages" validate:"dive"`
	Engine   EngineConfig   `yaml:"engine"`
	Settings SettingsConfig `yaml:"settings"`
	Rules    string         `yaml:"rules"` // optional rules.yaml override
	HTTP     HTTPConfig     `yaml:"http"`
	Sinks    []SinkConfig   `yaml:"sinks" validate:"dive"`
}

// BrowserConfig controls Chrome lifecycle.
type BrowserConfig struct {
	Remote           string        `yaml:"remote" validate:"omitempty,url"`
	Attach           bool          `yaml:"attach"` // filter tabs already open in the remote browser
	MemoryLimit      int64         `yaml:"memory_limit" validate:"gte=0"`
	RecycleInterval  time.Duration `yaml:"recycle_interval" validate:"gte=0"`
	ResourceBlocking []string      `yaml:"resource_blocking" validate:"dive,oneof=images fonts media stylesheets"`
	Stealth          string        `yaml:"stealth" validate:"oneof=plain headless headful"`
	XvfbDisplay      string        `yaml:"xvfb_display"`
}

// PageConfig defines a page to open and filter.
type PageConfig struct {
	ID  string `yaml:"id"`
	URL string `yaml:"url" validate:"required,url"`
}

// EngineConfig tunes every page engine.
type EngineConfig struct {
	Debounce  time.Duration `yaml:"debounce" validate:"gte=0"`
	MaxBatch  int           `yaml:"max_batch" validate:"gte=0"`
	Countdown time.Duration `yaml:"countdown" validate:"gte=0"`
	Tick      time.Duration `yaml:"tick" validate:"gte=0"`
}

// SettingsConfig locates the flag store and tunes its change poller.
type SettingsConfig struct {
	DB           string        `yaml:"db" validate:"required"`
	PollInterval time.Duration `yaml:"poll_interval" validate:"gte=0"`
	Debounce     time.Duration `yaml:"debounce" validate:"gte=0"`
}

// HTTPConfig exposes the settings bus over HTTP when Listen is set.
type HTTPConfig struct {
	Listen string `yaml:"listen" validate:"omitempty,hostname_port"`
}

// SinkConfig defines an output backend.
type SinkConfig struct {
	Type string `yaml:"type" validate:"oneof=stdout webhook"`
	URL  string `yaml:"url" validate:"omitempty,url"`
}

// LoadFile reads a YAML configuration file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML, fills defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{
		Browser: BrowserConfig{ResourceBlocking: []string{"images", "fonts"}},
	}
	cfg.applyDefaults()
	return cfg
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		return fmt.Errorf("config: validate: %w", err)
	}
	for i, s := range c.Sinks {
		if s.Type == "webhook" && s.URL == "" {
			return fmt.Errorf("config: validate: sinks[%d]: webhook needs a url", i)
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Browser.MemoryLimit <= 0 {
		c.Browser.MemoryLimit = 1 << 30
	}
	if c.Browser.RecycleInterval <= 0 {
		c.Browser.RecycleInterval = 4 * time.Hour
	}
	if c.Browser.XvfbDisplay == "" {
		c.Browser.XvfbDisplay = ":99"
	}
	if c.Browser.Stealth == "" {
		c.Browser.Stealth = "headless"
	}
	if c.Engine.Debounce <= 0 {
		c.Engine.Debounce = 100 * time.Millisecond
	}
	if c.Engine.MaxBatch <= 0 {
		c.Engine.MaxBatch = 1000
	}
	if c.Engine.Countdown <= 0 {
		c.Engine.Countdown = 5 * time.Second
	}
	if c.Engine.Tick <= 0 {
		c.Engine.Tick = time.Second
	}
	if c.Settings.DB == "" {
		c.Settings.DB = "shortsguard.db"
	}
	if c.Settings.PollInterval <= 0 {
		c.Settings.PollInterval = 500 * time.Millisecond
	}
	for i := range c.Pages {
		if c.Pages[i].ID == "" {
			c.Pages[i].ID = fmt.Sprintf("page-%d", i+1)
		}
	}
}
