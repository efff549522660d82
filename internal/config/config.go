// Package config loads guard server configuration from environment variables
// (GUARD_ prefix) layered over an optional YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete guard server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server" envconfig:"SERVER"`
	Guard    GuardConfig    `yaml:"guard" envconfig:"GUARD"`
	Store    StoreConfig    `yaml:"store" envconfig:"STORE"`
	Notify   NotifyConfig   `yaml:"notify" envconfig:"NOTIFY"`
	Logging  LoggingConfig  `yaml:"logging" envconfig:"LOGGING"`
	Security SecurityConfig `yaml:"security" envconfig:"SECURITY"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes" envconfig:"MAX_HEADER_BYTES" default:"1048576"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// GuardConfig contains the protocol policy parameters.
type GuardConfig struct {
	// SigningSecret signs unlock envelopes. Server-only: it is never shipped
	// to clients, which apply envelopes without verifying them.
	SigningSecret string `yaml:"signing_secret" envconfig:"SIGNING_SECRET"`
	// UnlockContent is the CSS fragment released on successful validation.
	// UnlockContentFile, when set, takes precedence.
	UnlockContent     string        `yaml:"unlock_content" envconfig:"UNLOCK_CONTENT" default:"#app{display:block !important;visibility:visible !important;opacity:1 !important}"`
	UnlockContentFile string        `yaml:"unlock_content_file" envconfig:"UNLOCK_CONTENT_FILE"`
	TamperThreshold   int           `yaml:"tamper_threshold" envconfig:"TAMPER_THRESHOLD" default:"3"`
	StaleTokenWindow  time.Duration `yaml:"stale_token_window" envconfig:"STALE_TOKEN_WINDOW" default:"5m"`
	// DevDomains are exempt from the domain binding check, in addition to
	// the built-in localhost forms.
	DevDomains []string `yaml:"dev_domains" envconfig:"DEV_DOMAINS"`
}

// StoreConfig contains license state store configuration.
type StoreConfig struct {
	// Driver is "sqlite" or "memory".
	Driver string `yaml:"driver" envconfig:"DRIVER" default:"sqlite"`
	DSN    string `yaml:"dsn" envconfig:"DSN" default:"guard.db"`
	// FixtureFile optionally seeds licenses from a YAML file at startup.
	FixtureFile string `yaml:"fixture_file" envconfig:"FIXTURE_FILE"`
}

// NotifyConfig contains breach notification configuration.
type NotifyConfig struct {
	WebhookURL     string        `yaml:"webhook_url" envconfig:"WEBHOOK_URL"`
	WebhookTimeout time.Duration `yaml:"webhook_timeout" envconfig:"WEBHOOK_TIMEOUT" default:"10s"`
	EnableFeed     bool          `yaml:"enable_feed" envconfig:"ENABLE_FEED" default:"true"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Format   string `yaml:"format" envconfig:"FORMAT" default:"json"`
	Output   string `yaml:"output" envconfig:"OUTPUT" default:"stdout"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH" default:"logs/guard.log"`
}

// SecurityConfig contains transport security configuration.
type SecurityConfig struct {
	// AdminToken guards the administrative restore endpoint. Empty disables
	// the endpoint entirely.
	AdminToken string          `yaml:"admin_token" envconfig:"ADMIN_TOKEN"`
	RateLimit  RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// RateLimitConfig contains per-client rate limiting configuration.
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED" default:"true"`
	RPS     float64 `yaml:"rps" envconfig:"RPS" default:"20"`
	Burst   int     `yaml:"burst" envconfig:"BURST" default:"40"`
}

// Load loads configuration from the optional YAML file and environment
// variables, with the environment taking precedence.
func Load() (*Config, error) {
	cfg := Default()

	if path := configFilePath(); path != "" {
		fileCfg, err := loadFromFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
		*cfg = *fileCfg
	}

	if err := envconfig.Process("GUARD", cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// loadFromFile loads configuration from a YAML file, applying defaults for
// fields the file leaves unset.
func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ResolveUnlockContent returns the unlock fragment, reading it from
// UnlockContentFile when configured.
func (c *Config) ResolveUnlockContent() ([]byte, error) {
	if c.Guard.UnlockContentFile != "" {
		data, err := os.ReadFile(c.Guard.UnlockContentFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read unlock content file: %w", err)
		}
		return data, nil
	}
	return []byte(c.Guard.UnlockContent), nil
}

// Validate checks the configuration for fatal misconfiguration.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Guard.SigningSecret == "" {
		return fmt.Errorf("guard signing secret must be set")
	}
	if c.Guard.TamperThreshold <= 0 {
		return fmt.Errorf("tamper threshold must be positive, got %d", c.Guard.TamperThreshold)
	}
	if c.Guard.StaleTokenWindow <= 0 {
		return fmt.Errorf("stale token window must be positive")
	}
	switch c.Store.Driver {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("unknown store driver: %q", c.Store.Driver)
	}
	if c.Store.Driver == "sqlite" && c.Store.DSN == "" {
		return fmt.Errorf("sqlite store requires a dsn")
	}
	return nil
}

// configFilePath returns the first config file found in common locations.
func configFilePath() string {
	locations := []string{
		"config.yaml",
		"configs/config.yaml",
	}
	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}
	return ""
}

// Default returns the default configuration. The signing secret has no
// default; Load fails without one.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			MaxHeaderBytes:  1 << 20,
			ShutdownTimeout: 30 * time.Second,
		},
		Guard: GuardConfig{
			UnlockContent:    "#app{display:block !important;visibility:visible !important;opacity:1 !important}",
			TamperThreshold:  3,
			StaleTokenWindow: 5 * time.Minute,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			DSN:    "guard.db",
		},
		Notify: NotifyConfig{
			WebhookTimeout: 10 * time.Second,
			EnableFeed:     true,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "json",
			Output:   "stdout",
			FilePath: "logs/guard.log",
		},
		Security: SecurityConfig{
			RateLimit: RateLimitConfig{
				Enabled: true,
				RPS:     20,
				Burst:   40,
			},
		},
	}
}
