// ABOUTME: Configuration loading and parsing for the skylane chat client.
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing.

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete client configuration.
type Config struct {
	API      APIConfig      `yaml:"api"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Auth     AuthConfig     `yaml:"auth"`
	User     UserConfig     `yaml:"user"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// APIConfig holds the REST history API endpoint.
type APIConfig struct {
	BaseURL string `yaml:"base_url"`
}

// RealtimeConfig holds the push connection endpoint and retry tuning.
// Zero values fall back to the connection layer's defaults.
type RealtimeConfig struct {
	Endpoint string `yaml:"endpoint"`

	ConnectTimeout time.Duration `yaml:"-"`
	BackoffBase    time.Duration `yaml:"-"`
	BackoffMax     time.Duration `yaml:"-"`
	GracePeriod    time.Duration `yaml:"-"`
	MaxAttempts    int           `yaml:"max_attempts"`

	// Raw string values for YAML unmarshaling
	ConnectTimeoutRaw string `yaml:"connect_timeout"`
	BackoffBaseRaw    string `yaml:"backoff_base"`
	BackoffMaxRaw     string `yaml:"backoff_max"`
	GracePeriodRaw    string `yaml:"grace_period"`
}

// AuthConfig holds the bearer token source. Token takes precedence; TokenEnv
// names an environment variable read on every connect, so a rotated token is
// picked up without a restart.
type AuthConfig struct {
	Token    string `yaml:"token"`
	TokenEnv string `yaml:"token_env"`
}

// UserConfig identifies the current user. Unread counting and echo
// suppression both key off this id.
type UserConfig struct {
	ID string `yaml:"id"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. An unset variable becomes an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and
// valid. Returns an error describing the first validation failure.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if c.Realtime.Endpoint == "" {
		return fmt.Errorf("realtime.endpoint is required")
	}
	if c.User.ID == "" {
		return fmt.Errorf("user.id is required")
	}
	if c.Auth.Token == "" && c.Auth.TokenEnv == "" {
		return fmt.Errorf("auth.token or auth.token_env is required")
	}
	if c.Realtime.MaxAttempts < 0 {
		return fmt.Errorf("realtime.max_attempts must not be negative")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Realtime.ConnectTimeoutRaw, &cfg.Realtime.ConnectTimeout, "connect_timeout"},
		{cfg.Realtime.BackoffBaseRaw, &cfg.Realtime.BackoffBase, "backoff_base"},
		{cfg.Realtime.BackoffMaxRaw, &cfg.Realtime.BackoffMax, "backoff_max"},
		{cfg.Realtime.GracePeriodRaw, &cfg.Realtime.GracePeriod, "grace_period"},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
