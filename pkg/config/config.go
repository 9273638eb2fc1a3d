package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// DefaultListen is the default API listen address.
	DefaultListen = ":3001"

	// DefaultLocustURL is the default Locust web UI base URL.
	DefaultLocustURL = "http://localhost:8089"

	// DefaultPrometheusURL is the default Prometheus base URL.
	DefaultPrometheusURL = "http://localhost:9090"

	// DefaultSQLitePath is the default SQLite database file.
	DefaultSQLitePath = "./loadtest_history.db"

	// DefaultPollInterval is the default stats polling period.
	DefaultPollInterval = "2s"

	// DefaultUpstreamTimeout is the default per-request timeout for
	// Locust and Prometheus calls.
	DefaultUpstreamTimeout = "5s"
)

// Config is the root configuration for metric2.
type Config struct {
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Locust      LocustConfig      `yaml:"locust" mapstructure:"locust"`
	Prometheus  PrometheusConfig  `yaml:"prometheus" mapstructure:"prometheus"`
	Database    DatabaseConfig    `yaml:"database" mapstructure:"database"`
	Coordinator CoordinatorConfig `yaml:"coordinator" mapstructure:"coordinator"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
}

// RateLimitConfig configures per-IP rate limiting on the test command
// endpoints (start/stop).
type RateLimitConfig struct {
	Enabled  bool          `yaml:"enabled" mapstructure:"enabled"`
	Commands RateLimitTier `yaml:"commands,omitempty" mapstructure:"commands"`
}

// RateLimitTier defines request limits for a specific tier.
type RateLimitTier struct {
	RequestsPerMinute int `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// LocustConfig contains settings for the Locust control API.
type LocustConfig struct {
	URL     string `yaml:"url" mapstructure:"url"`
	Timeout string `yaml:"timeout,omitempty" mapstructure:"timeout"`
}

// PrometheusConfig contains settings for the Prometheus query proxy.
type PrometheusConfig struct {
	URL     string `yaml:"url" mapstructure:"url"`
	Timeout string `yaml:"timeout,omitempty" mapstructure:"timeout"`
}

// CoordinatorConfig contains test lifecycle coordinator settings.
type CoordinatorConfig struct {
	PollInterval string `yaml:"poll_interval,omitempty" mapstructure:"poll_interval"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver   string         `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteConfig   `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteConfig contains SQLite-specific settings.
type SQLiteConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// Load reads the configuration file at path (optional) and applies
// METRIC2_* environment overrides on top of it.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix("METRIC2")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults are registered with viper rather than patched in after
	// unmarshalling: viper only consults the environment for keys it
	// knows about, so a key must be registered for its METRIC2_*
	// override to resolve when the config file omits it.
	v.SetDefault("server.listen", DefaultListen)
	v.SetDefault("locust.url", DefaultLocustURL)
	v.SetDefault("locust.timeout", DefaultUpstreamTimeout)
	v.SetDefault("prometheus.url", DefaultPrometheusURL)
	v.SetDefault("prometheus.timeout", DefaultUpstreamTimeout)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.sqlite.path", DefaultSQLitePath)
	v.SetDefault("coordinator.poll_interval", DefaultPollInterval)

	if path != "" {
		v.SetConfigFile(path)

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return &cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if _, err := url.ParseRequestURI(c.Locust.URL); err != nil {
		return fmt.Errorf("invalid locust url %q: %w", c.Locust.URL, err)
	}

	if _, err := url.ParseRequestURI(c.Prometheus.URL); err != nil {
		return fmt.Errorf("invalid prometheus url %q: %w", c.Prometheus.URL, err)
	}

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			return fmt.Errorf("database.sqlite.path is required")
		}
	case "postgres":
		if c.Database.Postgres.Host == "" {
			return fmt.Errorf("database.postgres.host is required")
		}
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}

	if d, err := time.ParseDuration(c.Coordinator.PollInterval); err != nil || d <= 0 {
		return fmt.Errorf("invalid coordinator poll_interval %q", c.Coordinator.PollInterval)
	}

	for _, field := range []struct {
		name, value string
	}{
		{"locust.timeout", c.Locust.Timeout},
		{"prometheus.timeout", c.Prometheus.Timeout},
	} {
		if _, err := time.ParseDuration(field.value); err != nil {
			return fmt.Errorf("invalid %s %q", field.name, field.value)
		}
	}

	if c.Server.RateLimit.Enabled && c.Server.RateLimit.Commands.RequestsPerMinute <= 0 {
		return fmt.Errorf("server.rate_limit.commands.requests_per_minute must be positive")
	}

	return nil
}

// PollInterval returns the parsed coordinator polling period.
func (c *Config) PollInterval() time.Duration {
	d, _ := time.ParseDuration(c.Coordinator.PollInterval)

	return d
}

// LocustTimeout returns the parsed Locust request timeout.
func (c *Config) LocustTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Locust.Timeout)

	return d
}

// PrometheusTimeout returns the parsed Prometheus request timeout.
func (c *Config) PrometheusTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Prometheus.Timeout)

	return d
}
