// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Provider ProviderConfig `mapstructure:"provider"`
	Poller   PollerConfig   `mapstructure:"poller"`
	DB       DBConfig       `mapstructure:"db"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig holds the secrets for inbound traffic. WebhookSecret
// authenticates provider callbacks; APIKey (optional) gates the job
// submission and lookup endpoints.
type AuthConfig struct {
	WebhookSecret string `mapstructure:"webhook_secret"`
	APIEnabled    bool   `mapstructure:"api_enabled"`
	APIKey        string `mapstructure:"api_key"`
}

// ProviderConfig describes the external scraping provider.
type ProviderConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	APIKey         string `mapstructure:"api_key"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// PollerConfig governs the poll-fallback loop.
type PollerConfig struct {
	IntervalSeconds  int `mapstructure:"interval_seconds"`
	StalenessMinutes int `mapstructure:"staleness_minutes"`
	ExpireAfterHours int `mapstructure:"expire_after_hours"`
}

// DBConfig controls access to the job table.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// PubSubConfig holds metadata for completion-event publishing. Leave the
// project id empty to disable publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCRAPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("provider.timeout_seconds", 15)
	v.SetDefault("poller.interval_seconds", 60)
	v.SetDefault("poller.staleness_minutes", 15)
	v.SetDefault("poller.expire_after_hours", 24)
	v.SetDefault("db.table", "scrape_jobs")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.WebhookSecret == "" {
		return fmt.Errorf("auth.webhook_secret is required")
	}
	if c.Auth.APIEnabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when api auth is enabled")
	}
	if c.Provider.BaseURL == "" {
		return fmt.Errorf("provider.base_url is required")
	}
	if c.Provider.APIKey == "" {
		return fmt.Errorf("provider.api_key is required")
	}
	if c.Provider.TimeoutSeconds <= 0 {
		return fmt.Errorf("provider.timeout_seconds must be > 0")
	}
	if c.Poller.IntervalSeconds <= 0 {
		return fmt.Errorf("poller.interval_seconds must be > 0")
	}
	if c.Poller.StalenessMinutes <= 0 {
		return fmt.Errorf("poller.staleness_minutes must be > 0")
	}
	if c.Poller.ExpireAfterHours <= 0 {
		return fmt.Errorf("poller.expire_after_hours must be > 0")
	}
	staleness := time.Duration(c.Poller.StalenessMinutes) * time.Minute
	if c.ExpireCeiling() <= staleness {
		return fmt.Errorf("poller.expire_after_hours must exceed poller.staleness_minutes")
	}
	return nil
}

// ProviderTimeout returns the bound on outbound provider calls.
func (c Config) ProviderTimeout() time.Duration {
	return time.Duration(c.Provider.TimeoutSeconds) * time.Second
}

// PollInterval returns how often the poll fallback runs.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Poller.IntervalSeconds) * time.Second
}

// StalenessThreshold returns how long an in-flight job may go without a
// terminal report before the poller starts asking the provider directly.
func (c Config) StalenessThreshold() time.Duration {
	return time.Duration(c.Poller.StalenessMinutes) * time.Minute
}

// ExpireCeiling returns the hard duration after which a job with no
// terminal report is force-closed locally.
func (c Config) ExpireCeiling() time.Duration {
	return time.Duration(c.Poller.ExpireAfterHours) * time.Hour
}
