// Package config loads the service configuration from the environment and
// an optional .env file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Sternrassler/cliniko-referrals/pkg/client"
	"github.com/Sternrassler/cliniko-referrals/pkg/logging"
	"github.com/Sternrassler/cliniko-referrals/pkg/pagination"
	"github.com/Sternrassler/cliniko-referrals/pkg/pipeline"
	"github.com/Sternrassler/cliniko-referrals/pkg/ratelimit"
	"github.com/Sternrassler/cliniko-referrals/pkg/referrals"
	"github.com/spf13/viper"
)

// DefaultUserAgent identifies the service to Cliniko when USER_AGENT is unset.
const DefaultUserAgent = "cliniko-referrals/1.0"

type Config struct {
	APIKey    string `mapstructure:"CLINIKO_API_KEY"`
	Shard     string `mapstructure:"CLINIKO_SHARD"`
	BaseURL   string `mapstructure:"CLINIKO_BASE_URL"`
	UserAgent string `mapstructure:"USER_AGENT"`

	Port      string `mapstructure:"PORT"`
	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogPretty bool   `mapstructure:"LOG_PRETTY"`
	RedisURL  string `mapstructure:"REDIS_URL"`

	RequestDelay       time.Duration `mapstructure:"REQUEST_DELAY"`
	RateLimitPerMinute int           `mapstructure:"RATE_LIMIT_PER_MINUTE"`
	MaxRetries         int           `mapstructure:"MAX_RETRIES"`
	PageSize           int           `mapstructure:"PAGE_SIZE"`
	MaxPages           int           `mapstructure:"MAX_PAGES"`
	TopN               int           `mapstructure:"TOP_N"`

	CacheFailedLookups bool `mapstructure:"CACHE_FAILED_LOOKUPS"`
	PartialOnError     bool `mapstructure:"PARTIAL_ON_ERROR"`
	CancelOnDisconnect bool `mapstructure:"CANCEL_ON_DISCONNECT"`
}

var keys = []string{
	"CLINIKO_API_KEY",
	"CLINIKO_SHARD",
	"CLINIKO_BASE_URL",
	"USER_AGENT",
	"PORT",
	"LOG_LEVEL",
	"LOG_PRETTY",
	"REDIS_URL",
	"REQUEST_DELAY",
	"RATE_LIMIT_PER_MINUTE",
	"MAX_RETRIES",
	"PAGE_SIZE",
	"MAX_PAGES",
	"TOP_N",
	"CACHE_FAILED_LOOKUPS",
	"PARTIAL_ON_ERROR",
	"CANCEL_ON_DISCONNECT",
}

// Load reads the configuration and validates it.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("CLINIKO_SHARD", "au1")
	v.SetDefault("USER_AGENT", DefaultUserAgent)
	v.SetDefault("PORT", "8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_PRETTY", false)
	v.SetDefault("REQUEST_DELAY", ratelimit.DefaultRequestDelay.String())
	v.SetDefault("RATE_LIMIT_PER_MINUTE", ratelimit.DefaultRequestsPerMinute)
	v.SetDefault("MAX_RETRIES", client.DefaultRetryConfig().MaxAttempts)
	v.SetDefault("PAGE_SIZE", pagination.DefaultPageSize)
	v.SetDefault("MAX_PAGES", pagination.DefaultMaxPages)
	v.SetDefault("TOP_N", referrals.DefaultTopN)
	v.SetDefault("CACHE_FAILED_LOOKUPS", false)
	v.SetDefault("PARTIAL_ON_ERROR", false)
	v.SetDefault("CANCEL_ON_DISCONNECT", false)

	// Unmarshal only sees env vars that are bound
	for _, key := range keys {
		_ = v.BindEnv(key)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return fmt.Errorf("CLINIKO_API_KEY is required")
	}
	if c.BaseURL == "" && strings.TrimSpace(c.Shard) == "" {
		return fmt.Errorf("CLINIKO_SHARD is required when CLINIKO_BASE_URL is not set")
	}
	if strings.TrimSpace(c.UserAgent) == "" {
		return fmt.Errorf("USER_AGENT must not be empty")
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	if c.RequestDelay < 0 {
		return fmt.Errorf("REQUEST_DELAY must not be negative, got %s", c.RequestDelay)
	}
	if c.RateLimitPerMinute < 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE must not be negative, got %d", c.RateLimitPerMinute)
	}

	positive := []struct {
		name  string
		value int
	}{
		{"MAX_RETRIES", c.MaxRetries},
		{"PAGE_SIZE", c.PageSize},
		{"MAX_PAGES", c.MaxPages},
		{"TOP_N", c.TopN},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%s must be positive, got %d", p.name, p.value)
		}
	}

	return nil
}

// Client returns the fetch client configuration.
func (c *Config) Client() client.Config {
	cfg := client.DefaultConfig(c.APIKey, c.Shard, c.UserAgent)
	if c.BaseURL != "" {
		cfg.BaseURL = strings.TrimRight(c.BaseURL, "/")
	}
	cfg.Retry.MaxAttempts = c.MaxRetries
	return cfg
}

// Pacer returns the request pacing configuration.
func (c *Config) Pacer() ratelimit.PacerConfig {
	cfg := ratelimit.DefaultPacerConfig()
	cfg.Delay = c.RequestDelay
	cfg.RequestsPerMinute = c.RateLimitPerMinute
	return cfg
}

// Pipeline returns the aggregation run options.
func (c *Config) Pipeline() pipeline.Options {
	opts := pipeline.DefaultOptions()
	opts.Collector = pagination.Config{PageSize: c.PageSize, MaxPages: c.MaxPages}
	opts.TopN = c.TopN
	opts.CacheFailures = c.CacheFailedLookups
	opts.PartialOnError = c.PartialOnError
	return opts
}

// Logging returns the logger configuration.
func (c *Config) Logging() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.LogLevel(c.LogLevel)
	cfg.Pretty = c.LogPretty
	return cfg
}
