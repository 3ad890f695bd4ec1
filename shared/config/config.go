package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds everything an auction session needs to talk to the bid store.
type Config struct {
	Store StoreConfig `mapstructure:"store"`
	Feed  FeedConfig  `mapstructure:"feed"`
}

// StoreConfig configures the HTTP client for historical fetches and bid
// submissions.
type StoreConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	FetchRetries   int           `mapstructure:"fetch_retries"`
	FetchRetryBase time.Duration `mapstructure:"fetch_retry_base"`
	RatePerSecond  int           `mapstructure:"rate_per_second"`
}

// FeedConfig configures the live feed connection and its reconnect policy.
type FeedConfig struct {
	URL              string        `mapstructure:"url"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	InitialDelay     time.Duration `mapstructure:"initial_delay"`
	MaxDelay         time.Duration `mapstructure:"max_delay"`
	MaxRetries       int           `mapstructure:"max_retries"`
	BackoffFactor    float64       `mapstructure:"backoff_factor"`
	Jitter           bool          `mapstructure:"jitter"`
}

// Default returns the configuration used when a caller constructs a session
// without loading a file: 1s doubling backoff capped at 30s, 10 reconnect
// attempts before the session reports a persistent disconnect.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			BaseURL:        "http://localhost:8080",
			RequestTimeout: 10 * time.Second,
			FetchRetries:   3,
			FetchRetryBase: 500 * time.Millisecond,
			RatePerSecond:  5,
		},
		Feed: FeedConfig{
			URL:              "ws://localhost:8080/ws",
			HandshakeTimeout: 10 * time.Second,
			InitialDelay:     1 * time.Second,
			MaxDelay:         30 * time.Second,
			MaxRetries:       10,
			BackoffFactor:    2.0,
			Jitter:           true,
		},
	}
}

// Load reads configuration from an optional file plus BIDSYNC_* environment
// variables, on top of the defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	def := Default()
	v.SetDefault("store.base_url", def.Store.BaseURL)
	v.SetDefault("store.request_timeout", def.Store.RequestTimeout)
	v.SetDefault("store.fetch_retries", def.Store.FetchRetries)
	v.SetDefault("store.fetch_retry_base", def.Store.FetchRetryBase)
	v.SetDefault("store.rate_per_second", def.Store.RatePerSecond)
	v.SetDefault("feed.url", def.Feed.URL)
	v.SetDefault("feed.handshake_timeout", def.Feed.HandshakeTimeout)
	v.SetDefault("feed.initial_delay", def.Feed.InitialDelay)
	v.SetDefault("feed.max_delay", def.Feed.MaxDelay)
	v.SetDefault("feed.max_retries", def.Feed.MaxRetries)
	v.SetDefault("feed.backoff_factor", def.Feed.BackoffFactor)
	v.SetDefault("feed.jitter", def.Feed.Jitter)

	v.SetEnvPrefix("BIDSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}
