package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Scope     ScopeConfig     `mapstructure:"scope"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Websocket WebsocketConfig `mapstructure:"websocket"`
	Poll      PollConfig      `mapstructure:"poll"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type ServerConfig struct {
	URL        string `mapstructure:"url"`
	Token      string `mapstructure:"token"`
	TimeoutSec int    `mapstructure:"timeout_sec"`
}

type ScopeConfig struct {
	TeamID     string   `mapstructure:"team_id"`
	ChannelIDs []string `mapstructure:"channel_ids"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

type RetryConfig struct {
	MaxRetries    int     `mapstructure:"max_retries"`
	BackoffFactor float64 `mapstructure:"backoff_factor"`
}

type WebsocketConfig struct {
	URL                  string `mapstructure:"url"`
	AutoReconnect        bool   `mapstructure:"auto_reconnect"`
	ReconnectDelaySec    int    `mapstructure:"reconnect_delay_sec"`
	ReconnectDelayCapSec int    `mapstructure:"reconnect_delay_cap_sec"`
	MaxReconnectAttempts int    `mapstructure:"max_reconnect_attempts"`
	AuthTimeoutSec       int    `mapstructure:"auth_timeout_sec"`
}

type PollConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	IntervalSec int  `mapstructure:"interval_sec"`
}

// HTTPConfig configures the local status endpoint.
type HTTPConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("server.timeout_sec", 30)
	v.SetDefault("rate_limit.requests_per_second", 10.0)
	v.SetDefault("rate_limit.burst", 20)
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.backoff_factor", 1.0)
	v.SetDefault("websocket.auto_reconnect", true)
	v.SetDefault("websocket.reconnect_delay_sec", 5)
	v.SetDefault("websocket.reconnect_delay_cap_sec", 300)
	v.SetDefault("websocket.max_reconnect_attempts", 10)
	v.SetDefault("websocket.auth_timeout_sec", 10)
	v.SetDefault("poll.enabled", true)
	v.SetDefault("poll.interval_sec", 30)
	v.SetDefault("http.listen_addr", ":8080")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	// Environment variable support
	v.SetEnvPrefix("MATTERSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Explicitly bind nested keys to env vars
	_ = v.BindEnv("server.url", "MATTERSYNC_SERVER_URL")
	_ = v.BindEnv("server.token", "MATTERSYNC_TOKEN")
	_ = v.BindEnv("scope.team_id", "MATTERSYNC_TEAM_ID")

	// Load config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("default")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.URL == "" {
		return fmt.Errorf("server url is required (set MATTERSYNC_SERVER_URL env var)")
	}
	parsed, err := url.Parse(c.Server.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return fmt.Errorf("server url must be an http(s) URL, got %q", c.Server.URL)
	}
	if c.Server.Token == "" {
		return fmt.Errorf("token is required (set MATTERSYNC_TOKEN env var)")
	}
	if c.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("requests_per_second must be > 0")
	}
	if c.RateLimit.Burst < 1 {
		return fmt.Errorf("burst must be >= 1")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0")
	}
	if c.Poll.IntervalSec < 1 {
		return fmt.Errorf("poll interval_sec must be >= 1")
	}
	return nil
}

func (c *Config) ServerTimeout() time.Duration {
	return time.Duration(c.Server.TimeoutSec) * time.Second
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Poll.IntervalSec) * time.Second
}

func (c *Config) ReconnectDelay() time.Duration {
	return time.Duration(c.Websocket.ReconnectDelaySec) * time.Second
}

func (c *Config) ReconnectDelayCap() time.Duration {
	return time.Duration(c.Websocket.ReconnectDelayCapSec) * time.Second
}

func (c *Config) AuthTimeout() time.Duration {
	return time.Duration(c.Websocket.AuthTimeoutSec) * time.Second
}
