// Package config loads gateway configuration with viper: defaults, an
// optional TOML file, and IC_WS_GATEWAY_* environment overrides.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/aliscie/ic-websocket-gateway/errors"
)

// Config is the full gateway configuration.
type Config struct {
	// ListenAddr is the host:port for the client-facing WebSocket listener.
	ListenAddr string `mapstructure:"listen_addr"`
	// PollingIntervalMs is the pause before each canister poll.
	PollingIntervalMs uint64 `mapstructure:"polling_interval_ms"`
	// ChannelBound sizes every bounded channel in the gateway. A full
	// channel blocks the producer.
	ChannelBound int `mapstructure:"channel_bound"`

	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Backend   BackendConfig   `mapstructure:"backend"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Log       LogConfig       `mapstructure:"log"`
}

// GatewayConfig identifies this gateway toward clients and canisters.
type GatewayConfig struct {
	// Principal is the gateway's principal in textual form, sent in the
	// handshake frame and authorized by clients for polling.
	Principal string `mapstructure:"principal"`
}

// BackendConfig points at the IC backend and tunes the client.
type BackendConfig struct {
	URL            string  `mapstructure:"url"`
	TimeoutMs      uint64  `mapstructure:"timeout_ms"`
	MaxAttempts    int     `mapstructure:"max_attempts"`
	RetryDelayMs   uint64  `mapstructure:"retry_delay_ms"`
	CallsPerSecond float64 `mapstructure:"calls_per_second"`
}

// TelemetryConfig toggles the timing-event analyzer.
type TelemetryConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// LogConfig selects output encoding and level.
type LogConfig struct {
	JSON  bool   `mapstructure:"json"`
	Level string `mapstructure:"level"`
}

// PollingInterval returns the poll pause as a duration.
func (c *Config) PollingInterval() time.Duration {
	return time.Duration(c.PollingIntervalMs) * time.Millisecond
}

// Timeout returns the per-request backend timeout.
func (c *BackendConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// RetryDelay returns the pause between poll retry attempts.
func (c *BackendConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMs) * time.Millisecond
}

// SetDefaults installs every default value on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("polling_interval_ms", 200)
	v.SetDefault("channel_bound", 100)
	v.SetDefault("gateway.principal", "")
	v.SetDefault("backend.url", "http://127.0.0.1:4943")
	v.SetDefault("backend.timeout_ms", 30000)
	v.SetDefault("backend.max_attempts", 3)
	v.SetDefault("backend.retry_delay_ms", 500)
	v.SetDefault("backend.calls_per_second", 0)
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("log.json", false)
	v.SetDefault("log.level", "info")
}

// Load reads configuration from the optional file at path (TOML), layered
// under IC_WS_GATEWAY_* environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("IC_WS_GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %s", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the gateway cannot run with.
func (c *Config) Validate() error {
	if c.PollingIntervalMs == 0 {
		return errors.New("polling_interval_ms must be positive")
	}
	if c.ChannelBound <= 0 {
		return errors.New("channel_bound must be positive")
	}
	if c.Backend.MaxAttempts <= 0 {
		return errors.New("backend.max_attempts must be positive")
	}
	if c.Backend.URL == "" {
		return errors.New("backend.url must be set")
	}
	return nil
}
