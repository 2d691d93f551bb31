// Package config loads the sidecar configuration.
//
// Sources merge in the usual order: built-in defaults, an optional YAML
// file (explicit --config path or ~/.sidecache/config.yaml), then
// SIDECACHE_* environment variables. Every key has a default; a config
// file is never required.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Upstream transport modes, mirrored here so config validation does not
// pull in the transport package.
const (
	ModeChildProcess = "child-process"
	ModeEventStream  = "event-stream"
	ModeHTTP         = "http"
)

// Config is the full configuration surface.
type Config struct {
	Upstream   Upstream   `mapstructure:"upstream"`
	Cache      Cache      `mapstructure:"cache"`
	Connection Connection `mapstructure:"connection"`
	Log        Log        `mapstructure:"log"`
	Metrics    Metrics    `mapstructure:"metrics"`
}

// Upstream selects and parameterizes the upstream transport.
type Upstream struct {
	Mode    string   `mapstructure:"mode"`
	URL     string   `mapstructure:"url"`
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
	APIKey  string   `mapstructure:"apiKey"`
}

// Cache configures the persistent cache.
type Cache struct {
	Dir             string   `mapstructure:"dir"`
	MaxDynamicBytes int64    `mapstructure:"maxDynamicBytes"`
	Preload         []string `mapstructure:"preload"`
}

// Connection configures probing and reconnection.
type Connection struct {
	HealthCheckIntervalMs int     `mapstructure:"healthCheckIntervalMs"`
	ProbeTimeoutMs        int     `mapstructure:"probeTimeoutMs"`
	MaxReconnectAttempts  int     `mapstructure:"maxReconnectAttempts"`
	Backoff               Backoff `mapstructure:"backoff"`
}

// Backoff is the reconnect delay schedule.
type Backoff struct {
	InitialMs  int     `mapstructure:"initialMs"`
	Multiplier float64 `mapstructure:"multiplier"`
	MaxMs      int     `mapstructure:"maxMs"`
}

// Log configures the zap logger.
type Log struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"` // optional rotating file sink
}

// Metrics configures the optional Prometheus listener.
type Metrics struct {
	Addr string `mapstructure:"addr"` // empty disables
}

// DefaultDir is the default cache directory under the user home.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".sidecache"
	}
	return filepath.Join(home, ".sidecache")
}

// Load reads configuration from the optional file at path plus the
// environment. An empty path falls back to ~/.sidecache/config.yaml if
// one exists.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SIDECACHE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(DefaultDir())
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("config: read default file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("upstream.mode", ModeChildProcess)
	v.SetDefault("cache.dir", DefaultDir())
	v.SetDefault("cache.maxDynamicBytes", int64(100*1024*1024))
	v.SetDefault("cache.preload", []string{"workflows", "rules"})
	v.SetDefault("connection.healthCheckIntervalMs", 30000)
	v.SetDefault("connection.probeTimeoutMs", 5000)
	v.SetDefault("connection.maxReconnectAttempts", 10)
	v.SetDefault("connection.backoff.initialMs", 1000)
	v.SetDefault("connection.backoff.multiplier", 2.0)
	v.SetDefault("connection.backoff.maxMs", 60000)
	v.SetDefault("log.level", "info")
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Upstream.Mode {
	case ModeChildProcess:
		if c.Upstream.Command == "" {
			return errors.New("config: upstream.command is required in child-process mode")
		}
	case ModeEventStream, ModeHTTP:
		if c.Upstream.URL == "" {
			return fmt.Errorf("config: upstream.url is required in %s mode", c.Upstream.Mode)
		}
	default:
		return fmt.Errorf("config: unknown upstream.mode %q", c.Upstream.Mode)
	}
	if c.Cache.MaxDynamicBytes <= 0 {
		return errors.New("config: cache.maxDynamicBytes must be positive")
	}
	return nil
}

// Durations expressed by millisecond keys.

func (c Connection) HealthCheckInterval() time.Duration {
	return time.Duration(c.HealthCheckIntervalMs) * time.Millisecond
}

func (c Connection) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutMs) * time.Millisecond
}

func (b Backoff) Initial() time.Duration { return time.Duration(b.InitialMs) * time.Millisecond }
func (b Backoff) Max() time.Duration     { return time.Duration(b.MaxMs) * time.Millisecond }
