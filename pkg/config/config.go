// Package config loads coordination client configuration from defaults, an
// optional file, an optional secrets file, environment variables and command
// line flags.
package config

import (
	"time"

	"github.com/nimburion/coordination/pkg/observability/tracing"
	"github.com/nimburion/coordination/pkg/retry"
)

// Backend names.
const (
	BackendConsul = "consul"
	BackendRedis  = "redis"
)

// Config is the full client configuration.
type Config struct {
	Backend string         `mapstructure:"backend" yaml:"backend"`
	Consul  ConsulConfig   `mapstructure:"consul" yaml:"consul"`
	Redis   RedisConfig    `mapstructure:"redis" yaml:"redis"`
	Session SessionConfig  `mapstructure:"session" yaml:"session"`
	Retry   retry.Config   `mapstructure:"retry" yaml:"retry"`
	Cache   CacheConfig    `mapstructure:"cache" yaml:"cache"`
	Log     LogConfig      `mapstructure:"log" yaml:"log"`
	Metrics MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
	Tracing tracing.Config `mapstructure:"tracing" yaml:"tracing"`
}

// ConsulConfig holds agent connection settings.
type ConsulConfig struct {
	Address     string   `mapstructure:"address" yaml:"address"`
	Token       string   `mapstructure:"token" yaml:"token"`
	SessionName string   `mapstructure:"session_name" yaml:"session_name"`
	LockDelay   string   `mapstructure:"lock_delay" yaml:"lock_delay"`
	Checks      []string `mapstructure:"checks" yaml:"checks"`
}

// RedisConfig holds Redis connection and layout settings.
type RedisConfig struct {
	URL          string        `mapstructure:"url" yaml:"url"`
	Prefix       string        `mapstructure:"prefix" yaml:"prefix"`
	LockPollBase time.Duration `mapstructure:"lock_poll_base" yaml:"lock_poll_base"`
	LockPollMax  time.Duration `mapstructure:"lock_poll_max" yaml:"lock_poll_max"`
	ScanCount    int64         `mapstructure:"scan_count" yaml:"scan_count"`
}

// SessionConfig is shared by every backend.
type SessionConfig struct {
	TTL             time.Duration `mapstructure:"ttl" yaml:"ttl"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	MaxCloseSession time.Duration `mapstructure:"max_close_session" yaml:"max_close_session"`
}

// CacheConfig tunes cache loops. BlockingWait, MaxRead and the rate limit
// apply to Consul; PollInterval applies to Redis.
type CacheConfig struct {
	BlockingWait time.Duration `mapstructure:"blocking_wait" yaml:"blocking_wait"`
	MaxRead      time.Duration `mapstructure:"max_read" yaml:"max_read"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	BackoffBase  time.Duration `mapstructure:"backoff_base" yaml:"backoff_base"`
	BackoffMax   time.Duration `mapstructure:"backoff_max" yaml:"backoff_max"`
	RateLimit    float64       `mapstructure:"rate_limit" yaml:"rate_limit"`
	RateBurst    int           `mapstructure:"rate_burst" yaml:"rate_burst"`
}

// LogConfig selects the log level and format.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// MetricsConfig controls the Prometheus endpoint. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// DefaultConfig returns the configuration used when nothing overrides it.
func DefaultConfig() *Config {
	return &Config{
		Backend: BackendConsul,
		Consul: ConsulConfig{
			Address:     "http://127.0.0.1:8500",
			SessionName: "curator",
			LockDelay:   "0s",
		},
		Redis: RedisConfig{
			URL:          "redis://127.0.0.1:6379/0",
			Prefix:       "coordination",
			LockPollBase: 25 * time.Millisecond,
			LockPollMax:  time.Second,
			ScanCount:    100,
		},
		Session: SessionConfig{
			TTL:             30 * time.Second,
			RequestTimeout:  30 * time.Second,
			MaxCloseSession: 5 * time.Second,
		},
		Retry: retry.DefaultConfig(),
		Cache: CacheConfig{
			BlockingWait: 5 * time.Minute,
			MaxRead:      5*time.Minute + 30*time.Second,
			PollInterval: time.Second,
			BackoffBase:  100 * time.Millisecond,
			BackoffMax:   30 * time.Second,
			RateLimit:    10,
			RateBurst:    1,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Tracing: tracing.Config{
			ServiceName: "coordctl",
			SampleRate:  1,
		},
	}
}
