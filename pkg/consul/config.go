package consul

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nimburion/coordination/pkg/observability/logger"
	"github.com/nimburion/coordination/pkg/retry"
)

// Config configures a Client. Fields tagged "-" can only be set in code.
type Config struct {
	// Address of the agent, for example "http://127.0.0.1:8500". A missing
	// scheme defaults to http.
	Address string `mapstructure:"address"`
	// Token is sent as X-Consul-Token when set.
	Token string `mapstructure:"token"`

	SessionName string   `mapstructure:"session_name"`
	TTL         string   `mapstructure:"ttl"`
	LockDelay   string   `mapstructure:"lock_delay"`
	Checks      []string `mapstructure:"checks"`

	MaxCloseSession time.Duration `mapstructure:"max_close_session"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`

	Retry retry.Config `mapstructure:"retry"`
	Cache CacheConfig  `mapstructure:"cache"`

	// RetryPolicy overrides Retry when set.
	RetryPolicy       retry.Policy          `mapstructure:"-"`
	HTTPClient        *http.Client          `mapstructure:"-"`
	Logger            logger.Logger         `mapstructure:"-"`
	MetricsRegisterer prometheus.Registerer `mapstructure:"-"`
}

// CacheConfig tunes the cache synchronizer loop.
type CacheConfig struct {
	// BlockingWait is the server-side wait of blocking queries.
	BlockingWait time.Duration `mapstructure:"blocking_wait"`
	// MaxRead is the client-side ceiling for one read; keep it above BlockingWait.
	MaxRead time.Duration `mapstructure:"max_read"`
	// BackoffBase and BackoffMax bound the delay after failed iterations.
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffMax  time.Duration `mapstructure:"backoff_max"`
	// RateLimit caps iterations per second; RateBurst is the limiter burst.
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`
}

// DefaultConfig returns the defaults, with Address left empty.
func DefaultConfig() Config {
	return Config{
		SessionName:     "curator",
		TTL:             "30s",
		LockDelay:       "0s",
		MaxCloseSession: 5 * time.Second,
		RequestTimeout:  30 * time.Second,
		Retry:           retry.DefaultConfig(),
		Cache:           DefaultCacheConfig(),
	}
}

// DefaultCacheConfig returns the cache loop defaults.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		BlockingWait: 5 * time.Minute,
		MaxRead:      5*time.Minute + 30*time.Second,
		BackoffBase:  100 * time.Millisecond,
		BackoffMax:   30 * time.Second,
		RateLimit:    10,
		RateBurst:    1,
	}
}

func (c *Config) normalize() {
	defaults := DefaultConfig()
	if c.SessionName == "" {
		c.SessionName = defaults.SessionName
	}
	if c.TTL == "" {
		c.TTL = defaults.TTL
	}
	if c.LockDelay == "" {
		c.LockDelay = defaults.LockDelay
	}
	if c.MaxCloseSession <= 0 {
		c.MaxCloseSession = defaults.MaxCloseSession
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaults.RequestTimeout
	}
	if c.Retry.Kind == "" && c.Retry.MaxAttempts == 0 && c.Retry.BaseDelay == 0 && c.Retry.Delay == 0 {
		c.Retry = defaults.Retry
	}
	c.Cache.normalize()
	c.Address = strings.TrimRight(strings.TrimSpace(c.Address), "/")
	if c.Address != "" && !strings.Contains(c.Address, "://") {
		c.Address = "http://" + c.Address
	}
	c.Logger = logger.OrNop(c.Logger)
}

func (c *CacheConfig) normalize() {
	defaults := DefaultCacheConfig()
	if c.BlockingWait <= 0 {
		c.BlockingWait = defaults.BlockingWait
	}
	if c.MaxRead <= 0 {
		c.MaxRead = c.BlockingWait + 30*time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = defaults.BackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = defaults.BackoffMax
	}
	if c.RateLimit <= 0 {
		c.RateLimit = defaults.RateLimit
	}
	if c.RateBurst <= 0 {
		c.RateBurst = defaults.RateBurst
	}
}

// Validate reports every problem in c, joined.
func (c Config) Validate() error {
	var errs []error
	if c.Address == "" {
		errs = append(errs, errors.New("consul address is required"))
	} else if u, err := url.Parse(c.Address); err != nil || u.Host == "" {
		errs = append(errs, fmt.Errorf("consul address %q is not a valid URL", c.Address))
	}
	if c.TTL != "" {
		if ttl, err := ParseDuration(c.TTL); err != nil {
			errs = append(errs, fmt.Errorf("consul ttl: %w", err))
		} else if ttl <= 0 {
			errs = append(errs, fmt.Errorf("consul ttl must be positive, got %q", c.TTL))
		}
	}
	if c.LockDelay != "" {
		if _, err := ParseDuration(c.LockDelay); err != nil {
			errs = append(errs, fmt.Errorf("consul lock delay: %w", err))
		}
	}
	if c.Cache.MaxRead > 0 && c.Cache.BlockingWait > 0 && c.Cache.MaxRead <= c.Cache.BlockingWait {
		errs = append(errs, fmt.Errorf("cache max read (%s) must exceed blocking wait (%s)", c.Cache.MaxRead, c.Cache.BlockingWait))
	}
	if c.RetryPolicy == nil {
		if _, err := retry.FromConfig(c.Retry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
