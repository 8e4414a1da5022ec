package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/nimburion/coordination/pkg/observability/logger"
	"github.com/nimburion/coordination/pkg/retry"
)

// Validate checks if the configuration is valid and reports every problem.
func (c *Config) Validate() error {
	var errs []error

	switch strings.ToLower(strings.TrimSpace(c.Backend)) {
	case BackendConsul:
		if strings.TrimSpace(c.Consul.Address) == "" {
			errs = append(errs, errors.New("consul.address is required when backend is consul"))
		}
	case BackendRedis:
		if strings.TrimSpace(c.Redis.URL) == "" {
			errs = append(errs, errors.New("redis.url is required when backend is redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported backend %q (supported: consul, redis)", c.Backend))
	}

	if c.Session.TTL <= 0 {
		errs = append(errs, fmt.Errorf("session.ttl must be positive, got %s", c.Session.TTL))
	}
	if c.Session.RequestTimeout < 0 || c.Session.MaxCloseSession < 0 {
		errs = append(errs, errors.New("session timeouts must not be negative"))
	}
	if _, err := retry.FromConfig(c.Retry); err != nil {
		errs = append(errs, fmt.Errorf("retry: %w", err))
	}
	if c.Cache.MaxRead > 0 && c.Cache.BlockingWait > 0 && c.Cache.MaxRead <= c.Cache.BlockingWait {
		errs = append(errs, fmt.Errorf("cache.max_read (%s) must exceed cache.blocking_wait (%s)", c.Cache.MaxRead, c.Cache.BlockingWait))
	}
	if c.Cache.RateLimit < 0 {
		errs = append(errs, errors.New("cache.rate_limit must not be negative"))
	}

	if _, err := logger.ParseLogLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if _, err := logger.ParseLogFormat(c.Log.Format); err != nil {
		errs = append(errs, err)
	}

	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		errs = append(errs, errors.New("tracing.endpoint is required when tracing is enabled"))
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		errs = append(errs, errors.New("tracing.sample_rate must be between 0 and 1"))
	}

	return errors.Join(errs...)
}

// Redacted returns a copy of c with credentials masked.
func (c Config) Redacted() Config {
	if c.Consul.Token != "" {
		c.Consul.Token = "***"
	}
	if u, err := url.Parse(c.Redis.URL); err == nil && u.User != nil {
		c.Redis.URL = u.Redacted()
	}
	c.Consul.Checks = append([]string(nil), c.Consul.Checks...)
	return c
}
