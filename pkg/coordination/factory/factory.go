// Package factory builds the coordination backend selected by configuration.
package factory

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nimburion/coordination/pkg/config"
	"github.com/nimburion/coordination/pkg/consul"
	"github.com/nimburion/coordination/pkg/coordination"
	"github.com/nimburion/coordination/pkg/observability/logger"
	"github.com/nimburion/coordination/pkg/rediscoord"
)

// Options carries collaborators that cannot come from configuration.
type Options struct {
	Logger            logger.Logger
	MetricsRegisterer prometheus.Registerer
	// HTTPClient is used by the consul backend only.
	HTTPClient *http.Client
}

// New selects and builds the backend named by cfg.Backend. The handle is not
// started.
func New(cfg *config.Config, opts Options) (coordination.Handle, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case config.BackendConsul:
		return consul.New(ConsulConfig(cfg, opts))
	case config.BackendRedis:
		return rediscoord.New(RedisConfig(cfg, opts))
	default:
		return nil, fmt.Errorf("unsupported backend %q (supported: consul, redis)", cfg.Backend)
	}
}

// ConsulConfig maps cfg onto the consul client configuration.
func ConsulConfig(cfg *config.Config, opts Options) consul.Config {
	return consul.Config{
		Address:         cfg.Consul.Address,
		Token:           cfg.Consul.Token,
		SessionName:     cfg.Consul.SessionName,
		TTL:             consul.FormatSeconds(cfg.Session.TTL),
		LockDelay:       cfg.Consul.LockDelay,
		Checks:          cfg.Consul.Checks,
		MaxCloseSession: cfg.Session.MaxCloseSession,
		RequestTimeout:  cfg.Session.RequestTimeout,
		Retry:           cfg.Retry,
		Cache: consul.CacheConfig{
			BlockingWait: cfg.Cache.BlockingWait,
			MaxRead:      cfg.Cache.MaxRead,
			BackoffBase:  cfg.Cache.BackoffBase,
			BackoffMax:   cfg.Cache.BackoffMax,
			RateLimit:    cfg.Cache.RateLimit,
			RateBurst:    cfg.Cache.RateBurst,
		},
		HTTPClient:        opts.HTTPClient,
		Logger:            opts.Logger,
		MetricsRegisterer: opts.MetricsRegisterer,
	}
}

// RedisConfig maps cfg onto the redis client configuration.
func RedisConfig(cfg *config.Config, opts Options) rediscoord.Config {
	return rediscoord.Config{
		URL:              cfg.Redis.URL,
		Prefix:           cfg.Redis.Prefix,
		OperationTimeout: cfg.Session.RequestTimeout,
		SessionTTL:       cfg.Session.TTL,
		MaxCloseSession:  cfg.Session.MaxCloseSession,
		LockPollBase:     cfg.Redis.LockPollBase,
		LockPollMax:      cfg.Redis.LockPollMax,
		Cache: rediscoord.CacheConfig{
			PollInterval: cfg.Cache.PollInterval,
			BackoffBase:  cfg.Cache.BackoffBase,
			BackoffMax:   cfg.Cache.BackoffMax,
			ScanCount:    cfg.Redis.ScanCount,
		},
		Logger:            opts.Logger,
		MetricsRegisterer: opts.MetricsRegisterer,
	}
}
