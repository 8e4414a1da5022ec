package rediscoord

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/nimburion/coordination/pkg/observability/logger"
)

const (
	defaultPrefix           = "coordination"
	defaultOperationTimeout = 3 * time.Second
)

// Config configures a Client.
type Config struct {
	URL              string        `mapstructure:"url"`
	Prefix           string        `mapstructure:"prefix"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
	SessionTTL       time.Duration `mapstructure:"session_ttl"`
	MaxCloseSession  time.Duration `mapstructure:"max_close_session"`

	// LockPollBase and LockPollMax bound the wait between acquire attempts on
	// a contested lock.
	LockPollBase time.Duration `mapstructure:"lock_poll_base"`
	LockPollMax  time.Duration `mapstructure:"lock_poll_max"`

	Cache CacheConfig `mapstructure:"cache"`

	// Client replaces the connection built from URL. The caller keeps ownership.
	Client            redis.UniversalClient `mapstructure:"-"`
	Logger            logger.Logger         `mapstructure:"-"`
	MetricsRegisterer prometheus.Registerer `mapstructure:"-"`
}

// CacheConfig tunes the polling cache.
type CacheConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BackoffBase  time.Duration `mapstructure:"backoff_base"`
	BackoffMax   time.Duration `mapstructure:"backoff_max"`
	ScanCount    int64         `mapstructure:"scan_count"`
}

func (c *Config) normalize() {
	if strings.TrimSpace(c.Prefix) == "" {
		c.Prefix = defaultPrefix
	}
	c.Prefix = strings.TrimRight(c.Prefix, ":")
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultOperationTimeout
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 30 * time.Second
	}
	if c.MaxCloseSession <= 0 {
		c.MaxCloseSession = 5 * time.Second
	}
	if c.LockPollBase <= 0 {
		c.LockPollBase = 25 * time.Millisecond
	}
	if c.LockPollMax <= 0 {
		c.LockPollMax = time.Second
	}
	if c.Cache.PollInterval <= 0 {
		c.Cache.PollInterval = time.Second
	}
	if c.Cache.BackoffBase <= 0 {
		c.Cache.BackoffBase = 100 * time.Millisecond
	}
	if c.Cache.BackoffMax <= 0 {
		c.Cache.BackoffMax = 30 * time.Second
	}
	if c.Cache.ScanCount <= 0 {
		c.Cache.ScanCount = 100
	}
	c.Logger = logger.OrNop(c.Logger)
}

// Validate reports every problem in c, joined.
func (c Config) Validate() error {
	var errs []error
	if c.Client == nil && strings.TrimSpace(c.URL) == "" {
		errs = append(errs, errors.New("redis url is required"))
	}
	if c.Client == nil && c.URL != "" {
		if _, err := redis.ParseURL(c.URL); err != nil {
			errs = append(errs, fmt.Errorf("parse redis url: %w", err))
		}
	}
	if c.SessionTTL > 0 && c.SessionTTL < time.Second {
		errs = append(errs, fmt.Errorf("session ttl must be at least 1s, got %s", c.SessionTTL))
	}
	if c.LockPollMax > 0 && c.LockPollBase > c.LockPollMax {
		errs = append(errs, errors.New("lock poll base must not exceed lock poll max"))
	}
	return errors.Join(errs...)
}

// keys builds the Redis key layout under one prefix.
type keys struct {
	prefix string
}

func (k keys) kv(key string) string          { return k.prefix + ":kv:" + key }
func (k keys) kvPrefix() string              { return k.prefix + ":kv:" }
func (k keys) index() string                 { return k.prefix + ":index" }
func (k keys) session(id string) string      { return k.prefix + ":session:" + id }
func (k keys) sessionLocks(id string) string { return k.prefix + ":session:" + id + ":locks" }
func (k keys) lock(key string) string        { return k.prefix + ":lock:" + key }

// subtreePattern matches key and everything beneath it. Glob metacharacters in
// key are escaped.
func (k keys) subtreePattern(key string) string {
	if key == "" {
		return k.kvPrefix() + "*"
	}
	return k.kvPrefix() + escapeGlob(key) + "*"
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
