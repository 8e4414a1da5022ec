package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// DefaultEnvPrefix prefixes environment variables when no prefix is given.
const DefaultEnvPrefix = "COORD"

// Loader defines the interface for loading configuration
type Loader interface {
	Load() (*Config, error)
}

// ViperLoader implements Loader using Viper for configuration management
type ViperLoader struct {
	configFile string
	envPrefix  string
	flags      *pflag.FlagSet
}

// NewViperLoader creates a new ViperLoader
// configFile: path to configuration file (optional, can be empty)
// envPrefix: prefix for environment variables (e.g., "COORD")
func NewViperLoader(configFile, envPrefix string) *ViperLoader {
	return &ViperLoader{
		configFile: configFile,
		envPrefix:  envPrefix,
	}
}

// WithFlags binds the flags registered by RegisterFlags. Flags set on the
// command line override every other source.
func (l *ViperLoader) WithFlags(flags *pflag.FlagSet) *ViperLoader {
	l.flags = flags
	return l
}

// ConfigFile returns the configured file path, or "" when none was given.
func (l *ViperLoader) ConfigFile() string {
	return l.configFile
}

// Load loads configuration with precedence: flags > ENV > secrets file > file > defaults
func (l *ViperLoader) Load() (*Config, error) {
	v := viper.New()
	l.setDefaults(v, DefaultConfig())

	if l.configFile != "" {
		v.SetConfigFile(l.configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", l.configFile, err)
		}
	}

	secretsFile, err := l.discoverSecretsFile()
	if err != nil {
		return nil, err
	}
	if secretsFile != "" {
		secrets := viper.New()
		secrets.SetConfigFile(secretsFile)
		if err := secrets.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read secrets file %s: %w", secretsFile, err)
		}
		if err := v.MergeConfigMap(secrets.AllSettings()); err != nil {
			return nil, fmt.Errorf("failed to merge secrets: %w", err)
		}
	}

	l.bindEnvVars(v)
	if err := l.bindFlags(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// envKeys lists every key that can be set from the environment. The variable
// name is the key upper-cased with dots replaced by underscores.
var envKeys = []string{
	"backend",

	"consul.address",
	"consul.token",
	"consul.session_name",
	"consul.lock_delay",
	"consul.checks",

	"redis.url",
	"redis.prefix",
	"redis.lock_poll_base",
	"redis.lock_poll_max",
	"redis.scan_count",

	"session.ttl",
	"session.request_timeout",
	"session.max_close_session",

	"retry.kind",
	"retry.delay",
	"retry.base_delay",
	"retry.max_delay",
	"retry.max_attempts",

	"cache.blocking_wait",
	"cache.max_read",
	"cache.poll_interval",
	"cache.backoff_base",
	"cache.backoff_max",
	"cache.rate_limit",
	"cache.rate_burst",

	"log.level",
	"log.format",

	"metrics.addr",

	"tracing.enabled",
	"tracing.service_name",
	"tracing.service_version",
	"tracing.environment",
	"tracing.endpoint",
	"tracing.sample_rate",
}

// bindEnvVars explicitly binds environment variables for nested structs
func (l *ViperLoader) bindEnvVars(v *viper.Viper) {
	for _, key := range envKeys {
		_ = v.BindEnv(key, l.prefixedEnv(strings.ToUpper(strings.ReplaceAll(key, ".", "_"))))
	}
	// CONSUL_HTTP_ADDR and CONSUL_HTTP_TOKEN are honoured as fallbacks.
	_ = v.BindEnv("consul.address", l.prefixedEnv("CONSUL_ADDRESS"), "CONSUL_HTTP_ADDR")
	_ = v.BindEnv("consul.token", l.prefixedEnv("CONSUL_TOKEN"), "CONSUL_HTTP_TOKEN")
}

func (l *ViperLoader) prefixedEnv(suffix string) string {
	prefix := strings.TrimSpace(l.envPrefix)
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}
	return fmt.Sprintf("%s_%s", strings.ToUpper(prefix), suffix)
}

func (l *ViperLoader) setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("backend", cfg.Backend)

	v.SetDefault("consul.address", cfg.Consul.Address)
	v.SetDefault("consul.token", cfg.Consul.Token)
	v.SetDefault("consul.session_name", cfg.Consul.SessionName)
	v.SetDefault("consul.lock_delay", cfg.Consul.LockDelay)
	v.SetDefault("consul.checks", cfg.Consul.Checks)

	v.SetDefault("redis.url", cfg.Redis.URL)
	v.SetDefault("redis.prefix", cfg.Redis.Prefix)
	v.SetDefault("redis.lock_poll_base", cfg.Redis.LockPollBase)
	v.SetDefault("redis.lock_poll_max", cfg.Redis.LockPollMax)
	v.SetDefault("redis.scan_count", cfg.Redis.ScanCount)

	v.SetDefault("session.ttl", cfg.Session.TTL)
	v.SetDefault("session.request_timeout", cfg.Session.RequestTimeout)
	v.SetDefault("session.max_close_session", cfg.Session.MaxCloseSession)

	v.SetDefault("retry.kind", cfg.Retry.Kind)
	v.SetDefault("retry.delay", cfg.Retry.Delay)
	v.SetDefault("retry.base_delay", cfg.Retry.BaseDelay)
	v.SetDefault("retry.max_delay", cfg.Retry.MaxDelay)
	v.SetDefault("retry.max_attempts", cfg.Retry.MaxAttempts)

	v.SetDefault("cache.blocking_wait", cfg.Cache.BlockingWait)
	v.SetDefault("cache.max_read", cfg.Cache.MaxRead)
	v.SetDefault("cache.poll_interval", cfg.Cache.PollInterval)
	v.SetDefault("cache.backoff_base", cfg.Cache.BackoffBase)
	v.SetDefault("cache.backoff_max", cfg.Cache.BackoffMax)
	v.SetDefault("cache.rate_limit", cfg.Cache.RateLimit)
	v.SetDefault("cache.rate_burst", cfg.Cache.RateBurst)

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)

	v.SetDefault("metrics.addr", cfg.Metrics.Addr)

	v.SetDefault("tracing.enabled", cfg.Tracing.Enabled)
	v.SetDefault("tracing.service_name", cfg.Tracing.ServiceName)
	v.SetDefault("tracing.service_version", cfg.Tracing.ServiceVersion)
	v.SetDefault("tracing.environment", cfg.Tracing.Environment)
	v.SetDefault("tracing.endpoint", cfg.Tracing.Endpoint)
	v.SetDefault("tracing.sample_rate", cfg.Tracing.SampleRate)
}

// discoverSecretsFile finds the secrets file using these rules:
// 1. Check <ENV_PREFIX>_SECRETS_FILE (default COORD_SECRETS_FILE)
// 2. If configFile is set, look for secrets.{ext} in same directory
func (l *ViperLoader) discoverSecretsFile() (string, error) {
	secretsEnv := l.prefixedEnv("SECRETS_FILE")
	if raw, ok := os.LookupEnv(secretsEnv); ok {
		secretsFile := strings.TrimSpace(raw)
		if secretsFile == "" {
			return "", fmt.Errorf("%s is set but empty", secretsEnv)
		}
		info, err := os.Stat(secretsFile)
		if err != nil {
			return "", fmt.Errorf("%s points to an inaccessible file %s: %w", secretsEnv, secretsFile, err)
		}
		if info.IsDir() {
			return "", fmt.Errorf("%s must point to a file, got directory %s", secretsEnv, secretsFile)
		}
		return secretsFile, nil
	}

	if l.configFile != "" {
		secretsFile := filepath.Join(filepath.Dir(l.configFile), "secrets"+filepath.Ext(l.configFile))
		if info, err := os.Stat(secretsFile); err == nil && !info.IsDir() {
			return secretsFile, nil
		}
	}
	return "", nil
}
