package config

import (
	"fmt"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// flagKeys maps command line flags to configuration keys.
var flagKeys = map[string]string{
	"backend":        "backend",
	"consul-address": "consul.address",
	"consul-token":   "consul.token",
	"redis-url":      "redis.url",
	"redis-prefix":   "redis.prefix",
	"session-ttl":    "session.ttl",
	"log-level":      "log.level",
	"log-format":     "log.format",
	"metrics-addr":   "metrics.addr",
}

// RegisterFlags adds the configuration flags to flags. Defaults shown in help
// come from DefaultConfig; unset flags never override other sources.
func RegisterFlags(flags *pflag.FlagSet) {
	d := DefaultConfig()
	flags.String("backend", d.Backend, "coordination backend (consul, redis)")
	flags.String("consul-address", d.Consul.Address, "consul agent address")
	flags.String("consul-token", "", "consul ACL token")
	flags.String("redis-url", d.Redis.URL, "redis connection URL")
	flags.String("redis-prefix", d.Redis.Prefix, "redis key prefix")
	flags.Duration("session-ttl", d.Session.TTL, "session TTL")
	flags.String("log-level", d.Log.Level, "log level (debug, info, warn, error)")
	flags.String("log-format", d.Log.Format, "log format (json, text)")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address")
}

func (l *ViperLoader) bindFlags(v *viper.Viper) error {
	if l.flags == nil {
		return nil
	}
	for name, key := range flagKeys {
		flag := l.flags.Lookup(name)
		if flag == nil || !flag.Changed {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("bind flag --%s: %w", name, err)
		}
	}
	return nil
}
