// Package config loads listener configuration via spf13/viper, honoring the
// slash-delimited key paths this framework's configuration store has always
// used (/apps/<app>/unix_config/..., /routers/router, /router_name).
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// AbsMaxChildren is the absolute safety ceiling on pool size, named for the
// original implementation's ABS_MAX_CHILDREN.
const AbsMaxChildren = 256

// PoolConfig holds the per-application bounds read from
// /apps/<app>/unix_config/* and /apps/<app>/keepalive.
type PoolConfig struct {
	AppName     string
	MaxRequests int
	MinChildren int
	MaxChildren int
	Keepalive   time.Duration
}

// Validate enforces the configuration-error taxonomy: missing app name,
// min > max, or max > the absolute ceiling are all fatal before the
// dispatch loop starts.
func (p PoolConfig) Validate() error {
	if p.AppName == "" {
		return fmt.Errorf("config: app name is required")
	}
	if p.MinChildren > p.MaxChildren {
		return fmt.Errorf("config: min_children (%d) > max_children (%d)", p.MinChildren, p.MaxChildren)
	}
	if p.MaxChildren > AbsMaxChildren {
		return fmt.Errorf("config: max_children (%d) exceeds absolute ceiling (%d)", p.MaxChildren, AbsMaxChildren)
	}
	return nil
}

// RouterEntry is one entry of the /routers/router list. A plain-string entry
// in the config file unmarshals to Name=="" Domain=<string>; a structured
// entry carries Name, Domain, and an optional Services gate.
type RouterEntry struct {
	Name     string
	Domain   string
	Services []string
}

// CacheConfig configures the Cache Client's backend and TTL ceiling.
type CacheConfig struct {
	Servers    []string
	MaxSeconds time.Duration
	MaxKeyLen  int
}

// Config is the full set of listener configuration.
type Config struct {
	Pool       PoolConfig
	Routers    []RouterEntry
	RouterName string
	Cache      CacheConfig
	Logging    logConfig
}

type logConfig struct {
	Level        string
	Format       string
	TraceEnabled bool
}

// Load reads configuration for appName from configPath (or the default
// search locations if empty), applying setDefaults' fallback values when
// a key is absent.
func Load(appName, configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("opensrf")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/opensrf")
	}

	v.SetEnvPrefix("OSRF")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read config: %w", err)
		}
	}

	appBase := fmt.Sprintf("apps.%s", appName)
	pool := PoolConfig{
		AppName:     appName,
		MaxRequests: v.GetInt(appBase + ".unix_config.max_requests"),
		MinChildren: v.GetInt(appBase + ".unix_config.min_children"),
		MaxChildren: v.GetInt(appBase + ".unix_config.max_children"),
		Keepalive:   time.Duration(v.GetInt(appBase+".keepalive")) * time.Second,
	}
	if !v.IsSet(appBase + ".unix_config.max_requests") {
		pool.MaxRequests = v.GetInt("defaults.unix_config.max_requests")
	}
	if !v.IsSet(appBase + ".unix_config.min_children") {
		pool.MinChildren = v.GetInt("defaults.unix_config.min_children")
	}
	if !v.IsSet(appBase + ".unix_config.max_children") {
		pool.MaxChildren = v.GetInt("defaults.unix_config.max_children")
	}
	if !v.IsSet(appBase + ".keepalive") {
		pool.Keepalive = time.Duration(v.GetInt("defaults.keepalive")) * time.Second
	}

	routers, err := parseRouters(v.Get("routers.router"))
	if err != nil {
		return nil, fmt.Errorf("config: parse routers: %w", err)
	}

	cfg := &Config{
		Pool:       pool,
		Routers:    routers,
		RouterName: v.GetString("router_name"),
		Cache: CacheConfig{
			Servers:    v.GetStringSlice("cache.servers"),
			MaxSeconds: time.Duration(v.GetInt("cache.max_seconds")) * time.Second,
			MaxKeyLen:  v.GetInt("cache.max_key_len"),
		},
		Logging: logConfig{
			Level:        v.GetString("logging.level"),
			Format:       v.GetString("logging.format"),
			TraceEnabled: v.GetBool("logging.trace_enabled"),
		},
	}

	return cfg, nil
}

// parseRouters handles the original's dual encoding for router entries: a
// plain string names only a domain (combined with the global router_name at
// registration time), while a map carries name/domain/services explicitly.
func parseRouters(raw any) ([]RouterEntry, error) {
	list, ok := raw.([]any)
	if !ok {
		if raw == nil {
			return nil, nil
		}
		return nil, fmt.Errorf("routers.router must be a list, got %T", raw)
	}

	entries := make([]RouterEntry, 0, len(list))
	for _, item := range list {
		switch v := item.(type) {
		case string:
			entries = append(entries, RouterEntry{Domain: v})
		case map[string]any:
			e := RouterEntry{
				Name:   stringField(v, "name"),
				Domain: stringField(v, "domain"),
			}
			if svc, ok := v["services"].([]any); ok {
				for _, s := range svc {
					if str, ok := s.(string); ok {
						e.Services = append(e.Services, str)
					}
				}
			}
			entries = append(entries, e)
		default:
			return nil, fmt.Errorf("routers.router entry has unsupported type %T", item)
		}
	}
	return entries, nil
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("defaults.unix_config.max_requests", 1000)
	v.SetDefault("defaults.unix_config.min_children", 3)
	v.SetDefault("defaults.unix_config.max_children", 10)
	v.SetDefault("defaults.keepalive", 5)

	v.SetDefault("cache.max_seconds", 86400)
	v.SetDefault("cache.max_key_len", 250)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.trace_enabled", true)
}
