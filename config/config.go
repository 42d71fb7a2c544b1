// Package config loads engine settings from a YAML file and AGENTFLOW_
// environment variables and builds the components they describe.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/deepnoodle-ai/agentflow/quota"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. AGENTFLOW_STORE_DRIVER.
const EnvPrefix = "AGENTFLOW"

// Store drivers
const (
	StoreMemory   = "memory"
	StoreFile     = "file"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Cache drivers
const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
	CacheNone   = "none"
)

// Config holds the configuration for the engine.
type Config struct {
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"` // text or json
	} `mapstructure:"log"`

	// Concurrency bounds the number of instances executing at once.
	Concurrency int `mapstructure:"concurrency"`

	// Definitions is a directory of workflow definition files.
	Definitions string `mapstructure:"definitions"`
	// Watch reloads definition files as they change.
	Watch bool `mapstructure:"watch"`

	Router struct {
		// Config is the path of the routing configuration file.
		Config string `mapstructure:"config"`
		// Workflows maps a classified intent to a definition name.
		Workflows       map[string]string `mapstructure:"workflows"`
		DefaultWorkflow string            `mapstructure:"default_workflow"`
	} `mapstructure:"router"`

	Store StoreConfig `mapstructure:"store"`
	Cache CacheConfig `mapstructure:"cache"`

	Quota struct {
		Services quota.Limits `mapstructure:"services"`
	} `mapstructure:"quota"`

	Metrics struct {
		// Addr serves /metrics when set, e.g. ":9090".
		Addr string `mapstructure:"addr"`
	} `mapstructure:"metrics"`
}

// StoreConfig selects the durable event log.
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	// Path is the directory of the file store.
	Path string `mapstructure:"path"`
	// DSN is the data source of the sqlite and postgres stores.
	DSN           string `mapstructure:"dsn"`
	SnapshotEvery int    `mapstructure:"snapshot_every"`
}

// CacheConfig selects the state cache.
type CacheConfig struct {
	Driver   string        `mapstructure:"driver"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
	Prefix   string        `mapstructure:"prefix"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("concurrency", 8)
	v.SetDefault("store.driver", StoreMemory)
	v.SetDefault("store.snapshot_every", 50)
	v.SetDefault("cache.driver", CacheMemory)
}

// Load reads the configuration file at path, which may be empty, and
// applies environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only sees keys viper already knows about
	for _, key := range []string{
		"definitions", "watch", "router.config", "router.default_workflow",
		"store.path", "store.dsn", "cache.addr", "cache.password", "cache.db",
		"cache.ttl", "cache.prefix", "metrics.addr",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, err
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for missing or conflicting settings.
func (c *Config) Validate() error {
	var errs []error
	if c.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("concurrency must be positive"))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}
	switch c.Store.Driver {
	case StoreMemory:
	case StoreFile:
		if c.Store.Path == "" {
			errs = append(errs, fmt.Errorf("store.path is required for the file store"))
		}
	case StoreSQLite, StorePostgres:
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for the %s store", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}
	switch c.Cache.Driver {
	case CacheMemory, CacheNone:
	case CacheRedis:
		if c.Cache.Addr == "" {
			errs = append(errs, fmt.Errorf("cache.addr is required for the redis cache"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown cache driver %q", c.Cache.Driver))
	}
	for service, windows := range c.Quota.Services {
		if len(windows) == 0 {
			errs = append(errs, fmt.Errorf("quota service %q has no windows", service))
		}
	}
	return errors.Join(errs...)
}
