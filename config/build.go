package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/deepnoodle-ai/agentflow"
	"github.com/deepnoodle-ai/agentflow/eventlog"
	"github.com/deepnoodle-ai/agentflow/eventlog/sqlstore"
	"github.com/deepnoodle-ai/agentflow/quota"
	"github.com/deepnoodle-ai/agentflow/router"
	"github.com/redis/go-redis/v9"
)

// Runtime holds the components built from a Config.
type Runtime struct {
	Logger   *slog.Logger
	Manager  *eventlog.Manager
	Governor *quota.Governor
	Router   *router.Router
	Registry *agentflow.Registry
	Executor *agentflow.Executor
	Engine   *agentflow.Engine

	closers []func() error
}

// NewLogger returns the logger described by the log settings.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level := agentflow.ParseLevel(c.Log.Level)
	if c.Log.Format == "json" {
		return agentflow.NewJSONLogger(w, level)
	}
	return agentflow.NewLogger(w, level)
}

// OpenStore opens the configured event store. The returned function
// releases it.
func (c *Config) OpenStore(ctx context.Context) (eventlog.Store, func() error, error) {
	noop := func() error { return nil }
	switch c.Store.Driver {
	case StoreMemory:
		return eventlog.NewMemoryStore(), noop, nil
	case StoreFile:
		store, err := eventlog.NewFileStore(c.Store.Path)
		if err != nil {
			return nil, nil, err
		}
		return store, noop, nil
	case StoreSQLite, StorePostgres:
		driver := sqlstore.DriverSQLite
		if c.Store.Driver == StorePostgres {
			driver = sqlstore.DriverPostgres
		}
		store, err := sqlstore.Open(ctx, driver, c.Store.DSN)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", c.Store.Driver)
}

// OpenCache opens the configured state cache. The returned function
// releases it.
func (c *Config) OpenCache(ctx context.Context) (eventlog.Cache, func() error, error) {
	noop := func() error { return nil }
	switch c.Cache.Driver {
	case CacheMemory:
		return eventlog.NewMemoryCache(), noop, nil
	case CacheNone:
		return eventlog.NullCache{}, noop, nil
	case CacheRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     c.Cache.Addr,
			Password: c.Cache.Password,
			DB:       c.Cache.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		cache := eventlog.NewRedisCache(client, eventlog.RedisCacheOptions{
			Prefix: c.Cache.Prefix,
			TTL:    c.Cache.TTL,
		})
		return cache, client.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown cache driver %q", c.Cache.Driver)
}

// Build constructs every component. Definitions are loaded from the
// definitions directory and, when watching, reloaded until ctx is done.
func Build(ctx context.Context, cfg *Config, logOutput io.Writer, agents []agentflow.Agent) (*Runtime, error) {
	rt := &Runtime{Logger: cfg.NewLogger(logOutput)}
	if err := rt.build(ctx, cfg, agents); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *Runtime) build(ctx context.Context, cfg *Config, agents []agentflow.Agent) error {
	store, closeStore, err := cfg.OpenStore(ctx)
	if err != nil {
		return err
	}
	rt.closers = append(rt.closers, closeStore)

	cache, closeCache, err := cfg.OpenCache(ctx)
	if err != nil {
		return err
	}
	rt.closers = append(rt.closers, closeCache)

	rt.Manager, err = eventlog.NewManager(eventlog.ManagerOptions{
		Store:         store,
		Cache:         cache,
		SnapshotEvery: cfg.Store.SnapshotEvery,
		Logger:        rt.Logger,
	})
	if err != nil {
		return err
	}

	rt.Governor, err = quota.New(quota.Options{
		Limits: cfg.Quota.Services,
		Logger: rt.Logger,
	})
	if err != nil {
		return err
	}

	var routing *router.Config
	if cfg.Router.Config != "" {
		if routing, err = router.LoadConfig(cfg.Router.Config); err != nil {
			return err
		}
	}
	rt.Router, err = router.New(router.Options{Config: routing, Logger: rt.Logger})
	if err != nil {
		return err
	}

	rt.Registry = agentflow.NewRegistry(rt.Logger)
	if cfg.Definitions != "" {
		if err := rt.Registry.LoadDir(cfg.Definitions); err != nil {
			return err
		}
		if cfg.Watch {
			if err := rt.Registry.Watch(ctx, cfg.Definitions); err != nil {
				return err
			}
		}
	}

	rt.Executor, err = agentflow.NewExecutor(agentflow.ExecutorOptions{
		Agents:      agents,
		Manager:     rt.Manager,
		Governor:    rt.Governor,
		Logger:      rt.Logger,
		Concurrency: cfg.Concurrency,
	})
	if err != nil {
		return err
	}
	rt.closers = append(rt.closers, rt.Executor.Close)

	rt.Engine, err = agentflow.NewEngine(agentflow.EngineOptions{
		Router:          rt.Router,
		Executor:        rt.Executor,
		Registry:        rt.Registry,
		Workflows:       cfg.Router.Workflows,
		DefaultWorkflow: cfg.Router.DefaultWorkflow,
		Logger:          rt.Logger,
	})
	return err
}

// Close stops the executor and releases the store and cache, in reverse
// order of construction.
func (rt *Runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
