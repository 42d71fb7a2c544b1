package config

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/deepnoodle-ai/agentflow"
	"github.com/deepnoodle-ai/agentflow/eventlog"
	"github.com/deepnoodle-ai/agentflow/quota"
	"github.com/stretchr/testify/require"
)

const engineConfigYAML = `
log:
  level: debug
  format: json
concurrency: 4
router:
  config: ../router/testdata/routing.yaml
  workflows:
    review: legal-review
  default_workflow: legal-review
store:
  driver: file
  path: /var/lib/agentflow/events
  snapshot_every: 10
cache:
  driver: redis
  addr: localhost:6379
  ttl: 30m
quota:
  services:
    openai:
      - window: 1m
        max_calls: 60
      - window: 24h
        max_calls: 10000
`

const legalReviewYAML = `
name: legal-review
nodes:
  - name: review
    agent: reviewer
    store: review
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeFile(t, t.TempDir(), "agentflow.yaml", engineConfigYAML)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, "json", cfg.Log.Format)
	require.Equal(t, 4, cfg.Concurrency)
	require.Equal(t, map[string]string{"review": "legal-review"}, cfg.Router.Workflows)
	require.Equal(t, "legal-review", cfg.Router.DefaultWorkflow)
	require.Equal(t, StoreFile, cfg.Store.Driver)
	require.Equal(t, 10, cfg.Store.SnapshotEvery)
	require.Equal(t, CacheRedis, cfg.Cache.Driver)
	require.Equal(t, 30*time.Minute, cfg.Cache.TTL)

	windows := cfg.Quota.Services["openai"]
	require.Len(t, windows, 2)
	require.Equal(t, time.Minute, windows[0].Duration)
	require.Equal(t, 60, windows[0].MaxCalls)
	require.Equal(t, 24*time.Hour, windows[1].Duration)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "info", cfg.Log.Level)
	require.Equal(t, "text", cfg.Log.Format)
	require.Equal(t, 8, cfg.Concurrency)
	require.Equal(t, StoreMemory, cfg.Store.Driver)
	require.Equal(t, eventlog.DefaultSnapshotEvery, cfg.Store.SnapshotEvery)
	require.Equal(t, CacheMemory, cfg.Cache.Driver)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	path := writeFile(t, t.TempDir(), "agentflow.yaml", engineConfigYAML)
	t.Setenv("AGENTFLOW_CONCURRENCY", "2")
	t.Setenv("AGENTFLOW_STORE_DRIVER", "sqlite")
	t.Setenv("AGENTFLOW_STORE_DSN", "/tmp/agentflow.db")
	t.Setenv("AGENTFLOW_CACHE_ADDR", "redis:6380")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 2, cfg.Concurrency)
	require.Equal(t, StoreSQLite, cfg.Store.Driver)
	require.Equal(t, "/tmp/agentflow.db", cfg.Store.DSN)
	require.Equal(t, "redis:6380", cfg.Cache.Addr)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{Concurrency: 1}
		cfg.Log.Format = "text"
		cfg.Store.Driver = StoreMemory
		cfg.Cache.Driver = CacheMemory
		return cfg
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"concurrency", func(c *Config) { c.Concurrency = 0 }, "concurrency must be positive"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, `unknown log format "xml"`},
		{"store driver", func(c *Config) { c.Store.Driver = "mongo" }, `unknown store driver "mongo"`},
		{"file path", func(c *Config) { c.Store.Driver = StoreFile }, "store.path is required"},
		{"postgres dsn", func(c *Config) { c.Store.Driver = StorePostgres }, "store.dsn is required for the postgres store"},
		{"cache driver", func(c *Config) { c.Cache.Driver = "memcached" }, `unknown cache driver "memcached"`},
		{"redis addr", func(c *Config) { c.Cache.Driver = CacheRedis }, "cache.addr is required"},
		{"quota windows", func(c *Config) { c.Quota.Services = quota.Limits{"search": nil} }, `quota service "search" has no windows`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			require.ErrorContains(t, cfg.Validate(), tt.wantErr)
		})
	}
}

func TestOpenStores(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	tests := []struct {
		name  string
		store StoreConfig
	}{
		{"memory", StoreConfig{Driver: StoreMemory}},
		{"file", StoreConfig{Driver: StoreFile, Path: filepath.Join(dir, "events")}},
		{"sqlite", StoreConfig{Driver: StoreSQLite, DSN: filepath.Join(dir, "events.db")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Store: tt.store}
			store, closeStore, err := cfg.OpenStore(ctx)
			require.NoError(t, err)
			defer closeStore()

			e := eventlog.MustEvent(eventlog.EventInstanceStarted, eventlog.InstanceStarted{
				Definition: "legal-review",
				Version:    1,
				Entry:      "review",
			})
			e.ID = eventlog.NewEventID()
			e.InstanceID = "instance_" + tt.name
			e.Seq = 1
			e.Timestamp = time.Now()
			require.NoError(t, store.Append(ctx, e))

			events, err := store.Load(ctx, e.InstanceID, 0)
			require.NoError(t, err)
			require.Len(t, events, 1)
		})
	}
}

func TestOpenRedisCache(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	cfg := &Config{Cache: CacheConfig{Driver: CacheRedis, Addr: mr.Addr(), Prefix: "test:", TTL: time.Minute}}
	cache, closeCache, err := cfg.OpenCache(context.Background())
	require.NoError(t, err)
	defer closeCache()

	ctx := context.Background()
	state := &eventlog.State{InstanceID: "instance_1", Status: eventlog.StatusRunning, Seq: 3}
	require.NoError(t, cache.Put(ctx, state))
	require.True(t, mr.Exists("test:instance_1"))

	cached, ok, err := cache.Get(ctx, "instance_1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(3), cached.Seq)

	cfg.Cache.Addr = "127.0.0.1:1"
	_, _, err = cfg.OpenCache(ctx)
	require.Error(t, err)
}

func TestBuildRunsTasks(t *testing.T) {
	dir := t.TempDir()
	definitions := filepath.Join(dir, "definitions")
	require.NoError(t, os.MkdirAll(definitions, 0o755))
	writeFile(t, definitions, "legal-review.yaml", legalReviewYAML)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	cfg, err := Load(writeFile(t, dir, "agentflow.yaml", engineConfigYAML))
	require.NoError(t, err)
	cfg.Definitions = definitions
	cfg.Store.Driver = StoreSQLite
	cfg.Store.DSN = filepath.Join(dir, "events.db")
	cfg.Cache.Addr = mr.Addr()

	reviewer := agentflow.NewAgentFunction("reviewer", func(ctx context.Context, input agentflow.Payload) (agentflow.Payload, error) {
		return agentflow.Payload{"verdict": "approve", "task": input["task"]}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rt, err := Build(ctx, cfg, io.Discard, []agentflow.Agent{reviewer})
	require.NoError(t, err)
	defer rt.Close()

	h, routing, err := rt.Engine.Accept(ctx, agentflow.Task{Text: "Please review the contract clause"})
	require.NoError(t, err)
	require.Equal(t, "review", routing.Profile.Intent)

	state, err := rt.Executor.Await(ctx, h)
	require.NoError(t, err)
	require.Equal(t, eventlog.StatusCompleted, state.Status)
	review := state.Payload["review"].(map[string]any)
	require.Equal(t, "approve", review["verdict"])
	require.Equal(t, "Please review the contract clause", review["task"])

	history, err := rt.Manager.History(ctx, h.ID)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	require.Equal(t, []string{"openai"}, rt.Governor.Services())
}
