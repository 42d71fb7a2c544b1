package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache stores materialized states as JSON strings so several engine
// processes can share one read projection.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// RedisCacheOptions configures a RedisCache.
type RedisCacheOptions struct {
	// Prefix is prepended to instance ids. Defaults to "agentflow:state:".
	Prefix string
	// TTL expires idle entries. Zero keeps them forever.
	TTL time.Duration
}

func NewRedisCache(client redis.UniversalClient, opts RedisCacheOptions) *RedisCache {
	if opts.Prefix == "" {
		opts.Prefix = "agentflow:state:"
	}
	return &RedisCache{client: client, prefix: opts.Prefix, ttl: opts.TTL}
}

func (c *RedisCache) key(instanceID string) string {
	return c.prefix + instanceID
}

func (c *RedisCache) Get(ctx context.Context, instanceID string) (*State, bool, error) {
	data, err := c.client.Get(ctx, c.key(instanceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis cache get: %w", err)
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, false, fmt.Errorf("redis cache decode: %w", err)
	}
	return &state, true, nil
}

func (c *RedisCache) Put(ctx context.Context, state *State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("redis cache encode: %w", err)
	}
	if err := c.client.Set(ctx, c.key(state.InstanceID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis cache put: %w", err)
	}
	return nil
}

func (c *RedisCache) Invalidate(ctx context.Context, instanceID string) error {
	if err := c.client.Del(ctx, c.key(instanceID)).Err(); err != nil {
		return fmt.Errorf("redis cache invalidate: %w", err)
	}
	return nil
}
