package eventlog

import (
	"context"
	"sync"
)

// Cache holds the latest materialized state per instance for readers. It is
// a projection of the event log and may always be rebuilt from it.
type Cache interface {
	Get(ctx context.Context, instanceID string) (*State, bool, error)
	Put(ctx context.Context, state *State) error
	Invalidate(ctx context.Context, instanceID string) error
}

// MemoryCache is a lock-free in-process Cache.
type MemoryCache struct {
	states sync.Map
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{}
}

func (c *MemoryCache) Get(ctx context.Context, instanceID string) (*State, bool, error) {
	v, ok := c.states.Load(instanceID)
	if !ok {
		return nil, false, nil
	}
	return v.(*State).Clone(), true, nil
}

func (c *MemoryCache) Put(ctx context.Context, state *State) error {
	c.states.Store(state.InstanceID, state.Clone())
	return nil
}

func (c *MemoryCache) Invalidate(ctx context.Context, instanceID string) error {
	c.states.Delete(instanceID)
	return nil
}

// NullCache never holds anything; every read folds from the store.
type NullCache struct{}

func (NullCache) Get(ctx context.Context, instanceID string) (*State, bool, error) {
	return nil, false, nil
}

func (NullCache) Put(ctx context.Context, state *State) error { return nil }

func (NullCache) Invalidate(ctx context.Context, instanceID string) error { return nil }
