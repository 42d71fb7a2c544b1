package eventlog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/deepnoodle-ai/agentflow/metrics"
)

// ErrInstanceNotFound is returned for instance ids without events.
var ErrInstanceNotFound = errors.New("eventlog: instance not found")

// DefaultSnapshotEvery is the snapshot interval used when none is configured.
const DefaultSnapshotEvery = 50

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Store Store
	// Cache defaults to a MemoryCache.
	Cache Cache
	// SnapshotEvery saves a snapshot each time an instance's sequence number
	// reaches a multiple of it. Negative disables snapshots.
	SnapshotEvery int
	Logger        *slog.Logger
	Now           func() time.Time
}

// Manager is the single write path for instance state. Appends go to the
// durable store first and then through to the cache; reads are served from
// the cache, falling back to the latest snapshot plus the events after it.
type Manager struct {
	store         Store
	cache         Cache
	snapshotEvery int
	logger        *slog.Logger
	now           func() time.Time
	locks         sync.Map
}

func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("eventlog: store is required")
	}
	if opts.Cache == nil {
		opts.Cache = NewMemoryCache()
	}
	if opts.SnapshotEvery == 0 {
		opts.SnapshotEvery = DefaultSnapshotEvery
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		store:         opts.Store,
		cache:         opts.Cache,
		snapshotEvery: opts.SnapshotEvery,
		logger:        opts.Logger,
		now:           opts.Now,
	}, nil
}

// lock serializes writers and cache fills of one instance. Instances never
// share a lock.
func (m *Manager) lock(instanceID string) func() {
	v, _ := m.locks.LoadOrStore(instanceID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// release drops the lock of a sealed instance. A sealed instance never
// changes again, so later readers may safely use a fresh lock.
func (m *Manager) release(state *State) {
	if state.Status.Terminal() {
		m.locks.Delete(state.InstanceID)
	}
}

// Append assigns the next sequence number to e, writes it durably and
// updates the cache. It returns the event id. A failed durable write returns
// a *PersistenceError and leaves both the log and the cache unchanged.
func (m *Manager) Append(ctx context.Context, instanceID string, e Event) (string, error) {
	unlock := m.lock(instanceID)
	defer unlock()

	next, committed, err := m.append(ctx, instanceID, e, false)
	if errors.Is(err, ErrSequenceConflict) {
		// Another writer or a stale projection; rebuild from the log once.
		m.logger.Warn("event sequence conflict, reconstructing",
			"instance_id", instanceID,
			"error", err)
		m.invalidate(ctx, instanceID)
		next, committed, err = m.append(ctx, instanceID, e, true)
		if errors.Is(err, ErrSequenceConflict) {
			metrics.PersistenceErrors.Inc()
			err = &PersistenceError{InstanceID: instanceID, Seq: committed.Seq, Err: err}
		}
	}
	if err != nil {
		if errors.Is(err, ErrInstanceSealed) {
			m.locks.Delete(instanceID)
		}
		return "", err
	}
	metrics.EventsAppended.WithLabelValues(string(committed.Type)).Inc()

	if err := m.cache.Put(ctx, next); err != nil {
		m.logger.Error("failed to update state cache",
			"instance_id", instanceID,
			"seq", next.Seq,
			"error", err)
		m.invalidate(ctx, instanceID)
	}
	if m.snapshotEvery > 0 && next.Seq%int64(m.snapshotEvery) == 0 {
		m.snapshot(ctx, next)
	}
	m.release(next)
	return committed.ID, nil
}

func (m *Manager) append(ctx context.Context, instanceID string, e Event, replay bool) (*State, Event, error) {
	var current *State
	var err error
	if replay {
		current, err = m.replay(ctx, instanceID)
	} else {
		current, err = m.load(ctx, instanceID)
	}
	if err != nil {
		return nil, e, err
	}

	e.InstanceID = instanceID
	e.Seq = current.Seq + 1
	if e.ID == "" {
		e.ID = NewEventID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = m.now().UTC()
	}
	if e.Payload, err = toMap(e.Payload); err != nil {
		return nil, e, fmt.Errorf("encode %s payload: %w", e.Type, err)
	}
	next, err := Fold(current, []Event{e})
	if err != nil {
		return nil, e, err
	}

	if err := m.store.Append(ctx, e); err != nil {
		if errors.Is(err, ErrSequenceConflict) {
			return nil, e, err
		}
		metrics.PersistenceErrors.Inc()
		return nil, e, &PersistenceError{InstanceID: instanceID, Seq: e.Seq, Err: err}
	}
	return next, e, nil
}

// GetState returns the materialized state of an instance. A cache miss is
// folded from the store without blocking writers; the result is brought up
// to date and cached under the instance lock so it never replaces a newer
// state written meanwhile.
func (m *Manager) GetState(ctx context.Context, instanceID string) (*State, error) {
	if state, ok := m.cached(ctx, instanceID); ok {
		return state, nil
	}
	state, err := m.rebuild(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if state.Seq == 0 {
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
	}

	unlock := m.lock(instanceID)
	state, err = m.fill(ctx, state)
	unlock()
	if err != nil {
		return nil, err
	}
	m.release(state)
	return state, nil
}

// Reconstruct replays the full log from the first event, bypassing the cache
// and snapshots, and refreshes the cache with the result.
func (m *Manager) Reconstruct(ctx context.Context, instanceID string) (*State, error) {
	unlock := m.lock(instanceID)
	defer unlock()

	state, err := m.replay(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if state.Seq == 0 {
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
	}
	if err := m.cache.Put(ctx, state); err != nil {
		m.logger.Error("failed to refresh state cache",
			"instance_id", instanceID,
			"error", err)
	}
	m.release(state)
	return state, nil
}

// History returns every event of an instance in sequence order.
func (m *Manager) History(ctx context.Context, instanceID string) ([]Event, error) {
	return m.store.Load(ctx, instanceID, 0)
}

// Instances lists all known instance ids.
func (m *Manager) Instances(ctx context.Context) ([]string, error) {
	return m.store.Instances(ctx)
}

// load serves from the cache, falling back to snapshot plus tail fold. An
// unknown instance yields an empty state at seq 0. Callers hold the instance
// lock.
func (m *Manager) load(ctx context.Context, instanceID string) (*State, error) {
	if state, ok := m.cached(ctx, instanceID); ok {
		return state, nil
	}
	state, err := m.rebuild(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if state.Seq > 0 {
		m.put(ctx, state)
	}
	return state, nil
}

func (m *Manager) cached(ctx context.Context, instanceID string) (*State, bool) {
	cached, ok, err := m.cache.Get(ctx, instanceID)
	if err != nil {
		m.logger.Warn("state cache read failed",
			"instance_id", instanceID,
			"error", err)
	} else if ok && cached.InstanceID == instanceID {
		metrics.CacheRequests.WithLabelValues("hit").Inc()
		return cached, true
	}
	metrics.CacheRequests.WithLabelValues("miss").Inc()
	return nil, false
}

// fill folds the events appended after state and caches the result.
// Callers hold the instance lock.
func (m *Manager) fill(ctx context.Context, state *State) (*State, error) {
	tail, err := m.store.Load(ctx, state.InstanceID, state.Seq)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	if len(tail) > 0 {
		if state, err = Fold(state, tail); err != nil {
			return nil, err
		}
	}
	m.put(ctx, state)
	return state, nil
}

func (m *Manager) put(ctx context.Context, state *State) {
	if err := m.cache.Put(ctx, state); err != nil {
		m.logger.Warn("failed to fill state cache",
			"instance_id", state.InstanceID,
			"error", err)
	}
}

// rebuild folds the latest snapshot and the events after it.
func (m *Manager) rebuild(ctx context.Context, instanceID string) (*State, error) {
	var base *State
	var after int64
	snap, err := m.store.LoadSnapshot(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if snap != nil && snap.State != nil {
		base, after = snap.State, snap.Seq
	}
	events, err := m.store.Load(ctx, instanceID, after)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	return Fold(base, events)
}

func (m *Manager) replay(ctx context.Context, instanceID string) (*State, error) {
	events, err := m.store.Load(ctx, instanceID, 0)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	return Fold(nil, events)
}

func (m *Manager) snapshot(ctx context.Context, state *State) {
	snap := &Snapshot{
		InstanceID: state.InstanceID,
		Seq:        state.Seq,
		State:      state.Clone(),
		CreatedAt:  m.now().UTC(),
	}
	if err := m.store.SaveSnapshot(ctx, snap); err != nil {
		m.logger.Warn("failed to save snapshot",
			"instance_id", state.InstanceID,
			"seq", state.Seq,
			"error", err)
		return
	}
	metrics.SnapshotsTaken.Inc()
}

func (m *Manager) invalidate(ctx context.Context, instanceID string) {
	if err := m.cache.Invalidate(ctx, instanceID); err != nil {
		m.logger.Warn("failed to invalidate state cache",
			"instance_id", instanceID,
			"error", err)
	}
}
