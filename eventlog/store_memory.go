package eventlog

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore keeps event logs in process. Used by tests and single-process
// runs that do not need durability.
type MemoryStore struct {
	mu        sync.RWMutex
	events    map[string][]Event
	snapshots map[string]*Snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:    map[string][]Event{},
		snapshots: map[string]*Snapshot{},
	}
}

func (s *MemoryStore) Append(ctx context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.events[e.InstanceID]
	if e.Seq != int64(len(log))+1 {
		return fmt.Errorf("%w: %s has %d events, got seq %d", ErrSequenceConflict, e.InstanceID, len(log), e.Seq)
	}
	e.Payload = cloneMap(e.Payload)
	s.events[e.InstanceID] = append(log, e)
	return nil
}

func (s *MemoryStore) Load(ctx context.Context, instanceID string, afterSeq int64) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.events[instanceID]
	if afterSeq < 0 {
		afterSeq = 0
	}
	if afterSeq >= int64(len(log)) {
		return nil, nil
	}
	out := make([]Event, 0, int64(len(log))-afterSeq)
	for _, e := range log[afterSeq:] {
		e.Payload = cloneMap(e.Payload)
		out = append(out, e)
	}
	return out, nil
}

func (s *MemoryStore) SaveSnapshot(ctx context.Context, snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *snap
	cp.State = snap.State.Clone()
	s.snapshots[snap.InstanceID] = &cp
	return nil
}

func (s *MemoryStore) LoadSnapshot(ctx context.Context, instanceID string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[instanceID]
	if !ok {
		return nil, nil
	}
	cp := *snap
	cp.State = snap.State.Clone()
	return &cp, nil
}

func (s *MemoryStore) Instances(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.events))
	for id := range s.events {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out, err := toMap(m)
	if err != nil {
		// Payloads are normalized before they reach a store
		panic(fmt.Sprintf("eventlog: clone payload: %v", err))
	}
	return out
}
