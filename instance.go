package agentflow

import (
	"sort"
	"sync"
	"time"

	"go.jetify.com/typeid"
)

// NewInstanceID returns a new instance id.
func NewInstanceID() string {
	id, err := typeid.WithPrefix("inst")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// Handle refers to an instance driven by an Executor.
type Handle struct {
	ID         string
	Definition string
	Version    int
	StartedAt  time.Time

	done chan struct{}
	err  error
}

func newHandle(id string, def *Definition) *Handle {
	return &Handle{
		ID:         id,
		Definition: def.Name(),
		Version:    def.Version(),
		StartedAt:  time.Now(),
		done:       make(chan struct{}),
	}
}

// Done is closed when the executor stops driving the instance.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err reports why the executor stopped driving the instance before it
// reached a terminal status, e.g. a persistence failure or shutdown. It is
// valid once Done is closed.
func (h *Handle) Err() error {
	<-h.done
	return h.err
}

func (h *Handle) finish(err error) {
	h.err = err
	close(h.done)
}

// instanceRegistry tracks the instances an executor is driving, keyed by
// instance id.
type instanceRegistry struct {
	mu      sync.RWMutex
	running map[string]*Handle
}

func newInstanceRegistry() *instanceRegistry {
	return &instanceRegistry{running: map[string]*Handle{}}
}

// add registers h unless an instance with the same id is already running.
func (r *instanceRegistry) add(h *Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.running[h.ID]; exists {
		return false
	}
	r.running[h.ID] = h
	return true
}

func (r *instanceRegistry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.running, id)
}

func (r *instanceRegistry) get(id string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.running[id]
	return h, ok
}

func (r *instanceRegistry) list() []*Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Handle, 0, len(r.running))
	for _, h := range r.running {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *instanceRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.running)
}
