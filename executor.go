package agentflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/deepnoodle-ai/agentflow/eventlog"
	"github.com/deepnoodle-ai/agentflow/metrics"
	"github.com/deepnoodle-ai/agentflow/quota"
	"github.com/deepnoodle-ai/agentflow/retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

// DefaultConcurrency is the number of instances executed at once when no
// limit is configured.
const DefaultConcurrency = 8

var (
	// ErrExecutorClosed is returned once Close has been called.
	ErrExecutorClosed = errors.New("executor closed")

	// ErrInstanceRunning is returned when resuming an instance the executor
	// is already driving.
	ErrInstanceRunning = errors.New("instance already running")

	// ErrInstanceFinished is returned when resuming a terminal instance.
	ErrInstanceFinished = errors.New("instance already finished")
)

// ExecutorOptions configures an Executor.
type ExecutorOptions struct {
	Agents []Agent
	// Manager defaults to an in-memory event log.
	Manager *eventlog.Manager
	// Governor is consulted before nodes with a quota and is made available
	// to agents through AcquireQuota. Nil means unlimited.
	Governor  *quota.Governor
	Logger    *slog.Logger
	Callbacks Callbacks
	// Concurrency bounds the number of instances executing at once.
	Concurrency int
	Tracer      trace.Tracer
	// Sleep overrides how the supervisor waits between attempts.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Executor drives workflow instances through their definitions. Each
// instance runs on its own goroutine; a weighted semaphore bounds how many
// execute at once.
type Executor struct {
	agents    map[string]Agent
	manager   *eventlog.Manager
	governor  *quota.Governor
	logger    *slog.Logger
	callbacks Callbacks
	tracer    trace.Tracer
	sleep     func(ctx context.Context, d time.Duration) error
	slots     *semaphore.Weighted
	instances *instanceRegistry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mutex  sync.RWMutex
	closed bool
}

// NewExecutor returns an Executor configured with the given options.
func NewExecutor(opts ExecutorOptions) (*Executor, error) {
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	if opts.Manager == nil {
		manager, err := eventlog.NewManager(eventlog.ManagerOptions{
			Store:  eventlog.NewMemoryStore(),
			Logger: opts.Logger,
		})
		if err != nil {
			return nil, err
		}
		opts.Manager = manager
	}
	if opts.Callbacks == nil {
		opts.Callbacks = BaseCallbacks{}
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("github.com/deepnoodle-ai/agentflow")
	}
	if opts.Sleep == nil {
		opts.Sleep = retry.Sleep
	}
	agents := make(map[string]Agent, len(opts.Agents))
	for _, agent := range opts.Agents {
		if _, dup := agents[agent.Name()]; dup {
			return nil, fmt.Errorf("duplicate agent %q", agent.Name())
		}
		agents[agent.Name()] = agent
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		agents:    agents,
		manager:   opts.Manager,
		governor:  opts.Governor,
		logger:    opts.Logger,
		callbacks: opts.Callbacks,
		tracer:    opts.Tracer,
		sleep:     opts.Sleep,
		slots:     semaphore.NewWeighted(int64(opts.Concurrency)),
		instances: newInstanceRegistry(),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Manager returns the event log the executor writes to.
func (e *Executor) Manager() *eventlog.Manager {
	return e.manager
}

// SubmitOption customizes a submission.
type SubmitOption func(*submitOptions)

type submitOptions struct {
	instanceID string
	context    map[string]any
}

// WithInstanceID submits under a caller chosen instance id.
func WithInstanceID(id string) SubmitOption {
	return func(o *submitOptions) { o.instanceID = id }
}

// WithContext records routing context on the instance. It is fixed once the
// instance starts and is visible to conditions and templates as "context".
func WithContext(values map[string]any) SubmitOption {
	return func(o *submitOptions) { o.context = values }
}

// Submit validates the input, durably records the start of a new instance
// and schedules it. It returns once the instance exists; use Await for the
// outcome.
func (e *Executor) Submit(ctx context.Context, def *Definition, input Payload, opts ...SubmitOption) (*Handle, error) {
	if def == nil {
		return nil, fmt.Errorf("definition is required")
	}
	if err := e.checkAgents(def); err != nil {
		return nil, err
	}
	var o submitOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.instanceID == "" {
		o.instanceID = NewInstanceID()
	}
	payload, err := ToPayload(map[string]any(input))
	if err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if err := def.Schema().Validate(map[string]any(payload)); err != nil {
		return nil, err
	}
	started, err := eventlog.NewEvent(eventlog.EventInstanceStarted, eventlog.InstanceStarted{
		Definition: def.Name(),
		Version:    def.Version(),
		Entry:      def.Entry().Name,
		Payload:    payload,
		Context:    o.context,
	})
	if err != nil {
		return nil, err
	}

	e.mutex.RLock()
	defer e.mutex.RUnlock()
	if e.closed {
		return nil, ErrExecutorClosed
	}
	// Claim the id before writing so a concurrent duplicate never reaches
	// the log. The log itself rejects ids that already have events.
	h, err := e.register(def, o.instanceID)
	if err != nil {
		return nil, err
	}
	if _, err := e.manager.Append(ctx, o.instanceID, started); err != nil {
		e.instances.remove(o.instanceID)
		return nil, fmt.Errorf("failed to start instance: %w", err)
	}
	metrics.InstancesStarted.WithLabelValues(def.Name()).Inc()
	e.logger.Info("instance submitted",
		"instance_id", o.instanceID,
		"definition", def.Name(),
		"version", def.Version())
	e.launch(ctx, def, h)
	return h, nil
}

// Resume continues a non-terminal instance from its event log, e.g. after a
// process restart. The node that was in flight runs again.
func (e *Executor) Resume(ctx context.Context, def *Definition, instanceID string) (*Handle, error) {
	if err := e.checkAgents(def); err != nil {
		return nil, err
	}
	state, err := e.manager.GetState(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if state.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrInstanceFinished, instanceID, state.Status)
	}
	if state.Definition != def.Name() || state.Version != def.Version() {
		return nil, fmt.Errorf("instance %s runs %s v%d, not %s v%d",
			instanceID, state.Definition, state.Version, def.Name(), def.Version())
	}

	e.mutex.RLock()
	defer e.mutex.RUnlock()
	if e.closed {
		return nil, ErrExecutorClosed
	}
	e.logger.Info("resuming instance",
		"instance_id", instanceID,
		"current_node", state.CurrentNode,
		"seq", state.Seq)
	h, err := e.register(def, instanceID)
	if err != nil {
		return nil, err
	}
	e.launch(ctx, def, h)
	return h, nil
}

// register claims instanceID for this executor.
func (e *Executor) register(def *Definition, instanceID string) (*Handle, error) {
	h := newHandle(instanceID, def)
	if !e.instances.add(h) {
		return nil, fmt.Errorf("%w: %s", ErrInstanceRunning, instanceID)
	}
	return h, nil
}

// launch starts the goroutine driving a registered instance. Callers hold
// e.mutex for reading.
func (e *Executor) launch(ctx context.Context, def *Definition, h *Handle) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		err := e.run(ctx, def, h)
		// Release the id before waking waiters so they can reuse it.
		e.instances.remove(h.ID)
		h.finish(err)
	}()
}

// Await blocks until the instance stops and returns its final state. Failed
// and timed out instances return their state together with the recorded
// failure as a *WorkflowError.
func (e *Executor) Await(ctx context.Context, h *Handle) (*eventlog.State, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.Done():
	}
	state, err := e.manager.GetState(ctx, h.ID)
	if err != nil {
		return nil, err
	}
	if h.err != nil {
		return state, h.err
	}
	if state.Error != nil {
		return state, &WorkflowError{
			Type:    state.Error.Type,
			Cause:   state.Error.Message,
			Details: map[string]any{"node": state.Error.Node, "status": string(state.Status)},
		}
	}
	return state, nil
}

// Instance returns the handle of a running instance.
func (e *Executor) Instance(id string) (*Handle, bool) {
	return e.instances.get(id)
}

// Instances lists the running instances ordered by id.
func (e *Executor) Instances() []*Handle {
	return e.instances.list()
}

// Running returns the number of instances being driven.
func (e *Executor) Running() int {
	return e.instances.count()
}

// Close stops accepting instances, interrupts the running ones and waits for
// their goroutines. Interrupted instances stay running in the event log and
// can be resumed.
func (e *Executor) Close() error {
	e.mutex.Lock()
	if e.closed {
		e.mutex.Unlock()
		return nil
	}
	e.closed = true
	e.mutex.Unlock()
	e.cancel()
	e.wg.Wait()
	return nil
}

func (e *Executor) checkAgents(def *Definition) error {
	for _, node := range def.Nodes() {
		names := []string{node.Agent}
		if node.Quorum != nil {
			names = node.Quorum.Agents
		}
		for _, name := range names {
			if _, ok := e.agents[name]; !ok {
				return fmt.Errorf("definition %q node %q: agent %q not registered", def.Name(), node.Name, name)
			}
		}
	}
	return nil
}

// run drives one instance to a terminal status. It returns an error only
// when the instance had to be abandoned without one.
func (e *Executor) run(parent context.Context, def *Definition, h *Handle) error {
	// Instances outlive the submitting request but not the executor.
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	defer cancel()
	stop := context.AfterFunc(e.ctx, cancel)
	defer stop()
	if max := def.Config().MaxDuration; max > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, max)
		defer cancelTimeout()
	}

	ctx, span := e.tracer.Start(ctx, "agentflow.instance", trace.WithAttributes(
		attribute.String("agentflow.instance_id", h.ID),
		attribute.String("agentflow.definition", def.Name()),
		attribute.Int("agentflow.version", def.Version()),
	))
	defer span.End()

	logger := e.logger.With("instance_id", h.ID, "definition", def.Name())
	r := &run{e: e, def: def, id: h.ID, logger: logger}

	if err := e.slots.Acquire(ctx, 1); err != nil {
		return r.stopped(ctx, err)
	}
	defer e.slots.Release(1)
	metrics.InstancesRunning.Inc()
	defer metrics.InstancesRunning.Dec()

	startTime := time.Now()
	if err := r.load(ctx); err != nil {
		return err
	}
	e.callbacks.BeforeInstance(ctx, &InstanceEvent{
		InstanceID: h.ID,
		Definition: def.Name(),
		Version:    def.Version(),
		Status:     r.state.Status,
		StartTime:  startTime,
		Payload:    Payload(r.state.Payload).Clone(),
	})

	err := r.execute(ctx)
	if err != nil {
		err = r.stopped(ctx, err)
	}

	endTime := time.Now()
	event := &InstanceEvent{
		InstanceID: h.ID,
		Definition: def.Name(),
		Version:    def.Version(),
		Status:     eventlog.StatusRunning,
		StartTime:  startTime,
		EndTime:    endTime,
		Duration:   endTime.Sub(startTime),
		Error:      err,
	}
	if r.state != nil {
		event.Status = r.state.Status
		event.Payload = Payload(r.state.Payload).Clone()
		if r.state.Error != nil && event.Error == nil {
			event.Error = &WorkflowError{Type: r.state.Error.Type, Cause: r.state.Error.Message}
		}
	}
	if event.Error != nil {
		span.RecordError(event.Error)
		span.SetStatus(codes.Error, event.Error.Error())
	}
	span.SetAttributes(attribute.String("agentflow.status", string(event.Status)))
	e.callbacks.AfterInstance(ctx, event)
	return err
}

// stopped handles an execution that ended without a terminal event. An
// expired instance deadline seals the instance as timed out; executor
// shutdown leaves it resumable; anything else is recorded as a failure.
func (r *run) stopped(ctx context.Context, err error) error {
	detached := context.WithoutCancel(ctx)
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		r.logger.Warn("instance timed out", "error", err)
		node := ""
		if r.state != nil {
			node = r.state.CurrentNode
		}
		if finishErr := r.finish(detached, eventlog.EventInstanceTimedOut, eventlog.InstanceFinished{
			Node:      node,
			Error:     fmt.Sprintf("instance exceeded max duration %s", r.def.Config().MaxDuration),
			ErrorType: ErrorTypeTimeout,
		}); finishErr != nil {
			return finishErr
		}
		return nil
	case ctx.Err() != nil:
		r.logger.Info("instance interrupted", "error", err)
		return ErrExecutorClosed
	}

	r.logger.Error("instance aborted", "error", err)
	errorType := ClassifyError(err).Type
	var persistErr *eventlog.PersistenceError
	if errors.As(err, &persistErr) {
		errorType = ErrorTypePersistence
	}
	node := ""
	if r.state != nil {
		node = r.state.CurrentNode
	}
	if finishErr := r.finish(detached, eventlog.EventInstanceFailed, eventlog.InstanceFinished{
		Node:      node,
		Error:     err.Error(),
		ErrorType: errorType,
	}); finishErr != nil {
		r.logger.Error("failed to record instance failure", "error", finishErr)
	}
	return err
}
