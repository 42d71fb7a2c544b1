package agentflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/deepnoodle-ai/agentflow/eventlog"
	"github.com/deepnoodle-ai/agentflow/quota"
	"github.com/stretchr/testify/require"
)

// fakeClock is shared by the governor and the supervisor's sleep so quota
// windows roll over without waiting.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return ctx.Err()
}

// sleepRecorder records supervisor waits instead of sleeping.
type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) Waits() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.waits...)
}

func newTestExecutor(t *testing.T, opts ExecutorOptions) *Executor {
	t.Helper()
	if opts.Sleep == nil {
		opts.Sleep = (&sleepRecorder{}).Sleep
	}
	e, err := NewExecutor(opts)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func mustDefinition(t *testing.T, opts Options) *Definition {
	t.Helper()
	def, err := New(opts)
	require.NoError(t, err)
	return def
}

func runInstance(t *testing.T, e *Executor, def *Definition, input Payload, opts ...SubmitOption) (*eventlog.State, []eventlog.Event, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h, err := e.Submit(ctx, def, input, opts...)
	require.NoError(t, err)
	state, runErr := e.Await(ctx, h)
	require.NotNil(t, state)
	history, err := e.Manager().History(ctx, h.ID)
	require.NoError(t, err)
	return state, history, runErr
}

func eventTypes(history []eventlog.Event) []eventlog.EventType {
	types := make([]eventlog.EventType, len(history))
	for i, e := range history {
		types[i] = e.Type
	}
	return types
}

func countEvents(history []eventlog.Event, eventType eventlog.EventType) int {
	n := 0
	for _, e := range history {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

func setAgent(name, key string, value any) Agent {
	return NewAgentFunction(name, func(ctx context.Context, input Payload) (Payload, error) {
		return Payload{key: value}, nil
	})
}

func pipelineDefinition(t *testing.T, generate *Node) *Definition {
	t.Helper()
	if generate == nil {
		generate = &Node{Name: "generate", Agent: "generate"}
	}
	return mustDefinition(t, Options{
		Name: "pipeline",
		Nodes: []*Node{
			{Name: "analyze", Agent: "analyze"},
			generate,
			{Name: "review", Agent: "review"},
		},
		Edges: []*Edge{
			{From: "analyze", To: "generate"},
			{From: "generate", To: "review"},
		},
	})
}

func TestLinearWorkflowCompletes(t *testing.T) {
	e := newTestExecutor(t, ExecutorOptions{
		Agents: []Agent{
			setAgent("analyze", "analysis", "two clauses"),
			NewAgentFunction("generate", func(ctx context.Context, input Payload) (Payload, error) {
				return Payload{"draft": "draft of " + input["analysis"].(string)}, nil
			}),
			setAgent("review", "approved", true),
		},
	})
	def := pipelineDefinition(t, nil)

	state, history, err := runInstance(t, e, def, Payload{"doc": "contract"})
	require.NoError(t, err)
	require.Equal(t, eventlog.StatusCompleted, state.Status)
	require.Equal(t, "review", state.CurrentNode)
	require.Equal(t, map[string]any{
		"doc":      "contract",
		"analysis": "two clauses",
		"draft":    "draft of two clauses",
		"approved": true,
	}, state.Payload)

	require.Equal(t, 3, countEvents(history, eventlog.EventNodeCompleted))
	require.Equal(t, 1, countEvents(history, eventlog.EventInstanceCompleted))
	require.Equal(t, []eventlog.EventType{
		eventlog.EventInstanceStarted,
		eventlog.EventNodeEntered, eventlog.EventNodeCompleted,
		eventlog.EventNodeEntered, eventlog.EventNodeCompleted,
		eventlog.EventNodeEntered, eventlog.EventNodeCompleted,
		eventlog.EventInstanceCompleted,
	}, eventTypes(history))
	require.Equal(t, 1, state.EdgeCounts[eventlog.EdgeKey("analyze", "generate")])
	require.Zero(t, e.Running())
}

// flakyAgent fails with a transient error a fixed number of times. Failed
// attempts scribble on their input to show it never reaches the state.
func flakyAgent(name string, failures int) Agent {
	var calls atomic.Int32
	return NewAgentFunction(name, func(ctx context.Context, input Payload) (Payload, error) {
		if int(calls.Add(1)) <= failures {
			input["scratch"] = "partial work"
			return nil, NewTransientError(errors.New("service unavailable"))
		}
		return Payload{"draft": "v1"}, nil
	})
}

func TestTransientFailuresAreRetried(t *testing.T) {
	sleeper := &sleepRecorder{}
	e := newTestExecutor(t, ExecutorOptions{
		Agents: []Agent{
			setAgent("analyze", "analysis", "ok"),
			flakyAgent("generate", 2),
			setAgent("review", "approved", true),
		},
		Sleep: sleeper.Sleep,
	})
	def := pipelineDefinition(t, &Node{
		Name:  "generate",
		Agent: "generate",
		Retry: &RetryConfig{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond, BackoffRate: 2},
	})

	state, history, err := runInstance(t, e, def, Payload{})
	require.NoError(t, err)
	require.Equal(t, eventlog.StatusCompleted, state.Status)
	require.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, sleeper.Waits())

	// Two retry events precede the success of generate
	var generateEvents []eventlog.Event
	for _, ev := range history {
		if node, _ := ev.Payload["node"].(string); node == "generate" {
			generateEvents = append(generateEvents, ev)
		}
	}
	require.Equal(t, []eventlog.EventType{
		eventlog.EventNodeEntered,
		eventlog.EventNodeRetry,
		eventlog.EventNodeRetry,
		eventlog.EventNodeCompleted,
	}, eventTypes(generateEvents))

	var retry eventlog.NodeRetry
	require.NoError(t, generateEvents[1].Decode(&retry))
	require.Equal(t, 1, retry.Attempt)
	require.Equal(t, ErrorTypeTransient, retry.ErrorType)
	require.EqualValues(t, 10, retry.DelayMS)

	var completed eventlog.NodeCompleted
	require.NoError(t, generateEvents[3].Decode(&completed))
	require.Equal(t, 3, completed.Attempts)
}

func TestRetriedNodeMatchesSingleSuccess(t *testing.T) {
	run := func(failures int) *eventlog.State {
		e := newTestExecutor(t, ExecutorOptions{
			Agents: []Agent{
				setAgent("analyze", "analysis", "ok"),
				flakyAgent("generate", failures),
				setAgent("review", "approved", true),
			},
		})
		def := pipelineDefinition(t, &Node{
			Name:  "generate",
			Agent: "generate",
			Retry: &RetryConfig{MaxAttempts: 5},
		})
		state, _, err := runInstance(t, e, def, Payload{"doc": "contract"})
		require.NoError(t, err)
		return state
	}
	once := run(0)
	retried := run(3)

	require.Equal(t, once.Status, retried.Status)
	require.Equal(t, once.Payload, retried.Payload)
	require.Equal(t, once.Visits, retried.Visits)
	require.Equal(t, once.EdgeCounts, retried.EdgeCounts)
	require.Equal(t, once.CurrentNode, retried.CurrentNode)
	require.NotContains(t, retried.Payload, "scratch")
}

func TestRetriesExhaustedFailInstance(t *testing.T) {
	e := newTestExecutor(t, ExecutorOptions{
		Agents: []Agent{
			setAgent("analyze", "analysis", "ok"),
			flakyAgent("generate", 10),
			setAgent("review", "approved", true),
		},
	})
	def := pipelineDefinition(t, &Node{Name: "generate", Agent: "generate", Retry: &RetryConfig{MaxAttempts: 2}})

	state, history, err := runInstance(t, e, def, Payload{})
	var wErr *WorkflowError
	require.ErrorAs(t, err, &wErr)
	require.Equal(t, ErrorTypeTransient, wErr.Type)
	require.Equal(t, eventlog.StatusFailed, state.Status)
	require.Equal(t, "generate", state.Error.Node)
	require.Equal(t, 1, countEvents(history, eventlog.EventNodeRetry))
	require.Equal(t, 1, countEvents(history, eventlog.EventNodeFailed))
	require.Equal(t, eventlog.EventInstanceFailed, history[len(history)-1].Type)
}

func TestFatalErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	e := newTestExecutor(t, ExecutorOptions{
		Agents: []Agent{
			NewAgentFunction("check", func(ctx context.Context, input Payload) (Payload, error) {
				calls.Add(1)
				return nil, NewFatalError(errors.New("document is not a contract"))
			}),
		},
	})
	def := mustDefinition(t, Options{Name: "single", Nodes: []*Node{{Name: "check", Agent: "check"}}})

	state, history, err := runInstance(t, e, def, Payload{})
	require.Error(t, err)
	require.EqualValues(t, 1, calls.Load())
	require.Equal(t, eventlog.StatusFailed, state.Status)
	require.Equal(t, ErrorTypeFatal, state.Error.Type)
	require.Zero(t, countEvents(history, eventlog.EventNodeRetry))
}

func TestQuotaDenialDefersUntilWindowReset(t *testing.T) {
	clock := newFakeClock()
	governor, err := quota.New(quota.Options{
		Limits: quota.Limits{"llm": {{Duration: time.Minute, MaxCalls: 2}}},
		Now:    clock.Now,
	})
	require.NoError(t, err)

	// The agent needs three calls and keeps the results of calls already
	// made, as a caching client would.
	var mu sync.Mutex
	made := 0
	grants := map[time.Time]int{}
	agent := NewAgentFunction("summarize", func(ctx context.Context, input Payload) (Payload, error) {
		mu.Lock()
		defer mu.Unlock()
		for made < 3 {
			if err := AcquireQuota(ctx, "llm", 1); err != nil {
				return nil, err
			}
			grants[clock.Now().Truncate(time.Minute)]++
			made++
		}
		return Payload{"summary": "done"}, nil
	})

	e := newTestExecutor(t, ExecutorOptions{
		Agents:   []Agent{agent},
		Governor: governor,
		Sleep:    clock.Sleep,
	})
	def := mustDefinition(t, Options{
		Name:  "summarize",
		Nodes: []*Node{{Name: "summarize", Agent: "summarize"}},
	})

	state, history, err := runInstance(t, e, def, Payload{})
	require.NoError(t, err)
	require.Equal(t, eventlog.StatusCompleted, state.Status)
	require.Equal(t, 1, countEvents(history, eventlog.EventNodeDeferred))
	require.Zero(t, countEvents(history, eventlog.EventNodeRetry))

	for window, granted := range grants {
		require.LessOrEqual(t, granted, 2, "window %s", window)
	}
	require.Len(t, grants, 2)

	for _, ev := range history {
		if ev.Type != eventlog.EventNodeDeferred {
			continue
		}
		var deferred eventlog.NodeRetry
		require.NoError(t, ev.Decode(&deferred))
		require.Equal(t, ErrorTypeQuotaExceeded, deferred.ErrorType)
		require.EqualValues(t, time.Minute.Milliseconds(), deferred.DelayMS)
	}
}

func TestNodeQuotaIsAcquiredBeforeTheAgent(t *testing.T) {
	clock := newFakeClock()
	governor, err := quota.New(quota.Options{
		Limits: quota.Limits{"llm": {{Duration: time.Minute, MaxCalls: 2}}},
		Now:    clock.Now,
	})
	require.NoError(t, err)
	var calls atomic.Int32
	counting := func(name string) Agent {
		return NewAgentFunction(name, func(ctx context.Context, input Payload) (Payload, error) {
			calls.Add(1)
			return Payload{name: true}, nil
		})
	}
	e := newTestExecutor(t, ExecutorOptions{
		Agents:   []Agent{counting("analyze"), counting("generate"), counting("review")},
		Governor: governor,
		Sleep:    clock.Sleep,
	})
	llm := &QuotaRequest{Service: "llm", Cost: 1}
	def := mustDefinition(t, Options{
		Name: "pipeline",
		Nodes: []*Node{
			{Name: "analyze", Agent: "analyze", Quota: llm},
			{Name: "generate", Agent: "generate", Quota: llm},
			{Name: "review", Agent: "review", Quota: llm},
		},
		Edges: []*Edge{{From: "analyze", To: "generate"}, {From: "generate", To: "review"}},
	})

	state, history, err := runInstance(t, e, def, Payload{})
	require.NoError(t, err)
	require.Equal(t, eventlog.StatusCompleted, state.Status)
	require.EqualValues(t, 3, calls.Load(), "denied attempts never reach the agent")
	require.Equal(t, 1, countEvents(history, eventlog.EventNodeDeferred))
	require.Equal(t, 1, governor.Usage("llm")[0].Used)
}

func TestInstanceTimeout(t *testing.T) {
	e := newTestExecutor(t, ExecutorOptions{
		Agents: []Agent{
			NewAgentFunction("stall", func(ctx context.Context, input Payload) (Payload, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			}),
		},
	})
	def := mustDefinition(t, Options{
		Name:   "stalled",
		Nodes:  []*Node{{Name: "stall", Agent: "stall"}},
		Config: Config{MaxDuration: 50 * time.Millisecond},
	})

	state, history, err := runInstance(t, e, def, Payload{})
	var wErr *WorkflowError
	require.ErrorAs(t, err, &wErr)
	require.Equal(t, ErrorTypeTimeout, wErr.Type)
	require.Equal(t, eventlog.StatusTimedOut, state.Status)
	require.Equal(t, "stall", state.Error.Node)
	require.Equal(t, eventlog.EventInstanceTimedOut, history[len(history)-1].Type)
	require.Zero(t, countEvents(history, eventlog.EventNodeRetry))
}

func TestNodeTimeoutIsRetried(t *testing.T) {
	var calls atomic.Int32
	e := newTestExecutor(t, ExecutorOptions{
		Agents: []Agent{
			NewAgentFunction("slow", func(ctx context.Context, input Payload) (Payload, error) {
				if calls.Add(1) == 1 {
					<-ctx.Done()
					return nil, ctx.Err()
				}
				return Payload{"ok": true}, nil
			}),
		},
	})
	def := mustDefinition(t, Options{
		Name:  "slow",
		Nodes: []*Node{{Name: "slow", Agent: "slow", Timeout: 20 * time.Millisecond}},
	})

	state, history, err := runInstance(t, e, def, Payload{})
	require.NoError(t, err)
	require.Equal(t, eventlog.StatusCompleted, state.Status)
	require.Equal(t, 1, countEvents(history, eventlog.EventNodeRetry))
	for _, ev := range history {
		if ev.Type == eventlog.EventNodeRetry {
			require.Equal(t, ErrorTypeTimeout, ev.Payload["error_type"])
		}
	}
}

func TestNoViableTransition(t *testing.T) {
	e := newTestExecutor(t, ExecutorOptions{
		Agents: []Agent{
			setAgent("score", "score", 3),
			setAgent("noop", "done", true),
		},
	})
	def := mustDefinition(t, Options{
		Name: "gate",
		Nodes: []*Node{
			{Name: "score", Agent: "score"},
			{Name: "high", Agent: "noop"},
			{Name: "low", Agent: "noop"},
		},
		Edges: []*Edge{
			{From: "score", To: "high", Condition: "state.score > 5"},
			{From: "score", To: "low", Condition: "state.score < 0"},
		},
	})

	state, history, err := runInstance(t, e, def, Payload{})
	var wErr *WorkflowError
	require.ErrorAs(t, err, &wErr)
	require.Equal(t, ErrorTypeNoViableTransition, wErr.Type)
	require.Equal(t, eventlog.StatusFailed, state.Status)
	require.Equal(t, "score", state.Error.Node)
	require.Equal(t, eventlog.EventInstanceFailed, history[len(history)-1].Type)
}

func TestFirstSatisfiedEdgeWins(t *testing.T) {
	for _, language := range []string{"risor", "expr"} {
		t.Run(language, func(t *testing.T) {
			e := newTestExecutor(t, ExecutorOptions{
				Agents: []Agent{setAgent("score", "score", 9), setAgent("noop", "done", true)},
			})
			def := mustDefinition(t, Options{
				Name: "gate",
				Nodes: []*Node{
					{Name: "score", Agent: "score"},
					{Name: "first", Agent: "noop"},
					{Name: "second", Agent: "noop"},
				},
				Edges: []*Edge{
					{From: "score", To: "first", Condition: "state.score > 5"},
					{From: "score", To: "second", Condition: "state.score > 1"},
				},
				Config: Config{ConditionLanguage: language},
			})
			state, _, err := runInstance(t, e, def, Payload{})
			require.NoError(t, err)
			require.Equal(t, "first", state.CurrentNode)
			require.Zero(t, state.Visits["second"])
		})
	}
}

func TestFeedbackLoopIsBounded(t *testing.T) {
	var drafts atomic.Int32
	e := newTestExecutor(t, ExecutorOptions{
		Agents: []Agent{
			NewAgentFunction("generate", func(ctx context.Context, input Payload) (Payload, error) {
				return Payload{"revision": drafts.Add(1)}, nil
			}),
			setAgent("review", "approved", false),
			setAgent("publish", "published", true),
		},
	})
	def := mustDefinition(t, Options{
		Name: "review-loop",
		Nodes: []*Node{
			{Name: "generate", Agent: "generate"},
			{Name: "review", Agent: "review"},
			{Name: "publish", Agent: "publish"},
		},
		Edges: []*Edge{
			{From: "generate", To: "review"},
			{From: "review", To: "generate", Condition: "!state.approved", MaxIterations: 2},
			{From: "review", To: "publish"},
		},
	})

	state, _, err := runInstance(t, e, def, Payload{})
	require.NoError(t, err)
	require.Equal(t, eventlog.StatusCompleted, state.Status)
	require.Equal(t, "publish", state.CurrentNode)
	require.Equal(t, 3, state.Visits["generate"])
	require.Equal(t, 2, state.EdgeCounts[eventlog.EdgeKey("review", "generate")])
	require.EqualValues(t, 3, state.Payload["revision"])
}

func TestQuorumNode(t *testing.T) {
	checker := func(name string, approve bool) Agent {
		return NewAgentFunction(name, func(ctx context.Context, input Payload) (Payload, error) {
			return Payload{"approved": approve, "feedback": name + " reviewed " + input["doc"].(string)}, nil
		})
	}
	agents := []Agent{checker("legal", true), checker("style", true), checker("security", false)}

	tests := []struct {
		rule      string
		threshold int
		approved  bool
	}{
		{QuorumUnanimous, 0, false},
		{QuorumMajority, 0, true},
		{QuorumThreshold, 2, true},
		{QuorumThreshold, 3, false},
	}
	for _, tt := range tests {
		t.Run(tt.rule, func(t *testing.T) {
			e := newTestExecutor(t, ExecutorOptions{Agents: agents})
			def := mustDefinition(t, Options{
				Name: "validate",
				Nodes: []*Node{{
					Name: "validate",
					Quorum: &QuorumConfig{
						Agents:    []string{"legal", "style", "security"},
						Rule:      tt.rule,
						Threshold: tt.threshold,
					},
					Store: "validation",
				}},
			})
			state, _, err := runInstance(t, e, def, Payload{"doc": "contract"})
			require.NoError(t, err)

			validation := state.Payload["validation"].(map[string]any)
			require.Equal(t, tt.approved, validation["approved"])
			require.EqualValues(t, 2, validation["approvals"])
			require.EqualValues(t, 3, validation["total"])
			require.Equal(t, map[string]any{"legal": true, "style": true, "security": false}, validation["votes"])
			require.Contains(t, validation["feedback"], "security")
		})
	}
}

func TestCatchRoutesToFallback(t *testing.T) {
	var fallbackInput Payload
	e := newTestExecutor(t, ExecutorOptions{
		Agents: []Agent{
			NewAgentFunction("call", func(ctx context.Context, input Payload) (Payload, error) {
				return nil, NewFatalError(errors.New("rejected by provider"))
			}),
			NewAgentFunction("fallback", func(ctx context.Context, input Payload) (Payload, error) {
				fallbackInput = input
				return Payload{"recovered": true}, nil
			}),
			setAgent("finish", "finished", true),
		},
	})
	def := mustDefinition(t, Options{
		Name: "catching",
		Nodes: []*Node{
			{
				Name:  "call",
				Agent: "call",
				Catch: []*CatchConfig{{ErrorEquals: []string{ErrorTypeFatal}, Next: "fallback", Store: "failure"}},
			},
			{Name: "fallback", Agent: "fallback"},
			{Name: "finish", Agent: "finish"},
		},
		Edges: []*Edge{{From: "call", To: "finish"}},
	})

	state, history, err := runInstance(t, e, def, Payload{})
	require.NoError(t, err)
	require.Equal(t, eventlog.StatusCompleted, state.Status)
	require.Equal(t, "fallback", state.CurrentNode)
	require.Equal(t, true, state.Payload["recovered"])
	require.Equal(t, map[string]any{
		"type":    ErrorTypeFatal,
		"message": "fatal: rejected by provider",
		"node":    "call",
	}, fallbackInput["failure"])
	require.Equal(t, 1, countEvents(history, eventlog.EventNodeFailed))
	require.Zero(t, state.Visits["finish"])
}

func TestPayloadSchemaIsEnforced(t *testing.T) {
	schema := &Schema{
		Type:     TypeObject,
		Required: []string{"doc"},
		Properties: map[string]*Schema{
			"doc":   {Type: TypeString},
			"score": {Type: TypeNumber},
		},
	}
	var calls atomic.Int32
	e := newTestExecutor(t, ExecutorOptions{
		Agents: []Agent{
			NewAgentFunction("score", func(ctx context.Context, input Payload) (Payload, error) {
				calls.Add(1)
				return Payload{"score": "high"}, nil
			}),
		},
	})
	def := mustDefinition(t, Options{
		Name:   "scored",
		Nodes:  []*Node{{Name: "score", Agent: "score"}},
		Schema: schema,
	})

	_, err := e.Submit(context.Background(), def, Payload{"title": "no doc"})
	var schemaErr *SchemaError
	require.ErrorAs(t, err, &schemaErr)
	require.Equal(t, "doc", schemaErr.Path)

	state, history, err := runInstance(t, e, def, Payload{"doc": "contract"})
	require.Error(t, err)
	require.Equal(t, eventlog.StatusFailed, state.Status)
	require.Equal(t, ErrorTypeSchema, state.Error.Type)
	require.EqualValues(t, 1, calls.Load())
	require.Zero(t, countEvents(history, eventlog.EventNodeRetry))
}

func TestSchemaAgentOutputIsValidated(t *testing.T) {
	agent := WithSchemas(
		setAgent("score", "score", "high"),
		nil,
		&Schema{Type: TypeObject, Properties: map[string]*Schema{"score": {Type: TypeNumber}}},
	)
	e := newTestExecutor(t, ExecutorOptions{Agents: []Agent{agent}})
	def := mustDefinition(t, Options{Name: "scored", Nodes: []*Node{{Name: "score", Agent: "score"}}})

	state, _, err := runInstance(t, e, def, Payload{})
	require.Error(t, err)
	require.Equal(t, ErrorTypeSchema, state.Error.Type)
}

func TestParametersAreRendered(t *testing.T) {
	var got Payload
	e := newTestExecutor(t, ExecutorOptions{
		Agents: []Agent{
			NewAgentFunction("prompt", func(ctx context.Context, input Payload) (Payload, error) {
				got = input
				info, ok := GetNodeInfoFromContext(ctx)
				require.True(t, ok)
				require.Equal(t, "draft", info.Node)
				return Payload{"sent": true}, nil
			}),
		},
	})
	def := mustDefinition(t, Options{
		Name: "params",
		Nodes: []*Node{{
			Name:  "draft",
			Agent: "prompt",
			Parameters: map[string]any{
				"prompt": "Review the ${state.doc} for ${context.intent}",
				"items":  "${state.items}",
				"limit":  3,
			},
			Store: "result",
		}},
	})

	state, _, err := runInstance(t, e, def,
		Payload{"doc": "contract", "items": []any{"a", "b"}},
		WithContext(map[string]any{"intent": "review"}))
	require.NoError(t, err)
	require.Equal(t, Payload{
		"prompt": "Review the contract for review",
		"items":  []any{"a", "b"},
		"limit":  float64(3),
	}, got)
	require.Equal(t, map[string]any{"sent": true}, state.Payload["result"])
	require.Equal(t, "review", state.Context["intent"])
}

func TestResumeContinuesFromEventLog(t *testing.T) {
	var analyzed atomic.Int32
	e := newTestExecutor(t, ExecutorOptions{
		Agents: []Agent{
			NewAgentFunction("analyze", func(ctx context.Context, input Payload) (Payload, error) {
				analyzed.Add(1)
				return Payload{"analysis": "fresh"}, nil
			}),
			setAgent("generate", "draft", "v1"),
			setAgent("review", "approved", true),
		},
	})
	def := pipelineDefinition(t, nil)
	ctx := context.Background()

	// An earlier process completed analyze and then stopped
	id := NewInstanceID()
	for _, ev := range []eventlog.Event{
		eventlog.MustEvent(eventlog.EventInstanceStarted, eventlog.InstanceStarted{
			Definition: "pipeline", Version: 1, Entry: "analyze", Payload: map[string]any{"doc": "contract"},
		}),
		eventlog.MustEvent(eventlog.EventNodeEntered, eventlog.NodeEntered{Node: "analyze"}),
		eventlog.MustEvent(eventlog.EventNodeCompleted, eventlog.NodeCompleted{
			Node: "analyze", Agent: "analyze", Attempts: 1,
			Payload: map[string]any{"doc": "contract", "analysis": "recorded"},
		}),
	} {
		_, err := e.Manager().Append(ctx, id, ev)
		require.NoError(t, err)
	}

	h, err := e.Resume(ctx, def, id)
	require.NoError(t, err)
	state, err := e.Await(ctx, h)
	require.NoError(t, err)
	require.Equal(t, eventlog.StatusCompleted, state.Status)
	require.Zero(t, analyzed.Load())
	require.Equal(t, "recorded", state.Payload["analysis"])
	require.Equal(t, 1, state.Visits["analyze"])

	_, err = e.Resume(ctx, def, id)
	require.ErrorIs(t, err, ErrInstanceFinished)
}

func TestConcurrencyIsBounded(t *testing.T) {
	release := make(chan struct{})
	var active, peak atomic.Int32
	e := newTestExecutor(t, ExecutorOptions{
		Concurrency: 2,
		Agents: []Agent{
			NewAgentFunction("work", func(ctx context.Context, input Payload) (Payload, error) {
				n := active.Add(1)
				defer active.Add(-1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				select {
				case <-release:
					return Payload{"done": true}, nil
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}),
		},
	})
	def := mustDefinition(t, Options{Name: "work", Nodes: []*Node{{Name: "work", Agent: "work"}}})

	ctx := context.Background()
	var handles []*Handle
	for i := 0; i < 5; i++ {
		h, err := e.Submit(ctx, def, Payload{})
		require.NoError(t, err)
		handles = append(handles, h)
	}
	require.Eventually(t, func() bool { return active.Load() == 2 }, time.Second, 5*time.Millisecond)
	require.Len(t, e.Instances(), 5)
	close(release)

	for _, h := range handles {
		state, err := e.Await(ctx, h)
		require.NoError(t, err)
		require.Equal(t, eventlog.StatusCompleted, state.Status)
	}
	require.EqualValues(t, 2, peak.Load())
}

type failingStore struct {
	eventlog.Store
	allowed int32
	count   atomic.Int32
}

func (s *failingStore) Append(ctx context.Context, e eventlog.Event) error {
	if s.count.Add(1) > s.allowed {
		return errors.New("disk full")
	}
	return s.Store.Append(ctx, e)
}

func TestPersistenceFailureStopsInstance(t *testing.T) {
	manager, err := eventlog.NewManager(eventlog.ManagerOptions{
		Store: &failingStore{Store: eventlog.NewMemoryStore(), allowed: 1},
	})
	require.NoError(t, err)
	var calls atomic.Int32
	e := newTestExecutor(t, ExecutorOptions{
		Manager: manager,
		Agents: []Agent{
			NewAgentFunction("work", func(ctx context.Context, input Payload) (Payload, error) {
				calls.Add(1)
				return Payload{}, nil
			}),
		},
	})
	def := mustDefinition(t, Options{Name: "work", Nodes: []*Node{{Name: "work", Agent: "work"}}})

	state, history, err := runInstance(t, e, def, Payload{})
	var persistErr *eventlog.PersistenceError
	require.ErrorAs(t, err, &persistErr)
	require.Equal(t, eventlog.StatusRunning, state.Status)
	require.Len(t, history, 1)
	require.Zero(t, calls.Load())
}

type recordingCallbacks struct {
	BaseCallbacks
	mu     sync.Mutex
	nodes  []string
	status eventlog.Status
}

func (c *recordingCallbacks) AfterNode(ctx context.Context, event *NodeEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodes = append(c.nodes, event.Node)
}

func (c *recordingCallbacks) AfterInstance(ctx context.Context, event *InstanceEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = event.Status
}

func TestCallbacks(t *testing.T) {
	callbacks := &recordingCallbacks{}
	e := newTestExecutor(t, ExecutorOptions{
		Agents: []Agent{
			setAgent("analyze", "analysis", "ok"),
			setAgent("generate", "draft", "v1"),
			setAgent("review", "approved", true),
		},
		Callbacks: NewCallbackChain(callbacks),
	})
	_, _, err := runInstance(t, e, pipelineDefinition(t, nil), Payload{})
	require.NoError(t, err)

	callbacks.mu.Lock()
	defer callbacks.mu.Unlock()
	require.Equal(t, []string{"analyze", "generate", "review"}, callbacks.nodes)
	require.Equal(t, eventlog.StatusCompleted, callbacks.status)
}

func TestSubmitRejectsUnknownAgents(t *testing.T) {
	e := newTestExecutor(t, ExecutorOptions{})
	def := pipelineDefinition(t, nil)
	_, err := e.Submit(context.Background(), def, Payload{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "not registered")
}

func TestClosedExecutorRejectsSubmissions(t *testing.T) {
	e := newTestExecutor(t, ExecutorOptions{Agents: []Agent{setAgent("work", "done", true)}})
	require.NoError(t, e.Close())
	def := mustDefinition(t, Options{Name: "work", Nodes: []*Node{{Name: "work", Agent: "work"}}})
	_, err := e.Submit(context.Background(), def, Payload{})
	require.ErrorIs(t, err, ErrExecutorClosed)
}

func TestDuplicateInstanceIDIsRejected(t *testing.T) {
	release := make(chan struct{})
	e := newTestExecutor(t, ExecutorOptions{
		Agents: []Agent{
			NewAgentFunction("work", func(ctx context.Context, input Payload) (Payload, error) {
				select {
				case <-release:
					return Payload{"done": true}, nil
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}),
		},
	})
	def := mustDefinition(t, Options{Name: "work", Nodes: []*Node{{Name: "work", Agent: "work"}}})
	ctx := context.Background()

	h, err := e.Submit(ctx, def, Payload{"n": 1}, WithInstanceID("inst_dup"))
	require.NoError(t, err)
	_, err = e.Submit(ctx, def, Payload{"n": 2}, WithInstanceID("inst_dup"))
	require.ErrorIs(t, err, ErrInstanceRunning)

	// A second executor on the same log cannot restart the instance either
	other := newTestExecutor(t, ExecutorOptions{Manager: e.Manager(), Agents: []Agent{setAgent("work", "done", true)}})
	_, err = other.Submit(ctx, def, Payload{"n": 3}, WithInstanceID("inst_dup"))
	require.ErrorIs(t, err, eventlog.ErrInstanceExists)
	require.Zero(t, other.Running())

	close(release)
	state, err := e.Await(ctx, h)
	require.NoError(t, err)
	require.Equal(t, eventlog.StatusCompleted, state.Status)
	require.Equal(t, float64(1), state.Payload["n"])

	_, err = e.Submit(ctx, def, Payload{"n": 4}, WithInstanceID("inst_dup"))
	require.ErrorIs(t, err, eventlog.ErrInstanceExists)

	history, err := e.Manager().History(ctx, "inst_dup")
	require.NoError(t, err)
	require.Equal(t, 1, countEvents(history, eventlog.EventInstanceStarted))
	require.Equal(t, eventlog.EventInstanceCompleted, history[len(history)-1].Type)
}

func seedInstance(t *testing.T, m *eventlog.Manager, id string, events ...eventlog.Event) {
	t.Helper()
	for _, ev := range events {
		_, err := m.Append(context.Background(), id, ev)
		require.NoError(t, err)
	}
}

func catchingDefinition(t *testing.T, catch []*CatchConfig) *Definition {
	t.Helper()
	return mustDefinition(t, Options{
		Name: "catching",
		Nodes: []*Node{
			{Name: "call", Agent: "call", Catch: catch},
			{Name: "fallback", Agent: "fallback"},
			{Name: "finish", Agent: "finish"},
		},
		Edges: []*Edge{{From: "call", To: "finish"}},
	})
}

func TestResumeAfterFailure(t *testing.T) {
	tests := []struct {
		name   string
		catch  []*CatchConfig
		status eventlog.Status
		node   string
	}{
		{
			name:   "catch edge",
			catch:  []*CatchConfig{{ErrorEquals: []string{ErrorTypeFatal}, Next: "fallback", Store: "failure"}},
			status: eventlog.StatusCompleted,
			node:   "fallback",
		},
		{
			name:   "uncaught",
			status: eventlog.StatusFailed,
			node:   "call",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			e := newTestExecutor(t, ExecutorOptions{
				Agents: []Agent{
					NewAgentFunction("call", func(ctx context.Context, input Payload) (Payload, error) {
						calls.Add(1)
						return Payload{"called": true}, nil
					}),
					setAgent("fallback", "recovered", true),
					setAgent("finish", "finished", true),
				},
			})
			def := catchingDefinition(t, tt.catch)
			failed := eventlog.NodeFailed{Node: "call", Attempts: 1, Error: "fatal: rejected by provider", ErrorType: ErrorTypeFatal}
			if tt.catch != nil {
				failed.Store = "failure"
			}
			id := NewInstanceID()
			seedInstance(t, e.Manager(), id,
				eventlog.MustEvent(eventlog.EventInstanceStarted, eventlog.InstanceStarted{
					Definition: "catching", Version: 1, Entry: "call", Payload: map[string]any{},
				}),
				eventlog.MustEvent(eventlog.EventNodeEntered, eventlog.NodeEntered{Node: "call"}),
				eventlog.MustEvent(eventlog.EventNodeFailed, failed),
			)

			ctx := context.Background()
			h, err := e.Resume(ctx, def, id)
			require.NoError(t, err)
			state, err := e.Await(ctx, h)
			require.Equal(t, tt.status, state.Status)
			require.Equal(t, tt.node, state.CurrentNode)
			require.Zero(t, calls.Load())

			history, histErr := e.Manager().History(ctx, id)
			require.NoError(t, histErr)
			require.Equal(t, 1, countEvents(history, eventlog.EventNodeFailed))
			if tt.catch == nil {
				var wErr *WorkflowError
				require.ErrorAs(t, err, &wErr)
				require.Equal(t, ErrorTypeFatal, wErr.Type)
				require.Equal(t, "call", state.Error.Node)
				return
			}
			require.NoError(t, err)
			require.Equal(t, true, state.Payload["recovered"])
			require.Equal(t, ErrorTypeFatal, state.Payload["failure"].(map[string]any)["type"])
			require.Zero(t, state.Visits["finish"])
		})
	}
}

func TestResumeKeepsRecordedAttempts(t *testing.T) {
	var calls atomic.Int32
	e := newTestExecutor(t, ExecutorOptions{
		Agents: []Agent{
			NewAgentFunction("generate", func(ctx context.Context, input Payload) (Payload, error) {
				calls.Add(1)
				return nil, NewTransientError(errors.New("service unavailable"))
			}),
		},
	})
	def := mustDefinition(t, Options{
		Name:  "generate",
		Nodes: []*Node{{Name: "generate", Agent: "generate", Retry: &RetryConfig{MaxAttempts: 3}}},
	})
	retried := func(attempt int) eventlog.Event {
		return eventlog.MustEvent(eventlog.EventNodeRetry, eventlog.NodeRetry{
			Node: "generate", Attempt: attempt, Error: "service unavailable", ErrorType: ErrorTypeTransient,
		})
	}
	id := NewInstanceID()
	seedInstance(t, e.Manager(), id,
		eventlog.MustEvent(eventlog.EventInstanceStarted, eventlog.InstanceStarted{
			Definition: "generate", Version: 1, Entry: "generate", Payload: map[string]any{},
		}),
		eventlog.MustEvent(eventlog.EventNodeEntered, eventlog.NodeEntered{Node: "generate"}),
		retried(1),
		retried(2),
	)

	ctx := context.Background()
	h, err := e.Resume(ctx, def, id)
	require.NoError(t, err)
	state, err := e.Await(ctx, h)
	require.Error(t, err)
	require.Equal(t, eventlog.StatusFailed, state.Status)
	require.EqualValues(t, 1, calls.Load())

	history, err := e.Manager().History(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 2, countEvents(history, eventlog.EventNodeRetry))
	var failed eventlog.NodeFailed
	require.NoError(t, history[len(history)-2].Decode(&failed))
	require.Equal(t, 3, failed.Attempts)
}

func TestQuorumCheckersUseAgentSchemas(t *testing.T) {
	strict := WithSchemas(
		setAgent("legal", "approved", "yes"),
		nil,
		&Schema{
			Type:       TypeObject,
			Required:   []string{"approved"},
			Properties: map[string]*Schema{"approved": {Type: TypeBoolean}},
		},
	)
	e := newTestExecutor(t, ExecutorOptions{Agents: []Agent{strict, setAgent("style", "approved", true)}})
	def := mustDefinition(t, Options{
		Name: "validate",
		Nodes: []*Node{{
			Name:   "validate",
			Quorum: &QuorumConfig{Agents: []string{"legal", "style"}, Rule: QuorumMajority},
			Store:  "validation",
		}},
	})

	state, history, err := runInstance(t, e, def, Payload{"doc": "contract"})
	require.Error(t, err)
	require.Equal(t, eventlog.StatusFailed, state.Status)
	require.Equal(t, ErrorTypeSchema, state.Error.Type)
	require.Contains(t, state.Error.Message, `agent "legal" output`)
	require.Zero(t, countEvents(history, eventlog.EventNodeRetry))
	require.NotContains(t, state.Payload, "validation")
}
