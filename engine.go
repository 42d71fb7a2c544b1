package agentflow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/deepnoodle-ai/agentflow/router"
)

// Task is an incoming unit of work.
type Task struct {
	Text string `json:"text"`
	// Workflow names the definition to run. When empty the definition is
	// chosen by the classified intent.
	Workflow string  `json:"workflow,omitempty"`
	Payload  Payload `json:"payload,omitempty"`
	// K bounds the number of tools and knowledge sources selected.
	K int `json:"k,omitempty"`
}

// EngineOptions configures an Engine.
type EngineOptions struct {
	Router   *router.Router
	Executor *Executor
	Registry *Registry
	// Workflows maps a classified intent to a definition name.
	Workflows map[string]string
	// DefaultWorkflow runs when no mapping matches the intent.
	DefaultWorkflow string
	Logger          *slog.Logger
}

// Engine accepts tasks: it routes each one, picks the definition to run and
// submits an instance carrying the routing decision as its context.
type Engine struct {
	router          *router.Router
	executor        *Executor
	registry        *Registry
	workflows       map[string]string
	defaultWorkflow string
	logger          *slog.Logger
}

// NewEngine returns an Engine configured with the given options.
func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Router == nil {
		return nil, fmt.Errorf("router is required")
	}
	if opts.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	return &Engine{
		router:          opts.Router,
		executor:        opts.Executor,
		registry:        opts.Registry,
		workflows:       opts.Workflows,
		defaultWorkflow: opts.DefaultWorkflow,
		logger:          opts.Logger,
	}, nil
}

// Accept routes and submits a task. The task text is added to the payload
// under "task" unless the payload already carries that key.
func (e *Engine) Accept(ctx context.Context, task Task) (*Handle, router.Routing, error) {
	routing := e.router.Route(task.Text, task.K)

	name := task.Workflow
	if name == "" {
		name = e.workflows[routing.Profile.Intent]
	}
	if name == "" {
		name = e.defaultWorkflow
	}
	if name == "" {
		return nil, routing, fmt.Errorf("no workflow for intent %q", routing.Profile.Intent)
	}
	def, err := e.registry.Get(name)
	if err != nil {
		return nil, routing, err
	}

	payload := task.Payload.Clone()
	if _, ok := payload["task"]; !ok {
		payload["task"] = task.Text
	}
	h, err := e.executor.Submit(ctx, def, payload, WithContext(routing.Map()))
	if err != nil {
		return nil, routing, err
	}
	e.logger.Info("task accepted",
		"instance_id", h.ID,
		"definition", def.Name(),
		"intent", routing.Profile.Intent,
		"domain", routing.Profile.Domain,
		"low_confidence", routing.Profile.LowConfidence)
	return h, routing, nil
}
