package agentflow

import (
	"context"
	"time"

	"github.com/deepnoodle-ai/agentflow/eventlog"
)

// Callbacks observe instance and node execution. They run synchronously on
// the instance goroutine and must not block.
type Callbacks interface {
	BeforeInstance(ctx context.Context, event *InstanceEvent)
	AfterInstance(ctx context.Context, event *InstanceEvent)
	BeforeNode(ctx context.Context, event *NodeEvent)
	AfterNode(ctx context.Context, event *NodeEvent)
}

// InstanceEvent provides context for instance-level callbacks
type InstanceEvent struct {
	InstanceID string
	Definition string
	Version    int
	Status     eventlog.Status
	StartTime  time.Time
	EndTime    time.Time
	Duration   time.Duration
	Payload    Payload
	Error      error
}

// NodeEvent provides context for node-level callbacks
type NodeEvent struct {
	InstanceID string
	Definition string
	Node       string
	Agent      string
	Attempts   int
	Input      Payload
	Output     Payload
	StartTime  time.Time
	EndTime    time.Time
	Duration   time.Duration
	Error      error
}

// BaseCallbacks provides a default implementation that does nothing. Embed
// it to implement only the callbacks you need.
type BaseCallbacks struct{}

func (BaseCallbacks) BeforeInstance(ctx context.Context, event *InstanceEvent) {}
func (BaseCallbacks) AfterInstance(ctx context.Context, event *InstanceEvent)  {}
func (BaseCallbacks) BeforeNode(ctx context.Context, event *NodeEvent)         {}
func (BaseCallbacks) AfterNode(ctx context.Context, event *NodeEvent)          {}

// CallbackChain fans callbacks out to several implementations in order.
type CallbackChain struct {
	callbacks []Callbacks
}

// NewCallbackChain creates a new callback chain
func NewCallbackChain(callbacks ...Callbacks) *CallbackChain {
	return &CallbackChain{callbacks: callbacks}
}

// Add adds a callback to the chain
func (c *CallbackChain) Add(callback Callbacks) {
	c.callbacks = append(c.callbacks, callback)
}

func (c *CallbackChain) BeforeInstance(ctx context.Context, event *InstanceEvent) {
	for _, callback := range c.callbacks {
		callback.BeforeInstance(ctx, event)
	}
}

func (c *CallbackChain) AfterInstance(ctx context.Context, event *InstanceEvent) {
	for _, callback := range c.callbacks {
		callback.AfterInstance(ctx, event)
	}
}

func (c *CallbackChain) BeforeNode(ctx context.Context, event *NodeEvent) {
	for _, callback := range c.callbacks {
		callback.BeforeNode(ctx, event)
	}
}

func (c *CallbackChain) AfterNode(ctx context.Context, event *NodeEvent) {
	for _, callback := range c.callbacks {
		callback.AfterNode(ctx, event)
	}
}
