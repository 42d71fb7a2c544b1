package agentflow

import (
	"time"

	"github.com/deepnoodle-ai/agentflow/retry"
)

// Edge is a transition between two nodes, optionally guarded by a condition
// evaluated against the current instance state. Edges leaving the same node
// are evaluated in declaration order and the first satisfied one is taken.
type Edge struct {
	From      string `json:"from" yaml:"from"`
	To        string `json:"to" yaml:"to"`
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
	// MaxIterations bounds how often the edge may be traversed per instance.
	// Every cycle in a definition needs at least one edge with a bound.
	MaxIterations int `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
}

// Bounded reports whether the edge carries an iteration guard.
func (e *Edge) Bounded() bool {
	return e.MaxIterations > 0
}

// RetryConfig configures retry behavior for a node
type RetryConfig struct {
	MaxAttempts int           `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	BaseDelay   time.Duration `json:"base_delay,omitempty" yaml:"base_delay,omitempty"`
	MaxDelay    time.Duration `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
	BackoffRate float64       `json:"backoff_rate,omitempty" yaml:"backoff_rate,omitempty"`
	Jitter      retry.Jitter  `json:"jitter,omitempty" yaml:"jitter,omitempty"`
}

// DefaultRetry is used when neither the node nor the definition sets one.
var DefaultRetry = RetryConfig{
	MaxAttempts: 3,
	BaseDelay:   500 * time.Millisecond,
	MaxDelay:    30 * time.Second,
	BackoffRate: 2,
}

func (r *RetryConfig) backoff() retry.Backoff {
	return retry.Backoff{
		Base:       r.BaseDelay,
		Max:        r.MaxDelay,
		Multiplier: r.BackoffRate,
		Jitter:     r.Jitter,
	}
}

// CatchConfig routes a node's fatal failure to a fallback node. The failure
// is recorded in the payload under Store when it is set.
type CatchConfig struct {
	ErrorEquals []string `json:"error_equals" yaml:"error_equals"`
	Next        string   `json:"next" yaml:"next"`
	Store       string   `json:"store,omitempty" yaml:"store,omitempty"`
}

// Matches reports whether the catch handles err.
func (c *CatchConfig) Matches(err error) bool {
	for _, errorType := range c.ErrorEquals {
		if MatchesErrorType(err, errorType) {
			return true
		}
	}
	return false
}

// QuotaRequest is the quota a node consumes on each attempt, acquired
// before its agent runs.
type QuotaRequest struct {
	Service string `json:"service" yaml:"service"`
	Cost    int    `json:"cost,omitempty" yaml:"cost,omitempty"`
}

// Node is a named invocation of an agent within a definition.
type Node struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Agent       string `json:"agent,omitempty" yaml:"agent,omitempty"`
	// Parameters, when set, replace the payload as the agent's input. String
	// values may contain ${...} expressions over the instance state.
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	// Store places the agent output under this payload key instead of
	// merging it into the payload.
	Store   string         `json:"store,omitempty" yaml:"store,omitempty"`
	Timeout time.Duration  `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Retry   *RetryConfig   `json:"retry,omitempty" yaml:"retry,omitempty"`
	Catch   []*CatchConfig `json:"catch,omitempty" yaml:"catch,omitempty"`
	Quota   *QuotaRequest  `json:"quota,omitempty" yaml:"quota,omitempty"`
	Quorum  *QuorumConfig  `json:"quorum,omitempty" yaml:"quorum,omitempty"`
}

// catch returns the first catch handler matching err.
func (n *Node) catch(err error) *CatchConfig {
	for _, c := range n.Catch {
		if c.Matches(err) {
			return c
		}
	}
	return nil
}
