package agentflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/deepnoodle-ai/agentflow/eventlog"
	"github.com/deepnoodle-ai/agentflow/metrics"
)

type phase int

const (
	phaseEnter phase = iota
	phaseExecute
	phaseTransition
	phaseDone
)

// cursor is the position of an instance within its graph.
type cursor struct {
	node  *Node
	from  string
	phase phase
	// attempts already made at node before a restart.
	attempts int
}

// run is the execution of a single instance. It is owned by one goroutine,
// which is the only writer of the instance's events.
type run struct {
	e      *Executor
	def    *Definition
	id     string
	logger *slog.Logger
	state  *eventlog.State
}

func (r *run) load(ctx context.Context) error {
	state, err := r.e.manager.GetState(ctx, r.id)
	if err != nil {
		return err
	}
	r.state = state
	return nil
}

// append records an event and refreshes the materialized state.
func (r *run) append(ctx context.Context, eventType eventlog.EventType, body any) error {
	event, err := eventlog.NewEvent(eventType, body)
	if err != nil {
		return err
	}
	if _, err := r.e.manager.Append(ctx, r.id, event); err != nil {
		return err
	}
	return r.load(ctx)
}

// finish appends a terminal event.
func (r *run) finish(ctx context.Context, eventType eventlog.EventType, body eventlog.InstanceFinished) error {
	if err := r.append(ctx, eventType, body); err != nil {
		return err
	}
	metrics.InstancesFinished.WithLabelValues(r.def.Name(), string(r.state.Status)).Inc()
	attrs := []any{"status", r.state.Status, "seq", r.state.Seq}
	if body.Error != "" {
		attrs = append(attrs, "error", body.Error, "error_type", body.ErrorType)
	}
	r.logger.Info("instance finished", attrs...)
	return nil
}

// resume derives where execution continues from the instance history.
func (r *run) resume(ctx context.Context) (cursor, error) {
	node, ok := r.def.Node(r.state.CurrentNode)
	if !ok {
		return cursor{}, fmt.Errorf("current node %q not found in %s v%d",
			r.state.CurrentNode, r.def.Name(), r.def.Version())
	}
	history, err := r.e.manager.History(ctx, r.id)
	if err != nil {
		return cursor{}, err
	}
	if len(history) == 0 {
		return cursor{}, eventlog.ErrInstanceNotFound
	}
	switch history[len(history)-1].Type {
	case eventlog.EventInstanceStarted:
		return cursor{node: node, phase: phaseEnter}, nil
	case eventlog.EventNodeCompleted:
		return cursor{node: node, phase: phaseTransition}, nil
	case eventlog.EventNodeFailed:
		return r.recoverFailure(ctx, node)
	default:
		return cursor{node: node, phase: phaseExecute, attempts: priorAttempts(history)}, nil
	}
}

// recoverFailure continues after a recorded node failure: along the catch
// edge that matched it, or by sealing the instance as failed.
func (r *run) recoverFailure(ctx context.Context, node *Node) (cursor, error) {
	failure := r.state.LastFailure
	if failure == nil {
		return cursor{}, fmt.Errorf("node %q failed without a recorded failure", node.Name)
	}
	if handler := node.catch(&WorkflowError{Type: failure.Type, Cause: failure.Message}); handler != nil {
		next, _ := r.def.Node(handler.Next)
		r.logger.Info("resuming along catch edge", "node", node.Name, "next", next.Name)
		return cursor{node: next, from: node.Name, phase: phaseEnter}, nil
	}
	err := r.finish(ctx, eventlog.EventInstanceFailed, eventlog.InstanceFinished{
		Node:      node.Name,
		Error:     failure.Message,
		ErrorType: failure.Type,
	})
	if err != nil {
		return cursor{}, err
	}
	return cursor{phase: phaseDone}, nil
}

// priorAttempts counts the attempts recorded for the current node since it
// was entered. Each retry or deferral event follows one failed attempt.
func priorAttempts(history []eventlog.Event) int {
	n := 0
	for i := len(history) - 1; i >= 0; i-- {
		switch history[i].Type {
		case eventlog.EventNodeRetry, eventlog.EventNodeDeferred:
			n++
		case eventlog.EventNodeEntered:
			return n
		}
	}
	return n
}

// execute advances the instance until it reaches a terminal status. A
// returned error means no terminal event was written.
func (r *run) execute(ctx context.Context) error {
	c, err := r.resume(ctx)
	if err != nil {
		return err
	}
	for {
		switch c.phase {
		case phaseDone:
			return nil

		case phaseEnter:
			if err := r.append(ctx, eventlog.EventNodeEntered, eventlog.NodeEntered{
				Node: c.node.Name,
				From: c.from,
			}); err != nil {
				return err
			}
			c.phase = phaseExecute

		case phaseExecute:
			output, attempts, err := r.supervise(ctx, c.node, c.attempts)
			if err != nil {
				var persistErr *eventlog.PersistenceError
				if ctx.Err() != nil || errors.As(err, &persistErr) {
					return err
				}
				next, handled, failErr := r.fail(ctx, c.node, attempts, err)
				if failErr != nil || !handled {
					return failErr
				}
				c = cursor{node: next, from: c.node.Name, phase: phaseEnter}
				continue
			}
			if err := r.append(ctx, eventlog.EventNodeCompleted, eventlog.NodeCompleted{
				Node:     c.node.Name,
				Agent:    agentLabel(c.node),
				Attempts: attempts,
				Payload:  output,
			}); err != nil {
				return err
			}
			if r.def.IsTerminal(c.node.Name) {
				return r.finish(ctx, eventlog.EventInstanceCompleted, eventlog.InstanceFinished{Node: c.node.Name})
			}
			c.phase = phaseTransition

		case phaseTransition:
			next, err := r.next(ctx, c.node)
			if err != nil {
				if ctx.Err() != nil {
					return err
				}
				wErr := ClassifyError(err)
				return r.finish(ctx, eventlog.EventInstanceFailed, eventlog.InstanceFinished{
					Node:      c.node.Name,
					Error:     wErr.Cause,
					ErrorType: wErr.Type,
				})
			}
			c = cursor{node: next, from: c.node.Name, phase: phaseEnter}
		}
	}
}

// fail records a node's fatal failure. When a catch handler matches, the
// fallback node is returned and handled is true; otherwise the instance is
// sealed as failed.
func (r *run) fail(ctx context.Context, node *Node, attempts int, err error) (*Node, bool, error) {
	wErr := ClassifyError(err)
	handler := node.catch(err)
	failed := eventlog.NodeFailed{
		Node:      node.Name,
		Attempts:  attempts,
		Error:     err.Error(),
		ErrorType: wErr.Type,
	}
	if handler != nil {
		failed.Store = handler.Store
	}
	if appendErr := r.append(ctx, eventlog.EventNodeFailed, failed); appendErr != nil {
		return nil, false, appendErr
	}
	if handler == nil {
		r.logger.Error("node failed",
			"node", node.Name,
			"attempts", attempts,
			"error_type", wErr.Type,
			"error", err)
		return nil, false, r.finish(ctx, eventlog.EventInstanceFailed, eventlog.InstanceFinished{
			Node:      node.Name,
			Error:     err.Error(),
			ErrorType: wErr.Type,
		})
	}
	next, _ := r.def.Node(handler.Next)
	r.logger.Warn("node failed, taking catch edge",
		"node", node.Name,
		"next", next.Name,
		"error_type", wErr.Type,
		"error", err)
	return next, true, nil
}

func agentLabel(node *Node) string {
	if node.Quorum != nil {
		return "quorum"
	}
	return node.Agent
}
