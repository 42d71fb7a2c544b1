package agentflow

import (
	"context"
	"fmt"

	"github.com/deepnoodle-ai/agentflow/eventlog"
)

// evaluate reports whether an edge's condition holds. Edges without a
// condition always hold.
func (d *Definition) evaluate(ctx context.Context, edge *Edge, globals map[string]any) (bool, error) {
	code, ok := d.conditions[edge]
	if !ok {
		return true, nil
	}
	result, err := code.Evaluate(ctx, globals)
	if err != nil {
		return false, fmt.Errorf("edge %s->%s: %w", edge.From, edge.To, err)
	}
	return result.IsTruthy(), nil
}

// next selects the node to run after node. Outgoing edges are evaluated in
// declaration order against the committed state and the first satisfied edge
// wins. A bounded edge that has been traversed MaxIterations times is
// skipped.
func (r *run) next(ctx context.Context, node *Node) (*Node, error) {
	globals := r.globals(Payload(r.state.Payload))
	for _, edge := range r.def.Outgoing(node.Name) {
		if edge.Bounded() {
			if count := r.state.EdgeCounts[eventlog.EdgeKey(edge.From, edge.To)]; count >= edge.MaxIterations {
				r.logger.Debug("edge iteration limit reached",
					"from", edge.From,
					"to", edge.To,
					"max_iterations", edge.MaxIterations)
				continue
			}
		}
		ok, err := r.def.evaluate(ctx, edge, globals)
		if err != nil {
			return nil, NewFatalError(err)
		}
		if ok {
			target, _ := r.def.Node(edge.To)
			return target, nil
		}
	}

	r.logger.Error("no viable transition",
		"node", node.Name,
		"state", r.state.Payload,
		"visits", r.state.Visits,
		"iterations", r.state.EdgeCounts)
	return nil, &WorkflowError{
		Type:  ErrorTypeNoViableTransition,
		Cause: fmt.Sprintf("no outgoing edge of node %q is satisfied", node.Name),
		Details: map[string]any{
			"state":      r.state.Payload,
			"iterations": r.state.EdgeCounts,
		},
	}
}
