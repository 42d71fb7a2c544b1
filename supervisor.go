package agentflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/deepnoodle-ai/agentflow/eventlog"
	"github.com/deepnoodle-ai/agentflow/metrics"
	"github.com/deepnoodle-ai/agentflow/retry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// supervise runs a node until an attempt succeeds or the failure is fatal.
// Every attempt starts from the same committed payload, so retried attempts
// leave no trace in the state beyond their retry events. It returns the
// resulting payload and the number of attempts made, including the prior
// attempts a resumed instance had already recorded.
func (r *run) supervise(ctx context.Context, node *Node, prior int) (Payload, int, error) {
	policy := r.def.retryConfig(node)
	maxAttempts := policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultRetry.MaxAttempts
	}
	retries := max(maxAttempts-1-prior, 0)
	agent := agentLabel(node)
	start := time.Now()
	defer func() {
		metrics.NodeDuration.WithLabelValues(agent).Observe(time.Since(start).Seconds())
	}()

	var output Payload
	attempts := prior
	err := retry.Do(ctx, func() error {
		attempts++
		if err := ctx.Err(); err != nil {
			return NewFatalError(err)
		}
		out, err := r.attempt(ctx, node, attempts)
		if err != nil {
			wErr := ClassifyError(err)
			metrics.NodeExecutions.WithLabelValues(agent, wErr.Type).Inc()
			if ctx.Err() != nil {
				return NewFatalError(err)
			}
			return wErr
		}
		metrics.NodeExecutions.WithLabelValues(agent, "succeeded").Inc()
		output = out
		return nil
	},
		retry.WithMaxRetries(retries),
		retry.WithBackoff(policy.backoff()),
		retry.WithSleep(r.e.sleep),
		retry.WithOnRetry(func(_ int, err error, wait time.Duration) error {
			return r.retrying(ctx, node, attempts, err, wait)
		}),
	)
	if err != nil {
		return nil, attempts, err
	}
	return output, attempts, nil
}

// retrying records a failed attempt that will be tried again. Quota denials
// are recorded as deferrals.
func (r *run) retrying(ctx context.Context, node *Node, attempt int, err error, wait time.Duration) error {
	wErr := ClassifyError(err)
	eventType := eventlog.EventNodeRetry
	if wErr.Type == ErrorTypeQuotaExceeded {
		eventType = eventlog.EventNodeDeferred
	}
	metrics.NodeRetries.WithLabelValues(agentLabel(node), wErr.Type).Inc()
	r.logger.Warn("node attempt failed, retrying",
		"node", node.Name,
		"attempt", attempt,
		"error_type", wErr.Type,
		"wait", wait,
		"error", err)
	return r.append(ctx, eventType, eventlog.NodeRetry{
		Node:      node.Name,
		Attempt:   attempt,
		Error:     err.Error(),
		ErrorType: wErr.Type,
		DelayMS:   wait.Milliseconds(),
	})
}

// attempt executes a node once against the committed payload and returns
// the payload the node produces.
func (r *run) attempt(ctx context.Context, node *Node, attempt int) (Payload, error) {
	current := Payload(r.state.Payload).Clone()
	if err := r.def.Schema().Validate(map[string]any(current)); err != nil {
		return nil, fmt.Errorf("node %q input: %w", node.Name, err)
	}
	input, err := r.input(ctx, node, current)
	if err != nil {
		return nil, err
	}

	ctx, span := r.e.tracer.Start(ctx, "agentflow.node", trace.WithAttributes(
		attribute.String("agentflow.instance_id", r.id),
		attribute.String("agentflow.node", node.Name),
		attribute.String("agentflow.agent", agentLabel(node)),
		attribute.Int("agentflow.attempt", attempt),
	))
	defer span.End()

	ctx = WithLogger(ctx, r.logger.With("node", node.Name, "attempt", attempt))
	if r.e.governor != nil {
		ctx = WithGovernor(ctx, r.e.governor)
	}
	ctx = WithNodeInfo(ctx, NodeInfo{
		InstanceID: r.id,
		Definition: r.def.Name(),
		Node:       node.Name,
		Attempt:    attempt,
		Context:    r.state.Context,
	})

	if node.Quota != nil {
		if err := AcquireQuota(ctx, node.Quota.Service, node.Quota.Cost); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
	}

	startTime := time.Now()
	event := &NodeEvent{
		InstanceID: r.id,
		Definition: r.def.Name(),
		Node:       node.Name,
		Agent:      agentLabel(node),
		Attempts:   attempt,
		Input:      input,
		StartTime:  startTime,
	}
	r.e.callbacks.BeforeNode(ctx, event)

	output, err := r.invoke(ctx, node, input)

	event.EndTime = time.Now()
	event.Duration = event.EndTime.Sub(startTime)
	event.Output = output
	event.Error = err
	r.e.callbacks.AfterNode(ctx, event)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	merged, err := merge(current, output, node.Store)
	if err != nil {
		return nil, err
	}
	if err := r.def.Schema().Validate(map[string]any(merged)); err != nil {
		return nil, fmt.Errorf("node %q output: %w", node.Name, err)
	}
	return merged, nil
}

// invoke calls the node's agent, or its checkers for a quorum node, under
// the node timeout.
func (r *run) invoke(ctx context.Context, node *Node, input Payload) (Payload, error) {
	parent := ctx
	if node.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, node.Timeout)
		defer cancel()
	}
	var output Payload
	var err error
	if node.Quorum != nil {
		output, err = runQuorum(ctx, node.Quorum, r.e.agents, input, r.call)
	} else {
		output, err = r.call(ctx, r.e.agents[node.Agent], input)
	}
	if err != nil && errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
		return nil, &WorkflowError{
			Type:    ErrorTypeTimeout,
			Cause:   fmt.Sprintf("node %q exceeded its %s timeout", node.Name, node.Timeout),
			Wrapped: err,
		}
	}
	return output, err
}

func (r *run) call(ctx context.Context, agent Agent, input Payload) (Payload, error) {
	schemaAgent, hasSchema := agent.(SchemaAgent)
	if hasSchema {
		if err := schemaAgent.InputSchema().Validate(map[string]any(input)); err != nil {
			return nil, fmt.Errorf("agent %q input: %w", agent.Name(), err)
		}
	}
	output, err := agent.Execute(ctx, input)
	if err != nil {
		return nil, err
	}
	output, err = ToPayload(map[string]any(output))
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("agent %q output: %w", agent.Name(), err))
	}
	if hasSchema {
		if err := schemaAgent.OutputSchema().Validate(map[string]any(output)); err != nil {
			return nil, fmt.Errorf("agent %q output: %w", agent.Name(), err)
		}
	}
	return output, nil
}

// input builds the agent input: the rendered parameters when the node has
// any, otherwise the payload itself.
func (r *run) input(ctx context.Context, node *Node, current Payload) (Payload, error) {
	if len(node.Parameters) == 0 {
		return current.Clone(), nil
	}
	globals := r.globals(current)
	templates := r.def.templates[node.Name]
	params := make(Payload, len(node.Parameters))
	for name, value := range node.Parameters {
		tmpl, ok := templates[name]
		if !ok {
			params[name] = value
			continue
		}
		rendered, err := tmpl.EvalValue(ctx, globals)
		if err != nil {
			return nil, NewFatalError(fmt.Errorf("node %q parameter %q: %w", node.Name, name, err))
		}
		params[name] = rendered
	}
	return ToPayload(map[string]any(params))
}

// globals exposes the instance state to conditions and templates.
func (r *run) globals(payload Payload) map[string]any {
	routing := map[string]any{}
	for k, v := range r.state.Context {
		routing[k] = v
	}
	visits := map[string]any{}
	for k, v := range r.state.Visits {
		visits[k] = v
	}
	iterations := map[string]any{}
	for k, v := range r.state.EdgeCounts {
		iterations[k] = v
	}
	return map[string]any{
		GlobalState:      map[string]any(payload),
		GlobalContext:    routing,
		GlobalVisits:     visits,
		GlobalIterations: iterations,
	}
}

// merge applies an agent output to the payload: stored under key when set,
// otherwise merged key by key.
func merge(current, output Payload, key string) (Payload, error) {
	merged := current.Clone()
	if key != "" {
		merged[key] = map[string]any(output)
	} else {
		for k, v := range output {
			merged[k] = v
		}
	}
	return ToPayload(map[string]any(merged))
}
