package agentflow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-viper/mapstructure/v2"
)

// Payload is the structured data an instance carries from node to node.
type Payload map[string]any

// Clone returns a deep copy of the payload in its JSON form.
func (p Payload) Clone() Payload {
	out, err := ToPayload(map[string]any(p))
	if err != nil {
		panic(fmt.Sprintf("agentflow: clone payload: %v", err))
	}
	return out
}

// ToPayload converts a value to a Payload through its JSON encoding. Structs
// become objects; nil becomes an empty payload.
func ToPayload(v any) (Payload, error) {
	if v == nil {
		return Payload{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out Payload
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("payload must encode to a JSON object: %w", err)
	}
	if out == nil {
		out = Payload{}
	}
	return out, nil
}

// Agent is a unit of work executed at a workflow node. Agents report
// retriable failures with NewTransientError and permanent ones with
// NewFatalError; unclassified errors are retried.
type Agent interface {

	// Name returns the name used to reference the agent from nodes.
	Name() string

	// Execute the agent against the node input.
	Execute(ctx context.Context, input Payload) (Payload, error)
}

// SchemaAgent is an Agent that declares the shape of its input and output.
// Both are validated by the executor; a mismatch is a schema_validation
// error and is never retried.
type SchemaAgent interface {
	Agent
	InputSchema() *Schema
	OutputSchema() *Schema
}

// AgentFunc is the signature of a function agent.
type AgentFunc func(ctx context.Context, input Payload) (Payload, error)

// Confirm the interfaces are implemented correctly.
var (
	_ Agent       = (*AgentFunction)(nil)
	_ SchemaAgent = (*schemaAgent)(nil)
)

// AgentFunction wraps a function for use as an Agent.
type AgentFunction struct {
	name string
	fn   AgentFunc
}

// NewAgentFunction returns an Agent for the given function.
func NewAgentFunction(name string, fn AgentFunc) *AgentFunction {
	return &AgentFunction{name: name, fn: fn}
}

func (a *AgentFunction) Name() string {
	return a.name
}

func (a *AgentFunction) Execute(ctx context.Context, input Payload) (Payload, error) {
	return a.fn(ctx, input)
}

// TypedAgentFunction wraps a function with typed input and output. The input
// payload is decoded into TInput using its json tags; the result is encoded
// back into a payload.
func TypedAgentFunction[TInput, TOutput any](name string, fn func(ctx context.Context, input TInput) (TOutput, error)) Agent {
	return NewAgentFunction(name, func(ctx context.Context, input Payload) (Payload, error) {
		var typed TInput
		if err := DecodePayload(input, &typed); err != nil {
			return nil, &WorkflowError{Type: ErrorTypeSchema, Cause: err.Error(), Wrapped: err}
		}
		result, err := fn(ctx, typed)
		if err != nil {
			return nil, err
		}
		return ToPayload(result)
	})
}

// DecodePayload decodes a payload into the struct pointed to by out, matching
// keys against json tags and converting compatible scalar types.
func DecodePayload(input Payload, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(map[string]any(input)); err != nil {
		return fmt.Errorf("failed to decode input: %w", err)
	}
	return nil
}

// WithSchemas attaches input and output schemas to an agent.
func WithSchemas(agent Agent, input, output *Schema) SchemaAgent {
	return &schemaAgent{Agent: agent, input: input, output: output}
}

type schemaAgent struct {
	Agent
	input  *Schema
	output *Schema
}

func (a *schemaAgent) InputSchema() *Schema  { return a.input }
func (a *schemaAgent) OutputSchema() *Schema { return a.output }
