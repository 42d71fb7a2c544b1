package agents

import (
	"context"
	"fmt"

	"github.com/deepnoodle-ai/agentflow"
	"github.com/deepnoodle-ai/agentflow/script"
)

// ScriptAgent evaluates a Risor program against the node input. The input
// payload is visible as "state" and the routing context as "context". A map
// result becomes the output payload; any other result is returned under
// "result".
type ScriptAgent struct {
	compiler script.Compiler
}

// NewScriptAgent returns the "script" agent.
func NewScriptAgent() agentflow.Agent {
	compiler, err := script.NewCompiler(script.LanguageRisor, agentflow.GlobalState, agentflow.GlobalContext)
	if err != nil {
		panic(err)
	}
	return &ScriptAgent{compiler: compiler}
}

func (a *ScriptAgent) Name() string {
	return "script"
}

func (a *ScriptAgent) Execute(ctx context.Context, input agentflow.Payload) (agentflow.Payload, error) {
	code, ok := input["code"].(string)
	if !ok || code == "" {
		return nil, agentflow.NewFatalError(fmt.Errorf("missing 'code' parameter"))
	}
	compiled, err := a.compiler.Compile(ctx, code)
	if err != nil {
		return nil, agentflow.NewFatalError(fmt.Errorf("failed to compile script: %w", err))
	}

	routing := map[string]any{}
	if info, ok := agentflow.GetNodeInfoFromContext(ctx); ok {
		for k, v := range info.Context {
			routing[k] = v
		}
	}
	state := map[string]any(input.Clone())
	delete(state, "code")

	result, err := compiled.Evaluate(ctx, map[string]any{
		agentflow.GlobalState:   state,
		agentflow.GlobalContext: routing,
	})
	if err != nil {
		return nil, agentflow.NewFatalError(fmt.Errorf("failed to execute script: %w", err))
	}
	if m, ok := result.Value().(map[string]any); ok {
		return agentflow.ToPayload(m)
	}
	return agentflow.ToPayload(map[string]any{"result": result.Value()})
}
