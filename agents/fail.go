package agents

import (
	"context"
	"errors"
	"fmt"

	"github.com/deepnoodle-ai/agentflow"
)

// FailInput defines the input parameters for the fail agent
type FailInput struct {
	Message string `json:"message"`
	// ErrorType is "transient" or "fatal" (default).
	ErrorType string `json:"error_type"`
}

// FailOutput is never returned since the agent always fails
type FailOutput struct{}

// FailAgent implements a configurable failure, useful for exercising retry
// and catch paths.
type FailAgent struct{}

// NewFailAgent returns the "fail" agent.
func NewFailAgent() agentflow.Agent {
	a := &FailAgent{}
	return agentflow.TypedAgentFunction(a.Name(), a.Execute)
}

func (a *FailAgent) Name() string {
	return "fail"
}

func (a *FailAgent) Execute(ctx context.Context, params FailInput) (FailOutput, error) {
	message := params.Message
	if message == "" {
		message = "intentional failure"
	}
	err := errors.New(message)
	switch params.ErrorType {
	case "", agentflow.ErrorTypeFatal:
		return FailOutput{}, agentflow.NewFatalError(err)
	case agentflow.ErrorTypeTransient:
		return FailOutput{}, agentflow.NewTransientError(err)
	default:
		return FailOutput{}, agentflow.NewFatalError(fmt.Errorf("unknown error_type %q", params.ErrorType))
	}
}
