package agents

import (
	"context"
	"fmt"

	"github.com/deepnoodle-ai/agentflow"
)

// LogInput defines the input parameters for the log agent
type LogInput struct {
	Message any    `json:"message"`
	Level   string `json:"level"`
}

// LogOutput defines the output of the log agent
type LogOutput struct {
	Logged bool `json:"logged"`
}

// LogAgent writes a message to the node logger.
type LogAgent struct{}

// NewLogAgent returns the "log" agent.
func NewLogAgent() agentflow.Agent {
	a := &LogAgent{}
	return agentflow.TypedAgentFunction(a.Name(), a.Execute)
}

func (a *LogAgent) Name() string {
	return "log"
}

func (a *LogAgent) Execute(ctx context.Context, params LogInput) (LogOutput, error) {
	if params.Message == nil {
		return LogOutput{}, agentflow.NewFatalError(fmt.Errorf("log agent requires 'message' parameter"))
	}
	agentflow.Logger(ctx).Log(ctx, agentflow.ParseLevel(params.Level), fmt.Sprint(params.Message))
	return LogOutput{Logged: true}, nil
}
