package agents

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/deepnoodle-ai/agentflow"
)

// SleepInput defines the input parameters for the sleep agent
type SleepInput struct {
	Duration time.Duration `json:"duration"`
}

// SleepOutput defines the output of the sleep agent
type SleepOutput struct {
	Slept string `json:"slept"`
}

// SleepAgent waits for a configurable duration, stopping early when the node
// is cancelled.
type SleepAgent struct{}

// NewSleepAgent returns the "sleep" agent.
func NewSleepAgent() agentflow.Agent {
	a := &SleepAgent{}
	return agentflow.TypedAgentFunction(a.Name(), a.Execute)
}

func (a *SleepAgent) Name() string {
	return "sleep"
}

func (a *SleepAgent) Execute(ctx context.Context, params SleepInput) (SleepOutput, error) {
	if params.Duration <= 0 {
		return SleepOutput{}, agentflow.NewFatalError(errors.New("duration must be positive"))
	}
	timer := time.NewTimer(params.Duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return SleepOutput{}, ctx.Err()
	case <-timer.C:
		return SleepOutput{Slept: fmt.Sprintf("slept for %s", params.Duration)}, nil
	}
}
