// Package agents provides general purpose agents that workflow definitions
// can reference by name.
package agents

import (
	"net/http"

	"github.com/deepnoodle-ai/agentflow"
)

// Builtins returns every agent in this package. The HTTP agent uses client,
// or http.DefaultClient when client is nil.
func Builtins(client *http.Client) []agentflow.Agent {
	return []agentflow.Agent{
		NewHTTPAgent(client),
		NewScriptAgent(),
		NewJSONAgent(),
		NewSleepAgent(),
		NewFailAgent(),
		NewLogAgent(),
	}
}
