package agentflow

import (
	"context"
	"fmt"

	"github.com/deepnoodle-ai/agentflow/script"
	"golang.org/x/sync/errgroup"
)

// Quorum rules
const (
	QuorumUnanimous = "unanimous"
	QuorumMajority  = "majority"
	QuorumThreshold = "threshold"
)

// DefaultVoteKey is the output key each checker votes with.
const DefaultVoteKey = "approved"

// QuorumConfig turns a node into a merge point that fans the payload out to
// a set of checker agents and combines their votes.
type QuorumConfig struct {
	Agents []string `json:"agents" yaml:"agents"`
	// Rule is unanimous (default), majority or threshold.
	Rule string `json:"rule,omitempty" yaml:"rule,omitempty"`
	// Threshold is the number of approvals required by the threshold rule.
	Threshold int    `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	VoteKey   string `json:"vote_key,omitempty" yaml:"vote_key,omitempty"`
}

func (q *QuorumConfig) validate() error {
	if len(q.Agents) == 0 {
		return fmt.Errorf("quorum requires at least one agent")
	}
	seen := map[string]bool{}
	for _, name := range q.Agents {
		if seen[name] {
			return fmt.Errorf("quorum agent %q listed twice", name)
		}
		seen[name] = true
	}
	switch q.Rule {
	case "", QuorumUnanimous, QuorumMajority:
	case QuorumThreshold:
		if q.Threshold <= 0 || q.Threshold > len(q.Agents) {
			return fmt.Errorf("quorum threshold must be between 1 and %d", len(q.Agents))
		}
	default:
		return fmt.Errorf("unknown quorum rule %q", q.Rule)
	}
	return nil
}

func (q *QuorumConfig) voteKey() string {
	if q.VoteKey == "" {
		return DefaultVoteKey
	}
	return q.VoteKey
}

// Passed applies the rule to a vote count.
func (q *QuorumConfig) Passed(approvals, total int) bool {
	switch q.Rule {
	case QuorumMajority:
		return approvals*2 > total
	case QuorumThreshold:
		return approvals >= q.Threshold
	default:
		return approvals == total
	}
}

// QuorumResult is the output of a quorum node.
type QuorumResult struct {
	Approved  bool            `json:"approved"`
	Approvals int             `json:"approvals"`
	Total     int             `json:"total"`
	Votes     map[string]bool `json:"votes"`
	Feedback  map[string]any  `json:"feedback,omitempty"`
}

// callFunc invokes one agent with its schema checks and output normalization.
type callFunc func(ctx context.Context, agent Agent, input Payload) (Payload, error)

// runQuorum executes every checker concurrently against its own copy of the
// input. The first checker error fails the attempt and cancels the rest.
func runQuorum(ctx context.Context, q *QuorumConfig, agents map[string]Agent, input Payload, call callFunc) (Payload, error) {
	outputs := make([]Payload, len(q.Agents))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range q.Agents {
		agent, ok := agents[name]
		if !ok {
			return nil, NewFatalError(fmt.Errorf("quorum agent %q not found", name))
		}
		checkerInput := input.Clone()
		g.Go(func() error {
			out, err := call(gctx, agent, checkerInput)
			if err != nil {
				return fmt.Errorf("quorum agent %q: %w", name, err)
			}
			outputs[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	key := q.voteKey()
	result := QuorumResult{Total: len(q.Agents), Votes: map[string]bool{}}
	for i, name := range q.Agents {
		vote := script.Truthy(outputs[i][key])
		result.Votes[name] = vote
		if vote {
			result.Approvals++
		}
		if feedback, ok := outputs[i]["feedback"]; ok {
			if result.Feedback == nil {
				result.Feedback = map[string]any{}
			}
			result.Feedback[name] = feedback
		}
	}
	result.Approved = q.Passed(result.Approvals, result.Total)
	return ToPayload(result)
}
