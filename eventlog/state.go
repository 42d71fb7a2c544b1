package eventlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Status of a workflow instance.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
)

// Terminal reports whether no further events may follow.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimedOut
}

// ErrInstanceSealed is returned when appending to a terminal instance.
var ErrInstanceSealed = errors.New("eventlog: instance is sealed")

// ErrInstanceExists is returned when an instance.started event is appended
// to an instance that already has events.
var ErrInstanceExists = errors.New("eventlog: instance already exists")

// ErrorInfo describes why a node or instance failed.
type ErrorInfo struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Node    string `json:"node,omitempty"`
}

// State is the materialized view of an instance: the fold of its events.
type State struct {
	InstanceID  string         `json:"instance_id"`
	Definition  string         `json:"definition"`
	Version     int            `json:"version"`
	Status      Status         `json:"status"`
	CurrentNode string         `json:"current_node"`
	Payload     map[string]any `json:"payload"`
	Context     map[string]any `json:"context,omitempty"`
	// Visits counts node.entered events per node.
	Visits map[string]int `json:"visits"`
	// EdgeCounts counts traversals per "from->to" edge.
	EdgeCounts map[string]int `json:"edge_counts"`
	// LastFailure is the most recent node.failed, cleared by node.completed.
	LastFailure *ErrorInfo `json:"last_failure,omitempty"`
	Error       *ErrorInfo `json:"error,omitempty"`
	Seq         int64      `json:"seq"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// EdgeKey is the EdgeCounts key of an edge.
func EdgeKey(from, to string) string {
	return from + "->" + to
}

// Apply folds one event into the state. Events must arrive in sequence.
// Unknown event types only advance the sequence.
func (s *State) Apply(e Event) error {
	if e.Seq != s.Seq+1 {
		return fmt.Errorf("eventlog: instance %s: event seq %d does not follow %d", s.InstanceID, e.Seq, s.Seq)
	}
	if s.Seq > 0 && e.Type == EventInstanceStarted {
		return fmt.Errorf("%w: %s", ErrInstanceExists, s.InstanceID)
	}
	if s.Seq > 0 && s.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrInstanceSealed, s.InstanceID, s.Status)
	}
	if s.Seq == 0 && e.Type != EventInstanceStarted {
		return fmt.Errorf("eventlog: instance %s: first event must be %s, got %s",
			e.InstanceID, EventInstanceStarted, e.Type)
	}

	switch e.Type {
	case EventInstanceStarted:
		var body InstanceStarted
		if err := e.Decode(&body); err != nil {
			return err
		}
		s.InstanceID = e.InstanceID
		s.Definition = body.Definition
		s.Version = body.Version
		s.Status = StatusRunning
		s.CurrentNode = body.Entry
		s.Payload = body.Payload
		s.Context = body.Context
		s.CreatedAt = e.Timestamp

	case EventNodeEntered:
		var body NodeEntered
		if err := e.Decode(&body); err != nil {
			return err
		}
		s.CurrentNode = body.Node
		if s.Visits == nil {
			s.Visits = map[string]int{}
		}
		s.Visits[body.Node]++
		if body.From != "" {
			if s.EdgeCounts == nil {
				s.EdgeCounts = map[string]int{}
			}
			s.EdgeCounts[EdgeKey(body.From, body.Node)]++
		}

	case EventNodeCompleted:
		var body NodeCompleted
		if err := e.Decode(&body); err != nil {
			return err
		}
		s.Payload = body.Payload
		s.LastFailure = nil

	case EventNodeFailed:
		var body NodeFailed
		if err := e.Decode(&body); err != nil {
			return err
		}
		s.LastFailure = &ErrorInfo{Type: body.ErrorType, Message: body.Error, Node: body.Node}
		if body.Store != "" {
			if s.Payload == nil {
				s.Payload = map[string]any{}
			}
			s.Payload[body.Store] = map[string]any{
				"type":    body.ErrorType,
				"message": body.Error,
				"node":    body.Node,
			}
		}

	case EventInstanceCompleted:
		s.Status = StatusCompleted

	case EventInstanceFailed, EventInstanceTimedOut:
		var body InstanceFinished
		if err := e.Decode(&body); err != nil {
			return err
		}
		s.Status = StatusFailed
		if e.Type == EventInstanceTimedOut {
			s.Status = StatusTimedOut
		}
		s.Error = &ErrorInfo{Type: body.ErrorType, Message: body.Error, Node: body.Node}

		// node.retry and node.deferred are history only: a retried attempt
		// leaves no trace in the materialized state.
	}

	if s.Payload == nil {
		s.Payload = map[string]any{}
	}
	s.Seq = e.Seq
	s.UpdatedAt = e.Timestamp
	return nil
}

// Fold applies events on top of base, which may be nil for a full replay.
// base is not modified.
func Fold(base *State, events []Event) (*State, error) {
	var s *State
	if base != nil {
		s = base.Clone()
	} else {
		s = &State{}
	}
	for _, e := range events {
		if err := s.Apply(e); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		panic(fmt.Sprintf("eventlog: clone state: %v", err))
	}
	var out State
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("eventlog: clone state: %v", err))
	}
	return &out
}

// Snapshot is a materialized state at a sequence number.
type Snapshot struct {
	InstanceID string    `json:"instance_id"`
	Seq        int64     `json:"seq"`
	State      *State    `json:"state"`
	CreatedAt  time.Time `json:"created_at"`
}
