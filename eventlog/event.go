// Package eventlog persists workflow instances as append-only event logs and
// materializes their state by folding those events, optionally starting from
// a snapshot and served through a read cache.
package eventlog

import (
	"encoding/json"
	"fmt"
	"time"

	"go.jetify.com/typeid"
)

// EventType names a state transition.
type EventType string

const (
	EventInstanceStarted   EventType = "instance.started"
	EventNodeEntered       EventType = "node.entered"
	EventNodeCompleted     EventType = "node.completed"
	EventNodeRetry         EventType = "node.retry"
	EventNodeDeferred      EventType = "node.deferred"
	EventNodeFailed        EventType = "node.failed"
	EventInstanceCompleted EventType = "instance.completed"
	EventInstanceFailed    EventType = "instance.failed"
	EventInstanceTimedOut  EventType = "instance.timed_out"
)

// Event is one immutable entry of an instance's log. Seq starts at 1 and is
// gap free per instance.
type Event struct {
	ID         string         `json:"id" db:"id"`
	InstanceID string         `json:"instance_id" db:"instance_id"`
	Seq        int64          `json:"seq" db:"seq"`
	Type       EventType      `json:"type" db:"type"`
	Payload    map[string]any `json:"payload,omitempty" db:"-"`
	Timestamp  time.Time      `json:"timestamp" db:"created_at"`
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// NewEvent builds an event whose payload is the JSON form of body. Sequence,
// id and timestamp are assigned by the Manager on append.
func NewEvent(eventType EventType, body any) (Event, error) {
	payload, err := toMap(body)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	return Event{Type: eventType, Payload: payload}, nil
}

// MustEvent is NewEvent for payloads that are known to encode.
func MustEvent(eventType EventType, body any) Event {
	e, err := NewEvent(eventType, body)
	if err != nil {
		panic(err)
	}
	return e
}

// NewEventID returns a new sortable event id.
func NewEventID() string {
	id, err := typeid.WithPrefix("evt")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// toMap normalizes a payload through JSON so that every store, the cache and
// the fold see identical value types.
func toMap(body any) (map[string]any, error) {
	if body == nil {
		return nil, nil
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// InstanceStarted is the payload of EventInstanceStarted.
type InstanceStarted struct {
	Definition string         `json:"definition"`
	Version    int            `json:"version"`
	Entry      string         `json:"entry"`
	Payload    map[string]any `json:"payload,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
}

// NodeEntered is the payload of EventNodeEntered. From is empty for the
// entry node.
type NodeEntered struct {
	Node string `json:"node"`
	From string `json:"from,omitempty"`
}

// NodeCompleted is the payload of EventNodeCompleted. Payload is the full
// instance payload after the node ran.
type NodeCompleted struct {
	Node     string         `json:"node"`
	Agent    string         `json:"agent,omitempty"`
	Attempts int            `json:"attempts"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// NodeRetry is the payload of EventNodeRetry and EventNodeDeferred.
type NodeRetry struct {
	Node      string `json:"node"`
	Attempt   int    `json:"attempt"`
	Error     string `json:"error"`
	ErrorType string `json:"error_type"`
	DelayMS   int64  `json:"delay_ms"`
}

// NodeFailed is the payload of EventNodeFailed. When Store is set the
// failure is also written to that payload key for a fallback node to read.
type NodeFailed struct {
	Node      string `json:"node"`
	Attempts  int    `json:"attempts"`
	Error     string `json:"error"`
	ErrorType string `json:"error_type"`
	Store     string `json:"store,omitempty"`
}

// InstanceFinished is the payload of the three terminal events.
type InstanceFinished struct {
	Node      string `json:"node,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorType string `json:"error_type,omitempty"`
}
