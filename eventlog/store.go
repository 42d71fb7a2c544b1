package eventlog

import (
	"context"
	"errors"
	"fmt"
)

// ErrSequenceConflict is returned by a Store when an appended event does not
// directly follow the last stored sequence number of its instance.
var ErrSequenceConflict = errors.New("eventlog: sequence conflict")

// Store is the durable, append-only event log.
type Store interface {
	// Append durably writes e. It fails with ErrSequenceConflict unless
	// e.Seq == last seq + 1 for e.InstanceID.
	Append(ctx context.Context, e Event) error

	// Load returns the events of an instance with Seq > afterSeq in order.
	Load(ctx context.Context, instanceID string, afterSeq int64) ([]Event, error)

	// SaveSnapshot replaces the latest snapshot of an instance.
	SaveSnapshot(ctx context.Context, snap *Snapshot) error

	// LoadSnapshot returns the latest snapshot or nil if there is none.
	LoadSnapshot(ctx context.Context, instanceID string) (*Snapshot, error)

	// Instances lists instance ids with at least one event.
	Instances(ctx context.Context) ([]string, error)
}

// PersistenceError reports a failed durable write. Nothing was committed.
type PersistenceError struct {
	InstanceID string
	Seq        int64
	Err        error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist event %d of %s: %v", e.Seq, e.InstanceID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// IsRecoverable implements retry.RecoverableError. Persistence failures are
// surfaced to the caller instead of being retried.
func (e *PersistenceError) IsRecoverable() bool {
	return false
}
