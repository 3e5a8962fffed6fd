// Package persist provides durable storage for upload queue records so the
// queue can be rebuilt after a process restart.
package persist

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// State is the durable lifecycle state of one upload task.
type State int

const (
	// StatePending means the task is waiting for its turn.
	StatePending State = iota
	// StateInFlight means an upload attempt had started when the record was
	// last flushed.
	StateInFlight
	// StateSucceeded means the remote store acknowledged the upload.
	StateSucceeded
	// StateFailed means the task failed permanently and will not be retried.
	StateFailed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateInFlight:
		return "in_flight"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Kind distinguishes sequence-ordered segment uploads from the one-off
// content-addressed preview image upload.
type Kind int

const (
	// KindSegment is a numbered video segment.
	KindSegment Kind = iota
	// KindPreview is the stream's preview image.
	KindPreview
)

// Record is the durable form of one upload task, keyed by
// (StreamID, Sequence, Kind).
type Record struct {
	StreamID   string
	Sequence   uint64
	Kind       Kind
	FilePath   string
	Size       int64
	State      State
	Attempts   int
	LastError  string
	EnqueuedAt time.Time
}

// Store persists upload task records across process restarts. Put must be
// durable before it returns; the queue flushes every state transition
// through it before mutating in-memory state.
type Store interface {
	// Put inserts or replaces the record identified by its composite key.
	Put(ctx context.Context, rec Record) error
	// List returns every stored record ordered by stream, kind, and
	// ascending sequence. Implementations skip records they cannot decode
	// rather than failing the whole listing.
	List(ctx context.Context) ([]Record, error)
	// DeleteStream removes all records belonging to the stream.
	DeleteStream(ctx context.Context, streamID string) error
	// Close releases the underlying storage handle.
	Close() error
}
