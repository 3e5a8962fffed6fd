// Package uploadqueue maintains the durable, ordered queue of segment
// uploads for live broadcasts. Tasks survive process restarts through a
// persist.Store and are uploaded strictly in sequence order per stream.
package uploadqueue

import (
	"errors"
	"fmt"
	"path"

	"github.com/skycastlive/skycast-go/persist"
)

// Segment is a finished unit of recorded video handed over by the capture
// collaborator.
type Segment struct {
	Sequence        uint64
	FilePath        string
	Size            int64
	DurationSeconds float64
}

// Outcome reports the terminal result of one upload task. Err is nil on
// success and carries the permanent failure otherwise. Transient failures
// are never reported; they are retried internally.
type Outcome struct {
	TaskID   string
	StreamID string
	Sequence uint64
	Kind     persist.Kind
	Size     int64
	Err      error
}

// DrainStatus is a point-in-time snapshot of a stream's outstanding work.
type DrainStatus struct {
	PendingCount  int
	InFlightCount int
}

// Drained reports whether no work remains for the stream.
func (d DrainStatus) Drained() bool {
	return d.PendingCount == 0 && d.InFlightCount == 0
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return fmt.Sprintf("permanent: %v", e.err) }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err to mark an upload failure as non-retryable. Transports
// use it to distinguish revoked credentials from flaky networks.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// segmentKey is the destination key for a numbered segment.
func segmentKey(streamID string, sequence uint64) string {
	return path.Join("streams", streamID, fmt.Sprintf("%05d.ts", sequence))
}

// previewKey is the content-addressed destination for the stream's preview
// image; it carries no sequence number.
func previewKey(streamID string) string {
	return path.Join("streams", streamID, "preview.jpg")
}

// destinationKey returns the object key for a stored record.
func destinationKey(rec persist.Record) string {
	if rec.Kind == persist.KindPreview {
		return previewKey(rec.StreamID)
	}
	return segmentKey(rec.StreamID, rec.Sequence)
}
