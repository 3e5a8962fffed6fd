package broadcast

import (
	"context"
	"time"

	"github.com/skycastlive/skycast-go/catalog"
	"github.com/skycastlive/skycast-go/uploadqueue"
)

// RenderTarget receives preview frames from the capture collaborator. The
// controller refuses to start a preview until one is attached.
type RenderTarget interface {
	RenderFrame(frame []byte)
}

// RecordingConfig is the encoding configuration handed to the capture
// collaborator for one recording session.
type RecordingConfig struct {
	Width           int
	Height          int
	BitrateKbps     int
	SegmentDuration time.Duration
}

// Recorder is the capture collaborator: it owns the camera, the encoder,
// and segment file production. The controller never dictates encoding
// beyond the RecordingConfig.
//
// Segments delivers finished segment files in increasing sequence order and
// is closed once Stop has finalized the last partial segment. PreviewFrames
// delivers the first frame of the first segment, once per session. Errors
// delivers unrecoverable capture failures.
type Recorder interface {
	StartPreview(target RenderTarget) error
	StopPreview()
	ToggleCamera()
	Start(cfg RecordingConfig) error
	Stop() error
	Segments() <-chan uploadqueue.Segment
	PreviewFrames() <-chan []byte
	Errors() <-chan error
}

// StreamService is the slice of the catalog client the controller needs.
type StreamService interface {
	RegisterApp(ctx context.Context) (catalog.Application, error)
	CreateStream(ctx context.Context, metadata catalog.StreamMetadata) (catalog.Stream, error)
	StopStream(ctx context.Context, streamID string) error
	UpdateLocation(ctx context.Context, streamID string, coord catalog.Coordinate) error
}

// SegmentQueue is the slice of the upload queue the controller drives.
type SegmentQueue interface {
	Enqueue(streamID string, seg uploadqueue.Segment) (string, error)
	EnqueuePreview(streamID, filePath string) (string, error)
	CancelAll(streamID string)
	DrainStatus(streamID string) uploadqueue.DrainStatus
	Outcomes() <-chan uploadqueue.Outcome
}

// LocationSource reports device coordinates. Acquisition is out of scope;
// the controller only applies the push policy to whatever arrives here.
type LocationSource interface {
	Updates() <-chan catalog.Coordinate
}
