// Package broadcast hosts the lifecycle controller that coordinates
// preview, stream creation, segment uploads, and teardown for one live
// broadcast at a time.
package broadcast

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/skycastlive/skycast-go/catalog"
	"github.com/skycastlive/skycast-go/logging"
	"github.com/skycastlive/skycast-go/quality"
	"github.com/skycastlive/skycast-go/uploadqueue"
)

// State is the controller's lifecycle position.
type State int

const (
	// StateIdle means no preview and no broadcast.
	StateIdle State = iota
	// StatePreviewActive means camera frames flow to the render target.
	StatePreviewActive
	// StateCreatingStream means recording has begun and the create-stream
	// request is in flight.
	StateCreatingStream
	// StateBroadcasting means the stream identity is bound and segments
	// are being enqueued as they finish.
	StateBroadcasting
	// StateStoppingRecording means stop was requested and the recorder is
	// finalizing its last partial segment.
	StateStoppingRecording
	// StateDraining means recording has stopped and outstanding uploads
	// are resolving.
	StateDraining
	// StateError is the transient failure state; the controller resets to
	// StateIdle after notifying the observer.
	StateError
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePreviewActive:
		return "preview_active"
	case StateCreatingStream:
		return "creating_stream"
	case StateBroadcasting:
		return "broadcasting"
	case StateStoppingRecording:
		return "stopping_recording"
	case StateDraining:
		return "draining"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// ErrNotRegistered is surfaced when broadcasting is attempted before
// RegisterApp succeeded.
var ErrNotRegistered = errors.New("application not registered")

// SegmentDuration is the fixed length of one recorded segment.
const SegmentDuration = 8 * time.Second

// Config tunes the controller's policies.
type Config struct {
	// AuthorID identifies the broadcasting account in created streams.
	AuthorID string
	// NetworkClass reports the current connectivity for quality clamping.
	// Defaults to always-unknown (no clamping).
	NetworkClass func() quality.NetworkClass
	// LocationThresholdMeters is the significant-change distance below
	// which coordinate updates are not pushed. Defaults to 25 m.
	LocationThresholdMeters float64
	// LocationMinInterval debounces pushes to at most one per interval.
	// Defaults to 10 s.
	LocationMinInterval time.Duration
	// PreviewImageDir receives extracted preview frames before upload.
	// Defaults to the system temp directory.
	PreviewImageDir string
}

// Controller is the single-owner lifecycle state machine. Construct one per
// device and hold a reference; it manages at most one active broadcast at a
// time. All transitions are serialized through one internal goroutine, so
// the public methods only post commands and return immediately.
type Controller struct {
	recorder Recorder
	service  StreamService
	queue    SegmentQueue
	location LocationSource
	hub      *observerHub
	logger   *slog.Logger
	cfg      Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	commands chan any

	stateVal   atomic.Int64
	bytesSent  atomic.Int64
	registered atomic.Bool

	// Everything below is owned by the run loop.
	state           State
	requestedPreset quality.Preset
	target          RenderTarget
	stream          *catalog.Stream
	segCh           <-chan uploadqueue.Segment
	frameCh         <-chan []byte
	recErrCh        <-chan error
	locCh           <-chan catalog.Coordinate
	outcomeCh       <-chan uploadqueue.Outcome
	pendingSegments []uploadqueue.Segment
	pendingFrame    []byte
	enqueued        int
	resolved        int
	recordingDone   bool
	stopAckSent     bool
	lastPushed      *catalog.Coordinate
	pushInFlight    bool
	limiter         *rate.Limiter
}

type (
	cmdStartPreview   struct{ target RenderTarget }
	cmdStopPreview    struct{}
	cmdToggleCamera   struct{}
	cmdStartBroadcast struct{}
	cmdStopBroadcast  struct{}
	cmdSetPreset      struct{ preset quality.Preset }
	cmdCreateResult   struct {
		stream catalog.Stream
		err    error
	}
	cmdLocationPushed struct {
		coord catalog.Coordinate
		err   error
	}
	cmdStopAckDone struct{ err error }
)

// NewController wires the collaborators together and starts the lifecycle
// loop. location may be nil when the device has no location source.
func NewController(recorder Recorder, service StreamService, queue SegmentQueue, location LocationSource, cfg Config, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.NetworkClass == nil {
		cfg.NetworkClass = func() quality.NetworkClass { return quality.NetworkUnknown }
	}
	if cfg.LocationThresholdMeters <= 0 {
		cfg.LocationThresholdMeters = 25
	}
	if cfg.LocationMinInterval <= 0 {
		cfg.LocationMinInterval = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &Controller{
		recorder:        recorder,
		service:         service,
		queue:           queue,
		location:        location,
		hub:             newObserverHub(logger),
		logger:          logger,
		cfg:             cfg,
		ctx:             ctx,
		cancel:          cancel,
		commands:        make(chan any, 16),
		state:           StateIdle,
		requestedPreset: quality.DefaultPreset,
		outcomeCh:       queue.Outcomes(),
	}
	if location != nil {
		c.locCh = location.Updates()
	}

	c.wg.Add(1)
	go c.run()
	return c
}

// Subscribe registers an observer for lifecycle events. The returned cancel
// function must be called to stop delivery; subscriptions are never dropped
// implicitly.
func (c *Controller) Subscribe() (<-chan Event, func()) {
	return c.hub.subscribe()
}

// State returns a snapshot of the current lifecycle state.
func (c *Controller) State() State {
	return State(c.stateVal.Load())
}

// BytesSent reports the bytes acknowledged uploaded for the current
// broadcast.
func (c *Controller) BytesSent() int64 {
	return c.bytesSent.Load()
}

// RegisterApp exchanges the app credentials for storage grants. It must
// succeed once before StartBroadcasting has any effect.
func (c *Controller) RegisterApp(ctx context.Context) (catalog.Application, error) {
	app, err := c.service.RegisterApp(ctx)
	if err != nil {
		return catalog.Application{}, err
	}
	c.registered.Store(true)
	return app, nil
}

// StartPreview binds the render target and starts camera preview. No-op
// unless idle, and no-op without a target.
func (c *Controller) StartPreview(target RenderTarget) {
	c.post(cmdStartPreview{target: target})
}

// StopPreview tears the preview down. Disallowed (a no-op) from
// broadcasting onwards so capture resources are never destroyed mid-upload.
func (c *Controller) StopPreview() {
	c.post(cmdStopPreview{})
}

// ToggleCamera switches between front and back camera while previewing or
// broadcasting.
func (c *Controller) ToggleCamera() {
	c.post(cmdToggleCamera{})
}

// SetQualityPreset selects the encoding preset for the next broadcast. The
// value is clamped by the network policy when broadcasting starts; a session
// already in flight is never reconfigured.
func (c *Controller) SetQualityPreset(p quality.Preset) {
	c.post(cmdSetPreset{preset: p})
}

// StartBroadcasting begins local recording immediately and concurrently
// asks the catalog to create the stream. Completion is reported through
// observer events.
func (c *Controller) StartBroadcasting() {
	c.post(cmdStartBroadcast{})
}

// StopBroadcasting stops local recording, finalizes the last partial
// segment, and leaves the controller draining until every outstanding
// upload resolves.
func (c *Controller) StopBroadcasting() {
	c.post(cmdStopBroadcast{})
}

// Close stops the lifecycle loop and waits for it to exit or the context
// to expire.
func (c *Controller) Close(ctx context.Context) error {
	c.once.Do(c.cancel)

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		c.hub.close()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (c *Controller) post(cmd any) {
	select {
	case c.commands <- cmd:
	case <-c.ctx.Done():
	}
}

func (c *Controller) setState(s State) {
	c.state = s
	c.stateVal.Store(int64(s))
}

func (c *Controller) run() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		case cmd := <-c.commands:
			c.handleCommand(cmd)
		case seg, ok := <-c.segCh:
			c.handleSegment(seg, ok)
		case frame, ok := <-c.frameCh:
			c.handleFrame(frame, ok)
		case err, ok := <-c.recErrCh:
			c.handleRecordingError(err, ok)
		case outcome, ok := <-c.outcomeCh:
			if !ok {
				c.outcomeCh = nil
				continue
			}
			c.handleOutcome(outcome)
		case coord, ok := <-c.locCh:
			if !ok {
				c.locCh = nil
				continue
			}
			c.handleLocation(coord)
		}
	}
}

func (c *Controller) handleCommand(cmd any) {
	switch cmd := cmd.(type) {
	case cmdStartPreview:
		c.handleStartPreview(cmd.target)
	case cmdStopPreview:
		c.handleStopPreview()
	case cmdToggleCamera:
		if c.state == StatePreviewActive || c.state == StateCreatingStream || c.state == StateBroadcasting {
			c.recorder.ToggleCamera()
		}
	case cmdSetPreset:
		if cmd.preset.Valid() {
			c.requestedPreset = cmd.preset
		}
	case cmdStartBroadcast:
		c.handleStartBroadcast()
	case cmdStopBroadcast:
		c.handleStopBroadcast()
	case cmdCreateResult:
		c.handleCreateResult(cmd.stream, cmd.err)
	case cmdLocationPushed:
		c.handleLocationPushed(cmd.coord, cmd.err)
	case cmdStopAckDone:
		c.handleStopAck(cmd.err)
	}
}

func (c *Controller) handleStartPreview(target RenderTarget) {
	if c.state != StateIdle || target == nil {
		return
	}
	if err := c.recorder.StartPreview(target); err != nil {
		c.logger.Error("start preview", "error", err)
		return
	}
	c.target = target
	c.setState(StatePreviewActive)
}

func (c *Controller) handleStopPreview() {
	if c.state != StatePreviewActive {
		return
	}
	c.recorder.StopPreview()
	c.target = nil
	c.setState(StateIdle)
}

func (c *Controller) handleStartBroadcast() {
	if c.state != StatePreviewActive {
		return
	}
	if !c.registered.Load() {
		c.hub.publish(Event{Type: EventStreamCreationFailed, Err: ErrNotRegistered})
		return
	}

	preset := quality.Select(c.requestedPreset, c.cfg.NetworkClass())
	width, height := preset.Resolution()
	rcfg := RecordingConfig{
		Width:           width,
		Height:          height,
		BitrateKbps:     preset.BitrateKbps(),
		SegmentDuration: SegmentDuration,
	}

	if err := c.recorder.Start(rcfg); err != nil {
		c.logger.Error("start recording", "error", err)
		c.setState(StateError)
		c.hub.publish(Event{Type: EventRecordingFailed, Err: err})
		c.recorder.StopPreview()
		c.target = nil
		c.setState(StateIdle)
		return
	}

	c.segCh = c.recorder.Segments()
	c.frameCh = c.recorder.PreviewFrames()
	c.recErrCh = c.recorder.Errors()
	c.pendingSegments = nil
	c.pendingFrame = nil
	c.enqueued = 0
	c.resolved = 0
	c.recordingDone = false
	c.stopAckSent = false
	c.lastPushed = nil
	c.pushInFlight = false
	c.bytesSent.Store(0)
	c.limiter = rate.NewLimiter(rate.Every(c.cfg.LocationMinInterval), 1)
	c.setState(StateCreatingStream)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, span := logging.StartSpan(c.ctx, "broadcast.create_stream")
		defer span.End()
		stream, err := c.service.CreateStream(ctx, catalog.StreamMetadata{AuthorID: c.cfg.AuthorID})
		c.post(cmdCreateResult{stream: stream, err: err})
	}()
}

func (c *Controller) handleCreateResult(stream catalog.Stream, err error) {
	if c.state != StateCreatingStream {
		return
	}

	if err != nil {
		// Abort the recording; nothing gets uploaded and the user must
		// restart the action.
		if stopErr := c.recorder.Stop(); stopErr != nil {
			c.logger.Warn("abort recording after create failure", "error", stopErr)
		}
		for _, seg := range c.pendingSegments {
			if rmErr := os.Remove(seg.FilePath); rmErr != nil && !os.IsNotExist(rmErr) {
				c.logger.Warn("discard aborted segment", "path", seg.FilePath, "error", rmErr)
			}
		}
		c.pendingSegments = nil
		c.pendingFrame = nil
		c.segCh = nil
		c.frameCh = nil
		c.recErrCh = nil
		c.setState(StatePreviewActive)
		c.hub.publish(Event{Type: EventStreamCreationFailed, Err: err})
		return
	}

	c.stream = &stream
	c.setState(StateBroadcasting)
	c.hub.publish(Event{Type: EventStreamCreated, Stream: &stream})

	for _, seg := range c.pendingSegments {
		c.enqueueSegment(seg)
	}
	c.pendingSegments = nil

	if c.pendingFrame != nil {
		c.publishPreviewImage(c.pendingFrame)
		c.pendingFrame = nil
	}
}

func (c *Controller) handleSegment(seg uploadqueue.Segment, ok bool) {
	if !ok {
		c.segCh = nil
		c.recordingDone = true
		if c.state == StateStoppingRecording {
			c.hub.publish(Event{Type: EventRecordingStopped})
			c.setState(StateDraining)
			c.maybeFinishDrain()
		}
		return
	}

	switch c.state {
	case StateCreatingStream:
		c.pendingSegments = append(c.pendingSegments, seg)
	case StateBroadcasting, StateStoppingRecording:
		c.enqueueSegment(seg)
	default:
		c.logger.Warn("dropping segment outside broadcast",
			"sequence", seg.Sequence, "state", c.state.String())
	}
}

func (c *Controller) enqueueSegment(seg uploadqueue.Segment) {
	if _, err := c.queue.Enqueue(c.stream.ID, seg); err != nil {
		c.logger.Error("enqueue segment", "sequence", seg.Sequence, "error", err)
		return
	}
	c.enqueued++
}

func (c *Controller) handleFrame(frame []byte, ok bool) {
	if !ok {
		c.frameCh = nil
		return
	}
	if c.state == StateCreatingStream {
		c.pendingFrame = frame
		return
	}
	if c.stream != nil {
		c.publishPreviewImage(frame)
	}
}

// publishPreviewImage routes the first captured frame through the same
// upload path as segments, content-addressed to the stream.
func (c *Controller) publishPreviewImage(frame []byte) {
	file, err := os.CreateTemp(c.cfg.PreviewImageDir, "preview-*.jpg")
	if err != nil {
		c.logger.Error("stage preview image", "error", err)
		return
	}
	if _, err := file.Write(frame); err != nil {
		file.Close()
		c.logger.Error("write preview image", "error", err)
		return
	}
	file.Close()

	if _, err := c.queue.EnqueuePreview(c.stream.ID, file.Name()); err != nil {
		c.logger.Error("enqueue preview image", "error", err)
		return
	}
	c.enqueued++

	c.hub.publish(Event{
		Type:     EventPreviewImageReady,
		StreamID: c.stream.ID,
		Image:    frame,
	})
}

func (c *Controller) handleRecordingError(err error, ok bool) {
	if !ok {
		c.recErrCh = nil
		return
	}

	c.logger.Error("unrecoverable recording failure", "error", err)
	c.setState(StateError)

	if stopErr := c.recorder.Stop(); stopErr != nil {
		c.logger.Warn("stop recorder after failure", "error", stopErr)
	}
	c.recorder.StopPreview()
	if c.stream != nil {
		c.queue.CancelAll(c.stream.ID)
	}

	c.hub.publish(Event{Type: EventRecordingFailed, Err: err})

	c.stream = nil
	c.target = nil
	c.segCh = nil
	c.frameCh = nil
	c.recErrCh = nil
	c.pendingSegments = nil
	c.pendingFrame = nil
	c.setState(StateIdle)
}

func (c *Controller) handleStopBroadcast() {
	if c.state != StateBroadcasting {
		return
	}
	c.setState(StateStoppingRecording)
	if err := c.recorder.Stop(); err != nil {
		c.logger.Warn("stop recording", "error", err)
	}
	// The recorder finalizes its last partial segment and closes the
	// segment channel; draining proceeds from there.
}

func (c *Controller) handleOutcome(outcome uploadqueue.Outcome) {
	if c.stream == nil || outcome.StreamID != c.stream.ID {
		return
	}

	c.resolved++
	if outcome.Err == nil {
		c.bytesSent.Add(outcome.Size)
	} else {
		c.logger.Error("upload task failed permanently",
			"sequence", outcome.Sequence, "error", outcome.Err)
	}

	if c.state == StateDraining {
		c.maybeFinishDrain()
	}
}

// maybeFinishDrain sends the stop acknowledgement once recording is done
// and every enqueued task has resolved.
func (c *Controller) maybeFinishDrain() {
	if c.stopAckSent || !c.recordingDone || c.resolved < c.enqueued {
		return
	}
	c.stopAckSent = true

	streamID := c.stream.ID
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, span := logging.StartSpan(logging.WithStreamID(c.ctx, streamID), "broadcast.stop_stream")
		defer span.End()
		err := c.service.StopStream(ctx, streamID)
		c.post(cmdStopAckDone{err: err})
	}()
}

func (c *Controller) handleStopAck(err error) {
	if c.state != StateDraining || c.stream == nil {
		return
	}
	if err != nil {
		c.logger.Warn("stop acknowledgement failed", "streamId", c.stream.ID, "error", err)
	}

	stopped := c.stream
	c.stream = nil
	c.frameCh = nil
	c.recErrCh = nil
	c.setState(StatePreviewActive)
	if c.target == nil {
		c.setState(StateIdle)
	}
	c.hub.publish(Event{Type: EventBroadcastFullyStopped, Stream: stopped, Err: err})
}

func (c *Controller) handleLocation(coord catalog.Coordinate) {
	if c.state != StateBroadcasting || c.stream == nil || c.pushInFlight {
		return
	}
	if c.lastPushed != nil && distanceMeters(*c.lastPushed, coord) < c.cfg.LocationThresholdMeters {
		return
	}
	if !c.limiter.Allow() {
		return
	}

	c.pushInFlight = true
	streamID := c.stream.ID
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		err := c.service.UpdateLocation(c.ctx, streamID, coord)
		c.post(cmdLocationPushed{coord: coord, err: err})
	}()
}

func (c *Controller) handleLocationPushed(coord catalog.Coordinate, err error) {
	c.pushInFlight = false
	if err != nil {
		// Location pushes are best-effort; the catalog client already
		// retried once.
		c.logger.Warn("location update failed", "error", err)
		return
	}
	c.lastPushed = &coord
	if c.stream != nil {
		c.hub.publish(Event{
			Type:       EventLocationUpdated,
			StreamID:   c.stream.ID,
			Coordinate: &coord,
		})
	}
}
