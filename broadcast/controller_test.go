package broadcast

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/skycastlive/skycast-go/catalog"
	"github.com/skycastlive/skycast-go/persist"
	"github.com/skycastlive/skycast-go/quality"
	"github.com/skycastlive/skycast-go/uploadqueue"
)

type fakeRenderTarget struct{}

func (fakeRenderTarget) RenderFrame([]byte) {}

type fakeRecorder struct {
	mu             sync.Mutex
	previewActive  bool
	recording      bool
	segmentsClosed bool
	segCh          chan uploadqueue.Segment
	frameCh        chan []byte
	errCh          chan error
	startErr       error
	lastCfg        RecordingConfig
}

func (r *fakeRecorder) StartPreview(target RenderTarget) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.previewActive = true
	return nil
}

func (r *fakeRecorder) StopPreview() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.previewActive = false
}

func (r *fakeRecorder) ToggleCamera() {}

func (r *fakeRecorder) Start(cfg RecordingConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return r.startErr
	}
	r.lastCfg = cfg
	r.recording = true
	r.segmentsClosed = false
	r.segCh = make(chan uploadqueue.Segment, 16)
	r.frameCh = make(chan []byte, 1)
	r.errCh = make(chan error, 1)
	return nil
}

func (r *fakeRecorder) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recording = false
	if r.segCh != nil && !r.segmentsClosed {
		r.segmentsClosed = true
		close(r.segCh)
	}
	return nil
}

func (r *fakeRecorder) Segments() <-chan uploadqueue.Segment { return r.segCh }
func (r *fakeRecorder) PreviewFrames() <-chan []byte         { return r.frameCh }
func (r *fakeRecorder) Errors() <-chan error                 { return r.errCh }

func (r *fakeRecorder) emitSegment(seg uploadqueue.Segment) { r.segCh <- seg }

func (r *fakeRecorder) isRecording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

func (r *fakeRecorder) isPreviewActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.previewActive
}

type fakeStreamService struct {
	mu          sync.Mutex
	createErr   error
	createGate  chan struct{}
	createCalls int
	stopCalls   int
	locations   []catalog.Coordinate
	locationErr error
}

func (s *fakeStreamService) RegisterApp(ctx context.Context) (catalog.Application, error) {
	return catalog.Application{ID: "app-1", StorageBucket: "segments"}, nil
}

func (s *fakeStreamService) CreateStream(ctx context.Context, metadata catalog.StreamMetadata) (catalog.Stream, error) {
	if s.createGate != nil {
		select {
		case <-s.createGate:
		case <-ctx.Done():
			return catalog.Stream{}, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createCalls++
	if s.createErr != nil {
		return catalog.Stream{}, s.createErr
	}
	return catalog.Stream{
		ID:          "stream-1",
		AuthorID:    metadata.AuthorID,
		CreatedAt:   time.Now().UTC(),
		PlaybackURL: "https://play.example.com/stream-1.m3u8",
	}, nil
}

func (s *fakeStreamService) StopStream(ctx context.Context, streamID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopCalls++
	return nil
}

func (s *fakeStreamService) UpdateLocation(ctx context.Context, streamID string, coord catalog.Coordinate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locations = append(s.locations, coord)
	return s.locationErr
}

func (s *fakeStreamService) stopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCalls
}

func (s *fakeStreamService) locationCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locations)
}

type slowUploader struct {
	mu    sync.Mutex
	delay time.Duration
	keys  []string
}

func (u *slowUploader) Upload(ctx context.Context, key, filePath string) error {
	if u.delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(u.delay):
		}
	}
	u.mu.Lock()
	u.keys = append(u.keys, key)
	u.mu.Unlock()
	return nil
}

func (u *slowUploader) uploaded() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]string, len(u.keys))
	copy(out, u.keys)
	return out
}

type locationFeed struct {
	ch chan catalog.Coordinate
}

func (l *locationFeed) Updates() <-chan catalog.Coordinate { return l.ch }

type eventCollector struct {
	mu     sync.Mutex
	events []Event
}

func collectEvents(c *Controller) *eventCollector {
	ec := &eventCollector{}
	ch, _ := c.Subscribe()
	go func() {
		for event := range ch {
			ec.mu.Lock()
			ec.events = append(ec.events, event)
			ec.mu.Unlock()
		}
	}()
	return ec
}

func (ec *eventCollector) countType(t EventType) int {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	var n int
	for _, event := range ec.events {
		if event.Type == t {
			n++
		}
	}
	return n
}

func (ec *eventCollector) firstOfType(t EventType) (Event, bool) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	for _, event := range ec.events {
		if event.Type == t {
			return event, true
		}
	}
	return Event{}, false
}

func waitForCondition(t *testing.T, cond func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

type harness struct {
	controller *Controller
	recorder   *fakeRecorder
	service    *fakeStreamService
	queue      *uploadqueue.Queue
	uploader   *slowUploader
	events     *eventCollector
	location   *locationFeed
}

func newHarness(t *testing.T, service *fakeStreamService, uploadDelay time.Duration, cfg Config) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	uploader := &slowUploader{delay: uploadDelay}
	queue := uploadqueue.New(persist.NewMemoryStore(), uploader,
		uploadqueue.Config{BaseDelay: 2 * time.Millisecond, MaxDelay: 10 * time.Millisecond}, logger)

	recorder := &fakeRecorder{}
	location := &locationFeed{ch: make(chan catalog.Coordinate, 16)}

	if cfg.AuthorID == "" {
		cfg.AuthorID = "author-1"
	}
	controller := NewController(recorder, service, queue, location, cfg, logger)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = controller.Close(ctx)
		_ = queue.Shutdown(ctx)
	})

	return &harness{
		controller: controller,
		recorder:   recorder,
		service:    service,
		queue:      queue,
		uploader:   uploader,
		events:     collectEvents(controller),
		location:   location,
	}
}

func (h *harness) segmentFile(t *testing.T, dir string, seq uint64) uploadqueue.Segment {
	t.Helper()
	path := filepath.Join(dir, fmt.Sprintf("%d.ts", seq))
	if err := os.WriteFile(path, []byte("segment-bytes"), 0o644); err != nil {
		t.Fatalf("write segment: %v", err)
	}
	return uploadqueue.Segment{Sequence: seq, FilePath: path, Size: int64(len("segment-bytes")), DurationSeconds: 8}
}

func (h *harness) startBroadcast(t *testing.T) {
	t.Helper()
	if _, err := h.controller.RegisterApp(context.Background()); err != nil {
		t.Fatalf("register app: %v", err)
	}
	h.controller.StartPreview(fakeRenderTarget{})
	waitForCondition(t, func() bool { return h.controller.State() == StatePreviewActive }, time.Second)
	h.controller.StartBroadcasting()
}

func TestBroadcastRequiresRegistration(t *testing.T) {
	h := newHarness(t, &fakeStreamService{}, 0, Config{})

	h.controller.StartPreview(fakeRenderTarget{})
	waitForCondition(t, func() bool { return h.controller.State() == StatePreviewActive }, time.Second)
	h.controller.StartBroadcasting()

	waitForCondition(t, func() bool {
		return h.events.countType(EventStreamCreationFailed) == 1
	}, time.Second)

	event, _ := h.events.firstOfType(EventStreamCreationFailed)
	if !errors.Is(event.Err, ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered, got %v", event.Err)
	}
	if h.controller.State() != StatePreviewActive {
		t.Fatalf("unexpected state %v", h.controller.State())
	}
}

func TestStartPreviewRequiresRenderTarget(t *testing.T) {
	h := newHarness(t, &fakeStreamService{}, 0, Config{})

	h.controller.StartPreview(nil)
	time.Sleep(20 * time.Millisecond)
	if h.controller.State() != StateIdle {
		t.Fatalf("preview must not start without a render target, state %v", h.controller.State())
	}
}

func TestStreamCreationFailureAbortsRecording(t *testing.T) {
	service := &fakeStreamService{
		createErr:  &catalog.Error{Kind: catalog.KindAuth, Status: 401, Message: "bad credentials"},
		createGate: make(chan struct{}),
	}
	h := newHarness(t, service, 0, Config{})
	dir := t.TempDir()

	h.startBroadcast(t)
	waitForCondition(t, func() bool { return h.recorder.isRecording() }, time.Second)
	if h.controller.State() != StateCreatingStream {
		t.Fatalf("expected creating_stream, got %v", h.controller.State())
	}

	// A segment finishes while the create request is still pending.
	h.recorder.emitSegment(h.segmentFile(t, dir, 0))
	close(service.createGate)

	waitForCondition(t, func() bool {
		return h.events.countType(EventStreamCreationFailed) == 1
	}, time.Second)

	time.Sleep(50 * time.Millisecond)
	if got := h.events.countType(EventStreamCreationFailed); got != 1 {
		t.Fatalf("stream creation failure must be surfaced exactly once, got %d", got)
	}
	if keys := h.uploader.uploaded(); len(keys) != 0 {
		t.Fatalf("no segments may upload after creation failure, got %v", keys)
	}
	if h.recorder.isRecording() {
		t.Fatal("recording must be aborted after creation failure")
	}
	event, _ := h.events.firstOfType(EventStreamCreationFailed)
	if !catalog.IsAuth(event.Err) {
		t.Fatalf("expected auth error, got %v", event.Err)
	}
}

func TestBroadcastDrainsBeforeFullyStopped(t *testing.T) {
	service := &fakeStreamService{}
	h := newHarness(t, service, 40*time.Millisecond, Config{})
	dir := t.TempDir()

	h.startBroadcast(t)
	waitForCondition(t, func() bool {
		return h.events.countType(EventStreamCreated) == 1
	}, time.Second)

	h.recorder.emitSegment(h.segmentFile(t, dir, 0))
	h.recorder.emitSegment(h.segmentFile(t, dir, 1))

	// Stop while both segments are still uploading.
	h.controller.StopBroadcasting()

	waitForCondition(t, func() bool {
		return h.events.countType(EventRecordingStopped) == 1
	}, time.Second)

	waitForCondition(t, func() bool {
		return h.events.countType(EventBroadcastFullyStopped) == 1
	}, 3*time.Second)

	time.Sleep(50 * time.Millisecond)
	if got := h.events.countType(EventBroadcastFullyStopped); got != 1 {
		t.Fatalf("fully-stopped must fire exactly once, got %d", got)
	}
	if got := service.stopCount(); got != 1 {
		t.Fatalf("stop acknowledgement must be sent exactly once, got %d", got)
	}
	if keys := h.uploader.uploaded(); len(keys) != 2 {
		t.Fatalf("both segments must land before fully-stopped, got %v", keys)
	}
	if sent := h.controller.BytesSent(); sent != 2*int64(len("segment-bytes")) {
		t.Fatalf("unexpected bytes sent %d", sent)
	}
}

func TestStopPreviewDisallowedWhileBroadcasting(t *testing.T) {
	service := &fakeStreamService{}
	h := newHarness(t, service, 0, Config{})

	h.startBroadcast(t)
	waitForCondition(t, func() bool {
		return h.controller.State() == StateBroadcasting
	}, time.Second)

	h.controller.StopPreview()
	time.Sleep(20 * time.Millisecond)

	if !h.recorder.isPreviewActive() {
		t.Fatal("stop-preview must be a no-op while broadcasting")
	}
	if h.controller.State() != StateBroadcasting {
		t.Fatalf("unexpected state %v", h.controller.State())
	}
}

func TestPreviewImageRoutedThroughUploadPath(t *testing.T) {
	service := &fakeStreamService{}
	h := newHarness(t, service, 0, Config{PreviewImageDir: t.TempDir()})

	h.startBroadcast(t)
	waitForCondition(t, func() bool {
		return h.controller.State() == StateBroadcasting
	}, time.Second)

	h.recorder.frameCh <- []byte("jpeg-bytes")

	waitForCondition(t, func() bool {
		return h.events.countType(EventPreviewImageReady) == 1
	}, time.Second)
	waitForCondition(t, func() bool {
		for _, key := range h.uploader.uploaded() {
			if key == "streams/stream-1/preview.jpg" {
				return true
			}
		}
		return false
	}, time.Second)

	event, _ := h.events.firstOfType(EventPreviewImageReady)
	if event.StreamID != "stream-1" || string(event.Image) != "jpeg-bytes" {
		t.Fatalf("unexpected preview event %+v", event)
	}
}

func TestLocationPushPolicy(t *testing.T) {
	service := &fakeStreamService{}
	h := newHarness(t, service, 0, Config{
		LocationThresholdMeters: 25,
		LocationMinInterval:     time.Millisecond,
	})

	h.startBroadcast(t)
	waitForCondition(t, func() bool {
		return h.controller.State() == StateBroadcasting
	}, time.Second)

	origin := catalog.Coordinate{Latitude: 60.1699, Longitude: 24.9384}
	h.location.ch <- origin
	waitForCondition(t, func() bool { return service.locationCount() == 1 }, time.Second)
	waitForCondition(t, func() bool {
		return h.events.countType(EventLocationUpdated) == 1
	}, time.Second)

	// ~5 m north: below the significant-change threshold, never pushed.
	h.location.ch <- catalog.Coordinate{Latitude: origin.Latitude + 0.000045, Longitude: origin.Longitude}
	time.Sleep(50 * time.Millisecond)
	if got := service.locationCount(); got != 1 {
		t.Fatalf("insignificant move must not push, got %d pushes", got)
	}

	// ~550 m north: pushed once the debounce interval elapsed.
	h.location.ch <- catalog.Coordinate{Latitude: origin.Latitude + 0.005, Longitude: origin.Longitude}
	waitForCondition(t, func() bool { return service.locationCount() == 2 }, time.Second)
}

func TestRecordingFailureResetsToIdle(t *testing.T) {
	service := &fakeStreamService{}
	h := newHarness(t, service, 0, Config{})

	h.startBroadcast(t)
	waitForCondition(t, func() bool {
		return h.controller.State() == StateBroadcasting
	}, time.Second)

	h.recorder.errCh <- errors.New("camera resource denied")

	waitForCondition(t, func() bool {
		return h.events.countType(EventRecordingFailed) == 1
	}, time.Second)
	waitForCondition(t, func() bool {
		return h.controller.State() == StateIdle
	}, time.Second)

	if h.recorder.isPreviewActive() {
		t.Fatal("preview must be torn down after a recording failure")
	}
}

func TestQualityPresetAppliesToNextBroadcastOnly(t *testing.T) {
	service := &fakeStreamService{}
	h := newHarness(t, service, 0, Config{
		NetworkClass: func() quality.NetworkClass { return quality.NetworkCellular },
	})

	h.controller.SetQualityPreset(quality.Preset1280High)
	h.startBroadcast(t)
	waitForCondition(t, func() bool {
		return h.controller.State() == StateBroadcasting
	}, time.Second)

	// The cellular policy clamps the requested preset at recording start.
	h.recorder.mu.Lock()
	got := h.recorder.lastCfg
	h.recorder.mu.Unlock()

	wantW, wantH := quality.CellularCeiling.Resolution()
	if got.Width != wantW || got.Height != wantH {
		t.Fatalf("expected clamped resolution %dx%d, got %dx%d", wantW, wantH, got.Width, got.Height)
	}
	if got.BitrateKbps != quality.CellularCeiling.BitrateKbps() {
		t.Fatalf("expected clamped bitrate %d, got %d", quality.CellularCeiling.BitrateKbps(), got.BitrateKbps)
	}
	if got.SegmentDuration != SegmentDuration {
		t.Fatalf("unexpected segment duration %v", got.SegmentDuration)
	}
}
