package broadcast

import (
	"log/slog"
	"sync"

	"github.com/skycastlive/skycast-go/catalog"
)

// EventType tags the lifecycle event variants delivered to observers.
type EventType int

const (
	// EventStreamCreated fires once the server acknowledged stream creation
	// and broadcasting has begun. Carries Stream.
	EventStreamCreated EventType = iota
	// EventPreviewImageReady fires when the first frame of the first
	// segment has been extracted. Carries StreamID and Image.
	EventPreviewImageReady
	// EventLocationUpdated fires after the stream's coordinate was pushed
	// to the server. Carries StreamID and Coordinate.
	EventLocationUpdated
	// EventRecordingFailed fires on an unrecoverable capture failure.
	// Carries Err.
	EventRecordingFailed
	// EventStreamCreationFailed fires when the server refused to create
	// the stream; no segments were or will be uploaded. Carries Err.
	EventStreamCreationFailed
	// EventRecordingStopped fires when the camera stopped writing segments.
	EventRecordingStopped
	// EventBroadcastFullyStopped fires once every outstanding upload for
	// the stream has resolved and the server was told the broadcast ended.
	// Carries Stream.
	EventBroadcastFullyStopped
)

// String implements fmt.Stringer.
func (t EventType) String() string {
	switch t {
	case EventStreamCreated:
		return "stream_created"
	case EventPreviewImageReady:
		return "preview_image_ready"
	case EventLocationUpdated:
		return "location_updated"
	case EventRecordingFailed:
		return "recording_failed"
	case EventStreamCreationFailed:
		return "stream_creation_failed"
	case EventRecordingStopped:
		return "recording_stopped"
	case EventBroadcastFullyStopped:
		return "broadcast_fully_stopped"
	default:
		return "unknown"
	}
}

// Event is one tagged lifecycle notification. Only the fields relevant to
// the Type are populated.
type Event struct {
	Type       EventType
	Stream     *catalog.Stream
	StreamID   string
	Image      []byte
	Coordinate *catalog.Coordinate
	Err        error
}

const subscriberBuffer = 64

// observerHub fans lifecycle events out to explicitly registered
// subscribers. Delivery never blocks the controller: a subscriber that
// stops draining its channel loses events, loudly.
type observerHub struct {
	logger *slog.Logger

	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
}

func newObserverHub(logger *slog.Logger) *observerHub {
	return &observerHub{
		logger: logger,
		subs:   make(map[int]chan Event),
	}
}

// subscribe registers a new observer channel and returns it with its
// cancel function. Cancellation is explicit; the hub holds no weak
// references.
func (h *observerHub) subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	ch := make(chan Event, subscriberBuffer)
	h.subs[id] = ch
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// publish delivers the event to every subscriber without blocking.
func (h *observerHub) publish(event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, sub := range h.subs {
		select {
		case sub <- event:
		default:
			h.logger.Warn("observer too slow, dropping lifecycle event",
				"subscriber", id, "event", event.Type.String())
		}
	}
}

// close shuts every subscriber channel down.
func (h *observerHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, sub := range h.subs {
		delete(h.subs, id)
		close(sub)
	}
}
