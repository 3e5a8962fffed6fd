package uploadqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/skycastlive/skycast-go/persist"
)

// Uploader ships one file to the remote store. One call per attempt; the
// queue owns the retry policy, the uploader owns the wire protocol. Fatal
// failures (revoked credentials, rejected keys) must be wrapped with
// Permanent so the queue stops retrying them.
type Uploader interface {
	Upload(ctx context.Context, key, filePath string) error
}

// Config controls the retry characteristics of the queue.
type Config struct {
	// BaseDelay is the first retry delay after a transient failure.
	BaseDelay time.Duration
	// MaxDelay caps the exponential backoff curve.
	MaxDelay time.Duration
}

var errQueueClosed = errors.New("upload queue closed")

// Queue is the durable, ordered upload queue. One background worker per
// stream serializes all task mutation; callers only append tasks and read
// snapshots, so no task record is ever touched from two goroutines.
type Queue struct {
	store    persist.Store
	uploader Uploader
	logger   *slog.Logger
	cfg      Config

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	once      sync.Once
	closeOnce sync.Once

	mu      sync.Mutex
	workers map[string]*streamWorker
	closed  bool

	outcomes chan Outcome
}

type task struct {
	id  string
	rec persist.Record
}

// streamWorker owns all tasks of one stream. Only its goroutine mutates
// task records after they are appended.
type streamWorker struct {
	streamID string
	ctx      context.Context
	cancel   context.CancelFunc

	mu       sync.Mutex
	tasks    []*task
	inFlight bool
	resolved int
	wake     chan struct{}
}

// New constructs a queue over the given store and uploader.
func New(store persist.Store, uploader Uploader, cfg Config, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Queue{
		store:    store,
		uploader: uploader,
		logger:   logger,
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		workers:  make(map[string]*streamWorker),
		outcomes: make(chan Outcome, 64),
	}
}

// Outcomes is the channel on which terminal task results are delivered.
// Every enqueued task produces exactly one outcome unless its stream is
// canceled first.
func (q *Queue) Outcomes() <-chan Outcome {
	return q.outcomes
}

// Enqueue appends a segment upload task for the stream and returns
// immediately. The durable record is flushed before the task becomes
// visible to the worker.
func (q *Queue) Enqueue(streamID string, seg Segment) (string, error) {
	rec := persist.Record{
		StreamID:   streamID,
		Sequence:   seg.Sequence,
		Kind:       persist.KindSegment,
		FilePath:   seg.FilePath,
		Size:       seg.Size,
		State:      persist.StatePending,
		EnqueuedAt: time.Now().UTC(),
	}
	return q.enqueue(streamID, rec)
}

// EnqueuePreview appends the stream's one-time preview image upload. The
// preview is content-addressed to the stream and exempt from the segment
// ordering invariant.
func (q *Queue) EnqueuePreview(streamID, filePath string) (string, error) {
	var size int64
	if info, err := os.Stat(filePath); err == nil {
		size = info.Size()
	}

	rec := persist.Record{
		StreamID:   streamID,
		Kind:       persist.KindPreview,
		FilePath:   filePath,
		Size:       size,
		State:      persist.StatePending,
		EnqueuedAt: time.Now().UTC(),
	}
	return q.enqueue(streamID, rec)
}

func (q *Queue) enqueue(streamID string, rec persist.Record) (string, error) {
	if streamID == "" {
		return "", errors.New("stream id must be provided")
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", errQueueClosed
	}
	w := q.workerLocked(streamID)
	q.mu.Unlock()

	t := &task{id: uuid.NewString(), rec: rec}

	w.mu.Lock()
	if err := q.store.Put(q.ctx, rec); err != nil {
		w.mu.Unlock()
		return "", fmt.Errorf("persist upload task: %w", err)
	}
	w.tasks = append(w.tasks, t)
	w.mu.Unlock()

	w.signal()
	return t.id, nil
}

// Resume reloads persisted tasks and schedules the unresolved ones.
// Succeeded tasks are never re-uploaded even when their records could not
// be pruned before a crash; permanently failed tasks stay failed. Call once
// at startup, before any Enqueue.
func (q *Queue) Resume(ctx context.Context) error {
	records, err := q.store.List(ctx)
	if err != nil {
		return fmt.Errorf("reload upload tasks: %w", err)
	}

	touched := make(map[string]*streamWorker)
	for _, rec := range records {
		switch rec.State {
		case persist.StateSucceeded, persist.StateFailed:
			continue
		}

		// A crash mid-attempt leaves the record in flight; it is pending again.
		if rec.State == persist.StateInFlight {
			rec.State = persist.StatePending
			if err := q.store.Put(ctx, rec); err != nil {
				q.logger.Warn("reset in-flight task on resume",
					"streamId", rec.StreamID, "sequence", rec.Sequence, "error", err)
			}
		}

		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return errQueueClosed
		}
		w := q.workerLocked(rec.StreamID)
		q.mu.Unlock()

		w.mu.Lock()
		w.tasks = append(w.tasks, &task{id: uuid.NewString(), rec: rec})
		w.mu.Unlock()
		touched[rec.StreamID] = w
	}

	for _, w := range touched {
		w.signal()
	}

	q.logger.Info("upload queue resumed", "streams", len(touched))
	return nil
}

// CancelAll aborts the in-flight upload for the stream, discards its retry
// timers, and drops its pending tasks from memory. Durable records are left
// untouched so a later Resume can pick the work back up; already-succeeded
// records are never deleted here.
func (q *Queue) CancelAll(streamID string) {
	q.mu.Lock()
	w, ok := q.workers[streamID]
	if ok {
		delete(q.workers, streamID)
	}
	q.mu.Unlock()

	if ok {
		w.cancel()
	}
}

// DrainStatus reports the outstanding work for the stream. Safe to call
// from any goroutine.
func (q *Queue) DrainStatus(streamID string) DrainStatus {
	q.mu.Lock()
	w, ok := q.workers[streamID]
	q.mu.Unlock()
	if !ok {
		return DrainStatus{}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	status := DrainStatus{PendingCount: len(w.tasks)}
	if w.inFlight {
		status.InFlightCount = 1
	}
	return status
}

// Shutdown stops all workers and waits for them to exit or the context to
// expire. In-flight records stay on disk for the next Resume.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.once.Do(func() {
		q.mu.Lock()
		q.closed = true
		workers := make([]*streamWorker, 0, len(q.workers))
		for _, w := range q.workers {
			workers = append(workers, w)
		}
		q.mu.Unlock()

		q.cancel()
		for _, w := range workers {
			w.cancel()
		}
	})

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		q.closeOnce.Do(func() { close(q.outcomes) })
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// workerLocked returns the worker for the stream, starting one if needed.
// Caller holds q.mu.
func (q *Queue) workerLocked(streamID string) *streamWorker {
	if w, ok := q.workers[streamID]; ok {
		return w
	}

	ctx, cancel := context.WithCancel(q.ctx)
	w := &streamWorker{
		streamID: streamID,
		ctx:      ctx,
		cancel:   cancel,
		wake:     make(chan struct{}, 1),
	}
	q.workers[streamID] = w
	q.wg.Add(1)
	go q.runWorker(w)
	return w
}

func (w *streamWorker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// next pops the head task and marks the worker busy, or returns nil when
// the stream has no work.
func (w *streamWorker) next() *task {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.tasks) == 0 {
		w.inFlight = false
		return nil
	}
	t := w.tasks[0]
	w.tasks = w.tasks[1:]
	w.inFlight = true
	return t
}

func (q *Queue) runWorker(w *streamWorker) {
	defer q.wg.Done()

	for {
		t := w.next()
		if t == nil {
			q.purgeIfDrained(w)
			select {
			case <-w.ctx.Done():
				return
			case <-w.wake:
				continue
			}
		}

		if !q.process(w, t) {
			return
		}
	}
}

// process drives one task to a terminal state. It returns false when the
// worker was canceled mid-task; the durable record then stays in flight for
// the next Resume.
func (q *Queue) process(w *streamWorker, t *task) bool {
	key := destinationKey(t.rec)
	logger := q.logger.With("streamId", t.rec.StreamID, "sequence", t.rec.Sequence, "key", key)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = q.cfg.BaseDelay
	bo.MaxInterval = q.cfg.MaxDelay
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		// Flush the attempt start before mutating in-memory state.
		next := t.rec
		next.State = persist.StateInFlight
		next.Attempts++
		if err := q.store.Put(w.ctx, next); err != nil {
			logger.Warn("flush attempt start", "error", err)
		}
		t.rec = next

		err := q.uploader.Upload(w.ctx, key, t.rec.FilePath)
		if err == nil {
			q.finish(w, t, nil)
			return true
		}
		if w.ctx.Err() != nil {
			return false
		}
		if IsPermanent(err) {
			logger.Error("segment upload failed permanently",
				"attempts", t.rec.Attempts, "error", err)
			q.finish(w, t, err)
			return true
		}

		next = t.rec
		next.LastError = err.Error()
		if perr := q.store.Put(w.ctx, next); perr != nil {
			logger.Warn("flush attempt failure", "error", perr)
		}
		t.rec = next

		delay := bo.NextBackOff()
		logger.Warn("segment upload failed, retrying",
			"attempts", t.rec.Attempts, "delay", delay, "error", err)

		select {
		case <-w.ctx.Done():
			return false
		case <-time.After(delay):
		}
	}
}

// finish resolves the task, flushes its terminal state, and emits its
// outcome. Segment files are deleted only after acknowledged success.
func (q *Queue) finish(w *streamWorker, t *task, taskErr error) {
	next := t.rec
	if taskErr == nil {
		next.State = persist.StateSucceeded
		next.LastError = ""
	} else {
		next.State = persist.StateFailed
		next.LastError = taskErr.Error()
	}
	if err := q.store.Put(q.ctx, next); err != nil {
		q.logger.Warn("flush task result", "streamId", t.rec.StreamID,
			"sequence", t.rec.Sequence, "error", err)
	}
	t.rec = next

	if taskErr == nil {
		if err := os.Remove(t.rec.FilePath); err != nil && !os.IsNotExist(err) {
			q.logger.Warn("remove uploaded segment file",
				"path", t.rec.FilePath, "error", err)
		}
	}

	w.mu.Lock()
	w.inFlight = false
	w.resolved++
	w.mu.Unlock()

	outcome := Outcome{
		TaskID:   t.id,
		StreamID: t.rec.StreamID,
		Sequence: t.rec.Sequence,
		Kind:     t.rec.Kind,
		Size:     t.rec.Size,
		Err:      taskErr,
	}
	select {
	case q.outcomes <- outcome:
	case <-q.ctx.Done():
	}
}

// purgeIfDrained removes the stream's durable records once every task has
// resolved. Enqueue holds the worker mutex across its own Put, so a purge
// can never race a record being written.
func (q *Queue) purgeIfDrained(w *streamWorker) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.tasks) > 0 || w.inFlight || w.resolved == 0 {
		return
	}
	w.resolved = 0
	if err := q.store.DeleteStream(q.ctx, w.streamID); err != nil {
		q.logger.Warn("purge drained stream records", "streamId", w.streamID, "error", err)
	}
}
