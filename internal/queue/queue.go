// ABOUTME: Per-key FIFO message queue gated on backend readiness.
// ABOUTME: Holds early messages while the agent is still starting, with a bounded wait.

package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/message"
)

const (
	// DefaultPollInterval is how often readiness is re-checked while waiting.
	DefaultPollInterval = 3 * time.Second

	// DefaultReadyTimeout bounds how long a key waits for the backend to
	// become ready before failing its queued items.
	DefaultReadyTimeout = 90 * time.Second
)

// ErrReadinessTimeout is returned to every queued item when the backend does
// not become ready within the wait window.
var ErrReadinessTimeout = errors.New("backend not ready within wait window")

// ErrClosed is returned to pending items when the queue shuts down.
var ErrClosed = errors.New("queue closed")

// Backend reports whether the backend agent can accept work.
type Backend interface {
	IsReady(ctx context.Context) bool
}

// ProcessFunc handles one admitted message. It may fail per item; the failure
// is isolated to that item's completion.
type ProcessFunc func(ctx context.Context, msg *message.Message, cfg *config.ChannelConfig) error

// item is one queued message plus its single-resolution completion.
type item struct {
	msg        *message.Message
	cfg        *config.ChannelConfig
	enqueuedAt time.Time
	done       chan error // buffered, resolved exactly once
}

// keyState tracks one key's queue and whether a worker owns it.
type keyState struct {
	items   []*item
	backend Backend
	active  bool
}

// Queue buffers messages per conversation key until the backend reports
// ready, then drains each key strictly in enqueue order. Keys are fully
// independent: each runs its own readiness wait and drain loop against its
// own backend handle.
type Queue struct {
	mu   sync.Mutex
	keys map[string]*keyState

	process      ProcessFunc
	pollInterval time.Duration
	readyTimeout time.Duration
	logger       *slog.Logger

	closed bool
	stop   chan struct{}
	wg     sync.WaitGroup
}

// New creates a Queue with the default readiness timings.
func New(logger *slog.Logger) *Queue {
	return NewWithTimings(DefaultPollInterval, DefaultReadyTimeout, logger)
}

// NewWithTimings creates a Queue with explicit poll interval and ready timeout.
func NewWithTimings(pollInterval, readyTimeout time.Duration, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		keys:         make(map[string]*keyState),
		pollInterval: pollInterval,
		readyTimeout: readyTimeout,
		logger:       logger.With("component", "queue"),
		stop:         make(chan struct{}),
	}
}

// OnProcess registers the single processing callback used for all keys.
// Items enqueued with no callback registered resolve immediately.
func (q *Queue) OnProcess(fn ProcessFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.process = fn
}

// Enqueue adds a message under the given conversation key and returns its
// completion channel. The channel receives exactly one value: nil on success
// or the item's terminal error.
func (q *Queue) Enqueue(key string, msg *message.Message, cfg *config.ChannelConfig, backend Backend) <-chan error {
	it := &item{
		msg:        msg,
		cfg:        cfg,
		enqueuedAt: time.Now(),
		done:       make(chan error, 1),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		it.done <- ErrClosed
		return it.done
	}

	ks, ok := q.keys[key]
	if !ok {
		ks = &keyState{}
		q.keys[key] = ks
	}
	ks.items = append(ks.items, it)
	ks.backend = backend

	startWorker := !ks.active
	if startWorker {
		ks.active = true
		q.wg.Add(1)
	}
	q.mu.Unlock()

	if startWorker {
		go q.run(key, backend)
	}

	q.logger.Debug("message enqueued", "key", key, "external_id", msg.ExternalID)
	return it.done
}

// run owns one key from Polling through Draining back to Idle.
func (q *Queue) run(key string, backend Backend) {
	defer q.wg.Done()

	if !q.awaitReady(key, backend) {
		return
	}
	q.drain(key)
}

// awaitReady polls the backend until it reports ready or the wait window
// elapses. On timeout every queued item for the key fails and the key
// returns to idle; a later enqueue starts a fresh wait.
func (q *Queue) awaitReady(key string, backend Backend) bool {
	ctx := context.Background()
	deadline := time.Now().Add(q.readyTimeout)

	if backend.IsReady(ctx) {
		return true
	}

	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if backend.IsReady(ctx) {
				return true
			}
			if time.Now().After(deadline) {
				q.failKey(key, ErrReadinessTimeout)
				return false
			}
		case <-q.stop:
			q.failKey(key, ErrClosed)
			return false
		}
	}
}

// failKey resolves every queued item for the key with err and resets the key
// to idle.
func (q *Queue) failKey(key string, err error) {
	q.mu.Lock()
	ks := q.keys[key]
	var items []*item
	if ks != nil {
		items = ks.items
		delete(q.keys, key)
	}
	q.mu.Unlock()

	for _, it := range items {
		it.done <- err
	}
	if len(items) > 0 {
		q.logger.Warn("queued messages failed", "key", key, "count", len(items), "error", err)
	}
}

// drain processes the key's items strictly in enqueue order, one at a time.
// Items enqueued while draining join the same pass. A callback failure
// resolves only that item; siblings continue.
func (q *Queue) drain(key string) {
	for {
		q.mu.Lock()
		ks := q.keys[key]
		if ks == nil || len(ks.items) == 0 {
			// Nothing left: the key goes idle and the worker exits.
			delete(q.keys, key)
			q.mu.Unlock()
			return
		}
		it := ks.items[0]
		ks.items = ks.items[1:]
		process := q.process
		q.mu.Unlock()

		select {
		case <-q.stop:
			it.done <- ErrClosed
			continue
		default:
		}

		if process == nil {
			it.done <- nil
			continue
		}

		err := q.invoke(process, it)
		if err != nil {
			q.logger.Warn("message processing failed",
				"key", key,
				"external_id", it.msg.ExternalID,
				"error", err,
			)
		}
		it.done <- err
	}
}

// invoke runs the processing callback, converting a panic into an error so
// one bad message cannot kill the key's drain loop.
func (q *Queue) invoke(process ProcessFunc, it *item) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processing panicked: %v", r)
		}
	}()
	return process(context.Background(), it.msg, it.cfg)
}

// Size returns the number of items currently queued under key.
func (q *Queue) Size(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if ks, ok := q.keys[key]; ok {
		return len(ks.items)
	}
	return 0
}

// TotalSize returns the number of items queued across all keys.
func (q *Queue) TotalSize() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	total := 0
	for _, ks := range q.keys {
		total += len(ks.items)
	}
	return total
}

// Close stops all per-key workers and fails still-pending items with
// ErrClosed. Safe to call once.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.stop)
	q.mu.Unlock()

	q.wg.Wait()

	// Workers exited; anything still queued resolves as closed.
	q.mu.Lock()
	remaining := q.keys
	q.keys = make(map[string]*keyState)
	q.mu.Unlock()

	for _, ks := range remaining {
		for _, it := range ks.items {
			it.done <- ErrClosed
		}
	}
}
