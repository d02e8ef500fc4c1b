// ABOUTME: Bridges a backend agent event stream into a pull-based sequence of text chunks.
// ABOUTME: Tool activity and permission events fan out through callbacks; files are dropped here.

package stream

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/2389/relay-gateway/internal/agent"
)

// unknownErrorMessage is used when the backend's error event carries no message.
const unknownErrorMessage = "unknown agent error"

// AgentError is the terminal failure of a turn's event stream.
type AgentError struct {
	Message string
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("agent error: %s", e.Message)
}

// Options configures a Stream.
type Options struct {
	// OnToolActivity is invoked for each busy event with a synthetic
	// activity descriptor. Optional.
	OnToolActivity func(agent.ToolActivity)

	// OnPermission receives permission events in their own goroutine so the
	// stream keeps flowing while the approval rendezvous runs. Optional;
	// when nil, permission events are dropped.
	OnPermission func(*agent.PermissionRequest)

	// Cancel propagates consumer-initiated cancellation to the underlying
	// event source. Its error is swallowed. Optional.
	Cancel func() error

	// Buffer is the chunk buffer size; 0 uses a sensible default.
	Buffer int
}

// Stream is a lazy, cancellable sequence of text chunks produced from a
// backend event stream. It supports exactly one consumer pulling at a time.
type Stream struct {
	chunks chan string
	stop   chan struct{}

	mu  sync.Mutex
	err error

	cancelOnce sync.Once
	cancel     func() error
}

// New starts consuming events and returns the chunk stream. The background
// consumer classifies each event: nonempty text becomes a chunk, busy fans
// out to OnToolActivity, permission to OnPermission, file events are dropped,
// and done/error terminate the sequence. Exhaustion of the source without an
// explicit done event counts as a clean completion.
func New(events <-chan *agent.Event, opts Options) *Stream {
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 32
	}

	s := &Stream{
		chunks: make(chan string, buffer),
		stop:   make(chan struct{}),
		cancel: opts.Cancel,
	}

	go s.consume(events, opts)
	return s
}

// consume is the background task pumping events into chunks.
func (s *Stream) consume(events <-chan *agent.Event, opts Options) {
	defer close(s.chunks)

	for {
		select {
		case <-s.stop:
			return
		case ev, ok := <-events:
			if !ok {
				return // source exhausted without done: clean completion
			}

			switch ev.Type {
			case agent.EventText:
				if ev.Text == "" {
					continue
				}
				select {
				case s.chunks <- ev.Text:
				case <-s.stop:
					return
				}

			case agent.EventBusy:
				if opts.OnToolActivity != nil {
					opts.OnToolActivity(agent.ToolActivity{Tool: ev.Tool, Status: "running"})
				}

			case agent.EventPermission:
				if opts.OnPermission != nil && ev.Permission != nil {
					go opts.OnPermission(ev.Permission)
				}

			case agent.EventFile:
				// Handled by the file output collector, not the text stream.

			case agent.EventDone:
				return

			case agent.EventError:
				msg := ev.Error
				if msg == "" {
					msg = unknownErrorMessage
				}
				s.setErr(&AgentError{Message: msg})
				return
			}
		}
	}
}

// setErr records the terminal failure. Consumers observe it only after all
// buffered chunks have been delivered.
func (s *Stream) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Err returns the terminal failure, if any.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Next returns the next text chunk. It blocks until a chunk arrives, the
// sequence completes, or ctx is done. On clean completion it returns io.EOF;
// on failure it returns the terminal error, always after every chunk that
// preceded the failure has been delivered.
func (s *Stream) Next(ctx context.Context) (string, error) {
	select {
	case chunk, ok := <-s.chunks:
		if !ok {
			if err := s.Err(); err != nil {
				return "", err
			}
			return "", io.EOF
		}
		return chunk, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Cancel stops the stream early and propagates cancellation to the backend
// event source. Errors from that propagation are swallowed. Safe to call
// multiple times and concurrently with Next.
func (s *Stream) Cancel() {
	s.cancelOnce.Do(func() {
		close(s.stop)
		if s.cancel != nil {
			_ = s.cancel()
		}
	})
}
