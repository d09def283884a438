package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultBuffer      = 256
	DefaultSendTimeout = 5 * time.Second
)

// Recorder fans events out to sinks from a single background goroutine so
// status emitters never wait on a database.
type Recorder struct {
	sinks   []Sink
	log     *slog.Logger
	timeout time.Duration

	mu      sync.RWMutex // guards closed against sends on ch
	closed  bool
	ch      chan Event
	done    chan struct{}
	dropped atomic.Uint64
}

// NewRecorder starts a recorder with a queue of buffer events.
func NewRecorder(logger *slog.Logger, buffer int, sinks ...Sink) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	r := &Recorder{
		sinks:   append([]Sink(nil), sinks...),
		log:     logger.With("component", "history"),
		timeout: DefaultSendTimeout,
		ch:      make(chan Event, buffer),
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

// Observe queues e without blocking. It reports false when the event was
// dropped because the queue is full or the recorder is closed.
func (r *Recorder) Observe(e Event) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return false
	}
	select {
	case r.ch <- e:
		return true
	default:
		n := r.dropped.Add(1)
		r.log.Warn("history queue full, event dropped", "service", e.Name, "state", e.State, "dropped_total", n)
		return false
	}
}

// Dropped is the number of events discarded so far.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// Close flushes queued events and closes every sink that is an io.Closer.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.done
		return nil
	}
	r.closed = true
	close(r.ch)
	r.mu.Unlock()

	<-r.done
	var errs []error
	for _, s := range r.sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (r *Recorder) run() {
	defer close(r.done)
	for e := range r.ch {
		for _, s := range r.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			if err := s.Send(ctx, e); err != nil {
				r.log.Error("history sink failed", "service", e.Name, "state", e.State, "error", err)
			}
			cancel()
		}
	}
}
