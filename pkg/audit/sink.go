package audit

import (
	"context"
	"log/slog"
	"sync"
)

// Sink accepts audit records. Implementations must never block the caller
// and must never surface errors into the recording path.
type Sink interface {
	Record(ctx context.Context, rec Record)
	Close() error
}

// Nop discards every record. Used in tests and when auditing is disabled.
type Nop struct{}

func (Nop) Record(ctx context.Context, rec Record) {}
func (Nop) Close() error                           { return nil }

const defaultBuffer = 1024

// BufferedSink decouples audit persistence from the token issuance path
// with a bounded queue and a single background writer. Records are dropped
// (and counted) when the queue is full; store errors are logged and
// swallowed.
type BufferedSink struct {
	store  Store
	logger *slog.Logger
	queue  chan Record

	mu      sync.Mutex
	dropped uint64
	closed  bool
	done    chan struct{}
}

// NewBufferedSink starts the background writer. buffer <= 0 selects the
// default queue depth.
func NewBufferedSink(store Store, logger *slog.Logger, buffer int) *BufferedSink {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &BufferedSink{
		store:  store,
		logger: logger,
		queue:  make(chan Record, buffer),
		done:   make(chan struct{}),
	}
	go s.drain()
	return s
}

func (s *BufferedSink) drain() {
	defer close(s.done)
	for rec := range s.queue {
		if _, err := s.store.Append(rec); err != nil {
			s.logger.Error("audit append failed", "kind", rec.Kind, "event_type", rec.EventType, "error", err)
		}
	}
}

// Record implements Sink. Non-blocking: a full queue drops the record.
func (s *BufferedSink) Record(ctx context.Context, rec Record) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	select {
	case s.queue <- rec:
		s.mu.Unlock()
	default:
		s.dropped++
		dropped := s.dropped
		s.mu.Unlock()
		s.logger.Warn("audit queue full, record dropped", "kind", rec.Kind, "event_type", rec.EventType, "dropped_total", dropped)
	}
}

// Dropped returns the number of records dropped under backpressure.
func (s *BufferedSink) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close stops accepting records and waits for the queue to flush.
func (s *BufferedSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.queue)
	<-s.done
	return nil
}

// SyncSink writes records to the store inline. Used in tests where ordering
// must be observable immediately; storage errors are still swallowed.
type SyncSink struct {
	Store  Store
	Logger *slog.Logger
}

func (s *SyncSink) Record(ctx context.Context, rec Record) {
	if _, err := s.Store.Append(rec); err != nil {
		logger := s.Logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Error("audit append failed", "kind", rec.Kind, "event_type", rec.EventType, "error", err)
	}
}

func (s *SyncSink) Close() error { return nil }
