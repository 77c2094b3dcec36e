// Package audit receives structured verdict events from the guardrails
// engine and fans them out to configured sinks. The hot path never blocks:
// events pass through a bounded queue with a drop-oldest overflow policy.
package audit

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"aegis-gw/internal/metrics"
)

// Event is one audit record, serialized as a single JSON line.
type Event struct {
	Timestamp  time.Time `json:"timestamp"`
	ID         string    `json:"id,omitempty"`
	Profile    string    `json:"profile"`
	Source     string    `json:"source"`
	Valid      bool      `json:"valid"`
	Action     string    `json:"action"`
	Reason     string    `json:"reason,omitempty"`
	LatencyMS  float64   `json:"latency_ms"`
	ShadowMode bool      `json:"shadow_mode"`
	InputLen   int       `json:"input_len"`
}

// Sink receives audit events. Implementations must serialize writes
// internally; Log may be called from many goroutines.
type Sink interface {
	Log(Event)
}

// NullSink discards all events.
type NullSink struct{}

func (NullSink) Log(Event) {}

// ConsoleSink renders events through the structured logger.
type ConsoleSink struct {
	Logger *zap.Logger
}

func (s *ConsoleSink) Log(ev Event) {
	status := "ALLOWED"
	if !ev.Valid {
		status = "BLOCKED"
	}
	if ev.ShadowMode && ev.Action == "shadow_block" {
		status = "BLOCKED (SHADOW)"
	}
	s.Logger.Info("audit",
		zap.String("status", status),
		zap.String("profile", ev.Profile),
		zap.String("source", ev.Source),
		zap.String("action", ev.Action),
		zap.String("reason", ev.Reason),
		zap.Float64("latency_ms", ev.LatencyMS),
	)
}

// FileSink appends events to a JSONL file, one event per line.
type FileSink struct {
	mu     sync.Mutex
	f      *os.File
	logger *zap.Logger
}

func NewFileSink(path string, logger *zap.Logger) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileSink{f: f, logger: logger}, nil
}

func (s *FileSink) Log(ev Event) {
	line, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("failed to marshal audit event", zap.Error(err))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.f.Write(append(line, '\n')); err != nil {
		s.logger.Error("failed to write audit log", zap.Error(err))
	}
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

// MemorySink keeps the most recent events in a ring buffer. It backs the
// /api/logs endpoint when no database store is configured.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
	next   int
	full   bool
}

func NewMemorySink(capacity int) *MemorySink {
	if capacity <= 0 {
		capacity = 100
	}
	return &MemorySink{events: make([]Event, capacity)}
}

func (s *MemorySink) Log(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[s.next] = ev
	s.next = (s.next + 1) % len(s.events)
	if s.next == 0 {
		s.full = true
	}
}

// Recent returns up to n events, newest first.
func (s *MemorySink) Recent(n int) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	size := s.next
	if s.full {
		size = len(s.events)
	}
	if n > size {
		n = size
	}

	out := make([]Event, 0, n)
	for i := 1; i <= n; i++ {
		idx := (s.next - i + len(s.events)) % len(s.events)
		out = append(out, s.events[idx])
	}
	return out
}

// MultiSink forwards each event to every child sink.
type MultiSink []Sink

func (m MultiSink) Log(ev Event) {
	for _, s := range m {
		s.Log(ev)
	}
}

// AsyncSink decouples producers from slow sinks through a bounded queue.
// When the queue is full the oldest pending event is dropped so that the
// hot path never blocks.
type AsyncSink struct {
	ch     chan Event
	inner  Sink
	logger *zap.Logger
	done   chan struct{}
	once   sync.Once
}

func NewAsyncSink(inner Sink, queueSize int, logger *zap.Logger) *AsyncSink {
	if queueSize <= 0 {
		queueSize = 1024
	}
	s := &AsyncSink{
		ch:     make(chan Event, queueSize),
		inner:  inner,
		logger: logger,
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *AsyncSink) Log(ev Event) {
	for {
		select {
		case s.ch <- ev:
			return
		default:
		}
		// Queue full: evict the oldest pending event and retry.
		select {
		case <-s.ch:
			metrics.AuditDropped.Inc()
		default:
		}
	}
}

func (s *AsyncSink) run() {
	defer close(s.done)
	for ev := range s.ch {
		s.inner.Log(ev)
	}
}

// Close drains pending events and stops the writer goroutine.
func (s *AsyncSink) Close() {
	s.once.Do(func() {
		close(s.ch)
		<-s.done
	})
}
