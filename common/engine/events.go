package engine

import (
	"context"
	"sync"
	"time"

	"github.com/flowstack/engine/common/logger"
)

// EventType enumerates the run event stream vocabulary
type EventType string

const (
	EventRunStart     EventType = "run-start"
	EventNodeStart    EventType = "node-start"
	EventNodeAttempt  EventType = "node-attempt"
	EventNodeComplete EventType = "node-complete"
	EventNodeError    EventType = "node-error"
	EventNodeSkip     EventType = "node-skip"
	EventDeployment   EventType = "deployment"
	EventSummary      EventType = "summary"
	EventRunEnd       EventType = "run-end"
)

// Terminal run failure codes
const (
	CodeCancelledByUser     = "CANCELLED_BY_USER"
	CodeRunDeadlineExceeded = "RUN_DEADLINE_EXCEEDED"
	CodeNodeFailed          = "NODE_FAILED"
)

// ErrorInfo is the serializable failure attached to node.failed and
// run.failed events
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Event is one entry in a run's ordered event log. Seq is assigned by
// the dispatcher and is strictly increasing within a run.
type Event struct {
	Seq       int            `json:"seq"`
	RunID     string         `json:"runId"`
	Type      EventType      `json:"type"`
	NodeID    string         `json:"nodeId,omitempty"`
	Attempt   int            `json:"attempt,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
	Error     *ErrorInfo     `json:"error,omitempty"`
}

// EventWriter persists events. Implementations must be idempotent on
// (runId, seq) so dispatcher retries never duplicate log entries.
type EventWriter interface {
	AppendEvent(ctx context.Context, ev Event) error
}

// EventWriterFunc adapts a function to EventWriter
type EventWriterFunc func(ctx context.Context, ev Event) error

func (f EventWriterFunc) AppendEvent(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// Sink fans events out to the persistent writer and any live
// subscribers. Live subscribers are bounded: a consumer that cannot
// keep up has events dropped and learns about the gap through a
// stream-lagged diagnostic on its next delivered event.
type Sink struct {
	runID  string
	writer EventWriter
	log    *logger.Logger

	mu     sync.Mutex
	seq    int
	subs   map[int]*subscriber
	nextID int
	closed bool
}

type subscriber struct {
	ch     chan Event
	lagged bool
}

// NewSink builds a sink for one run
func NewSink(runID string, writer EventWriter, log *logger.Logger) *Sink {
	return &Sink{
		runID:  runID,
		writer: writer,
		log:    log,
		subs:   map[int]*subscriber{},
	}
}

// Subscribe registers a live consumer with the given buffer size.
// Cancel must be called when the consumer goes away.
func (s *Sink) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	sub := &subscriber{ch: make(chan Event, buffer)}
	if s.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}
	s.subs[id] = sub

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if live, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(live.ch)
		}
	}
	return sub.ch, cancel
}

// Emit assigns the next sequence number, persists the event, and fans
// it out to live subscribers
func (s *Sink) Emit(ctx context.Context, ev Event) {
	s.mu.Lock()
	s.seq++
	ev.Seq = s.seq
	ev.RunID = s.runID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	for _, sub := range s.subs {
		if sub.lagged {
			ev := ev
			if ev.Data == nil {
				ev.Data = map[string]any{}
			}
			ev.Data["streamLagged"] = true
			sub.lagged = false
			if !trySend(sub, ev) {
				continue
			}
			continue
		}
		trySend(sub, ev)
	}
	s.mu.Unlock()

	if s.writer != nil {
		if err := s.writer.AppendEvent(ctx, ev); err != nil && s.log != nil {
			s.log.Error("persist run event failed",
				"run_id", s.runID,
				"seq", ev.Seq,
				"type", string(ev.Type),
				"error", err)
		}
	}
}

func trySend(sub *subscriber, ev Event) bool {
	select {
	case sub.ch <- ev:
		return true
	default:
		sub.lagged = true
		return false
	}
}

// Close ends the stream for all subscribers
func (s *Sink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, sub := range s.subs {
		delete(s.subs, id)
		close(sub.ch)
	}
}
