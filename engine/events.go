package engine

import (
	"sync"
	"time"

	"github.com/zipsa-ai/zipsa/core"
)

// EventType tags items on the streaming interface
type EventType string

const (
	EventNodeStart EventType = "node_start"
	EventNodeEnd   EventType = "node_end"
	EventToken     EventType = "token"
	EventToolStart EventType = "tool_start"
	EventToolEnd   EventType = "tool_end"
	EventError     EventType = "error"
)

// Event is one item in a run's event stream. Events for a run are monotonic
// in run time; the stream is finite and ends when the run terminates.
type Event struct {
	Type      EventType              `json:"type"`
	Name      string                 `json:"name,omitempty"`
	Content   string                 `json:"content,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

const eventBufferSize = 256

// EventEmitter fans run events out to a single consumer channel. Emission
// never blocks the run: when the consumer falls behind the buffer, events
// are dropped with a warning rather than stalling worker execution.
type EventEmitter struct {
	ch     chan Event
	logger core.Logger

	mu      sync.Mutex
	closed  bool
	dropped int64
}

func newEventEmitter(logger core.Logger) *EventEmitter {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &EventEmitter{
		ch:     make(chan Event, eventBufferSize),
		logger: logger,
	}
}

// Emit publishes an event. Safe to call after Close (the event is dropped).
func (e *EventEmitter) Emit(eventType EventType, name, content string, metadata map[string]interface{}) {
	if e == nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}

	event := Event{
		Type:      eventType,
		Name:      name,
		Content:   content,
		Metadata:  metadata,
		Timestamp: time.Now(),
	}

	select {
	case e.ch <- event:
	default:
		e.dropped++
		if e.dropped == 1 || e.dropped%100 == 0 {
			e.logger.Warn("Event stream consumer behind, dropping events", map[string]interface{}{
				"operation": "event_emit",
				"dropped":   e.dropped,
			})
		}
	}
}

// Events returns the consumer channel. It is closed when the run ends.
func (e *EventEmitter) Events() <-chan Event {
	return e.ch
}

// Close ends the stream. Idempotent.
func (e *EventEmitter) Close() {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	close(e.ch)
}
