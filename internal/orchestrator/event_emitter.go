package orchestrator

import (
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// emitTimeout is how long Emit waits for a full buffer to drain.
const emitTimeout = 100 * time.Millisecond

// EventEmitter fans events from every objective run into one buffered
// channel. Emitting after Close drops the event.
type EventEmitter struct {
	events       chan OrchestratorEvent
	droppedCount atomic.Uint64

	mu     sync.RWMutex
	closed bool
}

// NewEventEmitter creates a new EventEmitter with the given buffer size.
func NewEventEmitter(bufferSize int) *EventEmitter {
	return &EventEmitter{
		events: make(chan OrchestratorEvent, bufferSize),
	}
}

// Emit sends an event, waiting briefly for room when the buffer is full.
func (e *EventEmitter) Emit(event OrchestratorEvent) {
	e.send(event, emitTimeout)
}

// TryEmit sends an event without waiting. It is used from scheduler loop
// callbacks, which must not block.
func (e *EventEmitter) TryEmit(event OrchestratorEvent) {
	e.send(event, 0)
}

func (e *EventEmitter) send(event OrchestratorEvent, wait time.Duration) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}

	select {
	case e.events <- event:
		return
	default:
	}

	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case e.events <- event:
			return
		case <-timer.C:
		}
	}

	count := e.droppedCount.Add(1)
	if count%10 == 1 { // Log every 10th drop to avoid spam
		log.Printf("[orchestrator] WARNING: Event channel full, dropped event (total dropped: %d): type=%s", count, event.Type)
	}
}

// DroppedCount returns the total number of events that have been dropped.
func (e *EventEmitter) DroppedCount() uint64 {
	return e.droppedCount.Load()
}

// Events returns a read-only channel of events.
func (e *EventEmitter) Events() <-chan OrchestratorEvent {
	return e.events
}

// Close closes the events channel. It is safe to call more than once.
func (e *EventEmitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	close(e.events)
}
