package scheduler

import (
	"time"

	"github.com/zpandasoft/deer-flow/pkg/models"
)

// EventKind names something that happened inside a loop.
type EventKind string

const (
	EventDispatched     EventKind = "unit_dispatched"
	EventCompleted      EventKind = "unit_completed"
	EventRetryScheduled EventKind = "retry_scheduled"
	EventFailed         EventKind = "unit_failed"
	EventPaused         EventKind = "objective_paused"
	EventResumed        EventKind = "objective_resumed"
	EventCancelled      EventKind = "objective_cancelled"
)

// Event is reported to Deps.Notify. Notify is called from the loop
// goroutine and must not block.
type Event struct {
	Kind          EventKind
	ObjectiveID   string
	ReferenceID   string
	ReferenceType models.ReferenceType
	Title         string
	Message       string
	At            time.Time
}

func (l *Loop) emit(kind EventKind, refType models.ReferenceType, refID, title, msg string) {
	if l.notify == nil {
		return
	}
	l.notify(Event{
		Kind:          kind,
		ObjectiveID:   l.objectiveID,
		ReferenceID:   refID,
		ReferenceType: refType,
		Title:         title,
		Message:       msg,
		At:            l.clock.Now(),
	})
}
