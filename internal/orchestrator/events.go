package orchestrator

import (
	"time"

	"github.com/zpandasoft/deer-flow/internal/scheduler"
	"github.com/zpandasoft/deer-flow/internal/workflow"
	"github.com/zpandasoft/deer-flow/pkg/models"
)

// EventType represents the type of orchestrator event.
type EventType string

const (
	// EventObjectiveCreated indicates a new objective was persisted.
	EventObjectiveCreated EventType = "objective_created"
	// EventPhaseChanged indicates the workflow moved to a new phase.
	EventPhaseChanged EventType = "phase_changed"
	// EventAwaitingInput indicates the workflow stopped for a reviewer.
	EventAwaitingInput EventType = "awaiting_input"
	// EventRunSuspended indicates a run stopped before reaching a terminal phase.
	EventRunSuspended EventType = "run_suspended"
	// EventRunFinished indicates the workflow reached End or Aborted.
	EventRunFinished EventType = "run_finished"
	// EventRunError indicates a run stopped on an error.
	EventRunError EventType = "run_error"

	// Events forwarded from the scheduler loop.
	EventUnitDispatched     EventType = EventType(scheduler.EventDispatched)
	EventUnitCompleted      EventType = EventType(scheduler.EventCompleted)
	EventRetryScheduled     EventType = EventType(scheduler.EventRetryScheduled)
	EventUnitFailed         EventType = EventType(scheduler.EventFailed)
	EventObjectivePaused    EventType = EventType(scheduler.EventPaused)
	EventObjectiveResumed   EventType = EventType(scheduler.EventResumed)
	EventObjectiveCancelled EventType = EventType(scheduler.EventCancelled)
)

// OrchestratorEvent represents an event emitted by the manager.
type OrchestratorEvent struct {
	// Type is the kind of event.
	Type EventType
	// ObjectiveID is the objective the event belongs to.
	ObjectiveID string
	// ReferenceID is the task or step the event is about, if any.
	ReferenceID string
	// ReferenceType is the kind of unit ReferenceID names.
	ReferenceType models.ReferenceType
	// Title is the title of the related unit, if known.
	Title string
	// Phase is the workflow phase after the event, for workflow events.
	Phase workflow.Phase
	// Message provides additional context about the event.
	Message string
	// Error contains error details for failure events.
	Error error
	// Timestamp is when the event occurred.
	Timestamp time.Time
}

func fromSchedulerEvent(ev scheduler.Event) OrchestratorEvent {
	return OrchestratorEvent{
		Type:          EventType(ev.Kind),
		ObjectiveID:   ev.ObjectiveID,
		ReferenceID:   ev.ReferenceID,
		ReferenceType: ev.ReferenceType,
		Title:         ev.Title,
		Message:       ev.Message,
		Timestamp:     ev.At,
	}
}
