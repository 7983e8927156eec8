package models

// UnitStatus is the lifecycle state shared by Tasks and Steps.
type UnitStatus string

const (
	// StatusPending indicates the unit has not started.
	StatusPending UnitStatus = "PENDING"
	// StatusInProgress indicates the unit is being worked on.
	StatusInProgress UnitStatus = "IN_PROGRESS"
	// StatusCompleted indicates the unit finished and passed its completion check.
	StatusCompleted UnitStatus = "COMPLETED"
	// StatusFailed indicates the unit failed.
	StatusFailed UnitStatus = "FAILED"
	// StatusCancelled indicates the unit was cancelled. Terminal.
	StatusCancelled UnitStatus = "CANCELLED"
)

// Valid returns true if the status is a known value.
func (s UnitStatus) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further plain transition leaves s.
// FAILED counts as terminal; only an explicit retry reset reopens it.
func (s UnitStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransition reports whether from -> to is an allowed unit transition.
// FAILED -> PENDING is not a plain transition; see CanReset.
func CanTransition(from, to UnitStatus) bool {
	if to == StatusCancelled {
		return !from.Terminal()
	}
	switch from {
	case StatusPending:
		return to == StatusInProgress
	case StatusInProgress:
		return to == StatusCompleted || to == StatusFailed
	}
	return false
}

// CanReset reports whether a unit in status s may be reset to PENDING
// by an explicit retry.
func CanReset(s UnitStatus) bool {
	return s == StatusFailed
}

// CanReopen reports whether a unit in status s may return to PENDING when
// the task that owns it is retried. Cancelled steps of a failed task are
// reopened along with its failed ones.
func CanReopen(s UnitStatus) bool {
	return s == StatusFailed || s == StatusCancelled
}

// Transition validates a unit transition, returning an
// *InvalidTransitionError when it is not allowed.
func Transition(kind ReferenceType, id string, from, to UnitStatus) error {
	if CanTransition(from, to) {
		return nil
	}
	return &InvalidTransitionError{Kind: kind, ID: id, From: string(from), To: string(to)}
}

// ObjectiveStatus is the lifecycle state of an Objective.
type ObjectiveStatus string

const (
	ObjectiveCreated    ObjectiveStatus = "CREATED"
	ObjectiveInProgress ObjectiveStatus = "IN_PROGRESS"
	ObjectiveCompleted  ObjectiveStatus = "COMPLETED"
	ObjectiveFailed     ObjectiveStatus = "FAILED"
	ObjectiveCancelled  ObjectiveStatus = "CANCELLED"
)

// Valid returns true if the status is a known value.
func (s ObjectiveStatus) Valid() bool {
	switch s {
	case ObjectiveCreated, ObjectiveInProgress, ObjectiveCompleted, ObjectiveFailed, ObjectiveCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether the objective can no longer change status.
func (s ObjectiveStatus) Terminal() bool {
	return s == ObjectiveCompleted || s == ObjectiveFailed || s == ObjectiveCancelled
}

// CanTransitionObjective reports whether from -> to is allowed for an Objective.
func CanTransitionObjective(from, to ObjectiveStatus) bool {
	if to == ObjectiveCancelled {
		return !from.Terminal()
	}
	switch from {
	case ObjectiveCreated:
		return to == ObjectiveInProgress || to == ObjectiveFailed
	case ObjectiveInProgress:
		return to == ObjectiveCompleted || to == ObjectiveFailed
	}
	return false
}

// TransitionObjective validates an objective transition.
func TransitionObjective(id string, from, to ObjectiveStatus) error {
	if CanTransitionObjective(from, to) {
		return nil
	}
	return &InvalidTransitionError{Kind: RefObjective, ID: id, From: string(from), To: string(to)}
}

// ScheduleStatus is the state of one dispatch attempt.
type ScheduleStatus string

const (
	ScheduleScheduled ScheduleStatus = "SCHEDULED"
	ScheduleRunning   ScheduleStatus = "RUNNING"
	ScheduleCompleted ScheduleStatus = "COMPLETED"
	ScheduleFailed    ScheduleStatus = "FAILED"
)

// Terminal reports whether the schedule has finished.
func (s ScheduleStatus) Terminal() bool {
	return s == ScheduleCompleted || s == ScheduleFailed
}

// CanTransitionSchedule reports whether from -> to is allowed for a Schedule.
func CanTransitionSchedule(from, to ScheduleStatus) bool {
	switch from {
	case ScheduleScheduled:
		return to == ScheduleRunning || to == ScheduleFailed
	case ScheduleRunning:
		return to == ScheduleCompleted || to == ScheduleFailed
	}
	return false
}

// ReferenceType names the kind of unit a Schedule or error refers to.
type ReferenceType string

const (
	RefObjective ReferenceType = "OBJECTIVE"
	RefTask      ReferenceType = "TASK"
	RefStep      ReferenceType = "STEP"
)

// StepType selects which executor handles a Step.
type StepType string

const (
	// StepResearch steps must perform at least one external lookup.
	StepResearch StepType = "RESEARCH"
	// StepProcessing steps operate only on dependency outputs.
	StepProcessing StepType = "PROCESSING"
)

// Valid returns true if the step type is known.
func (t StepType) Valid() bool {
	return t == StepResearch || t == StepProcessing
}
