package models

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass is the coarse category used to report why work failed.
type ErrorClass string

const (
	ClassDecomposition   ErrorClass = "DecompositionError"
	ClassExecution       ErrorClass = "ExecutionError"
	ClassTimeout         ErrorClass = "Timeout"
	ClassEvaluation      ErrorClass = "EvaluationFailure"
	ClassExceededRetries ErrorClass = "ExceededRetries"
	ClassInvalidState    ErrorClass = "InvalidTransition"
	ClassCancelled       ErrorClass = "Cancelled"
	ClassUnknown         ErrorClass = "Unknown"
)

// ErrTimeout reports that an execution attempt exceeded its step timeout.
var ErrTimeout = errors.New("execution timeout")

// ErrCancelled reports that work stopped because of a cancel request.
var ErrCancelled = errors.New("cancelled")

// DecompositionError is raised when a plan is malformed or cyclic.
type DecompositionError struct {
	Reason string
	// Cycle lists unit IDs along a dependency cycle, first ID repeated last.
	Cycle []string
	Err   error
}

func (e *DecompositionError) Error() string {
	if len(e.Cycle) > 0 {
		return fmt.Sprintf("decomposition: %s: cycle %s", e.Reason, strings.Join(e.Cycle, " -> "))
	}
	if e.Err != nil {
		return fmt.Sprintf("decomposition: %s: %v", e.Reason, e.Err)
	}
	return "decomposition: " + e.Reason
}

func (e *DecompositionError) Unwrap() error { return e.Err }

// Class returns ClassDecomposition.
func (e *DecompositionError) Class() ErrorClass { return ClassDecomposition }

// ExecutionError wraps an executor failure for one unit.
type ExecutionError struct {
	UnitID string
	Err    error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execute %s: %v", e.UnitID, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Class returns ClassTimeout for timeouts and ClassExecution otherwise.
func (e *ExecutionError) Class() ErrorClass {
	if errors.Is(e.Err, ErrTimeout) {
		return ClassTimeout
	}
	return ClassExecution
}

// EvaluationFailure reports a completion check that did not pass.
type EvaluationFailure struct {
	UnitID string
	Result EvaluationResult
}

func (e *EvaluationFailure) Error() string {
	msg := fmt.Sprintf("evaluation of %s failed with score %d", e.UnitID, e.Result.Score)
	if len(e.Result.Gaps) > 0 {
		msg += ": " + strings.Join(e.Result.Gaps, "; ")
	}
	return msg
}

// Class returns ClassEvaluation.
func (e *EvaluationFailure) Class() ErrorClass { return ClassEvaluation }

// ExceededRetriesError reports that a unit used up its retries.
type ExceededRetriesError struct {
	UnitID     string
	RetryCount int
	Last       error
}

func (e *ExceededRetriesError) Error() string {
	if e.Last != nil {
		return fmt.Sprintf("unit %s exceeded retries (%d): %v", e.UnitID, e.RetryCount, e.Last)
	}
	return fmt.Sprintf("unit %s exceeded retries (%d)", e.UnitID, e.RetryCount)
}

func (e *ExceededRetriesError) Unwrap() error { return e.Last }

// Class returns ClassExceededRetries.
func (e *ExceededRetriesError) Class() ErrorClass { return ClassExceededRetries }

// InvalidTransitionError reports a disallowed status change.
type InvalidTransitionError struct {
	Kind ReferenceType
	ID   string
	From string
	To   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition for %s: %s -> %s", strings.ToLower(string(e.Kind)), e.ID, e.From, e.To)
}

// Class returns ClassInvalidState.
func (e *InvalidTransitionError) Class() ErrorClass { return ClassInvalidState }

type classed interface {
	Class() ErrorClass
}

// ClassOf returns the class of the outermost classified error in err's chain.
func ClassOf(err error) ErrorClass {
	if err == nil {
		return ""
	}
	var c classed
	if errors.As(err, &c) {
		return c.Class()
	}
	switch {
	case errors.Is(err, ErrTimeout):
		return ClassTimeout
	case errors.Is(err, ErrCancelled):
		return ClassCancelled
	}
	return ClassUnknown
}

// Failure is the structured description surfaced when a workflow aborts.
type Failure struct {
	Class ErrorClass `json:"class"`
	// UnitID is the deepest unit responsible for the failure.
	UnitID      string        `json:"unit_id,omitempty"`
	UnitKind    ReferenceType `json:"unit_kind,omitempty"`
	Description string        `json:"description,omitempty"`
	Message     string        `json:"message"`
}

func (f *Failure) Error() string {
	if f.UnitID != "" {
		return fmt.Sprintf("%s at %s %s: %s", f.Class, strings.ToLower(string(f.UnitKind)), f.UnitID, f.Message)
	}
	return fmt.Sprintf("%s: %s", f.Class, f.Message)
}
