package models

import "time"

// InheritRetries as a unit's MaxRetries defers the retry limit to the
// scheduler's policy. Zero means the unit is never retried.
const InheritRetries = -1

// Objective is the root work unit created from a user query.
type Objective struct {
	// ID is the unique identifier for this objective.
	ID string `json:"id"`
	// Query is the raw user request the objective was created from.
	Query string `json:"query"`
	// Title is the short name produced by decomposition.
	Title string `json:"title"`
	// Description is the refined statement of what must be achieved.
	Description string `json:"description,omitempty"`
	// Status is the current lifecycle state.
	Status ObjectiveStatus `json:"status"`
	// Priority orders objectives; lower runs first.
	Priority int `json:"priority"`
	// RetryCount counts failed objective-level completion checks.
	RetryCount int `json:"retry_count"`
	// MaxRetries bounds RetryCount.
	MaxRetries int `json:"max_retries"`
	// Paused blocks new dispatches while true.
	Paused bool `json:"paused,omitempty"`
	// Degraded marks an objective that completed with documented gaps.
	Degraded bool `json:"degraded,omitempty"`
	// Gaps documents non-required failures and unresolved evaluation gaps.
	Gaps []string `json:"gaps,omitempty"`
	// Error holds the failure description when Status is FAILED.
	Error string `json:"error,omitempty"`
	// CreatedAt is when the objective was created.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is when the objective was last written.
	UpdatedAt time.Time `json:"updated_at"`
	// CompletedAt is set when the objective reaches a terminal status.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Task is a unit of work owned by an Objective and decomposed into Steps.
type Task struct {
	ID          string     `json:"id"`
	ObjectiveID string     `json:"objective_id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      UnitStatus `json:"status"`
	Priority    int        `json:"priority"`
	// DependsOn lists sibling task IDs that must complete first.
	DependsOn []string `json:"depends_on,omitempty"`
	// Required tasks fail the objective when they fail terminally.
	Required bool `json:"required"`
	// EvaluationCriteria states what the task's output must cover for its
	// completion check. An empty value checks against the title and
	// description.
	EvaluationCriteria string `json:"evaluation_criteria,omitempty"`
	// IsSufficient is set when a completion check accepted the task's output.
	IsSufficient bool `json:"is_sufficient"`
	RetryCount   int  `json:"retry_count"`
	MaxRetries   int  `json:"max_retries"`
	// Gaps documents non-required step failures and evaluation gaps.
	Gaps []string `json:"gaps,omitempty"`
	// Result is the task-level summary produced by its completion check.
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Step is the smallest dispatchable unit.
type Step struct {
	ID          string     `json:"id"`
	TaskID      string     `json:"task_id"`
	ObjectiveID string     `json:"objective_id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	StepType    StepType   `json:"step_type"`
	Status      UnitStatus `json:"status"`
	Priority    int        `json:"priority"`
	// DependsOn lists step IDs within the same task.
	DependsOn []string `json:"depends_on,omitempty"`
	// NeedExternalLookup must be true for RESEARCH and false for PROCESSING.
	NeedExternalLookup bool `json:"need_external_lookup"`
	// Query overrides the title as the lookup query for research steps.
	Query string `json:"query,omitempty"`
	// Required steps fail their task when they fail terminally.
	Required bool `json:"required"`
	// Timeout bounds a single execution attempt.
	Timeout    time.Duration `json:"timeout"`
	RetryCount int           `json:"retry_count"`
	MaxRetries int           `json:"max_retries"`
	// Guidance carries gaps and recommendations from failed evaluations
	// into the next attempt.
	Guidance        []string    `json:"guidance,omitempty"`
	ExecutionResult *StepResult `json:"execution_result,omitempty"`
	Error           string      `json:"error,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
	CompletedAt     *time.Time  `json:"completed_at,omitempty"`
}

// StepResult is the payload an executor produces for a Step.
type StepResult struct {
	// Summary is the short answer produced by the step.
	Summary string `json:"summary"`
	// Content is the full text output.
	Content string `json:"content,omitempty"`
	// Sources lists the documents consulted.
	Sources []Source `json:"sources,omitempty"`
	// Lookups counts external lookup calls made during the attempt.
	Lookups int `json:"lookups,omitempty"`
}

// Source is one document consulted during research.
type Source struct {
	Title string `json:"title"`
	URL   string `json:"url,omitempty"`
}

// Text returns the most complete textual form of the result.
func (r *StepResult) Text() string {
	if r == nil {
		return ""
	}
	if r.Content != "" {
		return r.Content
	}
	return r.Summary
}
