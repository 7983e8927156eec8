package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zpandasoft/deer-flow/internal/state"
	"github.com/zpandasoft/deer-flow/pkg/models"
)

// ErrUnknownObjective is returned when no workflow state exists for an objective.
var ErrUnknownObjective = errors.New("no workflow for objective")

// Action is a reviewer's answer to a human interrupt.
type Action string

const (
	ActionAccept Action = "accept"
	ActionEdit   Action = "edit"
	ActionCancel Action = "cancel"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	return a == ActionAccept || a == ActionEdit || a == ActionCancel
}

// Feedback is the input that resumes a human interrupt.
type Feedback struct {
	Action  Action `json:"action"`
	Message string `json:"message,omitempty"`
}

// Review is what a human interrupt asks the reviewer to judge.
type Review struct {
	// From is the phase that raised the interrupt.
	From    Phase    `json:"from"`
	Summary string   `json:"summary"`
	Gaps    []string `json:"gaps,omitempty"`
}

// Transition records one phase change.
type Transition struct {
	From Phase     `json:"from"`
	To   Phase     `json:"to"`
	At   time.Time `json:"at"`
}

// State is the persisted workflow snapshot of one objective. Units live in
// the store; State holds only what the phases need between runs.
type State struct {
	ObjectiveID string `json:"objective_id"`
	Phase       Phase  `json:"phase"`
	Query       string `json:"query"`
	// Background is the analysed context produced by ContextAnalysis.
	Background string `json:"background,omitempty"`
	AutoAccept bool   `json:"auto_accept"`

	// AwaitingInput is set while a human interrupt waits for Resume.
	AwaitingInput bool      `json:"awaiting_input,omitempty"`
	Review        *Review   `json:"review,omitempty"`
	Decision      *Feedback `json:"decision,omitempty"`
	// Feedback is reviewer guidance for the next TaskAnalyze.
	Feedback string `json:"feedback,omitempty"`
	// ApprovedGaps are gaps a reviewer accepted for research.
	ApprovedGaps []string `json:"approved_gaps,omitempty"`

	Sufficiency       *models.EvaluationResult `json:"sufficiency,omitempty"`
	SufficiencyRounds int                      `json:"sufficiency_rounds,omitempty"`
	Completion        *models.EvaluationResult `json:"completion,omitempty"`
	// CompletionRounds is the objective retry count this state has seen
	// applied. A larger count on the objective means a remediation round
	// was written but the phase change after it was not.
	CompletionRounds int `json:"completion_rounds,omitempty"`

	Failure    *models.Failure `json:"failure,omitempty"`
	ReportPath string          `json:"report_path,omitempty"`

	History   []Transition `json:"history,omitempty"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// NewState creates the initial state of a workflow for query.
func NewState(objectiveID, query string, autoAccept bool, now time.Time) *State {
	return &State{
		ObjectiveID: objectiveID,
		Phase:       PhaseContextAnalysis,
		Query:       query,
		AutoAccept:  autoAccept,
		UpdatedAt:   now,
	}
}

// SaveState persists st.
func SaveState(store state.WorkflowStore, st *State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode workflow %s: %w", st.ObjectiveID, err)
	}
	return store.SaveWorkflow(&state.WorkflowRecord{
		ObjectiveID:   st.ObjectiveID,
		Phase:         string(st.Phase),
		AwaitingInput: st.AwaitingInput,
		State:         data,
		UpdatedAt:     st.UpdatedAt,
	})
}

// LoadState reads the workflow state of objectiveID.
func LoadState(store state.WorkflowStore, objectiveID string) (*State, error) {
	rec, err := store.GetWorkflow(objectiveID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w %s", ErrUnknownObjective, objectiveID)
	}
	var st State
	if err := json.Unmarshal(rec.State, &st); err != nil {
		return nil, fmt.Errorf("decode workflow %s: %w", objectiveID, err)
	}
	if !st.Phase.Valid() {
		return nil, fmt.Errorf("workflow %s: unknown phase %q", objectiveID, st.Phase)
	}
	return &st, nil
}
