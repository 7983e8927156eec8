// Package workflow drives an objective through its phases: context
// analysis, decomposition, review, sufficiency checks, execution by the
// scheduler, completion checks and synthesis. State is persisted after
// every transition so a run can stop at a human interrupt, or at a
// process restart, and continue later.
package workflow

import (
	"fmt"
)

// Phase is one state of the workflow.
type Phase string

const (
	PhaseContextAnalysis     Phase = "ContextAnalysis"
	PhaseObjectiveDecompose  Phase = "ObjectiveDecompose"
	PhaseTaskAnalyze         Phase = "TaskAnalyze"
	PhaseHumanInterrupt      Phase = "HumanInterrupt"
	PhaseSufficiencyEvaluate Phase = "SufficiencyEvaluate"
	PhaseExecute             Phase = "Execute"
	PhaseCompletionEvaluate  Phase = "CompletionEvaluate"
	PhaseSynthesize          Phase = "Synthesize"
	PhaseEnd                 Phase = "End"
	PhaseAborted             Phase = "Aborted"
)

// AllPhases lists every phase in workflow order.
var AllPhases = []Phase{
	PhaseContextAnalysis,
	PhaseObjectiveDecompose,
	PhaseTaskAnalyze,
	PhaseHumanInterrupt,
	PhaseSufficiencyEvaluate,
	PhaseExecute,
	PhaseCompletionEvaluate,
	PhaseSynthesize,
	PhaseEnd,
	PhaseAborted,
}

// Terminal reports whether p ends the workflow.
func (p Phase) Terminal() bool {
	return p == PhaseEnd || p == PhaseAborted
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	for _, known := range AllPhases {
		if p == known {
			return true
		}
	}
	return false
}

// transitions maps each phase to the phases it may move to. Every
// non-terminal phase may abort.
var transitions = map[Phase][]Phase{
	PhaseContextAnalysis:     {PhaseObjectiveDecompose, PhaseAborted},
	PhaseObjectiveDecompose:  {PhaseTaskAnalyze, PhaseAborted},
	PhaseTaskAnalyze:         {PhaseSufficiencyEvaluate, PhaseHumanInterrupt, PhaseAborted},
	PhaseHumanInterrupt:      {PhaseSufficiencyEvaluate, PhaseTaskAnalyze, PhaseAborted},
	PhaseSufficiencyEvaluate: {PhaseSynthesize, PhaseExecute, PhaseHumanInterrupt, PhaseAborted},
	PhaseExecute:             {PhaseCompletionEvaluate, PhaseAborted},
	PhaseCompletionEvaluate:  {PhaseSynthesize, PhaseExecute, PhaseAborted},
	PhaseSynthesize:          {PhaseEnd, PhaseAborted},
	PhaseEnd:                 nil,
	PhaseAborted:             nil,
}

// CanTransition reports whether the table allows from -> to.
func CanTransition(from, to Phase) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Next returns the phases reachable from p in one step.
func Next(p Phase) []Phase {
	return append([]Phase(nil), transitions[p]...)
}

// CheckTransitions verifies the table covers every phase, that only
// terminal phases have no exits, and that every phase is reachable from
// ContextAnalysis and can reach a terminal phase.
func CheckTransitions() error {
	for _, p := range AllPhases {
		next, ok := transitions[p]
		if !ok {
			return fmt.Errorf("phase %s has no transition entry", p)
		}
		if p.Terminal() != (len(next) == 0) {
			return fmt.Errorf("phase %s: terminal=%v but has %d exits", p, p.Terminal(), len(next))
		}
		for _, to := range next {
			if !to.Valid() {
				return fmt.Errorf("phase %s: unknown target %s", p, to)
			}
		}
	}
	if len(transitions) != len(AllPhases) {
		return fmt.Errorf("transition table has %d entries for %d phases", len(transitions), len(AllPhases))
	}

	seen := map[Phase]bool{PhaseContextAnalysis: true}
	queue := []Phase{PhaseContextAnalysis}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		for _, to := range transitions[p] {
			if !seen[to] {
				seen[to] = true
				queue = append(queue, to)
			}
		}
	}
	for _, p := range AllPhases {
		if !seen[p] {
			return fmt.Errorf("phase %s is unreachable", p)
		}
		if !p.Terminal() && !CanTransition(p, PhaseAborted) {
			return fmt.Errorf("phase %s cannot abort", p)
		}
	}
	return nil
}

// TransitionError reports a handler choosing a phase the table forbids.
type TransitionError struct {
	From, To Phase
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid workflow transition %s -> %s", e.From, e.To)
}
