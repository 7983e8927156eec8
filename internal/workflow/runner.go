package workflow

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/zpandasoft/deer-flow/internal/agent"
	"github.com/zpandasoft/deer-flow/internal/decompose"
	"github.com/zpandasoft/deer-flow/internal/evaluate"
	"github.com/zpandasoft/deer-flow/internal/metrics"
	"github.com/zpandasoft/deer-flow/internal/scheduler"
	"github.com/zpandasoft/deer-flow/internal/state"
	"github.com/zpandasoft/deer-flow/pkg/models"
)

// ErrNotAwaitingInput is returned by Resume when no interrupt is pending.
var ErrNotAwaitingInput = errors.New("workflow is not awaiting input")

// ErrInvalidFeedback is returned by Resume for an unknown action.
var ErrInvalidFeedback = errors.New("invalid feedback")

// Analyzer produces background context for a query.
type Analyzer interface {
	Analyze(ctx context.Context, query string) (string, error)
}

// Synthesizer writes the final report body.
type Synthesizer interface {
	Synthesize(ctx context.Context, obj *models.Objective, tasks []agent.TaskOutput, gaps []string) (string, error)
}

// ReportWriter persists a finished report and returns where it went.
type ReportWriter interface {
	Write(obj *models.Objective, body string, gaps []string) (string, error)
}

// LoopRunner executes the objective's units until they settle.
type LoopRunner interface {
	RunLoop(ctx context.Context, objectiveID string) (scheduler.Result, error)
}

// LoopFunc adapts a function to LoopRunner.
type LoopFunc func(ctx context.Context, objectiveID string) (scheduler.Result, error)

// RunLoop calls f.
func (f LoopFunc) RunLoop(ctx context.Context, objectiveID string) (scheduler.Result, error) {
	return f(ctx, objectiveID)
}

// Deps are the runner's collaborators. Store, Decomposer, Synthesizer and
// Loop are required. Without a Gate every check passes.
type Deps struct {
	Store       state.Store
	Writer      *scheduler.Writer
	Analyzer    Analyzer
	Decomposer  decompose.Decomposer
	Gate        *evaluate.Gate
	Synthesizer Synthesizer
	Reports     ReportWriter
	Loop        LoopRunner
	Metrics     *metrics.Metrics
	// OnTransition is called after every persisted phase change.
	OnTransition func(objectiveID string, from, to Phase)
}

// Config tunes a Runner.
type Config struct {
	// MaxRetries is given to units the workflow creates itself. Zero means
	// no retries; models.InheritRetries defers to the loop's policy.
	MaxRetries int
	Clock      scheduler.Clock
}

// outcome is what a phase handler decides.
type outcome struct {
	next  Phase
	delta scheduler.Delta
	// suspend stops the run without a transition.
	suspend bool
}

type handler func(ctx context.Context, st *State, snap *state.Snapshot) (outcome, error)

// Runner drives workflows. It holds no per-objective state, so one Runner
// may serve many objectives at once.
type Runner struct {
	cfg      Config
	deps     Deps
	writer   *scheduler.Writer
	handlers map[Phase]handler
}

// NewRunner creates a runner. It fails when the transition table or the
// handler set is incomplete.
func NewRunner(cfg Config, deps Deps) (*Runner, error) {
	if err := CheckTransitions(); err != nil {
		return nil, err
	}
	if deps.Store == nil || deps.Decomposer == nil || deps.Synthesizer == nil || deps.Loop == nil {
		return nil, errors.New("workflow runner: store, decomposer, synthesizer and loop are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = scheduler.RealClock{}
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = models.InheritRetries
	}
	w := deps.Writer
	if w == nil {
		w = scheduler.NewWriter(deps.Store)
	}

	r := &Runner{cfg: cfg, deps: deps, writer: w}
	r.handlers = map[Phase]handler{
		PhaseContextAnalysis:     r.contextAnalysis,
		PhaseObjectiveDecompose:  r.objectiveDecompose,
		PhaseTaskAnalyze:         r.taskAnalyze,
		PhaseHumanInterrupt:      r.humanInterrupt,
		PhaseSufficiencyEvaluate: r.sufficiencyEvaluate,
		PhaseExecute:             r.execute,
		PhaseCompletionEvaluate:  r.completionEvaluate,
		PhaseSynthesize:          r.synthesize,
	}
	for _, p := range AllPhases {
		if _, ok := r.handlers[p]; !ok && !p.Terminal() {
			return nil, fmt.Errorf("phase %s has no handler", p)
		}
	}
	return r, nil
}

// Start persists the initial state of a new workflow.
func (r *Runner) Start(objectiveID, query string, autoAccept bool) (*State, error) {
	st := NewState(objectiveID, query, autoAccept, r.cfg.Clock.Now())
	if err := SaveState(r.deps.Store, st); err != nil {
		return nil, err
	}
	return st, nil
}

// State loads the persisted workflow state of objectiveID.
func (r *Runner) State(objectiveID string) (*State, error) {
	return LoadState(r.deps.Store, objectiveID)
}

// Run drives the workflow of objectiveID until it ends, aborts, waits for
// input, or is paused during execution.
func (r *Runner) Run(ctx context.Context, objectiveID string) (*State, error) {
	st, err := LoadState(r.deps.Store, objectiveID)
	if err != nil {
		return nil, err
	}
	for {
		if st.Phase.Terminal() {
			return st, nil
		}
		if err := ctx.Err(); err != nil {
			return st, err
		}
		snap, err := state.LoadSnapshot(r.deps.Store, objectiveID)
		if err != nil {
			return st, err
		}
		if snap.Objective.Status.Terminal() {
			return st, r.abortFinished(st, snap)
		}
		if st.AwaitingInput {
			return st, nil
		}

		from := st.Phase
		out, err := r.handlers[from](ctx, st, snap)
		if err != nil {
			return st, fmt.Errorf("workflow %s %s: %w", objectiveID, from, err)
		}
		if out.suspend {
			st.UpdatedAt = r.cfg.Clock.Now()
			if err := SaveState(r.deps.Store, st); err != nil {
				return st, err
			}
			return st, nil
		}
		if err := r.advance(st, out); err != nil {
			return st, err
		}
	}
}

// Resume records fb as the answer to a pending human interrupt and
// continues the workflow.
func (r *Runner) Resume(ctx context.Context, objectiveID string, fb Feedback) (*State, error) {
	if !fb.Action.Valid() {
		return nil, fmt.Errorf("%w: action %q", ErrInvalidFeedback, fb.Action)
	}
	st, err := LoadState(r.deps.Store, objectiveID)
	if err != nil {
		return nil, err
	}
	if st.Phase != PhaseHumanInterrupt || !st.AwaitingInput {
		return st, fmt.Errorf("resume %s in %s: %w", objectiveID, st.Phase, ErrNotAwaitingInput)
	}
	st.AwaitingInput = false
	st.Decision = &fb
	st.UpdatedAt = r.cfg.Clock.Now()
	if err := SaveState(r.deps.Store, st); err != nil {
		return st, err
	}
	log.Printf("[workflow] objective %s: reviewer chose %s", objectiveID, fb.Action)
	return r.Run(ctx, objectiveID)
}

// advance validates and applies out, then persists the new phase.
func (r *Runner) advance(st *State, out outcome) error {
	from := st.Phase
	if !CanTransition(from, out.next) {
		log.Printf("[workflow] objective %s: rejected transition %s -> %s", st.ObjectiveID, from, out.next)
		return &TransitionError{From: from, To: out.next}
	}
	if err := r.writer.Apply(out.delta); err != nil {
		return fmt.Errorf("workflow %s %s -> %s: %w", st.ObjectiveID, from, out.next, err)
	}

	now := r.cfg.Clock.Now()
	st.Phase = out.next
	st.AwaitingInput = out.next == PhaseHumanInterrupt
	st.History = append(st.History, Transition{From: from, To: out.next, At: now})
	st.UpdatedAt = now
	if err := SaveState(r.deps.Store, st); err != nil {
		return err
	}

	r.deps.Metrics.PhaseEntered(string(out.next))
	log.Printf("[workflow] objective %s: %s -> %s", st.ObjectiveID, from, out.next)
	if r.deps.OnTransition != nil {
		r.deps.OnTransition(st.ObjectiveID, from, out.next)
	}
	return nil
}

// abortFinished moves a workflow whose objective was ended from outside,
// by a cancel or a scheduler failure, to Aborted. A workflow that stopped
// right after synthesis finished the objective moves to End.
func (r *Runner) abortFinished(st *State, snap *state.Snapshot) error {
	obj := snap.Objective
	if obj.Status == models.ObjectiveCompleted {
		if st.Phase == PhaseSynthesize {
			// The report was written and the objective finished but the
			// phase change was lost.
			return r.advance(st, outcome{next: PhaseEnd})
		}
		return fmt.Errorf("workflow %s: objective completed outside synthesis", st.ObjectiveID)
	}
	if st.Failure == nil {
		class := models.ClassUnknown
		if obj.Status == models.ObjectiveCancelled {
			class = models.ClassCancelled
		}
		st.Failure = objectiveFailure(obj, class, obj.Error)
	}
	return r.advance(st, outcome{next: PhaseAborted})
}

func objectiveFailure(obj *models.Objective, class models.ErrorClass, msg string) *models.Failure {
	desc := obj.Title
	if desc == "" {
		desc = obj.Query
	}
	return &models.Failure{
		Class:       class,
		UnitID:      obj.ID,
		UnitKind:    models.RefObjective,
		Description: desc,
		Message:     msg,
	}
}
