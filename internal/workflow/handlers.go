package workflow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zpandasoft/deer-flow/internal/agent"
	"github.com/zpandasoft/deer-flow/internal/decompose"
	"github.com/zpandasoft/deer-flow/internal/evaluate"
	"github.com/zpandasoft/deer-flow/internal/scheduler"
	"github.com/zpandasoft/deer-flow/internal/state"
	"github.com/zpandasoft/deer-flow/pkg/models"
)

func (r *Runner) contextAnalysis(ctx context.Context, st *State, snap *state.Snapshot) (outcome, error) {
	if r.deps.Analyzer != nil {
		bg, err := r.deps.Analyzer.Analyze(ctx, st.Query)
		if err != nil {
			if ctx.Err() != nil {
				return outcome{}, err
			}
			log.Printf("[workflow] objective %s: context analysis failed, planning without it: %v", st.ObjectiveID, err)
		}
		st.Background = bg
	}
	return outcome{next: PhaseObjectiveDecompose}, nil
}

func (r *Runner) objectiveDecompose(ctx context.Context, st *State, snap *state.Snapshot) (outcome, error) {
	plan, err := r.deps.Decomposer.DecomposeObjective(ctx, st.Query, st.Background)
	if err != nil {
		return r.abortDecomposition(st, snap, err)
	}

	obj := *snap.Objective
	obj.Title = plan.Title
	obj.Description = plan.Description
	obj.Priority = plan.Priority
	obj.Status = models.ObjectiveInProgress
	obj.UpdatedAt = r.cfg.Clock.Now()
	return outcome{next: PhaseTaskAnalyze, delta: scheduler.Delta{Objective: &obj}}, nil
}

func (r *Runner) taskAnalyze(ctx context.Context, st *State, snap *state.Snapshot) (outcome, error) {
	plans, err := r.deps.Decomposer.DecomposeTasks(ctx, snap.Objective, st.Feedback)
	if err != nil {
		return r.abortDecomposition(st, snap, err)
	}

	d := scheduler.Delta{ReplacePlan: st.ObjectiveID}
	for _, p := range plans {
		d.CreateTasks = append(d.CreateTasks, p.Task)
		d.CreateSteps = append(d.CreateSteps, p.Steps...)
	}
	st.Feedback = ""
	st.Review = &Review{From: PhaseTaskAnalyze, Summary: planSummary(plans)}

	if st.AutoAccept {
		return outcome{next: PhaseSufficiencyEvaluate, delta: d}, nil
	}
	return outcome{next: PhaseHumanInterrupt, delta: d}, nil
}

// abortDecomposition aborts on a rejected plan. Other errors, such as a
// failed model call, are returned so the phase runs again next time.
func (r *Runner) abortDecomposition(st *State, snap *state.Snapshot, err error) (outcome, error) {
	var de *models.DecompositionError
	if !errors.As(err, &de) {
		return outcome{}, err
	}
	st.Failure = objectiveFailure(snap.Objective, models.ClassDecomposition, de.Error())
	log.Printf("[workflow] objective %s: plan rejected: %v", st.ObjectiveID, de)
	return outcome{next: PhaseAborted, delta: scheduler.FinishDelta(snap, models.ObjectiveFailed, de.Error(), r.cfg.Clock.Now())}, nil
}

func (r *Runner) humanInterrupt(ctx context.Context, st *State, snap *state.Snapshot) (outcome, error) {
	fb := st.Decision
	if fb == nil {
		st.AwaitingInput = true
		return outcome{suspend: true}, nil
	}
	st.Decision = nil

	review := st.Review
	st.Review = nil
	switch fb.Action {
	case ActionAccept:
		if review != nil && review.From == PhaseSufficiencyEvaluate {
			st.ApprovedGaps = review.Gaps
		}
		return outcome{next: PhaseSufficiencyEvaluate}, nil
	case ActionEdit:
		st.Feedback = fb.Message
		return outcome{next: PhaseTaskAnalyze}, nil
	default:
		msg := "cancelled by reviewer"
		if fb.Message != "" {
			msg += ": " + fb.Message
		}
		st.Failure = objectiveFailure(snap.Objective, models.ClassCancelled, msg)
		return outcome{next: PhaseAborted, delta: scheduler.CancelDelta(snap, r.cfg.Clock.Now())}, nil
	}
}

func (r *Runner) sufficiencyEvaluate(ctx context.Context, st *State, snap *state.Snapshot) (outcome, error) {
	if len(st.ApprovedGaps) > 0 {
		gaps := st.ApprovedGaps
		st.ApprovedGaps = nil
		return outcome{next: PhaseExecute, delta: r.gapDelta(snap, "Context gaps", gaps)}, nil
	}
	if r.deps.Gate == nil {
		return outcome{next: PhaseExecute}, nil
	}

	obj := snap.Objective
	verdict, err := r.deps.Gate.Sufficiency(ctx, evaluate.Request{
		UnitID:   obj.ID,
		UnitType: models.RefObjective,
		Subject:  sufficiencySubject(st, snap),
		Criteria: objectiveCriteria(obj),
	})
	if err != nil {
		return outcome{}, err
	}
	res := verdict.Result
	st.Sufficiency = &res
	st.SufficiencyRounds++

	if verdict.Proceed {
		log.Printf("[workflow] objective %s: context is %s, skipping research", obj.ID, res.Level)
		return outcome{next: PhaseSynthesize}, nil
	}
	if len(res.Gaps) > 0 && !st.AutoAccept {
		st.Review = &Review{
			From:    PhaseSufficiencyEvaluate,
			Summary: fmt.Sprintf("context is %s (score %d)", res.Level, res.Score),
			Gaps:    res.Gaps,
		}
		return outcome{next: PhaseHumanInterrupt}, nil
	}
	return outcome{next: PhaseExecute, delta: r.gapDelta(snap, "Context gaps", res.Gaps)}, nil
}

func (r *Runner) execute(ctx context.Context, st *State, snap *state.Snapshot) (outcome, error) {
	res, err := r.deps.Loop.RunLoop(ctx, st.ObjectiveID)
	if err != nil {
		return outcome{}, err
	}
	switch res.Outcome {
	case scheduler.OutcomeCompleted:
		return outcome{next: PhaseCompletionEvaluate}, nil
	case scheduler.OutcomePaused:
		log.Printf("[workflow] objective %s: paused during execution", st.ObjectiveID)
		return outcome{suspend: true}, nil
	case scheduler.OutcomeCancelled:
		st.Failure = objectiveFailure(snap.Objective, models.ClassCancelled, "cancelled")
		return outcome{next: PhaseAborted}, nil
	default:
		st.Failure = res.Failure
		if st.Failure == nil {
			st.Failure = objectiveFailure(snap.Objective, models.ClassUnknown, "execution failed")
		}
		return outcome{next: PhaseAborted}, nil
	}
}

func (r *Runner) completionEvaluate(ctx context.Context, st *State, snap *state.Snapshot) (outcome, error) {
	if r.deps.Gate == nil {
		return outcome{next: PhaseSynthesize}, nil
	}

	obj := snap.Objective
	if obj.RetryCount > st.CompletionRounds {
		log.Printf("[workflow] objective %s: remediation round %d already planned, executing it", obj.ID, obj.RetryCount)
		st.CompletionRounds = obj.RetryCount
		return outcome{next: PhaseExecute}, nil
	}
	verdict, err := r.deps.Gate.Completion(ctx, evaluate.Request{
		UnitID:   obj.ID,
		UnitType: models.RefObjective,
		Subject:  completionSubject(snap),
		Criteria: objectiveCriteria(obj),
	})
	if err != nil {
		return outcome{}, err
	}
	res := verdict.Result
	st.Completion = &res
	if verdict.Passed {
		return outcome{next: PhaseSynthesize}, nil
	}

	now := r.cfg.Clock.Now()
	next := *obj
	next.UpdatedAt = now
	if obj.RetryCount >= obj.MaxRetries {
		next.Degraded = true
		for _, g := range res.Gaps {
			next.Gaps = appendUnique(next.Gaps, "unresolved: "+g)
		}
		if len(res.Gaps) == 0 {
			next.Gaps = appendUnique(next.Gaps, fmt.Sprintf("completion score %d below threshold %d", res.Score, r.deps.Gate.Threshold()))
		}
		log.Printf("[workflow] objective %s: completion check failed with no retries left, synthesizing with gaps", obj.ID)
		return outcome{next: PhaseSynthesize, delta: scheduler.Delta{Objective: &next}}, nil
	}

	next.RetryCount++
	items := res.Gaps
	if len(items) == 0 {
		items = res.Recommendations
	}
	if len(items) == 0 {
		items = []string{obj.Title}
	}
	d := r.gapDelta(snap, fmt.Sprintf("Remediation round %d", next.RetryCount), items)
	d.Objective = &next
	st.CompletionRounds = next.RetryCount
	log.Printf("[workflow] objective %s: completion check failed (score %d), remediation round %d", obj.ID, res.Score, next.RetryCount)
	return outcome{next: PhaseExecute, delta: d}, nil
}

func (r *Runner) synthesize(ctx context.Context, st *State, snap *state.Snapshot) (outcome, error) {
	obj := snap.Objective
	outputs := taskOutputs(snap)
	if len(outputs) == 0 && st.Background != "" {
		outputs = []agent.TaskOutput{{Title: "Background", Result: st.Background}}
	}

	body, err := r.deps.Synthesizer.Synthesize(ctx, obj, outputs, obj.Gaps)
	if err != nil {
		return outcome{}, err
	}
	if r.deps.Reports != nil {
		path, err := r.deps.Reports.Write(obj, body, obj.Gaps)
		if err != nil {
			return outcome{}, err
		}
		st.ReportPath = path
	}

	d := scheduler.FinishDelta(snap, models.ObjectiveCompleted, "", r.cfg.Clock.Now())
	d.Objective.Degraded = obj.Degraded || len(obj.Gaps) > 0
	return outcome{next: PhaseEnd, delta: d}, nil
}

// gapDelta creates one optional task holding an optional RESEARCH step
// per gap not already covered by an existing step.
func (r *Runner) gapDelta(snap *state.Snapshot, title string, gaps []string) scheduler.Delta {
	covered := make(map[string]bool)
	for _, s := range snap.Steps {
		if s.Query != "" {
			covered[s.Query] = true
		}
	}

	now := r.cfg.Clock.Now()
	task := &models.Task{
		ID:          uuid.NewString(),
		ObjectiveID: snap.Objective.ID,
		Title:       title,
		Description: "Research the gaps found by evaluation.",
		Status:      models.StatusPending,
		Priority:    len(snap.Tasks),
		MaxRetries:  r.cfg.MaxRetries,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	var d scheduler.Delta
	for i, g := range gaps {
		g = strings.TrimSpace(g)
		if g == "" || covered[g] {
			continue
		}
		covered[g] = true
		at := now.Add(time.Duration(i+1) * time.Microsecond)
		d.CreateSteps = append(d.CreateSteps, &models.Step{
			ID:                 uuid.NewString(),
			TaskID:             task.ID,
			ObjectiveID:        snap.Objective.ID,
			Title:              "Research: " + g,
			Description:        g,
			StepType:           models.StepResearch,
			Status:             models.StatusPending,
			Priority:           i,
			NeedExternalLookup: true,
			Query:              g,
			MaxRetries:         r.cfg.MaxRetries,
			CreatedAt:          at,
			UpdatedAt:          at,
		})
	}
	if len(d.CreateSteps) > 0 {
		d.CreateTasks = []*models.Task{task}
	}
	return d
}

func planSummary(plans []*decompose.TaskPlan) string {
	var b strings.Builder
	for i, p := range plans {
		req := "optional"
		if p.Task.Required {
			req = "required"
		}
		fmt.Fprintf(&b, "%d. %s (%s, %d steps)\n", i+1, p.Task.Title, req, len(p.Steps))
		for _, s := range p.Steps {
			fmt.Fprintf(&b, "   - [%s] %s\n", s.StepType, s.Title)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func objectiveCriteria(obj *models.Objective) string {
	if obj.Description == "" {
		return obj.Title
	}
	return obj.Title + "\n" + obj.Description
}

func sufficiencySubject(st *State, snap *state.Snapshot) string {
	var b strings.Builder
	b.WriteString(st.Background)
	for _, s := range snap.Steps {
		if s.Status != models.StatusCompleted || s.ExecutionResult == nil {
			continue
		}
		fmt.Fprintf(&b, "\n\n### %s\n%s", s.Title, s.ExecutionResult.Summary)
		if s.ExecutionResult.Content != "" {
			b.WriteString("\n" + s.ExecutionResult.Content)
		}
	}
	return strings.TrimSpace(b.String())
}

func completionSubject(snap *state.Snapshot) string {
	var parts []string
	for _, t := range snap.Tasks {
		if t.Status == models.StatusCompleted {
			parts = append(parts, t.Result)
		}
	}
	return strings.Join(parts, "\n\n")
}

func taskOutputs(snap *state.Snapshot) []agent.TaskOutput {
	var out []agent.TaskOutput
	for _, t := range snap.Tasks {
		if t.Status != models.StatusCompleted {
			continue
		}
		o := agent.TaskOutput{Title: t.Title, Result: t.Result}
		for _, s := range snap.StepsOf(t.ID) {
			if s.Status == models.StatusCompleted && s.ExecutionResult != nil {
				o.Sources = append(o.Sources, s.ExecutionResult.Sources...)
			}
		}
		out = append(out, o)
	}
	return out
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
