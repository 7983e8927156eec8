package scheduler

import (
	"fmt"
	"log"
	"time"

	"github.com/zpandasoft/deer-flow/internal/graph"
	"github.com/zpandasoft/deer-flow/pkg/models"
)

type taskState int

const (
	taskOpen taskState = iota
	taskSettled
	taskFailed
)

// settle rolls step outcomes up into tasks and task outcomes up into the
// objective. It returns the settled tasks waiting on a completion check,
// or a Result when the objective is finished with execution.
func (l *Loop) settle(now time.Time) ([]*models.Task, *Result, error) {
	_, stepGraph, err := l.graphs()
	if err != nil {
		return nil, nil, err
	}
	blocked := toSet(stepGraph.Blocked())

	var evals []*models.Task
	for _, t := range append([]*models.Task(nil), l.snap.Tasks...) {
		if t.Status != models.StatusInProgress || l.running[t.ID] != nil {
			continue
		}
		st, failure, gaps := l.assess(t, stepGraph, blocked)
		switch st {
		case taskFailed:
			if err := l.failTask(*t, failure, Delta{}, now); err != nil {
				return nil, nil, err
			}
			if l.snap.Objective.Status.Terminal() {
				return nil, l.terminalResult(), nil
			}
		case taskSettled:
			l.taskGaps[t.ID] = gaps
			if l.gate == nil {
				if err := l.completeTask(*t, l.taskSubject(t), Delta{}, now); err != nil {
					return nil, nil, err
				}
				continue
			}
			evals = append(evals, t)
		}
	}

	taskGraph, _, err := l.graphs()
	if err != nil {
		return nil, nil, err
	}
	blockedTasks := taskGraph.Blocked()
	for _, id := range blockedTasks {
		t := l.tasks[id]
		if !t.Required {
			continue
		}
		root := l.rootTask(taskGraph, id)
		failure := &models.Failure{
			Class:       l.classOf(root.ID, root.Status),
			UnitID:      root.ID,
			UnitKind:    models.RefTask,
			Description: root.Title,
			Message:     fmt.Sprintf("required task %q cannot run: dependency %q ended %s", t.Title, root.Title, root.Status),
		}
		if err := l.failObjective(failure, now); err != nil {
			return nil, nil, err
		}
		return nil, l.terminalResult(), nil
	}

	if len(l.running) > 0 {
		return evals, nil, nil
	}
	skipped := toSet(blockedTasks)
	for _, t := range l.snap.Tasks {
		if !t.Status.Terminal() && !skipped[t.ID] {
			return evals, nil, nil
		}
	}
	res, err := l.finishTasks(blockedTasks, now)
	return nil, res, err
}

// assess decides whether every step of t is settled. A required step that
// failed, or can never run, fails the task. A task with no completed step
// fails too.
func (l *Loop) assess(t *models.Task, steps *graph.DependencyGraph, blocked map[string]bool) (taskState, *models.Failure, []string) {
	settled := true
	completed := 0
	var gaps []string

	for _, s := range l.snap.StepsOf(t.ID) {
		if l.running[s.ID] != nil {
			settled = false
			continue
		}
		switch s.Status {
		case models.StatusCompleted:
			completed++
		case models.StatusFailed, models.StatusCancelled:
			if s.Required {
				return taskFailed, l.stepFailure(s, s), nil
			}
			gaps = append(gaps, fmt.Sprintf("step %q failed: %s", s.Title, s.Error))
		case models.StatusPending:
			if !blocked[s.ID] {
				settled = false
				continue
			}
			root := l.rootStep(steps, s.ID)
			if s.Required {
				return taskFailed, l.stepFailure(root, s), nil
			}
			gaps = append(gaps, fmt.Sprintf("step %q skipped: dependency %q failed", s.Title, root.Title))
		default:
			settled = false
		}
	}

	if !settled {
		return taskOpen, nil, nil
	}
	if completed == 0 {
		return taskFailed, &models.Failure{
			Class:       models.ClassExecution,
			UnitID:      t.ID,
			UnitKind:    models.RefTask,
			Description: t.Title,
			Message:     "no step completed",
		}, nil
	}
	return taskSettled, nil, gaps
}

// stepFailure describes the failure of root, the deepest failed step,
// as seen from s.
func (l *Loop) stepFailure(root, s *models.Step) *models.Failure {
	msg := root.Error
	if root.ID != s.ID {
		msg = fmt.Sprintf("required step %q cannot run: %s", s.Title, root.Error)
	}
	return &models.Failure{
		Class:       l.classOf(root.ID, root.Status),
		UnitID:      root.ID,
		UnitKind:    models.RefStep,
		Description: root.Title,
		Message:     msg,
	}
}

func (l *Loop) classOf(id string, status models.UnitStatus) models.ErrorClass {
	if err := l.lastErr[id]; err != nil {
		return models.ClassOf(err)
	}
	if status == models.StatusCancelled {
		return models.ClassCancelled
	}
	return models.ClassExceededRetries
}

// rootStep walks up from id to the first FAILED or CANCELLED ancestor.
func (l *Loop) rootStep(g *graph.DependencyGraph, id string) *models.Step {
	for _, dep := range g.Dependencies(id) {
		s := l.steps[dep]
		switch {
		case s.Status == models.StatusFailed || s.Status == models.StatusCancelled:
			return s
		case !s.Status.Terminal():
			if root := l.rootStep(g, dep); root.ID != dep {
				return root
			}
		}
	}
	return l.steps[id]
}

func (l *Loop) rootTask(g *graph.DependencyGraph, id string) *models.Task {
	for _, dep := range g.Dependencies(id) {
		t := l.tasks[dep]
		switch {
		case t.Status == models.StatusFailed || t.Status == models.StatusCancelled:
			return t
		case !t.Status.Terminal():
			if root := l.rootTask(g, dep); root.ID != dep {
				return root
			}
		}
	}
	return l.tasks[id]
}

// failTask writes next as FAILED, together with d, and cancels its
// unfinished steps. A required task takes the objective down with it; any
// other task leaves a gap on the objective.
func (l *Loop) failTask(next models.Task, failure *models.Failure, d Delta, now time.Time) error {
	next.Status = models.StatusFailed
	next.Error = failure.Error()
	next.UpdatedAt = now
	next.CompletedAt = &now

	d.UpdateTasks = append(d.UpdateTasks, &next)
	for _, s := range l.snap.StepsOf(next.ID) {
		l.cancelStep(&d, s, "task failed", now)
	}
	if !next.Required {
		obj := *l.snap.Objective
		obj.Gaps = appendGap(obj.Gaps, fmt.Sprintf("task %q failed: %s", next.Title, failure.Message))
		obj.UpdatedAt = now
		d.Objective = &obj
	}
	if err := l.commit(d); err != nil {
		return err
	}
	delete(l.taskGaps, next.ID)

	l.metrics.Failed(string(models.RefTask))
	l.emit(EventFailed, models.RefTask, next.ID, next.Title, failure.Message)
	log.Printf("[scheduler] task %s failed: %v", next.ID, failure)

	if next.Required {
		return l.failObjective(failure, now)
	}
	return nil
}

// completeTask writes next as COMPLETED with result sealed in, together
// with d, cancelling any optional steps that can no longer run.
func (l *Loop) completeTask(next models.Task, result string, d Delta, now time.Time) error {
	next.Status = models.StatusCompleted
	next.Result = result
	next.Error = ""
	next.UpdatedAt = now
	next.CompletedAt = &now
	for _, g := range l.taskGaps[next.ID] {
		next.Gaps = appendGap(next.Gaps, g)
	}

	d.UpdateTasks = append(d.UpdateTasks, &next)
	for _, s := range l.snap.StepsOf(next.ID) {
		l.cancelStep(&d, s, "task completed", now)
	}
	if err := l.commit(d); err != nil {
		return err
	}
	delete(l.taskGaps, next.ID)

	l.emit(EventCompleted, models.RefTask, next.ID, next.Title, "")
	l.tracef("task %s completed with %d gaps (sufficient %v)", next.ID, len(next.Gaps), next.IsSufficient)
	return nil
}

// cancelStep adds the cancellation of an unfinished step, and of its open
// attempt, to d.
func (l *Loop) cancelStep(d *Delta, s *models.Step, reason string, now time.Time) {
	if s.Status.Terminal() {
		return
	}
	if inf := l.running[s.ID]; inf != nil {
		inf.cancel()
		delete(l.running, s.ID)
	}
	if sched := l.latest[s.ID]; sched != nil && !sched.Status.Terminal() {
		closed := *sched
		closed.Status = models.ScheduleFailed
		closed.CompletedAt = &now
		closed.Error = reason
		d.UpdateSchedules = append(d.UpdateSchedules, &closed)
	}
	next := *s
	next.Status = models.StatusCancelled
	next.UpdatedAt = now
	next.CompletedAt = &now
	d.UpdateSteps = append(d.UpdateSteps, &next)
}

// failObjective stops all work and marks the objective FAILED.
func (l *Loop) failObjective(failure *models.Failure, now time.Time) error {
	l.abandonAll()
	l.failure = failure

	d := FinishDelta(l.snap, models.ObjectiveFailed, failure.Error(), now)
	d.Objective.Error = failure.Error()
	if err := l.commit(d); err != nil {
		return err
	}

	l.metrics.Failed(string(models.RefObjective))
	l.emit(EventFailed, models.RefObjective, l.objectiveID, l.snap.Objective.Title, failure.Error())
	log.Printf("[scheduler] objective %s failed: %v", l.objectiveID, failure)
	return nil
}

// finishTasks cancels optional tasks that can never run and reports the
// objective's execution as complete.
func (l *Loop) finishTasks(skipped []string, now time.Time) (*Result, error) {
	var d Delta
	obj := *l.snap.Objective
	for _, id := range skipped {
		t := l.tasks[id]
		next := *t
		next.Status = models.StatusCancelled
		next.UpdatedAt = now
		next.CompletedAt = &now
		d.UpdateTasks = append(d.UpdateTasks, &next)
		for _, s := range l.snap.StepsOf(id) {
			l.cancelStep(&d, s, "dependency failed", now)
		}
		obj.Gaps = appendGap(obj.Gaps, fmt.Sprintf("task %q skipped: a dependency failed", t.Title))
	}
	if len(d.UpdateTasks) > 0 {
		obj.UpdatedAt = now
		d.Objective = &obj
	}
	if err := l.commit(d); err != nil {
		return nil, err
	}

	log.Printf("[scheduler] objective %s: all tasks settled", l.objectiveID)
	return &Result{Outcome: OutcomeCompleted, Gaps: l.gaps()}, nil
}

func appendGap(gaps []string, g string) []string {
	for _, existing := range gaps {
		if existing == g {
			return gaps
		}
	}
	return append(gaps, g)
}

func toSet(ids []string) map[string]bool {
	m := make(map[string]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}
