package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zpandasoft/deer-flow/internal/agent"
	"github.com/zpandasoft/deer-flow/internal/evaluate"
	"github.com/zpandasoft/deer-flow/internal/graph"
	"github.com/zpandasoft/deer-flow/pkg/models"
)

// activate moves PENDING tasks whose dependencies completed to IN_PROGRESS.
func (l *Loop) activate(now time.Time) error {
	tasks, _, err := l.graphs()
	if err != nil {
		return err
	}
	var d Delta
	for _, id := range tasks.Ready(nil) {
		next := *l.tasks[id]
		next.Status = models.StatusInProgress
		next.UpdatedAt = now
		d.UpdateTasks = append(d.UpdateTasks, &next)
		l.tracef("task %s (%s) started", id, next.Title)
	}
	return l.commit(d)
}

// candidates returns the steps that may be dispatched at now: PENDING steps
// whose dependencies completed and IN_PROGRESS steps with a due retry, in
// priority, creation time, ID order.
func (l *Loop) candidates(now time.Time) ([]*models.Step, error) {
	_, steps, err := l.graphs()
	if err != nil {
		return nil, err
	}

	exclude := make(map[string]bool, len(l.running)+len(l.hold))
	for id := range l.running {
		exclude[id] = true
	}
	for id := range l.hold {
		exclude[id] = true
	}

	var nodes []*graph.Node
	for _, id := range steps.Ready(exclude) {
		if !l.taskActive(l.steps[id]) {
			continue
		}
		n, _ := steps.Node(id)
		nodes = append(nodes, &n)
	}
	for _, s := range l.snap.Steps {
		if s.Status != models.StatusInProgress || exclude[s.ID] || !l.taskActive(s) {
			continue
		}
		if sched := l.latest[s.ID]; sched != nil && sched.Due(now) {
			n, _ := steps.Node(s.ID)
			nodes = append(nodes, &n)
		}
	}
	graph.SortNodes(nodes)

	out := make([]*models.Step, len(nodes))
	for i, n := range nodes {
		out[i] = l.steps[n.ID]
	}
	return out, nil
}

func (l *Loop) taskActive(s *models.Step) bool {
	t := l.tasks[s.TaskID]
	return t != nil && t.Status == models.StatusInProgress
}

// dispatchStep records the attempt and hands the step to a worker. The
// caller holds a semaphore slot for it.
func (l *Loop) dispatchStep(ctx context.Context, s *models.Step, now time.Time) error {
	var d Delta
	var sched *models.Schedule
	if prev := l.latest[s.ID]; prev != nil && prev.Status == models.ScheduleScheduled {
		next := *prev
		next.Status = models.ScheduleRunning
		next.StartedAt = &now
		sched = &next
		d.UpdateSchedules = append(d.UpdateSchedules, sched)
	} else {
		attempt := 1
		if prev != nil {
			attempt = prev.Attempt + 1
		}
		sched = l.newSchedule(s.ID, models.RefStep, models.ScheduleRunning, now, attempt)
		sched.StartedAt = &now
		d.CreateSchedules = append(d.CreateSchedules, sched)
	}
	if s.Status != models.StatusInProgress {
		next := *s
		next.Status = models.StatusInProgress
		next.UpdatedAt = now
		d.UpdateSteps = append(d.UpdateSteps, &next)
	}
	if err := l.commit(d); err != nil {
		return err
	}

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = l.cfg.StepTimeout
	}
	attemptCtx, cancel := context.WithCancel(ctx)
	token := l.nextToken()
	l.running[s.ID] = &inflight{
		token:      token,
		scheduleID: sched.ID,
		kind:       models.RefStep,
		cancel:     cancel,
		deadline:   now.Add(timeout),
	}

	l.metrics.Dispatched(string(models.RefStep))
	l.emit(EventDispatched, models.RefStep, s.ID, s.Title, fmt.Sprintf("attempt %d", sched.Attempt))
	l.tracef("dispatched step %s attempt %d (timeout %s)", s.ID, sched.Attempt, timeout)

	req := l.request(s)
	l.wg.Add(1)
	go l.runStep(attemptCtx, cancel, token, req)
	return nil
}

func (l *Loop) runStep(ctx context.Context, cancel context.CancelFunc, token uint64, req agent.Request) {
	defer l.wg.Done()
	defer l.sem.Release(1)
	defer cancel()

	c := completion{refID: req.Step.ID, token: token, kind: models.RefStep}
	defer func() {
		if p := recover(); p != nil {
			log.Printf("[scheduler] step %s worker panic: %v", req.Step.ID, p)
			c.outcome = agent.Failed(fmt.Errorf("worker panic: %v", p))
			c.verdict, c.evalErr = nil, nil
			l.deliver(c)
		}
	}()

	c.outcome = l.exec.Execute(ctx, req)
	if c.outcome.Success && l.gate != nil && ctx.Err() == nil {
		v, err := l.gate.Completion(ctx, evaluate.Request{
			UnitID:   req.Step.ID,
			UnitType: models.RefStep,
			Subject:  c.outcome.Result.Text(),
			Criteria: stepCriteria(req.Step),
		})
		c.verdict, c.evalErr = &v, err
	}
	l.deliver(c)
}

// request builds the executor input from copies so workers never share
// memory with the loop.
func (l *Loop) request(s *models.Step) agent.Request {
	obj := *l.snap.Objective
	task := *l.tasks[s.TaskID]
	step := *s
	step.Guidance = append([]string(nil), s.Guidance...)

	req := agent.Request{Objective: &obj, Task: &task, Step: &step}
	for _, id := range s.DependsOn {
		dep := l.steps[id]
		if dep == nil {
			continue
		}
		req.Dependencies = append(req.Dependencies, agent.DependencyResult{
			StepID: dep.ID,
			Title:  dep.Title,
			Result: dep.ExecutionResult,
		})
	}
	return req
}

func stepCriteria(s *models.Step) string {
	var b strings.Builder
	b.WriteString(s.Title)
	if s.Description != "" {
		b.WriteString("\n")
		b.WriteString(s.Description)
	}
	if s.Query != "" {
		b.WriteString("\nQuestion: ")
		b.WriteString(s.Query)
	}
	return b.String()
}

func taskCriteria(t *models.Task) string {
	var b strings.Builder
	b.WriteString(t.Title)
	if t.Description != "" {
		b.WriteString("\n")
		b.WriteString(t.Description)
	}
	if t.EvaluationCriteria != "" {
		b.WriteString("\nCriteria: ")
		b.WriteString(t.EvaluationCriteria)
	}
	return b.String()
}

// expire abandons attempts and task checks that outlived their deadline
// and fails them with a timeout.
func (l *Loop) expire(now time.Time) error {
	var late []string
	for id, inf := range l.running {
		if now.After(inf.deadline) {
			late = append(late, id)
		}
	}
	sort.Strings(late)

	for _, id := range late {
		inf := l.running[id]
		inf.cancel()
		delete(l.running, id)

		cause := &models.ExecutionError{UnitID: id, Err: models.ErrTimeout}
		if inf.kind == models.RefTask {
			log.Printf("[scheduler] completion check for task %s exceeded its timeout", id)
			c := completion{refID: id, token: inf.token, kind: models.RefTask, evalErr: cause}
			if err := l.finishTaskCheck(c, inf, now); err != nil {
				return err
			}
			continue
		}

		s := l.steps[id]
		log.Printf("[scheduler] step %s exceeded its timeout", id)
		if err := l.failAttempt(s, l.schedule(inf.scheduleID), cause, nil, now); err != nil {
			return err
		}
	}
	return nil
}

// finishStep applies a worker result to its step.
func (l *Loop) finishStep(c completion, inf *inflight, now time.Time) error {
	s := l.steps[c.refID]
	if s == nil || s.Status != models.StatusInProgress {
		return nil
	}
	sched := l.schedule(inf.scheduleID)

	switch {
	case !c.outcome.Success:
		err := c.outcome.Err
		if err == nil {
			err = errors.New("executor reported failure")
		}
		return l.failAttempt(s, sched, &models.ExecutionError{UnitID: s.ID, Err: err}, nil, now)
	case c.evalErr != nil:
		return l.failAttempt(s, sched, &models.ExecutionError{UnitID: s.ID, Err: c.evalErr}, nil, now)
	case c.verdict != nil && !c.verdict.Passed:
		return l.failAttempt(s, sched, c.verdict.Failure(s.ID), c.verdict.Result.Guidance(), now)
	}

	var d Delta
	if sched != nil {
		next := *sched
		next.Status = models.ScheduleCompleted
		next.CompletedAt = &now
		d.UpdateSchedules = append(d.UpdateSchedules, &next)
	}
	next := *s
	next.Status = models.StatusCompleted
	next.ExecutionResult = c.outcome.Result
	next.Error = ""
	next.UpdatedAt = now
	next.CompletedAt = &now
	d.UpdateSteps = append(d.UpdateSteps, &next)
	if err := l.commit(d); err != nil {
		return err
	}

	delete(l.lastErr, s.ID)
	l.emit(EventCompleted, models.RefStep, s.ID, s.Title, "")
	l.tracef("step %s completed", s.ID)
	return nil
}

// failAttempt closes the attempt's schedule, counts the failure and either
// schedules the next attempt after the backoff or fails the step.
func (l *Loop) failAttempt(s *models.Step, sched *models.Schedule, cause error, guidance []string, now time.Time) error {
	var d Delta
	attempt := 0
	if sched != nil {
		attempt = sched.Attempt
		closed := *sched
		closed.Status = models.ScheduleFailed
		closed.CompletedAt = &now
		closed.Error = attemptError(cause)
		d.UpdateSchedules = append(d.UpdateSchedules, &closed)
	}

	next := *s
	next.RetryCount++
	next.Error = cause.Error()
	next.UpdatedAt = now
	if len(guidance) > 0 {
		next.Guidance = append(append([]string(nil), s.Guidance...), guidance...)
	}

	dec := l.cfg.Retry.Decide(next.RetryCount, next.MaxRetries)
	if dec.Retry {
		d.CreateSchedules = append(d.CreateSchedules, l.newSchedule(s.ID, models.RefStep, models.ScheduleScheduled, now.Add(dec.Delay), attempt+1))
		l.lastErr[s.ID] = cause
	} else {
		final := &models.ExceededRetriesError{UnitID: s.ID, RetryCount: next.RetryCount, Last: cause}
		next.Status = models.StatusFailed
		next.Error = final.Error()
		next.CompletedAt = &now
		l.lastErr[s.ID] = final
	}
	d.UpdateSteps = append(d.UpdateSteps, &next)
	l.hold[s.ID] = true

	if err := l.commit(d); err != nil {
		return err
	}

	if dec.Retry {
		l.metrics.Retried()
		l.emit(EventRetryScheduled, models.RefStep, s.ID, s.Title, cause.Error())
		log.Printf("[scheduler] step %s attempt %d failed, retry %d in %s: %v", s.ID, attempt, next.RetryCount, dec.Delay, cause)
		return nil
	}
	l.metrics.Failed(string(models.RefStep))
	l.emit(EventFailed, models.RefStep, s.ID, s.Title, next.Error)
	log.Printf("[scheduler] step %s failed: %s", s.ID, next.Error)
	return nil
}

func attemptError(err error) string {
	switch {
	case errors.Is(err, models.ErrTimeout):
		return models.ErrTimeout.Error()
	case errors.Is(err, errInterrupted):
		return errInterrupted.Error()
	}
	return err.Error()
}

// dispatchTaskCheck records a RUNNING task schedule and runs the settled
// task's completion check on a worker. The check is bounded by the step
// timeout. The caller holds a semaphore slot.
func (l *Loop) dispatchTaskCheck(ctx context.Context, t *models.Task, now time.Time) error {
	attempt := 1
	if prev := l.latest[t.ID]; prev != nil {
		attempt = prev.Attempt + 1
	}
	sched := l.newSchedule(t.ID, models.RefTask, models.ScheduleRunning, now, attempt)
	sched.StartedAt = &now
	if err := l.commit(Delta{CreateSchedules: []*models.Schedule{sched}}); err != nil {
		return err
	}

	req := evaluate.Request{
		UnitID:   t.ID,
		UnitType: models.RefTask,
		Subject:  l.taskSubject(t),
		Criteria: taskCriteria(t),
	}
	checkCtx, cancel := context.WithCancel(ctx)
	token := l.nextToken()
	l.running[t.ID] = &inflight{
		token:      token,
		scheduleID: sched.ID,
		kind:       models.RefTask,
		cancel:     cancel,
		deadline:   now.Add(l.cfg.StepTimeout),
	}

	l.metrics.Dispatched(string(models.RefTask))
	l.tracef("checking task %s attempt %d", t.ID, attempt)

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer l.sem.Release(1)
		defer cancel()
		v, err := l.gate.Completion(checkCtx, req)
		l.deliver(completion{refID: req.UnitID, token: token, kind: models.RefTask, subject: req.Subject, verdict: &v, evalErr: err})
	}()
	return nil
}

// closeCheck returns the delta that closes a task check's schedule.
func (l *Loop) closeCheck(inf *inflight, cause error, now time.Time) Delta {
	sched := l.schedule(inf.scheduleID)
	if sched == nil || sched.Status.Terminal() {
		return Delta{}
	}
	closed := *sched
	closed.CompletedAt = &now
	closed.Status = models.ScheduleCompleted
	if cause != nil {
		closed.Status = models.ScheduleFailed
		closed.Error = attemptError(cause)
	}
	return Delta{UpdateSchedules: []*models.Schedule{&closed}}
}

func (l *Loop) evalDue(taskID string, now time.Time) bool {
	at, ok := l.evalNotBefore[taskID]
	return !ok || !now.Before(at)
}

// taskSubject joins the results of a task's completed steps.
func (l *Loop) taskSubject(t *models.Task) string {
	var parts []string
	for _, s := range l.snap.StepsOf(t.ID) {
		if s.Status != models.StatusCompleted {
			continue
		}
		parts = append(parts, fmt.Sprintf("## %s\n%s", s.Title, s.ExecutionResult.Text()))
	}
	return strings.Join(parts, "\n\n")
}

// finishTaskCheck applies a task completion verdict. A failed verdict adds
// a research step aimed at the reported gaps; an evaluator error delays
// the next check by the backoff.
func (l *Loop) finishTaskCheck(c completion, inf *inflight, now time.Time) error {
	t := l.tasks[c.refID]
	if t == nil || t.Status != models.StatusInProgress {
		return l.commit(l.closeCheck(inf, errors.New("task no longer in progress"), now))
	}
	if c.evalErr == nil && c.verdict.Passed {
		delete(l.evalNotBefore, t.ID)
		next := *t
		next.IsSufficient = true
		return l.completeTask(next, c.subject, l.closeCheck(inf, nil, now), now)
	}

	next := *t
	next.RetryCount++
	next.IsSufficient = false
	next.UpdatedAt = now

	var cause error
	if c.evalErr != nil {
		cause = c.evalErr
	} else {
		cause = c.verdict.Failure(t.ID)
	}
	d := l.closeCheck(inf, cause, now)

	dec := l.cfg.Retry.Decide(next.RetryCount, next.MaxRetries)
	if !dec.Retry {
		final := &models.ExceededRetriesError{UnitID: t.ID, RetryCount: next.RetryCount, Last: cause}
		return l.failTask(next, &models.Failure{
			Class:       models.ClassExceededRetries,
			UnitID:      t.ID,
			UnitKind:    models.RefTask,
			Description: t.Title,
			Message:     final.Error(),
		}, d, now)
	}

	l.metrics.Retried()
	if c.evalErr != nil {
		l.evalNotBefore[t.ID] = now.Add(dec.Delay)
		log.Printf("[scheduler] completion check for task %s errored, next check in %s: %v", t.ID, dec.Delay, cause)
		d.UpdateTasks = append(d.UpdateTasks, &next)
		return l.commit(d)
	}

	step := l.remediationStep(t, c.verdict.Result, now)
	d.UpdateTasks = append(d.UpdateTasks, &next)
	d.CreateSteps = append(d.CreateSteps, step)
	if err := l.commit(d); err != nil {
		return err
	}
	l.emit(EventRetryScheduled, models.RefTask, t.ID, t.Title, cause.Error())
	log.Printf("[scheduler] task %s judged incomplete (%v), added step %s", t.ID, cause, step.ID)
	return nil
}

// remediationStep builds an optional research step that targets the gaps
// of a failed task check.
func (l *Loop) remediationStep(t *models.Task, res models.EvaluationResult, now time.Time) *models.Step {
	query := t.Title
	if len(res.Gaps) > 0 {
		query = res.Gaps[0]
	}
	return &models.Step{
		ID:                 uuid.New().String(),
		TaskID:             t.ID,
		ObjectiveID:        t.ObjectiveID,
		Title:              "Close gaps: " + t.Title,
		Description:        strings.Join(res.Gaps, "; "),
		StepType:           models.StepResearch,
		Status:             models.StatusPending,
		Priority:           t.Priority,
		NeedExternalLookup: true,
		Query:              query,
		Required:           false,
		MaxRetries:         models.InheritRetries,
		Guidance:           res.Guidance(),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

func (l *Loop) newSchedule(refID string, kind models.ReferenceType, status models.ScheduleStatus, at time.Time, attempt int) *models.Schedule {
	return &models.Schedule{
		ID:            uuid.New().String(),
		ObjectiveID:   l.objectiveID,
		ReferenceID:   refID,
		ReferenceType: kind,
		Status:        status,
		ScheduledAt:   at,
		Attempt:       attempt,
	}
}

func (l *Loop) schedule(id string) *models.Schedule {
	for _, s := range l.snap.Schedules {
		if s.ID == id {
			return s
		}
	}
	return nil
}
