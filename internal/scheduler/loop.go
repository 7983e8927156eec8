// Package scheduler runs the dispatch loop for one objective: it picks
// ready steps in dependency order, hands them to a bounded worker pool,
// applies results through the Writer, and drives retries, timeouts and
// failure propagation.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/zpandasoft/deer-flow/internal/agent"
	"github.com/zpandasoft/deer-flow/internal/evaluate"
	"github.com/zpandasoft/deer-flow/internal/graph"
	"github.com/zpandasoft/deer-flow/internal/metrics"
	"github.com/zpandasoft/deer-flow/internal/state"
	"github.com/zpandasoft/deer-flow/pkg/models"
)

const (
	// DefaultMaxWorkers bounds concurrent attempts per objective.
	DefaultMaxWorkers = 4
	// DefaultPollInterval is how often the loop wakes without other events.
	DefaultPollInterval = time.Second
)

// Config tunes a Loop.
type Config struct {
	MaxWorkers   int
	PollInterval time.Duration
	// StepTimeout applies to steps that carry no timeout of their own.
	StepTimeout time.Duration
	Retry       RetryPolicy
	Clock       Clock
}

func (c Config) withDefaults() Config {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = DefaultMaxWorkers
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = agent.DefaultStepTimeout
	}
	if c.Retry == (RetryPolicy{}) {
		c.Retry = DefaultRetryPolicy()
	}
	if c.Clock == nil {
		c.Clock = RealClock{}
	}
	return c
}

// Deps are the collaborators a Loop needs. Store and Executor are
// required. A nil Gate completes units without a completion check.
type Deps struct {
	Store    state.Store
	Writer   *Writer
	Executor agent.Executor
	Gate     *evaluate.Gate
	Metrics  *metrics.Metrics
	Control  *Control
	Notify   func(Event)
}

// Outcome is how a Run ended.
type Outcome string

const (
	// OutcomeCompleted means every task is settled. The objective itself
	// is left IN_PROGRESS for the workflow's completion phases.
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
	// OutcomePaused means the objective is paused and nothing is in flight.
	OutcomePaused Outcome = "paused"
)

// Result is returned by Run.
type Result struct {
	Outcome Outcome
	Failure *models.Failure
	// Gaps collects objective and task gaps recorded during execution.
	Gaps []string
}

type inflight struct {
	token      uint64
	scheduleID string
	kind       models.ReferenceType
	cancel     context.CancelFunc
	deadline   time.Time
}

type completion struct {
	refID   string
	token   uint64
	kind    models.ReferenceType
	outcome agent.Outcome
	subject string
	verdict *evaluate.CompletionVerdict
	evalErr error
}

// Loop schedules one objective. A Loop is single-use: create a new one for
// each Run.
type Loop struct {
	objectiveID string
	cfg         Config
	clock       Clock

	store    state.Store
	writer   *Writer
	exec     agent.Executor
	gate     *evaluate.Gate
	metrics  *metrics.Metrics
	control  *Control
	notify   func(Event)
	sem      *semaphore.Weighted
	stopped  chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	completions chan completion

	snap   *state.Snapshot
	tasks  map[string]*models.Task
	steps  map[string]*models.Step
	latest map[string]*models.Schedule

	running map[string]*inflight
	// hold keeps units that failed during the current tick out of its dispatch.
	hold map[string]bool
	// lastErr is the most recent attempt failure per unit.
	lastErr map[string]error
	// taskGaps are gaps found while settling a task, folded in on completion.
	taskGaps map[string][]string
	// evalNotBefore delays a task completion check after the evaluator errored.
	evalNotBefore map[string]time.Time
	// failure is the cause recorded when the objective failed.
	failure *models.Failure
	seq     uint64
}

// New creates a loop for objectiveID.
func New(objectiveID string, cfg Config, deps Deps) *Loop {
	cfg = cfg.withDefaults()
	w := deps.Writer
	if w == nil {
		w = NewWriter(deps.Store)
	}
	return &Loop{
		objectiveID:   objectiveID,
		cfg:           cfg,
		clock:         cfg.Clock,
		store:         deps.Store,
		writer:        w,
		exec:          deps.Executor,
		gate:          deps.Gate,
		metrics:       deps.Metrics,
		control:       deps.Control,
		notify:        deps.Notify,
		sem:           semaphore.NewWeighted(int64(cfg.MaxWorkers)),
		stopped:       make(chan struct{}),
		completions:   make(chan completion, cfg.MaxWorkers),
		running:       make(map[string]*inflight),
		hold:          make(map[string]bool),
		lastErr:       make(map[string]error),
		taskGaps:      make(map[string][]string),
		evalNotBefore: make(map[string]time.Time),
	}
}

// Run drives the objective until every task is settled, the objective
// fails or is cancelled, it is paused with nothing in flight, or ctx ends.
// When ctx ends, in-flight attempts are cancelled and their schedules are
// left RUNNING for recovery on the next Run.
func (l *Loop) Run(ctx context.Context) (Result, error) {
	defer l.shutdown()

	if err := l.start(); err != nil {
		return Result{}, err
	}

	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	var wake <-chan struct{}
	if l.control != nil {
		wake = l.control.Wake()
	}

	for {
		res, err := l.tick(ctx)
		if err != nil {
			return Result{}, err
		}
		if res != nil {
			return *res, nil
		}

		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case c := <-l.completions:
			if err := l.handle(c); err != nil {
				return Result{}, err
			}
		case <-ticker.C:
		case <-wake:
		}
	}
}

func (l *Loop) shutdown() {
	l.stopOnce.Do(func() {
		if l.control != nil {
			l.control.close()
		}
		for _, inf := range l.running {
			inf.cancel()
		}
		close(l.stopped)
		l.wg.Wait()
	})
}

// start loads the objective, marks it IN_PROGRESS and recovers attempts a
// previous process left behind.
func (l *Loop) start() error {
	if err := l.reload(); err != nil {
		return err
	}
	obj := l.snap.Objective
	if obj.Status.Terminal() {
		return nil
	}

	now := l.clock.Now()
	if obj.Status == models.ObjectiveCreated {
		next := *obj
		next.Status = models.ObjectiveInProgress
		next.UpdatedAt = now
		if err := l.commit(Delta{Objective: &next}); err != nil {
			return err
		}
	}
	return l.recover(now)
}

// recover fails schedules left RUNNING by a previous process and gives
// orphaned IN_PROGRESS steps a fresh attempt. An interrupted task check
// is simply run again once the task settles.
func (l *Loop) recover(now time.Time) error {
	for _, t := range l.snap.Tasks {
		sched := l.latest[t.ID]
		if sched == nil || sched.Status != models.ScheduleRunning {
			continue
		}
		log.Printf("[scheduler] completion check for task %s was running when the last process stopped", t.ID)
		next := *sched
		next.Status = models.ScheduleFailed
		next.CompletedAt = &now
		next.Error = errInterrupted.Error()
		if err := l.commit(Delta{UpdateSchedules: []*models.Schedule{&next}}); err != nil {
			return err
		}
	}
	for _, s := range l.snap.Steps {
		sched := l.latest[s.ID]
		if sched != nil && sched.Status == models.ScheduleRunning {
			log.Printf("[scheduler] step %s was running when the last process stopped", s.ID)
			if s.Status != models.StatusInProgress {
				next := *sched
				next.Status = models.ScheduleFailed
				next.CompletedAt = &now
				next.Error = "interrupted"
				if err := l.commit(Delta{UpdateSchedules: []*models.Schedule{&next}}); err != nil {
					return err
				}
				continue
			}
			cause := &models.ExecutionError{UnitID: s.ID, Err: errInterrupted}
			if err := l.failAttempt(s, sched, cause, nil, now); err != nil {
				return err
			}
			continue
		}
		if s.Status == models.StatusInProgress && (sched == nil || sched.Status.Terminal()) {
			attempt := 1
			if sched != nil {
				attempt = sched.Attempt + 1
			}
			retry := l.newSchedule(s.ID, models.RefStep, models.ScheduleScheduled, now, attempt)
			if err := l.commit(Delta{CreateSchedules: []*models.Schedule{retry}}); err != nil {
				return err
			}
		}
	}
	return nil
}

var errInterrupted = errors.New("interrupted")

// reload replaces the in-memory view with the persisted snapshot.
func (l *Loop) reload() error {
	snap, err := state.LoadSnapshot(l.store, l.objectiveID)
	if err != nil {
		return fmt.Errorf("load objective %s: %w", l.objectiveID, err)
	}
	l.snap = snap
	l.tasks = make(map[string]*models.Task, len(snap.Tasks))
	for _, t := range snap.Tasks {
		l.tasks[t.ID] = t
	}
	l.steps = make(map[string]*models.Step, len(snap.Steps))
	for _, s := range snap.Steps {
		l.steps[s.ID] = s
	}
	l.latest = make(map[string]*models.Schedule)
	for _, s := range snap.Schedules {
		if cur := l.latest[s.ReferenceID]; cur == nil || s.Attempt >= cur.Attempt {
			l.latest[s.ReferenceID] = s
		}
	}
	return nil
}

// commit applies d through the Writer and mirrors it into memory.
func (l *Loop) commit(d Delta) error {
	if d.Empty() {
		return nil
	}
	if err := l.writer.Apply(d); err != nil {
		if IsInvalidTransition(err) {
			log.Printf("[scheduler] rejected change for objective %s: %v", l.objectiveID, err)
		}
		return err
	}

	if d.Objective != nil {
		*l.snap.Objective = *d.Objective
	}
	for _, t := range d.CreateTasks {
		c := *t
		l.snap.Tasks = append(l.snap.Tasks, &c)
		l.tasks[c.ID] = &c
	}
	for _, s := range d.CreateSteps {
		c := *s
		l.snap.Steps = append(l.snap.Steps, &c)
		l.steps[c.ID] = &c
	}
	for _, t := range d.UpdateTasks {
		if cur, ok := l.tasks[t.ID]; ok {
			*cur = *t
		}
	}
	for _, s := range d.UpdateSteps {
		if cur, ok := l.steps[s.ID]; ok {
			*cur = *s
		}
	}
	for _, s := range d.UpdateSchedules {
		for _, cur := range l.snap.Schedules {
			if cur.ID == s.ID {
				*cur = *s
				break
			}
		}
	}
	for _, s := range d.CreateSchedules {
		c := *s
		l.snap.Schedules = append(l.snap.Schedules, &c)
		l.latest[c.ReferenceID] = &c
	}
	return nil
}

// tick runs one scheduling pass. A non-nil Result ends the Run.
func (l *Loop) tick(ctx context.Context) (*Result, error) {
	defer func() {
		for id := range l.hold {
			delete(l.hold, id)
		}
	}()

	if res, err := l.applyControl(); res != nil || err != nil {
		return res, err
	}
	if l.snap.Objective.Status.Terminal() {
		return l.terminalResult(), nil
	}

	now := l.clock.Now()
	if err := l.expire(now); err != nil {
		return nil, err
	}

	evals, res, err := l.settle(now)
	if res != nil || err != nil {
		return res, err
	}

	if l.snap.Objective.Paused {
		if len(l.running) == 0 {
			l.tracef("paused with nothing in flight")
			return &Result{Outcome: OutcomePaused, Gaps: l.gaps()}, nil
		}
		return nil, nil
	}

	if err := l.activate(now); err != nil {
		return nil, err
	}

	ready, err := l.candidates(now)
	if err != nil {
		return nil, err
	}
	for _, s := range ready {
		if !l.sem.TryAcquire(1) {
			l.tracef("worker pool full, %d steps wait", len(ready))
			break
		}
		if err := l.dispatchStep(ctx, s, now); err != nil {
			l.sem.Release(1)
			return nil, err
		}
	}
	for _, t := range evals {
		if !l.evalDue(t.ID, now) {
			continue
		}
		if !l.sem.TryAcquire(1) {
			break
		}
		if err := l.dispatchTaskCheck(ctx, t, now); err != nil {
			l.sem.Release(1)
			return nil, err
		}
	}
	return nil, nil
}

// handle applies one worker result. Results for attempts the loop already
// abandoned are discarded.
func (l *Loop) handle(c completion) error {
	inf := l.running[c.refID]
	if inf == nil || inf.token != c.token {
		l.tracef("discarding stale result for %s", c.refID)
		return nil
	}
	delete(l.running, c.refID)

	now := l.clock.Now()
	if c.kind == models.RefTask {
		return l.finishTaskCheck(c, inf, now)
	}
	return l.finishStep(c, inf, now)
}

func (l *Loop) applyControl() (*Result, error) {
	if l.control == nil {
		return nil, nil
	}
	var res *Result
	for _, req := range l.control.drain() {
		now := l.clock.Now()
		var err error
		switch req.kind {
		case requestPause:
			err = l.commit(PauseDelta(l.snap, true, now))
			if err == nil {
				l.emit(EventPaused, models.RefObjective, l.objectiveID, l.snap.Objective.Title, "")
			}
		case requestResume:
			err = l.commit(PauseDelta(l.snap, false, now))
			if err == nil {
				l.emit(EventResumed, models.RefObjective, l.objectiveID, l.snap.Objective.Title, "")
			}
		case requestCancel:
			if !l.snap.Objective.Status.Terminal() {
				l.abandonAll()
				err = l.commit(CancelDelta(l.snap, now))
				if err == nil {
					log.Printf("[scheduler] objective %s cancelled", l.objectiveID)
					l.emit(EventCancelled, models.RefObjective, l.objectiveID, l.snap.Objective.Title, "")
					res = &Result{Outcome: OutcomeCancelled, Gaps: l.gaps()}
				}
			}
		case requestRetry:
			var d Delta
			d, err = RetryDelta(l.snap, req.unitID, now)
			if err == nil {
				err = l.commit(d)
			}
			if err == nil {
				for id := range d.Resets {
					delete(l.lastErr, id)
					delete(l.evalNotBefore, id)
				}
				l.tracef("retry requested for %s", req.unitID)
			}
		}
		req.done <- err
		if err != nil && IsInvalidTransition(err) {
			return nil, err
		}
	}
	return res, nil
}

func (l *Loop) terminalResult() *Result {
	obj := l.snap.Objective
	switch obj.Status {
	case models.ObjectiveFailed:
		f := l.failure
		if f == nil {
			f = &models.Failure{Class: models.ClassUnknown, Message: obj.Error}
		}
		return &Result{Outcome: OutcomeFailed, Failure: f, Gaps: l.gaps()}
	case models.ObjectiveCancelled:
		return &Result{Outcome: OutcomeCancelled, Gaps: l.gaps()}
	}
	return &Result{Outcome: OutcomeCompleted, Gaps: l.gaps()}
}

// gaps returns the objective gaps followed by every task gap, deduplicated.
func (l *Loop) gaps() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(items []string) {
		for _, g := range items {
			if !seen[g] {
				seen[g] = true
				out = append(out, g)
			}
		}
	}
	add(l.snap.Objective.Gaps)
	for _, t := range l.snap.Tasks {
		add(t.Gaps)
	}
	return out
}

// abandonAll cancels every in-flight attempt. Their late results are
// discarded by handle.
func (l *Loop) abandonAll() {
	ids := make([]string, 0, len(l.running))
	for id := range l.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		l.running[id].cancel()
		delete(l.running, id)
	}
}

func (l *Loop) graphs() (tasks, steps *graph.DependencyGraph, err error) {
	tasks = graph.New()
	tasks.SetDebugLog(l.tracef)
	if err := tasks.Build(graph.FromTasks(l.snap.Tasks)); err != nil {
		return nil, nil, fmt.Errorf("task graph: %w", err)
	}
	steps = graph.New()
	steps.SetDebugLog(l.tracef)
	if err := steps.Build(graph.FromSteps(l.snap.Steps)); err != nil {
		return nil, nil, fmt.Errorf("step graph: %w", err)
	}
	return tasks, steps, nil
}

func (l *Loop) deliver(c completion) {
	select {
	case l.completions <- c:
	case <-l.stopped:
	}
}

func (l *Loop) nextToken() uint64 {
	l.seq++
	return l.seq
}
