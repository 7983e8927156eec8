package orchestrator

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
	"github.com/zpandasoft/deer-flow/internal/workflow"
	"github.com/zpandasoft/deer-flow/pkg/models"
)

var (
	// ErrAlreadyRunning is returned when an objective already has an active run.
	ErrAlreadyRunning = errors.New("objective is already running")
	// ErrStopped is returned once the manager has been stopped.
	ErrStopped = errors.New("manager is stopped")
	// ErrEmptyQuery is returned when an objective is created without a query.
	ErrEmptyQuery = errors.New("query is empty")
	// ErrNotFound is returned for unknown objectives, tasks and steps.
	ErrNotFound = state.ErrNotFound
	// ErrObjectiveTerminal is returned when retrying a unit of a finished objective.
	ErrObjectiveTerminal = scheduler.ErrObjectiveTerminal
)

// Deps are the collaborators shared by every objective. Store, Executor,
// Decomposer and Synthesizer are required.
type Deps struct {
	Store       state.Store
	Executor    agent.Executor
	Analyzer    workflow.Analyzer
	Decomposer  decompose.Decomposer
	Gate        *evaluate.Gate
	Synthesizer workflow.Synthesizer
	Reports     workflow.ReportWriter
}

// CreateOptions tunes a new objective.
type CreateOptions struct {
	// AutoAccept overrides the manager default when set.
	AutoAccept *bool
	// MaxRetries bounds completion rounds; zero uses the manager default.
	MaxRetries int
	Priority   int
}

// Status is a read-only view of one objective.
type Status struct {
	Objective *models.Objective
	Workflow  *workflow.State
	Tasks     []*models.Task
	Steps     []*models.Step
	Schedules []*models.Schedule
}

// Manager is the surface through which objectives are created, run and
// controlled. It runs many objectives concurrently, one scheduler loop
// per objective, all writing through one Writer.
type Manager struct {
	store  state.Store
	writer *scheduler.Writer
	deps   Deps
	runner *workflow.Runner
	opts   managerOptions
	pool   *runPool
	events *EventEmitter
}

// NewManager creates a Manager.
func NewManager(deps Deps, opts ...Option) (*Manager, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if deps.Store == nil || deps.Executor == nil {
		return nil, errors.New("manager: store and executor are required")
	}
	if o.loop.Clock == nil {
		o.loop.Clock = scheduler.RealClock{}
	}

	m := &Manager{
		store:  deps.Store,
		writer: scheduler.NewWriter(deps.Store),
		deps:   deps,
		opts:   o,
		pool:   newRunPool(),
		events: NewEventEmitter(o.eventBuffer),
	}

	if deps.Gate != nil && o.metrics != nil {
		deps.Gate.SetObserver(func(kind evaluate.Kind, passed bool) {
			o.metrics.Evaluated(string(kind), passed)
		})
	}

	runner, err := workflow.NewRunner(workflow.Config{
		MaxRetries: o.unitRetries,
		Clock:      o.loop.Clock,
	}, workflow.Deps{
		Store:        deps.Store,
		Writer:       m.writer,
		Analyzer:     deps.Analyzer,
		Decomposer:   deps.Decomposer,
		Gate:         deps.Gate,
		Synthesizer:  deps.Synthesizer,
		Reports:      deps.Reports,
		Loop:         m,
		Metrics:      o.metrics,
		OnTransition: m.onTransition,
	})
	if err != nil {
		return nil, err
	}
	m.runner = runner
	return m, nil
}

// CreateObjective persists a new CREATED objective for query with its
// workflow at ContextAnalysis. It does not start it.
func (m *Manager) CreateObjective(ctx context.Context, query string, opts CreateOptions) (*models.Objective, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	autoAccept := m.opts.autoAccept
	if opts.AutoAccept != nil {
		autoAccept = *opts.AutoAccept
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = m.opts.objectiveRetries
	}

	now := m.now()
	obj := &models.Objective{
		ID:         uuid.New().String(),
		Query:      query,
		Status:     models.ObjectiveCreated,
		Priority:   opts.Priority,
		MaxRetries: maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := m.store.CreateObjective(obj); err != nil {
		return nil, fmt.Errorf("create objective: %w", err)
	}
	if _, err := m.runner.Start(obj.ID, query, autoAccept); err != nil {
		return nil, fmt.Errorf("start workflow %s: %w", obj.ID, err)
	}

	log.Printf("[orchestrator] created objective %s", obj.ID)
	m.events.Emit(OrchestratorEvent{
		Type:          EventObjectiveCreated,
		ObjectiveID:   obj.ID,
		ReferenceID:   obj.ID,
		ReferenceType: models.RefObjective,
		Title:         query,
		Phase:         workflow.PhaseContextAnalysis,
		Timestamp:     now,
	})
	return obj, nil
}

// Start runs the workflow of objectiveID in the background. The run keeps
// the values of ctx but not its cancellation; Stop or Cancel end it.
func (m *Manager) Start(ctx context.Context, objectiveID string) error {
	if _, err := m.runner.State(objectiveID); err != nil {
		return err
	}
	r, runCtx, err := m.pool.acquire(context.WithoutCancel(ctx), objectiveID)
	if err != nil {
		return err
	}
	go func() {
		st, err := m.runner.Run(runCtx, objectiveID)
		m.finish(r, st, err)
	}()
	return nil
}

// RunSync runs the workflow of objectiveID until it ends, aborts, waits
// for input or is paused.
func (m *Manager) RunSync(ctx context.Context, objectiveID string) (*workflow.State, error) {
	if _, err := m.runner.State(objectiveID); err != nil {
		return nil, err
	}
	r, runCtx, err := m.pool.acquire(ctx, objectiveID)
	if err != nil {
		return nil, err
	}
	st, err := m.runner.Run(runCtx, objectiveID)
	m.finish(r, st, err)
	return st, err
}

// Respond answers a pending human interrupt and continues the workflow
// synchronously.
func (m *Manager) Respond(ctx context.Context, objectiveID string, fb workflow.Feedback) (*workflow.State, error) {
	r, runCtx, err := m.pool.acquire(ctx, objectiveID)
	if err != nil {
		return nil, err
	}
	st, err := m.runner.Resume(runCtx, objectiveID, fb)
	m.finish(r, st, err)
	return st, err
}

// Wait blocks until the active run of objectiveID finishes and returns its
// result. Without an active run it returns the persisted state.
func (m *Manager) Wait(ctx context.Context, objectiveID string) (*workflow.State, error) {
	r := m.pool.get(objectiveID)
	if r == nil {
		return m.runner.State(objectiveID)
	}
	select {
	case <-r.done:
		return r.state, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Running reports whether objectiveID has an active run in this process.
func (m *Manager) Running(objectiveID string) bool {
	return m.pool.get(objectiveID) != nil
}

// Pause stops new dispatches for objectiveID. Pausing a paused or finished
// objective changes nothing.
func (m *Manager) Pause(ctx context.Context, objectiveID string) (*models.Objective, error) {
	err := m.control(ctx, objectiveID,
		func(c *scheduler.Control) error { return c.Pause(ctx) },
		func(snap *state.Snapshot, now time.Time) (scheduler.Delta, error) {
			return scheduler.PauseDelta(snap, true, now), nil
		})
	if err != nil {
		return nil, err
	}
	return m.GetObjective(objectiveID)
}

// Resume lifts a pause. Resuming an objective that is not paused returns
// it unchanged. A run that stopped because of the pause is not restarted;
// call Start or RunSync for that.
func (m *Manager) Resume(ctx context.Context, objectiveID string) (*models.Objective, error) {
	err := m.control(ctx, objectiveID,
		func(c *scheduler.Control) error { return c.Resume(ctx) },
		func(snap *state.Snapshot, now time.Time) (scheduler.Delta, error) {
			return scheduler.PauseDelta(snap, false, now), nil
		})
	if err != nil {
		return nil, err
	}
	return m.GetObjective(objectiveID)
}

// Cancel ends objectiveID and every unfinished unit. Cancelling a finished
// objective changes nothing.
func (m *Manager) Cancel(ctx context.Context, objectiveID string) (*models.Objective, error) {
	// A run outside execution only sees a cancel at its next phase, so it
	// is stopped before the objective is written.
	if r := m.pool.get(objectiveID); r != nil && m.pool.control(objectiveID) == nil {
		r.cancel()
		select {
		case <-r.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	err := m.control(ctx, objectiveID,
		func(c *scheduler.Control) error { return c.Cancel(ctx) },
		func(snap *state.Snapshot, now time.Time) (scheduler.Delta, error) {
			return scheduler.CancelDelta(snap, now), nil
		})
	if err != nil {
		return nil, err
	}
	if err := m.settle(ctx, objectiveID); err != nil {
		return nil, err
	}
	return m.GetObjective(objectiveID)
}

// Retry resets a FAILED task or step to PENDING. Its retry count is kept.
// A PENDING unit is left alone.
func (m *Manager) Retry(ctx context.Context, unitID string) error {
	objectiveID, err := m.unitObjective(unitID)
	if err != nil {
		return err
	}
	return m.control(ctx, objectiveID,
		func(c *scheduler.Control) error { return c.Retry(ctx, unitID) },
		func(snap *state.Snapshot, now time.Time) (scheduler.Delta, error) {
			return scheduler.RetryDelta(snap, unitID, now)
		})
}

// Recover starts every objective a previous process left unfinished and
// returns their IDs.
func (m *Manager) Recover(ctx context.Context) ([]string, error) {
	interrupted, err := state.NewRecoveryManager(m.store).CheckForInterrupted()
	if err != nil {
		return nil, err
	}
	var started []string
	for _, info := range interrupted {
		if err := m.Start(ctx, info.ObjectiveID); err != nil {
			if errors.Is(err, ErrAlreadyRunning) {
				continue
			}
			return started, err
		}
		log.Printf("[orchestrator] recovering objective %s in %s (%d running schedules)",
			info.ObjectiveID, info.Phase, info.RunningSchedules)
		started = append(started, info.ObjectiveID)
	}
	return started, nil
}

// GetObjective returns an objective.
func (m *Manager) GetObjective(id string) (*models.Objective, error) {
	o, err := m.store.GetObjective(id)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, fmt.Errorf("objective %s: %w", id, ErrNotFound)
	}
	return o, nil
}

// GetTask returns a task.
func (m *Manager) GetTask(id string) (*models.Task, error) {
	t, err := m.store.GetTask(id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t, nil
}

// GetStep returns a step.
func (m *Manager) GetStep(id string) (*models.Step, error) {
	s, err := m.store.GetStep(id)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, fmt.Errorf("step %s: %w", id, ErrNotFound)
	}
	return s, nil
}

// History returns every attempt recorded for a unit, oldest first.
func (m *Manager) History(referenceID string) ([]*models.Schedule, error) {
	return m.store.ListSchedulesByReference(referenceID)
}

// ListObjectives returns objectives, filtered by status when it is set.
func (m *Manager) ListObjectives(status *models.ObjectiveStatus) ([]*models.Objective, error) {
	return m.store.ListObjectives(status)
}

// Status returns the full view of an objective. Workflow is nil when the
// objective has no workflow state.
func (m *Manager) Status(objectiveID string) (*Status, error) {
	snap, err := state.LoadSnapshot(m.store, objectiveID)
	if err != nil {
		return nil, err
	}
	st, err := m.runner.State(objectiveID)
	if err != nil && !errors.Is(err, workflow.ErrUnknownObjective) {
		return nil, err
	}
	return &Status{
		Objective: snap.Objective,
		Workflow:  st,
		Tasks:     snap.Tasks,
		Steps:     snap.Steps,
		Schedules: snap.Schedules,
	}, nil
}

// Events returns the channel of events from every objective.
func (m *Manager) Events() <-chan OrchestratorEvent {
	return m.events.Events()
}

// DroppedEventCount returns how many events were dropped on a full channel.
func (m *Manager) DroppedEventCount() uint64 {
	return m.events.DroppedCount()
}

// Count returns the number of active runs.
func (m *Manager) Count() int {
	return m.pool.count()
}

// Stop cancels every run, waits for them and closes the events channel.
// Cancelled runs keep their phase and continue on the next Run.
func (m *Manager) Stop() {
	m.pool.stop()
	m.events.Close()
}

// RunLoop runs a scheduler loop for objectiveID. It is the workflow's
// Execute phase.
func (m *Manager) RunLoop(ctx context.Context, objectiveID string) (scheduler.Result, error) {
	ctl := scheduler.NewControl()
	m.pool.setControl(objectiveID, ctl)
	defer m.pool.clearControl(objectiveID, ctl)

	loop := scheduler.New(objectiveID, m.opts.loop, scheduler.Deps{
		Store:    m.store,
		Writer:   m.writer,
		Executor: m.deps.Executor,
		Gate:     m.deps.Gate,
		Metrics:  m.opts.metrics,
		Control:  ctl,
		Notify:   m.notify,
	})
	return loop.Run(ctx)
}

// control sends a request to the running loop of objectiveID, or applies
// the equivalent delta directly when no loop is running.
func (m *Manager) control(
	ctx context.Context,
	objectiveID string,
	viaLoop func(*scheduler.Control) error,
	direct func(*state.Snapshot, time.Time) (scheduler.Delta, error),
) error {
	if c := m.pool.control(objectiveID); c != nil {
		err := viaLoop(c)
		if !errors.Is(err, scheduler.ErrLoopStopped) {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	snap, err := state.LoadSnapshot(m.store, objectiveID)
	if err != nil {
		return err
	}
	d, err := direct(snap, m.now())
	if err != nil {
		return err
	}
	return m.writer.Apply(d)
}

// settle moves the workflow of a finished objective to Aborted when no run
// is active to do it.
func (m *Manager) settle(ctx context.Context, objectiveID string) error {
	r, runCtx, err := m.pool.acquire(ctx, objectiveID)
	if err != nil {
		if errors.Is(err, ErrAlreadyRunning) || errors.Is(err, ErrStopped) {
			return nil
		}
		return err
	}
	st, err := m.runner.Run(runCtx, objectiveID)
	if errors.Is(err, workflow.ErrUnknownObjective) {
		err = nil
	}
	m.finish(r, st, err)
	return err
}

func (m *Manager) unitObjective(unitID string) (string, error) {
	s, err := m.store.GetStep(unitID)
	if err != nil {
		return "", err
	}
	if s != nil {
		return s.ObjectiveID, nil
	}
	t, err := m.store.GetTask(unitID)
	if err != nil {
		return "", err
	}
	if t != nil {
		return t.ObjectiveID, nil
	}
	return "", fmt.Errorf("unit %s: %w", unitID, ErrNotFound)
}

// finish reports the end of a run and releases it.
func (m *Manager) finish(r *run, st *workflow.State, err error) {
	ev := OrchestratorEvent{
		ObjectiveID:   r.objectiveID,
		ReferenceID:   r.objectiveID,
		ReferenceType: models.RefObjective,
		Timestamp:     m.now(),
	}
	if st != nil {
		ev.Phase = st.Phase
	}
	switch {
	case err != nil && !errors.Is(err, context.Canceled):
		log.Printf("[orchestrator] objective %s run failed: %v", r.objectiveID, err)
		ev.Type = EventRunError
		ev.Error = err
		ev.Message = err.Error()
	case st != nil && st.Phase.Terminal():
		ev.Type = EventRunFinished
		switch {
		case st.Failure != nil:
			ev.Message = st.Failure.Error()
		case st.ReportPath != "":
			ev.Message = st.ReportPath
		}
	default:
		ev.Type = EventRunSuspended
		if st != nil && st.AwaitingInput {
			ev.Message = "awaiting input"
		}
	}
	m.events.Emit(ev)
	m.pool.release(r, st, err)
}

func (m *Manager) onTransition(objectiveID string, from, to workflow.Phase) {
	ev := OrchestratorEvent{
		Type:          EventPhaseChanged,
		ObjectiveID:   objectiveID,
		ReferenceID:   objectiveID,
		ReferenceType: models.RefObjective,
		Phase:         to,
		Message:       fmt.Sprintf("%s -> %s", from, to),
		Timestamp:     m.now(),
	}
	m.events.Emit(ev)
	if to == workflow.PhaseHumanInterrupt {
		ev.Type = EventAwaitingInput
		ev.Message = ""
		m.events.Emit(ev)
	}
}

func (m *Manager) notify(ev scheduler.Event) {
	m.events.TryEmit(fromSchedulerEvent(ev))
}

func (m *Manager) now() time.Time {
	return m.opts.loop.Clock.Now()
}
