package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/zpandasoft/deer-flow/internal/agent"
	"github.com/zpandasoft/deer-flow/internal/decompose"
	"github.com/zpandasoft/deer-flow/internal/scheduler"
	"github.com/zpandasoft/deer-flow/internal/state"
	"github.com/zpandasoft/deer-flow/internal/workflow"
	"github.com/zpandasoft/deer-flow/pkg/models"
)

const testTimeout = 10 * time.Second

// chainDecomposer plans one task of two steps, the second depending on
// the first.
type chainDecomposer struct{}

func (chainDecomposer) DecomposeObjective(ctx context.Context, query, background string) (*decompose.ObjectivePlan, error) {
	return &decompose.ObjectivePlan{Title: "Investigate " + query, Description: background}, nil
}

func (chainDecomposer) DecomposeTasks(ctx context.Context, obj *models.Objective, feedback string) ([]*decompose.TaskPlan, error) {
	now := time.Now().UTC()
	task := &models.Task{
		ID:          obj.ID + "-t1",
		ObjectiveID: obj.ID,
		Title:       "survey",
		Status:      models.StatusPending,
		Required:    true,
		MaxRetries:  3,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	step := func(id string, deps ...string) *models.Step {
		return &models.Step{
			ID:          obj.ID + "-" + id,
			TaskID:      task.ID,
			ObjectiveID: obj.ID,
			Title:       "step " + id,
			StepType:    models.StepProcessing,
			Status:      models.StatusPending,
			DependsOn:   deps,
			Required:    true,
			MaxRetries:  3,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
	}
	s1 := step("s1")
	s2 := step("s2", s1.ID)
	return []*decompose.TaskPlan{{Task: task, Steps: []*models.Step{s1, s2}}}, nil
}

type echoAnalyzer struct{}

func (echoAnalyzer) Analyze(ctx context.Context, query string) (string, error) {
	return "background on " + query, nil
}

type titleSynthesizer struct{}

func (titleSynthesizer) Synthesize(ctx context.Context, obj *models.Objective, tasks []agent.TaskOutput, gaps []string) (string, error) {
	return "# " + obj.Title, nil
}

type memReports struct {
	mu     sync.Mutex
	bodies map[string]string
}

func (r *memReports) Write(obj *models.Objective, body string, gaps []string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bodies == nil {
		r.bodies = make(map[string]string)
	}
	r.bodies[obj.ID] = body
	return "reports/" + obj.ID + ".md", nil
}

// gatedExecutor blocks the first step whose ID ends in "-s1" until
// release is closed.
type gatedExecutor struct {
	started chan string
	release chan struct{}
}

func newGatedExecutor() *gatedExecutor {
	return &gatedExecutor{started: make(chan string, 1), release: make(chan struct{})}
}

func (e *gatedExecutor) Execute(ctx context.Context, req agent.Request) agent.Outcome {
	id := req.Step.ID
	if len(id) > 3 && id[len(id)-3:] == "-s1" {
		select {
		case e.started <- id:
		default:
		}
		select {
		case <-e.release:
		case <-ctx.Done():
			return agent.Failed(ctx.Err())
		}
	}
	return agent.Succeeded(&models.StepResult{Summary: "done " + id})
}

func (e *gatedExecutor) waitStarted(t *testing.T) {
	t.Helper()
	select {
	case <-e.started:
	case <-time.After(testTimeout):
		t.Fatal("executor was not called")
	}
}

func openTestStore(t *testing.T) *state.DB {
	t.Helper()
	db, err := state.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestManager(t *testing.T, db *state.DB, exec agent.Executor) *Manager {
	t.Helper()
	if exec == nil {
		exec = agent.ExecutorFunc(func(ctx context.Context, req agent.Request) agent.Outcome {
			return agent.Succeeded(&models.StepResult{Summary: "done " + req.Step.ID})
		})
	}
	m, err := NewManager(Deps{
		Store:       db,
		Executor:    exec,
		Analyzer:    echoAnalyzer{},
		Decomposer:  chainDecomposer{},
		Synthesizer: titleSynthesizer{},
		Reports:     &memReports{},
	},
		WithPollInterval(5*time.Millisecond),
		WithRetryPolicy(scheduler.RetryPolicy{BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, MaxRetries: 3}),
		WithEventBuffer(500),
	)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(m.Stop)
	return m
}

func createObjective(t *testing.T, m *Manager, query string) *models.Objective {
	t.Helper()
	obj, err := m.CreateObjective(context.Background(), query, CreateOptions{})
	if err != nil {
		t.Fatalf("CreateObjective failed: %v", err)
	}
	return obj
}

func drain(m *Manager) []OrchestratorEvent {
	var out []OrchestratorEvent
	for {
		select {
		case ev, ok := <-m.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func hasEvent(events []OrchestratorEvent, typ EventType) bool {
	for _, ev := range events {
		if ev.Type == typ {
			return true
		}
	}
	return false
}

func TestNewManager_RequiresStoreAndExecutor(t *testing.T) {
	if _, err := NewManager(Deps{}); err == nil {
		t.Error("expected error without store and executor")
	}
}

func TestManager_CreateObjective(t *testing.T) {
	db := openTestStore(t)
	m := newTestManager(t, db, nil)

	if _, err := m.CreateObjective(context.Background(), "   ", CreateOptions{}); !errors.Is(err, ErrEmptyQuery) {
		t.Errorf("expected ErrEmptyQuery, got %v", err)
	}

	manual := false
	obj, err := m.CreateObjective(context.Background(), " battery chemistry ", CreateOptions{AutoAccept: &manual, MaxRetries: 1})
	if err != nil {
		t.Fatalf("CreateObjective failed: %v", err)
	}
	if obj.Status != models.ObjectiveCreated {
		t.Errorf("got status %s, want CREATED", obj.Status)
	}
	if obj.Query != "battery chemistry" {
		t.Errorf("got query %q, want trimmed query", obj.Query)
	}
	if obj.MaxRetries != 1 {
		t.Errorf("got max retries %d, want 1", obj.MaxRetries)
	}

	status, err := m.Status(obj.ID)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.Workflow == nil || status.Workflow.Phase != workflow.PhaseContextAnalysis {
		t.Fatalf("got workflow %+v, want ContextAnalysis", status.Workflow)
	}
	if status.Workflow.AutoAccept {
		t.Error("expected auto-accept to be off")
	}
	if !hasEvent(drain(m), EventObjectiveCreated) {
		t.Error("expected objective_created event")
	}
}

func TestManager_RunSyncCompletes(t *testing.T) {
	db := openTestStore(t)
	m := newTestManager(t, db, nil)
	obj := createObjective(t, m, "solid state batteries")

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	st, err := m.RunSync(ctx, obj.ID)
	if err != nil {
		t.Fatalf("RunSync failed: %v", err)
	}
	if st.Phase != workflow.PhaseEnd {
		t.Fatalf("got phase %s, want End", st.Phase)
	}
	if st.ReportPath != "reports/"+obj.ID+".md" {
		t.Errorf("got report path %q", st.ReportPath)
	}

	got, err := m.GetObjective(obj.ID)
	if err != nil {
		t.Fatalf("GetObjective failed: %v", err)
	}
	if got.Status != models.ObjectiveCompleted {
		t.Errorf("got status %s, want COMPLETED", got.Status)
	}

	for _, id := range []string{obj.ID + "-s1", obj.ID + "-s2"} {
		step, err := m.GetStep(id)
		if err != nil {
			t.Fatalf("GetStep(%s) failed: %v", id, err)
		}
		if step.Status != models.StatusCompleted {
			t.Errorf("step %s: got status %s, want COMPLETED", id, step.Status)
		}
		history, err := m.History(id)
		if err != nil {
			t.Fatalf("History(%s) failed: %v", id, err)
		}
		if len(history) != 1 || history[0].Status != models.ScheduleCompleted {
			t.Errorf("step %s: got history %+v, want one completed attempt", id, history)
		}
	}
	if _, err := m.GetTask(obj.ID + "-t1"); err != nil {
		t.Errorf("GetTask failed: %v", err)
	}

	events := drain(m)
	for _, typ := range []EventType{EventPhaseChanged, EventUnitDispatched, EventUnitCompleted, EventRunFinished} {
		if !hasEvent(events, typ) {
			t.Errorf("expected %s event", typ)
		}
	}
}

func TestManager_GetMissing(t *testing.T) {
	db := openTestStore(t)
	m := newTestManager(t, db, nil)

	if _, err := m.GetObjective("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetObjective: expected ErrNotFound, got %v", err)
	}
	if _, err := m.GetTask("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetTask: expected ErrNotFound, got %v", err)
	}
	if _, err := m.GetStep("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetStep: expected ErrNotFound, got %v", err)
	}
	if _, err := m.Pause(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Pause: expected ErrNotFound, got %v", err)
	}
}

func TestManager_PauseResumeWithoutLoop(t *testing.T) {
	db := openTestStore(t)
	m := newTestManager(t, db, nil)
	obj := createObjective(t, m, "tidal power")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		got, err := m.Pause(ctx, obj.ID)
		if err != nil {
			t.Fatalf("Pause #%d failed: %v", i+1, err)
		}
		if !got.Paused {
			t.Errorf("Pause #%d: objective not paused", i+1)
		}
	}
	for i := 0; i < 2; i++ {
		got, err := m.Resume(ctx, obj.ID)
		if err != nil {
			t.Fatalf("Resume #%d failed: %v", i+1, err)
		}
		if got.Paused {
			t.Errorf("Resume #%d: objective still paused", i+1)
		}
	}
}

func TestManager_PauseDuringExecution(t *testing.T) {
	db := openTestStore(t)
	exec := newGatedExecutor()
	m := newTestManager(t, db, exec)
	obj := createObjective(t, m, "grid storage")

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	type result struct {
		st  *workflow.State
		err error
	}
	done := make(chan result, 1)
	go func() {
		st, err := m.RunSync(ctx, obj.ID)
		done <- result{st, err}
	}()

	exec.waitStarted(t)
	paused, err := m.Pause(ctx, obj.ID)
	if err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	if !paused.Paused {
		t.Fatal("objective not paused")
	}
	close(exec.release)

	var res result
	select {
	case res = <-done:
	case <-time.After(testTimeout):
		t.Fatal("run did not stop after pause")
	}
	if res.err != nil {
		t.Fatalf("RunSync failed: %v", res.err)
	}
	if res.st.Phase != workflow.PhaseExecute {
		t.Fatalf("got phase %s, want Execute", res.st.Phase)
	}
	s2, err := m.GetStep(obj.ID + "-s2")
	if err != nil {
		t.Fatalf("GetStep failed: %v", err)
	}
	if s2.Status != models.StatusPending {
		t.Errorf("got s2 status %s, want PENDING while paused", s2.Status)
	}

	if _, err := m.Resume(ctx, obj.ID); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	st, err := m.RunSync(ctx, obj.ID)
	if err != nil {
		t.Fatalf("second RunSync failed: %v", err)
	}
	if st.Phase != workflow.PhaseEnd {
		t.Errorf("got phase %s, want End", st.Phase)
	}
}

func TestManager_StartTwice(t *testing.T) {
	db := openTestStore(t)
	exec := newGatedExecutor()
	m := newTestManager(t, db, exec)
	obj := createObjective(t, m, "ocean acidification")
	ctx := context.Background()

	if err := m.Start(ctx, obj.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	exec.waitStarted(t)

	if err := m.Start(ctx, obj.ID); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start: expected ErrAlreadyRunning, got %v", err)
	}
	if _, err := m.RunSync(ctx, obj.ID); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("RunSync: expected ErrAlreadyRunning, got %v", err)
	}
	if m.Count() != 1 {
		t.Errorf("got %d active runs, want 1", m.Count())
	}

	close(exec.release)
	waitCtx, cancel := context.WithTimeout(ctx, testTimeout)
	defer cancel()
	st, err := m.Wait(waitCtx, obj.ID)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if st.Phase != workflow.PhaseEnd {
		t.Errorf("got phase %s, want End", st.Phase)
	}
}

func TestManager_CancelWithoutLoop(t *testing.T) {
	db := openTestStore(t)
	m := newTestManager(t, db, nil)
	obj := createObjective(t, m, "fusion timelines")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		got, err := m.Cancel(ctx, obj.ID)
		if err != nil {
			t.Fatalf("Cancel #%d failed: %v", i+1, err)
		}
		if got.Status != models.ObjectiveCancelled {
			t.Errorf("Cancel #%d: got status %s, want CANCELLED", i+1, got.Status)
		}
	}

	status, err := m.Status(obj.ID)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.Workflow.Phase != workflow.PhaseAborted {
		t.Errorf("got phase %s, want Aborted", status.Workflow.Phase)
	}
	if f := status.Workflow.Failure; f == nil || f.Class != models.ClassCancelled {
		t.Errorf("got failure %+v, want cancelled", f)
	}
}

func TestManager_CancelDuringExecution(t *testing.T) {
	db := openTestStore(t)
	exec := newGatedExecutor()
	defer close(exec.release)
	m := newTestManager(t, db, exec)
	obj := createObjective(t, m, "hydrogen aviation")

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := m.Start(ctx, obj.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	exec.waitStarted(t)

	got, err := m.Cancel(ctx, obj.ID)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if got.Status != models.ObjectiveCancelled {
		t.Errorf("got status %s, want CANCELLED", got.Status)
	}

	st, err := m.Wait(ctx, obj.ID)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if st.Phase != workflow.PhaseAborted {
		t.Errorf("got phase %s, want Aborted", st.Phase)
	}
	for _, id := range []string{obj.ID + "-s1", obj.ID + "-s2"} {
		step, err := m.GetStep(id)
		if err != nil {
			t.Fatalf("GetStep failed: %v", err)
		}
		if step.Status != models.StatusCancelled {
			t.Errorf("step %s: got %s, want CANCELLED", id, step.Status)
		}
	}
}

func TestManager_Retry(t *testing.T) {
	db := openTestStore(t)
	m := newTestManager(t, db, nil)
	ctx := context.Background()
	now := time.Now().UTC()

	obj := &models.Objective{ID: "obj-r", Query: "q", Status: models.ObjectiveInProgress, MaxRetries: 1, CreatedAt: now, UpdatedAt: now}
	task := &models.Task{ID: "task-r", ObjectiveID: obj.ID, Title: "t", Status: models.StatusFailed, Required: true, MaxRetries: 2, CreatedAt: now, UpdatedAt: now}
	step := &models.Step{ID: "step-r", TaskID: task.ID, ObjectiveID: obj.ID, Title: "s", StepType: models.StepProcessing,
		Status: models.StatusFailed, Required: true, RetryCount: 2, MaxRetries: 2, Error: "boom", CreatedAt: now, UpdatedAt: now}
	if err := db.CreateObjective(obj); err != nil {
		t.Fatalf("create objective: %v", err)
	}
	if err := db.CreateTask(task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := db.CreateStep(step); err != nil {
		t.Fatalf("create step: %v", err)
	}

	if err := m.Retry(ctx, step.ID); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	gotStep, _ := m.GetStep(step.ID)
	if gotStep.Status != models.StatusPending {
		t.Errorf("got step status %s, want PENDING", gotStep.Status)
	}
	if gotStep.RetryCount != 2 {
		t.Errorf("got retry count %d, want 2 (unchanged)", gotStep.RetryCount)
	}
	gotTask, _ := m.GetTask(task.ID)
	if gotTask.Status != models.StatusPending {
		t.Errorf("got task status %s, want PENDING", gotTask.Status)
	}

	if err := m.Retry(ctx, step.ID); err != nil {
		t.Errorf("retry of a PENDING step should be a no-op, got %v", err)
	}
	if err := m.Retry(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if _, err := m.Cancel(ctx, obj.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if err := m.Retry(ctx, step.ID); !errors.Is(err, ErrObjectiveTerminal) {
		t.Errorf("expected ErrObjectiveTerminal, got %v", err)
	}
}

func TestManager_Recover(t *testing.T) {
	db := openTestStore(t)
	m := newTestManager(t, db, nil)
	obj := createObjective(t, m, "carbon capture")
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	ids, err := m.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != obj.ID {
		t.Fatalf("got recovered %v, want [%s]", ids, obj.ID)
	}
	st, err := m.Wait(ctx, obj.ID)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if st.Phase != workflow.PhaseEnd {
		t.Errorf("got phase %s, want End", st.Phase)
	}
}

func TestManager_Stop(t *testing.T) {
	db := openTestStore(t)
	m := newTestManager(t, db, nil)
	obj := createObjective(t, m, "geothermal")

	m.Stop()
	if err := m.Start(context.Background(), obj.ID); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped, got %v", err)
	}
	drain(m)
	if _, ok := <-m.Events(); ok {
		t.Error("expected events channel to be closed")
	}
}
