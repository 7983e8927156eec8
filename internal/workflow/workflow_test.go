package workflow

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zpandasoft/deer-flow/internal/agent"
	"github.com/zpandasoft/deer-flow/internal/decompose"
	"github.com/zpandasoft/deer-flow/internal/evaluate"
	"github.com/zpandasoft/deer-flow/internal/scheduler"
	"github.com/zpandasoft/deer-flow/internal/state"
	"github.com/zpandasoft/deer-flow/pkg/models"
)

var testNow = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

const testObjective = "obj-1"

type fakeDecomposer struct {
	mu       sync.Mutex
	plans    func() []*decompose.TaskPlan
	err      error
	feedback []string
}

func (d *fakeDecomposer) DecomposeObjective(ctx context.Context, query, background string) (*decompose.ObjectivePlan, error) {
	return &decompose.ObjectivePlan{Title: "Investigate " + query, Description: "covering " + background}, nil
}

func (d *fakeDecomposer) DecomposeTasks(ctx context.Context, obj *models.Objective, feedback string) ([]*decompose.TaskPlan, error) {
	d.mu.Lock()
	d.feedback = append(d.feedback, feedback)
	d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	plans := d.plans()
	if err := decompose.Validate(plans); err != nil {
		return nil, err
	}
	return plans, nil
}

type fakeAnalyzer struct{}

func (fakeAnalyzer) Analyze(ctx context.Context, query string) (string, error) {
	return "background on " + query, nil
}

type fakeSynthesizer struct {
	outputs []agent.TaskOutput
	gaps    []string
}

func (s *fakeSynthesizer) Synthesize(ctx context.Context, obj *models.Objective, tasks []agent.TaskOutput, gaps []string) (string, error) {
	s.outputs = tasks
	s.gaps = gaps
	return "# " + obj.Title, nil
}

type fakeReports struct {
	bodies map[string]string
}

func (r *fakeReports) Write(obj *models.Objective, body string, gaps []string) (string, error) {
	if r.bodies == nil {
		r.bodies = make(map[string]string)
	}
	r.bodies[obj.ID] = body
	return "reports/" + obj.ID + ".md", nil
}

// evaluator answers sufficiency and completion checks from scripts.
type evaluator struct {
	mu          sync.Mutex
	sufficiency []models.EvaluationResult
	completion  []models.EvaluationResult
	subjects    []string
	completions int
}

func (e *evaluator) gate() *evaluate.Gate {
	return evaluate.NewGate(evaluate.EvaluatorFunc(e.evaluate), 0)
}

func (e *evaluator) evaluate(ctx context.Context, req evaluate.Request) (models.EvaluationResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subjects = append(e.subjects, req.Subject)
	next := func(script *[]models.EvaluationResult, fallback models.EvaluationResult) models.EvaluationResult {
		if len(*script) == 0 {
			return fallback
		}
		r := (*script)[0]
		if len(*script) > 1 {
			*script = (*script)[1:]
		}
		return r
	}
	if req.Kind == evaluate.KindSufficiency {
		return next(&e.sufficiency, models.EvaluationResult{Level: models.Insufficient, Score: 30}), nil
	}
	e.completions++
	return next(&e.completion, models.EvaluationResult{Score: 95}), nil
}

type fixture struct {
	t       *testing.T
	db      *state.DB
	writer  *scheduler.Writer
	clock   *scheduler.ManualClock
	decomp  *fakeDecomposer
	eval    *evaluator
	synth   *fakeSynthesizer
	reports *fakeReports
	loops   int
	loop    LoopRunner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := state.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	o := &models.Objective{
		ID:         testObjective,
		Query:      "solid state batteries",
		Status:     models.ObjectiveCreated,
		MaxRetries: 2,
		CreatedAt:  testNow,
		UpdatedAt:  testNow,
	}
	if err := db.CreateObjective(o); err != nil {
		t.Fatalf("create objective: %v", err)
	}

	f := &fixture{
		t:       t,
		db:      db,
		writer:  scheduler.NewWriter(db),
		clock:   scheduler.NewManualClock(testNow),
		decomp:  &fakeDecomposer{plans: singlePlan},
		eval:    &evaluator{},
		synth:   &fakeSynthesizer{},
		reports: &fakeReports{},
	}
	f.loop = LoopFunc(f.completeAll)
	return f
}

func singlePlan() []*decompose.TaskPlan {
	return []*decompose.TaskPlan{plan("t1", "s1")}
}

func plan(taskID string, stepIDs ...string) *decompose.TaskPlan {
	p := &decompose.TaskPlan{Task: &models.Task{
		ID:          taskID,
		ObjectiveID: testObjective,
		Title:       "task " + taskID,
		Status:      models.StatusPending,
		Required:    true,
		MaxRetries:  3,
		CreatedAt:   testNow,
		UpdatedAt:   testNow,
	}}
	for i, id := range stepIDs {
		at := testNow.Add(time.Duration(i+1) * time.Microsecond)
		p.Steps = append(p.Steps, &models.Step{
			ID:          id,
			TaskID:      taskID,
			ObjectiveID: testObjective,
			Title:       "step " + id,
			StepType:    models.StepProcessing,
			Status:      models.StatusPending,
			Required:    true,
			MaxRetries:  3,
			CreatedAt:   at,
			UpdatedAt:   at,
		})
	}
	return p
}

func (f *fixture) runner(autoAccept bool) *Runner {
	f.t.Helper()
	r, err := NewRunner(Config{MaxRetries: 3, Clock: f.clock}, Deps{
		Store:       f.db,
		Writer:      f.writer,
		Analyzer:    fakeAnalyzer{},
		Decomposer:  f.decomp,
		Gate:        f.eval.gate(),
		Synthesizer: f.synth,
		Reports:     f.reports,
		Loop:        LoopFunc(func(ctx context.Context, id string) (scheduler.Result, error) { return f.loop.RunLoop(ctx, id) }),
	})
	if err != nil {
		f.t.Fatalf("NewRunner: %v", err)
	}
	if _, err := r.Start(testObjective, "solid state batteries", autoAccept); err != nil {
		f.t.Fatalf("Start: %v", err)
	}
	return r
}

// completeAll stands in for the scheduler: every open unit completes.
func (f *fixture) completeAll(ctx context.Context, id string) (scheduler.Result, error) {
	f.loops++
	f.clock.Advance(time.Minute)
	snap, err := state.LoadSnapshot(f.db, id)
	if err != nil {
		return scheduler.Result{}, err
	}
	var start, finish scheduler.Delta
	for _, t := range snap.Tasks {
		if t.Status != models.StatusPending {
			continue
		}
		running, done := *t, *t
		running.Status = models.StatusInProgress
		done.Status = models.StatusCompleted
		done.Result = "## " + t.Title + "\ndone"
		start.UpdateTasks = append(start.UpdateTasks, &running)
		finish.UpdateTasks = append(finish.UpdateTasks, &done)
	}
	for _, s := range snap.Steps {
		if s.Status != models.StatusPending {
			continue
		}
		running, done := *s, *s
		running.Status = models.StatusInProgress
		done.Status = models.StatusCompleted
		done.ExecutionResult = &models.StepResult{
			Summary: "found " + s.Title,
			Sources: []models.Source{{Title: s.ID, URL: "https://example.com/" + s.ID}},
		}
		start.UpdateSteps = append(start.UpdateSteps, &running)
		finish.UpdateSteps = append(finish.UpdateSteps, &done)
	}
	for _, d := range []scheduler.Delta{start, finish} {
		if err := f.writer.Apply(d); err != nil {
			return scheduler.Result{}, err
		}
	}
	return scheduler.Result{Outcome: scheduler.OutcomeCompleted}, nil
}

func (f *fixture) objective() *models.Objective {
	f.t.Helper()
	obj, err := f.db.GetObjective(testObjective)
	if err != nil {
		f.t.Fatalf("get objective: %v", err)
	}
	return obj
}

func phases(st *State) []Phase {
	out := []Phase{PhaseContextAnalysis}
	for _, tr := range st.History {
		out = append(out, tr.To)
	}
	return out
}

func samePhases(a, b []Phase) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestCheckTransitions(t *testing.T) {
	if err := CheckTransitions(); err != nil {
		t.Fatalf("CheckTransitions: %v", err)
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Phase
		want     bool
	}{
		{PhaseContextAnalysis, PhaseObjectiveDecompose, true},
		{PhaseTaskAnalyze, PhaseHumanInterrupt, true},
		{PhaseHumanInterrupt, PhaseTaskAnalyze, true},
		{PhaseSufficiencyEvaluate, PhaseSynthesize, true},
		{PhaseExecute, PhaseCompletionEvaluate, true},
		{PhaseCompletionEvaluate, PhaseExecute, true},
		{PhaseSynthesize, PhaseEnd, true},
		{PhaseContextAnalysis, PhaseExecute, false},
		{PhaseExecute, PhaseSynthesize, false},
		{PhaseEnd, PhaseAborted, false},
		{PhaseAborted, PhaseContextAnalysis, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestRunner_ExecutesPlanThenSynthesizes(t *testing.T) {
	f := newFixture(t)
	r := f.runner(true)

	st, err := r.Run(context.Background(), testObjective)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []Phase{PhaseContextAnalysis, PhaseObjectiveDecompose, PhaseTaskAnalyze, PhaseSufficiencyEvaluate,
		PhaseExecute, PhaseCompletionEvaluate, PhaseSynthesize, PhaseEnd}
	if got := phases(st); !samePhases(got, want) {
		t.Errorf("phases = %v, want %v", got, want)
	}
	if st.ReportPath != "reports/obj-1.md" {
		t.Errorf("report path = %q", st.ReportPath)
	}

	obj := f.objective()
	if obj.Status != models.ObjectiveCompleted || obj.Degraded {
		t.Errorf("objective = %s degraded=%v, want COMPLETED and not degraded", obj.Status, obj.Degraded)
	}
	if obj.Title != "Investigate solid state batteries" {
		t.Errorf("title = %q", obj.Title)
	}
	if len(f.synth.outputs) != 1 || len(f.synth.outputs[0].Sources) != 1 {
		t.Fatalf("synthesizer outputs = %+v, want one task with one source", f.synth.outputs)
	}
	if f.reports.bodies[testObjective] != "# "+obj.Title {
		t.Errorf("report body = %q", f.reports.bodies[testObjective])
	}

	saved, err := r.State(testObjective)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if saved.Phase != PhaseEnd || saved.Completion == nil {
		t.Errorf("saved state = %s completion %v, want End with a completion result", saved.Phase, saved.Completion)
	}
}

func TestRunner_SufficientContextSkipsExecution(t *testing.T) {
	f := newFixture(t)
	f.eval.sufficiency = []models.EvaluationResult{{Level: models.Sufficient, Score: 90}}
	r := f.runner(true)

	st, err := r.Run(context.Background(), testObjective)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.Phase != PhaseEnd {
		t.Fatalf("phase = %s, want End", st.Phase)
	}
	if f.loops != 0 {
		t.Errorf("loop ran %d times, want 0", f.loops)
	}
	task, _ := f.db.GetTask("t1")
	if task.Status != models.StatusCancelled {
		t.Errorf("unexecuted task = %s, want CANCELLED", task.Status)
	}
	if len(f.synth.outputs) != 1 || f.synth.outputs[0].Result != "background on solid state batteries" {
		t.Errorf("synthesizer outputs = %+v, want the analysed background", f.synth.outputs)
	}
}

func TestSufficiency_GapBecomesResearchStep(t *testing.T) {
	f := newFixture(t)
	f.eval.sufficiency = []models.EvaluationResult{
		{Level: models.Insufficient, Score: 20, Gaps: []string{"missing X"}},
		{Level: models.Sufficient, Score: 90},
	}
	r := f.runner(true)
	st, _ := r.State(testObjective)
	ctx := context.Background()

	snap, err := state.LoadSnapshot(f.db, testObjective)
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	out, err := r.sufficiencyEvaluate(ctx, st, snap)
	if err != nil {
		t.Fatalf("first evaluation: %v", err)
	}
	if out.next != PhaseExecute {
		t.Fatalf("next = %s, want Execute", out.next)
	}
	if len(out.delta.CreateTasks) != 1 || len(out.delta.CreateSteps) != 1 {
		t.Fatalf("delta creates %d tasks %d steps, want 1 and 1", len(out.delta.CreateTasks), len(out.delta.CreateSteps))
	}
	step := out.delta.CreateSteps[0]
	if step.StepType != models.StepResearch || !step.NeedExternalLookup || step.Query != "missing X" {
		t.Errorf("gap step = %s lookup=%v query=%q, want RESEARCH lookup for the gap", step.StepType, step.NeedExternalLookup, step.Query)
	}
	if out.delta.CreateTasks[0].Required {
		t.Error("gap task should be optional")
	}
	if err := f.writer.Apply(out.delta); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if _, err := f.completeAll(ctx, testObjective); err != nil {
		t.Fatalf("complete: %v", err)
	}
	snap, _ = state.LoadSnapshot(f.db, testObjective)
	out, err = r.sufficiencyEvaluate(ctx, st, snap)
	if err != nil {
		t.Fatalf("second evaluation: %v", err)
	}
	if out.next != PhaseSynthesize {
		t.Errorf("next = %s, want Synthesize", out.next)
	}
	if last := f.eval.subjects[len(f.eval.subjects)-1]; !strings.Contains(last, "found Research: missing X") {
		t.Errorf("second subject %q does not include the gap step result", last)
	}
	if st.SufficiencyRounds != 2 {
		t.Errorf("rounds = %d, want 2", st.SufficiencyRounds)
	}
}

func TestRunner_CyclicPlanAborts(t *testing.T) {
	f := newFixture(t)
	f.decomp.plans = func() []*decompose.TaskPlan {
		p := plan("t1", "a", "b")
		p.Steps[0].DependsOn = []string{"b"}
		p.Steps[1].DependsOn = []string{"a"}
		return []*decompose.TaskPlan{p}
	}
	r := f.runner(true)

	st, err := r.Run(context.Background(), testObjective)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.Phase != PhaseAborted {
		t.Fatalf("phase = %s, want Aborted", st.Phase)
	}
	if st.Failure == nil || st.Failure.Class != models.ClassDecomposition {
		t.Fatalf("failure = %+v, want DecompositionError class", st.Failure)
	}
	if !strings.Contains(st.Failure.Message, "cycle") {
		t.Errorf("failure message %q does not name the cycle", st.Failure.Message)
	}
	if f.loops != 0 {
		t.Errorf("loop ran %d times, want 0", f.loops)
	}
	if obj := f.objective(); obj.Status != models.ObjectiveFailed {
		t.Errorf("objective = %s, want FAILED", obj.Status)
	}
	tasks, _ := f.db.ListTasksByObjective(testObjective)
	if len(tasks) != 0 {
		t.Errorf("tasks = %d, want none persisted", len(tasks))
	}
}

func TestRunner_ModelErrorKeepsPhase(t *testing.T) {
	f := newFixture(t)
	f.decomp.err = errors.New("upstream unavailable")
	r := f.runner(true)

	st, err := r.Run(context.Background(), testObjective)
	if err == nil {
		t.Fatal("expected error")
	}
	if st.Phase != PhaseTaskAnalyze {
		t.Errorf("phase = %s, want TaskAnalyze kept for the next run", st.Phase)
	}

	f.decomp.err = nil
	st, err = r.Run(context.Background(), testObjective)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if st.Phase != PhaseEnd {
		t.Errorf("phase = %s, want End", st.Phase)
	}
}

func TestRunner_HumanInterrupt(t *testing.T) {
	tests := []struct {
		name       string
		feedback   Feedback
		wantPhase  Phase
		wantStatus models.ObjectiveStatus
	}{
		{"accept", Feedback{Action: ActionAccept}, PhaseEnd, models.ObjectiveCompleted},
		{"edit", Feedback{Action: ActionEdit, Message: "split the task"}, PhaseHumanInterrupt, models.ObjectiveInProgress},
		{"cancel", Feedback{Action: ActionCancel}, PhaseAborted, models.ObjectiveCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			r := f.runner(false)
			ctx := context.Background()

			st, err := r.Run(ctx, testObjective)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if st.Phase != PhaseHumanInterrupt || !st.AwaitingInput {
				t.Fatalf("state = %s awaiting=%v, want a pending interrupt", st.Phase, st.AwaitingInput)
			}
			if st.Review == nil || !strings.Contains(st.Review.Summary, "task t1") {
				t.Fatalf("review = %+v, want the plan summary", st.Review)
			}
			if f.loops != 0 {
				t.Fatal("units ran while awaiting input")
			}

			st, err = r.Resume(ctx, testObjective, tt.feedback)
			if err != nil {
				t.Fatalf("Resume: %v", err)
			}
			if st.Phase != tt.wantPhase {
				t.Errorf("phase = %s, want %s", st.Phase, tt.wantPhase)
			}
			if obj := f.objective(); obj.Status != tt.wantStatus {
				t.Errorf("objective = %s, want %s", obj.Status, tt.wantStatus)
			}

			switch tt.feedback.Action {
			case ActionEdit:
				if n := len(f.decomp.feedback); n != 2 || f.decomp.feedback[1] != "split the task" {
					t.Errorf("decomposer feedback = %q, want the reviewer message on the second call", f.decomp.feedback)
				}
			case ActionCancel:
				if st.Failure == nil || st.Failure.Class != models.ClassCancelled {
					t.Errorf("failure = %+v, want Cancelled", st.Failure)
				}
				task, _ := f.db.GetTask("t1")
				if task.Status != models.StatusCancelled {
					t.Errorf("task = %s, want CANCELLED", task.Status)
				}
			}
		})
	}
}

func TestRunner_ReviewedGapsAreResearched(t *testing.T) {
	f := newFixture(t)
	f.eval.sufficiency = []models.EvaluationResult{{Level: models.PartiallySufficient, Score: 50, Gaps: []string{"missing X"}}}
	r := f.runner(false)
	ctx := context.Background()

	if _, err := r.Run(ctx, testObjective); err != nil {
		t.Fatalf("Run: %v", err)
	}
	st, err := r.Resume(ctx, testObjective, Feedback{Action: ActionAccept})
	if err != nil {
		t.Fatalf("accept plan: %v", err)
	}
	if st.Phase != PhaseHumanInterrupt || st.Review == nil || st.Review.From != PhaseSufficiencyEvaluate {
		t.Fatalf("state = %s review %+v, want a gap review", st.Phase, st.Review)
	}
	if len(st.Review.Gaps) != 1 || st.Review.Gaps[0] != "missing X" {
		t.Fatalf("review gaps = %v", st.Review.Gaps)
	}

	st, err = r.Resume(ctx, testObjective, Feedback{Action: ActionAccept})
	if err != nil {
		t.Fatalf("accept gaps: %v", err)
	}
	if st.Phase != PhaseEnd {
		t.Fatalf("phase = %s, want End", st.Phase)
	}
	steps, _ := f.db.ListStepsByObjective(testObjective)
	var research *models.Step
	for _, s := range steps {
		if s.Query == "missing X" {
			research = s
		}
	}
	if research == nil || research.Status != models.StatusCompleted {
		t.Fatalf("gap step = %+v, want a completed research step", research)
	}
}

func TestRunner_ResumeRejections(t *testing.T) {
	f := newFixture(t)
	r := f.runner(true)
	ctx := context.Background()

	if _, err := r.Resume(ctx, testObjective, Feedback{Action: ActionAccept}); !errors.Is(err, ErrNotAwaitingInput) {
		t.Errorf("err = %v, want ErrNotAwaitingInput", err)
	}
	if _, err := r.Resume(ctx, testObjective, Feedback{Action: "approve"}); !errors.Is(err, ErrInvalidFeedback) {
		t.Errorf("err = %v, want ErrInvalidFeedback", err)
	}
	if _, err := r.Run(ctx, "missing"); !errors.Is(err, ErrUnknownObjective) {
		t.Errorf("err = %v, want ErrUnknownObjective", err)
	}
}

func TestRunner_CompletionRetriesThenDegrades(t *testing.T) {
	f := newFixture(t)
	f.eval.completion = []models.EvaluationResult{{Score: 40, Gaps: []string{"needs Y"}}}
	r := f.runner(true)

	st, err := r.Run(context.Background(), testObjective)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.Phase != PhaseEnd {
		t.Fatalf("phase = %s, want End", st.Phase)
	}

	obj := f.objective()
	if obj.RetryCount != obj.MaxRetries {
		t.Errorf("retry_count = %d, want %d", obj.RetryCount, obj.MaxRetries)
	}
	if !obj.Degraded || obj.Status != models.ObjectiveCompleted {
		t.Errorf("objective = %s degraded=%v, want COMPLETED and degraded", obj.Status, obj.Degraded)
	}
	found := false
	for _, g := range obj.Gaps {
		if g == "unresolved: needs Y" {
			found = true
		}
	}
	if !found {
		t.Errorf("gaps = %v, want the unresolved completion gap", obj.Gaps)
	}
	// The first round researches the gap; later rounds find it covered.
	if f.loops != obj.MaxRetries+1 {
		t.Errorf("loop ran %d times, want %d", f.loops, obj.MaxRetries+1)
	}
	tasks, _ := f.db.ListTasksByObjective(testObjective)
	if len(tasks) != 2 || tasks[1].Title != "Remediation round 1" {
		titles := make([]string, 0, len(tasks))
		for _, t := range tasks {
			titles = append(titles, t.Title)
		}
		t.Errorf("tasks = %v, want the plan plus one remediation task", titles)
	}
	if len(f.synth.gaps) == 0 {
		t.Error("synthesizer did not receive the gaps")
	}
}

func TestRunner_ExecutionFailureAborts(t *testing.T) {
	f := newFixture(t)
	failure := &models.Failure{Class: models.ClassExceededRetries, UnitID: "s1", UnitKind: models.RefStep, Message: "exceeded retries"}
	f.loop = LoopFunc(func(ctx context.Context, id string) (scheduler.Result, error) {
		f.loops++
		snap, err := state.LoadSnapshot(f.db, id)
		if err != nil {
			return scheduler.Result{}, err
		}
		if err := f.writer.Apply(scheduler.FinishDelta(snap, models.ObjectiveFailed, failure.Error(), testNow)); err != nil {
			return scheduler.Result{}, err
		}
		return scheduler.Result{Outcome: scheduler.OutcomeFailed, Failure: failure}, nil
	})
	r := f.runner(true)

	st, err := r.Run(context.Background(), testObjective)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.Phase != PhaseAborted {
		t.Fatalf("phase = %s, want Aborted", st.Phase)
	}
	if st.Failure == nil || st.Failure.UnitID != "s1" || st.Failure.Class != models.ClassExceededRetries {
		t.Errorf("failure = %+v, want the step's ExceededRetries failure", st.Failure)
	}
}

func TestRunner_PausedExecutionSuspends(t *testing.T) {
	f := newFixture(t)
	paused := true
	f.loop = LoopFunc(func(ctx context.Context, id string) (scheduler.Result, error) {
		if paused {
			return scheduler.Result{Outcome: scheduler.OutcomePaused}, nil
		}
		return f.completeAll(ctx, id)
	})
	r := f.runner(true)
	ctx := context.Background()

	st, err := r.Run(ctx, testObjective)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.Phase != PhaseExecute {
		t.Fatalf("phase = %s, want Execute", st.Phase)
	}

	paused = false
	st, err = r.Run(ctx, testObjective)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if st.Phase != PhaseEnd {
		t.Errorf("phase = %s, want End", st.Phase)
	}
}

func TestRunner_ExternallyCancelledObjectiveAborts(t *testing.T) {
	f := newFixture(t)
	r := f.runner(false)
	ctx := context.Background()

	if _, err := r.Run(ctx, testObjective); err != nil {
		t.Fatalf("Run: %v", err)
	}
	snap, _ := state.LoadSnapshot(f.db, testObjective)
	if err := f.writer.Apply(scheduler.CancelDelta(snap, testNow)); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	st, err := r.Run(ctx, testObjective)
	if err != nil {
		t.Fatalf("Run after cancel: %v", err)
	}
	if st.Phase != PhaseAborted || st.Failure == nil || st.Failure.Class != models.ClassCancelled {
		t.Errorf("state = %s failure %+v, want Aborted with Cancelled", st.Phase, st.Failure)
	}
}

func TestRunner_WithSchedulerLoop(t *testing.T) {
	f := newFixture(t)
	f.decomp.plans = func() []*decompose.TaskPlan {
		p2 := plan("t2", "s3")
		p2.Task.DependsOn = []string{"t1"}
		return []*decompose.TaskPlan{plan("t1", "s1", "s2"), p2}
	}
	exec := agent.ExecutorFunc(func(ctx context.Context, req agent.Request) agent.Outcome {
		return agent.Succeeded(&models.StepResult{Summary: "result of " + req.Step.ID})
	})
	f.loop = LoopFunc(func(ctx context.Context, id string) (scheduler.Result, error) {
		f.loops++
		l := scheduler.New(id, scheduler.Config{PollInterval: 5 * time.Millisecond}, scheduler.Deps{
			Store:    f.db,
			Writer:   f.writer,
			Executor: exec,
		})
		return l.Run(ctx)
	})
	r := f.runner(true)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	st, err := r.Run(ctx, testObjective)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.Phase != PhaseEnd {
		t.Fatalf("phase = %s failure %+v, want End", st.Phase, st.Failure)
	}
	tasks, _ := f.db.ListTasksByObjective(testObjective)
	for _, task := range tasks {
		if task.Status != models.StatusCompleted {
			t.Errorf("task %s = %s, want COMPLETED", task.ID, task.Status)
		}
	}
	n, err := f.db.CountSchedules(testObjective, nil)
	if err != nil {
		t.Fatalf("count schedules: %v", err)
	}
	if n != 3 {
		t.Errorf("schedules = %d, want 3", n)
	}
}

var errSaveLost = errors.New("workflow save lost")

// lossyStore drops the workflow save that matches drop, once.
type lossyStore struct {
	*state.DB
	drop func(rec *state.WorkflowRecord) bool
}

func (s *lossyStore) SaveWorkflow(rec *state.WorkflowRecord) error {
	if s.drop != nil && s.drop(rec) {
		s.drop = nil
		return errSaveLost
	}
	return s.DB.SaveWorkflow(rec)
}

func (f *fixture) runnerOver(store state.Store) *Runner {
	f.t.Helper()
	r, err := NewRunner(Config{MaxRetries: 3, Clock: f.clock}, Deps{
		Store:       store,
		Writer:      f.writer,
		Analyzer:    fakeAnalyzer{},
		Decomposer:  f.decomp,
		Gate:        f.eval.gate(),
		Synthesizer: f.synth,
		Reports:     f.reports,
		Loop:        f.loop,
	})
	if err != nil {
		f.t.Fatalf("NewRunner: %v", err)
	}
	if _, err := r.Start(testObjective, "solid state batteries", true); err != nil {
		f.t.Fatalf("Start: %v", err)
	}
	return r
}

func TestRunner_LostSaveAfterRemediationRound(t *testing.T) {
	f := newFixture(t)
	f.eval.completion = []models.EvaluationResult{
		{Score: 40, Gaps: []string{"missing cost data"}},
		{Score: 95},
	}
	executes := 0
	store := &lossyStore{DB: f.db}
	store.drop = func(rec *state.WorkflowRecord) bool {
		if rec.Phase != string(PhaseExecute) {
			return false
		}
		executes++
		return executes == 2
	}
	r := f.runnerOver(store)

	ctx := context.Background()
	if _, err := r.Run(ctx, testObjective); !errors.Is(err, errSaveLost) {
		t.Fatalf("first Run err = %v, want the lost save", err)
	}
	st, err := r.Run(ctx, testObjective)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if st.Phase != PhaseEnd {
		t.Fatalf("phase = %s, want End", st.Phase)
	}

	obj := f.objective()
	if obj.RetryCount != 1 {
		t.Errorf("retry_count = %d, want 1", obj.RetryCount)
	}
	tasks, _ := f.db.ListTasksByObjective(testObjective)
	rounds := 0
	for _, task := range tasks {
		if strings.HasPrefix(task.Title, "Remediation round") {
			rounds++
		}
	}
	if rounds != 1 {
		t.Errorf("remediation tasks = %d, want 1", rounds)
	}
	if f.eval.completions != 2 {
		t.Errorf("completion checks = %d, want 2", f.eval.completions)
	}
}

func TestRunner_LostSaveAfterSynthesis(t *testing.T) {
	f := newFixture(t)
	store := &lossyStore{DB: f.db}
	store.drop = func(rec *state.WorkflowRecord) bool { return rec.Phase == string(PhaseEnd) }
	r := f.runnerOver(store)

	ctx := context.Background()
	if _, err := r.Run(ctx, testObjective); !errors.Is(err, errSaveLost) {
		t.Fatalf("first Run err = %v, want the lost save", err)
	}
	st, err := r.Run(ctx, testObjective)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if st.Phase != PhaseEnd {
		t.Errorf("phase = %s, want End", st.Phase)
	}
	if obj := f.objective(); obj.Status != models.ObjectiveCompleted {
		t.Errorf("objective status = %s, want COMPLETED", obj.Status)
	}
}
