package state

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/zpandasoft/deer-flow/pkg/models"
)

// tempDBPath returns a path to a temp database file.
func tempDBPath(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "test.db")
}

// setupTestDB creates a new temporary database for testing.
func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate test db: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return db
}

var testNow = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func seedObjective(t *testing.T, db *DB, id string) *models.Objective {
	t.Helper()
	o := &models.Objective{
		ID:         id,
		Query:      "compare solar panel efficiency",
		Title:      "Solar efficiency",
		Status:     models.ObjectiveCreated,
		MaxRetries: 3,
		CreatedAt:  testNow,
		UpdatedAt:  testNow,
	}
	if err := db.CreateObjective(o); err != nil {
		t.Fatalf("CreateObjective failed: %v", err)
	}
	return o
}

func seedTask(t *testing.T, db *DB, objectiveID, id string, priority int, deps ...string) *models.Task {
	t.Helper()
	task := &models.Task{
		ID:          id,
		ObjectiveID: objectiveID,
		Title:       "task " + id,
		Status:      models.StatusPending,
		Priority:    priority,
		DependsOn:   deps,
		Required:    true,
		MaxRetries:  3,
		CreatedAt:   testNow,
		UpdatedAt:   testNow,
	}
	if err := db.CreateTask(task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	return task
}

func seedStep(t *testing.T, db *DB, task *models.Task, id string, deps ...string) *models.Step {
	t.Helper()
	s := &models.Step{
		ID:                 id,
		TaskID:             task.ID,
		ObjectiveID:        task.ObjectiveID,
		Title:              "step " + id,
		StepType:           models.StepResearch,
		Status:             models.StatusPending,
		DependsOn:          deps,
		NeedExternalLookup: true,
		Required:           true,
		Timeout:            90 * time.Second,
		MaxRetries:         3,
		CreatedAt:          testNow,
		UpdatedAt:          testNow,
	}
	if err := db.CreateStep(s); err != nil {
		t.Fatalf("CreateStep failed: %v", err)
	}
	return s
}

func TestOpen(t *testing.T) {
	path := tempDBPath(t)
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	if db.Path() != path {
		t.Errorf("Path() = %q, want %q", db.Path(), path)
	}
	if db.Driver() != DriverModernc {
		t.Errorf("Driver() = %q, want %q", db.Driver(), DriverModernc)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Errorf("database file does not exist at %s", path)
	}
}

func TestOpen_CreatesParentDirectories(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "a", "b", "c")

	db, err := Open(filepath.Join(nested, "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(nested); os.IsNotExist(err) {
		t.Errorf("parent directories not created: %s", nested)
	}
}

func TestOpenWithDriver_Unsupported(t *testing.T) {
	if _, err := OpenWithDriver("postgres", tempDBPath(t)); err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	db, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	for i := 0; i < 3; i++ {
		if err := db.Migrate(); err != nil {
			t.Fatalf("Migrate (iteration %d) failed: %v", i, err)
		}
	}

	var version int
	if err := db.QueryRow("SELECT MAX(version) FROM schema_version").Scan(&version); err != nil {
		t.Fatalf("failed to get schema version: %v", err)
	}
	if version != 6 {
		t.Errorf("schema version = %d, want 6", version)
	}

	for _, table := range []string{"objectives", "tasks", "steps", "schedules", "workflows"} {
		var count int
		row := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table)
		if err := row.Scan(&count); err != nil {
			t.Errorf("failed to check table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("table %s does not exist", table)
		}
	}
}

func TestObjectiveCRUD(t *testing.T) {
	db := setupTestDB(t)
	o := seedObjective(t, db, "obj-1")

	got, err := db.GetObjective("obj-1")
	if err != nil {
		t.Fatalf("GetObjective failed: %v", err)
	}
	if got == nil || got.Query != o.Query || got.Status != models.ObjectiveCreated {
		t.Fatalf("GetObjective = %+v", got)
	}
	if !got.CreatedAt.Equal(testNow) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, testNow)
	}

	done := testNow.Add(time.Hour)
	got.Status = models.ObjectiveCompleted
	got.Degraded = true
	got.Gaps = []string{"no 2025 data"}
	got.CompletedAt = &done
	if err := db.UpdateObjective(got); err != nil {
		t.Fatalf("UpdateObjective failed: %v", err)
	}

	again, _ := db.GetObjective("obj-1")
	if again.Status != models.ObjectiveCompleted || !again.Degraded || len(again.Gaps) != 1 {
		t.Errorf("updated objective = %+v", again)
	}
	if again.CompletedAt == nil || !again.CompletedAt.Equal(done) {
		t.Errorf("CompletedAt = %v, want %v", again.CompletedAt, done)
	}

	missing, err := db.GetObjective("nope")
	if err != nil || missing != nil {
		t.Errorf("GetObjective(missing) = %v, %v; want nil, nil", missing, err)
	}

	err = db.UpdateObjective(&models.Objective{ID: "nope", Status: models.ObjectiveCreated})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateObjective(missing) error = %v, want ErrNotFound", err)
	}
}

func TestListObjectives_FilterByStatus(t *testing.T) {
	db := setupTestDB(t)
	seedObjective(t, db, "obj-1")
	o2 := seedObjective(t, db, "obj-2")
	o2.Status = models.ObjectiveInProgress
	if err := db.UpdateObjective(o2); err != nil {
		t.Fatalf("UpdateObjective failed: %v", err)
	}

	all, err := db.ListObjectives(nil)
	if err != nil {
		t.Fatalf("ListObjectives failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("len(all) = %d, want 2", len(all))
	}

	status := models.ObjectiveInProgress
	running, err := db.ListObjectives(&status)
	if err != nil {
		t.Fatalf("ListObjectives(status) failed: %v", err)
	}
	if len(running) != 1 || running[0].ID != "obj-2" {
		t.Errorf("ListObjectives(IN_PROGRESS) = %v", running)
	}
}

func TestTaskAndStepCRUD(t *testing.T) {
	db := setupTestDB(t)
	seedObjective(t, db, "obj-1")
	t1 := seedTask(t, db, "obj-1", "t1", 1)
	seedTask(t, db, "obj-1", "t0", 0)
	t2 := seedTask(t, db, "obj-1", "t2", 2, "t1")

	tasks, err := db.ListTasksByObjective("obj-1")
	if err != nil {
		t.Fatalf("ListTasksByObjective failed: %v", err)
	}
	if len(tasks) != 3 || tasks[0].ID != "t0" || tasks[2].ID != "t2" {
		t.Fatalf("tasks not ordered by priority: %v", tasks)
	}
	if len(tasks[2].DependsOn) != 1 || tasks[2].DependsOn[0] != "t1" {
		t.Errorf("t2.DependsOn = %v", tasks[2].DependsOn)
	}

	t1.EvaluationCriteria = "names three suppliers"
	t1.IsSufficient = true
	if err := db.UpdateTask(t1); err != nil {
		t.Fatalf("UpdateTask failed: %v", err)
	}
	gotTask, err := db.GetTask("t1")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if gotTask.EvaluationCriteria != "names three suppliers" || !gotTask.IsSufficient {
		t.Errorf("GetTask = criteria %q sufficient %v", gotTask.EvaluationCriteria, gotTask.IsSufficient)
	}

	s1 := seedStep(t, db, t1, "s1")
	seedStep(t, db, t1, "s2", "s1")
	seedStep(t, db, t2, "s3")

	s1.Status = models.StatusInProgress
	s1.ExecutionResult = &models.StepResult{Summary: "found it", Sources: []models.Source{{Title: "doc", URL: "https://example.com"}}, Lookups: 2}
	s1.Guidance = []string{"gap: missing X"}
	if err := db.UpdateStep(s1); err != nil {
		t.Fatalf("UpdateStep failed: %v", err)
	}

	got, err := db.GetStep("s1")
	if err != nil {
		t.Fatalf("GetStep failed: %v", err)
	}
	if got.Status != models.StatusInProgress || got.Timeout != 90*time.Second {
		t.Errorf("GetStep = %+v", got)
	}
	if got.ExecutionResult == nil || got.ExecutionResult.Lookups != 2 || got.ExecutionResult.Sources[0].URL != "https://example.com" {
		t.Errorf("ExecutionResult = %+v", got.ExecutionResult)
	}
	if len(got.Guidance) != 1 {
		t.Errorf("Guidance = %v", got.Guidance)
	}

	byTask, _ := db.ListStepsByTask("t1")
	if len(byTask) != 2 {
		t.Errorf("ListStepsByTask(t1) = %d steps, want 2", len(byTask))
	}
	byObj, _ := db.ListStepsByObjective("obj-1")
	if len(byObj) != 3 {
		t.Errorf("ListStepsByObjective = %d steps, want 3", len(byObj))
	}

	if err := db.DeleteTasksByObjective("obj-1"); err != nil {
		t.Fatalf("DeleteTasksByObjective failed: %v", err)
	}
	byObj, _ = db.ListStepsByObjective("obj-1")
	if len(byObj) != 0 {
		t.Errorf("steps should cascade with tasks, got %d", len(byObj))
	}
}

func TestSchedule_OneRunningPerReference(t *testing.T) {
	db := setupTestDB(t)
	started := testNow

	first := &models.Schedule{
		ID: "sch-1", ObjectiveID: "obj-1", ReferenceID: "s1", ReferenceType: models.RefStep,
		Status: models.ScheduleRunning, ScheduledAt: testNow, StartedAt: &started, Attempt: 1,
	}
	if err := db.CreateSchedule(first); err != nil {
		t.Fatalf("CreateSchedule failed: %v", err)
	}

	second := &models.Schedule{
		ID: "sch-2", ObjectiveID: "obj-1", ReferenceID: "s1", ReferenceType: models.RefStep,
		Status: models.ScheduleRunning, ScheduledAt: testNow, StartedAt: &started, Attempt: 2,
	}
	if err := db.CreateSchedule(second); err == nil {
		t.Fatal("expected second RUNNING schedule for same reference to fail")
	}

	done := testNow.Add(time.Second)
	first.Status = models.ScheduleFailed
	first.CompletedAt = &done
	first.Error = "execution timeout"
	if err := db.UpdateSchedule(first); err != nil {
		t.Fatalf("UpdateSchedule failed: %v", err)
	}
	if err := db.CreateSchedule(second); err != nil {
		t.Fatalf("CreateSchedule after first finished failed: %v", err)
	}

	history, err := db.ListSchedulesByReference("s1")
	if err != nil {
		t.Fatalf("ListSchedulesByReference failed: %v", err)
	}
	if len(history) != 2 || history[0].ID != "sch-1" || history[0].Error != "execution timeout" {
		t.Errorf("history = %+v", history)
	}

	n, _ := db.CountSchedules("obj-1", nil)
	if n != 2 {
		t.Errorf("CountSchedules = %d, want 2", n)
	}
	failed := models.ScheduleFailed
	n, _ = db.CountSchedules("obj-1", &failed)
	if n != 1 {
		t.Errorf("CountSchedules(FAILED) = %d, want 1", n)
	}
}

func TestSchedule_SurvivesObjectiveDelete(t *testing.T) {
	db := setupTestDB(t)
	seedObjective(t, db, "obj-1")
	if err := db.CreateSchedule(&models.Schedule{
		ID: "sch-1", ObjectiveID: "obj-1", ReferenceID: "s1", ReferenceType: models.RefStep,
		Status: models.ScheduleCompleted, ScheduledAt: testNow, Attempt: 1,
	}); err != nil {
		t.Fatalf("CreateSchedule failed: %v", err)
	}

	if err := db.DeleteObjective("obj-1"); err != nil {
		t.Fatalf("DeleteObjective failed: %v", err)
	}
	history, _ := db.ListSchedulesByObjective("obj-1")
	if len(history) != 1 {
		t.Errorf("schedule history should be kept, got %d records", len(history))
	}
}

func TestWorkflowSaveAndLoad(t *testing.T) {
	db := setupTestDB(t)

	rec := &WorkflowRecord{ObjectiveID: "obj-1", Phase: "TaskAnalyze", State: []byte(`{"phase":"TaskAnalyze"}`), UpdatedAt: testNow}
	if err := db.SaveWorkflow(rec); err != nil {
		t.Fatalf("SaveWorkflow failed: %v", err)
	}
	rec.Phase = "HumanInterrupt"
	rec.AwaitingInput = true
	if err := db.SaveWorkflow(rec); err != nil {
		t.Fatalf("SaveWorkflow (upsert) failed: %v", err)
	}

	got, err := db.GetWorkflow("obj-1")
	if err != nil {
		t.Fatalf("GetWorkflow failed: %v", err)
	}
	if got.Phase != "HumanInterrupt" || !got.AwaitingInput || string(got.State) != `{"phase":"TaskAnalyze"}` {
		t.Errorf("GetWorkflow = %+v", got)
	}

	missing, err := db.GetWorkflow("none")
	if err != nil || missing != nil {
		t.Errorf("GetWorkflow(missing) = %v, %v", missing, err)
	}
}

func TestLoadSnapshot(t *testing.T) {
	db := setupTestDB(t)
	seedObjective(t, db, "obj-1")
	t1 := seedTask(t, db, "obj-1", "t1", 0)
	seedStep(t, db, t1, "s1")

	snap, err := LoadSnapshot(db, "obj-1")
	if err != nil {
		t.Fatalf("LoadSnapshot failed: %v", err)
	}
	if snap.Objective.ID != "obj-1" || len(snap.Tasks) != 1 || len(snap.StepsOf("t1")) != 1 {
		t.Errorf("snapshot = %+v", snap)
	}

	if _, err := LoadSnapshot(db, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("LoadSnapshot(missing) error = %v, want ErrNotFound", err)
	}
}
