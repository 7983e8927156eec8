package state

import (
	"fmt"
	"io"

	"github.com/zpandasoft/deer-flow/pkg/models"
)

// ObjectiveStore handles objective persistence.
type ObjectiveStore interface {
	CreateObjective(o *models.Objective) error
	GetObjective(id string) (*models.Objective, error)
	UpdateObjective(o *models.Objective) error
	ListObjectives(status *models.ObjectiveStatus) ([]*models.Objective, error)
}

// TaskStore handles task persistence.
type TaskStore interface {
	CreateTask(t *models.Task) error
	GetTask(id string) (*models.Task, error)
	UpdateTask(t *models.Task) error
	ListTasksByObjective(objectiveID string) ([]*models.Task, error)
	DeleteTasksByObjective(objectiveID string) error
}

// StepStore handles step persistence.
type StepStore interface {
	CreateStep(s *models.Step) error
	GetStep(id string) (*models.Step, error)
	UpdateStep(s *models.Step) error
	ListStepsByTask(taskID string) ([]*models.Step, error)
	ListStepsByObjective(objectiveID string) ([]*models.Step, error)
}

// ScheduleStore handles the append-only attempt history.
type ScheduleStore interface {
	CreateSchedule(s *models.Schedule) error
	UpdateSchedule(s *models.Schedule) error
	GetSchedule(id string) (*models.Schedule, error)
	ListSchedulesByReference(referenceID string) ([]*models.Schedule, error)
	ListSchedulesByObjective(objectiveID string) ([]*models.Schedule, error)
	CountSchedules(objectiveID string, status *models.ScheduleStatus) (int, error)
}

// WorkflowStore handles workflow snapshots.
type WorkflowStore interface {
	SaveWorkflow(w *WorkflowRecord) error
	GetWorkflow(objectiveID string) (*WorkflowRecord, error)
}

// Migrator handles database schema migrations.
type Migrator interface {
	// Migrate applies all pending schema migrations.
	Migrate() error
}

// Store composes every persistence concern used by the scheduler and
// workflow. Callers depend on this rather than on *DB.
type Store interface {
	io.Closer
	Migrator
	ObjectiveStore
	TaskStore
	StepStore
	ScheduleStore
	WorkflowStore
}

// Compile-time verification that DB implements all interfaces.
var (
	_ Store          = (*DB)(nil)
	_ ObjectiveStore = (*DB)(nil)
	_ TaskStore      = (*DB)(nil)
	_ StepStore      = (*DB)(nil)
	_ ScheduleStore  = (*DB)(nil)
	_ WorkflowStore  = (*DB)(nil)
)

// Snapshot is the full persisted tree of one objective.
type Snapshot struct {
	Objective *models.Objective
	Tasks     []*models.Task
	Steps     []*models.Step
	Schedules []*models.Schedule
}

// Task returns the snapshot's task with id, or nil.
func (s *Snapshot) Task(id string) *models.Task {
	for _, t := range s.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// StepsOf returns the snapshot's steps owned by taskID.
func (s *Snapshot) StepsOf(taskID string) []*models.Step {
	var out []*models.Step
	for _, st := range s.Steps {
		if st.TaskID == taskID {
			out = append(out, st)
		}
	}
	return out
}

// LoadSnapshot reads an objective with all of its units and schedules.
func LoadSnapshot(store Store, objectiveID string) (*Snapshot, error) {
	obj, err := store.GetObjective(objectiveID)
	if err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, fmt.Errorf("objective %s: %w", objectiveID, ErrNotFound)
	}
	tasks, err := store.ListTasksByObjective(objectiveID)
	if err != nil {
		return nil, err
	}
	steps, err := store.ListStepsByObjective(objectiveID)
	if err != nil {
		return nil, err
	}
	schedules, err := store.ListSchedulesByObjective(objectiveID)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Objective: obj, Tasks: tasks, Steps: steps, Schedules: schedules}, nil
}
