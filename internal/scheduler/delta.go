package scheduler

import (
	"errors"
	"fmt"
	"sync"

	"github.com/zpandasoft/deer-flow/internal/state"
	"github.com/zpandasoft/deer-flow/pkg/models"
)

// Delta is a batch of changes to one objective's persisted units.
type Delta struct {
	Objective *models.Objective

	CreateTasks []*models.Task
	CreateSteps []*models.Step
	UpdateTasks []*models.Task
	UpdateSteps []*models.Step

	CreateSchedules []*models.Schedule
	UpdateSchedules []*models.Schedule

	// Resets lists unit IDs allowed to return to PENDING from FAILED, or
	// from CANCELLED for the steps of a retried task.
	Resets map[string]bool
	// ReplacePlan names an objective whose tasks and steps are deleted
	// before CreateTasks runs.
	ReplacePlan string
}

// Empty reports whether the delta changes nothing.
func (d Delta) Empty() bool {
	return d.Objective == nil && len(d.CreateTasks) == 0 && len(d.CreateSteps) == 0 &&
		len(d.UpdateTasks) == 0 && len(d.UpdateSteps) == 0 &&
		len(d.CreateSchedules) == 0 && len(d.UpdateSchedules) == 0 && d.ReplacePlan == ""
}

// Merge appends other's changes to d.
func (d *Delta) Merge(other Delta) {
	if other.Objective != nil {
		d.Objective = other.Objective
	}
	d.CreateTasks = append(d.CreateTasks, other.CreateTasks...)
	d.CreateSteps = append(d.CreateSteps, other.CreateSteps...)
	d.UpdateTasks = append(d.UpdateTasks, other.UpdateTasks...)
	d.UpdateSteps = append(d.UpdateSteps, other.UpdateSteps...)
	d.CreateSchedules = append(d.CreateSchedules, other.CreateSchedules...)
	d.UpdateSchedules = append(d.UpdateSchedules, other.UpdateSchedules...)
	for id := range other.Resets {
		if d.Resets == nil {
			d.Resets = make(map[string]bool)
		}
		d.Resets[id] = true
	}
	if other.ReplacePlan != "" {
		d.ReplacePlan = other.ReplacePlan
	}
}

// Writer is the only path by which unit status reaches the store. Every
// status change is checked against the transition rules first; an invalid
// change rejects the whole delta before anything is written.
type Writer struct {
	store state.Store
	mu    sync.Mutex
}

// NewWriter creates a Writer over store.
func NewWriter(store state.Store) *Writer {
	return &Writer{store: store}
}

// Store returns the underlying store for reads.
func (w *Writer) Store() state.Store {
	return w.store
}

// Apply validates and persists d.
func (w *Writer) Apply(d Delta) error {
	if d.Empty() {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.validate(d); err != nil {
		return err
	}

	if d.ReplacePlan != "" {
		if err := w.store.DeleteTasksByObjective(d.ReplacePlan); err != nil {
			return fmt.Errorf("replace plan: %w", err)
		}
	}
	if d.Objective != nil {
		if err := w.store.UpdateObjective(d.Objective); err != nil {
			return err
		}
	}
	for _, t := range d.CreateTasks {
		if err := w.store.CreateTask(t); err != nil {
			return err
		}
	}
	for _, s := range d.CreateSteps {
		if err := w.store.CreateStep(s); err != nil {
			return err
		}
	}
	for _, t := range d.UpdateTasks {
		if err := w.store.UpdateTask(t); err != nil {
			return err
		}
	}
	for _, s := range d.UpdateSteps {
		if err := w.store.UpdateStep(s); err != nil {
			return err
		}
	}
	// Finished attempts are written before new ones so a retry never
	// collides with the RUNNING row it replaces.
	for _, s := range d.UpdateSchedules {
		if err := w.store.UpdateSchedule(s); err != nil {
			return err
		}
	}
	for _, s := range d.CreateSchedules {
		if err := w.store.CreateSchedule(s); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) validate(d Delta) error {
	if o := d.Objective; o != nil {
		cur, err := w.store.GetObjective(o.ID)
		if err != nil {
			return err
		}
		if cur == nil {
			return fmt.Errorf("objective %s: %w", o.ID, state.ErrNotFound)
		}
		if cur.Status != o.Status {
			if err := models.TransitionObjective(o.ID, cur.Status, o.Status); err != nil {
				return err
			}
		}
	}

	for _, t := range d.CreateTasks {
		if t.Status != models.StatusPending {
			return fmt.Errorf("create task %s: new tasks start PENDING, got %s", t.ID, t.Status)
		}
	}
	for _, s := range d.CreateSteps {
		if s.Status != models.StatusPending {
			return fmt.Errorf("create step %s: new steps start PENDING, got %s", s.ID, s.Status)
		}
		if !s.StepType.Valid() {
			return fmt.Errorf("create step %s: invalid step type %q", s.ID, s.StepType)
		}
	}

	for _, t := range d.UpdateTasks {
		cur, err := w.store.GetTask(t.ID)
		if err != nil {
			return err
		}
		if cur == nil {
			return fmt.Errorf("task %s: %w", t.ID, state.ErrNotFound)
		}
		if err := checkUnit(models.RefTask, t.ID, cur.Status, t.Status, d.Resets); err != nil {
			return err
		}
	}
	for _, s := range d.UpdateSteps {
		cur, err := w.store.GetStep(s.ID)
		if err != nil {
			return err
		}
		if cur == nil {
			return fmt.Errorf("step %s: %w", s.ID, state.ErrNotFound)
		}
		if err := checkUnit(models.RefStep, s.ID, cur.Status, s.Status, d.Resets); err != nil {
			return err
		}
	}

	for _, s := range d.UpdateSchedules {
		cur, err := w.store.GetSchedule(s.ID)
		if err != nil {
			return err
		}
		if cur == nil {
			return fmt.Errorf("schedule %s: %w", s.ID, state.ErrNotFound)
		}
		if cur.Status != s.Status && !models.CanTransitionSchedule(cur.Status, s.Status) {
			return &models.InvalidTransitionError{Kind: "SCHEDULE", ID: s.ID, From: string(cur.Status), To: string(s.Status)}
		}
	}
	for _, s := range d.CreateSchedules {
		if s.Status != models.ScheduleScheduled && s.Status != models.ScheduleRunning {
			return fmt.Errorf("create schedule %s: new schedules start SCHEDULED or RUNNING, got %s", s.ID, s.Status)
		}
	}
	return nil
}

func checkUnit(kind models.ReferenceType, id string, from, to models.UnitStatus, resets map[string]bool) error {
	if from == to {
		return nil
	}
	if to == models.StatusPending && resets[id] && models.CanReopen(from) {
		return nil
	}
	return models.Transition(kind, id, from, to)
}

// IsInvalidTransition reports whether err is a rejected status change.
func IsInvalidTransition(err error) bool {
	var ite *models.InvalidTransitionError
	return errors.As(err, &ite)
}
