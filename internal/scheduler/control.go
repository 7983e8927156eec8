package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zpandasoft/deer-flow/internal/state"
	"github.com/zpandasoft/deer-flow/pkg/models"
)

var (
	// ErrLoopStopped is returned by Control when no loop is consuming requests.
	ErrLoopStopped = errors.New("scheduler loop is not running")
	// ErrObjectiveTerminal rejects changes to a finished objective.
	ErrObjectiveTerminal = errors.New("objective is terminal")
	// ErrUnknownUnit is returned when a retry names no task or step of the objective.
	ErrUnknownUnit = errors.New("unknown unit")
	// ErrNotRetryable is returned when a retry names a unit that is not FAILED.
	ErrNotRetryable = errors.New("only FAILED units can be retried")
)

type requestKind int

const (
	requestPause requestKind = iota
	requestResume
	requestCancel
	requestRetry
)

func (k requestKind) String() string {
	switch k {
	case requestPause:
		return "pause"
	case requestResume:
		return "resume"
	case requestCancel:
		return "cancel"
	case requestRetry:
		return "retry"
	}
	return "unknown"
}

type controlRequest struct {
	kind   requestKind
	unitID string
	done   chan error
}

// Control carries operator requests into a running loop. Requests are
// applied by the loop at the start of its next tick, so they never race
// with the loop's own writes.
type Control struct {
	mu     sync.Mutex
	queue  []controlRequest
	wake   chan struct{}
	closed bool
}

// NewControl creates an open Control.
func NewControl() *Control {
	return &Control{wake: make(chan struct{}, 1)}
}

// Pause stops further dispatch. In-flight work finishes and is applied.
func (c *Control) Pause(ctx context.Context) error {
	return c.submit(ctx, requestPause, "")
}

// Resume lifts a pause.
func (c *Control) Resume(ctx context.Context) error {
	return c.submit(ctx, requestResume, "")
}

// Cancel stops the objective and cancels every unfinished unit.
func (c *Control) Cancel(ctx context.Context) error {
	return c.submit(ctx, requestCancel, "")
}

// Retry resets a FAILED unit to PENDING.
func (c *Control) Retry(ctx context.Context, unitID string) error {
	return c.submit(ctx, requestRetry, unitID)
}

func (c *Control) submit(ctx context.Context, kind requestKind, unitID string) error {
	req := controlRequest{kind: kind, unitID: unitID, done: make(chan error, 1)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrLoopStopped
	}
	c.queue = append(c.queue, req)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Control) drain() []controlRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.queue
	c.queue = nil
	return q
}

// close answers queued requests with ErrLoopStopped and rejects new ones.
func (c *Control) close() {
	c.mu.Lock()
	q := c.queue
	c.queue = nil
	c.closed = true
	c.mu.Unlock()
	for _, r := range q {
		r.done <- ErrLoopStopped
	}
}

// Wake is signalled whenever a request is queued.
func (c *Control) Wake() <-chan struct{} {
	return c.wake
}

// PauseDelta sets or clears the objective's paused flag. It is a no-op
// when the flag already has that value or the objective is terminal.
func PauseDelta(snap *state.Snapshot, paused bool, now time.Time) Delta {
	obj := snap.Objective
	if obj.Status.Terminal() || obj.Paused == paused {
		return Delta{}
	}
	next := *obj
	next.Paused = paused
	next.UpdatedAt = now
	return Delta{Objective: &next}
}

// CancelDelta moves the objective to CANCELLED and every unfinished unit
// with it. Cancelling a terminal objective changes nothing.
func CancelDelta(snap *state.Snapshot, now time.Time) Delta {
	if snap.Objective.Status.Terminal() {
		return Delta{}
	}
	return FinishDelta(snap, models.ObjectiveCancelled, "cancelled", now)
}

// FinishDelta ends the objective with status and cancels every unfinished
// task, step and schedule.
func FinishDelta(snap *state.Snapshot, status models.ObjectiveStatus, reason string, now time.Time) Delta {
	var d Delta

	obj := *snap.Objective
	obj.Status = status
	obj.Paused = false
	obj.UpdatedAt = now
	if status == models.ObjectiveFailed || status == models.ObjectiveCancelled {
		if obj.Error == "" {
			obj.Error = reason
		}
	}
	obj.CompletedAt = &now
	d.Objective = &obj

	for _, t := range snap.Tasks {
		if t.Status.Terminal() {
			continue
		}
		next := *t
		next.Status = models.StatusCancelled
		next.UpdatedAt = now
		next.CompletedAt = &now
		d.UpdateTasks = append(d.UpdateTasks, &next)
	}
	for _, s := range snap.Steps {
		if s.Status.Terminal() {
			continue
		}
		next := *s
		next.Status = models.StatusCancelled
		next.UpdatedAt = now
		next.CompletedAt = &now
		d.UpdateSteps = append(d.UpdateSteps, &next)
	}
	for _, s := range snap.Schedules {
		if s.Status.Terminal() {
			continue
		}
		next := *s
		next.Status = models.ScheduleFailed
		next.CompletedAt = &now
		next.Error = reason
		d.UpdateSchedules = append(d.UpdateSchedules, &next)
	}
	return d
}

// RetryDelta resets a FAILED task or step to PENDING with its retry count
// unchanged. A PENDING unit is a no-op. Retrying a step whose failure
// ended its task reopens the task and the steps cancelled with it.
// Retrying a task reopens its failed and cancelled steps. A failed
// optional step under a completed task cannot be retried.
func RetryDelta(snap *state.Snapshot, unitID string, now time.Time) (Delta, error) {
	if snap.Objective.Status.Terminal() {
		return Delta{}, fmt.Errorf("retry %s: %w", unitID, ErrObjectiveTerminal)
	}

	d := Delta{Resets: make(map[string]bool)}
	reset := func(id string) { d.Resets[id] = true }

	for _, s := range snap.Steps {
		if s.ID != unitID {
			continue
		}
		switch {
		case s.Status == models.StatusPending:
			return Delta{}, nil
		case !models.CanReset(s.Status):
			return Delta{}, fmt.Errorf("retry step %s (%s): %w", unitID, s.Status, ErrNotRetryable)
		}
		if t := snap.Task(s.TaskID); t != nil && t.Status == models.StatusCompleted {
			return Delta{}, fmt.Errorf("retry step %s: task %s already completed: %w", unitID, t.ID, ErrNotRetryable)
		}
		d.UpdateSteps = append(d.UpdateSteps, reopenStep(s, now))
		reset(s.ID)
		for _, t := range snap.Tasks {
			if t.ID != s.TaskID || !models.CanReopen(t.Status) {
				continue
			}
			d.UpdateTasks = append(d.UpdateTasks, reopenTask(t, now))
			reset(t.ID)
			for _, sib := range snap.StepsOf(t.ID) {
				if sib.Status == models.StatusCancelled {
					d.UpdateSteps = append(d.UpdateSteps, reopenStep(sib, now))
					reset(sib.ID)
				}
			}
		}
		return d, nil
	}

	for _, t := range snap.Tasks {
		if t.ID != unitID {
			continue
		}
		switch {
		case t.Status == models.StatusPending:
			return Delta{}, nil
		case !models.CanReset(t.Status):
			return Delta{}, fmt.Errorf("retry task %s (%s): %w", unitID, t.Status, ErrNotRetryable)
		}
		d.UpdateTasks = append(d.UpdateTasks, reopenTask(t, now))
		reset(t.ID)
		for _, s := range snap.StepsOf(t.ID) {
			if models.CanReopen(s.Status) {
				d.UpdateSteps = append(d.UpdateSteps, reopenStep(s, now))
				reset(s.ID)
			}
		}
		return d, nil
	}

	return Delta{}, fmt.Errorf("retry %s: %w", unitID, ErrUnknownUnit)
}

func reopenStep(s *models.Step, now time.Time) *models.Step {
	next := *s
	next.Status = models.StatusPending
	next.Error = ""
	next.CompletedAt = nil
	next.UpdatedAt = now
	return &next
}

func reopenTask(t *models.Task, now time.Time) *models.Task {
	next := *t
	next.Status = models.StatusPending
	next.Error = ""
	next.CompletedAt = nil
	next.UpdatedAt = now
	return &next
}
