package state

import (
	"fmt"
	"time"

	"github.com/zpandasoft/deer-flow/pkg/models"
)

// InterruptedObjective describes a non-terminal objective whose run
// stopped without reaching End, Aborted, or a human interrupt.
type InterruptedObjective struct {
	ObjectiveID      string
	Title            string
	Phase            string
	RunningSchedules int
	LastActivity     time.Time
}

// RecoveryManager detects objectives left behind by a dead process.
type RecoveryManager struct {
	db Store
}

// NewRecoveryManager creates a RecoveryManager over store.
func NewRecoveryManager(db Store) *RecoveryManager {
	return &RecoveryManager{db: db}
}

// CheckForInterrupted returns every non-terminal objective that is not
// paused and not waiting for human input, newest first.
func (rm *RecoveryManager) CheckForInterrupted() ([]InterruptedObjective, error) {
	objectives, err := rm.db.ListObjectives(nil)
	if err != nil {
		return nil, fmt.Errorf("list objectives: %w", err)
	}

	var out []InterruptedObjective
	for _, o := range objectives {
		if o.Status.Terminal() || o.Paused {
			continue
		}
		wf, err := rm.db.GetWorkflow(o.ID)
		if err != nil {
			return nil, fmt.Errorf("load workflow %s: %w", o.ID, err)
		}
		if wf == nil || wf.AwaitingInput {
			continue
		}

		schedules, err := rm.db.ListSchedulesByObjective(o.ID)
		if err != nil {
			return nil, fmt.Errorf("list schedules %s: %w", o.ID, err)
		}
		info := InterruptedObjective{
			ObjectiveID:  o.ID,
			Title:        o.Title,
			Phase:        wf.Phase,
			LastActivity: o.UpdatedAt,
		}
		if wf.UpdatedAt.After(info.LastActivity) {
			info.LastActivity = wf.UpdatedAt
		}
		for _, s := range schedules {
			if s.Status == models.ScheduleRunning {
				info.RunningSchedules++
			}
			if s.StartedAt != nil && s.StartedAt.After(info.LastActivity) {
				info.LastActivity = *s.StartedAt
			}
		}
		out = append(out, info)
	}
	return out, nil
}
