package state

import (
	"database/sql"
	"fmt"
	"time"
)

// WorkflowRecord is the persisted snapshot of an objective's workflow.
// State is opaque JSON owned by the workflow package.
type WorkflowRecord struct {
	ObjectiveID   string
	Phase         string
	AwaitingInput bool
	State         []byte
	UpdatedAt     time.Time
}

// SaveWorkflow upserts a workflow snapshot.
func (db *DB) SaveWorkflow(w *WorkflowRecord) error {
	_, err := db.Exec(`
		INSERT INTO workflows (objective_id, phase, awaiting_input, state, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(objective_id) DO UPDATE SET
			phase = excluded.phase,
			awaiting_input = excluded.awaiting_input,
			state = excluded.state,
			updated_at = excluded.updated_at
	`, w.ObjectiveID, w.Phase, boolToInt(w.AwaitingInput), string(w.State), formatTime(w.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save workflow: %w", err)
	}
	return nil
}

// GetWorkflow loads a workflow snapshot. It returns nil, nil when none exists.
func (db *DB) GetWorkflow(objectiveID string) (*WorkflowRecord, error) {
	var w WorkflowRecord
	var awaiting int
	var state, updatedAt string
	err := db.QueryRow(`
		SELECT objective_id, phase, awaiting_input, state, updated_at FROM workflows WHERE objective_id = ?
	`, objectiveID).Scan(&w.ObjectiveID, &w.Phase, &awaiting, &state, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	w.AwaitingInput = awaiting != 0
	w.State = []byte(state)
	w.UpdatedAt, _ = parseTime(updatedAt)
	return &w, nil
}
