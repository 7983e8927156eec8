package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zpandasoft/deer-flow/pkg/models"
)

const stepColumns = `id, task_id, objective_id, title, description, step_type, status, priority, depends_on,
	need_external_lookup, query, required, timeout_ms, retry_count, max_retries, guidance,
	execution_result, error, created_at, updated_at, completed_at`

// CreateStep inserts a new step.
func (db *DB) CreateStep(s *models.Step) error {
	deps, guidance, result, err := marshalStepJSON(s)
	if err != nil {
		return fmt.Errorf("create step: %w", err)
	}
	_, err = db.Exec(`
		INSERT INTO steps (`+stepColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.TaskID, s.ObjectiveID, s.Title, s.Description, string(s.StepType), string(s.Status), s.Priority, deps,
		boolToInt(s.NeedExternalLookup), s.Query, boolToInt(s.Required), s.Timeout.Milliseconds(),
		s.RetryCount, s.MaxRetries, guidance, result, s.Error,
		formatTime(s.CreatedAt), formatTime(s.UpdatedAt), formatNullableTime(s.CompletedAt))
	if err != nil {
		return fmt.Errorf("create step: %w", err)
	}
	return nil
}

// GetStep retrieves a step by ID. It returns nil, nil when no step exists.
func (db *DB) GetStep(id string) (*models.Step, error) {
	row := db.QueryRow(`SELECT `+stepColumns+` FROM steps WHERE id = ?`, id)
	s, err := scanStep(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get step: %w", err)
	}
	return s, nil
}

// UpdateStep writes every mutable step field.
func (db *DB) UpdateStep(s *models.Step) error {
	deps, guidance, result, err := marshalStepJSON(s)
	if err != nil {
		return fmt.Errorf("update step: %w", err)
	}
	res, err := db.Exec(`
		UPDATE steps SET title = ?, description = ?, step_type = ?, status = ?, priority = ?, depends_on = ?,
			need_external_lookup = ?, query = ?, required = ?, timeout_ms = ?, retry_count = ?, max_retries = ?,
			guidance = ?, execution_result = ?, error = ?, updated_at = ?, completed_at = ?
		WHERE id = ?
	`, s.Title, s.Description, string(s.StepType), string(s.Status), s.Priority, deps,
		boolToInt(s.NeedExternalLookup), s.Query, boolToInt(s.Required), s.Timeout.Milliseconds(),
		s.RetryCount, s.MaxRetries, guidance, result, s.Error,
		formatTime(s.UpdatedAt), formatNullableTime(s.CompletedAt), s.ID)
	if err != nil {
		return fmt.Errorf("update step: %w", err)
	}
	return checkAffected(res, "step", s.ID)
}

// ListStepsByTask returns a task's steps in scheduling order.
func (db *DB) ListStepsByTask(taskID string) ([]*models.Step, error) {
	return db.listSteps(`WHERE task_id = ?`, taskID)
}

// ListStepsByObjective returns every step under an objective.
func (db *DB) ListStepsByObjective(objectiveID string) ([]*models.Step, error) {
	return db.listSteps(`WHERE objective_id = ?`, objectiveID)
}

func (db *DB) listSteps(where string, arg string) ([]*models.Step, error) {
	rows, err := db.Query(`SELECT `+stepColumns+` FROM steps `+where+` ORDER BY priority ASC, created_at ASC, id ASC`, arg)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var out []*models.Step
	for rows.Next() {
		s, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func marshalStepJSON(s *models.Step) (deps, guidance, result *string, err error) {
	if deps, err = marshalList(s.DependsOn); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal depends_on: %w", err)
	}
	if guidance, err = marshalList(s.Guidance); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal guidance: %w", err)
	}
	if s.ExecutionResult != nil {
		b, err := json.Marshal(s.ExecutionResult)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("marshal execution_result: %w", err)
		}
		str := string(b)
		result = &str
	}
	return deps, guidance, result, nil
}

func scanStep(r rowScanner) (*models.Step, error) {
	var s models.Step
	var stepType, status, createdAt, updatedAt string
	var needLookup, required int
	var timeoutMs int64
	var deps, guidance, result, completedAt sql.NullString
	err := r.Scan(&s.ID, &s.TaskID, &s.ObjectiveID, &s.Title, &s.Description, &stepType, &status, &s.Priority, &deps,
		&needLookup, &s.Query, &required, &timeoutMs, &s.RetryCount, &s.MaxRetries, &guidance,
		&result, &s.Error, &createdAt, &updatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	s.StepType = models.StepType(stepType)
	s.Status = models.UnitStatus(status)
	s.NeedExternalLookup = needLookup != 0
	s.Required = required != 0
	s.Timeout = time.Duration(timeoutMs) * time.Millisecond
	s.DependsOn = unmarshalList(deps)
	s.Guidance = unmarshalList(guidance)
	if result.Valid && result.String != "" {
		var res models.StepResult
		if err := json.Unmarshal([]byte(result.String), &res); err == nil {
			s.ExecutionResult = &res
		}
	}
	s.CreatedAt, _ = parseTime(createdAt)
	s.UpdatedAt, _ = parseTime(updatedAt)
	s.CompletedAt = parseNullableTime(completedAt)
	return &s, nil
}
