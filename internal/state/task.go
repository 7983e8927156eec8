package state

import (
	"database/sql"
	"fmt"

	"github.com/zpandasoft/deer-flow/pkg/models"
)

const taskColumns = `id, objective_id, title, description, status, priority, depends_on, required,
	retry_count, max_retries, gaps, result, error, created_at, updated_at, completed_at,
	evaluation_criteria, is_sufficient`

// CreateTask inserts a new task.
func (db *DB) CreateTask(t *models.Task) error {
	deps, err := marshalList(t.DependsOn)
	if err != nil {
		return fmt.Errorf("marshal depends_on: %w", err)
	}
	gaps, err := marshalList(t.Gaps)
	if err != nil {
		return fmt.Errorf("marshal gaps: %w", err)
	}
	_, err = db.Exec(`
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.ObjectiveID, t.Title, t.Description, string(t.Status), t.Priority, deps, boolToInt(t.Required),
		t.RetryCount, t.MaxRetries, gaps, t.Result, t.Error,
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt), formatNullableTime(t.CompletedAt),
		t.EvaluationCriteria, boolToInt(t.IsSufficient))
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID. It returns nil, nil when no task exists.
func (db *DB) GetTask(id string) (*models.Task, error) {
	row := db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// UpdateTask writes every mutable task field.
func (db *DB) UpdateTask(t *models.Task) error {
	deps, err := marshalList(t.DependsOn)
	if err != nil {
		return fmt.Errorf("marshal depends_on: %w", err)
	}
	gaps, err := marshalList(t.Gaps)
	if err != nil {
		return fmt.Errorf("marshal gaps: %w", err)
	}
	res, err := db.Exec(`
		UPDATE tasks SET title = ?, description = ?, status = ?, priority = ?, depends_on = ?, required = ?,
			retry_count = ?, max_retries = ?, gaps = ?, result = ?, error = ?, updated_at = ?, completed_at = ?,
			evaluation_criteria = ?, is_sufficient = ?
		WHERE id = ?
	`, t.Title, t.Description, string(t.Status), t.Priority, deps, boolToInt(t.Required),
		t.RetryCount, t.MaxRetries, gaps, t.Result, t.Error,
		formatTime(t.UpdatedAt), formatNullableTime(t.CompletedAt),
		t.EvaluationCriteria, boolToInt(t.IsSufficient), t.ID)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return checkAffected(res, "task", t.ID)
}

// ListTasksByObjective returns an objective's tasks in scheduling order.
func (db *DB) ListTasksByObjective(objectiveID string) ([]*models.Task, error) {
	rows, err := db.Query(`
		SELECT `+taskColumns+` FROM tasks WHERE objective_id = ?
		ORDER BY priority ASC, created_at ASC, id ASC
	`, objectiveID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteTasksByObjective removes an objective's tasks and, by cascade, their
// steps. Used when a plan is replaced before execution starts.
func (db *DB) DeleteTasksByObjective(objectiveID string) error {
	if _, err := db.Exec("DELETE FROM tasks WHERE objective_id = ?", objectiveID); err != nil {
		return fmt.Errorf("delete tasks: %w", err)
	}
	return nil
}

func scanTask(r rowScanner) (*models.Task, error) {
	var t models.Task
	var status, createdAt, updatedAt string
	var required, sufficient int
	var deps, gaps, completedAt sql.NullString
	err := r.Scan(&t.ID, &t.ObjectiveID, &t.Title, &t.Description, &status, &t.Priority, &deps, &required,
		&t.RetryCount, &t.MaxRetries, &gaps, &t.Result, &t.Error, &createdAt, &updatedAt, &completedAt,
		&t.EvaluationCriteria, &sufficient)
	if err != nil {
		return nil, err
	}
	t.Status = models.UnitStatus(status)
	t.Required = required != 0
	t.IsSufficient = sufficient != 0
	t.DependsOn = unmarshalList(deps)
	t.Gaps = unmarshalList(gaps)
	t.CreatedAt, _ = parseTime(createdAt)
	t.UpdatedAt, _ = parseTime(updatedAt)
	t.CompletedAt = parseNullableTime(completedAt)
	return &t, nil
}
