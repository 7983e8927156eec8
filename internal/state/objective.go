package state

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/zpandasoft/deer-flow/pkg/models"
)

const objectiveColumns = `id, query, title, description, status, priority, retry_count, max_retries,
	paused, degraded, gaps, error, created_at, updated_at, completed_at`

// CreateObjective inserts a new objective.
func (db *DB) CreateObjective(o *models.Objective) error {
	gaps, err := marshalList(o.Gaps)
	if err != nil {
		return fmt.Errorf("marshal gaps: %w", err)
	}
	_, err = db.Exec(`
		INSERT INTO objectives (`+objectiveColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.ID, o.Query, o.Title, o.Description, string(o.Status), o.Priority, o.RetryCount, o.MaxRetries,
		boolToInt(o.Paused), boolToInt(o.Degraded), gaps, o.Error,
		formatTime(o.CreatedAt), formatTime(o.UpdatedAt), formatNullableTime(o.CompletedAt))
	if err != nil {
		return fmt.Errorf("create objective: %w", err)
	}
	return nil
}

// GetObjective retrieves an objective by ID. It returns nil, nil when
// no objective exists.
func (db *DB) GetObjective(id string) (*models.Objective, error) {
	row := db.QueryRow(`SELECT `+objectiveColumns+` FROM objectives WHERE id = ?`, id)
	o, err := scanObjective(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get objective: %w", err)
	}
	return o, nil
}

// UpdateObjective writes every mutable objective field.
func (db *DB) UpdateObjective(o *models.Objective) error {
	gaps, err := marshalList(o.Gaps)
	if err != nil {
		return fmt.Errorf("marshal gaps: %w", err)
	}
	res, err := db.Exec(`
		UPDATE objectives SET query = ?, title = ?, description = ?, status = ?, priority = ?,
			retry_count = ?, max_retries = ?, paused = ?, degraded = ?, gaps = ?, error = ?,
			updated_at = ?, completed_at = ?
		WHERE id = ?
	`, o.Query, o.Title, o.Description, string(o.Status), o.Priority, o.RetryCount, o.MaxRetries,
		boolToInt(o.Paused), boolToInt(o.Degraded), gaps, o.Error,
		formatTime(o.UpdatedAt), formatNullableTime(o.CompletedAt), o.ID)
	if err != nil {
		return fmt.Errorf("update objective: %w", err)
	}
	return checkAffected(res, "objective", o.ID)
}

// DeleteObjective deletes an objective and, by cascade, its tasks and steps.
// Schedule history is kept.
func (db *DB) DeleteObjective(id string) error {
	if _, err := db.Exec("DELETE FROM objectives WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete objective: %w", err)
	}
	if _, err := db.Exec("DELETE FROM workflows WHERE objective_id = ?", id); err != nil {
		return fmt.Errorf("delete workflow: %w", err)
	}
	return nil
}

// ListObjectives lists objectives, optionally filtered by status, newest first.
func (db *DB) ListObjectives(status *models.ObjectiveStatus) ([]*models.Objective, error) {
	var rows *sql.Rows
	var err error
	if status != nil {
		rows, err = db.Query(`SELECT `+objectiveColumns+` FROM objectives WHERE status = ? ORDER BY created_at DESC`, string(*status))
	} else {
		rows, err = db.Query(`SELECT ` + objectiveColumns + ` FROM objectives ORDER BY created_at DESC`)
	}
	if err != nil {
		return nil, fmt.Errorf("list objectives: %w", err)
	}
	defer rows.Close()

	var out []*models.Objective
	for rows.Next() {
		o, err := scanObjective(rows)
		if err != nil {
			return nil, fmt.Errorf("scan objective: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanObjective(r rowScanner) (*models.Objective, error) {
	var o models.Objective
	var status, createdAt, updatedAt string
	var paused, degraded int
	var gaps sql.NullString
	var completedAt sql.NullString
	err := r.Scan(&o.ID, &o.Query, &o.Title, &o.Description, &status, &o.Priority, &o.RetryCount, &o.MaxRetries,
		&paused, &degraded, &gaps, &o.Error, &createdAt, &updatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	o.Status = models.ObjectiveStatus(status)
	o.Paused = paused != 0
	o.Degraded = degraded != 0
	o.Gaps = unmarshalList(gaps)
	o.CreatedAt, _ = parseTime(createdAt)
	o.UpdatedAt, _ = parseTime(updatedAt)
	o.CompletedAt = parseNullableTime(completedAt)
	return &o, nil
}

// marshalList stores string slices as JSON; empty slices become NULL.
func marshalList(items []string) (*string, error) {
	if len(items) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(items)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func unmarshalList(s sql.NullString) []string {
	if !s.Valid || s.String == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s.String), &out); err != nil {
		return nil
	}
	return out
}
