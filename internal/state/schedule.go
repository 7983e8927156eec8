package state

import (
	"database/sql"
	"fmt"

	"github.com/zpandasoft/deer-flow/pkg/models"
)

const scheduleColumns = `id, objective_id, reference_id, reference_type, status, scheduled_at,
	started_at, completed_at, attempt, error`

// CreateSchedule appends a schedule record. Inserting a second RUNNING
// record for the same reference fails on the unique index.
func (db *DB) CreateSchedule(s *models.Schedule) error {
	_, err := db.Exec(`
		INSERT INTO schedules (`+scheduleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.ObjectiveID, s.ReferenceID, string(s.ReferenceType), string(s.Status), formatTime(s.ScheduledAt),
		formatNullableTime(s.StartedAt), formatNullableTime(s.CompletedAt), s.Attempt, s.Error)
	if err != nil {
		return fmt.Errorf("create schedule: %w", err)
	}
	return nil
}

// UpdateSchedule advances a schedule's status and timestamps.
func (db *DB) UpdateSchedule(s *models.Schedule) error {
	res, err := db.Exec(`
		UPDATE schedules SET status = ?, scheduled_at = ?, started_at = ?, completed_at = ?, error = ?
		WHERE id = ?
	`, string(s.Status), formatTime(s.ScheduledAt), formatNullableTime(s.StartedAt),
		formatNullableTime(s.CompletedAt), s.Error, s.ID)
	if err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	return checkAffected(res, "schedule", s.ID)
}

// GetSchedule retrieves a schedule by ID. Returns nil, nil if not found.
func (db *DB) GetSchedule(id string) (*models.Schedule, error) {
	list, err := db.listSchedules(`WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

// ListSchedulesByReference returns a unit's attempt history, oldest first.
func (db *DB) ListSchedulesByReference(referenceID string) ([]*models.Schedule, error) {
	return db.listSchedules(`WHERE reference_id = ?`, referenceID)
}

// ListSchedulesByObjective returns every attempt recorded under an objective.
func (db *DB) ListSchedulesByObjective(objectiveID string) ([]*models.Schedule, error) {
	return db.listSchedules(`WHERE objective_id = ?`, objectiveID)
}

// CountSchedules returns the number of schedule records under an objective,
// optionally restricted to one status.
func (db *DB) CountSchedules(objectiveID string, status *models.ScheduleStatus) (int, error) {
	var n int
	var err error
	if status != nil {
		err = db.QueryRow(`SELECT COUNT(*) FROM schedules WHERE objective_id = ? AND status = ?`, objectiveID, string(*status)).Scan(&n)
	} else {
		err = db.QueryRow(`SELECT COUNT(*) FROM schedules WHERE objective_id = ?`, objectiveID).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("count schedules: %w", err)
	}
	return n, nil
}

func (db *DB) listSchedules(where string, arg string) ([]*models.Schedule, error) {
	rows, err := db.Query(`SELECT `+scheduleColumns+` FROM schedules `+where+` ORDER BY scheduled_at ASC, attempt ASC`, arg)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var out []*models.Schedule
	for rows.Next() {
		var s models.Schedule
		var refType, status, scheduledAt string
		var startedAt, completedAt sql.NullString
		if err := rows.Scan(&s.ID, &s.ObjectiveID, &s.ReferenceID, &refType, &status, &scheduledAt,
			&startedAt, &completedAt, &s.Attempt, &s.Error); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		s.ReferenceType = models.ReferenceType(refType)
		s.Status = models.ScheduleStatus(status)
		s.ScheduledAt, _ = parseTime(scheduledAt)
		s.StartedAt = parseNullableTime(startedAt)
		s.CompletedAt = parseNullableTime(completedAt)
		out = append(out, &s)
	}
	return out, rows.Err()
}
