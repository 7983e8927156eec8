package models

import "time"

// Schedule records one dispatch attempt of a unit. Schedule rows are
// append-only history: statuses advance, rows are never removed.
type Schedule struct {
	ID            string         `json:"id"`
	ObjectiveID   string         `json:"objective_id"`
	ReferenceID   string         `json:"reference_id"`
	ReferenceType ReferenceType  `json:"reference_type"`
	Status        ScheduleStatus `json:"status"`
	// ScheduledAt is the earliest time the attempt may be dispatched.
	ScheduledAt time.Time  `json:"scheduled_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// Attempt is the 1-based attempt number for the referenced unit.
	Attempt int    `json:"attempt"`
	Error   string `json:"error,omitempty"`
}

// Due reports whether a SCHEDULED attempt may be dispatched at now.
func (s *Schedule) Due(now time.Time) bool {
	return s.Status == ScheduleScheduled && !s.ScheduledAt.After(now)
}
