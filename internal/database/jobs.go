package database

import (
	"database/sql"
	"fmt"
	"time"

	"stock-cockpit/internal/types"
)

// JobState returns the persisted state of a job; found is false if it never ran.
func (s *Store) JobState(name string) (state types.JobState, found bool, err error) {
	var updated sql.NullString
	err = s.DB.QueryRow(`SELECT name, last_run, status, updated_at FROM job_state WHERE name = ?;`, name).
		Scan(&state.Name, &state.LastRun, &state.Status, &updated)
	if err == sql.ErrNoRows {
		return types.JobState{Name: name, Status: types.StatusIdle}, false, nil
	} else if err != nil {
		return state, false, fmt.Errorf("failed to get job state %s: %w", name, err)
	}
	state.UpdatedAt = parseTime(updated.String)
	return state, true, nil
}

func (s *Store) SaveJobState(state types.JobState) error {
	_, err := s.DB.Exec(`
	INSERT INTO job_state (name, last_run, status, updated_at) VALUES (?, ?, ?, ?)
	ON CONFLICT(name) DO UPDATE SET last_run = excluded.last_run, status = excluded.status, updated_at = excluded.updated_at;`,
		state.Name, state.LastRun, state.Status, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to save job state %s: %w", state.Name, err)
	}
	return nil
}

// SetJobStatus changes only the status, leaving last_run as stored.
func (s *Store) SetJobStatus(name, status string) error {
	_, err := s.DB.Exec(`
	INSERT INTO job_state (name, status, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(name) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at;`,
		name, status, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to set job status %s: %w", name, err)
	}
	return nil
}
