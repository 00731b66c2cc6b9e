package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Schedule statuses.
const (
	ScheduleActive    = "active"
	SchedulePaused    = "paused"
	ScheduleCompleted = "completed"
)

// TaskSchedule enqueues a task template on a recurring schedule. The
// schedule column holds the JSON form produced by the schedule package.
type TaskSchedule struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Schedule      string     `json:"schedule"`
	Description   string     `json:"description"`
	TaskType      string     `json:"task_type,omitempty"`
	RequiredTools []string   `json:"required_tools,omitempty"`
	Priority      int        `json:"priority"`
	Status        string     `json:"status"`
	LastStatus    string     `json:"last_status,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

const scheduleColumns = `id, name, schedule, description, task_type, required_tools,
	priority, status, last_status, last_error, last_run_at, next_run_at, created_at`

func scanTaskSchedule(scanner interface{ Scan(dest ...any) error }) (*TaskSchedule, error) {
	ts := &TaskSchedule{}
	var tools string
	err := scanner.Scan(&ts.ID, &ts.Name, &ts.Schedule, &ts.Description, &ts.TaskType, &tools,
		&ts.Priority, &ts.Status, &ts.LastStatus, &ts.LastError, &ts.LastRunAt, &ts.NextRunAt, &ts.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tools), &ts.RequiredTools); err != nil {
		return nil, fmt.Errorf("decode required_tools: %w", err)
	}
	return ts, nil
}

func (s *Store) CreateTaskSchedule(ts *TaskSchedule) error {
	_, err := s.db.Exec(`
		INSERT INTO task_schedules (id, name, schedule, description, task_type, required_tools,
			priority, status, next_run_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'active', ?)`,
		ts.ID, ts.Name, ts.Schedule, ts.Description, ts.TaskType,
		marshalOrEmpty(ts.RequiredTools), ts.Priority, ts.NextRunAt)
	if err != nil {
		return fmt.Errorf("create task schedule: %w", err)
	}
	return nil
}

func (s *Store) GetTaskSchedule(id string) (*TaskSchedule, error) {
	row := s.db.QueryRow(`SELECT `+scheduleColumns+` FROM task_schedules WHERE id = ?`, id)
	ts, err := scanTaskSchedule(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task schedule: %w", err)
	}
	return ts, nil
}

func (s *Store) ListTaskSchedules() ([]TaskSchedule, error) {
	rows, err := s.db.Query(`SELECT ` + scheduleColumns + ` FROM task_schedules ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list task schedules: %w", err)
	}
	defer rows.Close()

	var schedules []TaskSchedule
	for rows.Next() {
		ts, err := scanTaskSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task schedule: %w", err)
		}
		schedules = append(schedules, *ts)
	}
	return schedules, rows.Err()
}

// GetDueSchedules returns active schedules whose next run is at or
// before now.
func (s *Store) GetDueSchedules(now time.Time) ([]TaskSchedule, error) {
	rows, err := s.db.Query(`
		SELECT `+scheduleColumns+` FROM task_schedules
		WHERE status = 'active' AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at`, now)
	if err != nil {
		return nil, fmt.Errorf("get due schedules: %w", err)
	}
	defer rows.Close()

	var due []TaskSchedule
	for rows.Next() {
		ts, err := scanTaskSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan due schedule: %w", err)
		}
		due = append(due, *ts)
	}
	return due, rows.Err()
}

// UpdateScheduleRun records the outcome of a firing and the next run
// time. A nil nextRun leaves the schedule with nothing due.
func (s *Store) UpdateScheduleRun(id, lastStatus, lastError string, nextRun *time.Time) error {
	_, err := s.db.Exec(`
		UPDATE task_schedules
		SET last_status = ?, last_error = ?, last_run_at = CURRENT_TIMESTAMP, next_run_at = ?
		WHERE id = ?`, lastStatus, lastError, nextRun, id)
	if err != nil {
		return fmt.Errorf("update schedule run: %w", err)
	}
	return nil
}

func (s *Store) UpdateScheduleStatus(id, status string) error {
	res, err := s.db.Exec(`UPDATE task_schedules SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("update schedule status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteTaskSchedule(id string) error {
	_, err := s.db.Exec(`DELETE FROM task_schedules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task schedule: %w", err)
	}
	return nil
}
