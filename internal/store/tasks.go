package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Task statuses for the autonomous work queue.
const (
	TaskReady   = "ready"
	TaskClaimed = "claimed"
	TaskDone    = "done"
)

// Task is one queued work item for autonomous-mode agents.
type Task struct {
	ID            string     `json:"id"`
	Description   string     `json:"description"`
	TaskType      string     `json:"task_type,omitempty"`
	RequiredTools []string   `json:"required_tools,omitempty"`
	Priority      int        `json:"priority"`
	Status        string     `json:"status"`
	ClaimedBy     string     `json:"claimed_by,omitempty"`
	ClaimedAt     *time.Time `json:"claimed_at,omitempty"`
	Error         string     `json:"error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func scanProjectTask(scanner interface{ Scan(dest ...any) error }) (*Task, error) {
	t := &Task{}
	var tools string
	err := scanner.Scan(&t.ID, &t.Description, &t.TaskType, &tools, &t.Priority, &t.Status,
		&t.ClaimedBy, &t.ClaimedAt, &t.Error, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tools), &t.RequiredTools); err != nil {
		return nil, fmt.Errorf("decode required_tools: %w", err)
	}
	return t, nil
}

const taskColumns = `id, description, task_type, required_tools, priority, status,
	claimed_by, claimed_at, error, created_at, updated_at`

func (s *Store) EnqueueTask(t *Task) error {
	_, err := s.db.Exec(`
		INSERT INTO project_tasks (id, description, task_type, required_tools, priority, status)
		VALUES (?, ?, ?, ?, ?, 'ready')`,
		t.ID, t.Description, t.TaskType, marshalOrEmpty(t.RequiredTools), t.Priority)
	if err != nil {
		return fmt.Errorf("enqueue task: %w", err)
	}
	return nil
}

func (s *Store) GetTask(id string) (*Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM project_tasks WHERE id = ?`, id)
	t, err := scanProjectTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *Store) ListTasks() ([]Task, error) {
	rows, err := s.db.Query(`SELECT ` + taskColumns + ` FROM project_tasks ORDER BY priority DESC, created_at`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanProjectTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// ClaimTask atomically claims one ready task matching the filters for
// the given agent, preferring higher priority and then older tasks.
// Returns nil with no error when nothing is claimable, including when
// every candidate was claimed by a concurrent poller. The guarded
// UPDATE is the claim: a lone write statement takes the store's write
// lock directly, so under contention losers see zero affected rows
// rather than a busy error, which a read-then-write transaction would
// raise.
func (s *Store) ClaimTask(agentID, typeFilter string, toolFilter []string) (*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM project_tasks
		WHERE status = 'ready'`
	args := []any{}
	if typeFilter != "" {
		query += ` AND (task_type = '' OR task_type = ?)`
		args = append(args, typeFilter)
	}
	query += ` ORDER BY priority DESC, created_at ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("select ready tasks: %w", err)
	}

	var candidates []*Task
	for rows.Next() {
		t, err := scanProjectTask(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan task: %w", err)
		}
		if toolsSatisfied(t.RequiredTools, toolFilter) {
			candidates = append(candidates, t)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}

	for _, candidate := range candidates {
		res, err := s.db.Exec(`
			UPDATE project_tasks
			SET status = 'claimed', claimed_by = ?, claimed_at = CURRENT_TIMESTAMP,
			    updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = 'ready'`, agentID, candidate.ID)
		if err != nil {
			return nil, fmt.Errorf("claim task: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Another claimer won this row; try the next candidate.
			continue
		}
		candidate.Status = TaskClaimed
		candidate.ClaimedBy = agentID
		return candidate, nil
	}
	return nil, nil
}

// toolsSatisfied reports whether every required tool is in the
// agent's tool set. An empty requirement matches everything; an empty
// agent filter means the agent carries all tools.
func toolsSatisfied(required, available []string) bool {
	if len(required) == 0 || len(available) == 0 {
		return true
	}
	set := make(map[string]bool, len(available))
	for _, t := range available {
		set[t] = true
	}
	for _, r := range required {
		if !set[r] {
			return false
		}
	}
	return true
}

// MarkTaskDone completes a claimed task.
func (s *Store) MarkTaskDone(id string) error {
	_, err := s.db.Exec(`
		UPDATE project_tasks
		SET status = 'done', updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'claimed'`, id)
	if err != nil {
		return fmt.Errorf("mark task done: %w", err)
	}
	return nil
}

// ReleaseTask returns a claimed task to ready, recording the error
// that caused the release.
func (s *Store) ReleaseTask(id, errMsg string) error {
	_, err := s.db.Exec(`
		UPDATE project_tasks
		SET status = 'ready', claimed_by = '', claimed_at = NULL, error = ?,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'claimed'`, errMsg, id)
	if err != nil {
		return fmt.Errorf("release task: %w", err)
	}
	return nil
}
