package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type Swarm struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	Description      string     `json:"description,omitempty"`
	WorkingDir       string     `json:"working_dir"`
	BranchPrefix     string     `json:"branch_prefix,omitempty"`
	BaseBranch       string     `json:"base_branch,omitempty"`
	Status           string     `json:"status"`
	AutoSynthesize   bool       `json:"auto_synthesize"`
	AutoSupervise    bool       `json:"auto_supervise"`
	SynthesisOutput  string     `json:"synthesis_output,omitempty"`
	SynthesisSummary string     `json:"synthesis_summary,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// AgentDependency is a resolved dependency edge persisted on the
// dependent agent's row. Human-readable names are resolved to agent
// ids once, at swarm creation.
type AgentDependency struct {
	AgentID   string `json:"agent_id"`
	AgentName string `json:"agent"`
	Include   string `json:"include,omitempty"`
	Condition string `json:"condition,omitempty"`
}

type SwarmAgent struct {
	ID                 string            `json:"id"`
	SwarmID            string            `json:"swarm_id"`
	Name               string            `json:"name"`
	Role               string            `json:"role,omitempty"`
	Mode               string            `json:"mode"`
	Prompt             string            `json:"prompt"`
	Dependencies       []AgentDependency `json:"dependencies,omitempty"`
	Model              string            `json:"model,omitempty"`
	AllowedTools       []string          `json:"allowed_tools,omitempty"`
	Sandbox            string            `json:"sandbox,omitempty"`
	TimeoutSeconds     int               `json:"timeout_seconds,omitempty"`
	MaxTasks           int               `json:"max_tasks,omitempty"`
	MaxDurationSeconds int               `json:"max_duration_seconds,omitempty"`
	TaskTypes          []string          `json:"task_types,omitempty"`
	Status             string            `json:"status"`
	Output             string            `json:"output,omitempty"`
	Summary            string            `json:"summary,omitempty"`
	Error              string            `json:"error,omitempty"`
	ToolCalls          int               `json:"tool_calls"`
	SessionID          string            `json:"session_id,omitempty"`
	Branch             string            `json:"branch,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	StartedAt          *time.Time        `json:"started_at,omitempty"`
	CompletedAt        *time.Time        `json:"completed_at,omitempty"`
}

const swarmColumns = `id, name, description, working_dir, branch_prefix, base_branch, status,
	auto_synthesize, auto_supervise, synthesis_output, synthesis_summary,
	created_at, started_at, completed_at`

func scanSwarm(scanner interface{ Scan(dest ...any) error }) (*Swarm, error) {
	sw := &Swarm{}
	err := scanner.Scan(&sw.ID, &sw.Name, &sw.Description, &sw.WorkingDir, &sw.BranchPrefix,
		&sw.BaseBranch, &sw.Status, &sw.AutoSynthesize, &sw.AutoSupervise,
		&sw.SynthesisOutput, &sw.SynthesisSummary, &sw.CreatedAt, &sw.StartedAt, &sw.CompletedAt)
	if err != nil {
		return nil, err
	}
	return sw, nil
}

const agentColumns = `id, swarm_id, name, role, mode, prompt, dependencies, model, allowed_tools,
	sandbox, timeout_seconds, max_tasks, max_duration_seconds, task_types, status,
	output, summary, error, tool_calls, session_id, branch, created_at, started_at, completed_at`

func scanAgent(scanner interface{ Scan(dest ...any) error }) (*SwarmAgent, error) {
	a := &SwarmAgent{}
	var deps, tools, types string
	err := scanner.Scan(&a.ID, &a.SwarmID, &a.Name, &a.Role, &a.Mode, &a.Prompt, &deps, &a.Model,
		&tools, &a.Sandbox, &a.TimeoutSeconds, &a.MaxTasks, &a.MaxDurationSeconds, &types,
		&a.Status, &a.Output, &a.Summary, &a.Error, &a.ToolCalls, &a.SessionID, &a.Branch,
		&a.CreatedAt, &a.StartedAt, &a.CompletedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(deps), &a.Dependencies); err != nil {
		return nil, fmt.Errorf("decode dependencies: %w", err)
	}
	if err := json.Unmarshal([]byte(tools), &a.AllowedTools); err != nil {
		return nil, fmt.Errorf("decode allowed_tools: %w", err)
	}
	if err := json.Unmarshal([]byte(types), &a.TaskTypes); err != nil {
		return nil, fmt.Errorf("decode task_types: %w", err)
	}
	return a, nil
}

func marshalOrEmpty(v any) string {
	data, err := json.Marshal(v)
	if err != nil || string(data) == "null" {
		return "[]"
	}
	return string(data)
}

// CreateSwarm persists a swarm with its full agent set in one
// transaction. This is the only point where the DAG shape is written.
func (s *Store) CreateSwarm(sw *Swarm, agents []*SwarmAgent) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO swarms (id, name, description, working_dir, branch_prefix, base_branch,
			status, auto_synthesize, auto_supervise)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sw.ID, sw.Name, sw.Description, sw.WorkingDir, sw.BranchPrefix, sw.BaseBranch,
		sw.Status, sw.AutoSynthesize, sw.AutoSupervise)
	if err != nil {
		return fmt.Errorf("insert swarm: %w", err)
	}

	for _, a := range agents {
		_, err = tx.Exec(`
			INSERT INTO swarm_agents (id, swarm_id, name, role, mode, prompt, dependencies,
				model, allowed_tools, sandbox, timeout_seconds, max_tasks,
				max_duration_seconds, task_types, status, branch)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, sw.ID, a.Name, a.Role, a.Mode, a.Prompt, marshalOrEmpty(a.Dependencies),
			a.Model, marshalOrEmpty(a.AllowedTools), a.Sandbox, a.TimeoutSeconds, a.MaxTasks,
			a.MaxDurationSeconds, marshalOrEmpty(a.TaskTypes), StatusPending, a.Branch)
		if err != nil {
			return fmt.Errorf("insert agent %s: %w", a.Name, err)
		}
	}

	return tx.Commit()
}

func (s *Store) GetSwarm(id string) (*Swarm, error) {
	row := s.db.QueryRow(`SELECT `+swarmColumns+` FROM swarms WHERE id = ?`, id)
	sw, err := scanSwarm(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get swarm: %w", err)
	}
	return sw, nil
}

func (s *Store) ListSwarms() ([]Swarm, error) {
	rows, err := s.db.Query(`SELECT ` + swarmColumns + ` FROM swarms ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list swarms: %w", err)
	}
	defer rows.Close()

	var swarms []Swarm
	for rows.Next() {
		sw, err := scanSwarm(rows)
		if err != nil {
			return nil, fmt.Errorf("scan swarm: %w", err)
		}
		swarms = append(swarms, *sw)
	}
	return swarms, rows.Err()
}

// UpdateSwarmStatus moves a swarm to a new status, stamping
// started_at on the transition to running and completed_at on any
// terminal status.
func (s *Store) UpdateSwarmStatus(id, status string) error {
	_, err := s.db.Exec(`
		UPDATE swarms
		SET status = ?,
		    started_at = CASE WHEN ? = 'running' AND started_at IS NULL THEN CURRENT_TIMESTAMP ELSE started_at END,
		    completed_at = CASE WHEN ? IN ('completed', 'failed', 'cancelled') THEN CURRENT_TIMESTAMP ELSE completed_at END
		WHERE id = ?`, status, status, status, id)
	if err != nil {
		return fmt.Errorf("update swarm status: %w", err)
	}
	return nil
}

// SetSwarmSynthesis records the synthesis agent's output on the swarm.
func (s *Store) SetSwarmSynthesis(id, output, summary string) error {
	_, err := s.db.Exec(`UPDATE swarms SET synthesis_output = ?, synthesis_summary = ? WHERE id = ?`,
		output, summary, id)
	if err != nil {
		return fmt.Errorf("set swarm synthesis: %w", err)
	}
	return nil
}

func (s *Store) GetAgent(id string) (*SwarmAgent, error) {
	row := s.db.QueryRow(`SELECT `+agentColumns+` FROM swarm_agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

func (s *Store) GetAgentByName(swarmID, name string) (*SwarmAgent, error) {
	row := s.db.QueryRow(`SELECT `+agentColumns+` FROM swarm_agents WHERE swarm_id = ? AND name = ?`,
		swarmID, name)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent by name: %w", err)
	}
	return a, nil
}

func (s *Store) ListAgents(swarmID string) ([]SwarmAgent, error) {
	rows, err := s.db.Query(`SELECT `+agentColumns+` FROM swarm_agents WHERE swarm_id = ? ORDER BY created_at, name`,
		swarmID)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []SwarmAgent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}

// MarkAgentRunning flips an agent to running and records its session
// in the same update. The session row must already exist: an agent is
// never running without a valid execution session, even if the
// process dies between the two writes.
func (s *Store) MarkAgentRunning(agentID, sessionID string) error {
	res, err := s.db.Exec(`
		UPDATE swarm_agents
		SET status = 'running', session_id = ?, started_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'pending'`, sessionID, agentID)
	if err != nil {
		return fmt.Errorf("mark agent running: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("agent %s is missing or not pending: %w", agentID, ErrNotFound)
	}
	return nil
}

// FinishAgent records an agent's terminal outcome.
func (s *Store) FinishAgent(agentID, status, output, summary, errMsg string, toolCalls int) error {
	_, err := s.db.Exec(`
		UPDATE swarm_agents
		SET status = ?, output = ?, summary = ?, error = ?, tool_calls = ?,
		    completed_at = CURRENT_TIMESTAMP
		WHERE id = ?`, status, output, summary, errMsg, toolCalls, agentID)
	if err != nil {
		return fmt.Errorf("finish agent: %w", err)
	}
	return nil
}

// SetAgentSummary stores a lazily generated summary of the agent's
// output.
func (s *Store) SetAgentSummary(agentID, summary string) error {
	_, err := s.db.Exec(`UPDATE swarm_agents SET summary = ? WHERE id = ?`, summary, agentID)
	if err != nil {
		return fmt.Errorf("set agent summary: %w", err)
	}
	return nil
}

// SetAgentBranch records the branch created for an agent.
func (s *Store) SetAgentBranch(agentID, branch string) error {
	_, err := s.db.Exec(`UPDATE swarm_agents SET branch = ? WHERE id = ?`, branch, agentID)
	if err != nil {
		return fmt.Errorf("set agent branch: %w", err)
	}
	return nil
}

// ResetAgentsForResume returns a swarm's failed (and optionally
// cancelled) agents to pending with their outputs cleared, and moves
// the swarm itself back to pending, all in one transaction.
func (s *Store) ResetAgentsForResume(swarmID string, includeCancelled bool) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	statuses := []any{StatusFailed, StatusTimedOut}
	query := `
		UPDATE swarm_agents
		SET status = 'pending', output = '', summary = '', error = '', tool_calls = 0,
		    session_id = '', started_at = NULL, completed_at = NULL
		WHERE swarm_id = ? AND status IN (?, ?)`
	if includeCancelled {
		query = `
		UPDATE swarm_agents
		SET status = 'pending', output = '', summary = '', error = '', tool_calls = 0,
		    session_id = '', started_at = NULL, completed_at = NULL
		WHERE swarm_id = ? AND status IN (?, ?, ?)`
		statuses = append(statuses, StatusCancelled)
	}

	args := append([]any{swarmID}, statuses...)
	res, err := tx.Exec(query, args...)
	if err != nil {
		return 0, fmt.Errorf("reset agents: %w", err)
	}
	n, _ := res.RowsAffected()

	_, err = tx.Exec(`UPDATE swarms SET status = 'pending', completed_at = NULL WHERE id = ?`, swarmID)
	if err != nil {
		return 0, fmt.Errorf("reset swarm: %w", err)
	}

	return int(n), tx.Commit()
}

// CancelSwarm marks the swarm and all of its non-terminal agents
// cancelled in one transaction. In-memory signals are resolved by the
// caller afterwards; the store write always comes first.
func (s *Store) CancelSwarm(swarmID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		UPDATE swarms SET status = 'cancelled', completed_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status NOT IN ('completed', 'failed', 'cancelled')`, swarmID)
	if err != nil {
		return fmt.Errorf("cancel swarm: %w", err)
	}

	_, err = tx.Exec(`
		UPDATE swarm_agents
		SET status = 'cancelled', completed_at = CURRENT_TIMESTAMP
		WHERE swarm_id = ? AND status IN ('pending', 'running')`, swarmID)
	if err != nil {
		return fmt.Errorf("cancel agents: %w", err)
	}

	return tx.Commit()
}

// ListRunningSwarms returns swarms left in running state, used by
// startup recovery to find orphans of a previous process.
func (s *Store) ListRunningSwarms() ([]Swarm, error) {
	rows, err := s.db.Query(`SELECT ` + swarmColumns + ` FROM swarms WHERE status = 'running'`)
	if err != nil {
		return nil, fmt.Errorf("list running swarms: %w", err)
	}
	defer rows.Close()

	var swarms []Swarm
	for rows.Next() {
		sw, err := scanSwarm(rows)
		if err != nil {
			return nil, fmt.Errorf("scan swarm: %w", err)
		}
		swarms = append(swarms, *sw)
	}
	return swarms, rows.Err()
}

// RecoveryReport describes what one swarm's crash recovery touched.
type RecoveryReport struct {
	SwarmID        string
	FailedAgents   int
	ClosedSessions int
	ReleasedTasks  int
}

// RecoverSwarm repairs one orphaned swarm in a single transaction:
// the swarm goes to failed, its pending/running agents go to failed
// with a restart message, their open sessions are closed and any
// tasks they had claimed return to ready.
func (s *Store) RecoverSwarm(swarmID string) (*RecoveryReport, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	report := &RecoveryReport{SwarmID: swarmID}

	_, err = tx.Exec(`
		UPDATE swarms SET status = 'failed', completed_at = CURRENT_TIMESTAMP
		WHERE id = ?`, swarmID)
	if err != nil {
		return nil, fmt.Errorf("fail swarm: %w", err)
	}

	res, err := tx.Exec(`
		UPDATE swarm_agents
		SET status = 'failed', error = 'process restarted during execution',
		    completed_at = CURRENT_TIMESTAMP
		WHERE swarm_id = ? AND status IN ('pending', 'running')`, swarmID)
	if err != nil {
		return nil, fmt.Errorf("fail agents: %w", err)
	}
	n, _ := res.RowsAffected()
	report.FailedAgents = int(n)

	res, err = tx.Exec(`
		UPDATE agent_sessions SET status = 'closed', closed_at = CURRENT_TIMESTAMP
		WHERE swarm_id = ? AND status = 'open'`, swarmID)
	if err != nil {
		return nil, fmt.Errorf("close sessions: %w", err)
	}
	n, _ = res.RowsAffected()
	report.ClosedSessions = int(n)

	res, err = tx.Exec(`
		UPDATE project_tasks
		SET status = 'ready', claimed_by = '', claimed_at = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE status = 'claimed'
		  AND claimed_by IN (SELECT id FROM swarm_agents WHERE swarm_id = ?)`, swarmID)
	if err != nil {
		return nil, fmt.Errorf("release tasks: %w", err)
	}
	n, _ = res.RowsAffected()
	report.ReleasedTasks = int(n)

	return report, tx.Commit()
}
