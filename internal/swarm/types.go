package swarm

// IncludeMode controls how much of a dependency's output is folded
// into the dependent agent's prompt.
type IncludeMode string

const (
	IncludeSummary IncludeMode = "summary"
	IncludeFull    IncludeMode = "full"
	IncludeNone    IncludeMode = "none"
)

// ExecutionMode selects how an agent is driven.
type ExecutionMode string

const (
	// ModeAssigned agents run a single prompt gated on dependencies.
	ModeAssigned ExecutionMode = "assigned"
	// ModeAutonomous agents loop claiming queued tasks.
	ModeAutonomous ExecutionMode = "autonomous"
)

// DependencySpec is a directed edge to another agent in the same
// swarm, referenced by name at creation time.
type DependencySpec struct {
	Agent     string      `json:"agent"`
	Include   IncludeMode `json:"include,omitempty"`
	Condition string      `json:"condition,omitempty"`
}

// AgentSpec describes one DAG node at swarm creation time.
type AgentSpec struct {
	Name           string           `json:"name"`
	Role           string           `json:"role,omitempty"`
	Mode           ExecutionMode    `json:"mode,omitempty"`
	Prompt         string           `json:"prompt"`
	DependsOn      []DependencySpec `json:"depends_on,omitempty"`
	Model          string           `json:"model,omitempty"`
	AllowedTools   []string         `json:"allowed_tools,omitempty"`
	Sandbox        string           `json:"sandbox,omitempty"`
	TimeoutSeconds int              `json:"timeout_seconds,omitempty"`
	// Autonomous-mode limits.
	MaxTasks           int      `json:"max_tasks,omitempty"`
	MaxDurationSeconds int      `json:"max_duration_seconds,omitempty"`
	TaskTypes          []string `json:"task_types,omitempty"`
}

// CreateRequest is a request to create a swarm together with its
// initial agents. The DAG shape is fixed at this point.
type CreateRequest struct {
	Name           string      `json:"name"`
	Description    string      `json:"description,omitempty"`
	WorkingDir     string      `json:"working_dir"`
	BranchPrefix   string      `json:"branch_prefix,omitempty"`
	BaseBranch     string      `json:"base_branch,omitempty"`
	AutoSynthesize bool        `json:"auto_synthesize,omitempty"`
	AutoSupervise  bool        `json:"auto_supervise,omitempty"`
	AutoStart      bool        `json:"auto_start,omitempty"`
	Agents         []AgentSpec `json:"agents"`
}

// Names of the automatically injected agents.
const (
	SynthesisAgentName     = "synthesis"
	SupervisorAgentName    = "supervisor"
	MemoryStewardAgentName = "memory-steward"
)
