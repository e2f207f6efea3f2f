package swarm

import "time"

type SwarmState string

const (
	SwarmActive   SwarmState = "active"
	SwarmDraining SwarmState = "draining"
)

type AgentState string

const (
	AgentIdle AgentState = "IDLE"
	AgentBusy AgentState = "BUSY"
)

type TaskState string

const (
	TaskPending   TaskState = "PENDING"
	TaskQueued    TaskState = "QUEUED"
	TaskBlocked   TaskState = "BLOCKED"
	TaskExecuting TaskState = "EXECUTING"
	TaskCompleted TaskState = "COMPLETED"
	TaskFailed    TaskState = "FAILED"
)

// Swarm is a named group of agents with its set of tasks.
type Swarm struct {
	ID        string              `json:"id"`
	Name      string              `json:"name"`
	Type      string              `json:"type"`
	AgentIDs  map[string]struct{} `json:"-"`
	TaskIDs   map[string]struct{} `json:"-"`
	State     SwarmState          `json:"state"`
	CreatedAt time.Time           `json:"created_at"`
}

// Agent is owned by the coordinator; its executor holds a reference only.
type Agent struct {
	ID             string              `json:"id"`
	Name           string              `json:"name"`
	Type           string              `json:"type"`
	Capabilities   map[string]struct{} `json:"-"`
	SwarmID        string              `json:"swarm_id"`
	State          AgentState          `json:"state"`
	CurrentTaskID  string              `json:"current_task_id,omitempty"`
	TasksCompleted int                 `json:"tasks_completed"`
}

// Task is mutated only by the component currently responsible for it: the
// coordinator while pending/scheduling, the executor while queued/executing.
// COMPLETED and FAILED are terminal.
type Task struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	Type            string        `json:"type"`
	Resources       []string      `json:"resources,omitempty"`
	Dependencies    []string      `json:"dependencies,omitempty"`
	Priority        string        `json:"priority"`
	SwarmID         string        `json:"swarm_id"`
	AgentID         string        `json:"agent_id,omitempty"`
	State           TaskState     `json:"state"`
	Attempts        int           `json:"attempts"`
	MaxRetries      int           `json:"max_retries"`
	Timeout         time.Duration `json:"timeout"`
	Conflicts       []Conflict    `json:"conflicts,omitempty"`
	ForcedExecution bool          `json:"forced_execution,omitempty"`
	Error           string        `json:"error,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	StartedAt       *time.Time    `json:"started_at,omitempty"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`
}

// ConflictType classifies a scheduling conflict.
type ConflictType string

const (
	ConflictResource   ConflictType = "resource"
	ConflictDependency ConflictType = "dependency"
	ConflictCapacity   ConflictType = "capacity"
	ConflictRule       ConflictType = "rule"
)

type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
)

// Conflict is one detected scheduling conflict for a task.
type Conflict struct {
	Type        ConflictType `json:"type"`
	Severity    Severity     `json:"severity"`
	Resource    string       `json:"resource,omitempty"`
	BlockedByID string       `json:"blocked_by,omitempty"`
	Description string       `json:"description"`
}

// Resolution maps a conflict to the action the coordinator proposes.
type Resolution struct {
	Action        string        `json:"action"` // wait-for-resource, wait-for-dependency, scale-swarm
	Conflict      Conflict      `json:"conflict"`
	EstimatedWait time.Duration `json:"estimated_wait,omitempty"`
}

// SwarmConfig is the caller-supplied swarm description.
type SwarmConfig struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// AgentSpec is the caller-supplied agent description.
type AgentSpec struct {
	Name         string   `json:"name"`
	Type         string   `json:"type"`
	Capabilities []string `json:"capabilities"`
}

// TaskSpec is the caller-supplied work item submitted to the coordinator.
type TaskSpec struct {
	Name         string        `json:"name"`
	Type         string        `json:"type"`
	Resources    []string      `json:"resources"`
	Dependencies []string      `json:"dependencies"`
	Priority     string        `json:"priority"`
	SwarmID      string        `json:"swarm_id"`
	MaxRetries   int           `json:"max_retries"`
	Timeout      time.Duration `json:"timeout"`
}

// decision is the value agreed through consensus before any schedule change.
type decision struct {
	Kind        string       `json:"kind"` // TASK_SCHEDULE
	TaskID      string       `json:"task_id"`
	SwarmID     string       `json:"swarm_id"`
	Resolutions []Resolution `json:"resolutions,omitempty"`
}
