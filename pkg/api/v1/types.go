// Package v1 holds the data types shared between the executor's internal
// packages and its orchestrator/model-vendor wire contracts.
package v1

import "time"

// ExecutionMode selects which back-end carries out a task.
type ExecutionMode string

const (
	ExecutionModeAPI     ExecutionMode = "api"
	ExecutionModeProcess ExecutionMode = "process"
)

// Task is a unit of work leased from the orchestrator.
type Task struct {
	ID            string                 `json:"id"`
	Description   string                 `json:"description"`
	Context       map[string]interface{} `json:"context,omitempty"`
	Files         map[string]string      `json:"files,omitempty"`
	ExecutionMode *ExecutionMode         `json:"execution_mode,omitempty"`
}

// TaskUsage carries token accounting for a model-backed execution.
type TaskUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Artifact is a file produced by a task, optionally inlined.
type Artifact struct {
	Name           string `json:"name"`
	RelativePath   string `json:"relative_path"`
	SizeBytes      int64  `json:"size_bytes"`
	TypeHint       string `json:"type_hint"`
	InlineContent  string `json:"inline_content,omitempty"`
}

// ExecutionResult is the outcome of running a task through any back-end.
type ExecutionResult struct {
	Success             bool       `json:"success"`
	Response            string     `json:"response"`
	Usage               *TaskUsage `json:"usage,omitempty"`
	Artifacts           []Artifact `json:"artifacts,omitempty"`
	ExecutionTimeSeconds float64   `json:"execution_time_seconds"`
	ExitCode            *int       `json:"exit_code,omitempty"`
	Error               string     `json:"error,omitempty"`
	Model               string     `json:"model,omitempty"`
	ExecutionMode       ExecutionMode `json:"execution_mode,omitempty"`
}

// ProcessState is the lifecycle state of a monitored process (C6).
type ProcessState string

const (
	ProcessStateStarting  ProcessState = "starting"
	ProcessStateRunning   ProcessState = "running"
	ProcessStateCompleted ProcessState = "completed"
	ProcessStateFailed    ProcessState = "failed"
	ProcessStateTimedOut  ProcessState = "timed_out"
	ProcessStateKilled    ProcessState = "killed"
)

// ProcessMetrics is the point-in-time observation of a monitored process.
type ProcessMetrics struct {
	PID         int          `json:"pid"`
	StartTime   time.Time    `json:"start_time"`
	EndTime     *time.Time   `json:"end_time,omitempty"`
	State       ProcessState `json:"state"`
	CPUPercent  float64      `json:"cpu_percent"`
	MemoryMB    float64      `json:"memory_mb"`
	OutputLines int          `json:"output_lines"`
	ErrorLines  int          `json:"error_lines"`
	ExitCode    *int         `json:"exit_code,omitempty"`
}

// IsTerminal reports whether the state is absorbing.
func (s ProcessState) IsTerminal() bool {
	switch s {
	case ProcessStateCompleted, ProcessStateFailed, ProcessStateTimedOut, ProcessStateKilled:
		return true
	default:
		return false
	}
}

// AgentStats are the monotonic counters and gauges reported by the executor
// core's status snapshot.
type AgentStats struct {
	Total       int `json:"total_tasks"`
	Completed   int `json:"completed"`
	Failed      int `json:"failed"`
	TotalTokens int `json:"total_tokens"`
	Active      int `json:"active_tasks"`
	Queued      int `json:"queued_tasks"`
}
