// Package models contains the shared data types exchanged between the
// queue, orchestrator, instances, and API surfaces.
package models

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus tracks a task through its lifecycle. Transitions follow
// pending -> queued -> running -> {completed|failed|cancelled}; the three
// final states are terminal.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// TaskPriority orders tasks on dequeue. Higher values dequeue first.
type TaskPriority int

const (
	PriorityLow      TaskPriority = 1
	PriorityNormal   TaskPriority = 2
	PriorityHigh     TaskPriority = 3
	PriorityCritical TaskPriority = 4
)

// ParsePriority maps a priority name to its level, defaulting to normal.
func ParsePriority(name string) TaskPriority {
	switch name {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "critical":
		return PriorityCritical
	default:
		return PriorityNormal
	}
}

// String returns the priority name.
func (p TaskPriority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "normal"
	}
}

// ToolCallEvent records one tool invocation made during an agent run.
type ToolCallEvent struct {
	Iteration  int            `json:"iteration"`
	ToolName   string         `json:"tool"`
	Arguments  map[string]any `json:"args,omitempty"`
	Success    bool           `json:"success"`
	DurationMS float64        `json:"duration_ms"`
}

// Usage carries token and duration counters reported by a backend.
type Usage struct {
	InputTokens     int     `json:"input_tokens"`
	OutputTokens    int     `json:"output_tokens"`
	TotalDurationMS float64 `json:"total_duration_ms"`
}

// TaskResult is produced when a task finishes executing.
type TaskResult struct {
	Status     string          `json:"status"`
	Output     string          `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	Backend    string          `json:"backend,omitempty"`
	Model      string          `json:"model,omitempty"`
	Usage      Usage           `json:"usage"`
	ToolCalls  []ToolCallEvent `json:"tool_calls,omitempty"`
	Iterations int             `json:"iterations"`
}

// Task is a unit of work submitted to the orchestrator. Tasks are owned by
// the queue; workers refer to them by id only.
type Task struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	Prompt           string         `json:"prompt"`
	WorkingDirectory string         `json:"working_directory,omitempty"`
	Priority         TaskPriority   `json:"priority"`
	Timeout          time.Duration  `json:"timeout"`
	Status           TaskStatus     `json:"status"`
	InstanceID       string         `json:"instance_id,omitempty"`
	DependsOn        []string       `json:"depends_on,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	StartedAt        time.Time      `json:"started_at,omitzero"`
	CompletedAt      time.Time      `json:"completed_at,omitzero"`
	Result           *TaskResult    `json:"result,omitempty"`
	Error            string         `json:"error,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`

	// Callback fires after the task commits to completed or failed; it does
	// not fire on cancellation. Panics from the callback are logged and
	// swallowed.
	Callback func(*TaskResult) `json:"-"`
}

// NewTask builds a pending task with an assigned id and creation time.
func NewTask(prompt string) *Task {
	return &Task{
		ID:        uuid.NewString(),
		Prompt:    prompt,
		Priority:  PriorityNormal,
		Status:    TaskPending,
		CreatedAt: time.Now(),
		Metadata:  map[string]any{},
	}
}

// Info is the externally visible snapshot of a task.
type Info struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	Prompt          string         `json:"prompt"`
	Status          TaskStatus     `json:"status"`
	Priority        string         `json:"priority"`
	InstanceID      string         `json:"instance_id,omitempty"`
	DependsOn       []string       `json:"depends_on,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	DurationSeconds float64        `json:"duration_seconds,omitempty"`
	Error           string         `json:"error,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	Result          *TaskResult    `json:"result,omitempty"`
}

// Snapshot renders the task as an Info record. The prompt is clipped to keep
// list responses small; pass includeResult to attach the full result.
func (t *Task) Snapshot(includeResult bool) Info {
	info := Info{
		ID:        t.ID,
		Name:      t.Name,
		Prompt:    clip(t.Prompt, 100),
		Status:    t.Status,
		Priority:  t.Priority.String(),
		InstanceID: t.InstanceID,
		DependsOn: t.DependsOn,
		CreatedAt: t.CreatedAt,
		Error:     t.Error,
		Metadata:  t.Metadata,
	}
	if !t.StartedAt.IsZero() {
		started := t.StartedAt
		info.StartedAt = &started
	}
	if !t.CompletedAt.IsZero() {
		completed := t.CompletedAt
		info.CompletedAt = &completed
	}
	if !t.StartedAt.IsZero() && !t.CompletedAt.IsZero() {
		info.DurationSeconds = t.CompletedAt.Sub(t.StartedAt).Seconds()
	}
	if includeResult {
		info.Result = t.Result
	}
	return info
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
