package models

import "time"

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	// TaskStatusCreated indicates the task exists but has not been admitted yet.
	TaskStatusCreated TaskStatus = "created"
	// TaskStatusOpen indicates the task is waiting to be scheduled.
	TaskStatusOpen TaskStatus = "open"
	// TaskStatusRunning indicates a worker is processing the task.
	TaskStatusRunning TaskStatus = "running"
	// TaskStatusSucceeded indicates the task completed successfully.
	TaskStatusSucceeded TaskStatus = "succeeded"
	// TaskStatusFailed indicates the task failed.
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusBlocked indicates the task is waiting on its subtasks or
	// cannot proceed because a dependency failed.
	TaskStatusBlocked TaskStatus = "blocked"
	// TaskStatusCancelled indicates the task was cancelled by a shutdown drain.
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusCreated, TaskStatusOpen, TaskStatusRunning, TaskStatusSucceeded,
		TaskStatusFailed, TaskStatusBlocked, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal returns true for statuses a task does not leave on its own.
// FAILED counts as terminal here; re-decomposition is an explicit engine decision.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusSucceeded, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// Task represents a unit of work in the system.
type Task struct {
	// ID is the unique identifier for this task.
	ID string `json:"id"`
	// RootID is the ID of the root task of this task's tree.
	RootID string `json:"root_id"`
	// ParentID is the ID of the parent task, empty for a root.
	ParentID string `json:"parent_id,omitempty"`
	// Content is the free-form instruction text.
	Content string `json:"content"`
	// Context carries structured reference material (documents, records).
	Context map[string]string `json:"context,omitempty"`
	// Children lists subtask IDs in creation order.
	Children []string `json:"children,omitempty"`
	// DependsOn lists task IDs that must succeed before this task may start.
	DependsOn []string `json:"depends_on,omitempty"`
	// Status is the current state of the task.
	Status TaskStatus `json:"status"`
	// AssignedWorker is the ID of the worker bound to this task.
	AssignedWorker string `json:"assigned_worker,omitempty"`
	// Result is the output produced by a worker or by aggregation.
	Result string `json:"result,omitempty"`
	// FailureReason explains a FAILED or CANCELLED status.
	FailureReason string `json:"failure_reason,omitempty"`
	// Warnings collects notes from best-effort aggregation.
	Warnings []string `json:"warnings,omitempty"`
	// Attempts is the number of times the task has been dispatched.
	Attempts int `json:"attempts"`
	// Depth is the decomposition depth; the root is 0.
	Depth int `json:"depth"`
	// Decomposed is set once the coordinator has planned this task.
	Decomposed bool `json:"decomposed,omitempty"`
	// WorkerPattern optionally restricts candidate workers by ID glob.
	WorkerPattern string `json:"worker_pattern,omitempty"`
	// ExcludedWorkers are workers that failed this task in a worker-specific way.
	ExcludedWorkers []string `json:"excluded_workers,omitempty"`
	// CreatedAt is when the task was created.
	CreatedAt time.Time `json:"created_at"`
	// StartedAt is when the task last moved to RUNNING.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// EndedAt is when the task reached a terminal status.
	EndedAt *time.Time `json:"ended_at,omitempty"`
}

// IsLeaf reports whether the task has no subtasks.
func (t *Task) IsLeaf() bool {
	return len(t.Children) == 0
}

// IsRoot reports whether the task has no parent.
func (t *Task) IsRoot() bool {
	return t.ParentID == ""
}

// Clone returns a deep copy that is safe to hand outside the store.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.Context != nil {
		c.Context = make(map[string]string, len(t.Context))
		for k, v := range t.Context {
			c.Context[k] = v
		}
	}
	c.Children = append([]string(nil), t.Children...)
	c.DependsOn = append([]string(nil), t.DependsOn...)
	c.Warnings = append([]string(nil), t.Warnings...)
	c.ExcludedWorkers = append([]string(nil), t.ExcludedWorkers...)
	if t.StartedAt != nil {
		s := *t.StartedAt
		c.StartedAt = &s
	}
	if t.EndedAt != nil {
		e := *t.EndedAt
		c.EndedAt = &e
	}
	return &c
}
