package models

import "time"

// EventKind enumerates the lifecycle transitions recorded by telemetry.
type EventKind string

const (
	// EventCreated indicates a task was inserted into the store.
	EventCreated EventKind = "CREATED"
	// EventAssigned indicates a worker was bound to a task.
	EventAssigned EventKind = "ASSIGNED"
	// EventStarted indicates a task moved to RUNNING.
	EventStarted EventKind = "STARTED"
	// EventSucceeded indicates a task succeeded.
	EventSucceeded EventKind = "SUCCEEDED"
	// EventFailed indicates a task failed.
	EventFailed EventKind = "FAILED"
	// EventRetried indicates a task re-entered OPEN after a failure.
	EventRetried EventKind = "RETRIED"
	// EventBlocked indicates a task is waiting on subtasks or a failed dependency.
	EventBlocked EventKind = "BLOCKED"
	// EventCancelled indicates a task was cancelled during shutdown.
	EventCancelled EventKind = "CANCELLED"
)

// Valid returns true if the kind is a known value.
func (k EventKind) Valid() bool {
	switch k {
	case EventCreated, EventAssigned, EventStarted, EventSucceeded,
		EventFailed, EventRetried, EventBlocked, EventCancelled:
		return true
	default:
		return false
	}
}

// Event is an immutable record of one task or worker lifecycle transition.
// Events carry enough data to rebuild the task tree without live state.
type Event struct {
	// Seq orders events within a log; it increases strictly.
	Seq uint64 `json:"seq"`
	// Timestamp is when the transition happened.
	Timestamp time.Time `json:"timestamp"`
	// RootID is the root of the task tree the event belongs to.
	RootID string `json:"root_id"`
	// TaskID is the task the event is about.
	TaskID string `json:"task_id"`
	// ParentID is the task's parent, empty for a root.
	ParentID string `json:"parent_id,omitempty"`
	// WorkerID is the worker involved, if any.
	WorkerID string `json:"worker_id,omitempty"`
	// Kind is the transition recorded.
	Kind EventKind `json:"kind"`
	// Status is the task status after the transition.
	Status TaskStatus `json:"status"`
	// Attempt is the task's attempt count at the time of the event.
	Attempt int `json:"attempt,omitempty"`
	// DependsOn is set on CREATED events.
	DependsOn []string `json:"depends_on,omitempty"`
	// Content is set on CREATED events.
	Content string `json:"content,omitempty"`
	// Detail is a free-form payload: a result, a failure reason or a note.
	Detail string `json:"detail,omitempty"`
}
