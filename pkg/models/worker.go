package models

import "time"

// WorkerStatus represents the availability of a worker.
type WorkerStatus string

const (
	// WorkerStatusIdle indicates the worker can accept a task.
	WorkerStatusIdle WorkerStatus = "idle"
	// WorkerStatusBusy indicates the worker is bound to a running task.
	WorkerStatusBusy WorkerStatus = "busy"
)

// Valid returns true if the status is a known value.
func (s WorkerStatus) Valid() bool {
	switch s {
	case WorkerStatusIdle, WorkerStatusBusy:
		return true
	default:
		return false
	}
}

// Worker represents a registered capability endpoint.
type Worker struct {
	// ID is the unique identifier for this worker.
	ID string `json:"id"`
	// Description is the human-readable capability description used for matching.
	Description string `json:"description"`
	// Status is the current availability of the worker.
	Status WorkerStatus `json:"status"`
	// CurrentTask is the ID of the task the worker is processing, if busy.
	CurrentTask string `json:"current_task,omitempty"`
	// RegisteredAt is when the worker joined the registry.
	RegisteredAt time.Time `json:"registered_at"`
}
