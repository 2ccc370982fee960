package orchestrator

import (
	"errors"

	"github.com/ShayCichocki/workforce/internal/graph"
)

var (
	// ErrInvalidDependency indicates a malformed decomposition.
	ErrInvalidDependency = graph.ErrInvalidDependency
	// ErrIllegalTransition indicates an engine invariant violation. It aborts
	// the run that hit it.
	ErrIllegalTransition = graph.ErrIllegalTransition
	// ErrTaskNotFound indicates the referenced task does not exist.
	ErrTaskNotFound = graph.ErrTaskNotFound

	// ErrDuplicateWorker indicates a worker ID is already registered.
	ErrDuplicateWorker = errors.New("worker already registered")
	// ErrWorkerUnavailable indicates the worker is unknown or busy.
	ErrWorkerUnavailable = errors.New("worker unavailable")
	// ErrWorkerBusy indicates the worker holds a lease and cannot be removed.
	ErrWorkerBusy = errors.New("worker busy")
	// ErrNoMatchingWorker indicates no registered worker may take a task.
	ErrNoMatchingWorker = errors.New("no registered worker matches")

	// ErrDecompositionExhausted indicates the maximum re-decomposition depth was reached.
	ErrDecompositionExhausted = errors.New("decomposition exhausted")
	// ErrShutdownTimeout is attached to results cancelled by a shutdown drain.
	ErrShutdownTimeout = errors.New("shutdown deadline reached")
	// ErrShuttingDown is returned by Submit once a shutdown was requested.
	ErrShuttingDown = errors.New("workforce is shutting down")
	// ErrAwaitTimeout is returned when AwaitResult gives up before the task finished.
	ErrAwaitTimeout = errors.New("timed out waiting for result")
	// ErrStalled indicates a run had no schedulable work left before its root finished.
	ErrStalled = errors.New("no schedulable work left")
)
