package state

import (
	"context"
	"io"
	"time"

	"github.com/ShayCichocki/workforce/pkg/models"
)

// RunStore handles run-related persistence operations.
type RunStore interface {
	CreateRun(r *Run) error
	FinishRun(id string, status RunStatus, result, reason string, at time.Time) error
	GetRun(id string) (*Run, error)
	ListRuns(status *RunStatus) ([]Run, error)
}

// EventStore handles event-log persistence.
type EventStore interface {
	InsertEvents(events []models.Event) error
	ListEvents(rootID string) ([]models.Event, error)
}

// Migrator handles database schema migrations.
type Migrator interface {
	// Migrate applies all pending schema migrations.
	Migrate() error
}

// EventSink consumes a live event stream.
type EventSink interface {
	Consume(ctx context.Context, events <-chan models.Event) error
}

// StateStore composes everything the CLI needs from a state backend.
type StateStore interface {
	io.Closer
	Migrator
	RunStore
	EventStore
}

var (
	_ StateStore = (*DB)(nil)
	_ EventSink  = (*Sink)(nil)
)
