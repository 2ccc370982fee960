package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"

	"github.com/ShayCichocki/workforce/pkg/models"
)

// InsertEvents stores events in one transaction. Events already stored
// under the same root and sequence number are skipped.
func (db *DB) InsertEvents(events []models.Event) error {
	if len(events) == 0 {
		return nil
	}
	return db.Transaction(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT OR IGNORE INTO events
				(root_id, seq, task_id, parent_id, worker_id, kind, status, attempt, depends_on, content, detail, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("prepare insert: %w", err)
		}
		defer stmt.Close()

		for _, ev := range events {
			deps := ""
			if len(ev.DependsOn) > 0 {
				data, err := json.Marshal(ev.DependsOn)
				if err != nil {
					return fmt.Errorf("marshal dependencies of %s: %w", ev.TaskID, err)
				}
				deps = string(data)
			}
			if _, err := stmt.Exec(ev.RootID, int64(ev.Seq), ev.TaskID, ev.ParentID, ev.WorkerID,
				string(ev.Kind), string(ev.Status), ev.Attempt, deps, ev.Content, ev.Detail,
				formatTime(ev.Timestamp)); err != nil {
				return fmt.Errorf("insert event %d: %w", ev.Seq, err)
			}
		}
		return nil
	})
}

// ListEvents returns the events of a root in sequence order. An empty
// rootID lists every stored event.
func (db *DB) ListEvents(rootID string) ([]models.Event, error) {
	query := `
		SELECT root_id, seq, task_id, parent_id, worker_id, kind, status, attempt, depends_on, content, detail, timestamp
		FROM events`
	var args []any
	if rootID != "" {
		query += " WHERE root_id = ?"
		args = append(args, rootID)
	}
	query += " ORDER BY seq"

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		var ev models.Event
		var seq int64
		var kind, status, deps, ts string
		if err := rows.Scan(&ev.RootID, &seq, &ev.TaskID, &ev.ParentID, &ev.WorkerID,
			&kind, &status, &ev.Attempt, &deps, &ev.Content, &ev.Detail, &ts); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Seq = uint64(seq)
		ev.Kind = models.EventKind(kind)
		ev.Status = models.TaskStatus(status)
		if deps != "" {
			if err := json.Unmarshal([]byte(deps), &ev.DependsOn); err != nil {
				return nil, fmt.Errorf("event %d dependencies: %w", seq, err)
			}
		}
		ev.Timestamp, _ = parseTime(ts)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// DefaultSinkBatch is the largest number of events written per transaction.
const DefaultSinkBatch = 64

// Sink persists a live event stream and keeps the runs table in step with
// root tasks.
type Sink struct {
	db          *DB
	description string
	batch       int
}

// NewSink creates a sink writing to db. description is recorded on new runs.
func NewSink(db *DB, description string) *Sink {
	return &Sink{db: db, description: description, batch: DefaultSinkBatch}
}

// Consume writes events until the channel closes or ctx ends. Whatever is
// already buffered when ctx ends is still written.
func (s *Sink) Consume(ctx context.Context, events <-chan models.Event) error {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			pending := s.drain(ev, events)
			if err := s.Write(pending); err != nil {
				log.Printf("[state] persist %d events: %v", len(pending), err)
			}
		case <-ctx.Done():
			var rest []models.Event
		flush:
			for {
				select {
				case ev, ok := <-events:
					if !ok {
						break flush
					}
					rest = append(rest, ev)
				default:
					break flush
				}
			}
			return s.Write(rest)
		}
	}
}

// drain collects first plus whatever is immediately available, up to a batch.
func (s *Sink) drain(first models.Event, events <-chan models.Event) []models.Event {
	pending := []models.Event{first}
	for len(pending) < s.batch {
		select {
		case ev, ok := <-events:
			if !ok {
				return pending
			}
			pending = append(pending, ev)
		default:
			return pending
		}
	}
	return pending
}

// Write persists a batch and records root lifecycle changes.
func (s *Sink) Write(events []models.Event) error {
	if err := s.db.InsertEvents(events); err != nil {
		return err
	}
	for _, ev := range events {
		if ev.TaskID != ev.RootID {
			continue
		}
		switch {
		case ev.Kind == models.EventCreated:
			if err := s.db.CreateRun(&Run{
				ID:          ev.RootID,
				Description: s.description,
				Content:     ev.Content,
				StartedAt:   ev.Timestamp,
			}); err != nil {
				return err
			}
		case ev.Status.Terminal():
			result, reason := "", ev.Detail
			if ev.Status == models.TaskStatusSucceeded {
				result, reason = ev.Detail, ""
			}
			if err := s.db.FinishRun(ev.RootID, RunStatus(ev.Status), result, reason, ev.Timestamp); err != nil {
				return err
			}
		}
	}
	return nil
}
