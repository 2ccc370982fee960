package state

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// RunStatus represents the status of a persisted run.
type RunStatus string

const (
	RunRunning     RunStatus = "running"
	RunSucceeded   RunStatus = "succeeded"
	RunFailed      RunStatus = "failed"
	RunCancelled   RunStatus = "cancelled"
	RunInterrupted RunStatus = "interrupted"
)

// Run is one submitted root task as recorded in the database.
type Run struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Content     string     `json:"content"`
	Status      RunStatus  `json:"status"`
	Result      string     `json:"result"`
	Reason      string     `json:"reason"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at"`
}

// CreateRun records a new run. Recording the same ID twice is a no-op.
func (db *DB) CreateRun(r *Run) error {
	status := r.Status
	if status == "" {
		status = RunRunning
	}
	_, err := db.Exec(`
		INSERT OR IGNORE INTO runs (id, description, content, status, started_at)
		VALUES (?, ?, ?, ?, ?)
	`, r.ID, r.Description, r.Content, string(status), formatTime(r.StartedAt))
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// FinishRun records the outcome of a run.
func (db *DB) FinishRun(id string, status RunStatus, result, reason string, at time.Time) error {
	_, err := db.Exec(`
		UPDATE runs SET status = ?, result = ?, reason = ?, finished_at = ?
		WHERE id = ?
	`, string(status), result, reason, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID. It returns nil if the run does not exist.
func (db *DB) GetRun(id string) (*Run, error) {
	row := db.QueryRow(`
		SELECT id, description, content, status, result, reason, started_at, finished_at
		FROM runs WHERE id = ?
	`, id)

	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ListRuns lists runs, newest first, optionally filtered by status.
func (db *DB) ListRuns(status *RunStatus) ([]Run, error) {
	var rows *sql.Rows
	var err error

	if status != nil {
		rows, err = db.Query(`
			SELECT id, description, content, status, result, reason, started_at, finished_at
			FROM runs WHERE status = ? ORDER BY started_at DESC
		`, string(*status))
	} else {
		rows, err = db.Query(`
			SELECT id, description, content, status, result, reason, started_at, finished_at
			FROM runs ORDER BY started_at DESC
		`)
	}
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*Run, error) {
	var r Run
	var startedAt string
	var finishedAt sql.NullString
	if err := s.Scan(&r.ID, &r.Description, &r.Content, &r.Status, &r.Result, &r.Reason, &startedAt, &finishedAt); err != nil {
		return nil, err
	}
	r.StartedAt, _ = parseTime(startedAt)
	r.FinishedAt = parseNullableTime(finishedAt)
	return &r, nil
}

// MarkInterrupted flags runs left in the running state by a process that
// exited without finishing them, and returns their IDs.
func (db *DB) MarkInterrupted() ([]string, error) {
	status := RunRunning
	running, err := db.ListRuns(&status)
	if err != nil {
		return nil, err
	}

	var ids []string
	now := time.Now()
	for _, r := range running {
		if err := db.FinishRun(r.ID, RunInterrupted, "", "process exited before the run finished", now); err != nil {
			return ids, err
		}
		ids = append(ids, r.ID)
	}
	return ids, nil
}
