package telemetry

import (
	"sort"
	"time"

	"github.com/ShayCichocki/workforce/pkg/models"
)

// Attempt is one dispatch of a task to a worker, closed by its outcome.
type Attempt struct {
	WorkerID  string        `json:"worker_id"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	// Outcome is the event that closed the attempt: SUCCEEDED, FAILED,
	// RETRIED or CANCELLED.
	Outcome models.EventKind `json:"outcome"`
}

// TaskView is a task as rebuilt from its events.
type TaskView struct {
	ID        string            `json:"id"`
	RootID    string            `json:"root_id"`
	ParentID  string            `json:"parent_id,omitempty"`
	Content   string            `json:"content"`
	DependsOn []string          `json:"depends_on,omitempty"`
	Children  []string          `json:"children,omitempty"`
	Status    models.TaskStatus `json:"status"`
	// Worker is the last worker assigned.
	Worker   string `json:"worker,omitempty"`
	Attempts int    `json:"attempts"`
	// Retries counts attempts that failed and were re-queued.
	Retries int `json:"retries"`
	// Redecompositions counts failed tasks reopened for a finer plan.
	Redecompositions int       `json:"redecompositions"`
	Result           string    `json:"result,omitempty"`
	Reason           string    `json:"reason,omitempty"`
	History          []Attempt `json:"history,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	EndedAt          time.Time `json:"ended_at,omitempty"`

	open *Attempt
}

// Latency is the time from creation to the terminal event, zero while the
// task is still live.
func (v *TaskView) Latency() time.Duration {
	if v.EndedAt.IsZero() || v.CreatedAt.IsZero() {
		return 0
	}
	return v.EndedAt.Sub(v.CreatedAt)
}

// Snapshot is the state of every task seen in an event sequence.
type Snapshot struct {
	Tasks map[string]*TaskView `json:"tasks"`
	// Order lists task IDs in creation order.
	Order []string `json:"order"`
	Roots []string `json:"roots"`
}

// Task returns the view for id, or nil.
func (s *Snapshot) Task(id string) *TaskView {
	return s.Tasks[id]
}

// Subtree returns the views under rootID (inclusive) in creation order.
func (s *Snapshot) Subtree(rootID string) []*TaskView {
	var out []*TaskView
	for _, id := range s.Order {
		if v := s.Tasks[id]; v.RootID == rootID || v.ID == rootID {
			out = append(out, v)
		}
	}
	return out
}

// Reconstruct replays events in sequence order. It needs no live state;
// events for tasks whose CREATED event is missing produce placeholder views.
func Reconstruct(events []models.Event) *Snapshot {
	sorted := append([]models.Event(nil), events...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Seq < sorted[j].Seq
	})

	snap := &Snapshot{Tasks: make(map[string]*TaskView)}
	for _, ev := range sorted {
		snap.apply(ev)
	}
	return snap
}

func (s *Snapshot) view(ev models.Event) *TaskView {
	if v, ok := s.Tasks[ev.TaskID]; ok {
		return v
	}
	v := &TaskView{
		ID:        ev.TaskID,
		RootID:    ev.RootID,
		ParentID:  ev.ParentID,
		CreatedAt: ev.Timestamp,
	}
	s.Tasks[v.ID] = v
	s.Order = append(s.Order, v.ID)
	if v.ParentID == "" {
		s.Roots = append(s.Roots, v.ID)
	} else if parent, ok := s.Tasks[v.ParentID]; ok {
		parent.Children = append(parent.Children, v.ID)
	}
	return v
}

func (s *Snapshot) apply(ev models.Event) {
	v := s.view(ev)
	if ev.Status != "" {
		v.Status = ev.Status
	}
	if ev.Attempt > v.Attempts {
		v.Attempts = ev.Attempt
	}

	switch ev.Kind {
	case models.EventCreated:
		v.Content = ev.Content
		v.DependsOn = append([]string(nil), ev.DependsOn...)
		v.CreatedAt = ev.Timestamp
	case models.EventAssigned:
		v.Worker = ev.WorkerID
	case models.EventStarted:
		if ev.WorkerID != "" {
			v.Worker = ev.WorkerID
		}
		v.open = &Attempt{WorkerID: v.Worker, StartedAt: ev.Timestamp}
	case models.EventRetried:
		if v.open != nil {
			v.Retries++
		} else {
			v.Redecompositions++
		}
		v.closeAttempt(ev)
		v.Reason = ev.Detail
	case models.EventBlocked:
		v.Reason = ev.Detail
	case models.EventSucceeded:
		v.closeAttempt(ev)
		v.Result = ev.Detail
		v.Reason = ""
		v.EndedAt = ev.Timestamp
	case models.EventFailed, models.EventCancelled:
		v.closeAttempt(ev)
		v.Reason = ev.Detail
		v.EndedAt = ev.Timestamp
	}
}

func (v *TaskView) closeAttempt(ev models.Event) {
	if v.open == nil {
		return
	}
	a := *v.open
	a.Duration = ev.Timestamp.Sub(a.StartedAt)
	a.Outcome = ev.Kind
	v.History = append(v.History, a)
	v.open = nil
}
