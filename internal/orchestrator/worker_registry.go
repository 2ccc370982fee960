package orchestrator

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"

	"github.com/ShayCichocki/workforce/internal/worker"
	"github.com/ShayCichocki/workforce/pkg/models"
)

// registeredWorker pairs the worker's public state with its processor.
type registeredWorker struct {
	info models.Worker
	proc worker.Processor
}

// WorkerRegistry holds the worker pool and hands out exclusive leases.
// It is safe for concurrent use.
type WorkerRegistry struct {
	// workers maps worker IDs to registered workers.
	workers map[string]*registeredWorker
	// matcher ranks workers against task intents.
	matcher Matcher
	// changed is closed and replaced whenever a worker becomes available.
	changed chan struct{}
	// mu protects all fields.
	mu sync.RWMutex
}

// NewWorkerRegistry creates an empty registry. A nil matcher uses KeywordMatcher.
func NewWorkerRegistry(matcher Matcher) *WorkerRegistry {
	if matcher == nil {
		matcher = KeywordMatcher{}
	}
	return &WorkerRegistry{
		workers: make(map[string]*registeredWorker),
		matcher: matcher,
		changed: make(chan struct{}),
	}
}

// SetMatcher swaps the scoring strategy.
func (r *WorkerRegistry) SetMatcher(m Matcher) {
	if m == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.matcher = m
}

// Register adds an idle worker under the given ID.
func (r *WorkerRegistry) Register(id, description string, proc worker.Processor) error {
	if id == "" {
		return fmt.Errorf("register worker: empty id")
	}
	if proc == nil {
		return fmt.Errorf("register worker %s: nil processor", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workers[id]; exists {
		return fmt.Errorf("register worker %s: %w", id, ErrDuplicateWorker)
	}
	r.workers[id] = &registeredWorker{
		info: models.Worker{
			ID:           id,
			Description:  description,
			Status:       models.WorkerStatusIdle,
			RegisteredAt: time.Now(),
		},
		proc: proc,
	}
	debugLog("[registry] registered worker %s: %s", id, description)
	r.notifyLocked()
	return nil
}

// RegisterWorker adds a worker under a generated ID and returns the ID.
func (r *WorkerRegistry) RegisterWorker(description string, proc worker.Processor) (string, error) {
	id := "worker-" + uuid.New().String()[:8]
	if err := r.Register(id, description, proc); err != nil {
		return "", err
	}
	return id, nil
}

// Unregister removes an idle worker. A worker holding a lease is never removed.
func (r *WorkerRegistry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		return fmt.Errorf("unregister worker %s: %w", id, ErrWorkerUnavailable)
	}
	if w.info.Status == models.WorkerStatusBusy {
		return fmt.Errorf("unregister worker %s: %w", id, ErrWorkerBusy)
	}
	delete(r.workers, id)
	return nil
}

// CandidateFilter narrows the candidate set for a task.
type CandidateFilter struct {
	// Pattern is a doublestar glob over worker IDs; empty matches all.
	Pattern string
	// Exclude lists worker IDs to skip.
	Exclude []string
}

// Candidate is a worker ranked for a task.
type Candidate struct {
	Worker models.Worker
	Score  float64
}

// FindCandidates returns every worker passing the filter, busy or idle,
// ranked by match score with ties broken by ascending ID.
func (r *WorkerRegistry) FindCandidates(intent string, filter CandidateFilter) []Candidate {
	excluded := make(map[string]bool, len(filter.Exclude))
	for _, id := range filter.Exclude {
		excluded[id] = true
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	candidates := make([]Candidate, 0, len(r.workers))
	for id, w := range r.workers {
		if excluded[id] {
			continue
		}
		if filter.Pattern != "" {
			ok, err := doublestar.Match(filter.Pattern, id)
			if err != nil || !ok {
				continue
			}
		}
		candidates = append(candidates, Candidate{
			Worker: w.info,
			Score:  r.matcher.Score(intent, w.info.Description),
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].Worker.ID < candidates[j].Worker.ID
	})
	return candidates
}

// Lease is exclusive use of one worker. Release must be called exactly once
// per lease; further calls are no-ops.
type Lease struct {
	WorkerID string
	TaskID   string

	proc     worker.Processor
	registry *WorkerRegistry
	once     sync.Once
}

// Processor returns the leased worker's processor.
func (l *Lease) Processor() worker.Processor {
	return l.proc
}

// Release returns the worker to the idle pool.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.registry.Release(l.WorkerID)
	})
}

// Acquire atomically marks an idle worker busy on taskID.
func (r *WorkerRegistry) Acquire(id, taskID string) (*Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		return nil, fmt.Errorf("acquire unknown worker %s: %w", id, ErrWorkerUnavailable)
	}
	if w.info.Status == models.WorkerStatusBusy {
		return nil, fmt.Errorf("acquire worker %s busy on %s: %w", id, w.info.CurrentTask, ErrWorkerUnavailable)
	}
	w.info.Status = models.WorkerStatusBusy
	w.info.CurrentTask = taskID
	debugLog("[registry] worker %s acquired for %s", id, taskID)
	return &Lease{WorkerID: id, TaskID: taskID, proc: w.proc, registry: r}, nil
}

// Release marks a worker idle and wakes waiters on Changed. Releasing an
// idle or unknown worker is a no-op. Lease holders call Lease.Release, which
// releases at most once.
func (r *WorkerRegistry) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok || w.info.Status == models.WorkerStatusIdle {
		return
	}
	w.info.Status = models.WorkerStatusIdle
	w.info.CurrentTask = ""
	debugLog("[registry] worker %s released", id)
	r.notifyLocked()
}

// notifyLocked wakes everything waiting on Changed. Caller must hold r.mu.
func (r *WorkerRegistry) notifyLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}

// Changed returns a channel closed the next time a worker becomes available.
func (r *WorkerRegistry) Changed() <-chan struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.changed
}

// Get returns a snapshot of a worker.
func (r *WorkerRegistry) Get(id string) (models.Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	if !ok {
		return models.Worker{}, false
	}
	return w.info, true
}

// Workers returns snapshots of all workers sorted by ID.
func (r *WorkerRegistry) Workers() []models.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	workers := make([]models.Worker, 0, len(r.workers))
	for _, w := range r.workers {
		workers = append(workers, w.info)
	}
	sort.Slice(workers, func(i, j int) bool { return workers[i].ID < workers[j].ID })
	return workers
}

// BusyCount returns the number of workers holding a lease.
func (r *WorkerRegistry) BusyCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, w := range r.workers {
		if w.info.Status == models.WorkerStatusBusy {
			n++
		}
	}
	return n
}

// Count returns the number of registered workers.
func (r *WorkerRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}
