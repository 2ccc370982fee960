// Package graph provides the task store: a flat arena of tasks with explicit
// parent/child and dependency edges, and the task state machine.
package graph

import (
	"errors"
	"fmt"
	"iter"
	"strconv"
	"sync"
	"time"

	"github.com/ShayCichocki/workforce/pkg/models"
)

var (
	// ErrCycleDetected indicates a circular wait was found in the task graph.
	ErrCycleDetected = errors.New("circular dependency detected")
	// ErrTaskNotFound indicates the referenced task does not exist.
	ErrTaskNotFound = errors.New("task not found")
	// ErrDuplicateTask indicates a task with the same ID already exists.
	ErrDuplicateTask = errors.New("task already exists")
	// ErrInvalidDependency indicates a malformed decomposition: a dependency that
	// is unknown, outside the task's tree, or would create a circular wait.
	ErrInvalidDependency = errors.New("invalid dependency")
	// ErrIllegalTransition indicates a state machine violation.
	ErrIllegalTransition = errors.New("illegal transition")
)

// Observer receives one event per store mutation. It is called while the
// store lock is held and must not call back into the store.
type Observer func(models.Event)

// TaskSpec describes a task to insert.
type TaskSpec struct {
	Content       string
	Context       map[string]string
	DependsOn     []string
	WorkerPattern string
}

// Payload carries the data attached to a transition.
type Payload struct {
	// WorkerID binds a worker on OPEN->RUNNING.
	WorkerID string
	// Result is stored on SUCCEEDED and on partial CANCELLED aggregates.
	Result string
	// Reason is stored on FAILED/CANCELLED and recorded on RETRIED/BLOCKED.
	Reason string
	// Warnings are attached by best-effort aggregation.
	Warnings []string
}

// transitions lists the legal moves of the task state machine.
var transitions = map[models.TaskStatus][]models.TaskStatus{
	models.TaskStatusCreated: {models.TaskStatusOpen},
	models.TaskStatusOpen:    {models.TaskStatusRunning, models.TaskStatusBlocked, models.TaskStatusCancelled},
	models.TaskStatusRunning: {models.TaskStatusSucceeded, models.TaskStatusFailed, models.TaskStatusOpen, models.TaskStatusCancelled},
	models.TaskStatusBlocked: {models.TaskStatusSucceeded, models.TaskStatusFailed, models.TaskStatusCancelled},
	models.TaskStatusFailed:  {models.TaskStatusOpen},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to models.TaskStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Store owns the task graph. All methods are safe for concurrent use and
// every mutation is linearizable.
type Store struct {
	mu sync.RWMutex
	// nodes maps task ID to the task itself.
	nodes map[string]*models.Task
	// order keeps creation order for deterministic iteration.
	order []string
	// dependents maps task ID to IDs of tasks that depend on it.
	dependents map[string][]string
	// observer receives events for every mutation.
	observer Observer
	// lastTS keeps timestamps strictly increasing.
	lastTS time.Time
	now    func() time.Time
	// debugLog is an optional logging function.
	debugLog func(format string, args ...interface{})
}

// New creates a new empty task store.
func New() *Store {
	return &Store{
		nodes:      make(map[string]*models.Task),
		dependents: make(map[string][]string),
		now:        time.Now,
		debugLog:   func(format string, args ...interface{}) {}, // no-op by default
	}
}

// SetObserver sets the function receiving store events.
func (s *Store) SetObserver(fn Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = fn
}

// SetDebugLog sets the debug logging function.
func (s *Store) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		s.mu.Lock()
		s.debugLog = fn
		s.mu.Unlock()
	}
}

// CreateRoot inserts a root task in state OPEN.
func (s *Store) CreateRoot(id string, spec TaskSpec) (*models.Task, error) {
	if id == "" {
		return nil, fmt.Errorf("create root: empty id")
	}
	if len(spec.DependsOn) > 0 {
		return nil, fmt.Errorf("root %s: %w: roots cannot have dependencies", id, ErrInvalidDependency)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.nodes[id]; exists {
		return nil, fmt.Errorf("root %s: %w", id, ErrDuplicateTask)
	}

	task := s.insertLocked(id, id, nil, spec)
	return task.Clone(), nil
}

// CreateTask inserts a child of parentID in state OPEN. The child ID is
// derived from the parent ID and the child's position, so identical
// decompositions produce identical IDs. The parent must be OPEN.
func (s *Store) CreateTask(parentID string, spec TaskSpec) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parent, ok := s.nodes[parentID]
	if !ok {
		return nil, fmt.Errorf("parent %s: %w", parentID, ErrTaskNotFound)
	}
	if parent.Status != models.TaskStatusOpen {
		return nil, fmt.Errorf("parent %s is %s: %w", parentID, parent.Status, ErrIllegalTransition)
	}

	id := parentID + "." + strconv.Itoa(len(parent.Children)+1)
	if _, exists := s.nodes[id]; exists {
		return nil, fmt.Errorf("task %s: %w", id, ErrDuplicateTask)
	}

	if err := s.validateDependenciesLocked(parent, spec.DependsOn); err != nil {
		return nil, err
	}

	task := s.insertLocked(id, parent.RootID, parent, spec)
	return task.Clone(), nil
}

// validateDependenciesLocked checks that a new child of parent may depend on deps.
// Caller must hold s.mu.
func (s *Store) validateDependenciesLocked(parent *models.Task, deps []string) error {
	// The new task is waited on by every ancestor, so a dependency that can
	// reach an ancestor would close a circular wait.
	ancestors := map[string]bool{}
	for cur := parent; cur != nil; cur = s.nodes[cur.ParentID] {
		ancestors[cur.ID] = true
		if cur.ParentID == "" {
			break
		}
	}

	seen := map[string]bool{}
	for _, depID := range deps {
		if seen[depID] {
			return fmt.Errorf("duplicate dependency %s: %w", depID, ErrInvalidDependency)
		}
		seen[depID] = true

		dep, ok := s.nodes[depID]
		if !ok {
			return fmt.Errorf("unknown task %s: %w", depID, ErrInvalidDependency)
		}
		if dep.RootID != parent.RootID {
			return fmt.Errorf("task %s belongs to root %s, not %s: %w", depID, dep.RootID, parent.RootID, ErrInvalidDependency)
		}
		if s.reachesLocked(depID, ancestors) {
			return fmt.Errorf("dependency %s waits on an ancestor: %w: %w", depID, ErrInvalidDependency, ErrCycleDetected)
		}
	}
	return nil
}

// reachesLocked reports whether start can reach any target by following
// dependency edges and parent-waits-on-child edges.
func (s *Store) reachesLocked(start string, targets map[string]bool) bool {
	visited := make(map[string]bool)
	var visit func(id string) bool
	visit = func(id string) bool {
		if targets[id] {
			return true
		}
		if visited[id] {
			return false
		}
		visited[id] = true
		node := s.nodes[id]
		if node == nil {
			return false
		}
		for _, next := range node.DependsOn {
			if visit(next) {
				return true
			}
		}
		for _, next := range node.Children {
			if visit(next) {
				return true
			}
		}
		return false
	}
	return visit(start)
}

// insertLocked adds a task and emits CREATED. Caller must hold s.mu.
func (s *Store) insertLocked(id, rootID string, parent *models.Task, spec TaskSpec) *models.Task {
	task := &models.Task{
		ID:            id,
		RootID:        rootID,
		Content:       spec.Content,
		DependsOn:     append([]string(nil), spec.DependsOn...),
		Status:        models.TaskStatusCreated,
		WorkerPattern: spec.WorkerPattern,
		CreatedAt:     s.tickLocked(),
	}
	if len(spec.Context) > 0 {
		task.Context = make(map[string]string, len(spec.Context))
		for k, v := range spec.Context {
			task.Context[k] = v
		}
	}
	if parent != nil {
		task.ParentID = parent.ID
		task.Depth = parent.Depth + 1
		parent.Children = append(parent.Children, id)
	}

	s.nodes[id] = task
	s.order = append(s.order, id)
	for _, depID := range task.DependsOn {
		s.dependents[depID] = append(s.dependents[depID], id)
	}

	task.Status = models.TaskStatusOpen
	s.debugLog("[graph.CreateTask] created %s (parent=%q depends_on=%v)", id, task.ParentID, task.DependsOn)
	s.emitLocked(task, models.EventCreated, task.CreatedAt, "")
	return task
}

// Transition moves a task to a new status, enforcing the state machine.
// It returns a copy of the updated task.
func (s *Store) Transition(id string, to models.TaskStatus, p Payload) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.nodes[id]
	if !ok {
		return nil, fmt.Errorf("transition %s: %w", id, ErrTaskNotFound)
	}
	from := task.Status
	if !CanTransition(from, to) {
		return nil, fmt.Errorf("task %s %s -> %s: %w", id, from, to, ErrIllegalTransition)
	}

	if err := s.checkGuardsLocked(task, from, to, p); err != nil {
		return nil, err
	}

	ts := s.tickLocked()
	kind := eventKindFor(from, to)
	detail := p.Reason
	worker := task.AssignedWorker

	switch to {
	case models.TaskStatusRunning:
		if p.WorkerID != "" {
			task.AssignedWorker = p.WorkerID
			worker = p.WorkerID
		}
		task.Attempts++
		task.StartedAt = &ts
		task.EndedAt = nil
		detail = ""
	case models.TaskStatusSucceeded:
		task.Result = p.Result
		task.Warnings = append([]string(nil), p.Warnings...)
		task.FailureReason = ""
		task.EndedAt = &ts
		detail = p.Result
	case models.TaskStatusFailed:
		task.FailureReason = p.Reason
		task.EndedAt = &ts
	case models.TaskStatusCancelled:
		task.FailureReason = p.Reason
		task.Result = p.Result
		task.Warnings = append([]string(nil), p.Warnings...)
		task.EndedAt = &ts
	case models.TaskStatusOpen:
		// Retry or re-decomposition: the next attempt may go to another worker.
		task.AssignedWorker = ""
		task.FailureReason = ""
		task.EndedAt = nil
	case models.TaskStatusBlocked:
	}
	task.Status = to

	s.debugLog("[graph.Transition] %s: %s -> %s (%s)", id, from, to, detail)
	s.emitWorkerLocked(task, kind, ts, worker, detail)
	return task.Clone(), nil
}

// checkGuardsLocked enforces the preconditions attached to individual transitions.
// Caller must hold s.mu.
func (s *Store) checkGuardsLocked(task *models.Task, from, to models.TaskStatus, p Payload) error {
	switch {
	case to == models.TaskStatusRunning:
		if !task.IsLeaf() {
			return fmt.Errorf("task %s has subtasks and cannot run on a worker: %w", task.ID, ErrIllegalTransition)
		}
		if p.WorkerID == "" && task.AssignedWorker == "" {
			return fmt.Errorf("task %s has no acquired worker: %w", task.ID, ErrIllegalTransition)
		}
		for _, depID := range task.DependsOn {
			dep := s.nodes[depID]
			if dep == nil || dep.Status != models.TaskStatusSucceeded {
				return fmt.Errorf("task %s dependency %s not succeeded: %w", task.ID, depID, ErrIllegalTransition)
			}
		}
	case from == models.TaskStatusBlocked && to == models.TaskStatusSucceeded:
		if task.IsLeaf() {
			return fmt.Errorf("task %s has no subtasks to aggregate: %w", task.ID, ErrIllegalTransition)
		}
		if !s.allChildrenTerminalLocked(task) {
			return fmt.Errorf("task %s has unfinished subtasks: %w", task.ID, ErrIllegalTransition)
		}
	case from == models.TaskStatusFailed && to == models.TaskStatusOpen:
		if !task.IsLeaf() {
			return fmt.Errorf("task %s already decomposed: %w", task.ID, ErrIllegalTransition)
		}
	}
	return nil
}

// eventKindFor maps a transition to the telemetry event it produces.
func eventKindFor(from, to models.TaskStatus) models.EventKind {
	switch to {
	case models.TaskStatusRunning:
		return models.EventStarted
	case models.TaskStatusSucceeded:
		return models.EventSucceeded
	case models.TaskStatusFailed:
		return models.EventFailed
	case models.TaskStatusBlocked:
		return models.EventBlocked
	case models.TaskStatusCancelled:
		return models.EventCancelled
	case models.TaskStatusOpen:
		if from == models.TaskStatusCreated {
			return models.EventCreated
		}
		return models.EventRetried
	}
	return models.EventKind(to)
}

// Assign binds a worker to an OPEN task and emits ASSIGNED.
func (s *Store) Assign(id, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.nodes[id]
	if !ok {
		return fmt.Errorf("assign %s: %w", id, ErrTaskNotFound)
	}
	if task.Status != models.TaskStatusOpen {
		return fmt.Errorf("assign %s while %s: %w", id, task.Status, ErrIllegalTransition)
	}
	task.AssignedWorker = workerID
	s.emitWorkerLocked(task, models.EventAssigned, s.tickLocked(), workerID, "")
	return nil
}

// ExcludeWorker removes a worker from the task's future candidates.
func (s *Store) ExcludeWorker(id, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.nodes[id]
	if !ok {
		return fmt.Errorf("exclude worker on %s: %w", id, ErrTaskNotFound)
	}
	for _, w := range task.ExcludedWorkers {
		if w == workerID {
			return nil
		}
	}
	task.ExcludedWorkers = append(task.ExcludedWorkers, workerID)
	return nil
}

// MarkDecomposed records that the coordinator has planned this task.
func (s *Store) MarkDecomposed(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.nodes[id]
	if !ok {
		return fmt.Errorf("mark decomposed %s: %w", id, ErrTaskNotFound)
	}
	task.Decomposed = true
	return nil
}

// ReadyTasks returns a lazy sequence of task IDs under rootID that may start:
// status OPEN, every dependency SUCCEEDED, and the parent (if any) BLOCKED
// waiting on its subtasks. An empty rootID covers all trees. Readiness is
// evaluated as each ID is produced, so the sequence reflects mutations made
// while it is consumed; it is meant to be consumed once per scheduling pass.
func (s *Store) ReadyTasks(rootID string) iter.Seq[string] {
	return func(yield func(string) bool) {
		for i := 0; ; i++ {
			s.mu.RLock()
			if i >= len(s.order) {
				s.mu.RUnlock()
				return
			}
			id := s.order[i]
			ready := s.isReadyLocked(s.nodes[id], rootID)
			s.mu.RUnlock()

			if ready && !yield(id) {
				return
			}
		}
	}
}

// isReadyLocked reports whether a task may be scheduled. Caller must hold s.mu.
func (s *Store) isReadyLocked(task *models.Task, rootID string) bool {
	if task == nil || task.Status != models.TaskStatusOpen {
		return false
	}
	if rootID != "" && task.RootID != rootID {
		return false
	}
	if !task.IsRoot() {
		parent := s.nodes[task.ParentID]
		if parent == nil || parent.Status != models.TaskStatusBlocked {
			return false
		}
	}
	for _, depID := range task.DependsOn {
		dep := s.nodes[depID]
		if dep == nil || dep.Status != models.TaskStatusSucceeded {
			return false
		}
	}
	return true
}

// Get returns a copy of the task with the given ID.
func (s *Store) Get(id string) (*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.nodes[id]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", id, ErrTaskNotFound)
	}
	return task.Clone(), nil
}

// Children returns copies of a task's subtasks in creation order.
func (s *Store) Children(id string) []*models.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.nodes[id]
	if !ok {
		return nil
	}
	children := make([]*models.Task, 0, len(task.Children))
	for _, childID := range task.Children {
		if child := s.nodes[childID]; child != nil {
			children = append(children, child.Clone())
		}
	}
	return children
}

// Dependents returns the IDs of tasks that depend on the given task.
func (s *Store) Dependents(id string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.dependents[id]...)
}

// DependencyResults returns the results of a task's dependencies keyed by ID.
func (s *Store) DependencyResults(id string) map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.nodes[id]
	if !ok || len(task.DependsOn) == 0 {
		return nil
	}
	results := make(map[string]string, len(task.DependsOn))
	for _, depID := range task.DependsOn {
		if dep := s.nodes[depID]; dep != nil {
			results[depID] = dep.Result
		}
	}
	return results
}

// Tasks returns copies of every task under rootID in creation order.
func (s *Store) Tasks(rootID string) []*models.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var tasks []*models.Task
	for _, id := range s.order {
		if task := s.nodes[id]; task.RootID == rootID {
			tasks = append(tasks, task.Clone())
		}
	}
	return tasks
}

// AllChildrenTerminal reports whether a task has subtasks and all of them
// reached a terminal status.
func (s *Store) AllChildrenTerminal(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.nodes[id]
	if !ok || task.IsLeaf() {
		return false
	}
	return s.allChildrenTerminalLocked(task)
}

func (s *Store) allChildrenTerminalLocked(task *models.Task) bool {
	for _, childID := range task.Children {
		child := s.nodes[childID]
		if child == nil || !child.Status.Terminal() {
			return false
		}
	}
	return true
}

// Size returns the number of tasks in the store.
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

// Remove tears down a whole tree once its root is terminal.
func (s *Store) Remove(rootID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	root, ok := s.nodes[rootID]
	if !ok {
		return fmt.Errorf("remove %s: %w", rootID, ErrTaskNotFound)
	}
	if !root.Status.Terminal() {
		return fmt.Errorf("remove %s while %s: %w", rootID, root.Status, ErrIllegalTransition)
	}

	kept := s.order[:0]
	for _, id := range s.order {
		if s.nodes[id].RootID == rootID {
			delete(s.nodes, id)
			delete(s.dependents, id)
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	return nil
}

// Validate checks the tree under rootID for circular waits, following both
// dependency edges and parent-waits-on-child edges.
func (s *Store) Validate(rootID string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.hasCycleLocked(rootID) {
		return fmt.Errorf("tree %s: %w", rootID, ErrCycleDetected)
	}
	return nil
}

// hasCycleLocked runs a colouring DFS over one tree. Caller must hold s.mu.
func (s *Store) hasCycleLocked(rootID string) bool {
	// Color states: 0 = white (unvisited), 1 = gray (in progress), 2 = black (done).
	colors := make(map[string]int)

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1

		node := s.nodes[id]
		next := append(append([]string(nil), node.DependsOn...), node.Children...)
		for _, n := range next {
			switch colors[n] {
			case 1:
				return true
			case 0:
				if _, ok := s.nodes[n]; ok && visit(n) {
					return true
				}
			}
		}

		colors[id] = 2
		return false
	}

	for _, id := range s.order {
		if s.nodes[id].RootID != rootID {
			continue
		}
		if colors[id] == 0 && visit(id) {
			return true
		}
	}
	return false
}

// tickLocked returns a timestamp strictly after the previous one.
// Caller must hold s.mu.
func (s *Store) tickLocked() time.Time {
	ts := s.now()
	if !ts.After(s.lastTS) {
		ts = s.lastTS.Add(time.Nanosecond)
	}
	s.lastTS = ts
	return ts
}

func (s *Store) emitLocked(task *models.Task, kind models.EventKind, ts time.Time, detail string) {
	s.emitWorkerLocked(task, kind, ts, task.AssignedWorker, detail)
}

func (s *Store) emitWorkerLocked(task *models.Task, kind models.EventKind, ts time.Time, workerID, detail string) {
	if s.observer == nil {
		return
	}
	ev := models.Event{
		Timestamp: ts,
		RootID:    task.RootID,
		TaskID:    task.ID,
		ParentID:  task.ParentID,
		WorkerID:  workerID,
		Kind:      kind,
		Status:    task.Status,
		Attempt:   task.Attempts,
		Detail:    detail,
	}
	if kind == models.EventCreated {
		ev.DependsOn = append([]string(nil), task.DependsOn...)
		ev.Content = task.Content
	}
	s.observer(ev)
}
