package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/ShayCichocki/workforce/internal/graph"
	"github.com/ShayCichocki/workforce/pkg/models"
)

// DefaultMaxDecompositionDepth bounds how deep decomposition may nest.
const DefaultMaxDecompositionDepth = 2

// CoordinatorConfig configures planning and aggregation.
type CoordinatorConfig struct {
	// MaxDecompositionDepth is the depth at and below which tasks are never
	// decomposed. The root has depth 0.
	MaxDecompositionDepth int
	// Policy decides how child failures affect the parent.
	Policy AggregationPolicy
	// Combine decides how child results are merged.
	Combine CombineMode
	// AggregatorWorker is the worker used by CombineWorker.
	AggregatorWorker string
}

// Coordinator plans tasks into subtasks, routes them to workers and
// aggregates their results. It mutates state only through the task store
// and the worker registry.
type Coordinator struct {
	store    *graph.Store
	registry *WorkerRegistry
	planner  Decomposer
	fallback Decomposer
	cfg      CoordinatorConfig
}

// NewCoordinator creates a coordinator. planner decomposes fresh tasks;
// fallback re-decomposes failed ones and defaults to planner.
func NewCoordinator(store *graph.Store, registry *WorkerRegistry, planner, fallback Decomposer, cfg CoordinatorConfig) *Coordinator {
	if planner == nil {
		planner = NoDecomposer
	}
	if fallback == nil {
		fallback = planner
	}
	if cfg.MaxDecompositionDepth <= 0 {
		cfg.MaxDecompositionDepth = DefaultMaxDecompositionDepth
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyAnyFailFailsParent
	}
	if cfg.Combine == "" {
		cfg.Combine = CombineConcat
	}
	return &Coordinator{
		store:    store,
		registry: registry,
		planner:  planner,
		fallback: fallback,
		cfg:      cfg,
	}
}

// Config returns the effective configuration.
func (c *Coordinator) Config() CoordinatorConfig {
	return c.cfg
}

// CanDecompose reports whether the depth limit still allows splitting task.
func (c *Coordinator) CanDecompose(task *models.Task) bool {
	return task.IsLeaf() && task.Depth < c.cfg.MaxDecompositionDepth
}

// NeedsDecomposition reports whether task has not been planned yet.
func (c *Coordinator) NeedsDecomposition(task *models.Task) bool {
	return !task.Decomposed && c.CanDecompose(task)
}

// Decompose plans an OPEN task with no children. It returns the number of
// subtasks created; zero means the task runs on a single worker. A task is
// planned at most once.
func (c *Coordinator) Decompose(ctx context.Context, taskID string) (int, error) {
	task, err := c.store.Get(taskID)
	if err != nil {
		return 0, err
	}
	if !task.IsLeaf() {
		return len(task.Children), nil
	}
	if task.Decomposed {
		return 0, nil
	}
	if task.Status != models.TaskStatusOpen {
		return 0, fmt.Errorf("decompose %s while %s: %w", taskID, task.Status, ErrIllegalTransition)
	}
	if err := c.store.MarkDecomposed(taskID); err != nil {
		return 0, err
	}
	if !c.CanDecompose(task) {
		return 0, nil
	}

	subtasks, err := c.planner.Decompose(ctx, task)
	if err != nil {
		return 0, fmt.Errorf("decompose %s: %w", taskID, err)
	}
	if len(subtasks) == 0 {
		return 0, nil
	}
	return c.apply(task, subtasks)
}

// PlanRedecomposition asks the fallback decomposer for a finer plan for a
// task that is about to fail with reason. It returns ErrDecompositionExhausted
// when the depth limit forbids another level.
func (c *Coordinator) PlanRedecomposition(ctx context.Context, taskID, reason string) ([]Subtask, error) {
	task, err := c.store.Get(taskID)
	if err != nil {
		return nil, err
	}
	if !c.CanDecompose(task) {
		return nil, fmt.Errorf("task %s at depth %d: %w", taskID, task.Depth, ErrDecompositionExhausted)
	}
	task.FailureReason = reason

	subtasks, err := c.fallback.Decompose(ctx, task)
	if err != nil {
		return nil, fmt.Errorf("redecompose %s: %w", taskID, err)
	}
	if _, err := orderSubtasks(subtasks); err != nil {
		return nil, fmt.Errorf("redecompose %s: %w", taskID, err)
	}
	return subtasks, nil
}

// Redecompose reopens a FAILED task and splits it with a plan from
// PlanRedecomposition.
func (c *Coordinator) Redecompose(taskID string, subtasks []Subtask) (int, error) {
	if len(subtasks) == 0 {
		return 0, nil
	}
	if _, err := c.store.Transition(taskID, models.TaskStatusOpen, graph.Payload{
		Reason: fmt.Sprintf("re-decomposing into %d subtasks", len(subtasks)),
	}); err != nil {
		return 0, err
	}
	task, err := c.store.Get(taskID)
	if err != nil {
		return 0, err
	}
	return c.apply(task, subtasks)
}

// apply creates the subtasks under task and parks the task in BLOCKED until
// they finish. Keys resolve to the deterministic IDs <task>.<n>.
func (c *Coordinator) apply(task *models.Task, subtasks []Subtask) (int, error) {
	ordered, err := orderSubtasks(subtasks)
	if err != nil {
		return 0, fmt.Errorf("decompose %s: %w", task.ID, err)
	}

	ids := make(map[string]string, len(ordered))
	for i, st := range ordered {
		ids[st.Key] = fmt.Sprintf("%s.%d", task.ID, i+1)
	}

	for _, st := range ordered {
		deps := make([]string, len(st.DependsOn))
		for j, key := range st.DependsOn {
			deps[j] = ids[key]
		}
		child, err := c.store.CreateTask(task.ID, graph.TaskSpec{
			Content:       st.Content,
			Context:       mergeContext(task.Context, st.Context),
			DependsOn:     deps,
			WorkerPattern: st.WorkerPattern,
		})
		if err != nil {
			return 0, fmt.Errorf("decompose %s: %w", task.ID, err)
		}
		if child.ID != ids[st.Key] {
			return 0, fmt.Errorf("decompose %s: created %s, expected %s: %w", task.ID, child.ID, ids[st.Key], ErrIllegalTransition)
		}
	}
	if err := c.store.Validate(task.RootID); err != nil {
		return 0, fmt.Errorf("decompose %s: %w: %w", task.ID, ErrIllegalTransition, err)
	}

	if _, err := c.store.Transition(task.ID, models.TaskStatusBlocked, graph.Payload{
		Reason: fmt.Sprintf("awaiting %d subtasks", len(ordered)),
	}); err != nil {
		return 0, err
	}
	debugLog("[coordinator] decomposed %s into %d subtasks", task.ID, len(ordered))
	return len(ordered), nil
}

func mergeContext(parent, own map[string]string) map[string]string {
	if len(parent) == 0 && len(own) == 0 {
		return nil
	}
	merged := make(map[string]string, len(parent)+len(own))
	for k, v := range parent {
		merged[k] = v
	}
	for k, v := range own {
		merged[k] = v
	}
	return merged
}

// HasCandidates reports whether any registered worker, busy or idle, may
// take task.
func (c *Coordinator) HasCandidates(task *models.Task) bool {
	return len(c.registry.FindCandidates(task.Content, CandidateFilter{Pattern: task.WorkerPattern})) > 0
}

// Assign binds the highest-ranked idle worker to an OPEN task and returns
// its lease. It returns (nil, nil) when every candidate is busy; the task
// stays OPEN. It returns ErrNoMatchingWorker when no registered worker
// matches at all. When every matching worker is excluded, exclusions are
// ignored so a task never starves on its own history.
func (c *Coordinator) Assign(taskID string) (*Lease, error) {
	task, err := c.store.Get(taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != models.TaskStatusOpen {
		return nil, fmt.Errorf("assign %s while %s: %w", taskID, task.Status, ErrIllegalTransition)
	}

	candidates := c.registry.FindCandidates(task.Content, CandidateFilter{
		Pattern: task.WorkerPattern,
		Exclude: task.ExcludedWorkers,
	})
	if len(candidates) == 0 && len(task.ExcludedWorkers) > 0 {
		candidates = c.registry.FindCandidates(task.Content, CandidateFilter{Pattern: task.WorkerPattern})
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("assign %s: pattern %q: %w", taskID, task.WorkerPattern, ErrNoMatchingWorker)
	}

	for _, cand := range candidates {
		lease, err := c.registry.Acquire(cand.Worker.ID, taskID)
		if errors.Is(err, ErrWorkerUnavailable) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if err := c.store.Assign(taskID, cand.Worker.ID); err != nil {
			lease.Release()
			return nil, err
		}
		debugLog("[coordinator] assigned %s to %s (score %.2f)", taskID, cand.Worker.ID, cand.Score)
		return lease, nil
	}
	return nil, nil
}
