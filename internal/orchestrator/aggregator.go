package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ShayCichocki/workforce/internal/graph"
	"github.com/ShayCichocki/workforce/internal/worker"
	"github.com/ShayCichocki/workforce/pkg/models"
)

// AggregationPolicy decides how child failures propagate to the parent.
type AggregationPolicy string

const (
	// PolicyAnyFailFailsParent fails the parent when any child did not succeed.
	PolicyAnyFailFailsParent AggregationPolicy = "any-fail-fails-parent"
	// PolicyBestEffort succeeds with the available results and records the
	// missing pieces as warnings. The parent fails only if no child succeeded.
	PolicyBestEffort AggregationPolicy = "best-effort"
)

// Valid returns true if the policy is a known value.
func (p AggregationPolicy) Valid() bool {
	return p == PolicyAnyFailFailsParent || p == PolicyBestEffort
}

// CombineMode decides how child results are merged into the parent result.
type CombineMode string

const (
	// CombineConcat joins results in child order.
	CombineConcat CombineMode = "concat"
	// CombineStructured produces a JSON object keyed by child ID.
	CombineStructured CombineMode = "structured"
	// CombineWorker hands the child results to a designated aggregator worker.
	CombineWorker CombineMode = "worker"
)

// Valid returns true if the mode is a known value.
func (m CombineMode) Valid() bool {
	return m == CombineConcat || m == CombineStructured || m == CombineWorker
}

// NeedsWorker reports whether aggregation calls out to a worker.
func (c *Coordinator) NeedsWorker() bool {
	return c.cfg.Combine == CombineWorker
}

// Aggregate resolves a BLOCKED task whose children are all terminal. It
// returns ErrWorkerUnavailable, leaving the task untouched, when the
// aggregator worker is busy.
func (c *Coordinator) Aggregate(ctx context.Context, taskID string) (*models.Task, error) {
	task, err := c.store.Get(taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != models.TaskStatusBlocked || task.IsLeaf() {
		return nil, fmt.Errorf("aggregate %s while %s: %w", taskID, task.Status, ErrIllegalTransition)
	}

	children := c.store.Children(taskID)
	var succeeded, failed []*models.Task
	for _, child := range children {
		switch {
		case child.Status == models.TaskStatusSucceeded:
			succeeded = append(succeeded, child)
		case child.Status.Terminal():
			failed = append(failed, child)
		default:
			return nil, fmt.Errorf("aggregate %s: subtask %s is %s: %w", taskID, child.ID, child.Status, ErrIllegalTransition)
		}
	}

	if len(failed) > 0 && (c.cfg.Policy == PolicyAnyFailFailsParent || len(succeeded) == 0) {
		return c.store.Transition(taskID, models.TaskStatusFailed, graph.Payload{
			Reason: failureChain(failed[0]),
		})
	}

	var warnings []string
	for _, f := range failed {
		warnings = append(warnings, failureChain(f))
	}

	result, err := c.combine(ctx, task, succeeded)
	if err != nil {
		if isUnavailable(err) {
			return nil, err
		}
		return c.store.Transition(taskID, models.TaskStatusFailed, graph.Payload{Reason: err.Error()})
	}

	return c.store.Transition(taskID, models.TaskStatusSucceeded, graph.Payload{
		Result:   result,
		Warnings: warnings,
	})
}

// PartialAggregate builds the payload for cancelling a task during a
// shutdown drain: the results of the children that succeeded plus a note of
// how many were cancelled. Children must already be terminal.
func (c *Coordinator) PartialAggregate(taskID string) graph.Payload {
	children := c.store.Children(taskID)

	var succeeded []*models.Task
	var warnings []string
	cancelled := 0
	for _, child := range children {
		switch child.Status {
		case models.TaskStatusSucceeded:
			succeeded = append(succeeded, child)
		case models.TaskStatusCancelled:
			cancelled++
		case models.TaskStatusFailed:
			warnings = append(warnings, failureChain(child))
		}
	}

	note := fmt.Sprintf("%d subtasks cancelled", cancelled)
	result, _ := combineLocal(c.cfg.Combine, succeeded)
	return graph.Payload{
		Result:   result,
		Reason:   fmt.Sprintf("%s: %s", ErrShutdownTimeout, note),
		Warnings: append([]string{note}, warnings...),
	}
}

// combine merges succeeded child results according to the combine mode.
func (c *Coordinator) combine(ctx context.Context, task *models.Task, succeeded []*models.Task) (string, error) {
	if c.cfg.Combine != CombineWorker {
		return combineLocal(c.cfg.Combine, succeeded)
	}

	lease, err := c.registry.Acquire(c.cfg.AggregatorWorker, task.ID)
	if err != nil {
		return "", err
	}
	defer lease.Release()

	results := make(map[string]string, len(succeeded))
	for _, child := range succeeded {
		results[child.ID] = child.Result
	}
	out, err := lease.Processor().Process(ctx, worker.Request{
		TaskID:       task.ID,
		Content:      task.Content,
		Context:      task.Context,
		Dependencies: results,
		Attempt:      1,
	})
	if err != nil {
		return "", fmt.Errorf("aggregator %s: %w", lease.WorkerID, err)
	}
	return out, nil
}

// combineLocal merges results without calling a worker. Worker mode falls
// back to concatenation.
func combineLocal(mode CombineMode, succeeded []*models.Task) (string, error) {
	if mode == CombineStructured {
		results := make(map[string]string, len(succeeded))
		for _, child := range succeeded {
			results[child.ID] = child.Result
		}
		data, err := json.Marshal(results)
		if err != nil {
			return "", fmt.Errorf("marshal results: %w", err)
		}
		return string(data), nil
	}

	parts := make([]string, 0, len(succeeded))
	for _, child := range succeeded {
		parts = append(parts, child.Result)
	}
	return strings.Join(parts, "\n\n"), nil
}

// failureChain prefixes a child's reason with its ID, so chains read from
// the parent down to the first failing leaf.
func failureChain(child *models.Task) string {
	reason := child.FailureReason
	if reason == "" {
		reason = string(child.Status)
	}
	return fmt.Sprintf("subtask %s: %s", child.ID, reason)
}

func isUnavailable(err error) bool {
	return errors.Is(err, ErrWorkerUnavailable)
}
