package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/ShayCichocki/workforce/internal/worker"
	"github.com/ShayCichocki/workforce/pkg/models"
)

// Subtask is one step of a decomposition plan.
type Subtask struct {
	// Key identifies the subtask among its siblings. Defaults to its 1-based position.
	Key string `json:"key"`
	// Content is the instruction text.
	Content string `json:"content"`
	// DependsOn lists sibling keys that must succeed first.
	DependsOn []string `json:"depends_on"`
	// WorkerPattern optionally restricts candidate worker IDs by glob.
	WorkerPattern string `json:"worker,omitempty"`
	// Context is merged over the parent's context.
	Context map[string]string `json:"context,omitempty"`
}

// Decomposer splits a task into subtasks. Returning no subtasks marks the
// task as directly executable. Implementations must be deterministic for a
// given task.
type Decomposer interface {
	Decompose(ctx context.Context, task *models.Task) ([]Subtask, error)
}

// DecomposerFunc adapts a plain function to the Decomposer interface.
type DecomposerFunc func(ctx context.Context, task *models.Task) ([]Subtask, error)

// Decompose calls f(ctx, task).
func (f DecomposerFunc) Decompose(ctx context.Context, task *models.Task) ([]Subtask, error) {
	return f(ctx, task)
}

// NoDecomposer treats every task as directly executable.
var NoDecomposer = DecomposerFunc(func(context.Context, *models.Task) ([]Subtask, error) {
	return nil, nil
})

// orderSubtasks fills in missing keys, checks sibling references and returns
// the subtasks in a dependency-respecting order. Among subtasks whose
// dependencies are satisfied, the earliest listed comes first, so the order
// is stable for a given plan.
func orderSubtasks(subtasks []Subtask) ([]Subtask, error) {
	keys := make([]string, len(subtasks))
	deps := make([][]string, len(subtasks))
	for i, st := range subtasks {
		keys[i] = st.Key
		if keys[i] == "" {
			keys[i] = strconv.Itoa(i + 1)
		}
		deps[i] = st.DependsOn
	}

	order, err := orderByDependencies(keys, deps)
	if err != nil {
		return nil, err
	}

	ordered := make([]Subtask, len(order))
	for i, idx := range order {
		st := subtasks[idx]
		st.Key = keys[idx]
		ordered[i] = st
	}
	return ordered, nil
}

// orderByDependencies returns a permutation of indices placing every key
// after the keys it depends on.
func orderByDependencies(keys []string, deps [][]string) ([]int, error) {
	index := make(map[string]int, len(keys))
	for i, k := range keys {
		if _, dup := index[k]; dup {
			return nil, fmt.Errorf("duplicate subtask key %q: %w", k, ErrInvalidDependency)
		}
		index[k] = i
	}
	for i, ds := range deps {
		for _, d := range ds {
			if _, ok := index[d]; !ok {
				return nil, fmt.Errorf("unknown dependency %q for subtask %q: %w", d, keys[i], ErrInvalidDependency)
			}
		}
	}

	placed := make([]bool, len(keys))
	order := make([]int, 0, len(keys))
	for len(order) < len(keys) {
		progressed := false
		for i := range keys {
			if placed[i] {
				continue
			}
			ready := true
			for _, d := range deps[i] {
				if !placed[index[d]] {
					ready = false
					break
				}
			}
			if ready {
				placed[i] = true
				order = append(order, i)
				progressed = true
				break
			}
		}
		if !progressed {
			return nil, fmt.Errorf("%w: %w", validateNoCycles(keys, deps), ErrInvalidDependency)
		}
	}
	return order, nil
}

// validateNoCycles reports the first dependency cycle found among keys.
func validateNoCycles(keys []string, deps [][]string) error {
	index := make(map[string]int, len(keys))
	for i, k := range keys {
		index[k] = i
	}

	// Track visit state: 0=unvisited, 1=visiting, 2=visited
	state := make(map[string]int)

	var visit func(key string, path []string) error
	visit = func(key string, path []string) error {
		if state[key] == 2 {
			return nil
		}
		if state[key] == 1 {
			cycleStart := 0
			for i, p := range path {
				if p == key {
					cycleStart = i
					break
				}
			}
			cycle := append(path[cycleStart:], key)
			return fmt.Errorf("circular dependency detected: %s", strings.Join(cycle, " -> "))
		}

		state[key] = 1
		for _, d := range deps[index[key]] {
			if err := visit(d, append(path, key)); err != nil {
				return err
			}
		}
		state[key] = 2
		return nil
	}

	for _, k := range keys {
		if err := visit(k, nil); err != nil {
			return err
		}
	}
	return errors.New("circular dependency detected")
}

// listItem matches numbered ("1." / "1)") and bulleted ("-" / "*") lines.
var listItem = regexp.MustCompile(`^\s*(?:\d+[.)]|[-*•])\s+(.+)$`)

// ListDecomposer splits a task whose content is a numbered or bulleted list
// into one subtask per item. Text before the first item becomes shared
// context under the "instructions" key.
type ListDecomposer struct {
	// Chain makes each item depend on the one before it.
	Chain bool
	// MinItems is the smallest list treated as a plan. Defaults to 2.
	MinItems int
}

// Decompose implements Decomposer.
func (d ListDecomposer) Decompose(_ context.Context, task *models.Task) ([]Subtask, error) {
	var preamble []string
	var items []string
	for _, line := range strings.Split(task.Content, "\n") {
		if m := listItem.FindStringSubmatch(line); m != nil {
			items = append(items, strings.TrimSpace(m[1]))
			continue
		}
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if len(items) == 0 {
			preamble = append(preamble, trimmed)
		} else if line != trimmed {
			// Indented continuation of the previous item.
			items[len(items)-1] += " " + trimmed
		}
	}

	minItems := d.MinItems
	if minItems <= 0 {
		minItems = 2
	}
	if len(items) < minItems {
		return nil, nil
	}

	var shared map[string]string
	if len(preamble) > 0 {
		shared = map[string]string{"instructions": strings.Join(preamble, "\n")}
	}

	subtasks := make([]Subtask, len(items))
	for i, item := range items {
		subtasks[i] = Subtask{
			Key:     strconv.Itoa(i + 1),
			Content: item,
			Context: shared,
		}
		if d.Chain && i > 0 {
			subtasks[i].DependsOn = []string{strconv.Itoa(i)}
		}
	}
	debugLog("[decompose] list: task %s -> %d items (chain=%v)", task.ID, len(subtasks), d.Chain)
	return subtasks, nil
}

// decompositionPrompt is the prompt template for planner workers.
const decompositionPrompt = `Break this task into subtasks. Each subtask should be sized for a single worker to complete.

Task:
%s
%s
Return ONLY a JSON array of subtasks with this exact structure (no other text):
[
  {
    "key": "short-unique-key",
    "content": "Detailed instruction for the worker",
    "depends_on": ["key of dependency 1", "key of dependency 2"]
  }
]

Guidelines:
- Subtasks should be as independent as possible to allow parallel execution
- Only add dependencies when truly necessary (subtask A must complete before subtask B)
- Use empty array [] for depends_on if there are no dependencies
- Return [] if the task is small enough for a single worker`

// WorkerDecomposer asks a planner worker for a JSON plan. Plans are memoised
// per task content, depth and failure reason, so replays see the same plan
// even if the planner is not deterministic.
type WorkerDecomposer struct {
	planner worker.Processor

	mu   sync.Mutex
	memo map[string][]Subtask
}

// NewWorkerDecomposer creates a decomposer backed by the given planner.
func NewWorkerDecomposer(planner worker.Processor) *WorkerDecomposer {
	return &WorkerDecomposer{
		planner: planner,
		memo:    make(map[string][]Subtask),
	}
}

// Decompose implements Decomposer.
func (d *WorkerDecomposer) Decompose(ctx context.Context, task *models.Task) ([]Subtask, error) {
	key := fmt.Sprintf("%d\x00%s\x00%s", task.Depth, task.Content, task.FailureReason)

	d.mu.Lock()
	if cached, ok := d.memo[key]; ok {
		d.mu.Unlock()
		return cached, nil
	}
	d.mu.Unlock()

	var failure string
	if task.FailureReason != "" {
		failure = fmt.Sprintf("\nA previous attempt failed with: %s\nPlan finer-grained steps that avoid this failure.\n", task.FailureReason)
	}

	response, err := d.planner.Process(ctx, worker.Request{
		TaskID:  task.ID,
		Content: fmt.Sprintf(decompositionPrompt, task.Content, failure),
		Context: task.Context,
		Attempt: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("planner: %w", err)
	}

	subtasks, err := parseDecompositionResponse(response)
	if err != nil {
		return nil, fmt.Errorf("parse decomposition response: %w", err)
	}

	d.mu.Lock()
	d.memo[key] = subtasks
	d.mu.Unlock()
	return subtasks, nil
}

// parseDecompositionResponse extracts the JSON array from a planner reply.
func parseDecompositionResponse(response string) ([]Subtask, error) {
	// The planner might include extra text around the array.
	jsonStart := strings.Index(response, "[")
	jsonEnd := strings.LastIndex(response, "]")
	if jsonStart == -1 || jsonEnd == -1 || jsonEnd <= jsonStart {
		return nil, worker.Malformed(fmt.Errorf("no valid JSON array found in response"))
	}

	var subtasks []Subtask
	if err := json.Unmarshal([]byte(response[jsonStart:jsonEnd+1]), &subtasks); err != nil {
		return nil, worker.Malformed(fmt.Errorf("unmarshal JSON: %w", err))
	}
	for i, st := range subtasks {
		if strings.TrimSpace(st.Content) == "" {
			return nil, worker.Malformed(fmt.Errorf("subtask %d has no content", i+1))
		}
	}
	return subtasks, nil
}

// ChainDecomposer tries each decomposer in turn and returns the first
// non-empty plan.
type ChainDecomposer []Decomposer

// Decompose implements Decomposer.
func (c ChainDecomposer) Decompose(ctx context.Context, task *models.Task) ([]Subtask, error) {
	var errs []error
	for _, d := range c {
		subtasks, err := d.Decompose(ctx, task)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if len(subtasks) > 0 {
			return subtasks, nil
		}
	}
	return nil, errors.Join(errs...)
}
