package orchestrator

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.yaml.in/yaml/v3"

	"github.com/ShayCichocki/workforce/pkg/models"
)

// Plan is a static decomposition loaded from YAML.
//
//	description: Clinical trial screening
//	steps:
//	  - key: ehr
//	    content: Summarize the patient record
//	    worker: "summarizer-*"
//	  - key: criteria
//	    content: Evaluate each criterion
//	    depends_on: [ehr]
//	    steps:            # finer plan used if this step fails
//	      - content: Evaluate inclusion criteria
//	      - content: Evaluate exclusion criteria
type Plan struct {
	Description string     `yaml:"description"`
	Steps       []PlanStep `yaml:"steps"`
}

// PlanStep is one step of a Plan. Nested steps are the finer plan used to
// re-decompose the step after it fails.
type PlanStep struct {
	Key       string            `yaml:"key"`
	Content   string            `yaml:"content"`
	Worker    string            `yaml:"worker"`
	DependsOn []string          `yaml:"depends_on"`
	Context   map[string]string `yaml:"context"`
	Steps     []PlanStep        `yaml:"steps"`
}

// ParsePlan decodes a YAML plan and validates every level of it.
func ParsePlan(data []byte) (*Plan, error) {
	var plan Plan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	if err := validatePlanSteps(plan.Steps, "steps"); err != nil {
		return nil, err
	}
	return &plan, nil
}

// LoadPlan reads and parses a YAML plan file.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	return ParsePlan(data)
}

func validatePlanSteps(steps []PlanStep, where string) error {
	for i, st := range steps {
		if strings.TrimSpace(st.Content) == "" {
			return fmt.Errorf("plan %s[%d]: empty content", where, i)
		}
		if err := validatePlanSteps(st.Steps, fmt.Sprintf("%s[%d].steps", where, i)); err != nil {
			return err
		}
	}
	if _, err := orderedSteps(steps); err != nil {
		return fmt.Errorf("plan %s: %w", where, err)
	}
	return nil
}

// orderedSteps returns steps in the order the coordinator creates them, so
// child N of a task maps to element N-1.
func orderedSteps(steps []PlanStep) ([]PlanStep, error) {
	keys := make([]string, len(steps))
	deps := make([][]string, len(steps))
	for i, st := range steps {
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
	ordered := make([]PlanStep, len(order))
	for i, idx := range order {
		ordered[i] = steps[idx]
		ordered[i].Key = keys[idx]
	}
	return ordered, nil
}

// PlanDecomposer decomposes root tasks with the plan's top-level steps.
// In fallback mode it re-decomposes a failed task with the nested steps of
// the plan step that produced it.
type PlanDecomposer struct {
	plan     *Plan
	fallback bool
}

// NewPlanDecomposer creates a decomposer for the initial plan.
func NewPlanDecomposer(plan *Plan) *PlanDecomposer {
	return &PlanDecomposer{plan: plan}
}

// Fallback returns a decomposer serving the plan's nested failure steps.
func (p *PlanDecomposer) Fallback() *PlanDecomposer {
	return &PlanDecomposer{plan: p.plan, fallback: true}
}

// Decompose implements Decomposer.
func (p *PlanDecomposer) Decompose(_ context.Context, task *models.Task) ([]Subtask, error) {
	if p.plan == nil {
		return nil, nil
	}

	var steps []PlanStep
	switch {
	case task.IsRoot() && !p.fallback:
		steps = p.plan.Steps
	case task.IsRoot() || !p.fallback:
		return nil, nil
	default:
		step, err := p.locate(task)
		if err != nil || step == nil {
			return nil, err
		}
		steps = step.Steps
	}

	ordered, err := orderedSteps(steps)
	if err != nil {
		return nil, err
	}
	subtasks := make([]Subtask, len(ordered))
	for i, st := range ordered {
		subtasks[i] = Subtask{
			Key:           st.Key,
			Content:       st.Content,
			DependsOn:     st.DependsOn,
			WorkerPattern: st.Worker,
			Context:       st.Context,
		}
	}
	return subtasks, nil
}

// locate walks the task's ID path ("<root>.2.1") down the plan.
func (p *PlanDecomposer) locate(task *models.Task) (*PlanStep, error) {
	rel := strings.TrimPrefix(task.ID, task.RootID+".")
	if rel == task.ID {
		return nil, nil
	}

	level := p.plan.Steps
	var step *PlanStep
	for _, part := range strings.Split(rel, ".") {
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, nil
		}
		ordered, err := orderedSteps(level)
		if err != nil {
			return nil, err
		}
		if n < 1 || n > len(ordered) {
			return nil, nil
		}
		step = &ordered[n-1]
		level = step.Steps
	}
	return step, nil
}
