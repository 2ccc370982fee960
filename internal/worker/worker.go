// Package worker defines the processing contract for workforce workers and
// ships processors backed by the Anthropic API, OpenAI-compatible endpoints
// and a deterministic echo implementation.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Request is the input handed to a worker for one task attempt.
type Request struct {
	// TaskID is the ID of the task being processed.
	TaskID string
	// Content is the task instruction text.
	Content string
	// Context carries structured reference material keyed by name.
	Context map[string]string
	// Dependencies maps each dependency task ID to its result.
	Dependencies map[string]string
	// Attempt is the 1-based attempt number.
	Attempt int
}

// Processor turns a task into a text result or fails.
type Processor interface {
	Process(ctx context.Context, req Request) (string, error)
}

// ProcessorFunc adapts a plain function to the Processor interface.
type ProcessorFunc func(ctx context.Context, req Request) (string, error)

// Process calls f(ctx, req).
func (f ProcessorFunc) Process(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// FailureKind classifies a worker failure for the retry policy.
type FailureKind int

const (
	// FailureTransient is retried, possibly on the same worker.
	FailureTransient FailureKind = iota
	// FailureMalformedOutput is retried on a different worker.
	FailureMalformedOutput
	// FailurePermanent is not retried.
	FailurePermanent
)

// String returns a human-readable representation of the failure kind.
func (k FailureKind) String() string {
	switch k {
	case FailureTransient:
		return "transient"
	case FailureMalformedOutput:
		return "malformed_output"
	case FailurePermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Failure is the typed error a processing attempt returns.
type Failure struct {
	Kind FailureKind
	Err  error
}

// Error implements error.
func (f *Failure) Error() string {
	if f.Err == nil {
		return f.Kind.String() + " failure"
	}
	return f.Err.Error()
}

// Unwrap returns the underlying error.
func (f *Failure) Unwrap() error {
	return f.Err
}

// Retryable reports whether another attempt may succeed.
func (f *Failure) Retryable() bool {
	return f.Kind != FailurePermanent
}

// WorkerSpecific reports whether the next attempt should go to another worker.
func (f *Failure) WorkerSpecific() bool {
	return f.Kind == FailureMalformedOutput
}

// Transient wraps err as a transient failure.
func Transient(err error) *Failure {
	return &Failure{Kind: FailureTransient, Err: err}
}

// Malformed wraps err as a malformed-output failure.
func Malformed(err error) *Failure {
	return &Failure{Kind: FailureMalformedOutput, Err: err}
}

// Permanent wraps err as a permanent failure.
func Permanent(err error) *Failure {
	return &Failure{Kind: FailurePermanent, Err: err}
}

// AsFailure classifies any processing error. Errors that are not a *Failure
// are treated as transient.
func AsFailure(err error) *Failure {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	return Transient(err)
}

// errEmptyOutput is returned when a model produced no text.
var errEmptyOutput = errors.New("empty output")

// BuildPrompt renders a request as a single prompt: the instruction, then the
// context entries and dependency results in key order.
func BuildPrompt(req Request) string {
	var sb strings.Builder
	sb.WriteString(req.Content)

	if len(req.Context) > 0 {
		sb.WriteString("\n\n## Context\n")
		for _, k := range sortedKeys(req.Context) {
			fmt.Fprintf(&sb, "\n### %s\n%s\n", k, req.Context[k])
		}
	}

	if len(req.Dependencies) > 0 {
		sb.WriteString("\n\n## Results from previous steps\n")
		for _, k := range sortedKeys(req.Dependencies) {
			fmt.Fprintf(&sb, "\n### %s\n%s\n", k, req.Dependencies[k])
		}
	}
	return sb.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
