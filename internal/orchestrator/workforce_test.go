package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ShayCichocki/workforce/internal/telemetry"
	"github.com/ShayCichocki/workforce/internal/worker"
	"github.com/ShayCichocki/workforce/pkg/models"
)

func newTestWorkforce(t *testing.T, opts ...Option) *Workforce {
	t.Helper()
	base := []Option{
		WithPollInterval(10 * time.Millisecond),
		WithPlanner(ListDecomposer{}),
	}
	w := New(append(base, opts...)...)
	t.Cleanup(func() {
		_ = w.Close(0)
	})
	return w
}

func numbered(items ...string) string {
	var b strings.Builder
	b.WriteString("Work through these steps.\n")
	for i, item := range items {
		fmt.Fprintf(&b, "%d. %s\n", i+1, item)
	}
	return b.String()
}

func processTask(t *testing.T, w *Workforce, content string, opts ...SubmitOption) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := w.Process(ctx, content, nil, opts...)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	return res
}

// eventsByTask indexes a root's events per task.
func eventsByTask(w *Workforce, rootID string) map[string][]models.Event {
	out := make(map[string][]models.Event)
	for _, ev := range w.Events().Events(rootID) {
		out[ev.TaskID] = append(out[ev.TaskID], ev)
	}
	return out
}

func countKind(events []models.Event, kind models.EventKind) int {
	n := 0
	for _, ev := range events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func firstOf(events []models.Event, kind models.EventKind) (models.Event, bool) {
	for _, ev := range events {
		if ev.Kind == kind {
			return ev, true
		}
	}
	return models.Event{}, false
}

// assertDependencyOrdering checks that every STARTED event of a task comes
// after each of its dependencies SUCCEEDED.
func assertDependencyOrdering(t *testing.T, w *Workforce, rootID string) {
	t.Helper()
	byTask := eventsByTask(w, rootID)
	for _, task := range w.store.Tasks(rootID) {
		for _, depID := range task.DependsOn {
			done, ok := firstOf(byTask[depID], models.EventSucceeded)
			for _, ev := range byTask[task.ID] {
				if ev.Kind != models.EventStarted {
					continue
				}
				if !ok || ev.Timestamp.Before(done.Timestamp) || ev.Seq < done.Seq {
					t.Errorf("%s started at %v before dependency %s succeeded", task.ID, ev.Timestamp, depID)
				}
			}
		}
	}
}

func TestScenarioLinearChain(t *testing.T) {
	w := newTestWorkforce(t, WithPlanner(ListDecomposer{Chain: true}))
	if err := w.Register("solo", "does every step", worker.EchoWorker{Delay: 20 * time.Millisecond}); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	res := processTask(t, w, numbered("one", "two", "three", "four", "five"), WithTaskID("chain"))
	elapsed := time.Since(start)

	if res.Status != models.TaskStatusSucceeded {
		t.Fatalf("status = %s (%s)", res.Status, res.Reason)
	}
	if res.Output != "one\n\ntwo\n\nthree\n\nfour\n\nfive" {
		t.Errorf("output = %q", res.Output)
	}
	if elapsed < 100*time.Millisecond {
		t.Errorf("chain finished in %s, faster than the sum of its steps", elapsed)
	}

	var started []string
	for _, ev := range w.Events().Events("chain") {
		if ev.Kind == models.EventStarted {
			started = append(started, ev.TaskID)
		}
	}
	if got := strings.Join(started, ","); got != "chain.1,chain.2,chain.3,chain.4,chain.5" {
		t.Errorf("start order = %s", got)
	}
	assertDependencyOrdering(t, w, "chain")
}

func TestScenarioParallelFanOut(t *testing.T) {
	w := newTestWorkforce(t)

	// Every worker waits until all five are running at once.
	var arrived sync.WaitGroup
	arrived.Add(5)
	allIn := make(chan struct{})
	go func() {
		arrived.Wait()
		close(allIn)
	}()
	barrier := worker.ProcessorFunc(func(ctx context.Context, req worker.Request) (string, error) {
		arrived.Done()
		select {
		case <-allIn:
			return "done " + req.Content, nil
		case <-time.After(3 * time.Second):
			return "", worker.Permanent(errors.New("ran alone"))
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})
	for i := 1; i <= 5; i++ {
		if err := w.Register(fmt.Sprintf("w%d", i), "generic step worker", barrier); err != nil {
			t.Fatal(err)
		}
	}

	res := processTask(t, w, numbered("a", "b", "c", "d", "e"), WithTaskID("fan"))
	if res.Status != models.TaskStatusSucceeded {
		t.Fatalf("status = %s (%s)", res.Status, res.Reason)
	}

	workers := make(map[string]bool)
	for _, ev := range w.Events().Events("fan") {
		if ev.Kind == models.EventStarted {
			workers[ev.WorkerID] = true
		}
	}
	if len(workers) != 5 {
		t.Errorf("tasks ran on %d distinct workers, want 5", len(workers))
	}
}

func TestScenarioRetryThenSucceed(t *testing.T) {
	w := newTestWorkforce(t, WithMaxAttempts(3))
	var calls atomic.Int32
	flaky := worker.ProcessorFunc(func(_ context.Context, req worker.Request) (string, error) {
		if req.Content == "flaky" && calls.Add(1) < 3 {
			return "", worker.Transient(errors.New("rate limited"))
		}
		return "ok " + req.Content, nil
	})
	if err := w.Register("w1", "worker", flaky); err != nil {
		t.Fatal(err)
	}

	res := processTask(t, w, numbered("steady", "flaky"), WithTaskID("retry"))
	if res.Status != models.TaskStatusSucceeded {
		t.Fatalf("status = %s (%s)", res.Status, res.Reason)
	}

	task, err := w.Task("retry.2")
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != models.TaskStatusSucceeded || task.Attempts != 3 {
		t.Errorf("flaky task = %s after %d attempts, want succeeded after 3", task.Status, task.Attempts)
	}
	if n := countKind(eventsByTask(w, "retry")["retry.2"], models.EventRetried); n != 2 {
		t.Errorf("RETRIED events = %d, want 2", n)
	}

	kpis, err := w.KPIs(&Handle{ID: "retry"})
	if err != nil {
		t.Fatal(err)
	}
	if kpis[telemetry.KPIRetryCount] != 2 {
		t.Errorf("retry_count = %v, want 2", kpis[telemetry.KPIRetryCount])
	}
}

func TestScenarioRetryExhausted(t *testing.T) {
	// root -> r.1 (parent) -> r.1.1 (leaf that always fails)
	planner := DecomposerFunc(func(_ context.Context, task *models.Task) ([]Subtask, error) {
		switch task.Depth {
		case 0:
			return []Subtask{{Content: "screen the patient"}}, nil
		case 1:
			return []Subtask{{Content: "doomed"}}, nil
		}
		return nil, nil
	})
	w := newTestWorkforce(t, WithPlanner(planner), WithMaxAttempts(3))
	if err := w.Register("w1", "worker", worker.ProcessorFunc(func(context.Context, worker.Request) (string, error) {
		return "", errors.New("model overloaded")
	})); err != nil {
		t.Fatal(err)
	}

	res := processTask(t, w, "trial matching", WithTaskID("r"))
	if res.Status != models.TaskStatusFailed {
		t.Fatalf("status = %s, want failed", res.Status)
	}
	wantPrefix := "subtask r.1: subtask r.1.1: worker w1: model overloaded"
	if !strings.HasPrefix(res.Reason, wantPrefix) {
		t.Errorf("reason = %q, want prefix %q", res.Reason, wantPrefix)
	}
	if !errors.Is(res.Err(), ErrDecompositionExhausted) {
		t.Errorf("Err() = %v, want ErrDecompositionExhausted", res.Err())
	}

	leaf, _ := w.Task("r.1.1")
	parent, _ := w.Task("r.1")
	if leaf.Status != models.TaskStatusFailed || leaf.Attempts != 3 {
		t.Errorf("leaf = %s after %d attempts", leaf.Status, leaf.Attempts)
	}
	if parent.Status != models.TaskStatusFailed {
		t.Errorf("parent = %s, want failed", parent.Status)
	}
}

func TestScenarioShutdownDeadline(t *testing.T) {
	planner := DecomposerFunc(func(_ context.Context, task *models.Task) ([]Subtask, error) {
		if !task.IsRoot() {
			return nil, nil
		}
		return []Subtask{
			{Content: "fast one", WorkerPattern: "fast-*"},
			{Content: "slow one", WorkerPattern: "slow-*"},
			{Content: "fast two", WorkerPattern: "fast-*"},
			{Content: "slow two", WorkerPattern: "slow-*"},
			{Content: "slow three", WorkerPattern: "slow-*"},
		}, nil
	})
	w := newTestWorkforce(t, WithPlanner(planner))
	for i := 1; i <= 2; i++ {
		if err := w.Register(fmt.Sprintf("fast-%d", i), "quick", worker.EchoWorker{}); err != nil {
			t.Fatal(err)
		}
	}
	for i := 1; i <= 3; i++ {
		if err := w.Register(fmt.Sprintf("slow-%d", i), "slow", worker.EchoWorker{Delay: 10 * time.Second}); err != nil {
			t.Fatal(err)
		}
	}

	h, err := w.Submit(context.Background(), "screen", nil, WithTaskID("job"))
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool {
		succeeded, running := 0, 0
		for _, task := range w.Tasks(h) {
			switch task.Status {
			case models.TaskStatusSucceeded:
				succeeded++
			case models.TaskStatusRunning:
				running++
			}
		}
		return succeeded == 2 && running == 3
	})

	done := w.RequestShutdown(100 * time.Millisecond)
	again := w.RequestShutdown(100 * time.Millisecond)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("drain did not complete")
	}
	<-again

	res, err := w.AwaitResult(context.Background(), h, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != models.TaskStatusCancelled {
		t.Fatalf("root status = %s, want cancelled", res.Status)
	}
	if res.Output != "fast one\n\nfast two" {
		t.Errorf("partial output = %q", res.Output)
	}
	if !strings.Contains(res.Reason, "3 subtasks cancelled") || res.Warnings[0] != "3 subtasks cancelled" {
		t.Errorf("reason = %q warnings = %v", res.Reason, res.Warnings)
	}
	if !errors.Is(res.Err(), ErrShutdownTimeout) {
		t.Errorf("Err() = %v, want ErrShutdownTimeout", res.Err())
	}

	if n := countKind(w.Events().Events("job"), models.EventCancelled); n != 4 {
		t.Errorf("CANCELLED events = %d, want 4 (3 leaves + root)", n)
	}
	for _, wk := range w.Workers() {
		if wk.Status != models.WorkerStatusIdle {
			t.Errorf("worker %s still %s after drain", wk.ID, wk.Status)
		}
	}

	if _, err := w.Submit(context.Background(), "late", nil); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("Submit() after shutdown error = %v, want ErrShuttingDown", err)
	}
}

func TestShutdownWithNothingRunning(t *testing.T) {
	w := newTestWorkforce(t)
	h, err := w.Submit(context.Background(), numbered("a", "b"), nil, WithTaskID("idle"))
	if err != nil {
		t.Fatal(err)
	}
	// No workers registered: both steps wait, nothing runs.
	waitFor(t, func() bool { return len(w.Tasks(h)) == 3 })

	select {
	case <-w.RequestShutdown(time.Hour):
	case <-time.After(5 * time.Second):
		t.Fatal("drain with nothing in flight should finish at once")
	}
	res, _ := w.AwaitResult(context.Background(), h, 0)
	if res.Status != models.TaskStatusCancelled {
		t.Errorf("status = %s, want cancelled", res.Status)
	}
}

func TestDependencyFailurePropagates(t *testing.T) {
	w := newTestWorkforce(t, WithPlanner(ListDecomposer{Chain: true}), WithAggregation(PolicyBestEffort, CombineConcat))
	if err := w.Register("w1", "worker", worker.ProcessorFunc(func(_ context.Context, req worker.Request) (string, error) {
		if req.Content == "broken" {
			return "", worker.Permanent(errors.New("invalid input"))
		}
		return req.Content, nil
	})); err != nil {
		t.Fatal(err)
	}

	res := processTask(t, w, numbered("fine", "broken", "after"), WithTaskID("dep"))
	// Best effort: one child succeeded.
	if res.Status != models.TaskStatusSucceeded || res.Output != "fine" {
		t.Fatalf("root = %s %q (%s)", res.Status, res.Output, res.Reason)
	}
	after, _ := w.Task("dep.3")
	if after.Status != models.TaskStatusFailed || after.FailureReason != "dependency dep.2 failed" {
		t.Errorf("dependent = %s %q", after.Status, after.FailureReason)
	}
	if after.Attempts != 0 {
		t.Errorf("dependent ran %d times", after.Attempts)
	}
	if len(res.Warnings) != 2 {
		t.Errorf("warnings = %v", res.Warnings)
	}
}

func TestMalformedOutputMovesToAnotherWorker(t *testing.T) {
	w := newTestWorkforce(t, WithPlanner(NoDecomposer))
	// "a-sloppy" sorts first, so it gets the first attempt.
	if err := w.Register("a-sloppy", "writer", worker.ProcessorFunc(func(context.Context, worker.Request) (string, error) {
		return "", worker.Malformed(errors.New("not JSON"))
	})); err != nil {
		t.Fatal(err)
	}
	if err := w.Register("b-careful", "writer", worker.EchoWorker{Prefix: "careful"}); err != nil {
		t.Fatal(err)
	}

	res := processTask(t, w, "write it", WithTaskID("m"))
	if res.Status != models.TaskStatusSucceeded || res.Output != "careful: write it" {
		t.Fatalf("result = %s %q", res.Status, res.Output)
	}
	task, _ := w.Task("m")
	if len(task.ExcludedWorkers) != 1 || task.ExcludedWorkers[0] != "a-sloppy" {
		t.Errorf("excluded = %v", task.ExcludedWorkers)
	}
}

func TestRedecomposeFromPlanAfterFailure(t *testing.T) {
	plan, err := ParsePlan([]byte(samplePlan))
	if err != nil {
		t.Fatal(err)
	}
	pd := NewPlanDecomposer(plan)
	w := newTestWorkforce(t, WithPlanner(pd), WithFallbackDecomposer(pd.Fallback()))
	if err := w.Register("summarizer-1", "summarizes records", worker.EchoWorker{}); err != nil {
		t.Fatal(err)
	}
	if err := w.Register("generalist", "anything", worker.ProcessorFunc(func(_ context.Context, req worker.Request) (string, error) {
		if req.Content == "Evaluate each criterion" {
			return "", worker.Permanent(errors.New("too much at once"))
		}
		return req.Content, nil
	})); err != nil {
		t.Fatal(err)
	}

	res := processTask(t, w, "screen patient", WithTaskID("job"))
	if res.Status != models.TaskStatusSucceeded {
		t.Fatalf("status = %s (%s)", res.Status, res.Reason)
	}

	criteria, _ := w.Task("job.2")
	if len(criteria.Children) != 2 || criteria.Status != models.TaskStatusSucceeded {
		t.Errorf("criteria = %s with children %v", criteria.Status, criteria.Children)
	}
	if criteria.Result != "Evaluate inclusion criteria\n\nEvaluate exclusion criteria" {
		t.Errorf("criteria result = %q", criteria.Result)
	}
	summary, _ := w.Task("job.1")
	if summary.AssignedWorker != "summarizer-1" {
		t.Errorf("summary ran on %s, want summarizer-1", summary.AssignedWorker)
	}
	assertDependencyOrdering(t, w, "job")
}

func TestTaskTimeout(t *testing.T) {
	w := newTestWorkforce(t, WithPlanner(NoDecomposer), WithTaskTimeout(20*time.Millisecond), WithMaxAttempts(2), WithRedecomposeOnFailure(false))
	if err := w.Register("sleepy", "worker", worker.EchoWorker{Delay: 5 * time.Second}); err != nil {
		t.Fatal(err)
	}
	res := processTask(t, w, "nap", WithTaskID("slow"))
	if res.Status != models.TaskStatusFailed || !strings.Contains(res.Reason, "timed out") {
		t.Errorf("result = %s %q", res.Status, res.Reason)
	}
}

func TestAggregatorWorker(t *testing.T) {
	w := newTestWorkforce(t, WithAggregatorWorker("editor"))
	if err := w.Register("writer", "writes", worker.EchoWorker{}); err != nil {
		t.Fatal(err)
	}
	if err := w.Register("editor", "edits", worker.ProcessorFunc(func(_ context.Context, req worker.Request) (string, error) {
		return fmt.Sprintf("%d parts", len(req.Dependencies)), nil
	})); err != nil {
		t.Fatal(err)
	}

	res := processTask(t, w, numbered("intro", "body", "outro"), WithTaskID("doc"))
	if res.Status != models.TaskStatusSucceeded || res.Output != "3 parts" {
		t.Errorf("result = %s %q (%s)", res.Status, res.Output, res.Reason)
	}
}

func TestAwaitResult(t *testing.T) {
	w := newTestWorkforce(t, WithPlanner(NoDecomposer))
	if err := w.Register("slow", "worker", worker.EchoWorker{Delay: 200 * time.Millisecond}); err != nil {
		t.Fatal(err)
	}

	h, err := w.Submit(context.Background(), "wait", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.AwaitResult(context.Background(), h, 10*time.Millisecond); !errors.Is(err, ErrAwaitTimeout) {
		t.Errorf("AwaitResult() error = %v, want ErrAwaitTimeout", err)
	}
	res, err := w.AwaitResult(context.Background(), h, 0)
	if err != nil || res.Err() != nil {
		t.Fatalf("AwaitResult() = %+v, %v", res, err)
	}

	if _, err := w.AwaitResult(context.Background(), &Handle{ID: "nope"}, 0); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("unknown handle error = %v", err)
	}
	if _, err := w.Submit(context.Background(), "dup", nil, WithTaskID(h.ID)); err == nil {
		t.Error("duplicate task ID accepted")
	}

	if err := w.Forget(h); err != nil {
		t.Errorf("Forget() error = %v", err)
	}
	if _, err := w.Task(h.ID); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("task still in store after Forget: %v", err)
	}
}

func TestLogTreeAndDumpRoundTrip(t *testing.T) {
	w := newTestWorkforce(t, WithPlanner(ListDecomposer{Chain: true}))
	if err := w.Register("w1", "worker", worker.EchoWorker{}); err != nil {
		t.Fatal(err)
	}
	res := processTask(t, w, numbered("read", "think", "write"), WithTaskID("log"))
	h := &Handle{ID: res.TaskID}

	tree, err := w.LogTree(h)
	if err != nil {
		t.Fatal(err)
	}
	if tree.Count() != 4 || tree.Status != models.TaskStatusSucceeded {
		t.Errorf("tree = %d nodes, root %s", tree.Count(), tree.Status)
	}

	path := filepath.Join(t.TempDir(), "log.jsonl")
	if err := w.DumpLogs(h, path); err != nil {
		t.Fatal(err)
	}
	events, err := telemetry.LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	snap := telemetry.Reconstruct(events)
	for _, live := range w.Tasks(h) {
		v := snap.Task(live.ID)
		if v == nil {
			t.Errorf("task %s missing from dump", live.ID)
			continue
		}
		if v.Status != live.Status || v.ParentID != live.ParentID ||
			strings.Join(v.DependsOn, ",") != strings.Join(live.DependsOn, ",") ||
			strings.Join(v.Children, ",") != strings.Join(live.Children, ",") {
			t.Errorf("task %s: dump %+v differs from live %+v", live.ID, v, live)
		}
	}

	var sb strings.Builder
	if err := w.RenderTree(&sb, h, false); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(sb.String(), "└── log.3 [succeeded] write") {
		t.Errorf("rendered tree:\n%s", sb.String())
	}
}

func TestPauseHoldsDispatch(t *testing.T) {
	w := newTestWorkforce(t, WithPlanner(NoDecomposer))
	if err := w.Register("w1", "worker", worker.EchoWorker{}); err != nil {
		t.Fatal(err)
	}
	w.Pause()
	h, err := w.Submit(context.Background(), "held", nil)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if task, _ := w.Task(h.ID); task.Attempts != 0 {
		t.Fatalf("task dispatched while paused")
	}
	w.Resume()
	res, err := w.AwaitResult(context.Background(), h, 5*time.Second)
	if err != nil || res.Status != models.TaskStatusSucceeded {
		t.Errorf("after resume = %+v, %v", res, err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached")
}
