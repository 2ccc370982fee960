package graph

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ShayCichocki/workforce/pkg/models"
)

// newTree builds root "r" with children r.1..r.n, each depending on deps[i],
// and moves the root to BLOCKED so its children become schedulable.
func newTree(t *testing.T, deps ...[]string) *Store {
	t.Helper()
	s := New()
	if _, err := s.CreateRoot("r", TaskSpec{Content: "root"}); err != nil {
		t.Fatalf("create root: %v", err)
	}
	for i, d := range deps {
		if _, err := s.CreateTask("r", TaskSpec{Content: "step", DependsOn: d}); err != nil {
			t.Fatalf("create child %d: %v", i+1, err)
		}
	}
	if _, err := s.Transition("r", models.TaskStatusBlocked, Payload{Reason: "awaiting subtasks"}); err != nil {
		t.Fatalf("block root: %v", err)
	}
	return s
}

func collect(s *Store, rootID string) []string {
	var ids []string
	for id := range s.ReadyTasks(rootID) {
		ids = append(ids, id)
	}
	return ids
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestNewStore(t *testing.T) {
	s := New()
	if s == nil {
		t.Fatal("expected non-nil store")
	}
	if s.Size() != 0 {
		t.Errorf("expected empty store, got size %d", s.Size())
	}
}

func TestCreateRootAndChildIDs(t *testing.T) {
	s := New()
	root, err := s.CreateRoot("r", TaskSpec{Content: "screen patient", Context: map[string]string{"ehr": "x"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if root.Status != models.TaskStatusOpen {
		t.Errorf("expected root open, got %s", root.Status)
	}
	if root.RootID != "r" || root.Depth != 0 {
		t.Errorf("unexpected root fields: root_id=%q depth=%d", root.RootID, root.Depth)
	}

	c1, err := s.CreateTask("r", TaskSpec{Content: "a"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c2, err := s.CreateTask("r", TaskSpec{Content: "b", DependsOn: []string{c1.ID}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c1.ID != "r.1" || c2.ID != "r.2" {
		t.Errorf("expected r.1 and r.2, got %s and %s", c1.ID, c2.ID)
	}
	if c2.Depth != 1 || c2.ParentID != "r" {
		t.Errorf("unexpected child fields: depth=%d parent=%q", c2.Depth, c2.ParentID)
	}

	got, _ := s.Get("r")
	if !equalIDs(got.Children, []string{"r.1", "r.2"}) {
		t.Errorf("expected children [r.1 r.2], got %v", got.Children)
	}
	if deps := s.Dependents("r.1"); !equalIDs(deps, []string{"r.2"}) {
		t.Errorf("expected dependents [r.2], got %v", deps)
	}

	if _, err := s.CreateRoot("r", TaskSpec{}); !errors.Is(err, ErrDuplicateTask) {
		t.Errorf("expected ErrDuplicateTask, got %v", err)
	}
}

func TestCreateTaskRejectsInvalidDependencies(t *testing.T) {
	setup := func(t *testing.T) *Store {
		s := New()
		if _, err := s.CreateRoot("r", TaskSpec{}); err != nil {
			t.Fatal(err)
		}
		if _, err := s.CreateRoot("x", TaskSpec{}); err != nil {
			t.Fatal(err)
		}
		if _, err := s.CreateTask("r", TaskSpec{}); err != nil { // r.1
			t.Fatal(err)
		}
		if _, err := s.CreateTask("r", TaskSpec{DependsOn: []string{"r.1"}}); err != nil { // r.2
			t.Fatal(err)
		}
		return s
	}

	tests := []struct {
		name   string
		parent string
		deps   []string
	}{
		{"unknown task", "r", []string{"missing"}},
		{"other root", "r", []string{"x"}},
		{"own parent", "r.1", []string{"r.1"}},
		{"grandparent", "r.1", []string{"r"}},
		{"sibling of parent waits on parent", "r.1", []string{"r.2"}},
		{"duplicate", "r", []string{"r.1", "r.1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := setup(t)
			before := s.Size()
			_, err := s.CreateTask(tt.parent, TaskSpec{DependsOn: tt.deps})
			if !errors.Is(err, ErrInvalidDependency) {
				t.Fatalf("expected ErrInvalidDependency, got %v", err)
			}
			if s.Size() != before {
				t.Errorf("expected no task inserted, size %d -> %d", before, s.Size())
			}
			if err := s.Validate("r"); err != nil {
				t.Errorf("store should stay acyclic: %v", err)
			}
		})
	}
}

func TestCreateTaskRequiresOpenParent(t *testing.T) {
	s := newTree(t, nil)
	if _, err := s.CreateTask("r", TaskSpec{}); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("expected ErrIllegalTransition for blocked parent, got %v", err)
	}
	if _, err := s.CreateTask("nope", TaskSpec{}); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to models.TaskStatus
		want     bool
	}{
		{models.TaskStatusCreated, models.TaskStatusOpen, true},
		{models.TaskStatusOpen, models.TaskStatusRunning, true},
		{models.TaskStatusOpen, models.TaskStatusBlocked, true},
		{models.TaskStatusOpen, models.TaskStatusCancelled, true},
		{models.TaskStatusRunning, models.TaskStatusSucceeded, true},
		{models.TaskStatusRunning, models.TaskStatusOpen, true},
		{models.TaskStatusRunning, models.TaskStatusCancelled, true},
		{models.TaskStatusBlocked, models.TaskStatusFailed, true},
		{models.TaskStatusFailed, models.TaskStatusOpen, true},
		{models.TaskStatusOpen, models.TaskStatusSucceeded, false},
		{models.TaskStatusSucceeded, models.TaskStatusOpen, false},
		{models.TaskStatusCancelled, models.TaskStatusOpen, false},
		{models.TaskStatusFailed, models.TaskStatusRunning, false},
		{models.TaskStatusBlocked, models.TaskStatusRunning, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTransitionGuards(t *testing.T) {
	s := newTree(t, nil, []string{"r.1"})

	if _, err := s.Transition("r.2", models.TaskStatusRunning, Payload{WorkerID: "w"}); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("expected dependency guard, got %v", err)
	}
	if _, err := s.Transition("r.1", models.TaskStatusRunning, Payload{}); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("expected worker guard, got %v", err)
	}
	if _, err := s.Transition("r", models.TaskStatusSucceeded, Payload{}); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("expected aggregation guard, got %v", err)
	}
	if _, err := s.Transition("r.1", models.TaskStatusSucceeded, Payload{}); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("expected OPEN -> SUCCEEDED to be illegal, got %v", err)
	}

	task, err := s.Transition("r.1", models.TaskStatusRunning, Payload{WorkerID: "w"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if task.Attempts != 1 || task.AssignedWorker != "w" || task.StartedAt == nil {
		t.Errorf("unexpected running task: attempts=%d worker=%q started=%v", task.Attempts, task.AssignedWorker, task.StartedAt)
	}

	task, err = s.Transition("r.1", models.TaskStatusOpen, Payload{Reason: "flaky"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if task.AssignedWorker != "" {
		t.Errorf("expected worker cleared on retry, got %q", task.AssignedWorker)
	}

	if _, err := s.Transition("r.1", models.TaskStatusRunning, Payload{WorkerID: "w2"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	task, err = s.Transition("r.1", models.TaskStatusSucceeded, Payload{Result: "done"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if task.Attempts != 2 || task.Result != "done" || task.EndedAt == nil {
		t.Errorf("unexpected succeeded task: attempts=%d result=%q", task.Attempts, task.Result)
	}

	if _, err := s.Transition("r", models.TaskStatusSucceeded, Payload{}); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("expected guard while r.2 unfinished, got %v", err)
	}
}

func TestReadyTasksOrderAndGating(t *testing.T) {
	s := New()
	if _, err := s.CreateRoot("r", TaskSpec{}); err != nil {
		t.Fatal(err)
	}
	if got := collect(s, "r"); !equalIDs(got, []string{"r"}) {
		t.Fatalf("expected root ready, got %v", got)
	}

	for _, deps := range [][]string{nil, {"r.1"}, nil} {
		if _, err := s.CreateTask("r", TaskSpec{DependsOn: deps}); err != nil {
			t.Fatal(err)
		}
	}
	// Children are not ready until the parent waits on them.
	if got := collect(s, "r"); !equalIDs(got, []string{"r"}) {
		t.Fatalf("expected only root ready, got %v", got)
	}

	if _, err := s.Transition("r", models.TaskStatusBlocked, Payload{}); err != nil {
		t.Fatal(err)
	}
	if got := collect(s, "r"); !equalIDs(got, []string{"r.1", "r.3"}) {
		t.Fatalf("expected [r.1 r.3], got %v", got)
	}

	if _, err := s.Transition("r.1", models.TaskStatusRunning, Payload{WorkerID: "w"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Transition("r.1", models.TaskStatusSucceeded, Payload{Result: "ok"}); err != nil {
		t.Fatal(err)
	}
	if got := collect(s, "r"); !equalIDs(got, []string{"r.2", "r.3"}) {
		t.Fatalf("expected [r.2 r.3], got %v", got)
	}
	if got := collect(s, "other"); len(got) != 0 {
		t.Errorf("expected nothing for unknown root, got %v", got)
	}
}

func TestReadyTasksObservesMutations(t *testing.T) {
	s := newTree(t, nil, nil, nil)

	var got []string
	for id := range s.ReadyTasks("r") {
		got = append(got, id)
		if id == "r.1" {
			// Starting r.2 mid-iteration removes it from the sequence.
			if _, err := s.Transition("r.2", models.TaskStatusRunning, Payload{WorkerID: "w"}); err != nil {
				t.Fatal(err)
			}
		}
	}
	if !equalIDs(got, []string{"r.1", "r.3"}) {
		t.Errorf("expected [r.1 r.3], got %v", got)
	}

	// Early break stops the sequence.
	n := 0
	for range s.ReadyTasks("r") {
		n++
		break
	}
	if n != 1 {
		t.Errorf("expected one item before break, got %d", n)
	}
}

func TestObserverReceivesEventsInOrder(t *testing.T) {
	s := New()
	var mu sync.Mutex
	var events []models.Event
	s.SetObserver(func(ev models.Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	if _, err := s.CreateRoot("r", TaskSpec{Content: "root"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Assign("r", "w"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Transition("r", models.TaskStatusRunning, Payload{WorkerID: "w"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Transition("r", models.TaskStatusOpen, Payload{Reason: "boom"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Transition("r", models.TaskStatusRunning, Payload{WorkerID: "w"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Transition("r", models.TaskStatusFailed, Payload{Reason: "boom"}); err != nil {
		t.Fatal(err)
	}

	want := []models.EventKind{
		models.EventCreated, models.EventAssigned, models.EventStarted,
		models.EventRetried, models.EventStarted, models.EventFailed,
	}
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(events))
	}
	for i, kind := range want {
		if events[i].Kind != kind {
			t.Errorf("event %d: expected %s, got %s", i, kind, events[i].Kind)
		}
		if i > 0 && !events[i].Timestamp.After(events[i-1].Timestamp) {
			t.Errorf("event %d timestamp not after previous", i)
		}
	}
	if events[3].WorkerID != "w" || events[3].Detail != "boom" {
		t.Errorf("retry event should carry worker and reason, got %+v", events[3])
	}
	if events[0].Content != "root" {
		t.Errorf("created event should carry content, got %q", events[0].Content)
	}
}

func TestTimestampsStrictlyIncreasingWithFrozenClock(t *testing.T) {
	s := New()
	frozen := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return frozen }

	if _, err := s.CreateRoot("r", TaskSpec{}); err != nil {
		t.Fatal(err)
	}
	a, _ := s.CreateTask("r", TaskSpec{})
	b, _ := s.CreateTask("r", TaskSpec{})
	if !b.CreatedAt.After(a.CreatedAt) {
		t.Errorf("expected %v after %v", b.CreatedAt, a.CreatedAt)
	}
}

func TestRemove(t *testing.T) {
	s := newTree(t, nil)
	if _, err := s.CreateRoot("other", TaskSpec{}); err != nil {
		t.Fatal(err)
	}

	if err := s.Remove("r"); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected removal of live tree to fail, got %v", err)
	}

	if _, err := s.Transition("r.1", models.TaskStatusCancelled, Payload{Reason: "shutdown"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Transition("r", models.TaskStatusCancelled, Payload{Reason: "shutdown"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Remove("r"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Size() != 1 {
		t.Errorf("expected only the other root left, got size %d", s.Size())
	}
	if _, err := s.Get("r.1"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestValidateDiamond(t *testing.T) {
	// r.1 -> (r.2, r.3) -> r.4
	s := newTree(t, nil, []string{"r.1"}, []string{"r.1"}, []string{"r.2", "r.3"})
	if err := s.Validate("r"); err != nil {
		t.Errorf("unexpected cycle: %v", err)
	}
	if err := s.Validate("missing"); err != nil {
		t.Errorf("empty tree should validate: %v", err)
	}
}

func TestConcurrentTransitionsAreLinearizable(t *testing.T) {
	s := newTree(t, nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Transition("r.1", models.TaskStatusRunning, Payload{WorkerID: "w"}); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("expected exactly one successful start, got %d", wins)
	}
}
