package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/workforce/internal/graph"
	"github.com/ShayCichocki/workforce/internal/telemetry"
	"github.com/ShayCichocki/workforce/internal/worker"
	"github.com/ShayCichocki/workforce/pkg/models"
)

// Workforce is the caller-facing surface: it owns the task store, the
// worker registry and the event log, and runs one engine loop per
// submitted task.
type Workforce struct {
	cfg      Config
	store    *graph.Store
	registry *WorkerRegistry
	coord    *Coordinator
	engine   *Engine
	shutdown *ShutdownController
	pause    *PauseController
	events   *telemetry.Log
	logger   *DebugLogger

	// runs tracks submitted roots by ID
	runs     map[string]*run
	draining bool
	mu       sync.RWMutex

	// wg tracks running engine loops
	wg sync.WaitGroup
}

// run is one submitted root and its eventual outcome.
type run struct {
	rootID string
	done   chan struct{}
	result Result
	err    error
}

// Handle identifies a submitted task.
type Handle struct {
	ID   string
	done <-chan struct{}
}

// Done returns a channel closed when the task reached a terminal status.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Result is the outcome of a submitted task.
type Result struct {
	TaskID   string            `json:"task_id"`
	Status   models.TaskStatus `json:"status"`
	Output   string            `json:"output,omitempty"`
	Reason   string            `json:"reason,omitempty"`
	Warnings []string          `json:"warnings,omitempty"`
}

// TaskError describes a task that did not succeed.
type TaskError struct {
	TaskID string
	Status models.TaskStatus
	Reason string
	cause  error
}

func (e *TaskError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("task %s %s", e.TaskID, e.Status)
	}
	return fmt.Sprintf("task %s %s: %s", e.TaskID, e.Status, e.Reason)
}

func (e *TaskError) Unwrap() error {
	return e.cause
}

// Err returns nil for a successful task and a *TaskError otherwise. A
// cancelled task unwraps to ErrShutdownTimeout; a failure caused by the
// depth limit unwraps to ErrDecompositionExhausted.
func (r Result) Err() error {
	if r.Status == models.TaskStatusSucceeded {
		return nil
	}
	te := &TaskError{TaskID: r.TaskID, Status: r.Status, Reason: r.Reason}
	switch {
	case r.Status == models.TaskStatusCancelled:
		te.cause = ErrShutdownTimeout
	case strings.Contains(r.Reason, ErrDecompositionExhausted.Error()):
		te.cause = ErrDecompositionExhausted
	case strings.Contains(r.Reason, ErrStalled.Error()):
		te.cause = ErrStalled
	}
	return te
}

// New creates a Workforce. Without options it uses DefaultConfig, the
// keyword matcher and no decomposition.
func New(opts ...Option) *Workforce {
	o := &workforceOptions{cfg: DefaultConfig()}
	for _, opt := range opts {
		opt(o)
	}
	cfg := o.cfg.applyDefaults()

	logger := o.logger
	if logger == nil {
		logger = NopLogger()
	}
	setPackageLogger(logger)

	events := o.events
	if events == nil {
		events = telemetry.NewLog()
	}

	store := graph.New()
	store.SetDebugLog(logger.Log)
	store.SetObserver(func(ev models.Event) {
		events.Append(ev)
	})

	registry := NewWorkerRegistry(o.matcher)
	coord := NewCoordinator(store, registry, o.planner, o.fallback, CoordinatorConfig{
		MaxDecompositionDepth: cfg.MaxDecompositionDepth,
		Policy:                cfg.Policy,
		Combine:               cfg.Combine,
		AggregatorWorker:      cfg.AggregatorWorker,
	})

	w := &Workforce{
		cfg:      cfg,
		store:    store,
		registry: registry,
		coord:    coord,
		pause:    NewPauseController(),
		events:   events,
		logger:   logger,
		runs:     make(map[string]*run),
	}
	w.shutdown = NewShutdownController(w.wg.Wait)
	w.engine = NewEngine(store, registry, coord, w.shutdown, w.pause, EngineConfig{
		MaxAttempts:          cfg.MaxAttempts,
		TaskTimeout:          cfg.TaskTimeout,
		RedecomposeOnFailure: cfg.RedecomposeOnFailure,
		PollInterval:         cfg.PollInterval,
	}, logger)
	return w
}

// Config returns the effective configuration.
func (w *Workforce) Config() Config {
	return w.cfg
}

// Register adds a worker under a caller-chosen ID.
func (w *Workforce) Register(id, description string, proc worker.Processor) error {
	return w.registry.Register(id, description, proc)
}

// RegisterWorker adds a worker and returns its generated ID.
func (w *Workforce) RegisterWorker(description string, proc worker.Processor) (string, error) {
	return w.registry.RegisterWorker(description, proc)
}

// Unregister removes an idle worker.
func (w *Workforce) Unregister(id string) error {
	return w.registry.Unregister(id)
}

// Workers returns a snapshot of registered workers.
func (w *Workforce) Workers() []models.Worker {
	return w.registry.Workers()
}

// SubmitOption configures a single submission.
type SubmitOption func(*submitOptions)

type submitOptions struct {
	id       string
	blocking bool
	pattern  string
}

// WithTaskID sets the root task ID instead of generating one.
func WithTaskID(id string) SubmitOption {
	return func(o *submitOptions) { o.id = id }
}

// WithBlocking makes Submit return only after the task is terminal.
func WithBlocking() SubmitOption {
	return func(o *submitOptions) { o.blocking = true }
}

// WithWorkerPattern restricts the root task to workers whose ID matches a glob.
func WithWorkerPattern(pattern string) SubmitOption {
	return func(o *submitOptions) { o.pattern = pattern }
}

// Submit admits a task and starts running it. It fails with
// ErrShuttingDown once a shutdown was requested. The run is cancelled when
// ctx ends; cancelled tasks report a partial result.
func (w *Workforce) Submit(ctx context.Context, content string, taskCtx map[string]string, opts ...SubmitOption) (*Handle, error) {
	so := &submitOptions{}
	for _, opt := range opts {
		opt(so)
	}
	id := so.id
	if id == "" {
		id = uuid.New().String()[:8]
	}

	w.mu.Lock()
	if w.draining {
		w.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if _, err := w.store.CreateRoot(id, graph.TaskSpec{
		Content:       content,
		Context:       taskCtx,
		WorkerPattern: so.pattern,
	}); err != nil {
		w.mu.Unlock()
		return nil, fmt.Errorf("submit: %w", err)
	}
	r := &run{rootID: id, done: make(chan struct{})}
	w.runs[id] = r
	w.wg.Add(1)
	w.mu.Unlock()

	log.Printf("[workforce] %s: submitted task %s", w.cfg.Description, id)

	go func() {
		defer w.wg.Done()
		root, err := w.engine.Run(ctx, id)
		w.finish(r, root, err)
	}()

	if so.blocking {
		<-r.done
	}
	return &Handle{ID: id, done: r.done}, nil
}

// finish records the outcome and wakes waiters.
func (w *Workforce) finish(r *run, root *models.Task, err error) {
	if root != nil {
		r.result = Result{
			TaskID:   root.ID,
			Status:   root.Status,
			Output:   root.Result,
			Reason:   root.FailureReason,
			Warnings: root.Warnings,
		}
	} else {
		r.result = Result{TaskID: r.rootID}
	}
	if err != nil {
		r.err = fmt.Errorf("run %s: %w", r.rootID, err)
		log.Printf("[workforce] %v", r.err)
	}
	close(r.done)
}

// Process submits a task and waits for its result.
func (w *Workforce) Process(ctx context.Context, content string, taskCtx map[string]string, opts ...SubmitOption) (Result, error) {
	h, err := w.Submit(ctx, content, taskCtx, opts...)
	if err != nil {
		return Result{}, err
	}
	return w.AwaitResult(ctx, h, 0)
}

// AwaitResult waits for a submitted task. A positive timeout bounds the
// wait and yields ErrAwaitTimeout; the task keeps running. The returned
// error reports an aborted run, not a failed task: see Result.Err.
func (w *Workforce) AwaitResult(ctx context.Context, h *Handle, timeout time.Duration) (Result, error) {
	r, err := w.lookup(h)
	if err != nil {
		return Result{}, err
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case <-r.done:
		return r.result, r.err
	case <-timer:
		return Result{TaskID: h.ID}, fmt.Errorf("task %s after %s: %w", h.ID, timeout, ErrAwaitTimeout)
	case <-ctx.Done():
		return Result{TaskID: h.ID}, ctx.Err()
	}
}

func (w *Workforce) lookup(h *Handle) (*run, error) {
	if h == nil {
		return nil, fmt.Errorf("nil handle: %w", ErrTaskNotFound)
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	r, ok := w.runs[h.ID]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", h.ID, ErrTaskNotFound)
	}
	return r, nil
}

// Task returns the live state of any task in the store.
func (w *Workforce) Task(id string) (*models.Task, error) {
	return w.store.Get(id)
}

// Tasks returns the live tasks of a submitted root in creation order.
func (w *Workforce) Tasks(h *Handle) []*models.Task {
	return w.store.Tasks(h.ID)
}

// LogTree rebuilds the task tree of a submission from its events.
func (w *Workforce) LogTree(h *Handle) (*telemetry.TreeNode, error) {
	if _, err := w.lookup(h); err != nil {
		return nil, err
	}
	return telemetry.Tree(telemetry.Reconstruct(w.events.Events(h.ID)), h.ID), nil
}

// RenderTree writes the text view of a submission's tree.
func (w *Workforce) RenderTree(out io.Writer, h *Handle, colored bool) error {
	tree, err := w.LogTree(h)
	if err != nil {
		return err
	}
	return telemetry.Render(out, tree, telemetry.RenderOptions{Color: colored})
}

// KPIs derives metrics for a submission. A nil handle covers every
// submission.
func (w *Workforce) KPIs(h *Handle) (map[string]float64, error) {
	if h == nil {
		return telemetry.KPIs(w.events.Events(""), ""), nil
	}
	if _, err := w.lookup(h); err != nil {
		return nil, err
	}
	return telemetry.KPIs(w.events.Events(h.ID), h.ID), nil
}

// DumpLogs writes a submission's events to path as JSON Lines. A nil
// handle dumps every event.
func (w *Workforce) DumpLogs(h *Handle, path string) error {
	rootID := ""
	if h != nil {
		if _, err := w.lookup(h); err != nil {
			return err
		}
		rootID = h.ID
	}
	if err := telemetry.DumpFile(path, w.events.Events(rootID)); err != nil {
		return fmt.Errorf("dump logs: %w", err)
	}
	return nil
}

// Events returns the event log.
func (w *Workforce) Events() *telemetry.Log {
	return w.events
}

// Subscribe streams events appended from now on.
func (w *Workforce) Subscribe(buffer int) (<-chan models.Event, func()) {
	return w.events.Subscribe(buffer)
}

// RequestShutdown stops admissions and drains: running tasks may finish
// until deadline, then everything left is cancelled. The returned channel
// closes when every run has returned. Later calls return the same channel
// and do not move the deadline.
func (w *Workforce) RequestShutdown(deadline time.Duration) <-chan struct{} {
	w.mu.Lock()
	w.draining = true
	w.mu.Unlock()
	w.pause.Stop()
	return w.shutdown.Request(deadline)
}

// ShuttingDown reports whether a shutdown was requested.
func (w *Workforce) ShuttingDown() bool {
	return w.shutdown.IsDraining()
}

// Pause stops new dispatches; running tasks continue.
func (w *Workforce) Pause() {
	w.pause.Pause()
}

// Resume re-enables dispatching.
func (w *Workforce) Resume() {
	w.pause.Resume()
}

// WatchSignals starts a SignalWatcher on dir using the configured drain timeout.
func (w *Workforce) WatchSignals(dir string) (*SignalWatcher, error) {
	return NewSignalWatcher(dir, w, w.cfg.DrainTimeout)
}

// Forget drops a finished submission from the store and the run table.
// Its events stay in the log.
func (w *Workforce) Forget(h *Handle) error {
	r, err := w.lookup(h)
	if err != nil {
		return err
	}
	select {
	case <-r.done:
	default:
		return fmt.Errorf("forget %s: still running: %w", h.ID, ErrIllegalTransition)
	}
	if err := w.store.Remove(h.ID); err != nil && !errors.Is(err, ErrTaskNotFound) {
		return err
	}
	w.mu.Lock()
	delete(w.runs, h.ID)
	w.mu.Unlock()
	return nil
}

// Close shuts down with the given deadline, waits for the drain and
// releases the event log and debug logger.
func (w *Workforce) Close(deadline time.Duration) error {
	<-w.RequestShutdown(deadline)
	w.events.Close()
	return w.logger.Close()
}
