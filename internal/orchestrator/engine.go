package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/ShayCichocki/workforce/internal/graph"
	"github.com/ShayCichocki/workforce/internal/worker"
	"github.com/ShayCichocki/workforce/pkg/models"
)

// Engine defaults.
const (
	DefaultMaxAttempts  = 3
	DefaultPollInterval = 100 * time.Millisecond
)

// EngineConfig configures retries, timeouts and the fallback policy.
type EngineConfig struct {
	// MaxAttempts is the attempt budget per task, including the first.
	MaxAttempts int
	// TaskTimeout bounds a single attempt; zero disables it.
	TaskTimeout time.Duration
	// RedecomposeOnFailure re-plans a task into finer subtasks once its
	// retries are exhausted, within the decomposition depth limit.
	RedecomposeOnFailure bool
	// PollInterval is how often an idle loop re-checks for work it was not
	// woken for, such as a resume after pause.
	PollInterval time.Duration
}

// Engine schedules task trees: it decomposes, dispatches, retries and
// aggregates until each root reaches a terminal status.
type Engine struct {
	store    *graph.Store
	registry *WorkerRegistry
	coord    *Coordinator
	shutdown *ShutdownController
	pause    *PauseController
	cfg      EngineConfig
	logger   *DebugLogger
}

// NewEngine creates an engine over the shared store and registry.
func NewEngine(store *graph.Store, registry *WorkerRegistry, coord *Coordinator, shutdown *ShutdownController, pause *PauseController, cfg EngineConfig, logger *DebugLogger) *Engine {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if shutdown == nil {
		shutdown = NewShutdownController(nil)
	}
	if pause == nil {
		pause = NewPauseController()
	}
	if logger == nil {
		logger = NopLogger()
	}
	return &Engine{
		store:    store,
		registry: registry,
		coord:    coord,
		shutdown: shutdown,
		pause:    pause,
		cfg:      cfg,
		logger:   logger,
	}
}

// completion is delivered by dispatch and aggregation goroutines.
type completion struct {
	taskID    string
	workerID  string
	result    string
	err       error
	aggregate bool
	// wake is the registry change channel taken before an aggregation
	// tried to acquire its worker.
	wake <-chan struct{}
}

// inflight represents a task attempt running on a worker.
type inflight struct {
	taskID    string
	workerID  string
	startTime time.Time
	lease     *Lease
	cancelFn  context.CancelFunc
}

// rootRun is the state of one root's scheduling loop. Only the loop
// goroutine touches it.
type rootRun struct {
	e      *Engine
	rootID string

	inflight    map[string]*inflight
	aggregating map[string]context.CancelFunc
	// completionCh has a single consumer: the loop.
	completionCh chan completion
	// done is closed when the loop returns so late senders do not block.
	done chan struct{}
	// waiting records tasks already reported as lacking an idle worker.
	waiting map[string]bool
	// aggWaiting holds parents whose aggregator was busy, keyed to the
	// registry change that lets them try again.
	aggWaiting map[string]<-chan struct{}
	// unmatched holds ready tasks no registered worker matches, as of the
	// last pass.
	unmatched map[string]bool
}

// Run drives the tree rooted at rootID until the root is terminal and
// returns the final root. An error is returned only when an engine
// invariant was violated; the run is aborted in that case.
func (e *Engine) Run(ctx context.Context, rootID string) (*models.Task, error) {
	r := &rootRun{
		e:            e,
		rootID:       rootID,
		inflight:     make(map[string]*inflight),
		aggregating:  make(map[string]context.CancelFunc),
		completionCh: make(chan completion, 16),
		done:         make(chan struct{}),
		waiting:      make(map[string]bool),
		aggWaiting:   make(map[string]<-chan struct{}),
		unmatched:    make(map[string]bool),
	}
	defer close(r.done)

	root, err := r.loop(ctx)
	if err != nil {
		e.logger.Log("[engine] run %s aborted: %v", rootID, err)
		r.abort()
		return root, err
	}
	e.logger.Log("[engine] run %s finished: %s", rootID, root.Status)
	return root, nil
}

func (r *rootRun) loop(ctx context.Context) (*models.Task, error) {
	e := r.e
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	draining := e.shutdown.Draining()
	deadline := e.shutdown.Deadline()
	ctxDone := ctx.Done()

	for {
		root, err := e.store.Get(r.rootID)
		if err != nil {
			return nil, err
		}
		if root.Status.Terminal() {
			return root, nil
		}

		// Grab the wake channel before scanning so a release during the scan is not missed.
		changed := e.registry.Changed()
		if err := r.schedule(ctx); err != nil {
			return root, err
		}

		root, err = e.store.Get(r.rootID)
		if err != nil {
			return nil, err
		}
		if root.Status.Terminal() {
			return root, nil
		}

		busy := len(r.inflight) > 0 || len(r.aggregating) > 0
		switch {
		case e.shutdown.IsDraining() && !busy:
			e.logger.Log("[engine] run %s: draining with nothing in flight", r.rootID)
			if err := r.cancelWave(ErrShutdownTimeout.Error()); err != nil {
				return root, err
			}
			continue
		case !busy && len(r.aggWaiting) == 0 && !e.shutdown.IsDraining() && !e.pause.IsPaused() && !r.hasDispatchable():
			if len(r.unmatched) > 0 {
				if _, err := r.failUnmatched(); err != nil {
					return root, err
				}
				continue
			}
			log.Printf("[engine] run %s stalled with root %s", r.rootID, root.Status)
			if err := r.failAll(ErrStalled.Error()); err != nil {
				return root, err
			}
			continue
		}

		select {
		case <-ctxDone:
			ctxDone = nil
			e.logger.Log("[engine] run %s: context done: %v", r.rootID, ctx.Err())
			if err := r.cancelWave(fmt.Sprintf("%s: %v", ErrShutdownTimeout, ctx.Err())); err != nil {
				return root, err
			}
		case <-deadline:
			deadline = nil
			e.logger.Log("[engine] run %s: drain deadline reached with %d in flight", r.rootID, len(r.inflight))
			if err := r.cancelWave(ErrShutdownTimeout.Error()); err != nil {
				return root, err
			}
		case <-draining:
			draining = nil
		case c := <-r.completionCh:
			if err := r.handle(ctx, c); err != nil {
				return root, err
			}
		case <-changed:
		case <-ticker.C:
		}
	}
}

// schedule runs passes until one makes no progress.
func (r *rootRun) schedule(ctx context.Context) error {
	for {
		progressed, err := r.pass(ctx)
		if err != nil || !progressed {
			return err
		}
	}
}

// pass walks the ready set once, then resolves dependency failures and
// finished parents.
func (r *rootRun) pass(ctx context.Context) (bool, error) {
	e := r.e
	draining := e.shutdown.IsDraining() || ctx.Err() != nil
	paused := e.pause.IsPaused()
	progressed := false
	r.unmatched = make(map[string]bool)

	for id := range e.store.ReadyTasks(r.rootID) {
		task, err := e.store.Get(id)
		if err != nil {
			return progressed, err
		}

		if e.coord.NeedsDecomposition(task) {
			if draining {
				continue
			}
			progressed = true
			n, err := e.coord.Decompose(ctx, id)
			if err != nil {
				if after, _ := e.store.Get(id); errors.Is(err, ErrIllegalTransition) || (after != nil && !after.IsLeaf()) {
					return progressed, err
				}
				log.Printf("[engine] decomposition of %s failed, running it as one task: %v", id, err)
			}
			if n > 0 {
				continue
			}
		}

		if draining || paused {
			continue
		}

		lease, err := e.coord.Assign(id)
		if errors.Is(err, ErrNoMatchingWorker) {
			r.unmatched[id] = true
			if !r.waiting[id] {
				r.waiting[id] = true
				log.Printf("[engine] %v", err)
			}
			continue
		}
		if err != nil {
			if errors.Is(err, ErrIllegalTransition) {
				return progressed, err
			}
			log.Printf("[engine] assign %s: %v", id, err)
			continue
		}
		if lease == nil {
			if !r.waiting[id] {
				r.waiting[id] = true
				e.logger.Log("[engine] task %s waiting for an idle worker", id)
			}
			continue
		}
		delete(r.waiting, id)
		if err := r.dispatch(ctx, id, lease); err != nil {
			return progressed, err
		}
		progressed = true
	}

	tasks := e.store.Tasks(r.rootID)

	if !draining {
		for _, t := range tasks {
			if t.Status != models.TaskStatusOpen {
				continue
			}
			if failedDep := r.failedDependency(t); failedDep != "" {
				if err := r.failDependent(t.ID, failedDep); err != nil {
					return progressed, err
				}
				progressed = true
			}
		}
	}

	// Children are created after their parents, so walking backwards settles
	// nested parents in one sweep.
	for i := len(tasks) - 1; i >= 0; i-- {
		t := tasks[i]
		if t.Status != models.TaskStatusBlocked || t.IsLeaf() {
			continue
		}
		if _, busy := r.aggregating[t.ID]; busy || !e.store.AllChildrenTerminal(t.ID) {
			continue
		}
		if wake, ok := r.aggWaiting[t.ID]; ok {
			select {
			case <-wake:
				delete(r.aggWaiting, t.ID)
			default:
				continue
			}
		}
		started, err := r.aggregate(ctx, t.ID, draining)
		if err != nil {
			return progressed, err
		}
		progressed = progressed || started
	}
	return progressed, nil
}

// failedDependency returns the first dependency of t that FAILED.
func (r *rootRun) failedDependency(t *models.Task) string {
	for _, depID := range t.DependsOn {
		dep, err := r.e.store.Get(depID)
		if err == nil && dep.Status == models.TaskStatusFailed {
			return depID
		}
	}
	return ""
}

// failDependent moves an OPEN task whose dependency failed through BLOCKED to FAILED.
func (r *rootRun) failDependent(taskID, depID string) error {
	reason := fmt.Sprintf("dependency %s failed", depID)
	if _, err := r.e.store.Transition(taskID, models.TaskStatusBlocked, graph.Payload{Reason: reason}); err != nil {
		return err
	}
	_, err := r.e.store.Transition(taskID, models.TaskStatusFailed, graph.Payload{Reason: reason})
	return err
}

// dispatch starts an attempt on the leased worker in its own goroutine.
func (r *rootRun) dispatch(ctx context.Context, taskID string, lease *Lease) error {
	e := r.e
	task, err := e.store.Transition(taskID, models.TaskStatusRunning, graph.Payload{WorkerID: lease.WorkerID})
	if err != nil {
		lease.Release()
		return err
	}

	var taskCtx context.Context
	var cancel context.CancelFunc
	if e.cfg.TaskTimeout > 0 {
		taskCtx, cancel = context.WithTimeout(ctx, e.cfg.TaskTimeout)
	} else {
		taskCtx, cancel = context.WithCancel(ctx)
	}

	r.inflight[taskID] = &inflight{
		taskID:    taskID,
		workerID:  lease.WorkerID,
		startTime: time.Now(),
		lease:     lease,
		cancelFn:  cancel,
	}
	e.logger.Log("[engine] dispatched %s to %s (attempt %d)", taskID, lease.WorkerID, task.Attempts)

	req := worker.Request{
		TaskID:       task.ID,
		Content:      task.Content,
		Context:      task.Context,
		Dependencies: e.store.DependencyResults(taskID),
		Attempt:      task.Attempts,
	}
	go func(proc worker.Processor, workerID string) {
		out, err := process(taskCtx, proc, req)
		select {
		case r.completionCh <- completion{taskID: taskID, workerID: workerID, result: out, err: err}:
		case <-r.done:
			lease.Release()
		}
	}(lease.Processor(), lease.WorkerID)
	return nil
}

// process calls the worker, turning a panic into a failure.
func process(ctx context.Context, proc worker.Processor, req worker.Request) (out string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = worker.Transient(fmt.Errorf("worker panic: %v", p))
		}
	}()
	return proc.Process(ctx, req)
}

// handle applies a completion. The worker is released once the task has
// left RUNNING, on every path.
func (r *rootRun) handle(ctx context.Context, c completion) error {
	e := r.e
	if c.aggregate {
		delete(r.aggregating, c.taskID)
		return r.afterAggregate(c.taskID, c.wake, c.err)
	}

	inf, ok := r.inflight[c.taskID]
	if !ok {
		return nil
	}
	delete(r.inflight, c.taskID)
	inf.cancelFn()
	defer inf.lease.Release()

	task, err := e.store.Get(c.taskID)
	if err != nil {
		return err
	}
	if task.Status != models.TaskStatusRunning {
		return nil
	}

	if c.err == nil {
		e.logger.Log("[engine] %s succeeded on %s in %s", c.taskID, c.workerID, time.Since(inf.startTime))
		_, err := e.store.Transition(c.taskID, models.TaskStatusSucceeded, graph.Payload{Result: c.result})
		return err
	}

	failure := worker.AsFailure(c.err)
	reason := fmt.Sprintf("worker %s: %v", c.workerID, c.err)
	if errors.Is(c.err, context.DeadlineExceeded) {
		reason = fmt.Sprintf("worker %s: timed out after %s", c.workerID, e.cfg.TaskTimeout)
	}
	e.logger.Log("[engine] %s attempt %d failed (%s): %s", c.taskID, task.Attempts, failure.Kind, reason)

	if failure.WorkerSpecific() {
		if err := e.store.ExcludeWorker(c.taskID, c.workerID); err != nil {
			return err
		}
	}

	if failure.Retryable() && task.Attempts < e.cfg.MaxAttempts && ctx.Err() == nil {
		_, err := e.store.Transition(c.taskID, models.TaskStatusOpen, graph.Payload{Reason: reason})
		return err
	}
	return r.fail(ctx, c.taskID, reason)
}

// fail marks a task FAILED after its retries ran out and, when allowed,
// re-decomposes it into a finer plan.
func (r *rootRun) fail(ctx context.Context, taskID, reason string) error {
	e := r.e
	var plan []Subtask
	if e.cfg.RedecomposeOnFailure && !e.shutdown.IsDraining() && ctx.Err() == nil {
		var err error
		plan, err = e.coord.PlanRedecomposition(ctx, taskID, reason)
		switch {
		case errors.Is(err, ErrDecompositionExhausted):
			reason = fmt.Sprintf("%s: %s", reason, ErrDecompositionExhausted)
		case err != nil:
			log.Printf("[engine] re-decomposition of %s failed: %v", taskID, err)
		}
	}

	if _, err := e.store.Transition(taskID, models.TaskStatusFailed, graph.Payload{Reason: reason}); err != nil {
		return err
	}
	if len(plan) == 0 {
		return nil
	}

	n, err := e.coord.Redecompose(taskID, plan)
	if err != nil {
		return err
	}
	log.Printf("[engine] task %s re-decomposed into %d subtasks", taskID, n)
	return nil
}

// aggregate resolves a finished parent, in the background when it needs a
// worker. It reports whether anything changed or started.
func (r *rootRun) aggregate(ctx context.Context, taskID string, draining bool) (bool, error) {
	e := r.e
	if !e.coord.NeedsWorker() {
		_, err := e.coord.Aggregate(ctx, taskID)
		return err == nil, r.afterAggregate(taskID, nil, err)
	}
	if draining {
		return false, nil
	}

	aggCtx, cancel := context.WithCancel(ctx)
	r.aggregating[taskID] = cancel
	wake := e.registry.Changed()
	go func() {
		_, err := e.coord.Aggregate(aggCtx, taskID)
		select {
		case r.completionCh <- completion{taskID: taskID, err: err, aggregate: true, wake: wake}:
		case <-r.done:
		}
	}()
	return true, nil
}

// afterAggregate settles an aggregation attempt. A busy aggregator parks the
// parent until the registry changes after wake was taken.
func (r *rootRun) afterAggregate(taskID string, wake <-chan struct{}, err error) error {
	e := r.e
	switch {
	case err == nil:
		return nil
	case isUnavailable(err):
		aggID := e.coord.Config().AggregatorWorker
		if _, ok := e.registry.Get(aggID); !ok {
			reason := fmt.Sprintf("aggregator worker %q is not registered", aggID)
			log.Printf("[engine] aggregate %s: %s", taskID, reason)
			_, err := e.store.Transition(taskID, models.TaskStatusFailed, graph.Payload{Reason: reason})
			return err
		}
		if wake != nil {
			r.aggWaiting[taskID] = wake
		}
		e.logger.Log("[engine] aggregation of %s waiting for aggregator: %v", taskID, err)
		return nil
	case errors.Is(err, ErrIllegalTransition):
		// A cancel wave may have settled the task first.
		if t, getErr := r.e.store.Get(taskID); getErr == nil && t.Status.Terminal() {
			return nil
		}
		return err
	default:
		log.Printf("[engine] aggregate %s: %v", taskID, err)
		return nil
	}
}

// hasDispatchable reports whether a ready task of this run could still be
// picked up: one that needs planning or has a matching worker.
func (r *rootRun) hasDispatchable() bool {
	for id := range r.e.store.ReadyTasks(r.rootID) {
		if !r.unmatched[id] {
			return true
		}
	}
	return false
}

// failUnmatched fails ready tasks that no registered worker matches. Tasks
// that gained a candidate since the last pass are left for the next one.
func (r *rootRun) failUnmatched() (int, error) {
	e := r.e
	ids := make([]string, 0, len(r.unmatched))
	for id := range r.unmatched {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	r.unmatched = make(map[string]bool)

	failed := 0
	for _, id := range ids {
		task, err := e.store.Get(id)
		if err != nil {
			return failed, err
		}
		if task.Status != models.TaskStatusOpen || e.coord.HasCandidates(task) {
			continue
		}
		reason := fmt.Sprintf("%s: no registered worker matches %q", ErrStalled, task.WorkerPattern)
		if task.WorkerPattern == "" {
			reason = fmt.Sprintf("%s: no workers registered", ErrStalled)
		}
		if _, err := e.store.Transition(id, models.TaskStatusBlocked, graph.Payload{Reason: reason}); err != nil {
			return failed, err
		}
		if _, err := e.store.Transition(id, models.TaskStatusFailed, graph.Payload{Reason: reason}); err != nil {
			return failed, err
		}
		failed++
	}
	return failed, nil
}

// stopInflight cancels running attempts and aggregations and releases their workers.
func (r *rootRun) stopInflight() {
	for id, inf := range r.inflight {
		inf.cancelFn()
		inf.lease.Release()
		delete(r.inflight, id)
	}
	for id, cancel := range r.aggregating {
		cancel()
		delete(r.aggregating, id)
	}
}

// cancelWave cancels every non-terminal task of the run exactly once,
// children before parents. Parents carry a partial aggregate.
func (r *rootRun) cancelWave(reason string) error {
	e := r.e
	r.stopInflight()

	tasks := e.store.Tasks(r.rootID)
	cancelled := 0
	for i := len(tasks) - 1; i >= 0; i-- {
		t, err := e.store.Get(tasks[i].ID)
		if err != nil {
			return err
		}
		if t.Status.Terminal() {
			continue
		}
		payload := graph.Payload{Reason: reason}
		if !t.IsLeaf() {
			payload = e.coord.PartialAggregate(t.ID)
		}
		if _, err := e.store.Transition(t.ID, models.TaskStatusCancelled, payload); err != nil {
			return err
		}
		cancelled++
	}
	log.Printf("[engine] run %s: cancelled %d tasks", r.rootID, cancelled)
	return nil
}

// failAll fails every non-terminal task of a stalled run, children first.
func (r *rootRun) failAll(reason string) error {
	e := r.e
	tasks := e.store.Tasks(r.rootID)
	for i := len(tasks) - 1; i >= 0; i-- {
		t, err := e.store.Get(tasks[i].ID)
		if err != nil {
			return err
		}
		switch t.Status {
		case models.TaskStatusOpen:
			if _, err := e.store.Transition(t.ID, models.TaskStatusBlocked, graph.Payload{Reason: reason}); err != nil {
				return err
			}
			fallthrough
		case models.TaskStatusBlocked:
			if _, err := e.store.Transition(t.ID, models.TaskStatusFailed, graph.Payload{Reason: reason}); err != nil {
				return err
			}
		}
	}
	return nil
}

// abort stops everything in flight after an invariant violation.
func (r *rootRun) abort() {
	r.stopInflight()
}
