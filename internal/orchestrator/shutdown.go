package orchestrator

import (
	"log"
	"sync"
	"time"
)

// DefaultDrainTimeout is how long running tasks may keep going after a
// shutdown request before they are cancelled.
const DefaultDrainTimeout = 60 * time.Second

// ShutdownController coordinates a bounded-time drain. Once requested it
// stops admissions immediately and fires the deadline after the requested
// duration. Repeated requests have no further effect.
type ShutdownController struct {
	once     sync.Once
	doneOnce sync.Once

	// draining is closed when shutdown is requested.
	draining chan struct{}
	// deadline is closed when the drain deadline expires.
	deadline chan struct{}
	// done is closed when every run finished draining.
	done chan struct{}

	// waitFn blocks until all runs have returned.
	waitFn func()
}

// NewShutdownController creates a controller. waitFn is called after a
// request and must block until every run loop has returned.
func NewShutdownController(waitFn func()) *ShutdownController {
	if waitFn == nil {
		waitFn = func() {}
	}
	return &ShutdownController{
		draining: make(chan struct{}),
		deadline: make(chan struct{}),
		done:     make(chan struct{}),
		waitFn:   waitFn,
	}
}

// Request starts the drain with the given deadline and returns a channel
// closed when the drain completes. A non-positive deadline cancels at once.
func (s *ShutdownController) Request(deadline time.Duration) <-chan struct{} {
	s.once.Do(func() {
		log.Printf("[shutdown] drain requested, deadline %s", deadline)
		close(s.draining)

		if deadline <= 0 {
			close(s.deadline)
		} else {
			// Fires even when the drain finished first.
			time.AfterFunc(deadline, func() {
				debugLog("[shutdown] deadline expired")
				close(s.deadline)
			})
		}

		go func() {
			s.waitFn()
			s.finish()
		}()
	})
	return s.done
}

func (s *ShutdownController) finish() {
	s.doneOnce.Do(func() {
		close(s.done)
	})
}

// Draining returns a channel closed once shutdown was requested.
func (s *ShutdownController) Draining() <-chan struct{} {
	return s.draining
}

// Deadline returns a channel closed once the drain deadline expired.
func (s *ShutdownController) Deadline() <-chan struct{} {
	return s.deadline
}

// Done returns a channel closed once the drain completed.
func (s *ShutdownController) Done() <-chan struct{} {
	return s.done
}

// IsDraining reports whether shutdown was requested.
func (s *ShutdownController) IsDraining() bool {
	select {
	case <-s.draining:
		return true
	default:
		return false
	}
}

// PauseController manages pause/resume state for dispatching. While paused,
// no new task starts; running tasks are unaffected.
type PauseController struct {
	// paused indicates whether dispatching is paused.
	paused bool
	// stopped indicates whether the controller has been stopped.
	stopped bool
	// mu protects all fields.
	mu sync.RWMutex
}

// NewPauseController creates a new PauseController.
func NewPauseController() *PauseController {
	return &PauseController{}
}

// Pause pauses dispatching.
func (p *PauseController) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.paused && !p.stopped {
		p.paused = true
		log.Printf("[workforce] paused - no new tasks will start")
	}
}

// Resume resumes dispatching after a pause.
func (p *PauseController) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused {
		p.paused = false
		log.Printf("[workforce] resumed - task dispatch enabled")
	}
}

// Stop lifts any pause for good; later Pause calls are ignored.
func (p *PauseController) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	p.paused = false
}

// IsPaused returns whether dispatching is currently paused.
func (p *PauseController) IsPaused() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.paused && !p.stopped
}
