package orchestrator

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Signal file names recognised in the control directory.
const (
	SignalShutdown = "shutdown"
	SignalPause    = "pause"
	SignalResume   = "resume"
)

// SignalTarget receives control signals.
type SignalTarget interface {
	RequestShutdown(deadline time.Duration) <-chan struct{}
	Pause()
	Resume()
}

// SignalWatcher turns files dropped into a control directory into shutdown,
// pause and resume requests. A shutdown file may contain a drain deadline
// such as "30s"; otherwise the default deadline is used.
type SignalWatcher struct {
	dir      string
	target   SignalTarget
	deadline time.Duration

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
	closeMu sync.Once
}

// NewSignalWatcher creates the control directory, clears stale signal files
// and starts watching.
func NewSignalWatcher(dir string, target SignalTarget, deadline time.Duration) (*SignalWatcher, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create signals directory: %w", err)
	}
	ClearSignals(dir)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	sw := &SignalWatcher{
		dir:      dir,
		target:   target,
		deadline: deadline,
		watcher:  watcher,
		done:     make(chan struct{}),
	}
	sw.wg.Add(1)
	go sw.watch()
	return sw, nil
}

// watch monitors the signals directory.
func (sw *SignalWatcher) watch() {
	defer sw.wg.Done()
	for {
		select {
		case <-sw.done:
			return
		case event, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			sw.handle(filepath.Base(event.Name))
		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
			debugLog("[signals] watcher error: %v", err)
		}
	}
}

func (sw *SignalWatcher) handle(name string) {
	switch name {
	case SignalShutdown:
		deadline := sw.deadline
		if data, err := os.ReadFile(filepath.Join(sw.dir, name)); err == nil {
			if d, err := time.ParseDuration(strings.TrimSpace(string(data))); err == nil {
				deadline = d
			}
		}
		log.Printf("[signals] shutdown signal received")
		sw.target.RequestShutdown(deadline)
	case SignalPause:
		sw.target.Pause()
	case SignalResume:
		sw.target.Resume()
		os.Remove(filepath.Join(sw.dir, SignalPause))
		os.Remove(filepath.Join(sw.dir, SignalResume))
	}
}

// Close stops watching.
func (sw *SignalWatcher) Close() error {
	var err error
	sw.closeMu.Do(func() {
		close(sw.done)
		err = sw.watcher.Close()
		sw.wg.Wait()
	})
	return err
}

// SendSignal writes a signal file into dir.
func SendSignal(dir, name, content string) error {
	switch name {
	case SignalShutdown, SignalPause, SignalResume:
	default:
		return fmt.Errorf("unknown signal %q", name)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create signals directory: %w", err)
	}
	if content == "" {
		content = time.Now().Format(time.RFC3339)
	}
	// Rename so the watcher never sees a half-written file.
	tmp := filepath.Join(dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, []byte(content), 0644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, name))
}

// ClearSignals removes all signal files from dir.
func ClearSignals(dir string) {
	for _, name := range []string{SignalShutdown, SignalPause, SignalResume} {
		os.Remove(filepath.Join(dir, name))
	}
}
