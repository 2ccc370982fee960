package worker

import (
	"context"
	"fmt"
	"time"
)

// EchoWorker returns the task content unchanged, optionally after a delay.
// It is used for dry runs and tests.
type EchoWorker struct {
	// Prefix is prepended to every result.
	Prefix string
	// Delay simulates processing time.
	Delay time.Duration
}

// Process implements Processor.
func (w EchoWorker) Process(ctx context.Context, req Request) (string, error) {
	if w.Delay > 0 {
		timer := time.NewTimer(w.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return "", Transient(ctx.Err())
		case <-timer.C:
		}
	}
	if w.Prefix == "" {
		return req.Content, nil
	}
	return fmt.Sprintf("%s: %s", w.Prefix, req.Content), nil
}
