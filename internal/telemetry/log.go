// Package telemetry records task lifecycle events and derives views from
// them: the task tree, KPIs, JSON Lines dumps and metric exports.
//
// The event log is the source of truth. Every view can be rebuilt from the
// events alone, so a dump loaded from disk renders the same tree as the
// live run that produced it.
package telemetry

import (
	"log"
	"sync"
	"sync/atomic"

	"github.com/ShayCichocki/workforce/pkg/models"
)

// DefaultSubscriberBuffer is the channel size handed to new subscribers.
const DefaultSubscriberBuffer = 256

// Log is an append-only, concurrency-safe event log. Appends assign a
// strictly increasing sequence number and fan out to subscribers without
// blocking; a subscriber that falls behind loses events, the log does not.
type Log struct {
	mu     sync.RWMutex
	events []models.Event
	seq    uint64
	subs   map[int]chan models.Event
	nextID int
	closed bool

	droppedCount atomic.Uint64
}

// NewLog creates an empty log.
func NewLog() *Log {
	return &Log{subs: make(map[int]chan models.Event)}
}

// Append records ev and returns it with its sequence number set.
func (l *Log) Append(ev models.Event) models.Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	ev.Seq = l.seq
	l.events = append(l.events, ev)

	for _, ch := range l.subs {
		select {
		case ch <- ev:
		default:
			count := l.droppedCount.Add(1)
			if count%10 == 1 {
				log.Printf("[telemetry] WARNING: subscriber channel full, dropped event (total dropped: %d): kind=%s task=%s", count, ev.Kind, ev.TaskID)
			}
		}
	}
	return ev
}

// Subscribe returns a channel receiving every event appended from now on
// and a function that detaches it. buffer <= 0 uses DefaultSubscriberBuffer.
func (l *Log) Subscribe(buffer int) (<-chan models.Event, func()) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	ch := make(chan models.Event, buffer)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		close(ch)
		return ch, func() {}
	}
	id := l.nextID
	l.nextID++
	l.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if sub, ok := l.subs[id]; ok {
				delete(l.subs, id)
				close(sub)
			}
		})
	}
}

// Close detaches every subscriber. Appends after Close are still recorded.
func (l *Log) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	for id, ch := range l.subs {
		delete(l.subs, id)
		close(ch)
	}
}

// Events returns a copy of the events of one root in sequence order. An
// empty rootID returns every event.
func (l *Log) Events(rootID string) []models.Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]models.Event, 0, len(l.events))
	for _, ev := range l.events {
		if rootID == "" || ev.RootID == rootID {
			out = append(out, ev)
		}
	}
	return out
}

// Len returns the number of recorded events.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// DroppedCount returns how many subscriber deliveries were dropped.
func (l *Log) DroppedCount() uint64 {
	return l.droppedCount.Load()
}
