package telemetry

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ShayCichocki/workforce/pkg/models"
)

// Metrics exports the event stream as Prometheus collectors on its own
// registry.
type Metrics struct {
	registry *prometheus.Registry
	events   *prometheus.CounterVec
	attempts *prometheus.HistogramVec
	busy     prometheus.Gauge

	mu      sync.Mutex
	started map[string]models.Event
}

// NewMetrics creates the collectors and registers them.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "workforce",
			Name:      "events_total",
			Help:      "Task lifecycle events by kind.",
		}, []string{"kind"}),
		attempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "workforce",
			Name:      "attempt_duration_seconds",
			Help:      "Duration of task attempts by worker and outcome.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"worker", "outcome"}),
		busy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "workforce",
			Name:      "busy_workers",
			Help:      "Workers currently running a task attempt.",
		}),
		started: make(map[string]models.Event),
	}
	m.registry.MustRegister(m.events, m.attempts, m.busy)
	return m
}

// Registry returns the registry holding the workforce collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Observe updates the collectors for one event.
func (m *Metrics) Observe(ev models.Event) {
	m.events.WithLabelValues(string(ev.Kind)).Inc()

	m.mu.Lock()
	defer m.mu.Unlock()
	switch ev.Kind {
	case models.EventStarted:
		m.started[ev.TaskID] = ev
		m.busy.Inc()
	case models.EventSucceeded, models.EventFailed, models.EventRetried, models.EventCancelled:
		start, ok := m.started[ev.TaskID]
		if !ok {
			return
		}
		delete(m.started, ev.TaskID)
		m.busy.Dec()
		m.attempts.WithLabelValues(start.WorkerID, string(ev.Kind)).
			Observe(ev.Timestamp.Sub(start.Timestamp).Seconds())
	}
}

// Consume observes events from ch until it is closed or ctx ends.
func (m *Metrics) Consume(ctx context.Context, ch <-chan models.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			m.Observe(ev)
		}
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx ends.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
