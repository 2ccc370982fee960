package telemetry

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/ShayCichocki/workforce/pkg/models"
)

// KPI keys.
const (
	KPITotalTasks    = "total_tasks"
	KPISucceeded     = "succeeded"
	KPIFailed        = "failed"
	KPICancelled     = "cancelled"
	KPIBlocked       = "blocked"
	KPISuccessRate   = "success_rate"
	KPIRetryCount    = "retry_count"
	KPIRetryRate     = "retry_rate"
	KPIMeanLatencyMS = "mean_latency_ms"
	KPIP50LatencyMS  = "p50_latency_ms"
	KPIP95LatencyMS  = "p95_latency_ms"
)

// WorkerTasksKey returns the KPI key for the number of attempts a worker ran.
func WorkerTasksKey(workerID string) string {
	return fmt.Sprintf("worker.%s.tasks", workerID)
}

// WorkerLatencyKey returns the KPI key for a worker's mean attempt latency.
func WorkerLatencyKey(workerID string) string {
	return fmt.Sprintf("worker.%s.mean_latency_ms", workerID)
}

// KPIs derives aggregate metrics for one root from its events. An empty
// rootID covers every root in the events.
//
// Rates are fractions in [0, 1]. success_rate is over terminal tasks,
// retry_rate over dispatched attempts. Latencies are attempt durations,
// from STARTED to the event that closed the attempt.
func KPIs(events []models.Event, rootID string) map[string]float64 {
	snap := Reconstruct(events)

	var views []*TaskView
	if rootID == "" {
		for _, id := range snap.Order {
			views = append(views, snap.Tasks[id])
		}
	} else {
		views = snap.Subtree(rootID)
	}

	kpis := map[string]float64{
		KPITotalTasks:    float64(len(views)),
		KPISucceeded:     0,
		KPIFailed:        0,
		KPICancelled:     0,
		KPIBlocked:       0,
		KPISuccessRate:   0,
		KPIRetryCount:    0,
		KPIRetryRate:     0,
		KPIMeanLatencyMS: 0,
		KPIP50LatencyMS:  0,
		KPIP95LatencyMS:  0,
	}

	var latencies []time.Duration
	perWorker := make(map[string][]time.Duration)
	attempts := 0
	for _, v := range views {
		switch v.Status {
		case models.TaskStatusSucceeded:
			kpis[KPISucceeded]++
		case models.TaskStatusFailed:
			kpis[KPIFailed]++
		case models.TaskStatusCancelled:
			kpis[KPICancelled]++
		case models.TaskStatusBlocked:
			kpis[KPIBlocked]++
		}
		kpis[KPIRetryCount] += float64(v.Retries)
		attempts += v.Attempts

		for _, a := range v.History {
			latencies = append(latencies, a.Duration)
			perWorker[a.WorkerID] = append(perWorker[a.WorkerID], a.Duration)
		}
	}

	if terminal := kpis[KPISucceeded] + kpis[KPIFailed] + kpis[KPICancelled]; terminal > 0 {
		kpis[KPISuccessRate] = kpis[KPISucceeded] / terminal
	}
	if attempts > 0 {
		kpis[KPIRetryRate] = kpis[KPIRetryCount] / float64(attempts)
	}
	if len(latencies) > 0 {
		kpis[KPIMeanLatencyMS] = meanMS(latencies)
		kpis[KPIP50LatencyMS] = percentileMS(latencies, 50)
		kpis[KPIP95LatencyMS] = percentileMS(latencies, 95)
	}
	for workerID, ds := range perWorker {
		if workerID == "" {
			continue
		}
		kpis[WorkerTasksKey(workerID)] = float64(len(ds))
		kpis[WorkerLatencyKey(workerID)] = meanMS(ds)
	}
	return kpis
}

func meanMS(ds []time.Duration) float64 {
	var total time.Duration
	for _, d := range ds {
		total += d
	}
	return ms(total) / float64(len(ds))
}

// percentileMS uses the nearest-rank method.
func percentileMS(ds []time.Duration, p float64) float64 {
	sorted := append([]time.Duration(nil), ds...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return ms(sorted[rank-1])
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// SortedKeys returns the KPI keys in a stable display order: the fixed keys
// first, then per-worker keys alphabetically.
func SortedKeys(kpis map[string]float64) []string {
	fixed := []string{
		KPITotalTasks, KPISucceeded, KPIFailed, KPICancelled, KPIBlocked,
		KPISuccessRate, KPIRetryCount, KPIRetryRate,
		KPIMeanLatencyMS, KPIP50LatencyMS, KPIP95LatencyMS,
	}
	seen := make(map[string]bool, len(fixed))
	var keys []string
	for _, k := range fixed {
		if _, ok := kpis[k]; ok {
			keys = append(keys, k)
			seen[k] = true
		}
	}
	var rest []string
	for k := range kpis {
		if !seen[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	return append(keys, rest...)
}
