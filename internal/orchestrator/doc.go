// Package orchestrator coordinates a pool of workers on dependency graphs
// of tasks.
//
// The package provides:
//   - Worker registry: capability-matched workers with exclusive leases
//   - Coordination: decomposing tasks into subtasks, assigning workers and
//     aggregating child results into the parent
//   - Execution: a per-submission engine loop that dispatches ready tasks,
//     retries failures, re-plans exhausted tasks and drains on shutdown
//   - Control: pause, resume and deadline-bounded shutdown, also through
//     signal files
//
// Decomposition is pluggable. ListDecomposer splits numbered or bulleted
// lists, PlanDecomposer follows a YAML plan and WorkerDecomposer asks a
// worker for a JSON plan. Every state change is appended to the event log
// in internal/telemetry.
//
// Example usage:
//
//	wf := orchestrator.New(orchestrator.WithPlanner(orchestrator.ListDecomposer{}))
//	wf.Register("summarizer", "summarizes patient records", summarizer)
//	wf.Register("ranker", "ranks clinical trials", ranker)
//
//	res, err := wf.Process(ctx, "1. Summarize the record\n2. Rank the trials", nil)
//	if err != nil {
//		return err
//	}
//	if err := res.Err(); err != nil {
//		log.Printf("task failed: %v", err)
//	}
//	fmt.Println(res.Output)
//	wf.Close(time.Minute)
package orchestrator
