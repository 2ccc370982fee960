// Package tui provides the live terminal view for workforce runs.
//
// The view is driven entirely by the event stream: every models.Event is
// forwarded to the program, and the task tree is rebuilt from the events
// seen so far. Keys:
//
//	p      pause or resume dispatching
//	s      request a graceful shutdown
//	i      type a new task and submit it with Enter
//	q      quit the view (the run keeps going until it finishes)
//
// Usage:
//
//	program, app := tui.NewProgram(tui.Options{Title: "trials", Controller: wf})
//	go tui.Forward(ctx, program, events)
//	program.Send(tui.DoneMsg{RootID: id, Status: res.Status})
package tui
