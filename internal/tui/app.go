package tui

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ShayCichocki/workforce/internal/telemetry"
	"github.com/ShayCichocki/workforce/pkg/models"
)

// Controller is the part of a workforce the view can steer.
type Controller interface {
	Pause()
	Resume()
	RequestShutdown(deadline time.Duration) <-chan struct{}
}

// SubmitFunc submits a new root task and returns its ID.
type SubmitFunc func(content string) (string, error)

// EventMsg carries one event from the workforce log.
type EventMsg struct {
	Event models.Event
}

// DoneMsg reports that a submitted root reached a terminal status.
type DoneMsg struct {
	RootID string
	Status models.TaskStatus
	Output string
	Reason string
}

// shutdownDoneMsg is sent once a requested drain finished.
type shutdownDoneMsg struct{}

// submittedMsg reports the outcome of a submission from the input field.
type submittedMsg struct {
	id  string
	err error
}

// Options configures the App.
type Options struct {
	Title      string
	Controller Controller
	// Submit enables the input field when set.
	Submit SubmitFunc
	// DrainTimeout is passed to RequestShutdown on 's'.
	DrainTimeout time.Duration
	// QuitWhenDone exits once every root seen so far is done.
	QuitWhenDone bool
	// LogLines is the number of recent events shown.
	LogLines int
}

// App is the bubbletea model for a live workforce run.
type App struct {
	opts Options

	events  []models.Event
	logs    []string
	done    map[string]DoneMsg
	roots   []string
	workers map[string]string

	spinner spinner.Model
	tree    *TreeView
	input   *InputField

	paused   bool
	draining bool
	drained  bool
	message  string
	width    int
	height   int
	quitting bool

	titleStyle lipgloss.Style
	hintStyle  lipgloss.Style
	errorStyle lipgloss.Style
	okStyle    lipgloss.Style
	logStyle   lipgloss.Style
}

// New creates an App.
func New(opts Options) *App {
	if opts.Title == "" {
		opts.Title = "workforce"
	}
	if opts.LogLines <= 0 {
		opts.LogLines = 8
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 60 * time.Second
	}

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("226"))

	return &App{
		opts:    opts,
		done:    make(map[string]DoneMsg),
		workers: make(map[string]string),
		spinner: s,
		tree:    NewTreeView(),
		input:   NewInputField(),

		titleStyle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(lipgloss.Color("238")),
		hintStyle:  lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		errorStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
		okStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("28")).Bold(true),
		logStyle:   lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
	}
}

// NewProgram creates a program around a new App. The returned program
// receives events via Send.
func NewProgram(opts Options) (*tea.Program, *App) {
	app := New(opts)
	return tea.NewProgram(app, tea.WithAltScreen()), app
}

// Forward sends events to the program until the channel closes or ctx ends.
func Forward(ctx context.Context, p *tea.Program, events <-chan models.Event) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			p.Send(EventMsg{Event: ev})
		case <-ctx.Done():
			return
		}
	}
}

// Init implements tea.Model.
func (a *App) Init() tea.Cmd {
	return a.spinner.Tick
}

// Update implements tea.Model.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.tree.SetWidth(msg.Width)
		a.input.SetWidth(msg.Width)

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd

	case EventMsg:
		a.apply(msg.Event)

	case DoneMsg:
		a.done[msg.RootID] = msg
		a.addRoot(msg.RootID)
		if a.opts.QuitWhenDone && a.allDone() {
			a.quitting = true
			return a, tea.Quit
		}

	case TaskSubmittedMsg:
		submit := a.opts.Submit
		return a, func() tea.Msg {
			id, err := submit(msg.Content)
			return submittedMsg{id: id, err: err}
		}

	case submittedMsg:
		if msg.err != nil {
			a.message = fmt.Sprintf("submit failed: %v", msg.err)
		} else {
			a.message = fmt.Sprintf("submitted %s", msg.id)
			a.addRoot(msg.id)
		}

	case shutdownDoneMsg:
		a.drained = true
		a.message = "shutdown complete"
	}

	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if a.input.Focused() {
		if msg.Type == tea.KeyEsc {
			a.input.Blur()
			return a, nil
		}
		var cmd tea.Cmd
		a.input, cmd = a.input.Update(msg)
		return a, cmd
	}

	switch msg.String() {
	case "q", "ctrl+c":
		a.quitting = true
		return a, tea.Quit
	case "p":
		if a.opts.Controller == nil || a.draining {
			return a, nil
		}
		if a.paused {
			a.opts.Controller.Resume()
			a.message = "resumed"
		} else {
			a.opts.Controller.Pause()
			a.message = "paused: running tasks continue, nothing new starts"
		}
		a.paused = !a.paused
	case "s":
		if a.opts.Controller == nil || a.draining {
			return a, nil
		}
		a.draining = true
		a.paused = false
		a.message = fmt.Sprintf("draining, deadline %s", a.opts.DrainTimeout)
		done := a.opts.Controller.RequestShutdown(a.opts.DrainTimeout)
		return a, func() tea.Msg {
			<-done
			return shutdownDoneMsg{}
		}
	case "i":
		if a.opts.Submit == nil || a.draining {
			return a, nil
		}
		return a, a.input.Focus()
	}
	return a, nil
}

// apply records an event and updates the worker table.
func (a *App) apply(ev models.Event) {
	a.events = append(a.events, ev)
	if ev.ParentID == "" && ev.Kind == models.EventCreated {
		a.addRoot(ev.TaskID)
	}

	switch ev.Kind {
	case models.EventStarted:
		if ev.WorkerID != "" {
			a.workers[ev.WorkerID] = ev.TaskID
		}
	case models.EventSucceeded, models.EventFailed, models.EventRetried, models.EventCancelled:
		for w, task := range a.workers {
			if task == ev.TaskID {
				delete(a.workers, w)
			}
		}
	}

	line := fmt.Sprintf("%s %-9s %s", ev.Timestamp.Format("15:04:05"), ev.Kind, ev.TaskID)
	if ev.WorkerID != "" {
		line += " @" + ev.WorkerID
	}
	if ev.Detail != "" && ev.Kind != models.EventSucceeded {
		line += ": " + clip(ev.Detail, 60)
	}
	a.logs = append(a.logs, line)
	if len(a.logs) > a.opts.LogLines {
		a.logs = a.logs[len(a.logs)-a.opts.LogLines:]
	}
}

func (a *App) addRoot(id string) {
	for _, r := range a.roots {
		if r == id {
			return
		}
	}
	a.roots = append(a.roots, id)
}

func (a *App) allDone() bool {
	for _, r := range a.roots {
		if _, ok := a.done[r]; !ok {
			return false
		}
	}
	return len(a.roots) > 0
}

// View implements tea.Model.
func (a *App) View() string {
	if a.quitting {
		return ""
	}

	snap := telemetry.Reconstruct(a.events)
	var b strings.Builder

	b.WriteString(a.titleStyle.Render(a.header(snap)))
	b.WriteString("\n\n")

	if len(a.roots) == 0 {
		b.WriteString(a.hintStyle.Render("waiting for tasks..."))
		b.WriteString("\n")
	}
	for _, id := range a.roots {
		b.WriteString(a.tree.Render(telemetry.Tree(snap, id), a.spinner.View()))
		if d, ok := a.done[id]; ok {
			b.WriteString(a.resultLine(d))
		}
		b.WriteString("\n")
	}

	if len(a.workers) > 0 {
		ids := make([]string, 0, len(a.workers))
		for w := range a.workers {
			ids = append(ids, w)
		}
		sort.Strings(ids)
		b.WriteString("busy: ")
		for i, w := range ids {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s→%s", w, a.workers[w])
		}
		b.WriteString("\n\n")
	}

	for _, line := range a.logs {
		b.WriteString(a.logStyle.Render(line))
		b.WriteString("\n")
	}
	b.WriteString("\n")

	if a.input.Focused() {
		b.WriteString(a.input.View())
		b.WriteString("\n")
	}
	b.WriteString(a.footer())
	return b.String()
}

func (a *App) header(snap *telemetry.Snapshot) string {
	counts := make(map[models.TaskStatus]int)
	for _, v := range snap.Tasks {
		counts[v.Status]++
	}
	state := "running"
	switch {
	case a.drained:
		state = "stopped"
	case a.draining:
		state = "draining"
	case a.paused:
		state = "paused"
	}
	return fmt.Sprintf("%s  [%s]  %d tasks: %d running, %d succeeded, %d failed, %d cancelled",
		a.opts.Title, state, len(snap.Tasks),
		counts[models.TaskStatusRunning], counts[models.TaskStatusSucceeded],
		counts[models.TaskStatusFailed], counts[models.TaskStatusCancelled])
}

func (a *App) resultLine(d DoneMsg) string {
	switch d.Status {
	case models.TaskStatusSucceeded:
		return a.okStyle.Render(fmt.Sprintf("✓ %s succeeded", d.RootID)) + "\n"
	default:
		return a.errorStyle.Render(fmt.Sprintf("✗ %s %s: %s", d.RootID, d.Status, clip(d.Reason, 80))) + "\n"
	}
}

func (a *App) footer() string {
	var hints []string
	if a.opts.Controller != nil && !a.draining {
		if a.paused {
			hints = append(hints, "p resume")
		} else {
			hints = append(hints, "p pause")
		}
		hints = append(hints, "s shutdown")
	}
	if a.opts.Submit != nil && !a.draining {
		if a.input.Focused() {
			hints = append(hints, "enter submit", "esc cancel")
		} else {
			hints = append(hints, "i new task")
		}
	}
	hints = append(hints, "q quit")

	out := a.hintStyle.Render(strings.Join(hints, " · "))
	if a.message != "" {
		out = a.message + "  " + out
	}
	return out
}
