package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ShayCichocki/workforce/internal/config"
	"github.com/ShayCichocki/workforce/internal/orchestrator"
	"github.com/ShayCichocki/workforce/internal/state"
	"github.com/ShayCichocki/workforce/internal/telemetry"
	"github.com/ShayCichocki/workforce/internal/tui"
	"github.com/ShayCichocki/workforce/pkg/models"
)

// sinkBuffer is the subscriber buffer of every event sink.
const sinkBuffer = 1024

var (
	runTUI           bool
	runWorkersFile   string
	runPlanFile      string
	runDump          string
	runDBPath        string
	runMetricsAddr   string
	runNATSURL       string
	runTimeout       time.Duration
	runContext       map[string]string
	runTaskID        string
	runWorkerPattern string
	runJSON          bool
	runShowTree      bool
)

var runCmd = &cobra.Command{
	Use:   "run <task>",
	Short: "Run a task through the workforce",
	Long: `Run a task through the configured workforce and print the result.

The task is decomposed by the configured planner (numbered lists by default),
each subtask is assigned to the best matching idle worker, and the results
are combined back into the task result. Pass "-" to read the task from stdin.

Interrupting (Ctrl+C) drains: running subtasks may finish until the
shutdown deadline, everything else is cancelled and the partial result is
printed.

Sinks:
  --db           persist events and runs to SQLite (see 'workforce runs')
  --dump         write the event log as JSON Lines when done
  --metrics-addr serve Prometheus metrics while running
  --nats-url     publish events to NATS`,
	Args: cobra.MinimumNArgs(1),
	RunE: runTask,
}

func init() {
	runCmd.Flags().BoolVar(&runTUI, "tui", false, "Show the live task tree")
	runCmd.Flags().StringVar(&runWorkersFile, "workers", "", "YAML file with the worker pool (replaces configured workers)")
	runCmd.Flags().StringVar(&runPlanFile, "plan", "", "YAML plan file (selects the plan planner)")
	runCmd.Flags().StringVar(&runDump, "dump", "", "Write the event log to this JSON Lines file")
	runCmd.Flags().StringVar(&runDBPath, "db", "", "Persist events to this SQLite database")
	runCmd.Flags().StringVar(&runMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	runCmd.Flags().StringVar(&runNATSURL, "nats-url", "", "Publish events to this NATS server")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "Give up waiting after this long and drain (0 waits forever)")
	runCmd.Flags().StringToStringVar(&runContext, "context", nil, "Context passed to every subtask (key=value,...)")
	runCmd.Flags().StringVar(&runTaskID, "id", "", "Root task ID (default: random)")
	runCmd.Flags().StringVar(&runWorkerPattern, "worker", "", "Restrict the root task to workers matching this glob")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Print the result as JSON")
	runCmd.Flags().BoolVar(&runShowTree, "tree", false, "Print the task tree after the result")
}

// runRequest is one invocation of the run command.
type runRequest struct {
	content  string
	taskCtx  map[string]string
	taskID   string
	pattern  string
	timeout  time.Duration
	dumpPath string
	tui      bool
}

func runTask(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := applyRunFlags(cfg); err != nil {
		return err
	}

	content := strings.Join(args, " ")
	if content == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("read task from stdin: %w", err)
		}
		content = string(data)
	}
	if strings.TrimSpace(content) == "" {
		return errors.New("empty task")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	wf, err := newWorkforce(ctx, cfg)
	if err != nil {
		return err
	}

	req := runRequest{
		content:  content,
		taskCtx:  runContext,
		taskID:   runTaskID,
		pattern:  runWorkerPattern,
		timeout:  runTimeout,
		dumpPath: cfg.Telemetry.DumpPath,
		tui:      runTUI,
	}
	h, res, err := execute(ctx, wf, cfg, req)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if runJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else {
		printResult(out, res)
	}
	if runShowTree && h != nil {
		fmt.Fprintln(out)
		if err := wf.RenderTree(out, h, !color.NoColor); err != nil {
			return err
		}
	}
	return res.Err()
}

// applyRunFlags overlays command-line flags on the loaded configuration.
func applyRunFlags(cfg *config.Config) error {
	if runWorkersFile != "" {
		workers, err := config.LoadWorkerPool(runWorkersFile)
		if err != nil {
			return err
		}
		cfg.Workers = workers
	}
	if runPlanFile != "" {
		cfg.Planner.Kind = config.PlannerPlan
		cfg.Planner.PlanFile = runPlanFile
	}
	if runDump != "" {
		cfg.Telemetry.DumpPath = runDump
	}
	if runDBPath != "" {
		cfg.Telemetry.DBPath = runDBPath
	}
	if runMetricsAddr != "" {
		cfg.Telemetry.MetricsAddr = runMetricsAddr
	}
	if runNATSURL != "" {
		cfg.Telemetry.NATSURL = runNATSURL
	}
	return cfg.Validate()
}

// execute submits one task and waits for it while the configured sinks
// consume the event log. The workforce is closed before returning.
func execute(ctx context.Context, wf *orchestrator.Workforce, cfg *config.Config, req runRequest) (*orchestrator.Handle, orchestrator.Result, error) {
	sinkCtx, stopSinks := context.WithCancel(context.Background())
	defer stopSinks()
	g, gctx := errgroup.WithContext(sinkCtx)

	closed := false
	closeWorkforce := func() {
		if closed {
			return
		}
		closed = true
		if err := wf.Close(cfg.Shutdown.DrainTimeout); err != nil {
			log.Printf("[run] close: %v", err)
		}
	}
	defer closeWorkforce()

	if err := startSinks(g, gctx, wf, cfg); err != nil {
		return nil, orchestrator.Result{}, err
	}

	if dir := cfg.Shutdown.SignalDir; dir != "" {
		sw, err := wf.WatchSignals(dir)
		if err != nil {
			log.Printf("[run] signal watcher disabled: %v", err)
		} else {
			defer sw.Close()
		}
	}

	var opts []orchestrator.SubmitOption
	if req.taskID != "" {
		opts = append(opts, orchestrator.WithTaskID(req.taskID))
	}
	if req.pattern != "" {
		opts = append(opts, orchestrator.WithWorkerPattern(req.pattern))
	}
	// Interrupts drain through RequestShutdown, so the run itself is not
	// tied to ctx.
	h, err := wf.Submit(context.Background(), req.content, req.taskCtx, opts...)
	if err != nil {
		return nil, orchestrator.Result{}, fmt.Errorf("submit: %w", err)
	}

	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-ctx.Done():
			if !req.tui {
				color.New(color.FgYellow).Fprintf(os.Stderr, "interrupt: draining for up to %s\n", cfg.Shutdown.DrainTimeout)
			}
			wf.RequestShutdown(cfg.Shutdown.DrainTimeout)
		case <-finished:
		}
	}()

	var res orchestrator.Result
	if req.tui {
		res, err = awaitWithTUI(gctx, wf, cfg, h, req)
	} else {
		res, err = awaitResult(wf, h, req.timeout)
	}
	if err != nil {
		return h, res, err
	}

	if req.dumpPath != "" {
		if err := wf.DumpLogs(h, req.dumpPath); err != nil {
			return h, res, err
		}
	}

	// Closing the workforce closes every subscription, which ends the sinks.
	closeWorkforce()
	stopSinks()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return h, res, fmt.Errorf("event sink: %w", err)
	}
	return h, res, nil
}

// awaitResult waits for h. After timeout the workforce is drained with no
// grace period and the cancelled result is returned.
func awaitResult(wf *orchestrator.Workforce, h *orchestrator.Handle, timeout time.Duration) (orchestrator.Result, error) {
	res, err := wf.AwaitResult(context.Background(), h, timeout)
	if errors.Is(err, orchestrator.ErrAwaitTimeout) {
		log.Printf("[run] %v: cancelling", err)
		wf.RequestShutdown(0)
		return wf.AwaitResult(context.Background(), h, 0)
	}
	return res, err
}

// startSinks subscribes every configured sink to the event log.
func startSinks(g *errgroup.Group, ctx context.Context, wf *orchestrator.Workforce, cfg *config.Config) error {
	tcfg := cfg.Telemetry

	if tcfg.DBPath != "" {
		db, err := openStateDB(tcfg.DBDriver, tcfg.DBPath)
		if err != nil {
			return err
		}
		if ids, err := db.MarkInterrupted(); err != nil {
			log.Printf("[state] mark interrupted runs: %v", err)
		} else if len(ids) > 0 {
			log.Printf("[state] %d runs from an earlier process marked interrupted", len(ids))
		}
		sink := state.NewSink(db, cfg.Description)
		ch, _ := wf.Subscribe(sinkBuffer)
		g.Go(func() error {
			defer db.Close()
			return sink.Consume(ctx, ch)
		})
	}

	if tcfg.MetricsAddr != "" {
		m := telemetry.NewMetrics()
		ch, _ := wf.Subscribe(sinkBuffer)
		g.Go(func() error {
			m.Consume(ctx, ch)
			return nil
		})
		g.Go(func() error {
			return m.Serve(ctx, tcfg.MetricsAddr)
		})
	}

	if tcfg.NATSURL != "" {
		pub, err := telemetry.ConnectNATS(tcfg.NATSURL, tcfg.NATSPrefix)
		if err != nil {
			return err
		}
		ch, _ := wf.Subscribe(sinkBuffer)
		g.Go(func() error {
			defer pub.Close()
			pub.Consume(ctx, ch)
			return nil
		})
	}
	return nil
}

// openStateDB opens and migrates the event database.
func openStateDB(driver, path string) (*state.DB, error) {
	if driver == "" {
		driver = state.DriverPure
	}
	db, err := state.OpenWithDriver(driver, path)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// awaitWithTUI shows the live tree until the task is done or the user quits.
// Tasks entered in the view run alongside the first one.
func awaitWithTUI(ctx context.Context, wf *orchestrator.Workforce, cfg *config.Config, h *orchestrator.Handle, req runRequest) (orchestrator.Result, error) {
	// Log output corrupts the display.
	originalOutput := log.Writer()
	log.SetOutput(io.Discard)
	defer log.SetOutput(originalOutput)

	events, detach := wf.Subscribe(sinkBuffer)
	defer detach()

	var program *tea.Program
	notify := func(handle *orchestrator.Handle) {
		res, err := wf.AwaitResult(context.Background(), handle, 0)
		if err != nil {
			return
		}
		program.Send(tui.DoneMsg{RootID: res.TaskID, Status: res.Status, Output: res.Output, Reason: res.Reason})
	}

	p, _ := tui.NewProgram(tui.Options{
		Title:        cfg.Description,
		Controller:   wf,
		DrainTimeout: cfg.Shutdown.DrainTimeout,
		QuitWhenDone: true,
		Submit: func(content string) (string, error) {
			extra, err := wf.Submit(context.Background(), content, req.taskCtx)
			if err != nil {
				return "", err
			}
			go notify(extra)
			return extra.ID, nil
		},
	})
	program = p

	// Events from before the subscription are replayed first.
	for _, ev := range wf.Events().Events(h.ID) {
		p.Send(tui.EventMsg{Event: ev})
	}
	go tui.Forward(ctx, p, events)
	go notify(h)

	if _, err := p.Run(); err != nil {
		return orchestrator.Result{}, fmt.Errorf("tui: %w", err)
	}

	select {
	case <-h.Done():
	default:
		// Quit while running: drain instead of abandoning the run.
		wf.RequestShutdown(cfg.Shutdown.DrainTimeout)
	}
	return awaitResult(wf, h, req.timeout)
}

// printResult writes a human-readable result summary.
func printResult(out io.Writer, res orchestrator.Result) {
	bold := color.New(color.Bold)
	switch res.Status {
	case models.TaskStatusSucceeded:
		color.New(color.FgGreen, color.Bold).Fprintf(out, "✓ %s succeeded\n", res.TaskID)
	case models.TaskStatusCancelled:
		color.New(color.FgYellow, color.Bold).Fprintf(out, "⊘ %s cancelled: %s\n", res.TaskID, res.Reason)
	default:
		color.New(color.FgRed, color.Bold).Fprintf(out, "✗ %s %s: %s\n", res.TaskID, res.Status, res.Reason)
	}
	for _, w := range res.Warnings {
		color.New(color.FgYellow).Fprintf(out, "  warning: %s\n", w)
	}
	if res.Output != "" {
		fmt.Fprintln(out)
		bold.Fprintln(out, "Result:")
		fmt.Fprintln(out, res.Output)
	}
}
