package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/workforce/internal/state"
	"github.com/ShayCichocki/workforce/internal/telemetry"
	"github.com/ShayCichocki/workforce/pkg/models"
)

var (
	inspectDB   string
	inspectFile string
)

var treeCmd = &cobra.Command{
	Use:   "tree [root-id]",
	Short: "Render recorded task trees",
	Long: `Render the task tree of a recorded run from the event database (--db)
or a JSON Lines dump (--file). Without a root ID every recorded root is shown.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rootID := argOrEmpty(args)
		events, err := loadEvents(rootID)
		if err != nil {
			return err
		}
		return renderTrees(cmd.OutOrStdout(), events, rootID, !color.NoColor)
	},
}

var kpisCmd = &cobra.Command{
	Use:   "kpis [root-id]",
	Short: "Print KPIs derived from recorded events",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rootID := argOrEmpty(args)
		events, err := loadEvents(rootID)
		if err != nil {
			return err
		}
		printKPIs(cmd.OutOrStdout(), telemetry.KPIs(events, rootID))
		return nil
	},
}

var dumpCmd = &cobra.Command{
	Use:   "dump <output|-> [root-id]",
	Short: "Export recorded events as JSON Lines",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		rootID := ""
		if len(args) == 2 {
			rootID = args[1]
		}
		events, err := loadEvents(rootID)
		if err != nil {
			return err
		}
		if args[0] == "-" {
			return telemetry.Dump(cmd.OutOrStdout(), events)
		}
		if err := telemetry.DumpFile(args[0], events); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %d events to %s\n", len(events), args[0])
		return nil
	},
}

var (
	runsStatus string
	runsPurge  time.Duration
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List runs recorded in the event database",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openInspectDB()
		if err != nil {
			return err
		}
		defer db.Close()

		out := cmd.OutOrStdout()
		if runsPurge > 0 {
			n, err := db.PurgeOldRuns(runsPurge)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "purged %d runs older than %s\n", n, runsPurge)
		}

		var filter *state.RunStatus
		if runsStatus != "" {
			s := state.RunStatus(runsStatus)
			filter = &s
		}
		runs, err := db.ListRuns(filter)
		if err != nil {
			return err
		}
		printRuns(out, runs)
		return nil
	},
}

func init() {
	for _, cmd := range []*cobra.Command{treeCmd, kpisCmd, dumpCmd, runsCmd} {
		cmd.Flags().StringVar(&inspectDB, "db", "", "Event database (default: telemetry.db_path)")
	}
	for _, cmd := range []*cobra.Command{treeCmd, kpisCmd, dumpCmd} {
		cmd.Flags().StringVar(&inspectFile, "file", "", "Read events from a JSON Lines dump instead of the database")
	}
	runsCmd.Flags().StringVar(&runsStatus, "status", "", "Only list runs with this status")
	runsCmd.Flags().DurationVar(&runsPurge, "purge", 0, "Delete finished runs older than this first")
}

func argOrEmpty(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return ""
}

// loadEvents reads the events of rootID (all roots when empty) from the
// dump file or the event database.
func loadEvents(rootID string) ([]models.Event, error) {
	if inspectFile != "" {
		events, err := telemetry.LoadFile(inspectFile)
		if err != nil {
			return nil, err
		}
		if rootID == "" {
			return events, nil
		}
		var out []models.Event
		for _, ev := range events {
			if ev.RootID == rootID {
				out = append(out, ev)
			}
		}
		return out, nil
	}

	db, err := openInspectDB()
	if err != nil {
		return nil, err
	}
	defer db.Close()
	return db.ListEvents(rootID)
}

// openInspectDB opens --db, falling back to the configured database.
func openInspectDB() (*state.DB, error) {
	path, driver := inspectDB, ""
	if path == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		path, driver = cfg.Telemetry.DBPath, cfg.Telemetry.DBDriver
	}
	if path == "" {
		return nil, errors.New("no event database: pass --db, --file or set telemetry.db_path")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("event database: %w", err)
	}
	return openStateDB(driver, path)
}

// renderTrees writes the tree of rootID, or of every root in events.
func renderTrees(out io.Writer, events []models.Event, rootID string, colored bool) error {
	snap := telemetry.Reconstruct(events)
	roots := []string{rootID}
	if rootID == "" {
		roots = roots[:0]
		seen := make(map[string]bool)
		for _, ev := range events {
			if ev.ParentID == "" && ev.TaskID == ev.RootID && !seen[ev.RootID] {
				seen[ev.RootID] = true
				roots = append(roots, ev.RootID)
			}
		}
	}
	if len(roots) == 0 {
		fmt.Fprintln(out, "no recorded runs")
		return nil
	}
	for i, id := range roots {
		if i > 0 {
			fmt.Fprintln(out)
		}
		tree := telemetry.Tree(snap, id)
		if tree == nil {
			return fmt.Errorf("no events for task %s", id)
		}
		if err := telemetry.Render(out, tree, telemetry.RenderOptions{Color: colored}); err != nil {
			return err
		}
	}
	return nil
}

func printKPIs(out io.Writer, kpis map[string]float64) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, k := range telemetry.SortedKeys(kpis) {
		fmt.Fprintf(w, "%s\t%g\n", k, kpis[k])
	}
	w.Flush()
}

func printRuns(out io.Writer, runs []state.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(out, "no recorded runs")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tSTARTED\tDURATION\tTASK")
	for _, r := range runs {
		duration := "-"
		if r.FinishedAt != nil {
			duration = r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			r.ID, statusColor(r.Status).Sprint(r.Status),
			r.StartedAt.Local().Format("2006-01-02 15:04:05"), duration, oneLine(r.Content, 50))
	}
	w.Flush()
}

func statusColor(s state.RunStatus) *color.Color {
	switch s {
	case state.RunSucceeded:
		return color.New(color.FgGreen)
	case state.RunFailed:
		return color.New(color.FgRed)
	case state.RunCancelled, state.RunInterrupted:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgCyan)
	}
}

// oneLine flattens s and cuts it to max runes.
func oneLine(s string, max int) string {
	r := []rune(s)
	for i, c := range r {
		if c == '\n' || c == '\t' {
			r[i] = ' '
		}
	}
	if len(r) > max {
		return string(r[:max-3]) + "..."
	}
	return string(r)
}
