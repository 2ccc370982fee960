package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/workforce/internal/orchestrator"
)

var signalDir string

var signalCmd = &cobra.Command{
	Use:   "signal <pause|resume|shutdown> [deadline]",
	Short: "Control a running workforce",
	Long: `Send a control signal to a workforce running in this project.

  pause              stop dispatching new subtasks; running ones continue
  resume             dispatch again
  shutdown [30s]     drain: running subtasks may finish until the deadline,
                     everything else is cancelled

Signals are files in the signal directory (shutdown.signal_dir, default
.workforce/signals) watched by 'workforce run'.`,
	Args:      cobra.RangeArgs(1, 2),
	ValidArgs: []string{orchestrator.SignalPause, orchestrator.SignalResume, orchestrator.SignalShutdown},
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := signalDir
		if dir == "" {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			dir = cfg.Shutdown.SignalDir
		}

		var content string
		if len(args) == 2 {
			if args[0] != orchestrator.SignalShutdown {
				return fmt.Errorf("only shutdown takes a deadline")
			}
			if _, err := time.ParseDuration(args[1]); err != nil {
				return fmt.Errorf("invalid deadline %q: %w", args[1], err)
			}
			content = args[1]
		}
		if err := orchestrator.SendSignal(dir, args[0], content); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "sent %s to %s\n", args[0], dir)
		return nil
	},
}

func init() {
	signalCmd.Flags().StringVar(&signalDir, "dir", "", "Signal directory (default: shutdown.signal_dir)")
}
