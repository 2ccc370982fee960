package main

import (
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/workforce/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "workforce",
	Short: "Multi-agent task orchestration",
	Long: `Workforce splits a task into a dependency graph of subtasks, hands each
subtask to the best matching worker, retries and re-plans on failure, and
combines the results back up the tree.

Workers are LLM endpoints (Anthropic, Bedrock, OpenAI-compatible servers) or
echo workers for dry runs. Every state change is recorded as an event that
can be rendered as a tree, reduced to KPIs or dumped as JSON Lines.

Configuration is read from ~/.config/workforce/config.yaml and a project
.workforce.yaml; see 'workforce config'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads --config if given, otherwise the user and project files.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromPath(configPath)
	}
	return config.Load()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: user config merged with .workforce.yaml)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(treeCmd)
	rootCmd.AddCommand(kpisCmd)
	rootCmd.AddCommand(dumpCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(signalCmd)
	rootCmd.AddCommand(versionCmd)
}
