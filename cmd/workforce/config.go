package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/workforce/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config [key] [value]",
	Short: "Manage configuration",
	Long: `View or modify workforce configuration.

Without arguments, displays current configuration.
With one argument (key), displays the value for that key.
With two arguments (key value), sets the configuration value.

Configuration is stored at ~/.config/workforce/config.yaml
Project-specific overrides can be placed in .workforce.yaml`,
	Args: cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		out := cmd.OutOrStdout()
		switch len(args) {
		case 0:
			displayAllConfig(out, cfg)
			return nil
		case 1:
			value, err := getConfigValue(cfg, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(out, value)
			return nil
		default:
			if err := setConfigValue(cfg, args[0], args[1]); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			path := configPath
			if path == "" {
				path = config.GetUserConfigPath()
			}
			if err := config.SaveTo(cfg, path); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			fmt.Fprintf(out, "Set %s = %s\n", args[0], args[1])
			return nil
		}
	},
}

// configKeys lists the keys shown by 'workforce config'.
var configKeys = []string{
	"description",
	"engine.max_attempts",
	"engine.task_timeout",
	"engine.max_decomposition_depth",
	"engine.redecompose_on_failure",
	"engine.poll_interval",
	"planner.kind",
	"planner.chain",
	"planner.plan_file",
	"planner.worker",
	"aggregation.policy",
	"aggregation.combine",
	"aggregation.worker",
	"shutdown.drain_timeout",
	"shutdown.signal_dir",
	"telemetry.log_dir",
	"telemetry.dump_path",
	"telemetry.metrics_addr",
	"telemetry.nats_url",
	"telemetry.db_path",
	"telemetry.db_driver",
	"anthropic.api_key",
	"anthropic.model",
	"anthropic.use_bedrock",
	"openai.api_key",
	"openai.base_url",
	"openai.model",
	"tui.refresh_rate",
}

// displayAllConfig prints all configuration values.
func displayAllConfig(out io.Writer, cfg *config.Config) {
	for _, key := range configKeys {
		value, _ := getConfigValue(cfg, key)
		fmt.Fprintf(out, "%s: %s\n", key, value)
	}
	fmt.Fprintf(out, "workers: %d configured\n", len(cfg.Workers))
	for _, w := range cfg.Workers {
		provider := w.Provider
		if provider == "" {
			provider = config.ProviderAnthropic
		}
		fmt.Fprintf(out, "  %s (%s): %s\n", w.ID, provider, w.Description)
	}
}

// apiKeyDisplay masks a provider key and names its source.
func apiKeyDisplay(cfg *config.Config, provider string) string {
	key, err := config.GetAPIKey(cfg, provider)
	if err != nil {
		return "(not set)"
	}
	return fmt.Sprintf("%s (from %s)", config.MaskAPIKey(key), config.GetAPIKeySource(cfg, provider))
}

// getConfigValue retrieves a configuration value by dot-notation key.
func getConfigValue(cfg *config.Config, key string) (string, error) {
	switch strings.ToLower(key) {
	case "description":
		return cfg.Description, nil
	case "engine.max_attempts":
		return strconv.Itoa(cfg.Engine.MaxAttempts), nil
	case "engine.task_timeout":
		return cfg.Engine.TaskTimeout.String(), nil
	case "engine.max_decomposition_depth":
		return strconv.Itoa(cfg.Engine.MaxDecompositionDepth), nil
	case "engine.redecompose_on_failure":
		return strconv.FormatBool(cfg.Engine.RedecomposeOnFailure), nil
	case "engine.poll_interval":
		return cfg.Engine.PollInterval.String(), nil
	case "planner.kind":
		return cfg.Planner.Kind, nil
	case "planner.chain":
		return strconv.FormatBool(cfg.Planner.Chain), nil
	case "planner.plan_file":
		return cfg.Planner.PlanFile, nil
	case "planner.worker":
		return cfg.Planner.Worker, nil
	case "aggregation.policy":
		return cfg.Aggregation.Policy, nil
	case "aggregation.combine":
		return cfg.Aggregation.Combine, nil
	case "aggregation.worker":
		return cfg.Aggregation.Worker, nil
	case "shutdown.drain_timeout":
		return cfg.Shutdown.DrainTimeout.String(), nil
	case "shutdown.signal_dir":
		return cfg.Shutdown.SignalDir, nil
	case "telemetry.log_dir":
		return cfg.Telemetry.LogDir, nil
	case "telemetry.dump_path":
		return cfg.Telemetry.DumpPath, nil
	case "telemetry.metrics_addr":
		return cfg.Telemetry.MetricsAddr, nil
	case "telemetry.nats_url":
		return cfg.Telemetry.NATSURL, nil
	case "telemetry.db_path":
		return cfg.Telemetry.DBPath, nil
	case "telemetry.db_driver":
		return cfg.Telemetry.DBDriver, nil
	case "anthropic.api_key":
		return apiKeyDisplay(cfg, config.ProviderAnthropic), nil
	case "anthropic.model":
		return cfg.Anthropic.Model, nil
	case "anthropic.use_bedrock":
		return strconv.FormatBool(cfg.Anthropic.UseBedrock), nil
	case "openai.api_key":
		return apiKeyDisplay(cfg, config.ProviderOpenAI), nil
	case "openai.base_url":
		return cfg.OpenAI.BaseURL, nil
	case "openai.model":
		return cfg.OpenAI.Model, nil
	case "tui.refresh_rate":
		return cfg.TUI.RefreshRate.String(), nil
	default:
		return "", fmt.Errorf("unknown configuration key: %s", key)
	}
}

// setConfigValue sets a configuration value by dot-notation key.
func setConfigValue(cfg *config.Config, key, value string) error {
	switch strings.ToLower(key) {
	case "description":
		cfg.Description = value
	case "engine.max_attempts":
		return setInt(&cfg.Engine.MaxAttempts, key, value)
	case "engine.task_timeout":
		return setDuration(&cfg.Engine.TaskTimeout, key, value)
	case "engine.max_decomposition_depth":
		return setInt(&cfg.Engine.MaxDecompositionDepth, key, value)
	case "engine.redecompose_on_failure":
		return setBool(&cfg.Engine.RedecomposeOnFailure, key, value)
	case "engine.poll_interval":
		return setDuration(&cfg.Engine.PollInterval, key, value)
	case "planner.kind":
		cfg.Planner.Kind = value
	case "planner.chain":
		return setBool(&cfg.Planner.Chain, key, value)
	case "planner.plan_file":
		cfg.Planner.PlanFile = value
	case "planner.worker":
		cfg.Planner.Worker = value
	case "aggregation.policy":
		cfg.Aggregation.Policy = value
	case "aggregation.combine":
		cfg.Aggregation.Combine = value
	case "aggregation.worker":
		cfg.Aggregation.Worker = value
	case "shutdown.drain_timeout":
		return setDuration(&cfg.Shutdown.DrainTimeout, key, value)
	case "shutdown.signal_dir":
		cfg.Shutdown.SignalDir = value
	case "telemetry.log_dir":
		cfg.Telemetry.LogDir = value
	case "telemetry.dump_path":
		cfg.Telemetry.DumpPath = value
	case "telemetry.metrics_addr":
		cfg.Telemetry.MetricsAddr = value
	case "telemetry.nats_url":
		cfg.Telemetry.NATSURL = value
	case "telemetry.db_path":
		cfg.Telemetry.DBPath = value
	case "telemetry.db_driver":
		cfg.Telemetry.DBDriver = value
	case "anthropic.api_key":
		if err := config.ValidateAPIKey(config.ProviderAnthropic, value); err != nil {
			return err
		}
		cfg.Anthropic.APIKey = value
	case "anthropic.model":
		cfg.Anthropic.Model = value
	case "anthropic.use_bedrock":
		return setBool(&cfg.Anthropic.UseBedrock, key, value)
	case "openai.api_key":
		cfg.OpenAI.APIKey = value
	case "openai.base_url":
		cfg.OpenAI.BaseURL = value
	case "openai.model":
		cfg.OpenAI.Model = value
	case "tui.refresh_rate":
		return setDuration(&cfg.TUI.RefreshRate, key, value)
	default:
		return fmt.Errorf("unknown configuration key: %s", key)
	}
	return nil
}

func setInt(dst *int, key, value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dst = n
	return nil
}

func setBool(dst *bool, key, value string) error {
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("invalid boolean for %s: %w", key, err)
	}
	*dst = b
	return nil
}

func setDuration(dst *time.Duration, key, value string) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	*dst = d
	return nil
}
