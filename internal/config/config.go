// Package config handles configuration loading and management for workforce.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.yaml.in/yaml/v3"
)

// Worker providers.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderEcho      = "echo"
)

// Planner kinds.
const (
	PlannerNone   = "none"
	PlannerList   = "list"
	PlannerPlan   = "plan"
	PlannerWorker = "worker"
)

// Config holds all configuration for workforce.
type Config struct {
	Description string            `mapstructure:"description" yaml:"description"`
	Engine      EngineConfig      `mapstructure:"engine" yaml:"engine"`
	Planner     PlannerConfig     `mapstructure:"planner" yaml:"planner"`
	Aggregation AggregationConfig `mapstructure:"aggregation" yaml:"aggregation"`
	Shutdown    ShutdownConfig    `mapstructure:"shutdown" yaml:"shutdown"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry" yaml:"telemetry"`
	Anthropic   AnthropicConfig   `mapstructure:"anthropic" yaml:"anthropic"`
	OpenAI      OpenAIConfig      `mapstructure:"openai" yaml:"openai"`
	TUI         TUIConfig         `mapstructure:"tui" yaml:"tui"`
	Workers     []WorkerConfig    `mapstructure:"workers" yaml:"workers"`
}

// EngineConfig holds scheduling settings.
type EngineConfig struct {
	MaxAttempts           int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	TaskTimeout           time.Duration `mapstructure:"task_timeout" yaml:"task_timeout"`
	MaxDecompositionDepth int           `mapstructure:"max_decomposition_depth" yaml:"max_decomposition_depth"`
	RedecomposeOnFailure  bool          `mapstructure:"redecompose_on_failure" yaml:"redecompose_on_failure"`
	PollInterval          time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
}

// PlannerConfig selects how tasks are decomposed.
type PlannerConfig struct {
	// Kind is one of none, list, plan or worker.
	Kind string `mapstructure:"kind" yaml:"kind"`
	// Chain makes list items depend on the item before them.
	Chain bool `mapstructure:"chain" yaml:"chain"`
	// PlanFile is the YAML plan used by the plan planner.
	PlanFile string `mapstructure:"plan_file" yaml:"plan_file"`
	// Worker is the ID of the worker asked for plans by the worker planner.
	Worker string `mapstructure:"worker" yaml:"worker"`
}

// AggregationConfig holds how subtask results are merged.
type AggregationConfig struct {
	Policy  string `mapstructure:"policy" yaml:"policy"`
	Combine string `mapstructure:"combine" yaml:"combine"`
	Worker  string `mapstructure:"worker" yaml:"worker"`
}

// ShutdownConfig holds drain settings.
type ShutdownConfig struct {
	DrainTimeout time.Duration `mapstructure:"drain_timeout" yaml:"drain_timeout"`
	// SignalDir is watched for pause, resume and shutdown signal files.
	SignalDir string `mapstructure:"signal_dir" yaml:"signal_dir"`
}

// TelemetryConfig holds event-log sinks.
type TelemetryConfig struct {
	// LogDir receives the debug log; empty disables it.
	LogDir string `mapstructure:"log_dir" yaml:"log_dir"`
	// DumpPath receives the JSON Lines event dump after a run.
	DumpPath    string `mapstructure:"dump_path" yaml:"dump_path"`
	MetricsAddr string `mapstructure:"metrics_addr" yaml:"metrics_addr"`
	NATSURL     string `mapstructure:"nats_url" yaml:"nats_url"`
	NATSPrefix  string `mapstructure:"nats_prefix" yaml:"nats_prefix"`
	DBPath      string `mapstructure:"db_path" yaml:"db_path"`
	DBDriver    string `mapstructure:"db_driver" yaml:"db_driver"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	APIKey     string `mapstructure:"api_key" yaml:"api_key"`
	Model      string `mapstructure:"model" yaml:"model"`
	BaseURL    string `mapstructure:"base_url" yaml:"base_url"`
	UseBedrock bool   `mapstructure:"use_bedrock" yaml:"use_bedrock"`
	AWSRegion  string `mapstructure:"aws_region" yaml:"aws_region"`
	AWSProfile string `mapstructure:"aws_profile" yaml:"aws_profile"`
}

// OpenAIConfig holds settings for OpenAI-compatible endpoints.
type OpenAIConfig struct {
	APIKey      string  `mapstructure:"api_key" yaml:"api_key"`
	BaseURL     string  `mapstructure:"base_url" yaml:"base_url"`
	Model       string  `mapstructure:"model" yaml:"model"`
	Temperature float32 `mapstructure:"temperature" yaml:"temperature"`
}

// TUIConfig holds TUI display settings.
type TUIConfig struct {
	RefreshRate time.Duration `mapstructure:"refresh_rate" yaml:"refresh_rate"`
}

// WorkerConfig describes one worker of the pool. Empty provider settings
// fall back to the provider section.
type WorkerConfig struct {
	ID           string        `mapstructure:"id" yaml:"id"`
	Description  string        `mapstructure:"description" yaml:"description"`
	Provider     string        `mapstructure:"provider" yaml:"provider"`
	Model        string        `mapstructure:"model" yaml:"model"`
	BaseURL      string        `mapstructure:"base_url" yaml:"base_url"`
	SystemPrompt string        `mapstructure:"system_prompt" yaml:"system_prompt"`
	Temperature  *float32      `mapstructure:"temperature" yaml:"temperature"`
	Delay        time.Duration `mapstructure:"delay" yaml:"delay"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (WORKFORCE_*, ANTHROPIC_API_KEY, OPENAI_API_KEY)
// 2. Project config (.workforce.yaml in current directory or parent)
// 3. User config (~/.config/workforce/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := newViper()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading project config %s: %w", projectConfig, err)
		}
		if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	return unmarshal(v)
}

// LoadFromPath loads configuration from a specific path, still honouring
// environment overrides.
func LoadFromPath(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return unmarshal(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("WORKFORCE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.BindEnv("anthropic.api_key", "ANTHROPIC_API_KEY")
	v.BindEnv("openai.api_key", "OPENAI_API_KEY")
	return v
}

func unmarshal(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Expand ${VAR} references
	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)
	cfg.OpenAI.APIKey = expandEnv(cfg.OpenAI.APIKey)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks enumerations and the worker pool.
func (c *Config) Validate() error {
	switch c.Planner.Kind {
	case "", PlannerNone, PlannerList:
	case PlannerPlan:
		if c.Planner.PlanFile == "" {
			return errors.New("planner.plan_file is required for the plan planner")
		}
	case PlannerWorker:
		if c.Planner.Worker == "" {
			return errors.New("planner.worker is required for the worker planner")
		}
	default:
		return fmt.Errorf("unknown planner kind %q", c.Planner.Kind)
	}

	switch c.Aggregation.Policy {
	case "", "any-fail-fails-parent", "best-effort":
	default:
		return fmt.Errorf("unknown aggregation policy %q", c.Aggregation.Policy)
	}
	switch c.Aggregation.Combine {
	case "", "concat", "structured":
	case "worker":
		if c.Aggregation.Worker == "" {
			return errors.New("aggregation.worker is required when combine is worker")
		}
	default:
		return fmt.Errorf("unknown combine mode %q", c.Aggregation.Combine)
	}

	seen := make(map[string]bool, len(c.Workers))
	for i, w := range c.Workers {
		if w.ID != "" {
			if seen[w.ID] {
				return fmt.Errorf("workers[%d]: duplicate id %q", i, w.ID)
			}
			seen[w.ID] = true
		}
		switch w.Provider {
		case "", ProviderAnthropic, ProviderOpenAI, ProviderEcho:
		default:
			return fmt.Errorf("workers[%d]: unknown provider %q", i, w.Provider)
		}
	}
	return nil
}

// Save writes the configuration to the user config file.
func Save(cfg *Config) error {
	return SaveTo(cfg, GetUserConfigPath())
}

// SaveTo writes the configuration as YAML to path.
func SaveTo(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("description", d.Description)

	v.SetDefault("engine.max_attempts", d.Engine.MaxAttempts)
	v.SetDefault("engine.task_timeout", d.Engine.TaskTimeout.String())
	v.SetDefault("engine.max_decomposition_depth", d.Engine.MaxDecompositionDepth)
	v.SetDefault("engine.redecompose_on_failure", d.Engine.RedecomposeOnFailure)
	v.SetDefault("engine.poll_interval", d.Engine.PollInterval.String())

	v.SetDefault("planner.kind", d.Planner.Kind)
	v.SetDefault("planner.chain", d.Planner.Chain)

	v.SetDefault("aggregation.policy", d.Aggregation.Policy)
	v.SetDefault("aggregation.combine", d.Aggregation.Combine)

	v.SetDefault("shutdown.drain_timeout", d.Shutdown.DrainTimeout.String())
	v.SetDefault("shutdown.signal_dir", d.Shutdown.SignalDir)

	v.SetDefault("telemetry.nats_prefix", d.Telemetry.NATSPrefix)
	v.SetDefault("telemetry.db_driver", d.Telemetry.DBDriver)

	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.model", d.Anthropic.Model)
	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.temperature", d.OpenAI.Temperature)

	v.SetDefault("tui.refresh_rate", d.TUI.RefreshRate.String())
}

// getUserConfigDir returns the XDG config directory for workforce.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "workforce")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "workforce")
	}
	return filepath.Join(home, ".config", "workforce")
}

// findProjectConfig searches for .workforce.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".workforce.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// expandEnv expands ${VAR} references in a string.
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Description: "workforce",
		Engine: EngineConfig{
			MaxAttempts:           3,
			MaxDecompositionDepth: 2,
			RedecomposeOnFailure:  true,
			PollInterval:          100 * time.Millisecond,
		},
		Planner: PlannerConfig{
			Kind: PlannerList,
		},
		Aggregation: AggregationConfig{
			Policy:  "any-fail-fails-parent",
			Combine: "concat",
		},
		Shutdown: ShutdownConfig{
			DrainTimeout: 60 * time.Second,
			SignalDir:    ".workforce/signals",
		},
		Telemetry: TelemetryConfig{
			NATSPrefix: "workforce.events",
			DBDriver:   "sqlite",
		},
		Anthropic: AnthropicConfig{
			Model: "claude-sonnet-4-20250514",
		},
		OpenAI: OpenAIConfig{
			Temperature: 0.2,
		},
		TUI: TUIConfig{
			RefreshRate: 100 * time.Millisecond,
		},
	}
}

// WorkerPool is the on-disk shape of a standalone worker pool file.
type WorkerPool struct {
	Workers []WorkerConfig `yaml:"workers"`
}

// LoadWorkerPool reads a worker pool from a YAML file.
func LoadWorkerPool(path string) ([]WorkerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read worker pool: %w", err)
	}
	var pool WorkerPool
	if err := yaml.Unmarshal(data, &pool); err != nil {
		return nil, fmt.Errorf("parse worker pool %s: %w", path, err)
	}
	check := Config{Workers: pool.Workers}
	if err := check.Validate(); err != nil {
		return nil, fmt.Errorf("worker pool %s: %w", path, err)
	}
	return pool.Workers, nil
}
