package orchestrator

import (
	"time"

	"github.com/ShayCichocki/workforce/internal/telemetry"
)

// Config contains the tunables of a Workforce. Zero values fall back to
// the defaults from DefaultConfig.
type Config struct {
	// Description names the workforce in logs and the TUI.
	Description string
	// MaxAttempts is the attempt budget per task.
	MaxAttempts int
	// TaskTimeout bounds one attempt; zero disables it.
	TaskTimeout time.Duration
	// MaxDecompositionDepth is the depth at which tasks stop being split.
	MaxDecompositionDepth int
	// RedecomposeOnFailure re-plans tasks whose retries are exhausted.
	RedecomposeOnFailure bool
	// PollInterval is the idle re-check period of run loops.
	PollInterval time.Duration
	// DrainTimeout is the shutdown deadline used by signal files.
	DrainTimeout time.Duration
	// Policy and Combine control aggregation of subtask results.
	Policy  AggregationPolicy
	Combine CombineMode
	// AggregatorWorker is the worker used when Combine is CombineWorker.
	AggregatorWorker string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Description:           "workforce",
		MaxAttempts:           DefaultMaxAttempts,
		MaxDecompositionDepth: DefaultMaxDecompositionDepth,
		RedecomposeOnFailure:  true,
		PollInterval:          DefaultPollInterval,
		DrainTimeout:          DefaultDrainTimeout,
		Policy:                PolicyAnyFailFailsParent,
		Combine:               CombineConcat,
	}
}

// Option configures a Workforce. Use With* functions to create Options.
type Option func(*workforceOptions)

// workforceOptions holds everything set through Options.
type workforceOptions struct {
	cfg      Config
	matcher  Matcher
	planner  Decomposer
	fallback Decomposer
	logger   *DebugLogger
	events   *telemetry.Log
}

// WithConfig replaces the whole configuration.
func WithConfig(cfg Config) Option {
	return func(o *workforceOptions) { o.cfg = cfg }
}

// WithDescription sets the workforce description.
func WithDescription(desc string) Option {
	return func(o *workforceOptions) { o.cfg.Description = desc }
}

// WithMaxAttempts sets the attempt budget per task.
func WithMaxAttempts(n int) Option {
	return func(o *workforceOptions) { o.cfg.MaxAttempts = n }
}

// WithTaskTimeout bounds a single attempt.
func WithTaskTimeout(d time.Duration) Option {
	return func(o *workforceOptions) { o.cfg.TaskTimeout = d }
}

// WithMaxDecompositionDepth sets the decomposition depth limit.
func WithMaxDecompositionDepth(n int) Option {
	return func(o *workforceOptions) { o.cfg.MaxDecompositionDepth = n }
}

// WithRedecomposeOnFailure enables or disables re-planning of failed tasks.
func WithRedecomposeOnFailure(b bool) Option {
	return func(o *workforceOptions) { o.cfg.RedecomposeOnFailure = b }
}

// WithPollInterval sets the idle re-check period.
func WithPollInterval(d time.Duration) Option {
	return func(o *workforceOptions) { o.cfg.PollInterval = d }
}

// WithDrainTimeout sets the default shutdown deadline.
func WithDrainTimeout(d time.Duration) Option {
	return func(o *workforceOptions) { o.cfg.DrainTimeout = d }
}

// WithAggregation sets the aggregation policy and combine mode.
func WithAggregation(policy AggregationPolicy, combine CombineMode) Option {
	return func(o *workforceOptions) {
		o.cfg.Policy = policy
		o.cfg.Combine = combine
	}
}

// WithAggregatorWorker combines subtask results with the given worker.
func WithAggregatorWorker(id string) Option {
	return func(o *workforceOptions) {
		o.cfg.Combine = CombineWorker
		o.cfg.AggregatorWorker = id
	}
}

// WithMatcher sets the capability matcher.
func WithMatcher(m Matcher) Option {
	return func(o *workforceOptions) { o.matcher = m }
}

// WithPlanner sets the decomposer used for fresh tasks.
func WithPlanner(d Decomposer) Option {
	return func(o *workforceOptions) { o.planner = d }
}

// WithFallbackDecomposer sets the decomposer used to re-plan failed tasks.
func WithFallbackDecomposer(d Decomposer) Option {
	return func(o *workforceOptions) { o.fallback = d }
}

// WithLogger sets the debug logger.
func WithLogger(l *DebugLogger) Option {
	return func(o *workforceOptions) { o.logger = l }
}

// WithEventLog records events into an existing log (mainly for testing).
func WithEventLog(l *telemetry.Log) Option {
	return func(o *workforceOptions) { o.events = l }
}

// applyDefaults fills zero fields from DefaultConfig.
func (c Config) applyDefaults() Config {
	def := DefaultConfig()
	if c.Description == "" {
		c.Description = def.Description
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.MaxDecompositionDepth <= 0 {
		c.MaxDecompositionDepth = def.MaxDecompositionDepth
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = def.DrainTimeout
	}
	if c.Policy == "" {
		c.Policy = def.Policy
	}
	if c.Combine == "" {
		c.Combine = def.Combine
	}
	return c
}
