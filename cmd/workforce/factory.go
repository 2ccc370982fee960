package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/ShayCichocki/workforce/internal/config"
	"github.com/ShayCichocki/workforce/internal/orchestrator"
	"github.com/ShayCichocki/workforce/internal/worker"
)

// builtWorker is a configured worker ready for registration.
type builtWorker struct {
	id          string
	description string
	proc        worker.Processor
}

// buildWorkers creates a processor for every configured worker.
func buildWorkers(ctx context.Context, cfg *config.Config) ([]builtWorker, error) {
	if len(cfg.Workers) == 0 {
		return nil, fmt.Errorf("no workers configured: add a workers section or pass --workers")
	}
	out := make([]builtWorker, 0, len(cfg.Workers))
	for _, wc := range cfg.Workers {
		proc, err := newProcessor(ctx, cfg, wc)
		if err != nil {
			return nil, fmt.Errorf("worker %s: %w", wc.ID, err)
		}
		out = append(out, builtWorker{id: wc.ID, description: wc.Description, proc: proc})
	}
	return out, nil
}

// newProcessor creates the processor for one worker. Provider settings left
// empty on the worker fall back to the provider section of cfg.
func newProcessor(ctx context.Context, cfg *config.Config, wc config.WorkerConfig) (worker.Processor, error) {
	provider := wc.Provider
	if provider == "" {
		provider = config.ProviderAnthropic
	}

	switch provider {
	case config.ProviderEcho:
		return worker.EchoWorker{Delay: wc.Delay}, nil

	case config.ProviderAnthropic:
		acfg := worker.AnthropicConfig{
			Model:         anthropic.Model(firstNonEmpty(wc.Model, cfg.Anthropic.Model)),
			BaseURL:       firstNonEmpty(wc.BaseURL, cfg.Anthropic.BaseURL),
			UseAWSBedrock: cfg.Anthropic.UseBedrock,
			AWSRegion:     cfg.Anthropic.AWSRegion,
			AWSProfile:    cfg.Anthropic.AWSProfile,
			SystemPrompt:  wc.SystemPrompt,
		}
		if !acfg.UseAWSBedrock {
			key, err := config.GetAPIKey(cfg, config.ProviderAnthropic)
			if err != nil {
				return nil, err
			}
			acfg.APIKey = key
		}
		return worker.NewAnthropicWorker(ctx, acfg)

	case config.ProviderOpenAI:
		ocfg := worker.OpenAIConfig{
			Model:        firstNonEmpty(wc.Model, cfg.OpenAI.Model),
			BaseURL:      firstNonEmpty(wc.BaseURL, cfg.OpenAI.BaseURL),
			Temperature:  cfg.OpenAI.Temperature,
			SystemPrompt: wc.SystemPrompt,
		}
		if wc.Temperature != nil {
			ocfg.Temperature = *wc.Temperature
		}
		// Self-hosted endpoints often run without a key.
		if key, err := config.GetAPIKey(cfg, config.ProviderOpenAI); err == nil {
			ocfg.APIKey = key
		} else if ocfg.BaseURL == "" {
			return nil, err
		}
		return worker.NewOpenAIWorker(ocfg)

	default:
		return nil, fmt.Errorf("unknown provider %q", provider)
	}
}

// buildPlanner returns the decomposer for fresh tasks and the one used to
// re-plan failed tasks. A nil fallback lets the coordinator reuse the planner.
func buildPlanner(cfg *config.Config, workers []builtWorker) (orchestrator.Decomposer, orchestrator.Decomposer, error) {
	switch cfg.Planner.Kind {
	case "", config.PlannerList:
		return orchestrator.ListDecomposer{Chain: cfg.Planner.Chain}, nil, nil

	case config.PlannerNone:
		return orchestrator.NoDecomposer, nil, nil

	case config.PlannerPlan:
		plan, err := orchestrator.LoadPlan(cfg.Planner.PlanFile)
		if err != nil {
			return nil, nil, err
		}
		pd := orchestrator.NewPlanDecomposer(plan)
		return pd, pd.Fallback(), nil

	case config.PlannerWorker:
		for _, w := range workers {
			if w.id == cfg.Planner.Worker {
				return orchestrator.NewWorkerDecomposer(w.proc), nil, nil
			}
		}
		return nil, nil, fmt.Errorf("planner worker %q is not configured", cfg.Planner.Worker)

	default:
		return nil, nil, fmt.Errorf("unknown planner kind %q", cfg.Planner.Kind)
	}
}

// workforceOptions maps the configuration onto orchestrator options.
func workforceOptions(cfg *config.Config, planner, fallback orchestrator.Decomposer) ([]orchestrator.Option, error) {
	opts := []orchestrator.Option{
		orchestrator.WithDescription(cfg.Description),
		orchestrator.WithMaxAttempts(cfg.Engine.MaxAttempts),
		orchestrator.WithTaskTimeout(cfg.Engine.TaskTimeout),
		orchestrator.WithMaxDecompositionDepth(cfg.Engine.MaxDecompositionDepth),
		orchestrator.WithRedecomposeOnFailure(cfg.Engine.RedecomposeOnFailure),
		orchestrator.WithPollInterval(cfg.Engine.PollInterval),
		orchestrator.WithDrainTimeout(cfg.Shutdown.DrainTimeout),
		orchestrator.WithAggregation(
			orchestrator.AggregationPolicy(cfg.Aggregation.Policy),
			orchestrator.CombineMode(cfg.Aggregation.Combine),
		),
		orchestrator.WithPlanner(planner),
	}
	if fallback != nil {
		opts = append(opts, orchestrator.WithFallbackDecomposer(fallback))
	}
	if orchestrator.CombineMode(cfg.Aggregation.Combine) == orchestrator.CombineWorker {
		opts = append(opts, orchestrator.WithAggregatorWorker(cfg.Aggregation.Worker))
	}
	if cfg.Telemetry.LogDir != "" {
		logger, err := orchestrator.NewDebugLogger(filepath.Join(cfg.Telemetry.LogDir, "workforce-debug.log"))
		if err != nil {
			return nil, fmt.Errorf("open debug log: %w", err)
		}
		opts = append(opts, orchestrator.WithLogger(logger))
	}
	return opts, nil
}

// newWorkforce builds a workforce with every configured worker registered.
func newWorkforce(ctx context.Context, cfg *config.Config) (*orchestrator.Workforce, error) {
	workers, err := buildWorkers(ctx, cfg)
	if err != nil {
		return nil, err
	}
	planner, fallback, err := buildPlanner(cfg, workers)
	if err != nil {
		return nil, err
	}
	opts, err := workforceOptions(cfg, planner, fallback)
	if err != nil {
		return nil, err
	}

	wf := orchestrator.New(opts...)
	for _, w := range workers {
		if err := wf.Register(w.id, w.description, w.proc); err != nil {
			return nil, err
		}
	}
	return wf, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
