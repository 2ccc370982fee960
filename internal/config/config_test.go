package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Engine.MaxAttempts != 3 || cfg.Engine.MaxDecompositionDepth != 2 || !cfg.Engine.RedecomposeOnFailure {
		t.Errorf("engine defaults = %+v", cfg.Engine)
	}
	if cfg.Shutdown.DrainTimeout != 60*time.Second {
		t.Errorf("expected drain timeout 60s, got %v", cfg.Shutdown.DrainTimeout)
	}
	if cfg.Planner.Kind != PlannerList {
		t.Errorf("expected list planner, got %q", cfg.Planner.Kind)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

const sampleConfig = `
description: clinical trial matching
engine:
  max_attempts: 5
  task_timeout: 90s
  redecompose_on_failure: false
planner:
  kind: plan
  plan_file: plans/trials.yaml
aggregation:
  policy: best-effort
  combine: worker
  worker: editor
shutdown:
  drain_timeout: 5s
telemetry:
  metrics_addr: ":9090"
  db_path: /tmp/wf.db
openai:
  base_url: http://localhost:8000/v1
  model: qwen
  api_key: ${WF_TEST_KEY}
workers:
  - id: summarizer
    description: summarizes patient records
    provider: openai
    temperature: 0
  - id: editor
    description: merges partial answers
    provider: echo
    delay: 50ms
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestLoadFromPath(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("WF_TEST_KEY", "sk-expanded-from-env")

	cfg, err := LoadFromPath(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("LoadFromPath() error = %v", err)
	}

	if cfg.Description != "clinical trial matching" {
		t.Errorf("description = %q", cfg.Description)
	}
	if cfg.Engine.MaxAttempts != 5 || cfg.Engine.TaskTimeout != 90*time.Second || cfg.Engine.RedecomposeOnFailure {
		t.Errorf("engine = %+v", cfg.Engine)
	}
	// Unset keys keep their defaults.
	if cfg.Engine.MaxDecompositionDepth != 2 || cfg.Engine.PollInterval != 100*time.Millisecond {
		t.Errorf("engine defaults lost: %+v", cfg.Engine)
	}
	if cfg.Aggregation.Combine != "worker" || cfg.Aggregation.Worker != "editor" {
		t.Errorf("aggregation = %+v", cfg.Aggregation)
	}
	if cfg.Shutdown.DrainTimeout != 5*time.Second {
		t.Errorf("drain timeout = %v", cfg.Shutdown.DrainTimeout)
	}
	if cfg.OpenAI.APIKey != "sk-expanded-from-env" {
		t.Errorf("api key not expanded: %q", cfg.OpenAI.APIKey)
	}

	if len(cfg.Workers) != 2 {
		t.Fatalf("workers = %+v", cfg.Workers)
	}
	if w := cfg.Workers[0]; w.ID != "summarizer" || w.Provider != ProviderOpenAI || w.Temperature == nil || *w.Temperature != 0 {
		t.Errorf("worker[0] = %+v", w)
	}
	if w := cfg.Workers[1]; w.Delay != 50*time.Millisecond {
		t.Errorf("worker[1] delay = %v", w.Delay)
	}
}

func TestLoadFromPath_EnvOverride(t *testing.T) {
	t.Setenv("WORKFORCE_ENGINE_MAX_ATTEMPTS", "7")
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-from-environment")

	cfg, err := LoadFromPath(writeConfig(t, "engine:\n  max_attempts: 2\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Engine.MaxAttempts != 7 {
		t.Errorf("max_attempts = %d, want env override 7", cfg.Engine.MaxAttempts)
	}
	if cfg.Anthropic.APIKey != "sk-ant-from-environment" {
		t.Errorf("anthropic key = %q", cfg.Anthropic.APIKey)
	}
}

func TestLoadFromPath_Errors(t *testing.T) {
	if _, err := LoadFromPath(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	tests := []struct {
		name, content, contains string
	}{
		{"planner kind", "planner:\n  kind: magic\n", "unknown planner"},
		{"plan without file", "planner:\n  kind: plan\n", "plan_file"},
		{"combine worker without worker", "aggregation:\n  combine: worker\n", "aggregation.worker"},
		{"bad policy", "aggregation:\n  policy: yolo\n", "policy"},
		{"duplicate worker", "workers:\n  - {id: a}\n  - {id: a}\n", "duplicate"},
		{"bad provider", "workers:\n  - {id: a, provider: cohere}\n", "provider"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromPath(writeConfig(t, tt.content))
			if err == nil || !strings.Contains(err.Error(), tt.contains) {
				t.Errorf("error = %v, want mention of %q", err, tt.contains)
			}
		})
	}
}

func TestLoad_UserAndProject(t *testing.T) {
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)
	userDir := filepath.Join(xdg, "workforce")
	if err := os.MkdirAll(userDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(userDir, "config.yaml"), []byte("description: from user\nengine:\n  max_attempts: 4\n"), 0644); err != nil {
		t.Fatal(err)
	}

	project := t.TempDir()
	if err := os.WriteFile(filepath.Join(project, ".workforce.yaml"), []byte("description: from project\n"), 0644); err != nil {
		t.Fatal(err)
	}
	sub := filepath.Join(project, "nested", "dir")
	if err := os.MkdirAll(sub, 0755); err != nil {
		t.Fatal(err)
	}
	t.Chdir(sub)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Description != "from project" {
		t.Errorf("description = %q, want project override", cfg.Description)
	}
	if cfg.Engine.MaxAttempts != 4 {
		t.Errorf("max_attempts = %d, want user value 4", cfg.Engine.MaxAttempts)
	}
	if GetProjectConfigPath() != filepath.Join(project, ".workforce.yaml") {
		t.Errorf("project config path = %q", GetProjectConfigPath())
	}
}

func TestSaveToRoundTrip(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	cfg := Default()
	cfg.Description = "saved"
	cfg.Engine.TaskTimeout = 2 * time.Minute
	cfg.Workers = []WorkerConfig{{ID: "w1", Description: "echoes", Provider: ProviderEcho}}

	path := filepath.Join(t.TempDir(), "out", "config.yaml")
	if err := SaveTo(cfg, path); err != nil {
		t.Fatalf("SaveTo() error = %v", err)
	}
	got, err := LoadFromPath(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.Description != "saved" || got.Engine.TaskTimeout != 2*time.Minute || len(got.Workers) != 1 || got.Workers[0].ID != "w1" {
		t.Errorf("round trip = %+v", got)
	}
}

func TestLoadWorkerPool(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pool.yaml")
	pool := `
workers:
  - id: ranker
    description: ranks trials by fit
    provider: anthropic
    system_prompt: You rank clinical trials.
  - description: general helper
    provider: echo
`
	if err := os.WriteFile(path, []byte(pool), 0644); err != nil {
		t.Fatal(err)
	}
	workers, err := LoadWorkerPool(path)
	if err != nil {
		t.Fatalf("LoadWorkerPool() error = %v", err)
	}
	if len(workers) != 2 || workers[0].SystemPrompt != "You rank clinical trials." || workers[1].ID != "" {
		t.Errorf("workers = %+v", workers)
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("workers:\n  - {id: x, provider: nope}\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadWorkerPool(bad); err == nil {
		t.Error("expected error for unknown provider")
	}
}
