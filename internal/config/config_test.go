package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"foreman/internal/config"
)

func TestLoadDefaultConfigExpandsPaths(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	t.Chdir(t.TempDir())

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if resolved == "" {
		t.Fatal("expected resolved path")
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}

	wantRuns := filepath.Join(tempHome, ".local", "share", "foreman", "runs")
	if cfg.Paths.RunsDir != wantRuns {
		t.Fatalf("unexpected runs dir: got %q want %q", cfg.Paths.RunsDir, wantRuns)
	}
	if cfg.Pipeline.RunTimeoutMinutes != 30 {
		t.Fatalf("expected 30 minute run timeout, got %d", cfg.Pipeline.RunTimeoutMinutes)
	}
	if cfg.Decision.ConfidenceThreshold != 0.7 {
		t.Fatalf("expected 0.7 confidence threshold, got %v", cfg.Decision.ConfidenceThreshold)
	}
	if cfg.Decision.Mode != config.DecisionModeAdaptive {
		t.Fatalf("expected adaptive default mode, got %q", cfg.Decision.Mode)
	}
	if cfg.AdaptiveEnabled() {
		t.Fatal("expected adaptive routing disabled without a provider")
	}
	if cfg.Artifacts.Backend != config.ArtifactBackendDir {
		t.Fatalf("expected dir backend, got %q", cfg.Artifacts.Backend)
	}
	if got := cfg.RunOutputDir("abc"); got != filepath.Join(wantRuns, "abc", "out") {
		t.Fatalf("unexpected run output dir %q", got)
	}
	if got := cfg.SQLitePath(); got != filepath.Join(wantRuns, "foreman.db") {
		t.Fatalf("unexpected sqlite path %q", got)
	}
}

func TestLoadCustomConfig(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	t.Setenv("OPENROUTER_API_KEY", "or-key")

	configPath := filepath.Join(t.TempDir(), "config.toml")
	content := `
[paths]
runs_dir = "~/runs"
workers_dir = "~/workers"

[pipeline]
max_parallel = 2
timeout_policy = "Complete_If_Progress"
external_inputs = [" inputs/well.las ", ""]

[decision]
provider = "OpenRouter"
confidence_threshold = 0.8
escalate_below = 0.3

[goals.review]
description = "review"
initial_workers = ["geowiz", " econobot "]
expected_outputs = ["reports/summary.md"]
`
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, resolved, exists, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists || resolved != configPath {
		t.Fatalf("expected config file to be used, got %q exists=%v", resolved, exists)
	}
	if cfg.Paths.RunsDir != filepath.Join(tempHome, "runs") {
		t.Fatalf("unexpected runs dir: %q", cfg.Paths.RunsDir)
	}
	if cfg.Pipeline.TimeoutPolicy != config.TimeoutPolicyCompleteIfProgress {
		t.Fatalf("unexpected timeout policy %q", cfg.Pipeline.TimeoutPolicy)
	}
	if len(cfg.Pipeline.ExternalInputs) != 1 || cfg.Pipeline.ExternalInputs[0] != "inputs/well.las" {
		t.Fatalf("unexpected external inputs %v", cfg.Pipeline.ExternalInputs)
	}
	if cfg.LLM.APIKey != "or-key" {
		t.Fatalf("expected llm key from env, got %q", cfg.LLM.APIKey)
	}
	if !cfg.AdaptiveEnabled() {
		t.Fatal("expected adaptive routing with openrouter provider")
	}
	goal, ok := cfg.Goal("review")
	if !ok {
		t.Fatal("expected review goal")
	}
	if len(goal.InitialWorkers) != 2 || goal.InitialWorkers[1] != "econobot" {
		t.Fatalf("unexpected initial workers %v", goal.InitialWorkers)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	configPath := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(configPath, []byte("[pipeline]\nmax_paralel = 3\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, _, _, err := config.Load(configPath); err == nil {
		t.Fatal("expected unknown field to be rejected")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*config.Config){
		"timeout_policy": func(c *config.Config) { c.Pipeline.TimeoutPolicy = "maybe" },
		"threshold":      func(c *config.Config) { c.Decision.ConfidenceThreshold = 1.5 },
		"escalate_below": func(c *config.Config) { c.Decision.EscalateBelow = 0.9 },
		"mode":           func(c *config.Config) { c.Decision.Mode = "random" },
		"provider_key":   func(c *config.Config) { c.Decision.Provider = config.ProviderGemini },
		"max_parallel":   func(c *config.Config) { c.Pipeline.MaxParallel = -1 },
		"s3":             func(c *config.Config) { c.Artifacts.Backend = config.ArtifactBackendS3 },
		"postgres":       func(c *config.Config) { c.Artifacts.Backend = config.ArtifactBackendPostgres },
		"state":          func(c *config.Config) { c.State.Backend = "etcd" },
		"poll":           func(c *config.Config) { c.Pipeline.PollIntervalSeconds = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := config.Default()
			mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error for %s", name)
			}
		})
	}
}

func TestCreateSampleLoads(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample: %v", err)
	}
	cfg, _, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("sample config should load: %v", err)
	}
	if !exists {
		t.Fatal("expected sample file to exist")
	}
	encoded, err := cfg.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.Contains(string(encoded), "runs_dir") {
		t.Fatalf("expected encoded config to contain runs_dir, got %s", encoded)
	}
}
