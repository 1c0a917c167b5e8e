package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"foreman/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// Routing is static, notifications are off, and the poll interval is short.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.RunsDir = filepath.Join(base, "runs")
	cfgVal.Paths.WorkersDir = filepath.Join(base, "workers")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Decision.Mode = config.DecisionModeStatic
	cfgVal.Pipeline.PollIntervalSeconds = 1
	cfgVal.Pipeline.RunTimeoutMinutes = 1
	cfgVal.Notifications.NtfyTopic = ""

	if err := os.MkdirAll(cfgVal.Paths.WorkersDir, 0o755); err != nil {
		t.Fatalf("mkdir workers dir: %v", err)
	}

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithGoal registers a named goal.
func WithGoal(name string, goal config.Goal) ConfigOption {
	return func(b *configBuilder) {
		if b.cfg.Goals == nil {
			b.cfg.Goals = make(map[string]config.Goal)
		}
		b.cfg.Goals[name] = goal
	}
}

// WithSQLiteState switches state persistence to the SQLite backend.
func WithSQLiteState() ConfigOption {
	return func(b *configBuilder) {
		b.cfg.State.Backend = config.StateBackendSQLite
	}
}

// WithFinalWorker sets the worker that runs once at the end of a run.
func WithFinalWorker(name string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Pipeline.FinalWorker = name
	}
}

// WithExternalInputs declares keys seeded from outside the pipeline.
func WithExternalInputs(keys ...string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Pipeline.ExternalInputs = append(b.cfg.Pipeline.ExternalInputs, keys...)
	}
}

// WithStubbedBinaries writes stub executables for the provided names and
// prepends them to PATH. Each stub exits 0.
func WithStubbedBinaries(names ...string) ConfigOption {
	return func(b *configBuilder) {
		binDir := filepath.Join(b.baseDir, "bin")
		if err := os.MkdirAll(binDir, 0o755); err != nil {
			b.t.Fatalf("mkdir bin dir: %v", err)
		}
		script := []byte("#!/bin/sh\nexit 0\n")
		for _, name := range names {
			target := filepath.Join(binDir, name)
			if err := os.WriteFile(target, script, 0o755); err != nil {
				b.t.Fatalf("write stub %s: %v", name, err)
			}
		}

		oldPath := os.Getenv("PATH")
		if err := os.Setenv("PATH", binDir+string(os.PathListSeparator)+oldPath); err != nil {
			b.t.Fatalf("set PATH: %v", err)
		}
		b.t.Cleanup(func() {
			_ = os.Setenv("PATH", oldPath)
		})
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.RunsDir)
}
