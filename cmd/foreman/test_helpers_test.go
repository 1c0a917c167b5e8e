package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"foreman/internal/config"
	"foreman/internal/testsupport"
)

const geowizDescriptor = `
name = "geowiz"
timeout_seconds = 10
outputs = ["geology/summary.json"]

[inputs]
required = ["seed.las"]

[invocation]
command = "/bin/sh"
args = ["-c", "mkdir -p \"$OUT_DIR/geology\" && cat \"$FOREMAN_INPUT_SEED_LAS\" > \"$OUT_DIR/geology/summary.json\""]

[transitions]
on_success = ["reporter"]
`

const reporterDescriptor = `
name = "reporter"
timeout_seconds = 10
outputs = ["report.md"]

[inputs]
required = ["geology/summary.json"]

[invocation]
command = "/bin/sh"
args = ["-c", "printf 'run %s\n' \"$RUN_ID\" > \"$OUT_DIR/report.md\""]
`

type cliTestEnv struct {
	cfg        *config.Config
	configPath string
	seedPath   string
}

func setupCLITestEnv(t *testing.T, opts ...testsupport.ConfigOption) *cliTestEnv {
	t.Helper()

	opts = append([]testsupport.ConfigOption{testsupport.WithExternalInputs("seed.las")}, opts...)
	cfg := testsupport.NewConfig(t, opts...)
	base := testsupport.BaseDir(cfg)
	t.Setenv("HOME", filepath.Join(base, "home"))
	t.Chdir(base)

	testsupport.WriteWorker(t, cfg.Paths.WorkersDir, "geowiz", geowizDescriptor)
	testsupport.WriteWorker(t, cfg.Paths.WorkersDir, "reporter", reporterDescriptor)

	seedPath := filepath.Join(base, "well.las")
	if err := os.WriteFile(seedPath, []byte("LAS 2.0"), 0o644); err != nil {
		t.Fatalf("write seed: %v", err)
	}

	configPath := filepath.Join(base, "foreman.toml")
	writeTestConfig(t, configPath, cfg)

	return &cliTestEnv{cfg: cfg, configPath: configPath, seedPath: seedPath}
}

func writeTestConfig(t *testing.T, path string, cfg *config.Config) {
	t.Helper()
	data, err := cfg.Encode()
	if err != nil {
		t.Fatalf("encode config: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func runCLI(t *testing.T, configPath string, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	var flags []string
	if configPath != "" {
		flags = append(flags, "--config", configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}
