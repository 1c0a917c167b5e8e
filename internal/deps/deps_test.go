package deps

import (
	"os"
	"path/filepath"
	"testing"

	"foreman/internal/registry"
)

func TestCheckBinaries(t *testing.T) {
	binDir := t.TempDir()
	present := filepath.Join(binDir, "present")
	script := []byte("#!/bin/sh\nexit 0\n")
	if err := os.WriteFile(present, script, 0o755); err != nil {
		t.Fatalf("write stub: %v", err)
	}
	reqs := []Requirement{
		{Name: "Present", Command: present},
		{Name: "Missing", Command: "clearly-not-present-binary"},
		{Name: "Templated", Command: "${OUT_DIR}/tool"},
		{Name: "Empty"},
	}

	results := CheckBinaries(reqs)
	if len(results) != len(reqs) {
		t.Fatalf("expected %d results, got %d", len(reqs), len(results))
	}
	if !results[0].Available || results[0].Detail != "" {
		t.Fatalf("expected first requirement to be available, got %#v", results[0])
	}
	if results[1].Available || results[1].Detail == "" {
		t.Fatalf("expected missing binary to be reported, got %#v", results[1])
	}
	if results[1].Command != "clearly-not-present-binary" {
		t.Fatalf("unexpected command recorded: %s", results[1].Command)
	}
	if !results[2].Available {
		t.Fatalf("templated commands are checked at launch, got %#v", results[2])
	}
	if results[3].Available || results[3].Detail != "command not configured" {
		t.Fatalf("unexpected status for empty command: %#v", results[3])
	}
}

func TestWorkerRequirementsMarksOptionalWorkers(t *testing.T) {
	descs := []registry.Descriptor{
		{Name: "geowiz", Invocation: registry.Invocation{Command: "clearly-not-present-geowiz"}},
		{Name: "reporter", Invocation: registry.Invocation{Command: "clearly-not-present-reporter"}},
	}
	statuses := CheckBinaries(WorkerRequirements(descs, "reporter"))
	missing := Missing(statuses)
	if len(missing) != 1 || missing[0].Name != "geowiz" {
		t.Fatalf("expected only geowiz to be missing, got %#v", missing)
	}
	if !statuses[1].Optional {
		t.Fatalf("expected reporter to be optional")
	}
}
