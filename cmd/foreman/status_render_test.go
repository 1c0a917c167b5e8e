package main

import (
	"strings"
	"testing"

	"foreman/internal/state"
)

func TestLifecycleLabel(t *testing.T) {
	cases := map[state.Lifecycle]string{
		state.LifecycleAgentsReady:      "Agents Ready",
		state.LifecycleWaitingForInputs: "Waiting For Inputs",
		state.LifecycleCompleted:        "Completed",
		"":                              "Unknown",
	}
	for in, want := range cases {
		if got := lifecycleLabel(in); got != want {
			t.Fatalf("lifecycleLabel(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRenderStatusLineColorizes(t *testing.T) {
	plain := renderStatusLine("Lifecycle", statusError, "Failed", false)
	if strings.Contains(plain, "\x1b[") || !strings.Contains(plain, "[ERROR] Failed") {
		t.Fatalf("unexpected plain line %q", plain)
	}
	colored := renderStatusLine("Lifecycle", statusOK, "Completed", true)
	if !strings.HasPrefix(colored, ansiGreen) || !strings.HasSuffix(colored, ansiReset) {
		t.Fatalf("expected green line, got %q", colored)
	}
}

func TestRenderStateListsPendingWorkers(t *testing.T) {
	s := state.PipelineState{
		RunID:            "r1",
		Lifecycle:        state.LifecycleProcessing,
		Completed:        []state.Outcome{{Worker: "a", Status: state.StatusSuccess}},
		CurrentlyRunning: []string{"b"},
		Triggered:        []string{"a", "b", "c"},
	}
	out := renderState(s, false)
	if !strings.Contains(out, "Running:") || !strings.Contains(out, "Triggered:") {
		t.Fatalf("missing sections:\n%s", out)
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, "Triggered:") && !strings.HasSuffix(line, " c") {
			t.Fatalf("expected only c pending, got %q", line)
		}
	}
}
