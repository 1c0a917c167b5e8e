package state_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"foreman/internal/state"
)

func newManager(t *testing.T) (*state.Manager, *state.FileStore) {
	t.Helper()
	store := state.NewFileStore(t.TempDir())
	m, err := state.NewManager(context.Background(), "run-1", "", store)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m, store
}

func apply(t *testing.T, m *state.Manager, ev state.Event) state.PipelineState {
	t.Helper()
	s, err := m.Apply(context.Background(), ev)
	if err != nil {
		t.Fatalf("Apply(%s): %v", ev.Kind, err)
	}
	return s
}

func outcome(worker string, status state.Status) state.Outcome {
	now := time.Now().UTC()
	return state.Outcome{Worker: worker, Status: status, StartedAt: now, FinishedAt: now.Add(time.Second)}
}

func TestLifecycleHappyPath(t *testing.T) {
	m, store := newManager(t)

	s := apply(t, m, state.Initialized([]string{"a"}))
	if s.Lifecycle != state.LifecycleWaitingForInputs || !reflect.DeepEqual(s.Triggered, []string{"a"}) {
		t.Fatalf("unexpected state after init: %+v", s)
	}
	s = apply(t, m, state.InputsReady([]string{"a"}))
	if s.Lifecycle != state.LifecycleAgentsReady {
		t.Fatalf("expected AGENTS_READY, got %s", s.Lifecycle)
	}
	s = apply(t, m, state.Launched("a"))
	if s.Lifecycle != state.LifecycleProcessing || !reflect.DeepEqual(s.CurrentlyRunning, []string{"a"}) {
		t.Fatalf("unexpected state after launch: %+v", s)
	}
	apply(t, m, state.Recorded(outcome("a", state.StatusSuccess)))
	apply(t, m, state.Decided(state.DecisionRecord{Worker: "a", NextWorkers: []string{"b"}, Confidence: 1, Strategy: "static"}))
	s = apply(t, m, state.InputsReady([]string{"b"}))
	if s.Lifecycle != state.LifecycleAgentsReady {
		t.Fatalf("expected PROCESSING → AGENTS_READY, got %s", s.Lifecycle)
	}
	apply(t, m, state.Launched("b"))
	apply(t, m, state.Recorded(outcome("b", state.StatusSuccess)))
	s = apply(t, m, state.Drained("all triggered workers finished"))

	if s.Lifecycle != state.LifecycleCompleted || s.FinishedAt == nil {
		t.Fatalf("expected COMPLETED, got %+v", s)
	}
	if !reflect.DeepEqual(s.CompletedNames(), []string{"a", "b"}) {
		t.Fatalf("unexpected completed %v", s.CompletedNames())
	}

	persisted, err := store.Load(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if persisted.Lifecycle != state.LifecycleCompleted || len(persisted.Completed) != 2 {
		t.Fatalf("expected persisted terminal state, got %+v", persisted)
	}
}

func TestAtMostOnceExecution(t *testing.T) {
	m, _ := newManager(t)
	apply(t, m, state.Initialized([]string{"a"}))
	apply(t, m, state.InputsReady([]string{"a"}))
	apply(t, m, state.Launched("a"))
	if _, err := m.Apply(context.Background(), state.Launched("a")); !errors.Is(err, state.ErrInvalidTransition) {
		t.Fatalf("expected running worker relaunch to fail, got %v", err)
	}
	apply(t, m, state.Recorded(outcome("a", state.StatusFailure)))
	if _, err := m.Apply(context.Background(), state.Launched("a")); !errors.Is(err, state.ErrInvalidTransition) {
		t.Fatalf("expected finished worker relaunch to fail, got %v", err)
	}
	if _, err := m.Apply(context.Background(), state.Recorded(outcome("a", state.StatusSuccess))); err == nil {
		t.Fatal("expected duplicate outcome to be rejected")
	}
	s := m.Snapshot()
	if len(s.Failed) != 1 || len(s.Completed) != 0 {
		t.Fatalf("unexpected outcomes %+v", s)
	}
}

func TestTerminalStatesRejectEvents(t *testing.T) {
	m, _ := newManager(t)
	apply(t, m, state.Initialized(nil))
	apply(t, m, state.Deadlock("nothing ready"))
	if _, err := m.Apply(context.Background(), state.InputsReady(nil)); !errors.Is(err, state.ErrInvalidTransition) {
		t.Fatalf("expected terminal state to reject events, got %v", err)
	}
	if got := m.Snapshot(); got.Lifecycle != state.LifecycleFailed || got.Reason != "nothing ready" {
		t.Fatalf("unexpected terminal state %+v", got)
	}
}

func TestDrainedRequiresIdle(t *testing.T) {
	m, _ := newManager(t)
	apply(t, m, state.Initialized([]string{"a"}))
	apply(t, m, state.InputsReady([]string{"a"}))
	apply(t, m, state.Launched("a"))
	if _, err := m.Apply(context.Background(), state.Drained("")); err == nil {
		t.Fatal("expected drained with running worker to fail")
	}
}

func TestEscalationRestrictsTriggers(t *testing.T) {
	m, _ := newManager(t)
	apply(t, m, state.Initialized([]string{"a", "c"}))
	s := apply(t, m, state.Escalated(state.EscalationRecord{TriggeringWorker: "a", Reason: "unsure", Confidence: 0.2, Target: "reporter"}))
	if !reflect.DeepEqual(s.Triggered, []string{"reporter"}) {
		t.Fatalf("expected triggers restricted to reporter, got %v", s.Triggered)
	}
	s = apply(t, m, state.Decided(state.DecisionRecord{Worker: "x", NextWorkers: []string{"z"}}))
	if !reflect.DeepEqual(s.Triggered, []string{"reporter"}) {
		t.Fatalf("decisions after escalation must not trigger workers, got %v", s.Triggered)
	}
	s = apply(t, m, state.Trigger("final worker", "summary"))
	if !reflect.DeepEqual(s.Triggered, []string{"reporter"}) {
		t.Fatalf("explicit triggers after escalation must be ignored, got %v", s.Triggered)
	}
	if _, err := m.Apply(context.Background(), state.Escalated(state.EscalationRecord{TriggeringWorker: "b"})); err == nil {
		t.Fatal("expected second escalation to fail")
	}
}

func TestTriggerAddsWorkers(t *testing.T) {
	m, _ := newManager(t)
	if _, err := m.Apply(context.Background(), state.Trigger("early", "x")); err == nil {
		t.Fatal("expected trigger during INITIALIZING to fail")
	}
	apply(t, m, state.Initialized([]string{"a"}))
	s := apply(t, m, state.Trigger("final worker", "summary", "a"))
	if !reflect.DeepEqual(s.Triggered, []string{"a", "summary"}) {
		t.Fatalf("unexpected triggered set %v", s.Triggered)
	}
}

func TestRestoreClearsRunningAndRefusesTerminal(t *testing.T) {
	ctx := context.Background()
	m, store := newManager(t)
	apply(t, m, state.Initialized([]string{"a", "b"}))
	apply(t, m, state.InputsReady([]string{"a", "b"}))
	apply(t, m, state.Launched("a"))
	apply(t, m, state.Launched("b"))
	apply(t, m, state.Recorded(outcome("a", state.StatusSuccess)))

	restored, err := state.Restore(ctx, "run-1", store)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	s := restored.Snapshot()
	if len(s.CurrentlyRunning) != 0 || s.Lifecycle != state.LifecycleWaitingForInputs || s.Resumes != 1 {
		t.Fatalf("unexpected restored state %+v", s)
	}
	if !reflect.DeepEqual(s.CompletedNames(), []string{"a"}) {
		t.Fatalf("completed outcomes must survive restore, got %v", s.CompletedNames())
	}

	if _, err := restored.Apply(ctx, state.Drained("done")); err != nil {
		t.Fatal(err)
	}
	if _, err := state.Restore(ctx, "run-1", store); !errors.Is(err, state.ErrTerminal) {
		t.Fatalf("expected ErrTerminal, got %v", err)
	}
	if _, err := state.Restore(ctx, "missing", store); err == nil {
		t.Fatal("expected missing run to fail")
	}
}

func TestResetDropsSelectedOutcomes(t *testing.T) {
	ctx := context.Background()
	m, store := newManager(t)
	apply(t, m, state.Initialized([]string{"a"}))
	apply(t, m, state.InputsReady([]string{"a"}))
	apply(t, m, state.Launched("a"))
	apply(t, m, state.Launched("b"))
	apply(t, m, state.Recorded(outcome("a", state.StatusSuccess)))
	apply(t, m, state.Recorded(outcome("b", state.StatusTimeout)))
	apply(t, m, state.Escalated(state.EscalationRecord{TriggeringWorker: "b", Target: "reporter"}))
	apply(t, m, state.Deadlock("stuck"))

	s, err := state.Reset(ctx, store, "run-1", "b")
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if s.Lifecycle != state.LifecycleWaitingForInputs || s.Escalation != nil || s.FinishedAt != nil {
		t.Fatalf("unexpected reset state %+v", s)
	}
	if len(s.Failed) != 0 || len(s.Completed) != 1 {
		t.Fatalf("expected only b dropped, got %+v", s)
	}
	if _, err := state.Restore(ctx, "run-1", store); err != nil {
		t.Fatalf("reset run must be resumable: %v", err)
	}

	all, err := state.Reset(ctx, store, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if all.Lifecycle != state.LifecycleInitializing || len(all.Completed) != 0 || len(all.Triggered) != 0 {
		t.Fatalf("unexpected full reset %+v", all)
	}
}

func TestUnmarshalIgnoresUnknownFields(t *testing.T) {
	data := []byte(`{"version":7,"run_id":"r","lifecycle":"PROCESSING","future_field":{"x":1},"completed":[{"worker":"a","status":"SUCCESS","shiny":true}]}`)
	s, err := state.Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if s.RunID != "r" || s.Lifecycle != state.LifecycleProcessing || len(s.Completed) != 1 {
		t.Fatalf("unexpected state %+v", s)
	}
}

func TestFileStoreListAndCancelMarker(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store := state.NewFileStore(root)
	older := state.NewPipelineState("old", "", time.Now().Add(-time.Hour))
	newer := state.NewPipelineState("new", "", time.Now())
	for _, s := range []state.PipelineState{older, newer} {
		if err := store.Save(ctx, s); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.MkdirAll(filepath.Join(root, "junk"), 0o755); err != nil {
		t.Fatal(err)
	}
	runs, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(runs) != 2 || runs[0].RunID != "new" {
		t.Fatalf("unexpected run listing %+v", runs)
	}

	if store.CancelRequested("new") {
		t.Fatal("no cancel expected yet")
	}
	if err := store.RequestCancel("new"); err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}
	if !store.CancelRequested("new") {
		t.Fatal("expected cancel marker")
	}
	if err := store.ClearCancel("new"); err != nil || store.CancelRequested("new") {
		t.Fatalf("expected cancel marker cleared, err=%v", err)
	}
	if err := store.RequestCancel("ghost"); !errors.Is(err, state.ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}

func TestFileStoreLockIsExclusive(t *testing.T) {
	store := state.NewFileStore(t.TempDir())
	unlock, err := store.Lock("run-1")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	defer func() { _ = unlock() }()
	if _, err := store.Lock("run-1"); !errors.Is(err, state.ErrRunLocked) {
		t.Fatalf("expected ErrRunLocked, got %v", err)
	}
}

func TestValidateRunID(t *testing.T) {
	for _, bad := range []string{"", " ", "../x", "a/b", ".hidden"} {
		if err := state.ValidateRunID(bad); err == nil {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
	if err := state.ValidateRunID("20261017-abc"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
