package pipeline_test

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"foreman/internal/artifact"
	"foreman/internal/config"
	"foreman/internal/decision"
	"foreman/internal/escalation"
	"foreman/internal/execution"
	"foreman/internal/pipeline"
	"foreman/internal/registry"
	"foreman/internal/services"
	"foreman/internal/state"
)

// scripted launches workers in-process. The command of every test descriptor
// is the worker name; a worker exits 0 and writes its outputs unless a
// behaviour is registered for it.
type scripted struct {
	store   artifact.Store
	outputs map[string][]string

	mu     sync.Mutex
	order  []string
	behave map[string]func(ctx context.Context) int
}

func (s *scripted) Launch(ctx context.Context, spec execution.LaunchSpec) (execution.LaunchResult, error) {
	name := spec.Command
	s.mu.Lock()
	s.order = append(s.order, name)
	fn := s.behave[name]
	s.mu.Unlock()

	code := 0
	if fn != nil {
		code = fn(ctx)
	}
	if code == 0 {
		for _, key := range s.outputs[name] {
			if err := s.store.Put(ctx, key, []byte("from "+name), name); err != nil {
				return execution.LaunchResult{ExitCode: 1}, nil
			}
		}
	}
	return execution.LaunchResult{ExitCode: code}, nil
}

func (s *scripted) on(name string, fn func(ctx context.Context) int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.behave[name] = fn
}

func (s *scripted) launches() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

func blockUntilCancelled(ctx context.Context) int {
	<-ctx.Done()
	return -1
}

type worker struct {
	name      string
	requires  []string
	outputs   []string
	onSuccess []string
	onFailure []string
	timeout   int
}

func (w worker) descriptor() registry.Descriptor {
	timeout := w.timeout
	if timeout == 0 {
		timeout = 30
	}
	return registry.Descriptor{
		Name:           w.name,
		TimeoutSeconds: timeout,
		Terminal:       len(w.outputs) == 0,
		Outputs:        w.outputs,
		Inputs:         registry.Inputs{Required: w.requires},
		Invocation:     registry.Invocation{Command: w.name},
		Transitions:    registry.Transitions{OnSuccess: w.onSuccess, OnFailure: w.onFailure},
	}
}

type harness struct {
	t        *testing.T
	store    *artifact.MemoryStore
	reg      *registry.Registry
	launcher *scripted
	manager  *state.Manager
	files    *state.FileStore
	opts     pipeline.Options
	seen     *lifecycleLog
}

// lifecycleLog records every lifecycle the manager moves through.
type lifecycleLog struct {
	mu    sync.Mutex
	steps []string
}

func (l *lifecycleLog) observe(prev, next state.PipelineState, _ state.Event) {
	if prev.Lifecycle == next.Lifecycle {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.steps = append(l.steps, string(next.Lifecycle))
}

func (l *lifecycleLog) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return strings.Join(l.steps, ">")
}

func newHarness(t *testing.T, external []string, workers ...worker) *harness {
	t.Helper()
	store := artifact.NewMemoryStore()
	descs := make([]registry.Descriptor, 0, len(workers))
	outputs := make(map[string][]string, len(workers))
	for _, w := range workers {
		descs = append(descs, w.descriptor())
		outputs[w.name] = w.outputs
	}
	reg, err := registry.New(descs, registry.Options{ExternalInputs: external})
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	launcher := &scripted{store: store, outputs: outputs, behave: make(map[string]func(context.Context) int)}
	engine, err := execution.NewEngine(execution.Options{
		RunID:    "run-1",
		OutDir:   t.TempDir(),
		Store:    store,
		Launcher: launcher,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	files := state.NewFileStore(t.TempDir())
	seen := &lifecycleLog{}
	manager, err := state.NewManager(context.Background(), "run-1", "", files, state.WithListener(seen.observe))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return &harness{
		t:        t,
		store:    store,
		reg:      reg,
		launcher: launcher,
		manager:  manager,
		files:    files,
		seen:     seen,
		opts: pipeline.Options{
			Registry:     reg,
			Store:        store,
			Runner:       engine,
			Maker:        decision.NewStatic(reg),
			State:        manager,
			PollInterval: 20 * time.Millisecond,
			RunTimeout:   10 * time.Second,
		},
	}
}

func (h *harness) run(ctx context.Context) pipeline.Summary {
	h.t.Helper()
	driver, err := pipeline.New(h.opts)
	if err != nil {
		h.t.Fatalf("pipeline.New: %v", err)
	}
	sum, err := driver.Run(ctx)
	if err != nil {
		h.t.Fatalf("Run: %v", err)
	}
	return sum
}

func names(outcomes []state.Outcome) string {
	parts := make([]string, 0, len(outcomes))
	for _, o := range outcomes {
		parts = append(parts, o.Worker)
	}
	return strings.Join(parts, ",")
}

func TestLinearChainCompletesInOrder(t *testing.T) {
	h := newHarness(t, nil,
		worker{name: "A", outputs: []string{"x"}, onSuccess: []string{"B"}},
		worker{name: "B", requires: []string{"x"}, outputs: []string{"y"}},
	)

	sum := h.run(context.Background())

	snap := h.manager.Snapshot()
	if snap.Lifecycle != state.LifecycleCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", snap.Lifecycle, snap.Reason)
	}
	if got := names(snap.Completed); got != "A,B" {
		t.Fatalf("expected completed A,B, got %s", got)
	}
	if got := strings.Join(h.launcher.launches(), ","); got != "A,B" {
		t.Fatalf("expected launches A,B, got %s", got)
	}
	// Each launch round passes through AGENTS_READY before PROCESSING.
	want := "WAITING_FOR_INPUTS>AGENTS_READY>PROCESSING>AGENTS_READY>PROCESSING>COMPLETED"
	if got := h.seen.String(); got != want {
		t.Fatalf("unexpected lifecycle sequence\n got: %s\nwant: %s", got, want)
	}
	if !sum.Success || len(sum.Workers) != 2 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	rec, err := h.store.Get(context.Background(), pipeline.SummaryKey)
	if err != nil {
		t.Fatalf("summary artifact missing: %v", err)
	}
	var persisted pipeline.Summary
	if err := json.Unmarshal(rec.Content, &persisted); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if persisted.Lifecycle != state.LifecycleCompleted || strings.Join(persisted.Artifacts, ",") != "x,y" {
		t.Fatalf("unexpected persisted summary %+v", persisted)
	}

	saved, err := h.files.Load(context.Background(), "run-1")
	if err != nil || saved.Lifecycle != state.LifecycleCompleted {
		t.Fatalf("expected persisted COMPLETED state, got %s err=%v", saved.Lifecycle, err)
	}
}

func TestTimeoutFollowsFailureEdge(t *testing.T) {
	h := newHarness(t, nil,
		worker{name: "C", outputs: []string{"c.json"}, timeout: 1, onFailure: []string{"D"}},
		worker{name: "D", outputs: []string{"d.json"}},
	)
	h.launcher.on("C", blockUntilCancelled)

	start := time.Now()
	h.run(context.Background())
	elapsed := time.Since(start)

	snap := h.manager.Snapshot()
	outcome, ok := snap.OutcomeFor("C")
	if !ok || outcome.Status != state.StatusTimeout {
		t.Fatalf("expected TIMEOUT for C, got %+v", outcome)
	}
	if got := names(snap.Completed); got != "D" {
		t.Fatalf("expected D to run via on_failure, got %q", got)
	}
	if snap.Lifecycle != state.LifecycleCompleted {
		t.Fatalf("expected COMPLETED, got %s", snap.Lifecycle)
	}
	if elapsed > 5*time.Second {
		t.Fatalf("timeout took too long: %s", elapsed)
	}
}

func TestNoReadyWorkersDeadlocks(t *testing.T) {
	h := newHarness(t, []string{"seed.las"},
		worker{name: "A", requires: []string{"seed.las"}, outputs: []string{"x"}},
	)

	sum := h.run(context.Background())

	snap := h.manager.Snapshot()
	if snap.Lifecycle != state.LifecycleFailed {
		t.Fatalf("expected FAILED, got %s", snap.Lifecycle)
	}
	if !strings.Contains(snap.Reason, services.ErrReadinessDeadlock.Error()) || !strings.Contains(snap.Reason, "seed.las") {
		t.Fatalf("expected readiness deadlock naming the missing input, got %q", snap.Reason)
	}
	if len(h.launcher.launches()) != 0 {
		t.Fatalf("nothing should have launched, got %v", h.launcher.launches())
	}
	if sum.Success {
		t.Fatal("deadlocked run must not be successful")
	}
}

func TestInputWaitPicksUpSeededArtifact(t *testing.T) {
	h := newHarness(t, []string{"seed.las"},
		worker{name: "A", requires: []string{"seed.las"}, outputs: []string{"x"}},
	)
	h.opts.InputWait = 5 * time.Second

	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = h.store.Put(context.Background(), "seed.las", []byte("LAS"), pipeline.SeedProducer)
	}()
	h.run(context.Background())

	snap := h.manager.Snapshot()
	if snap.Lifecycle != state.LifecycleCompleted || names(snap.Completed) != "A" {
		t.Fatalf("expected A to run once the seed arrived, got %s completed=%s reason=%q",
			snap.Lifecycle, names(snap.Completed), snap.Reason)
	}
}

func TestEveryWorkerFailingFailsRun(t *testing.T) {
	h := newHarness(t, nil,
		worker{name: "A", outputs: []string{"x"}, onSuccess: []string{"B"}},
		worker{name: "B", requires: []string{"x"}, outputs: []string{"y"}},
	)
	h.launcher.on("A", func(context.Context) int { return 2 })

	sum := h.run(context.Background())

	snap := h.manager.Snapshot()
	if snap.Lifecycle != state.LifecycleFailed {
		t.Fatalf("expected FAILED, got %s (%s)", snap.Lifecycle, snap.Reason)
	}
	if !strings.Contains(snap.Reason, "no worker succeeded") || !strings.Contains(snap.Reason, "A") {
		t.Fatalf("expected reason naming the failed worker, got %q", snap.Reason)
	}
	if names(snap.Failed) != "A" || len(snap.Completed) != 0 {
		t.Fatalf("unexpected outcomes completed=%s failed=%s", names(snap.Completed), names(snap.Failed))
	}
	if sum.Success {
		t.Fatalf("run without a successful worker must not succeed: %+v", sum)
	}
}

func TestUnroutedFailureIsNotSuccess(t *testing.T) {
	h := newHarness(t, nil,
		worker{name: "A", outputs: []string{"x"}},
		worker{name: "B", outputs: []string{"y"}},
	)
	h.opts.Entry = []string{"A", "B"}
	h.launcher.on("B", func(context.Context) int { return 1 })

	sum := h.run(context.Background())

	if sum.Lifecycle != state.LifecycleCompleted {
		t.Fatalf("expected COMPLETED after A succeeded, got %s", sum.Lifecycle)
	}
	if sum.Success || strings.Join(sum.UnhandledFailures, ",") != "B" {
		t.Fatalf("expected unsuccessful run with B unhandled, got success=%v unhandled=%v", sum.Success, sum.UnhandledFailures)
	}
}

func TestFailureRecoveredByFailureEdgeSucceeds(t *testing.T) {
	h := newHarness(t, nil,
		worker{name: "A", outputs: []string{"x"}, onFailure: []string{"D"}},
		worker{name: "D", outputs: []string{"d.json"}},
	)
	h.launcher.on("A", func(context.Context) int { return 3 })

	sum := h.run(context.Background())

	snap := h.manager.Snapshot()
	if snap.Lifecycle != state.LifecycleCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", snap.Lifecycle, snap.Reason)
	}
	if names(snap.Failed) != "A" || names(snap.Completed) != "D" {
		t.Fatalf("unexpected outcomes completed=%s failed=%s", names(snap.Completed), names(snap.Failed))
	}
	if !sum.Success || len(sum.UnhandledFailures) != 0 {
		t.Fatalf("routed failure should leave the run successful: %+v", sum)
	}
}

func TestFinalWorkerRunsLast(t *testing.T) {
	h := newHarness(t, nil,
		worker{name: "A", outputs: []string{"x"}, onSuccess: []string{"B"}},
		worker{name: "B", requires: []string{"x"}, outputs: []string{"y"}},
		worker{name: "report", outputs: []string{"report.md"}},
	)
	h.opts.FinalWorker = "report"

	h.run(context.Background())

	if got := strings.Join(h.launcher.launches(), ","); got != "A,B,report" {
		t.Fatalf("expected final worker last, got %s", got)
	}
	if h.manager.Snapshot().Lifecycle != state.LifecycleCompleted {
		t.Fatalf("expected COMPLETED, got %s", h.manager.Snapshot().Lifecycle)
	}
}

func TestFinalWorkerBlockedStillCompletes(t *testing.T) {
	h := newHarness(t, nil,
		worker{name: "A", outputs: []string{"x"}},
		worker{name: "report", requires: []string{"never"}, outputs: []string{"report.md"}},
		worker{name: "never-runs", outputs: []string{"never"}, onSuccess: []string{"A"}},
	)
	h.opts.FinalWorker = "report"
	h.opts.Entry = []string{"A"}

	h.run(context.Background())

	snap := h.manager.Snapshot()
	if snap.Lifecycle != state.LifecycleCompleted || !strings.Contains(snap.Reason, "report") {
		t.Fatalf("expected COMPLETED mentioning the final worker, got %s %q", snap.Lifecycle, snap.Reason)
	}
}

type stubProvider struct {
	answer decision.ProviderDecision
}

func (p stubProvider) Name() string { return "stub" }

func (p stubProvider) Decide(context.Context, decision.PromptContext) (decision.ProviderDecision, error) {
	return p.answer, nil
}

func adaptiveMaker(t *testing.T, h *harness, answer decision.ProviderDecision) decision.Maker {
	t.Helper()
	maker, err := decision.NewAdaptive(decision.AdaptiveOptions{
		Provider:         stubProvider{answer: answer},
		Registry:         h.reg,
		Store:            h.store,
		Threshold:        0.7,
		EscalationWorker: "reporter",
		Timeout:          time.Second,
	})
	if err != nil {
		t.Fatalf("NewAdaptive: %v", err)
	}
	return maker
}

func TestLowConfidenceRunFollowsStaticGraph(t *testing.T) {
	h := newHarness(t, []string{escalation.KeyPrefix + "*"},
		worker{name: "A", outputs: []string{"x"}, onSuccess: []string{"B"}},
		worker{name: "B", requires: []string{"x"}, outputs: []string{"y"}, onFailure: []string{"C"}},
		worker{name: "C", outputs: []string{"z"}},
		worker{name: "reporter", requires: []string{escalation.KeyPrefix + "*"}, outputs: []string{"review.md"}},
	)
	h.opts.Maker = adaptiveMaker(t, h, decision.ProviderDecision{NextWorkers: []string{"C"}, Confidence: 0.4})
	h.opts.EscalationWorker = "reporter"

	h.run(context.Background())

	snap := h.manager.Snapshot()
	if got := names(snap.Completed); got != "A,B" {
		t.Fatalf("expected static path A,B, got %s", got)
	}
	if len(snap.Decisions) == 0 || !snap.Decisions[0].Fallback || snap.Decisions[0].Strategy != string(decision.StrategyStatic) {
		t.Fatalf("expected a static fallback decision, got %+v", snap.Decisions)
	}
}

func TestEscalationHandsOffToReporter(t *testing.T) {
	h := newHarness(t, []string{escalation.KeyPrefix + "*"},
		worker{name: "A", outputs: []string{"x"}, onSuccess: []string{"B"}},
		worker{name: "B", requires: []string{"x"}, outputs: []string{"y"}},
		worker{name: "reporter", requires: []string{escalation.KeyPrefix + "*"}, outputs: []string{"review.md"}},
		worker{name: "final", outputs: []string{"final.md"}},
	)
	h.opts.Maker = adaptiveMaker(t, h, decision.ProviderDecision{
		NextWorkers: []string{"B"},
		Confidence:  0.9,
		Escalate:    true,
		Reason:      "porosity values disagree",
	})
	h.opts.EscalationWorker = "reporter"
	h.opts.FinalWorker = "final"
	h.opts.Reporter = escalation.NewReporter(h.store, nil, nil)

	sum := h.run(context.Background())

	if got := strings.Join(h.launcher.launches(), ","); got != "A,reporter" {
		t.Fatalf("expected A then reporter only, got %s", got)
	}
	snap := h.manager.Snapshot()
	if snap.Escalation == nil || snap.Escalation.TriggeringWorker != "A" || snap.Escalation.Target != "reporter" {
		t.Fatalf("unexpected escalation %+v", snap.Escalation)
	}
	if ok, _ := h.store.Exists(context.Background(), snap.Escalation.ArtifactKey); !ok {
		t.Fatalf("escalation artifact %q missing", snap.Escalation.ArtifactKey)
	}
	if !sum.Escalated || sum.EscalationKey == "" || sum.Lifecycle != state.LifecycleCompleted {
		t.Fatalf("unexpected summary %+v", sum)
	}
}

func TestOperatorCancelTerminatesWorkers(t *testing.T) {
	h := newHarness(t, nil,
		worker{name: "A", outputs: []string{"x"}},
	)
	var launched atomic.Bool
	h.launcher.on("A", func(ctx context.Context) int {
		launched.Store(true)
		return blockUntilCancelled(ctx)
	})
	h.opts.CancelRequested = launched.Load

	sum := h.run(context.Background())

	snap := h.manager.Snapshot()
	if snap.Lifecycle != state.LifecycleFailed || snap.Reason != "cancelled by operator" {
		t.Fatalf("expected cancelled FAILED run, got %s %q", snap.Lifecycle, snap.Reason)
	}
	if names(snap.Failed) != "A" || len(snap.CurrentlyRunning) != 0 {
		t.Fatalf("expected A recorded as failed, got failed=%s running=%v", names(snap.Failed), snap.CurrentlyRunning)
	}
	if sum.Success {
		t.Fatal("cancelled run must not be successful")
	}
}

func TestContextCancelStopsRun(t *testing.T) {
	h := newHarness(t, nil,
		worker{name: "A", outputs: []string{"x"}},
		worker{name: "B", outputs: []string{"y"}},
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.launcher.on("A", func(workerCtx context.Context) int {
		cancel()
		return blockUntilCancelled(workerCtx)
	})
	h.launcher.on("B", blockUntilCancelled)

	h.run(ctx)

	snap := h.manager.Snapshot()
	if snap.Lifecycle != state.LifecycleFailed || !strings.HasPrefix(snap.Reason, "cancelled") {
		t.Fatalf("expected cancelled run, got %s %q", snap.Lifecycle, snap.Reason)
	}
	if len(snap.Completed) != 0 || len(snap.CurrentlyRunning) != 0 {
		t.Fatalf("unexpected state completed=%s running=%v", names(snap.Completed), snap.CurrentlyRunning)
	}
}

func TestRunTimeoutPolicy(t *testing.T) {
	tests := []struct {
		policy string
		want   state.Lifecycle
	}{
		{config.TimeoutPolicyFail, state.LifecycleFailed},
		{config.TimeoutPolicyCompleteIfProgress, state.LifecycleCompleted},
	}
	for _, tt := range tests {
		t.Run(tt.policy, func(t *testing.T) {
			h := newHarness(t, nil,
				worker{name: "A", outputs: []string{"x"}, onSuccess: []string{"B"}},
				worker{name: "B", requires: []string{"x"}, outputs: []string{"y"}},
			)
			h.launcher.on("B", blockUntilCancelled)
			h.opts.RunTimeout = 300 * time.Millisecond
			h.opts.TimeoutPolicy = tt.policy

			h.run(context.Background())

			snap := h.manager.Snapshot()
			if snap.Lifecycle != tt.want {
				t.Fatalf("expected %s, got %s (%s)", tt.want, snap.Lifecycle, snap.Reason)
			}
			if !strings.Contains(snap.Reason, "pipeline timeout") {
				t.Fatalf("unexpected reason %q", snap.Reason)
			}
			if names(snap.Completed) != "A" || names(snap.Failed) != "B" {
				t.Fatalf("unexpected outcomes completed=%s failed=%s", names(snap.Completed), names(snap.Failed))
			}
		})
	}
}

func TestMaxParallelBoundsConcurrency(t *testing.T) {
	h := newHarness(t, nil,
		worker{name: "w1", outputs: []string{"1"}},
		worker{name: "w2", outputs: []string{"2"}},
		worker{name: "w3", outputs: []string{"3"}},
		worker{name: "w4", outputs: []string{"4"}},
	)
	var running, peak atomic.Int32
	busy := func(context.Context) int {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		running.Add(-1)
		return 0
	}
	for _, name := range []string{"w1", "w2", "w3", "w4"} {
		h.launcher.on(name, busy)
	}
	h.opts.MaxParallel = 2

	h.run(context.Background())

	if got := peak.Load(); got > 2 {
		t.Fatalf("expected at most 2 concurrent workers, saw %d", got)
	}
	if got := len(h.manager.Snapshot().Completed); got != 4 {
		t.Fatalf("expected 4 completed workers, got %d", got)
	}
}

func TestExpectedOutputsDecideSuccess(t *testing.T) {
	h := newHarness(t, nil,
		worker{name: "A", outputs: []string{"reports/a.md"}},
	)
	h.opts.ExpectedOutputs = []string{"reports/*", "final.md"}

	sum := h.run(context.Background())

	if sum.Lifecycle != state.LifecycleCompleted {
		t.Fatalf("expected COMPLETED, got %s", sum.Lifecycle)
	}
	if sum.Success || strings.Join(sum.MissingOutputs, ",") != "final.md" {
		t.Fatalf("expected final.md missing, got success=%v missing=%v", sum.Success, sum.MissingOutputs)
	}
}

func TestResumeRunsOnlyResetWorkers(t *testing.T) {
	h := newHarness(t, nil,
		worker{name: "A", outputs: []string{"x"}, onSuccess: []string{"B"}},
		worker{name: "B", requires: []string{"x"}, outputs: []string{"y"}},
	)
	h.launcher.on("B", func(context.Context) int { return 1 })
	h.run(context.Background())
	if names(h.manager.Snapshot().Failed) != "B" {
		t.Fatalf("expected B to fail first, got %s", names(h.manager.Snapshot().Failed))
	}

	ctx := context.Background()
	if _, err := state.Reset(ctx, h.files, "run-1", "B"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	restored, err := state.Restore(ctx, "run-1", h.files)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	h.launcher.on("B", nil)
	h.opts.State = restored
	h.manager = restored

	h.run(ctx)

	snap := restored.Snapshot()
	if snap.Lifecycle != state.LifecycleCompleted || names(snap.Completed) != "A,B" {
		t.Fatalf("unexpected resumed state %s completed=%s", snap.Lifecycle, names(snap.Completed))
	}
	if got := strings.Join(h.launcher.launches(), ","); got != "A,B,B" {
		t.Fatalf("A must not rerun on resume, launches=%s", got)
	}
}

func TestNewRejectsUnknownFinalWorker(t *testing.T) {
	h := newHarness(t, nil, worker{name: "A", outputs: []string{"x"}})
	h.opts.FinalWorker = "ghost"
	if _, err := pipeline.New(h.opts); err == nil {
		t.Fatal("expected an error for an unregistered final worker")
	}
}
