package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"foreman/internal/state"
)

func TestObserveTransitionCountsEvents(t *testing.T) {
	m := New()
	start := time.Unix(1700000000, 0).UTC()
	prev := state.NewPipelineState("r1", "", start)
	prev.Lifecycle = state.LifecycleProcessing
	prev.CurrentlyRunning = []string{"geowiz"}

	outcome := state.Outcome{Worker: "geowiz", Status: state.StatusTimeout, StartedAt: start, FinishedAt: start.Add(2 * time.Second)}
	next := prev.Clone()
	next.CurrentlyRunning = nil
	m.ObserveTransition(prev, next, state.Recorded(outcome))

	if got := testutil.ToFloat64(m.workerExecutions.WithLabelValues("geowiz", "TIMEOUT")); got != 1 {
		t.Fatalf("expected one TIMEOUT execution, got %v", got)
	}
	if got := testutil.ToFloat64(m.workersRunning); got != 0 {
		t.Fatalf("expected running gauge 0, got %v", got)
	}

	m.ObserveTransition(next, next, state.Decided(state.DecisionRecord{Worker: "geowiz", Strategy: "static", Fallback: true}))
	if got := testutil.ToFloat64(m.decisions.WithLabelValues("static", "true")); got != 1 {
		t.Fatalf("expected fallback decision counted, got %v", got)
	}

	done := next.Clone()
	done.Lifecycle = state.LifecycleFailed
	finished := start.Add(time.Minute)
	done.FinishedAt = &finished
	m.ObserveTransition(next, done, state.Deadlock("stuck"))
	if got := testutil.ToFloat64(m.runsFinished.WithLabelValues("FAILED", "false")); got != 1 {
		t.Fatalf("expected finished run counted, got %v", got)
	}
	if got := testutil.ToFloat64(m.transitions.WithLabelValues("PROCESSING", "FAILED")); got != 1 {
		t.Fatalf("expected transition counted, got %v", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveTransition(state.PipelineState{}, state.PipelineState{}, state.Launched("x"))
	m.WatchCache(nil)
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.escalations.Inc()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "foreman_escalations_total 1") {
		t.Fatalf("expected escalation counter in exposition:\n%s", body)
	}
}
