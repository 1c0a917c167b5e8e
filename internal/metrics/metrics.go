package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"foreman/internal/artifact"
	"foreman/internal/logging"
	"foreman/internal/state"
)

const namespace = "foreman"

// Metrics holds the orchestrator's Prometheus collectors on a private
// registry. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	workerExecutions *prometheus.CounterVec
	workerDuration   *prometheus.HistogramVec
	workersRunning   prometheus.Gauge
	decisions        *prometheus.CounterVec
	escalations      prometheus.Counter
	transitions      *prometheus.CounterVec
	runsFinished     *prometheus.CounterVec
	runDuration      prometheus.Histogram
}

// New creates the collectors and registers them, together with the Go and
// process collectors, on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		workerExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_executions_total",
			Help:      "Worker executions by outcome status.",
		}, []string{"worker", "status"}),
		workerDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "worker_duration_seconds",
			Help:      "Wall time of worker executions.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"worker"}),
		workersRunning: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_running",
			Help:      "Workers currently executing.",
		}),
		decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Routing decisions by strategy and whether static fallback was used.",
		}, []string{"strategy", "fallback"}),
		escalations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Runs halted for human review.",
		}),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_transitions_total",
			Help:      "Pipeline lifecycle transitions.",
		}, []string{"from", "to"}),
		runsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finished_total",
			Help:      "Runs that reached a terminal lifecycle.",
		}, []string{"lifecycle", "escalated"}),
		runDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time from run start to terminal lifecycle.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		}),
	}
}

// Registry exposes the underlying registry (tests, custom exporters).
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveTransition is a state.Manager listener.
func (m *Metrics) ObserveTransition(prev, next state.PipelineState, ev state.Event) {
	if m == nil {
		return
	}
	m.workersRunning.Set(float64(len(next.CurrentlyRunning)))
	if prev.Lifecycle != next.Lifecycle {
		m.transitions.WithLabelValues(string(prev.Lifecycle), string(next.Lifecycle)).Inc()
	}
	switch ev.Kind {
	case state.EventOutcome:
		if ev.Outcome != nil {
			m.workerExecutions.WithLabelValues(ev.Outcome.Worker, string(ev.Outcome.Status)).Inc()
			m.workerDuration.WithLabelValues(ev.Outcome.Worker).Observe(ev.Outcome.Duration().Seconds())
		}
	case state.EventDecision:
		if ev.Decision != nil {
			m.decisions.WithLabelValues(ev.Decision.Strategy, strconv.FormatBool(ev.Decision.Fallback)).Inc()
		}
	case state.EventEscalated:
		m.escalations.Inc()
	}
	if next.Lifecycle.Terminal() && !prev.Lifecycle.Terminal() {
		m.runsFinished.WithLabelValues(string(next.Lifecycle), strconv.FormatBool(next.Escalated())).Inc()
		end := next.UpdatedAt
		if next.FinishedAt != nil {
			end = *next.FinishedAt
		}
		if d := end.Sub(next.StartedAt); d > 0 {
			m.runDuration.Observe(d.Seconds())
		}
	}
}

// WatchCache exports the counters of an artifact content cache.
func (m *Metrics) WatchCache(cache *artifact.CachedStore) {
	if m == nil || cache == nil {
		return
	}
	counter := func(name, help string, read func(artifact.CacheStats) uint64) prometheus.CounterFunc {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "artifact_cache",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(read(cache.Stats())) })
	}
	m.registry.MustRegister(
		counter("hits_total", "Artifact reads served from the cache.", func(s artifact.CacheStats) uint64 { return s.Hits }),
		counter("misses_total", "Artifact reads that missed the cache.", func(s artifact.CacheStats) uint64 { return s.Misses }),
		counter("origin_reads_total", "Reads forwarded to the backing store.", func(s artifact.CacheStats) uint64 { return s.OriginReads }),
		counter("origin_writes_total", "Writes forwarded to the backing store.", func(s artifact.CacheStats) uint64 { return s.OriginWrites }),
	)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Serve exposes /metrics on addr until ctx ends.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	logger = logging.NewComponentLogger(logger, "metrics")
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	logger.Info("metrics endpoint listening",
		logging.String(logging.FieldEventType, "metrics_listening"),
		logging.String("addr", ln.Addr().String()),
	)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
