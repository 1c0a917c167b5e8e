package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"foreman/internal/logging"
	"foreman/internal/services"
)

// ErrTerminal is returned when resuming a run that already finished.
var ErrTerminal = errors.New("run already finished")

// Manager owns the state of one run. Every applied event is persisted before
// Apply returns, so a killed process resumes from the last transition.
type Manager struct {
	mu        sync.Mutex
	state     PipelineState
	persister Persister
	logger    *slog.Logger
	now       func() time.Time
	listeners []func(prev, next PipelineState, ev Event)
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithListener registers a callback invoked after each successful transition.
// Listeners run synchronously under no lock and must not call Apply.
func WithListener(fn func(prev, next PipelineState, ev Event)) Option {
	return func(m *Manager) {
		if fn != nil {
			m.listeners = append(m.listeners, fn)
		}
	}
}

// NewManager creates a manager for a fresh run and persists the initial
// INITIALIZING snapshot.
func NewManager(ctx context.Context, runID, goal string, persister Persister, opts ...Option) (*Manager, error) {
	if err := ValidateRunID(runID); err != nil {
		return nil, services.Wrap(services.ErrValidation, "state", "new", "Invalid run id", err)
	}
	m := newManager(persister, opts...)
	m.state = NewPipelineState(runID, goal, m.now())
	if err := m.Persist(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// Restore loads a persisted run for resumption. Workers recorded as running
// without an outcome are cleared so the driver can launch them again, and the
// run re-enters WAITING_FOR_INPUTS to re-evaluate readiness.
func Restore(ctx context.Context, runID string, persister Persister, opts ...Option) (*Manager, error) {
	if persister == nil {
		return nil, errors.New("state: persister is required")
	}
	s, err := persister.Load(ctx, runID)
	if err != nil {
		if errors.Is(err, ErrRunNotFound) {
			return nil, services.Wrap(services.ErrNotFound, "state", "restore", "No saved state for run", err)
		}
		return nil, services.Wrap(services.ErrTransient, "state", "restore", "Failed to load run state", err)
	}
	if s.Lifecycle.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrTerminal, runID, s.Lifecycle)
	}
	m := newManager(persister, opts...)
	interrupted := slices.Clone(s.CurrentlyRunning)
	s.CurrentlyRunning = nil
	if s.Lifecycle != LifecycleInitializing {
		s.Lifecycle = LifecycleWaitingForInputs
	}
	s.Resumes++
	s.UpdatedAt = m.now()
	m.state = s
	if len(interrupted) > 0 {
		logging.WarnWithContext(m.logger, "interrupted workers will be relaunched", "run_resumed_interrupted",
			logging.Strings("workers", interrupted),
			logging.String(logging.FieldImpact, "workers rerun from scratch; partial outputs are ignored until they succeed"),
			logging.String(logging.FieldErrorHint, "check worker logs from the previous attempt"),
		)
	}
	if err := m.Persist(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func newManager(persister Persister, opts ...Option) *Manager {
	m := &Manager{
		persister: persister,
		logger:    logging.NewNop(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.NewComponentLogger(m.logger, "state")
	return m
}

// Snapshot returns a copy of the current state.
func (m *Manager) Snapshot() PipelineState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Clone()
}

// RunID returns the run identifier.
func (m *Manager) RunID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.RunID
}

// Apply transitions the run and persists the result. The in-memory state is
// updated even when persistence fails; the error is returned so the caller
// can decide whether to continue.
func (m *Manager) Apply(ctx context.Context, ev Event) (PipelineState, error) {
	if ev.At.IsZero() {
		ev.At = m.now()
	}
	m.mu.Lock()
	prev := m.state
	next, err := Apply(prev, ev)
	if err != nil {
		m.mu.Unlock()
		return prev.Clone(), err
	}
	m.state = next
	snapshot := next.Clone()
	m.mu.Unlock()

	if prev.Lifecycle != next.Lifecycle {
		attrs := append(logging.Transition(string(prev.Lifecycle), string(next.Lifecycle), string(ev.Kind)),
			logging.String(logging.FieldRunID, next.RunID),
			logging.String("reason", next.Reason),
		)
		m.logger.Info("pipeline lifecycle changed", logging.Args(attrs...)...)
	}
	for _, fn := range m.listeners {
		fn(prev, snapshot, ev)
	}
	if err := m.save(ctx, snapshot); err != nil {
		return snapshot, err
	}
	return snapshot, nil
}

// Persist writes the current snapshot.
func (m *Manager) Persist(ctx context.Context) error {
	return m.save(ctx, m.Snapshot())
}

func (m *Manager) save(ctx context.Context, s PipelineState) error {
	if m.persister == nil {
		return nil
	}
	if err := m.persister.Save(ctx, s); err != nil {
		return services.Wrap(services.ErrTransient, "state", "persist", "Failed to persist run state", err)
	}
	return nil
}

// Reset is the operator override of the monotonic lifecycle. It drops the
// outcomes of the named workers (all workers when none are named), returns
// the run to a resumable state, and clears the escalation when its
// triggering worker or target is among the reset workers.
func Reset(ctx context.Context, persister Persister, runID string, workers ...string) (PipelineState, error) {
	if persister == nil {
		return PipelineState{}, errors.New("state: persister is required")
	}
	s, err := persister.Load(ctx, runID)
	if err != nil {
		return PipelineState{}, err
	}
	next := ResetState(s, time.Now().UTC(), workers...)
	if err := persister.Save(ctx, next); err != nil {
		return PipelineState{}, fmt.Errorf("save reset state: %w", err)
	}
	return next, nil
}

// ResetState applies an operator reset to s without persisting it.
func ResetState(s PipelineState, now time.Time, workers ...string) PipelineState {
	next := s.Clone()
	next.UpdatedAt = now
	next.Reason = ""
	next.FinishedAt = nil
	next.CurrentlyRunning = nil

	if len(workers) == 0 {
		next.Completed = nil
		next.Failed = nil
		next.Triggered = nil
		next.Escalation = nil
		next.Lifecycle = LifecycleInitializing
		return next
	}

	reset := make(map[string]bool, len(workers))
	for _, w := range workers {
		reset[w] = true
	}
	drop := func(o Outcome) bool { return reset[o.Worker] }
	next.Completed = slices.DeleteFunc(next.Completed, drop)
	next.Failed = slices.DeleteFunc(next.Failed, drop)
	next.Triggered = appendUnique(next.Triggered, workers...)
	if next.Escalation != nil && (reset[next.Escalation.TriggeringWorker] || reset[next.Escalation.Target]) {
		next.Escalation = nil
	}
	next.Lifecycle = LifecycleWaitingForInputs
	return next
}
