package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/semaphore"

	"foreman/internal/artifact"
	"foreman/internal/config"
	"foreman/internal/decision"
	"foreman/internal/escalation"
	"foreman/internal/logging"
	"foreman/internal/notifications"
	"foreman/internal/registry"
	"foreman/internal/state"
)

// Runner executes one worker. *execution.Engine satisfies it.
type Runner interface {
	Run(ctx context.Context, desc registry.Descriptor, inputs []string, env map[string]string) state.Outcome
}

// Options configures a Driver. Registry, Store, Runner, Maker and State are
// required.
type Options struct {
	Registry *registry.Registry
	Store    artifact.Store
	Runner   Runner
	Maker    decision.Maker
	State    *state.Manager
	// Reporter persists escalation records. Without one, escalations still
	// route to EscalationWorker but leave no artifact behind.
	Reporter *escalation.Reporter
	// EscalationWorker is the human-facing worker escalations route to.
	EscalationWorker string
	Notifier         notifications.Service
	Logger           *slog.Logger

	// MaxParallel bounds concurrently running workers. Zero is unbounded.
	MaxParallel int
	// PollInterval is the fallback wake-up when no store notification or
	// completion arrives. Zero uses one second.
	PollInterval time.Duration
	// RunTimeout is the pipeline-wide ceiling. Zero disables it.
	RunTimeout time.Duration
	// TimeoutPolicy is config.TimeoutPolicyFail or
	// config.TimeoutPolicyCompleteIfProgress.
	TimeoutPolicy string
	// InputWait is how long the run sits in WAITING_FOR_INPUTS for seeded
	// artifacts before a blocked run is declared deadlocked.
	InputWait time.Duration
	// FinalWorker runs once after everything else finished, unless the run
	// escalated.
	FinalWorker string
	// Entry overrides the registry's entry workers (goal initial workers).
	Entry []string
	// ExpectedOutputs are artifact keys a successful run must produce.
	ExpectedOutputs []string
	// CancelRequested is polled every tick for an out-of-process cancel.
	CancelRequested func() bool
	Now             func() time.Time
}

// Driver runs the scheduling loop for one run. A Driver is single use.
type Driver struct {
	opts   Options
	logger *slog.Logger
	sem    *semaphore.Weighted
	now    func() time.Time

	// blocked is the latest readiness view of what each pending worker lacks.
	blocked map[string][]string
	// waitingSince is when the run last entered WAITING_FOR_INPUTS with
	// blocked workers.
	waitingSince time.Time
	started      time.Time
}

// New validates opts and returns a driver.
func New(opts Options) (*Driver, error) {
	switch {
	case opts.Registry == nil:
		return nil, errors.New("pipeline: registry is required")
	case opts.Store == nil:
		return nil, errors.New("pipeline: artifact store is required")
	case opts.Runner == nil:
		return nil, errors.New("pipeline: runner is required")
	case opts.Maker == nil:
		return nil, errors.New("pipeline: decision maker is required")
	case opts.State == nil:
		return nil, errors.New("pipeline: state manager is required")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.TimeoutPolicy == "" {
		opts.TimeoutPolicy = config.TimeoutPolicyFail
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.FinalWorker != "" && !opts.Registry.Has(opts.FinalWorker) {
		return nil, errors.New("pipeline: final worker " + opts.FinalWorker + " is not registered")
	}
	d := &Driver{
		opts:   opts,
		logger: logging.NewComponentLogger(opts.Logger, "pipeline"),
		now:    opts.Now,
	}
	if opts.MaxParallel > 0 {
		d.sem = semaphore.NewWeighted(int64(opts.MaxParallel))
	}
	return d, nil
}

// entryWorkers returns the workers triggered when the run starts. Without a
// goal these are the registry's entry workers minus the escalation and final
// workers, which only run when routed to. Unknown names from a goal are
// dropped with a warning.
func (d *Driver) entryWorkers() []string {
	if len(d.opts.Entry) == 0 {
		return slices.DeleteFunc(d.opts.Registry.Entry(), func(name string) bool {
			return name == d.opts.EscalationWorker || name == d.opts.FinalWorker
		})
	}
	known, unknown := d.opts.Registry.Filter(d.opts.Entry)
	if len(unknown) > 0 {
		logging.WarnWithContext(d.logger, "goal names unknown workers", "goal_unknown_workers",
			logging.Strings("workers", unknown),
			logging.String(logging.FieldImpact, "unknown entry workers are skipped"),
			logging.String(logging.FieldErrorHint, "check goals.initial_workers against the workers directory"),
		)
	}
	return known
}

func (d *Driver) tryAcquire() bool {
	if d.sem == nil {
		return true
	}
	return d.sem.TryAcquire(1)
}

func (d *Driver) release() {
	if d.sem != nil {
		d.sem.Release(1)
	}
}
