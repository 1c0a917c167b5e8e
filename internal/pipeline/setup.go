package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"foreman/internal/artifact"
	"foreman/internal/config"
	"foreman/internal/decision"
	"foreman/internal/escalation"
	"foreman/internal/execution"
	"foreman/internal/logging"
	"foreman/internal/metrics"
	"foreman/internal/notifications"
	"foreman/internal/registry"
	"foreman/internal/runstore"
	"foreman/internal/services"
	"foreman/internal/state"
)

// SeedProducer is recorded as the provenance of operator-seeded artifacts.
const SeedProducer = "operator"

// RunLogName is the per-run log file inside the run's log directory.
const RunLogName = "foreman.log"

// Request describes the run Prepare should set up. Optional collaborators
// default to the production implementations built from configuration.
type Request struct {
	// RunID names the run. Empty starts a new run with a generated id.
	RunID string
	// Resume restores RunID from its persisted state instead of starting it.
	Resume bool
	Goal   string
	// Seeds maps artifact keys to local files copied into the store before
	// the run starts.
	Seeds map[string]string

	Launcher execution.Launcher
	Maker    decision.Maker
	Notifier notifications.Service
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Session holds a prepared run and the resources it owns.
type Session struct {
	RunID    string
	Driver   *Driver
	State    *state.Manager
	Registry *registry.Registry
	Backend  *artifact.Backend
	// LogPath is the run's own log file.
	LogPath string
	Logger  *slog.Logger

	closers []func() error
}

// Close releases the run lock, database handles and the run log.
func (s *Session) Close() error {
	if s == nil {
		return nil
	}
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// NewRunID returns a sortable, unique run identifier.
func NewRunID(now time.Time) string {
	return now.UTC().Format("20060102-150405") + "-" + strings.SplitN(uuid.NewString(), "-", 2)[0]
}

// OpenPersister returns the state persister selected by cfg and a function
// that releases it. The JSON file store is always kept current so run
// directories stay inspectable.
func OpenPersister(cfg *config.Config) (state.Persister, *state.FileStore, func() error, error) {
	files := state.NewFileStore(cfg.Paths.RunsDir)
	switch cfg.State.Backend {
	case config.StateBackendSQLite:
		db, err := runstore.Open(cfg.SQLitePath())
		if err != nil {
			return nil, nil, nil, services.Wrap(services.ErrConfiguration, "pipeline", "open state", "open run database", err)
		}
		return state.Mirror(db, files), files, db.Close, nil
	default:
		return files, files, func() error { return nil }, nil
	}
}

// Prepare wires every component of a run from configuration: run lock,
// state persistence, artifact backend, worker registry, execution engine,
// decision maker and escalation reporter.
func Prepare(ctx context.Context, cfg *config.Config, req Request) (sess *Session, err error) {
	if cfg == nil {
		return nil, services.Wrap(services.ErrConfiguration, "pipeline", "prepare", "configuration is required", nil)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "pipeline", "prepare", "", err)
	}
	runID := strings.TrimSpace(req.RunID)
	switch {
	case runID == "" && req.Resume:
		return nil, services.Wrap(services.ErrValidation, "pipeline", "resume", "run id is required to resume", nil)
	case runID == "":
		runID = NewRunID(time.Now())
	}
	if err := state.ValidateRunID(runID); err != nil {
		return nil, services.Wrap(services.ErrValidation, "pipeline", "prepare", "", err)
	}

	sess = &Session{RunID: runID}
	defer func() {
		if err != nil {
			_ = sess.Close()
			sess = nil
		}
	}()

	persister, files, closePersister, err := OpenPersister(cfg)
	if err != nil {
		return sess, err
	}
	sess.closers = append(sess.closers, closePersister)

	unlock, err := files.Lock(runID)
	if err != nil {
		return sess, services.Wrap(services.ErrValidation, "pipeline", "lock", "run is busy", err)
	}
	sess.closers = append(sess.closers, unlock)
	if err := files.ClearCancel(runID); err != nil {
		return sess, err
	}

	base := req.Logger
	if base == nil {
		base = logging.NewNop()
	}
	sess.LogPath = filepath.Join(cfg.RunLogDir(runID), RunLogName)
	logger, logCloser, err := logging.NewRunLogger(base, sess.LogPath, cfg.Logging.Level)
	if err != nil {
		return sess, services.Wrap(services.ErrConfiguration, "pipeline", "run log", "", err)
	}
	sess.closers = append(sess.closers, logCloser.Close)
	sess.Logger = logger

	backend, err := artifact.Open(ctx, cfg, runID, logger)
	if err != nil {
		return sess, err
	}
	sess.Backend = backend
	sess.closers = append(sess.closers, backend.Close)
	req.Metrics.WatchCache(backend.Cache)

	seedKeys, err := seed(ctx, backend.Store, req.Seeds)
	if err != nil {
		return sess, err
	}

	reg, err := LoadRegistry(cfg, seedKeys, logger)
	if err != nil {
		return sess, err
	}
	sess.Registry = reg

	var managerOpts []state.Option
	managerOpts = append(managerOpts, state.WithLogger(logger))
	if req.Metrics != nil {
		managerOpts = append(managerOpts, state.WithListener(req.Metrics.ObserveTransition))
	}
	var manager *state.Manager
	if req.Resume {
		manager, err = state.Restore(ctx, runID, persister, managerOpts...)
	} else {
		manager, err = state.NewManager(ctx, runID, req.Goal, persister, managerOpts...)
	}
	if err != nil {
		return sess, err
	}
	sess.State = manager

	goalName := manager.Snapshot().Goal
	var goal config.Goal
	if goalName != "" {
		var ok bool
		goal, ok = cfg.Goal(goalName)
		if !ok {
			return sess, services.Wrap(services.ErrConfiguration, "pipeline", "goal",
				fmt.Sprintf("unknown goal %q (configured: %s)", goalName, strings.Join(cfg.GoalNames(), ", ")), nil)
		}
	}

	launcher := req.Launcher
	if launcher == nil {
		launcher = execution.ProcessLauncher{}
	}
	engine, err := execution.NewEngine(execution.Options{
		RunID:    runID,
		OutDir:   backend.Workspace.Root(),
		LogDir:   cfg.RunLogDir(runID),
		Store:    backend.Store,
		Launcher: launcher,
		Logger:   logger,
	})
	if err != nil {
		return sess, err
	}

	notifier := req.Notifier
	if notifier == nil {
		notifier = notifications.NewService(cfg)
	}
	maker := req.Maker
	if maker == nil {
		maker, err = decision.NewFromConfig(ctx, cfg, reg, backend.Store, logger)
		if err != nil {
			return sess, err
		}
	}

	escalationWorker := ""
	if cfg.AdaptiveEnabled() || req.Maker != nil {
		escalationWorker = cfg.Decision.EscalationWorker
	}
	driver, err := New(Options{
		Registry:         reg,
		Store:            backend.Store,
		Runner:           engine,
		Maker:            maker,
		State:            manager,
		Reporter:         escalation.NewReporter(backend.Store, notifier, logger),
		EscalationWorker: escalationWorker,
		Notifier:         notifier,
		Logger:           logger,
		MaxParallel:      cfg.Pipeline.MaxParallel,
		PollInterval:     cfg.PollInterval(),
		RunTimeout:       cfg.RunTimeout(),
		TimeoutPolicy:    cfg.Pipeline.TimeoutPolicy,
		InputWait:        cfg.InputWait(),
		FinalWorker:      cfg.Pipeline.FinalWorker,
		Entry:            goal.InitialWorkers,
		ExpectedOutputs:  goal.ExpectedOutputs,
		CancelRequested:  func() bool { return files.CancelRequested(runID) },
	})
	if err != nil {
		return sess, services.Wrap(services.ErrConfiguration, "pipeline", "prepare", "", err)
	}
	sess.Driver = driver
	return sess, nil
}

// seed copies operator-supplied files into the store and returns their keys.
func seed(ctx context.Context, store artifact.Store, seeds map[string]string) ([]string, error) {
	keys := make([]string, 0, len(seeds))
	for key := range seeds {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if err := artifact.ValidateKey(key, false); err != nil {
			return nil, services.Wrap(services.ErrValidation, "pipeline", "seed", "", err)
		}
		data, err := os.ReadFile(seeds[key])
		if err != nil {
			return nil, services.Wrap(services.ErrValidation, "pipeline", "seed", "read seed "+key, err)
		}
		if err := store.Put(ctx, key, data, SeedProducer); err != nil {
			return nil, services.Wrap(services.ErrTransient, "pipeline", "seed", "store seed "+key, err)
		}
	}
	return keys, nil
}

// LoadRegistry loads the configured worker descriptors. seedKeys are treated
// as external inputs alongside the configured ones.
func LoadRegistry(cfg *config.Config, seedKeys []string, logger *slog.Logger) (*registry.Registry, error) {
	return registry.Load(cfg.Paths.WorkersDir, registry.Options{
		ExternalInputs: externalInputs(cfg, seedKeys),
		DefaultTimeout: cfg.DefaultWorkerTimeout(),
		Logger:         logger,
	})
}

// externalInputs are the keys that may satisfy required inputs without a
// producer: configured external inputs, seeded keys and escalation records.
func externalInputs(cfg *config.Config, seedKeys []string) []string {
	out := slices.Clone(cfg.Pipeline.ExternalInputs)
	out = append(out, seedKeys...)
	return append(out, escalation.KeyPrefix+artifact.Wildcard)
}
