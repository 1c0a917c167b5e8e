package execution

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"foreman/internal/artifact"
	"foreman/internal/logging"
	"foreman/internal/registry"
	"foreman/internal/services"
	"foreman/internal/state"
)

// Options configures an Engine.
type Options struct {
	RunID string
	// OutDir is the artifact root handed to workers as OUT_DIR.
	OutDir string
	// LogDir receives one <worker>.log per execution. Empty disables capture.
	LogDir   string
	Store    artifact.Store
	Launcher Launcher
	Logger   *slog.Logger
	// BaseEnv is the environment inherited by workers; nil uses os.Environ.
	BaseEnv []string
	Now     func() time.Time
}

// Engine runs one worker at a time per call and classifies the result. It is
// safe for concurrent use; the driver calls Run from several goroutines.
type Engine struct {
	opts   Options
	logger *slog.Logger
}

// NewEngine validates opts and returns an engine.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("execution: artifact store is required")
	}
	if strings.TrimSpace(opts.RunID) == "" {
		return nil, errors.New("execution: run id is required")
	}
	if opts.Launcher == nil {
		opts.Launcher = ProcessLauncher{}
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.BaseEnv == nil {
		opts.BaseEnv = os.Environ()
	}
	return &Engine{
		opts:   opts,
		logger: logging.NewComponentLogger(opts.Logger, "execution"),
	}, nil
}

// Run executes desc with the resolved input keys and returns its outcome.
// Failures of the worker are reported in the outcome, never as a panic or
// error; Run does not retry.
func (e *Engine) Run(ctx context.Context, desc registry.Descriptor, inputs []string, env map[string]string) state.Outcome {
	ctx = services.WithWorker(ctx, desc.Name)
	logger := logging.WithContext(ctx, e.logger)
	started := e.opts.Now()
	outcome := state.Outcome{Worker: desc.Name, StartedAt: started, ExitCode: -1}

	exp := expansion{
		runID:  e.opts.RunID,
		outDir: e.opts.OutDir,
		worker: desc.Name,
		inputs: e.resolveInputs(ctx, logger, inputs),
	}
	extraEnv := make(map[string]string, len(desc.Invocation.Env)+len(env))
	for k, v := range desc.Invocation.Env {
		extraEnv[k] = v
	}
	for k, v := range env {
		extraEnv[k] = v
	}

	logFile, logPath, err := e.openWorkerLog(desc.Name)
	if err != nil {
		logging.WarnWithContext(logger, "worker log unavailable", "worker_log_unavailable",
			logging.Error(err),
			logging.String(logging.FieldImpact, "worker output is discarded"),
			logging.String(logging.FieldErrorHint, "check permissions on the run logs directory"),
		)
	}
	outcome.LogPath = logPath
	tail := newTailBuffer(2048)
	var stdout, stderr io.Writer = io.Discard, tail
	if logFile != nil {
		defer logFile.Close()
		stdout = logFile
		stderr = io.MultiWriter(logFile, tail)
		fmt.Fprintf(logFile, "=== %s run=%s worker=%s command=%s\n",
			started.Format(time.RFC3339), e.opts.RunID, desc.Name, desc.Invocation.Command)
	}

	workDir := exp.expand(desc.Invocation.WorkDir)
	if workDir == "" {
		workDir = e.opts.OutDir
	}
	spec := LaunchSpec{
		Command: exp.expand(desc.Invocation.Command),
		Args:    exp.args(desc.Invocation.Args),
		Env:     exp.environ(e.opts.BaseEnv, extraEnv),
		WorkDir: workDir,
		Stdout:  stdout,
		Stderr:  stderr,
	}

	timeout := desc.Timeout()
	spec.Timeout = timeout
	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	prior := e.priorOutputs(ctx, desc)

	logger.Info("worker started",
		logging.String(logging.FieldEventType, "worker_started"),
		logging.String("command", spec.Command),
		logging.Int("inputs", len(exp.inputs)),
		logging.Duration("timeout", timeout),
	)
	res, launchErr := e.opts.Launcher.Launch(runCtx, spec)
	outcome.FinishedAt = e.opts.Now()
	outcome.ExitCode = res.ExitCode

	switch {
	case ctx.Err() != nil:
		outcome.Status = state.StatusFailure
		outcome.ErrorDetail = "cancelled: " + ctx.Err().Error()
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		outcome.Status = state.StatusTimeout
		outcome.ErrorDetail = fmt.Sprintf("timed out after %s", timeout)
	case launchErr != nil:
		outcome.Status = state.StatusFailure
		outcome.ErrorDetail = launchErr.Error()
	case res.ExitCode != 0:
		outcome.Status = state.StatusFailure
		outcome.ErrorDetail = fmt.Sprintf("exit status %d", res.ExitCode)
		if t := tail.String(); t != "" {
			outcome.ErrorDetail += ": " + t
		}
	default:
		outcome.Status = state.StatusSuccess
		e.verifyOutputs(ctx, desc, prior, &outcome)
	}

	if logFile != nil {
		fmt.Fprintf(logFile, "=== finished status=%s exit=%d duration=%s\n",
			outcome.Status, outcome.ExitCode, outcome.Duration().Round(time.Millisecond))
	}
	e.logOutcome(logger, outcome)
	return outcome
}

// priorOutputs fingerprints the declared outputs that exist before launch,
// typically left behind by an earlier attempt.
func (e *Engine) priorOutputs(ctx context.Context, desc registry.Descriptor) map[string]artifact.Record {
	prior := make(map[string]artifact.Record, len(desc.Outputs))
	for _, key := range desc.Outputs {
		if rec, err := artifact.Stat(ctx, e.opts.Store, key); err == nil {
			prior[key] = rec
		}
	}
	return prior
}

// verifyOutputs downgrades a zero exit to FAILURE when a declared output is
// absent or was not rewritten since launch, and commits the outputs under the
// worker's name.
func (e *Engine) verifyOutputs(ctx context.Context, desc registry.Descriptor, prior map[string]artifact.Record, outcome *state.Outcome) {
	var missing, stale []string
	for _, key := range desc.Outputs {
		rec, err := artifact.Stat(ctx, e.opts.Store, key)
		if err != nil {
			missing = append(missing, key)
			continue
		}
		if old, ok := prior[key]; ok && old.CreatedAt.Equal(rec.CreatedAt) && old.Size == rec.Size {
			stale = append(stale, key)
		}
	}
	switch {
	case len(missing) > 0:
		outcome.Status = state.StatusFailure
		outcome.ErrorDetail = "missing output: " + strings.Join(missing, ", ")
		return
	case len(stale) > 0:
		outcome.Status = state.StatusFailure
		outcome.ErrorDetail = "stale output not rewritten by this attempt: " + strings.Join(stale, ", ")
		return
	}
	for _, key := range desc.Outputs {
		if err := artifact.Commit(ctx, e.opts.Store, key, desc.Name); err != nil {
			outcome.Status = state.StatusFailure
			outcome.ErrorDetail = fmt.Sprintf("commit output %s: %v", key, err)
			return
		}
	}
	outcome.Outputs = append([]string(nil), desc.Outputs...)
}

func (e *Engine) resolveInputs(ctx context.Context, logger *slog.Logger, keys []string) map[string]string {
	paths := make(map[string]string, len(keys))
	for _, key := range keys {
		path, err := artifact.LocalPath(ctx, e.opts.Store, key)
		if err != nil {
			logger.Debug("input not materialized; passing store location",
				logging.String("key", key),
				logging.Error(err),
			)
			path = e.opts.Store.Locate(key)
		}
		paths[key] = path
	}
	return paths
}

func (e *Engine) openWorkerLog(worker string) (*os.File, string, error) {
	if e.opts.LogDir == "" {
		return nil, "", nil
	}
	if err := os.MkdirAll(e.opts.LogDir, 0o755); err != nil {
		return nil, "", fmt.Errorf("create log directory: %w", err)
	}
	path := filepath.Join(e.opts.LogDir, worker+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, "", fmt.Errorf("open worker log: %w", err)
	}
	return f, path, nil
}

func (e *Engine) logOutcome(logger *slog.Logger, outcome state.Outcome) {
	attrs := append(logging.WorkerOutcome(string(outcome.Status), outcome.ExitCode, outcome.Duration()),
		logging.String(logging.FieldEventType, "worker_finished"))
	if outcome.LogPath != "" {
		attrs = append(attrs, logging.String("log_path", outcome.LogPath))
	}
	if outcome.Succeeded() {
		logger.Info("worker finished", logging.Args(attrs...)...)
		return
	}
	marker := services.ErrExecution
	if outcome.Status == state.StatusTimeout {
		marker = services.ErrTimeout
	}
	err := services.Wrap(marker, "execution", outcome.Worker, outcome.ErrorDetail, nil)
	attrs = append(attrs, logging.ErrorAttrs(err)...)
	logging.WarnWithContext(logger, "worker did not succeed", "worker_failed", attrs...)
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer { return &tailBuffer{max: max} }

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}
