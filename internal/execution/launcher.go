package execution

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// LaunchSpec is what the engine hands to a Launcher.
type LaunchSpec struct {
	Command string
	Args    []string
	// Env is the complete environment in KEY=VALUE form.
	Env     []string
	WorkDir string
	Stdout  io.Writer
	Stderr  io.Writer
	// Timeout is the worker's own limit, enforced through ctx. Zero means none.
	Timeout time.Duration
}

// LaunchResult is what a Launcher reports back.
type LaunchResult struct {
	// ExitCode is -1 when the process was terminated by a signal.
	ExitCode int
}

// Launcher starts a worker and blocks until it exits or ctx ends. An error
// means the process could not be started or waited on; a non-zero exit is
// reported through LaunchResult, not as an error.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (LaunchResult, error)
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context, spec LaunchSpec) (LaunchResult, error)

// Launch calls f.
func (f LauncherFunc) Launch(ctx context.Context, spec LaunchSpec) (LaunchResult, error) {
	return f(ctx, spec)
}

var commandContext = exec.CommandContext

// ProcessLauncher runs workers as local processes. Each worker gets its own
// process group so that a timeout or cancel terminates everything it spawned.
type ProcessLauncher struct {
	// KillGrace is how long a worker has to exit after SIGTERM before the
	// group is killed. Zero scales the grace with the worker timeout.
	KillGrace time.Duration
}

const (
	minKillGrace = 200 * time.Millisecond
	maxKillGrace = 5 * time.Second
)

// Grace returns the SIGTERM to SIGKILL delay for a worker with the given
// timeout: KillGrace when set, otherwise a quarter of the timeout bounded to
// [200ms, 5s].
func (l ProcessLauncher) Grace(timeout time.Duration) time.Duration {
	if l.KillGrace > 0 {
		return l.KillGrace
	}
	if timeout <= 0 {
		return maxKillGrace
	}
	return min(max(timeout/4, minKillGrace), maxKillGrace)
}

// Launch implements Launcher.
func (l ProcessLauncher) Launch(ctx context.Context, spec LaunchSpec) (LaunchResult, error) {
	if spec.Command == "" {
		return LaunchResult{ExitCode: -1}, errors.New("command is required")
	}
	grace := l.Grace(spec.Timeout)

	cmd := commandContext(ctx, spec.Command, spec.Args...) //nolint:gosec
	cmd.Env = spec.Env
	cmd.Dir = spec.WorkDir
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return signalGroup(cmd, unix.SIGTERM)
	}
	cmd.WaitDelay = grace

	if err := cmd.Start(); err != nil {
		return LaunchResult{ExitCode: -1}, fmt.Errorf("start command: %w", err)
	}
	err := cmd.Wait()
	// Reap anything the worker left behind in its group.
	_ = signalGroup(cmd, unix.SIGKILL)

	if err == nil {
		return LaunchResult{ExitCode: 0}, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return LaunchResult{ExitCode: exitErr.ExitCode()}, nil
	}
	if errors.Is(err, exec.ErrWaitDelay) {
		return LaunchResult{ExitCode: cmd.ProcessState.ExitCode()}, nil
	}
	return LaunchResult{ExitCode: -1}, fmt.Errorf("wait command: %w", err)
}

func signalGroup(cmd *exec.Cmd, sig unix.Signal) error {
	if cmd.Process == nil {
		return nil
	}
	err := unix.Kill(-cmd.Process.Pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}
