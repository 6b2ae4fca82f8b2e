package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// PackageLockFiles are the files dpkg and apt hold while they run.
var PackageLockFiles = []string{
	"/var/lib/dpkg/lock-frontend",
	"/var/lib/dpkg/lock",
	"/var/lib/apt/lists/lock",
	"/var/cache/apt/archives/lock",
}

// Units that periodically grab the apt locks on a fresh Ubuntu image.
var autoUpdateUnits = []string{
	"apt-daily.timer",
	"apt-daily-upgrade.timer",
	"unattended-upgrades.service",
}

const (
	DefaultLockPollInterval = 5 * time.Second
	DefaultLockTimeout      = 10 * time.Minute
)

// A LockChecker reports whether any process currently holds an exclusive system resource.
type LockChecker interface {
	Held(ctx context.Context) (bool, error)
}

// FuserChecker asks fuser whether any process has one of Files open.
type FuserChecker struct {
	Runner Runner
	Files  []string
}

func (p *FuserChecker) Held(ctx context.Context) (bool, error) {
	files := p.Files
	if len(files) == 0 {
		files = PackageLockFiles
	}
	out, err := RunOutput(ctx, p.Runner, "fuser "+strings.Join(files, " "))
	if err == nil {
		return true, nil
	}
	// fuser exits 1 when none of the files are in use
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return false, nil
	}
	return false, fmt.Errorf("fuser failed: %w: %s", err, strings.TrimSpace(string(out)))
}

type Config struct {
	// How often the package locks are polled while held.
	LockPollInterval time.Duration

	// Upper bound on the total lock wait. When it is reached the executor logs a warning and runs the
	// command anyway. Zero means DefaultLockTimeout.
	LockTimeout time.Duration
}

// Executor runs shell commands with retries and, for package-manager commands, waits for the package
// locks to be free before every attempt.
type Executor struct {
	runner Runner
	locks  LockChecker
	cfg    Config
	logger *zap.Logger
}

// New creates an executor. locks may be nil, in which case package-manager commands never wait.
func New(runner Runner, locks LockChecker, cfg Config, logger *zap.Logger) *Executor {
	if cfg.LockPollInterval <= 0 {
		cfg.LockPollInterval = DefaultLockPollInterval
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultLockTimeout
	}
	return &Executor{
		runner: runner,
		locks:  locks,
		cfg:    cfg,
		logger: logger.Named("executor"),
	}
}

// Output runs the command and returns the output of the last attempt.
func (e *Executor) Output(ctx context.Context, command string, policy RetryPolicy) ([]byte, error) {
	return e.output(ctx, command, policy, false)
}

// PackageManager is like Output but waits for the package locks before each attempt.
func (e *Executor) PackageManager(ctx context.Context, command string, policy RetryPolicy) ([]byte, error) {
	return e.output(ctx, command, policy, true)
}

// Capture streams the output of every attempt into out.
func (e *Executor) Capture(ctx context.Context, command string, out io.Writer, policy RetryPolicy) error {
	return e.retry(ctx, command, policy, false, func() error {
		return e.runner.Run(ctx, command, out)
	})
}

func (e *Executor) output(ctx context.Context, command string, policy RetryPolicy, locked bool) ([]byte, error) {
	var buf bytes.Buffer
	err := e.retry(ctx, command, policy, locked, func() error {
		buf.Reset()
		return e.runner.Run(ctx, command, &buf)
	})
	return buf.Bytes(), err
}

func (e *Executor) retry(ctx context.Context, command string, policy RetryPolicy, locked bool, run func() error) error {
	for attempt := 1; ; attempt++ {
		if locked {
			if err := e.WaitForPackageLocks(ctx); err != nil {
				return err
			}
		}

		err := run()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", ctx.Err(), err)
		}
		if policy.Exhausted(attempt) {
			return fmt.Errorf("%w after %d attempt(s): %w", ErrAttemptsExhausted, attempt, err)
		}

		e.logger.Warn("command failed, will try again",
			zap.String("command", command),
			zap.Int("attempt", attempt),
			zap.Duration("delay", policy.Delay()),
			zap.Error(err))
		if err := sleep(ctx, policy.Delay()); err != nil {
			return err
		}
	}
}

// WaitForPackageLocks blocks while any process holds a package-manager lock. It returns nil once the
// locks are free or LockTimeout has elapsed, and the context error if ctx is cancelled first.
func (e *Executor) WaitForPackageLocks(ctx context.Context) error {
	if e.locks == nil {
		return nil
	}
	start := time.Now()
	for {
		held, err := e.locks.Held(ctx)
		if err != nil {
			e.logger.Debug("package lock check failed, assuming the locks are free", zap.Error(err))
			return nil
		}
		if !held {
			if waited := time.Since(start); waited >= e.cfg.LockPollInterval {
				e.logger.Info("package locks released", zap.Duration("waited", waited))
			}
			return nil
		}
		if time.Since(start) >= e.cfg.LockTimeout {
			e.logger.Warn("package locks still held, proceeding anyway",
				zap.Duration("timeout", e.cfg.LockTimeout))
			return nil
		}

		e.logger.Debug("waiting for package locks")
		if err := sleep(ctx, e.cfg.LockPollInterval); err != nil {
			return err
		}
	}
}

// StopAutoUpdates stops and disables the timers that compete for the apt locks. Failures are logged only.
func (e *Executor) StopAutoUpdates(ctx context.Context) {
	for _, unit := range autoUpdateUnits {
		out, err := RunOutput(ctx, e.runner, fmt.Sprintf("systemctl stop %[1]s; systemctl disable %[1]s", unit))
		if err != nil {
			e.logger.Debug("failed to stop auto-update unit",
				zap.String("unit", unit),
				zap.String("output", string(out)),
				zap.Error(err))
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
