package executor

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// flakyRunner fails the first `failures` calls and succeeds afterwards.
type flakyRunner struct {
	mu       sync.Mutex
	failures int
	calls    int
	commands []string
	calledAt []time.Time
}

func (r *flakyRunner) Run(ctx context.Context, command string, out io.Writer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.commands = append(r.commands, command)
	r.calledAt = append(r.calledAt, time.Now())
	if r.calls <= r.failures {
		io.WriteString(out, "attempt failed\n")
		return errors.New("exit status 100")
	}
	io.WriteString(out, "ok\n")
	return nil
}

// timedLock reports the lock as held until releaseAt.
type timedLock struct {
	releaseAt time.Time
	polls     atomic.Int32
}

func (l *timedLock) Held(ctx context.Context) (bool, error) {
	l.polls.Add(1)
	return time.Now().Before(l.releaseAt), nil
}

type brokenChecker struct{}

func (brokenChecker) Held(ctx context.Context) (bool, error) {
	return false, errors.New("fuser: command not found")
}

func TestBoundedPolicy(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		attempts  int
		wantErr   bool
		wantCalls int
	}{
		{name: "succeeds first try", failures: 0, attempts: 3, wantCalls: 1},
		{name: "succeeds on last attempt", failures: 2, attempts: 3, wantCalls: 3},
		{name: "exhausts attempts", failures: 5, attempts: 3, wantErr: true, wantCalls: 3},
		{name: "zero attempts means one", failures: 5, attempts: 0, wantErr: true, wantCalls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &flakyRunner{failures: tt.failures}
			e := New(runner, nil, Config{}, zaptest.NewLogger(t))

			out, err := e.Output(context.Background(), "apt-get update", Bounded{Attempts: tt.attempts, Wait: time.Millisecond})
			assert.Equal(t, tt.wantCalls, runner.calls)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrAttemptsExhausted)
				assert.Equal(t, "attempt failed\n", string(out))
			} else {
				require.NoError(t, err)
				assert.Equal(t, "ok\n", string(out))
			}
		})
	}
}

func TestUnboundedPolicy(t *testing.T) {
	t.Run("retries until success", func(t *testing.T) {
		runner := &flakyRunner{failures: 7}
		e := New(runner, nil, Config{}, zaptest.NewLogger(t))

		_, err := e.Output(context.Background(), "apt-get update", Unbounded{Wait: time.Millisecond})
		require.NoError(t, err)
		assert.Equal(t, 8, runner.calls)
	})

	t.Run("stops on cancellation", func(t *testing.T) {
		runner := &flakyRunner{failures: 1 << 30}
		e := New(runner, nil, Config{}, zaptest.NewLogger(t))

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := e.Output(ctx, "apt-get update", Unbounded{Wait: 5 * time.Millisecond})
		require.Error(t, err)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.NotErrorIs(t, err, ErrAttemptsExhausted)
	})

	t.Run("delay is honoured between attempts", func(t *testing.T) {
		runner := &flakyRunner{failures: 2}
		e := New(runner, nil, Config{}, zaptest.NewLogger(t))

		_, err := e.Output(context.Background(), "true", Unbounded{Wait: 20 * time.Millisecond})
		require.NoError(t, err)
		require.Len(t, runner.calledAt, 3)
		assert.GreaterOrEqual(t, runner.calledAt[1].Sub(runner.calledAt[0]), 20*time.Millisecond)
		assert.GreaterOrEqual(t, runner.calledAt[2].Sub(runner.calledAt[1]), 20*time.Millisecond)
	})
}

func TestPackageManagerWaitsForLocks(t *testing.T) {
	const (
		held = 120 * time.Millisecond
		poll = 10 * time.Millisecond
	)
	start := time.Now()
	lock := &timedLock{releaseAt: start.Add(held)}
	runner := &flakyRunner{}
	e := New(runner, lock, Config{LockPollInterval: poll, LockTimeout: time.Minute}, zaptest.NewLogger(t))

	_, err := e.PackageManager(context.Background(), "apt-get install -y sysbench", Once)
	require.NoError(t, err)

	require.Len(t, runner.calledAt, 1)
	assert.False(t, runner.calledAt[0].Before(start.Add(held)), "command ran while the lock was held")
	assert.Less(t, runner.calledAt[0].Sub(start.Add(held)), held, "command ran long after the lock was released")
	assert.Greater(t, lock.polls.Load(), int32(1))
}

func TestPackageManagerProceedsAfterLockTimeout(t *testing.T) {
	lock := &timedLock{releaseAt: time.Now().Add(time.Hour)}
	runner := &flakyRunner{}
	e := New(runner, lock, Config{LockPollInterval: 5 * time.Millisecond, LockTimeout: 40 * time.Millisecond}, zaptest.NewLogger(t))

	start := time.Now()
	_, err := e.PackageManager(context.Background(), "apt-get update", Once)
	require.NoError(t, err)
	assert.Equal(t, 1, runner.calls)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestPackageManagerWaitIsCancellable(t *testing.T) {
	lock := &timedLock{releaseAt: time.Now().Add(time.Hour)}
	runner := &flakyRunner{}
	e := New(runner, lock, Config{LockPollInterval: 5 * time.Millisecond, LockTimeout: time.Hour}, zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := e.PackageManager(ctx, "apt-get update", Once)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, runner.calls)
}

func TestBrokenCheckerDoesNotBlock(t *testing.T) {
	runner := &flakyRunner{}
	e := New(runner, brokenChecker{}, Config{}, zaptest.NewLogger(t))

	_, err := e.PackageManager(context.Background(), "apt-get update", Once)
	require.NoError(t, err)
	assert.Equal(t, 1, runner.calls)
}

func TestStopAutoUpdatesIgnoresFailures(t *testing.T) {
	runner := &flakyRunner{failures: 100}
	e := New(runner, nil, Config{}, zaptest.NewLogger(t))

	e.StopAutoUpdates(context.Background())
	require.Len(t, runner.commands, len(autoUpdateUnits))
	for i, unit := range autoUpdateUnits {
		assert.True(t, strings.Contains(runner.commands[i], unit))
	}
}

func TestLocalRunner(t *testing.T) {
	r := &LocalRunner{Shell: "sh"}

	out, err := RunOutput(context.Background(), r, "echo hello; echo oops >&2")
	require.NoError(t, err)
	assert.Contains(t, string(out), "hello")
	assert.Contains(t, string(out), "oops")

	_, err = RunOutput(context.Background(), r, "exit 3")
	require.Error(t, err)
}

func TestLocalRunnerPassesEnv(t *testing.T) {
	r := &LocalRunner{Shell: "sh"}
	ctx := WithEnv(context.Background(), "FLEETBENCH_SECRET=it's a $ecret")
	ctx = WithEnv(ctx, "FLEETBENCH_OTHER=2")

	out, err := RunOutput(ctx, r, `printf '%s|%s' "$FLEETBENCH_SECRET" "$FLEETBENCH_OTHER"`)
	require.NoError(t, err)
	assert.Equal(t, "it's a $ecret|2", string(out))
	assert.Equal(t, []string{"FLEETBENCH_SECRET=it's a $ecret", "FLEETBENCH_OTHER=2"}, Env(ctx))
	assert.Empty(t, Env(context.Background()))
}
