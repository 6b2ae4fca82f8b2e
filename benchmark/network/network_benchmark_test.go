package network

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Octogonapus/FleetBench/benchmark"
	"github.com/Octogonapus/FleetBench/executor"
)

type recordingRunner struct {
	commands []string
	failWith string
}

func (r *recordingRunner) Run(ctx context.Context, command string, out io.Writer) error {
	r.commands = append(r.commands, command)
	if r.failWith != "" && strings.HasPrefix(command, r.failWith) {
		io.WriteString(out, "iperf3: error - unable to start listener for connections: Address already in use\n")
		return errors.New("exit status 1")
	}
	return nil
}

func newContext(t *testing.T, runner executor.Runner) *benchmark.Context {
	logger := zaptest.NewLogger(t)
	return &benchmark.Context{
		Exec:      executor.New(runner, nil, executor.Config{}, logger),
		OutputDir: t.TempDir(),
		Cores:     2,
		Logger:    logger,
	}
}

func TestLocalServer(t *testing.T) {
	runner := &recordingRunner{}
	bctx := newContext(t, runner)
	b, err := benchmark.New(benchmark.KindNetwork, nil)
	require.NoError(t, err)

	require.NoError(t, b.SetUp(context.Background(), bctx))
	assert.Equal(t, "iperf3 -c 127.0.0.1 -p 5201 -t 30 -P 4 -O 2 -J", b.Command(bctx, 30*time.Second))
	assert.Empty(t, b.WarmupCommand(bctx, time.Minute))

	require.NoError(t, b.(benchmark.TearDowner).TearDown(context.Background(), bctx))
	assert.Equal(t, []string{"iperf3 -s -D -1 -p 5201", "pkill -x iperf3"}, runner.commands)
}

func TestRemoteServer(t *testing.T) {
	runner := &recordingRunner{}
	bctx := newContext(t, runner)
	b, err := benchmark.New(benchmark.KindNetwork, map[string]any{
		"server":   "10.0.0.5",
		"port":     "5301",
		"parallel": 8,
		"reverse":  true,
	})
	require.NoError(t, err)

	require.NoError(t, b.SetUp(context.Background(), bctx))
	assert.Equal(t, "iperf3 -c 10.0.0.5 -p 5301 -t 60 -P 8 -O 2 -J -R", b.Command(bctx, time.Minute))
	require.NoError(t, b.(benchmark.TearDowner).TearDown(context.Background(), bctx))
	assert.Empty(t, runner.commands)
}

func TestLocalServerFailsToStart(t *testing.T) {
	runner := &recordingRunner{failWith: "iperf3 -s"}
	bctx := newContext(t, runner)
	b := NewNetworkBenchmark(&NetworkBenchmarkInput{Port: 5201, Parallel: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := b.SetUp(ctx, bctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, executor.ErrAttemptsExhausted)
	assert.Contains(t, err.Error(), "Address already in use")
	assert.Len(t, runner.commands, 3)
}
