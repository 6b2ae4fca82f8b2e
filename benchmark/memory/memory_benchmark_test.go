package memory

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Octogonapus/FleetBench/benchmark"
	"github.com/Octogonapus/FleetBench/executor"
)

type noopRunner struct{}

func (noopRunner) Run(ctx context.Context, command string, out io.Writer) error {
	io.WriteString(out, "sysbench 1.0.20\n")
	return nil
}

func TestCommand(t *testing.T) {
	logger := zaptest.NewLogger(t)
	bctx := &benchmark.Context{
		Exec:   executor.New(noopRunner{}, nil, executor.Config{}, logger),
		Cores:  8,
		Logger: logger,
	}

	b, err := benchmark.New(benchmark.KindMemory, map[string]any{"total_size": "10G"})
	require.NoError(t, err)
	require.NoError(t, b.SetUp(context.Background(), bctx))

	assert.Equal(t,
		"sysbench memory --threads=8 --time=10 --memory-total-size=10G --memory-block-size=1K --memory-oper=write run",
		b.Command(bctx, 10*time.Second))
	assert.Empty(t, b.WarmupCommand(bctx, time.Minute))
	assert.Equal(t, []string{"sysbench"}, b.Packages())
}

func TestInvalidOperation(t *testing.T) {
	_, err := benchmark.New(benchmark.KindMemory, map[string]any{"operation": "copy"})
	assert.Error(t, err)
}
