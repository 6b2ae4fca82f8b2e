package network

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Octogonapus/FleetBench/benchmark"
	"github.com/Octogonapus/FleetBench/executor"
)

type NetworkBenchmarkInput struct {
	// iperf3 server to measure against. Empty starts a daemon on this node and measures loopback.
	Server   string `mapstructure:"server"`
	Port     int    `mapstructure:"port"`
	Parallel int    `mapstructure:"parallel"`
	Reverse  bool   `mapstructure:"reverse"`
}

type bmark struct {
	input       *NetworkBenchmarkInput
	localServer bool
}

func init() {
	benchmark.RegisterBenchmark(benchmark.KindNetwork, func(a map[string]any) (benchmark.Benchmark, error) {
		input := &NetworkBenchmarkInput{Port: 5201, Parallel: 4}
		err := benchmark.DecodeOptions(a, input)
		if err != nil {
			return nil, fmt.Errorf("can't convert input to NetworkBenchmarkInput: %w", err)
		}
		return NewNetworkBenchmark(input), nil
	})
}

func NewNetworkBenchmark(input *NetworkBenchmarkInput) benchmark.Benchmark {
	return &bmark{input: input}
}

func (b *bmark) Packages() []string {
	return []string{"iperf3"}
}

func (b *bmark) SetUp(ctx context.Context, bctx *benchmark.Context) error {
	if b.input.Server != "" {
		return nil
	}
	b.localServer = true
	out, err := bctx.Exec.Output(ctx, b.serverCommand(), executor.Bounded{Attempts: 3, Wait: time.Second})
	if err != nil {
		return fmt.Errorf("starting local iperf3 server: %w: %s", err, out)
	}
	bctx.Logger.Debug("local iperf3 server started", zap.Int("port", b.input.Port))
	return nil
}

func (b *bmark) serverCommand() string {
	return fmt.Sprintf("iperf3 -s -D -1 -p %d", b.input.Port)
}

// No separate warmup: the measured run passes -O to discard its first seconds.
func (b *bmark) WarmupCommand(*benchmark.Context, time.Duration) string {
	return ""
}

func (b *bmark) Command(bctx *benchmark.Context, run time.Duration) string {
	server := b.input.Server
	if server == "" {
		server = "127.0.0.1"
	}
	cmd := fmt.Sprintf("iperf3 -c %s -p %d -t %d -P %d -O 2 -J", server, b.input.Port, benchmark.Seconds(run), max(b.input.Parallel, 1))
	if b.input.Reverse {
		cmd += " -R"
	}
	return cmd
}

// TearDown stops the local server if the client never connected to it.
func (b *bmark) TearDown(ctx context.Context, bctx *benchmark.Context) error {
	if !b.localServer {
		return nil
	}
	// pkill exits 1 when the one-shot server already exited after serving the client
	bctx.Exec.Output(ctx, "pkill -x iperf3", executor.Once)
	return nil
}
