package cpu

import (
	"context"
	"fmt"
	"time"

	"github.com/Octogonapus/FleetBench/benchmark"
)

type CPUBenchmarkInput struct {
	// Upper limit for the primes sysbench computes per event. 0 keeps the sysbench default.
	MaxPrime int `mapstructure:"max_prime"`

	// Thread count. 0 means one per logical core.
	Threads int `mapstructure:"threads"`
}

type bmark struct {
	input  *CPUBenchmarkInput
	legacy bool
}

func init() {
	benchmark.RegisterBenchmark(benchmark.KindCPU, func(a map[string]any) (benchmark.Benchmark, error) {
		input := &CPUBenchmarkInput{}
		err := benchmark.DecodeOptions(a, input)
		if err != nil {
			return nil, fmt.Errorf("can't convert input to CPUBenchmarkInput: %w", err)
		}
		return NewCPUBenchmark(input), nil
	})
}

func NewCPUBenchmark(input *CPUBenchmarkInput) benchmark.Benchmark {
	return &bmark{input: input}
}

func (b *bmark) Packages() []string {
	return []string{"sysbench"}
}

func (b *bmark) SetUp(ctx context.Context, bctx *benchmark.Context) error {
	b.legacy = benchmark.SysbenchLegacy(ctx, bctx.Exec)
	return nil
}

func (b *bmark) WarmupCommand(bctx *benchmark.Context, warmup time.Duration) string {
	return b.command(bctx, warmup)
}

func (b *bmark) Command(bctx *benchmark.Context, run time.Duration) string {
	return b.command(bctx, run)
}

func (b *bmark) command(bctx *benchmark.Context, d time.Duration) string {
	threads := b.input.Threads
	if threads <= 0 {
		threads = bctx.Cores
	}
	extra := []string{}
	if b.input.MaxPrime > 0 {
		extra = append(extra, fmt.Sprintf("--cpu-max-prime=%d", b.input.MaxPrime))
	}
	return benchmark.SysbenchCommand("cpu", b.legacy, threads, d, extra...)
}
