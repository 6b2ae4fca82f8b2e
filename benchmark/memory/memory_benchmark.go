package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/Octogonapus/FleetBench/benchmark"
)

type MemoryBenchmarkInput struct {
	TotalSize string `mapstructure:"total_size"`
	BlockSize string `mapstructure:"block_size"`
	Operation string `mapstructure:"operation"` // read or write
}

type bmark struct {
	input  *MemoryBenchmarkInput
	legacy bool
}

func init() {
	benchmark.RegisterBenchmark(benchmark.KindMemory, func(a map[string]any) (benchmark.Benchmark, error) {
		input := &MemoryBenchmarkInput{TotalSize: "100G", BlockSize: "1K", Operation: "write"}
		err := benchmark.DecodeOptions(a, input)
		if err != nil {
			return nil, fmt.Errorf("can't convert input to MemoryBenchmarkInput: %w", err)
		}
		if input.Operation != "read" && input.Operation != "write" {
			return nil, fmt.Errorf("operation must be read or write, got %q", input.Operation)
		}
		return NewMemoryBenchmark(input), nil
	})
}

func NewMemoryBenchmark(input *MemoryBenchmarkInput) benchmark.Benchmark {
	return &bmark{input: input}
}

func (b *bmark) Packages() []string {
	return []string{"sysbench"}
}

func (b *bmark) SetUp(ctx context.Context, bctx *benchmark.Context) error {
	b.legacy = benchmark.SysbenchLegacy(ctx, bctx.Exec)
	return nil
}

// Memory throughput is stable from the first second, so there is no warmup.
func (b *bmark) WarmupCommand(*benchmark.Context, time.Duration) string {
	return ""
}

func (b *bmark) Command(bctx *benchmark.Context, run time.Duration) string {
	return benchmark.SysbenchCommand("memory", b.legacy, bctx.Cores, run,
		"--memory-total-size="+b.input.TotalSize,
		"--memory-block-size="+b.input.BlockSize,
		"--memory-oper="+b.input.Operation)
}
