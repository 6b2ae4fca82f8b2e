package diskio

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/Octogonapus/FleetBench/benchmark"
	"github.com/Octogonapus/FleetBench/executor"
)

type DiskIOBenchmarkInput struct {
	Size      string `mapstructure:"size"`       // per job
	BlockSize string `mapstructure:"block_size"` // fio --bs
	IODepth   int    `mapstructure:"io_depth"`
	ReadMix   int    `mapstructure:"read_mix"` // percent of operations that are reads
	Jobs      int    `mapstructure:"jobs"`     // 0 means one per logical core, at most 8
	Direct    bool   `mapstructure:"direct"`
}

type bmark struct {
	input *DiskIOBenchmarkInput
}

func init() {
	benchmark.RegisterBenchmark(benchmark.KindDiskIO, func(a map[string]any) (benchmark.Benchmark, error) {
		input := &DiskIOBenchmarkInput{Size: "1G", BlockSize: "4k", IODepth: 32, ReadMix: 70, Direct: true}
		err := benchmark.DecodeOptions(a, input)
		if err != nil {
			return nil, fmt.Errorf("can't convert input to DiskIOBenchmarkInput: %w", err)
		}
		if input.ReadMix < 0 || input.ReadMix > 100 {
			return nil, fmt.Errorf("read_mix must be between 0 and 100, got %d", input.ReadMix)
		}
		return NewDiskIOBenchmark(input), nil
	})
}

func NewDiskIOBenchmark(input *DiskIOBenchmarkInput) benchmark.Benchmark {
	return &bmark{input: input}
}

func (b *bmark) Packages() []string {
	return []string{"fio"}
}

func scratchDir(bctx *benchmark.Context) string {
	return filepath.Join(bctx.OutputDir, "fio")
}

func (b *bmark) SetUp(ctx context.Context, bctx *benchmark.Context) error {
	out, err := bctx.Exec.Output(ctx, "mkdir -p "+scratchDir(bctx), executor.Once)
	if err != nil {
		return fmt.Errorf("creating fio directory: %w: %s", err, out)
	}
	return nil
}

// Disk caches are bypassed with direct I/O, so there is nothing to warm.
func (b *bmark) WarmupCommand(*benchmark.Context, time.Duration) string {
	return ""
}

func (b *bmark) Command(bctx *benchmark.Context, run time.Duration) string {
	jobs := b.input.Jobs
	if jobs <= 0 {
		jobs = min(max(bctx.Cores, 1), 8)
	}
	direct := 0
	if b.input.Direct {
		direct = 1
	}
	args := []string{
		"fio",
		"--name=randrw",
		"--directory=" + scratchDir(bctx),
		"--rw=randrw",
		fmt.Sprintf("--rwmixread=%d", b.input.ReadMix),
		"--bs=" + b.input.BlockSize,
		"--size=" + b.input.Size,
		fmt.Sprintf("--numjobs=%d", jobs),
		fmt.Sprintf("--iodepth=%d", b.input.IODepth),
		"--ioengine=libaio",
		fmt.Sprintf("--direct=%d", direct),
		"--time_based",
		fmt.Sprintf("--runtime=%d", benchmark.Seconds(run)),
		"--group_reporting",
		"--output-format=json",
	}
	return strings.Join(args, " ")
}

// TearDown deletes the fio data files so they are not uploaded with the results.
func (b *bmark) TearDown(ctx context.Context, bctx *benchmark.Context) error {
	out, err := bctx.Exec.Output(ctx, "rm -rf "+scratchDir(bctx), executor.Once)
	if err != nil {
		return fmt.Errorf("removing fio directory: %w: %s", err, out)
	}
	return nil
}
