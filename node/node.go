package node

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/Octogonapus/FleetBench/benchmark"
	"github.com/Octogonapus/FleetBench/executor"
	"github.com/Octogonapus/FleetBench/provisioner"
	"github.com/Octogonapus/FleetBench/report"
	"github.com/Octogonapus/FleetBench/sink"
	systemmonitor "github.com/Octogonapus/FleetBench/system_monitor"
)

const DefaultOutputDir = "/var/lib/fleetbench/output"

type Input struct {
	Job          benchmark.JobSpec
	OutputDir    string
	InstanceName string
	Options      map[benchmark.Kind]map[string]any
	Cooldown     time.Duration
	Executor     executor.Config
	Provisioning executor.RetryPolicy

	// Everything below defaults to the real machine when left nil.
	Runner   executor.Runner
	Locks    executor.LockChecker
	Samplers []systemmonitor.Sampler
	Metadata []MetadataSource
	Sink     sink.Sink // overrides Job.SinkURI

	Logger *zap.Logger
}

// Run executes a whole node job: it creates the results document, describes the instance, runs the
// selected benchmarks and, no matter how that ends, finalizes and uploads the results. The error is only
// for failures that prevent a results document from existing at all.
func Run(ctx context.Context, in *Input) (err error) {
	logger := in.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if in.OutputDir == "" {
		in.OutputDir = DefaultOutputDir
	}

	store, err := report.NewStore(filepath.Join(in.OutputDir, report.DocumentName), time.Now())
	if err != nil {
		return fmt.Errorf("creating results document: %w", err)
	}

	runner := in.Runner
	if runner == nil {
		runner = &executor.LocalRunner{}
	}
	locks := in.Locks
	if locks == nil {
		locks = &executor.FuserChecker{Runner: runner}
	}
	samplers := in.Samplers
	if samplers == nil {
		samplers = systemmonitor.DefaultSamplers(runner)
	}
	sources := in.Metadata
	if sources == nil {
		sources = []MetadataSource{NewIMDSSource(), HostSource{}}
	}

	exec := executor.New(runner, locks, in.Executor, logger)
	br := benchmark.NewRunner(&benchmark.RunnerInput{
		Exec:        exec,
		Provisioner: provisioner.New(exec, in.Provisioning, logger),
		Monitor: systemmonitor.NewMonitor(&systemmonitor.MonitorInput{
			OutputDir: in.OutputDir,
			Samplers:  samplers,
			Logger:    logger,
		}),
		Store:     store,
		OutputDir: in.OutputDir,
		Cores:     LogicalCores(ctx),
		Cooldown:  in.Cooldown,
		Options:   in.Options,
		Logger:    logger,
	})
	br.Enter(benchmark.StateProvisioning, zap.String("selector", in.Job.Selector))

	dst := in.Sink
	if dst == nil && in.Job.SinkURI != "" {
		dst, err = sink.Open(ctx, in.Job.SinkURI, sink.Options{Logger: logger})
		if err != nil {
			logger.Error("failed to open sink, results stay local", zap.String("sink", in.Job.SinkURI), zap.Error(err))
			dst = nil
		}
	}

	// Deferred in this order so finalization runs before the panic is turned into an error.
	defer func() {
		if p := recover(); p != nil {
			logger.Error("node run panicked", zap.Any("panic", p))
			err = fmt.Errorf("node run panicked: %v", p)
		}
	}()
	persister := NewPersister(&PersisterInput{
		Store:     store,
		Sink:      dst,
		OutputDir: in.OutputDir,
		States:    br,
		Logger:    logger,
	})
	defer persister.Finalize(context.WithoutCancel(ctx))

	instance := DescribeInstance(ctx, in.InstanceName, sources, logger)
	if err := store.SetInstance(instance); err != nil {
		logger.Error("failed to record instance metadata", zap.Error(err))
	}
	logger.Info("starting benchmarks",
		zap.String("instance", instance.Name),
		zap.String("selector", in.Job.Selector),
		zap.Duration("warmup", in.Job.Warmup),
		zap.Duration("run", in.Job.Run))

	br.Run(ctx, in.Job)
	return nil
}
