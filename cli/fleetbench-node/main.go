package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Octogonapus/FleetBench/benchmark"
	_ "github.com/Octogonapus/FleetBench/benchmark/cpu"
	_ "github.com/Octogonapus/FleetBench/benchmark/diskio"
	_ "github.com/Octogonapus/FleetBench/benchmark/memory"
	_ "github.com/Octogonapus/FleetBench/benchmark/network"
	_ "github.com/Octogonapus/FleetBench/benchmark/oltp"
	"github.com/Octogonapus/FleetBench/executor"
	"github.com/Octogonapus/FleetBench/node"
)

// errUsage marks malformed arguments, which exit with status 2.
var errUsage = errors.New("usage")

// errRun marks a node run that could not produce a results document, which exits with status 1.
var errRun = errors.New("node run failed")

func main() {
	var (
		outputDir    string
		optionsFile  string
		instanceName string
		logLevel     string
		cooldown     time.Duration
		lockTimeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "fleetbench-node [workload-selector [warmup-seconds [run-seconds [output-sink-uri]]]]",
		Short: "Run the selected benchmarks on this machine and upload the results",
		Long: "Runs each selected benchmark kind (" + kindList() + ") in order, records the results in " +
			"results.json under the output directory and uploads the directory to the sink when one is given.",
		Args:          cobra.MaximumNArgs(4),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := benchmark.ParseJobArgs(args)
			if err != nil {
				return fmt.Errorf("%w: %w", errUsage, err)
			}
			logger, err := newLogger(logLevel)
			if err != nil {
				return fmt.Errorf("%w: %w", errUsage, err)
			}
			defer logger.Sync()

			var options map[benchmark.Kind]map[string]any
			if optionsFile != "" {
				options, err = benchmark.LoadOptionsFile(optionsFile)
				if err != nil {
					return fmt.Errorf("%w: %w", errUsage, err)
				}
			}
			if kinds, skipped := benchmark.ParseSelector(job.Selector); len(skipped) > 0 {
				logger.Warn("ignoring unsupported kinds", zap.Strings("skipped", skipped), zap.Int("selected", len(kinds)))
			}

			ctx, stop := node.SignalContext(cmd.Context())
			defer stop()
			err = node.Run(ctx, &node.Input{
				Job:          job,
				OutputDir:    outputDir,
				InstanceName: instanceName,
				Options:      options,
				Cooldown:     cooldown,
				Executor:     executor.Config{LockTimeout: lockTimeout},
				Logger:       logger,
			})
			if err != nil {
				return fmt.Errorf("%w: %w", errRun, err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&outputDir, "output-dir", node.DefaultOutputDir, "Directory for results.json, raw tool output and metrics.")
	cmd.Flags().StringVar(&optionsFile, "options", "", "JSON file mapping kind names to their options.")
	cmd.Flags().StringVar(&instanceName, "instance-name", "", "Name recorded for this machine. Defaults to the hostname.")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "One of debug, info, warn, error.")
	cmd.Flags().DurationVar(&cooldown, "cooldown", benchmark.DefaultCooldown, "Pause between benchmark kinds.")
	cmd.Flags().DurationVar(&lockTimeout, "lock-timeout", executor.DefaultLockTimeout, "Longest wait for package-manager locks before running anyway.")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fleetbench-node:", err)
		if errors.Is(err, errRun) {
			os.Exit(1)
		}
		// Bad flags and arguments, including errors cobra reports itself.
		os.Exit(2)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

func kindList() string {
	kinds, _ := benchmark.ParseSelector(benchmark.SelectAll)
	s := ""
	for i, k := range kinds {
		if i > 0 {
			s += ", "
		}
		s += string(k)
	}
	return s
}
