package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Octogonapus/FleetBench/config"
	"github.com/Octogonapus/FleetBench/fleet"
	"github.com/Octogonapus/FleetBench/ledger"
	"github.com/Octogonapus/FleetBench/provider"
	"github.com/Octogonapus/FleetBench/sink"
)

func main() {
	var (
		configFile string
		verbose    bool
		deleteLeak bool
	)

	rootCmd := &cobra.Command{
		Use:          "fleetbench",
		Short:        "Benchmark a fleet of cloud machine types",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "fleetbench.yaml", "Path to the fleet configuration file.")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log at debug level.")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Provision every configured machine, benchmark it, delete it and collect the results",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, configFile, newLogger(verbose))
		},
	}

	leaksCmd := &cobra.Command{
		Use:   "leaks",
		Short: "List instances that were created but never confirmed deleted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return leaks(ctx, configFile, deleteLeak, newLogger(verbose))
		},
	}
	leaksCmd.Flags().BoolVar(&deleteLeak, "delete", false, "Delete every leaked instance and mark it torn down.")

	rootCmd.AddCommand(runCmd, leaksCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(verbose bool) *zap.Logger {
	cfg := zap.NewDevelopmentConfig()
	if !verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}

func run(ctx context.Context, configFile string, logger *zap.Logger) error {
	defer logger.Sync()
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	runID := uuid.NewString()
	prov, err := newProvider(ctx, cfg, runID, logger)
	if err != nil {
		return err
	}
	s, err := sink.Open(ctx, cfg.Sink.URI, sink.Options{
		CreateBucket: cfg.Sink.CreateBucket,
		Region:       cfg.Region,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("opening sink: %w", err)
	}
	l, err := openLedger(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer l.Close()

	m, err := fleet.NewOrchestrator(&fleet.OrchestratorInput{
		Config:   cfg,
		Provider: prov,
		Sink:     s,
		Ledger:   l,
		RunID:    runID,
		Logger:   logger,
	}).Run(ctx)
	if err != nil {
		return err
	}

	var failed, leaked int
	for _, out := range m.Outcomes {
		if out.Error != "" {
			failed++
		}
		if out.InstanceID != "" && !out.TornDown {
			leaked++
		}
	}
	logger.Info("run summary", zap.String("run", m.RunID), zap.Int("instances", len(m.Outcomes)), zap.Int("failed", failed))
	if leaked > 0 {
		logger.Error("instances could not be deleted, run `fleetbench leaks --delete`", zap.Int("leaked", leaked))
		return fmt.Errorf("%d instance(s) leaked", leaked)
	}
	return nil
}

func leaks(ctx context.Context, configFile string, deleteLeaks bool, logger *zap.Logger) error {
	defer logger.Sync()
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	l, err := openLedger(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer l.Close()

	outcomes, err := l.Leaks(ctx)
	if err != nil {
		return err
	}
	if len(outcomes) == 0 {
		logger.Info("no leaked instances")
		return nil
	}
	for _, out := range outcomes {
		fmt.Printf("%s\t%s\t%s\t%s\t%s\n", out.RunID, out.Instance, out.InstanceID, out.Zone, out.Error)
	}
	if !deleteLeaks {
		return nil
	}

	for _, out := range outcomes {
		prov, err := newProvider(ctx, cfg, out.RunID, logger)
		if err != nil {
			return err
		}
		h := &provider.InstanceHandle{Name: out.Instance, Zone: out.Zone, Profile: out.Profile, ID: out.InstanceID}
		if err := prov.Delete(ctx, h); err != nil {
			logger.Error("failed to delete leaked instance", zap.String("instanceID", out.InstanceID), zap.Error(err))
			continue
		}
		if err := l.MarkTornDown(ctx, out.RunID, out.Instance); err != nil {
			return err
		}
		logger.Info("deleted leaked instance", zap.String("instance", out.Instance), zap.String("instanceID", out.InstanceID))
	}
	return nil
}

func newProvider(ctx context.Context, cfg *config.Config, runID string, logger *zap.Logger) (provider.Provider, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	} else {
		opts = append(opts, awsconfig.WithEC2IMDSRegion())
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	var bucket string
	if loc, err := sink.Parse(cfg.Sink.URI); err == nil && loc.Scheme == "s3" {
		bucket = loc.Bucket
	}
	return provider.NewEC2Provider(&provider.EC2ProviderInput{
		AwsConfig:    awsCfg,
		RunID:        runID,
		Zone:         cfg.Zone,
		ImageID:      cfg.Instance.ImageID,
		User:         cfg.Instance.User,
		VolumeSizeGB: cfg.Instance.VolumeSizeGB,
		SinkBucket:   bucket,
		Logger:       logger,
	}), nil
}

func openLedger(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*ledger.Ledger, error) {
	return ledger.Open(ctx, cfg.LedgerPath, logger)
}
