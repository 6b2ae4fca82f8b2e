package oltp

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/Octogonapus/FleetBench/benchmark"
	"github.com/Octogonapus/FleetBench/executor"
)

const DefaultScale = 10

var identifierRe = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

type OLTPBenchmarkInput struct {
	Engine   string `mapstructure:"engine"` // postgres or mysql
	Scale    int    `mapstructure:"scale"`
	Database string `mapstructure:"database"`

	// Connection used to create the database. With no password the local superuser is used through the
	// engine's command-line tools.
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
}

// engine is what differs between the database servers the benchmark drives.
type engine interface {
	packages() []string
	service() string
	driverName() string
	dsn(in *OLTPBenchmarkInput) string
	createStatement(in *OLTPBenchmarkInput) string
	alreadyExists(err error) bool
	createCommand(in *OLTPBenchmarkInput) string
	initCommand(in *OLTPBenchmarkInput) string
	runCommand(in *OLTPBenchmarkInput, clients, threads int, d time.Duration) string
	env(in *OLTPBenchmarkInput) []string
}

type bmark struct {
	input  *OLTPBenchmarkInput
	engine engine
}

func init() {
	benchmark.RegisterBenchmark(benchmark.KindDatabaseOLTP, func(a map[string]any) (benchmark.Benchmark, error) {
		input := &OLTPBenchmarkInput{Engine: "postgres", Scale: DefaultScale, Database: "fleetbench", Host: "127.0.0.1"}
		err := benchmark.DecodeOptions(a, input)
		if err != nil {
			return nil, fmt.Errorf("can't convert input to OLTPBenchmarkInput: %w", err)
		}
		return NewOLTPBenchmark(input)
	})
}

func NewOLTPBenchmark(input *OLTPBenchmarkInput) (benchmark.Benchmark, error) {
	if !identifierRe.MatchString(input.Database) {
		return nil, fmt.Errorf("invalid database name %q", input.Database)
	}
	if input.Scale < 1 {
		return nil, fmt.Errorf("scale must be at least 1, got %d", input.Scale)
	}
	b := &bmark{input: input}
	switch input.Engine {
	case "postgres", "postgresql":
		b.engine = postgres{}
		if input.Port == 0 {
			input.Port = 5432
		}
		if input.User == "" {
			input.User = "postgres"
		}
	case "mysql":
		b.engine = mysqlEngine{}
		if input.Port == 0 {
			input.Port = 3306
		}
		if input.User == "" {
			input.User = "root"
		}
	default:
		return nil, fmt.Errorf("unknown engine %q", input.Engine)
	}
	return b, nil
}

func (b *bmark) Packages() []string {
	return b.engine.packages()
}

// SetUp starts the database service, makes sure the benchmark database exists and loads it. Every step
// is attempted even if an earlier one failed.
func (b *bmark) SetUp(ctx context.Context, bctx *benchmark.Context) error {
	logger := bctx.Logger.With(zap.String("engine", b.input.Engine))
	var errs []error

	out, err := bctx.Exec.Output(ctx, "systemctl start "+b.engine.service(), executor.Bounded{Attempts: 3, Wait: 5 * time.Second})
	if err != nil {
		logger.Warn("failed to start database service", zap.String("output", string(out)), zap.Error(err))
		errs = append(errs, fmt.Errorf("starting %s: %w", b.engine.service(), err))
	}

	if err := b.ensureDatabase(ctx, bctx, logger); err != nil {
		errs = append(errs, err)
	}

	initLog := filepath.Join(bctx.OutputDir, string(benchmark.KindDatabaseOLTP)+"_init.log")
	if err := captureTo(ctx, bctx.Exec, b.engine.initCommand(b.input), initLog); err != nil {
		logger.Warn("failed to initialise benchmark data", zap.Int("scale", b.input.Scale), zap.Error(err))
		errs = append(errs, fmt.Errorf("initialising data: %w", err))
	}
	return errors.Join(errs...)
}

// ensureDatabase creates the benchmark database through the SQL driver, or through the engine's command
// line tools if the driver cannot connect. An existing database is fine.
func (b *bmark) ensureDatabase(ctx context.Context, bctx *benchmark.Context, logger *zap.Logger) error {
	err := b.createWithDriver(ctx)
	if err == nil {
		logger.Info("benchmark database ready", zap.String("database", b.input.Database))
		return nil
	}
	logger.Debug("driver could not create the database, falling back to the client tools", zap.Error(err))

	out, err := bctx.Exec.Output(ctx, b.engine.createCommand(b.input), executor.Once)
	if err != nil && !alreadyExistsOutput(out) {
		logger.Warn("failed to create benchmark database", zap.String("output", string(out)), zap.Error(err))
		return fmt.Errorf("creating database %s: %w", b.input.Database, err)
	}
	logger.Info("benchmark database ready", zap.String("database", b.input.Database))
	return nil
}

func (b *bmark) createWithDriver(ctx context.Context) error {
	db, err := sql.Open(b.engine.driverName(), b.engine.dsn(b.input))
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, b.engine.createStatement(b.input))
	if err != nil && !b.engine.alreadyExists(err) {
		return err
	}
	return nil
}

// Env keeps the password out of the command text, which is logged.
func (b *bmark) Env() []string {
	return b.engine.env(b.input)
}

func (b *bmark) WarmupCommand(bctx *benchmark.Context, warmup time.Duration) string {
	return b.command(bctx, warmup)
}

func (b *bmark) Command(bctx *benchmark.Context, run time.Duration) string {
	return b.command(bctx, run)
}

// One client per logical core, served by half as many worker threads.
func (b *bmark) command(bctx *benchmark.Context, d time.Duration) string {
	clients := max(bctx.Cores, 1)
	threads := max(1, clients/2)
	return b.engine.runCommand(b.input, clients, threads, d)
}

func captureTo(ctx context.Context, exec *executor.Executor, cmd, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return exec.Capture(ctx, cmd, f, executor.Once)
}
