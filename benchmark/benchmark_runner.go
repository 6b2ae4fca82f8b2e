package benchmark

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Octogonapus/FleetBench/executor"
	"github.com/Octogonapus/FleetBench/provisioner"
	"github.com/Octogonapus/FleetBench/report"
	systemmonitor "github.com/Octogonapus/FleetBench/system_monitor"
)

const (
	DefaultCooldown = 10 * time.Second

	// NoOutput is the raw text of a record whose output file is missing or empty.
	NoOutput = "<no output>"
)

// Kinds that get a warmup phase before measurement.
var warmupKinds = []Kind{KindCPU, KindDatabaseOLTP}

type RunnerInput struct {
	Exec        *executor.Executor
	Provisioner *provisioner.Provisioner
	Monitor     *systemmonitor.Monitor
	Store       *report.Store
	OutputDir   string
	Cores       int
	Cooldown    time.Duration
	Options     map[Kind]map[string]any
	Logger      *zap.Logger
}

// Runner runs the selected kinds one after another on this node, bracketing each with the system monitor
// and recording exactly one TestRecord per kind.
type Runner struct {
	input  *RunnerInput
	bctx   *Context
	logger *zap.Logger

	mu    sync.Mutex
	state State
}

func NewRunner(input *RunnerInput) *Runner {
	logger := input.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("runner")
	return &Runner{
		input:  input,
		logger: logger,
		bctx: &Context{
			Exec:      input.Exec,
			OutputDir: input.OutputDir,
			Cores:     max(input.Cores, 1),
			Logger:    logger,
		},
	}
}

func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Enter moves the runner to a new lifecycle state.
func (r *Runner) Enter(state State, fields ...zap.Field) {
	r.mu.Lock()
	from := r.state
	r.state = state
	r.mu.Unlock()
	r.logger.Info("state transition", append([]zap.Field{
		zap.String("from", string(from)),
		zap.String("to", string(state)),
	}, fields...)...)
}

type selected struct {
	kind Kind
	b    Benchmark
	err  error // options rejected by the factory
}

// Run installs the tools the job needs and runs every selected kind. Benchmark failures are recorded in
// the results document, never returned.
func (r *Runner) Run(ctx context.Context, job JobSpec) {
	kinds, skipped := ParseSelector(job.Selector)
	for _, name := range skipped {
		r.logger.Warn("skipping unsupported or repeated kind", zap.String("kind", name))
	}

	plan := []selected{}
	for _, k := range kinds {
		b, err := New(k, r.input.Options[k])
		if errors.Is(err, ErrUnknownKind) {
			r.logger.Warn("no implementation registered, skipping", zap.String("kind", string(k)))
			continue
		}
		plan = append(plan, selected{kind: k, b: b, err: err})
	}
	if len(plan) == 0 {
		r.logger.Warn("nothing to run", zap.String("selector", job.Selector))
		return
	}
	if err := os.MkdirAll(r.input.OutputDir, 0o755); err != nil {
		r.logger.Error("failed to create output directory", zap.String("dir", r.input.OutputDir), zap.Error(err))
	}

	r.Enter(StateInstalling)
	r.install(ctx, plan)

	for i, s := range plan {
		if ctx.Err() != nil {
			r.abort(plan[i:], ctx.Err())
			return
		}
		r.Enter(StateRunning, zap.String("kind", string(s.kind)))
		r.runKind(ctx, s, job)

		if i < len(plan)-1 && ctx.Err() == nil {
			r.cooldown(ctx)
		}
	}
}

func (r *Runner) install(ctx context.Context, plan []selected) {
	if r.input.Provisioner == nil {
		return
	}
	packages := []string{}
	if r.input.Monitor != nil {
		packages = append(packages, r.input.Monitor.Packages()...)
	}
	for _, s := range plan {
		if s.b != nil {
			packages = append(packages, s.b.Packages()...)
		}
	}
	if err := r.input.Provisioner.EnsurePresent(ctx, packages); err != nil {
		// Benchmarks whose tools are missing fail on their own and record it.
		r.logger.Error("provisioning failed, continuing", zap.Error(err))
	}
}

func (r *Runner) runKind(ctx context.Context, s selected, job JobSpec) {
	k := s.kind
	var session *systemmonitor.Session
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("benchmark panicked", zap.String("kind", string(k)), zap.Any("panic", p))
			r.stopMonitor(session)
			r.record(k, fmt.Sprintf("benchmark panicked: %v", p))
		}
	}()

	if s.err != nil {
		r.logger.Error("invalid benchmark options", zap.String("kind", string(k)), zap.Error(s.err))
		r.record(k, fmt.Sprintf("invalid options: %s", s.err))
		return
	}

	if e, ok := s.b.(Environer); ok {
		ctx = executor.WithEnv(ctx, e.Env()...)
	}
	if err := s.b.SetUp(ctx, r.bctx); err != nil {
		r.logger.Warn("benchmark setup failed, measuring anyway", zap.String("kind", string(k)), zap.Error(err))
	}
	if td, ok := s.b.(TearDowner); ok {
		defer func() {
			if err := td.TearDown(context.WithoutCancel(ctx), r.bctx); err != nil {
				r.logger.Warn("benchmark teardown failed", zap.String("kind", string(k)), zap.Error(err))
			}
		}()
	}

	if job.Warmup > 0 && needsWarmup(k) {
		if cmd := s.b.WarmupCommand(r.bctx, job.Warmup); cmd != "" {
			r.logger.Info("warming up", zap.String("kind", string(k)), zap.Duration("duration", job.Warmup))
			if err := r.capture(ctx, cmd, filepath.Join(r.input.OutputDir, string(k)+"_warmup.log")); err != nil {
				r.logger.Warn("warmup failed", zap.String("kind", string(k)), zap.Error(err))
			}
		}
	}

	if r.input.Monitor != nil {
		var err error
		session, err = r.input.Monitor.Start(string(k))
		if err != nil {
			r.logger.Warn("failed to start monitoring", zap.String("kind", string(k)), zap.Error(err))
		}
	}

	cmd := s.b.Command(r.bctx, job.Run)
	logPath := filepath.Join(r.input.OutputDir, string(k)+".log")
	r.logger.Info("measuring", zap.String("kind", string(k)), zap.String("command", cmd), zap.Duration("duration", job.Run))
	if err := r.capture(ctx, cmd, logPath); err != nil {
		r.logger.Warn("benchmark command failed", zap.String("kind", string(k)), zap.Error(err))
	}

	r.stopMonitor(session)
	session = nil
	if r.input.Monitor != nil {
		if err := r.input.Monitor.Snapshot(context.WithoutCancel(ctx), string(k)); err != nil {
			r.logger.Warn("process snapshot failed", zap.String("kind", string(k)), zap.Error(err))
		}
	}

	r.record(k, readRaw(logPath))
}

// capture runs cmd once with all output going to path. A non-zero exit is appended to the file.
func (r *Runner) capture(ctx context.Context, cmd, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()

	runErr := r.input.Exec.Capture(ctx, cmd, f, executor.Once)
	if runErr != nil {
		fmt.Fprintf(f, "\ncommand failed: %s\n", runErr)
	}
	if err := f.Sync(); err != nil {
		r.logger.Debug("failed to sync output file", zap.String("file", path), zap.Error(err))
	}
	return runErr
}

func (r *Runner) stopMonitor(session *systemmonitor.Session) {
	if session != nil {
		r.input.Monitor.Stop(session)
	}
}

func (r *Runner) record(k Kind, raw string) {
	if r.input.Store.HasTest(string(k)) {
		return
	}
	err := r.input.Store.AddTest(report.TestRecord{Raw: raw, CapturedAt: time.Now(), Type: string(k)})
	if err != nil {
		r.logger.Error("failed to record test", zap.String("kind", string(k)), zap.Error(err))
		return
	}
	r.logger.Info("test recorded", zap.String("kind", string(k)), zap.Int("bytes", len(raw)))
}

func (r *Runner) abort(remaining []selected, cause error) {
	for _, s := range remaining {
		r.logger.Warn("run cancelled, not running kind", zap.String("kind", string(s.kind)))
		r.record(s.kind, fmt.Sprintf("aborted before running: %s", cause))
	}
}

func (r *Runner) cooldown(ctx context.Context) {
	d := r.input.Cooldown
	if d <= 0 {
		return
	}
	r.logger.Debug("cooling down", zap.Duration("duration", d))
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func needsWarmup(k Kind) bool {
	return slices.Contains(warmupKinds, k)
}

func readRaw(path string) string {
	buf, err := os.ReadFile(path)
	if err != nil || len(buf) == 0 {
		return NoOutput
	}
	return string(buf)
}
