package fleet

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/alitto/pond"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Octogonapus/FleetBench/config"
	"github.com/Octogonapus/FleetBench/ledger"
	"github.com/Octogonapus/FleetBench/provider"
	"github.com/Octogonapus/FleetBench/report"
	"github.com/Octogonapus/FleetBench/sink"
	"github.com/Octogonapus/FleetBench/target"
	"github.com/Octogonapus/FleetBench/util"
)

type OrchestratorInput struct {
	Config   *config.Config
	Provider provider.Provider

	// Root of the fleet's result storage; instances write under <root>/<instance>. Nil means results are
	// only pulled over SFTP.
	Sink   sink.Sink
	Ledger *ledger.Ledger // optional

	// Generated when empty.
	RunID string
	Now   func() time.Time

	Logger *zap.Logger
}

// Orchestrator provisions one instance per machine profile, runs the node job on it, tears it down and
// collects the results.
type Orchestrator struct {
	input  *OrchestratorInput
	cfg    *config.Config
	logger *zap.Logger
	now    func() time.Time

	ledgerMu sync.Mutex
}

func NewOrchestrator(input *OrchestratorInput) *Orchestrator {
	if input.RunID == "" {
		input.RunID = uuid.NewString()
	}
	now := input.Now
	if now == nil {
		now = time.Now
	}
	logger := input.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		input:  input,
		cfg:    input.Config,
		logger: logger.Named("fleet").With(zap.String("run", input.RunID)),
		now:    now,
	}
}

// RunDir is where the run's results and manifest are collected.
func (o *Orchestrator) RunDir(started time.Time) string {
	return filepath.Join(o.cfg.ResultsDir, started.UTC().Format("2006-01-02-150405"))
}

// Run benchmarks every machine profile. One profile failing never stops the others; the outcomes are
// in the returned manifest. The error is for failures that stop the whole run.
func (o *Orchestrator) Run(ctx context.Context) (*Manifest, error) {
	started := o.now()
	runDir := o.RunDir(started)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating results directory: %w", err)
	}
	o.logger.Info("starting fleet run",
		zap.Int("machines", len(o.cfg.Machines)),
		zap.String("dispatch", o.cfg.Dispatch.Mode),
		zap.String("completion", o.cfg.Completion.Mode),
		zap.String("results", runDir))

	defer func() {
		if err := o.input.Provider.TearDown(context.WithoutCancel(ctx)); err != nil {
			o.logger.Error("provider teardown incomplete, resources may be leaking", zap.Error(err))
		}
	}()
	if err := o.input.Provider.SetUp(ctx); err != nil {
		return nil, fmt.Errorf("setting up provider: %w", err)
	}

	outcomes := make([]*ledger.Outcome, len(o.cfg.Machines))
	if o.cfg.Dispatch.Mode == config.DispatchConcurrent {
		pool := pond.New(o.cfg.Dispatch.Concurrency, 0, pond.MinWorkers(o.cfg.Dispatch.Concurrency),
			pond.PanicHandler(func(p any) {
				o.logger.Error("profile worker panicked", zap.Any("panic", p))
			}))
		for i, m := range o.cfg.Machines {
			pool.Submit(func() {
				outcomes[i] = o.runProfile(ctx, m, runDir)
			})
		}
		pool.StopAndWait()
	} else {
		for i, m := range o.cfg.Machines {
			outcomes[i] = o.runProfile(ctx, m, runDir)
		}
	}

	if o.input.Sink != nil {
		collectCtx := ctx
		if ctx.Err() != nil {
			// Nodes that were told to stop still upload what they measured.
			var cancel context.CancelFunc
			collectCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), fallbackTimeout)
			defer cancel()
		}
		o.collect(collectCtx, outcomes, runDir)
	}

	m := &Manifest{
		RunID:           o.input.RunID,
		Project:         o.cfg.Project,
		Zone:            o.cfg.Zone,
		Machines:        o.cfg.Machines,
		Workload:        o.cfg.Workload,
		WorkloadRunTime: int(o.cfg.Run.Seconds()),
		WarmupTime:      int(o.cfg.Warmup.Seconds()),
		Date:            started.UTC(),
		Outcomes:        []*ledger.Outcome{},
	}
	for _, out := range outcomes {
		if out != nil {
			m.Outcomes = append(m.Outcomes, out)
		}
	}
	if err := writeManifest(runDir, m); err != nil {
		return m, err
	}
	o.logger.Info("fleet run finished", zap.String("manifest", filepath.Join(runDir, ManifestName)))
	return m, nil
}

// runProfile takes one machine profile from provisioning to teardown. Every exit path deletes the
// instance if one was created.
func (o *Orchestrator) runProfile(ctx context.Context, m provider.MachineProfile, runDir string) *ledger.Outcome {
	name := provider.InstanceName(m.Name, o.now())
	logger := o.logger.With(zap.String("instance", name), zap.String("machine_type", m.MachineType))
	out := &ledger.Outcome{
		RunID:       o.input.RunID,
		Instance:    name,
		Profile:     m.Name,
		MachineType: m.MachineType,
		Preemptible: m.Preemptible,
		Phase:       ledger.PhaseProvision,
		StartedAt:   o.now().UTC(),
	}
	o.record(ctx, out, logger)

	defer func() {
		if p := recover(); p != nil {
			logger.Error("profile panicked", zap.Any("panic", p))
			out.Error = fmt.Sprintf("panic: %v", p)
		}
		finished := o.now().UTC()
		out.FinishedAt = &finished
		o.record(context.WithoutCancel(ctx), out, logger)
	}()

	if err := ctx.Err(); err != nil {
		out.Error = "aborted before provisioning: " + err.Error()
		return out
	}
	logger.Info("provisioning instance", zap.Bool("preemptible", m.Preemptible))
	h, err := o.input.Provider.Provision(ctx, name, m)
	if h != nil {
		out.InstanceID = h.ID
		out.Zone = h.Zone
		o.record(ctx, out, logger)
		// Registered before anything else can fail so the instance is always deleted.
		defer o.teardown(ctx, h, out, logger)
	}
	if err != nil {
		logger.Error("provisioning failed", zap.Error(err))
		out.Error = err.Error()
		return out
	}

	if err := o.benchmark(ctx, h, out, runDir, logger); err != nil {
		logger.Error("benchmark run failed", zap.String("phase", out.Phase), zap.Error(err))
		out.Error = err.Error()
		return out
	}
	out.Phase = ledger.PhaseDone
	return out
}

func (o *Orchestrator) benchmark(ctx context.Context, h *provider.InstanceHandle, out *ledger.Outcome, runDir string, logger *zap.Logger) error {
	t, err := o.input.Provider.Connect(ctx, h)
	if err != nil {
		return err
	}
	defer t.Close()

	o.enter(ctx, out, ledger.PhaseReady, logger)
	if err := target.WaitReady(ctx, t, o.cfg.Ready.Attempts, o.cfg.Ready.Interval, logger); err != nil {
		return err
	}

	o.enter(ctx, out, ledger.PhasePush, logger)
	withOptions, err := o.push(ctx, t)
	if err != nil {
		return err
	}

	o.enter(ctx, out, ledger.PhaseInvoke, logger)
	job := o.cfg.Job()
	job.SinkURI = sink.Join(o.cfg.Sink.URI, h.Name)
	cmd := o.nodeCommand(h.Name, job, withOptions)
	completed := o.invoke(ctx, t, h.Name, cmd, logger)

	// A cancelled node has been asked to stop and has had time to finalize. Checking for its results and
	// pulling the fallback document go ahead regardless, within a bound of their own.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fallbackTimeout)
	defer cancel()
	o.enter(ctx, out, ledger.PhaseCollect, logger)
	if !completed {
		completed = o.markerPresent(ctx, h.Name, logger)
	}
	if !completed {
		// The node may have died before uploading; grab the document while the instance still exists.
		if err := o.pullDocument(ctx, t, filepath.Join(runDir, h.Name)); err != nil {
			return fmt.Errorf("results not uploaded and SFTP fallback failed: %w", err)
		}
		logger.Info("pulled results document over SFTP")
	}
	return nil
}

// push copies the node binary, and the kind options file if one is configured, to the instance.
func (o *Orchestrator) push(ctx context.Context, t target.Target) (bool, error) {
	bin, err := os.Open(o.cfg.NodeBinary)
	if err != nil {
		return false, fmt.Errorf("opening node binary: %w", err)
	}
	defer bin.Close()
	remote := path.Join(o.cfg.Instance.RemoteDir, nodeBinaryName)
	if _, err := t.RunCommand(ctx, fmt.Sprintf("sudo mkdir -p %[1]s && sudo chown $(id -u):$(id -g) %[1]s", shellQuote(o.cfg.Instance.RemoteDir))); err != nil {
		return false, fmt.Errorf("creating %s: %w", o.cfg.Instance.RemoteDir, err)
	}
	if err := t.CopyFileTo(ctx, bin, remote, 0o755); err != nil {
		return false, fmt.Errorf("copying node binary: %w", err)
	}

	if o.cfg.OptionsFile == "" {
		return false, nil
	}
	opts, err := os.ReadFile(o.cfg.OptionsFile)
	if err != nil {
		return false, fmt.Errorf("reading options file: %w", err)
	}
	if err := t.CopyFileTo(ctx, bytes.NewReader(opts), path.Join(o.cfg.Instance.RemoteDir, nodeOptionsName), 0o644); err != nil {
		return false, fmt.Errorf("copying options file: %w", err)
	}
	return true, nil
}

// invoke runs the node job according to the completion mode. It reports true only when it has already
// seen the node's completion marker.
func (o *Orchestrator) invoke(ctx context.Context, t target.Target, name, cmd string, logger *zap.Logger) bool {
	estimate := EstimateDuration(o.cfg.Job(), o.cfg.Cooldown, o.cfg.Completion.Buffer)
	logger.Info("running node job", zap.String("mode", o.cfg.Completion.Mode), zap.Duration("estimate", estimate))

	switch o.cfg.Completion.Mode {
	case config.CompletionMarker:
		if output, err := t.RunCommand(ctx, detached(cmd)); err != nil {
			logger.Error("failed to start node job", zap.String("output", string(output)), zap.Error(err))
			return false
		}
		return o.waitForMarker(ctx, name, estimate, logger)
	case config.CompletionFixed:
		if output, err := t.RunCommand(ctx, detached(cmd)); err != nil {
			logger.Error("failed to start node job", zap.String("output", string(output)), zap.Error(err))
			return false
		}
		if err := sleep(ctx, estimate); err != nil {
			logger.Warn("stopped waiting for node job", zap.Error(err))
		}
	default:
		output, err := t.RunCommand(ctx, cmd)
		if err != nil {
			logger.Error("node job failed", zap.String("last_line", util.LastNonEmptyLine(output)), zap.Error(err))
		} else {
			logger.Debug("node job finished", zap.String("last_line", util.LastNonEmptyLine(output)))
		}
	}
	return false
}

func (o *Orchestrator) markerPresent(ctx context.Context, name string, logger *zap.Logger) bool {
	if o.input.Sink == nil {
		return false
	}
	ok, err := o.input.Sink.Exists(ctx, name+"/"+sink.CompleteMarker)
	if err != nil {
		logger.Warn("failed to check completion marker", zap.Error(err))
	}
	return ok
}

func (o *Orchestrator) pullDocument(ctx context.Context, t target.Target, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := t.CopyFileFrom(ctx, path.Join(o.cfg.Instance.OutputDir, report.DocumentName), &buf); err != nil {
		return err
	}
	return report.WriteFileAtomic(filepath.Join(dir, report.DocumentName), buf.Bytes())
}

// teardown deletes the instance. A failure is recorded as a leak for `fleetbench leaks`.
func (o *Orchestrator) teardown(ctx context.Context, h *provider.InstanceHandle, out *ledger.Outcome, logger *zap.Logger) {
	ctx = context.WithoutCancel(ctx)
	logger.Info("deleting instance", zap.String("instanceID", h.ID))
	if err := o.input.Provider.Delete(ctx, h); err != nil {
		logger.Error("FAILED TO DELETE INSTANCE, it is still running and billing", zap.String("instanceID", h.ID), zap.Error(err))
		out.Error = strings.TrimPrefix(strings.Join([]string{out.Error, "delete failed: " + err.Error()}, "; "), "; ")
		return
	}
	out.TornDown = true
}

func (o *Orchestrator) enter(ctx context.Context, out *ledger.Outcome, phase string, logger *zap.Logger) {
	out.Phase = phase
	logger.Debug("phase", zap.String("phase", phase))
	o.record(ctx, out, logger)
}

func (o *Orchestrator) record(ctx context.Context, out *ledger.Outcome, logger *zap.Logger) {
	if o.input.Ledger == nil {
		return
	}
	o.ledgerMu.Lock()
	defer o.ledgerMu.Unlock()
	if err := o.input.Ledger.Record(ctx, out); err != nil {
		logger.Warn("failed to update ledger", zap.Error(err))
	}
}
