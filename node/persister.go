package node

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Octogonapus/FleetBench/benchmark"
	"github.com/Octogonapus/FleetBench/report"
	"github.com/Octogonapus/FleetBench/sink"
)

// StateRecorder is told about the final lifecycle transitions. The benchmark runner implements it.
type StateRecorder interface {
	Enter(state benchmark.State, fields ...zap.Field)
}

type PersisterInput struct {
	Store     *report.Store
	Sink      sink.Sink // nil disables uploading
	OutputDir string
	States    StateRecorder

	// Parallel uploads. Zero means sink.DefaultConcurrency.
	Concurrency int
	Logger      *zap.Logger
}

// Persister finishes a node run: it stamps the document and ships the output directory to the sink.
type Persister struct {
	input  *PersisterInput
	logger *zap.Logger
}

func NewPersister(input *PersisterInput) *Persister {
	logger := input.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Persister{input: input, logger: logger.Named("persister")}
}

// Finalize never fails: every problem is logged. It is meant to be deferred, so it runs whether the
// benchmarks succeeded, failed, were cancelled or panicked. Pass a context that is not cancelled with the run.
func (p *Persister) Finalize(ctx context.Context) {
	p.enter(benchmark.StateFinalizing)
	if err := p.input.Store.Complete(time.Now()); err != nil {
		p.logger.Error("failed to stamp run completion", zap.Error(err))
	}

	if p.input.Sink == nil {
		p.logger.Info("no sink configured, results stay local", zap.String("dir", p.input.OutputDir))
		p.enter(benchmark.StateDone)
		return
	}

	p.enter(benchmark.StateUploading)
	n, err := sink.UploadDir(ctx, p.input.Sink, p.input.OutputDir, p.input.Concurrency, p.logger)
	if err != nil {
		// Without the marker the orchestrator falls back to pulling the document over SFTP.
		p.logger.Error("upload incomplete, not writing completion marker", zap.Int("uploaded", n), zap.Error(err))
		p.enter(benchmark.StateDone)
		return
	}
	p.logger.Info("results uploaded", zap.Int("files", n))

	marker := []byte(time.Now().UTC().Format(time.RFC3339) + "\n")
	if err := p.input.Sink.Put(ctx, sink.CompleteMarker, marker); err != nil {
		p.logger.Error("failed to write completion marker", zap.Error(err))
	}
	p.enter(benchmark.StateDone)
}

func (p *Persister) enter(state benchmark.State) {
	if p.input.States != nil {
		p.input.States.Enter(state)
	}
}
