package fleet

import (
	"context"
	"path/filepath"

	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"

	"github.com/Octogonapus/FleetBench/ledger"
	"github.com/Octogonapus/FleetBench/sink"
)

// collect downloads every instance's uploaded results into runDir/<instance>. Failures are logged;
// whatever was already pulled over SFTP stays in place.
func (o *Orchestrator) collect(ctx context.Context, outcomes []*ledger.Outcome, runDir string) {
	listed := map[string][]string{}
	var total int
	for _, out := range outcomes {
		if out == nil || out.InstanceID == "" {
			continue
		}
		keys, err := o.input.Sink.List(ctx, out.Instance)
		if err != nil {
			o.logger.Warn("failed to list instance results", zap.String("instance", out.Instance), zap.Error(err))
			continue
		}
		if len(keys) == 0 {
			continue
		}
		listed[out.Instance] = keys
		total += len(keys)
	}
	if total == 0 {
		o.logger.Info("no uploaded results to collect")
		return
	}

	p := progressbar.Default(int64(total), "Collecting results:")
	defer p.Close()
	for instance, keys := range listed {
		n, err := sink.DownloadKeys(ctx, o.input.Sink, instance, keys, filepath.Join(runDir, instance), sink.DefaultConcurrency, func() {
			p.Add(1)
		})
		if err != nil {
			o.logger.Warn("some results could not be collected", zap.String("instance", instance), zap.Int("collected", n), zap.Error(err))
			continue
		}
		o.logger.Debug("collected results", zap.String("instance", instance), zap.Int("files", n))
	}
}
