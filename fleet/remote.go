package fleet

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Octogonapus/FleetBench/benchmark"
	"github.com/Octogonapus/FleetBench/sink"
)

const (
	nodeBinaryName  = "fleetbench-node"
	nodeOptionsName = "options.json"
	nodeLogPath     = "/tmp/fleetbench-node.log"

	// fallbackTimeout bounds the marker check and SFTP pull that follow the node job.
	fallbackTimeout = 2 * time.Minute
)

// nodeCommand is the shell command that runs the node job on an instance.
func (o *Orchestrator) nodeCommand(name string, job benchmark.JobSpec, withOptions bool) string {
	inst := o.cfg.Instance
	args := []string{
		"sudo",
		path.Join(inst.RemoteDir, nodeBinaryName),
		"--output-dir", inst.OutputDir,
		"--instance-name", name,
		"--cooldown", o.cfg.Cooldown.String(),
	}
	if withOptions {
		args = append(args, "--options", path.Join(inst.RemoteDir, nodeOptionsName))
	}
	args = append(args, "--")
	args = append(args, job.Args()...)

	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = shellQuote(a)
	}
	return strings.Join(quoted, " ")
}

// detached starts cmd in the background so the SSH session can return straight away.
func detached(cmd string) string {
	return fmt.Sprintf("nohup %s > %s 2>&1 < /dev/null &", cmd, nodeLogPath)
}

func shellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./:=,@%+", r))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// EstimateDuration is how long a node needs for job: every selected kind with warmup, run and cooldown,
// plus buffer for provisioning the tools.
func EstimateDuration(job benchmark.JobSpec, cooldown, buffer time.Duration) time.Duration {
	kinds, _ := benchmark.ParseSelector(job.Selector)
	return time.Duration(len(kinds))*(job.Warmup+job.Run+cooldown) + buffer
}

// waitForMarker polls the sink for the instance's completion marker until deadline. It reports whether
// the marker appeared.
func (o *Orchestrator) waitForMarker(ctx context.Context, name string, deadline time.Duration, logger *zap.Logger) bool {
	key := name + "/" + sink.CompleteMarker
	timeout := time.NewTimer(deadline)
	defer timeout.Stop()
	tick := time.NewTicker(o.cfg.Completion.PollInterval)
	defer tick.Stop()

	for {
		ok, err := o.input.Sink.Exists(ctx, key)
		if err != nil {
			logger.Debug("completion marker check failed", zap.Error(err))
		}
		if ok {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-timeout.C:
			logger.Warn("node did not finish before the estimated deadline", zap.Duration("deadline", deadline))
			return false
		case <-tick.C:
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
