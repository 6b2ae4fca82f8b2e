package provisioner

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Octogonapus/FleetBench/executor"
)

// ErrProvisioningFailed is returned when the package index refresh or the install fails.
var ErrProvisioningFailed = errors.New("provisioning failed")

// DefaultPolicy retries apt the way a freshly booted image needs: mirrors and locks settle within minutes.
var DefaultPolicy = executor.Bounded{Attempts: 5, Wait: 30 * time.Second}

// Provisioner installs system packages through the lock-aware executor.
type Provisioner struct {
	exec   *executor.Executor
	policy executor.RetryPolicy
	logger *zap.Logger
}

func New(exec *executor.Executor, policy executor.RetryPolicy, logger *zap.Logger) *Provisioner {
	if policy == nil {
		policy = DefaultPolicy
	}
	return &Provisioner{exec: exec, policy: policy, logger: logger.Named("provisioner")}
}

// EnsurePresent installs whichever of packages are missing, in one batch. Calling it again with the
// same packages does nothing.
func (p *Provisioner) EnsurePresent(ctx context.Context, packages []string) error {
	wanted := dedupe(packages)
	if len(wanted) == 0 {
		return nil
	}

	missing := p.missing(ctx, wanted)
	if len(missing) == 0 {
		p.logger.Debug("all packages already installed", zap.Strings("packages", wanted))
		return nil
	}
	p.logger.Info("installing packages", zap.Strings("packages", missing))

	p.exec.StopAutoUpdates(ctx)
	p.enableRepositories(ctx)

	out, err := p.exec.PackageManager(ctx, "DEBIAN_FRONTEND=noninteractive apt-get update -y", p.policy)
	if err != nil {
		p.logger.Error("package index refresh failed", zap.String("output", string(out)), zap.Error(err))
		return fmt.Errorf("%w: refreshing package indexes: %w", ErrProvisioningFailed, err)
	}

	install := "DEBIAN_FRONTEND=noninteractive apt-get install -y --no-install-recommends " + strings.Join(missing, " ")
	out, err = p.exec.PackageManager(ctx, install, p.policy)
	if err != nil {
		p.logger.Error("package install failed", zap.String("output", string(out)), zap.Error(err))
		return fmt.Errorf("%w: installing %s: %w", ErrProvisioningFailed, strings.Join(missing, ", "), err)
	}

	p.logger.Info("packages installed", zap.Strings("packages", missing))
	return nil
}

// missing returns the packages dpkg does not report as installed. If dpkg cannot be queried every
// package is treated as missing.
func (p *Provisioner) missing(ctx context.Context, packages []string) []string {
	out, err := p.exec.Output(ctx, "dpkg-query -W -f='${Package} ${Status}\\n' "+strings.Join(packages, " "), executor.Once)
	if err != nil && len(out) == 0 {
		return packages
	}

	installed := map[string]bool{}
	for _, line := range strings.Split(string(out), "\n") {
		parts := strings.Fields(line)
		if len(parts) >= 4 && parts[len(parts)-1] == "installed" {
			installed[strings.SplitN(parts[0], ":", 2)[0]] = true
		}
	}

	missing := []string{}
	for _, pkg := range packages {
		if !installed[pkg] {
			missing = append(missing, pkg)
		}
	}
	return missing
}

// enableRepositories turns on the universe component, where most benchmark tools live. Best-effort.
func (p *Provisioner) enableRepositories(ctx context.Context) {
	out, err := p.exec.PackageManager(ctx, "add-apt-repository -y universe", executor.Once)
	if err != nil {
		p.logger.Debug("enabling repositories failed", zap.String("output", string(out)), zap.Error(err))
	}
}

func dedupe(packages []string) []string {
	out := []string{}
	for _, pkg := range packages {
		pkg = strings.TrimSpace(pkg)
		if pkg != "" && !slices.Contains(out, pkg) {
			out = append(out, pkg)
		}
	}
	return out
}
