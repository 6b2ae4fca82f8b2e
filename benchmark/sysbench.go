package benchmark

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/go-version"

	"github.com/Octogonapus/FleetBench/executor"
)

var (
	sysbenchVersionRe = regexp.MustCompile(`\d+\.\d+(\.\d+)?`)
	firstModern       = version.Must(version.NewVersion("1.0.0"))
)

// SysbenchLegacy reports whether the installed sysbench predates 1.0, which takes --test/--num-threads/
// --max-time instead of a test name and --threads/--time. An undetectable version counts as modern.
func SysbenchLegacy(ctx context.Context, exec *executor.Executor) bool {
	out, err := exec.Output(ctx, "sysbench --version", executor.Once)
	if err != nil {
		return false
	}
	return isLegacySysbench(string(out))
}

func isLegacySysbench(versionOutput string) bool {
	raw := sysbenchVersionRe.FindString(versionOutput)
	if raw == "" {
		return false
	}
	v, err := version.NewVersion(raw)
	if err != nil {
		return false
	}
	return v.LessThan(firstModern)
}

// SysbenchCommand builds a sysbench invocation for test in either flag dialect.
func SysbenchCommand(test string, legacy bool, threads int, d time.Duration, extra ...string) string {
	threads = max(threads, 1)
	parts := []string{"sysbench"}
	if legacy {
		parts = append(parts,
			"--test="+test,
			fmt.Sprintf("--num-threads=%d", threads),
			fmt.Sprintf("--max-time=%d", Seconds(d)),
			"--max-requests=0")
	} else {
		parts = append(parts,
			test,
			fmt.Sprintf("--threads=%d", threads),
			fmt.Sprintf("--time=%d", Seconds(d)))
	}
	parts = append(parts, extra...)
	parts = append(parts, "run")
	return strings.Join(parts, " ")
}
