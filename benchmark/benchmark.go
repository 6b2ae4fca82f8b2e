package benchmark

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Octogonapus/FleetBench/executor"
)

// Context is what a benchmark gets to work with on the node.
type Context struct {
	Exec      *executor.Executor
	OutputDir string
	Cores     int
	Logger    *zap.Logger
}

type Benchmark interface {
	// System packages providing the benchmark's tools.
	Packages() []string

	// Prepare the machine. Best-effort: the runner logs a failure and measures anyway.
	SetUp(ctx context.Context, bctx *Context) error

	// The command for the warmup phase, or "" if the kind has none.
	WarmupCommand(bctx *Context, warmup time.Duration) string

	// The measured command. It must finish on its own after roughly run.
	Command(bctx *Context, run time.Duration) string
}

// TearDowner is implemented by benchmarks that leave something behind (daemons, scratch files).
type TearDowner interface {
	TearDown(ctx context.Context, bctx *Context) error
}

// Environer is implemented by benchmarks whose commands need extra environment, such as credentials
// that must stay out of the logged command text.
type Environer interface {
	Env() []string
}

// Factory builds a benchmark from its options, as decoded from the node's options file.
type Factory func(options map[string]any) (Benchmark, error)

var (
	registryMu sync.RWMutex
	benchmarks = map[Kind]Factory{}
)

// RegisterBenchmark makes a kind runnable. Implementations register themselves at init time.
func RegisterBenchmark(kind Kind, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	benchmarks[kind] = f
}

func Registered(kind Kind) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := benchmarks[kind]
	return ok
}

// New builds the benchmark for kind. It returns ErrUnknownKind if nothing is registered for it.
func New(kind Kind, options map[string]any) (Benchmark, error) {
	registryMu.RLock()
	f, ok := benchmarks[kind]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	if options == nil {
		options = map[string]any{}
	}
	return f(options)
}
