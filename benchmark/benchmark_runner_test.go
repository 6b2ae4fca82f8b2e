package benchmark

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/Octogonapus/FleetBench/executor"
	"github.com/Octogonapus/FleetBench/provisioner"
	"github.com/Octogonapus/FleetBench/report"
	systemmonitor "github.com/Octogonapus/FleetBench/system_monitor"
)

type fakeBenchmark struct {
	command  string
	warmup   string
	panics   bool
	packages []string
	torn     *bool
}

func (b *fakeBenchmark) Packages() []string { return b.packages }

func (b *fakeBenchmark) SetUp(ctx context.Context, bctx *Context) error {
	return errors.New("service not found")
}

func (b *fakeBenchmark) WarmupCommand(bctx *Context, warmup time.Duration) string { return b.warmup }

func (b *fakeBenchmark) Command(bctx *Context, run time.Duration) string {
	if b.panics {
		panic("index out of range")
	}
	return b.command
}

func (b *fakeBenchmark) TearDown(ctx context.Context, bctx *Context) error {
	if b.torn != nil {
		*b.torn = true
	}
	return nil
}

func fakeFactory(b *fakeBenchmark) Factory {
	return func(options map[string]any) (Benchmark, error) {
		if _, ok := options["invalid"]; ok {
			return nil, fmt.Errorf("unknown option %q", "invalid")
		}
		return b, nil
	}
}

// withRegistry swaps the registry for the duration of the test.
func withRegistry(t *testing.T, factories map[Kind]Factory) {
	registryMu.Lock()
	saved := benchmarks
	benchmarks = factories
	registryMu.Unlock()
	t.Cleanup(func() {
		registryMu.Lock()
		benchmarks = saved
		registryMu.Unlock()
	})
}

type lineSampler struct{}

func (lineSampler) Name() string { return "lines" }

func (lineSampler) Run(ctx context.Context, out io.Writer) error {
	fmt.Fprintln(out, "sample")
	<-ctx.Done()
	return nil
}

type harness struct {
	dir    string
	store  *report.Store
	runner *Runner
}

func newHarness(t *testing.T, options map[Kind]map[string]any, prov *provisioner.Provisioner) *harness {
	dir := t.TempDir()
	logger := zaptest.NewLogger(t)
	store, err := report.NewStore(filepath.Join(dir, report.DocumentName), time.Now())
	require.NoError(t, err)
	mon := systemmonitor.NewMonitor(&systemmonitor.MonitorInput{OutputDir: dir, Samplers: []systemmonitor.Sampler{lineSampler{}}, Logger: logger})

	runner := NewRunner(&RunnerInput{
		Exec:        executor.New(&executor.LocalRunner{Shell: "sh"}, nil, executor.Config{}, logger),
		Provisioner: prov,
		Monitor:     mon,
		Store:       store,
		OutputDir:   dir,
		Cores:       2,
		Cooldown:    time.Millisecond,
		Options:     options,
		Logger:      logger,
	})
	return &harness{dir: dir, store: store, runner: runner}
}

func TestRunRecordsEverySelectedKind(t *testing.T) {
	withRegistry(t, map[Kind]Factory{
		KindCPU:    fakeFactory(&fakeBenchmark{command: "echo events per second: 1000", warmup: "echo warming"}),
		KindMemory: fakeFactory(&fakeBenchmark{command: "echo transferred 10240 MiB", warmup: "echo never"}),
	})
	h := newHarness(t, nil, nil)

	start := time.Now()
	h.runner.Run(context.Background(), JobSpec{Selector: "cpu,memory", Warmup: 5 * time.Second, Run: 10 * time.Second})
	end := time.Now()

	doc, err := report.Load(h.store.Path())
	require.NoError(t, err)
	require.Len(t, doc.Tests, 2)
	for kind, rec := range doc.Tests {
		assert.Equal(t, kind, rec.Type)
		assert.False(t, rec.CapturedAt.Before(start.Truncate(time.Second)), kind)
		assert.False(t, rec.CapturedAt.After(end), kind)
	}
	assert.Equal(t, "events per second: 1000\n", doc.Tests["cpu"].Raw)
	assert.Equal(t, "transferred 10240 MiB\n", doc.Tests["memory"].Raw)

	assert.FileExists(t, filepath.Join(h.dir, "cpu_warmup.log"))
	assert.NoFileExists(t, filepath.Join(h.dir, "memory_warmup.log"))
	for _, name := range []string{"cpu_lines.log", "cpu_processes.log", "memory_lines.log", "memory_processes.log"} {
		assert.FileExists(t, filepath.Join(h.dir, systemmonitor.MetricsDir, name))
	}
	assert.Equal(t, StateRunning, h.runner.State())
}

func TestRunAllFollowsDeclaredOrder(t *testing.T) {
	var mu sync.Mutex
	order := []Kind{}
	factories := map[Kind]Factory{}
	for _, k := range AllKinds {
		factories[k] = func(map[string]any) (Benchmark, error) {
			mu.Lock()
			order = append(order, k)
			mu.Unlock()
			return &fakeBenchmark{command: "echo " + string(k)}, nil
		}
	}
	withRegistry(t, factories)
	h := newHarness(t, nil, nil)

	h.runner.Run(context.Background(), JobSpec{Selector: "all", Run: time.Second})

	assert.Equal(t, AllKinds, order)
	doc := h.store.Snapshot()
	assert.Len(t, doc.Tests, len(AllKinds))
}

func TestFailuresAreRecordedAsData(t *testing.T) {
	torn := false
	withRegistry(t, map[Kind]Factory{
		KindCPU:          fakeFactory(&fakeBenchmark{command: "echo partial; exit 3"}),
		KindMemory:       fakeFactory(&fakeBenchmark{command: "true"}),
		KindDiskIO:       fakeFactory(&fakeBenchmark{panics: true, torn: &torn}),
		KindNetwork:      fakeFactory(&fakeBenchmark{command: "fleetbench-no-such-tool"}),
		KindDatabaseOLTP: fakeFactory(&fakeBenchmark{command: "echo fine"}),
	})
	h := newHarness(t, map[Kind]map[string]any{KindDatabaseOLTP: {"invalid": true}}, nil)

	h.runner.Run(context.Background(), JobSpec{Selector: "cpu,memory,disk-io,network,database-oltp", Run: time.Second})

	doc := h.store.Snapshot()
	require.Len(t, doc.Tests, 5)

	assert.Contains(t, doc.Tests["cpu"].Raw, "partial")
	assert.Contains(t, doc.Tests["cpu"].Raw, "command failed")
	assert.Equal(t, NoOutput, doc.Tests["memory"].Raw)
	assert.Contains(t, doc.Tests["disk-io"].Raw, "benchmark panicked: index out of range")
	assert.True(t, torn, "teardown must run after a panic")
	assert.Contains(t, doc.Tests["network"].Raw, "command failed")
	assert.Contains(t, doc.Tests["database-oltp"].Raw, "invalid options")
}

func TestUnknownKindsAreSkipped(t *testing.T) {
	withRegistry(t, map[Kind]Factory{
		KindCPU: fakeFactory(&fakeBenchmark{command: "echo ok"}),
	})

	t.Run("only unknown", func(t *testing.T) {
		h := newHarness(t, nil, nil)
		h.runner.Run(context.Background(), JobSpec{Selector: "bogus", Run: time.Second})
		doc, err := report.Load(h.store.Path())
		require.NoError(t, err)
		assert.Empty(t, doc.Tests)
	})

	t.Run("mixed", func(t *testing.T) {
		h := newHarness(t, nil, nil)
		// network is supported but has no implementation registered here
		h.runner.Run(context.Background(), JobSpec{Selector: "bogus,cpu,network", Run: time.Second})
		doc := h.store.Snapshot()
		assert.Len(t, doc.Tests, 1)
		assert.Contains(t, doc.Tests, "cpu")
	})
}

func TestCancellationAbortsRemainingKinds(t *testing.T) {
	withRegistry(t, map[Kind]Factory{
		KindCPU:     fakeFactory(&fakeBenchmark{command: "echo started; sleep 30"}),
		KindMemory:  fakeFactory(&fakeBenchmark{command: "echo never"}),
		KindNetwork: fakeFactory(&fakeBenchmark{command: "echo never"}),
	})
	h := newHarness(t, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(300*time.Millisecond, cancel)

	start := time.Now()
	h.runner.Run(ctx, JobSpec{Selector: "cpu,memory,network", Run: time.Second})
	assert.Less(t, time.Since(start), 20*time.Second)

	doc := h.store.Snapshot()
	require.Len(t, doc.Tests, 3)
	assert.Contains(t, doc.Tests["cpu"].Raw, "started")
	assert.Contains(t, doc.Tests["memory"].Raw, "aborted before running")
	assert.Contains(t, doc.Tests["network"].Raw, "aborted before running")
}

type recordingRunner struct {
	mu       sync.Mutex
	commands []string
}

func (r *recordingRunner) Run(ctx context.Context, command string, out io.Writer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, command)
	if strings.HasPrefix(command, "dpkg-query") {
		return errors.New("exit status 1")
	}
	return nil
}

func TestInstallsMonitorAndBenchmarkPackages(t *testing.T) {
	withRegistry(t, map[Kind]Factory{
		KindCPU:    fakeFactory(&fakeBenchmark{command: "echo ok", packages: []string{"sysbench"}}),
		KindDiskIO: fakeFactory(&fakeBenchmark{command: "echo ok", packages: []string{"fio"}}),
	})
	rec := &recordingRunner{}
	logger := zaptest.NewLogger(t)
	prov := provisioner.New(executor.New(rec, nil, executor.Config{}, logger), executor.Once, logger)
	h := newHarness(t, nil, prov)

	h.runner.Run(context.Background(), JobSpec{Selector: "cpu,disk-io", Run: time.Second})

	var install string
	for _, c := range rec.commands {
		if strings.Contains(c, "apt-get install") {
			install = c
		}
	}
	require.NotEmpty(t, install)
	assert.True(t, strings.HasSuffix(install, " sysbench fio"), install)
	assert.Len(t, h.store.Snapshot().Tests, 2)
}

func TestReadRaw(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, NoOutput, readRaw(filepath.Join(dir, "missing.log")))

	empty := filepath.Join(dir, "empty.log")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	assert.Equal(t, NoOutput, readRaw(empty))
}

type credentialedBenchmark struct {
	fakeBenchmark
	env []string
}

func (b *credentialedBenchmark) Env() []string { return b.env }

func TestBenchmarkEnvReachesCommandsButNotLogs(t *testing.T) {
	const secret = "it's s3cret"
	b := &credentialedBenchmark{
		fakeBenchmark: fakeBenchmark{command: `printf '%s' "$FLEETBENCH_DB_PASSWORD"`},
		env:           []string{"FLEETBENCH_DB_PASSWORD=" + secret},
	}
	withRegistry(t, map[Kind]Factory{
		KindDatabaseOLTP: func(map[string]any) (Benchmark, error) { return b, nil },
	})

	dir := t.TempDir()
	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)
	store, err := report.NewStore(filepath.Join(dir, report.DocumentName), time.Now())
	require.NoError(t, err)
	runner := NewRunner(&RunnerInput{
		Exec:      executor.New(&executor.LocalRunner{Shell: "sh"}, nil, executor.Config{}, logger),
		Monitor:   systemmonitor.NewMonitor(&systemmonitor.MonitorInput{OutputDir: dir, Samplers: []systemmonitor.Sampler{lineSampler{}}, Logger: logger}),
		Store:     store,
		OutputDir: dir,
		Cores:     1,
		Cooldown:  time.Millisecond,
		Logger:    logger,
	})

	runner.Run(context.Background(), JobSpec{Selector: "database-oltp", Run: time.Second})

	assert.Equal(t, secret, store.Snapshot().Tests["database-oltp"].Raw)
	for _, entry := range logs.All() {
		assert.NotContains(t, entry.Message, secret)
		for k, v := range entry.ContextMap() {
			assert.NotContains(t, fmt.Sprint(v), secret, k)
		}
	}
}
