package node

import (
	"context"
	"errors"
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

	"github.com/Octogonapus/FleetBench/benchmark"
	_ "github.com/Octogonapus/FleetBench/benchmark/cpu"
	_ "github.com/Octogonapus/FleetBench/benchmark/memory"
	"github.com/Octogonapus/FleetBench/report"
	"github.com/Octogonapus/FleetBench/sink"
	systemmonitor "github.com/Octogonapus/FleetBench/system_monitor"
)

type fakeRunner struct {
	mu       sync.Mutex
	commands []string
}

func (r *fakeRunner) Run(ctx context.Context, command string, out io.Writer) error {
	r.mu.Lock()
	r.commands = append(r.commands, command)
	r.mu.Unlock()
	switch {
	case strings.HasPrefix(command, "sysbench --version"):
		io.WriteString(out, "sysbench 1.0.20\n")
	case strings.HasPrefix(command, "sysbench "):
		io.WriteString(out, "events per second: 1234.56\n")
	}
	return nil
}

type freeLocks struct{}

func (freeLocks) Held(ctx context.Context) (bool, error) { return false, nil }

type idleSampler struct{}

func (idleSampler) Name() string { return "idle" }

func (idleSampler) Run(ctx context.Context, out io.Writer) error {
	<-ctx.Done()
	return nil
}

type fixedSource struct {
	instanceType string
}

func (s fixedSource) Describe(ctx context.Context, instance *report.Instance) error {
	instance.InstanceType = s.instanceType
	return nil
}

type brokenSource struct{}

func (brokenSource) Describe(ctx context.Context, instance *report.Instance) error {
	return errors.New("no metadata service")
}

type panickingSource struct{}

func (panickingSource) Describe(ctx context.Context, instance *report.Instance) error {
	panic("metadata exploded")
}

func newInput(t *testing.T, selector, sinkURI string) *Input {
	return &Input{
		Job:          benchmark.JobSpec{Selector: selector, Run: time.Second, SinkURI: sinkURI},
		OutputDir:    t.TempDir(),
		InstanceName: "c5-large-20260101-120000",
		Runner:       &fakeRunner{},
		Locks:        freeLocks{},
		Samplers:     []systemmonitor.Sampler{idleSampler{}},
		Metadata:     []MetadataSource{brokenSource{}, fixedSource{instanceType: "c5.large"}},
		Logger:       zaptest.NewLogger(t),
	}
}

func TestRunUploadsResults(t *testing.T) {
	root := t.TempDir()
	in := newInput(t, "cpu,memory,bogus", sink.Join("file://"+root, "c5-large-20260101-120000"))

	require.NoError(t, Run(context.Background(), in))

	local, err := report.Load(filepath.Join(in.OutputDir, report.DocumentName))
	require.NoError(t, err)
	require.Len(t, local.Tests, 2)
	for _, k := range []string{"cpu", "memory"} {
		rec := local.Tests[k]
		assert.Equal(t, k, rec.Type)
		assert.Contains(t, rec.Raw, "events per second")
	}
	assert.Equal(t, "c5-large-20260101-120000", local.Instance.Name)
	assert.Equal(t, "c5.large", local.Instance.InstanceType)
	require.NotNil(t, local.RunCompletedAt)

	nodeDir := filepath.Join(root, "c5-large-20260101-120000")
	uploaded, err := report.Load(filepath.Join(nodeDir, report.DocumentName))
	require.NoError(t, err)
	assert.Equal(t, local, uploaded)
	assert.FileExists(t, filepath.Join(nodeDir, "cpu.log"))
	assert.FileExists(t, filepath.Join(nodeDir, systemmonitor.MetricsDir, "memory_idle.log"))
	assert.FileExists(t, filepath.Join(nodeDir, sink.CompleteMarker))
}

func TestRunWithNothingSelected(t *testing.T) {
	in := newInput(t, "bogus", "")
	require.NoError(t, Run(context.Background(), in))

	doc, err := report.Load(filepath.Join(in.OutputDir, report.DocumentName))
	require.NoError(t, err)
	assert.Empty(t, doc.Tests)
	assert.NotNil(t, doc.RunCompletedAt)
}

func TestRunFinalizesAfterPanic(t *testing.T) {
	root := t.TempDir()
	in := newInput(t, "cpu", sink.Join("file://"+root, "node"))
	in.Metadata = []MetadataSource{panickingSource{}}

	err := Run(context.Background(), in)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "metadata exploded")

	assert.FileExists(t, filepath.Join(root, "node", report.DocumentName))
	assert.FileExists(t, filepath.Join(root, "node", sink.CompleteMarker))
}

func TestRunFinalizesAfterCancellation(t *testing.T) {
	root := t.TempDir()
	in := newInput(t, "cpu,memory", sink.Join("file://"+root, "node"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, Run(ctx, in))

	doc, err := report.Load(filepath.Join(root, "node", report.DocumentName))
	require.NoError(t, err)
	require.Len(t, doc.Tests, 2)
	assert.True(t, strings.HasPrefix(doc.Tests["cpu"].Raw, "aborted before running"))
	assert.FileExists(t, filepath.Join(root, "node", sink.CompleteMarker))
}

func TestUnsupportedSinkKeepsResultsLocal(t *testing.T) {
	in := newInput(t, "memory", "gs://bucket/prefix")
	require.NoError(t, Run(context.Background(), in))

	doc, err := report.Load(filepath.Join(in.OutputDir, report.DocumentName))
	require.NoError(t, err)
	assert.Len(t, doc.Tests, 1)
}

// failingSink accepts nothing.
type failingSink struct {
	puts int
}

func (s *failingSink) PutFile(ctx context.Context, key, localPath string) error {
	return errors.New("access denied")
}

func (s *failingSink) Put(ctx context.Context, key string, body []byte) error {
	s.puts++
	return errors.New("access denied")
}

func (s *failingSink) GetFile(ctx context.Context, key, localPath string) error {
	return errors.New("access denied")
}

func (s *failingSink) List(ctx context.Context, prefix string) ([]string, error) { return nil, nil }

func (s *failingSink) Exists(ctx context.Context, key string) (bool, error) { return false, nil }

type stateLog struct {
	states []benchmark.State
}

func (l *stateLog) Enter(state benchmark.State, _ ...zap.Field) {
	l.states = append(l.states, state)
}

func TestFinalizeSkipsMarkerWhenUploadFails(t *testing.T) {
	dir := t.TempDir()
	store, err := report.NewStore(filepath.Join(dir, report.DocumentName), time.Now())
	require.NoError(t, err)
	s := &failingSink{}
	states := &stateLog{}

	NewPersister(&PersisterInput{
		Store:     store,
		Sink:      s,
		OutputDir: dir,
		States:    states,
		Logger:    zaptest.NewLogger(t),
	}).Finalize(context.Background())

	assert.Zero(t, s.puts)
	assert.Equal(t, []benchmark.State{benchmark.StateFinalizing, benchmark.StateUploading, benchmark.StateDone}, states.states)
	assert.NotNil(t, store.Snapshot().RunCompletedAt)
}

func TestDescribeInstanceFallsBackToHostname(t *testing.T) {
	instance := DescribeInstance(context.Background(), "", []MetadataSource{brokenSource{}}, zaptest.NewLogger(t))
	hostname, err := os.Hostname()
	require.NoError(t, err)
	assert.Equal(t, hostname, instance.Name)
}
