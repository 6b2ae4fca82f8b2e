package systemmonitor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/alitto/pond"
	"go.uber.org/zap"
)

// MetricsDir is the directory, relative to the node output directory, that holds every telemetry file.
const MetricsDir = "metrics"

var ErrSessionActive = errors.New("a monitoring session is already running")

type MonitorInput struct {
	// OutputDir is the node output directory; files go to OutputDir/metrics.
	OutputDir string
	Samplers  []Sampler
	Logger    *zap.Logger
}

// Monitor brackets benchmark runs with background telemetry samplers. At most one session runs at a time.
type Monitor struct {
	dir      string
	samplers []Sampler
	logger   *zap.Logger

	mu     sync.Mutex
	active *Session
}

// Session is one running set of samplers, labelled by the benchmark kind it brackets.
type Session struct {
	Label string
	Files []string

	cancel context.CancelFunc
	pool   *pond.WorkerPool
	files  []*os.File
	once   sync.Once
}

func NewMonitor(input *MonitorInput) *Monitor {
	logger := input.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		dir:      filepath.Join(input.OutputDir, MetricsDir),
		samplers: input.Samplers,
		logger:   logger.Named("monitor"),
	}
}

// Packages lists the system packages the configured samplers need.
func (m *Monitor) Packages() []string {
	out := []string{}
	for _, s := range m.samplers {
		p, ok := s.(interface{ Package() string })
		if !ok || p.Package() == "" || slices.Contains(out, p.Package()) {
			continue
		}
		out = append(out, p.Package())
	}
	return out
}

// Start launches every sampler in the background, each writing to metrics/<label>_<sampler>.log, and
// returns without waiting for any sample.
func (m *Monitor) Start(label string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionActive, m.active.Label)
	}
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating metrics directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	session := &Session{Label: label, cancel: cancel}
	for _, s := range m.samplers {
		path := filepath.Join(m.dir, fmt.Sprintf("%s_%s.log", label, s.Name()))
		f, err := os.Create(path)
		if err != nil {
			cancel()
			closeAll(session.files)
			return nil, fmt.Errorf("creating %s: %w", path, err)
		}
		session.files = append(session.files, f)
		session.Files = append(session.Files, path)
	}

	workers := max(len(m.samplers), 1)
	session.pool = pond.New(workers, workers, pond.MinWorkers(workers), pond.PanicHandler(func(p interface{}) {
		m.logger.Error("sampler panicked", zap.String("label", label), zap.Any("panic", p))
	}))
	for i, s := range m.samplers {
		f := session.files[i]
		session.pool.Submit(func() {
			err := s.Run(ctx, f)
			if err != nil && ctx.Err() == nil {
				m.logger.Warn("sampler stopped early",
					zap.String("label", label),
					zap.String("sampler", s.Name()),
					zap.Error(err))
				fmt.Fprintf(f, "sampler %s failed: %s\n", s.Name(), err)
			}
		})
	}

	m.active = session
	m.logger.Debug("monitoring started", zap.String("label", label), zap.Int("samplers", len(m.samplers)))
	return session, nil
}

// Stop cancels the session's samplers, waits for all of them to exit, then syncs and closes their files.
// Stopping a session more than once is a no-op.
func (m *Monitor) Stop(session *Session) {
	if session == nil {
		return
	}
	session.once.Do(func() {
		session.cancel()
		session.pool.StopAndWait()
		for _, f := range session.files {
			if err := f.Sync(); err != nil {
				m.logger.Debug("failed to sync metrics file", zap.String("file", f.Name()), zap.Error(err))
			}
		}
		closeAll(session.files)

		m.mu.Lock()
		if m.active == session {
			m.active = nil
		}
		m.mu.Unlock()
		m.logger.Debug("monitoring stopped", zap.String("label", session.Label))
	})
}

func closeAll(files []*os.File) {
	for _, f := range files {
		f.Close()
	}
}
