package systemmonitor

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

type processRow struct {
	pid     int32
	user    string
	cpu     float64
	rssKiB  uint64
	command string
}

// Snapshot writes the current process list to metrics/<label>_processes.log. It does not depend on a
// running session.
func (m *Monitor) Snapshot(ctx context.Context, label string) error {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("creating metrics directory: %w", err)
	}
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return fmt.Errorf("listing processes: %w", err)
	}

	rows := make([]processRow, 0, len(procs))
	for _, p := range procs {
		row := processRow{pid: p.Pid}
		// Processes can exit while we walk the list; whatever could be read is kept.
		row.user, _ = p.UsernameWithContext(ctx)
		row.cpu, _ = p.CPUPercentWithContext(ctx)
		if mi, err := p.MemoryInfoWithContext(ctx); err == nil {
			row.rssKiB = mi.RSS / 1024
		}
		row.command, _ = p.CmdlineWithContext(ctx)
		if row.command == "" {
			name, _ := p.NameWithContext(ctx)
			row.command = "[" + name + "]"
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].cpu != rows[j].cpu {
			return rows[i].cpu > rows[j].cpu
		}
		return rows[i].pid < rows[j].pid
	})

	path := filepath.Join(m.dir, label+"_processes.log")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "# %s\n", time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintf(w, "%8s %-12s %6s %10s %s\n", "PID", "USER", "%CPU", "RSS(KiB)", "COMMAND")
	for _, r := range rows {
		fmt.Fprintf(w, "%8d %-12s %6.1f %10d %s\n", r.pid, truncate(r.user, 12), r.cpu, r.rssKiB, r.command)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		m.logger.Debug("failed to sync process snapshot", zap.String("file", path), zap.Error(err))
	}
	m.logger.Debug("process snapshot written", zap.String("label", label), zap.Int("processes", len(rows)))
	return nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n]
}
