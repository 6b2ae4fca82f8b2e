package fleet

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/Octogonapus/FleetBench/ledger"
	"github.com/Octogonapus/FleetBench/provider"
	"github.com/Octogonapus/FleetBench/report"
)

const ManifestName = "manifest.json"

// Manifest describes one fleet run. It sits next to the per-instance result directories.
type Manifest struct {
	RunID           string                    `json:"run_id"`
	Project         string                    `json:"project"`
	Zone            string                    `json:"zone"`
	Machines        []provider.MachineProfile `json:"machines"`
	Workload        string                    `json:"workload"`
	WorkloadRunTime int                       `json:"workload_run_time"` // seconds
	WarmupTime      int                       `json:"warmup_time"`       // seconds
	Date            time.Time                 `json:"date"`
	Outcomes        []*ledger.Outcome         `json:"outcomes"`
}

func writeManifest(dir string, m *Manifest) error {
	buf, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	return report.WriteFileAtomic(filepath.Join(dir, ManifestName), buf)
}
