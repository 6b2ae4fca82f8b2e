package systemmonitor

import (
	"context"
	"encoding/json"
	"io"
	"sort"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"

	"github.com/Octogonapus/FleetBench/executor"
	"github.com/Octogonapus/FleetBench/report"
)

// A Sampler writes telemetry to out until ctx is cancelled. Returning nil after cancellation is a clean stop.
type Sampler interface {
	Name() string
	Run(ctx context.Context, out io.Writer) error
}

// CommandSampler runs a long-lived sampling tool and captures its output. The process is killed when the
// session stops.
type CommandSampler struct {
	SamplerName string
	Command     string
	Pkg         string
	Runner      executor.Runner
}

func (s *CommandSampler) Name() string { return s.SamplerName }

func (s *CommandSampler) Package() string { return s.Pkg }

func (s *CommandSampler) Run(ctx context.Context, out io.Writer) error {
	err := s.Runner.Run(ctx, s.Command, out)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// HostSampler samples CPU, memory, disk and network counters in-process and writes one JSON line per tick.
type HostSampler struct {
	Interval time.Duration
}

func (s *HostSampler) Name() string { return "host" }

func (s *HostSampler) Run(ctx context.Context, out io.Writer) error {
	interval := s.Interval
	if interval <= 0 {
		interval = time.Second
	}
	enc := json.NewEncoder(out)

	// The first call only establishes the baseline for the next one.
	cpu.PercentWithContext(ctx, 0, false)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if err := enc.Encode(sampleHost(ctx, now)); err != nil {
				return err
			}
		}
	}
}

func sampleHost(ctx context.Context, now time.Time) *report.HostSample {
	ts := now.Unix()
	sample := &report.HostSample{Time: ts}

	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		sample.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		sample.MemUsedBytes = vm.Used
		sample.MemAvailableBytes = vm.Available
		sample.MemUsedPct = vm.UsedPercent
	}
	if sw, err := mem.SwapMemoryWithContext(ctx); err == nil {
		sample.SwapUsedBytes = sw.Used
	}

	if disks, err := disk.IOCountersWithContext(ctx); err == nil {
		names := make([]string, 0, len(disks))
		for name := range disks {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			d := disks[name]
			sample.DiskReadBytes = append(sample.DiskReadBytes, deviceValue(name, ts, d.ReadBytes))
			sample.DiskWriteBytes = append(sample.DiskWriteBytes, deviceValue(name, ts, d.WriteBytes))
			sample.DiskIOTimeMs = append(sample.DiskIOTimeMs, deviceValue(name, ts, d.IoTime))
		}
	}

	if nics, err := net.IOCountersWithContext(ctx, true); err == nil {
		for _, nic := range nics {
			sample.NetBytesSent = append(sample.NetBytesSent, deviceValue(nic.Name, ts, nic.BytesSent))
			sample.NetBytesRecv = append(sample.NetBytesRecv, deviceValue(nic.Name, ts, nic.BytesRecv))
		}
	}
	return sample
}

func deviceValue(name string, ts int64, v uint64) report.DeviceMeasurement[uint64] {
	return report.DeviceMeasurement[uint64]{
		DeviceName:  name,
		Measurement: report.Measurement[uint64]{Time: ts, Value: v},
	}
}

// DefaultSamplers returns the vmstat and iostat command samplers plus the in-process host sampler, all at
// a one second interval.
func DefaultSamplers(runner executor.Runner) []Sampler {
	return []Sampler{
		&CommandSampler{SamplerName: "vmstat", Command: "vmstat 1", Pkg: "procps", Runner: runner},
		&CommandSampler{SamplerName: "iostat", Command: "iostat -dxt 1", Pkg: "sysstat", Runner: runner},
		&HostSampler{Interval: time.Second},
	}
}
