package report

import "time"

// Instance describes the machine a node ran on. Any field the node could not discover is left empty.
type Instance struct {
	Name             string `json:"name,omitempty"`
	InstanceID       string `json:"instance_id,omitempty"`
	InstanceType     string `json:"instance_type,omitempty"`
	Region           string `json:"region,omitempty"`
	AvailabilityZone string `json:"availability_zone,omitempty"`
	ImageID          string `json:"image_id,omitempty"`
	PrivateIP        string `json:"private_ip,omitempty"`
	Hostname         string `json:"hostname,omitempty"`
	Platform         string `json:"platform,omitempty"`
	PlatformVersion  string `json:"platform_version,omitempty"`
	KernelVersion    string `json:"kernel_version,omitempty"`
	LogicalCores     int    `json:"logical_cores,omitempty"`
}

// TestRecord is the raw output of one benchmark kind. It is written once and never updated.
type TestRecord struct {
	Raw        string    `json:"raw"`
	CapturedAt time.Time `json:"captured_at"`
	Type       string    `json:"type"`
}

// Document is the per-node results file.
type Document struct {
	Instance       Instance              `json:"instance"`
	Tests          map[string]TestRecord `json:"tests"`
	RunStartedAt   time.Time             `json:"run_started_at"`
	RunCompletedAt *time.Time            `json:"run_completed_at,omitempty"`
}

// Measurement is a single timestamped telemetry value.
type Measurement[T any] struct {
	Time  int64 `json:"time"`
	Value T     `json:"value"`
}

// DeviceMeasurement is a Measurement attributed to one disk or network interface.
type DeviceMeasurement[T any] struct {
	DeviceName  string         `json:"device"`
	Measurement Measurement[T] `json:"measurement"`
}

// HostSample is one line written by the host sampler.
type HostSample struct {
	Time              int64                       `json:"time"`
	CPUPercent        float64                     `json:"cpu_percent"`
	MemUsedBytes      uint64                      `json:"mem_used_bytes"`
	MemAvailableBytes uint64                      `json:"mem_available_bytes"`
	MemUsedPct        float64                     `json:"mem_used_pct"`
	SwapUsedBytes     uint64                      `json:"swap_used_bytes"`
	DiskReadBytes     []DeviceMeasurement[uint64] `json:"disk_read_bytes,omitempty"`
	DiskWriteBytes    []DeviceMeasurement[uint64] `json:"disk_write_bytes,omitempty"`
	DiskIOTimeMs      []DeviceMeasurement[uint64] `json:"disk_io_time_ms,omitempty"`
	NetBytesSent      []DeviceMeasurement[uint64] `json:"net_bytes_sent,omitempty"`
	NetBytesRecv      []DeviceMeasurement[uint64] `json:"net_bytes_recv,omitempty"`
}
