package node

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"go.uber.org/zap"

	"github.com/Octogonapus/FleetBench/report"
)

const DefaultMetadataTimeout = 2 * time.Second

// A MetadataSource fills in what it knows about the machine. Fields it cannot discover stay empty.
type MetadataSource interface {
	Describe(ctx context.Context, instance *report.Instance) error
}

// IMDSSource reads the EC2 instance identity document. Off EC2 the query times out and nothing is filled.
type IMDSSource struct {
	Client  *imds.Client
	Timeout time.Duration
}

func NewIMDSSource() *IMDSSource {
	return &IMDSSource{Client: imds.New(imds.Options{}), Timeout: DefaultMetadataTimeout}
}

func (s *IMDSSource) Describe(ctx context.Context, instance *report.Instance) error {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultMetadataTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := s.Client.GetInstanceIdentityDocument(ctx, &imds.GetInstanceIdentityDocumentInput{})
	if err != nil {
		return err
	}
	doc := out.InstanceIdentityDocument
	instance.InstanceID = doc.InstanceID
	instance.InstanceType = doc.InstanceType
	instance.Region = doc.Region
	instance.AvailabilityZone = doc.AvailabilityZone
	instance.ImageID = doc.ImageID
	instance.PrivateIP = doc.PrivateIP
	return nil
}

// HostSource describes the operating system and processor through gopsutil.
type HostSource struct{}

func (HostSource) Describe(ctx context.Context, instance *report.Instance) error {
	instance.LogicalCores = LogicalCores(ctx)
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return err
	}
	instance.Hostname = info.Hostname
	instance.Platform = info.Platform
	instance.PlatformVersion = info.PlatformVersion
	instance.KernelVersion = info.KernelVersion
	return nil
}

// LogicalCores counts the logical processors, falling back to what the Go runtime sees.
func LogicalCores(ctx context.Context) int {
	n, err := cpu.CountsWithContext(ctx, true)
	if err != nil || n < 1 {
		return runtime.NumCPU()
	}
	return n
}

// DescribeInstance asks every source in turn. A failing source is logged and the others still run.
func DescribeInstance(ctx context.Context, name string, sources []MetadataSource, logger *zap.Logger) report.Instance {
	instance := report.Instance{Name: name}
	for _, s := range sources {
		if err := s.Describe(ctx, &instance); err != nil {
			logger.Debug("instance metadata unavailable", zap.String("source", sourceName(s)), zap.Error(err))
		}
	}
	if instance.Name == "" {
		instance.Name, _ = os.Hostname()
	}
	return instance
}

func sourceName(s MetadataSource) string {
	switch s.(type) {
	case *IMDSSource:
		return "imds"
	case HostSource, *HostSource:
		return "host"
	}
	return "custom"
}
