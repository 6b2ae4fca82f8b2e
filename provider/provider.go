package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/Octogonapus/FleetBench/target"
)

// MachineProfile is one entry of the fleet: the machine type to benchmark and whether it may be preempted.
type MachineProfile struct {
	Name        string `mapstructure:"name" json:"name"`
	MachineType string `mapstructure:"machine_type" json:"machine_type"`
	Preemptible bool   `mapstructure:"preemptible" json:"preemptible"`
}

// InstanceName derives the instance name for a profile, unique per second.
func InstanceName(profile string, at time.Time) string {
	return fmt.Sprintf("%s-%s", profile, at.UTC().Format("20060102-150405"))
}

// InstanceHandle identifies a provisioned instance. The orchestrator deletes every handle exactly once.
type InstanceHandle struct {
	Name    string `json:"name"`
	Zone    string `json:"zone"`
	Profile string `json:"profile"`
	ID      string `json:"id"`
	Address string `json:"address"`
}

// Runs instances on a platform (e.g. AWS EC2).
type Provider interface {
	// Create the shared environment (network, credentials) every instance needs. Called once per run.
	SetUp(ctx context.Context) error

	// Start one instance for the profile and wait until it has an address.
	Provision(ctx context.Context, name string, profile MachineProfile) (*InstanceHandle, error)

	// Open a remote session to the instance. The session may not be ready yet.
	Connect(ctx context.Context, h *InstanceHandle) (target.Target, error)

	// Delete the instance. An instance that no longer exists counts as deleted.
	Delete(ctx context.Context, h *InstanceHandle) error

	// Destroy everything SetUp created.
	TearDown(ctx context.Context) error
}
