package model

import (
	"time"

	"github.com/carbide-infra/carbide/internal/configversion"
)

// MachineState names a node in the machine state graph (spec.md §4.7).
type MachineState string

const (
	StateExpected               MachineState = "Expected"
	StateDiscovering             MachineState = "Discovering"
	StateHardwareInfoCollected   MachineState = "HardwareInfoCollected"
	StateAttestationPending      MachineState = "AttestationPending"
	StatePreIngestionUpdates     MachineState = "PreIngestionUpdates"
	StateOsInstalling            MachineState = "OsInstalling"
	StateDPUInit                 MachineState = "DPUInit"
	StateReady                   MachineState = "Ready"
	StateMaintenance             MachineState = "Maintenance"
	StateInstanceAllocated       MachineState = "InstanceAllocated"
	StateDecommissioned          MachineState = "Decommissioned"
)

// DpuInitState orders a DPU's own bring-up progress; a host cannot leave
// DPUInit, nor enter Ready, while any attached DPU is <= Init.
type DpuInitState int

const (
	DpuInitInit DpuInitState = iota
	DpuInitInProgress
	DpuInitComplete
)

// MaintenanceRef is the optional maintenance annotation on a ManagedHost.
type MaintenanceRef struct {
	Reference string
	StartedAt time.Time
}

// Instance is the tenant allocation attached to a Ready host, if any.
type Instance struct {
	ID             string
	Config         map[string]string
	Metadata       Metadata
	AllowUnhealthy bool
	AllocatedAt    time.Time
}

// ManagedHost aggregates a physical Host with its attached DPUs and,
// optionally, a tenant Instance.
type ManagedHost struct {
	ID                  MachineId
	State               MachineState
	DpuIDs              []MachineId
	Health              HealthReport
	HealthOverrides     HealthReportOverrides
	Power               PowerOptions
	Maintenance         *MaintenanceRef
	DesiredConfigVersion configversion.Version
	LastAppliedConfigVersion configversion.Version
	Instance            *Instance
	NextAttemptAt       time.Time
}

// InMaintenance reports whether the host currently carries a maintenance
// reference.
func (h ManagedHost) InMaintenance() bool {
	return h.Maintenance != nil && h.Maintenance.Reference != ""
}
