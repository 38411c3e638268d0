package model

import "time"

// Observations bundles the last network/attestation/redfish/inventory
// reports for one machine.
type Observations struct {
	Network      map[string]string
	Attestation  map[string]string
	Redfish      map[string]string
	Inventory    map[string]string
	ObservedAt   time.Time
}

// DpuSnapshot is one DPU's view within a host Snapshot.
type DpuSnapshot struct {
	ID                MachineId
	State             MachineState
	InitState         DpuInitState
	FirmwareVersion   string
	Observations      Observations
	AppliedRemediations []AppliedRemediation
}

// Snapshot is a consistent, single-transaction read of a ManagedHost and
// its DPUs. Every sub-piece belongs to the same database transaction; none
// may observe a newer commit than any other (spec.md §3 invariant).
type Snapshot struct {
	Host         ManagedHost
	Dpus         []DpuSnapshot
	Observations Observations
}

// AllDpusPast reports whether every attached DPU's init state is strictly
// greater than floor — used by the DPUInit -> Ready gating of spec.md
// §4.7.2.
func (s Snapshot) AllDpusPast(floor DpuInitState) bool {
	for _, d := range s.Dpus {
		if d.InitState <= floor {
			return false
		}
	}
	return true
}
