package model

import "time"

// DpuMachineUpdate tracks an in-flight DPU NIC firmware update triggered by
// a host reprovision. The row is created when the host is scheduled for
// reprovisioning and removed once the post-reprovision firmware version is
// confirmed to be in the accepted set.
type DpuMachineUpdate struct {
	HostMachineID   MachineId
	DpuMachineID    MachineId
	FirmwareVersion string
	StartedAt       time.Time
}

// RedfishActionState tracks an N-of-M-approved Redfish reset/power action
// (recovered from original_source's redfish_actions tests, named in
// spec.md §6/§8 scenario 6 but not detailed as a standalone component).
type RedfishActionState int

const (
	RedfishActionPendingApproval RedfishActionState = iota
	RedfishActionApproved
	RedfishActionRunning
	RedfishActionCompleted
	RedfishActionCancelled
)

// RedfishActionResult is the per-target outcome of an applied action.
type RedfishActionResult struct {
	Target string
	Status string
	Body   string
}

// RedfishAction is a requested, possibly-approved reset/power action
// against one or more targets, gated by a required number of distinct
// approvers.
type RedfishAction struct {
	ID                string
	RequestedBy       string
	Targets           []MachineId
	RequiredApprovals int
	Approvers         []string
	State             RedfishActionState
	Results           []RedfishActionResult
	CreatedAt         time.Time
}

// HasApproved reports whether user already appears in the approver list
// (ApproveAction rejects a repeat approval from the same user per spec.md
// §8 scenario 6).
func (a RedfishAction) HasApproved(user string) bool {
	for _, u := range a.Approvers {
		if u == user {
			return true
		}
	}
	return false
}

// Satisfied reports whether enough distinct approvers have signed off to
// apply the action.
func (a RedfishAction) Satisfied() bool {
	return len(a.Approvers) >= a.RequiredApprovals
}
