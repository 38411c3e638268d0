package model

import (
	"time"

	"github.com/carbide-infra/carbide/internal/carbideerrors"
)

// Remediation is an operator-authored script that may be run against a
// DPU, gated by review/enablement.
type Remediation struct {
	ID          string
	Script      string
	Metadata    Metadata
	Author      string
	Reviewer    string // empty when unreviewed
	Retries     int
	Enabled     bool
	CreatedAt   time.Time
}

// MaxRemediationScriptBytes bounds Remediation.Script per spec.md §3.
const MaxRemediationScriptBytes = 16 * 1024

// Validate enforces the Remediation invariants from spec.md §3: non-empty
// script within the size cap and a non-negative retry count.
func (r Remediation) Validate() error {
	if len(r.Script) == 0 {
		return carbideerrors.New(carbideerrors.InvalidArgument, "remediation script must not be empty")
	}
	if len(r.Script) > MaxRemediationScriptBytes {
		return carbideerrors.New(carbideerrors.InvalidArgument, "remediation script exceeds 16 KiB")
	}
	if r.Retries < 0 {
		return carbideerrors.New(carbideerrors.InvalidArgument, "remediation retries must not be negative")
	}
	return nil
}

// AppliedRemediation records one attempt to run a Remediation against a
// DPU. The primary key is the full (RemediationID, DpuMachineID, Attempt)
// triple.
type AppliedRemediation struct {
	RemediationID string
	DpuMachineID  MachineId
	Attempt       int
	Succeeded     bool
	Status        map[string]string
	AppliedAt     time.Time
}
