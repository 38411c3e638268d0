// Package machine implements the Machine State Handler of spec.md C7 /
// §4.7: the per-iteration prelude (power policy, maintenance gate, health
// override merge) plus the host state graph and its DPU/host ordering
// gate.
package machine

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/go-logr/logr"

	"github.com/carbide-infra/carbide/internal/carbideerrors"
	"github.com/carbide-infra/carbide/internal/configversion"
	"github.com/carbide-infra/carbide/internal/controller"
	"github.com/carbide-infra/carbide/internal/health"
	"github.com/carbide-infra/carbide/internal/model"
)

// Outcome classifies a handler's verdict for one iteration, mirroring
// spec.md §4.7.3's Ok|Wait|Error.
type Outcome string

const (
	OutcomeOk    Outcome = "Ok"
	OutcomeWait  Outcome = "Wait"
	OutcomeError Outcome = "Error"
)

// edges is the permitted host state graph (spec.md §4.7: "named by
// intent"). It is validated once at package init so a typo in this table
// fails at process startup, never mid-iteration.
var edges = map[model.MachineState][]model.MachineState{
	model.StateExpected:             {model.StateDiscovering},
	model.StateDiscovering:          {model.StateHardwareInfoCollected},
	model.StateHardwareInfoCollected: {model.StateAttestationPending},
	model.StateAttestationPending:    {model.StatePreIngestionUpdates},
	model.StatePreIngestionUpdates:   {model.StateOsInstalling},
	model.StateOsInstalling:          {model.StateDPUInit},
	model.StateDPUInit:               {model.StateReady},
	model.StateReady:                 {model.StateMaintenance, model.StateInstanceAllocated, model.StateDecommissioned},
	model.StateMaintenance:           {model.StateReady, model.StateDecommissioned},
	model.StateInstanceAllocated:     {model.StateReady, model.StateDecommissioned},
	model.StateDecommissioned:        {},
}

func init() {
	if err := validateGraph(edges); err != nil {
		panic(fmt.Sprintf("machine: invalid state graph: %v", err))
	}
}

// validateGraph rejects edges naming a state that is never itself a key
// (an undeclared destination the graph can lead to but never leave).
func validateGraph(g map[model.MachineState][]model.MachineState) error {
	for from, tos := range g {
		for _, to := range tos {
			if _, declared := g[to]; !declared {
				return fmt.Errorf("state %q has an edge to undeclared state %q", from, to)
			}
		}
	}
	return nil
}

func canTransition(from, to model.MachineState) bool {
	if from == to {
		return true
	}
	for _, candidate := range edges[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// Handler implements controller.Handler for ManagedHost objects.
type Handler struct {
	Log    logr.Logger
	Clock  *configversion.Clock
	Health *health.Store
}

// New constructs a Handler.
func New(log logr.Logger, clock *configversion.Clock, healthStore *health.Store) *Handler {
	return &Handler{Log: log, Clock: clock, Health: healthStore}
}

// Reconcile implements controller.Handler.
func (h *Handler) Reconcile(ctx context.Context, snap *model.Snapshot) (controller.Result, error) {
	host := snap.Host

	// 4.7.1 step 1: power policy.
	switch model.Decide(host.Power) {
	case model.PowerDecisionSuspended:
		return controller.Result{
			NextState: host.State,
			Reason:    h.reason(OutcomeWait, "power state unusable, suspending corrective action"),
		}, nil
	case model.PowerDecisionSkipDispatch:
		return controller.Result{
			NextState: host.State,
			Reason:    h.reason(OutcomeWait, "desired power off, actual on: skipping dispatch"),
		}, nil
	case model.PowerDecisionIssuePowerOn:
		// No Redfish power-on is issued and no attempt is recorded here:
		// the iteration holds the current state with a Wait reason and
		// requeues after 30s.
		return controller.Result{
			NextState:    host.State,
			Reason:       h.reason(OutcomeWait, "issuing power-on, waiting for DPU observation before resuming"),
			RequeueAfter: 30 * time.Second,
		}, nil
	}

	// 4.7.1 step 2: maintenance gate.
	if host.InMaintenance() {
		if host.State == model.StateReady {
			return controller.Result{
				NextState: model.StateMaintenance,
				Reason:    h.reason(OutcomeOk, "entering maintenance: "+host.Maintenance.Reference),
			}, nil
		}
		if host.State == model.StateMaintenance {
			return controller.Result{
				NextState: host.State,
				Reason:    h.reason(OutcomeWait, "host under maintenance, visibility-only updates"),
			}, nil
		}
	} else if host.State == model.StateMaintenance {
		return controller.Result{
			NextState: model.StateReady,
			Reason:    h.reason(OutcomeOk, "maintenance reference cleared"),
		}, nil
	}

	// 4.7.1 step 3: health override merge. The result is computed and
	// discarded; dispatch below does not gate on it.
	_ = h.effectiveHealth(host)

	return h.dispatch(snap)
}

func (h *Handler) effectiveHealth(host model.ManagedHost) model.HealthReport {
	replace, merges := h.Health.List(host.ID)
	return health.EffectiveHealth(host.Health, model.HealthReport{}, replace, merges, host.Health)
}

// dispatch applies the per-state logic of spec.md §4.7.2-4.7.3. Most
// states in this graph are advanced by external agents (discovery,
// attestation, OS install) reporting progress outside this handler, so
// the handler's only active gate here is the DPU/host ordering rule at
// DPUInit -> Ready.
func (h *Handler) dispatch(snap *model.Snapshot) (controller.Result, error) {
	host := snap.Host

	switch host.State {
	case model.StateDPUInit:
		if !snap.AllDpusPast(model.DpuInitInit) {
			return controller.Result{
				NextState: host.State,
				Reason:    h.reason(OutcomeWait, "waiting for every DPU to leave Init"),
			}, nil
		}
		return h.transitionTo(host, model.StateReady, "all attached DPUs past Init")

	case model.StateDecommissioned:
		return controller.Result{
			NextState: host.State,
			Reason:    h.reason(OutcomeOk, "terminal state"),
		}, nil

	default:
		// Expected, Discovering, HardwareInfoCollected, AttestationPending,
		// PreIngestionUpdates, OsInstalling, Ready, InstanceAllocated: these
		// states advance only in response to agent-reported observations
		// applied outside this handler (spec.md §4.2/§4.4), so absent a
		// pending side-effect intent the handler holds position.
		return controller.Result{
			NextState: host.State,
			Reason:    h.reason(OutcomeOk, "no pending transition"),
		}, nil
	}
}

func (h *Handler) transitionTo(host model.ManagedHost, next model.MachineState, reason string) (controller.Result, error) {
	if !canTransition(host.State, next) {
		return controller.Result{}, carbideerrors.New(carbideerrors.FailedPrecondition,
			fmt.Sprintf("machine: illegal transition %s -> %s", host.State, next))
	}
	return controller.Result{
		NextState: next,
		Reason:    h.reason(OutcomeOk, reason),
	}, nil
}

// reason captures the caller's file:line per spec.md §4.7.3's "source file:
// line" field.
func (h *Handler) reason(outcome Outcome, message string) controller.Reason {
	_, file, line, _ := runtime.Caller(1)
	return controller.Reason{
		Outcome: string(outcome),
		Message: message,
		Source:  fmt.Sprintf("%s:%d", file, line),
	}
}
