package machine

import (
	"context"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carbide-infra/carbide/internal/configversion"
	"github.com/carbide-infra/carbide/internal/health"
	"github.com/carbide-infra/carbide/internal/model"
)

func newTestHandler() *Handler {
	return New(logr.Discard(), configversion.NewClock(), health.New())
}

func testHostID(t *testing.T) model.MachineId {
	t.Helper()
	id, err := model.DeriveMachineId(model.MachineKindHost, model.HardwareFingerprint{ProductSerial: "handler-host"})
	require.NoError(t, err)
	return id
}

func testDpuID(t *testing.T, suffix string) model.MachineId {
	t.Helper()
	id, err := model.DeriveMachineId(model.MachineKindDpu, model.HardwareFingerprint{ProductSerial: "handler-dpu-" + suffix})
	require.NoError(t, err)
	return id
}

func TestValidateGraph_RejectsUndeclaredDestination(t *testing.T) {
	bad := map[model.MachineState][]model.MachineState{
		model.StateExpected: {model.MachineState("Nonexistent")},
	}
	assert.Error(t, validateGraph(bad))
}

func TestValidateGraph_AcceptsRealGraph(t *testing.T) {
	assert.NoError(t, validateGraph(edges))
}

func TestCanTransition(t *testing.T) {
	assert.True(t, canTransition(model.StateDPUInit, model.StateReady))
	assert.False(t, canTransition(model.StateExpected, model.StateReady))
	assert.True(t, canTransition(model.StateReady, model.StateReady), "staying put is always legal")
}

func TestReconcile_DPUInit_WaitsForAllDpusInit(t *testing.T) {
	h := newTestHandler()
	hostID := testHostID(t)
	snap := &model.Snapshot{
		Host: model.ManagedHost{ID: hostID, State: model.StateDPUInit},
		Dpus: []model.DpuSnapshot{
			{ID: testDpuID(t, "1"), InitState: model.DpuInitInit},
		},
	}

	result, err := h.Reconcile(context.Background(), snap)
	require.NoError(t, err)
	assert.Equal(t, model.StateDPUInit, result.NextState)
	assert.Equal(t, string(OutcomeWait), result.Reason.Outcome)
}

func TestReconcile_DPUInit_AdvancesWhenAllComplete(t *testing.T) {
	h := newTestHandler()
	hostID := testHostID(t)
	snap := &model.Snapshot{
		Host: model.ManagedHost{ID: hostID, State: model.StateDPUInit},
		Dpus: []model.DpuSnapshot{
			{ID: testDpuID(t, "1"), InitState: model.DpuInitComplete},
			{ID: testDpuID(t, "2"), InitState: model.DpuInitComplete},
		},
	}

	result, err := h.Reconcile(context.Background(), snap)
	require.NoError(t, err)
	assert.Equal(t, model.StateReady, result.NextState)
	assert.Equal(t, string(OutcomeOk), result.Reason.Outcome)
}

func TestReconcile_MaintenanceGate_EntersFromReady(t *testing.T) {
	h := newTestHandler()
	hostID := testHostID(t)
	snap := &model.Snapshot{
		Host: model.ManagedHost{
			ID:    hostID,
			State: model.StateReady,
			Maintenance: &model.MaintenanceRef{Reference: "planned-upgrade"},
		},
	}

	result, err := h.Reconcile(context.Background(), snap)
	require.NoError(t, err)
	assert.Equal(t, model.StateMaintenance, result.NextState)
}

func TestReconcile_MaintenanceGate_ExitsWhenCleared(t *testing.T) {
	h := newTestHandler()
	hostID := testHostID(t)
	snap := &model.Snapshot{
		Host: model.ManagedHost{ID: hostID, State: model.StateMaintenance},
	}

	result, err := h.Reconcile(context.Background(), snap)
	require.NoError(t, err)
	assert.Equal(t, model.StateReady, result.NextState)
}

func TestReconcile_PowerSuspended_HoldsState(t *testing.T) {
	h := newTestHandler()
	hostID := testHostID(t)
	snap := &model.Snapshot{
		Host: model.ManagedHost{
			ID:    hostID,
			State: model.StateReady,
			Power: model.PowerOptions{LastFetchedPowerState: model.FetchedPaused},
		},
	}

	result, err := h.Reconcile(context.Background(), snap)
	require.NoError(t, err)
	assert.Equal(t, model.StateReady, result.NextState)
	assert.Equal(t, string(OutcomeWait), result.Reason.Outcome)
}

func TestReconcile_DefaultState_HoldsPosition(t *testing.T) {
	h := newTestHandler()
	hostID := testHostID(t)
	snap := &model.Snapshot{
		Host: model.ManagedHost{ID: hostID, State: model.StateDiscovering},
	}

	result, err := h.Reconcile(context.Background(), snap)
	require.NoError(t, err)
	assert.Equal(t, model.StateDiscovering, result.NextState)
}
