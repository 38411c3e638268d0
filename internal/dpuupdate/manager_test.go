package dpuupdate

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carbide-infra/carbide/internal/loglimiter"
	"github.com/carbide-infra/carbide/internal/model"
)

func newTestManager(t *testing.T, accepted ...string) *Manager {
	t.Helper()
	m, err := New(Config{
		AcceptedVersions:           accepted,
		MaxConcurrentHostsUpdating: 2,
		Enabled:                    true,
	}, logr.Discard(), loglimiter.New(0, 0))
	require.NoError(t, err)
	return m
}

func testHost(t *testing.T, suffix string) model.MachineId {
	t.Helper()
	id, err := model.DeriveMachineId(model.MachineKindHost, model.HardwareFingerprint{ProductSerial: "dpuupdate-host-" + suffix})
	require.NoError(t, err)
	return id
}

func testDpu(t *testing.T, suffix string) model.MachineId {
	t.Helper()
	id, err := model.DeriveMachineId(model.MachineKindDpu, model.HardwareFingerprint{ProductSerial: "dpuupdate-dpu-" + suffix})
	require.NoError(t, err)
	return id
}

func TestNew_RejectsMalformedAcceptedVersion(t *testing.T) {
	_, err := New(Config{AcceptedVersions: []string{"not-a-semver"}}, logr.Discard(), loglimiter.New(0, 0))
	assert.Error(t, err)
}

func TestIsAccepted(t *testing.T) {
	m := newTestManager(t, "2.4.0", "2.5.0")
	assert.True(t, m.isAccepted("2.4.0"))
	assert.True(t, m.isAccepted("2.5.0"))
	assert.False(t, m.isAccepted("2.3.0"))
	assert.False(t, m.isAccepted("garbage"))
}

func TestCandidates_ExcludesInProgressMaintenanceAndPoweredOff(t *testing.T) {
	m := newTestManager(t, "2.4.0")

	inProgressHost := testHost(t, "in-progress")
	maintenanceHost := testHost(t, "maintenance")
	poweredOffHost := testHost(t, "powered-off")
	eligibleHost := testHost(t, "eligible")

	mk := func(id model.MachineId, opts func(*model.ManagedHost)) model.Snapshot {
		host := model.ManagedHost{ID: id, Power: model.PowerOptions{LastFetchedPowerState: model.FetchedOn}}
		if opts != nil {
			opts(&host)
		}
		return model.Snapshot{
			Host: host,
			Dpus: []model.DpuSnapshot{{ID: testDpu(t, id.String()), FirmwareVersion: "1.0.0"}},
		}
	}

	snapshots := []model.Snapshot{
		mk(inProgressHost, nil),
		mk(maintenanceHost, func(h *model.ManagedHost) {
			h.Maintenance = &model.MaintenanceRef{Reference: "planned"}
		}),
		mk(poweredOffHost, func(h *model.ManagedHost) {
			h.Power.LastFetchedPowerState = model.FetchedOff
		}),
		mk(eligibleHost, nil),
	}

	inProgress := map[model.MachineId]struct{}{inProgressHost: {}}

	candidates := m.candidates(snapshots, inProgress)
	require.Len(t, candidates, 1)
	assert.Equal(t, eligibleHost, candidates[0].HostID)
}

func TestCandidates_SkipsAcceptedFirmware(t *testing.T) {
	m := newTestManager(t, "1.0.0")
	host := testHost(t, "up-to-date")

	snapshots := []model.Snapshot{{
		Host: model.ManagedHost{ID: host, Power: model.PowerOptions{LastFetchedPowerState: model.FetchedOn}},
		Dpus: []model.DpuSnapshot{{ID: testDpu(t, "1"), FirmwareVersion: "1.0.0"}},
	}}

	assert.Empty(t, m.candidates(snapshots, nil))
}

func TestUpdateMetrics(t *testing.T) {
	m := newTestManager(t, "1.0.0")
	host := testHost(t, "metrics")

	snapshots := []model.Snapshot{{
		Host: model.ManagedHost{ID: host, Maintenance: &model.MaintenanceRef{Reference: "x"}},
		Dpus: []model.DpuSnapshot{{ID: testDpu(t, "1"), FirmwareVersion: "0.9.0"}},
	}}

	m.UpdateMetrics(snapshots, map[model.MachineId]struct{}{host: {}})

	assert.InDelta(t, 1, testutil.ToFloat64(m.pendingFirmwareUpdates), 0.001)
	assert.InDelta(t, 1, testutil.ToFloat64(m.unavailableDpuUpdates), 0.001)
	assert.InDelta(t, 1, testutil.ToFloat64(m.runningDpuUpdates), 0.001)
}
