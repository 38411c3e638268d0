package health

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carbide-infra/carbide/internal/model"
)

func hostID(t *testing.T) model.MachineId {
	t.Helper()
	id, err := model.ParseMachineId(model.MachineKindHost, "host-a")
	require.NoError(t, err)
	return id
}

func dpuID(t *testing.T) model.MachineId {
	t.Helper()
	id, err := model.ParseMachineId(model.MachineKindDpu, "dpu-a")
	require.NoError(t, err)
	return id
}

func TestInsert_ReplaceRejectedForDpu(t *testing.T) {
	s := New()
	err := s.Insert(dpuID(t), model.OverrideReplace, model.HealthReport{Source: model.SourceHardware})
	assert.Error(t, err)
}

func TestInsert_RemovesExistingOverrideForSameSource(t *testing.T) {
	s := New()
	host := hostID(t)

	require.NoError(t, s.Insert(host, model.OverrideMerge, model.HealthReport{
		Source: model.SourceHardware,
		Alerts: []model.HealthProbeAlert{{ID: "a"}},
	}))
	require.NoError(t, s.Insert(host, model.OverrideMerge, model.HealthReport{
		Source: model.SourceHardware,
		Alerts: []model.HealthProbeAlert{{ID: "b"}},
	}))

	_, merge := s.List(host)
	require.Len(t, merge, 1)
	assert.Equal(t, "b", merge[model.SourceHardware].Alerts[0].ID)
}

func TestInsert_MergeEvictsStaleReplaceForSameSource(t *testing.T) {
	s := New()
	host := hostID(t)

	require.NoError(t, s.Insert(host, model.OverrideReplace, model.HealthReport{Source: model.SourceOverride}))
	require.NoError(t, s.Insert(host, model.OverrideMerge, model.HealthReport{Source: model.SourceOverride}))

	replace, merge := s.List(host)
	assert.Nil(t, replace)
	assert.Contains(t, merge, model.SourceOverride)
}

func TestInsert_ReplaceEvictsStaleMergeForSameSource(t *testing.T) {
	s := New()
	host := hostID(t)

	require.NoError(t, s.Insert(host, model.OverrideMerge, model.HealthReport{Source: model.SourceOverride}))
	require.NoError(t, s.Insert(host, model.OverrideReplace, model.HealthReport{Source: model.SourceOverride}))

	replace, merge := s.List(host)
	require.NotNil(t, replace)
	assert.NotContains(t, merge, model.SourceOverride)
}

func TestRemove_NotFound(t *testing.T) {
	s := New()
	err := s.Remove(hostID(t), model.SourceHardware)
	assert.Error(t, err)
}

func TestRemove_ExistingOverride(t *testing.T) {
	s := New()
	host := hostID(t)
	require.NoError(t, s.Insert(host, model.OverrideMerge, model.HealthReport{Source: model.SourceHardware}))

	require.NoError(t, s.Remove(host, model.SourceHardware))

	_, merge := s.List(host)
	assert.Empty(t, merge)
}

func TestEffectiveHealth_ReplaceWins(t *testing.T) {
	replace := model.HealthReport{Alerts: []model.HealthProbeAlert{{ID: "operator-override"}}}
	base := model.HealthReport{Alerts: []model.HealthProbeAlert{{ID: "hw-alert"}}}

	eff := EffectiveHealth(base, model.HealthReport{}, &replace, nil, model.HealthReport{})

	require.Len(t, eff.Alerts, 1)
	assert.Equal(t, "operator-override", eff.Alerts[0].ID)
}
