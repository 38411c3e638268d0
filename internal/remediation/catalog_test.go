package remediation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carbide-infra/carbide/internal/carbideerrors"
	"github.com/carbide-infra/carbide/internal/model"
)

func testDpuID(t *testing.T) model.MachineId {
	t.Helper()
	id, err := model.DeriveMachineId(model.MachineKindDpu, model.HardwareFingerprint{ProductSerial: "catalog-dpu"})
	require.NoError(t, err)
	return id
}

func TestCatalog_Create_RequiresActor(t *testing.T) {
	c := NewCatalog()
	_, err := c.Create("", model.Remediation{Script: "echo hi"})
	assert.Equal(t, carbideerrors.MissingClientCertificateInformation, carbideerrors.KindOf(err))
}

func TestCatalog_Create_ValidatesRemediation(t *testing.T) {
	c := NewCatalog()
	_, err := c.Create("alice", model.Remediation{Script: ""})
	assert.Equal(t, carbideerrors.InvalidArgument, carbideerrors.KindOf(err))
}

func TestCatalog_Approve_RejectsSelfApproval(t *testing.T) {
	c := NewCatalog()
	id, err := c.Create("alice", model.Remediation{Script: "echo hi"})
	require.NoError(t, err)

	err = c.Approve("alice", id)
	assert.Equal(t, carbideerrors.FailedPrecondition, carbideerrors.KindOf(err))
}

func TestCatalog_SetEnabled_RequiresReview(t *testing.T) {
	c := NewCatalog()
	id, err := c.Create("alice", model.Remediation{Script: "echo hi"})
	require.NoError(t, err)

	err = c.SetEnabled("bob", id, true)
	assert.Equal(t, carbideerrors.FailedPrecondition, carbideerrors.KindOf(err))

	require.NoError(t, c.Approve("bob", id))
	assert.NoError(t, c.SetEnabled("bob", id, true))
}

func TestCatalog_GetNextRemediationForMachine_OnlyEnabledReviewed(t *testing.T) {
	c := NewCatalog()
	dpuID := testDpuID(t)

	id, err := c.Create("alice", model.Remediation{Script: "echo hi"})
	require.NoError(t, err)

	_, _, ok, err := c.GetNextRemediationForMachine(context.Background(), dpuID)
	require.NoError(t, err)
	assert.False(t, ok, "unreviewed/disabled remediation must not be offered")

	require.NoError(t, c.Approve("bob", id))
	require.NoError(t, c.SetEnabled("bob", id, true))

	gotID, script, ok, err := c.GetNextRemediationForMachine(context.Background(), dpuID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, id, gotID)
	assert.Equal(t, "echo hi", script)
}

func TestCatalog_GetNextRemediationForMachine_RespectsRetryBudget(t *testing.T) {
	c := NewCatalog()
	dpuID := testDpuID(t)

	id, err := c.Create("alice", model.Remediation{Script: "echo hi", Retries: 1})
	require.NoError(t, err)
	require.NoError(t, c.Approve("bob", id))
	require.NoError(t, c.SetEnabled("bob", id, true))

	require.NoError(t, c.RemediationApplied(context.Background(), id, dpuID, false, nil))
	_, _, ok, err := c.GetNextRemediationForMachine(context.Background(), dpuID)
	require.NoError(t, err)
	assert.True(t, ok, "one retry remains after the first attempt")

	require.NoError(t, c.RemediationApplied(context.Background(), id, dpuID, false, nil))
	_, _, ok, err = c.GetNextRemediationForMachine(context.Background(), dpuID)
	require.NoError(t, err)
	assert.False(t, ok, "retry budget exhausted after two attempts")
}

func TestCatalog_RemediationApplied_ListsInOrder(t *testing.T) {
	c := NewCatalog()
	dpuID := testDpuID(t)

	require.NoError(t, c.RemediationApplied(context.Background(), "rem-1", dpuID, true, map[string]string{"k": "v"}))
	require.NoError(t, c.RemediationApplied(context.Background(), "rem-1", dpuID, false, nil))

	applied := c.ListApplied(dpuID)
	require.Len(t, applied, 2)
	assert.Equal(t, 1, applied[0].Attempt)
	assert.Equal(t, 2, applied[1].Attempt)
}
