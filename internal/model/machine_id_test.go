package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveMachineId_Deterministic(t *testing.T) {
	fp := HardwareFingerprint{ProductSerial: "P1", BoardSerial: "B1", ChassisSerial: "C1"}

	id1, err := DeriveMachineId(MachineKindHost, fp)
	require.NoError(t, err)
	id2, err := DeriveMachineId(MachineKindHost, fp)
	require.NoError(t, err)

	assert.Equal(t, id1.String(), id2.String())
	assert.True(t, isDNSLabel(id1.String()))
}

func TestDeriveMachineId_TPMPreferredOverSerials(t *testing.T) {
	withCert, err := DeriveMachineId(MachineKindHost, HardwareFingerprint{
		TPMEndorsementKeyCert: []byte("ek-cert-bytes"),
		ProductSerial:         "P1",
	})
	require.NoError(t, err)

	withoutCert, err := DeriveMachineId(MachineKindHost, HardwareFingerprint{ProductSerial: "P1"})
	require.NoError(t, err)

	assert.NotEqual(t, withCert.String(), withoutCert.String())
}

func TestDeriveMachineId_RequiresSomeIdentity(t *testing.T) {
	_, err := DeriveMachineId(MachineKindHost, HardwareFingerprint{})
	assert.Error(t, err)
}

func TestParseMachineId_RejectsNonDNSLabel(t *testing.T) {
	_, err := ParseMachineId(MachineKindDpu, "Not_A_Label!")
	assert.Error(t, err)
}
