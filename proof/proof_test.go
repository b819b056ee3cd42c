package proof

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/capagent/cap-agent/policy"
)

func legacyPolicy(t *testing.T) *policy.Policy {
	t.Helper()
	p, _, err := policy.Load(map[string]interface{}{
		"id":          "lksg-2026",
		"version":     "1",
		"legal_basis": "LkSG",
		"constraints": map[string]interface{}{
			policy.PredRequireAtLeastOneUBO: true,
		},
	})
	require.NoError(t, err)
	return p
}

func TestMockProveAndVerifyRoundTrip(t *testing.T) {
	sys := NewMockSystem()
	p := legacyPolicy(t)
	stmt := Statement{
		PolicyHash:            "sha3-256:abc",
		CompanyCommitmentRoot: "0xdef",
		ConstraintNames:       []string{policy.PredRequireAtLeastOneUBO},
	}
	witness := Witness{UBOCount: 1}

	artifact, err := sys.Prove(p, stmt, witness)
	require.NoError(t, err)

	ok, err := sys.Verify(stmt, artifact)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMockVerifyFailsWhenWitnessDoesNotSatisfyPolicy(t *testing.T) {
	sys := NewMockSystem()
	p := legacyPolicy(t)
	stmt := Statement{
		PolicyHash:            "sha3-256:abc",
		CompanyCommitmentRoot: "0xdef",
		ConstraintNames:       []string{policy.PredRequireAtLeastOneUBO},
	}
	witness := Witness{UBOCount: 0}

	artifact, err := sys.Prove(p, stmt, witness)
	require.NoError(t, err)

	ok, err := sys.Verify(stmt, artifact)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMockVerifyRejectsMutatedStatement(t *testing.T) {
	sys := NewMockSystem()
	p := legacyPolicy(t)
	stmt := Statement{
		PolicyHash:            "sha3-256:abc",
		CompanyCommitmentRoot: "0xdef",
	}
	witness := Witness{UBOCount: 1}
	artifact, err := sys.Prove(p, stmt, witness)
	require.NoError(t, err)

	stmt.CompanyCommitmentRoot = "0xmutated"
	ok, err := sys.Verify(stmt, artifact)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStubSystemsFailClosed(t *testing.T) {
	p := legacyPolicy(t)
	for _, name := range []string{"zkvm", "halo2"} {
		sys := NewStubSystem(name)
		_, err := sys.Prove(p, Statement{}, Witness{})
		require.ErrorIs(t, err, ErrNotImplemented)
		_, err = sys.Verify(Statement{}, Artifact{})
		require.ErrorIs(t, err, ErrNotImplemented)
	}
}

func TestRegistrySelect(t *testing.T) {
	r := NewRegistry()
	mock, err := r.Select("mock")
	require.NoError(t, err)
	require.Equal(t, "mock", mock.Name())

	_, err = r.Select("nonexistent")
	require.ErrorIs(t, err, ErrBackendUnknown)
}
