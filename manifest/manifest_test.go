package manifest

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func sample() *Manifest {
	return New(
		"Acme GmbH", "2026-Q1",
		"0x"+repeat("ab", 32),
		"0x"+repeat("cd", 32),
		"0x"+repeat("ef", 32),
		"lksg-2026", "sha3-256:"+repeat("11", 32),
		3, repeat("22", 32),
	)
}

func repeat(pair string, n int) string {
	out := make([]byte, 0, n*2)
	for i := 0; i < n; i++ {
		out = append(out, pair...)
	}
	return string(out)
}

func TestValidateAcceptsWellFormedManifest(t *testing.T) {
	m := sample()
	errs := m.Validate(true)
	require.Empty(t, errs)
}

func TestValidateRejectsMalformedRoot(t *testing.T) {
	m := sample()
	m.SupplierRoot = "not-a-hash"
	errs := m.Validate(true)
	require.NotEmpty(t, errs)
}

func TestHashIsStableAndExcludesSignatures(t *testing.T) {
	m := sample()
	h1, err := m.Hash()
	require.NoError(t, err)

	m.Signatures = append(m.Signatures, Signature{KID: "abc", Algorithm: "ed25519", Value: "zz"})
	h2, err := m.Hash()
	require.NoError(t, err)

	require.Equal(t, h1, h2)
	require.Regexp(t, `^0x[0-9a-f]{64}$`, h1)
}

func TestFromJSONRoundTrips(t *testing.T) {
	m := sample()
	raw, err := m.MarshalJSON()
	require.NoError(t, err)

	got, err := FromJSON(raw)
	require.NoError(t, err)
	require.Equal(t, m.Company, got.Company)
	require.Equal(t, m.PolicyHash, got.PolicyHash)
}

func TestValidateToleratesOldSchemaOnRead(t *testing.T) {
	m := sample()
	m.Schema = VerifyReadSchemaVersion
	errs := m.Validate(false)
	require.Empty(t, errs)

	errsStrict := m.Validate(true)
	require.NotEmpty(t, errsStrict)
}
