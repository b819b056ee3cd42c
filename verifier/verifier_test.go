package verifier

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/capagent/cap-agent/audit"
	"github.com/capagent/cap-agent/capsign"
	"github.com/capagent/cap-agent/manifest"
	"github.com/capagent/cap-agent/policy"
	"github.com/capagent/cap-agent/proof"
)

func passingPolicy(t *testing.T) *policy.Policy {
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

func buildSigned(t *testing.T) (*manifest.Manifest, map[string][]byte, *audit.MemoryStore) {
	store := audit.NewMemoryStore()
	log := audit.New(store)
	ts := time.Now().UTC()
	ev, err := log.Append(ts, audit.EventManifestBuilt, map[string]string{"id": "p1"})
	require.NoError(t, err)

	hex64 := func(pair string) string {
		out := make([]byte, 0, 64)
		for i := 0; i < 32; i++ {
			out = append(out, pair...)
		}
		return string(out)
	}

	m := manifest.New(
		"Acme GmbH", "2026-Q1",
		"0x"+hex64("ab"), "0x"+hex64("cd"), "0x"+hex64("ef"),
		"lksg-2026", "sha3-256:"+hex64("11"),
		ev.Seq, ev.Digest,
	)

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	signer, err := capsign.NewSigner(priv)
	require.NoError(t, err)
	require.NoError(t, signer.SignManifest(m))

	trusted := map[string][]byte{signer.KID(): pub}
	return m, trusted, store
}

func TestVerifyPassesAllSteps(t *testing.T) {
	m, trusted, store := buildSigned(t)

	stmt := proof.Statement{PolicyHash: m.PolicyHash, CompanyCommitmentRoot: m.CompanyCommitmentRoot, ConstraintNames: []string{policy.PredRequireAtLeastOneUBO}}
	reg := proof.NewRegistry()
	mockBackend, err := reg.Select("mock")
	require.NoError(t, err)
	artifact, err := mockBackend.Prove(passingPolicy(t), stmt, proof.Witness{UBOCount: 1})
	require.NoError(t, err)

	v := New()
	report := v.Verify(Input{
		Manifest:          m,
		ProofArtifact:     artifact,
		ProofStatement:    stmt,
		ProofRegistry:     reg,
		TrustedSignerKeys: trusted,
		AuditStore:        store,
	})

	require.Equal(t, StatusVerified, report.Status)
	require.Len(t, report.Steps, 8)
}

func TestVerifyFailsOnUntrustedSigner(t *testing.T) {
	m, _, store := buildSigned(t)

	stmt := proof.Statement{PolicyHash: m.PolicyHash, CompanyCommitmentRoot: m.CompanyCommitmentRoot}
	reg := proof.NewRegistry()

	v := New()
	report := v.Verify(Input{
		Manifest:          m,
		ProofStatement:    stmt,
		ProofRegistry:     reg,
		TrustedSignerKeys: map[string][]byte{},
		AuditStore:        store,
	})

	require.Equal(t, StatusFailed, report.Status)
	require.Equal(t, StepSignatures, report.Steps[len(report.Steps)-1].Step)
}

func TestVerifyFailsOnAuditTailMismatch(t *testing.T) {
	store := audit.NewMemoryStore()
	log := audit.New(store)
	ts := time.Now().UTC()
	_, err := log.Append(ts, audit.EventManifestBuilt, map[string]string{"id": "p1"})
	require.NoError(t, err)

	hex64 := func(pair string) string {
		out := make([]byte, 0, 64)
		for i := 0; i < 32; i++ {
			out = append(out, pair...)
		}
		return string(out)
	}

	// Manifest is signed over an audit digest that does not match the
	// store's actual tail, simulating a manifest built against a stale
	// audit snapshot.
	m := manifest.New(
		"Acme GmbH", "2026-Q1",
		"0x"+hex64("ab"), "0x"+hex64("cd"), "0x"+hex64("ef"),
		"lksg-2026", "sha3-256:"+hex64("11"),
		0, hex64("99"),
	)
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	signer, err := capsign.NewSigner(priv)
	require.NoError(t, err)
	require.NoError(t, signer.SignManifest(m))
	trusted := map[string][]byte{signer.KID(): pub}

	stmt := proof.Statement{PolicyHash: m.PolicyHash, CompanyCommitmentRoot: m.CompanyCommitmentRoot}
	reg := proof.NewRegistry()

	v := New()
	report := v.Verify(Input{
		Manifest:          m,
		ProofStatement:    stmt,
		ProofRegistry:     reg,
		TrustedSignerKeys: trusted,
		AuditStore:        store,
	})

	require.Equal(t, StatusFailed, report.Status)
	require.Equal(t, StepAuditTail, report.Steps[len(report.Steps)-1].Step)
}
