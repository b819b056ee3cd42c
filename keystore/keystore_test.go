package keystore

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/capagent/cap-agent/capsign"
)

func TestGenerateAndLoad(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	kv, err := store.Generate("acme")
	require.NoError(t, err)
	require.Equal(t, 1, kv.Version)
	require.Len(t, kv.KID, 32)

	loaded, err := store.Load("acme", 1)
	require.NoError(t, err)
	require.Equal(t, kv.KID, loaded.KID)
	require.False(t, loaded.Retired)
}

func TestGenerateTwiceFails(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	_, err = store.Generate("acme")
	require.NoError(t, err)
	_, err = store.Generate("acme")
	require.Error(t, err)
}

func TestRotateRetiresPredecessor(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	v1, err := store.Generate("acme")
	require.NoError(t, err)

	v2, att, err := store.Rotate("acme")
	require.NoError(t, err)
	require.Equal(t, 2, v2.Version)
	require.Equal(t, AttestationSchema, att.Schema)
	require.Equal(t, v1.KID, att.SignerKID)
	require.Equal(t, v2.KID, att.SubjectKID)
	require.NotEmpty(t, att.Signature)

	ok, err := capsign.VerifyAttestation(att.SignerKID, att.SubjectKID, att.Signature, v1.PublicKey)
	require.NoError(t, err)
	require.True(t, ok)

	retired, err := store.Load("acme", 1)
	require.NoError(t, err)
	require.True(t, retired.Retired)

	latest, err := store.Latest("acme")
	require.NoError(t, err)
	require.Equal(t, v2.KID, latest.KID)

	chain, err := store.WalkAttestationChain("acme", v2.KID)
	require.NoError(t, err)
	require.Len(t, chain, 1)
	require.Equal(t, v1.KID, chain[0].SignerKID)
}

func TestSignerResolvesLatestActiveKey(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	_, err = store.Generate("acme")
	require.NoError(t, err)
	v2, _, err := store.Rotate("acme")
	require.NoError(t, err)

	signer, err := store.Signer("acme")
	require.NoError(t, err)
	require.NotNil(t, signer)
	require.Equal(t, v2.KID, signer.KID())
}

func TestRetiredKeyPrivateMaterialIsUnavailable(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	_, err = store.Generate("acme")
	require.NoError(t, err)
	_, _, err = store.Rotate("acme")
	require.NoError(t, err)

	retired, err := store.Load("acme", 1)
	require.NoError(t, err)
	require.True(t, retired.Retired)
	require.Nil(t, retired.PrivateKey)

	_, err = capsign.NewSigner(retired.PrivateKey)
	require.Error(t, err)
}

func TestTrustPublicKeyAndResolveAnyKID(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	v1, err := store.Generate("acme")
	require.NoError(t, err)

	pub, _, err := store.ResolveAnyKID(v1.KID)
	require.NoError(t, err)
	require.Equal(t, v1.PublicKey, pub)

	otherPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	kid, err := store.TrustPublicKey("counterparty", otherPub)
	require.NoError(t, err)

	resolved, retired, err := store.ResolveAnyKID(kid)
	require.NoError(t, err)
	require.False(t, retired)
	require.Equal(t, otherPub, resolved)
}

func TestResolveKIDFindsOlderVersion(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	v1, err := store.Generate("acme")
	require.NoError(t, err)
	_, _, err = store.Rotate("acme")
	require.NoError(t, err)

	found, err := store.ResolveKID("acme", v1.KID)
	require.NoError(t, err)
	require.Equal(t, 1, found.Version)
	require.True(t, found.Retired)
}

func TestLoadMissingKeyReturnsErrKeyNotFound(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	_, err = store.Load("ghost", 1)
	require.ErrorIs(t, err, ErrKeyNotFound)
}
