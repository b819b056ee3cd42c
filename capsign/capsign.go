// Copyright 2025 CAP Agent Project
//
// Package capsign implements Ed25519 signing and verification over
// canonical-JSON artifacts (C6): manifests and registry entries.
//
// Grounded on the teacher's pkg/attestation and pkg/anchor_proof signer
// pattern (crypto/ed25519 keys, a small Signer wrapping a private key,
// signature records carrying validator identity), adapted from
// multi-validator attestation to single-signer manifest/entry signing.
package capsign

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/capagent/cap-agent/capcrypto"
	"github.com/capagent/cap-agent/manifest"
)

// KID derives a key identifier from an Ed25519 public key: the first 16
// bytes of H256(public key), rendered as 32 hex characters.
func KID(pub ed25519.PublicKey) string {
	h := capcrypto.H256(pub)
	return capcrypto.HexEncode(h[:16])
}

// Signer wraps an Ed25519 private key and the KID derived from its public
// half.
type Signer struct {
	kid        string
	publicKey  ed25519.PublicKey
	privateKey ed25519.PrivateKey
}

// NewSigner validates the key size and derives the signer's KID.
func NewSigner(priv ed25519.PrivateKey) (*Signer, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("capsign: private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(priv))
	}
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("capsign: could not derive public key")
	}
	return &Signer{kid: KID(pub), publicKey: pub, privateKey: priv}, nil
}

// KID returns the signer's key identifier.
func (s *Signer) KID() string { return s.kid }

// SignManifest produces a detached signature over the manifest's canonical
// bytes (computed with signatures held empty) and appends it to the
// manifest's signature list.
func (s *Signer) SignManifest(m *manifest.Manifest) error {
	canon, err := m.CanonicalBytes()
	if err != nil {
		return fmt.Errorf("capsign: canonicalize manifest: %w", err)
	}
	sig := ed25519.Sign(s.privateKey, canon)

	m.Signatures = append(m.Signatures, manifest.Signature{
		KID:       s.kid,
		Algorithm: "ed25519",
		PublicKey: capcrypto.Base64Encode(s.publicKey),
		Value:     capcrypto.Base64Encode(sig),
		SignedAt:  time.Now().UTC(),
	})
	return nil
}

// VerifyManifestSignature checks one of a manifest's signature records
// against a known public key. It does not decide whether the KID is
// trusted — that is the keystore's job.
func VerifyManifestSignature(m *manifest.Manifest, sig manifest.Signature, pub ed25519.PublicKey) (bool, error) {
	if sig.Algorithm != "ed25519" {
		return false, fmt.Errorf("capsign: unsupported algorithm %q", sig.Algorithm)
	}
	canon, err := m.CanonicalBytes()
	if err != nil {
		return false, fmt.Errorf("capsign: canonicalize manifest: %w", err)
	}
	sigBytes, err := capcrypto.Base64Decode(sig.Value)
	if err != nil {
		return false, fmt.Errorf("capsign: decode signature: %w", err)
	}
	return ed25519.Verify(pub, canon, sigBytes), nil
}

// EntryCore is the subset of a registry entry's fields that get hashed and
// signed: manifest_hash, proof_hash, backend_name and registered_at. The
// entry's id, blob ids, self-verify flag and signatures are not part of
// the hashed core. Entry core hashing stays on h256 (it feeds a
// row-level signature, not a collision-resistant identity), unlike the
// manifest and proof artifact hashes which use d256.
type EntryCore struct {
	ManifestHash string `json:"manifest_hash"`
	ProofHash    string `json:"proof_hash"`
	BackendName  string `json:"backend_name"`
	RegisteredAt string `json:"registered_at"`
}

// EntryCoreHash computes h256(canonical_json(core)), rendered 0x-prefixed.
func EntryCoreHash(core EntryCore) (string, error) {
	canon, err := capcrypto.CanonicalJSONOf(core)
	if err != nil {
		return "", fmt.Errorf("capsign: canonicalize entry core: %w", err)
	}
	h := capcrypto.H256(canon)
	return capcrypto.HexEncode0x(h[:]), nil
}

// SignEntry signs a registry entry's core hash, returning a detached
// signature record analogous to a manifest signature.
func (s *Signer) SignEntry(core EntryCore) (manifest.Signature, error) {
	coreHash, err := EntryCoreHash(core)
	if err != nil {
		return manifest.Signature{}, err
	}
	hashBytes, err := capcrypto.HexDecode(coreHash)
	if err != nil {
		return manifest.Signature{}, fmt.Errorf("capsign: decode entry core hash: %w", err)
	}
	sig := ed25519.Sign(s.privateKey, hashBytes)
	return manifest.Signature{
		KID:       s.kid,
		Algorithm: "ed25519",
		PublicKey: capcrypto.Base64Encode(s.publicKey),
		Value:     capcrypto.Base64Encode(sig),
		SignedAt:  time.Now().UTC(),
	}, nil
}

// VerifyEntrySignature checks a detached entry signature against a known
// public key.
func VerifyEntrySignature(core EntryCore, sig manifest.Signature, pub ed25519.PublicKey) (bool, error) {
	coreHash, err := EntryCoreHash(core)
	if err != nil {
		return false, err
	}
	hashBytes, err := capcrypto.HexDecode(coreHash)
	if err != nil {
		return false, fmt.Errorf("capsign: decode entry core hash: %w", err)
	}
	sigBytes, err := capcrypto.Base64Decode(sig.Value)
	if err != nil {
		return false, fmt.Errorf("capsign: decode signature: %w", err)
	}
	return ed25519.Verify(pub, hashBytes, sigBytes), nil
}

// AttestationStatement is the statement a predecessor key signs during key
// rotation, binding its own KID to its successor's.
type AttestationStatement struct {
	SignerKID  string `json:"signer_kid"`
	SubjectKID string `json:"subject_kid"`
}

// AttestationStatementHash computes h256(canonical_json(statement)).
func AttestationStatementHash(stmt AttestationStatement) (string, error) {
	canon, err := capcrypto.CanonicalJSONOf(stmt)
	if err != nil {
		return "", fmt.Errorf("capsign: canonicalize attestation statement: %w", err)
	}
	h := capcrypto.H256(canon)
	return capcrypto.HexEncode0x(h[:]), nil
}

// SignAttestation signs the statement binding this signer's KID to
// subjectKID, for key-rotation continuity.
func (s *Signer) SignAttestation(subjectKID string) (string, error) {
	hashHex, err := AttestationStatementHash(AttestationStatement{SignerKID: s.kid, SubjectKID: subjectKID})
	if err != nil {
		return "", err
	}
	hashBytes, err := capcrypto.HexDecode(hashHex)
	if err != nil {
		return "", fmt.Errorf("capsign: decode attestation statement hash: %w", err)
	}
	sig := ed25519.Sign(s.privateKey, hashBytes)
	return capcrypto.Base64Encode(sig), nil
}

// VerifyAttestation checks a predecessor's signature over the
// signer_kid -> subject_kid binding against the predecessor's public key.
func VerifyAttestation(signerKID, subjectKID, sigB64 string, pub ed25519.PublicKey) (bool, error) {
	hashHex, err := AttestationStatementHash(AttestationStatement{SignerKID: signerKID, SubjectKID: subjectKID})
	if err != nil {
		return false, err
	}
	hashBytes, err := capcrypto.HexDecode(hashHex)
	if err != nil {
		return false, fmt.Errorf("capsign: decode attestation statement hash: %w", err)
	}
	sigBytes, err := capcrypto.Base64Decode(sigB64)
	if err != nil {
		return false, fmt.Errorf("capsign: decode attestation signature: %w", err)
	}
	return ed25519.Verify(pub, hashBytes, sigBytes), nil
}
