// Copyright 2025 CAP Agent Project
//
// Package manifest assembles and canonicalizes the frozen compliance
// manifest (C5): commitment roots, policy identity, audit tail, optional
// time anchor, proof descriptor, and signatures.
//
// Grounded on the teacher's pkg/proof/bundle_format.go (versioned,
// self-contained, JSON-serializable artifact with a schema string and a
// dedicated integrity/signature section) and pkg/ledger's KV-persisted
// metadata structs (explicit schema version field, immutability by
// convention rather than by the language).
package manifest

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/capagent/cap-agent/capcrypto"
)

// SchemaVersion is written on every new manifest. VerifyReadSchemaVersion
// is what offline verification tolerates reading.
const (
	SchemaVersion         = "manifest.v1.0"
	VerifyReadSchemaVersion = "manifest.v0"
)

// TimeAnchor records an optional RFC 3161-shaped timestamp assertion over
// the manifest hash. No timestamp provider ships in this module; the struct
// only carries a token obtained elsewhere.
type TimeAnchor struct {
	Provider  string    `json:"provider"`
	Token     string    `json:"token"`
	AssertedAt time.Time `json:"asserted_at"`
}

// ProofDescriptor names the backend that produced the manifest's proof
// artifact and the location it can be fetched from, without embedding the
// artifact bytes themselves.
type ProofDescriptor struct {
	Backend  string `json:"backend"`
	BlobID   string `json:"blob_id"`
	Statement string `json:"statement_hash"`
}

// Signature is a detached Ed25519 signature record over the manifest's
// canonical bytes, computed with the signatures field itself held empty.
// PublicKey makes the record self-describing: a verifier holding only the
// manifest can recover the signer's public key without first knowing which
// keystore owner produced it, though trusting that key still requires
// resolving its KID in the key store (active, retired, or trusted).
type Signature struct {
	KID       string    `json:"kid"`
	Algorithm string    `json:"algorithm"`
	PublicKey string    `json:"public_key"`
	Value     string    `json:"signature"`
	SignedAt  time.Time `json:"signed_at"`
}

// Manifest is the frozen declaration a company's CAP Agent produces for a
// reporting period.
type Manifest struct {
	Schema  string `json:"schema"`
	Company string `json:"company"`
	Period  string `json:"period"`

	SupplierRoot          string `json:"supplier_root"`
	UBORoot               string `json:"ubo_root"`
	CompanyCommitmentRoot string `json:"company_commitment_root"`

	PolicyID   string `json:"policy_id"`
	PolicyHash string `json:"policy_hash"`

	AuditTailSeq    uint64 `json:"audit_tail_seq"`
	AuditTailDigest string `json:"audit_tail_digest"`

	TimeAnchor *TimeAnchor      `json:"time_anchor,omitempty"`
	Proof      *ProofDescriptor `json:"proof,omitempty"`

	Signatures []Signature `json:"signatures"`
}

// New assembles a fresh manifest with SchemaVersion and no signatures. The
// caller signs it afterward via capsign.SignManifest.
func New(company, period, supplierRoot, uboRoot, companyCommitmentRoot, policyID, policyHash string, tailSeq uint64, tailDigest string) *Manifest {
	return &Manifest{
		Schema:                SchemaVersion,
		Company:               company,
		Period:                period,
		SupplierRoot:          supplierRoot,
		UBORoot:               uboRoot,
		CompanyCommitmentRoot: companyCommitmentRoot,
		PolicyID:              policyID,
		PolicyHash:            policyHash,
		AuditTailSeq:          tailSeq,
		AuditTailDigest:       tailDigest,
		Signatures:            []Signature{},
	}
}

// CanonicalBytes returns the canonical JSON of the manifest with its
// signatures field forced empty — the bytes that get signed and that
// Hash hashes.
func (m *Manifest) CanonicalBytes() ([]byte, error) {
	clone := *m
	clone.Signatures = []Signature{}
	b, err := capcrypto.CanonicalJSONOf(clone)
	if err != nil {
		return nil, fmt.Errorf("manifest: canonicalize: %w", err)
	}
	return b, nil
}

// Hash computes d256(canonical_json(manifest_without_signatures)),
// rendered as "0x"+hex. The manifest hash is a collision-resistant
// identity, not a row or tree hash, so it uses the d256 family rather than
// h256 — mixing the two hash families for one purpose is the one thing §3
// forbids outright.
func (m *Manifest) Hash() (string, error) {
	canon, err := m.CanonicalBytes()
	if err != nil {
		return "", err
	}
	d := capcrypto.D256(canon)
	return capcrypto.HexEncode0x(d[:]), nil
}

// Validate checks the structural invariants a manifest must satisfy before
// it can be signed or registered: schema recognized, roots well-formed,
// policy identity present, audit tail non-empty.
func (m *Manifest) Validate(strict bool) []string {
	var errs []string

	schema := m.Schema
	if strict {
		if schema != SchemaVersion {
			errs = append(errs, fmt.Sprintf("manifest: schema %q is not the current write schema %q", schema, SchemaVersion))
		}
	} else if schema != SchemaVersion && schema != VerifyReadSchemaVersion {
		errs = append(errs, fmt.Sprintf("manifest: schema %q is not recognized for read", schema))
	}

	if m.Company == "" {
		errs = append(errs, "manifest: company is required")
	}
	if m.Period == "" {
		errs = append(errs, "manifest: period is required")
	}
	if _, err := capcrypto.HexDecode(m.SupplierRoot); err != nil || len(m.SupplierRoot) != 66 {
		errs = append(errs, "manifest: supplier_root must be a 0x-prefixed 32-byte hash")
	}
	if _, err := capcrypto.HexDecode(m.UBORoot); err != nil || len(m.UBORoot) != 66 {
		errs = append(errs, "manifest: ubo_root must be a 0x-prefixed 32-byte hash")
	}
	if _, err := capcrypto.HexDecode(m.CompanyCommitmentRoot); err != nil || len(m.CompanyCommitmentRoot) != 66 {
		errs = append(errs, "manifest: company_commitment_root must be a 0x-prefixed 32-byte hash")
	}
	if m.PolicyID == "" {
		errs = append(errs, "manifest: policy_id is required")
	}
	if m.PolicyHash == "" {
		errs = append(errs, "manifest: policy_hash is required")
	}
	if m.AuditTailDigest == "" {
		errs = append(errs, "manifest: audit_tail_digest is required")
	}

	return errs
}

// MarshalJSON round-trips through encoding/json; kept as an explicit
// method (rather than relying purely on struct tags) so future fields that
// need special encoding have a single place to add it.
func (m *Manifest) MarshalJSON() ([]byte, error) {
	type alias Manifest
	return json.Marshal((*alias)(m))
}

// FromJSON parses a manifest document, without validating it — callers
// call Validate explicitly, matching the verifier's fixed check order
// (§6) where schema/hash checks happen before structural ones.
func FromJSON(raw []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("manifest: unmarshal: %w", err)
	}
	return &m, nil
}
