// Copyright 2025 CAP Agent Project
//
// Package proof defines the pluggable ProofSystem interface (C8) and ships
// two kinds of backend: a structured, I/O-free "mock" backend whose verify
// path is sandbox-safe, and stub "zkvm"/"halo2" backends that are
// registered by name but return a typed not-implemented error — real
// circuit construction (the teacher's pkg/crypto/bls_zkp uses
// github.com/consensys/gnark for this) is out of scope for a backend that
// exists only to prove compliance predicates, not BLS aggregation.
//
// Grounded on the teacher's pkg/proof/certen_proof.go (a ProofConfig +
// versioned proof-artifact struct with a verification-status section) and
// pkg/proof/governance_types.go's typed, leveled verification outcome.
package proof

import (
	"errors"
	"fmt"
	"time"

	"github.com/capagent/cap-agent/capcrypto"
	"github.com/capagent/cap-agent/policy"
)

// ErrBackendUnknown is returned by Select when no backend is registered
// under the requested name (E-BACKEND-UNKNOWN).
var ErrBackendUnknown = errors.New("proof: unknown backend")

// ErrNotImplemented is returned by stub backends' Prove/Verify methods.
var ErrNotImplemented = errors.New("proof: backend not implemented")

// Statement is the public input a proof attests to: a policy hash, the
// commitment roots it was evaluated against, optional sanctions/
// jurisdiction roots, and the names of the constraints the proof covers.
// Everything here is safe to transmit alongside the artifact; the private
// data a backend evaluates those constraints against lives in Witness and
// never appears in a Statement or an Artifact.
type Statement struct {
	PolicyHash            string   `json:"policy_hash"`
	CompanyCommitmentRoot string   `json:"company_commitment_root"`
	SanctionsRoot         string   `json:"sanctions_root,omitempty"`
	JurisdictionRoot      string   `json:"jurisdiction_root,omitempty"`
	ConstraintNames       []string `json:"constraint_names,omitempty"`
}

// Witness carries the private inputs a backend's Prove evaluates a
// policy's constraints against. None of it is transmitted or retained in
// the resulting Artifact; only the boolean outcome of each named check is.
type Witness struct {
	SupplierCount    int
	UBOCount         int
	SanctionedHashes []string          // supplier/UBO row hashes flagged against a sanctions list
	Values           map[string]string // named values v2 rules reference via Rule.Input
}

// CheckResult is one named constraint's evaluation outcome, baked into an
// Artifact's payload by Prove.
type CheckResult struct {
	Name string `json:"name"`
	OK   bool   `json:"ok"`
}

// Hash computes h256(canonical_json(statement)), the value a proof
// artifact is bound to.
func (s Statement) Hash() (string, error) {
	canon, err := capcrypto.CanonicalJSONOf(s)
	if err != nil {
		return "", fmt.Errorf("proof: canonicalize statement: %w", err)
	}
	h := capcrypto.H256(canon)
	return capcrypto.HexEncode0x(h[:]), nil
}

// Artifact is the backend-produced proof, opaque to everything except the
// backend that produced it.
type Artifact struct {
	Backend       string    `json:"backend"`
	StatementHash string    `json:"statement_hash"`
	Payload       []byte    `json:"payload"`
	GeneratedAt   time.Time `json:"generated_at"`
}

// Hash computes d256(canonical_json(artifact)), the value stored as an
// entry's proof hash. Hashing the canonical artifact rather than its raw
// on-disk bytes means register-time and verify-time always agree on the
// same digest regardless of incidental JSON whitespace or key order.
func (a Artifact) Hash() (string, error) {
	canon, err := capcrypto.CanonicalJSONOf(a)
	if err != nil {
		return "", fmt.Errorf("proof: canonicalize artifact: %w", err)
	}
	d := capcrypto.D256(canon)
	return capcrypto.HexEncode0x(d[:]), nil
}

// System is the pluggable backend contract every proof system implements.
// Prove takes the policy and witness: it needs both to genuinely evaluate
// the policy's constraints. Verify takes only the statement and
// the resulting artifact, so it stays pure and I/O-free — it trusts the
// artifact's baked-in check results rather than re-deriving them, which is
// what makes it safe to run inside the sandboxed verifier core.
type System interface {
	Name() string
	Prove(p *policy.Policy, statement Statement, witness Witness) (Artifact, error)
	Verify(statement Statement, artifact Artifact) (bool, error)
}

// Registry resolves backend names to System implementations.
type Registry struct {
	backends map[string]System
}

// NewRegistry builds a registry pre-populated with the mock backend and
// the zkvm/halo2 stubs.
func NewRegistry() *Registry {
	r := &Registry{backends: make(map[string]System)}
	r.Register(NewMockSystem())
	r.Register(NewStubSystem("zkvm"))
	r.Register(NewStubSystem("halo2"))
	return r
}

// Register adds or replaces a backend under its own Name().
func (r *Registry) Register(s System) {
	r.backends[s.Name()] = s
}

// Select resolves a backend by name.
func (r *Registry) Select(name string) (System, error) {
	s, ok := r.backends[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBackendUnknown, name)
	}
	return s, nil
}
