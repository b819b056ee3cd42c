// Copyright 2025 CAP Agent Project
//
// Package verifier implements the offline verifier (C11): a fixed
// eight-step check order over a manifest, its proof artifact, its audit
// log, and an optional registry cross-check, short-circuiting on the
// first failing step and producing a structured report.
//
// Grounded on the teacher's pkg/verification.UnifiedVerifier (a
// multi-stage verification pipeline returning a single structured result,
// stopping at the first unrecoverable stage) and pkg/attestation's
// pattern of a small Config struct plus a bracketed logger.
package verifier

import (
	"fmt"
	"log"

	"github.com/capagent/cap-agent/audit"
	"github.com/capagent/cap-agent/capsign"
	"github.com/capagent/cap-agent/manifest"
	"github.com/capagent/cap-agent/proof"
	"github.com/capagent/cap-agent/registry"
)

// Step names the eight fixed stages, in the order they always run.
type Step string

const (
	StepSchemaVersions     Step = "schema_versions"
	StepManifestHash       Step = "manifest_hash"
	StepSignatures         Step = "signatures"
	StepAuditTail          Step = "audit_tail"
	StepTimeAnchor         Step = "time_anchor"
	StepProofBackend       Step = "proof_backend"
	StepRegistryCrossCheck Step = "registry_cross_check"
	StepBlobPackage        Step = "blob_package"
)

var stepOrder = []Step{
	StepSchemaVersions,
	StepManifestHash,
	StepSignatures,
	StepAuditTail,
	StepTimeAnchor,
	StepProofBackend,
	StepRegistryCrossCheck,
	StepBlobPackage,
}

// StepResult records the outcome of one step.
type StepResult struct {
	Step   Step   `json:"step"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// Status is the overall verdict.
type Status string

const (
	StatusVerified Status = "verified"
	StatusFailed   Status = "failed"
)

// Report is the structured output of a verification run.
type Report struct {
	Status       Status       `json:"status"`
	ManifestHash string       `json:"manifest_hash"`
	ProofHash    string       `json:"proof_hash"`
	Steps        []StepResult `json:"steps"`
}

// Input bundles everything a verification run needs. TrustedSignerKeys
// maps a KID to a public key the verifier accepts; RegistryStore and
// AuditStore are optional — when nil, their corresponding steps pass
// trivially (recorded with a "skipped" detail) rather than failing,
// matching §6's treatment of optional components.
type Input struct {
	Manifest        *manifest.Manifest
	ProofArtifact    proof.Artifact
	ProofStatement   proof.Statement
	ProofRegistry    *proof.Registry
	TrustedSignerKeys map[string][]byte // KID -> raw Ed25519 public key bytes
	AuditStore       audit.Store
	RegistryStore    registry.Store
}

// Verifier runs the fixed eight-step check order.
type Verifier struct {
	logger *log.Logger
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithLogger overrides the verifier's logger.
func WithLogger(logger *log.Logger) Option {
	return func(v *Verifier) { v.logger = logger }
}

// New constructs a Verifier.
func New(opts ...Option) *Verifier {
	v := &Verifier{logger: log.New(log.Writer(), "[Verifier] ", log.LstdFlags)}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify runs all eight steps against in, stopping at the first failure.
func (v *Verifier) Verify(in Input) Report {
	report := Report{Status: StatusVerified}

	for _, step := range stepOrder {
		result := v.runStep(step, in)
		report.Steps = append(report.Steps, result)
		if !result.Passed {
			report.Status = StatusFailed
			v.logger.Printf("verification failed at step %s: %s", step, result.Detail)
			break
		}
	}

	if report.Status == StatusVerified {
		if h, err := in.Manifest.Hash(); err == nil {
			report.ManifestHash = h
		}
		if h, err := in.ProofArtifact.Hash(); err == nil {
			report.ProofHash = h
		}
	}

	return report
}

func (v *Verifier) runStep(step Step, in Input) StepResult {
	switch step {
	case StepSchemaVersions:
		return v.checkSchemaVersions(in)
	case StepManifestHash:
		return v.checkManifestHash(in)
	case StepSignatures:
		return v.checkSignatures(in)
	case StepAuditTail:
		return v.checkAuditTail(in)
	case StepTimeAnchor:
		return v.checkTimeAnchor(in)
	case StepProofBackend:
		return v.checkProofBackend(in)
	case StepRegistryCrossCheck:
		return v.checkRegistryCrossCheck(in)
	case StepBlobPackage:
		return v.checkBlobPackage(in)
	default:
		return StepResult{Step: step, Passed: false, Detail: "unknown step"}
	}
}

func (v *Verifier) checkSchemaVersions(in Input) StepResult {
	if errs := in.Manifest.Validate(false); len(errs) > 0 {
		return StepResult{Step: StepSchemaVersions, Passed: false, Detail: fmt.Sprintf("%v", errs)}
	}
	return StepResult{Step: StepSchemaVersions, Passed: true}
}

func (v *Verifier) checkManifestHash(in Input) StepResult {
	h, err := in.Manifest.Hash()
	if err != nil {
		return StepResult{Step: StepManifestHash, Passed: false, Detail: err.Error()}
	}
	if h == "" {
		return StepResult{Step: StepManifestHash, Passed: false, Detail: "empty manifest hash"}
	}
	return StepResult{Step: StepManifestHash, Passed: true}
}

func (v *Verifier) checkSignatures(in Input) StepResult {
	if len(in.Manifest.Signatures) == 0 {
		return StepResult{Step: StepSignatures, Passed: false, Detail: "manifest has no signatures"}
	}
	for _, sig := range in.Manifest.Signatures {
		pub, ok := in.TrustedSignerKeys[sig.KID]
		if !ok {
			return StepResult{Step: StepSignatures, Passed: false, Detail: fmt.Sprintf("untrusted signer kid %q", sig.KID)}
		}
		ok2, err := capsign.VerifyManifestSignature(in.Manifest, sig, pub)
		if err != nil {
			return StepResult{Step: StepSignatures, Passed: false, Detail: err.Error()}
		}
		if !ok2 {
			return StepResult{Step: StepSignatures, Passed: false, Detail: fmt.Sprintf("signature from kid %q does not verify", sig.KID)}
		}
	}
	return StepResult{Step: StepSignatures, Passed: true}
}

func (v *Verifier) checkAuditTail(in Input) StepResult {
	if in.AuditStore == nil {
		return StepResult{Step: StepAuditTail, Passed: true, Detail: "skipped: no audit store provided"}
	}
	if err := audit.Verify(in.AuditStore); err != nil {
		return StepResult{Step: StepAuditTail, Passed: false, Detail: err.Error()}
	}
	tail, err := audit.New(in.AuditStore).Tail()
	if err != nil {
		return StepResult{Step: StepAuditTail, Passed: false, Detail: err.Error()}
	}
	if tail.LastDigest != in.Manifest.AuditTailDigest || tail.NextSeq != in.Manifest.AuditTailSeq+1 {
		return StepResult{Step: StepAuditTail, Passed: false, Detail: "audit tail does not match manifest"}
	}
	return StepResult{Step: StepAuditTail, Passed: true}
}

func (v *Verifier) checkTimeAnchor(in Input) StepResult {
	if in.Manifest.TimeAnchor == nil {
		return StepResult{Step: StepTimeAnchor, Passed: true, Detail: "skipped: no time anchor declared"}
	}
	if in.Manifest.TimeAnchor.Token == "" {
		return StepResult{Step: StepTimeAnchor, Passed: false, Detail: "time anchor declared but token is empty"}
	}
	return StepResult{Step: StepTimeAnchor, Passed: true}
}

func (v *Verifier) checkProofBackend(in Input) StepResult {
	if in.ProofRegistry == nil {
		return StepResult{Step: StepProofBackend, Passed: false, Detail: "no proof registry configured"}
	}
	backendName := in.ProofArtifact.Backend
	if backendName == "" && in.Manifest.Proof != nil {
		backendName = in.Manifest.Proof.Backend
	}
	backend, err := in.ProofRegistry.Select(backendName)
	if err != nil {
		return StepResult{Step: StepProofBackend, Passed: false, Detail: err.Error()}
	}
	ok, err := backend.Verify(in.ProofStatement, in.ProofArtifact)
	if err != nil {
		return StepResult{Step: StepProofBackend, Passed: false, Detail: err.Error()}
	}
	if !ok {
		return StepResult{Step: StepProofBackend, Passed: false, Detail: "proof artifact does not verify"}
	}
	return StepResult{Step: StepProofBackend, Passed: true}
}

func (v *Verifier) checkRegistryCrossCheck(in Input) StepResult {
	if in.RegistryStore == nil {
		return StepResult{Step: StepRegistryCrossCheck, Passed: true, Detail: "skipped: no registry store provided"}
	}
	manifestHash, err := in.Manifest.Hash()
	if err != nil {
		return StepResult{Step: StepRegistryCrossCheck, Passed: false, Detail: err.Error()}
	}
	proofHash, err := in.ProofArtifact.Hash()
	if err != nil {
		return StepResult{Step: StepRegistryCrossCheck, Passed: false, Detail: err.Error()}
	}
	entries, err := in.RegistryStore.FindByHashes(manifestHash, proofHash)
	if err != nil {
		return StepResult{Step: StepRegistryCrossCheck, Passed: false, Detail: err.Error()}
	}
	if len(entries) != 1 {
		return StepResult{Step: StepRegistryCrossCheck, Passed: false, Detail: fmt.Sprintf("expected exactly one registry entry for (manifest_hash, proof_hash), found %d", len(entries))}
	}
	return StepResult{Step: StepRegistryCrossCheck, Passed: true}
}

func (v *Verifier) checkBlobPackage(in Input) StepResult {
	if in.Manifest.Proof == nil || in.Manifest.Proof.BlobID == "" {
		return StepResult{Step: StepBlobPackage, Passed: true, Detail: "skipped: no proof blob declared"}
	}
	statementHash, err := in.ProofStatement.Hash()
	if err != nil {
		return StepResult{Step: StepBlobPackage, Passed: false, Detail: err.Error()}
	}
	if in.Manifest.Proof.Statement != "" && in.Manifest.Proof.Statement != statementHash {
		return StepResult{Step: StepBlobPackage, Passed: false, Detail: "declared statement hash does not match recomputed statement"}
	}
	return StepResult{Step: StepBlobPackage, Passed: true}
}
