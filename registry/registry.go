// Copyright 2025 CAP Agent Project
//
// Package registry defines the RegistryStore capability set (C10) shared
// by the flat-file and embedded-SQL backends: entries carrying manifest
// and proof identity, signatures, BLOB references, and self-verify
// status, plus the schema-versioning contract both backends must honor.
//
// Grounded on the teacher's pkg/database.Repositories aggregate (many
// typed repositories behind one struct, each with Create/Get/List) and
// pkg/ledger's explicit sentinel errors instead of (nil, nil) returns.
package registry

import (
	"errors"
	"fmt"
	"time"

	"github.com/capagent/cap-agent/manifest"
)

// SchemaVersion is the current registry entry schema.
const SchemaVersion = 1

// ErrSchemaTooNew is returned when a registry file or database declares a
// schema version newer than this build understands (E-REGISTRY-SCHEMA-TOO-NEW).
var ErrSchemaTooNew = errors.New("registry: schema version is newer than this build supports")

// ErrNotFound is returned when a lookup finds no matching entry.
var ErrNotFound = errors.New("registry: entry not found")

// ErrDuplicateEntry is returned when an insert would violate the
// (manifest_hash, proof_hash) uniqueness constraint.
var ErrDuplicateEntry = errors.New("registry: duplicate (manifest_hash, proof_hash) entry")

// Entry is one registered manifest/proof pair.
type Entry struct {
	ID             string              `json:"id"`
	ManifestHash   string              `json:"manifest_hash"`
	ProofHash      string              `json:"proof_hash"`
	BackendName    string              `json:"backend_name"`
	ManifestBlobID string              `json:"manifest_blob_id"`
	ProofBlobID    string              `json:"proof_blob_id"`
	RegisteredAt   time.Time           `json:"registered_at"`
	Signatures     []manifest.Signature `json:"signatures"`
	SelfVerified   bool                `json:"self_verified"`
}

// Store is the capability set both backends implement.
type Store interface {
	// SchemaVersion reports the schema version the underlying storage was
	// created with.
	SchemaVersion() (int, error)

	// Put inserts a new entry, returning ErrDuplicateEntry if an entry
	// with the same (manifest_hash, proof_hash) already exists.
	Put(e Entry) error

	// Get looks up an entry by id.
	Get(id string) (Entry, error)

	// FindByManifestHash returns every entry registered for a manifest
	// hash (normally at most one, but the contract allows re-registration
	// under a new proof backend).
	FindByManifestHash(manifestHash string) ([]Entry, error)

	// FindByHashes returns every entry registered for an exact
	// (manifest_hash, proof_hash) pair. A verifier's registry cross-check
	// requires exactly one match.
	FindByHashes(manifestHash, proofHash string) ([]Entry, error)

	// List returns every entry, ordered by RegisteredAt ascending.
	List() ([]Entry, error)

	// Close releases any resources the backend holds open.
	Close() error
}

// CheckSchema returns ErrSchemaTooNew when the stored schema version
// exceeds what this build recognizes.
func CheckSchema(stored int) error {
	if stored > SchemaVersion {
		return fmt.Errorf("%w: stored=%d, supported=%d", ErrSchemaTooNew, stored, SchemaVersion)
	}
	return nil
}
