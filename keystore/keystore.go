// Copyright 2025 CAP Agent Project
//
// Package keystore manages Ed25519 signing keys on disk (C7): versioned
// owner key files, rotation with a predecessor-to-successor attestation
// record, and KID-based lookup.
//
// Grounded on the teacher's pkg/attestation signer config pattern
// (Config/DefaultConfig, a logger field) and pkg/database's repository
// style of returning sentinel errors for "not found" rather than (nil,
// nil), generalized from an in-memory validator key to an on-disk,
// rotatable owner key.
package keystore

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/capagent/cap-agent/capsign"
)

// ErrKeyNotFound is returned when an owner has no key files at all.
var ErrKeyNotFound = errors.New("keystore: key not found")

// ErrKeyRetired is returned when a signing operation is attempted against
// a key version that has been superseded by rotation.
var ErrKeyRetired = errors.New("keystore: key is retired")

// AttestationSchema identifies the attestation record shape.
const AttestationSchema = "cap-key-attestation.v1"

// Attestation is the record produced when a key is rotated: the
// predecessor key signs a statement binding its own KID (SignerKID) to its
// successor's (SubjectKID), attesting that the subject key is its
// authorized replacement. The chain is walkable backward from any KID to
// its earliest ancestor by following SubjectKID -> SignerKID links.
type Attestation struct {
	Schema     string    `json:"schema"`
	SignerKID  string    `json:"signer_kid"`
	SubjectKID string    `json:"subject_kid"`
	Signature  string    `json:"signature"`
	IssuedAt   time.Time `json:"issued_at"`
}

// KeyVersion is one owner key version on disk.
type KeyVersion struct {
	Owner      string
	Version    int
	KID        string
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey // nil when only the public half is held (e.g. a verifier-only store)
	Retired    bool
}

// Store manages key files under a root directory, laid out as
// <root>/<owner>.v<N>.json (metadata), <root>/<owner>.v<N> (private key,
// raw bytes, 0600), <root>/<owner>.v<N>.pub (public key, raw bytes), plus
// <root>/archive/ for retired versions and <root>/trusted/ for
// counterparty public keys a verifier has pinned.
type Store struct {
	root string
}

// NewStore returns a Store rooted at dir, creating it if absent.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("keystore: create root: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "archive"), 0700); err != nil {
		return nil, fmt.Errorf("keystore: create archive dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "trusted"), 0700); err != nil {
		return nil, fmt.Errorf("keystore: create trusted dir: %w", err)
	}
	return &Store{root: dir}, nil
}

func (s *Store) metaPath(owner string, version int) string {
	return filepath.Join(s.root, fmt.Sprintf("%s.v%d.json", owner, version))
}

func (s *Store) privPath(owner string, version int) string {
	return filepath.Join(s.root, fmt.Sprintf("%s.v%d", owner, version))
}

func (s *Store) pubPath(owner string, version int) string {
	return filepath.Join(s.root, fmt.Sprintf("%s.v%d.pub", owner, version))
}

func (s *Store) archiveMetaPath(owner string, version int) string {
	return filepath.Join(s.root, "archive", fmt.Sprintf("%s.v%d.json", owner, version))
}

func (s *Store) archivePrivPath(owner string, version int) string {
	return filepath.Join(s.root, "archive", fmt.Sprintf("%s.v%d", owner, version))
}

func (s *Store) archivePubPath(owner string, version int) string {
	return filepath.Join(s.root, "archive", fmt.Sprintf("%s.v%d.pub", owner, version))
}

func (s *Store) attestationsPath(owner string) string {
	return filepath.Join(s.root, fmt.Sprintf("%s.attestations.jsonl", owner))
}

type keyMeta struct {
	Owner   string `json:"owner"`
	Version int    `json:"version"`
	KID     string `json:"kid"`
	Retired bool   `json:"retired"`
}

// Generate creates the owner's first key version (v1) if none exists.
func (s *Store) Generate(owner string) (*KeyVersion, error) {
	versions, err := s.listVersions(owner)
	if err != nil {
		return nil, err
	}
	if len(versions) > 0 {
		return nil, fmt.Errorf("keystore: owner %q already has key versions", owner)
	}
	return s.writeNewVersion(owner, 1)
}

func (s *Store) writeNewVersion(owner string, version int) (*KeyVersion, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("keystore: generate key: %w", err)
	}
	kid := capsign.KID(pub)

	if err := os.WriteFile(s.privPath(owner, version), priv, 0600); err != nil {
		return nil, fmt.Errorf("keystore: write private key: %w", err)
	}
	if err := os.WriteFile(s.pubPath(owner, version), pub, 0644); err != nil {
		return nil, fmt.Errorf("keystore: write public key: %w", err)
	}
	meta := keyMeta{Owner: owner, Version: version, KID: kid}
	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("keystore: marshal meta: %w", err)
	}
	if err := os.WriteFile(s.metaPath(owner, version), metaBytes, 0644); err != nil {
		return nil, fmt.Errorf("keystore: write meta: %w", err)
	}

	return &KeyVersion{Owner: owner, Version: version, KID: kid, PublicKey: pub, PrivateKey: priv}, nil
}

// Rotate generates a new key version for owner, has the predecessor key
// attest to the successor's KID, persists that Attestation to the owner's
// append-only attestation log, archives the predecessor's key files, and
// returns the new version alongside the attestation record.
func (s *Store) Rotate(owner string) (*KeyVersion, Attestation, error) {
	current, err := s.Latest(owner)
	if err != nil {
		return nil, Attestation{}, err
	}
	if current.PrivateKey == nil {
		return nil, Attestation{}, fmt.Errorf("keystore: owner %q predecessor key has no private key material to attest with", owner)
	}

	next, err := s.writeNewVersion(owner, current.Version+1)
	if err != nil {
		return nil, Attestation{}, err
	}

	predecessorSigner, err := capsign.NewSigner(current.PrivateKey)
	if err != nil {
		return nil, Attestation{}, err
	}
	sigB64, err := predecessorSigner.SignAttestation(next.KID)
	if err != nil {
		return nil, Attestation{}, err
	}

	att := Attestation{
		Schema:     AttestationSchema,
		SignerKID:  current.KID,
		SubjectKID: next.KID,
		Signature:  sigB64,
		IssuedAt:   time.Now().UTC(),
	}

	if err := s.appendAttestation(owner, att); err != nil {
		return nil, Attestation{}, err
	}

	if err := s.retire(owner, current.Version); err != nil {
		return nil, Attestation{}, err
	}

	return next, att, nil
}

// retire marks version retired and moves its metadata, private key, and
// public key files into archive/. Load never returns private key material
// for a file found under archive/, so once retired a key version can no
// longer be used to construct a capsign.Signer through any path.
func (s *Store) retire(owner string, version int) error {
	meta := keyMeta{}
	metaBytes, err := os.ReadFile(s.metaPath(owner, version))
	if err != nil {
		return fmt.Errorf("keystore: read meta for retire: %w", err)
	}
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return fmt.Errorf("keystore: unmarshal meta for retire: %w", err)
	}
	meta.Retired = true
	metaBytes, err = json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("keystore: marshal retired meta: %w", err)
	}
	if err := os.WriteFile(s.metaPath(owner, version), metaBytes, 0644); err != nil {
		return fmt.Errorf("keystore: write retired meta: %w", err)
	}

	if err := os.Rename(s.metaPath(owner, version), s.archiveMetaPath(owner, version)); err != nil {
		return fmt.Errorf("keystore: archive meta: %w", err)
	}
	if err := os.Rename(s.pubPath(owner, version), s.archivePubPath(owner, version)); err != nil {
		return fmt.Errorf("keystore: archive public key: %w", err)
	}
	if err := os.Rename(s.privPath(owner, version), s.archivePrivPath(owner, version)); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("keystore: archive private key: %w", err)
		}
	}
	return nil
}

// listVersions returns every version number on disk for owner, ascending,
// across both the root directory and archive/.
func (s *Store) listVersions(owner string) ([]int, error) {
	seen := make(map[int]bool)
	for _, dir := range []string{s.root, filepath.Join(s.root, "archive")} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("keystore: read %s: %w", dir, err)
		}
		prefix := owner + ".v"
		for _, e := range entries {
			name := e.Name()
			if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".json") {
				continue
			}
			numStr := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".json")
			n, err := strconv.Atoi(numStr)
			if err != nil {
				continue
			}
			seen[n] = true
		}
	}
	versions := make([]int, 0, len(seen))
	for n := range seen {
		versions = append(versions, n)
	}
	sort.Ints(versions)
	return versions, nil
}

// Latest returns the owner's highest-numbered key version, including its
// private key if present on disk.
func (s *Store) Latest(owner string) (*KeyVersion, error) {
	versions, err := s.listVersions(owner)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, ErrKeyNotFound
	}
	return s.Load(owner, versions[len(versions)-1])
}

// Load reads a specific key version, checking the root directory first and
// falling back to archive/ for retired versions. Private key material is
// only ever read from whichever location the metadata file was found in —
// an archived version never yields a private key, even if a stray copy of
// the raw key file is still sitting in the root directory.
func (s *Store) Load(owner string, version int) (*KeyVersion, error) {
	metaBytes, err := os.ReadFile(s.metaPath(owner, version))
	archived := false
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("keystore: read meta: %w", err)
		}
		metaBytes, err = os.ReadFile(s.archiveMetaPath(owner, version))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, ErrKeyNotFound
			}
			return nil, fmt.Errorf("keystore: read archived meta: %w", err)
		}
		archived = true
	}
	var meta keyMeta
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return nil, fmt.Errorf("keystore: unmarshal meta: %w", err)
	}

	pubPath, privPath := s.pubPath(owner, version), s.privPath(owner, version)
	if archived {
		pubPath, privPath = s.archivePubPath(owner, version), s.archivePrivPath(owner, version)
	}

	pubBytes, err := os.ReadFile(pubPath)
	if err != nil {
		return nil, fmt.Errorf("keystore: read public key: %w", err)
	}

	kv := &KeyVersion{
		Owner:     owner,
		Version:   version,
		KID:       meta.KID,
		PublicKey: ed25519.PublicKey(pubBytes),
		Retired:   meta.Retired || archived,
	}

	if !kv.Retired {
		if privBytes, err := os.ReadFile(privPath); err == nil {
			kv.PrivateKey = ed25519.PrivateKey(privBytes)
		}
	}

	return kv, nil
}

// ResolveKID searches every version of owner for a matching KID.
func (s *Store) ResolveKID(owner, kid string) (*KeyVersion, error) {
	versions, err := s.listVersions(owner)
	if err != nil {
		return nil, err
	}
	for _, v := range versions {
		kv, err := s.Load(owner, v)
		if err != nil {
			return nil, err
		}
		if kv.KID == kid {
			return kv, nil
		}
	}
	return nil, ErrKeyNotFound
}

// listOwners returns every distinct owner name with at least one key
// version on disk, in either the root directory or archive/.
func (s *Store) listOwners() ([]string, error) {
	seen := make(map[string]bool)
	for _, dir := range []string{s.root, filepath.Join(s.root, "archive")} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("keystore: read %s: %w", dir, err)
		}
		for _, e := range entries {
			name := e.Name()
			if !strings.HasSuffix(name, ".json") {
				continue
			}
			idx := strings.LastIndex(name, ".v")
			if idx <= 0 {
				continue
			}
			seen[name[:idx]] = true
		}
	}
	owners := make([]string, 0, len(seen))
	for o := range seen {
		owners = append(owners, o)
	}
	sort.Strings(owners)
	return owners, nil
}

// ResolveAnyKID searches every known owner's key versions, then the
// trusted/ directory, for a matching KID, returning its public key and
// whether the owning version is retired. This lets a verifier resolve a
// signature's KID without being told in advance which owner produced it.
func (s *Store) ResolveAnyKID(kid string) (ed25519.PublicKey, bool, error) {
	owners, err := s.listOwners()
	if err != nil {
		return nil, false, err
	}
	for _, owner := range owners {
		kv, err := s.ResolveKID(owner, kid)
		if err != nil {
			if errors.Is(err, ErrKeyNotFound) {
				continue
			}
			return nil, false, err
		}
		return kv.PublicKey, kv.Retired, nil
	}
	pub, err := s.ResolveTrusted(kid)
	if err != nil {
		return nil, false, err
	}
	return pub, false, nil
}

// TrustPublicKey pins a counterparty's public key under trusted/, keyed by
// its derived KID, so ResolveAnyKID and ResolveTrusted can find it without
// that owner's private key ever existing in this store.
func (s *Store) TrustPublicKey(owner string, pub ed25519.PublicKey) (string, error) {
	kid := capsign.KID(pub)
	path := filepath.Join(s.root, "trusted", fmt.Sprintf("%s.%s.pub", owner, kid))
	if err := os.WriteFile(path, pub, 0644); err != nil {
		return "", fmt.Errorf("keystore: write trusted key: %w", err)
	}
	return kid, nil
}

// ResolveTrusted searches trusted/ for a public key file whose name embeds
// the given KID.
func (s *Store) ResolveTrusted(kid string) (ed25519.PublicKey, error) {
	dir := filepath.Join(s.root, "trusted")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("keystore: read trusted dir: %w", err)
	}
	suffix := "." + kid + ".pub"
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), suffix) {
			continue
		}
		pubBytes, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("keystore: read trusted key: %w", err)
		}
		return ed25519.PublicKey(pubBytes), nil
	}
	return nil, ErrKeyNotFound
}

// appendAttestation writes att as one JSON line to the owner's attestation
// log, creating the file on first use.
func (s *Store) appendAttestation(owner string, att Attestation) error {
	line, err := json.Marshal(att)
	if err != nil {
		return fmt.Errorf("keystore: marshal attestation: %w", err)
	}
	f, err := os.OpenFile(s.attestationsPath(owner), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("keystore: open attestation log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("keystore: append attestation: %w", err)
	}
	return nil
}

// Attestations returns every attestation recorded for owner, in the order
// they were issued. A missing log is treated as empty, not an error.
func (s *Store) Attestations(owner string) ([]Attestation, error) {
	data, err := os.ReadFile(s.attestationsPath(owner))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("keystore: read attestation log: %w", err)
	}
	var out []Attestation
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var att Attestation
		if err := json.Unmarshal([]byte(line), &att); err != nil {
			return nil, fmt.Errorf("keystore: unmarshal attestation: %w", err)
		}
		out = append(out, att)
	}
	return out, nil
}

// WalkAttestationChain reconstructs the rotation chain for owner backward
// from fromKID, following SubjectKID -> SignerKID links until no further
// predecessor attestation exists, returning the chain oldest-first.
func (s *Store) WalkAttestationChain(owner, fromKID string) ([]Attestation, error) {
	attestations, err := s.Attestations(owner)
	if err != nil {
		return nil, err
	}
	bySubject := make(map[string]Attestation, len(attestations))
	for _, a := range attestations {
		bySubject[a.SubjectKID] = a
	}

	var chain []Attestation
	kid := fromKID
	for {
		att, ok := bySubject[kid]
		if !ok {
			break
		}
		chain = append(chain, att)
		kid = att.SignerKID
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// Signer returns a capsign.Signer for the owner's latest, non-retired key.
func (s *Store) Signer(owner string) (*capsign.Signer, error) {
	kv, err := s.Latest(owner)
	if err != nil {
		return nil, err
	}
	if kv.Retired {
		return nil, ErrKeyRetired
	}
	if kv.PrivateKey == nil {
		return nil, fmt.Errorf("keystore: owner %q has no private key material in this store", owner)
	}
	return capsign.NewSigner(kv.PrivateKey)
}
