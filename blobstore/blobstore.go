// Copyright 2025 CAP Agent Project
//
// Package blobstore implements a content-addressable BLOB store (C9):
// put/get/ref_inc/ref_dec/gc/list over a directory of H256-addressed
// files, with refcount-based reclamation plus media-type-aware garbage
// collection.
//
// Grounded on the teacher's pkg/database.Client connection-wrapper
// pattern (functional ClientOption, bracketed logger) adapted from a SQL
// connection to a local directory, and pkg/ledger.LedgerStore's
// single-writer KV convention (the core is offline and single-writer, so
// blobstore does not need its own locking beyond what os.Rename already
// gives atomically).
package blobstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/capagent/cap-agent/capcrypto"
)

// ErrNotFound is returned by Get/RefDec when the blob id is unknown.
var ErrNotFound = errors.New("blobstore: blob not found")

// ErrRefcountNegative is returned when RefDec would drop a refcount below
// zero.
var ErrRefcountNegative = errors.New("blobstore: refcount would go negative")

// MediaType classifies what a blob's bytes represent. GC cross-checks
// known media types against a caller-supplied set of live registry
// references before reclaiming them.
type MediaType string

const (
	MediaManifest MediaType = "manifest"
	MediaProof    MediaType = "proof"
	MediaWASM     MediaType = "wasm"
	MediaABI      MediaType = "abi"
	MediaUnknown  MediaType = "unknown"
)

// Store is a directory-backed content-addressable BLOB store.
type Store struct {
	root   string
	logger *log.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger overrides the store's logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New creates a Store rooted at dir, creating it if absent.
func New(dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("blobstore: create root: %w", err)
	}
	s := &Store{
		root:   dir,
		logger: log.New(log.Writer(), "[BlobStore] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// BlobID computes "0x"+hex(H256(data)).
func BlobID(data []byte) string {
	h := capcrypto.H256(data)
	return capcrypto.HexEncode0x(h[:])
}

func (s *Store) dataPath(id string) string {
	return filepath.Join(s.root, id+".blob")
}

func (s *Store) metaPath(id string) string {
	return filepath.Join(s.root, id+".meta.json")
}

// blobMeta is the on-disk metadata record for one blob, replacing the
// earlier bare refcount integer file with a small JSON document so media
// type and creation time travel with the blob.
type blobMeta struct {
	MediaType MediaType `json:"media_type"`
	Refcount  int       `json:"refcount"`
	CreatedAt time.Time `json:"created_at"`
}

// Put stores data under its content hash, tagged with mediaType. Put is
// idempotent: storing the same bytes twice leaves the refcount and
// original media type untouched and returns the existing id; the caller
// must call RefInc explicitly to register a new reference.
func (s *Store) Put(mediaType MediaType, data []byte) (string, error) {
	id := BlobID(data)
	path := s.dataPath(id)

	if _, err := os.Stat(path); err == nil {
		return id, nil
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("blobstore: write temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("blobstore: rename into place: %w", err)
	}

	if _, err := s.readMeta(id); errors.Is(err, ErrNotFound) {
		if err := s.writeMeta(id, blobMeta{MediaType: mediaType, Refcount: 0, CreatedAt: time.Now().UTC()}); err != nil {
			return "", err
		}
	}
	return id, nil
}

// Get reads the bytes and declared media type stored under id.
func (s *Store) Get(id string) ([]byte, MediaType, error) {
	data, err := os.ReadFile(s.dataPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", ErrNotFound
		}
		return nil, "", fmt.Errorf("blobstore: read: %w", err)
	}
	meta, err := s.readMeta(id)
	if err != nil {
		return nil, "", err
	}
	return data, meta.MediaType, nil
}

func (s *Store) readMeta(id string) (blobMeta, error) {
	raw, err := os.ReadFile(s.metaPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return blobMeta{}, ErrNotFound
		}
		return blobMeta{}, fmt.Errorf("blobstore: read meta: %w", err)
	}
	var meta blobMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return blobMeta{}, fmt.Errorf("blobstore: unmarshal meta: %w", err)
	}
	return meta, nil
}

func (s *Store) writeMeta(id string, meta blobMeta) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("blobstore: marshal meta: %w", err)
	}
	return os.WriteFile(s.metaPath(id), raw, 0644)
}

// RefInc increments id's refcount, registering one more owner.
func (s *Store) RefInc(id string) (int, error) {
	meta, err := s.readMeta(id)
	if err != nil {
		return 0, err
	}
	meta.Refcount++
	if err := s.writeMeta(id, meta); err != nil {
		return 0, err
	}
	return meta.Refcount, nil
}

// RefDec decrements id's refcount. Decrementing below zero is rejected.
func (s *Store) RefDec(id string) (int, error) {
	meta, err := s.readMeta(id)
	if err != nil {
		return 0, err
	}
	if meta.Refcount <= 0 {
		return 0, ErrRefcountNegative
	}
	meta.Refcount--
	if err := s.writeMeta(id, meta); err != nil {
		return 0, err
	}
	return meta.Refcount, nil
}

// List returns every blob id currently stored matching filter, sorted. A
// zero filter value matches every media type.
func (s *Store) List(filter MediaType) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("blobstore: read root: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if filepath.Ext(name) != ".blob" {
			continue
		}
		id := name[:len(name)-len(".blob")]
		if filter != "" {
			meta, err := s.readMeta(id)
			if err != nil {
				return nil, err
			}
			if meta.MediaType != filter {
				continue
			}
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// GCReport summarizes a garbage-collection pass.
type GCReport struct {
	Collected []string
	Retained  []string
	DryRun    bool
}

// GCOptions bounds a GC pass. MinAge keeps recently written blobs even at
// zero refcount, giving an in-flight Put/RefInc pair time to land. LiveIDs,
// when non-nil, is consulted for blobs whose media type is one of the
// known registry-referenced kinds (manifest, proof, wasm, abi): such a
// blob is retained if its id appears in LiveIDs regardless of refcount,
// protecting against a missed RefInc. Blobs of MediaUnknown or an
// unrecognized media type are never cross-checked against LiveIDs — only
// their refcount and age govern collection.
type GCOptions struct {
	MinAge  time.Duration
	DryRun  bool
	LiveIDs map[string]bool
}

var registryCrossCheckedMediaTypes = map[MediaType]bool{
	MediaManifest: true,
	MediaProof:    true,
	MediaWASM:     true,
	MediaABI:      true,
}

// GC removes every blob whose refcount is zero, old enough per MinAge, and
// (for registry-referenced media types) absent from LiveIDs.
func (s *Store) GC(opts GCOptions) (GCReport, error) {
	ids, err := s.List("")
	if err != nil {
		return GCReport{}, err
	}

	report := GCReport{DryRun: opts.DryRun}
	now := time.Now().UTC()
	for _, id := range ids {
		meta, err := s.readMeta(id)
		if err != nil {
			return GCReport{}, fmt.Errorf("blobstore: gc meta for %s: %w", id, err)
		}
		if meta.Refcount > 0 {
			report.Retained = append(report.Retained, id)
			continue
		}
		if opts.MinAge > 0 && now.Sub(meta.CreatedAt) < opts.MinAge {
			report.Retained = append(report.Retained, id)
			continue
		}
		if registryCrossCheckedMediaTypes[meta.MediaType] && opts.LiveIDs != nil && opts.LiveIDs[id] {
			report.Retained = append(report.Retained, id)
			continue
		}

		report.Collected = append(report.Collected, id)
		if opts.DryRun {
			continue
		}
		if err := os.Remove(s.dataPath(id)); err != nil && !os.IsNotExist(err) {
			return GCReport{}, fmt.Errorf("blobstore: remove blob %s: %w", id, err)
		}
		if err := os.Remove(s.metaPath(id)); err != nil && !os.IsNotExist(err) {
			return GCReport{}, fmt.Errorf("blobstore: remove meta %s: %w", id, err)
		}
	}

	if len(report.Collected) > 0 {
		s.logger.Printf("gc: collected %d blobs, retained %d (dry_run=%v)", len(report.Collected), len(report.Retained), opts.DryRun)
	}
	return report, nil
}
