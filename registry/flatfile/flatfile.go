// Copyright 2025 CAP Agent Project
//
// Package flatfile implements registry.Store over a single JSON document,
// rewritten atomically on every write via a temp-file-plus-rename, in the
// style of the teacher's pkg/ledger single-writer KV convention adapted to
// a whole-document store rather than a key-value one.
package flatfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/capagent/cap-agent/registry"
)

type document struct {
	Schema  int               `json:"schema"`
	Entries map[string]registry.Entry `json:"entries"`
}

// Store is a single-file registry.Store implementation.
type Store struct {
	mu   sync.RWMutex
	path string
	doc  document
}

// Open loads path if it exists, or initializes a fresh document at the
// current schema version if it does not.
func Open(path string) (*Store, error) {
	s := &Store{path: path}

	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("flatfile: read: %w", err)
		}
		s.doc = document{Schema: registry.SchemaVersion, Entries: make(map[string]registry.Entry)}
		if err := s.persist(); err != nil {
			return nil, err
		}
		return s, nil
	}

	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("flatfile: unmarshal: %w", err)
	}
	if doc.Entries == nil {
		doc.Entries = make(map[string]registry.Entry)
	}
	if err := registry.CheckSchema(doc.Schema); err != nil {
		return nil, err
	}
	s.doc = doc
	return s, nil
}

func (s *Store) persist() error {
	raw, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("flatfile: marshal: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("flatfile: create dir: %w", err)
	}
	if err := os.WriteFile(tmp, raw, 0644); err != nil {
		return fmt.Errorf("flatfile: write temp: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("flatfile: rename into place: %w", err)
	}
	return nil
}

// SchemaVersion implements registry.Store.
func (s *Store) SchemaVersion() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.Schema, nil
}

// Put implements registry.Store.
func (s *Store) Put(e registry.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.doc.Entries {
		if existing.ManifestHash == e.ManifestHash && existing.ProofHash == e.ProofHash {
			return registry.ErrDuplicateEntry
		}
	}
	s.doc.Entries[e.ID] = e
	return s.persist()
}

// Get implements registry.Store.
func (s *Store) Get(id string) (registry.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.doc.Entries[id]
	if !ok {
		return registry.Entry{}, registry.ErrNotFound
	}
	return e, nil
}

// FindByManifestHash implements registry.Store.
func (s *Store) FindByManifestHash(manifestHash string) ([]registry.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []registry.Entry
	for _, e := range s.doc.Entries {
		if e.ManifestHash == manifestHash {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RegisteredAt.Before(out[j].RegisteredAt) })
	return out, nil
}

// FindByHashes implements registry.Store.
func (s *Store) FindByHashes(manifestHash, proofHash string) ([]registry.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []registry.Entry
	for _, e := range s.doc.Entries {
		if e.ManifestHash == manifestHash && e.ProofHash == proofHash {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RegisteredAt.Before(out[j].RegisteredAt) })
	return out, nil
}

// List implements registry.Store.
func (s *Store) List() ([]registry.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]registry.Entry, 0, len(s.doc.Entries))
	for _, e := range s.doc.Entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RegisteredAt.Before(out[j].RegisteredAt) })
	return out, nil
}

// Close implements registry.Store. The flat-file backend holds no
// resources beyond the in-memory document, so Close is a no-op.
func (s *Store) Close() error { return nil }
