// Copyright 2025 CAP Agent Project
//
// Package sqlstore implements registry.Store over an embedded SQL
// database via modernc.org/sqlite, a pure-Go driver with no cgo
// dependency — the teacher's own liteclient storage layer references this
// driver for the same reason (a verifier must run offline, without a
// platform C toolchain).
//
// Grounded on the teacher's pkg/database.Client (database/sql connection
// wrapper with functional ClientOption, PingContext on open) and
// pkg/database's repository pattern (one struct per entity, explicit
// schema migration).
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/capagent/cap-agent/manifest"
	"github.com/capagent/cap-agent/registry"
)

const schema = `
CREATE TABLE IF NOT EXISTS registry_meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS entries (
	id TEXT PRIMARY KEY,
	manifest_hash TEXT NOT NULL,
	proof_hash TEXT NOT NULL,
	backend_name TEXT NOT NULL,
	manifest_blob_id TEXT NOT NULL,
	proof_blob_id TEXT NOT NULL,
	registered_at TEXT NOT NULL,
	signatures TEXT NOT NULL,
	self_verified INTEGER NOT NULL,
	UNIQUE(manifest_hash, proof_hash)
);
`

// Store is a database/sql-backed registry.Store.
type Store struct {
	db     *sql.DB
	logger *log.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger overrides the store's logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// Open creates or attaches to a SQLite database file at path, creating
// the schema and meta row on first use.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open: %w", err)
	}
	db.SetMaxOpenConns(1) // single-writer core (§5); avoids SQLite lock contention

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlstore: ping: %w", err)
	}

	s := &Store{
		db:     db,
		logger: log.New(log.Writer(), "[SQLStore] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(s)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlstore: create schema: %w", err)
	}

	if err := s.ensureSchemaVersion(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) ensureSchemaVersion(ctx context.Context) error {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM registry_meta WHERE key = 'schema_version'`).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		_, err := s.db.ExecContext(ctx, `INSERT INTO registry_meta(key, value) VALUES ('schema_version', ?)`,
			fmt.Sprintf("%d", registry.SchemaVersion))
		return err
	}
	if err != nil {
		return fmt.Errorf("sqlstore: read schema version: %w", err)
	}
	var stored int
	if _, err := fmt.Sscanf(value, "%d", &stored); err != nil {
		return fmt.Errorf("sqlstore: parse schema version: %w", err)
	}
	return registry.CheckSchema(stored)
}

// SchemaVersion implements registry.Store.
func (s *Store) SchemaVersion() (int, error) {
	ctx := context.Background()
	var value string
	if err := s.db.QueryRowContext(ctx, `SELECT value FROM registry_meta WHERE key = 'schema_version'`).Scan(&value); err != nil {
		return 0, fmt.Errorf("sqlstore: read schema version: %w", err)
	}
	var v int
	_, err := fmt.Sscanf(value, "%d", &v)
	return v, err
}

// Put implements registry.Store.
func (s *Store) Put(e registry.Entry) error {
	sigJSON, err := json.Marshal(e.Signatures)
	if err != nil {
		return fmt.Errorf("sqlstore: marshal signatures: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO entries (id, manifest_hash, proof_hash, backend_name, manifest_blob_id, proof_blob_id, registered_at, signatures, self_verified)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ManifestHash, e.ProofHash, e.BackendName, e.ManifestBlobID, e.ProofBlobID,
		e.RegisteredAt.UTC().Format(time.RFC3339Nano), string(sigJSON), boolToInt(e.SelfVerified),
	)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return registry.ErrDuplicateEntry
		}
		return fmt.Errorf("sqlstore: insert entry: %w", err)
	}
	return nil
}

// Get implements registry.Store.
func (s *Store) Get(id string) (registry.Entry, error) {
	row := s.db.QueryRow(`SELECT id, manifest_hash, proof_hash, backend_name, manifest_blob_id, proof_blob_id, registered_at, signatures, self_verified FROM entries WHERE id = ?`, id)
	return scanEntry(row)
}

// FindByManifestHash implements registry.Store.
func (s *Store) FindByManifestHash(manifestHash string) ([]registry.Entry, error) {
	rows, err := s.db.Query(`SELECT id, manifest_hash, proof_hash, backend_name, manifest_blob_id, proof_blob_id, registered_at, signatures, self_verified FROM entries WHERE manifest_hash = ? ORDER BY registered_at ASC`, manifestHash)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: query by manifest hash: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// FindByHashes implements registry.Store.
func (s *Store) FindByHashes(manifestHash, proofHash string) ([]registry.Entry, error) {
	rows, err := s.db.Query(`SELECT id, manifest_hash, proof_hash, backend_name, manifest_blob_id, proof_blob_id, registered_at, signatures, self_verified FROM entries WHERE manifest_hash = ? AND proof_hash = ? ORDER BY registered_at ASC`, manifestHash, proofHash)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: query by manifest/proof hash: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// List implements registry.Store.
func (s *Store) List() ([]registry.Entry, error) {
	rows, err := s.db.Query(`SELECT id, manifest_hash, proof_hash, backend_name, manifest_blob_id, proof_blob_id, registered_at, signatures, self_verified FROM entries ORDER BY registered_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Close implements registry.Store.
func (s *Store) Close() error {
	return s.db.Close()
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row scannable) (registry.Entry, error) {
	var e registry.Entry
	var registeredAt, sigJSON string
	var selfVerified int
	err := row.Scan(&e.ID, &e.ManifestHash, &e.ProofHash, &e.BackendName, &e.ManifestBlobID, &e.ProofBlobID, &registeredAt, &sigJSON, &selfVerified)
	if errors.Is(err, sql.ErrNoRows) {
		return registry.Entry{}, registry.ErrNotFound
	}
	if err != nil {
		return registry.Entry{}, fmt.Errorf("sqlstore: scan entry: %w", err)
	}
	e.RegisteredAt, err = time.Parse(time.RFC3339Nano, registeredAt)
	if err != nil {
		return registry.Entry{}, fmt.Errorf("sqlstore: parse registered_at: %w", err)
	}
	var sigs []manifest.Signature
	if err := json.Unmarshal([]byte(sigJSON), &sigs); err != nil {
		return registry.Entry{}, fmt.Errorf("sqlstore: unmarshal signatures: %w", err)
	}
	e.Signatures = sigs
	e.SelfVerified = selfVerified != 0
	return e, nil
}

func scanEntries(rows *sql.Rows) ([]registry.Entry, error) {
	var out []registry.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueConstraintErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
