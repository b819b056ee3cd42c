//go:build registry_postgres

// Copyright 2025 CAP Agent Project
//
// Postgres variant of the SQL registry backend, built only with the
// registry_postgres tag. Grounded on the teacher's pkg/database/client.go,
// which opens a *sql.DB against Postgres via github.com/lib/pq and pings
// it before use; CAP Agent's offline-first default is the embedded
// modernc.org/sqlite backend in sqlstore.go, but an operator running the
// registry alongside an existing Postgres fleet can opt into this backend
// instead.
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

	_ "github.com/lib/pq"

	"github.com/capagent/cap-agent/registry"
)

const postgresSchema = `
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

// PostgresStore is a database/sql-backed registry.Store using Postgres.
type PostgresStore struct {
	db     *sql.DB
	logger *log.Logger
}

// OpenPostgres connects to a Postgres database at dsn, creating the schema
// and meta row on first use.
func OpenPostgres(dsn string, opts ...Option) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: postgres open: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlstore: postgres ping: %w", err)
	}

	s := &PostgresStore{
		db:     db,
		logger: log.New(log.Writer(), "[SQLStore] ", log.LstdFlags),
	}
	proxy := &Store{logger: s.logger}
	for _, opt := range opts {
		opt(proxy)
	}
	s.logger = proxy.logger

	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlstore: postgres create schema: %w", err)
	}
	if err := s.ensureSchemaVersion(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchemaVersion(ctx context.Context) error {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM registry_meta WHERE key = 'schema_version'`).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		_, err := s.db.ExecContext(ctx, `INSERT INTO registry_meta(key, value) VALUES ('schema_version', $1)`,
			fmt.Sprintf("%d", registry.SchemaVersion))
		return err
	}
	if err != nil {
		return fmt.Errorf("sqlstore: postgres read schema version: %w", err)
	}
	var stored int
	if _, err := fmt.Sscanf(value, "%d", &stored); err != nil {
		return fmt.Errorf("sqlstore: postgres parse schema version: %w", err)
	}
	return registry.CheckSchema(stored)
}

// SchemaVersion implements registry.Store.
func (s *PostgresStore) SchemaVersion() (int, error) {
	ctx := context.Background()
	var value string
	if err := s.db.QueryRowContext(ctx, `SELECT value FROM registry_meta WHERE key = 'schema_version'`).Scan(&value); err != nil {
		return 0, fmt.Errorf("sqlstore: postgres read schema version: %w", err)
	}
	var v int
	_, err := fmt.Sscanf(value, "%d", &v)
	return v, err
}

// Put implements registry.Store.
func (s *PostgresStore) Put(e registry.Entry) error {
	sigJSON, err := json.Marshal(e.Signatures)
	if err != nil {
		return fmt.Errorf("sqlstore: postgres marshal signatures: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO entries (id, manifest_hash, proof_hash, backend_name, manifest_blob_id, proof_blob_id, registered_at, signatures, self_verified)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.ManifestHash, e.ProofHash, e.BackendName, e.ManifestBlobID, e.ProofBlobID,
		e.RegisteredAt.UTC().Format(time.RFC3339Nano), string(sigJSON), boolToInt(e.SelfVerified),
	)
	if err != nil {
		if isUniqueConstraintErrPostgres(err) {
			return registry.ErrDuplicateEntry
		}
		return fmt.Errorf("sqlstore: postgres insert entry: %w", err)
	}
	return nil
}

// Get implements registry.Store.
func (s *PostgresStore) Get(id string) (registry.Entry, error) {
	row := s.db.QueryRow(`SELECT id, manifest_hash, proof_hash, backend_name, manifest_blob_id, proof_blob_id, registered_at, signatures, self_verified FROM entries WHERE id = $1`, id)
	return scanEntry(row)
}

// FindByManifestHash implements registry.Store.
func (s *PostgresStore) FindByManifestHash(manifestHash string) ([]registry.Entry, error) {
	rows, err := s.db.Query(`SELECT id, manifest_hash, proof_hash, backend_name, manifest_blob_id, proof_blob_id, registered_at, signatures, self_verified FROM entries WHERE manifest_hash = $1 ORDER BY registered_at ASC`, manifestHash)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: postgres query by manifest hash: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// FindByHashes implements registry.Store.
func (s *PostgresStore) FindByHashes(manifestHash, proofHash string) ([]registry.Entry, error) {
	rows, err := s.db.Query(`SELECT id, manifest_hash, proof_hash, backend_name, manifest_blob_id, proof_blob_id, registered_at, signatures, self_verified FROM entries WHERE manifest_hash = $1 AND proof_hash = $2 ORDER BY registered_at ASC`, manifestHash, proofHash)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: postgres query by manifest/proof hash: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// List implements registry.Store.
func (s *PostgresStore) List() ([]registry.Entry, error) {
	rows, err := s.db.Query(`SELECT id, manifest_hash, proof_hash, backend_name, manifest_blob_id, proof_blob_id, registered_at, signatures, self_verified FROM entries ORDER BY registered_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: postgres list: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Close implements registry.Store.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func isUniqueConstraintErrPostgres(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "unique constraint") || strings.Contains(err.Error(), "duplicate key"))
}
