// Copyright 2025 CAP Agent Project
//
// Package config loads the CAP Agent's own configuration: where its
// keystore, BLOB store, audit log, and registry backend live, plus its
// default proof backend and policy strictness.
//
// Grounded on the teacher's pkg/config (YAML-backed settings structs with
// `yaml:"..."` tags and environment-variable overrides via getEnv*
// helpers), scoped down from its Ethereum/Accumulate/CometBFT network
// settings to the handful of local-filesystem and mode settings this
// core actually needs.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// RegistryBackend selects which registry.Store implementation to use.
type RegistryBackend string

const (
	RegistryBackendFlatFile RegistryBackend = "flatfile"
	RegistryBackendSQL      RegistryBackend = "sql"
)

// Config holds every path and mode setting the CAP Agent needs to run.
type Config struct {
	KeyStoreRoot      string          `yaml:"keystore_root"`
	BlobStoreRoot     string          `yaml:"blobstore_root"`
	AuditLogPath      string          `yaml:"audit_log_path"`
	RegistryBackend   RegistryBackend `yaml:"registry_backend"`
	RegistryPath      string          `yaml:"registry_path"`
	DefaultProofBackend string        `yaml:"default_proof_backend"`
	StrictPolicyMode  bool            `yaml:"strict_policy_mode"`
}

// DefaultConfig returns sane defaults rooted under a single data
// directory, matching the teacher's DefaultConfig() pattern used across
// its service packages.
func DefaultConfig() *Config {
	return &Config{
		KeyStoreRoot:        "./data/keystore",
		BlobStoreRoot:       "./data/blobs",
		AuditLogPath:        "./data/audit.jsonl",
		RegistryBackend:     RegistryBackendFlatFile,
		RegistryPath:        "./data/registry.json",
		DefaultProofBackend: "mock",
		StrictPolicyMode:    true,
	}
}

// Load reads a YAML config file at path, falling back to defaults for any
// field the file does not set, then applies CAPAGENT_* environment
// variable overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %q: %w", path, err)
			}
		} else if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CAPAGENT_KEYSTORE_ROOT"); v != "" {
		cfg.KeyStoreRoot = v
	}
	if v := os.Getenv("CAPAGENT_BLOBSTORE_ROOT"); v != "" {
		cfg.BlobStoreRoot = v
	}
	if v := os.Getenv("CAPAGENT_AUDIT_LOG_PATH"); v != "" {
		cfg.AuditLogPath = v
	}
	if v := os.Getenv("CAPAGENT_REGISTRY_BACKEND"); v != "" {
		cfg.RegistryBackend = RegistryBackend(v)
	}
	if v := os.Getenv("CAPAGENT_REGISTRY_PATH"); v != "" {
		cfg.RegistryPath = v
	}
	if v := os.Getenv("CAPAGENT_DEFAULT_PROOF_BACKEND"); v != "" {
		cfg.DefaultProofBackend = v
	}
	if v := os.Getenv("CAPAGENT_STRICT_POLICY_MODE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.StrictPolicyMode = b
		}
	}
}

// Validate checks that every field is set to a recognized value.
func (c *Config) Validate() error {
	switch c.RegistryBackend {
	case RegistryBackendFlatFile, RegistryBackendSQL:
	default:
		return fmt.Errorf("config: unrecognized registry_backend %q", c.RegistryBackend)
	}
	if c.KeyStoreRoot == "" {
		return fmt.Errorf("config: keystore_root is required")
	}
	if c.BlobStoreRoot == "" {
		return fmt.Errorf("config: blobstore_root is required")
	}
	if c.AuditLogPath == "" {
		return fmt.Errorf("config: audit_log_path is required")
	}
	if c.RegistryPath == "" {
		return fmt.Errorf("config: registry_path is required")
	}
	if c.DefaultProofBackend == "" {
		return fmt.Errorf("config: default_proof_backend is required")
	}
	return nil
}
