package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, RegistryBackendFlatFile, cfg.RegistryBackend)
	require.Equal(t, "mock", cfg.DefaultProofBackend)
}

func TestLoadParsesYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("registry_backend: sql\nstrict_policy_mode: false\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, RegistryBackendSQL, cfg.RegistryBackend)
	require.False(t, cfg.StrictPolicyMode)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("registry_backend: flatfile\n"), 0644))

	t.Setenv("CAPAGENT_REGISTRY_BACKEND", "sql")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, RegistryBackendSQL, cfg.RegistryBackend)
}

func TestValidateRejectsUnrecognizedBackend(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RegistryBackend = "carrier-pigeon"
	require.Error(t, cfg.Validate())
}
