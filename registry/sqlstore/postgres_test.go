//go:build registry_postgres

package sqlstore

import (
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/capagent/cap-agent/registry"
)

// TestPostgresPutAndGet only runs against a real Postgres instance,
// pointed to by CAPAGENT_TEST_POSTGRES_DSN. It is skipped otherwise,
// the same way the teacher's pkg/database tests skip without a live DSN.
func TestPostgresPutAndGet(t *testing.T) {
	dsn := os.Getenv("CAPAGENT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CAPAGENT_TEST_POSTGRES_DSN not set")
	}

	store, err := OpenPostgres(dsn)
	require.NoError(t, err)
	defer store.Close()

	entry := registry.Entry{
		ID:             uuid.NewString(),
		ManifestHash:   "0xabc",
		ProofHash:      "0xdef",
		BackendName:    "mock",
		ManifestBlobID: "0x111",
		ProofBlobID:    "0x222",
		RegisteredAt:   time.Now().UTC(),
	}
	require.NoError(t, store.Put(entry))

	got, err := store.Get(entry.ID)
	require.NoError(t, err)
	require.Equal(t, entry.ManifestHash, got.ManifestHash)
}
