package audit

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAppendChainsDigests(t *testing.T) {
	store := NewMemoryStore()
	log := New(store)

	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ev0, err := log.Append(ts, EventPolicyLoaded, map[string]string{"id": "p1"})
	require.NoError(t, err)
	require.Equal(t, uint64(0), ev0.Seq)

	ev1, err := log.Append(ts.Add(time.Second), EventPolicyValidated, map[string]string{"id": "p1"})
	require.NoError(t, err)
	require.Equal(t, uint64(1), ev1.Seq)
	require.Equal(t, ev0.Digest, ev1.PrevDigest)

	require.NoError(t, Verify(store))
}

func TestVerifyDetectsChainBreak(t *testing.T) {
	store := NewMemoryStore()
	log := New(store)
	ts := time.Now().UTC()

	_, err := log.Append(ts, EventPolicyLoaded, map[string]string{"id": "p1"})
	require.NoError(t, err)
	_, err = log.Append(ts, EventPolicyValidated, map[string]string{"id": "p1"})
	require.NoError(t, err)

	// Tamper with the second event's details after the fact.
	store.events[1].Details = json.RawMessage(`{"id":"tampered"}`)

	err = Verify(store)
	require.Error(t, err)
	var breakErr *BreakError
	require.ErrorAs(t, err, &breakErr)
	require.Equal(t, 1, breakErr.Index)
}

func TestTailIsZeroForEmptyLog(t *testing.T) {
	store := NewMemoryStore()
	log := New(store)
	tail, err := log.Tail()
	require.NoError(t, err)
	require.Equal(t, uint64(0), tail.NextSeq)
	require.Equal(t, strings.Repeat("0", 64), tail.LastDigest)
}

func TestJSONLStoreRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")
	store := NewJSONLStore(path)
	log := New(store)
	ts := time.Now().UTC()

	_, err := log.Append(ts, EventPolicyLoaded, map[string]string{"id": "p1"})
	require.NoError(t, err)
	_, err = log.Append(ts, EventManifestBuilt, map[string]string{"id": "p1"})
	require.NoError(t, err)

	reopened := NewJSONLStore(path)
	n, err := reopened.Len()
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.NoError(t, Verify(reopened))
}
