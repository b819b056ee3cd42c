package blobstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPutGetRoundTrip(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	id, err := store.Put(MediaManifest, []byte("hello"))
	require.NoError(t, err)
	require.Regexp(t, `^0x[0-9a-f]{64}$`, id)

	got, mediaType, err := store.Get(id)
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))
	require.Equal(t, MediaManifest, mediaType)
}

func TestPutIsIdempotent(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	id1, err := store.Put(MediaProof, []byte("same"))
	require.NoError(t, err)
	id2, err := store.Put(MediaProof, []byte("same"))
	require.NoError(t, err)
	require.Equal(t, id1, id2)
}

func TestRefCountingAndGC(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	id, err := store.Put(MediaUnknown, []byte("data"))
	require.NoError(t, err)

	n, err := store.RefInc(id)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	report, err := store.GC(GCOptions{})
	require.NoError(t, err)
	require.Empty(t, report.Collected)

	n, err = store.RefDec(id)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	report, err = store.GC(GCOptions{})
	require.NoError(t, err)
	require.Contains(t, report.Collected, id)

	_, _, err = store.Get(id)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRefDecRejectsNegative(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	id, err := store.Put(MediaUnknown, []byte("x"))
	require.NoError(t, err)

	_, err = store.RefDec(id)
	require.ErrorIs(t, err, ErrRefcountNegative)
}

func TestGCDryRunDoesNotDelete(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	id, err := store.Put(MediaUnknown, []byte("y"))
	require.NoError(t, err)

	report, err := store.GC(GCOptions{DryRun: true})
	require.NoError(t, err)
	require.Contains(t, report.Collected, id)

	_, _, err = store.Get(id)
	require.NoError(t, err)
}

func TestGCRetainsRecentBlobsUnderMinAge(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	id, err := store.Put(MediaUnknown, []byte("fresh"))
	require.NoError(t, err)

	report, err := store.GC(GCOptions{MinAge: time.Hour})
	require.NoError(t, err)
	require.Empty(t, report.Collected)
	require.Contains(t, report.Retained, id)
}

func TestGCRetainsZeroRefBlobsStillLiveInRegistry(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	id, err := store.Put(MediaManifest, []byte("manifest bytes"))
	require.NoError(t, err)

	report, err := store.GC(GCOptions{LiveIDs: map[string]bool{id: true}})
	require.NoError(t, err)
	require.Empty(t, report.Collected)
	require.Contains(t, report.Retained, id)

	_, _, err = store.Get(id)
	require.NoError(t, err)
}

func TestListFiltersByMediaType(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	mid, err := store.Put(MediaManifest, []byte("m"))
	require.NoError(t, err)
	_, err = store.Put(MediaProof, []byte("p"))
	require.NoError(t, err)

	ids, err := store.List(MediaManifest)
	require.NoError(t, err)
	require.Equal(t, []string{mid}, ids)

	all, err := store.List("")
	require.NoError(t, err)
	require.Len(t, all, 2)
}
