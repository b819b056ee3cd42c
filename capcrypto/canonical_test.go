package capcrypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanonicalJSONSortsKeysAtEveryLevel(t *testing.T) {
	a, err := CanonicalJSON([]byte(`{"b":1,"a":{"d":2,"c":3}}`))
	require.NoError(t, err)
	require.Equal(t, `{"a":{"c":3,"d":2},"b":1}`, string(a))
}

func TestCanonicalJSONNormalizesNumbers(t *testing.T) {
	a, err := CanonicalJSON([]byte(`{"x":1.0,"y":1e2,"z":3}`))
	require.NoError(t, err)
	require.Equal(t, `{"x":1,"y":100,"z":3}`, string(a))
}

func TestCanonicalJSONPreservesArrayOrder(t *testing.T) {
	a, err := CanonicalJSON([]byte(`[3,1,2]`))
	require.NoError(t, err)
	require.Equal(t, `[3,1,2]`, string(a))
}

func TestCanonicalJSONIsDeterministicAcrossReorderings(t *testing.T) {
	a, err := CanonicalJSON([]byte(`{"b":2,"a":1}`))
	require.NoError(t, err)
	b, err := CanonicalJSON([]byte(`{"a":1,"b":2}`))
	require.NoError(t, err)
	require.Equal(t, string(a), string(b))
}

func TestHexDecodeAcceptsOptionalPrefix(t *testing.T) {
	h := H256([]byte("hello"))
	plain := HexEncode(h[:])
	prefixed := HexEncode0x(h[:])

	decodedPlain, err := HexDecode(plain)
	require.NoError(t, err)
	decodedPrefixed, err := HexDecode(prefixed)
	require.NoError(t, err)
	require.Equal(t, decodedPlain, decodedPrefixed)
	require.Equal(t, h[:], decodedPlain)
}

func TestH256AndD256Differ(t *testing.T) {
	data := []byte("row")
	h := H256(data)
	d := D256(data)
	require.NotEqual(t, h[:], d[:])
}
