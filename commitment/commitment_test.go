package commitment

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleSuppliers() []SupplierRow {
	return []SupplierRow{
		{Name: "Acme GmbH", Jurisdiction: "DE", Tier: "1"},
		{Name: "Globex AG", Jurisdiction: "PL", Tier: "2"},
	}
}

func sampleUBOs() []UBORow {
	return []UBORow{
		{Name: "Alice Example", Birthdate: "1980-01-01", Citizenship: "DE"},
		{Name: "Bob Muster", Birthdate: "1975-02-02", Citizenship: "AT"},
	}
}

func TestComputeRootsIsDeterministic(t *testing.T) {
	r1 := ComputeRoots(sampleSuppliers(), sampleUBOs())
	r2 := ComputeRoots(sampleSuppliers(), sampleUBOs())
	require.Equal(t, r1, r2)
	require.Len(t, r1.SupplierRoot, 66) // 0x + 64 hex
	require.Len(t, r1.CompanyCommitmentRoot, 66)
}

func TestMerkleRootEmptyIsZero(t *testing.T) {
	root := MerkleRoot(nil)
	require.Equal(t, [32]byte{}, root)
}

func TestMerkleRootSingleLeafIsLeaf(t *testing.T) {
	leaf := RowHash([]string{"a", "b"})
	root := MerkleRoot([][32]byte{leaf})
	require.Equal(t, leaf, root)
}

func TestMerkleRootOddDuplicatesLast(t *testing.T) {
	a := RowHash([]string{"a"})
	b := RowHash([]string{"b"})
	c := RowHash([]string{"c"})

	got := MerkleRoot([][32]byte{a, b, c})

	ab := hashPair(a, b)
	cc := hashPair(c, c)
	want := hashPair(ab, cc)
	require.Equal(t, want, got)
}

func TestInclusionProofRoundTrips(t *testing.T) {
	a := RowHash([]string{"a"})
	b := RowHash([]string{"b"})
	c := RowHash([]string{"c"})
	d := RowHash([]string{"d"})
	leaves := [][32]byte{a, b, c, d}
	root := MerkleRoot(leaves)

	for i, leaf := range leaves {
		proof, err := GenerateInclusionProof(leaves, i)
		require.NoError(t, err)
		ok, err := VerifyInclusionProof(leaf, proof, root)
		require.NoError(t, err)
		require.True(t, ok, "leaf %d should verify", i)
	}
}

func TestInclusionProofRejectsWrongLeaf(t *testing.T) {
	a := RowHash([]string{"a"})
	b := RowHash([]string{"b"})
	c := RowHash([]string{"c"})
	leaves := [][32]byte{a, b, c}
	root := MerkleRoot(leaves)

	proof, err := GenerateInclusionProof(leaves, 0)
	require.NoError(t, err)
	ok, err := VerifyInclusionProof(b, proof, root)
	require.NoError(t, err)
	require.False(t, ok)
}

func hashPair(a, b [32]byte) [32]byte {
	return MerkleRoot([][32]byte{a, b})
}
