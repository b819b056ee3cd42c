// Copyright 2025 CAP Agent Project
//
// Package commitment implements the commitment engine (C3): row hashing,
// Merkle roots over ordered row-hash sequences, and the company commitment
// root that binds the supplier and UBO roots together.
//
// Adapted from the teacher's pkg/merkle/tree.go (binary Merkle construction
// with "duplicate last" odd-node handling) and pkg/commitment/commitment.go
// (canonical-JSON-driven hashing helpers), generalized from transaction
// batching to supply-chain row commitments.
package commitment

import (
	"fmt"
	"strings"

	"github.com/capagent/cap-agent/capcrypto"
)

// SupplierRow is a single supplier record. Field order is fixed and is part
// of the row-hash derivation.
type SupplierRow struct {
	Name         string
	Jurisdiction string
	Tier         string
}

// UBORow is a single ultimate-beneficial-owner record. Birthdate is an
// ISO-8601 date string, carried verbatim (not reformatted) into the hash.
type UBORow struct {
	Name       string
	Birthdate  string
	Citizenship string
}

// Fields returns the row's fields in their fixed schema order, for hashing.
func (r SupplierRow) Fields() []string { return []string{r.Name, r.Jurisdiction, r.Tier} }

// Fields returns the row's fields in their fixed schema order, for hashing.
func (r UBORow) Fields() []string { return []string{r.Name, r.Birthdate, r.Citizenship} }

// RowHash computes h256(canonical_csv_field_join(row)): the UTF-8 encoding
// of the ordered fields, each followed by "\n". Fields are neither trimmed
// nor normalized beyond UTF-8 NFC (applied by the caller's CSV reader
// contract, not here — this function hashes exactly the bytes it is given).
func RowHash(fields []string) [32]byte {
	var b strings.Builder
	for _, f := range fields {
		b.WriteString(f)
		b.WriteByte('\n')
	}
	return capcrypto.H256([]byte(b.String()))
}

// SupplierRowHashes maps a slice of supplier rows to their row hashes, in
// input order.
func SupplierRowHashes(rows []SupplierRow) [][32]byte {
	out := make([][32]byte, len(rows))
	for i, r := range rows {
		out[i] = RowHash(r.Fields())
	}
	return out
}

// UBORowHashes maps a slice of UBO rows to their row hashes, in input order.
func UBORowHashes(rows []UBORow) [][32]byte {
	out := make([][32]byte, len(rows))
	for i, r := range rows {
		out[i] = RowHash(r.Fields())
	}
	return out
}

// MerkleRoot computes the Merkle root over an ordered sequence of row
// hashes: empty -> all-zero 32 bytes; length 1 -> that hash; otherwise
// repeated pairwise h256(left||right) combination, duplicating the last
// hash of an odd-length level (never "carry unchanged").
func MerkleRoot(leaves [][32]byte) [32]byte {
	if len(leaves) == 0 {
		return capcrypto.Zero32()
	}
	if len(leaves) == 1 {
		return leaves[0]
	}

	level := make([][32]byte, len(leaves))
	copy(level, leaves)

	for len(level) > 1 {
		next := make([][32]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, capcrypto.H256Concat(level[i][:], level[i+1][:]))
			} else {
				next = append(next, capcrypto.H256Concat(level[i][:], level[i][:]))
			}
		}
		level = next
	}
	return level[0]
}

// CompanyCommitmentRoot computes h256(supplier_root || ubo_root).
func CompanyCommitmentRoot(supplierRoot, uboRoot [32]byte) [32]byte {
	return capcrypto.H256Concat(supplierRoot[:], uboRoot[:])
}

// Roots is the triple persisted to commitments.json.
type Roots struct {
	SupplierRoot          string `json:"supplier_root"`
	UBORoot               string `json:"ubo_root"`
	CompanyCommitmentRoot string `json:"company_commitment_root"`
}

// ComputeRoots derives all three roots for a (suppliers, UBOs) pair. Two
// invocations over the same input bytes yield byte-identical outputs,
// satisfying the determinism requirement in §4.3 and §8.
func ComputeRoots(suppliers []SupplierRow, ubos []UBORow) Roots {
	supplierRoot := MerkleRoot(SupplierRowHashes(suppliers))
	uboRoot := MerkleRoot(UBORowHashes(ubos))
	company := CompanyCommitmentRoot(supplierRoot, uboRoot)

	return Roots{
		SupplierRoot:          capcrypto.HexEncode0x(supplierRoot[:]),
		UBORoot:               capcrypto.HexEncode0x(uboRoot[:]),
		CompanyCommitmentRoot: capcrypto.HexEncode0x(company[:]),
	}
}

// ParseRoot decodes a 0x-prefixed 64-hex-character root into 32 bytes.
func ParseRoot(hexRoot string) ([32]byte, error) {
	b, err := capcrypto.HexDecode(hexRoot)
	if err != nil {
		return [32]byte{}, fmt.Errorf("commitment: parse root: %w", err)
	}
	if len(b) != 32 {
		return [32]byte{}, fmt.Errorf("commitment: root must be 32 bytes, got %d", len(b))
	}
	var out [32]byte
	copy(out[:], b)
	return out, nil
}
