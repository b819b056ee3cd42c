// Copyright 2025 CAP Agent Project
//
// Package capcrypto wraps the two hash families and the deterministic
// encodings used everywhere else in the core. No other package computes a
// hash, encodes hex, or serializes canonical JSON directly — they all go
// through here, so the on-wire rules (§4.1 hashing & encoding) live in one
// place.
package capcrypto

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

// HashSize is the output size, in bytes, of both hash families.
const HashSize = 32

// H256 is the fast, tree-friendly 256-bit hash used for row hashing, Merkle
// roots, and BLOB identifiers.
func H256(data []byte) [HashSize]byte {
	return sha256.Sum256(data)
}

// H256Concat hashes the concatenation of the given byte slices.
func H256Concat(parts ...[]byte) [HashSize]byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	var out [HashSize]byte
	copy(out[:], h.Sum(nil))
	return out
}

// D256 is the collision-resistant 256-bit hash used for the audit chain and
// policy hashes. SHA3-256 is used so D256 and H256 are never the same
// primitive, per the "mixing is forbidden" invariant in §3.
func D256(data []byte) [HashSize]byte {
	return sha3.Sum256(data)
}

// HexEncode renders a hash as lowercase hex, no prefix.
func HexEncode(b []byte) string {
	return hex.EncodeToString(b)
}

// HexEncode0x renders a hash as lowercase hex with a 0x prefix.
func HexEncode0x(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}

// HexDecode decodes a hex string, accepting an optional "0x" prefix.
func HexDecode(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "0X")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("hex decode: %w", err)
	}
	return b, nil
}

// Zero32 returns the all-zero 32-byte value used for empty Merkle roots and
// the genesis audit event's prev_digest.
func Zero32() [HashSize]byte {
	return [HashSize]byte{}
}

// Base64Encode encodes bytes with the standard, padded alphabet.
func Base64Encode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// Base64Decode decodes bytes with the standard, padded alphabet.
func Base64Decode(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("base64 decode: %w", err)
	}
	return b, nil
}
