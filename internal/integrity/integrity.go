// Package integrity provides canonical encoding, content hashing, signing and
// verification for ledger spans, plus Merkle roots over sets of span hashes.
// Everything except key generation is pure and deterministic.
package integrity

import (
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/ashita-ai/spanledger/internal/model"
)

// ContentHash returns the lowercase hex BLAKE2b-256 digest of canonical bytes.
func ContentHash(canonical []byte) string {
	sum := blake2b.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// HashSpan canonicalizes span and returns its content hash. Integrity fields
// already on the span are ignored.
func HashSpan(span model.Span) (string, error) {
	canonical, err := Canonicalize(span.WithoutIntegrity())
	if err != nil {
		return "", err
	}
	return ContentHash(canonical), nil
}

// decodeDigest turns a hex content hash back into the raw bytes that get signed.
func decodeDigest(hash string) ([]byte, error) {
	b, err := hex.DecodeString(hash)
	if err != nil {
		return nil, fmt.Errorf("integrity: decode digest: %w", err)
	}
	if len(b) != blake2b.Size256 {
		return nil, fmt.Errorf("integrity: digest is %d bytes, want %d", len(b), blake2b.Size256)
	}
	return b, nil
}

// hashPair produces BLAKE2b-256(0x01 || a || b) as a hex string.
// The 0x01 prefix separates internal nodes from leaf hashes (RFC 6962).
func hashPair(a, b string) string {
	h, _ := blake2b.New256(nil)
	h.Write([]byte{0x01})
	h.Write([]byte(a))
	h.Write([]byte(b))
	return hex.EncodeToString(h.Sum(nil))
}

// MerkleRoot builds a Merkle tree over leaf hashes and returns the root.
// Callers sort leaves for determinism. Empty input returns "", a single leaf
// is its own root, and an odd node at any level is promoted to the next level
// unchanged.
func MerkleRoot(leaves []string) string {
	if len(leaves) == 0 {
		return ""
	}
	level := make([]string, len(leaves))
	copy(level, leaves)

	for len(level) > 1 {
		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashPair(level[i], level[i+1]))
			} else {
				next = append(next, level[i])
			}
		}
		level = next
	}
	return level[0]
}
