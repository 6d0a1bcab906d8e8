// Package integrity provides tamper-evident hashing for published records
// and their evidence chain. All functions are pure and deterministic.
package integrity

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Hash version prefix. Length-prefixed encoding avoids delimiter collisions
// when freeform values contain separator characters.
const hashPrefix = "v1:"

// RecordHash produces a versioned SHA-256 hex digest binding a published
// record to its content, the ruleset that produced it, and the time it was
// produced.
func RecordHash(itemID uuid.UUID, data map[string]any, rulesetVersion string, producedAt time.Time) string {
	return hashPrefix + computeRecordHash(itemID, data, rulesetVersion, producedAt)
}

// VerifyRecordHash checks whether a stored hash matches the recomputed hash
// for the given record fields.
func VerifyRecordHash(stored string, itemID uuid.UUID, data map[string]any, rulesetVersion string, producedAt time.Time) bool {
	return stored == RecordHash(itemID, data, rulesetVersion, producedAt)
}

func computeRecordHash(itemID uuid.UUID, data map[string]any, rulesetVersion string, producedAt time.Time) string {
	h := sha256.New()
	writeField := func(s string) {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s))) //nolint:gosec // field lengths are bounded by record size
		h.Write(lenBuf[:])
		h.Write([]byte(s))
	}
	// json.Marshal sorts map keys, so the encoding is canonical.
	encoded, err := json.Marshal(data)
	if err != nil {
		encoded = []byte("{}")
	}
	writeField(itemID.String())
	writeField(string(encoded))
	writeField(rulesetVersion)
	writeField(producedAt.UTC().Format(time.RFC3339Nano))
	return hex.EncodeToString(h.Sum(nil))
}

// SourceHash produces the leaf hash for one fetched document: the canonical
// URL hash, the exact content, and when it was fetched.
func SourceHash(urlHash, content string, fetchedAt time.Time) string {
	h := sha256.New()
	writeField := func(s string) {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s))) //nolint:gosec // content size is bounded by the scraper
		h.Write(lenBuf[:])
		h.Write([]byte(s))
	}
	writeField(urlHash)
	writeField(content)
	writeField(fetchedAt.UTC().Format(time.RFC3339Nano))
	return hex.EncodeToString(h.Sum(nil))
}

// hashPair produces SHA-256(0x01 || a || b) as a hex string.
// The 0x01 prefix is a domain separator for internal Merkle tree nodes (per
// RFC 6962), so internal node hashes can never collide with leaf hashes.
func hashPair(a, b string) string {
	h := sha256.New()
	h.Write([]byte{0x01}) // internal node domain separator
	h.Write([]byte(a))
	h.Write([]byte(b))
	return hex.EncodeToString(h.Sum(nil))
}

// EvidenceRoot builds a Merkle root over the source document leaf hashes of
// a job. Leaves are sorted here, so the root is independent of fetch order.
// Returns an empty string for an empty evidence set; a single leaf is its
// own root. Odd-length levels hash the last node with itself.
func EvidenceRoot(leaves []string) string {
	if len(leaves) == 0 {
		return ""
	}
	level := make([]string, len(leaves))
	copy(level, leaves)
	sort.Strings(level)

	for len(level) > 1 {
		var next []string
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashPair(level[i], level[i+1]))
			} else {
				// Odd node: hash with itself for structural binding.
				next = append(next, hashPair(level[i], level[i]))
			}
		}
		level = next
	}
	return level[0]
}
