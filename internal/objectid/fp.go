// Package objectid implements the 256-bit content fingerprints that identify
// every object in a wsvc repository: blobs, trees and records are all named
// by the fingerprint of their canonical bytes.
package objectid

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/zeebo/blake3"
)

// Size is the length of a fingerprint in bytes.
const Size = 32

// FP is a 256-bit BLAKE3 fingerprint, rendered on disk and on the wire as 64
// lowercase hex characters.
type FP [Size]byte

// Zero is the all-zero fingerprint used as a placeholder while computing the
// self-fingerprint of a Tree or Record.
var Zero FP

// Sum computes the fingerprint of data.
func Sum(data []byte) FP {
	return FP(blake3.Sum256(data))
}

// NewHasher returns a streaming BLAKE3-256 hasher compatible with Sum, for
// callers that want to fingerprint content without buffering it in memory.
func NewHasher() *blake3.Hasher {
	return blake3.New()
}

// SumHasher finalizes a hasher obtained from NewHasher into an FP.
func SumHasher(h *blake3.Hasher) FP {
	var fp FP
	copy(fp[:], h.Sum(nil))
	return fp
}

// Parse decodes a 64-character lowercase hex string into an FP.
func Parse(s string) (FP, error) {
	var fp FP
	if len(s) != Size*2 {
		return fp, fmt.Errorf("objectid: wrong fingerprint length %d, want %d", len(s), Size*2)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return fp, fmt.Errorf("objectid: invalid fingerprint %q: %w", s, err)
	}
	copy(fp[:], b)
	return fp, nil
}

// String renders the fingerprint as 64 lowercase hex characters.
func (fp FP) String() string {
	return hex.EncodeToString(fp[:])
}

// Short renders a readable prefix of the fingerprint, for diagnostics.
func (fp FP) Short() string {
	s := fp.String()
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// IsZero reports whether fp is the all-zero placeholder value.
func (fp FP) IsZero() bool {
	return fp == Zero
}

// HasPrefix reports whether the fingerprint's hex form starts with
// prefix. Callers lowercase the prefix first; the hex form is always
// lowercase.
func (fp FP) HasPrefix(prefix string) bool {
	s := fp.String()
	if len(prefix) > len(s) {
		return false
	}
	return s[:len(prefix)] == prefix
}

// MarshalJSON renders the fingerprint as a JSON string, the canonical
// on-disk and wire encoding.
func (fp FP) MarshalJSON() ([]byte, error) {
	return json.Marshal(fp.String())
}

// UnmarshalJSON parses a JSON string fingerprint.
func (fp *FP) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*fp = parsed
	return nil
}

// Less orders fingerprints lexicographically by their hex form, used to
// break ties between records sharing a date.
func Less(a, b FP) bool {
	return a.String() < b.String()
}

// SortSlice sorts fps in place by lexicographic hex order.
func SortSlice(fps []FP) {
	sort.Slice(fps, func(i, j int) bool { return Less(fps[i], fps[j]) })
}
