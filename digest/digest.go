// Package digest computes the fixed-width, collision-resistant key
// digest that forms the hash index's key. Grounded on the pack's
// buildbarn-bb-storage digest.bareFunction pattern (pkg/digest/bare_function.go),
// which wires github.com/zeebo/blake3 as one of several selectable hash
// functions and truncates/derives a fixed byte width from it; here the
// width is fixed at spec.md's 160 bits (20 bytes) and there is exactly
// one function, so the selection machinery is not reproduced.
package digest

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Size is the digest width in bytes (160 bits).
const Size = 20

// Digest is a fixed-width key digest. The zero value is reserved as
// the empty-slot sentinel in the hash index and must never be a real
// digest; Compute never returns it (blake3 collision onto the all-zero
// value is treated as negligible, consistent with spec.md §9's
// documented acceptance of digest collisions).
type Digest [Size]byte

// Zero is the sentinel value stored in an empty index slot.
var Zero Digest

// Compute hashes key with BLAKE3 and truncates the 32-byte output to
// Size bytes. The index never stores the original key (spec.md §9);
// callers needing the key back must read it from the segment record.
func Compute(key []byte) Digest {
	full := blake3.Sum256(key)
	var d Digest
	copy(d[:], full[:Size])
	return d
}

// String renders the digest as lowercase hex, for logging.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// IsZero reports whether d is the reserved empty-slot sentinel.
func (d Digest) IsZero() bool {
	return d == Zero
}
