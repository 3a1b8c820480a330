package digest

import (
	"encoding/binary"

	"golang.org/x/crypto/blake2b"
)

// Size is the length in bytes of every digest.
const Size = blake2b.Size256

// leafType is prepended to every hashed value so digests never collide with
// other hash usages of the same data.
const leafType = 0x00

// Sum returns the BLAKE2b-256 leaf hash of the concatenation of parts.
// The framing is type byte, little endian uint64 length, then the data.
func Sum(parts ...[]byte) [Size]byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	var length [8]byte
	binary.LittleEndian.PutUint64(length[:], uint64(n))

	// New256 only fails for keys longer than 64 bytes.
	h, _ := blake2b.New256(nil)
	h.Write([]byte{leafType})
	h.Write(length[:])
	for _, p := range parts {
		h.Write(p)
	}
	var out [Size]byte
	h.Sum(out[:0])
	return out
}
