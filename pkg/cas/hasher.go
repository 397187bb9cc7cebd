package cas

import (
	"io"

	"github.com/zeebo/blake3"
)

// The content hash used everywhere: archiving, read verification, diffing
// and GC reachability all refer to the same 256-bit blake3 digest of the
// uncompressed blob bytes. Hash state is per-invocation, so computations
// are freely parallelizable.

// HashBytes computes the content key of a byte buffer
func HashBytes(data []byte) Key {
	return Key(blake3.Sum256(data))
}

// HashReader computes the content key of a stream without retaining it
// in memory. It returns the key and the number of bytes consumed.
func HashReader(r io.Reader) (Key, int64, error) {
	h := blake3.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return Key{}, n, err
	}
	return keyFromSum(h), n, nil
}

func keyFromSum(h *blake3.Hasher) Key {
	var k Key
	copy(k[:], h.Sum(nil))
	return k
}
