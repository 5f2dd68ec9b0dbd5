// Package digest implements the canonical hashing and encoding primitives
// that every other cachecore component builds on: SHA-256 digests over
// bytes, files, and canonically-encoded structured values.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
)

// Size is the byte length of a Digest (SHA-256 output).
const Size = sha256.Size

// chunkSize is the streaming read size used by File/Reader.
// Chosen within the spec's required [4KiB, 64KiB] band.
const chunkSize = 32 * 1024

// Digest is an opaque 32-byte content fingerprint.
type Digest [Size]byte

// String renders the digest as 64 lowercase hex characters.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// IsZero reports whether d is the zero digest (never a valid hash output).
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// ShardPrefix returns the first 2 hex characters, used for CAS sharding
// (cas/<prefix>/<rest>).
func (d Digest) ShardPrefix() string {
	return d.String()[:2]
}

// ShardRest returns the hex digest with the 2-character shard prefix removed.
func (d Digest) ShardRest() string {
	return d.String()[2:]
}

// Parse decodes a 64-character hex digest string.
func Parse(s string) (Digest, error) {
	var d Digest
	if len(s) != Size*2 {
		return d, fmt.Errorf("digest: wrong length %d, want %d", len(s), Size*2)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("digest: invalid hex: %w", err)
	}
	copy(d[:], b)
	return d, nil
}

// Bytes computes the SHA-256 digest of data.
func Bytes(data []byte) Digest {
	return Digest(sha256.Sum256(data))
}

// Reader streams r in fixed-size chunks, hashing as it goes without
// buffering the whole input in memory. It returns the digest and the
// total number of bytes read.
func Reader(r io.Reader) (Digest, int64, error) {
	h := sha256.New()
	buf := make([]byte, chunkSize)
	var total int64
	for {
		n, err := r.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
			total += int64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return Digest{}, total, err
		}
	}
	var d Digest
	copy(d[:], h.Sum(nil))
	return d, total, nil
}

// File streams the file at path in fixed-size chunks and returns its digest
// and size. It never loads the whole file into memory.
func File(path string) (Digest, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return Digest{}, 0, fmt.Errorf("digest: opening %s: %w", path, err)
	}
	defer f.Close()

	d, size, err := Reader(f)
	if err != nil {
		return Digest{}, 0, fmt.Errorf("digest: reading %s: %w", path, err)
	}
	return d, size, nil
}

// ErrUnsupportedType is returned by Canonical when a value's dynamic type
// cannot be deterministically encoded.
var ErrUnsupportedType = errors.New("digest: unsupported type for canonical encoding")
