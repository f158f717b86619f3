// Package digest computes content fingerprints for dedup and verification.
package digest

import (
	"crypto/md5"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"
	"github.com/zeebo/blake3"
	"gitlab.com/tozd/go/errors"
)

// Algorithm names a supported digest algorithm.
type Algorithm string

const (
	XXHash Algorithm = "xxhash"
	Blake3 Algorithm = "blake3"
	MD5    Algorithm = "md5"
	SHA256 Algorithm = "sha256"
	SHA512 Algorithm = "sha512"

	// Default is the fastest algorithm; dedup only needs collision
	// resistance against accidental matches.
	Default = XXHash
)

// DefaultChunkSize is the read buffer length used when none is configured.
const DefaultChunkSize = 1 << 20 // 1 MiB

// Algorithms lists every supported algorithm name.
func Algorithms() []Algorithm {
	return []Algorithm{XXHash, Blake3, MD5, SHA256, SHA512}
}

// Parse validates an algorithm name. An empty name selects Default.
func Parse(name string) (Algorithm, error) {
	if name == "" {
		return Default, nil
	}
	a := Algorithm(name)
	switch a {
	case XXHash, Blake3, MD5, SHA256, SHA512:
		return a, nil
	}
	return "", errors.Errorf("unknown hash algorithm %q", name)
}

// New returns a fresh hash state for the algorithm.
//
//nolint:ireturn // hash.Hash is the stdlib contract
func (a Algorithm) New() (hash.Hash, error) {
	switch a {
	case XXHash:
		return xxhash.New(), nil
	case Blake3:
		return blake3.New(), nil
	case MD5:
		return md5.New(), nil
	case SHA256:
		return sha256.New(), nil
	case SHA512:
		return sha512.New(), nil
	default:
		return nil, errors.Errorf("unknown hash algorithm %q", string(a))
	}
}

// Digest is an algorithm-tagged content fingerprint. Two files hold identical
// content iff their digests under the same algorithm are equal.
type Digest struct {
	Algo Algorithm `json:"algo"`
	Sum  string    `json:"sum"` // hex encoded
}

// IsZero reports whether d carries no fingerprint.
func (d Digest) IsZero() bool { return d.Sum == "" }

// Equal reports content identity. Digests under different algorithms never
// compare equal, and a zero digest matches nothing.
func (d Digest) Equal(other Digest) bool {
	return !d.IsZero() && d.Algo == other.Algo && d.Sum == other.Sum
}

func (d Digest) String() string {
	if d.IsZero() {
		return "none"
	}
	return string(d.Algo) + ":" + d.Sum
}

// Sum streams r through the algorithm in chunkSize reads. The chunk size is
// purely an I/O buffer length: it never frames the hash input, so the
// resulting digest is chunk-size independent.
func Sum(r io.Reader, algo Algorithm, chunkSize int) (Digest, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	h, err := algo.New()
	if err != nil {
		return Digest{}, err
	}

	buf := make([]byte, chunkSize)
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			h.Write(buf[:n]) // hash.Hash never errors
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return Digest{}, errors.Errorf("read for digest: %w", rerr)
		}
	}

	return Digest{Algo: algo, Sum: hex.EncodeToString(h.Sum(nil))}, nil
}

// File computes the digest of the file at path.
func File(path string, algo Algorithm, chunkSize int) (Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return Digest{}, errors.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	d, err := Sum(f, algo, chunkSize)
	if err != nil {
		return Digest{}, errors.Errorf("digest %s: %w", path, err)
	}
	return d, nil
}
