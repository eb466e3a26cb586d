// Package fingerprint computes content hashes used as chain-of-custody proof
// that an archived file is byte-identical to the one reviewed.
//
// Hashes are algorithm-prefixed strings. New fingerprints use BLAKE3
// ("blake3:<hex>"). SHA-256 values ("sha256:<hex>", or bare hex from rows
// written before the prefix existed) are still verified.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/zeebo/blake3"
)

// Algorithm names a supported hash function
type Algorithm string

const (
	BLAKE3 Algorithm = "blake3"
	SHA256 Algorithm = "sha256"
)

const chunkSize = 64 * 1024

// Hash is an algorithm-prefixed hex digest
type Hash string

// Algorithm returns the hash function the digest was produced with
func (h Hash) Algorithm() Algorithm {
	algo, _, _ := h.split()
	return algo
}

// Digest returns the hex digest without the prefix
func (h Hash) Digest() string {
	_, digest, _ := h.split()
	return digest
}

// String implements fmt.Stringer
func (h Hash) String() string {
	return string(h)
}

// Short returns a prefix suitable for logs
func (h Hash) Short() string {
	d := h.Digest()
	if len(d) > 12 {
		d = d[:12]
	}
	return string(h.Algorithm()) + ":" + d
}

func (h Hash) split() (Algorithm, string, error) {
	s := strings.TrimSpace(string(h))
	if algo, digest, ok := strings.Cut(s, ":"); ok {
		switch Algorithm(strings.ToLower(algo)) {
		case BLAKE3:
			return BLAKE3, strings.ToLower(digest), nil
		case SHA256:
			return SHA256, strings.ToLower(digest), nil
		default:
			return "", "", fmt.Errorf("unsupported hash algorithm %q", algo)
		}
	}
	return SHA256, strings.ToLower(s), nil
}

// Parse validates a stored fingerprint
func Parse(s string) (Hash, error) {
	h := Hash(s)
	_, digest, err := h.split()
	if err != nil {
		return "", err
	}
	raw, err := hex.DecodeString(digest)
	if err != nil {
		return "", fmt.Errorf("invalid fingerprint digest: %w", err)
	}
	if len(raw) != 32 {
		return "", fmt.Errorf("invalid fingerprint length %d", len(raw))
	}
	return h, nil
}

func newHasher(algo Algorithm) hash.Hash {
	if algo == SHA256 {
		return sha256.New()
	}
	return blake3.New()
}

func format(algo Algorithm, h hash.Hash) Hash {
	return Hash(string(algo) + ":" + hex.EncodeToString(h.Sum(nil)))
}

// Fingerprint hashes an in-memory buffer with the default algorithm
func Fingerprint(data []byte) Hash {
	h := newHasher(BLAKE3)
	h.Write(data)
	return format(BLAKE3, h)
}

// FingerprintReader hashes a stream with the given algorithm
func FingerprintReader(r io.Reader, algo Algorithm) (Hash, error) {
	h := newHasher(algo)
	buf := make([]byte, chunkSize)
	if _, err := io.CopyBuffer(h, r, buf); err != nil {
		return "", fmt.Errorf("failed to hash content: %w", err)
	}
	return format(algo, h), nil
}

// FingerprintFile hashes a file with the default algorithm
func FingerprintFile(path string) (Hash, error) {
	return fingerprintFileWith(path, BLAKE3)
}

func fingerprintFileWith(path string, algo Algorithm) (Hash, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return FingerprintReader(f, algo)
}

// Verify recomputes the file's hash with the algorithm of expected and
// compares the digests. It returns the recomputed hash so callers can report it.
func Verify(path string, expected Hash) (bool, Hash, error) {
	algo, want, err := expected.split()
	if err != nil {
		return false, "", err
	}
	actual, err := fingerprintFileWith(path, algo)
	if err != nil {
		return false, "", err
	}
	return actual.Digest() == want, actual, nil
}

// Writer hashes the bytes written to it
type Writer struct {
	algo Algorithm
	h    hash.Hash
}

// NewWriter returns a Writer hashing with algo
func NewWriter(algo Algorithm) *Writer {
	if algo == "" {
		algo = BLAKE3
	}
	return &Writer{algo: algo, h: newHasher(algo)}
}

func (w *Writer) Write(p []byte) (int, error) {
	return w.h.Write(p)
}

// Sum returns the hash of everything written so far
func (w *Writer) Sum() Hash {
	return format(w.algo, w.h)
}

// Matches reports whether h and other are the same digest of the same algorithm
func (h Hash) Matches(other Hash) bool {
	a, da, err := h.split()
	if err != nil {
		return false
	}
	b, db, err := other.split()
	if err != nil {
		return false
	}
	return a == b && da == db
}
