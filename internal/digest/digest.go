// Package digest computes the catalog's two content digests: quick_hash (a
// cheap prefix probe) and the full_hash_primary/secondary pair (two
// independent whole-file digests computed in one streaming pass), shared by
// the Scanner, Collision Resolver, and Plan Executor instead of each
// re-implementing file hashing.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"
)

// QuickSampleSize is the number of leading bytes digested into quick_hash.
const QuickSampleSize = 1 << 20

// blockSize is the streaming read buffer size.
const blockSize = 64 * 1024

// Quick digests the first QuickSampleSize bytes of path.
func Quick(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.CopyN(h, f, QuickSampleSize); err != nil && err != io.EOF {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Full computes two independent full-content digests — SHA-256 and xxhash —
// in a single streaming pass.
func Full(path string) (primary, secondary string, n int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", "", 0, err
	}
	defer func() { _ = f.Close() }()

	sha := sha256.New()
	xx := xxhash.New()
	mw := io.MultiWriter(sha, xx)

	buf := make([]byte, blockSize)
	n, err = io.CopyBuffer(mw, f, buf)
	if err != nil {
		return "", "", n, err
	}

	return hex.EncodeToString(sha.Sum(nil)), hex.EncodeToString(xx.Sum(nil)), n, nil
}

// Range computes the primary digest over [start, start+size) of path, used
// by the executor's fast-verify sampling.
func Range(path string, start, size int64) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return "", 0, err
	}

	h := sha256.New()
	buf := make([]byte, blockSize)
	n, err := io.CopyBuffer(h, io.LimitReader(f, size), buf)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
