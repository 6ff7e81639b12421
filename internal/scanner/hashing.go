package scanner

import "github.com/hashall/hashall/internal/digest"

// quickHashSampleSize is the number of leading bytes digested into quick_hash.
const quickHashSampleSize = digest.QuickSampleSize

// quickHash digests the first quickHashSampleSize bytes of path.
func quickHash(path string) (string, error) {
	return digest.Quick(path)
}

// fullHash computes two independent full-content digests — SHA-256 and
// xxhash — in a single streaming pass.
func fullHash(path string) (primary, secondary string, n int64, err error) {
	return digest.Full(path)
}
