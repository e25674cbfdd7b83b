// Package contenthash computes content digests used to fingerprint backups
// and detect drift before a restore.
package contenthash

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// Size is the length of a hex encoded digest.
const Size = sha256.Size * 2

// Sum returns the hex encoded SHA-256 digest of b. The bytes are hashed
// exactly as given; no line ending or encoding normalization is applied.
func Sum(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

// File streams the file at path through SHA-256 and returns its digest and size.
func File(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// Equal reports whether two digests are identical.
func Equal(a, b string) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Short returns the first n characters of a digest, or the whole digest if shorter.
func Short(digest string, n int) string {
	if len(digest) <= n {
		return digest
	}
	return digest[:n]
}
