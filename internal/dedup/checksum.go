// Package dedup provides content checksums and the duplicate-detection /
// reprocessing-authorization policy for uploaded files.
package dedup

import (
	"crypto/md5" //nolint:gosec // MD5 kept for legacy checksum compatibility, not security
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// Algorithm selects the checksum algorithm.
type Algorithm string

const (
	// SHA256 is the default content-hash algorithm.
	SHA256 Algorithm = "sha256"

	// MD5 is supported for compatibility with legacy uploads only.
	MD5 Algorithm = "md5"
)

// ErrUnknownAlgorithm is returned for an unsupported checksum algorithm.
var ErrUnknownAlgorithm = errors.New("unknown checksum algorithm")

// Calculate returns the lowercase hex digest of data. Identical bytes always
// yield an identical digest; the digest is stored alongside the file record
// for duplicate lookup. An empty algorithm defaults to SHA-256.
func Calculate(data []byte, algorithm Algorithm) (string, error) {
	switch algorithm {
	case SHA256, "":
		sum := sha256.Sum256(data)

		return hex.EncodeToString(sum[:]), nil
	case MD5:
		sum := md5.Sum(data) //nolint:gosec // legacy compatibility

		return hex.EncodeToString(sum[:]), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownAlgorithm, algorithm)
	}
}
