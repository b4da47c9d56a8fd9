// Package blob provides the object store contract the ingestion pipeline
// depends on, plus a filesystem-backed implementation.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// ObjectStore is the opaque key/value blob service the pipeline writes
// attachment bytes and upload chunks to.
type ObjectStore interface {
	// Put stores data under key and returns the key.
	Put(ctx context.Context, key string, data []byte) (string, error)

	// Get retrieves the data stored under key.
	Get(ctx context.Context, key string) ([]byte, error)

	// PresignedURL returns a URL granting temporary read access to key.
	PresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)

	// Delete removes the data stored under key. Deleting a missing key
	// is not an error.
	Delete(ctx context.Context, key string) error

	// List returns all keys with the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Exists reports whether key holds data.
	Exists(ctx context.Context, key string) bool
}

// digestPrefixLen bounds how many leading bytes feed the dedup digest.
const digestPrefixLen = 64 << 10 // 64 KiB

// PrefixDigest computes a content digest from a bounded byte prefix plus the
// total length. It identifies identical attachment bytes across exports that
// rename the file, without hashing multi-gigabyte blobs in full.
func PrefixDigest(data []byte) string {
	h := sha256.New()
	prefix := data
	if len(prefix) > digestPrefixLen {
		prefix = prefix[:digestPrefixLen]
	}
	h.Write(prefix)
	fmt.Fprintf(h, "|%d", len(data))
	return hex.EncodeToString(h.Sum(nil))
}
