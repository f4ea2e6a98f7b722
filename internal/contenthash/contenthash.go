// Package contenthash computes content digests for uploaded documents and
// answers the advisory "already registered?" question before a write.
package contenthash

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"docseal/pkg/domain"
)

const chunkSize = 4096

var (
	// ErrIO is returned when the content stream cannot be read to the end.
	ErrIO = errors.New("content read failed")
	// ErrInvalidDigest rejects lookups for strings Digest could not produce.
	ErrInvalidDigest = errors.New("invalid content digest")
)

// Digest streams r through SHA-256 and returns the lowercase hex digest.
func Digest(r io.Reader) (string, error) {
	h := sha256.New()
	buf := make([]byte, chunkSize)
	if _, err := io.CopyBuffer(h, r, buf); err != nil {
		return "", fmt.Errorf("%w: %v", ErrIO, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Valid reports whether s looks like a digest produced by this package.
func Valid(s string) bool {
	if len(s) != sha256.Size*2 || strings.ToLower(s) != s {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// DigestLookup finds an existing document by content digest.
type DigestLookup interface {
	FindDocumentByDigest(digest string) (domain.Document, bool, error)
}

// Addressor runs the duplicate pre-check against persisted documents.
// The result is advisory: the store's unique index on the digest decides races.
type Addressor struct {
	lookup DigestLookup
}

func NewAddressor(lookup DigestLookup) *Addressor {
	return &Addressor{lookup: lookup}
}

// IsDuplicate reports whether a document with this digest already exists.
func (a *Addressor) IsDuplicate(digest string) (bool, error) {
	if !Valid(digest) {
		return false, fmt.Errorf("%w: %q", ErrInvalidDigest, digest)
	}
	if a == nil || a.lookup == nil {
		return false, nil
	}
	_, found, err := a.lookup.FindDocumentByDigest(digest)
	if err != nil {
		return false, fmt.Errorf("lookup digest: %w", err)
	}
	return found, nil
}
