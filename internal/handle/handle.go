// Package handle derives the opaque public identifier of a document.
package handle

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"io"
	"time"
)

// Derive returns a one-way handle for a document registration.
// Fields are length-prefixed so distinct inputs cannot collide by concatenation.
func Derive(ownerID, digest string, createdAt time.Time) string {
	h := sha256.New()
	writeField(h, ownerID)
	writeField(h, digest)
	writeField(h, createdAt.UTC().Format(time.RFC3339Nano))
	return hex.EncodeToString(h.Sum(nil))
}

// Valid reports whether s has the shape of a derived handle.
func Valid(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

func writeField(h io.Writer, v string) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(v)))
	_, _ = h.Write(n[:])
	_, _ = h.Write([]byte(v))
}
