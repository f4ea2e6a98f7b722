package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

var (
	ErrObjectNotFound = errors.New("object not found")
	ErrInvalidKey     = errors.New("invalid object key")
)

// ObjectStore holds document sources and derived artifacts (QR images,
// stamped PDFs) under slash-separated keys.
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// ReadAll fetches an object fully into memory.
func ReadAll(ctx context.Context, s ObjectStore, key string) ([]byte, error) {
	rc, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read object: %w", err)
	}
	return data, nil
}

// DocumentKey is where a document's source bytes live.
func DocumentKey(handle, filename string) string {
	return "documents/" + handle + "/" + SafeFilename(filename)
}

// QRKey is where a signature's QR image lives.
func QRKey(handle, signatureID string) string {
	return "signatures/" + handle + "/" + signatureID + "/qr.png"
}

// StampedKey is where a signature's stamped PDF lives.
func StampedKey(handle, signatureID string) string {
	return "signatures/" + handle + "/" + signatureID + "/stamped.pdf"
}

// SafeFilename strips directories and separators from a client supplied name.
func SafeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(name)
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == "/" || name == ".." {
		return "document.pdf"
	}
	return name
}

func cleanKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", ErrInvalidKey
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return "", ErrInvalidKey
		}
	}
	return key, nil
}
