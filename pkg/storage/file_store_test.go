package storage

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestFileStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	ctx := context.Background()
	key := QRKey("h1", "s1")
	payload := []byte("png-bytes")
	if err := fs.Put(ctx, key, bytes.NewReader(payload), int64(len(payload)), "image/png"); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := ReadAll(ctx, fs, key)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
	entries, _ := os.ReadDir(filepath.Join(dir, "signatures", "h1", "s1"))
	if len(entries) != 1 {
		t.Fatalf("temp files left behind: %v", entries)
	}

	if err := fs.Put(ctx, key, bytes.NewReader([]byte("v2")), 2, "image/png"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, _ = ReadAll(ctx, fs, key)
	if string(got) != "v2" {
		t.Fatalf("overwrite not visible: %q", got)
	}

	if err := fs.Delete(ctx, key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := fs.Get(ctx, key); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("get after delete err = %v, want ErrObjectNotFound", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "signatures")); !os.IsNotExist(err) {
		t.Fatalf("empty directories should be pruned")
	}
	if err := fs.Delete(ctx, key); err != nil {
		t.Fatalf("deleting a missing object should succeed: %v", err)
	}
}

func TestFileStoreRejectsEscapingKeys(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	ctx := context.Background()
	for _, key := range []string{"", "/etc/passwd", "../x", "a/../../x", "a//b", `a\b`} {
		if err := fs.Put(ctx, key, bytes.NewReader(nil), 0, ""); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("put %q err = %v, want ErrInvalidKey", key, err)
		}
		if _, err := fs.Get(ctx, key); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("get %q err = %v, want ErrInvalidKey", key, err)
		}
	}
}

func TestNewFileStoreRequiresPath(t *testing.T) {
	if _, err := NewFileStore("  "); err == nil {
		t.Fatalf("expected error for blank path")
	}
}

func TestSafeFilename(t *testing.T) {
	cases := map[string]string{
		"contract.pdf":         "contract.pdf",
		"../../etc/passwd":     "passwd",
		`C:\Users\me\deal.pdf`: "deal.pdf",
		"  ":                   "document.pdf",
		"..":                   "document.pdf",
		"dir/":                 "dir",
	}
	for in, want := range cases {
		if got := SafeFilename(in); got != want {
			t.Fatalf("SafeFilename(%q) = %q, want %q", in, got, want)
		}
	}
	if got := DocumentKey("h1", "../a.pdf"); got != "documents/h1/a.pdf" {
		t.Fatalf("DocumentKey = %q", got)
	}
}
