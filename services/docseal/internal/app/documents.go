package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"docseal/internal/contenthash"
	"docseal/internal/handle"
	"docseal/internal/pdfinfo"
	"docseal/internal/util"
	"docseal/pkg/domain"
	"docseal/pkg/events"
	"docseal/pkg/storage"
	"docseal/pkg/store"
)

const maxDisplayNameLen = 255

// RegisterDocument spools an upload, rejects duplicate content, records page
// geometry and stores the bytes under a freshly derived handle.
func (a *App) RegisterDocument(ctx context.Context, owner domain.User, filename, displayName string, r io.Reader) (domain.Document, error) {
	filename = strings.TrimSpace(filename)
	if filename == "" {
		return domain.Document{}, invalid("file", "filename required")
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if _, ok := a.allowedExtensions[ext]; !ok {
		return domain.Document{}, invalid("file", "unsupported file type")
	}
	name, err := normalizeDisplayName(displayName, filename)
	if err != nil {
		return domain.Document{}, err
	}

	tmp, err := os.CreateTemp(a.tempDir, "docseal-upload-*")
	if err != nil {
		return domain.Document{}, fmt.Errorf("%w: create temp file: %v", ErrIO, err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	counter := &countingWriter{w: tmp}
	digest, err := contenthash.Digest(io.TeeReader(io.LimitReader(r, a.maxUploadBytes+1), counter))
	if err != nil {
		return domain.Document{}, fmt.Errorf("%w: %v", ErrIO, err)
	}
	size := counter.n
	if size > a.maxUploadBytes {
		return domain.Document{}, invalid("file", "file too large")
	}
	if size == 0 {
		return domain.Document{}, invalid("file", "file is empty")
	}

	dup, err := a.addressor.IsDuplicate(digest)
	if err != nil {
		return domain.Document{}, err
	}
	if dup {
		return domain.Document{}, ErrDuplicateContent
	}

	pages, err := pdfinfo.Inspect(tmp, size)
	if err != nil {
		return domain.Document{}, invalid("file", "not a readable PDF")
	}

	createdAt := a.now().UTC()
	doc := domain.Document{
		Handle:        handle.Derive(owner.ID, digest, createdAt),
		OwnerID:       owner.ID,
		DisplayName:   name,
		ContentDigest: digest,
		SizeBytes:     size,
		PageCount:     len(pages),
		PageSizes:     pages,
		CreatedAt:     createdAt,
	}
	doc.StoragePath = storage.DocumentKey(doc.Handle, filename)

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return domain.Document{}, fmt.Errorf("%w: rewind upload: %v", ErrIO, err)
	}
	if err := a.objects.Put(ctx, doc.StoragePath, tmp, size, "application/pdf"); err != nil {
		return domain.Document{}, fmt.Errorf("%w: store document: %v", ErrIO, err)
	}
	if err := a.store.CreateDocument(doc); err != nil {
		a.deleteObjects(ctx, doc.StoragePath)
		if errors.Is(err, store.ErrDuplicateContent) {
			return domain.Document{}, ErrDuplicateContent
		}
		return domain.Document{}, fmt.Errorf("save document: %w", err)
	}

	util.LoggerFromContext(ctx).Info("document registered", "document", doc.Handle, "owner", owner.ID, "pages", doc.PageCount, "bytes", size)
	a.publish(ctx, events.Event{
		Type:           events.DocumentRegistered,
		DocumentHandle: doc.Handle,
		ActorID:        owner.ID,
		OccurredAt:     createdAt,
	})
	return doc, nil
}

// GetDocument returns a document owned by user.
func (a *App) GetDocument(_ context.Context, user domain.User, documentHandle string) (domain.Document, error) {
	return a.ownedDocument(user, documentHandle)
}

// ListDocuments returns the caller's documents, newest first.
func (a *App) ListDocuments(_ context.Context, user domain.User) ([]domain.Document, error) {
	return a.store.ListDocumentsByOwner(user.ID)
}

// DeleteDocument removes a document, its signatures and every artifact.
// Tokens of removed signatures are denylisted.
func (a *App) DeleteDocument(ctx context.Context, user domain.User, documentHandle string) error {
	doc, err := a.ownedDocument(user, documentHandle)
	if err != nil {
		return err
	}
	removed, err := a.store.DeleteDocument(doc.Handle)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return notFound("document")
		}
		return fmt.Errorf("delete document: %w", err)
	}
	a.revokeTokens(ctx, removed)
	keys := []string{doc.StoragePath}
	for _, sig := range removed {
		keys = append(keys, sig.QRArtifactPath, sig.StampedArtifactPath)
	}
	a.deleteObjects(ctx, keys...)

	util.LoggerFromContext(ctx).Info("document deleted", "document", doc.Handle, "signatures", len(removed))
	for _, sig := range removed {
		a.publish(ctx, events.Event{
			Type:           events.SignatureRevoked,
			DocumentHandle: doc.Handle,
			SignatureID:    sig.ID,
			ActorID:        user.ID,
			SignerIdentity: sig.SignerIdentity,
		})
	}
	a.publish(ctx, events.Event{
		Type:           events.DocumentDeleted,
		DocumentHandle: doc.Handle,
		ActorID:        user.ID,
	})
	return nil
}

func (a *App) ownedDocument(user domain.User, documentHandle string) (domain.Document, error) {
	documentHandle = strings.TrimSpace(documentHandle)
	if documentHandle == "" {
		return domain.Document{}, invalid("document_handle", "required")
	}
	if !handle.Valid(documentHandle) {
		return domain.Document{}, notFound("document")
	}
	doc, ok, err := a.store.GetDocument(documentHandle)
	if err != nil {
		return domain.Document{}, fmt.Errorf("load document: %w", err)
	}
	if !ok {
		return domain.Document{}, notFound("document")
	}
	if doc.OwnerID != user.ID {
		return domain.Document{}, ErrPermissionDenied
	}
	return doc, nil
}

func normalizeDisplayName(displayName, filename string) (string, error) {
	name := strings.TrimSpace(displayName)
	if name == "" {
		name = storage.SafeFilename(filename)
	}
	if !utf8.ValidString(name) {
		return "", invalid("display_name", "must be valid UTF-8")
	}
	if utf8.RuneCountInString(name) > maxDisplayNameLen {
		return "", invalid("display_name", fmt.Sprintf("must be at most %d characters", maxDisplayNameLen))
	}
	if strings.ContainsAny(name, "\r\n") {
		return "", invalid("display_name", "must be a single line")
	}
	return name, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
