package store

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"docseal/pkg/domain"
)

var (
	// ErrDuplicateContent means a document with the same content digest exists.
	ErrDuplicateContent = errors.New("duplicate document content")
	// ErrSignatureExists means the signer already holds a live signature on the document.
	ErrSignatureExists = errors.New("signature already exists")
	// ErrNotFound is returned by mutations whose target row is missing.
	ErrNotFound = errors.New("record not found")
	// ErrInvalidTransition means the signature is not in the state the mutation requires.
	ErrInvalidTransition = errors.New("invalid signature state transition")
)

// Store defines persistence operations for documents and signatures.
type Store interface {
	// documents
	CreateDocument(domain.Document) error
	GetDocument(handle string) (domain.Document, bool, error)
	FindDocumentByDigest(digest string) (domain.Document, bool, error)
	ListDocumentsByOwner(ownerID string) ([]domain.Document, error)
	DeleteDocument(handle string) ([]domain.Signature, error)

	// signatures
	CreateSignature(domain.Signature) error
	GetSignature(id string) (domain.Signature, bool, error)
	GetSignatureByToken(token string) (domain.Signature, bool, error)
	GetSignatureForSigner(documentHandle, signerID string) (domain.Signature, bool, error)
	ListSignaturesByDocument(documentHandle string) ([]domain.Signature, error)
	SetPlacement(id string, placement domain.Placement, qrPath string) error
	MarkSigned(id string, stampedPath string) error
	DeleteSignatures(documentHandle, signerID string) ([]domain.Signature, error)
}

// HashToken is the lookup key stored for a signature token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
