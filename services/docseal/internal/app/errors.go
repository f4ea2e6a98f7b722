package app

import (
	"errors"
	"fmt"
)

var (
	ErrValidation       = errors.New("validation failed")
	ErrNotFound         = errors.New("not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrDuplicateContent = errors.New("duplicate content")
	ErrSignatureExists  = errors.New("signature already exists")
	ErrInvalidState     = errors.New("invalid signature state")
	ErrCryptoFailure    = errors.New("crypto failure")
	ErrMalformedToken   = errors.New("malformed token")
	ErrGeometry         = errors.New("invalid geometry")
	ErrIO               = errors.New("artifact i/o failure")
)

// FieldError names the request field that failed validation.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *FieldError) Unwrap() error { return ErrValidation }

func invalid(field, reason string) error {
	return &FieldError{Field: field, Reason: reason}
}

// NotFoundError says which kind of entity is missing.
type NotFoundError struct {
	Entity string
}

func (e *NotFoundError) Error() string { return e.Entity + " not found" }

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

func notFound(entity string) error {
	return &NotFoundError{Entity: entity}
}

// GeometryError reports a rejected placement.
type GeometryError struct {
	Reason string
}

func (e *GeometryError) Error() string { return e.Reason }

func (e *GeometryError) Unwrap() error { return ErrGeometry }
