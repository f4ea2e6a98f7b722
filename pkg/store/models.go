package store

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"

	"docseal/pkg/domain"
)

// GORM models used for persistence.
type DocumentModel struct {
	Handle        string         `gorm:"primaryKey"`
	OwnerID       string         `gorm:"not null;index"`
	DisplayName   string         `gorm:"not null"`
	ContentDigest string         `gorm:"uniqueIndex;not null"`
	StoragePath   string         `gorm:"not null"`
	SizeBytes     int64          `gorm:"not null"`
	PageCount     int            `gorm:"not null"`
	PageSizes     datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt     time.Time      `gorm:"not null;index"`
}

type SignatureModel struct {
	ID                  string `gorm:"primaryKey"`
	DocumentHandle      string `gorm:"not null;uniqueIndex:idx_signature_document_signer"`
	SignerID            string `gorm:"not null;uniqueIndex:idx_signature_document_signer"`
	SignerIdentity      string `gorm:"not null"`
	DocumentName        string `gorm:"not null"`
	Token               string `gorm:"type:text;not null"`
	TokenHash           string `gorm:"uniqueIndex;not null"`
	Status              string `gorm:"not null"`
	QRArtifactPath      string
	StampedArtifactPath string
	Placement           datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt           time.Time      `gorm:"not null;index"`
	UpdatedAt           time.Time      `gorm:"not null"`
}

func documentToModel(d domain.Document) DocumentModel {
	sizes, _ := json.Marshal(d.PageSizes)
	return DocumentModel{
		Handle:        d.Handle,
		OwnerID:       d.OwnerID,
		DisplayName:   d.DisplayName,
		ContentDigest: d.ContentDigest,
		StoragePath:   d.StoragePath,
		SizeBytes:     d.SizeBytes,
		PageCount:     d.PageCount,
		PageSizes:     datatypes.JSON(sizes),
		CreatedAt:     d.CreatedAt,
	}
}

func documentFromModel(m DocumentModel) (domain.Document, error) {
	var sizes []domain.PageSize
	if len(m.PageSizes) > 0 {
		if err := json.Unmarshal(m.PageSizes, &sizes); err != nil {
			return domain.Document{}, fmt.Errorf("document %s: decode page sizes: %w", m.Handle, err)
		}
	}
	return domain.Document{
		Handle:        m.Handle,
		OwnerID:       m.OwnerID,
		DisplayName:   m.DisplayName,
		ContentDigest: m.ContentDigest,
		StoragePath:   m.StoragePath,
		SizeBytes:     m.SizeBytes,
		PageCount:     m.PageCount,
		PageSizes:     sizes,
		CreatedAt:     m.CreatedAt,
	}, nil
}

func signatureToModel(s domain.Signature) SignatureModel {
	m := SignatureModel{
		ID:                  s.ID,
		DocumentHandle:      s.DocumentHandle,
		SignerID:            s.SignerID,
		SignerIdentity:      s.SignerIdentity,
		DocumentName:        s.DocumentName,
		Token:               s.Token,
		TokenHash:           HashToken(s.Token),
		Status:              string(s.Status),
		QRArtifactPath:      s.QRArtifactPath,
		StampedArtifactPath: s.StampedArtifactPath,
		CreatedAt:           s.CreatedAt,
		UpdatedAt:           s.UpdatedAt,
	}
	if s.Placement != nil {
		raw, _ := json.Marshal(s.Placement)
		m.Placement = datatypes.JSON(raw)
	}
	return m
}

// signatureFromModel returns every scalar field even when the placement
// column cannot be decoded, alongside the decode error.
func signatureFromModel(m SignatureModel) (domain.Signature, error) {
	s := domain.Signature{
		ID:                  m.ID,
		DocumentHandle:      m.DocumentHandle,
		SignerID:            m.SignerID,
		SignerIdentity:      m.SignerIdentity,
		DocumentName:        m.DocumentName,
		Token:               m.Token,
		Status:              domain.SignatureStatus(m.Status),
		QRArtifactPath:      m.QRArtifactPath,
		StampedArtifactPath: m.StampedArtifactPath,
		CreatedAt:           m.CreatedAt,
		UpdatedAt:           m.UpdatedAt,
	}
	if len(m.Placement) > 0 && string(m.Placement) != "null" {
		var p domain.Placement
		if err := json.Unmarshal(m.Placement, &p); err != nil {
			return s, fmt.Errorf("signature %s: decode placement: %w", m.ID, err)
		}
		s.Placement = &p
	}
	return s, nil
}
