package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"docseal/pkg/domain"
)

const migrateLockID int64 = 51735173

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&DocumentModel{}, &SignatureModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := tx.Exec(`
			DO $$
			BEGIN
				DELETE FROM signature_models s
				WHERE NOT EXISTS (SELECT 1 FROM document_models d WHERE d.handle = s.document_handle);
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'signature_models'
					AND constraint_name = 'signature_models_document_handle_fkey'
				) THEN
					ALTER TABLE signature_models
					ADD CONSTRAINT signature_models_document_handle_fkey
					FOREIGN KEY (document_handle) REFERENCES document_models(handle) ON DELETE CASCADE;
				END IF;
			END $$;
		`).Error; err != nil {
			return fmt.Errorf("ensure signature foreign key: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// CreateDocument inserts a document. The unique digest index is the final
// word on duplicates, so concurrent uploads of the same bytes cannot both win.
func (s *GormStore) CreateDocument(d domain.Document) error {
	model := documentToModel(d)
	if err := s.db.Create(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateContent
		}
		return err
	}
	return nil
}

// GetDocument retrieves a document by handle.
func (s *GormStore) GetDocument(handle string) (domain.Document, bool, error) {
	return s.firstDocument("handle = ?", handle)
}

// FindDocumentByDigest retrieves a document by content digest.
func (s *GormStore) FindDocumentByDigest(digest string) (domain.Document, bool, error) {
	return s.firstDocument("content_digest = ?", digest)
}

func (s *GormStore) firstDocument(query string, arg any) (domain.Document, bool, error) {
	var model DocumentModel
	if err := s.db.Where(query, arg).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Document{}, false, nil
		}
		return domain.Document{}, false, err
	}
	doc, err := documentFromModel(model)
	if err != nil {
		return domain.Document{}, false, err
	}
	return doc, true, nil
}

// ListDocumentsByOwner returns an owner's documents, newest first.
func (s *GormStore) ListDocumentsByOwner(ownerID string) ([]domain.Document, error) {
	var models []DocumentModel
	if err := s.db.Where("owner_id = ?", ownerID).Order("created_at DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Document, 0, len(models))
	for _, m := range models {
		doc, err := documentFromModel(m)
		if err != nil {
			return nil, err
		}
		res = append(res, doc)
	}
	return res, nil
}

// DeleteDocument removes a document with its signatures and returns the removed signatures.
func (s *GormStore) DeleteDocument(handle string) ([]domain.Signature, error) {
	var removed []SignatureModel
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("document_handle = ?", handle).Find(&removed).Error; err != nil {
			return err
		}
		if err := tx.Delete(&SignatureModel{}, "document_handle = ?", handle).Error; err != nil {
			return err
		}
		res := tx.Delete(&DocumentModel{}, "handle = ?", handle)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return revokedFromModels(removed), nil
}

// CreateSignature inserts a pending signature.
func (s *GormStore) CreateSignature(sig domain.Signature) error {
	model := signatureToModel(sig)
	if err := s.db.Create(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrSignatureExists
		}
		if errors.Is(err, gorm.ErrForeignKeyViolated) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

// GetSignature retrieves a signature by ID.
func (s *GormStore) GetSignature(id string) (domain.Signature, bool, error) {
	return s.firstSignature(s.db.Where("id = ?", id))
}

// GetSignatureByToken retrieves a signature by its token.
func (s *GormStore) GetSignatureByToken(token string) (domain.Signature, bool, error) {
	return s.firstSignature(s.db.Where("token_hash = ?", HashToken(token)))
}

// GetSignatureForSigner retrieves the live signature of signerID on a document.
func (s *GormStore) GetSignatureForSigner(documentHandle, signerID string) (domain.Signature, bool, error) {
	return s.firstSignature(s.db.Where("document_handle = ? AND signer_id = ?", documentHandle, signerID))
}

func (s *GormStore) firstSignature(tx *gorm.DB) (domain.Signature, bool, error) {
	var model SignatureModel
	if err := tx.First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Signature{}, false, nil
		}
		return domain.Signature{}, false, err
	}
	sig, err := signatureFromModel(model)
	if err != nil {
		return domain.Signature{}, false, err
	}
	return sig, true, nil
}

// ListSignaturesByDocument returns a document's signatures ordered by created_at.
func (s *GormStore) ListSignaturesByDocument(documentHandle string) ([]domain.Signature, error) {
	var models []SignatureModel
	if err := s.db.Where("document_handle = ?", documentHandle).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Signature, 0, len(models))
	for _, m := range models {
		sig, err := signatureFromModel(m)
		if err != nil {
			return nil, err
		}
		res = append(res, sig)
	}
	return res, nil
}

// SetPlacement records the QR placement of a pending signature.
func (s *GormStore) SetPlacement(id string, placement domain.Placement, qrPath string) error {
	raw, err := json.Marshal(placement)
	if err != nil {
		return fmt.Errorf("encode placement: %w", err)
	}
	return s.transition(id, map[string]any{
		"placement":        datatypes.JSON(raw),
		"qr_artifact_path": qrPath,
		"updated_at":       time.Now().UTC(),
	})
}

// MarkSigned moves a pending signature to signed.
func (s *GormStore) MarkSigned(id string, stampedPath string) error {
	return s.transition(id, map[string]any{
		"status":                string(domain.SignatureSigned),
		"stamped_artifact_path": stampedPath,
		"updated_at":            time.Now().UTC(),
	})
}

// transition applies updates only while the signature is pending.
func (s *GormStore) transition(id string, updates map[string]any) error {
	res := s.db.Model(&SignatureModel{}).
		Where("id = ? AND status = ?", id, string(domain.SignaturePending)).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	var count int64
	if err := s.db.Model(&SignatureModel{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrNotFound
	}
	return ErrInvalidTransition
}

// DeleteSignatures removes the signer's signatures on a document and returns them.
func (s *GormStore) DeleteSignatures(documentHandle, signerID string) ([]domain.Signature, error) {
	var removed []SignatureModel
	err := s.db.Transaction(func(tx *gorm.DB) error {
		q := tx.Where("document_handle = ? AND signer_id = ?", documentHandle, signerID)
		if err := q.Find(&removed).Error; err != nil {
			return err
		}
		if len(removed) == 0 {
			return nil
		}
		return tx.Delete(&SignatureModel{}, "document_handle = ? AND signer_id = ?", documentHandle, signerID).Error
	})
	if err != nil {
		return nil, err
	}
	return revokedFromModels(removed), nil
}

func revokedFromModels(models []SignatureModel) []domain.Signature {
	out := make([]domain.Signature, 0, len(models))
	for _, m := range models {
		// rows are gone; cleanup only needs ids, tokens and paths
		sig, _ := signatureFromModel(m)
		sig.Status = domain.SignatureRevoked
		out = append(out, sig)
	}
	return out
}
