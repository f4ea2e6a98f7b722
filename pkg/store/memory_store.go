package store

import (
	"sync"
	"time"

	"docseal/pkg/domain"
)

type docSigner struct {
	document string
	signer   string
}

// MemoryStore keeps records in-process. It enforces the same uniqueness rules
// as the database so tests and single-instance deployments behave alike.
type MemoryStore struct {
	mu        sync.RWMutex
	documents map[string]domain.Document // handle -> document
	digests   map[string]string          // digest -> handle
	orders    []string

	signatures map[string]domain.Signature // id -> signature
	tokens     map[string]string           // token hash -> id
	bySigner   map[docSigner]string        // (document, signer) -> id
	sigOrders  []string
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		documents:  make(map[string]domain.Document),
		digests:    make(map[string]string),
		signatures: make(map[string]domain.Signature),
		tokens:     make(map[string]string),
		bySigner:   make(map[docSigner]string),
	}
}

func (m *MemoryStore) CreateDocument(d domain.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.digests[d.ContentDigest]; exists {
		return ErrDuplicateContent
	}
	if _, exists := m.documents[d.Handle]; exists {
		return ErrDuplicateContent
	}
	d.PageSizes = append([]domain.PageSize(nil), d.PageSizes...)
	m.documents[d.Handle] = d
	m.digests[d.ContentDigest] = d.Handle
	m.orders = append(m.orders, d.Handle)
	return nil
}

func (m *MemoryStore) GetDocument(handle string) (domain.Document, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.documents[handle]
	return d, ok, nil
}

func (m *MemoryStore) FindDocumentByDigest(digest string) (domain.Document, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	handle, ok := m.digests[digest]
	if !ok {
		return domain.Document{}, false, nil
	}
	d, ok := m.documents[handle]
	return d, ok, nil
}

// ListDocumentsByOwner returns an owner's documents, newest first.
func (m *MemoryStore) ListDocumentsByOwner(ownerID string) ([]domain.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Document, 0)
	for i := len(m.orders) - 1; i >= 0; i-- {
		if d, ok := m.documents[m.orders[i]]; ok && d.OwnerID == ownerID {
			res = append(res, d)
		}
	}
	return res, nil
}

func (m *MemoryStore) DeleteDocument(handle string) ([]domain.Signature, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.documents[handle]
	if !ok {
		return nil, ErrNotFound
	}
	removed := m.removeSignaturesLocked(func(sig domain.Signature) bool {
		return sig.DocumentHandle == handle
	})
	delete(m.documents, handle)
	delete(m.digests, d.ContentDigest)
	m.orders = without(m.orders, handle)
	return removed, nil
}

func (m *MemoryStore) CreateSignature(sig domain.Signature) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.documents[sig.DocumentHandle]; !ok {
		return ErrNotFound
	}
	key := docSigner{document: sig.DocumentHandle, signer: sig.SignerID}
	if _, exists := m.bySigner[key]; exists {
		return ErrSignatureExists
	}
	hash := HashToken(sig.Token)
	if _, exists := m.tokens[hash]; exists {
		return ErrSignatureExists
	}
	m.signatures[sig.ID] = sig
	m.tokens[hash] = sig.ID
	m.bySigner[key] = sig.ID
	m.sigOrders = append(m.sigOrders, sig.ID)
	return nil
}

func (m *MemoryStore) GetSignature(id string) (domain.Signature, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sig, ok := m.signatures[id]
	return sig, ok, nil
}

func (m *MemoryStore) GetSignatureByToken(token string) (domain.Signature, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.tokens[HashToken(token)]
	if !ok {
		return domain.Signature{}, false, nil
	}
	sig, ok := m.signatures[id]
	return sig, ok, nil
}

func (m *MemoryStore) GetSignatureForSigner(documentHandle, signerID string) (domain.Signature, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.bySigner[docSigner{document: documentHandle, signer: signerID}]
	if !ok {
		return domain.Signature{}, false, nil
	}
	sig, ok := m.signatures[id]
	return sig, ok, nil
}

func (m *MemoryStore) ListSignaturesByDocument(documentHandle string) ([]domain.Signature, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Signature, 0)
	for _, id := range m.sigOrders {
		if sig, ok := m.signatures[id]; ok && sig.DocumentHandle == documentHandle {
			res = append(res, sig)
		}
	}
	return res, nil
}

func (m *MemoryStore) SetPlacement(id string, placement domain.Placement, qrPath string) error {
	return m.transition(id, func(sig *domain.Signature) {
		p := placement
		sig.Placement = &p
		sig.QRArtifactPath = qrPath
	})
}

func (m *MemoryStore) MarkSigned(id string, stampedPath string) error {
	return m.transition(id, func(sig *domain.Signature) {
		sig.Status = domain.SignatureSigned
		sig.StampedArtifactPath = stampedPath
	})
}

func (m *MemoryStore) transition(id string, apply func(*domain.Signature)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sig, ok := m.signatures[id]
	if !ok {
		return ErrNotFound
	}
	if sig.Status != domain.SignaturePending {
		return ErrInvalidTransition
	}
	apply(&sig)
	sig.UpdatedAt = time.Now().UTC()
	m.signatures[id] = sig
	return nil
}

func (m *MemoryStore) DeleteSignatures(documentHandle, signerID string) ([]domain.Signature, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := m.removeSignaturesLocked(func(sig domain.Signature) bool {
		return sig.DocumentHandle == documentHandle && sig.SignerID == signerID
	})
	return removed, nil
}

func (m *MemoryStore) removeSignaturesLocked(match func(domain.Signature) bool) []domain.Signature {
	var removed []domain.Signature
	kept := make([]string, 0, len(m.sigOrders))
	for _, id := range m.sigOrders {
		sig, ok := m.signatures[id]
		if !ok {
			continue
		}
		if !match(sig) {
			kept = append(kept, id)
			continue
		}
		delete(m.signatures, sig.ID)
		delete(m.tokens, HashToken(sig.Token))
		delete(m.bySigner, docSigner{document: sig.DocumentHandle, signer: sig.SignerID})
		sig.Status = domain.SignatureRevoked
		removed = append(removed, sig)
	}
	m.sigOrders = kept
	return removed
}

func without(items []string, drop string) []string {
	filtered := items[:0]
	for _, item := range items {
		if item != drop {
			filtered = append(filtered, item)
		}
	}
	return filtered
}
