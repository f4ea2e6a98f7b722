package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"docseal/internal/sigtoken"
	"docseal/internal/stamp"
	"docseal/internal/util"
	"docseal/pkg/domain"
	"docseal/pkg/events"
	"docseal/pkg/storage"
	"docseal/pkg/store"
)

// CheckResult is the public outcome of a token check.
type CheckResult struct {
	Valid          bool
	Revoked        bool
	DocumentName   string
	SignerIdentity string
	Timestamp      time.Time
}

// PlacementRequest is where the signer wants the QR code. Canvas dimensions
// are the client space the box was drawn in; both or neither must be set.
type PlacementRequest struct {
	DocumentHandle string
	X              float64
	Y              float64
	Width          float64
	Height         float64
	TargetPage     int
	CanvasWidth    *float64
	CanvasHeight   *float64
}

// IssueSignature mints a token for the caller on a document they own.
// signerIdentity defaults to the caller's email and must match it.
func (a *App) IssueSignature(ctx context.Context, user domain.User, documentHandle, signerIdentity string) (domain.Signature, error) {
	doc, err := a.ownedDocument(user, documentHandle)
	if err != nil {
		return domain.Signature{}, err
	}
	identity := strings.ToLower(strings.TrimSpace(signerIdentity))
	if identity == "" {
		identity = strings.ToLower(strings.TrimSpace(user.Email))
	}
	if identity == "" {
		return domain.Signature{}, invalid("signer_identity", "required")
	}
	if identity != strings.ToLower(strings.TrimSpace(user.Email)) {
		return domain.Signature{}, ErrPermissionDenied
	}
	if _, exists, err := a.store.GetSignatureForSigner(doc.Handle, user.ID); err != nil {
		return domain.Signature{}, fmt.Errorf("load signature: %w", err)
	} else if exists {
		return domain.Signature{}, ErrSignatureExists
	}

	token, err := a.signer.Sign(sigtoken.CanonicalMessage(doc.DisplayName, identity))
	if err != nil {
		return domain.Signature{}, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	now := a.now().UTC()
	sig := domain.Signature{
		ID:             uuid.NewString(),
		DocumentHandle: doc.Handle,
		SignerID:       user.ID,
		SignerIdentity: identity,
		DocumentName:   doc.DisplayName,
		Token:          token,
		Status:         domain.SignaturePending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := a.store.CreateSignature(sig); err != nil {
		switch {
		case errors.Is(err, store.ErrSignatureExists):
			return domain.Signature{}, ErrSignatureExists
		case errors.Is(err, store.ErrNotFound):
			return domain.Signature{}, notFound("document")
		}
		return domain.Signature{}, fmt.Errorf("save signature: %w", err)
	}

	util.LoggerFromContext(ctx).Info("signature issued", "document", doc.Handle, "signature", sig.ID, "signer", user.ID)
	a.publish(ctx, events.Event{
		Type:           events.SignatureIssued,
		DocumentHandle: doc.Handle,
		SignatureID:    sig.ID,
		ActorID:        user.ID,
		SignerIdentity: identity,
		OccurredAt:     now,
	})
	return sig, nil
}

// CheckSignature verifies a token against the message rebuilt from its record.
// A bad signature and a wrong message both yield Valid=false.
func (a *App) CheckSignature(ctx context.Context, token string) (CheckResult, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return CheckResult{}, invalid("token", "required")
	}
	claims, err := sigtoken.Inspect(token)
	if err != nil {
		return CheckResult{}, ErrMalformedToken
	}
	revoked, err := a.revoker.IsRevoked(token)
	if err != nil {
		util.LoggerFromContext(ctx).Warn("token denylist lookup failed", "err", err)
	}
	if revoked {
		return CheckResult{Valid: false, Revoked: true}, nil
	}
	sig, ok, err := a.store.GetSignatureByToken(token)
	if err != nil {
		return CheckResult{}, fmt.Errorf("load signature: %w", err)
	}
	if !ok {
		return CheckResult{}, notFound("signature")
	}
	valid, err := a.verifier.Verify(token, sigtoken.CanonicalMessage(sig.DocumentName, sig.SignerIdentity))
	if err != nil {
		if errors.Is(err, sigtoken.ErrMalformedToken) {
			return CheckResult{}, ErrMalformedToken
		}
		return CheckResult{}, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	res := CheckResult{
		Valid:          valid,
		DocumentName:   sig.DocumentName,
		SignerIdentity: sig.SignerIdentity,
		Timestamp:      sig.CreatedAt,
	}
	if claims.IssuedAt != nil {
		res.Timestamp = claims.IssuedAt.Time.UTC()
	}
	return res, nil
}

// SavePlacement validates the QR location against the target page, renders
// the QR image and records both on the caller's pending signature.
func (a *App) SavePlacement(ctx context.Context, user domain.User, req PlacementRequest) (domain.Placement, error) {
	doc, sig, err := a.callerSignature(user, req.DocumentHandle)
	if err != nil {
		return domain.Placement{}, err
	}
	if sig.Status != domain.SignaturePending {
		return domain.Placement{}, ErrInvalidState
	}
	stampReq, err := stampRequest(req.X, req.Y, req.Width, req.Height, req.TargetPage, req.CanvasWidth, req.CanvasHeight)
	if err != nil {
		return domain.Placement{}, err
	}
	page := stamp.Space{}
	if req.TargetPage >= 0 && req.TargetPage < len(doc.PageSizes) {
		size := doc.PageSizes[req.TargetPage]
		page = stamp.Space{Width: size.Width, Height: size.Height}
	}
	box, err := a.stamper.Place(stampReq, doc.PageCount, page)
	if err != nil {
		return domain.Placement{}, geometryError(err)
	}

	qrPNG, err := a.qr.EncodePNG(a.VerifyURL(sig.Token), a.qrOptions)
	if err != nil {
		return domain.Placement{}, fmt.Errorf("render qr: %w", err)
	}
	qrKey := storage.QRKey(doc.Handle, sig.ID)
	if err := a.objects.Put(ctx, qrKey, bytes.NewReader(qrPNG), int64(len(qrPNG)), "image/png"); err != nil {
		return domain.Placement{}, fmt.Errorf("%w: store qr: %v", ErrIO, err)
	}

	placement := domain.Placement{
		X:              req.X,
		Y:              req.Y,
		Width:          req.Width,
		Height:         req.Height,
		TargetPage:     req.TargetPage,
		CanvasWidth:    req.CanvasWidth,
		CanvasHeight:   req.CanvasHeight,
		ResolvedX:      box.X,
		ResolvedY:      box.Y,
		ResolvedWidth:  box.Width,
		ResolvedHeight: box.Height,
	}
	if err := a.store.SetPlacement(sig.ID, placement, qrKey); err != nil {
		if sig.QRArtifactPath == "" {
			a.deleteObjects(ctx, qrKey)
		}
		return domain.Placement{}, transitionError(err)
	}
	util.LoggerFromContext(ctx).Info("placement saved", "document", doc.Handle, "signature", sig.ID, "page", req.TargetPage)
	return placement, nil
}

// ProduceStamped burns the QR code into the source document and marks the
// signature signed. A signed signature returns its stored artifact.
func (a *App) ProduceStamped(ctx context.Context, user domain.User, documentHandle string) ([]byte, error) {
	doc, sig, err := a.callerSignature(user, documentHandle)
	if err != nil {
		return nil, err
	}
	if sig.Status == domain.SignatureSigned && sig.StampedArtifactPath != "" {
		out, err := storage.ReadAll(ctx, a.objects, sig.StampedArtifactPath)
		if err != nil {
			return nil, fmt.Errorf("%w: read stamped document: %v", ErrIO, err)
		}
		return out, nil
	}
	if sig.Status != domain.SignaturePending {
		return nil, ErrInvalidState
	}
	if sig.Placement == nil {
		return nil, &GeometryError{Reason: "placement has not been saved"}
	}

	src, err := storage.ReadAll(ctx, a.objects, doc.StoragePath)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, fmt.Errorf("%w: %w", ErrIO, stamp.ErrSourceNotFound)
		}
		return nil, fmt.Errorf("%w: read document: %v", ErrIO, err)
	}
	qr, err := a.qrImage(ctx, sig)
	if err != nil {
		return nil, err
	}
	p := sig.Placement
	stampReq, err := stampRequest(p.X, p.Y, p.Width, p.Height, p.TargetPage, p.CanvasWidth, p.CanvasHeight)
	if err != nil {
		return nil, err
	}
	res, err := a.stamper.Stamp(src, qr, stampReq)
	if err != nil {
		if errors.Is(err, stamp.ErrRenderFailure) || errors.Is(err, stamp.ErrSourceNotFound) {
			return nil, fmt.Errorf("%w: %v", ErrIO, err)
		}
		return nil, geometryError(err)
	}

	stampedKey := storage.StampedKey(doc.Handle, sig.ID)
	if err := a.objects.Put(ctx, stampedKey, bytes.NewReader(res.PDF), int64(len(res.PDF)), "application/pdf"); err != nil {
		return nil, fmt.Errorf("%w: store stamped document: %v", ErrIO, err)
	}
	if err := a.store.MarkSigned(sig.ID, stampedKey); err != nil {
		// A concurrent stamp already signed the record; the artifact key is
		// shared, so it stays in place.
		if errors.Is(err, store.ErrInvalidTransition) {
			if current, ok, getErr := a.store.GetSignature(sig.ID); getErr == nil && ok && current.Status == domain.SignatureSigned {
				return res.PDF, nil
			}
		} else {
			a.deleteObjects(ctx, stampedKey)
		}
		return nil, transitionError(err)
	}

	util.LoggerFromContext(ctx).Info("document stamped", "document", doc.Handle, "signature", sig.ID, "bytes", len(res.PDF))
	a.publish(ctx, events.Event{
		Type:           events.SignatureStamped,
		DocumentHandle: doc.Handle,
		SignatureID:    sig.ID,
		ActorID:        user.ID,
		SignerIdentity: sig.SignerIdentity,
	})
	return res.PDF, nil
}

// RenderQR returns the caller's QR code as PNG.
func (a *App) RenderQR(ctx context.Context, user domain.User, documentHandle string) ([]byte, error) {
	_, sig, err := a.callerSignature(user, documentHandle)
	if err != nil {
		return nil, err
	}
	if sig.QRArtifactPath != "" {
		out, err := storage.ReadAll(ctx, a.objects, sig.QRArtifactPath)
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, storage.ErrObjectNotFound) {
			return nil, fmt.Errorf("%w: read qr: %v", ErrIO, err)
		}
	}
	out, err := a.qr.EncodePNG(a.VerifyURL(sig.Token), a.qrOptions)
	if err != nil {
		return nil, fmt.Errorf("render qr: %w", err)
	}
	return out, nil
}

// ListSignatures returns every signature on a document owned by user.
func (a *App) ListSignatures(_ context.Context, user domain.User, documentHandle string) ([]domain.Signature, error) {
	doc, err := a.ownedDocument(user, documentHandle)
	if err != nil {
		return nil, err
	}
	return a.store.ListSignaturesByDocument(doc.Handle)
}

// RevokeSignatures deletes the caller's signatures on a document together
// with their artifacts and denylists their tokens.
func (a *App) RevokeSignatures(ctx context.Context, user domain.User, documentHandle string) (int, error) {
	doc, err := a.ownedDocument(user, documentHandle)
	if err != nil {
		return 0, err
	}
	removed, err := a.store.DeleteSignatures(doc.Handle, user.ID)
	if err != nil {
		return 0, fmt.Errorf("delete signatures: %w", err)
	}
	a.revokeTokens(ctx, removed)
	for _, sig := range removed {
		a.deleteObjects(ctx, sig.QRArtifactPath, sig.StampedArtifactPath)
		a.publish(ctx, events.Event{
			Type:           events.SignatureRevoked,
			DocumentHandle: doc.Handle,
			SignatureID:    sig.ID,
			ActorID:        user.ID,
			SignerIdentity: sig.SignerIdentity,
		})
	}
	util.LoggerFromContext(ctx).Info("signatures revoked", "document", doc.Handle, "count", len(removed))
	return len(removed), nil
}

func (a *App) callerSignature(user domain.User, documentHandle string) (domain.Document, domain.Signature, error) {
	doc, err := a.ownedDocument(user, documentHandle)
	if err != nil {
		return domain.Document{}, domain.Signature{}, err
	}
	sig, ok, err := a.store.GetSignatureForSigner(doc.Handle, user.ID)
	if err != nil {
		return domain.Document{}, domain.Signature{}, fmt.Errorf("load signature: %w", err)
	}
	if !ok {
		return domain.Document{}, domain.Signature{}, notFound("signature")
	}
	return doc, sig, nil
}

// qrImage loads the stored QR artifact, re-rendering it when missing.
// Rendering is deterministic so both paths yield the same image.
func (a *App) qrImage(ctx context.Context, sig domain.Signature) (image.Image, error) {
	if sig.QRArtifactPath != "" {
		raw, err := storage.ReadAll(ctx, a.objects, sig.QRArtifactPath)
		if err == nil {
			img, decodeErr := png.Decode(bytes.NewReader(raw))
			if decodeErr == nil {
				return img, nil
			}
			util.LoggerFromContext(ctx).Warn("stored qr unreadable, re-rendering", "signature", sig.ID, "err", decodeErr)
		} else if !errors.Is(err, storage.ErrObjectNotFound) {
			return nil, fmt.Errorf("%w: read qr: %v", ErrIO, err)
		}
	}
	img, err := a.qr.Encode(a.VerifyURL(sig.Token), a.qrOptions)
	if err != nil {
		return nil, fmt.Errorf("render qr: %w", err)
	}
	return img, nil
}

func stampRequest(x, y, width, height float64, page int, canvasWidth, canvasHeight *float64) (stamp.Request, error) {
	fields := []struct {
		name  string
		value float64
	}{{"x", x}, {"y", y}, {"width", width}, {"height", height}}
	for _, f := range fields {
		if math.IsNaN(f.value) || math.IsInf(f.value, 0) {
			return stamp.Request{}, invalid(f.name, "must be a finite number")
		}
	}
	req := stamp.Request{
		Page: page,
		Box:  stamp.Box{X: x, Y: y, Width: width, Height: height},
	}
	switch {
	case canvasWidth == nil && canvasHeight == nil:
	case canvasWidth == nil || canvasHeight == nil:
		return stamp.Request{}, invalid("canvas_width", "canvas_width and canvas_height must be set together")
	case !(*canvasWidth > 0) || math.IsInf(*canvasWidth, 0):
		return stamp.Request{}, invalid("canvas_width", "must be positive")
	case !(*canvasHeight > 0) || math.IsInf(*canvasHeight, 0):
		return stamp.Request{}, invalid("canvas_height", "must be positive")
	default:
		req.Canvas = &stamp.Space{Width: *canvasWidth, Height: *canvasHeight}
	}
	return req, nil
}

func geometryError(err error) error {
	switch {
	case errors.Is(err, stamp.ErrInvalidPage):
		return &GeometryError{Reason: "target_page is out of range"}
	case errors.Is(err, stamp.ErrSizeOutOfRange):
		return &GeometryError{Reason: err.Error()}
	case errors.Is(err, stamp.ErrRenderFailure):
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return err
}

func transitionError(err error) error {
	switch {
	case errors.Is(err, store.ErrInvalidTransition):
		return ErrInvalidState
	case errors.Is(err, store.ErrNotFound):
		return notFound("signature")
	}
	return fmt.Errorf("update signature: %w", err)
}
