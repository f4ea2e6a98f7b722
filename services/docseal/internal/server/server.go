package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"docseal/internal/ratelimit"
	"docseal/internal/usertoken"
	"docseal/internal/util"
	"docseal/pkg/domain"
	"docseal/pkg/storage"
	"docseal/services/docseal/internal/app"
)

// multipart framing allowance on top of the document size limit
const uploadOverheadBytes = 1 << 20

// IdentityVerifier resolves a bearer access token to the caller.
type IdentityVerifier interface {
	Verify(token string) (usertoken.Identity, error)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App              *app.App
	TokenVerifier    IdentityVerifier
	RedisAddr        string
	RedisPassword    string
	VerifyRateLimit  int
	VerifyRateWindow time.Duration
	AllowedOrigins   []string
	TrustedProxies   []string
}

// Server exposes HTTP endpoints for the docseal service.
type Server struct {
	app            *app.App
	tokenVerifier  IdentityVerifier
	mux            *http.ServeMux
	verifyLimiter  *ratelimit.FixedWindowLimiter
	trustedProxies *util.TrustedProxies
	allowedOrigins []string
}

// New constructs the server with routes configured. A non-positive
// VerifyRateLimit disables limiting of the public verification routes.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("server requires app")
	}
	if cfg.TokenVerifier == nil {
		return nil, errors.New("server requires token verifier")
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("parse trusted proxies: %w", err)
	}
	s := &Server{
		app:            cfg.App,
		tokenVerifier:  cfg.TokenVerifier,
		mux:            http.NewServeMux(),
		trustedProxies: trusted,
		allowedOrigins: cfg.AllowedOrigins,
	}
	if cfg.VerifyRateLimit > 0 {
		window := cfg.VerifyRateWindow
		if window <= 0 {
			window = time.Minute
		}
		limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "docseal:ratelimit:verify", cfg.VerifyRateLimit, window)
		if err != nil {
			return nil, fmt.Errorf("init verify limiter: %w", err)
		}
		s.verifyLimiter = limiter
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("docseal", util.WithSecurityHeaders(util.WithCORS(s.allowedOrigins, s.mux))))
}

// Close releases the limiter's Redis pool.
func (s *Server) Close() error {
	return s.verifyLimiter.Close()
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// public verification
	s.mux.HandleFunc("/signatures/check", s.handleCheck)
	s.mux.HandleFunc("/verify", s.handleVerify)

	// documents
	s.mux.Handle("/documents", s.withUser(s.handleDocuments))
	s.mux.Handle("/documents/", s.withUser(s.handleDocumentByHandle))

	// signatures
	s.mux.Handle("/signatures", s.withUser(s.handleIssue))
	s.mux.Handle("/signatures/placement", s.withUser(s.handlePlacement))
	s.mux.Handle("/signatures/stamp", s.withUser(s.handleStamp))
	s.mux.Handle("/signatures/qr", s.withUser(s.handleQR))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		identity, err := s.tokenVerifier.Verify(token)
		if err != nil {
			util.LoggerFromContext(r.Context()).Warn("access token rejected", "path", r.URL.Path, "err", err)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, domain.User{ID: identity.Subject, Email: identity.Email})
	})
}

func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request, user domain.User) {
	switch r.Method {
	case http.MethodPost:
		s.handleUpload(w, r, user)
	case http.MethodGet:
		docs, err := s.app.ListDocuments(r.Context(), user)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items": docs,
			"count": len(docs),
		})
	default:
		methodNotAllowed(w)
	}
}

// /documents/{handle} or /documents/{handle}/signatures
func (s *Server) handleDocumentByHandle(w http.ResponseWriter, r *http.Request, user domain.User) {
	path := strings.TrimPrefix(r.URL.Path, "/documents/")
	parts := strings.SplitN(path, "/", 2)
	handle := parts[0]
	if handle == "" {
		notFound(w, "not found")
		return
	}
	if len(parts) == 2 {
		if parts[1] != "signatures" {
			notFound(w, "not found")
			return
		}
		s.handleDocumentSignatures(w, r, user, handle)
		return
	}

	switch r.Method {
	case http.MethodGet:
		doc, err := s.app.GetDocument(r.Context(), user, handle)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, doc)
	case http.MethodDelete:
		if err := s.app.DeleteDocument(r.Context(), user, handle); err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleDocumentSignatures(w http.ResponseWriter, r *http.Request, user domain.User, handle string) {
	switch r.Method {
	case http.MethodGet:
		sigs, err := s.app.ListSignatures(r.Context(), user, handle)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items": sigs,
			"count": len(sigs),
		})
	case http.MethodDelete:
		n, err := s.app.RevokeSignatures(r.Context(), user, handle)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"revoked": n})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, user domain.User) {
	r.Body = http.MaxBytesReader(w, r.Body, s.app.MaxUploadBytes()+uploadOverheadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusBadRequest, "file too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required (field: file)")
		return
	}
	defer file.Close()
	doc, err := s.app.RegisterDocument(r.Context(), user, header.Filename, r.FormValue("display_name"), file)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

type issueRequest struct {
	DocumentHandle string `json:"document_handle"`
	SignerIdentity string `json:"signer_identity"`
}

type issueResponse struct {
	Token          string `json:"token"`
	DocumentHandle string `json:"document_handle"`
}

func (s *Server) handleIssue(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req issueRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	sig, err := s.app.IssueSignature(r.Context(), user, req.DocumentHandle, req.SignerIdentity)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, issueResponse{Token: sig.Token, DocumentHandle: sig.DocumentHandle})
}

type checkRequest struct {
	Token string `json:"token"`
}

type checkResponse struct {
	Valid          bool   `json:"valid"`
	Revoked        bool   `json:"revoked,omitempty"`
	DocumentName   string `json:"document_name"`
	SignerIdentity string `json:"signer_identity"`
	Timestamp      string `json:"timestamp"`
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r) {
		return
	}
	var req checkRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	s.writeCheck(w, r, req.Token)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r) {
		return
	}
	s.writeCheck(w, r, r.URL.Query().Get("token"))
}

func (s *Server) writeCheck(w http.ResponseWriter, r *http.Request, token string) {
	res, err := s.app.CheckSignature(r.Context(), token)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	out := checkResponse{
		Valid:          res.Valid,
		Revoked:        res.Revoked,
		DocumentName:   res.DocumentName,
		SignerIdentity: res.SignerIdentity,
	}
	if !res.Timestamp.IsZero() {
		out.Timestamp = res.Timestamp.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, out)
}

type placementRequest struct {
	DocumentHandle string   `json:"document_handle"`
	X              *float64 `json:"x"`
	Y              *float64 `json:"y"`
	Width          *float64 `json:"width"`
	Height         *float64 `json:"height"`
	TargetPage     *int     `json:"target_page"`
	CanvasWidth    *float64 `json:"canvas_width"`
	CanvasHeight   *float64 `json:"canvas_height"`
}

func (s *Server) handlePlacement(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req placementRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	for _, f := range []struct {
		name  string
		value *float64
	}{{"x", req.X}, {"y", req.Y}, {"width", req.Width}, {"height", req.Height}} {
		if f.value == nil {
			writeError(w, http.StatusBadRequest, f.name+" is required")
			return
		}
	}
	if req.TargetPage == nil {
		writeError(w, http.StatusBadRequest, "target_page is required")
		return
	}
	placement, err := s.app.SavePlacement(r.Context(), user, app.PlacementRequest{
		DocumentHandle: req.DocumentHandle,
		X:              *req.X,
		Y:              *req.Y,
		Width:          *req.Width,
		Height:         *req.Height,
		TargetPage:     *req.TargetPage,
		CanvasWidth:    req.CanvasWidth,
		CanvasHeight:   req.CanvasHeight,
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":        true,
		"placement": placement,
	})
}

type documentRequest struct {
	DocumentHandle string `json:"document_handle"`
}

func (s *Server) handleStamp(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req documentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	out, err := s.app.ProduceStamped(r.Context(), user, req.DocumentHandle)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	filename := "signed.pdf"
	if doc, err := s.app.GetDocument(r.Context(), user, req.DocumentHandle); err == nil {
		filename = "signed-" + storage.SafeFilename(doc.DisplayName)
	}
	writeBinary(w, "application/pdf", mime.FormatMediaType("attachment", map[string]string{"filename": filename}), out)
}

func (s *Server) handleQR(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	out, err := s.app.RenderQR(r.Context(), user, r.URL.Query().Get("document_handle"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeBinary(w, "image/png", "", out)
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request) bool {
	if s.verifyLimiter == nil {
		return true
	}
	decision := s.verifyLimiter.Check(util.ClientIP(r, s.trustedProxies))
	if decision.Allowed {
		return true
	}
	retry := int(decision.RetryAfter.Round(time.Second) / time.Second)
	if retry < 1 {
		retry = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	util.LoggerFromContext(r.Context()).Warn("verification rate limited", "path", r.URL.Path)
	writeError(w, http.StatusTooManyRequests, "too many verification requests")
	return false
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusNotFound, msg)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeBinary(w http.ResponseWriter, contentType, disposition string, body []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	if disposition != "" {
		w.Header().Set("Content-Disposition", disposition)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      errorCodeForDocseal(status, msg),
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}

// writeAppError maps core errors to a status and a client-safe message.
// Internal causes are logged, never returned.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	var fieldErr *app.FieldError
	var missing *app.NotFoundError
	var geometry *app.GeometryError
	switch {
	case errors.As(err, &fieldErr):
		if fieldErr.Field == "file" {
			writeError(w, http.StatusBadRequest, fieldErr.Reason)
			return
		}
		writeError(w, http.StatusBadRequest, fieldErr.Error())
	case errors.As(err, &missing):
		writeError(w, http.StatusNotFound, missing.Error())
	case errors.Is(err, app.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, app.ErrPermissionDenied):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, app.ErrDuplicateContent):
		writeError(w, http.StatusConflict, "duplicate content")
	case errors.Is(err, app.ErrSignatureExists):
		writeError(w, http.StatusConflict, "signature already exists")
	case errors.Is(err, app.ErrInvalidState):
		writeError(w, http.StatusConflict, "signature is not pending")
	case errors.Is(err, app.ErrMalformedToken):
		writeError(w, http.StatusBadRequest, "malformed token")
	case errors.As(err, &geometry):
		writeError(w, http.StatusUnprocessableEntity, geometry.Error())
	case errors.Is(err, app.ErrCryptoFailure):
		util.LoggerFromContext(r.Context()).Error("signing failed", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "signing failed")
	case errors.Is(err, app.ErrIO):
		util.LoggerFromContext(r.Context()).Error("artifact storage failed", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "storage failure")
	default:
		util.LoggerFromContext(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func errorCodeForDocseal(status int, msg string) string {
	message := strings.ToLower(strings.TrimSpace(msg))
	switch {
	case message == "unauthorized":
		return "AUTH_INVALID_TOKEN"
	case message == "forbidden":
		return "DOCUMENT_FORBIDDEN"
	case message == "document not found":
		return "DOCUMENT_NOT_FOUND"
	case message == "signature not found":
		return "SIGNATURE_NOT_FOUND"
	case message == "duplicate content":
		return "DOCUMENT_DUPLICATE_CONTENT"
	case message == "file too large":
		return "DOCUMENT_FILE_TOO_LARGE"
	case message == "file is empty":
		return "DOCUMENT_FILE_EMPTY"
	case message == "filename required", strings.Contains(message, "file is required"):
		return "DOCUMENT_FILE_REQUIRED"
	case message == "unsupported file type":
		return "DOCUMENT_UNSUPPORTED_FILE_TYPE"
	case message == "not a readable pdf":
		return "DOCUMENT_INVALID_PDF"
	case message == "invalid form data":
		return "DOCUMENT_INVALID_UPLOAD_FORM"
	case message == "signature already exists":
		return "SIGNATURE_EXISTS"
	case message == "signature is not pending":
		return "SIGNATURE_INVALID_STATE"
	case message == "malformed token":
		return "SIGNATURE_MALFORMED_TOKEN"
	case message == "signing failed":
		return "SIGNATURE_CRYPTO_FAILURE"
	case message == "storage failure":
		return "SYSTEM_STORAGE_ERROR"
	case message == "too many verification requests":
		return "RATE_LIMITED"
	case message == "invalid json body":
		return "REQUEST_INVALID_JSON"
	case message == "method not allowed":
		return "SYSTEM_METHOD_NOT_ALLOWED"
	case message == "not found":
		return "SYSTEM_NOT_FOUND"
	}

	switch status {
	case http.StatusBadRequest:
		return "REQUEST_INVALID_FIELD"
	case http.StatusUnauthorized:
		return "AUTH_INVALID_TOKEN"
	case http.StatusForbidden:
		return "DOCUMENT_FORBIDDEN"
	case http.StatusNotFound:
		return "SYSTEM_NOT_FOUND"
	case http.StatusUnprocessableEntity:
		return "PLACEMENT_INVALID"
	case http.StatusTooManyRequests:
		return "RATE_LIMITED"
	default:
		if status >= http.StatusInternalServerError {
			return "SYSTEM_INTERNAL_ERROR"
		}
		return "REQUEST_ERROR"
	}
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}
