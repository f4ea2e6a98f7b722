package app

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"docseal/internal/contenthash"
	"docseal/internal/qrimage"
	"docseal/internal/sigtoken"
	"docseal/internal/stamp"
	"docseal/internal/util"
	"docseal/pkg/domain"
	"docseal/pkg/events"
	"docseal/pkg/storage"
	"docseal/pkg/store"
)

const (
	defaultMaxUploadBytes    = 15 * 1024 * 1024
	defaultVerifyURLTemplate = "/verify?token={token}"
	defaultRevokedRetention  = 30 * 24 * time.Hour
	tokenPlaceholder         = "{token}"
)

// Config holds runtime configuration for the core application.
type Config struct {
	Store   store.Store
	Objects storage.ObjectStore
	Keys    sigtoken.KeyProvider
	Revoker store.TokenRevoker
	Events  events.Publisher

	SigningKeyID string
	TokenIssuer  string
	TokenTTL     time.Duration
	TokenLeeway  time.Duration
	// RevokedRetention is how long revoked tokens stay on the denylist.
	RevokedRetention time.Duration

	VerifyURLTemplate string
	QR                qrimage.Options
	QRMaxPayloadBytes int
	StampMinSize      float64
	StampMaxSize      float64

	MaxUploadBytes    int64
	AllowedExtensions []string
	TempDir           string
}

// App wires the integrity core (hashing, handles, tokens, QR, stamping)
// to the record store and artifact storage.
type App struct {
	store     store.Store
	objects   storage.ObjectStore
	addressor *contenthash.Addressor
	signer    *sigtoken.Signer
	verifier  *sigtoken.Verifier
	qr        *qrimage.Encoder
	qrOptions qrimage.Options
	stamper   *stamp.Stamper
	revoker   store.TokenRevoker
	events    events.Publisher

	verifyURLTemplate string
	revokedRetention  time.Duration
	maxUploadBytes    int64
	allowedExtensions map[string]struct{}
	tempDir           string
	now               func() time.Time
}

// New validates the configuration and builds the application.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	if cfg.Objects == nil {
		return nil, errors.New("object store required")
	}
	if cfg.Keys == nil {
		return nil, errors.New("key provider required")
	}
	signer, err := sigtoken.NewSigner(sigtoken.SignerOptions{
		Keys:   cfg.Keys,
		KeyID:  cfg.SigningKeyID,
		Issuer: cfg.TokenIssuer,
		TTL:    cfg.TokenTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("init signer: %w", err)
	}
	verifier, err := sigtoken.NewVerifier(sigtoken.VerifierOptions{
		Keys:   cfg.Keys,
		Issuer: cfg.TokenIssuer,
		Leeway: cfg.TokenLeeway,
	})
	if err != nil {
		return nil, fmt.Errorf("init verifier: %w", err)
	}
	stamper, err := stamp.New(stamp.Config{MinSize: cfg.StampMinSize, MaxSize: cfg.StampMaxSize})
	if err != nil {
		return nil, fmt.Errorf("init stamper: %w", err)
	}

	qrOptions := cfg.QR
	defaults := qrimage.DefaultOptions()
	if qrOptions == (qrimage.Options{}) {
		qrOptions = defaults
	}
	if qrOptions.Level == "" {
		qrOptions.Level = defaults.Level
	}
	if qrOptions.BoxSize <= 0 {
		qrOptions.BoxSize = defaults.BoxSize
	}
	if qrOptions.Border < 0 {
		qrOptions.Border = defaults.Border
	}

	template := strings.TrimSpace(cfg.VerifyURLTemplate)
	if template == "" {
		template = defaultVerifyURLTemplate
	}
	if !strings.Contains(template, tokenPlaceholder) {
		return nil, fmt.Errorf("verify url template must contain %s", tokenPlaceholder)
	}

	revoker := cfg.Revoker
	if revoker == nil {
		revoker = store.NewMemoryTokenRevoker()
	}
	publisher := cfg.Events
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	retention := cfg.RevokedRetention
	if retention <= 0 {
		retention = defaultRevokedRetention
	}
	maxUpload := cfg.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = defaultMaxUploadBytes
	}
	exts := cfg.AllowedExtensions
	if len(exts) == 0 {
		exts = []string{".pdf"}
	}
	allowed := make(map[string]struct{}, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		allowed[ext] = struct{}{}
	}

	return &App{
		store:             cfg.Store,
		objects:           cfg.Objects,
		addressor:         contenthash.NewAddressor(cfg.Store),
		signer:            signer,
		verifier:          verifier,
		qr:                qrimage.NewEncoder(cfg.QRMaxPayloadBytes),
		qrOptions:         qrOptions,
		stamper:           stamper,
		revoker:           revoker,
		events:            publisher,
		verifyURLTemplate: template,
		revokedRetention:  retention,
		maxUploadBytes:    maxUpload,
		allowedExtensions: allowed,
		tempDir:           cfg.TempDir,
		now:               time.Now,
	}, nil
}

// MaxUploadBytes is the largest accepted document.
func (a *App) MaxUploadBytes() int64 {
	return a.maxUploadBytes
}

// VerifyURL embeds token into the configured verification URL.
func (a *App) VerifyURL(token string) string {
	return strings.ReplaceAll(a.verifyURLTemplate, tokenPlaceholder, url.QueryEscape(token))
}

func (a *App) publish(ctx context.Context, evt events.Event) {
	evt.ID = uuid.NewString()
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = a.now().UTC()
	}
	if err := a.events.Publish(ctx, evt); err != nil {
		util.LoggerFromContext(ctx).Warn("event publish failed", "type", evt.Type, "document", evt.DocumentHandle, "err", err)
	}
}

// deleteObjects removes artifacts best-effort; leftovers are logged, not fatal.
func (a *App) deleteObjects(ctx context.Context, keys ...string) {
	for _, key := range keys {
		if strings.TrimSpace(key) == "" {
			continue
		}
		if err := a.objects.Delete(ctx, key); err != nil && !errors.Is(err, storage.ErrObjectNotFound) {
			util.LoggerFromContext(ctx).Warn("artifact delete failed", "key", key, "err", err)
		}
	}
}

func (a *App) revokeTokens(ctx context.Context, sigs []domain.Signature) {
	for _, sig := range sigs {
		if err := a.revoker.Revoke(sig.Token, a.revokedRetention); err != nil {
			util.LoggerFromContext(ctx).Warn("token denylist failed", "signature", sig.ID, "err", err)
		}
	}
}
