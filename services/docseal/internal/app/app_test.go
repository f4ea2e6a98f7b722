package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/png"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jung-kurt/gofpdf"

	"docseal/internal/sigtoken"
	"docseal/pkg/domain"
	"docseal/pkg/events"
	"docseal/pkg/storage"
	"docseal/pkg/store"
)

var (
	alice = domain.User{ID: "u-alice", Email: "alice@example.com"}
	bob   = domain.User{ID: "u-bob", Email: "bob@example.com"}
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, evt events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, evt := range p.events {
		out = append(out, evt.Type)
	}
	return out
}

type testEnv struct {
	app     *App
	store   *store.MemoryStore
	objects *storage.FileStore
	events  *recordingPublisher
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	priv, pub, err := sigtoken.GenerateKeyPair("ed25519")
	if err != nil {
		t.Fatalf("generate keys: %v", err)
	}
	objects, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	mem := store.NewMemoryStore()
	pubs := &recordingPublisher{}
	a, err := New(Config{
		Store:             mem,
		Objects:           objects,
		Keys:              sigtoken.StaticKeyProvider{Private: priv, Public: pub},
		Events:            pubs,
		VerifyURLTemplate: "https://docseal.example.com/verify?token={token}",
		TempDir:           t.TempDir(),
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return testEnv{app: a, store: mem, objects: objects, events: pubs}
}

func letterPDF(t *testing.T, pages int, label string) []byte {
	t.Helper()
	doc := gofpdf.New("P", "pt", "Letter", "")
	doc.SetFont("Helvetica", "", 14)
	for i := 1; i <= pages; i++ {
		doc.AddPage()
		doc.Cell(200, 20, fmt.Sprintf("%s page %d", label, i))
	}
	var buf bytes.Buffer
	if err := doc.Output(&buf); err != nil {
		t.Fatalf("render fixture: %v", err)
	}
	return buf.Bytes()
}

func approx(got, want float64) bool {
	return math.Abs(got-want) < 1e-6
}

func register(t *testing.T, env testEnv, owner domain.User, data []byte) domain.Document {
	t.Helper()
	doc, err := env.app.RegisterDocument(context.Background(), owner, "contract.pdf", "", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return doc
}

func TestContractScenario(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	src := letterPDF(t, 3, "contract")

	doc := register(t, env, alice, src)
	if doc.DisplayName != "contract.pdf" || doc.PageCount != 3 {
		t.Fatalf("unexpected document: %+v", doc)
	}
	if len(doc.Handle) != 64 || len(doc.ContentDigest) != 64 {
		t.Fatalf("handle/digest should be 64 hex chars: %+v", doc)
	}

	sig, err := env.app.IssueSignature(ctx, alice, doc.Handle, "alice@example.com")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	res, err := env.app.CheckSignature(ctx, sig.Token)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !res.Valid || res.DocumentName != "contract.pdf" || res.SignerIdentity != "alice@example.com" {
		t.Fatalf("unexpected check result: %+v", res)
	}
	ok, err := env.app.verifier.Verify(sig.Token, "Signature for document: contract.pdf, by alice@example.com")
	if err != nil || !ok {
		t.Fatalf("token must verify against the canonical message: ok=%v err=%v", ok, err)
	}

	placement, err := env.app.SavePlacement(ctx, alice, PlacementRequest{
		DocumentHandle: doc.Handle,
		X:              500,
		Y:              700,
		Width:          120,
		Height:         120,
		TargetPage:     2,
	})
	if err != nil {
		t.Fatalf("save placement: %v", err)
	}
	if placement.ResolvedX != 492 || placement.ResolvedY != 0 || placement.ResolvedWidth != 120 {
		t.Fatalf("unexpected resolved placement: %+v", placement)
	}

	qr, err := env.app.RenderQR(ctx, alice, doc.Handle)
	if err != nil {
		t.Fatalf("render qr: %v", err)
	}
	if _, err := png.Decode(bytes.NewReader(qr)); err != nil {
		t.Fatalf("qr is not a png: %v", err)
	}

	stamped, err := env.app.ProduceStamped(ctx, alice, doc.Handle)
	if err != nil {
		t.Fatalf("stamp: %v", err)
	}
	if !bytes.HasPrefix(stamped, src) || len(stamped) <= len(src) {
		t.Fatalf("stamped output must extend the original bytes")
	}
	if !bytes.Contains(stamped, []byte("120 0 0 120 492 0 cm")) {
		t.Fatalf("stamped output does not draw the qr at the resolved box")
	}

	got, _, _ := env.store.GetSignature(sig.ID)
	if got.Status != domain.SignatureSigned {
		t.Fatalf("status = %s, want signed", got.Status)
	}
	again, err := env.app.ProduceStamped(ctx, alice, doc.Handle)
	if err != nil || !bytes.Equal(again, stamped) {
		t.Fatalf("stamping a signed signature should return the stored artifact: err=%v", err)
	}
	if _, err := env.app.SavePlacement(ctx, alice, PlacementRequest{DocumentHandle: doc.Handle, X: 1, Y: 1, Width: 50, Height: 50}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("placement after signing err = %v, want ErrInvalidState", err)
	}

	want := []string{events.DocumentRegistered, events.SignatureIssued, events.SignatureStamped}
	if got := env.events.types(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("events = %v, want %v", got, want)
	}
}

func TestRegisterDocumentRejectsDuplicateContent(t *testing.T) {
	env := newTestEnv(t)
	data := letterPDF(t, 1, "dup")
	first := register(t, env, alice, data)

	_, err := env.app.RegisterDocument(context.Background(), bob, "copy.pdf", "", bytes.NewReader(data))
	if !errors.Is(err, ErrDuplicateContent) {
		t.Fatalf("err = %v, want ErrDuplicateContent", err)
	}
	docs, _ := env.app.ListDocuments(context.Background(), bob)
	if len(docs) != 0 {
		t.Fatalf("duplicate must not create a document: %+v", docs)
	}
	if _, err := env.objects.Get(context.Background(), first.StoragePath); err != nil {
		t.Fatalf("original blob must survive: %v", err)
	}
}

func TestRegisterDocumentConcurrentDuplicates(t *testing.T) {
	env := newTestEnv(t)
	data := letterPDF(t, 1, "race")
	var wg sync.WaitGroup
	var mu sync.Mutex
	created, dups := 0, 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.app.RegisterDocument(context.Background(), alice, "race.pdf", "", bytes.NewReader(data))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, ErrDuplicateContent):
				dups++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if created != 1 || dups != 7 {
		t.Fatalf("created=%d dups=%d, want 1 and 7", created, dups)
	}
}

func TestRegisterDocumentValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	cases := []struct {
		name     string
		filename string
		data     []byte
		field    string
	}{
		{"no filename", "", []byte("%PDF"), "file"},
		{"wrong extension", "notes.txt", []byte("hello"), "file"},
		{"empty", "empty.pdf", nil, "file"},
		{"not a pdf", "fake.pdf", []byte("definitely not a pdf"), "file"},
		{"too large", "big.pdf", bytes.Repeat([]byte("x"), int(env.app.MaxUploadBytes())+1), "file"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.app.RegisterDocument(ctx, alice, tc.filename, "", bytes.NewReader(tc.data))
			var fe *FieldError
			if !errors.As(err, &fe) || fe.Field != tc.field {
				t.Fatalf("err = %v, want field error on %s", err, tc.field)
			}
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("field errors must match ErrValidation")
			}
		})
	}
	if _, err := env.app.RegisterDocument(ctx, alice, "x.pdf", "line1\nline2", bytes.NewReader(letterPDF(t, 1, "n"))); !errors.Is(err, ErrValidation) {
		t.Fatalf("multi-line display name err = %v", err)
	}
}

func TestIssueSignatureRules(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	doc := register(t, env, alice, letterPDF(t, 1, "rules"))

	if _, err := env.app.IssueSignature(ctx, bob, doc.Handle, "bob@example.com"); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("non-owner err = %v, want ErrPermissionDenied", err)
	}
	if _, err := env.app.IssueSignature(ctx, alice, doc.Handle, "mallory@example.com"); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("foreign identity err = %v, want ErrPermissionDenied", err)
	}
	if _, err := env.app.IssueSignature(ctx, alice, strings.Repeat("a", 64), ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown document err = %v, want ErrNotFound", err)
	}
	if _, err := env.app.IssueSignature(ctx, alice, "", ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("missing handle err = %v, want ErrValidation", err)
	}

	sig, err := env.app.IssueSignature(ctx, alice, doc.Handle, "")
	if err != nil {
		t.Fatalf("issue with default identity: %v", err)
	}
	if sig.SignerIdentity != "alice@example.com" || sig.Status != domain.SignaturePending {
		t.Fatalf("unexpected signature: %+v", sig)
	}
	if _, err := env.app.IssueSignature(ctx, alice, doc.Handle, "ALICE@example.com"); !errors.Is(err, ErrSignatureExists) {
		t.Fatalf("second issue err = %v, want ErrSignatureExists", err)
	}
}

func TestCheckSignatureErrors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if _, err := env.app.CheckSignature(ctx, "  "); !errors.Is(err, ErrValidation) {
		t.Fatalf("empty token err = %v", err)
	}
	if _, err := env.app.CheckSignature(ctx, "not-a-token"); !errors.Is(err, ErrMalformedToken) {
		t.Fatalf("garbage token err = %v, want ErrMalformedToken", err)
	}

	doc := register(t, env, alice, letterPDF(t, 1, "check"))
	sig, err := env.app.IssueSignature(ctx, alice, doc.Handle, "")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	parts := strings.Split(sig.Token, ".")
	sigBytes := []byte(parts[2])
	if sigBytes[0] == 'A' {
		sigBytes[0] = 'B'
	} else {
		sigBytes[0] = 'A'
	}
	tampered := parts[0] + "." + parts[1] + "." + string(sigBytes)
	if _, err := env.app.CheckSignature(ctx, tampered); !errors.Is(err, ErrNotFound) {
		t.Fatalf("tampered token has no record, err = %v, want ErrNotFound", err)
	}

	res, err := env.app.CheckSignature(ctx, sig.Token)
	if err != nil || !res.Valid {
		t.Fatalf("untouched token should stay valid: %+v %v", res, err)
	}
	if res.Timestamp.IsZero() || time.Since(res.Timestamp) > time.Minute {
		t.Fatalf("timestamp should be the issue time, got %v", res.Timestamp)
	}
}

func TestSavePlacementValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	doc := register(t, env, alice, letterPDF(t, 2, "place"))

	req := PlacementRequest{DocumentHandle: doc.Handle, X: 10, Y: 10, Width: 100, Height: 100, TargetPage: 0}
	if _, err := env.app.SavePlacement(ctx, alice, req); !errors.Is(err, ErrNotFound) {
		t.Fatalf("placement without signature err = %v, want ErrNotFound", err)
	}
	if _, err := env.app.IssueSignature(ctx, alice, doc.Handle, ""); err != nil {
		t.Fatalf("issue: %v", err)
	}

	bad := req
	bad.TargetPage = 2
	if _, err := env.app.SavePlacement(ctx, alice, bad); !errors.Is(err, ErrGeometry) {
		t.Fatalf("page out of range err = %v, want ErrGeometry", err)
	}
	bad = req
	bad.Width = 5
	if _, err := env.app.SavePlacement(ctx, alice, bad); !errors.Is(err, ErrGeometry) {
		t.Fatalf("tiny stamp err = %v, want ErrGeometry", err)
	}
	bad = req
	w := 800.0
	bad.CanvasWidth = &w
	if _, err := env.app.SavePlacement(ctx, alice, bad); !errors.Is(err, ErrValidation) {
		t.Fatalf("half canvas err = %v, want ErrValidation", err)
	}

	h := 1000.0
	scaled := req
	scaled.X, scaled.Y = 400, 0
	scaled.CanvasWidth, scaled.CanvasHeight = &w, &h
	placement, err := env.app.SavePlacement(ctx, alice, scaled)
	if err != nil {
		t.Fatalf("scaled placement: %v", err)
	}
	// 612/800 horizontally, 792/1000 vertically, flipped to the page top
	if !approx(placement.ResolvedX, 306) || !approx(placement.ResolvedWidth, 76.5) {
		t.Fatalf("unexpected horizontal scale: %+v", placement)
	}
	if !approx(placement.ResolvedHeight, 79.2) || !approx(placement.ResolvedY, 712.8) {
		t.Fatalf("unexpected vertical scale: %+v", placement)
	}
}

func TestProduceStampedRequiresPlacement(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	doc := register(t, env, alice, letterPDF(t, 1, "noplace"))
	if _, err := env.app.IssueSignature(ctx, alice, doc.Handle, ""); err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := env.app.ProduceStamped(ctx, alice, doc.Handle); !errors.Is(err, ErrGeometry) {
		t.Fatalf("stamp without placement err = %v, want ErrGeometry", err)
	}
}

func TestProduceStampedMissingSource(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	doc := register(t, env, alice, letterPDF(t, 1, "gone"))
	if _, err := env.app.IssueSignature(ctx, alice, doc.Handle, ""); err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := env.app.SavePlacement(ctx, alice, PlacementRequest{DocumentHandle: doc.Handle, Width: 100, Height: 100}); err != nil {
		t.Fatalf("placement: %v", err)
	}
	if err := env.objects.Delete(ctx, doc.StoragePath); err != nil {
		t.Fatalf("delete source: %v", err)
	}
	if _, err := env.app.ProduceStamped(ctx, alice, doc.Handle); !errors.Is(err, ErrIO) {
		t.Fatalf("missing source err = %v, want ErrIO", err)
	}
	sig, _, _ := env.store.GetSignatureForSigner(doc.Handle, alice.ID)
	if sig.Status != domain.SignaturePending {
		t.Fatalf("failed stamp must leave the signature pending, got %s", sig.Status)
	}
}

func TestRevokeSignatures(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	doc := register(t, env, alice, letterPDF(t, 1, "revoke"))
	sig, err := env.app.IssueSignature(ctx, alice, doc.Handle, "")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	placement := PlacementRequest{DocumentHandle: doc.Handle, X: 20, Y: 20, Width: 80, Height: 80}
	if _, err := env.app.SavePlacement(ctx, alice, placement); err != nil {
		t.Fatalf("placement: %v", err)
	}
	if _, err := env.app.ProduceStamped(ctx, alice, doc.Handle); err != nil {
		t.Fatalf("stamp: %v", err)
	}

	n, err := env.app.RevokeSignatures(ctx, alice, doc.Handle)
	if err != nil || n != 1 {
		t.Fatalf("revoke: n=%d err=%v", n, err)
	}
	res, err := env.app.CheckSignature(ctx, sig.Token)
	if err != nil {
		t.Fatalf("check revoked: %v", err)
	}
	if res.Valid || !res.Revoked {
		t.Fatalf("revoked token must not verify: %+v", res)
	}
	for _, key := range []string{storage.QRKey(doc.Handle, sig.ID), storage.StampedKey(doc.Handle, sig.ID)} {
		if _, err := env.objects.Get(ctx, key); !errors.Is(err, storage.ErrObjectNotFound) {
			t.Fatalf("artifact %s should be removed, err = %v", key, err)
		}
	}

	again, err := env.app.IssueSignature(ctx, alice, doc.Handle, "")
	if err != nil {
		t.Fatalf("re-issue after revoke: %v", err)
	}
	if again.Token == sig.Token {
		t.Fatalf("re-issued token must differ from the revoked one")
	}
}

func TestDeleteDocumentRemovesEverything(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	doc := register(t, env, alice, letterPDF(t, 1, "delete"))
	sig, err := env.app.IssueSignature(ctx, alice, doc.Handle, "")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := env.app.SavePlacement(ctx, alice, PlacementRequest{DocumentHandle: doc.Handle, Width: 60, Height: 60}); err != nil {
		t.Fatalf("placement: %v", err)
	}

	if err := env.app.DeleteDocument(ctx, bob, doc.Handle); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("non-owner delete err = %v, want ErrPermissionDenied", err)
	}
	if err := env.app.DeleteDocument(ctx, alice, doc.Handle); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := env.app.GetDocument(ctx, alice, doc.Handle); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get after delete err = %v, want ErrNotFound", err)
	}
	if _, err := env.objects.Get(ctx, doc.StoragePath); !errors.Is(err, storage.ErrObjectNotFound) {
		t.Fatalf("source blob should be removed, err = %v", err)
	}
	res, err := env.app.CheckSignature(ctx, sig.Token)
	if err != nil || res.Valid {
		t.Fatalf("token of a deleted document must not verify: %+v %v", res, err)
	}
	types := env.events.types()
	if types[len(types)-1] != events.DocumentDeleted {
		t.Fatalf("last event = %s, want %s", types[len(types)-1], events.DocumentDeleted)
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error without store")
	}
	objects, _ := storage.NewFileStore(t.TempDir())
	_, err := New(Config{
		Store:             store.NewMemoryStore(),
		Objects:           objects,
		Keys:              sigtoken.StaticKeyProvider{},
		VerifyURLTemplate: "https://example.com/verify",
	})
	if err == nil {
		t.Fatalf("expected error for template without token placeholder")
	}
}

func TestVerifyURLEscapesToken(t *testing.T) {
	env := newTestEnv(t)
	got := env.app.VerifyURL("a+b/c=")
	if got != "https://docseal.example.com/verify?token=a%2Bb%2Fc%3D" {
		t.Fatalf("verify url = %q", got)
	}
}
