package usertoken

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

func TestNewVerifierRequiresJWKSURL(t *testing.T) {
	if _, err := NewVerifier(Config{}); err == nil {
		t.Fatalf("expected missing jwks url to fail")
	}
}

func TestJWKSVerifyAndRefreshOnUnknownKid(t *testing.T) {
	key1, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key1: %v", err)
	}
	key2, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key2: %v", err)
	}

	active := "kid-1"
	jwksServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Cache-Control", "public, max-age=1")
		resp := map[string]any{"keys": []map[string]string{toJWK(active, publicKeyByKid(active, key1.PublicKey, key2.PublicKey))}}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer jwksServer.Close()

	v, err := NewVerifier(Config{
		JWKSURL:  jwksServer.URL,
		Issuer:   "issuer-a",
		Audience: "aud-a",
	})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	signed1 := signAccessToken(t, key1, "kid-1", "user-a", " Alice@Example.com ", time.Now())
	id, err := v.Verify(signed1)
	if err != nil || id.Subject != "user-a" || id.Email != "alice@example.com" {
		t.Fatalf("verify token1 failed: id=%+v err=%v", id, err)
	}

	// Rotate to kid-2; verifier should refresh JWKS on unknown kid and pass.
	active = "kid-2"
	signed2 := signAccessToken(t, key2, "kid-2", "user-b", "bob@example.com", time.Now())
	if id, err := v.Verify(signed2); err != nil || id.Subject != "user-b" {
		t.Fatalf("verify token2 failed: id=%+v err=%v", id, err)
	}
}

func TestJWKSRejectsFutureIssuedAt(t *testing.T) {
	key, v := newSingleKeyVerifier(t)
	signed := signAccessToken(t, key, "kid-1", "user-1", "user@example.com", time.Now().Add(2*time.Minute))
	if _, err := v.Verify(signed); err == nil {
		t.Fatalf("expected future iat token to fail")
	}
}

func TestVerifyRequiresEmailClaim(t *testing.T) {
	key, v := newSingleKeyVerifier(t)
	signed := signAccessToken(t, key, "kid-1", "user-1", "", time.Now())
	if _, err := v.Verify(signed); err == nil {
		t.Fatalf("expected token without email to fail")
	}
}

func TestJWKSAcceptsP256Keys(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	jwksServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		resp := map[string]any{"keys": []map[string]string{
			{
				"kty": "EC",
				"kid": "ec-1",
				"use": "sig",
				"crv": "P-256",
				"x":   base64.RawURLEncoding.EncodeToString(key.PublicKey.X.FillBytes(make([]byte, 32))),
				"y":   base64.RawURLEncoding.EncodeToString(key.PublicKey.Y.FillBytes(make([]byte, 32))),
			},
			{"kty": "OKP", "kid": "ignored", "crv": "Ed25519", "x": "AAAA"},
			toJWK("rsa-1", rsaKey.PublicKey),
		}}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer jwksServer.Close()

	v, err := NewVerifier(Config{JWKSURL: jwksServer.URL, Issuer: "issuer-a", Audience: "aud-a"})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	if n := len(v.copyKeys()); n != 2 {
		t.Fatalf("usable keys = %d, want 2", n)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, accessClaims{
		Email: "carol@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-c",
			Issuer:    "issuer-a",
			Audience:  jwt.ClaimStrings{"aud-a"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	})
	token.Header["kid"] = "ec-1"
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	id, err := v.Verify(signed)
	if err != nil || id.Subject != "user-c" || id.Email != "carol@example.com" {
		t.Fatalf("verify es256 token: id=%+v err=%v", id, err)
	}

	// an RS256 token naming the EC key must not verify
	forged := signAccessToken(t, rsaKey, "ec-1", "user-c", "carol@example.com", time.Now())
	if _, err := v.Verify(forged); err == nil {
		t.Fatalf("expected key/algorithm mismatch to fail")
	}
}

func TestParseCacheMaxAge(t *testing.T) {
	if got := parseCacheMaxAge("public, max-age=60"); got != time.Minute {
		t.Fatalf("max-age = %v, want 1m", got)
	}
	if got := parseCacheMaxAge("no-store"); got != 0 {
		t.Fatalf("no max-age = %v, want 0", got)
	}
}

func newSingleKeyVerifier(t *testing.T) (*rsa.PrivateKey, *Verifier) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	jwksServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		resp := map[string]any{"keys": []map[string]string{toJWK("kid-1", key.PublicKey)}}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(jwksServer.Close)

	v, err := NewVerifier(Config{
		JWKSURL:  jwksServer.URL,
		Issuer:   "issuer-a",
		Audience: "aud-a",
		Leeway:   5 * time.Second,
	})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	return key, v
}

func signAccessToken(t *testing.T, key *rsa.PrivateKey, kid, subject, email string, issuedAt time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, accessClaims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    "issuer-a",
			Audience:  jwt.ClaimStrings{"aud-a"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(time.Now().Add(-time.Second)),
		},
	})
	token.Header["kid"] = kid
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func toJWK(kid string, key rsa.PublicKey) map[string]string {
	return map[string]string{
		"kty": "RSA",
		"kid": kid,
		"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
	}
}

func publicKeyByKid(kid string, key1, key2 rsa.PublicKey) rsa.PublicKey {
	if kid == "kid-2" {
		return key2
	}
	return key1
}
