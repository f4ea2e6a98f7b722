// Package sigtoken issues and verifies document signature tokens.
//
// A token is a compact JWS whose claims carry a version tag, a purpose tag and
// the signed message. Version and purpose are checked before any signature
// verification so tokens minted for other uses are rejected early.
package sigtoken

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// TokenVersion is the only accepted value of the "ver" claim.
	TokenVersion = 1
	// Purpose is the only accepted value of the "pur" claim.
	Purpose = "document-signature"
	// DefaultIssuer is used when no issuer is configured.
	DefaultIssuer = "docseal"
	// DefaultLeeway is clock skew tolerance for iat/exp checks.
	DefaultLeeway = 30 * time.Second
)

var (
	ErrKeyUnavailable = errors.New("signing key unavailable")
	ErrSigningFailure = errors.New("signing failed")
	ErrMalformedToken = errors.New("malformed token")
)

// CanonicalMessage is the exact text a signer attests to.
func CanonicalMessage(documentName, signerIdentity string) string {
	return fmt.Sprintf("Signature for document: %s, by %s", documentName, signerIdentity)
}

// Claims is the token body.
type Claims struct {
	Version int    `json:"ver"`
	Purpose string `json:"pur"`
	Message string `json:"msg"`
	jwt.RegisteredClaims
}

// Signer mints signature tokens with the provider's private key.
type Signer struct {
	keys   KeyProvider
	keyID  string
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// SignerOptions configures token signing. A zero TTL issues tokens without expiry.
type SignerOptions struct {
	Keys   KeyProvider
	KeyID  string
	Issuer string
	TTL    time.Duration
}

func NewSigner(opts SignerOptions) (*Signer, error) {
	if opts.Keys == nil {
		return nil, errors.New("signer key provider is required")
	}
	if opts.TTL < 0 {
		return nil, errors.New("signer ttl must not be negative")
	}
	issuer := strings.TrimSpace(opts.Issuer)
	if issuer == "" {
		issuer = DefaultIssuer
	}
	return &Signer{
		keys:   opts.Keys,
		keyID:  strings.TrimSpace(opts.KeyID),
		issuer: issuer,
		ttl:    opts.TTL,
		now:    time.Now,
	}, nil
}

// Sign issues a token over message.
func (s *Signer) Sign(message string) (string, error) {
	raw, err := s.keys.LoadPrivate()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}
	key, err := parsePrivateKey(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}
	method, err := signingMethodFor(key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}
	now := s.now().UTC()
	claims := Claims{
		Version: TokenVersion,
		Purpose: Purpose,
		Message: message,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   s.issuer,
			IssuedAt: jwt.NewNumericDate(now),
			ID:       uuid.NewString(),
		},
	}
	if s.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(s.ttl))
	}
	t := jwt.NewWithClaims(method, claims)
	if s.keyID != "" {
		t.Header["kid"] = s.keyID
	}
	signed, err := t.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSigningFailure, err)
	}
	return signed, nil
}

// Verifier checks signature tokens against the provider's public key.
type Verifier struct {
	keys   KeyProvider
	issuer string
	leeway time.Duration
}

// VerifierOptions configures token verification. An empty issuer accepts any issuer.
type VerifierOptions struct {
	Keys   KeyProvider
	Issuer string
	Leeway time.Duration
}

func NewVerifier(opts VerifierOptions) (*Verifier, error) {
	if opts.Keys == nil {
		return nil, errors.New("verifier key provider is required")
	}
	leeway := opts.Leeway
	if leeway <= 0 {
		leeway = DefaultLeeway
	}
	return &Verifier{
		keys:   opts.Keys,
		issuer: strings.TrimSpace(opts.Issuer),
		leeway: leeway,
	}, nil
}

// Verify reports whether token is a valid signature over expected.
// Only an undecodable token is an error; any other mismatch is (false, nil).
func (v *Verifier) Verify(token, expected string) (bool, error) {
	unverified, err := Inspect(token)
	if err != nil {
		return false, err
	}
	if unverified.Version != TokenVersion || unverified.Purpose != Purpose {
		return false, nil
	}

	raw, err := v.keys.LoadPublic()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}
	pub, err := parsePublicKey(raw)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}
	method, err := signingMethodFor(pub)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{method.Alg()}),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(v.leeway),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	claims := Claims{}
	parsed, err := jwt.ParseWithClaims(strings.TrimSpace(token), &claims, func(*jwt.Token) (any, error) {
		return pub, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return false, nil
	}
	return subtle.ConstantTimeCompare([]byte(claims.Message), []byte(expected)) == 1, nil
}

// Inspect decodes token claims without verifying the signature. A token whose
// algorithm is missing or unknown still decodes; Verify rejects it.
func Inspect(token string) (Claims, error) {
	claims := Claims{}
	token = strings.TrimSpace(token)
	if token == "" {
		return claims, ErrMalformedToken
	}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		if errors.Is(err, jwt.ErrTokenUnverifiable) {
			return claims, nil
		}
		return claims, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	return claims, nil
}
