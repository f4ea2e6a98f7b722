package sigtoken

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	jwt "github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

// KeyProvider supplies PEM-encoded key material.
type KeyProvider interface {
	LoadPrivate() ([]byte, error)
	LoadPublic() ([]byte, error)
}

// FileKeyProvider reads PEM files once and caches their contents.
type FileKeyProvider struct {
	privatePath string
	publicPath  string

	group singleflight.Group
	mu    sync.RWMutex
	cache map[string][]byte
}

// NewFileKeyProvider builds a provider over key files on disk.
// Either path may be empty for a verify-only or sign-only process.
func NewFileKeyProvider(privatePath, publicPath string) *FileKeyProvider {
	return &FileKeyProvider{
		privatePath: strings.TrimSpace(privatePath),
		publicPath:  strings.TrimSpace(publicPath),
		cache:       make(map[string][]byte),
	}
}

func (p *FileKeyProvider) LoadPrivate() ([]byte, error) {
	return p.load(p.privatePath)
}

func (p *FileKeyProvider) LoadPublic() ([]byte, error) {
	return p.load(p.publicPath)
}

func (p *FileKeyProvider) load(path string) ([]byte, error) {
	if path == "" {
		return nil, errors.New("key path not configured")
	}
	p.mu.RLock()
	data, ok := p.cache[path]
	p.mu.RUnlock()
	if ok {
		return data, nil
	}
	v, err, _ := p.group.Do(path, func() (any, error) {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.cache[path] = raw
		p.mu.Unlock()
		return raw, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// StaticKeyProvider serves in-memory PEM material.
type StaticKeyProvider struct {
	Private []byte
	Public  []byte
}

func (p StaticKeyProvider) LoadPrivate() ([]byte, error) {
	if len(p.Private) == 0 {
		return nil, errors.New("private key not configured")
	}
	return p.Private, nil
}

func (p StaticKeyProvider) LoadPublic() ([]byte, error) {
	if len(p.Public) == 0 {
		return nil, errors.New("public key not configured")
	}
	return p.Public, nil
}

func parsePrivateKey(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("invalid pem")
	}
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, errors.New("unsupported private key type")
		}
		return signer, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, errors.New("unsupported private key encoding")
	}
	return key, nil
}

func parsePublicKey(data []byte) (crypto.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("invalid pem")
	}
	if pub, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		return pub, nil
	}
	if pub, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return pub, nil
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, errors.New("unsupported public key encoding")
	}
	return cert.PublicKey, nil
}

// signingMethodFor picks the JWS algorithm implied by a key.
func signingMethodFor(key any) (jwt.SigningMethod, error) {
	switch k := key.(type) {
	case ed25519.PrivateKey, ed25519.PublicKey:
		return jwt.SigningMethodEdDSA, nil
	case *ecdsa.PrivateKey:
		return ecdsaMethod(k.Curve)
	case *ecdsa.PublicKey:
		return ecdsaMethod(k.Curve)
	case *rsa.PrivateKey, *rsa.PublicKey:
		return jwt.SigningMethodRS256, nil
	default:
		return nil, fmt.Errorf("unsupported key type %T", key)
	}
}

func ecdsaMethod(curve elliptic.Curve) (jwt.SigningMethod, error) {
	switch curve.Params().BitSize {
	case 256:
		return jwt.SigningMethodES256, nil
	case 384:
		return jwt.SigningMethodES384, nil
	case 521:
		return jwt.SigningMethodES512, nil
	default:
		return nil, fmt.Errorf("unsupported ecdsa curve %s", curve.Params().Name)
	}
}

// GenerateKeyPair creates a new key pair and returns it as PKCS#8 / PKIX PEM.
// alg is one of ed25519, es256 or rs256.
func GenerateKeyPair(alg string) (privatePEM, publicPEM []byte, err error) {
	var key crypto.Signer
	switch strings.ToLower(strings.TrimSpace(alg)) {
	case "", "ed25519", "eddsa":
		_, key, err = ed25519.GenerateKey(rand.Reader)
	case "es256", "ecdsa":
		key, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case "rs256", "rsa":
		key, err = rsa.GenerateKey(rand.Reader, 3072)
	default:
		return nil, nil, fmt.Errorf("unsupported algorithm %q", alg)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("generate key: %w", err)
	}
	return EncodeKeyPair(key)
}

// EncodeKeyPair marshals a private key and its public half to PEM.
func EncodeKeyPair(key crypto.Signer) (privatePEM, publicPEM []byte, err error) {
	privDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(key.Public())
	if err != nil {
		return nil, nil, fmt.Errorf("marshal public key: %w", err)
	}
	privatePEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})
	publicPEM = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	return privatePEM, publicPEM, nil
}
