package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const baseConfig = `
port: "8090"
logLevel: "info"
signingPrivateKeyPath: "secrets/signing/private.pem"
signingPublicKeyPath: "secrets/signing/public.pem"
authJWKSURL: "http://localhost:8081/auth/jwks"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return cfgPath
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, baseConfig))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.BlobBackend != "fs" || cfg.StorageDir != "data/blobs" {
		t.Fatalf("blob defaults = %q %q", cfg.BlobBackend, cfg.StorageDir)
	}
	if cfg.EventsBackend != "none" {
		t.Fatalf("eventsBackend = %q, want none", cfg.EventsBackend)
	}
	if cfg.QRBorder != nil {
		t.Fatalf("qrBorder should stay unset")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://docseal@localhost:5432/docseal")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("DOCSEAL_VERIFY_RATE_LIMIT", "30")
	t.Setenv("DOCSEAL_MAX_UPLOAD_BYTES", "1048576")
	t.Setenv("DOCSEAL_ALLOWED_EXTENSIONS", ".pdf, .PDF")
	t.Setenv("DOCSEAL_ALLOWED_ORIGINS", "https://app.example.com,https://admin.example.com")
	t.Setenv("DOCSEAL_EVENTS_BACKEND", "Redis")

	cfg, err := Load(writeConfig(t, baseConfig+"verifyRateWindow: \"30s\"\nqrBorder: 0\n"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.DatabaseURL != "postgres://docseal@localhost:5432/docseal" {
		t.Fatalf("databaseURL = %q", cfg.DatabaseURL)
	}
	if cfg.VerifyRateLimit != 30 {
		t.Fatalf("verifyRateLimit = %d, want 30", cfg.VerifyRateLimit)
	}
	if cfg.MaxUploadBytes != 1<<20 {
		t.Fatalf("maxUploadBytes = %d", cfg.MaxUploadBytes)
	}
	if len(cfg.AllowedExtensions) != 2 || len(cfg.AllowedOrigins) != 2 {
		t.Fatalf("csv overrides = %v %v", cfg.AllowedExtensions, cfg.AllowedOrigins)
	}
	if cfg.EventsBackend != "redis" {
		t.Fatalf("eventsBackend = %q, want redis", cfg.EventsBackend)
	}
	if cfg.QRBorder == nil || *cfg.QRBorder != 0 {
		t.Fatalf("explicit zero border must be kept")
	}
	window, err := ParseDuration("verifyRateWindow", cfg.VerifyRateWindow)
	if err != nil || window != 30*time.Second {
		t.Fatalf("verifyRateWindow = %v, %v", window, err)
	}
}

func TestLoadValidation(t *testing.T) {
	for _, key := range []string{"PORT", "AWS_REGION", "REDIS_ADDR", "AMQP_URL", "DOCSEAL_SIGNING_PRIVATE_KEY_PATH"} {
		t.Setenv(key, "")
	}
	cases := []struct {
		name    string
		content string
		want    string
	}{
		{"missing port", strings.Replace(baseConfig, `port: "8090"`, "", 1), "port is required"},
		{"missing signing key", strings.Replace(baseConfig, `signingPrivateKeyPath: "secrets/signing/private.pem"`, "", 1), "signingPrivateKeyPath"},
		{"unknown blob backend", baseConfig + "blobBackend: gcs\n", "unknown blobBackend"},
		{"minio without bucket", baseConfig + "blobBackend: minio\nminioEndpoint: localhost:9000\nminioAccessKey: a\nminioSecretKey: b\n", "minioBucket"},
		{"s3 without region", baseConfig + "blobBackend: s3\ns3Bucket: docs\n", "s3Region"},
		{"bad duration", baseConfig + "tokenTTL: soon\n", "tokenTTL"},
		{"rate limit without redis", baseConfig + "verifyRateLimit: 10\n", "redisAddr"},
		{"amqp without url", baseConfig + "eventsBackend: amqp\n", "amqpURL"},
		{"stamp bounds", baseConfig + "stampMinSize: 300\nstampMaxSize: 100\n", "stampMinSize"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.content))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestParseDuration(t *testing.T) {
	if d, err := ParseDuration("x", ""); err != nil || d != 0 {
		t.Fatalf("empty duration = %v, %v", d, err)
	}
	if _, err := ParseDuration("x", "-1s"); err == nil {
		t.Fatalf("negative duration should fail")
	}
	if d, err := ParseDuration("x", "720h"); err != nil || d != 720*time.Hour {
		t.Fatalf("720h = %v, %v", d, err)
	}
}
