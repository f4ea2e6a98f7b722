package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config location; DOCSEAL_CONFIG overrides it.
var ConfigPath = configPathFromEnv()

func configPathFromEnv() string {
	if v := strings.TrimSpace(os.Getenv("DOCSEAL_CONFIG")); v != "" {
		return v
	}
	return "config.yaml"
}

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port           string   `yaml:"port"`
	LogLevel       string   `yaml:"logLevel"`
	DatabaseURL    string   `yaml:"databaseURL"`
	AllowedOrigins []string `yaml:"allowedOrigins"`
	TrustedProxies []string `yaml:"trustedProxies"`

	BlobBackend    string `yaml:"blobBackend"`
	StorageDir     string `yaml:"storageDir"`
	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`
	S3Bucket       string `yaml:"s3Bucket"`
	S3Region       string `yaml:"s3Region"`
	S3Endpoint     string `yaml:"s3Endpoint"`
	S3AccessKey    string `yaml:"s3AccessKey"`
	S3SecretKey    string `yaml:"s3SecretKey"`

	SigningPrivateKeyPath string `yaml:"signingPrivateKeyPath"`
	SigningPublicKeyPath  string `yaml:"signingPublicKeyPath"`
	SigningKeyID          string `yaml:"signingKeyID"`
	TokenIssuer           string `yaml:"tokenIssuer"`
	TokenTTL              string `yaml:"tokenTTL"`
	RevokedRetention      string `yaml:"revokedRetention"`

	AuthJWKSURL string `yaml:"authJWKSURL"`
	JWTIssuer   string `yaml:"jwtIssuer"`
	JWTAudience string `yaml:"jwtAudience"`
	JWTLeeway   string `yaml:"jwtLeeway"`

	RedisAddr        string `yaml:"redisAddr"`
	RedisPassword    string `yaml:"redisPassword"`
	VerifyRateLimit  int    `yaml:"verifyRateLimit"`
	VerifyRateWindow string `yaml:"verifyRateWindow"`

	VerifyURLTemplate string  `yaml:"verifyURLTemplate"`
	QRErrorCorrection string  `yaml:"qrErrorCorrection"`
	QRBoxSize         int     `yaml:"qrBoxSize"`
	QRBorder          *int    `yaml:"qrBorder"`
	QRMaxPayloadBytes int     `yaml:"qrMaxPayloadBytes"`
	StampMinSize      float64 `yaml:"stampMinSize"`
	StampMaxSize      float64 `yaml:"stampMaxSize"`

	MaxUploadBytes    int64    `yaml:"maxUploadBytes"`
	AllowedExtensions []string `yaml:"allowedExtensions"`

	EventsBackend string `yaml:"eventsBackend"`
	EventsStream  string `yaml:"eventsStream"`
	AMQPURL       string `yaml:"amqpURL"`
	AMQPExchange  string `yaml:"amqpExchange"`
}

// Load reads config from path (defaults to ConfigPath).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("DOCSEAL_ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = splitCSV(v)
	}
	if v := os.Getenv("DOCSEAL_TRUSTED_PROXIES"); v != "" {
		cfg.TrustedProxies = splitCSV(v)
	}
	if v := os.Getenv("DOCSEAL_BLOB_BACKEND"); v != "" {
		cfg.BlobBackend = v
	}
	if v := os.Getenv("DOCSEAL_STORAGE_DIR"); v != "" {
		cfg.StorageDir = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.MinioBucket = v
	}
	if v := os.Getenv("MINIO_USE_SSL"); v == "true" {
		cfg.MinioUseSSL = true
	}
	if v := os.Getenv("S3_BUCKET"); v != "" {
		cfg.S3Bucket = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.S3Region = v
	}
	if v := os.Getenv("S3_ENDPOINT"); v != "" {
		cfg.S3Endpoint = v
	}
	if v := os.Getenv("S3_ACCESS_KEY"); v != "" {
		cfg.S3AccessKey = v
	}
	if v := os.Getenv("S3_SECRET_KEY"); v != "" {
		cfg.S3SecretKey = v
	}
	if v := os.Getenv("DOCSEAL_SIGNING_PRIVATE_KEY_PATH"); v != "" {
		cfg.SigningPrivateKeyPath = v
	}
	if v := os.Getenv("DOCSEAL_SIGNING_PUBLIC_KEY_PATH"); v != "" {
		cfg.SigningPublicKeyPath = v
	}
	if v := os.Getenv("DOCSEAL_SIGNING_KEY_ID"); v != "" {
		cfg.SigningKeyID = v
	}
	if v := os.Getenv("AUTH_JWKS_URL"); v != "" {
		cfg.AuthJWKSURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("DOCSEAL_VERIFY_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.VerifyRateLimit = n
		}
	}
	if v := os.Getenv("DOCSEAL_VERIFY_URL_TEMPLATE"); v != "" {
		cfg.VerifyURLTemplate = v
	}
	if v := os.Getenv("DOCSEAL_MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxUploadBytes = n
		}
	}
	if v := os.Getenv("DOCSEAL_ALLOWED_EXTENSIONS"); v != "" {
		cfg.AllowedExtensions = splitCSV(v)
	}
	if v := os.Getenv("DOCSEAL_EVENTS_BACKEND"); v != "" {
		cfg.EventsBackend = v
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.AMQPURL = v
	}
}

func applyDefaults(cfg *FileConfig) {
	cfg.BlobBackend = strings.ToLower(strings.TrimSpace(cfg.BlobBackend))
	if cfg.BlobBackend == "" {
		cfg.BlobBackend = "fs"
	}
	if cfg.BlobBackend == "fs" && cfg.StorageDir == "" {
		cfg.StorageDir = "data/blobs"
	}
	cfg.EventsBackend = strings.ToLower(strings.TrimSpace(cfg.EventsBackend))
	if cfg.EventsBackend == "" {
		cfg.EventsBackend = "none"
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	switch cfg.BlobBackend {
	case "fs":
	case "minio":
		if cfg.MinioEndpoint == "" {
			return errors.New("config: minioEndpoint is required for blobBackend minio")
		}
		if cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "" {
			return errors.New("config: minioAccessKey and minioSecretKey are required for blobBackend minio")
		}
		if cfg.MinioBucket == "" {
			return errors.New("config: minioBucket is required for blobBackend minio")
		}
	case "s3":
		if cfg.S3Bucket == "" {
			return errors.New("config: s3Bucket is required for blobBackend s3")
		}
		if cfg.S3Region == "" {
			return errors.New("config: s3Region is required for blobBackend s3 (or set AWS_REGION)")
		}
	default:
		return fmt.Errorf("config: unknown blobBackend %q (want fs, minio or s3)", cfg.BlobBackend)
	}
	if cfg.SigningPrivateKeyPath == "" {
		return errors.New("config: signingPrivateKeyPath is required (set in config.yaml)")
	}
	if cfg.SigningPublicKeyPath == "" {
		return errors.New("config: signingPublicKeyPath is required (set in config.yaml)")
	}
	if cfg.AuthJWKSURL == "" {
		return errors.New("config: authJWKSURL is required (set in config.yaml or AUTH_JWKS_URL)")
	}
	for _, d := range []struct{ name, value string }{
		{"tokenTTL", cfg.TokenTTL},
		{"revokedRetention", cfg.RevokedRetention},
		{"jwtLeeway", cfg.JWTLeeway},
		{"verifyRateWindow", cfg.VerifyRateWindow},
	} {
		if _, err := ParseDuration(d.name, d.value); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	if cfg.VerifyRateLimit < 0 {
		return errors.New("config: verifyRateLimit must be >= 0")
	}
	if cfg.VerifyRateLimit > 0 && cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required when verifyRateLimit is set")
	}
	if cfg.QRBoxSize < 0 || (cfg.QRBorder != nil && *cfg.QRBorder < 0) {
		return errors.New("config: qrBoxSize and qrBorder must be >= 0")
	}
	if cfg.StampMinSize < 0 || cfg.StampMaxSize < 0 {
		return errors.New("config: stamp sizes must be >= 0")
	}
	if cfg.StampMinSize > 0 && cfg.StampMaxSize > 0 && cfg.StampMinSize > cfg.StampMaxSize {
		return errors.New("config: stampMinSize must not exceed stampMaxSize")
	}
	if cfg.MaxUploadBytes < 0 {
		return errors.New("config: maxUploadBytes must be >= 0")
	}
	switch cfg.EventsBackend {
	case "none":
	case "redis":
		if cfg.RedisAddr == "" {
			return errors.New("config: redisAddr is required for eventsBackend redis")
		}
	case "amqp":
		if cfg.AMQPURL == "" {
			return errors.New("config: amqpURL is required for eventsBackend amqp (or set AMQP_URL)")
		}
	default:
		return fmt.Errorf("config: unknown eventsBackend %q (want none, redis or amqp)", cfg.EventsBackend)
	}
	return nil
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

// ParseDuration parses an optional duration field. Empty means zero, which
// callers treat as "use the default".
func ParseDuration(field, value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration: %w", field, err)
	}
	if dur < 0 {
		return 0, fmt.Errorf("invalid %s duration: must be >= 0", field)
	}
	return dur, nil
}
