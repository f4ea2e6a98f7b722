package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"docseal/internal/qrimage"
	"docseal/internal/sigtoken"
	"docseal/internal/usertoken"
	"docseal/internal/util"
	"docseal/pkg/events"
	"docseal/pkg/storage"
	"docseal/pkg/store"
	"docseal/services/docseal/internal/app"
	"docseal/services/docseal/internal/config"
	"docseal/services/docseal/internal/server"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)
	tokenTTL := mustDuration("tokenTTL", cfg.TokenTTL)
	revokedRetention := mustDuration("revokedRetention", cfg.RevokedRetention)
	jwtLeeway := mustDuration("jwtLeeway", cfg.JWTLeeway)
	verifyRateWindow := mustDuration("verifyRateWindow", cfg.VerifyRateWindow)

	recordStore := openStore(cfg)
	objects := openObjects(cfg)

	revoker := store.TokenRevoker(store.NewMemoryTokenRevoker())
	if cfg.RedisAddr != "" {
		redisRevoker := store.NewRedisTokenRevoker(cfg.RedisAddr, cfg.RedisPassword)
		defer redisRevoker.Close()
		revoker = redisRevoker
	}

	publisher := openEvents(cfg)
	defer publisher.Close()

	qrOptions := qrimage.DefaultOptions()
	if cfg.QRErrorCorrection != "" {
		level, err := qrimage.ParseLevel(cfg.QRErrorCorrection)
		if err != nil {
			log.Fatalf("failed to parse qrErrorCorrection: %v", err)
		}
		qrOptions.Level = level
	}
	if cfg.QRBoxSize > 0 {
		qrOptions.BoxSize = cfg.QRBoxSize
	}
	if cfg.QRBorder != nil {
		qrOptions.Border = *cfg.QRBorder
	}

	appCore, err := app.New(app.Config{
		Store:             recordStore,
		Objects:           objects,
		Keys:              sigtoken.NewFileKeyProvider(cfg.SigningPrivateKeyPath, cfg.SigningPublicKeyPath),
		Revoker:           revoker,
		Events:            publisher,
		SigningKeyID:      cfg.SigningKeyID,
		TokenIssuer:       cfg.TokenIssuer,
		TokenTTL:          tokenTTL,
		TokenLeeway:       jwtLeeway,
		RevokedRetention:  revokedRetention,
		VerifyURLTemplate: cfg.VerifyURLTemplate,
		QR:                qrOptions,
		QRMaxPayloadBytes: cfg.QRMaxPayloadBytes,
		StampMinSize:      cfg.StampMinSize,
		StampMaxSize:      cfg.StampMaxSize,
		MaxUploadBytes:    cfg.MaxUploadBytes,
		AllowedExtensions: cfg.AllowedExtensions,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	tokenVerifier, err := usertoken.NewVerifier(usertoken.Config{
		JWKSURL:    cfg.AuthJWKSURL,
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
		Leeway:     jwtLeeway,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	})
	if err != nil {
		log.Fatalf("failed to init jwks verifier: %v", err)
	}

	httpServer, err := server.New(server.Config{
		App:              appCore,
		TokenVerifier:    tokenVerifier,
		RedisAddr:        cfg.RedisAddr,
		RedisPassword:    cfg.RedisPassword,
		VerifyRateLimit:  cfg.VerifyRateLimit,
		VerifyRateWindow: verifyRateWindow,
		AllowedOrigins:   cfg.AllowedOrigins,
		TrustedProxies:   cfg.TrustedProxies,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}
	defer httpServer.Close()

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("docseal server listening", "addr", addr, "blob_backend", cfg.BlobBackend, "events_backend", cfg.EventsBackend)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}

func mustDuration(field, value string) time.Duration {
	dur, err := config.ParseDuration(field, value)
	if err != nil {
		log.Fatalf("failed to parse %s: %v", field, err)
	}
	return dur
}

func openStore(cfg config.FileConfig) store.Store {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		slog.Warn("databaseURL not set, records are kept in memory")
		return store.NewMemoryStore()
	}
	gormStore, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	return gormStore
}

func openObjects(cfg config.FileConfig) storage.ObjectStore {
	switch cfg.BlobBackend {
	case "minio":
		objects, err := storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Fatalf("failed to init minio: %v", err)
		}
		return objects
	case "s3":
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		objects, err := storage.NewS3Store(ctx, storage.S3Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		})
		if err != nil {
			log.Fatalf("failed to init s3: %v", err)
		}
		return objects
	default:
		objects, err := storage.NewFileStore(cfg.StorageDir)
		if err != nil {
			log.Fatalf("failed to init file storage: %v", err)
		}
		return objects
	}
}

func openEvents(cfg config.FileConfig) events.Publisher {
	switch cfg.EventsBackend {
	case "redis":
		publisher, err := events.NewRedisStreamPublisher(events.RedisStreamConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Stream:   cfg.EventsStream,
		})
		if err != nil {
			log.Fatalf("failed to init redis events: %v", err)
		}
		return publisher
	case "amqp":
		publisher, err := events.NewAMQPPublisher(events.AMQPConfig{
			URL:      cfg.AMQPURL,
			Exchange: cfg.AMQPExchange,
		})
		if err != nil {
			log.Fatalf("failed to init amqp events: %v", err)
		}
		return publisher
	default:
		return events.NopPublisher{}
	}
}
