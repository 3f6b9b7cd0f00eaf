package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"fileshare/internal/app"
	"fileshare/internal/config"
	"fileshare/internal/server"
	"fileshare/internal/util"
	"fileshare/pkg/storage"
	"fileshare/pkg/store"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	sessionTTL, err := cfg.SessionDuration()
	if err != nil {
		log.Fatalf("failed to parse session TTL: %v", err)
	}
	refreshTTL, err := cfg.RefreshDuration()
	if err != nil {
		log.Fatalf("failed to parse refresh TTL: %v", err)
	}
	leeway, err := config.ParseJWTLeeway(cfg.JWTLeeway)
	if err != nil {
		log.Fatalf("failed to parse jwt leeway: %v", err)
	}
	verifyKeys, err := config.ParseVerifyPublicKeys(cfg.JWTVerifyPublicKeys)
	if err != nil {
		log.Fatalf("failed to parse jwt verify keys: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	objects, err := storage.Open(ctx, storage.Config{
		Backend:        cfg.StorageBackend,
		MinioEndpoint:  cfg.MinioEndpoint,
		MinioAccessKey: cfg.MinioAccessKey,
		MinioSecretKey: cfg.MinioSecretKey,
		MinioBucket:    cfg.MinioBucket,
		MinioUseSSL:    cfg.MinioUseSSL,
		S3: storage.S3Config{
			Region:       cfg.S3Region,
			Bucket:       cfg.S3Bucket,
			Endpoint:     cfg.S3Endpoint,
			AccessKey:    cfg.S3AccessKey,
			SecretKey:    cfg.S3SecretKey,
			UsePathStyle: cfg.S3UsePathStyle,
		},
		LocalDir: cfg.LocalStorageDir,
	})
	if err != nil {
		log.Fatalf("failed to init object storage: %v", err)
	}

	revoker := store.NewRedisTokenRevoker(cfg.RedisAddr, cfg.RedisPassword)
	defer revoker.Close()
	sessions, err := store.NewJWTSessionStoreFromFiles(store.JWTConfig{
		PrivateKeyPath: cfg.JWTPrivateKeyPath,
		PublicKeyPath:  cfg.JWTPublicKeyPath,
		KeyID:          cfg.JWTKeyID,
		VerifyKeyFiles: verifyKeys,
		TTL:            sessionTTL,
		Issuer:         cfg.JWTIssuer,
		Audience:       cfg.JWTAudience,
		Leeway:         leeway,
	}, revoker)
	if err != nil {
		log.Fatalf("failed to init jwt sessions: %v", err)
	}
	refreshTokens := store.NewRedisRefreshTokenStore(cfg.RedisAddr, cfg.RedisPassword, refreshTTL)
	defer refreshTokens.Close()

	appCore, err := app.New(app.Config{
		Store:         db,
		Objects:       objects,
		Sessions:      sessions,
		RefreshTokens: refreshTokens,
		MFAIssuer:     cfg.MFAIssuer,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}
	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer redisClient.Close()

	httpServer, err := server.New(server.Config{
		App:                        appCore,
		Redis:                      redisClient,
		TrustedProxies:             trusted,
		CORSAllowedOrigins:         cfg.CORSAllowedOrigins,
		SignupRateLimitPerMinute:   cfg.SignupRateLimitPerMinute,
		LoginRateLimitPerMinute:    cfg.LoginRateLimitPerMinute,
		RefreshRateLimitPerMinute:  cfg.RefreshRateLimitPerMinute,
		MFARateLimitPerMinute:      cfg.MFARateLimitPerMinute,
		DownloadRateLimitPerMinute: cfg.DownloadRateLimitPerMinute,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           httpServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server listening", "addr", addr, "storage", cfg.StorageBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}
