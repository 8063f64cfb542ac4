package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/minio/minio-go/v7"
	"go.uber.org/zap"

	"github.com/abduss/pkgvault/internal/auth"
	"github.com/abduss/pkgvault/internal/blobstore"
	"github.com/abduss/pkgvault/internal/config"
	"github.com/abduss/pkgvault/internal/logger"
	"github.com/abduss/pkgvault/internal/server"
	"github.com/abduss/pkgvault/internal/software"
	"github.com/abduss/pkgvault/internal/storage"
)

func main() {
	// .env is optional, real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	zlog, err := logger.Init()
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer zlog.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := storage.Migrate(ctx, cfg.Postgres); err != nil {
		zlog.Fatal("run migrations", zap.Error(err))
	}

	dbPool, err := storage.NewPostgresPool(ctx, cfg.Postgres)
	if err != nil {
		zlog.Fatal("connect postgres", zap.Error(err))
	}
	defer dbPool.Close()

	var (
		backend     blobstore.Backend
		minioClient *minio.Client
	)
	switch cfg.Storage.Backend {
	case "remote":
		minioClient, err = storage.ConnectObjectStore(ctx, cfg.MinIO)
		if err != nil {
			zlog.Fatal("connect minio", zap.Error(err))
		}
		backend, err = blobstore.NewRemote(minioClient, cfg.MinIO.Bucket, cfg.Storage.LocalRoot)
		if err != nil {
			zlog.Fatal("init staging storage", zap.Error(err))
		}
	default:
		backend, err = blobstore.NewLocal(cfg.Storage.LocalRoot)
		if err != nil {
			zlog.Fatal("init local storage", zap.Error(err))
		}
	}

	authRepo := auth.NewRepository(dbPool)
	authService := auth.NewService(authRepo, cfg.Auth)

	softwareRepo := software.NewRepository(dbPool)
	softwareService := software.NewService(softwareRepo, backend, software.NoopScanner{}, cfg.Upload, zlog)

	router := server.NewRouter(server.Dependencies{
		Config:          cfg,
		DB:              dbPool,
		ObjectStore:     minioClient,
		AuthService:     authService,
		SoftwareService: softwareService,
	})

	httpServer := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		zlog.Info("PkgVault API listening",
			zap.String("address", cfg.Server.Address()),
			zap.String("storage_backend", cfg.Storage.Backend))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	zlog.Info("shutting down gracefully")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zlog.Warn("shutdown error", zap.Error(err))
	}
}
