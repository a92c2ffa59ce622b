package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"

	"github.com/tileforge/tileforge/internal/auth"
	"github.com/tileforge/tileforge/internal/config"
	"github.com/tileforge/tileforge/internal/database"
	"github.com/tileforge/tileforge/internal/imagegen"
	"github.com/tileforge/tileforge/internal/repository"
	"github.com/tileforge/tileforge/internal/server"
	"github.com/tileforge/tileforge/internal/service"
	"github.com/tileforge/tileforge/internal/storage"
	"github.com/tileforge/tileforge/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logr := logger.New()

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatalf("database connect: %v", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := database.Migrate(ctx, db); err != nil {
		log.Fatalf("database migrate: %v", err)
	}

	verifier, err := auth.NewVerifier(cfg.AuthJWTSecret)
	if err != nil {
		log.Fatalf("auth verifier: %v", err)
	}

	producer := imagegen.NewClient(cfg, logr)

	uploader, err := storage.NewUploader(storage.Config{
		Endpoint:      cfg.S3Endpoint,
		Region:        cfg.S3Region,
		AccessKey:     cfg.S3AccessKey,
		SecretKey:     cfg.S3SecretKey,
		Bucket:        cfg.S3Bucket,
		PublicBaseURL: cfg.S3PublicBaseURL,
		UsePathStyle:  cfg.S3UsePathStyle,
		Prefix:        cfg.S3Prefix,
	})
	if err != nil {
		log.Fatalf("storage uploader: %v", err)
	}

	userRepo := repository.NewUserRepository(db)
	generationRepo := repository.NewGenerationRepository(db)
	slotRepo := repository.NewSlotRepository(db)
	placementRepo := repository.NewPlacementRepository(db)

	userService := service.NewUserService(cfg, userRepo)
	tokenService := service.NewTokenService(cfg, logr, userRepo)
	generationService := service.NewGenerationService(logr, generationRepo)
	placementService := service.NewPlacementService(logr, slotRepo, placementRepo, generationRepo)
	pipeline := service.NewPipeline(logr, generationService, producer, uploader)

	if cfg.RegenEnabled {
		regen := service.NewRegenWorker(logr, userRepo, cfg.RegenInterval)
		go regen.Run(ctx)
	}

	srv := server.NewServer(cfg.ListenAddr, cfg.AdminUsername, cfg.AdminPassword, logr, verifier, userService, tokenService, generationService, placementService, pipeline)
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logr.Error("server stopped", "err", err)
	}
}
