package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/iKunal-Singh/promptHub/internal/app"
	"github.com/iKunal-Singh/promptHub/internal/archive"
	"github.com/iKunal-Singh/promptHub/internal/cache"
	"github.com/iKunal-Singh/promptHub/internal/config"
	"github.com/iKunal-Singh/promptHub/internal/gitmirror"
	"github.com/iKunal-Singh/promptHub/internal/identity"
	"github.com/iKunal-Singh/promptHub/internal/search"
	"github.com/iKunal-Singh/promptHub/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	if err := os.MkdirAll(cfg.MirrorsDir, 0o755); err != nil {
		log.Fatalf("failed to create mirrors dir: %v", err)
	}

	dataStore := store.NewPostgresStore(db)
	mirror := gitmirror.New(cfg.MirrorsDir)

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliKey)
	}
	searchService := search.NewService(meiliClient, pgfts)
	if meiliClient != nil {
		defer meiliClient.Close()
		go searchService.ReindexAllFromPG(ctx)
	}

	var diffCache *cache.DiffCache
	if strings.TrimSpace(cfg.RedisURL) != "" {
		diffCache, err = cache.NewDiffCache(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer diffCache.Close()
		log.Printf("Using Redis for diff result caching")
	}

	var artifactStore *archive.Store
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		artifactStore, err = archive.New(archive.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			log.Fatalf("archive connection failed: %v", err)
		}
		log.Printf("Export artifacts archived to bucket %s", cfg.MinioBucket)
	}

	service := app.New(cfg, dataStore, mirror, searchService, diffCache, artifactStore)
	keys := identity.NewService(dataStore)

	httpServer := app.NewHTTPServer(service, keys, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("PromptHub API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
