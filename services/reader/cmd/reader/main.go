package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"time"

	"bookshelf/internal/servicetoken"
	"bookshelf/internal/util"
	"bookshelf/pkg/cloudkv"
	"bookshelf/pkg/localkv"
	"bookshelf/pkg/reconcile"
	"bookshelf/pkg/storage"
	"bookshelf/pkg/store"
	"bookshelf/pkg/syncclient"
	"bookshelf/services/reader/internal/app"
	"bookshelf/services/reader/internal/config"
	"bookshelf/services/reader/internal/server"
)

func main() {
	cfg, err := config.Load(config.Path())
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger("reader", cfg.LogLevel)

	// Durations were checked by config.Load.
	sessionTTL, _ := config.ParseDuration(cfg.SessionTTL)
	reloadDelay, _ := config.ParseDuration(cfg.ReloadDelay)
	syncTimeout, _ := config.ParseDuration(cfg.SyncTimeout)
	coverURLTTL, _ := config.ParseDuration(cfg.CoverURLTTL)

	local, err := localkv.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.LocalPrefix)
	if err != nil {
		log.Fatalf("failed to init local store: %v", err)
	}
	cloud, err := cloudkv.NewRedisProvider(cfg.RedisAddr, cfg.RedisPassword, cfg.CloudPrefix)
	if err != nil {
		log.Fatalf("failed to init cloud store: %v", err)
	}
	sessions, err := reconcile.NewRedisSessions(cfg.RedisAddr, cfg.RedisPassword, cfg.SessionPrefix, sessionTTL)
	if err != nil {
		log.Fatalf("failed to init sessions: %v", err)
	}
	signer, err := servicetoken.NewSigner(servicetoken.SignerOptions{
		PrivateKeyPath: cfg.InternalJWTPrivateKeyPath,
		KeyID:          cfg.InternalJWTKeyID,
		Issuer:         "reader-service",
	})
	if err != nil {
		log.Fatalf("failed to init service token signer: %v", err)
	}
	remote, err := syncclient.New(cfg.SyncServiceURL, signer, syncTimeout)
	if err != nil {
		log.Fatalf("failed to init sync client: %v", err)
	}

	appCfg := app.Config{
		Local:              local,
		Remote:             remote,
		Cloud:              func(userID string) cloudkv.Store { return cloud.ForUser(userID) },
		Sessions:           sessions,
		MinPlatformVersion: cfg.MinPlatformVersion,
		ReloadDelay:        reloadDelay,
		SessionTTL:         sessionTTL,
		MaxCoverBytes:      cfg.MaxCoverBytes,
		CoverURLTTL:        coverURLTTL,
		Logger:             logger,
	}
	if cfg.DatabaseURL != "" {
		rrs, err := store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("failed to init relational store: %v", err)
		}
		appCfg.Store = rrs
	} else {
		logger.Warn("databaseURL not set, migration disabled")
	}
	if cfg.CoversEnabled() {
		objects, err := storage.NewMinioStore(context.Background(), storage.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			log.Fatalf("failed to init cover storage: %v", err)
		}
		appCfg.Objects = objects
	}

	appCore, err := app.New(appCfg)
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}
	httpServer, err := server.New(server.Config{App: appCore})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("reader server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}
