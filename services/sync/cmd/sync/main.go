package main

import (
	"log"
	"log/slog"
	"net/http"
	"time"

	"bookshelf/internal/servicetoken"
	"bookshelf/internal/util"
	"bookshelf/services/sync/internal/app"
	"bookshelf/services/sync/internal/config"
	"bookshelf/services/sync/internal/server"
)

func main() {
	cfg, err := config.Load(config.Path())
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger("sync", cfg.LogLevel)
	verifyKeys, err := servicetoken.ParseVerifyPublicKeys(cfg.InternalJWTVerifyPublicKeys)
	if err != nil {
		log.Fatalf("failed to parse internal jwt verify public keys: %v", err)
	}

	appCore, err := app.New(app.Config{
		DatabaseURL: cfg.DatabaseURL,
		Logger:      logger,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	httpServer, err := server.New(server.Config{
		App:                         appCore,
		InternalJWTKeyID:            cfg.InternalJWTKeyID,
		InternalJWTPublicKeyPath:    cfg.InternalJWTPublicKeyPath,
		InternalJWTVerifyPublicKeys: verifyKeys,
		AllowedIssuers:              cfg.AllowedIssuers,
		RedisAddr:                   cfg.RedisAddr,
		RedisPassword:               cfg.RedisPassword,
		RateLimitPerMinute:          cfg.RateLimitPerMinute,
		MaxBodyBytes:                cfg.MaxBodyBytes,
	})
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

	slog.Info("sync server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}
