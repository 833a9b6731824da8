package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"flawhunt-web/internal/config"
	"flawhunt-web/internal/downloads"
	"flawhunt-web/internal/handler"
	"flawhunt-web/internal/identity"
	"flawhunt-web/internal/logging"
	"flawhunt-web/internal/mailer"
	"flawhunt-web/internal/model"

	"go.uber.org/zap"
)

const (
	sessionCleanupInterval = time.Hour
	releaseCacheTTL        = 15 * time.Minute
	shutdownTimeout        = 30 * time.Second
)

func main() {
	// defaultConfig is used for anything the config file and environment leave unset.
	var defaultConfig = model.Config{
		ListeningPort:  8080,
		AuthRateLimit:  20,
		AuthRateWindow: model.Duration(time.Minute),
		SessionTTL:     model.Duration(24 * time.Hour),
		MailerFrom:     "FlawHunt <no-reply@flawhunt.dev>",
	}

	flags := config.InitFlags()

	logger, err := logging.NewLogger(flags.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := config.LoadConfig(flags, defaultConfig, logger)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}
	if cfg.DatabaseURL == "" {
		logger.Fatal("DATABASE_URL is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := identity.NewPostgresDB(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("Database initialized")

	var m mailer.Mailer
	if cfg.MailerURL != "" {
		m = mailer.NewHTTPMailer(cfg.MailerURL, cfg.MailerAPIKey, cfg.MailerFrom, logger)
	} else {
		logger.Warn("MAILER_URL not set, verification codes are printed to stdout")
		m = mailer.NewConsoleMailer(os.Stdout, logger)
	}

	var fetcher downloads.ReleaseFetcher
	if cfg.ReleaseRepo != "" {
		fetcher = downloads.NewGitHubClient(cfg.ReleaseRepo)
	}

	authManager := identity.NewAuthManager(db, m, logger,
		identity.WithSessionTTL(cfg.SessionTTL.Std()),
		identity.WithOAuthSecret(cfg.OAuthJWTSecret),
	)
	go authManager.RunSessionCleanup(ctx, sessionCleanupInterval)

	router := handler.NewRouter(cfg, handler.Services{
		DB:        db,
		Auth:      authManager,
		Licenses:  identity.NewLicenseManager(db, logger),
		Backups:   identity.NewBackupManager(db, logger),
		Downloads: downloads.NewService(fetcher, releaseCacheTTL, logger),
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.ListeningPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logger.Info("Starting server", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	logger.Info("Server stopped")
}
