package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Qwaper/BigD-Gram/internal/attachment"
	"github.com/Qwaper/BigD-Gram/internal/auth"
	"github.com/Qwaper/BigD-Gram/internal/config"
	"github.com/Qwaper/BigD-Gram/internal/db"
	httphandler "github.com/Qwaper/BigD-Gram/internal/http"
	"github.com/Qwaper/BigD-Gram/internal/http/handlers"
	"github.com/Qwaper/BigD-Gram/internal/logging"
	"github.com/Qwaper/BigD-Gram/internal/relay"
	"github.com/Qwaper/BigD-Gram/internal/repo"
)

func main() {
	// Load .env from CWD (env vars override)
	_ = godotenv.Load(".env")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	logger := logging.Setup(cfg.LogLevel, cfg.DevMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, logger); err != nil {
		log.Fatal().Err(err).Msg("relay stopped")
	}
	log.Info().Msg("server exited")
}

// run serves the relay until ctx ends, then shuts it down.
func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	database, err := db.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()

	if err := db.Migrate(ctx, database); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	// Repositories
	accountRepo := repo.NewAccountRepo(database)
	refreshRepo := repo.NewRefreshRepo(database)
	recordRepo := repo.NewRecordRepo(database)

	// Services
	jwtService := auth.NewJWTService(cfg.JWTSecret, cfg.AccessTokenTTL)
	authService := auth.NewAuthService(jwtService, accountRepo, refreshRepo, cfg.RefreshTokenTTL)
	hub := relay.NewHub(recordRepo, relay.WithLogger(logging.Component("relay")))

	attachments, err := attachment.NewDiskStore(cfg.AttachmentDir, cfg.MaxUploadBytes)
	if err != nil {
		return fmt.Errorf("prepare attachment storage: %w", err)
	}

	router := httphandler.NewRouter(httphandler.Handlers{
		Auth:        handlers.NewAuthHandler(authService),
		Stream:      handlers.NewStreamHandler(hub, handlers.DefaultStreamSettings()),
		Attachments: handlers.NewAttachmentHandler(attachments, cfg.MaxUploadBytes, cfg.PublicBaseURL),
	}, jwtService, accountRepo, logger)

	// No WriteTimeout: /v1/stream connections are long lived and manage their own deadlines.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("port", cfg.Port).Str("db_driver", cfg.DBDriver).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		// Hijacked stream sockets are not tracked by Shutdown; the hub closes them.
		hub.Shutdown()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}
