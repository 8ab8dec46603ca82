// Command server runs the storefront chat backend: catalog sync, the
// conversation engine, and the provider webhook surface behind one gin router.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-shop-chat-backend/internal/commerce"
	"github.com/tbourn/go-shop-chat-backend/internal/config"
	"github.com/tbourn/go-shop-chat-backend/internal/dispatch"
	httpapi "github.com/tbourn/go-shop-chat-backend/internal/http"
	"github.com/tbourn/go-shop-chat-backend/internal/messaging"
	"github.com/tbourn/go-shop-chat-backend/internal/observability"
	"github.com/tbourn/go-shop-chat-backend/internal/repo"
	"github.com/tbourn/go-shop-chat-backend/internal/sysutil"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// Missing .env is fine; real deployments set env vars directly.
	_ = godotenv.Load()

	cfg := config.MustLoad()

	sysutil.SetLogLevel(cfg.LogLevel)
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	logger := log.With().
		Str("service", cfg.OTEL.ServiceName).
		Str("version", version).
		Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		logger.Fatal().Err(err).Msg("telemetry setup failed")
	}

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.DBPath).Msg("could not open database")
	}
	if err := repo.AutoMigrate(db); err != nil {
		logger.Fatal().Err(err).Msg("schema migration failed")
	}

	queue := dispatch.New(logger, cfg.Dispatch.QueueCap, cfg.Dispatch.IdleTTL)

	// Per-store bearer tokens travel with each send; the sender itself only
	// carries the Graph endpoint coordinates.
	sender := messaging.NewGraphSender("")
	sender.BaseURL = cfg.Channel.GraphBaseURL
	sender.APIVersion = cfg.Channel.GraphAPIVersion

	clients := commerce.NewFactory(commerce.WithPageSize(cfg.Sync.PageSize))

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, db, httpapi.Deps{
		Queue:   queue,
		Sender:  sender,
		Clients: clients,
		Log:     logger,
	}, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Str("base_path", cfg.APIBasePath).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	stop()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown")
	}
	// Drain in-flight conversation and sync tasks before closing the DB.
	if err := queue.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("dispatcher shutdown")
	}
	if err := shutdownOTel(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("telemetry shutdown")
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}

	logger.Info().Msg("shutdown complete")
}
