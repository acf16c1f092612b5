package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rongwang/points-ledger/internal/api"
	"github.com/rongwang/points-ledger/internal/audit"
	"github.com/rongwang/points-ledger/internal/config"
	"github.com/rongwang/points-ledger/internal/ratelimit"
	"github.com/rongwang/points-ledger/internal/repository"
	"github.com/rongwang/points-ledger/internal/service"
	"github.com/rongwang/points-ledger/internal/utils"
	"github.com/rs/zerolog"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := utils.NewLogger(cfg.LogLevel, cfg.IsDevelopment())
	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Set up database connection
	db, err := config.SetupDatabase(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up database")
	}
	defer db.Close()

	repo := repository.NewPostgresRepository(db, cfg.Ledger.MaxRetries)

	var svcOpts []service.Option
	if recorder, closeMongo := setupAudit(ctx, cfg, log); recorder != nil {
		defer closeMongo()
		svcOpts = append(svcOpts, service.WithAuditor(recorder))
	}
	svc := service.NewDefaultService(repo, log, svcOpts...)

	var handlerOpts []api.HandlerOption
	if limiter, closeRedis := setupRateLimit(ctx, cfg, log); limiter != nil {
		defer closeRedis()
		handlerOpts = append(handlerOpts, api.WithRateLimiter(limiter))
	}
	handler := api.NewHandler(svc, log, handlerOpts...)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(api.RequestIDMiddleware())
	router.Use(api.AccessLogMiddleware(log))
	router.Use(api.JWTSecretMiddleware([]byte(cfg.Auth.JWTSecret)))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}

// setupAudit connects the audit trail. Auditing is skipped when MONGO_URI is
// unset or the server cannot be reached.
func setupAudit(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*audit.MongoRecorder, func()) {
	if cfg.Mongo.URI == "" {
		log.Info().Msg("audit trail disabled")
		return nil, nil
	}

	client, db, err := audit.Connect(ctx, audit.Config{URI: cfg.Mongo.URI, Database: cfg.Mongo.Database})
	if err != nil {
		log.Warn().Err(err).Msg("audit trail unavailable, continuing without it")
		return nil, nil
	}

	recorder := audit.NewMongoRecorder(db, cfg.Mongo.Collection)
	if err := recorder.EnsureIndexes(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to create audit indexes")
	}

	return recorder, func() {
		if err := client.Disconnect(context.Background()); err != nil {
			log.Warn().Err(err).Msg("mongo disconnect")
		}
	}
}

// setupRateLimit connects the shared request limiter. Requests are not
// limited when REDIS_ADDR is unset or the server cannot be reached.
func setupRateLimit(ctx context.Context, cfg *config.Config, log zerolog.Logger) (ratelimit.Limiter, func()) {
	if cfg.Redis.Addr == "" {
		log.Info().Msg("rate limiting disabled")
		return nil, nil
	}

	client, err := ratelimit.Connect(ctx, ratelimit.Config{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
	if err != nil {
		log.Warn().Err(err).Msg("rate limiter unavailable, continuing without it")
		return nil, nil
	}

	limiter := ratelimit.NewRedisLimiter(client, cfg.RateLimit.Requests, cfg.RateLimit.Window)
	return limiter, func() {
		if err := client.Close(); err != nil {
			log.Warn().Err(err).Msg("redis close")
		}
	}
}
